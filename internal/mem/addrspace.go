// Package mem implements the paged guest address space: permissioned
// memory maps, copy-on-write cloning, and write-to-executable
// observation feeding the trace cache's invalidation decision.
package mem

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

// AddressSpace is an ordered collection of disjoint MemoryMaps plus
// page-index permission sets. A killed space mutes every operation.
type AddressSpace struct {
	id int64

	// Sorted by base, pairwise disjoint.
	maps []*MemoryMap

	// Cache mapping page index to the owning map. Rebuilt after every
	// structural change.
	pageToMap map[uint64]*MemoryMap

	// Page-index permission sets. Copied, never shared, on clone.
	readable   map[uint64]struct{}
	writable   map[uint64]struct{}
	executable map[uint64]struct{}

	dead bool

	// Sticky until consumed. The sole linkage between the writer side
	// and the trace cache's invalidation decision.
	wroteToExec bool
}

// NewAddressSpace creates an empty address space.
func NewAddressSpace(id int64) *AddressSpace {
	return &AddressSpace{
		id:         id,
		pageToMap:  make(map[uint64]*MemoryMap),
		readable:   make(map[uint64]struct{}),
		writable:   make(map[uint64]struct{}),
		executable: make(map[uint64]struct{}),
	}
}

// ID returns the snapshot identifier of the space.
func (s *AddressSpace) ID() int64 { return s.id }

// IsDead reports whether the space has been killed.
func (s *AddressSpace) IsDead() bool { return s.dead }

// Kill mutes the space and releases its backing memory.
func (s *AddressSpace) Kill() {
	if s.dead {
		return
	}
	s.dead = true
	for _, m := range s.maps {
		m.release()
	}
	s.maps = nil
	s.pageToMap = map[uint64]*MemoryMap{}
	s.readable = map[uint64]struct{}{}
	s.writable = map[uint64]struct{}{}
	s.executable = map[uint64]struct{}{}
}

// Clone creates a child sharing page backings copy-on-write. Permission
// sets are copied, not shared.
func (s *AddressSpace) Clone(id int64) *AddressSpace {
	c := NewAddressSpace(id)
	c.dead = s.dead
	c.maps = make([]*MemoryMap, len(s.maps))
	for i, m := range s.maps {
		c.maps[i] = m.clone()
	}
	c.rebuildIndex()
	return c
}

// CanRead reports whether the byte at addr is readable.
func (s *AddressSpace) CanRead(addr uint64) bool {
	_, ok := s.readable[addr>>PageShift]
	return ok && !s.dead
}

// CanWrite reports whether the byte at addr is writable.
func (s *AddressSpace) CanWrite(addr uint64) bool {
	_, ok := s.writable[addr>>PageShift]
	return ok && !s.dead
}

// CanExecute reports whether the byte at addr is executable.
func (s *AddressSpace) CanExecute(addr uint64) bool {
	_, ok := s.executable[addr>>PageShift]
	return ok && !s.dead
}

// ReadByte reads one byte. It fails on unmapped or unreadable pages and
// on a dead space.
func (s *AddressSpace) ReadByte(addr uint64) (byte, bool) {
	if !s.CanRead(addr) {
		return 0, false
	}
	m := s.findMap(addr)
	if m == nil {
		return 0, false
	}
	return m.readByte(addr), true
}

// WriteByte writes one byte. The first write to a shared page
// materializes a private copy. A write to an executable page sets the
// sticky write-to-exec flag.
func (s *AddressSpace) WriteByte(addr uint64, val byte) bool {
	if !s.CanWrite(addr) {
		return false
	}
	m := s.findMap(addr)
	if m == nil {
		return false
	}
	m.writeByte(addr, val)
	if _, ok := s.executable[addr>>PageShift]; ok {
		s.wroteToExec = true
	}
	return true
}

// ReadExecByte reads one byte for instruction decoding. It succeeds only
// on executable pages.
func (s *AddressSpace) ReadExecByte(addr uint64) (byte, bool) {
	if !s.CanExecute(addr) {
		return 0, false
	}
	m := s.findMap(addr)
	if m == nil {
		return 0, false
	}
	return m.readByte(addr), true
}

// ConsumeWriteToExec reports whether any executable byte was written
// since the previous call, then clears the flag.
func (s *AddressSpace) ConsumeWriteToExec() bool {
	seen := s.wroteToExec
	s.wroteToExec = false
	return seen
}

// ReadValue reads a little-endian value of 1, 2, 4 or 8 bytes using the
// byte-granular read path.
func (s *AddressSpace) ReadValue(addr uint64, size int) (uint64, bool) {
	var val uint64
	for i := 0; i < size; i++ {
		b, ok := s.ReadByte(addr + uint64(i))
		if !ok {
			return 0, false
		}
		val |= uint64(b) << (8 * uint(i))
	}
	return val, true
}

// WriteValue writes a little-endian value of 1, 2, 4 or 8 bytes using
// the byte-granular write path.
func (s *AddressSpace) WriteValue(addr uint64, size int, val uint64) bool {
	for i := 0; i < size; i++ {
		if !s.WriteByte(addr+uint64(i), byte(val>>(8*uint(i)))) {
			return false
		}
	}
	return true
}

// AddMap adds a new mapping with uniform permissions. base and size
// must be page-aligned and the range must not overlap an existing map.
func (s *AddressSpace) AddMap(base, size uint64, perms Perms, kind, name string) error {
	if s.dead {
		return ErrDead
	}
	if base&PageMask != 0 || size&PageMask != 0 {
		return ErrUnaligned
	}
	if size == 0 {
		return ErrEmpty
	}
	limit := base + size
	for _, m := range s.maps {
		if m.base < limit && base < m.limit {
			return fmt.Errorf("add [%#x, %#x): %w", base, limit, ErrOverlap)
		}
	}
	s.maps = append(s.maps, NewMemoryMap(base, limit, perms, kind, name))
	slices.SortFunc(s.maps, func(a, b *MemoryMap) int {
		switch {
		case a.base < b.base:
			return -1
		case a.base > b.base:
			return 1
		default:
			return 0
		}
	})
	s.rebuildIndex()
	return nil
}

// RemoveMap removes all pages of [base, base+size), splitting partially
// covered maps as needed.
func (s *AddressSpace) RemoveMap(base, size uint64) error {
	if s.dead {
		return ErrDead
	}
	if base&PageMask != 0 || size&PageMask != 0 {
		return ErrUnaligned
	}
	if size == 0 {
		return ErrEmpty
	}
	limit := base + size
	s.cutAt(base)
	s.cutAt(limit)
	kept := s.maps[:0]
	for _, m := range s.maps {
		if m.base >= base && m.limit <= limit {
			m.release()
			continue
		}
		kept = append(kept, m)
	}
	s.maps = kept
	s.rebuildIndex()
	return nil
}

// SetPermissions changes the permission triple of [base, base+size),
// splitting maps at the boundaries so every resulting map stays uniform.
// Unmapped pages inside the range are ignored.
func (s *AddressSpace) SetPermissions(base, size uint64, perms Perms) error {
	if s.dead {
		return ErrDead
	}
	if base&PageMask != 0 || size&PageMask != 0 {
		return ErrUnaligned
	}
	if size == 0 {
		return ErrEmpty
	}
	limit := base + size
	s.cutAt(base)
	s.cutAt(limit)
	for _, m := range s.maps {
		if m.base >= base && m.limit <= limit {
			m.perms = perms
		}
	}
	s.rebuildIndex()
	return nil
}

// NearestBaseLE finds the largest map base that is less than or equal
// to find.
func (s *AddressSpace) NearestBaseLE(find uint64) (uint64, bool) {
	if s.dead {
		return 0, false
	}
	// First map with base > find; the answer precedes it.
	i := sort.Search(len(s.maps), func(i int) bool {
		return s.maps[i].base > find
	})
	if i == 0 {
		return 0, false
	}
	return s.maps[i-1].base, true
}

// NearestLimitGT finds the smallest map limit that is greater than find.
func (s *AddressSpace) NearestLimitGT(find uint64) (uint64, bool) {
	if s.dead {
		return 0, false
	}
	// Limits are sorted because maps are sorted and disjoint.
	i := sort.Search(len(s.maps), func(i int) bool {
		return s.maps[i].limit > find
	})
	if i == len(s.maps) {
		return 0, false
	}
	return s.maps[i].limit, true
}

// Maps returns the current map table in address order.
func (s *AddressSpace) Maps() []*MemoryMap {
	out := make([]*MemoryMap, len(s.maps))
	copy(out, s.maps)
	return out
}

// DescribeMaps renders the map table, one line per map.
func (s *AddressSpace) DescribeMaps() []string {
	lines := make([]string, 0, len(s.maps))
	for _, m := range s.maps {
		lines = append(lines, fmt.Sprintf("[%#010x, %#010x) %s %s %s",
			m.base, m.limit, m.perms, m.kind, m.name))
	}
	return lines
}

// findMap locates the map containing addr via the page cache.
func (s *AddressSpace) findMap(addr uint64) *MemoryMap {
	if m, ok := s.pageToMap[addr>>PageShift]; ok {
		return m
	}
	return nil
}

// cutAt splits the map containing addr so that addr becomes a map
// boundary. No-op if addr already is one, or is unmapped.
func (s *AddressSpace) cutAt(addr uint64) {
	for i, m := range s.maps {
		if !m.contains(addr) || m.base == addr {
			continue
		}
		lo, hi := m.split(addr)
		s.maps = append(s.maps[:i], append([]*MemoryMap{lo, hi}, s.maps[i+1:]...)...)
		return
	}
}

// rebuildIndex recreates the page cache and permission sets from the
// map table, and checks the structural invariants.
func (s *AddressSpace) rebuildIndex() {
	s.checkRanges()
	s.pageToMap = make(map[uint64]*MemoryMap)
	s.readable = make(map[uint64]struct{})
	s.writable = make(map[uint64]struct{})
	s.executable = make(map[uint64]struct{})
	for _, m := range s.maps {
		for pg := m.base >> PageShift; pg < m.limit>>PageShift; pg++ {
			s.pageToMap[pg] = m
			if m.perms.Read {
				s.readable[pg] = struct{}{}
			}
			if m.perms.Write {
				s.writable[pg] = struct{}{}
			}
			if m.perms.Exec {
				s.executable[pg] = struct{}{}
			}
		}
	}
}

// checkRanges panics if the map table is out of order or overlapping.
// Reaching this state is a bug, not a guest fault.
func (s *AddressSpace) checkRanges() {
	for i := 1; i < len(s.maps); i++ {
		prev, cur := s.maps[i-1], s.maps[i]
		if prev.limit > cur.base {
			panic(fmt.Sprintf("overlapping maps [%#x, %#x) and [%#x, %#x)",
				prev.base, prev.limit, cur.base, cur.limit))
		}
	}
}
