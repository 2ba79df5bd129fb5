package mem

import "fmt"

// Page geometry. The page is the permission granule.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// Perms is the permission triple shared by every byte of a MemoryMap.
type Perms struct {
	Read  bool
	Write bool
	Exec  bool
}

func (p Perms) String() string {
	s := [3]byte{'-', '-', '-'}
	if p.Read {
		s[0] = 'r'
	}
	if p.Write {
		s[1] = 'w'
	}
	if p.Exec {
		s[2] = 'x'
	}
	return string(s[:])
}

// page is a reference-counted 4 KiB backing. A nil data slice is a
// lazy-zero page that materializes on the first write. refs counts the
// address spaces sharing the page; a write while refs > 1 forks it.
type page struct {
	data []byte
	refs int32
}

func newZeroPage() *page {
	return &page{refs: 1}
}

func (p *page) byteAt(off uint64) byte {
	if p.data == nil {
		return 0
	}
	return p.data[off]
}

// MemoryMap is a contiguous half-open range [base, limit) of page-aligned
// addresses with a uniform permission triple. Its identity is immutable
// once allocated; contents mutate through the owning AddressSpace.
type MemoryMap struct {
	base  uint64
	limit uint64
	perms Perms
	kind  string
	name  string
	pages []*page
}

// NewMemoryMap allocates a lazy-zero map. base and limit must be
// page-aligned with base < limit; violations are the caller's bug.
func NewMemoryMap(base, limit uint64, perms Perms, kind, name string) *MemoryMap {
	if base&PageMask != 0 || limit&PageMask != 0 || base >= limit {
		panic(fmt.Sprintf("bad map geometry [%#x, %#x)", base, limit))
	}
	pages := make([]*page, (limit-base)>>PageShift)
	for i := range pages {
		pages[i] = newZeroPage()
	}
	return &MemoryMap{
		base:  base,
		limit: limit,
		perms: perms,
		kind:  kind,
		name:  name,
		pages: pages,
	}
}

// Base returns the lowest address of the map.
func (m *MemoryMap) Base() uint64 { return m.base }

// Limit returns the address just beyond the map.
func (m *MemoryMap) Limit() uint64 { return m.limit }

// Size returns Limit - Base.
func (m *MemoryMap) Size() uint64 { return m.limit - m.base }

// Perms returns the permission triple shared by the whole map.
func (m *MemoryMap) Perms() Perms { return m.perms }

// Kind returns the snapshot range kind the map was created from.
func (m *MemoryMap) Kind() string { return m.kind }

// Name returns the snapshot range name the map was created from.
func (m *MemoryMap) Name() string { return m.name }

func (m *MemoryMap) contains(addr uint64) bool {
	return m.base <= addr && addr < m.limit
}

func (m *MemoryMap) pageAt(addr uint64) *page {
	return m.pages[(addr-m.base)>>PageShift]
}

func (m *MemoryMap) readByte(addr uint64) byte {
	return m.pageAt(addr).byteAt(addr & PageMask)
}

// writeByte mutates one byte, forking the page first if it is shared
// with a clone.
func (m *MemoryMap) writeByte(addr uint64, val byte) {
	idx := (addr - m.base) >> PageShift
	pg := m.pages[idx]
	if pg.refs > 1 {
		fork := &page{refs: 1}
		if pg.data != nil {
			fork.data = make([]byte, PageSize)
			copy(fork.data, pg.data)
		}
		pg.refs--
		m.pages[idx] = fork
		pg = fork
	}
	if pg.data == nil {
		pg.data = make([]byte, PageSize)
	}
	pg.data[addr&PageMask] = val
}

// CopyIn bulk-loads contents starting at the map base. Used by the
// snapshot loader before any clone exists, so pages are written in place.
func (m *MemoryMap) CopyIn(data []byte) {
	for i, b := range data {
		if b != 0 {
			m.writeByte(m.base+uint64(i), b)
		}
	}
}

// CopyOut returns the full contents of the map.
func (m *MemoryMap) CopyOut() []byte {
	out := make([]byte, m.Size())
	for i, pg := range m.pages {
		if pg.data != nil {
			copy(out[i<<PageShift:], pg.data)
		}
	}
	return out
}

// clone shares every page with the receiver.
func (m *MemoryMap) clone() *MemoryMap {
	pages := make([]*page, len(m.pages))
	for i, pg := range m.pages {
		pg.refs++
		pages[i] = pg
	}
	return &MemoryMap{
		base:  m.base,
		limit: m.limit,
		perms: m.perms,
		kind:  m.kind,
		name:  m.name,
		pages: pages,
	}
}

// split cuts the map at a page-aligned address strictly inside it and
// returns the two halves. The halves keep the original pages, so no
// bytes move and sharing with clones is preserved.
func (m *MemoryMap) split(at uint64) (*MemoryMap, *MemoryMap) {
	if at <= m.base || at >= m.limit || at&PageMask != 0 {
		panic(fmt.Sprintf("bad split of [%#x, %#x) at %#x", m.base, m.limit, at))
	}
	cut := (at - m.base) >> PageShift
	lo := &MemoryMap{
		base:  m.base,
		limit: at,
		perms: m.perms,
		kind:  m.kind,
		name:  m.name,
		pages: m.pages[:cut:cut],
	}
	hi := &MemoryMap{
		base:  at,
		limit: m.limit,
		perms: m.perms,
		kind:  m.kind,
		name:  m.name,
		pages: m.pages[cut:],
	}
	return lo, hi
}

// release drops the map's claim on its pages.
func (m *MemoryMap) release() {
	for _, pg := range m.pages {
		pg.refs--
	}
	m.pages = nil
}
