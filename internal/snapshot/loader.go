package snapshot

import (
	"fmt"
	"os"

	"github.com/kwanghoon/vmill/internal/mem"
	"github.com/kwanghoon/vmill/internal/workspace"
)

// LoadSpaces materializes every recorded address space, restoring page
// contents from the workspace backing files. Spaces appear in snapshot
// order; a space with a parent id starts as a CoW clone of the parent
// and then overlays its own recorded ranges.
func LoadSpaces(p *Program, ws *workspace.Workspace) (map[int64]*mem.AddressSpace, error) {
	spaces := make(map[int64]*mem.AddressSpace, len(p.AddressSpaces))
	for _, desc := range p.AddressSpaces {
		var space *mem.AddressSpace
		if desc.ParentID != 0 {
			space = spaces[desc.ParentID].Clone(desc.ID)
		} else {
			space = mem.NewAddressSpace(desc.ID)
		}

		for _, r := range desc.PageRanges {
			if desc.ParentID != 0 {
				// The overlay replaces whatever the clone inherited.
				if err := space.RemoveMap(r.Base, r.Limit-r.Base); err != nil {
					return nil, fmt.Errorf("space %d: clear [%#x, %#x): %w",
						desc.ID, r.Base, r.Limit, err)
				}
			}
			if err := space.AddMap(r.Base, r.Limit-r.Base, r.Perms(), r.Kind, r.Name); err != nil {
				return nil, fmt.Errorf("space %d: map %q: %w", desc.ID, r.Name, err)
			}
			if err := fillFromBackingFile(space, &r, ws); err != nil {
				return nil, fmt.Errorf("space %d: %w", desc.ID, err)
			}
		}

		// Restoring contents is loading, not guest self-modification.
		space.ConsumeWriteToExec()
		spaces[desc.ID] = space
	}
	return spaces, nil
}

func fillFromBackingFile(space *mem.AddressSpace, r *PageRange, ws *workspace.Workspace) error {
	path := ws.MemoryPath(r.Name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("page file %q: %w", r.Name, err)
	}
	if uint64(len(data)) != r.Limit-r.Base {
		return fmt.Errorf("page file %q is %d bytes, want %d",
			r.Name, len(data), r.Limit-r.Base)
	}
	for _, m := range space.Maps() {
		if m.Base() == r.Base && m.Limit() == r.Limit {
			m.CopyIn(data)
			return nil
		}
	}
	return fmt.Errorf("page file %q: mapped range [%#x, %#x) vanished",
		r.Name, r.Base, r.Limit)
}

// SaveSpaces serializes the given spaces and tasks back into a
// snapshot: one page range and backing file per live map, permissions
// included. Clone relationships flatten; contents and task state
// round-trip exactly.
func SaveSpaces(archName, osName string, order []int64, spaces map[int64]*mem.AddressSpace,
	tasks []Task, ws *workspace.Workspace) (*Program, error) {

	if err := ws.EnsureDirs(); err != nil {
		return nil, err
	}

	p := &Program{Arch: archName, OS: osName, Tasks: tasks}
	for _, id := range order {
		space := spaces[id]
		desc := AddressSpace{ID: id}
		for _, m := range space.Maps() {
			perms := m.Perms()
			name := fmt.Sprintf("s%d_seg_%x_%x", id, m.Base(), m.Limit())
			if err := os.WriteFile(ws.MemoryPath(name), m.CopyOut(), 0o644); err != nil {
				return nil, fmt.Errorf("space %d: page file %q: %w", id, name, err)
			}
			desc.PageRanges = append(desc.PageRanges, PageRange{
				Base:  m.Base(),
				Limit: m.Limit(),
				Read:  perms.Read,
				Write: perms.Write,
				Exec:  perms.Exec,
				Kind:  m.Kind(),
				Name:  name,
			})
		}
		p.AddressSpaces = append(p.AddressSpaces, desc)
	}

	if err := p.Write(ws.SnapshotPath()); err != nil {
		return nil, err
	}
	return p, nil
}
