// Package snapshot reads and writes the persisted program description:
// the guest arch/os, the address spaces with their page ranges, and the
// initial tasks. Page contents live in per-range backing files under
// the workspace memory directory.
package snapshot

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kwanghoon/vmill/internal/mem"
)

// Page range kinds.
const (
	KindAnonymous = "anonymous"
	KindFile      = "file"
)

// PageRange describes one contiguous mapping of an address space.
type PageRange struct {
	Base  uint64 `yaml:"base"`
	Limit uint64 `yaml:"limit"`
	Read  bool   `yaml:"read"`
	Write bool   `yaml:"write"`
	Exec  bool   `yaml:"exec"`
	Kind  string `yaml:"kind"`
	Name  string `yaml:"name"`
}

// Perms converts the range's permission booleans.
func (r *PageRange) Perms() mem.Perms {
	return mem.Perms{Read: r.Read, Write: r.Write, Exec: r.Exec}
}

// AddressSpace describes one recorded space. A non-zero ParentID marks
// the space as a clone of an earlier one.
type AddressSpace struct {
	ID         int64       `yaml:"id"`
	ParentID   int64       `yaml:"parent_id,omitempty"`
	PageRanges []PageRange `yaml:"page_ranges"`
}

// Task describes one guest thread: its PC, its opaque register-bank
// blob, and the space it runs in.
type Task struct {
	PC             uint64 `yaml:"pc"`
	State          []byte `yaml:"state"`
	AddressSpaceID int64  `yaml:"address_space_id"`
}

// Program is the full snapshot description.
type Program struct {
	Arch          string         `yaml:"arch"`
	OS            string         `yaml:"os"`
	AddressSpaces []AddressSpace `yaml:"address_spaces"`
	Tasks         []Task         `yaml:"tasks"`
}

// Read loads and validates a snapshot file.
func Read(path string) (*Program, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var p Program
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return &p, nil
}

// Write persists the snapshot description.
func (p *Program) Write(path string) error {
	raw, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return nil
}

// Validate checks the consistency rules that are fatal at load time.
func (p *Program) Validate() error {
	seen := make(map[int64]bool, len(p.AddressSpaces))
	for _, space := range p.AddressSpaces {
		if seen[space.ID] {
			return fmt.Errorf("duplicate address space id %d", space.ID)
		}
		if space.ParentID != 0 && !seen[space.ParentID] {
			return fmt.Errorf("address space %d references parent %d before its definition",
				space.ID, space.ParentID)
		}
		seen[space.ID] = true

		names := make(map[string]bool, len(space.PageRanges))
		for _, r := range space.PageRanges {
			if r.Base >= r.Limit {
				return fmt.Errorf("space %d: page range %q has base %#x >= limit %#x",
					space.ID, r.Name, r.Base, r.Limit)
			}
			if r.Base&(mem.PageSize-1) != 0 || r.Limit&(mem.PageSize-1) != 0 {
				return fmt.Errorf("space %d: page range %q is not page-aligned", space.ID, r.Name)
			}
			if r.Name == "" {
				return fmt.Errorf("space %d: page range [%#x, %#x) has no name",
					space.ID, r.Base, r.Limit)
			}
			if names[r.Name] {
				return fmt.Errorf("space %d: duplicate page range name %q", space.ID, r.Name)
			}
			names[r.Name] = true
		}
	}
	for i, task := range p.Tasks {
		if !seen[task.AddressSpaceID] {
			return fmt.Errorf("task %d references unknown address space %d",
				i, task.AddressSpaceID)
		}
	}
	return nil
}
