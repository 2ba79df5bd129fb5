package snapshot

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/slices"

	"github.com/kwanghoon/vmill/internal/arch"
	"github.com/kwanghoon/vmill/internal/mem"
	"github.com/kwanghoon/vmill/internal/workspace"
)

// Static loader stack placement. The guest's real initial stack is
// unknown at snapshot time; the recorded ESP is an approximation that
// the state blob carries like any other register.
const (
	stackBase  = 0xbffe0000
	stackLimit = 0xc0000000
)

// FromELF builds a workspace snapshot from a 32-bit x86 ELF binary:
// one address space covering the loadable segments, a fresh stack
// range, and one task entering at the ELF entry point.
func FromELF(binPath string, ws *workspace.Workspace) (*Program, error) {
	f, err := elf.Open(binPath)
	if err != nil {
		return nil, fmt.Errorf("open ELF %s: %w", binPath, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("ELF %s: class %v, want ELFCLASS32", binPath, f.Class)
	}
	if f.Machine != elf.EM_386 {
		return nil, fmt.Errorf("ELF %s: machine %v, want EM_386", binPath, f.Machine)
	}

	if err := ws.EnsureDirs(); err != nil {
		return nil, err
	}

	content := make(map[uint64]byte)
	perms := make(map[uint64]mem.Perms)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, fmt.Errorf("read segment at %#x: %w", prog.Vaddr, err)
		}
		for i, b := range data {
			content[prog.Vaddr+uint64(i)] = b
		}

		p := mem.Perms{
			Read:  prog.Flags&elf.PF_R != 0,
			Write: prog.Flags&elf.PF_W != 0,
			Exec:  prog.Flags&elf.PF_X != 0,
		}
		first := prog.Vaddr >> mem.PageShift
		last := (prog.Vaddr + prog.Memsz + mem.PageSize - 1) >> mem.PageShift
		for pg := first; pg < last; pg++ {
			// Segments sharing a page merge permissions.
			old := perms[pg]
			perms[pg] = mem.Perms{
				Read:  old.Read || p.Read,
				Write: old.Write || p.Write,
				Exec:  old.Exec || p.Exec,
			}
		}
	}
	if len(perms) == 0 {
		return nil, fmt.Errorf("ELF %s: no loadable segments", binPath)
	}

	space := AddressSpace{ID: 1}
	for _, run := range permRuns(perms) {
		name := fmt.Sprintf("seg_%x_%x", run.base, run.limit)
		data := make([]byte, run.limit-run.base)
		for i := range data {
			data[i] = content[run.base+uint64(i)]
		}
		if err := writePageFile(ws, name, data); err != nil {
			return nil, err
		}
		space.PageRanges = append(space.PageRanges, PageRange{
			Base:  run.base,
			Limit: run.limit,
			Read:  run.perms.Read,
			Write: run.perms.Write,
			Exec:  run.perms.Exec,
			Kind:  KindFile,
			Name:  name,
		})
	}

	// Fresh anonymous stack.
	stackName := fmt.Sprintf("seg_%x_%x", uint64(stackBase), uint64(stackLimit))
	if err := writePageFile(ws, stackName, make([]byte, stackLimit-stackBase)); err != nil {
		return nil, err
	}
	space.PageRanges = append(space.PageRanges, PageRange{
		Base:  stackBase,
		Limit: stackLimit,
		Read:  true,
		Write: true,
		Kind:  KindAnonymous,
		Name:  stackName,
	})

	st := &arch.State{EIP: uint32(f.Entry)}
	st.Regs[arch.RegESP] = stackLimit - 0x100

	p := &Program{
		Arch:          arch.ArchX86,
		OS:            arch.OSVxWorks,
		AddressSpaces: []AddressSpace{space},
		Tasks: []Task{{
			PC:             f.Entry,
			State:          st.Marshal(),
			AddressSpaceID: 1,
		}},
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := p.Write(ws.SnapshotPath()); err != nil {
		return nil, err
	}
	return p, nil
}

type permRun struct {
	base, limit uint64
	perms       mem.Perms
}

// permRuns groups pages into maximal contiguous runs of identical
// permissions.
func permRuns(pages map[uint64]mem.Perms) []permRun {
	keys := make([]uint64, 0, len(pages))
	for pg := range pages {
		keys = append(keys, pg)
	}
	slices.Sort(keys)

	var runs []permRun
	for _, pg := range keys {
		base := pg << mem.PageShift
		p := pages[pg]
		if n := len(runs); n > 0 && runs[n-1].limit == base && runs[n-1].perms == p {
			runs[n-1].limit = base + mem.PageSize
			continue
		}
		runs = append(runs, permRun{base: base, limit: base + mem.PageSize, perms: p})
	}
	return runs
}

func writePageFile(ws *workspace.Workspace, name string, data []byte) error {
	if err := os.WriteFile(ws.MemoryPath(name), data, 0o644); err != nil {
		return fmt.Errorf("page file %q: %w", name, err)
	}
	return nil
}
