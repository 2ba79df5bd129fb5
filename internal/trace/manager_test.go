package trace

import (
	"path/filepath"
	"testing"

	"github.com/kwanghoon/vmill/internal/ir"
	"github.com/kwanghoon/vmill/internal/mem"
)

func spaceWithCode(t *testing.T, id int64, base uint64, code []byte) *mem.AddressSpace {
	t.Helper()
	s := mem.NewAddressSpace(id)
	if err := s.AddMap(base, mem.PageSize, mem.Perms{Read: true, Write: true, Exec: true}, "anonymous", "code"); err != nil {
		t.Fatalf("AddMap failed: %v", err)
	}
	for i, b := range code {
		if !s.WriteByte(base+uint64(i), b) {
			t.Fatalf("WriteByte failed at %#x", base+uint64(i))
		}
	}
	// Loading code is not guest self-modification.
	s.ConsumeWriteToExec()
	return s
}

func TestGetOrLiftIdentityStable(t *testing.T) {
	s := spaceWithCode(t, 1, 0x1000, []byte{0x90, 0xF4}) // nop; hlt
	m := NewManager(ir.NewModule(), nil, nil)

	a, err := m.GetOrLift(s, 0x1000)
	if err != nil {
		t.Fatalf("GetOrLift failed: %v", err)
	}
	b, err := m.GetOrLift(s, 0x1000)
	if err != nil {
		t.Fatalf("GetOrLift failed: %v", err)
	}
	if a != b {
		t.Error("unchanged bytes returned a different function identity")
	}
}

func TestSelfModificationRelifts(t *testing.T) {
	s := spaceWithCode(t, 1, 0x1000, []byte{0x90, 0x90, 0xF4}) // nop; nop; hlt
	m := NewManager(ir.NewModule(), nil, nil)

	before, err := m.GetOrLift(s, 0x1000)
	if err != nil {
		t.Fatalf("GetOrLift failed: %v", err)
	}

	// Overwrite the second nop with hlt.
	if !s.WriteByte(0x1001, 0xF4) {
		t.Fatal("write to executable page failed")
	}

	after, err := m.GetOrLift(s, 0x1000)
	if err != nil {
		t.Fatalf("GetOrLift failed: %v", err)
	}
	if after == before {
		t.Fatal("stale function returned after write to executable memory")
	}
	if after.Name == before.Name {
		t.Fatal("new contents produced the same trace key")
	}
	// The superseded function stays in the module.
	if m.Module().Function(before.Name) == nil {
		t.Error("superseded function dropped from module")
	}
}

func TestCloneSpacesCacheIndependently(t *testing.T) {
	parent := spaceWithCode(t, 1, 0x1000, []byte{0x90, 0xF4})
	child := parent.Clone(2)
	m := NewManager(ir.NewModule(), nil, nil)

	pf, err := m.GetOrLift(parent, 0x1000)
	if err != nil {
		t.Fatalf("GetOrLift parent failed: %v", err)
	}
	cf, err := m.GetOrLift(child, 0x1000)
	if err != nil {
		t.Fatalf("GetOrLift child failed: %v", err)
	}
	// Identical bytes hash identically: the same function serves both.
	if pf != cf {
		t.Error("identical bytes in clone lifted to a different function")
	}

	// Child modification must not disturb the parent's cache.
	child.WriteByte(0x1000, 0xF4)
	cf2, err := m.GetOrLift(child, 0x1000)
	if err != nil {
		t.Fatalf("GetOrLift child failed: %v", err)
	}
	if cf2 == cf {
		t.Error("child served stale trace after self-modification")
	}
	pf2, err := m.GetOrLift(parent, 0x1000)
	if err != nil {
		t.Fatalf("GetOrLift parent failed: %v", err)
	}
	if pf2 != pf {
		t.Error("parent cache disturbed by child modification")
	}
}

func TestDeadSpaceFailsLift(t *testing.T) {
	s := spaceWithCode(t, 1, 0x1000, []byte{0xF4})
	m := NewManager(ir.NewModule(), nil, nil)
	s.Kill()
	m.Invalidate(s)

	if _, err := m.GetOrLift(s, 0x1000); err == nil {
		t.Fatal("GetOrLift succeeded on dead space")
	}
}

func TestStorePersistsRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tracedb")
	store, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}

	s := spaceWithCode(t, 1, 0x1000, []byte{0x90, 0xF4})
	m := NewManager(ir.NewModule(), store, nil)
	if _, err := m.GetOrLift(s, 0x1000); err != nil {
		t.Fatalf("GetOrLift failed: %v", err)
	}
	// Two live-cache hits on top of the lift.
	for i := 0; i < 2; i++ {
		if _, err := m.GetOrLift(s, 0x1000); err != nil {
			t.Fatalf("GetOrLift failed: %v", err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store, err = OpenStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()
	recs, err := store.Traces()
	if err != nil {
		t.Fatalf("Traces failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.PC != 0x1000 || rec.Lifts != 1 || rec.Hits != 2 {
		t.Errorf("record %+v, want pc=0x1000 lifts=1 hits=2", rec)
	}
	if rec.Insts != 2 {
		t.Errorf("instruction count %d, want 2 (nop; hlt)", rec.Insts)
	}
	if rec.Name != ir.LiftedName(rec.PC, rec.Hash) {
		t.Errorf("record name %q does not match its key", rec.Name)
	}
}

// Decoder byte reader and manager agree on executable-only reads.
func TestLiftRespectsExecPermission(t *testing.T) {
	s := mem.NewAddressSpace(1)
	if err := s.AddMap(0x1000, mem.PageSize, mem.Perms{Read: true, Write: true}, "anonymous", "data"); err != nil {
		t.Fatalf("AddMap failed: %v", err)
	}
	s.WriteByte(0x1000, 0x90)
	m := NewManager(ir.NewModule(), nil, nil)

	f, err := m.GetOrLift(s, 0x1000)
	if err != nil {
		t.Fatalf("GetOrLift failed: %v", err)
	}
	// Non-executable bytes decode to nothing: the entry must be the
	// error intrinsic.
	entry := f.Blocks[f.EntryPC]
	tc, ok := entry.Term.(ir.IntrinsicCall)
	if !ok || tc.Which != ir.IntrinsicError {
		t.Errorf("entry terminates with %v, want error intrinsic", entry.Term)
	}
}
