package lift

import (
	"testing"

	"github.com/kwanghoon/vmill/internal/arch"
	"github.com/kwanghoon/vmill/internal/ir"
)

func readerFor(base uint64, code []byte) arch.ByteReader {
	return func(addr uint64) (byte, bool) {
		if addr < base || addr >= base+uint64(len(code)) {
			return 0, false
		}
		return code[addr-base], true
	}
}

func TestLiftStraightLine(t *testing.T) {
	// nop; nop; hlt
	read := readerFor(0x1000, []byte{0x90, 0x90, 0xF4})
	m := ir.NewModule()

	lf, err := LiftIntoModule(0x1000, read, m)
	if err != nil {
		t.Fatalf("LiftIntoModule failed: %v", err)
	}
	if lf.PC != 0x1000 {
		t.Errorf("lifted PC = %#x, want 0x1000", lf.PC)
	}
	if lf.Insts != 3 {
		t.Errorf("instruction count %d, want 3", lf.Insts)
	}
	if got := ir.LiftedName(lf.PC, lf.Hash); lf.Func.Name != got {
		t.Errorf("function name %q does not encode (pc, hash) %q", lf.Func.Name, got)
	}
	if m.Function(lf.Func.Name) != lf.Func {
		t.Error("function not inserted into destination module")
	}
	if err := ir.VerifyFunction(lf.Func); err != nil {
		t.Errorf("lifted function fails verification: %v", err)
	}

	// The trace ends in an async hypercall (hlt).
	sawAsync := false
	for _, b := range lf.Func.Blocks {
		if tc, ok := b.Term.(ir.IntrinsicCall); ok && tc.Which == ir.IntrinsicAsyncHyperCall {
			sawAsync = true
		}
	}
	if !sawAsync {
		t.Error("no async_hyper_call terminator in lifted trace")
	}
}

func TestLiftIdempotent(t *testing.T) {
	read := readerFor(0x1000, []byte{0x90, 0xF4})
	m := ir.NewModule()

	a, err := LiftIntoModule(0x1000, read, m)
	if err != nil {
		t.Fatalf("first lift failed: %v", err)
	}
	b, err := LiftIntoModule(0x1000, read, m)
	if err != nil {
		t.Fatalf("second lift failed: %v", err)
	}
	if a.Func != b.Func {
		t.Error("repeated lift returned a different function identity")
	}
	if a.Hash != b.Hash {
		t.Error("repeated lift computed a different hash")
	}
}

func TestLiftHashSensitivity(t *testing.T) {
	m := ir.NewModule()
	a, err := LiftIntoModule(0x1000, readerFor(0x1000, []byte{0x90, 0xF4}), m)
	if err != nil {
		t.Fatalf("lift failed: %v", err)
	}
	// Same PC, different bytes: a new function under a new name.
	b, err := LiftIntoModule(0x1000, readerFor(0x1000, []byte{0x90, 0x90, 0xF4}), m)
	if err != nil {
		t.Fatalf("lift failed: %v", err)
	}
	if a.Hash == b.Hash {
		t.Fatal("different bytes produced the same hash")
	}
	if a.Func.Name == b.Func.Name {
		t.Fatal("different bytes produced the same function name")
	}
	if m.Function(a.Func.Name) == nil || m.Function(b.Func.Name) == nil {
		t.Error("both versions should remain in the module")
	}
}

func TestLiftDirectBranchTrace(t *testing.T) {
	// 0x1000: jmp 0x1010; 0x1010: ret — one function, both blocks.
	code := make([]byte, 0x11)
	code[0x00] = 0xEB
	code[0x01] = 0x0E
	code[0x10] = 0xC3
	m := ir.NewModule()

	lf, err := LiftIntoModule(0x1000, readerFor(0x1000, code), m)
	if err != nil {
		t.Fatalf("lift failed: %v", err)
	}
	// After optimization the jump source and the return target fold
	// into the entry block, ending in function_return.
	entry := lf.Func.Blocks[lf.Func.EntryPC]
	if entry == nil {
		t.Fatal("missing entry block")
	}
	tc, ok := entry.Term.(ir.IntrinsicCall)
	if !ok || tc.Which != ir.IntrinsicFunctionReturn {
		t.Errorf("entry chain ends in %v, want function_return", entry.Term)
	}
}

func TestLiftUndecodableRoot(t *testing.T) {
	m := ir.NewModule()
	lf, err := LiftIntoModule(0xdead, readerFor(0x1000, nil), m)
	if err != nil {
		t.Fatalf("lift failed: %v", err)
	}
	entry := lf.Func.Blocks[lf.Func.EntryPC]
	tc, ok := entry.Term.(ir.IntrinsicCall)
	if !ok || tc.Which != ir.IntrinsicError {
		t.Errorf("undecodable root terminates with %v, want error", entry.Term)
	}
}

func TestLiftStragglerGetsMissingBlock(t *testing.T) {
	// je +2 jumps beyond the mapped window: the taken target cannot be
	// decoded and must terminate with missing_block.
	code := []byte{0x74, 0x02, 0xF4}
	m := ir.NewModule()

	lf, err := LiftIntoModule(0x1000, readerFor(0x1000, code), m)
	if err != nil {
		t.Fatalf("lift failed: %v", err)
	}
	sawMissing := false
	for pc, b := range lf.Func.Blocks {
		if tc, ok := b.Term.(ir.IntrinsicCall); ok && tc.Which == ir.IntrinsicMissingBlock {
			sawMissing = true
			if tc.PC != pc {
				t.Errorf("missing_block carries %#x, want block pc %#x", tc.PC, pc)
			}
		}
	}
	if !sawMissing {
		t.Error("no missing_block terminator for undecoded target")
	}
}

func TestLiftUnsupportedInstructionBecomesError(t *testing.T) {
	// CPUID decodes fine but has no semantic lifter.
	code := []byte{0x0F, 0xA2}
	m := ir.NewModule()

	lf, err := LiftIntoModule(0x1000, readerFor(0x1000, code), m)
	if err != nil {
		t.Fatalf("lift failed: %v", err)
	}
	entry := lf.Func.Blocks[lf.Func.EntryPC]
	tc, ok := entry.Term.(ir.IntrinsicCall)
	if !ok || tc.Which != ir.IntrinsicError {
		t.Errorf("unsupported instruction terminates with %v, want error", entry.Term)
	}
}
