package arch

import (
	"reflect"
	"testing"
)

// readerFor serves bytes from a map of address to byte.
func readerFor(mem map[uint64]byte) ByteReader {
	return func(addr uint64) (byte, bool) {
		b, ok := mem[addr]
		return b, ok
	}
}

func loadBytes(base uint64, code []byte) map[uint64]byte {
	mem := make(map[uint64]byte, len(code))
	for i, b := range code {
		mem[base+uint64(i)] = b
	}
	return mem
}

func TestDecodeStraightLine(t *testing.T) {
	// nop; nop; hlt
	mem := loadBytes(0x1000, []byte{0x90, 0x90, 0xF4})
	insts := DecodeTrace(0x1000, readerFor(mem))

	if len(insts) != 3 {
		t.Fatalf("got %d instructions, want 3", len(insts))
	}
	if insts[0x1000].Category != NoOp || insts[0x1001].Category != NoOp {
		t.Error("nop not classified NoOp")
	}
	hlt := insts[0x1002]
	if hlt == nil || hlt.Category != AsyncHyperCall {
		t.Fatalf("hlt classified %v, want AsyncHyperCall", hlt)
	}
	if hlt.NextPC != 0x1003 {
		t.Errorf("hlt NextPC = %#x, want 0x1003", hlt.NextPC)
	}
}

func TestDecodeDirectJump(t *testing.T) {
	// 0x1000: jmp 0x1010
	// 0x1010: ret
	mem := loadBytes(0x1000, []byte{0xEB, 0x0E})
	for a, b := range loadBytes(0x1010, []byte{0xC3}) {
		mem[a] = b
	}
	insts := DecodeTrace(0x1000, readerFor(mem))

	jmp := insts[0x1000]
	if jmp == nil || jmp.Category != DirectJump {
		t.Fatalf("jmp classified %v", jmp)
	}
	if jmp.BranchTakenPC != 0x1010 {
		t.Errorf("jmp target = %#x, want 0x1010", jmp.BranchTakenPC)
	}
	ret := insts[0x1010]
	if ret == nil || ret.Category != Return {
		t.Fatalf("ret classified %v", ret)
	}
	if len(insts) != 2 {
		t.Errorf("got %d instructions, want 2", len(insts))
	}
}

func TestDecodeConditionalBranch(t *testing.T) {
	// 0x1000: je +2 (to 0x1004); 0x1002: nop; 0x1003: hlt; 0x1004: ret
	mem := loadBytes(0x1000, []byte{0x74, 0x02, 0x90, 0xF4, 0xC3})
	insts := DecodeTrace(0x1000, readerFor(mem))

	je := insts[0x1000]
	if je == nil || je.Category != ConditionalBranch {
		t.Fatalf("je classified %v", je)
	}
	if je.BranchTakenPC != 0x1004 || je.BranchNotTakenPC != 0x1002 {
		t.Errorf("je edges = (%#x, %#x), want (0x1004, 0x1002)",
			je.BranchTakenPC, je.BranchNotTakenPC)
	}
	// Both arms reachable.
	for _, pc := range []uint64{0x1002, 0x1003, 0x1004} {
		if insts[pc] == nil {
			t.Errorf("missing instruction at %#x", pc)
		}
	}
}

func TestDecodeIndirectStopsTrace(t *testing.T) {
	// 0x1000: jmp [eax]; trailing bytes must not be decoded.
	mem := loadBytes(0x1000, []byte{0xFF, 0x20, 0x90, 0x90})
	insts := DecodeTrace(0x1000, readerFor(mem))

	if len(insts) != 1 {
		t.Fatalf("got %d instructions, want 1", len(insts))
	}
	if insts[0x1000].Category != IndirectJump {
		t.Errorf("classified %v, want IndirectJump", insts[0x1000].Category)
	}
}

func TestDecodeIntAndCall(t *testing.T) {
	// 0x1000: call +0 (to 0x1005); 0x1005: int 0x80
	mem := loadBytes(0x1000, []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0xCD, 0x80})
	insts := DecodeTrace(0x1000, readerFor(mem))

	call := insts[0x1000]
	if call == nil || call.Category != DirectCall || call.BranchTakenPC != 0x1005 {
		t.Fatalf("call decoded %+v", call)
	}
	intr := insts[0x1005]
	if intr == nil || intr.Category != AsyncHyperCall {
		t.Fatalf("int decoded %+v", intr)
	}
}

func TestDecodeInvalidBytes(t *testing.T) {
	// 0x0F 0x04 does not decode in 32-bit mode.
	mem := loadBytes(0x1000, []byte{0x0F, 0x04})
	insts := DecodeTrace(0x1000, readerFor(mem))

	inv := insts[0x1000]
	if inv == nil || inv.Category != Invalid {
		t.Fatalf("invalid bytes decoded %+v", inv)
	}
	if len(insts) != 1 {
		t.Errorf("invalid instruction enqueued successors: %d decoded", len(insts))
	}
}

func TestDecodeUnmappedStart(t *testing.T) {
	insts := DecodeTrace(0xdead, readerFor(nil))
	if len(insts) != 0 {
		t.Fatalf("got %d instructions from unmapped start, want 0", len(insts))
	}
}

func TestDecodeDeterminism(t *testing.T) {
	mem := loadBytes(0x1000, []byte{0x74, 0x02, 0x90, 0xF4, 0xC3})
	a := DecodeTrace(0x1000, readerFor(mem))
	b := DecodeTrace(0x1000, readerFor(mem))

	if !reflect.DeepEqual(SortedPCs(a), SortedPCs(b)) {
		t.Fatal("decoded PC sets differ between runs")
	}
	for pc, ia := range a {
		ib := b[pc]
		if ia.Category != ib.Category || ia.NextPC != ib.NextPC ||
			ia.BranchTakenPC != ib.BranchTakenPC || ia.BranchNotTakenPC != ib.BranchNotTakenPC {
			t.Fatalf("instruction at %#x differs between runs", pc)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	st := &State{}
	st.Regs[RegEAX] = 0x11223344
	st.Regs[RegESP] = 0x7ffff000
	st.EIP = 0x1000
	st.EFLAGS = FlagZF | FlagCF
	st.Vector = 0x80

	blob := st.Marshal()
	if len(blob) != StateSize {
		t.Fatalf("blob size %d, want %d", len(blob), StateSize)
	}
	back := StateFromBytes(blob)
	if !reflect.DeepEqual(back, st) {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, st)
	}
}

func TestStateTailPreserved(t *testing.T) {
	blob := make([]byte, StateSize+16)
	for i := range blob {
		blob[i] = byte(i)
	}
	st := StateFromBytes(blob)
	st.Regs[RegEAX] = 0xffffffff
	out := st.Marshal()

	if len(out) != len(blob) {
		t.Fatalf("blob length changed: %d vs %d", len(out), len(blob))
	}
	for i := StateSize; i < len(blob); i++ {
		if out[i] != blob[i] {
			t.Fatalf("tail byte %d changed: %#x vs %#x", i, out[i], blob[i])
		}
	}
}
