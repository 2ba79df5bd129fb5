package arch

import (
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/exp/slices"
)

// MaxInstLen is the longest legal x86 instruction encoding.
const MaxInstLen = 15

// addrMask truncates computed targets to the 32-bit guest address space.
const addrMask = 0xffffffff

// DecodeTrace walks guest bytes from startPC, following fall-through and
// direct branch edges, and returns the decoded instructions of the
// trace. Indirect, returning, async and erroring instructions bound the
// walk. The first decode at a PC wins; later conflicting edges to the
// same PC are dropped.
func DecodeTrace(startPC uint64, read ByteReader) map[uint64]*DecodedInstruction {
	insts := make(map[uint64]*DecodedInstruction)
	work := []uint64{startPC}

	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		if _, done := insts[pc]; done {
			continue
		}

		inst := DecodeOne(pc, read)
		if inst == nil {
			continue
		}
		insts[pc] = inst

		switch inst.Category {
		case Normal, NoOp:
			work = append(work, inst.NextPC)
		case DirectJump, DirectCall:
			work = append(work, inst.BranchTakenPC)
		case ConditionalBranch, ConditionalAsyncHyperCall:
			work = append(work, inst.BranchTakenPC, inst.BranchNotTakenPC)
		default:
			// Trace boundary: indirect, returning, async, or erroring.
		}
	}
	return insts
}

// DecodeOne decodes the single instruction at pc. A PC where not even
// one byte is executable yields nil; a PC whose bytes do not decode
// yields an Invalid-category instruction.
func DecodeOne(pc uint64, read ByteReader) *DecodedInstruction {
	buf := make([]byte, 0, MaxInstLen)
	for i := uint64(0); i < MaxInstLen; i++ {
		b, ok := read(pc + i)
		if !ok {
			break
		}
		buf = append(buf, b)
	}
	if len(buf) == 0 {
		return nil
	}

	raw, err := x86asm.Decode(buf, 32)
	if err != nil {
		return &DecodedInstruction{
			PC:       pc,
			Bytes:    append([]byte(nil), buf[:1]...),
			Category: Invalid,
		}
	}

	inst := &DecodedInstruction{
		PC:     pc,
		Bytes:  append([]byte(nil), buf[:raw.Len]...),
		NextPC: (pc + uint64(raw.Len)) & addrMask,
		Inst:   raw,
	}
	classify(inst, raw)
	return inst
}

func classify(inst *DecodedInstruction, raw x86asm.Inst) {
	relTarget := func() (uint64, bool) {
		if rel, ok := raw.Args[0].(x86asm.Rel); ok {
			return (inst.NextPC + uint64(uint32(int32(rel)))) & addrMask, true
		}
		return 0, false
	}

	switch raw.Op {
	case x86asm.NOP, x86asm.FNOP, x86asm.PAUSE:
		inst.Category = NoOp

	case x86asm.JMP, x86asm.LJMP:
		if target, ok := relTarget(); ok {
			inst.Category = DirectJump
			inst.BranchTakenPC = target
		} else {
			inst.Category = IndirectJump
		}

	case x86asm.CALL, x86asm.LCALL:
		if target, ok := relTarget(); ok {
			inst.Category = DirectCall
			inst.BranchTakenPC = target
		} else {
			inst.Category = IndirectCall
		}

	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD:
		inst.Category = Return

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JNE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		inst.Category = ConditionalBranch
		if target, ok := relTarget(); ok {
			inst.BranchTakenPC = target
		}
		inst.BranchNotTakenPC = inst.NextPC

	case x86asm.HLT, x86asm.INT, x86asm.INTO,
		x86asm.SYSCALL, x86asm.SYSENTER:
		inst.Category = AsyncHyperCall

	case x86asm.UD1, x86asm.UD2:
		inst.Category = Error

	default:
		inst.Category = Normal
	}
}

// SortedPCs returns the decoded PCs in ascending order. The trace hash
// and the lifted block layout both depend on this ordering.
func SortedPCs(insts map[uint64]*DecodedInstruction) []uint64 {
	pcs := make([]uint64, 0, len(insts))
	for pc := range insts {
		pcs = append(pcs, pc)
	}
	slices.Sort(pcs)
	return pcs
}
