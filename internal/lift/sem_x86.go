package lift

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/kwanghoon/vmill/internal/arch"
	"github.com/kwanghoon/vmill/internal/ir"
)

// The semantic library: one lifter per supported x86 instruction,
// appending IR to the instruction's basic block. A lifter returns false
// when it cannot express the instruction; the caller then terminates
// the block with the error intrinsic.

// reg32 maps a 32-bit x86asm register to its register-file index.
// Sub-register operands (AL, AX, ...) have no mapping: partial register
// writes are not modeled.
func reg32(r x86asm.Reg) (int, bool) {
	switch r {
	case x86asm.EAX:
		return arch.RegEAX, true
	case x86asm.ECX:
		return arch.RegECX, true
	case x86asm.EDX:
		return arch.RegEDX, true
	case x86asm.EBX:
		return arch.RegEBX, true
	case x86asm.ESP:
		return arch.RegESP, true
	case x86asm.EBP:
		return arch.RegEBP, true
	case x86asm.ESI:
		return arch.RegESI, true
	case x86asm.EDI:
		return arch.RegEDI, true
	}
	return 0, false
}

func memRef(m x86asm.Mem) (ir.MemRef, bool) {
	ref := ir.MemRef{Base: ir.NoReg, Index: ir.NoReg, Disp: int32(m.Disp)}
	if m.Segment != 0 {
		return ref, false
	}
	if m.Base != 0 {
		r, ok := reg32(m.Base)
		if !ok {
			return ref, false
		}
		ref.Base = r
	}
	if m.Index != 0 {
		r, ok := reg32(m.Index)
		if !ok {
			return ref, false
		}
		ref.Index = r
		ref.Scale = m.Scale
	}
	return ref, true
}

// operand converts a register or immediate argument.
func operand(a x86asm.Arg) (ir.Operand, bool) {
	switch v := a.(type) {
	case x86asm.Reg:
		r, ok := reg32(v)
		if !ok {
			return ir.Operand{}, false
		}
		return ir.Reg(r), true
	case x86asm.Imm:
		return ir.Imm(uint64(v)), true
	}
	return ir.Operand{}, false
}

func opSize(inst x86asm.Inst) uint8 {
	if inst.MemBytes != 0 {
		return uint8(inst.MemBytes)
	}
	return uint8(inst.DataSize / 8)
}

func aluOpFor(op x86asm.Op) (ir.AluOp, bool) {
	switch op {
	case x86asm.ADD:
		return ir.AluAdd, true
	case x86asm.SUB, x86asm.CMP:
		return ir.AluSub, true
	case x86asm.AND, x86asm.TEST:
		return ir.AluAnd, true
	case x86asm.OR:
		return ir.AluOr, true
	case x86asm.XOR:
		return ir.AluXor, true
	case x86asm.SHL:
		return ir.AluShl, true
	case x86asm.SHR:
		return ir.AluShr, true
	}
	return 0, false
}

// liftBody lifts the data semantics of one decoded instruction into its
// block. Control-flow terminators are the trace lifter's job; liftBody
// only updates state (including EIP and the hypercall vector where the
// instruction defines them).
func liftBody(d *arch.DecodedInstruction, b *ir.Block) bool {
	inst := d.Inst
	switch inst.Op {
	case x86asm.NOP, x86asm.FNOP, x86asm.PAUSE:
		return true

	case x86asm.MOV:
		return liftMov(inst, b)

	case x86asm.MOVZX:
		return liftMovzx(inst, b)

	case x86asm.LEA:
		return liftLea(inst, b)

	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR,
		x86asm.CMP, x86asm.TEST, x86asm.SHL, x86asm.SHR:
		return liftALU(inst, b)

	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		return liftUnary(inst, b)

	case x86asm.PUSH:
		return liftPush(inst, b)

	case x86asm.POP:
		return liftPop(inst, b)

	case x86asm.JMP:
		return liftJmp(d, b)

	case x86asm.CALL:
		return liftCall(d, b)

	case x86asm.RET:
		return liftRet(d, b)

	case x86asm.INT:
		imm, ok := inst.Args[0].(x86asm.Imm)
		if !ok {
			return false
		}
		b.Append(ir.SetVector{Vector: uint32(uint8(imm))})
		b.Append(ir.SetPC{Src: ir.Imm(d.NextPC)})
		return true

	case x86asm.HLT:
		b.Append(ir.SetVector{Vector: arch.HaltVector})
		b.Append(ir.SetPC{Src: ir.Imm(d.NextPC)})
		return true

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JNE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ:
		// Pure flag/register tests; the conditional terminator carries
		// the semantics.
		return true

	case x86asm.LOOP:
		b.Append(ir.BinOp{Op: ir.AluSub, Dst: arch.RegECX, Src: ir.Imm(1), Size: 4})
		return true
	}
	return false
}

// CondFor maps a conditional-branch opcode to its IR condition.
func CondFor(op x86asm.Op) (ir.Cond, bool) {
	switch op {
	case x86asm.JE:
		return ir.CondE, true
	case x86asm.JNE:
		return ir.CondNE, true
	case x86asm.JA:
		return ir.CondA, true
	case x86asm.JAE:
		return ir.CondAE, true
	case x86asm.JB:
		return ir.CondB, true
	case x86asm.JBE:
		return ir.CondBE, true
	case x86asm.JG:
		return ir.CondG, true
	case x86asm.JGE:
		return ir.CondGE, true
	case x86asm.JL:
		return ir.CondL, true
	case x86asm.JLE:
		return ir.CondLE, true
	case x86asm.JO:
		return ir.CondO, true
	case x86asm.JNO:
		return ir.CondNO, true
	case x86asm.JS:
		return ir.CondS, true
	case x86asm.JNS:
		return ir.CondNS, true
	case x86asm.JP:
		return ir.CondP, true
	case x86asm.JNP:
		return ir.CondNP, true
	case x86asm.JCXZ, x86asm.JECXZ:
		return ir.CondECXZ, true
	case x86asm.LOOP:
		return ir.CondECXNZ, true
	}
	return 0, false
}

func liftMov(inst x86asm.Inst, b *ir.Block) bool {
	size := opSize(inst)
	switch dst := inst.Args[0].(type) {
	case x86asm.Reg:
		d, ok := reg32(dst)
		if !ok {
			return false
		}
		switch src := inst.Args[1].(type) {
		case x86asm.Mem:
			ref, ok := memRef(src)
			if !ok {
				return false
			}
			b.Append(ir.Load{Dst: d, Addr: ref, Size: size})
			return true
		default:
			op, ok := operand(src)
			if !ok {
				return false
			}
			b.Append(ir.SetReg{Dst: d, Src: op})
			return true
		}
	case x86asm.Mem:
		ref, ok := memRef(dst)
		if !ok {
			return false
		}
		op, ok := operand(inst.Args[1])
		if !ok {
			return false
		}
		b.Append(ir.Store{Src: op, Addr: ref, Size: size})
		return true
	}
	return false
}

func liftMovzx(inst x86asm.Inst, b *ir.Block) bool {
	d, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return false
	}
	dst, ok := reg32(d)
	if !ok {
		return false
	}
	src, ok := inst.Args[1].(x86asm.Mem)
	if !ok {
		// Sub-register sources are not modeled.
		return false
	}
	ref, ok := memRef(src)
	if !ok {
		return false
	}
	// Loads zero-extend into the full register.
	b.Append(ir.Load{Dst: dst, Addr: ref, Size: uint8(inst.MemBytes)})
	return true
}

func liftLea(inst x86asm.Inst, b *ir.Block) bool {
	d, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return false
	}
	dst, ok := reg32(d)
	if !ok {
		return false
	}
	m, ok := inst.Args[1].(x86asm.Mem)
	if !ok {
		return false
	}
	ref, ok := memRef(m)
	if !ok {
		return false
	}
	b.Append(ir.LoadEA{Dst: dst, Addr: ref})
	return true
}

func liftALU(inst x86asm.Inst, b *ir.Block) bool {
	alu, ok := aluOpFor(inst.Op)
	if !ok {
		return false
	}
	discard := inst.Op == x86asm.CMP || inst.Op == x86asm.TEST
	size := opSize(inst)

	switch dst := inst.Args[0].(type) {
	case x86asm.Reg:
		d, ok := reg32(dst)
		if !ok {
			return false
		}
		switch src := inst.Args[1].(type) {
		case x86asm.Mem:
			ref, ok := memRef(src)
			if !ok {
				return false
			}
			b.Append(ir.Load{Dst: ir.Tmp0, Addr: ref, Size: size})
			b.Append(ir.BinOp{Op: alu, Dst: d, Src: ir.Reg(ir.Tmp0),
				Size: size, SetFlags: true, Discard: discard})
			return true
		default:
			op, ok := operand(src)
			if !ok {
				return false
			}
			b.Append(ir.BinOp{Op: alu, Dst: d, Src: op,
				Size: size, SetFlags: true, Discard: discard})
			return true
		}
	case x86asm.Mem:
		ref, ok := memRef(dst)
		if !ok {
			return false
		}
		op, ok := operand(inst.Args[1])
		if !ok {
			return false
		}
		b.Append(ir.Load{Dst: ir.Tmp0, Addr: ref, Size: size})
		b.Append(ir.BinOp{Op: alu, Dst: ir.Tmp0, Src: op,
			Size: size, SetFlags: true, Discard: discard})
		if !discard {
			b.Append(ir.Store{Src: ir.Reg(ir.Tmp0), Addr: ref, Size: size})
		}
		return true
	}
	return false
}

func liftUnary(inst x86asm.Inst, b *ir.Block) bool {
	var alu ir.AluOp
	switch inst.Op {
	case x86asm.INC:
		alu = ir.AluInc
	case x86asm.DEC:
		alu = ir.AluDec
	case x86asm.NEG:
		alu = ir.AluNeg
	case x86asm.NOT:
		alu = ir.AluNot
	}
	size := opSize(inst)

	switch dst := inst.Args[0].(type) {
	case x86asm.Reg:
		d, ok := reg32(dst)
		if !ok {
			return false
		}
		b.Append(ir.UnOp{Op: alu, Dst: d, Size: size, SetFlags: true})
		return true
	case x86asm.Mem:
		ref, ok := memRef(dst)
		if !ok {
			return false
		}
		b.Append(ir.Load{Dst: ir.Tmp0, Addr: ref, Size: size})
		b.Append(ir.UnOp{Op: alu, Dst: ir.Tmp0, Size: size, SetFlags: true})
		b.Append(ir.Store{Src: ir.Reg(ir.Tmp0), Addr: ref, Size: size})
		return true
	}
	return false
}

func pushValue(b *ir.Block, src ir.Operand) {
	b.Append(ir.BinOp{Op: ir.AluSub, Dst: arch.RegESP, Src: ir.Imm(4), Size: 4})
	b.Append(ir.Store{Src: src, Addr: ir.MemRef{Base: arch.RegESP, Index: ir.NoReg}, Size: 4})
}

func liftPush(inst x86asm.Inst, b *ir.Block) bool {
	switch src := inst.Args[0].(type) {
	case x86asm.Mem:
		ref, ok := memRef(src)
		if !ok {
			return false
		}
		b.Append(ir.Load{Dst: ir.Tmp0, Addr: ref, Size: 4})
		pushValue(b, ir.Reg(ir.Tmp0))
		return true
	default:
		op, ok := operand(src)
		if !ok {
			return false
		}
		pushValue(b, op)
		return true
	}
}

func liftPop(inst x86asm.Inst, b *ir.Block) bool {
	esp := ir.MemRef{Base: arch.RegESP, Index: ir.NoReg}
	switch dst := inst.Args[0].(type) {
	case x86asm.Reg:
		d, ok := reg32(dst)
		if !ok {
			return false
		}
		b.Append(ir.Load{Dst: d, Addr: esp, Size: 4})
		b.Append(ir.BinOp{Op: ir.AluAdd, Dst: arch.RegESP, Src: ir.Imm(4), Size: 4})
		return true
	case x86asm.Mem:
		ref, ok := memRef(dst)
		if !ok {
			return false
		}
		b.Append(ir.Load{Dst: ir.Tmp0, Addr: esp, Size: 4})
		b.Append(ir.BinOp{Op: ir.AluAdd, Dst: arch.RegESP, Src: ir.Imm(4), Size: 4})
		b.Append(ir.Store{Src: ir.Reg(ir.Tmp0), Addr: ref, Size: 4})
		return true
	}
	return false
}

func liftJmp(d *arch.DecodedInstruction, b *ir.Block) bool {
	if d.Category == arch.DirectJump {
		return true
	}
	// Indirect: compute the target into EIP for the jump intrinsic.
	switch target := d.Inst.Args[0].(type) {
	case x86asm.Reg:
		r, ok := reg32(target)
		if !ok {
			return false
		}
		b.Append(ir.SetPC{Src: ir.Reg(r)})
		return true
	case x86asm.Mem:
		ref, ok := memRef(target)
		if !ok {
			return false
		}
		b.Append(ir.Load{Dst: ir.Tmp0, Addr: ref, Size: 4})
		b.Append(ir.SetPC{Src: ir.Reg(ir.Tmp0)})
		return true
	}
	return false
}

func liftCall(d *arch.DecodedInstruction, b *ir.Block) bool {
	pushValue(b, ir.Imm(d.NextPC))
	if d.Category == arch.DirectCall {
		return true
	}
	switch target := d.Inst.Args[0].(type) {
	case x86asm.Reg:
		r, ok := reg32(target)
		if !ok {
			return false
		}
		b.Append(ir.SetPC{Src: ir.Reg(r)})
		return true
	case x86asm.Mem:
		ref, ok := memRef(target)
		if !ok {
			return false
		}
		b.Append(ir.Load{Dst: ir.Tmp0, Addr: ref, Size: 4})
		b.Append(ir.SetPC{Src: ir.Reg(ir.Tmp0)})
		return true
	}
	return false
}

func liftRet(d *arch.DecodedInstruction, b *ir.Block) bool {
	if d.Inst.Op != x86asm.RET {
		// Far and interrupt returns are not modeled.
		return false
	}
	b.Append(ir.Load{Dst: ir.Tmp0, Addr: ir.MemRef{Base: arch.RegESP, Index: ir.NoReg}, Size: 4})
	b.Append(ir.BinOp{Op: ir.AluAdd, Dst: arch.RegESP, Src: ir.Imm(4), Size: 4})
	if imm, ok := d.Inst.Args[0].(x86asm.Imm); ok {
		// ret imm16 releases caller arguments.
		b.Append(ir.BinOp{Op: ir.AluAdd, Dst: arch.RegESP, Src: ir.Imm(uint64(imm)), Size: 4})
	}
	b.Append(ir.SetPC{Src: ir.Reg(ir.Tmp0)})
	return true
}
