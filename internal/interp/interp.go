// Package interp evaluates lifted IR against a concrete register bank.
// It is the concrete variant of the interpreter; runtime effects
// (memory, next-trace lookup) go through the Runtime interface so the
// executor owns every decision.
package interp

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/kwanghoon/vmill/internal/arch"
	"github.com/kwanghoon/vmill/internal/ir"
)

// Runtime is the callback surface the executor exposes to running
// traces. Memory is addressed by integer handle, never by pointer.
type Runtime interface {
	// RequestFunc returns the lifted function at pc in the given
	// memory, lifting on miss.
	RequestFunc(pc uint64, memIdx int) (*ir.Function, error)

	// ReadMem reads a little-endian value of size 1, 2, 4 or 8 bytes.
	ReadMem(memIdx int, addr uint64, size int) (uint64, bool)

	// WriteMem writes a little-endian value of size 1, 2, 4 or 8 bytes.
	WriteMem(memIdx int, addr uint64, size int, val uint64) bool
}

// ErrTraceBudget reports that a task exceeded its dispatch cap.
var ErrTraceBudget = errors.New("trace budget exhausted")

// Interpreter evaluates lifted traces for one executor.
type Interpreter struct {
	rt Runtime
}

// NewConcrete creates the concrete interpreter over a runtime.
func NewConcrete(rt Runtime) *Interpreter {
	return &Interpreter{rt: rt}
}

// Interpret runs traces starting at st.EIP until the guest reaches an
// async hypercall or an error. Control intrinsics (missing_block, jump,
// function_call, function_return) continue in a loop without
// unwinding; st.EIP tracks the boundary PC throughout. maxTraces of 0
// means unlimited.
func (i *Interpreter) Interpret(st *arch.State, memIdx int, maxTraces int) (ir.Intrinsic, error) {
	for n := 0; ; n++ {
		if maxTraces > 0 && n >= maxTraces {
			return ir.IntrinsicError, fmt.Errorf("at %#x: %w", st.EIP, ErrTraceBudget)
		}

		f, err := i.rt.RequestFunc(uint64(st.EIP), memIdx)
		if err != nil {
			return ir.IntrinsicError, err
		}

		which := i.runFunc(f, st, memIdx)
		switch which {
		case ir.IntrinsicMissingBlock, ir.IntrinsicJump,
			ir.IntrinsicFunctionCall, ir.IntrinsicFunctionReturn:
			// Next trace, same loop.
		default:
			return which, nil
		}
	}
}

// runFunc evaluates one lifted function until it tail-calls an
// intrinsic. Guest memory faults surface as the error intrinsic.
func (i *Interpreter) runFunc(f *ir.Function, st *arch.State, memIdx int) ir.Intrinsic {
	var regs [ir.RegFileSize]uint32
	copy(regs[:arch.NumRegs], st.Regs[:])

	flush := func() {
		copy(st.Regs[:], regs[:arch.NumRegs])
	}

	value := func(op ir.Operand) uint32 {
		if op.Kind == ir.KindReg {
			return regs[op.Reg]
		}
		return uint32(op.Imm)
	}

	ea := func(ref ir.MemRef) uint64 {
		addr := uint32(ref.Disp)
		if ref.Base != ir.NoReg {
			addr += regs[ref.Base]
		}
		if ref.Index != ir.NoReg {
			addr += regs[ref.Index] * uint32(ref.Scale)
		}
		return uint64(addr)
	}

	block := f.Blocks[f.EntryPC]
	for {
		for _, raw := range block.Body {
			switch in := raw.(type) {
			case ir.SetReg:
				regs[in.Dst] = value(in.Src)

			case ir.SetPC:
				st.EIP = value(in.Src)

			case ir.SetVector:
				st.Vector = in.Vector

			case ir.BinOp:
				res := alu(st, in.Op, regs[in.Dst], value(in.Src), in.Size, in.SetFlags)
				if !in.Discard {
					regs[in.Dst] = res
				}

			case ir.UnOp:
				regs[in.Dst] = unary(st, in.Op, regs[in.Dst], in.Size, in.SetFlags)

			case ir.LoadEA:
				regs[in.Dst] = uint32(ea(in.Addr))

			case ir.Load:
				val, ok := i.rt.ReadMem(memIdx, ea(in.Addr), int(in.Size))
				if !ok {
					flush()
					return ir.IntrinsicError
				}
				regs[in.Dst] = uint32(val)

			case ir.Store:
				if !i.rt.WriteMem(memIdx, ea(in.Addr), int(in.Size), uint64(value(in.Src))) {
					flush()
					return ir.IntrinsicError
				}
			}
		}

		switch t := block.Term.(type) {
		case ir.Jump:
			block = f.Blocks[t.To]

		case ir.CondJump:
			if condTrue(st, regs[arch.RegECX], t.Cond) {
				block = f.Blocks[t.Taken]
			} else {
				block = f.Blocks[t.NotTaken]
			}

		case ir.IntrinsicCall:
			if t.Which == ir.IntrinsicMissingBlock {
				st.EIP = uint32(t.PC)
			}
			flush()
			return t.Which
		}
	}
}

func condTrue(st *arch.State, ecx uint32, c ir.Cond) bool {
	zf := st.GetFlag(arch.FlagZF)
	cf := st.GetFlag(arch.FlagCF)
	sf := st.GetFlag(arch.FlagSF)
	of := st.GetFlag(arch.FlagOF)
	pf := st.GetFlag(arch.FlagPF)

	switch c {
	case ir.CondE:
		return zf
	case ir.CondNE:
		return !zf
	case ir.CondB:
		return cf
	case ir.CondAE:
		return !cf
	case ir.CondBE:
		return cf || zf
	case ir.CondA:
		return !cf && !zf
	case ir.CondS:
		return sf
	case ir.CondNS:
		return !sf
	case ir.CondP:
		return pf
	case ir.CondNP:
		return !pf
	case ir.CondO:
		return of
	case ir.CondNO:
		return !of
	case ir.CondL:
		return sf != of
	case ir.CondGE:
		return sf == of
	case ir.CondLE:
		return zf || sf != of
	case ir.CondG:
		return !zf && sf == of
	case ir.CondECXZ:
		return ecx == 0
	case ir.CondECXNZ:
		return ecx != 0
	}
	return false
}

// alu applies a two-operand operation at the given width, maintaining
// CF, OF, ZF, SF and PF the way x86 defines them for that operation.
func alu(st *arch.State, op ir.AluOp, dst, src uint32, size uint8, setFlags bool) uint32 {
	width := uint(size) * 8
	mask := uint32(1)<<width - 1
	if width == 32 {
		mask = ^uint32(0)
	}
	sign := uint32(1) << (width - 1)

	a := dst & mask
	b := src & mask
	var res uint32
	var cf, of bool

	switch op {
	case ir.AluAdd:
		wide := uint64(a) + uint64(b)
		res = uint32(wide) & mask
		cf = wide > uint64(mask)
		of = (a^res)&(b^res)&sign != 0
	case ir.AluSub:
		res = (a - b) & mask
		cf = a < b
		of = (a^b)&(a^res)&sign != 0
	case ir.AluAnd:
		res = a & b
	case ir.AluOr:
		res = a | b
	case ir.AluXor:
		res = a ^ b
	case ir.AluShl:
		count := b & 31
		if count == 0 {
			// A zero count leaves the flags untouched.
			return a
		}
		res = (a << count) & mask
		cf = count <= uint32(width) && (a>>(uint32(width)-count))&1 != 0
		of = (res&sign != 0) != cf
	case ir.AluShr:
		count := b & 31
		if count == 0 {
			return a
		}
		res = (a >> count) & mask
		cf = (a>>(count-1))&1 != 0
		of = a&sign != 0
	}

	if setFlags {
		st.PutFlag(arch.FlagCF, cf)
		st.PutFlag(arch.FlagOF, of)
		setResultFlags(st, res, sign)
	}
	return res
}

// unary applies a one-operand operation. INC and DEC preserve CF.
func unary(st *arch.State, op ir.AluOp, dst uint32, size uint8, setFlags bool) uint32 {
	width := uint(size) * 8
	mask := uint32(1)<<width - 1
	if width == 32 {
		mask = ^uint32(0)
	}
	sign := uint32(1) << (width - 1)

	a := dst & mask
	var res uint32

	switch op {
	case ir.AluInc:
		res = (a + 1) & mask
		if setFlags {
			st.PutFlag(arch.FlagOF, res == sign)
			setResultFlags(st, res, sign)
		}
	case ir.AluDec:
		res = (a - 1) & mask
		if setFlags {
			st.PutFlag(arch.FlagOF, a == sign)
			setResultFlags(st, res, sign)
		}
	case ir.AluNeg:
		res = (-a) & mask
		if setFlags {
			st.PutFlag(arch.FlagCF, a != 0)
			st.PutFlag(arch.FlagOF, a == sign)
			setResultFlags(st, res, sign)
		}
	case ir.AluNot:
		res = ^a & mask
		// NOT affects no flags.
	}
	return res
}

func setResultFlags(st *arch.State, res, sign uint32) {
	st.PutFlag(arch.FlagZF, res == 0)
	st.PutFlag(arch.FlagSF, res&sign != 0)
	st.PutFlag(arch.FlagPF, bits.OnesCount8(uint8(res))%2 == 0)
}
