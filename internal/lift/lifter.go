// Package lift turns decoded guest traces into IR functions: one
// function per trace, named by position and instruction-byte hash, with
// one basic block per instruction.
package lift

import (
	"fmt"
	"hash/fnv"

	"github.com/kwanghoon/vmill/internal/arch"
	"github.com/kwanghoon/vmill/internal/ir"
)

// LiftedFunction is the result of lifting one trace. Insts counts the
// decoded guest instructions behind the function.
type LiftedFunction struct {
	PC    uint64
	Hash  uint64
	Insts int
	Func  *ir.Function
}

// TraceHash hashes the instruction bytes of a decoded trace in
// ascending-PC order. The hash versions the trace: a write that changes
// executable bytes yields a new hash, hence a new function name.
func TraceHash(insts map[uint64]*arch.DecodedInstruction) uint64 {
	h := fnv.New64a()
	for _, pc := range arch.SortedPCs(insts) {
		h.Write(insts[pc].Bytes)
	}
	return h.Sum64()
}

// LiftIntoModule decodes the trace rooted at pc through the byte reader
// and materializes its function in dest. Lifting is idempotent: if dest
// already holds a function with the computed name, that function is
// returned unchanged.
func LiftIntoModule(pc uint64, read arch.ByteReader, dest *ir.Module) (LiftedFunction, error) {
	insts := arch.DecodeTrace(pc, read)
	hash := TraceHash(insts)
	name := ir.LiftedName(pc, hash)

	// Already lifted; don't re-do things.
	if f := dest.Function(name); f != nil {
		return LiftedFunction{PC: pc, Hash: hash, Insts: len(insts), Func: f}, nil
	}

	f := ir.NewFunction(name, pc)

	// Guarantee that an entry block exists, even if the first
	// instruction failed to decode.
	if _, ok := insts[pc]; !ok {
		f.Block(pc).Term = ir.IntrinsicCall{Which: ir.IntrinsicError}
	}

	// Lift each instruction into its own basic block.
	for _, instPC := range arch.SortedPCs(insts) {
		inst := insts[instPC]
		block := f.Block(instPC)

		if !inst.HasLiftableBody() || !liftBody(inst, block) {
			block.Body = nil
			block.Term = ir.IntrinsicCall{Which: ir.IntrinsicError}
			continue
		}

		// Connect together the basic blocks.
		switch inst.Category {
		case arch.Normal, arch.NoOp:
			block.Term = ir.Jump{To: inst.NextPC}
			f.Block(inst.NextPC)

		case arch.DirectJump, arch.DirectCall:
			block.Term = ir.Jump{To: inst.BranchTakenPC}
			f.Block(inst.BranchTakenPC)

		case arch.IndirectJump:
			block.Term = ir.IntrinsicCall{Which: ir.IntrinsicJump}

		case arch.IndirectCall:
			block.Term = ir.IntrinsicCall{Which: ir.IntrinsicFunctionCall}

		case arch.Return:
			block.Term = ir.IntrinsicCall{Which: ir.IntrinsicFunctionReturn}

		case arch.ConditionalBranch:
			cond, ok := CondFor(inst.Inst.Op)
			if !ok {
				block.Body = nil
				block.Term = ir.IntrinsicCall{Which: ir.IntrinsicError}
				continue
			}
			block.Term = ir.CondJump{
				Cond:     cond,
				Taken:    inst.BranchTakenPC,
				NotTaken: inst.BranchNotTakenPC,
			}
			f.Block(inst.BranchTakenPC)
			f.Block(inst.BranchNotTakenPC)

		case arch.AsyncHyperCall:
			block.Term = ir.IntrinsicCall{Which: ir.IntrinsicAsyncHyperCall}

		case arch.ConditionalAsyncHyperCall:
			cond, ok := CondFor(inst.Inst.Op)
			if !ok {
				block.Body = nil
				block.Term = ir.IntrinsicCall{Which: ir.IntrinsicError}
				continue
			}
			block.Term = ir.CondJump{
				Cond:     cond,
				Taken:    inst.BranchTakenPC,
				NotTaken: inst.BranchNotTakenPC,
			}
			f.Block(inst.BranchTakenPC)
			f.Block(inst.BranchNotTakenPC)
		}
	}

	// Terminate any stragglers: referenced targets outside the decoded
	// set continue through the lifter at run time.
	for blockPC, block := range f.Blocks {
		if !block.Terminated() {
			block.Term = ir.IntrinsicCall{Which: ir.IntrinsicMissingBlock, PC: blockPC}
		}
	}

	// Optimize in a scratch module, then hand the function to dest.
	scratch := ir.NewModule()
	scratch.AddFunction(f)
	if err := ir.Optimize(scratch); err != nil {
		return LiftedFunction{}, fmt.Errorf("lift %s: %w", name, err)
	}
	dest.AddFunction(f)

	return LiftedFunction{PC: pc, Hash: hash, Insts: len(insts), Func: f}, nil
}
