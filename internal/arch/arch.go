// Package arch describes the guest architecture: instruction categories,
// the register bank layout, and the x86 decoder front end.
package arch

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Supported guest identifiers. The snapshot's arch/os strings must match.
const (
	ArchX86   = "x86"
	OSVxWorks = "vxworks"
)

// Validate rejects unknown arch/os combinations at startup.
func Validate(archName, osName string) error {
	if archName != ArchX86 {
		return fmt.Errorf("unsupported arch %q", archName)
	}
	if osName != OSVxWorks {
		return fmt.Errorf("unsupported os %q", osName)
	}
	return nil
}

// Category classifies a decoded instruction by its control-flow effect.
type Category int

const (
	Invalid Category = iota
	Error
	Normal
	NoOp
	DirectJump
	IndirectJump
	DirectCall
	IndirectCall
	Return
	ConditionalBranch
	AsyncHyperCall
	ConditionalAsyncHyperCall
)

func (c Category) String() string {
	switch c {
	case Invalid:
		return "invalid"
	case Error:
		return "error"
	case Normal:
		return "normal"
	case NoOp:
		return "noop"
	case DirectJump:
		return "direct-jump"
	case IndirectJump:
		return "indirect-jump"
	case DirectCall:
		return "direct-call"
	case IndirectCall:
		return "indirect-call"
	case Return:
		return "return"
	case ConditionalBranch:
		return "cond-branch"
	case AsyncHyperCall:
		return "async-hyper-call"
	case ConditionalAsyncHyperCall:
		return "cond-async-hyper-call"
	}
	return "unknown"
}

// DecodedInstruction is one guest instruction plus its intra-trace edges.
type DecodedInstruction struct {
	PC               uint64
	Bytes            []byte
	NextPC           uint64
	BranchTakenPC    uint64
	BranchNotTakenPC uint64
	Category         Category

	// Decoded form for the semantic lifters. Zero for Invalid.
	Inst x86asm.Inst
}

// HasLiftableBody reports whether the instruction decoded well enough
// for a semantic lifter to run on it.
func (d *DecodedInstruction) HasLiftableBody() bool {
	return d.Category != Invalid && d.Category != Error
}

// ByteReader reads one executable byte of guest memory.
type ByteReader func(addr uint64) (byte, bool)
