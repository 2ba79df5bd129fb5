package arch

import "encoding/binary"

// General-purpose register indices, in x86 ModRM encoding order.
const (
	RegEAX = iota
	RegECX
	RegEDX
	RegEBX
	RegESP
	RegEBP
	RegESI
	RegEDI
	NumRegs
)

// EFLAGS bits maintained by the semantic lifters.
const (
	FlagCF uint32 = 1 << 0
	FlagPF uint32 = 1 << 2
	FlagZF uint32 = 1 << 6
	FlagSF uint32 = 1 << 7
	FlagOF uint32 = 1 << 11
)

// HaltVector is the hypercall vector recorded by HLT. INT n records n,
// so the halt marker sits above every valid interrupt number.
const HaltVector = 0x100

// StateSize is the fixed serialized size of the register bank. Snapshot
// state blobs may be longer; the tail is carried through untouched.
const StateSize = 64

// State is the guest register bank. The serialized layout is fixed:
// eight 32-bit GPRs, EIP, EFLAGS, the hypercall vector, then reserved
// bytes, all little-endian.
type State struct {
	Regs   [NumRegs]uint32
	EIP    uint32
	EFLAGS uint32
	Vector uint32

	// Blob bytes beyond StateSize. Opaque, preserved byte-for-byte.
	tail []byte
}

// StateFromBytes decodes a register bank from a snapshot state blob.
// Short blobs read as zero registers; long blobs keep their tail.
func StateFromBytes(blob []byte) *State {
	s := &State{}
	buf := make([]byte, StateSize)
	copy(buf, blob)
	for i := 0; i < NumRegs; i++ {
		s.Regs[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	s.EIP = binary.LittleEndian.Uint32(buf[0x20:])
	s.EFLAGS = binary.LittleEndian.Uint32(buf[0x24:])
	s.Vector = binary.LittleEndian.Uint32(buf[0x28:])
	if len(blob) > StateSize {
		s.tail = append([]byte(nil), blob[StateSize:]...)
	}
	return s
}

// Marshal serializes the register bank back into blob form, including
// any preserved tail.
func (s *State) Marshal() []byte {
	buf := make([]byte, StateSize, StateSize+len(s.tail))
	for i := 0; i < NumRegs; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], s.Regs[i])
	}
	binary.LittleEndian.PutUint32(buf[0x20:], s.EIP)
	binary.LittleEndian.PutUint32(buf[0x24:], s.EFLAGS)
	binary.LittleEndian.PutUint32(buf[0x28:], s.Vector)
	return append(buf, s.tail...)
}

// GetFlag reports one EFLAGS bit.
func (s *State) GetFlag(bit uint32) bool {
	return s.EFLAGS&bit != 0
}

// PutFlag sets or clears one EFLAGS bit.
func (s *State) PutFlag(bit uint32, on bool) {
	if on {
		s.EFLAGS |= bit
	} else {
		s.EFLAGS &^= bit
	}
}
