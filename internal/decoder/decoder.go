// decoder.go - x86/x86-64 instruction length and control-flow decoder
//
// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

/*
Package decoder computes instruction boundaries and control-flow
classification for the JIT runtime's block formation: given a byte
stream and the CPU's current execution mode, it determines how many
bytes the next instruction occupies, whether it branches, and the
operand a direct branch targets, without building a full semantic
operand model. Block compilation composes this length/flow information
with the interpreter's own opcode dispatch for the actual semantics;
the decoder exists to let the JIT runtime decide where blocks end.
*/
package decoder

import "fmt"

// MaxInstructionLength is the architectural upper bound on an x86
// instruction's encoded length.
const MaxInstructionLength = 15

// Mode selects the default operand/address size context the byte
// stream is decoded under.
type Mode uint8

const (
	Mode16 Mode = iota // real mode / 16-bit protected mode
	Mode32             // 32-bit protected or compatibility mode
	Mode64             // 64-bit (long) mode
)

// ErrorKind tags why Decode failed.
type ErrorKind uint8

const (
	UnexpectedEOF ErrorKind = iota
	TooLong
	Invalid
)

// DecodeError reports a failure to decode an instruction at a given
// offset within the supplied buffer.
type DecodeError struct {
	Kind   ErrorKind
	Offset int
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case UnexpectedEOF:
		return fmt.Sprintf("decoder: unexpected end of input at offset %d", e.Offset)
	case TooLong:
		return fmt.Sprintf("decoder: instruction exceeds %d bytes", MaxInstructionLength)
	default:
		return fmt.Sprintf("decoder: invalid encoding at offset %d", e.Offset)
	}
}

// FlowKind classifies how control leaves an instruction, which is all
// the JIT runtime needs to decide whether a block continues straight
// through or must terminate here.
type FlowKind uint8

const (
	FlowSequential FlowKind = iota
	FlowCallRelative
	FlowJumpRelative
	FlowJumpConditional
	FlowCallIndirect
	FlowJumpIndirect
	FlowCallFar
	FlowJumpFar
	FlowReturn
	FlowInterruptReturn
	FlowSoftwareInterrupt
	FlowHalt
	// FlowSystemTransfer covers SYSCALL/SYSRET/SYSENTER/SYSEXIT: control
	// leaves the block but the transfer is neither a call nor a jump in
	// the architectural sense those flags describe.
	FlowSystemTransfer
)

// IsCall reports whether the instruction is any form of call: relative,
// indirect, or far (E8, FF /2, FF /3, 9A).
func (i Instruction) IsCall() bool {
	switch i.Flow {
	case FlowCallRelative, FlowCallIndirect, FlowCallFar:
		return true
	default:
		return false
	}
}

// IsBranch reports whether the instruction transfers control via a jump
// of any form (E9, EB, EA, 70..7F, the LOOP family, 0F 80..8F, FF /4,
// FF /5) or otherwise carries a relative operand.
func (i Instruction) IsBranch() bool {
	switch i.Flow {
	case FlowJumpRelative, FlowJumpConditional, FlowJumpIndirect, FlowJumpFar:
		return true
	default:
		return i.HasRelTarget
	}
}

// IsRet reports whether the instruction is a near or far return (C2, C3,
// CA, CB).
func (i Instruction) IsRet() bool { return i.Flow == FlowReturn }

// OpcodeMap identifies which opcode map an instruction's final opcode
// byte lives in: the one-byte primary map, the 0F two-byte map, or the
// 0F 38 / 0F 3A three-byte escape maps.
type OpcodeMap uint8

const (
	MapPrimary OpcodeMap = iota
	Map0F
	Map0F38
	Map0F3A
)

// Instruction is the decoder's output: enough to advance IP and to let
// the JIT runtime decide whether the block can continue.
type Instruction struct {
	Length int
	Flow   FlowKind
	// RelTarget is the IP-relative branch target for Flow{Call,Jump}Relative
	// and FlowJumpConditional, computed from the instruction's own ip.
	RelTarget uint64
	// HasRelTarget reports whether RelTarget is meaningful.
	HasRelTarget bool
	// Opcode is the final opcode byte in the low 8 bits, with the opcode
	// map in the high byte: 0x1xx for 0F, 0x2xx for 0F 38, 0x3xx for
	// 0F 3A. Map() recovers the map on its own.
	Opcode uint16
	// OperandSize32/AddressSize32 record the effective sizes after prefix
	// and REX.W resolution, needed by far call/jmp length computation and
	// useful to callers building an operand model on top.
	OperandSize32 bool
	AddressSize32 bool
	RexW          bool
	// GroupExt is the ModRM.reg sub-opcode extension for opcodes in the
	// known group set (0x80/81/82/83, 0x8F, 0xC0/C1, 0xC6/C7, 0xD0-D3,
	// 0xF6/F7, 0xFE/FF, 0F BA). HasGroupExt is false for every other
	// opcode, including ones that carry an ordinary ModRM reg-as-register
	// operand rather than a group extension.
	GroupExt    uint8
	HasGroupExt bool
}

// Map reports which opcode map Opcode belongs to.
func (i Instruction) Map() OpcodeMap { return OpcodeMap(i.Opcode >> 8) }

type prefixState struct {
	opSizeOverride   bool
	addrSizeOverride bool
	segmentOverride  bool
	lock             bool
	repne            bool
	rep              bool
	rex              uint8
	hasRex           bool
}

func (p prefixState) rexW() bool { return p.hasRex && p.rex&0x08 != 0 }
func (p prefixState) rexR() bool { return p.hasRex && p.rex&0x04 != 0 }
func (p prefixState) rexX() bool { return p.hasRex && p.rex&0x02 != 0 }
func (p prefixState) rexB() bool { return p.hasRex && p.rex&0x01 != 0 }

// scanPrefixes collects the single-byte legacy prefixes recognized
// here: segment overrides, operand/address size, lock, rep/repne. The
// segment-override and REX handling below matches the permissive rule
// the reference decoder uses in long mode: redundant segment-override
// prefixes before a REX byte are skipped and only the final REX byte in
// a run is honored.
func scanPrefixes(b []byte, mode Mode) (prefixState, int) {
	var p prefixState
	i := 0
	for i < len(b) && i < MaxInstructionLength {
		switch b[i] {
		case 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65:
			p.segmentOverride = true
		case 0x66:
			p.opSizeOverride = true
		case 0x67:
			p.addrSizeOverride = true
		case 0xF0:
			p.lock = true
			p.rep = false
			p.repne = false
		case 0xF2:
			p.repne = true
			p.rep = false
			p.lock = false
		case 0xF3:
			p.rep = true
			p.repne = false
			p.lock = false
		default:
			if mode == Mode64 && b[i]&0xF0 == 0x40 {
				p.rex = b[i]
				p.hasRex = true
				i++
				continue
			}
			return p, i
		}
		i++
	}
	return p, i
}

// Decode decodes the single instruction at the start of b under mode,
// returning its length and control-flow classification. ip is the
// instruction's own linear address, used to resolve relative targets.
func Decode(b []byte, mode Mode, ip uint64) (Instruction, error) {
	prefixes, prefixLen := scanPrefixes(b, mode)
	if prefixLen > MaxInstructionLength-1 {
		// Prefixes alone have consumed the entire 15-byte budget, leaving
		// no room for an opcode byte: TooLong, not UnexpectedEOF.
		return Instruction{}, &DecodeError{Kind: TooLong, Offset: 0}
	}
	rest := b[prefixLen:]
	if len(rest) == 0 {
		return Instruction{}, &DecodeError{Kind: UnexpectedEOF, Offset: prefixLen}
	}

	opSize32, addrSize32 := effectiveSizes(mode, prefixes)

	opcodeLen := 1
	opcode := uint16(rest[0])
	if rest[0] == 0x0F {
		if len(rest) < 2 {
			return Instruction{}, &DecodeError{Kind: UnexpectedEOF, Offset: prefixLen + 1}
		}
		switch rest[1] {
		case 0x38, 0x3A:
			if len(rest) < 3 {
				return Instruction{}, &DecodeError{Kind: UnexpectedEOF, Offset: prefixLen + 2}
			}
			escape := uint16(Map0F38)
			if rest[1] == 0x3A {
				escape = uint16(Map0F3A)
			}
			opcode = escape<<8 | uint16(rest[2])
			opcodeLen = 3
		default:
			opcode = 0x100 | uint16(rest[1])
			opcodeLen = 2
		}
	}

	inst := Instruction{
		Opcode:        opcode,
		OperandSize32: opSize32,
		AddressSize32: addrSize32,
		RexW:          prefixes.rexW(),
	}

	body, err := decodeBody(rest, opcodeLen, opcode, mode, opSize32, addrSize32, prefixes, ip, uint64(prefixLen))
	if err != nil {
		return Instruction{}, shiftErr(err, prefixLen)
	}

	length := prefixLen + body.total
	if length > MaxInstructionLength {
		return Instruction{}, &DecodeError{Kind: TooLong, Offset: 0}
	}

	inst.Length = length
	inst.Flow = body.flow
	inst.RelTarget = body.relTarget
	inst.HasRelTarget = body.hasRel
	inst.GroupExt = body.groupExt
	inst.HasGroupExt = body.hasGroupExt
	return inst, nil
}

func shiftErr(err error, shift int) error {
	de, ok := err.(*DecodeError)
	if !ok {
		return err
	}
	return &DecodeError{Kind: de.Kind, Offset: de.Offset + shift}
}

func effectiveSizes(mode Mode, p prefixState) (opSize32, addrSize32 bool) {
	switch mode {
	case Mode16:
		opSize32 = p.opSizeOverride
		addrSize32 = p.addrSizeOverride
	case Mode32:
		opSize32 = !p.opSizeOverride
		addrSize32 = !p.addrSizeOverride
	case Mode64:
		// REX.W forces 64-bit operands; absent that, 0x66 selects 16-bit,
		// otherwise the long-mode default of 32-bit applies. Addressing
		// defaults to 64-bit (tracked by the caller via RexW / mode, not
		// this boolean) unless 0x67 selects 32-bit.
		opSize32 = !p.opSizeOverride && !p.rexW()
		addrSize32 = p.addrSizeOverride
	}
	return
}
