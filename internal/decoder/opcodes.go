// opcodes.go - opcode-length tables and instruction-body decoding
//
// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

package decoder

// operandKind classifies how many immediate/displacement bytes beyond
// ModRM an opcode consumes, and whether it needs a ModRM byte at all.
type operandKind uint8

const (
	opNone        operandKind = iota // no ModRM, no immediate
	opModRM                          // ModRM (+SIB/disp), no immediate
	opModRMImm8                      // ModRM + 1-byte immediate
	opModRMImmZ                      // ModRM + operand-size immediate (2/4)
	opImm8                           // 1-byte immediate, no ModRM
	opImmZ                           // operand-size immediate, no ModRM
	opImm16                          // fixed 2-byte immediate (ENTER uses 2+1)
	opRelByte                        // 1-byte relative branch displacement
	opRelZ                           // operand-size-dependent relative displacement (16/32)
	opGroupModRM                     // ModRM whose reg field selects a sub-opcode with its own immediate rule
	opFarPtr                         // ptr16:16 or ptr16:32 direct far address
	opTwoImm                         // ENTER: imm16 + imm8
)

// primaryTable classifies every primary (unprefixed) opcode byte. Entries
// left at the zero value (opNone) take no bytes beyond the opcode (NOP,
// CLC, register push/pop, string ops under REP), except A0-A3, whose
// address-sized moffs decodeBody measures itself. Group opcodes (0x80-0x83,
// 0xC0/0xC1, 0xD0-0xD3, 0xF6/0xF7, 0xFE/0xFF, ...) are opGroupModRM, with
// their immediate width resolved in decodeBody. 0x62, 0xC4 and 0xC5
// (BOUND/LES/LDS, or an EVEX/VEX prefix) are left at opNone and measured
// as a single byte.
var primaryTable = buildPrimaryTable()

func buildPrimaryTable() [256]operandKind {
	var t [256]operandKind

	// ALU reg/mem <-> reg/mem families: add/or/adc/sbb/and/sub/xor/cmp.
	// Each occupies 6 opcodes (00-05, 08-0D, ... 38-3D); the first 4 of
	// each group take a ModRM, the last 2 take AL/eAX + immediate.
	aluBases := [8]byte{0x00, 0x08, 0x10, 0x18, 0x20, 0x28, 0x30, 0x38}
	for _, base := range aluBases {
		t[base+0] = opModRM // op Eb, Gb
		t[base+1] = opModRM // op Ev, Gv
		t[base+2] = opModRM // op Gb, Eb
		t[base+3] = opModRM // op Gv, Ev
		t[base+4] = opImm8  // op AL, Ib
		t[base+5] = opImmZ  // op eAX, Iz
	}

	for r := byte(0x50); r <= 0x5F; r++ {
		t[r] = opNone // PUSH/POP r16/r32/r64
	}
	for r := byte(0x90); r <= 0x97; r++ {
		t[r] = opNone // XCHG eAX, r / NOP
	}
	for r := byte(0xB0); r <= 0xB7; r++ {
		t[r] = opImm8 // MOV r8, Ib
	}
	for r := byte(0xB8); r <= 0xBF; r++ {
		t[r] = opImmZ // MOV r16/32/64, Iz/Iv (REX.W widens the immediate to 8 bytes; handled specially)
	}

	t[0x06] = opNone // PUSH ES (invalid in 64-bit, harmless as length 0 extra here)
	t[0x07] = opNone
	t[0x0E] = opNone
	t[0x16] = opNone
	t[0x17] = opNone
	t[0x1E] = opNone
	t[0x1F] = opNone

	t[0x63] = opModRM // ARPL Ew, Gw / MOVSXD Gv, Ed

	t[0x68] = opImmZ    // PUSH Iz
	t[0x6A] = opImm8    // PUSH Ib
	t[0x69] = opModRMImmZ // IMUL Gv, Ev, Iz
	t[0x6B] = opModRMImm8 // IMUL Gv, Ev, Ib

	t[0x70] = opRelByte // through
	for r := byte(0x70); r <= 0x7F; r++ {
		t[r] = opRelByte // Jcc rel8
	}

	t[0x80] = opGroupModRM // grp1 Eb, Ib
	t[0x81] = opGroupModRM // grp1 Ev, Iz
	t[0x82] = opGroupModRM // alias of 0x80 in legacy modes
	t[0x83] = opGroupModRM // grp1 Ev, Ib
	t[0x84] = opModRM      // TEST Eb, Gb
	t[0x85] = opModRM      // TEST Ev, Gv
	t[0x86] = opModRM      // XCHG Eb, Gb
	t[0x87] = opModRM      // XCHG Ev, Gv
	t[0x88] = opModRM      // MOV Eb, Gb
	t[0x89] = opModRM      // MOV Ev, Gv
	t[0x8A] = opModRM      // MOV Gb, Eb
	t[0x8B] = opModRM      // MOV Gv, Ev
	t[0x8C] = opModRM      // MOV Ev, Sw
	t[0x8D] = opModRM      // LEA Gv, M
	t[0x8E] = opModRM      // MOV Sw, Ew
	t[0x8F] = opGroupModRM // POP Ev (grp1A, reg field always 0)

	t[0xA0] = opNone // MOV AL, moffs (disp is address-sized, handled specially)
	t[0xA1] = opNone
	t[0xA2] = opNone
	t[0xA3] = opNone
	t[0xA8] = opImm8 // TEST AL, Ib
	t[0xA9] = opImmZ // TEST eAX, Iz

	t[0xC0] = opGroupModRM // grp2 Eb, Ib (shift/rotate)
	t[0xC1] = opGroupModRM // grp2 Ev, Ib
	t[0xC2] = opImm16       // RET Iw (near)
	t[0xC3] = opNone        // RET
	t[0xC6] = opGroupModRM // grp11 Eb, Ib (MOV)
	t[0xC7] = opGroupModRM // grp11 Ev, Iz (MOV)
	t[0xC8] = opTwoImm      // ENTER Iw, Ib
	t[0xC9] = opNone        // LEAVE
	t[0xCA] = opImm16       // RETF Iw
	t[0xCB] = opNone        // RETF
	t[0xCC] = opNone        // INT3
	t[0xCD] = opImm8        // INT Ib
	t[0xCE] = opNone        // INTO
	t[0xCF] = opNone        // IRET

	t[0xD0] = opGroupModRM // grp2 Eb, 1
	t[0xD1] = opGroupModRM // grp2 Ev, 1
	t[0xD2] = opGroupModRM // grp2 Eb, CL
	t[0xD3] = opGroupModRM // grp2 Ev, CL
	t[0xD4] = opImm8       // AAM Ib
	t[0xD5] = opImm8       // AAD Ib
	for r := byte(0xD8); r <= 0xDF; r++ {
		t[r] = opModRM // x87 escapes
	}

	t[0xE0] = opRelByte // LOOPNE rel8
	t[0xE1] = opRelByte // LOOPE rel8
	t[0xE2] = opRelByte // LOOP rel8
	t[0xE3] = opRelByte // JCXZ rel8
	t[0xE4] = opImm8    // IN AL, Ib
	t[0xE5] = opImm8    // IN eAX, Ib
	t[0xE6] = opImm8    // OUT Ib, AL
	t[0xE7] = opImm8    // OUT Ib, eAX
	t[0xE8] = opRelZ    // CALL rel
	t[0xE9] = opRelZ    // JMP rel
	t[0xEA] = opFarPtr  // JMP ptr16:xx (invalid in 64-bit mode)
	t[0xEB] = opRelByte // JMP rel8

	t[0xF6] = opGroupModRM // grp3 Eb (TEST Ib / NOT / NEG / MUL / IMUL / DIV / IDIV)
	t[0xF7] = opGroupModRM // grp3 Ev
	t[0xFE] = opGroupModRM // grp4 Eb (INC/DEC)
	t[0xFF] = opGroupModRM // grp5 Ev (INC/DEC/CALL/JMP/PUSH)

	t[0x9A] = opFarPtr // CALL ptr16:xx (invalid in 64-bit mode)

	return t
}

// map0FTable classifies two-byte (0F xx) opcodes relevant to length and
// control-flow decoding: conditional jumps (0F 80-8F), SYSCALL/SYSRET/
// SYSENTER/SYSEXIT (no operands), and the common ModRM-bearing forms.
// Unlisted opcodes default to opModRM, which is correct for the large
// majority of 0F-space (MOVZX/MOVSX, SSE moves, CMOVcc, SETcc, BT*...):
// all of those take a single ModRM and no immediate.
var map0FTable = buildMap0FTable()

func buildMap0FTable() [256]operandKind {
	var t [256]operandKind
	for i := range t {
		t[i] = opModRM
	}
	for r := byte(0x80); r <= 0x8F; r++ {
		t[r] = opRelZ // Jcc rel16/32
	}
	t[0x05] = opNone // SYSCALL
	t[0x06] = opNone // CLTS
	t[0x07] = opNone // SYSRET
	t[0x08] = opNone // INVD
	t[0x09] = opNone // WBINVD
	t[0x0B] = opNone // UD2
	t[0x30] = opNone // WRMSR
	t[0x31] = opNone // RDTSC
	t[0x32] = opNone // RDMSR
	t[0x33] = opNone // RDPMC
	t[0x34] = opNone // SYSENTER
	t[0x35] = opNone // SYSEXIT
	t[0x77] = opNone // EMMS
	t[0xA2] = opNone // CPUID
	t[0xA0] = opNone // PUSH FS
	t[0xA1] = opNone // POP FS
	t[0xA8] = opNone // PUSH GS
	t[0xA9] = opNone // POP GS
	t[0xAA] = opNone // RSM
	t[0xC8] = opNone // BSWAP +rd, through 0xCF
	for r := byte(0xC8); r <= 0xCF; r++ {
		t[r] = opNone
	}
	t[0xBA] = opGroupModRM // grp8 Ev, Ib (BT/BTS/BTR/BTC)
	t[0xA4] = opModRMImm8  // SHLD Ev, Gv, Ib
	t[0xAC] = opModRMImm8  // SHRD Ev, Gv, Ib
	t[0xC2] = opModRMImm8  // CMPPS/CMPSS family, Ib
	t[0x70] = opModRMImm8  // PSHUFW/PSHUFD family (0F 70), Ib
	return t
}

// groupImmForOpcode returns the extra immediate width a group opcode
// needs beyond its ModRM when that width does not depend on the
// ModRM.reg sub-opcode (every 0F BA sub-opcode takes Ib). F6/F7, FE and
// FF report no immediate here; decodeBody adds the TEST immediate of
// F6/F7 /0 and /1 itself.
func groupImmForOpcode(opcode uint16, opSize32, rexW bool) (hasImm bool, immBytes int) {
	switch opcode {
	case 0x80, 0x82, 0xC0, 0xC1, 0xC6:
		return true, 1
	case 0x81, 0xC7:
		if rexW {
			return true, 4 // Iz is still 32-bit even under REX.W (sign-extended)
		}
		if opSize32 {
			return true, 4
		}
		return true, 2
	case 0x83:
		return true, 1
	case 0xF6, 0xFE, 0xFF:
		return false, 0 // immediate (if any) depends on ModRM.reg, handled in decodeBody
	case 0xF7:
		return false, 0
	case 0x100 | 0xBA:
		return true, 1
	default:
		return false, 0
	}
}

// isGroup3TestOpcode reports whether opcode is F6/F7, whose reg==0/1
// sub-opcode (TEST) alone carries an immediate; NOT/NEG/MUL/IMUL/DIV/IDIV
// (reg 2-7) take no immediate.
func isGroup3TestOpcode(opcode uint16) bool { return opcode == 0xF6 || opcode == 0xF7 }

// relativeImmWidth resolves the width, in bytes, of a near branch's
// relative displacement: 32 bits in 64-bit mode; 16 without an
// operand-size override / 32 with it in 16-bit mode; the inverse in
// 32-bit mode.
func relativeImmWidth(mode Mode, opSize32 bool) int {
	switch mode {
	case Mode64:
		return 4
	case Mode32:
		if opSize32 {
			return 4
		}
		return 2
	default: // Mode16
		if opSize32 {
			return 4
		}
		return 2
	}
}

// ipMask returns the mask applied to a computed branch target, per the
// "modulo the operand-size's IP mask" rule.
func ipMask(width int) uint64 {
	switch width {
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFF_FFFF
	default:
		return ^uint64(0)
	}
}

func signExtend(v uint64, bytes int) int64 {
	switch bytes {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func readLE(b []byte, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// bodyResult carries everything decodeBody computes beyond the raw byte
// count: control-flow classification, the resolved relative target (if
// any), and the group sub-opcode extension (if any).
type bodyResult struct {
	total       int
	flow        FlowKind
	relTarget   uint64
	hasRel      bool
	groupExt    uint8
	hasGroupExt bool
}

// decodeBody decodes everything after the opcode byte(s): ModRM/SIB/
// displacement, immediates, and relative branch targets, and classifies
// control flow. rest is the buffer starting at the opcode byte (the
// caller has already consumed the prefixLen prefix bytes); opcodeLen is 1,
// 2 (0F escape) or 3 (0F 38 / 0F 3A); ip is the instruction's own address, prefixLen is how
// many prefix bytes preceded it (needed to compute the relative branch's
// base, which is IP + total instruction length).
func decodeBody(rest []byte, opcodeLen int, opcode uint16, mode Mode, opSize32, addrSize32 bool, prefixes prefixState, ip uint64, prefixLen uint64) (bodyResult, error) {
	cursor := opcodeLen
	var res bodyResult

	escMap := OpcodeMap(opcode >> 8)
	twoByte := escMap == Map0F
	byteOp := byte(opcode)
	if escMap == MapPrimary && byteOp == 0x82 && mode != Mode64 {
		byteOp = 0x80 // 0x82 aliases 0x80 outside 64-bit mode
	}
	if escMap == MapPrimary && byteOp == 0x82 {
		return bodyResult{}, &DecodeError{Kind: Invalid, Offset: 0} // undefined in 64-bit mode
	}

	var kind operandKind
	switch escMap {
	case MapPrimary:
		kind = primaryTable[byteOp]
	case Map0F:
		kind = map0FTable[byteOp]
	case Map0F38:
		kind = opModRM // the whole 0F 38 map is ModRM with no immediate
	default:
		kind = opModRMImm8 // the whole 0F 3A map is ModRM + imm8
	}

	switch kind {
	case opNone:
		// pure operand-less opcode, except MOV AL/eAX <-> moffs (A0-A3),
		// whose direct address is address-size wide.
		if escMap == MapPrimary && byteOp >= 0xA0 && byteOp <= 0xA3 {
			n := 2
			if addrSize32 {
				n = 4
			} else if mode == Mode64 {
				n = 8
			}
			if cursor+n > len(rest) {
				return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
			}
			cursor += n
		}

	case opModRM, opGroupModRM, opModRMImm8, opModRMImmZ:
		info, merr := decodeModRM(rest, cursor, mode, addrSize32)
		if merr != nil {
			return bodyResult{}, merr
		}
		cursor += info.totalLen

		if kind == opGroupModRM {
			res.groupExt = info.regField
			res.hasGroupExt = true
		}

		switch kind {
		case opModRMImm8:
			if cursor+1 > len(rest) {
				return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
			}
			cursor += 1
		case opModRMImmZ:
			n := 2
			if opSize32 || prefixes.rexW() {
				n = 4
			}
			if cursor+n > len(rest) {
				return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
			}
			cursor += n
		case opGroupModRM:
			if hasImm, n := groupImmForOpcode(opcode, opSize32, prefixes.rexW()); hasImm {
				if cursor+n > len(rest) {
					return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
				}
				cursor += n
			} else if isGroup3TestOpcode(opcode) && info.regField <= 1 {
				n := 1
				if opcode == 0xF7 {
					n = 2
					if opSize32 || prefixes.rexW() {
						n = 4
					}
				}
				if cursor+n > len(rest) {
					return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
				}
				cursor += n
			}
		}

		if escMap == MapPrimary {
			if flowKind, isFF := ffControlFlow(byteOp, info.regField); isFF {
				res.flow = flowKind
			}
			if byteOp == 0x8F {
				res.flow = FlowSequential
			}
		}

	case opImm8:
		if cursor+1 > len(rest) {
			return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
		}
		cursor += 1

	case opImmZ:
		n := 2
		if opSize32 {
			n = 4
		}
		if prefixes.rexW() && escMap == MapPrimary && byteOp >= 0xB8 && byteOp <= 0xBF {
			n = 8 // MOV r64, Iv takes a full 8-byte immediate under REX.W
		}
		if cursor+n > len(rest) {
			return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
		}
		cursor += n

	case opImm16:
		if cursor+2 > len(rest) {
			return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
		}
		cursor += 2

	case opTwoImm:
		if cursor+3 > len(rest) {
			return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
		}
		cursor += 3

	case opFarPtr:
		// ptr16:16 (4 bytes) by default, ptr16:32 (6 bytes) when the
		// effective operand size is 32 bits.
		n := 4
		if opSize32 {
			n = 6
		}
		if mode == Mode64 {
			return bodyResult{}, &DecodeError{Kind: Invalid, Offset: cursor}
		}
		if cursor+n > len(rest) {
			return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
		}
		cursor += n
		if byteOp == 0x9A {
			res.flow = FlowCallFar
		} else {
			res.flow = FlowJumpFar
		}

	case opRelByte:
		if cursor+1 > len(rest) {
			return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
		}
		disp := signExtend(readLE(rest[cursor:cursor+1], 1), 1)
		cursor += 1
		res.relTarget, res.hasRel = computeRelTarget(ip, prefixLen, cursor, disp, mode, opSize32)
		res.flow = relByteFlowKind(byteOp)

	case opRelZ:
		width := relativeImmWidth(mode, opSize32)
		if cursor+width > len(rest) {
			return bodyResult{}, &DecodeError{Kind: UnexpectedEOF, Offset: cursor}
		}
		disp := signExtend(readLE(rest[cursor:cursor+width], width), width)
		cursor += width
		res.relTarget, res.hasRel = computeRelTarget(ip, prefixLen, cursor, disp, mode, opSize32)
		res.flow = relZFlowKind(twoByte, byteOp)
	}

	if prefixes.lock && escMap <= Map0F && isNearBranchOrCall(twoByte, byteOp, opcode) {
		return bodyResult{}, &DecodeError{Kind: Invalid, Offset: 0}
	}

	if res.flow == FlowSequential && escMap <= Map0F {
		res.flow = classifyNonBranchFlow(twoByte, byteOp)
	}

	res.total = cursor
	return res, nil
}

// computeRelTarget resolves a relative branch's absolute target: IP plus
// the total encoded instruction length (prefixes + opcode + ModRM + disp,
// i.e. ip + prefixLen + instructionBodyLen) plus the signed displacement,
// masked to the operand size's address wraparound (64 bits in 64-bit mode).
func computeRelTarget(ip uint64, prefixLen uint64, bodyLenAfterDisp int, disp int64, mode Mode, opSize32 bool) (uint64, bool) {
	width := relativeImmWidth(mode, opSize32)
	if mode == Mode64 {
		width = 8
	}
	nextIP := ip + prefixLen + uint64(bodyLenAfterDisp)
	target := uint64(int64(nextIP) + disp)
	return target & ipMask(width), true
}

// ffControlFlow classifies FF-group control transfers by ModRM.reg:
// /2 CALL near indirect, /3 CALL far indirect, /4 JMP near indirect,
// /5 JMP far indirect, /6 PUSH (sequential).
func ffControlFlow(byteOp byte, reg uint8) (FlowKind, bool) {
	if byteOp != 0xFF {
		return FlowSequential, false
	}
	switch reg {
	case 2:
		return FlowCallIndirect, true
	case 3:
		return FlowCallFar, true
	case 4:
		return FlowJumpIndirect, true
	case 5:
		return FlowJumpFar, true
	default:
		return FlowSequential, true
	}
}

// relByteFlowKind classifies the short (rel8) branch family.
func relByteFlowKind(byteOp byte) FlowKind {
	switch {
	case byteOp == 0xEB:
		return FlowJumpRelative
	case byteOp >= 0x70 && byteOp <= 0x7F:
		return FlowJumpConditional
	case byteOp >= 0xE0 && byteOp <= 0xE3:
		return FlowJumpConditional // LOOP/LOOPE/LOOPNE/JCXZ
	default:
		return FlowJumpRelative
	}
}

// relZFlowKind classifies the near (rel16/32) branch family: E8 is a
// call, E9 is an unconditional jump, 0F 80-8F are conditional jumps.
func relZFlowKind(twoByte bool, byteOp byte) FlowKind {
	if twoByte {
		return FlowJumpConditional
	}
	if byteOp == 0xE8 {
		return FlowCallRelative
	}
	return FlowJumpRelative
}

// classifyNonBranchFlow assigns flow classes that don't come from the
// relative-operand or FF-group paths: RET/RETF, INT/INT3/INTO, IRET.
func classifyNonBranchFlow(twoByte bool, byteOp byte) FlowKind {
	if twoByte {
		switch byteOp {
		case 0x05, 0x07: // SYSCALL, SYSRET
			return FlowSystemTransfer
		case 0x34, 0x35: // SYSENTER, SYSEXIT
			return FlowSystemTransfer
		}
		return FlowSequential
	}
	switch byteOp {
	case 0xC2, 0xC3, 0xCA, 0xCB:
		return FlowReturn
	case 0xCC, 0xCD, 0xCE:
		return FlowSoftwareInterrupt
	case 0xCF:
		return FlowInterruptReturn
	case 0xF4:
		return FlowHalt
	default:
		return FlowSequential
	}
}

// isNearBranchOrCall reports whether the instruction is a near branch or
// call, for which a LOCK prefix is architecturally invalid.
func isNearBranchOrCall(twoByte bool, byteOp byte, opcode uint16) bool {
	if twoByte {
		return byteOp >= 0x80 && byteOp <= 0x8F
	}
	switch byteOp {
	case 0xE8, 0xE9, 0xEB:
		return true
	case 0x70, 0x71, 0x72, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78, 0x79, 0x7A, 0x7B, 0x7C, 0x7D, 0x7E, 0x7F:
		return true
	case 0xE0, 0xE1, 0xE2, 0xE3:
		return true
	case 0xFF:
		return false // FF's own sub-opcode space includes PUSH, which LOCK cannot touch either, but handled by caller context
	}
	return false
}
