// modrm.go - ModRM/SIB/displacement length computation
//
// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

package decoder

// modrmInfo is everything the length computation needs out of a ModRM
// (and, when present, SIB) byte pair: how many bytes they and any
// trailing displacement occupy, the reg field, and whether the operand
// is in memory (mod != 11).
type modrmInfo struct {
	totalLen int // bytes consumed by ModRM + SIB + displacement
	regField uint8
	isMemory bool
}

// decodeModRM reads the ModRM byte (and SIB/displacement, if the
// encoding calls for them) starting at rest[offset], returning how many
// bytes it and its trailing addressing bytes occupy.
func decodeModRM(rest []byte, offset int, mode Mode, addrSize32 bool) (modrmInfo, error) {
	if offset >= len(rest) {
		return modrmInfo{}, &DecodeError{Kind: UnexpectedEOF, Offset: offset}
	}
	m := rest[offset]
	modBits := m >> 6
	regField := (m >> 3) & 0x7
	rm := m & 0x7

	if modBits == 3 {
		return modrmInfo{totalLen: 1, regField: regField, isMemory: false}, nil
	}

	consumed := 1
	isMemory := true

	sixteenBitAddressing := mode != Mode64 && !addrSize32

	if sixteenBitAddressing {
		// 16-bit addressing: no SIB byte; mod=00,rm=110 is disp16-only.
		switch {
		case modBits == 0 && rm == 6:
			consumed += 2
		case modBits == 1:
			consumed += 1
		case modBits == 2:
			consumed += 2
		}
		return modrmInfo{totalLen: consumed, regField: regField, isMemory: isMemory}, nil
	}

	// 32/64-bit addressing: rm==4 introduces a SIB byte.
	hasSIB := rm == 4
	if hasSIB {
		if offset+consumed >= len(rest) {
			return modrmInfo{}, &DecodeError{Kind: UnexpectedEOF, Offset: offset + consumed}
		}
		sib := rest[offset+consumed]
		base := sib & 0x7
		consumed++
		if modBits == 0 && base == 5 {
			consumed += 4 // disp32 with no base register
		}
	}

	switch {
	case modBits == 0 && rm == 5 && !hasSIB:
		// disp32 (RIP-relative in 64-bit mode, absolute disp32 in 32-bit mode)
		consumed += 4
	case modBits == 1:
		consumed += 1
	case modBits == 2:
		consumed += 4
	}

	return modrmInfo{totalLen: consumed, regField: regField, isMemory: isMemory}, nil
}
