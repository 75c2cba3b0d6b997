// segments.go - segment loading, privilege checks, far control transfer
//
// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

package cpustate

// fetchSegmentDescriptor fetches and parses the descriptor for selector,
// mapping a not-present descriptor to #GP(selector).
func (c *CPU) fetchSegmentDescriptor(selector uint16, mem MemoryBus) (segmentDescriptor, error) {
	raw, err := c.fetchDescriptorBytes(selector, mem)
	if err != nil {
		return segmentDescriptor{}, err
	}
	d := parseSegmentDescriptor(raw)
	if !d.present() {
		return segmentDescriptor{}, GP(uint32(selector))
	}
	return d, nil
}

// LoadSegment implements the full segment-load privilege algorithm for
// reg, loading selector with the rules appropriate to the register and
// current mode. In real mode this degrades to SetSegmentRealMode.
func (c *CPU) LoadSegment(reg SegReg, selector uint16, mem MemoryBus) error {
	if c.IsRealMode() {
		c.SetSegmentRealMode(reg, selector)
		return nil
	}

	if selector&0xFFFC == 0 {
		if reg == Cs || reg == Ss {
			return GP(0)
		}
		c.setSegment(reg, NullSegmentRegister())
		return nil
	}

	d, err := c.fetchSegmentDescriptor(selector, mem)
	if err != nil {
		return err
	}

	rpl := uint8(selector & 0x3)
	cpl := c.Cpl()
	effectivePriv := rpl
	if cpl > effectivePriv {
		effectivePriv = cpl
	}

	switch reg {
	case Cs:
		if !d.isCode() {
			return GP(uint32(selector))
		}
		if d.conforming() {
			if d.dpl() > cpl || rpl != cpl {
				return GP(uint32(selector))
			}
		} else {
			if d.dpl() != cpl || rpl != cpl {
				return GP(uint32(selector))
			}
		}
		if c.LongModeActive() && d.long() && d.defaultOperandSize32() {
			return GP(uint32(selector))
		}
	case Ss:
		if !(d.isData() && d.dataWritable()) {
			return GP(uint32(selector))
		}
		if d.dpl() != cpl || rpl != cpl {
			return GP(uint32(selector))
		}
	default:
		if !(d.isData() || d.codeReadable()) {
			return GP(uint32(selector))
		}
		if d.dpl() < effectivePriv {
			return GP(uint32(selector))
		}
	}

	cache := c.buildSegmentCacheFor(reg, d)
	selWithCpl := selector
	if reg == Cs {
		selWithCpl = (selector &^ 0x3) | uint16(cpl)
	}
	c.setSegment(reg, SegmentRegister{Selector: selWithCpl, Cache: cache})
	return nil
}

// buildSegmentCacheFor applies the long-mode flat-segment override: FS
// and GS keep a base sourced from their MSRs with a full 4G limit, all
// other segments get base 0 / limit 4G once long mode is active.
func (c *CPU) buildSegmentCacheFor(reg SegReg, d segmentDescriptor) SegmentCache {
	if !c.LongModeActive() {
		return buildSegmentCache(d)
	}
	base := uint64(0)
	switch reg {
	case Fs:
		base = c.Msrs.FsBase
	case Gs:
		base = c.Msrs.GsBase
	}
	return SegmentCache{Base: base, Limit: 0xFFFF_FFFF, Access: d.access, Flags: d.flags}
}

// Ltr loads the task register from selector, requiring an available or
// busy TSS system descriptor (type 0x9 or 0xB).
func (c *CPU) Ltr(selector uint16, mem MemoryBus) error {
	if selector&0xFFFC == 0 {
		return GP(0)
	}
	if c.LongModeActive() {
		raw, err := c.fetchDescriptor16Bytes(selector, mem)
		if err != nil {
			return err
		}
		d := parseSystemDescriptor64(raw)
		if !d.present() {
			return GP(uint32(selector))
		}
		if d.systemType() != sysTypeTSSAvailable32 && d.systemType() != sysTypeTSSBusy32 {
			return GP(uint32(selector))
		}
		c.Tr = SystemSegmentRegister{Selector: selector, Base: d.base, Limit: d.effectiveLimit(), Access: 0, Flags: 0}
		return nil
	}
	raw, err := c.fetchDescriptorBytes(selector, mem)
	if err != nil {
		return err
	}
	d := parseSystemDescriptor(raw)
	if !d.present() {
		return GP(uint32(selector))
	}
	if d.systemType() != sysTypeTSSAvailable32 && d.systemType() != sysTypeTSSBusy32 {
		return GP(uint32(selector))
	}
	c.Tr = SystemSegmentRegister{Selector: selector, Base: d.base, Limit: d.effectiveLimit(), Access: d.access, Flags: d.flags}
	return nil
}

// CurrentStackPointer returns SP/ESP/RSP according to the active stack
// width.
func (c *CPU) CurrentStackPointer() uint64 {
	switch c.stackPtrWidth() {
	case SPBits16:
		return c.Gpr64(Rsp) & 0xFFFF
	case SPBits32:
		return c.Gpr64(Rsp) & 0xFFFF_FFFF
	default:
		return c.Gpr64(Rsp)
	}
}

// SetStackPointer writes sp into RSP, preserving the bits above the
// active stack width.
func (c *CPU) SetStackPointer(sp uint64) {
	width := c.stackPtrWidth()
	mask := width.wrapMask()
	old := c.Gpr64(Rsp)
	c.SetGpr64(Rsp, (old &^ mask) | (sp & mask))
}

// FarJumpRealMode performs a real-mode far jump, loading CS via
// real-mode addressing and setting IP.
func (c *CPU) FarJumpRealMode(selector uint16, offset uint16) {
	c.SetSegmentRealMode(Cs, selector)
	c.SetIp(offset)
}

// pushWidth is the operand width used when pushing a return frame for a
// far call: 16-bit unless the code segment's default operand size is 32.
type pushWidth uint8

const (
	pushBits16 pushWidth = iota
	pushBits32
)

func (w pushWidth) bytes() uint64 {
	if w == pushBits32 {
		return 4
	}
	return 2
}

// FarCallRealMode pushes the return CS:IP onto the real-mode stack and
// jumps to selector:offset.
func (c *CPU) FarCallRealMode(selector uint16, offset uint16, mem MemoryBus) error {
	if err := c.pushValue(uint64(c.Cs.Selector), pushBits16, mem); err != nil {
		return err
	}
	if err := c.pushValue(uint64(c.Ip()), pushBits16, mem); err != nil {
		return err
	}
	c.FarJumpRealMode(selector, offset)
	return nil
}
