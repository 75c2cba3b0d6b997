// descriptors.go - GDT/LDT/IDT descriptor parsing
//
// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

package cpustate

import "encoding/binary"

// segmentDescriptor is a parsed 8-byte GDT/LDT entry.
type segmentDescriptor struct {
	base     uint64
	limit    uint32
	access   uint8
	flags    uint8
	granular bool
}

func parseSegmentDescriptor(raw [8]byte) segmentDescriptor {
	limitLow := uint32(binary.LittleEndian.Uint16(raw[0:2]))
	baseLow := uint32(raw[2]) | uint32(raw[3])<<8 | uint32(raw[4])<<16
	access := raw[5]
	limitHighAndFlags := raw[6]
	limitHigh := uint32(limitHighAndFlags & 0x0F)
	flags := limitHighAndFlags >> 4
	baseHigh := uint32(raw[7])

	limit := limitLow | (limitHigh << 16)
	base := uint64(baseLow) | uint64(baseHigh)<<24
	return segmentDescriptor{
		base:     base,
		limit:    limit,
		access:   access,
		flags:    flags,
		granular: flags&0b1000 != 0,
	}
}

func (d segmentDescriptor) present() bool    { return d.access&0x80 != 0 }
func (d segmentDescriptor) dpl() uint8       { return (d.access >> 5) & 0x3 }
func (d segmentDescriptor) isSystem() bool   { return d.access&0x10 == 0 }
func (d segmentDescriptor) isCode() bool     { return !d.isSystem() && d.access&0x08 != 0 }
func (d segmentDescriptor) isData() bool     { return !d.isSystem() && d.access&0x08 == 0 }
func (d segmentDescriptor) conforming() bool { return d.isCode() && d.access&0x04 != 0 }
func (d segmentDescriptor) codeReadable() bool {
	return d.isCode() && d.access&0x02 != 0
}
func (d segmentDescriptor) dataWritable() bool {
	return d.isData() && d.access&0x02 != 0
}
func (d segmentDescriptor) long() bool                 { return d.flags&0b0010 != 0 }
func (d segmentDescriptor) defaultOperandSize32() bool { return d.flags&0b0100 != 0 }
func (d segmentDescriptor) systemType() uint8          { return d.access & 0x0F }

func (d segmentDescriptor) effectiveLimit() uint32 {
	if d.granular {
		return (d.limit << 12) | 0xFFF
	}
	return d.limit
}

func buildSegmentCache(d segmentDescriptor) SegmentCache {
	return SegmentCache{Base: d.base, Limit: d.effectiveLimit(), Access: d.access, Flags: d.flags}
}

// systemDescriptor32 is an 8-byte LDT/TSS descriptor (legacy mode).
type systemDescriptor32 = segmentDescriptor

func parseSystemDescriptor(raw [8]byte) systemDescriptor32 { return parseSegmentDescriptor(raw) }

// systemDescriptor64 is a 16-byte LDT/TSS descriptor (long mode), which
// extends the base to a full 64 bits via an extra high dword.
type systemDescriptor64 struct {
	base   uint64
	limit  uint32
	access uint8
	flags  uint8
}

func parseSystemDescriptor64(raw [16]byte) systemDescriptor64 {
	var low [8]byte
	copy(low[:], raw[:8])
	d := parseSegmentDescriptor(low)
	baseHigh := binary.LittleEndian.Uint32(raw[8:12])
	return systemDescriptor64{
		base:   d.base | uint64(baseHigh)<<32,
		limit:  d.limit,
		access: d.access,
		flags:  d.flags,
	}
}

func (d systemDescriptor64) present() bool     { return d.access&0x80 != 0 }
func (d systemDescriptor64) systemType() uint8 { return d.access & 0x0F }
func (d systemDescriptor64) effectiveLimit() uint32 {
	if d.flags&0b1000 != 0 {
		return (d.limit << 12) | 0xFFF
	}
	return d.limit
}

// TSS busy/available system-segment types.
const (
	sysTypeTSSAvailable32 uint8 = 0x9
	sysTypeTSSBusy32      uint8 = 0xB
)

// idtGateProtected is an 8-byte IDT gate descriptor used in legacy mode.
type idtGateProtected struct {
	offset   uint32
	selector uint16
	access   uint8
}

func parseIdtGateProtected(raw [8]byte) idtGateProtected {
	offLow := binary.LittleEndian.Uint16(raw[0:2])
	selector := binary.LittleEndian.Uint16(raw[2:4])
	access := raw[5]
	offHigh := binary.LittleEndian.Uint16(raw[6:8])
	return idtGateProtected{
		offset:   uint32(offLow) | uint32(offHigh)<<16,
		selector: selector,
		access:   access,
	}
}

func (g idtGateProtected) present() bool   { return g.access&0x80 != 0 }
func (g idtGateProtected) dpl() uint8      { return (g.access >> 5) & 0x3 }
func (g idtGateProtected) gateType() uint8 { return g.access & 0x0F }

// interrupt vs trap gate: types 0x6 (16-bit) and 0xE (32-bit) are
// interrupt gates (clear IF); types 0x7 and 0xF are trap gates (leave IF
// untouched). Bit 3 of the type selects the 32-bit over the 16-bit form.
func (g idtGateProtected) isInterruptGate() bool { return g.gateType() == 0x6 || g.gateType() == 0xE }

// idtGateLong is a 16-byte IDT gate descriptor used in long mode.
type idtGateLong struct {
	offset   uint64
	selector uint16
	ist      uint8
	access   uint8
}

func parseIdtGateLong(raw [16]byte) idtGateLong {
	offLow := binary.LittleEndian.Uint16(raw[0:2])
	selector := binary.LittleEndian.Uint16(raw[2:4])
	ist := raw[4] & 0x7
	access := raw[5]
	offMid := binary.LittleEndian.Uint16(raw[6:8])
	offHigh := binary.LittleEndian.Uint32(raw[8:12])
	offset := uint64(offLow) | uint64(offMid)<<16 | uint64(offHigh)<<32
	return idtGateLong{offset: offset, selector: selector, ist: ist, access: access}
}

func (g idtGateLong) present() bool         { return g.access&0x80 != 0 }
func (g idtGateLong) dpl() uint8            { return (g.access >> 5) & 0x3 }
func (g idtGateLong) gateType() uint8       { return g.access & 0x0F }
func (g idtGateLong) isInterruptGate() bool { return g.gateType() == 0xE }

// fetchDescriptorBytes reads an 8-byte GDT/LDT descriptor for selector,
// selecting the table from bit 2 of the selector, and bounds-checking
// against the table's limit.
func (c *CPU) fetchDescriptorBytes(selector uint16, mem MemoryBus) ([8]byte, error) {
	index := uint64(selector >> 3)
	offset := index * 8

	var tableBase uint64
	var tableLimit uint16
	if selector&0x4 == 0 {
		tableBase, tableLimit = c.Gdtr.Base, c.Gdtr.Limit
	} else {
		tableBase, tableLimit = c.Ldtr.Base, uint16(c.Ldtr.Limit)
	}
	table := DescriptorTableReg{Base: tableBase, Limit: tableLimit}
	if !table.Contains(offset, 8) {
		return [8]byte{}, GP(uint32(selector))
	}
	var raw [8]byte
	mem.Read(table.Base+offset, raw[:])
	return raw, nil
}

// fetchDescriptor16Bytes reads a 16-byte descriptor, used only for
// long-mode LDT/TSS descriptors. The LDT is never itself a 16-byte
// descriptor holder, so only the GDT is a valid source here.
func (c *CPU) fetchDescriptor16Bytes(selector uint16, mem MemoryBus) ([16]byte, error) {
	if selector&0x4 != 0 {
		return [16]byte{}, GP(uint32(selector))
	}
	index := uint64(selector >> 3)
	offset := index * 8
	if !c.Gdtr.Contains(offset, 16) {
		return [16]byte{}, GP(uint32(selector))
	}
	var raw [16]byte
	mem.Read(c.Gdtr.Base+offset, raw[:])
	return raw, nil
}
