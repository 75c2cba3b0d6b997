// interrupts.go - interrupt and exception delivery, IRET
//
// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

package cpustate

import "encoding/binary"

// InterruptSource distinguishes how an interrupt entered the core, for
// bookkeeping that informs error reporting; delivery itself only cares
// about the vector and whether it is a software int or maskable external
// IRQ.
type InterruptSource uint8

const (
	SourceSoftware InterruptSource = iota
	SourceExternal
	SourceException
)

// PageFaultCode is the #PF error code bit layout.
type PageFaultCode uint32

const (
	PFPresent          PageFaultCode = 1 << 0
	PFWrite            PageFaultCode = 1 << 1
	PFUser             PageFaultCode = 1 << 2
	PFReserved         PageFaultCode = 1 << 3
	PFInstructionFetch PageFaultCode = 1 << 4
)

// pushValue pushes val (masked/truncated to width) onto the current
// stack, decrementing SP by width.bytes() first.
func (c *CPU) pushValue(val uint64, width pushWidth, mem MemoryBus) error {
	spWidth := c.stackPtrWidth()
	mask := spWidth.wrapMask()
	sp := c.Gpr64(Rsp) & mask
	sp = (sp - width.bytes()) & mask
	c.SetStackPointer(sp)

	addr := c.Ss.Cache.Base + sp
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	n := width.bytes()
	mem.Write(addr, buf[:n])
	return nil
}

func (c *CPU) popValue(width pushWidth, mem MemoryBus) (uint64, error) {
	spWidth := c.stackPtrWidth()
	mask := spWidth.wrapMask()
	sp := c.Gpr64(Rsp) & mask

	addr := c.Ss.Cache.Base + sp
	n := width.bytes()
	var buf [8]byte
	mem.Read(addr, buf[:n])
	val := binary.LittleEndian.Uint64(buf[:])

	sp = (sp + n) & mask
	c.SetStackPointer(sp)
	return val, nil
}

// pushValue64/popValue64 are the 64-bit-stack analogues used by long
// mode interrupt delivery and IRETQ.
func (c *CPU) pushValue64(val uint64, mem MemoryBus) error {
	sp := c.Gpr64(Rsp) - 8
	c.SetGpr64(Rsp, sp)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	mem.Write(c.Ss.Cache.Base+sp, buf[:])
	return nil
}

func (c *CPU) popValue64(mem MemoryBus) (uint64, error) {
	sp := c.Gpr64(Rsp)
	var buf [8]byte
	mem.Read(c.Ss.Cache.Base+sp, buf[:])
	c.SetGpr64(Rsp, sp+8)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// InjectExternalInterrupt appends vector to the external-interrupt FIFO.
func (c *CPU) InjectExternalInterrupt(vector uint8) {
	c.ExternalInterrupts = append(c.ExternalInterrupts, vector)
}

// PollAndDeliverExternalInterrupt checks IF, the STI shadow, and CR8/TPR
// gating, then delivers the highest-priority pending external vector
// whose priority (vector>>4) exceeds TPR. Ties among equal-priority
// pending vectors favor the one that has waited longest (first queued).
// Returns true if an interrupt was delivered.
func (c *CPU) PollAndDeliverExternalInterrupt(mem MemoryBus) (bool, error) {
	if !c.Rflags.IfFlag() {
		return false, nil
	}
	if c.InterruptInhibit != 0 {
		return false, nil
	}
	if len(c.ExternalInterrupts) == 0 {
		return false, nil
	}
	tpr := uint8(c.Control.CR8 & 0xF)

	winner := -1
	var winnerPrio uint8
	for i, v := range c.ExternalInterrupts {
		prio := v >> 4
		if prio > tpr && (winner == -1 || prio > winnerPrio) {
			winner = i
			winnerPrio = prio
		}
	}
	if winner == -1 {
		return false, nil
	}
	vector := c.ExternalInterrupts[winner]
	c.ExternalInterrupts = append(c.ExternalInterrupts[:winner], c.ExternalInterrupts[winner+1:]...)

	if err := c.deliverInterruptMem(vector, SourceExternal, nil, mem); err != nil {
		return false, err
	}
	return true, nil
}

// SoftwareInterrupt delivers a software-invoked INT n.
func (c *CPU) SoftwareInterrupt(vector uint8, mem MemoryBus) error {
	return c.deliverInterruptMem(vector, SourceSoftware, nil, mem)
}

// ExternalInterruptNow delivers vector as if it arrived from an external
// controller right now, bypassing the FIFO (used by tests and by the
// IRQ-acknowledge fast path).
func (c *CPU) ExternalInterruptNow(vector uint8, mem MemoryBus) error {
	return c.deliverInterruptMem(vector, SourceExternal, nil, mem)
}

func (c *CPU) RaisePageFault(addr uint64, code PageFaultCode, mem MemoryBus) error {
	c.Control.CR2 = addr
	errCode := uint32(code)
	return c.deliverInterruptMem(14, SourceException, &errCode, mem)
}

func (c *CPU) RaiseGeneralProtection(code uint32, mem MemoryBus) error {
	return c.deliverInterruptMem(13, SourceException, &code, mem)
}

func (c *CPU) DeliverException(e Exception, mem MemoryBus) error {
	errCode, hasCode := e.ErrorCode()
	var ptr *uint32
	if hasCode {
		ptr = &errCode
	}
	return c.deliverInterruptMem(e.Vector(), SourceException, ptr, mem)
}

// deliverByMode dispatches interrupt delivery on the current CPU mode:
// real, protected, long.
var deliverByMode = [3]func(*CPU, uint8, InterruptSource, *uint32, MemoryBus) error{
	func(c *CPU, vector uint8, _ InterruptSource, errorCode *uint32, mem MemoryBus) error {
		return c.deliverInterruptRealMode(vector, errorCode, mem)
	},
	(*CPU).deliverInterruptProtectedMode,
	(*CPU).deliverInterruptLongMode,
}

func (c *CPU) deliveryMode() int {
	switch {
	case c.IsRealMode():
		return 0
	case c.LongModeActive():
		return 2
	default:
		return 1
	}
}

func (c *CPU) deliverInterruptMem(vector uint8, source InterruptSource, errorCode *uint32, mem MemoryBus) error {
	return deliverByMode[c.deliveryMode()](c, vector, source, errorCode, mem)
}

func (c *CPU) deliverInterruptRealMode(vector uint8, errorCode *uint32, mem MemoryBus) error {
	entryOffset := uint64(vector) * 4
	if !c.Idtr.Contains(entryOffset, 4) {
		return GP(0)
	}
	var raw [4]byte
	mem.Read(c.Idtr.Base+entryOffset, raw[:])
	newIP := binary.LittleEndian.Uint16(raw[0:2])
	newCS := binary.LittleEndian.Uint16(raw[2:4])

	if err := c.pushValue(c.Rflags.Read(), pushBits16, mem); err != nil {
		return err
	}
	if err := c.pushValue(uint64(c.Cs.Selector), pushBits16, mem); err != nil {
		return err
	}
	if err := c.pushValue(uint64(c.Ip()), pushBits16, mem); err != nil {
		return err
	}
	if errorCode != nil {
		if err := c.pushValue(uint64(*errorCode), pushBits16, mem); err != nil {
			return err
		}
	}

	raw16 := c.Rflags.Read()
	raw16 &^= RflagsIF | RflagsTF
	c.Rflags.SetRaw(raw16)

	c.SetSegmentRealMode(Cs, newCS)
	c.SetIp(newIP)
	c.interruptFrames = append(c.interruptFrames, interruptFrame{kind: frameReal16})
	return nil
}

func (c *CPU) readTSSStackPtrProtected(cpl uint8, mem MemoryBus) (ss uint16, esp uint32, err error) {
	if c.Tr.Selector&0xFFFC == 0 {
		return 0, 0, GP(0)
	}
	var espOff, ssOff uint64
	switch cpl {
	case 0:
		espOff, ssOff = 4, 8
	case 1:
		espOff, ssOff = 12, 16
	case 2:
		espOff, ssOff = 20, 24
	default:
		return 0, 0, GP(0)
	}
	var espBuf [4]byte
	mem.Read(c.Tr.Base+espOff, espBuf[:])
	var ssBuf [2]byte
	mem.Read(c.Tr.Base+ssOff, ssBuf[:])
	return binary.LittleEndian.Uint16(ssBuf[:]), binary.LittleEndian.Uint32(espBuf[:]), nil
}

func (c *CPU) deliverInterruptProtectedMode(vector uint8, source InterruptSource, errorCode *uint32, mem MemoryBus) error {
	gateOffset := uint64(vector) * 8
	if !c.Idtr.Contains(gateOffset, 8) {
		return GP(uint32(vector) << 3)
	}
	var raw [8]byte
	mem.Read(c.Idtr.Base+gateOffset, raw[:])
	gate := parseIdtGateProtected(raw)
	if !gate.present() {
		return GP(uint32(vector) << 3)
	}
	oldCPL := c.Cpl()
	if source == SourceSoftware && oldCPL > gate.dpl() {
		return GP(uint32(vector) << 3)
	}

	csDesc, err := c.fetchSegmentDescriptor(gate.selector, mem)
	if err != nil {
		return err
	}
	if !csDesc.isCode() {
		return GP(uint32(vector) << 3)
	}
	newCPL := csDesc.dpl()
	if csDesc.conforming() {
		newCPL = oldCPL
	}
	if newCPL > oldCPL {
		return GP(uint32(vector) << 3)
	}

	// 32-bit gates (type bit 3 set: 0xE/0xF) push 32-bit frames; 16-bit
	// gates (0x6/0x7) push 16-bit frames.
	width := pushBits16
	if gate.gateType()&0x8 != 0 {
		width = pushBits32
	}
	stackSwitched := newCPL < oldCPL

	newCSSelector := (gate.selector &^ 0x3) | uint16(newCPL)
	cache := buildSegmentCache(csDesc)

	var newSS uint16
	var newESP uint32
	if stackSwitched {
		newSS, newESP, err = c.readTSSStackPtrProtected(newCPL, mem)
		if err != nil {
			return err
		}
	}

	if stackSwitched {
		oldSS, oldESP := c.Ss.Selector, uint32(c.CurrentStackPointer())
		ssDesc, err := c.fetchSegmentDescriptor(newSS, mem)
		if err != nil {
			return err
		}
		c.Ss = SegmentRegister{Selector: (newSS &^ 0x3) | uint16(newCPL), Cache: buildSegmentCache(ssDesc)}
		c.SetGpr32(Rsp, newESP)

		if err := c.pushValue(uint64(oldSS), width, mem); err != nil {
			return err
		}
		if err := c.pushValue(uint64(oldESP), width, mem); err != nil {
			return err
		}
	}

	if err := c.pushValue(c.Rflags.Read(), width, mem); err != nil {
		return err
	}
	if err := c.pushValue(uint64(c.Cs.Selector), width, mem); err != nil {
		return err
	}
	if err := c.pushValue(uint64(c.Eip()), width, mem); err != nil {
		return err
	}
	if errorCode != nil {
		if err := c.pushValue(uint64(*errorCode), width, mem); err != nil {
			return err
		}
	}

	c.Cs = SegmentRegister{Selector: newCSSelector, Cache: cache}
	c.SetEip(gate.offset)

	raw32 := c.Rflags.Read()
	raw32 &^= RflagsTF
	if gate.isInterruptGate() {
		raw32 &^= RflagsIF
	}
	c.Rflags.SetRaw(raw32)

	c.interruptFrames = append(c.interruptFrames, interruptFrame{kind: frameProtected, pushWidth: width, stackSwitched: stackSwitched})
	return nil
}

func (c *CPU) readTSSRspLongMode(cpl uint8, mem MemoryBus) (uint64, error) {
	if c.Tr.Selector&0xFFFC == 0 {
		return 0, GP(0)
	}
	off := 4 + uint64(cpl)*8
	var buf [8]byte
	mem.Read(c.Tr.Base+off, buf[:])
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *CPU) readTSSISTLongMode(ist uint8, mem MemoryBus) (uint64, error) {
	if c.Tr.Selector&0xFFFC == 0 {
		return 0, GP(0)
	}
	if ist < 1 || ist > 7 {
		return 0, GP(0)
	}
	off := 36 + uint64(ist-1)*8
	var buf [8]byte
	mem.Read(c.Tr.Base+off, buf[:])
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *CPU) deliverInterruptLongMode(vector uint8, source InterruptSource, errorCode *uint32, mem MemoryBus) error {
	gateOffset := uint64(vector) * 16
	if !c.Idtr.Contains(gateOffset, 16) {
		return GP(uint32(vector) << 3)
	}
	var raw [16]byte
	mem.Read(c.Idtr.Base+gateOffset, raw[:])
	gate := parseIdtGateLong(raw)
	if !gate.present() {
		return GP(uint32(vector) << 3)
	}
	oldCPL := c.Cpl()
	if source == SourceSoftware && oldCPL > gate.dpl() {
		return GP(uint32(vector) << 3)
	}

	csDesc, err := c.fetchSegmentDescriptor(gate.selector, mem)
	if err != nil {
		return err
	}
	if !csDesc.isCode() {
		return GP(uint32(vector) << 3)
	}
	if csDesc.long() && csDesc.defaultOperandSize32() {
		return GP(uint32(vector) << 3)
	}
	newCPL := csDesc.dpl()
	if csDesc.conforming() {
		newCPL = oldCPL
	}
	if newCPL > oldCPL {
		return GP(uint32(vector) << 3)
	}

	stackSwitched := newCPL < oldCPL || gate.ist != 0

	var newRSP uint64
	if gate.ist != 0 {
		newRSP, err = c.readTSSISTLongMode(gate.ist, mem)
	} else if stackSwitched {
		newRSP, err = c.readTSSRspLongMode(newCPL, mem)
	}
	if err != nil {
		return err
	}

	newCSSelector := (gate.selector &^ 0x3) | uint16(newCPL)
	cache := buildSegmentCache(csDesc)

	if stackSwitched {
		oldSS, oldRSP := c.Ss.Selector, c.Gpr64(Rsp)
		c.Ss = SegmentRegister{Selector: 0, Cache: SegmentCache{Base: 0, Limit: 0xFFFF_FFFF, Access: 0x93}}
		c.SetGpr64(Rsp, newRSP)

		if err := c.pushValue64(uint64(oldSS), mem); err != nil {
			return err
		}
		if err := c.pushValue64(oldRSP, mem); err != nil {
			return err
		}
	}

	if err := c.pushValue64(c.Rflags.Read(), mem); err != nil {
		return err
	}
	if err := c.pushValue64(uint64(c.Cs.Selector), mem); err != nil {
		return err
	}
	if err := c.pushValue64(c.Rip, mem); err != nil {
		return err
	}
	if errorCode != nil {
		if err := c.pushValue64(uint64(*errorCode), mem); err != nil {
			return err
		}
	}

	c.Cs = SegmentRegister{Selector: newCSSelector, Cache: cache}
	c.Rip = gate.offset

	raw64 := c.Rflags.Read()
	raw64 &^= RflagsTF
	if gate.isInterruptGate() {
		raw64 &^= RflagsIF
	}
	c.Rflags.SetRaw(raw64)

	c.interruptFrames = append(c.interruptFrames, interruptFrame{kind: frameLong64, stackSwitched: stackSwitched})
	return nil
}

// Iret pops the most recently pushed interrupt frame and restores
// control according to the mode that originally delivered it.
func (c *CPU) Iret(mem MemoryBus) error {
	if len(c.interruptFrames) == 0 {
		return Exception{Kind: InvalidOpcode}
	}
	frame := c.interruptFrames[len(c.interruptFrames)-1]
	c.interruptFrames = c.interruptFrames[:len(c.interruptFrames)-1]

	switch frame.kind {
	case frameReal16:
		return c.iretReal(mem)
	case frameProtected:
		return c.iretProtected(frame, mem)
	default:
		return c.iretLong(frame, mem)
	}
}

func (c *CPU) iretReal(mem MemoryBus) error {
	ip, err := c.popValue(pushBits16, mem)
	if err != nil {
		return err
	}
	cs, err := c.popValue(pushBits16, mem)
	if err != nil {
		return err
	}
	flags, err := c.popValue(pushBits16, mem)
	if err != nil {
		return err
	}
	c.Rflags.SetRaw(flags)
	c.SetSegmentRealMode(Cs, uint16(cs))
	c.SetIp(uint16(ip))
	return nil
}

func (c *CPU) iretProtected(frame interruptFrame, mem MemoryBus) error {
	eip, err := c.popValue(frame.pushWidth, mem)
	if err != nil {
		return err
	}
	cs, err := c.popValue(frame.pushWidth, mem)
	if err != nil {
		return err
	}
	flags, err := c.popValue(frame.pushWidth, mem)
	if err != nil {
		return err
	}

	returnRPL := uint8(cs & 0x3)
	currentCPL := c.Cpl()

	var esp uint64
	var ss uint16
	popStack := frame.stackSwitched || returnRPL > currentCPL
	if popStack {
		esp, err = c.popValue(frame.pushWidth, mem)
		if err != nil {
			return err
		}
		ssVal, err2 := c.popValue(frame.pushWidth, mem)
		if err2 != nil {
			return err2
		}
		ss = uint16(ssVal)
	}

	// Install the return selector before reloading CS so the privilege
	// check inside LoadSegment runs against the CPL being returned to,
	// not the handler's CPL.
	c.Cs.Selector = uint16(cs)
	if err := c.LoadSegment(Cs, uint16(cs), mem); err != nil {
		return err
	}
	c.SetEip(uint32(eip))
	c.Rflags.SetRaw(flags)

	if popStack {
		if err := c.LoadSegment(Ss, ss, mem); err != nil {
			return err
		}
		c.SetGpr32(Rsp, uint32(esp))
	}
	return nil
}

func (c *CPU) iretLong(frame interruptFrame, mem MemoryBus) error {
	rip, err := c.popValue64(mem)
	if err != nil {
		return err
	}
	cs, err := c.popValue64(mem)
	if err != nil {
		return err
	}
	flags, err := c.popValue64(mem)
	if err != nil {
		return err
	}

	returnRPL := uint8(cs & 0x3)
	currentCPL := c.Cpl()
	popStack := frame.stackSwitched || returnRPL > currentCPL

	var rsp, ss uint64
	if popStack {
		rsp, err = c.popValue64(mem)
		if err != nil {
			return err
		}
		ss, err = c.popValue64(mem)
		if err != nil {
			return err
		}
	}

	c.Cs.Selector = uint16(cs)
	if err := c.LoadSegment(Cs, uint16(cs), mem); err != nil {
		return err
	}
	c.Rip = rip
	c.Rflags.SetRaw(flags)

	if popStack {
		if err := c.LoadSegment(Ss, uint16(ss), mem); err != nil {
			return err
		}
		c.SetGpr64(Rsp, rsp)
	}
	return nil
}
