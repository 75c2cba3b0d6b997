// syscall.go - fast system-call instructions: SYSCALL/SYSRET, SYSENTER/SYSEXIT, SWAPGS
//
// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

package cpustate

// loadCodeSegmentPrivilege loads CS with a descriptor pinned to exactly
// dpl, the simplified rule the fast syscall paths use in place of the
// general LoadSegment privilege checks.
func (c *CPU) loadCodeSegmentPrivilege(selector uint16, dpl uint8, mem MemoryBus) error {
	d, err := c.fetchSegmentDescriptor(selector, mem)
	if err != nil {
		return err
	}
	if !d.isCode() {
		return GP(uint32(selector))
	}
	if d.dpl() != dpl {
		return GP(uint32(selector))
	}
	if c.LongModeActive() && d.long() && d.defaultOperandSize32() {
		return GP(uint32(selector))
	}
	sel := (selector &^ 0x3) | uint16(dpl)
	c.Cs = SegmentRegister{Selector: sel, Cache: buildSegmentCache(d)}
	return nil
}

// loadStackSegmentPrivilege is the SS analogue of loadCodeSegmentPrivilege.
func (c *CPU) loadStackSegmentPrivilege(selector uint16, dpl uint8, mem MemoryBus) error {
	d, err := c.fetchSegmentDescriptor(selector, mem)
	if err != nil {
		return err
	}
	if !(d.isData() && d.dataWritable()) {
		return GP(uint32(selector))
	}
	if d.dpl() != dpl {
		return GP(uint32(selector))
	}
	sel := (selector &^ 0x3) | uint16(dpl)
	c.Ss = SegmentRegister{Selector: sel, Cache: buildSegmentCache(d)}
	return nil
}

// Swapgs exchanges IA32_GS_BASE with IA32_KERNEL_GS_BASE. Only valid in
// 64-bit mode at CPL 0.
func (c *CPU) Swapgs() error {
	if !c.Is64BitMode() {
		return Exception{Kind: InvalidOpcode}
	}
	if c.Cpl() != 0 {
		return GP(0)
	}
	c.Msrs.GsBase, c.Msrs.KernelGsBase = c.Msrs.KernelGsBase, c.Msrs.GsBase
	c.Gs.Cache.Base = c.Msrs.GsBase
	return nil
}

// Syscall implements the SYSCALL instruction: long mode only, jumps to
// IA32_LSTAR at CPL 0 using the CS/SS pair encoded in STAR[47:32].
func (c *CPU) Syscall(mem MemoryBus) error {
	if !c.LongModeActive() || c.Msrs.Efer&EferSCE == 0 {
		return Exception{Kind: InvalidOpcode}
	}

	kernelCS := uint16((c.Msrs.Star >> 32) & 0xFFFF)
	kernelSS := kernelCS + 8

	// The target CS must be a 64-bit code segment before anything is
	// committed.
	if d, err := c.fetchSegmentDescriptor(kernelCS, mem); err != nil || !d.long() {
		return GP(uint32(kernelCS))
	}

	returnRip := c.Rip + 2
	c.SetGpr64(Rcx, returnRip)
	c.SetGpr64(R11, c.Rflags.Read())

	if err := c.loadCodeSegmentPrivilege(kernelCS, 0, mem); err != nil {
		return GP(uint32(kernelCS))
	}
	if err := c.loadStackSegmentPrivilege(kernelSS, 0, mem); err != nil {
		return err
	}

	newFlags := c.Rflags.Read() &^ c.Msrs.SFMask
	c.Rflags.SetRaw(newFlags)

	target := c.Msrs.LStar
	if !isCanonical(target) {
		return GP(0)
	}
	c.Rip = target
	return nil
}

// Sysret implements SYSRET, returning to CPL 3 at RCX:R11.
func (c *CPU) Sysret(mem MemoryBus) error {
	if !c.LongModeActive() || c.Msrs.Efer&EferSCE == 0 {
		return Exception{Kind: InvalidOpcode}
	}
	if c.Cpl() != 0 {
		return GP(0)
	}

	target := c.Gpr64(Rcx)
	if !isCanonical(target) {
		return GP(0)
	}
	c.Rflags.SetRaw(c.Gpr64(R11))

	base := uint16((c.Msrs.Star >> 48) & 0xFFFF)
	userSS := base + 8
	userCS := base + 16

	if err := c.loadCodeSegmentPrivilege(userCS, 3, mem); err != nil {
		return err
	}
	if err := c.loadStackSegmentPrivilege(userSS, 3, mem); err != nil {
		return err
	}

	c.Rip = target
	return nil
}

// Sysenter implements SYSENTER: available outside real mode.
func (c *CPU) Sysenter(mem MemoryBus) error {
	if c.IsRealMode() {
		return Exception{Kind: InvalidOpcode}
	}
	cs := uint16(c.Msrs.SysenterCS)
	if cs == 0 {
		return GP(0)
	}
	ss := cs + 8

	if err := c.loadCodeSegmentPrivilege(cs, 0, mem); err != nil {
		return err
	}
	if err := c.loadStackSegmentPrivilege(ss, 0, mem); err != nil {
		return err
	}

	if c.LongModeActive() {
		if !isCanonical(c.Msrs.SysenterEIP) || !isCanonical(c.Msrs.SysenterESP) {
			return GP(0)
		}
		c.Rip = c.Msrs.SysenterEIP
		c.SetGpr64(Rsp, c.Msrs.SysenterESP)
	} else {
		c.SetEip(uint32(c.Msrs.SysenterEIP))
		c.SetGpr32(Rsp, uint32(c.Msrs.SysenterESP))
	}
	return nil
}

// Sysexit implements SYSEXIT, returning to CPL 3. Note the load order is
// SS before CS, the opposite of Syscall/Sysenter.
func (c *CPU) Sysexit(mem MemoryBus) error {
	if c.IsRealMode() {
		return Exception{Kind: InvalidOpcode}
	}
	if c.Cpl() != 0 {
		return GP(0)
	}
	csBase := uint16(c.Msrs.SysenterCS)
	if csBase == 0 {
		return GP(0)
	}
	userCS := csBase + 16
	userSS := csBase + 24

	if c.LongModeActive() {
		rip := c.Gpr64(Rdx)
		rsp := c.Gpr64(Rcx)
		if !isCanonical(rip) || !isCanonical(rsp) {
			return GP(0)
		}
		if err := c.loadStackSegmentPrivilege(userSS, 3, mem); err != nil {
			return err
		}
		if err := c.loadCodeSegmentPrivilege(userCS, 3, mem); err != nil {
			return err
		}
		c.Rip = rip
		c.SetGpr64(Rsp, rsp)
	} else {
		eip := c.Gpr32(Rdx)
		esp := c.Gpr32(Rcx)
		if err := c.loadStackSegmentPrivilege(userSS, 3, mem); err != nil {
			return err
		}
		if err := c.loadCodeSegmentPrivilege(userCS, 3, mem); err != nil {
			return err
		}
		c.SetEip(eip)
		c.SetGpr32(Rsp, esp)
	}
	return nil
}
