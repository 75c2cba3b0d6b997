package cpustate

import "testing"

func TestGprWidthAccessorsPreserveUpperBits(t *testing.T) {
	c := New()
	c.SetGpr64(Rax, 0x1122334455667788)
	c.SetGpr32(Rax, 0xAABBCCDD)
	if c.Gpr64(Rax) != 0xAABBCCDD {
		t.Fatalf("32-bit write must zero-extend, got %#x", c.Gpr64(Rax))
	}

	c.SetGpr64(Rax, 0x1122334455667788)
	c.SetGpr16(Rax, 0x9999)
	if c.Gpr64(Rax) != 0x1122334455669999 {
		t.Fatalf("16-bit write must preserve upper 48 bits, got %#x", c.Gpr64(Rax))
	}

	c.SetGpr64(Rax, 0x1122334455667788)
	c.SetGpr8L(Rax, 0xEE)
	if c.Gpr64(Rax) != 0x11223344556677EE {
		t.Fatalf("low-byte write must preserve upper 56 bits, got %#x", c.Gpr64(Rax))
	}
}

func TestGpr8HOnlyValidForLegacyQuartet(t *testing.T) {
	c := New()
	c.SetGpr64(Rax, 0xFF00)
	v, err := c.Gpr8H(Rax)
	if err != nil || v != 0xFF {
		t.Fatalf("expected ah=0xFF, got %#x err=%v", v, err)
	}
	if _, err := c.Gpr8H(Rsi); err == nil {
		t.Fatal("expected InvalidOpcode for a register with no high-byte encoding")
	}
}

func TestIsCanonicalAddress(t *testing.T) {
	cases := []struct {
		addr uint64
		want bool
	}{
		{0x0000_0000_0000_0000, true},
		{0x0000_7FFF_FFFF_FFFF, true},
		{0x0000_8000_0000_0000, false},
		{0xFFFF_8000_0000_0000, true},
		{0xFFFF_FFFF_FFFF_FFFF, true},
		{0x0001_0000_0000_0000, false},
	}
	for _, c := range cases {
		if got := isCanonical(c.addr); got != c.want {
			t.Errorf("isCanonical(%#x) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestCplRealModeAlwaysZero(t *testing.T) {
	c := New()
	c.Cs.Selector = 3
	if c.Cpl() != 0 {
		t.Fatalf("expected cpl 0 in real mode regardless of selector, got %d", c.Cpl())
	}
}

func TestCliStiRequirePrivilege(t *testing.T) {
	c := New()
	c.Control.CR0 |= CR0PE
	c.Cs.Selector = 3 // cpl 3
	if err := c.Cli(); err == nil {
		t.Fatal("expected GP when CLI executed outside ring 0 in protected mode")
	}
	c.Cs.Selector = 0
	if err := c.Cli(); err != nil {
		t.Fatalf("unexpected error at cpl 0: %v", err)
	}
}

func TestStiSetsOneInstructionInhibit(t *testing.T) {
	c := New()
	if err := c.Sti(); err != nil {
		t.Fatal(err)
	}
	if c.InterruptInhibit != 1 {
		t.Fatalf("expected inhibit counter 1 after sti, got %d", c.InterruptInhibit)
	}
	c.RetireInstruction()
	if c.InterruptInhibit != 0 {
		t.Fatalf("expected inhibit counter cleared after one retire, got %d", c.InterruptInhibit)
	}
}

func TestDescriptorTableRegContainsBoundary(t *testing.T) {
	d := DescriptorTableReg{Base: 0x1000, Limit: 0x0F} // 16 usable bytes
	if !d.Contains(0x08, 8) {
		t.Fatal("expected offset 8 length 8 to fit exactly within limit 0xF")
	}
	if d.Contains(0x09, 8) {
		t.Fatal("expected offset 9 length 8 to overrun the table limit")
	}
}

func TestResetRestoresRealModeDefaults(t *testing.T) {
	c := New()
	c.Control.CR0 |= CR0PE
	c.SetGpr64(Rax, 0xDEAD)
	c.Rip = 0x1234
	c.Reset()
	if c.IsProtectedMode() {
		t.Fatal("expected protected mode cleared after reset")
	}
	if c.Gpr64(Rax) != 0 || c.Rip != 0 {
		t.Fatal("expected registers zeroed after reset")
	}
	if c.Cs.Cache.Limit != 0xFFFF {
		t.Fatal("expected real-mode CS defaults restored after reset")
	}
}
