package sigctx

import (
	"testing"
	"unsafe"
)

// TestUContextLayout pins the struct offsets to the kernel ABI. If the
// Go compiler ever lays these out differently, signal decoding would
// read garbage, so fail loudly here instead.
func TestUContextLayout(t *testing.T) {
	var uc UContext64
	checks := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"Offsetof(Stack)", unsafe.Offsetof(uc.Stack), 16},
		{"Offsetof(MContext)", unsafe.Offsetof(uc.MContext), 40},
		{"Offsetof(Sigset)", unsafe.Offsetof(uc.Sigset), 296},
		{"Sizeof(MContext)", unsafe.Sizeof(uc.MContext), 256},
		{"Offsetof(Rip)", unsafe.Offsetof(uc.MContext.Rip), 128},
		{"Offsetof(Rsp)", unsafe.Offsetof(uc.MContext.Rsp), 120},
		{"Offsetof(Err)", unsafe.Offsetof(uc.MContext.Err), 152},
		{"Offsetof(Cr2)", unsafe.Offsetof(uc.MContext.Cr2), 184},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
}

func TestAccessors(t *testing.T) {
	var uc UContext64
	uc.MContext.Rip = 0x401000
	uc.MContext.Rsp = 0x7FFF0000
	uc.MContext.Rdi = 0xAABB
	uc.MContext.Cr2 = 0x10

	if uc.PC() != 0x401000 {
		t.Errorf("PC() = %#x", uc.PC())
	}
	if uc.SP() != 0x7FFF0000 {
		t.Errorf("SP() = %#x", uc.SP())
	}
	if uc.MethodRef() != 0xAABB {
		t.Errorf("MethodRef() = %#x", uc.MethodRef())
	}
	if uc.FaultAddrAlt() != 0x10 {
		t.Errorf("FaultAddrAlt() = %#x", uc.FaultAddrAlt())
	}

	uc.SetPC(0x500000)
	uc.SetSP(0x7FFE0000)
	uc.SetArg0(7)
	if uc.MContext.Rip != 0x500000 || uc.MContext.Rsp != 0x7FFE0000 || uc.MContext.Rdi != 7 {
		t.Error("setters did not write the expected registers")
	}
}

func TestWriteFault(t *testing.T) {
	var uc UContext64
	if w, known := uc.WriteFault(); w || !known {
		t.Errorf("WriteFault() on read fault = (%v, %v), want (false, true)", w, known)
	}
	uc.MContext.Err = 0x6 // user-mode write
	if w, known := uc.WriteFault(); !w || !known {
		t.Errorf("WriteFault() on write fault = (%v, %v), want (true, true)", w, known)
	}
}

// TestPrepareCall uses a real buffer as the context's stack, since
// PrepareCall pushes the return address through the raw stack pointer.
func TestPrepareCall(t *testing.T) {
	var uc UContext64
	stack := make([]uint64, 16)
	sp := uintptr(unsafe.Pointer(&stack[8]))
	uc.SetSP(sp)

	uc.PrepareCall(0x400100, 0x400200, 0xF00D)

	if got := uc.PC(); got != 0x400100 {
		t.Errorf("PC after PrepareCall = %#x, want 0x400100", got)
	}
	if got := uc.SP(); got != sp-8 {
		t.Errorf("SP after PrepareCall = %#x, want %#x", got, sp-8)
	}
	if stack[7] != 0x400200 {
		t.Errorf("pushed return address = %#x, want 0x400200", stack[7])
	}
	if uc.MethodRef() != 0xF00D {
		t.Errorf("arg0 after PrepareCall = %#x, want 0xf00d", uc.MethodRef())
	}
}

func TestPrepareTailCall(t *testing.T) {
	var uc UContext64
	uc.SetSP(0x7FFF0000)
	uc.PrepareTailCall(0x400300, 0x11)
	if uc.PC() != 0x400300 || uc.MethodRef() != 0x11 {
		t.Error("tail call did not set entry and arg0")
	}
	if uc.SP() != 0x7FFF0000 {
		t.Error("tail call must not touch the stack pointer")
	}
}

func TestRegistersOrder(t *testing.T) {
	var uc UContext64
	uc.MContext.Rax = 1
	uc.MContext.Rip = 2
	regs := uc.Registers()
	if regs[0].Name != "rax" || regs[0].Value != 1 {
		t.Errorf("regs[0] = %+v, want rax=1", regs[0])
	}
	found := false
	for _, r := range regs {
		if r.Name == "rip" {
			found = true
			if r.Value != 2 {
				t.Errorf("rip = %d, want 2", r.Value)
			}
		}
	}
	if !found {
		t.Error("rip missing from register dump")
	}
}
