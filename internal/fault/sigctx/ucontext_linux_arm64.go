package sigctx

// SignalContext64 mirrors struct sigcontext from the arm64 uapi
// headers. Reserved holds the __reserved expansion area (fpsimd, esr
// and friends); nothing here decodes it.
type SignalContext64 struct {
	FaultAddr uint64
	Regs      [31]uint64
	Sp        uint64
	Pc        uint64
	Pstate    uint64
	_         [8]byte
	Reserved  [4096]uint8
}

// UContext64 mirrors struct ucontext for linux/arm64. The kernel
// sigset is 64 bits but the ABI reserves glibc's 1024-bit sigset_t,
// hence the pad, and the mcontext is 16-byte aligned.
type UContext64 struct {
	Flags    uint64
	Link     uint64
	Stack    SignalStack
	Sigset   uint64
	_        [120]byte
	_        [8]byte
	MContext SignalContext64
}

// PC returns the instruction pointer at the fault.
//
//go:nosplit
func (uc *UContext64) PC() uintptr { return uintptr(uc.MContext.Pc) }

// SetPC rewrites the instruction pointer the kernel will resume at.
func (uc *UContext64) SetPC(pc uintptr) { uc.MContext.Pc = uint64(pc) }

// SP returns the stack pointer at the fault.
//
//go:nosplit
func (uc *UContext64) SP() uintptr { return uintptr(uc.MContext.Sp) }

// SetSP rewrites the stack pointer the kernel will resume with.
func (uc *UContext64) SetSP(sp uintptr) { uc.MContext.Sp = uint64(sp) }

// FP returns the frame base register (X29) at the fault.
//
//go:nosplit
func (uc *UContext64) FP() uintptr { return uintptr(uc.MContext.Regs[29]) }

// MethodRef returns the first-argument register (X0), where the
// compiled-code calling convention keeps the current method reference
// on entry to a method.
//
//go:nosplit
func (uc *UContext64) MethodRef() uintptr { return uintptr(uc.MContext.Regs[0]) }

// SetArg0 loads the first-argument register for a redirected call.
func (uc *UContext64) SetArg0(v uintptr) { uc.MContext.Regs[0] = uint64(v) }

// FaultAddrAlt returns the fault address the context itself recorded.
// Normally identical to Info.Addr; kept for cross-checking.
func (uc *UContext64) FaultAddrAlt() uintptr { return uintptr(uc.MContext.FaultAddr) }

// WriteFault decodes the access direction of the fault. The arm64
// context keeps that in the ESR record inside the reserved area, which
// this package does not decode, so known is always false.
func (uc *UContext64) WriteFault() (write, known bool) {
	return false, false
}

// PrepareCall arranges the context so that, when the handler returns
// and the kernel restores it, execution enters entry as if it had been
// called from retaddr with arg0 in the first argument register.
//
// On arm64 the return address lives in the link register, so unlike
// amd64 no stack memory is touched.
func (uc *UContext64) PrepareCall(entry, retaddr, arg0 uintptr) {
	uc.MContext.Regs[30] = uint64(retaddr)
	uc.MContext.Regs[0] = uint64(arg0)
	uc.MContext.Pc = uint64(entry)
}

// PrepareTailCall redirects execution to entry without linking a return
// address. Used when the target never returns, such as a stack-overflow
// raise path where no stack can be consumed.
func (uc *UContext64) PrepareTailCall(entry, arg0 uintptr) {
	uc.MContext.Regs[0] = uint64(arg0)
	uc.MContext.Pc = uint64(entry)
}

// Reg is one named register value, for diagnostics.
type Reg struct {
	Name  string
	Value uint64
}

// Registers returns the general-purpose registers in the conventional
// display order. It allocates and is not for signal context.
func (uc *UContext64) Registers() []Reg {
	m := &uc.MContext
	regs := make([]Reg, 0, 36)
	names := [31]string{
		"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
		"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
		"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
		"x24", "x25", "x26", "x27", "x28", "x29", "lr",
	}
	for i, name := range names {
		regs = append(regs, Reg{name, m.Regs[i]})
	}
	regs = append(regs,
		Reg{"sp", m.Sp}, Reg{"pc", m.Pc}, Reg{"pstate", m.Pstate},
		Reg{"fault_addr", m.FaultAddr})
	return regs
}
