package sigctx

import "unsafe"

// SignalContext64 mirrors struct sigcontext_64 from the x86 uapi
// headers. Fpstate is a kernel pointer into the signal frame; it is
// kept as a plain word because nothing here follows it.
type SignalContext64 struct {
	R8       uint64
	R9       uint64
	R10      uint64
	R11      uint64
	R12      uint64
	R13      uint64
	R14      uint64
	R15      uint64
	Rdi      uint64
	Rsi      uint64
	Rbp      uint64
	Rbx      uint64
	Rdx      uint64
	Rax      uint64
	Rcx      uint64
	Rsp      uint64
	Rip      uint64
	Eflags   uint64
	Cs       uint16
	Gs       uint16
	Fs       uint16
	Ss       uint16
	Err      uint64
	Trapno   uint64
	Oldmask  uint64
	Cr2      uint64
	Fpstate  uint64
	Reserved [8]uint64
}

// UContext64 mirrors struct ucontext for linux/amd64.
type UContext64 struct {
	Flags    uint64
	Link     uint64
	Stack    SignalStack
	MContext SignalContext64
	Sigset   uint64
}

// PC returns the instruction pointer at the fault.
//
//go:nosplit
func (uc *UContext64) PC() uintptr { return uintptr(uc.MContext.Rip) }

// SetPC rewrites the instruction pointer the kernel will resume at.
func (uc *UContext64) SetPC(pc uintptr) { uc.MContext.Rip = uint64(pc) }

// SP returns the stack pointer at the fault.
//
//go:nosplit
func (uc *UContext64) SP() uintptr { return uintptr(uc.MContext.Rsp) }

// SetSP rewrites the stack pointer the kernel will resume with.
func (uc *UContext64) SetSP(sp uintptr) { uc.MContext.Rsp = uint64(sp) }

// FP returns the frame base register (RBP) at the fault.
//
//go:nosplit
func (uc *UContext64) FP() uintptr { return uintptr(uc.MContext.Rbp) }

// MethodRef returns the first-argument register (RDI), where the
// compiled-code calling convention keeps the current method reference
// on entry to a method.
//
//go:nosplit
func (uc *UContext64) MethodRef() uintptr { return uintptr(uc.MContext.Rdi) }

// SetArg0 loads the first-argument register for a redirected call.
func (uc *UContext64) SetArg0(v uintptr) { uc.MContext.Rdi = uint64(v) }

// FaultAddrAlt returns the fault address the context itself recorded
// (CR2). Normally identical to Info.Addr; kept for cross-checking.
func (uc *UContext64) FaultAddrAlt() uintptr { return uintptr(uc.MContext.Cr2) }

// WriteFault decodes the page-fault error code. known is false when
// the platform does not record the access direction.
func (uc *UContext64) WriteFault() (write, known bool) {
	return uc.MContext.Err&0x2 != 0, true
}

// PrepareCall arranges the context so that, when the handler returns
// and the kernel restores it, execution enters entry as if it had been
// called from retaddr with arg0 in the first argument register.
//
// On amd64 that means pushing the return address: the stack slot below
// the faulting frame is written through the real stack pointer, so the
// caller must only use this on a context whose stack is mapped and has
// at least one free slot.
func (uc *UContext64) PrepareCall(entry, retaddr, arg0 uintptr) {
	sp := uintptr(uc.MContext.Rsp) - 8
	*(*uint64)(unsafe.Pointer(sp)) = uint64(retaddr)
	uc.MContext.Rsp = uint64(sp)
	uc.MContext.Rdi = uint64(arg0)
	uc.MContext.Rip = uint64(entry)
}

// PrepareTailCall redirects execution to entry without linking a return
// address. Used when the target never returns, such as a stack-overflow
// raise path where no stack can be consumed.
func (uc *UContext64) PrepareTailCall(entry, arg0 uintptr) {
	uc.MContext.Rdi = uint64(arg0)
	uc.MContext.Rip = uint64(entry)
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
	return []Reg{
		{"rax", m.Rax}, {"rbx", m.Rbx}, {"rcx", m.Rcx}, {"rdx", m.Rdx},
		{"rsi", m.Rsi}, {"rdi", m.Rdi}, {"rbp", m.Rbp}, {"rsp", m.Rsp},
		{"r8", m.R8}, {"r9", m.R9}, {"r10", m.R10}, {"r11", m.R11},
		{"r12", m.R12}, {"r13", m.R13}, {"r14", m.R14}, {"r15", m.R15},
		{"rip", m.Rip}, {"eflags", m.Eflags},
		{"err", m.Err}, {"trapno", m.Trapno}, {"cr2", m.Cr2},
	}
}
