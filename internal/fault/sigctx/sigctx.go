//go:build linux && (amd64 || arm64)

// Package sigctx decodes the raw siginfo_t and ucontext_t a Linux
// SA_SIGINFO handler receives.
//
// This package is the module's single unsafe boundary: everything above
// it works with typed *Info and *UContext64 values, everything below it
// is kernel ABI. The struct layouts mirror the uapi headers for the
// supported platforms (linux/amd64 and linux/arm64); layout drift is
// caught by the offset tests next to each platform file.
//
// All methods are safe to call from signal context: no allocation, no
// locks, no stack growth on the annotated paths.
package sigctx

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Info mirrors siginfo_t for the 64-bit Linux ABI.
//
// Only the leading fixed fields are typed; the union tail is raw bytes
// because the faults this module handles (SIGSEGV, SIGBUS) only use the
// leading si_addr word of it.
type Info struct {
	Signo int32
	Errno int32
	Code  int32
	_     uint32
	// Fields is the siginfo union. For memory faults the first word is
	// si_addr, the accessed address that raised the fault.
	Fields [112]byte
}

// Addr returns si_addr, the address whose access faulted.
//
//go:nosplit
func (si *Info) Addr() uintptr {
	return uintptr(*(*uint64)(unsafe.Pointer(&si.Fields[0])))
}

// SetAddr stores si_addr. Used by tests and by trap injection.
func (si *Info) SetAddr(addr uintptr) {
	*(*uint64)(unsafe.Pointer(&si.Fields[0])) = uint64(addr)
}

// FromRaw reinterprets the pointers an SA_SIGINFO handler receives.
// The memory is kernel-provided and outlives the handler invocation,
// so the usual Go pointer rules do not apply to it.
//
//go:nosplit
func FromRaw(info, uc unsafe.Pointer) (*Info, *UContext64) {
	return (*Info)(info), (*UContext64)(uc)
}

// si_code values for SIGSEGV and SIGBUS, from the uapi signal headers.
// x/sys/unix does not export these, so they are spelled out here.
const (
	SIKernel = 0x80 // SI_KERNEL: sent by the kernel, no specific cause

	SegvMapErr  = 1 // address not mapped to object
	SegvAccErr  = 2 // invalid permissions for mapped object
	SegvBndErr  = 3 // failed address bound checks
	SegvPkuErr  = 4 // access denied by memory protection keys
	SegvMTEAErr = 8 // asynchronous memory tag check fault
	SegvMTESErr = 9 // synchronous memory tag check fault

	BusAdrAln   = 1 // invalid address alignment
	BusAdrErr   = 2 // nonexistent physical address
	BusObjErr   = 3 // object-specific hardware error
	BusMCEErrAR = 4 // hardware memory error consumed on a machine check
	BusMCEErrAO = 5 // hardware memory error detected in process but not consumed
)

// CodeName renders a siginfo si_code for the given signal as the
// symbolic name used in kernel headers, or a decimal fallback for
// codes this table does not know.
func CodeName(sig unix.Signal, code int32) string {
	if code == SIKernel {
		return "SI_KERNEL"
	}
	switch sig {
	case unix.SIGSEGV:
		switch code {
		case SegvMapErr:
			return "SEGV_MAPERR"
		case SegvAccErr:
			return "SEGV_ACCERR"
		case SegvBndErr:
			return "SEGV_BNDERR"
		case SegvPkuErr:
			return "SEGV_PKUERR"
		case SegvMTEAErr:
			return "SEGV_MTEAERR"
		case SegvMTESErr:
			return "SEGV_MTESERR"
		}
	case unix.SIGBUS:
		switch code {
		case BusAdrAln:
			return "BUS_ADRALN"
		case BusAdrErr:
			return "BUS_ADRERR"
		case BusObjErr:
			return "BUS_OBJERR"
		case BusMCEErrAR:
			return "BUS_MCEERR_AR"
		case BusMCEErrAO:
			return "BUS_MCEERR_AO"
		}
	}
	return itoa(code)
}

// itoa formats a small signed integer without fmt, so CodeName stays
// usable from signal-context diagnostics.
func itoa(v int32) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SignalStack mirrors stack_t: the alternate signal stack recorded in
// the ucontext.
type SignalStack struct {
	Addr  uint64
	Flags uint32
	_     uint32
	Size  uint64
}

// Contains reports whether sp points into the recorded stack.
func (s *SignalStack) Contains(sp uintptr) bool {
	return uintptr(s.Addr) <= sp && sp < uintptr(s.Addr)+uintptr(s.Size)
}
