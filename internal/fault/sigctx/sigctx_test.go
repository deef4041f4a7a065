package sigctx

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestInfoAddrRoundtrip(t *testing.T) {
	var si Info
	si.SetAddr(0xDEADBEEF00)
	if got := si.Addr(); got != 0xDEADBEEF00 {
		t.Errorf("Addr() = %#x, want 0xdeadbeef00", got)
	}
}

func TestInfoLayout(t *testing.T) {
	// siginfo_t is 128 bytes on 64-bit Linux, with si_addr at offset 16
	// for the fault signals.
	var si Info
	if got := unsafe.Sizeof(si); got != 128 {
		t.Errorf("Sizeof(Info) = %d, want 128", got)
	}
	if got := unsafe.Offsetof(si.Fields); got != 16 {
		t.Errorf("Offsetof(Info.Fields) = %d, want 16", got)
	}
}

func TestCodeName(t *testing.T) {
	tests := []struct {
		sig  unix.Signal
		code int32
		want string
	}{
		{unix.SIGSEGV, SegvMapErr, "SEGV_MAPERR"},
		{unix.SIGSEGV, SegvAccErr, "SEGV_ACCERR"},
		{unix.SIGSEGV, SegvBndErr, "SEGV_BNDERR"},
		{unix.SIGSEGV, SegvPkuErr, "SEGV_PKUERR"},
		{unix.SIGSEGV, SegvMTEAErr, "SEGV_MTEAERR"},
		{unix.SIGSEGV, SegvMTESErr, "SEGV_MTESERR"},
		{unix.SIGSEGV, SIKernel, "SI_KERNEL"},
		{unix.SIGBUS, BusAdrAln, "BUS_ADRALN"},
		{unix.SIGBUS, BusMCEErrAO, "BUS_MCEERR_AO"},
		{unix.SIGBUS, SIKernel, "SI_KERNEL"},
		{unix.SIGSEGV, 42, "42"},
		{unix.SIGBUS, -3, "-3"},
		{unix.SIGILL, 1, "1"}, // unhandled signal falls back to decimal
	}
	for _, tt := range tests {
		if got := CodeName(tt.sig, tt.code); got != tt.want {
			t.Errorf("CodeName(%v, %d) = %q, want %q", tt.sig, tt.code, got, tt.want)
		}
	}
}

func TestSignalStackContains(t *testing.T) {
	s := &SignalStack{Addr: 0x7000, Size: 0x1000}
	for _, tt := range []struct {
		sp   uintptr
		want bool
	}{
		{0x7000, true},
		{0x7FFF, true},
		{0x8000, false},
		{0x6FFF, false},
		{0, false},
	} {
		if got := s.Contains(tt.sp); got != tt.want {
			t.Errorf("Contains(%#x) = %v, want %v", tt.sp, got, tt.want)
		}
	}
}

func TestFromRaw(t *testing.T) {
	var si Info
	var uc UContext64
	si.Signo = int32(unix.SIGSEGV)
	si.SetAddr(0x10)
	uc.SetPC(0x400000)

	gotInfo, gotUC := FromRaw(unsafe.Pointer(&si), unsafe.Pointer(&uc))
	if gotInfo != &si || gotUC != &uc {
		t.Fatal("FromRaw did not return the original pointers")
	}
	if gotInfo.Addr() != 0x10 || gotUC.PC() != 0x400000 {
		t.Error("decoded values do not match originals")
	}
}
