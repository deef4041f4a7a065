package sigchain

import (
	"errors"
	"reflect"
	"testing"

	"golang.org/x/sys/unix"
)

// testSignal is a signal the Go runtime installs a handler for but
// never delivers during tests, so its slot can be swapped safely.
const testSignal = unix.SIGUSR2

// marker exists only so its code address can serve as a distinct,
// never-invoked handler value.
func marker() {}

func markerPC() uintptr { return reflect.ValueOf(marker).Pointer() }

func TestHandlerMask(t *testing.T) {
	mask := HandlerMask()
	blocked := func(sig unix.Signal) bool {
		return mask&(uint64(1)<<(uint(sig)-1)) != 0
	}
	for _, sig := range []unix.Signal{
		unix.SIGABRT, unix.SIGBUS, unix.SIGFPE, unix.SIGILL, unix.SIGSEGV,
	} {
		if blocked(sig) {
			t.Errorf("fault signal %v must stay unblocked", sig)
		}
	}
	for _, sig := range []unix.Signal{
		unix.SIGINT, unix.SIGTERM, unix.SIGUSR1, unix.SIGPIPE, unix.SIGPROF,
	} {
		if !blocked(sig) {
			t.Errorf("asynchronous signal %v must be blocked", sig)
		}
	}
}

func TestReadSeesRuntimeHandler(t *testing.T) {
	sa, err := Read(testSignal)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	// The Go runtime installs handlers for the catchable signals before
	// any test runs.
	if sa.Handler == 0 {
		t.Fatal("no handler installed for the test signal")
	}
	if sa.Flags&unix.SA_SIGINFO == 0 {
		t.Error("runtime handler lacks SA_SIGINFO")
	}
}

func TestClaimReleaseRoundtrip(t *testing.T) {
	orig, err := Read(testSignal)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	k := NewKernel()
	if k.Claimed(testSignal) {
		t.Fatal("fresh chain claims the signal")
	}
	if err := k.Claim(testSignal, orig.Handler); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	defer func() {
		// Belt and braces: never leave the slot modified.
		rtSigaction(testSignal, &orig, nil)
	}()

	if !k.Claimed(testSignal) {
		t.Error("Claimed = false after Claim")
	}
	cur, err := Read(testSignal)
	if err != nil {
		t.Fatalf("Read after Claim: %v", err)
	}
	if cur.Handler != orig.Handler {
		t.Errorf("installed handler = %#x, want %#x", cur.Handler, orig.Handler)
	}
	if cur.Mask != HandlerMask() {
		t.Errorf("installed mask = %#x, want %#x", cur.Mask, HandlerMask())
	}
	if cur.Flags&(unix.SA_SIGINFO|unix.SA_ONSTACK) != unix.SA_SIGINFO|unix.SA_ONSTACK {
		t.Errorf("installed flags %#x missing SA_SIGINFO|SA_ONSTACK", cur.Flags)
	}
	if cur.Restorer != orig.Restorer {
		t.Errorf("restorer changed: %#x != %#x", cur.Restorer, orig.Restorer)
	}

	if err := k.Claim(testSignal, orig.Handler); err == nil {
		t.Error("double Claim succeeded")
	}

	if err := k.Release(testSignal); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if k.Claimed(testSignal) {
		t.Error("Claimed = true after Release")
	}
	restored, err := Read(testSignal)
	if err != nil {
		t.Fatalf("Read after Release: %v", err)
	}
	if restored != orig {
		t.Errorf("disposition after Release = %+v, want %+v", restored, orig)
	}

	if err := k.Release(testSignal); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("second Release err = %v, want ErrNotClaimed", err)
	}
}

func TestClaimValidation(t *testing.T) {
	k := NewKernel()
	if err := k.Claim(testSignal, 0); err == nil {
		t.Error("Claim with zero handler succeeded")
	}
	if err := k.Claim(unix.Signal(0), markerPC()); err == nil {
		t.Error("Claim of signal 0 succeeded")
	}
	if err := k.Claim(unix.Signal(200), markerPC()); err == nil {
		t.Error("Claim of out-of-range signal succeeded")
	}
}

func TestFallthrough(t *testing.T) {
	orig, err := Read(testSignal)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	k := NewKernel()
	if err := k.Claim(testSignal, orig.Handler); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	defer rtSigaction(testSignal, &orig, nil)

	if err := k.Fallthrough(testSignal); err != nil {
		t.Fatalf("Fallthrough: %v", err)
	}
	if k.Claimed(testSignal) {
		t.Error("still claimed after Fallthrough")
	}
	restored, _ := Read(testSignal)
	if restored != orig {
		t.Errorf("disposition after Fallthrough = %+v, want %+v", restored, orig)
	}

	if err := k.Fallthrough(testSignal); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("second Fallthrough err = %v, want ErrNotClaimed", err)
	}
}

func TestReassert(t *testing.T) {
	orig, err := Read(testSignal)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	k := NewKernel()
	if err := k.Claim(testSignal, markerPC()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	defer rtSigaction(testSignal, &orig, nil)

	// Nothing displaced us yet.
	displaced, err := k.Reassert(testSignal)
	if err != nil || displaced {
		t.Fatalf("Reassert on intact slot = (%v, %v), want (false, nil)", displaced, err)
	}

	// Simulate a later arrival stealing the slot.
	if e := rtSigaction(testSignal, &orig, nil); e != 0 {
		t.Fatalf("displacing rt_sigaction: %v", e)
	}

	displaced, err = k.Reassert(testSignal)
	if err != nil {
		t.Fatalf("Reassert: %v", err)
	}
	if !displaced {
		t.Error("Reassert did not notice the displacement")
	}
	cur, _ := Read(testSignal)
	if cur.Handler != markerPC() {
		t.Errorf("handler after Reassert = %#x, want %#x", cur.Handler, markerPC())
	}

	if err := k.Release(testSignal); err != nil {
		t.Fatalf("Release: %v", err)
	}
	restored, _ := Read(testSignal)
	if restored != orig {
		t.Errorf("disposition after Release = %+v, want %+v", restored, orig)
	}
}

func TestReassertUnclaimed(t *testing.T) {
	k := NewKernel()
	if _, err := k.Reassert(testSignal); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Reassert err = %v, want ErrNotClaimed", err)
	}
}
