//go:build linux

// Package sigchain manages ownership of process signal dispositions.
//
// The fault manager wants the SIGSEGV (and optionally SIGBUS) slot, but
// it is a guest: something else — a language runtime, a crash reporter —
// usually installed a handler first and must get the fault back when the
// manager does not claim it. This package implements that protocol
// against the kernel: Claim swaps in a new handler address while
// preserving the rest of the previously installed sigaction, Release
// puts the old disposition back, and Fallthrough reinstalls the old
// disposition so that re-executing the faulting instruction delivers
// the signal to it.
//
// Fallthrough-by-reinstall is the pure-Go rendition of handler
// chaining: without the ability to call a foreign function pointer, the
// slot itself is handed back. The chain stays released afterwards until
// Claim is called again; unclaimed faults are expected to be fatal to
// the process, so the transfer is one way by design of the protocol.
//
// Claim refuses to take a slot with no previous handler. The swap keeps
// the previous sa_flags and sa_restorer, which carry the trampoline
// contract of whoever installed the original handler; without them a
// raw rt_sigaction handler cannot return safely.
package sigchain

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Sigaction mirrors the kernel's struct sigaction for rt_sigaction on
// the 64-bit ABI.
type Sigaction struct {
	Handler  uintptr
	Flags    uint64
	Restorer uintptr
	Mask     uint64
}

// maskLen is the size of the kernel sigset_t in bytes (_NSIG/8).
const maskLen = 8

// maxSig bounds the per-signal slot array. Linux real-time signals end
// at 64.
const maxSig = 64

// ErrNotClaimed is returned for operations on a signal this chain does
// not hold. Preallocated so Fallthrough can fail without allocating.
var ErrNotClaimed = errors.New("signal not claimed")

// HandlerMask returns the blocked-signal mask installed while a claimed
// handler runs: everything except the synchronous fault signals, which
// must stay deliverable or a bug inside the handler would hang the
// thread instead of crashing it.
func HandlerMask() uint64 {
	mask := ^uint64(0)
	for _, sig := range []unix.Signal{
		unix.SIGABRT, unix.SIGBUS, unix.SIGFPE, unix.SIGILL, unix.SIGSEGV,
	} {
		mask &^= uint64(1) << (uint(sig) - 1)
	}
	return mask
}

// rtSigaction wraps the raw syscall. act or oldact may be nil. Raw
// entry keeps it callable from signal context.
func rtSigaction(sig unix.Signal, act, oldact *Sigaction) unix.Errno {
	var actp, oldp uintptr
	if act != nil {
		actp = uintptr(unsafe.Pointer(act))
	}
	if oldact != nil {
		oldp = uintptr(unsafe.Pointer(oldact))
	}
	_, _, e := unix.RawSyscall6(unix.SYS_RT_SIGACTION,
		uintptr(sig), actp, oldp, maskLen, 0, 0)
	return e
}

// Read returns the currently installed disposition for sig.
func Read(sig unix.Signal) (Sigaction, error) {
	var sa Sigaction
	if e := rtSigaction(sig, nil, &sa); e != 0 {
		return Sigaction{}, fmt.Errorf("rt_sigaction(%v): %w", sig, e)
	}
	return sa, nil
}

// Chain is the seam between the fault manager and whatever owns signal
// plumbing in the host process. The kernel-backed implementation below
// is the default; embedders with their own chaining library substitute
// it.
type Chain interface {
	// Claim takes over sig's slot with handler (a raw code address
	// compatible with the preserved sa_flags), saving the previous
	// disposition for Release and Fallthrough.
	Claim(sig unix.Signal, handler uintptr) error
	// Release restores the disposition saved by Claim.
	Release(sig unix.Signal) error
	// Fallthrough hands the slot back to the saved disposition and
	// drops the claim; used on unclaimed faults so the re-executed
	// instruction reaches the previous handler. Must be callable from
	// signal context.
	Fallthrough(sig unix.Signal) error
	// Claimed reports whether sig is currently held by this chain.
	Claimed(sig unix.Signal) bool
}

// claimSlot is one claimed signal's saved state. Immutable once
// published.
type claimSlot struct {
	old     Sigaction
	handler uintptr
}

// Kernel is the rt_sigaction-backed Chain.
//
// Claim, Release and Reassert serialize on a mutex; Fallthrough must
// work from signal context, so the per-signal state is published
// through atomic pointers and taken back with a compare-and-swap.
type Kernel struct {
	mu    sync.Mutex
	slots [maxSig + 1]atomic.Pointer[claimSlot]
}

// NewKernel returns an empty kernel-backed chain.
func NewKernel() *Kernel { return &Kernel{} }

// Claim swaps handler into sig's slot. The previous sa_flags and
// sa_restorer are kept so the kernel-side return path still works; the
// sa_mask is replaced with HandlerMask. Claiming a slot that has no
// handler installed is refused: there is nothing to chain to, and no
// restorer to borrow.
func (k *Kernel) Claim(sig unix.Signal, handler uintptr) error {
	if sig <= 0 || sig > maxSig {
		return fmt.Errorf("claim %v: out of range", sig)
	}
	if handler == 0 {
		return fmt.Errorf("claim %v: zero handler", sig)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.slots[sig].Load() != nil {
		return fmt.Errorf("claim %v: already claimed", sig)
	}

	var old Sigaction
	if e := rtSigaction(sig, nil, &old); e != 0 {
		return fmt.Errorf("claim %v: read disposition: %w", sig, e)
	}
	if old.Handler == 0 {
		return fmt.Errorf("claim %v: no previous handler to chain to", sig)
	}

	sa := old
	sa.Handler = handler
	sa.Flags |= unix.SA_SIGINFO | unix.SA_ONSTACK
	sa.Mask = HandlerMask()
	if e := rtSigaction(sig, &sa, nil); e != 0 {
		return fmt.Errorf("claim %v: install: %w", sig, e)
	}

	k.slots[sig].Store(&claimSlot{old: old, handler: handler})
	return nil
}

// Release restores the saved disposition and forgets the claim.
func (k *Kernel) Release(sig unix.Signal) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.handBack(sig); err != nil {
		return fmt.Errorf("release %v: %w", sig, err)
	}
	return nil
}

// Fallthrough reinstalls the saved disposition and drops the claim.
// The caller returns from its handler afterwards; the faulting
// instruction re-executes and the fault is delivered to the previous
// owner. Lock-free: a concurrent Fallthrough and Release race is
// settled by the slot compare-and-swap.
func (k *Kernel) Fallthrough(sig unix.Signal) error {
	return k.handBack(sig)
}

// handBack atomically takes the slot and restores its saved
// disposition.
func (k *Kernel) handBack(sig unix.Signal) error {
	if sig <= 0 || sig > maxSig {
		return ErrNotClaimed
	}
	slot := k.slots[sig].Load()
	if slot == nil || !k.slots[sig].CompareAndSwap(slot, nil) {
		return ErrNotClaimed
	}
	if e := rtSigaction(sig, &slot.old, nil); e != 0 {
		return e
	}
	return nil
}

// Claimed reports whether this chain currently holds sig.
func (k *Kernel) Claimed(sig unix.Signal) bool {
	if sig <= 0 || sig > maxSig {
		return false
	}
	return k.slots[sig].Load() != nil
}

// Reassert re-claims sig if some later arrival displaced our handler,
// keeping the saved disposition from the original Claim. It reports
// whether a displacement was found.
func (k *Kernel) Reassert(sig unix.Signal) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot := k.slots[sig].Load()
	if slot == nil {
		return false, fmt.Errorf("reassert %v: %w", sig, ErrNotClaimed)
	}

	var cur Sigaction
	if e := rtSigaction(sig, nil, &cur); e != 0 {
		return false, fmt.Errorf("reassert %v: read disposition: %w", sig, e)
	}
	if cur.Handler == slot.handler {
		return false, nil
	}

	sa := cur
	sa.Handler = slot.handler
	sa.Flags |= unix.SA_SIGINFO | unix.SA_ONSTACK
	sa.Mask = HandlerMask()
	if e := rtSigaction(sig, &sa, nil); e != 0 {
		return false, fmt.Errorf("reassert %v: install: %w", sig, e)
	}
	return true, nil
}
