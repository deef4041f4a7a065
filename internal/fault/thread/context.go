// Package thread tracks the per-thread execution state the fault
// dispatcher consults.
//
// A fault is only recoverable when the thread that took it was
// executing compiled code in a well-defined state: attached, runnable,
// and holding the mutator lock in shared mode. Threads record that
// state here through lock-free primitives, and the dispatcher reads it
// back from signal context without taking any lock.
package thread

import (
	"sync/atomic"
	"unsafe"
)

// State is the coarse execution state of an attached thread.
type State int32

const (
	// StateNative: running runtime or native code. Faults here are
	// never recoverable.
	StateNative State = iota
	// StateRunnable: running compiled code, faults eligible for
	// recovery.
	StateRunnable
	// StateSuspended: parked at a suspend point.
	StateSuspended
)

// String returns the state name for diagnostics.
func (s State) String() string {
	switch s {
	case StateNative:
		return "native"
	case StateRunnable:
		return "runnable"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Context is the per-thread record.
//
// All fields are accessed with atomics; a Context is shared between the
// thread it describes, the dispatcher running on that thread in signal
// context, and other threads requesting suspension or waiting for
// quiescence.
type Context struct {
	tid int32

	state atomic.Int32

	// mutatorShared counts shared acquisitions of the mutator lock by
	// this thread. Compiled code runs with exactly one.
	mutatorShared atomic.Int32

	// suspendPending is set by TriggerSuspend and cleared when the
	// thread parks. While set, trigger is armed so that the next
	// suspend poll in compiled code faults.
	suspendPending atomic.Bool

	// trigger is the address compiled code polls: a load through it is
	// harmless while it points at pollWord and faults at address 0
	// while armed.
	trigger  atomic.Uintptr
	pollWord uint64

	// occupancy counts dispatch entries on this thread: odd while the
	// thread is inside the fault dispatcher, even outside. See
	// Quiescent.
	occupancy atomic.Uint64
}

// TID returns the kernel thread id this context describes.
func (c *Context) TID() int32 { return c.tid }

// SetState records a state transition.
func (c *Context) SetState(s State) { c.state.Store(int32(s)) }

// GetState returns the current state.
//
//go:nosplit
func (c *Context) GetState() State { return State(c.state.Load()) }

// AcquireSharedMutator records a shared mutator-lock acquisition.
func (c *Context) AcquireSharedMutator() { c.mutatorShared.Add(1) }

// ReleaseSharedMutator records the matching release.
func (c *Context) ReleaseSharedMutator() { c.mutatorShared.Add(-1) }

// HoldsSharedMutator reports whether the thread holds the mutator lock
// in shared mode.
//
//go:nosplit
func (c *Context) HoldsSharedMutator() bool { return c.mutatorShared.Load() > 0 }

// TriggerSuspend requests that the thread park at its next suspend
// poll. The trigger is armed to the faulting address, so a thread in
// compiled code takes a SIGSEGV at its next poll instead of checking a
// flag.
func (c *Context) TriggerSuspend() {
	c.suspendPending.Store(true)
	c.trigger.Store(0)
}

// ClearSuspend acknowledges the suspend request and disarms the
// trigger. The Context itself provides the readable word the disarmed
// trigger points at; the table keeps the Context alive for as long as
// the thread is attached.
func (c *Context) ClearSuspend() {
	c.trigger.Store(uintptr(unsafe.Pointer(&c.pollWord)))
	c.suspendPending.Store(false)
}

// SuspendPending reports whether a suspend request is outstanding.
//
//go:nosplit
func (c *Context) SuspendPending() bool { return c.suspendPending.Load() }

// TriggerAddr returns the address compiled code must poll.
//
//go:nosplit
func (c *Context) TriggerAddr() uintptr { return c.trigger.Load() }

// EnterDispatch marks this thread as inside the fault dispatcher.
//
//go:nosplit
func (c *Context) EnterDispatch() { c.occupancy.Add(1) }

// ExitDispatch marks the dispatcher as left.
//
//go:nosplit
func (c *Context) ExitDispatch() { c.occupancy.Add(1) }

// InDispatch reports whether the thread is currently inside the
// dispatcher. Used to detect recursive faults.
//
//go:nosplit
func (c *Context) InDispatch() bool { return c.occupancy.Load()&1 == 1 }

// OccupancySnapshot returns an opaque token for Quiescent.
func (c *Context) OccupancySnapshot() uint64 { return c.occupancy.Load() }

// Quiescent reports whether the thread has been observed outside the
// dispatcher since the snapshot was taken: either it was outside at the
// snapshot (even count) or it has left at least once since (count
// advanced). A waiter that sees every thread quiescent knows no thread
// can still be walking a data structure unlinked before the snapshot.
func (c *Context) Quiescent(snapshot uint64) bool {
	if snapshot&1 == 0 {
		return true
	}
	return c.occupancy.Load() != snapshot
}
