package thread

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	// tableSize bounds concurrently attached threads. Power of two so
	// the probe index reduces with a mask.
	tableSize = 1 << 12
	// maxProbes bounds the linear probe window before Attach gives up.
	maxProbes = 64
	// hashGamma is the 64-bit golden ratio; multiplying by it and
	// taking the top bits spreads sequential tids across the table.
	hashGamma = 0x9E3779B97F4A7C15
	indexBits = 12
)

var (
	// ErrAttached is returned when a tid is already in the table.
	ErrAttached = errors.New("thread already attached")
	// ErrTableFull is returned when the probe window has no free slot.
	ErrTableFull = errors.New("thread table full")
)

// tombstone marks a slot whose thread detached. It keeps probe chains
// intact: Lookup stops at nil, never at a tombstone.
var tombstone = &Context{tid: -1}

// Table maps kernel thread ids to Contexts without locks.
//
// Slots are claimed by compare-and-swap, looked up by linear probing,
// and released by swapping in a tombstone. The zero Table is ready to
// use. Lookup is safe in signal context.
type Table struct {
	slots [tableSize]atomic.Pointer[Context]
	count atomic.Int32
}

//go:nosplit
func hashTID(tid int32) uint64 {
	return uint64(uint32(tid)) * hashGamma >> (64 - indexBits)
}

// Attach creates and publishes a Context for tid. The new context
// starts in StateNative with the suspend trigger disarmed.
//
// A thread attaches itself, so Attach is never called concurrently for
// the same tid; concurrent attaches of different tids arbitrate through
// the slot CAS.
func (t *Table) Attach(tid int32) (*Context, error) {
	c := &Context{tid: tid}
	c.ClearSuspend()

	h := hashTID(tid)
	for {
		// Scan the whole probe window before inserting: the first free
		// slot may be a tombstone sitting ahead of a live entry for
		// this tid, and reusing it blindly would shadow that entry.
		free := -1
		for i := uint64(0); i < maxProbes; i++ {
			idx := int((h + i) & (tableSize - 1))
			old := t.slots[idx].Load()
			if old == nil {
				if free < 0 {
					free = idx
				}
				break
			}
			if old == tombstone {
				if free < 0 {
					free = idx
				}
				continue
			}
			if old.tid == tid {
				return nil, fmt.Errorf("%w: tid %d", ErrAttached, tid)
			}
		}
		if free < 0 {
			return nil, fmt.Errorf("%w: tid %d", ErrTableFull, tid)
		}
		old := t.slots[free].Load()
		if old == nil || old == tombstone {
			if t.slots[free].CompareAndSwap(old, c) {
				t.count.Add(1)
				return c, nil
			}
		}
		// Lost the slot to a concurrent attach; rescan.
	}
}

// Lookup returns the Context for tid, or nil when the thread never
// attached. Lock-free and allocation-free.
//
//go:nosplit
func (t *Table) Lookup(tid int32) *Context {
	h := hashTID(tid)
	for i := uint64(0); i < maxProbes; i++ {
		idx := (h + i) & (tableSize - 1)
		c := t.slots[idx].Load()
		if c == nil {
			// Probe chains never skip a never-used slot, so the tid
			// cannot be further along.
			return nil
		}
		if c != tombstone && c.tid == tid {
			return c
		}
	}
	return nil
}

// Detach removes tid from the table. It reports whether a context was
// removed. The Context itself stays valid for readers that still hold
// it; only the table slot is recycled.
func (t *Table) Detach(tid int32) bool {
	h := hashTID(tid)
	for i := uint64(0); i < maxProbes; i++ {
		idx := (h + i) & (tableSize - 1)
		c := t.slots[idx].Load()
		if c == nil {
			return false
		}
		if c != tombstone && c.tid == tid {
			if t.slots[idx].CompareAndSwap(c, tombstone) {
				t.count.Add(-1)
				return true
			}
			return false
		}
	}
	return false
}

// ForEach calls fn for every attached context until fn returns false.
// Contexts attached or detached while the walk runs may or may not be
// visited.
func (t *Table) ForEach(fn func(*Context) bool) {
	for i := range t.slots {
		c := t.slots[i].Load()
		if c == nil || c == tombstone {
			continue
		}
		if !fn(c) {
			return
		}
	}
}

// Len returns the number of attached threads.
func (t *Table) Len() int { return int(t.count.Load()) }

// CurrentTID returns the caller's kernel thread id through a raw
// syscall, safe in signal context.
//
//go:nosplit
func CurrentTID() int32 {
	tid, _, _ := unix.RawSyscall(unix.SYS_GETTID, 0, 0, 0)
	return int32(tid)
}

// Current returns the Context of the calling thread, or nil when it
// never attached.
//
//go:nosplit
func (t *Table) Current() *Context {
	return t.Lookup(CurrentTID())
}
