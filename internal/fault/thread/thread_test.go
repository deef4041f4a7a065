package thread

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"unsafe"
)

func TestStateTransitions(t *testing.T) {
	var c Context
	if got := c.GetState(); got != StateNative {
		t.Errorf("initial state = %v, want native", got)
	}
	c.SetState(StateRunnable)
	if got := c.GetState(); got != StateRunnable {
		t.Errorf("state = %v, want runnable", got)
	}
	c.SetState(StateSuspended)
	if got := c.GetState(); got != StateSuspended {
		t.Errorf("state = %v, want suspended", got)
	}
	for s, want := range map[State]string{
		StateNative: "native", StateRunnable: "runnable",
		StateSuspended: "suspended", State(99): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestMutatorCounting(t *testing.T) {
	var c Context
	if c.HoldsSharedMutator() {
		t.Error("fresh context claims mutator lock")
	}
	c.AcquireSharedMutator()
	c.AcquireSharedMutator()
	c.ReleaseSharedMutator()
	if !c.HoldsSharedMutator() {
		t.Error("nested hold lost after one release")
	}
	c.ReleaseSharedMutator()
	if c.HoldsSharedMutator() {
		t.Error("mutator lock still held after balanced releases")
	}
}

func TestSuspendTrigger(t *testing.T) {
	var c Context
	c.ClearSuspend()

	// Disarmed: trigger points at real readable memory inside the
	// context, so a poll load succeeds.
	addr := c.TriggerAddr()
	if addr == 0 {
		t.Fatal("disarmed trigger is zero")
	}
	if addr != uintptr(unsafe.Pointer(&c.pollWord)) {
		t.Errorf("disarmed trigger = %#x, want &pollWord %#x",
			addr, uintptr(unsafe.Pointer(&c.pollWord)))
	}
	_ = *(*uint64)(unsafe.Pointer(addr)) // must not fault

	c.TriggerSuspend()
	if !c.SuspendPending() {
		t.Error("suspend not pending after TriggerSuspend")
	}
	if got := c.TriggerAddr(); got != 0 {
		t.Errorf("armed trigger = %#x, want 0", got)
	}

	c.ClearSuspend()
	if c.SuspendPending() {
		t.Error("suspend still pending after ClearSuspend")
	}
	if c.TriggerAddr() == 0 {
		t.Error("trigger still armed after ClearSuspend")
	}
}

func TestOccupancyQuiescence(t *testing.T) {
	var c Context

	// Outside the dispatcher: any snapshot is immediately quiescent.
	snap := c.OccupancySnapshot()
	if !c.Quiescent(snap) {
		t.Error("idle thread not quiescent")
	}

	c.EnterDispatch()
	if !c.InDispatch() {
		t.Error("InDispatch false inside dispatch")
	}
	snap = c.OccupancySnapshot()
	if c.Quiescent(snap) {
		t.Error("thread quiescent while inside the dispatcher")
	}

	c.ExitDispatch()
	if c.InDispatch() {
		t.Error("InDispatch true after exit")
	}
	if !c.Quiescent(snap) {
		t.Error("thread not quiescent after leaving the dispatcher")
	}

	// Re-entering later also counts as having passed a quiescent point.
	c.EnterDispatch()
	if !c.Quiescent(snap) {
		t.Error("old snapshot must stay quiescent after a full exit/enter cycle")
	}
	c.ExitDispatch()
}

func TestTableAttachLookupDetach(t *testing.T) {
	var tab Table

	c, err := tab.Attach(42)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if c.TID() != 42 {
		t.Errorf("TID = %d, want 42", c.TID())
	}
	if got := tab.Lookup(42); got != c {
		t.Errorf("Lookup(42) = %p, want %p", got, c)
	}
	if got := tab.Lookup(43); got != nil {
		t.Errorf("Lookup(43) = %p, want nil", got)
	}

	if _, err := tab.Attach(42); !errors.Is(err, ErrAttached) {
		t.Errorf("second Attach err = %v, want ErrAttached", err)
	}

	if !tab.Detach(42) {
		t.Error("Detach(42) = false")
	}
	if tab.Detach(42) {
		t.Error("second Detach(42) = true")
	}
	if got := tab.Lookup(42); got != nil {
		t.Errorf("Lookup after Detach = %p, want nil", got)
	}
	if tab.Len() != 0 {
		t.Errorf("Len = %d, want 0", tab.Len())
	}
}

// TestTableTombstoneReuse detaches and reattaches through the same
// probe chains, which exercises tombstone recycling.
func TestTableTombstoneReuse(t *testing.T) {
	var tab Table
	for tid := int32(1); tid <= 100; tid++ {
		if _, err := tab.Attach(tid); err != nil {
			t.Fatalf("Attach(%d): %v", tid, err)
		}
	}
	for tid := int32(1); tid <= 100; tid += 2 {
		if !tab.Detach(tid) {
			t.Fatalf("Detach(%d) failed", tid)
		}
	}
	for tid := int32(1); tid <= 100; tid += 2 {
		if _, err := tab.Attach(tid); err != nil {
			t.Fatalf("re-Attach(%d): %v", tid, err)
		}
	}
	for tid := int32(1); tid <= 100; tid++ {
		c := tab.Lookup(tid)
		if c == nil || c.TID() != tid {
			t.Fatalf("Lookup(%d) after churn = %v", tid, c)
		}
	}
	if got := tab.Len(); got != 100 {
		t.Errorf("Len = %d, want 100", got)
	}
}

func TestTableForEach(t *testing.T) {
	var tab Table
	for tid := int32(10); tid < 20; tid++ {
		tab.Attach(tid)
	}
	seen := make(map[int32]bool)
	tab.ForEach(func(c *Context) bool {
		seen[c.TID()] = true
		return true
	})
	if len(seen) != 10 {
		t.Errorf("ForEach visited %d contexts, want 10", len(seen))
	}

	n := 0
	tab.ForEach(func(*Context) bool {
		n++
		return false
	})
	if n != 1 {
		t.Errorf("early-stop walk visited %d, want 1", n)
	}
}

func TestTableConcurrent(t *testing.T) {
	var tab Table
	var wg sync.WaitGroup
	const perWorker = 50
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int32) {
			defer wg.Done()
			for i := int32(0); i < perWorker; i++ {
				tid := base*perWorker + i + 1
				if _, err := tab.Attach(tid); err != nil {
					t.Errorf("Attach(%d): %v", tid, err)
					return
				}
				if tab.Lookup(tid) == nil {
					t.Errorf("Lookup(%d) lost own attach", tid)
					return
				}
				if i%2 == 0 {
					tab.Detach(tid)
				}
			}
		}(int32(w))
	}
	wg.Wait()
	if got := tab.Len(); got != 8*perWorker/2 {
		t.Errorf("Len = %d, want %d", got, 8*perWorker/2)
	}
}

func TestCurrentTID(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := CurrentTID()
	if tid <= 0 {
		t.Fatalf("CurrentTID = %d", tid)
	}
	if again := CurrentTID(); again != tid {
		t.Errorf("CurrentTID unstable on locked thread: %d then %d", tid, again)
	}

	var tab Table
	c, err := tab.Attach(tid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := tab.Current(); got != c {
		t.Errorf("Current() = %p, want %p", got, c)
	}
}
