package checkpoint

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/kolkov/faulthandler/internal/fault/thread"
)

func TestRunIdle(t *testing.T) {
	var tab thread.Table
	for tid := int32(1); tid <= 4; tid++ {
		if _, err := tab.Attach(tid); err != nil {
			t.Fatal(err)
		}
	}
	done := make(chan struct{})
	go func() {
		Run(&tab)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked with no thread in the dispatcher")
	}
}

func TestRunWaitsForDispatcher(t *testing.T) {
	var tab thread.Table
	c, err := tab.Attach(7)
	if err != nil {
		t.Fatal(err)
	}

	c.EnterDispatch()
	var finished atomic.Bool
	done := make(chan struct{})
	go func() {
		Run(&tab)
		finished.Store(true)
		close(done)
	}()

	// Give the waiter a real chance to finish early if it were broken.
	time.Sleep(50 * time.Millisecond)
	if finished.Load() {
		t.Fatal("Run returned while a thread was inside the dispatcher")
	}

	c.ExitDispatch()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the thread left the dispatcher")
	}
}

func TestRunWithinTimesOut(t *testing.T) {
	var tab thread.Table
	c, err := tab.Attach(9)
	if err != nil {
		t.Fatal(err)
	}
	c.EnterDispatch()
	defer c.ExitDispatch()

	start := time.Now()
	if RunWithin(&tab, 30*time.Millisecond) {
		t.Fatal("RunWithin reported quiescence for an occupied dispatcher")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("RunWithin overshot its deadline: %v", elapsed)
	}
}

func TestRunWithinSucceeds(t *testing.T) {
	var tab thread.Table
	if _, err := tab.Attach(11); err != nil {
		t.Fatal(err)
	}
	if !RunWithin(&tab, time.Second) {
		t.Fatal("RunWithin timed out with idle threads")
	}
}
