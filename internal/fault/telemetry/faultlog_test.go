package telemetry

import (
	"sync"
	"testing"
)

func TestRecordDedup(t *testing.T) {
	var l FaultLog

	l.Record(KindNullCheck, 0x1000, 0x18)
	l.Record(KindNullCheck, 0x1000, 0x18)
	l.Record(KindNullCheck, 0x1000, 0x18)
	l.Record(KindSuspendCheck, 0x2000, 0)

	snap := l.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() returned %d records, want 2", len(snap))
	}
	// Sorted by count descending.
	if snap[0].PC != 0x1000 || snap[0].Count != 3 {
		t.Errorf("top record = {pc %#x, count %d}, want {0x1000, 3}", snap[0].PC, snap[0].Count)
	}
	if snap[0].Kind != KindNullCheck {
		t.Errorf("top record kind = %v, want %v", snap[0].Kind, KindNullCheck)
	}
	if snap[1].PC != 0x2000 || snap[1].Count != 1 {
		t.Errorf("second record = {pc %#x, count %d}, want {0x2000, 1}", snap[1].PC, snap[1].Count)
	}
}

func TestRecordDistinguishesAddr(t *testing.T) {
	var l FaultLog
	l.Record(KindNullCheck, 0x1000, 0x8)
	l.Record(KindNullCheck, 0x1000, 0x10)

	if got := len(l.Snapshot()); got != 2 {
		t.Errorf("same pc, different addr: %d records, want 2", got)
	}
}

func TestRecordConcurrent(t *testing.T) {
	var l FaultLog
	const (
		workers = 8
		perSite = 1000
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perSite; i++ {
				l.Record(KindNullCheck, 0x1000, 0x18)
				l.Record(KindStackOverflow, uintptr(0x4000+w*0x100), 0xdead)
			}
		}(w)
	}
	wg.Wait()

	var sharedCount uint64
	for _, rec := range l.Snapshot() {
		if rec.PC == 0x1000 {
			sharedCount += rec.Count
		}
	}
	if sharedCount != workers*perSite {
		t.Errorf("shared site count = %d, want %d", sharedCount, workers*perSite)
	}
	if l.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", l.Dropped())
	}
}

func TestReset(t *testing.T) {
	var l FaultLog
	l.Record(KindOther, 0x1000, 0)
	l.Reset()
	if got := len(l.Snapshot()); got != 0 {
		t.Errorf("after Reset: %d records, want 0", got)
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindNullCheck, "null_check"},
		{KindSuspendCheck, "suspend_check"},
		{KindStackOverflow, "stack_overflow"},
		{KindOther, "other"},
		{KindUnclaimed, "unclaimed"},
		{Kind(200), "invalid"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
