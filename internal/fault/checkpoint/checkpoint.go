// Package checkpoint implements the quiescence rendezvous used before
// reclaiming memory that lock-free readers may still be traversing.
//
// The fault dispatcher walks the range registry without taking locks,
// so unlinking a range from the registry does not prove that no thread
// is still standing on the unlinked node. Each thread context counts
// dispatcher entries and exits; Run snapshots those counters and waits
// until every thread has been seen outside the dispatcher at least once
// after the snapshot. Memory unlinked before Run began is unreachable
// to any reader once Run returns.
package checkpoint

import (
	"runtime"
	"time"

	"github.com/kolkov/faulthandler/internal/fault/thread"
)

// snapshot pairs a context with its occupancy token.
type snapshot struct {
	ctx *thread.Context
	tok uint64
}

// Run blocks until every thread currently attached to tab has passed a
// quiescent point. Threads that attach while Run is waiting are of no
// concern: they cannot have observed anything unlinked before the call.
//
// The wait spins through the scheduler first and falls back to short
// sleeps, since a thread inside the dispatcher is mid-signal and will
// leave within microseconds unless it is about to abort the process
// anyway.
func Run(tab *thread.Table) {
	snaps := make([]snapshot, 0, tab.Len())
	tab.ForEach(func(c *thread.Context) bool {
		snaps = append(snaps, snapshot{c, c.OccupancySnapshot()})
		return true
	})

	for _, s := range snaps {
		for spin := 0; !s.ctx.Quiescent(s.tok); spin++ {
			if spin < 100 {
				runtime.Gosched()
				continue
			}
			time.Sleep(10 * time.Microsecond)
		}
	}
}

// RunWithin is Run with a deadline, for shutdown paths that must not
// hang on a wedged thread. It reports whether quiescence was reached.
func RunWithin(tab *thread.Table, d time.Duration) bool {
	deadline := time.Now().Add(d)
	snaps := make([]snapshot, 0, tab.Len())
	tab.ForEach(func(c *thread.Context) bool {
		snaps = append(snaps, snapshot{c, c.OccupancySnapshot()})
		return true
	})

	for _, s := range snaps {
		for spin := 0; !s.ctx.Quiescent(s.tok); spin++ {
			if time.Now().After(deadline) {
				return false
			}
			if spin < 100 {
				runtime.Gosched()
				continue
			}
			time.Sleep(10 * time.Microsecond)
		}
	}
	return true
}
