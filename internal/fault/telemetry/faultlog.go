// Package telemetry collects what the fault dispatcher observed, under
// signal-context rules on the recording side and with ordinary tooling
// on the reporting side.
//
// Recording happens inside the dispatcher: lock-free, allocation-free,
// into preallocated tables. Reporting happens on normal goroutines and
// may allocate, sort, log and serialize freely. Nothing here is
// consulted by dispatch decisions; losing telemetry under pressure is
// explicitly fine, and the tables shed load by counting drops instead
// of blocking.
package telemetry

import "sync/atomic"

// Kind classifies what the dispatcher concluded about a fault.
type Kind uint8

const (
	// KindNullCheck: claimed as an implicit null check.
	KindNullCheck Kind = iota
	// KindSuspendCheck: claimed as a suspend poll.
	KindSuspendCheck
	// KindStackOverflow: claimed as a stack overflow probe.
	KindStackOverflow
	// KindOther: claimed by a handler outside the generated-code set.
	KindOther
	// KindUnclaimed: nothing claimed it; handed back to the previous
	// disposition.
	KindUnclaimed

	kindCount
)

// String returns the label used in logs and profile tags.
func (k Kind) String() string {
	switch k {
	case KindNullCheck:
		return "null_check"
	case KindSuspendCheck:
		return "suspend_check"
	case KindStackOverflow:
		return "stack_overflow"
	case KindOther:
		return "other"
	case KindUnclaimed:
		return "unclaimed"
	default:
		return "invalid"
	}
}

const (
	logBits   = 9
	logSize   = 1 << logBits // distinct fault sites kept
	logProbes = 8
	hashGamma = 0x9E3779B97F4A7C15
)

// entry states. An entry moves empty -> claiming -> live exactly once;
// live entries never change key.
const (
	slotEmpty uint32 = iota
	slotClaiming
	slotLive
)

type faultEntry struct {
	state atomic.Uint32
	pc    uintptr
	addr  uintptr
	count atomic.Uint64
	kind  atomic.Uint32
}

// FaultLog deduplicates faults by (pc, addr) into a fixed table.
//
// Record is lock-free and never allocates. Two threads recording the
// same new key at the same instant may claim two slots for it; Snapshot
// merges such duplicates, keeping the fast path unsynchronized.
type FaultLog struct {
	entries [logSize]faultEntry
	dropped atomic.Uint64
}

func mixKey(pc, addr uintptr) uint64 {
	x := uint64(pc) ^ (uint64(addr)<<32 | uint64(addr)>>32)
	return x * hashGamma >> (64 - logBits)
}

// Record counts one fault at (pc, addr). When the probe window has no
// slot for a new key, the fault is counted as dropped rather than
// blocking.
func (l *FaultLog) Record(kind Kind, pc, addr uintptr) {
	h := mixKey(pc, addr)
	for i := uint64(0); i < logProbes; i++ {
		e := &l.entries[(h+i)&(logSize-1)]
		switch e.state.Load() {
		case slotLive:
			if e.pc == pc && e.addr == addr {
				e.count.Add(1)
				e.kind.Store(uint32(kind))
				return
			}
		case slotEmpty:
			if e.state.CompareAndSwap(slotEmpty, slotClaiming) {
				e.pc, e.addr = pc, addr
				e.kind.Store(uint32(kind))
				e.count.Store(1)
				e.state.Store(slotLive)
				return
			}
		}
		// Claiming, or live with a different key: probe on.
	}
	l.dropped.Add(1)
}

// FaultRecord is one deduplicated fault site.
type FaultRecord struct {
	PC    uintptr
	Addr  uintptr
	Count uint64
	Kind  Kind
}

// Snapshot returns the live entries merged by key and sorted by count,
// highest first. Reporting side only.
func (l *FaultLog) Snapshot() []FaultRecord {
	type key struct{ pc, addr uintptr }
	merged := make(map[key]*FaultRecord)
	var order []*FaultRecord
	for i := range l.entries {
		e := &l.entries[i]
		if e.state.Load() != slotLive {
			continue
		}
		k := key{e.pc, e.addr}
		if r, ok := merged[k]; ok {
			r.Count += e.count.Load()
			continue
		}
		r := &FaultRecord{
			PC:    e.pc,
			Addr:  e.addr,
			Count: e.count.Load(),
			Kind:  Kind(e.kind.Load()),
		}
		merged[k] = r
		order = append(order, r)
	}

	out := make([]FaultRecord, len(order))
	for i, r := range order {
		out[i] = *r
	}
	// Insertion sort by descending count; the table is small and
	// mostly sorted runs do not matter here.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Count > out[j-1].Count; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Dropped returns the number of faults that found no slot.
func (l *FaultLog) Dropped() uint64 { return l.dropped.Load() }

// Reset clears the table. Callers must guarantee no concurrent Record.
func (l *FaultLog) Reset() {
	for i := range l.entries {
		e := &l.entries[i]
		e.state.Store(slotEmpty)
		e.pc, e.addr = 0, 0
		e.count.Store(0)
		e.kind.Store(0)
	}
	l.dropped.Store(0)
}
