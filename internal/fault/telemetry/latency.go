package telemetry

import (
	"sync/atomic"

	"github.com/aclements/go-moremath/stats"
)

const (
	ringBits = 10
	ringSize = 1 << ringBits // dispatch latency samples retained
)

// LatencyRing keeps the most recent dispatch latencies in a fixed ring.
//
// Record runs on the dispatch path: one atomic add for the slot index,
// one store for the sample. Old samples are overwritten; the ring is a
// window, not a history.
type LatencyRing struct {
	samples [ringSize]atomic.Int64
	n       atomic.Uint64
}

// Record stores one latency in nanoseconds. Signal context safe.
//
//go:nosplit
func (r *LatencyRing) Record(ns int64) {
	idx := r.n.Add(1) - 1
	r.samples[idx&(ringSize-1)].Store(ns)
}

// Count returns the number of dispatches recorded since creation,
// including samples the ring has already overwritten.
func (r *LatencyRing) Count() uint64 { return r.n.Load() }

// LatencySummary describes the retained window. All durations in
// nanoseconds.
type LatencySummary struct {
	Count uint64 // total recorded, window plus overwritten
	Mean  float64
	P50   float64
	P90   float64
	P99   float64
	Max   float64
}

// Summary computes the window statistics. Reporting side only; samples
// recorded concurrently may or may not be included.
func (r *LatencyRing) Summary() LatencySummary {
	total := r.n.Load()
	held := total
	if held > ringSize {
		held = ringSize
	}
	if held == 0 {
		return LatencySummary{}
	}

	xs := make([]float64, held)
	for i := uint64(0); i < held; i++ {
		xs[i] = float64(r.samples[i].Load())
	}
	s := stats.Sample{Xs: xs}
	return LatencySummary{
		Count: total,
		Mean:  s.Mean(),
		P50:   s.Quantile(0.50),
		P90:   s.Quantile(0.90),
		P99:   s.Quantile(0.99),
		Max:   s.Quantile(1),
	}
}
