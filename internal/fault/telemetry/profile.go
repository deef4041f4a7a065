package telemetry

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// Symbolizer names a fault PC for profile output. Nil is allowed
// everywhere a Symbolizer is accepted; locations then carry only raw
// addresses.
type Symbolizer func(pc uintptr) string

// BuildProfile renders deduplicated fault records as a pprof profile:
// one sample per fault site, valued by hit count, with the fault kind
// and accessed address attached as labels. The usual pprof tooling then
// sorts, filters and visualizes fault hotspots like any other profile.
func BuildProfile(records []FaultRecord, sym Symbolizer) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "faults", Unit: "count"},
		},
		TimeNanos: time.Now().UnixNano(),
	}

	funcs := make(map[string]*profile.Function)
	for _, rec := range records {
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Address: uint64(rec.PC),
		}
		if sym != nil {
			if name := sym(rec.PC); name != "" {
				fn, ok := funcs[name]
				if !ok {
					fn = &profile.Function{
						ID:   uint64(len(p.Function) + 1),
						Name: name,
					}
					funcs[name] = fn
					p.Function = append(p.Function, fn)
				}
				loc.Line = []profile.Line{{Function: fn}}
			}
		}
		p.Location = append(p.Location, loc)

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(rec.Count)},
			Label:    map[string][]string{"kind": {rec.Kind.String()}},
			NumLabel: map[string][]int64{"address": {int64(rec.Addr)}},
		})
	}
	return p
}

// WriteProfile serializes the records as a gzipped pprof protobuf.
func WriteProfile(w io.Writer, records []FaultRecord, sym Symbolizer) error {
	p := BuildProfile(records, sym)
	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("building fault profile: %w", err)
	}
	if err := p.Write(w); err != nil {
		return fmt.Errorf("writing fault profile: %w", err)
	}
	return nil
}
