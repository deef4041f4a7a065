//go:build linux && (amd64 || arm64)

// report.go implements the 'faulthandler report' command.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/pprof/profile"
)

// reportCommand implements the 'faulthandler report' command.
//
// It parses a gzipped pprof profile exported by the layer's telemetry
// (WriteFaultProfile) and prints the busiest fault sites: hit count,
// fault kind, fault PC, accessed address and symbol when the exporter
// had one.
//
// Example:
//
//	faulthandler report faults.pb.gz
//	faulthandler report -top 5 faults.pb.gz
func reportCommand(args []string) {
	top := 20
	var path string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-top", "--top":
			if i+1 >= len(args) {
				fmt.Fprintf(os.Stderr, "Error: -top requires a value\n")
				os.Exit(1)
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "Error: invalid -top value %q\n", args[i+1])
				os.Exit(1)
			}
			top = n
			i++
		default:
			if path != "" {
				fmt.Fprintf(os.Stderr, "Error: multiple profile paths given\n")
				os.Exit(1)
			}
			path = args[i]
		}
	}
	if path == "" {
		fmt.Fprintf(os.Stderr, "Error: no profile path given\n")
		fmt.Fprintf(os.Stderr, "Usage: faulthandler report [-top N] <profile>\n")
		os.Exit(1)
	}

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if err := writeReport(os.Stdout, f, top); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// faultSite is one row of the report, extracted from a profile sample.
type faultSite struct {
	count  int64
	kind   string
	pc     uint64
	addr   int64
	symbol string
}

// writeReport parses a fault profile from r and prints up to top sites
// to w, busiest first.
func writeReport(w io.Writer, r io.Reader, top int) error {
	p, err := profile.Parse(r)
	if err != nil {
		return fmt.Errorf("parsing profile: %w", err)
	}

	sites, total := extractSites(p)
	sort.SliceStable(sites, func(i, j int) bool { return sites[i].count > sites[j].count })

	fmt.Fprintf(w, "fault sites: %d, total faults: %d\n\n", len(sites), total)
	if len(sites) == 0 {
		return nil
	}
	fmt.Fprintf(w, "%8s  %-14s  %-18s  %-18s  %s\n", "COUNT", "KIND", "PC", "ADDRESS", "SYMBOL")
	for i, s := range sites {
		if i >= top {
			fmt.Fprintf(w, "... and %d more\n", len(sites)-top)
			break
		}
		fmt.Fprintf(w, "%8d  %-14s  %#-18x  %#-18x  %s\n", s.count, s.kind, s.pc, s.addr, s.symbol)
	}
	return nil
}

// extractSites converts profile samples into report rows.
func extractSites(p *profile.Profile) (sites []faultSite, total int64) {
	for _, sample := range p.Sample {
		if len(sample.Value) == 0 {
			continue
		}
		s := faultSite{count: sample.Value[0]}
		if kinds := sample.Label["kind"]; len(kinds) > 0 {
			s.kind = kinds[0]
		}
		if addrs := sample.NumLabel["address"]; len(addrs) > 0 {
			s.addr = addrs[0]
		}
		if len(sample.Location) > 0 {
			loc := sample.Location[0]
			s.pc = loc.Address
			var names []string
			for _, line := range loc.Line {
				if line.Function != nil && line.Function.Name != "" {
					names = append(names, line.Function.Name)
				}
			}
			s.symbol = strings.Join(names, ",")
		}
		total += s.count
		sites = append(sites, s)
	}
	return sites, total
}
