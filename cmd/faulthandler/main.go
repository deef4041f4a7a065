//go:build linux && (amd64 || arm64)

// Package main implements the faulthandler CLI tool.
//
// The faulthandler tool inspects the environment the fault interception
// layer runs in and post-processes the telemetry it produces. It has no
// role at fault time; everything here runs as an ordinary process.
//
// Usage:
//
//	faulthandler probe              # Check host support for fault interception
//	faulthandler report faults.pb.gz  # Summarize an exported fault profile
//
// The probe command answers "will Init work here, and in which mode"
// before an embedding runtime commits to implicit checks. The report
// command digests the gzipped pprof profile written by the layer's
// telemetry export.
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "probe":
		probeCommand(os.Args[2:])
	case "report":
		reportCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("faulthandler version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`faulthandler - Hardware Fault Interception Layer Tool

USAGE:
    faulthandler <command> [arguments]

COMMANDS:
    probe      Check host support for fault interception
    report     Summarize an exported fault profile
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Check whether this kernel supports full-speed operation
    faulthandler probe

    # Show the busiest fault sites from an exported profile
    faulthandler report faults.pb.gz

    # Show the top 5 sites only
    faulthandler report -top 5 faults.pb.gz
`)
}
