//go:build linux && (amd64 || arm64)

// Package fault is the public API of the hardware-fault interception
// layer.
//
// See doc.go for the architecture overview and usage examples.
package fault

import (
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kolkov/faulthandler/internal/fault/manager"
	"github.com/kolkov/faulthandler/internal/fault/method"
	"github.com/kolkov/faulthandler/internal/fault/sigchain"
	"github.com/kolkov/faulthandler/internal/fault/sigctx"
	"github.com/kolkov/faulthandler/internal/fault/telemetry"
	"github.com/kolkov/faulthandler/internal/fault/thread"
)

// Aliases re-exporting the types an embedding runtime works with, so
// it never has to name an internal package.
type (
	// Handler is one fault handler consulted during dispatch.
	Handler = manager.Handler
	// SignalInfo is the decoded siginfo of a delivered fault.
	SignalInfo = sigctx.Info
	// SignalContext is the decoded machine context of a delivered
	// fault.
	SignalContext = sigctx.UContext64
	// ThreadContext is the per-thread execution state record.
	ThreadContext = thread.Context
	// ThreadState is the coarse execution state of an attached thread.
	ThreadState = thread.State
	// CompiledUnit describes one unit of runtime-generated code.
	CompiledUnit = method.CompiledUnit
	// TypeDesc is a node in a unit's owning-type descriptor chain.
	TypeDesc = method.TypeDesc
	// PositionResolver maps return addresses to code positions.
	PositionResolver = method.PositionResolver
	// FaultRecord is one deduplicated fault site from telemetry.
	FaultRecord = telemetry.FaultRecord
	// LatencySummary describes recent dispatch latencies.
	LatencySummary = telemetry.LatencySummary

	// NullPointerHandler recovers implicit null checks.
	NullPointerHandler = manager.NullPointerHandler
	// SuspensionHandler recovers armed suspend polls.
	SuspensionHandler = manager.SuspensionHandler
	// StackOverflowHandler recovers guard-region hits.
	StackOverflowHandler = manager.StackOverflowHandler
	// StackTraceHandler dumps compiled frames on crashes in generated
	// code; it never claims.
	StackTraceHandler = manager.StackTraceHandler
)

// Thread execution states, re-exported for embedders driving
// ThreadContext.SetState.
const (
	// StateNative: running runtime or native code.
	StateNative = thread.StateNative
	// StateRunnable: running compiled code, faults eligible for
	// recovery.
	StateRunnable = thread.StateRunnable
	// StateSuspended: parked at a suspend point.
	StateSuspended = thread.StateSuspended
)

// Options configures the fault layer at Init.
type Options struct {
	// Trampoline is the raw SA_SIGINFO-compatible entry address the
	// signal slots are claimed with. The trampoline must recover the
	// manager through Entry. Required unless the embedding runtime
	// supplies its own chaining below this package.
	Trampoline uintptr

	// HandleBus also claims the SIGBUS slot.
	HandleBus bool

	// SkipPositionCheck relaxes the null-pointer handler: by default it
	// claims only when the return address resolves to a recorded code
	// position.
	SkipPositionCheck bool

	// ImplicitCheckCeiling bounds implicit null-check fault addresses.
	// Zero means one page.
	ImplicitCheckCeiling uintptr

	// StackGuardSize is the guard span below the stack pointer that
	// classifies a fault as stack overflow. Zero means one page.
	StackGuardSize uintptr

	// TraceSignals enables signal-context dispatch tracing to stderr.
	TraceSignals bool

	// Telemetry enables fault-site and latency recording.
	Telemetry bool

	// Logger receives registration-world logging. Nil selects the
	// logrus standard logger.
	Logger *logrus.Logger
}

// proc holds the process-wide manager between Init and Shutdown.
var proc struct {
	mu sync.Mutex
	m  *manager.Manager
}

// testChain substitutes the signal-chain implementation in tests; nil
// selects the kernel-backed chain.
var testChain sigchain.Chain

// Init installs the fault layer: claims the signal slots, registers
// the membarrier intent, and makes the manager available to the signal
// trampoline. Must be called once per lifecycle; a second Init without
// an intervening Shutdown is fatal.
//
// The environment variable FAULTHANDLER_TRACE=signals enables dispatch
// tracing regardless of Options.
func Init(o Options) error {
	if os.Getenv("FAULTHANDLER_TRACE") == "signals" {
		o.TraceSignals = true
	}
	m := manager.New(manager.Options{
		Chain:                testChain,
		Trampoline:           o.Trampoline,
		HandleBus:            o.HandleBus,
		SkipPositionCheck:    o.SkipPositionCheck,
		ImplicitCheckCeiling: o.ImplicitCheckCeiling,
		StackGuardSize:       o.StackGuardSize,
		TraceSignals:         o.TraceSignals,
		Telemetry:            o.Telemetry,
		Logger:               o.Logger,
	})
	if err := m.Init(); err != nil {
		return err
	}
	proc.mu.Lock()
	proc.m = m
	proc.mu.Unlock()
	return nil
}

// current returns the live manager, or nil between Shutdown and the
// next Init.
func current() *manager.Manager {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return proc.m
}

// mustCurrent is current for operations that are programming errors
// before Init.
func mustCurrent() *manager.Manager {
	m := current()
	if m == nil {
		logrus.Fatal("fault: layer not initialized; call Init first")
	}
	return m
}

// Release uninstalls from the signal slots without dropping handlers
// or ranges. Idempotent; no-op before Init.
func Release() {
	if m := current(); m != nil {
		m.Release()
	}
}

// Shutdown releases the signal slots, drops every handler and drains
// every range. Idempotent; no-op before Init. Init may be called again
// afterwards.
func Shutdown() {
	proc.mu.Lock()
	m := proc.m
	proc.m = nil
	proc.mu.Unlock()
	if m != nil {
		m.Shutdown()
	}
}

// AddHandler registers handler in the generated-code bucket or, when
// generatedCode is false, the diagnostic bucket.
func AddHandler(h Handler, generatedCode bool) {
	mustCurrent().AddHandler(h, generatedCode)
}

// RemoveHandler unregisters handler; fatal if it was never added.
func RemoveHandler(h Handler) {
	mustCurrent().RemoveHandler(h)
}

// InstallDefaultHandlers registers the three recovery handlers and the
// diagnostic stack-trace handler in their conventional order.
func InstallDefaultHandlers() {
	m := mustCurrent()
	manager.NewNullPointerHandler(m)
	manager.NewSuspensionHandler(m)
	manager.NewStackOverflowHandler(m)
	manager.NewStackTraceHandler(m)
}

// AddGeneratedCodeRange registers [start, start+size) as generated
// executable code.
func AddGeneratedCodeRange(start, size uintptr) {
	mustCurrent().AddGeneratedCodeRange(start, size)
}

// RemoveGeneratedCodeRange unregisters a range added with exactly this
// start and size; unknown start or mismatched size is fatal. On
// return, no fault can classify into the removed range and the caller
// may unmap the code.
func RemoveGeneratedCodeRange(start, size uintptr) {
	mustCurrent().RemoveGeneratedCodeRange(start, size)
}

// AttachCurrentThread registers the calling OS thread with the fault
// layer. The caller must keep the goroutine locked to its thread for
// as long as the context is used.
func AttachCurrentThread() (*ThreadContext, error) {
	return mustCurrent().Threads().Attach(thread.CurrentTID())
}

// DetachCurrentThread unregisters the calling OS thread.
func DetachCurrentThread() {
	mustCurrent().Threads().Detach(thread.CurrentTID())
}

// MarkRuntimeStarted tells the fault layer the embedding runtime's
// thread machinery is up; range removal then uses the checkpoint
// rendezvous for safe reclamation.
func MarkRuntimeStarted() {
	mustCurrent().MarkStarted()
}

// Entry is the funnel a signal trampoline calls with the raw pointers
// an SA_SIGINFO handler receives.
//
//go:nosplit
func Entry(sig int32, info, ctx unsafe.Pointer) {
	if m := manager.Active(); m != nil {
		m.Entry(unix.Signal(sig), info, ctx)
	}
}

// HandleFault runs dispatch on decoded values and reports whether a
// handler claimed the fault. Intended for embedding runtimes with
// their own trampoline and chaining.
func HandleFault(sig int32, info *SignalInfo, ctx *SignalContext) bool {
	m := current()
	if m == nil {
		return false
	}
	return m.HandleFault(unix.Signal(sig), info, ctx)
}

// Faults returns the deduplicated fault sites recorded since Init,
// busiest first. Empty unless Options.Telemetry was set.
func Faults() []FaultRecord {
	return mustCurrent().Faults().Snapshot()
}

// DispatchLatency summarizes recent dispatch latencies.
func DispatchLatency() LatencySummary {
	return mustCurrent().Latency().Summary()
}

// WriteFaultProfile serializes the recorded fault sites as a gzipped
// pprof profile. sym may be nil; locations then carry raw addresses
// only.
func WriteFaultProfile(w io.Writer, sym func(pc uintptr) string) error {
	return telemetry.WriteProfile(w, Faults(), sym)
}

// SetTracing flips signal-context dispatch tracing at runtime.
func SetTracing(on bool) {
	manager.SetTracing(on)
}
