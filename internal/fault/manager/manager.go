//go:build linux && (amd64 || arm64)

// Package manager implements the process-wide fault manager: the
// coordinator that owns the generated-code range registry, the two
// ordered handler lists, and the dispatch protocol run when the kernel
// delivers a memory fault.
//
// Exactly one Manager is active per process. The raw signal trampoline
// cannot carry an argument, so it reaches the instance through the
// Active accessor; everything else receives the Manager explicitly.
//
// Two worlds meet here and the split is strict. Registration calls
// (Init, AddHandler, AddGeneratedCodeRange, ...) run on ordinary
// goroutines: they may allocate, lock, and log through logrus. Dispatch
// (Entry, HandleFault, IsInGeneratedCode) runs in signal context on
// whatever thread faulted: no allocation, no locks, no logging beyond
// the preallocated trace writer. The handler lists are mutated only by
// the registration world and read without synchronization by the
// dispatch world, which is sound because the embedding runtime
// sequences registration before the corresponding code can run.
package manager

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kolkov/faulthandler/internal/fault/checkpoint"
	"github.com/kolkov/faulthandler/internal/fault/membarrier"
	"github.com/kolkov/faulthandler/internal/fault/ranges"
	"github.com/kolkov/faulthandler/internal/fault/sigchain"
	"github.com/kolkov/faulthandler/internal/fault/sigctx"
	"github.com/kolkov/faulthandler/internal/fault/telemetry"
	"github.com/kolkov/faulthandler/internal/fault/thread"
)

// fatalf aborts the process on a programming error: removing a handler
// that was never added, unregistering an unknown range, double Init.
// These are collaborator bugs, not runtime conditions, so they crash
// like a failed assertion. Tests swap the seam to observe the message.
var fatalf = func(format string, args ...any) {
	logrus.Fatalf(format, args...)
}

// Options configures a Manager at construction.
type Options struct {
	// Chain is the signal-slot adapter. Nil selects the kernel-backed
	// chain; embedders with their own chaining library substitute it.
	Chain sigchain.Chain

	// Trampoline is the raw code address installed into the claimed
	// signal slots. It must be an SA_SIGINFO-compatible entry that
	// recovers the Manager via Active and calls Entry. Required when
	// Chain is the kernel chain; a test Chain may ignore it.
	Trampoline uintptr

	// HandleBus also claims the SIGBUS slot. Alignment and mmap-backed
	// faults then flow through the same dispatch.
	HandleBus bool

	// SkipPositionCheck relaxes the null-pointer handler: by default it
	// claims only when the return address resolves to a recorded code
	// position; with the check skipped, any validated unit whose code
	// range covers the return address is accepted.
	SkipPositionCheck bool

	// ImplicitCheckCeiling bounds the fault addresses an implicit null
	// check may produce: base register null plus a field offset, which
	// compiled code keeps below the guarded page span. Zero means one
	// page.
	ImplicitCheckCeiling uintptr

	// StackGuardSize is the span of the guard region below a thread
	// stack that classifies a fault as stack overflow. Zero means one
	// page.
	StackGuardSize uintptr

	// TraceSignals enables the preallocated signal-context trace
	// writer, the moral equivalent of verbose signal logging.
	TraceSignals bool

	// Telemetry enables fault-site and latency recording during
	// dispatch.
	Telemetry bool

	// Logger receives registration-world log output. Nil selects the
	// logrus standard logger.
	Logger *logrus.Logger
}

// withDefaults fills the zero values in.
func (o Options) withDefaults() Options {
	if o.Chain == nil {
		o.Chain = sigchain.NewKernel()
	}
	if o.ImplicitCheckCeiling == 0 {
		o.ImplicitCheckCeiling = uintptr(unix.Getpagesize())
	}
	if o.StackGuardSize == 0 {
		o.StackGuardSize = uintptr(unix.Getpagesize())
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Manager is the process-wide fault coordinator.
type Manager struct {
	opts Options
	log  *logrus.Entry

	registry ranges.Registry
	threads  thread.Table

	// generatedCodeHandlers and otherHandlers are registration-order
	// slices read from signal context without locks. See the package
	// comment for why that is sound.
	generatedCodeHandlers []Handler
	otherHandlers         []Handler

	// mu serializes the registration world: lifecycle and handler-list
	// mutation. Dispatch never touches it.
	mu          sync.Mutex
	initialized bool

	// started flips when the embedding runtime has its thread machinery
	// up, making the checkpoint rendezvous meaningful. Before that,
	// range removal skips the quiescence step: no thread can be
	// dispatching yet.
	started atomic.Bool

	// membarrierOK records whether the private expedited domain was
	// registered at Init. When false the manager runs degraded: range
	// insertion lacks the cross-thread visibility barrier.
	membarrierOK bool

	faults  telemetry.FaultLog
	latency telemetry.LatencyRing

	// nestedTestFault makes Entry re-raise into itself once, proving
	// the dispatch path tolerates a fault taken inside the handler.
	// Test hook only.
	nestedTestFault atomic.Bool
}

// active is the instance the signal trampoline recovers. Published by
// Init, cleared by Release.
var active atomic.Pointer[Manager]

// Active returns the currently installed Manager, or nil. This is the
// single ambient accessor the raw signal entry needs; all other callers
// hold the Manager explicitly.
//
//go:nosplit
func Active() *Manager {
	return active.Load()
}

// New constructs a Manager. It does not install anything; call Init.
func New(opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts: opts,
		log:  opts.Logger.WithField("component", "faultmanager"),
	}
	if opts.TraceSignals {
		traceEnabled.Store(true)
	}
	return m
}

// Init claims the fault signal slots and registers the membarrier
// intent. Calling Init on an initialized manager is fatal; the
// embedding runtime initializes exactly once per lifecycle.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		fatalf("fault manager: Init on an already initialized manager")
		return nil
	}

	if err := m.opts.Chain.Claim(unix.SIGSEGV, m.opts.Trampoline); err != nil {
		return err
	}
	if m.opts.HandleBus {
		if err := m.opts.Chain.Claim(unix.SIGBUS, m.opts.Trampoline); err != nil {
			if rerr := m.opts.Chain.Release(unix.SIGSEGV); rerr != nil {
				m.log.WithError(rerr).Warn("releasing SIGSEGV after failed SIGBUS claim")
			}
			return err
		}
	}

	// Degraded mode on failure, not an error: everything still works,
	// minus the visibility guarantee for threads that reach new code
	// without synchronizing with the registering thread.
	if membarrier.Supported() {
		if err := membarrier.Register(); err != nil {
			m.log.WithError(err).Warn("membarrier registration failed; running without cross-thread visibility barrier")
		} else {
			m.membarrierOK = true
		}
	} else {
		m.log.Warn("membarrier private expedited unsupported; running without cross-thread visibility barrier")
	}

	m.initialized = true
	active.Store(m)
	m.log.WithFields(logrus.Fields{
		"sigbus":     m.opts.HandleBus,
		"membarrier": m.membarrierOK,
	}).Info("fault manager installed")
	return nil
}

// Release hands the claimed signal slots back. No-op on an
// uninitialized manager.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

func (m *Manager) releaseLocked() {
	if !m.initialized {
		return
	}
	active.CompareAndSwap(m, nil)
	if m.opts.Chain.Claimed(unix.SIGSEGV) {
		if err := m.opts.Chain.Release(unix.SIGSEGV); err != nil {
			m.log.WithError(err).Warn("releasing SIGSEGV")
		}
	}
	if m.opts.HandleBus && m.opts.Chain.Claimed(unix.SIGBUS) {
		if err := m.opts.Chain.Release(unix.SIGBUS); err != nil {
			m.log.WithError(err).Warn("releasing SIGBUS")
		}
	}
	m.initialized = false
	m.log.Info("fault manager released")
}

// Shutdown releases the signal slots, drops every registered handler
// and drains the range registry. No quiescence step: shutdown is
// assumed non-concurrent with signal delivery. No-op when never
// initialized. The manager is re-initializable afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return
	}
	m.releaseLocked()

	m.generatedCodeHandlers = nil
	m.otherHandlers = nil

	// Drain leftover ranges, such as ahead-of-time images never
	// unmapped. Walking the captured chain is only for the count; the
	// nodes become garbage either way.
	n := 0
	for r := m.registry.Drain(); r != nil; r = r.Next() {
		n++
	}
	if n > 0 {
		m.log.WithField("ranges", n).Info("dropped still-registered code ranges at shutdown")
	}
}

// MarkStarted records that the embedding runtime's thread machinery is
// up: threads attach, run compiled code, and the checkpoint rendezvous
// is meaningful for range removal.
func (m *Manager) MarkStarted() { m.started.Store(true) }

// Started reports whether MarkStarted was called.
func (m *Manager) Started() bool { return m.started.Load() }

// Threads exposes the thread table so the embedding runtime can attach
// and transition its threads.
func (m *Manager) Threads() *thread.Table { return &m.threads }

// Degraded reports whether the manager runs without the membarrier
// visibility guarantee.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized && !m.membarrierOK
}

// AddHandler appends handler to the generated-code bucket or the other
// bucket. Requires an initialized manager. Handlers normally register
// themselves from their constructors; see handlers.go.
func (m *Manager) AddHandler(handler Handler, generatedCode bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		fatalf("fault manager: AddHandler before Init")
		return
	}
	if generatedCode {
		m.generatedCodeHandlers = append(m.generatedCodeHandlers, handler)
	} else {
		m.otherHandlers = append(m.otherHandlers, handler)
	}
}

// RemoveHandler erases handler, matched by identity, from whichever
// bucket holds it. Removing a handler registered in neither bucket is
// fatal.
func (m *Manager) RemoveHandler(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.generatedCodeHandlers {
		if h == handler {
			m.generatedCodeHandlers = append(m.generatedCodeHandlers[:i], m.generatedCodeHandlers[i+1:]...)
			return
		}
	}
	for i, h := range m.otherHandlers {
		if h == handler {
			m.otherHandlers = append(m.otherHandlers[:i], m.otherHandlers[i+1:]...)
			return
		}
	}
	fatalf("fault manager: RemoveHandler of a handler that was never added")
}

// AddGeneratedCodeRange registers [start, start+size) as runtime-
// generated executable code.
//
// The registry's release store makes the new range visible to any
// thread that synchronizes with this one; the membarrier afterwards
// extends that to threads that never do. A reference to an object whose
// code lives in the new range can escape to a thread this thread never
// exchanged a lock with, and that thread's very first contact with the
// range may be the fault itself.
func (m *Manager) AddGeneratedCodeRange(start, size uintptr) {
	m.registry.Insert(start, size)
	if m.membarrierOK {
		if err := membarrier.Issue(); err != nil {
			m.log.WithError(err).Warn("membarrier after range insert")
		}
	}
}

// RemoveGeneratedCodeRange unregisters a range previously added with
// exactly this start and size. Unknown start or mismatched size is
// fatal.
//
// After the unlink, a checkpoint rendezvous waits out every thread that
// might still be walking the registry through the removed node; when it
// returns, no dispatch can classify a fault into the removed range
// anymore and the caller may unmap the code. Before MarkStarted there
// are no dispatching threads and the rendezvous is skipped.
func (m *Manager) RemoveGeneratedCodeRange(start, size uintptr) {
	r := m.registry.Remove(start)
	if r == nil {
		fatalf("fault manager: RemoveGeneratedCodeRange(%#x, %#x): range was never added", start, size)
		return
	}
	if r.Size() != size {
		fatalf("fault manager: RemoveGeneratedCodeRange(%#x, %#x): registered size is %#x", start, size, r.Size())
		return
	}
	if m.started.Load() {
		checkpoint.Run(&m.threads)
	}
}

// IsInGeneratedCode reports whether the fault described by info and uc
// is a recoverable fault in registered generated code: the faulting
// thread is attached, runnable, holds the mutator lock shared, and the
// fault PC lies in a registered range.
//
// Runs in signal context: lock-free, allocation-free. The mutator lock
// is checked for being held, never acquired.
//
//go:nosplit
func (m *Manager) IsInGeneratedCode(info *sigctx.Info, uc *sigctx.UContext64) bool {
	c := m.threads.Current()
	if c == nil {
		traceMsg("classify: no current thread\n")
		return false
	}
	if c.GetState() != thread.StateRunnable {
		traceMsg("classify: not runnable\n")
		return false
	}
	if !c.HoldsSharedMutator() {
		traceMsg("classify: mutator lock not held\n")
		return false
	}
	pc := uc.PC()
	if pc == 0 {
		traceMsg("classify: no fault pc\n")
		return false
	}
	return m.registry.Lookup(pc)
}

// UnhandledFaultMarker is the stable breakpoint target hit once per
// unclaimed fault, just before the signal is handed back to the
// previous owner. Kept out of line so a debugger can set a breakpoint
// on it without inline info.
//
//go:noinline
func UnhandledFaultMarker() {
	traceMsg("unclaimed fault, chaining to previous handler\n")
}

// HandleFault runs the dispatch protocol and reports whether any
// handler claimed the fault. Signal context.
func (m *Manager) HandleFault(sig unix.Signal, info *sigctx.Info, uc *sigctx.UContext64) bool {
	if traceEnabled.Load() {
		traceSignalInfo(sig, info)
	}

	if m.nestedTestFault.CompareAndSwap(true, false) {
		// Simulated crash inside the handler: re-enter dispatch once.
		m.HandleFault(sig, info, uc)
	}

	if m.IsInGeneratedCode(info, uc) {
		traceMsg("in generated code, consulting handlers\n")
		for _, h := range m.generatedCodeHandlers {
			if h.Action(sig, info, uc) {
				return true
			}
		}
	}

	if m.handleFaultByOtherHandlers(sig, info, uc) {
		return true
	}

	UnhandledFaultMarker()
	m.record(telemetry.KindUnclaimed, uc.PC(), info.Addr())
	return false
}

// handleFaultByOtherHandlers offers the fault to the diagnostic bucket.
// These handlers assume a fully initialized runtime, so an unattached
// thread or a not-started runtime skips them.
func (m *Manager) handleFaultByOtherHandlers(sig unix.Signal, info *sigctx.Info, uc *sigctx.UContext64) bool {
	if len(m.otherHandlers) == 0 {
		return false
	}
	if m.threads.Current() == nil || !m.started.Load() {
		return false
	}
	for _, h := range m.otherHandlers {
		if h.Action(sig, info, uc) {
			return true
		}
	}
	return false
}

// HandleSigsegvFault is the SIGSEGV funnel for split-entry trampolines.
func (m *Manager) HandleSigsegvFault(info *sigctx.Info, uc *sigctx.UContext64) bool {
	return m.HandleFault(unix.SIGSEGV, info, uc)
}

// HandleSigbusFault is the SIGBUS funnel for split-entry trampolines.
func (m *Manager) HandleSigbusFault(info *sigctx.Info, uc *sigctx.UContext64) bool {
	return m.HandleFault(unix.SIGBUS, info, uc)
}

// Entry is the top of dispatch as the signal trampoline calls it: raw
// kernel pointers in, claim-or-chain decision out. It brackets the
// dispatch with the occupancy counter the checkpoint rendezvous
// observes, and on an unclaimed fault hands the signal slot back so
// the re-executed instruction reaches the previous owner.
//
//go:nosplit
func (m *Manager) Entry(sig unix.Signal, info, context unsafe.Pointer) {
	si, uc := sigctx.FromRaw(info, context)

	var c *thread.Context
	if c = m.threads.Current(); c != nil {
		c.EnterDispatch()
	}
	start := nanotime()
	claimed := m.HandleFault(sig, si, uc)
	m.latency.Record(nanotime() - start)
	if c != nil {
		c.ExitDispatch()
	}

	if !claimed {
		// One-way transfer: unclaimed faults are expected to kill the
		// process under the previous owner's handler.
		if err := m.opts.Chain.Fallthrough(sig); err != nil {
			traceMsg("fallthrough failed; signal will re-deliver to us\n")
		}
	}
}

// Faults returns the fault-site log for the reporting side.
func (m *Manager) Faults() *telemetry.FaultLog { return &m.faults }

// Latency returns the dispatch latency ring for the reporting side.
func (m *Manager) Latency() *telemetry.LatencyRing { return &m.latency }

// record feeds telemetry when enabled. Signal context.
//
//go:nosplit
func (m *Manager) record(kind telemetry.Kind, pc, addr uintptr) {
	if !m.opts.Telemetry {
		return
	}
	m.faults.Record(kind, pc, addr)
}

// InjectNestedFault arms the one-shot nested dispatch in the next
// HandleFault. Test hook.
func (m *Manager) InjectNestedFault() { m.nestedTestFault.Store(true) }
