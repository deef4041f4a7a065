// Package fault intercepts hardware memory faults on behalf of a
// managed-code runtime that uses memory-protection traps as implicit
// safety checks.
//
// Instead of emitting an explicit null test before every field load,
// a code generator can let the load fault when the base reference is
// null and recover here: the SIGSEGV is classified, matched against
// the registered regions of runtime-generated code, and converted into
// a call to the faulting unit's exception entrypoint. The same
// machinery recovers suspend-poll traps and stack-overflow guard hits.
// Faults this layer cannot attribute to generated code are handed back
// to whatever handler owned the signal before Init, so unrelated
// crashes still crash.
//
// # Quick start
//
//	if err := fault.Init(fault.Options{
//		Trampoline: trampolinePC, // SA_SIGINFO entry provided by the embedder
//	}); err != nil {
//		log.Fatal(err)
//	}
//	defer fault.Shutdown()
//
//	fault.InstallDefaultHandlers()
//	fault.MarkRuntimeStarted()
//
//	// As the code generator maps executable regions:
//	fault.AddGeneratedCodeRange(codeStart, codeSize)
//	defer fault.RemoveGeneratedCodeRange(codeStart, codeSize)
//
// Each OS thread that executes generated code attaches itself and
// keeps its execution state current:
//
//	runtime.LockOSThread()
//	tc, err := fault.AttachCurrentThread()
//	...
//	tc.SetState(fault.StateRunnable)
//	tc.AcquireSharedMutator()
//
// # Dispatch
//
// A delivered fault flows: trampoline → [Entry] → classification →
// the generated-code handler list → the diagnostic handler list →
// fallthrough. Classification requires all of: an attached, runnable
// thread holding the shared mutator lock, and a fault PC inside a
// registered range. The first handler to claim wins; an unclaimed
// fault reinstalls the previous signal disposition and re-executes, so
// the pre-existing owner sees the crash unmodified.
//
// Everything on the dispatch path is lock-free and allocation-free.
// Registration calls (Init, AddHandler, range registration) are
// ordinary Go and may allocate and log.
//
// # Telemetry
//
// With Options.Telemetry set, dispatch records deduplicated fault
// sites and latencies; [Faults], [DispatchLatency] and
// [WriteFaultProfile] expose them, the last as a pprof profile ready
// for the usual tooling.
package fault
