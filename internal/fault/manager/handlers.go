//go:build linux && (amd64 || arm64)

package manager

import (
	"golang.org/x/sys/unix"

	"github.com/kolkov/faulthandler/internal/fault/disasm"
	"github.com/kolkov/faulthandler/internal/fault/method"
	"github.com/kolkov/faulthandler/internal/fault/safemem"
	"github.com/kolkov/faulthandler/internal/fault/sigctx"
	"github.com/kolkov/faulthandler/internal/fault/telemetry"
)

// Handler is one fault handler consulted during dispatch. Action runs
// in signal context under the usual rules: no locks, no allocation. It
// reports whether it claimed the fault; a claimed fault ends dispatch
// and the kernel resumes the (possibly rewritten) context.
type Handler interface {
	Action(sig unix.Signal, info *sigctx.Info, uc *sigctx.UContext64) bool
}

// NullPointerHandler converts a fault taken by an implicit null check
// into a call to the faulting unit's null-check entrypoint, which
// raises the managed null-pointer error.
//
// It only ever runs after classification confirmed the fault is inside
// registered generated code on a runnable thread; everything it reads
// beyond that is still untrusted and probed defensively.
type NullPointerHandler struct {
	mgr *Manager
}

// NewNullPointerHandler constructs the handler and registers it in the
// manager's generated-code bucket.
func NewNullPointerHandler(m *Manager) *NullPointerHandler {
	h := &NullPointerHandler{mgr: m}
	m.AddHandler(h, true)
	return h
}

// Action validates the fault as an implicit null check and rewrites the
// context to enter the unit's null-check entrypoint.
//
// The candidate unit pointer comes from the top stack slot of the
// faulting frame. The thread may have faulted mid-prologue, or jumped
// into the range by some path other than a call, so the slot is
// evidence only: validation chases the unit's owning-type descriptor
// chain with guarded reads and accepts it only when the chain closes on
// the self-referential root. See internal/fault/method.
func (h *NullPointerHandler) Action(_ unix.Signal, info *sigctx.Info, uc *sigctx.UContext64) bool {
	// An implicit null check dereferences null plus a bounded field
	// offset; compiled code never emits one whose offset can reach past
	// the guarded span. A fault address above the ceiling is a real
	// wild access, not a null check.
	addr := info.Addr()
	if addr >= h.mgr.opts.ImplicitCheckCeiling {
		traceMsg("null check: fault address above implicit-check ceiling\n")
		return false
	}

	candidate, ok := method.CandidateFromStack(uc.SP())
	if !ok {
		traceMsg("null check: unreadable frame slot\n")
		return false
	}
	unit, ok := method.FromFrame(candidate)
	if !ok {
		traceMsg("null check: candidate failed validation\n")
		return false
	}
	if unit.NullCheckEntry == 0 {
		return false
	}

	// The redirected call must return to the instruction after the
	// faulting load, so the instruction length is decoded from the
	// (guarded) code bytes at the fault PC.
	pc := uc.PC()
	n, ok := disasm.InstrLen(pc)
	if !ok {
		traceMsg("null check: undecodable faulting instruction\n")
		return false
	}
	retPC := pc + uintptr(n)

	if !h.mgr.opts.SkipPositionCheck && !h.IsValidReturnPc(unit, retPC) {
		return false
	}

	uc.PrepareCall(unit.NullCheckEntry, retPC, addr)
	h.mgr.record(telemetry.KindNullCheck, pc, addr)
	return true
}

// IsValidReturnPc reports whether retPC maps back to a recorded code
// position inside unit. A return address that the unit's position table
// cannot place is taken as proof the candidate was a false positive.
//
//go:nosplit
func (h *NullPointerHandler) IsValidReturnPc(unit *method.CompiledUnit, retPC uintptr) bool {
	if !unit.ContainsPC(retPC) {
		traceMsg("null check: return pc outside unit code\n")
		return false
	}
	if unit.Position(retPC) == method.NoPosition {
		traceMsg("null check: no position for return pc\n")
		return false
	}
	return true
}

// SuspensionHandler recognizes the fault a suspend poll takes when its
// trigger is armed and redirects the thread into the unit's suspend
// entrypoint.
//
// Compiled code periodically loads through the thread's trigger
// pointer. Disarmed, the trigger points at a readable word and the load
// is a no-op; armed, it points at address zero and the load faults
// here.
type SuspensionHandler struct {
	mgr *Manager
}

// NewSuspensionHandler constructs the handler and registers it in the
// manager's generated-code bucket.
func NewSuspensionHandler(m *Manager) *SuspensionHandler {
	h := &SuspensionHandler{mgr: m}
	m.AddHandler(h, true)
	return h
}

// Action matches the fault against the armed trigger and redirects to
// the suspend entrypoint, linked to resume after the poll instruction.
func (h *SuspensionHandler) Action(_ unix.Signal, info *sigctx.Info, uc *sigctx.UContext64) bool {
	c := h.mgr.threads.Current()
	if c == nil || !c.SuspendPending() {
		return false
	}
	// The armed trigger is the faulting address. Any other address is
	// an unrelated fault that happens to race a suspend request.
	if info.Addr() != c.TriggerAddr() {
		return false
	}

	candidate, ok := method.CandidateFromStack(uc.SP())
	if !ok {
		return false
	}
	unit, ok := method.FromFrame(candidate)
	if !ok || unit.SuspendEntry == 0 {
		return false
	}

	pc := uc.PC()
	n, ok := disasm.InstrLen(pc)
	if !ok {
		return false
	}

	// Resume after the poll: re-executing it would fault forever while
	// the trigger stays armed.
	uc.PrepareCall(unit.SuspendEntry, pc+uintptr(n), 0)
	h.mgr.record(telemetry.KindSuspendCheck, pc, info.Addr())
	return true
}

// StackOverflowHandler recognizes a fault in the guard region below the
// stack pointer and redirects into the unit's stack-overflow
// entrypoint as a tail call, consuming none of the exhausted stack.
type StackOverflowHandler struct {
	mgr *Manager
}

// NewStackOverflowHandler constructs the handler and registers it in
// the manager's generated-code bucket.
func NewStackOverflowHandler(m *Manager) *StackOverflowHandler {
	h := &StackOverflowHandler{mgr: m}
	m.AddHandler(h, true)
	return h
}

// Action matches the fault address against the guard span below the
// interrupted stack pointer.
//
// The frame slot is useless here — the store that faulted was the very
// attempt to build the frame — so the unit candidate comes from the
// first-argument register, where the calling convention keeps the unit
// reference on entry.
func (h *StackOverflowHandler) Action(_ unix.Signal, info *sigctx.Info, uc *sigctx.UContext64) bool {
	sp := uc.SP()
	addr := info.Addr()
	// Guard hit: the fault address lies in (sp-guard, sp]. Unsigned
	// wraparound rejects addresses above sp in the same compare.
	if sp-addr > h.mgr.opts.StackGuardSize {
		return false
	}

	unit, ok := method.FromFrame(uc.MethodRef())
	if !ok || unit.StackOverflowEntry == 0 {
		return false
	}

	uc.PrepareTailCall(unit.StackOverflowEntry, addr)
	h.mgr.record(telemetry.KindStackOverflow, uc.PC(), addr)
	return true
}

// StackTraceHandler is the diagnostic handler in the other bucket: it
// never claims, but when a crash lands inside generated code it dumps a
// best-effort frame-pointer walk before the fault chains onward.
type StackTraceHandler struct {
	mgr *Manager
}

// NewStackTraceHandler constructs the handler and registers it in the
// manager's other bucket.
func NewStackTraceHandler(m *Manager) *StackTraceHandler {
	h := &StackTraceHandler{mgr: m}
	m.AddHandler(h, false)
	return h
}

// maxTraceFrames bounds the frame walk; a corrupt frame chain must not
// keep the dying process busy.
const maxTraceFrames = 32

// Action dumps the compiled-code stack when the fault is in generated
// code, then reports not-claimed so dispatch continues to the
// fallthrough path.
func (h *StackTraceHandler) Action(_ unix.Signal, info *sigctx.Info, uc *sigctx.UContext64) bool {
	// Re-classify: this bucket is offered every fault, in-range or not.
	if !h.mgr.IsInGeneratedCode(info, uc) {
		return false
	}

	rawWriteString("fault in generated code; dumping compiled frames:\n")
	var buf traceBuf
	buf.str("  pc=")
	buf.hex(uint64(uc.PC()))
	buf.str(" ")
	buf.str(disasm.Text(uc.PC()))
	buf.str("\n")
	buf.flush()

	// Conventional frame layout: fp points at the saved caller fp, the
	// return address sits one word above. Every load is guarded; the
	// walk stops at the first unreadable or non-monotonic frame.
	fp := uc.FP()
	for i := 0; i < maxTraceFrames && fp != 0; i++ {
		ret, ok := safemem.ReadWord(fp + wordSize)
		if !ok || ret == 0 {
			break
		}
		buf.str("  ret=")
		buf.hex(uint64(ret))
		buf.str(" fp=")
		buf.hex(uint64(fp))
		buf.str("\n")
		buf.flush()

		next, ok := safemem.ReadWord(fp)
		if !ok || next <= fp {
			break
		}
		fp = next
	}

	return false
}

const wordSize = 8
