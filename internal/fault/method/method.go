//go:build linux && (amd64 || arm64)

// Package method models the descriptor an embedding runtime attaches
// to each unit of compiled code, and the validation the fault
// dispatcher performs before trusting one.
//
// Compiled frames keep a *CompiledUnit in a fixed place: the first
// stack slot of the frame, and the first argument register on entry.
// When a fault arrives, the dispatcher fishes that word out of the
// interrupted context — but the word is untrusted: the thread may have
// faulted half way through building a frame, or the slot may hold a
// spilled temporary. Validation never dereferences the candidate
// directly; it probes with guarded reads and accepts only a pointer
// whose descriptor chain terminates in a self-referential root:
//
//	unit.Owner -> TypeDesc, whose
//	Meta       -> TypeDesc, whose
//	Meta       -> itself.
//
// A random bit pattern passing all probes would have to chain three
// readable, aligned pointers into that fixed point, which does not
// happen by accident. The scheme trades certainty for the right to run
// inside a signal handler with no locks at all.
package method

import (
	"unsafe"

	"github.com/kolkov/faulthandler/internal/fault/safemem"
)

// NoPosition is returned by a PositionResolver when a return address
// has no recorded source position.
const NoPosition = ^uint32(0)

// PositionResolver maps a return address inside a unit's code to a
// source position token. Implementations must be safe to call from
// signal context: no locks, no allocation.
type PositionResolver interface {
	PositionFor(u *CompiledUnit, retPC uintptr) uint32
}

// TypeDesc is a type descriptor in the owning-type chain. The root
// descriptor describes descriptors themselves and is its own Meta.
type TypeDesc struct {
	Meta *TypeDesc
	Name string
}

// NewRootDesc builds the self-referential root descriptor.
func NewRootDesc(name string) *TypeDesc {
	d := &TypeDesc{Name: name}
	d.Meta = d
	return d
}

// NewTypeDesc builds a descriptor whose Meta is root.
func NewTypeDesc(root *TypeDesc, name string) *TypeDesc {
	return &TypeDesc{Meta: root, Name: name}
}

// CompiledUnit describes one unit of compiled code: its owning type,
// the code region it occupies, and the entrypoints the fault handlers
// redirect execution to.
type CompiledUnit struct {
	// Owner must be the first field: validation probes it by offset
	// from an untrusted base address.
	Owner *TypeDesc

	Name string

	// CodeStart and CodeSize delimit the unit's code. A valid return
	// address for this unit lies inside them.
	CodeStart uintptr
	CodeSize  uintptr

	// NullCheckEntry receives control after a claimed implicit null
	// check, with the fault address as argument and the return address
	// linked to the instruction after the faulting load.
	NullCheckEntry uintptr
	// SuspendEntry receives control after a claimed suspend poll, with
	// the return address linked so it resumes after the poll.
	SuspendEntry uintptr
	// StackOverflowEntry receives control after a claimed stack
	// overflow. Entered as a tail call; it must not consume the guard
	// region it was called on.
	StackOverflowEntry uintptr

	// Resolver maps return addresses to positions; nil means the unit
	// has no position table.
	Resolver PositionResolver
}

// ContainsPC reports whether pc falls inside the unit's code region.
// Unsigned wraparound covers the below-start case in one compare.
//
//go:nosplit
func (u *CompiledUnit) ContainsPC(pc uintptr) bool {
	return pc-u.CodeStart < u.CodeSize
}

// Addr returns the raw address of u, the value compiled frames store.
func Addr(u *CompiledUnit) uintptr {
	return uintptr(unsafe.Pointer(u))
}

// Position resolves retPC through the unit's resolver. Units without a
// resolver report NoPosition for everything.
//
//go:nosplit
func (u *CompiledUnit) Position(retPC uintptr) uint32 {
	if u.Resolver == nil {
		return NoPosition
	}
	return u.Resolver.PositionFor(u, retPC)
}

const ptrAlign = unsafe.Sizeof(uintptr(0))

var (
	ownerOff = unsafe.Offsetof(CompiledUnit{}.Owner)
	metaOff  = unsafe.Offsetof(TypeDesc{}.Meta)
)

// Validate probes candidate as a *CompiledUnit without ever
// dereferencing it directly. All loads are guarded; a candidate
// pointing at unmapped or misaligned memory fails cleanly.
//
// Safe in signal context.
func Validate(candidate uintptr) bool {
	if candidate == 0 || candidate%ptrAlign != 0 {
		return false
	}
	owner, ok := safemem.ReadWord(candidate + ownerOff)
	if !ok || owner == 0 || owner%ptrAlign != 0 {
		return false
	}
	meta, ok := safemem.ReadWord(owner + metaOff)
	if !ok || meta == 0 || meta%ptrAlign != 0 {
		return false
	}
	root, ok := safemem.ReadWord(meta + metaOff)
	if !ok {
		return false
	}
	return root == meta
}

// FromFrame validates candidate and, on success, returns it as a typed
// unit pointer. The cast is the trust boundary: past this point the
// dispatcher dereferences the unit like any Go value, banking on the
// descriptor-chain check above.
func FromFrame(candidate uintptr) (*CompiledUnit, bool) {
	if !Validate(candidate) {
		return nil, false
	}
	return (*CompiledUnit)(unsafe.Pointer(candidate)), true
}

// CandidateFromStack reads the unit slot at the top of an interrupted
// frame. The stack pointer itself is untrusted, so the read is guarded.
//
//go:nosplit
func CandidateFromStack(sp uintptr) (uintptr, bool) {
	return safemem.ReadWord(sp)
}
