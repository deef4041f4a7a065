// Package ranges implements the lock-free registry of generated-code
// address ranges consulted from signal context.
//
// The registry is a singly linked list of immutable (start, size)
// records with an atomic head pointer and atomic next links. It is
// built for a very asymmetric access pattern:
//
//   - Lookup runs inside a SIGSEGV handler, potentially on every implicit
//     null check that actually faults. It must never block, never
//     allocate, and never take a lock.
//   - Insert/Remove run when a code-generation subsystem maps or unmaps
//     executable memory. They are rare, may allocate, and serialize
//     against each other on a plain mutex that readers never touch.
//
// Memory ordering:
//
// The correctness argument mirrors the classic single-writer,
// multi-lock-free-reader list. Publishing a node requires a
// release-ordered store to the head so that a reader's acquire load of
// the head observes fully initialized start/size fields of every node it
// can reach. Unlinking a node in the middle of the list needs no
// ordering at all: no new memory is published, readers that still see
// the dead node are not harmed because it keeps its next link, and
// whether they see it or not is immaterial once the code region is no
// longer entered. Only unlinking the head node must again be a release
// store, to keep the release sequence headed by earlier publications
// intact. Go's sync/atomic provides sequentially consistent operations,
// which are strictly stronger than every ordering this argument needs;
// the comments below record the minimum each access relies on, because
// the distinction is the correctness argument.
//
// Reclamation is NOT this package's business. Remove only unlinks; the
// caller must guarantee quiescence (no reader can still be walking
// through the node) before the node becomes garbage. See
// internal/fault/checkpoint for the rendezvous used for that.
package ranges

import (
	"sync"
	"sync/atomic"
)

// Range is a single registered region of generated code.
//
// A Range is immutable after Insert except for its next link, which the
// registry rewires during removal. The zero uintptr start is legal (it
// would simply never match a fault address that the kernel can deliver),
// but Insert callers conventionally never register it.
//
// While linked, [start, start+size) is a live generated-code region. An
// unlinked Range keeps the next value it held at unlink time so that a
// reader paused on it mid-walk can still reach every node that is still
// live.
type Range struct {
	next  atomic.Pointer[Range]
	start uintptr
	size  uintptr
}

// Start returns the first address of the region.
func (r *Range) Start() uintptr { return r.start }

// Size returns the region length in bytes.
func (r *Range) Size() uintptr { return r.size }

// Next returns the successor node, or nil at the end of the list.
//
// A relaxed load would suffice here: the visibility of start/size of
// any reachable node is established by the acquire/release pair on the
// registry head, not by the next links.
//
//go:nosplit
func (r *Range) Next() *Range { return r.next.Load() }

// Contains reports whether addr falls inside the region.
//
// The subtraction deliberately relies on unsigned wraparound: for
// addr < r.start the difference wraps to a huge value and the size
// comparison rejects it, so a single compare covers both bounds.
//
//go:nosplit
func (r *Range) Contains(addr uintptr) bool {
	return addr-r.start < r.size
}

// Registry is the lock-free list of generated-code ranges.
//
// The zero Registry is ready to use. The mutex serializes writers only;
// Lookup never acquires it.
type Registry struct {
	// head is the publication point. Readers do one acquire load of
	// head and then walk next links; writers publish with release
	// stores. Everything a reader may dereference hangs off this
	// pointer, which is what makes the acquire/release pair the whole
	// visibility story.
	head atomic.Pointer[Range]

	// mu serializes Insert, Remove and Drain against each other.
	// Lookup (signal context) must never touch it.
	mu sync.Mutex
}

// Insert links a new (start, size) record at the head of the list and
// returns it.
//
// The new node is fully initialized before the head store publishes it.
// Insert does not issue any cross-thread barrier; a fault on a thread
// that never synchronized with the inserting thread additionally needs
// the process-wide membarrier the manager issues after Insert returns.
// (Insertion order at head means the list is recency-ordered, not
// search-ordered; Lookup is a linear walk either way.)
func (reg *Registry) Insert(start, size uintptr) *Range {
	newRange := &Range{start: start, size: size}
	reg.mu.Lock()
	// The old head may be read relaxed: only the publishing store below
	// carries ordering obligations.
	oldHead := reg.head.Load()
	newRange.next.Store(oldHead)
	// Release store. Pairs with the acquire load in Lookup so that any
	// reader that observes newRange also observes its start/size.
	reg.head.Store(newRange)
	reg.mu.Unlock()
	return newRange
}

// Remove unlinks the node whose start matches and returns it, or nil if
// no node has that start.
//
// The unlinked node keeps its next pointer untouched so a concurrent
// walker standing on it can still reach the remaining live nodes. The
// caller owns the returned node and must not free or reuse it before
// proving quiescence of concurrent readers (see package comment).
func (reg *Registry) Remove(start uintptr) *Range {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	before := &reg.head
	node := before.Load()
	for node != nil && node.start != start {
		before = &node.next
		node = before.Load()
	}
	if node == nil {
		return nil
	}
	next := node.next.Load()
	// Unlinking the head must be a release store: a plain relaxed store
	// to head would break the release sequence that earlier insertions
	// head, and a reader could then observe a node published through
	// the old head without its initializing writes. In the middle of
	// the list relaxed suffices (no new memory is being published;
	// readers that still see the node are fine, it keeps its next
	// link). Go gives us sequential consistency in both positions,
	// which is stronger than required.
	before.Store(next)
	return node
}

// Lookup reports whether addr lies inside any currently registered
// range.
//
// This is the signal-context hot path: one acquire load of head, then a
// relaxed walk of next links. The walk may or may not observe nodes
// that are concurrently being removed; either way it reaches every node
// that is not being removed, because removed nodes retain the next link
// they had at unlink time. Visibility of start/size of every visited
// node is established by the acquire/release pair on head.
//
//go:nosplit
func (reg *Registry) Lookup(addr uintptr) bool {
	for r := reg.head.Load(); r != nil; r = r.next.Load() {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// Drain atomically detaches the whole list and returns its former head.
//
// The caller walks the returned chain via Next. Drain is the shutdown
// path: it assumes no concurrent signal delivery, so no quiescence step
// follows it.
func (reg *Registry) Drain() *Range {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	head := reg.head.Load()
	reg.head.Store(nil)
	return head
}

// Len counts the currently linked nodes. It takes the writer lock and
// exists for tests and diagnostics, not for signal context.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n := 0
	for r := reg.head.Load(); r != nil; r = r.next.Load() {
		n++
	}
	return n
}
