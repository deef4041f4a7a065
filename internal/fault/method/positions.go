//go:build linux && (amd64 || arm64)

package method

import "sort"

// PCPosition maps one return address inside a unit to a position token.
type PCPosition struct {
	PC  uintptr
	Pos uint32
}

// TableResolver is a PositionResolver backed by a sorted table of
// return addresses. Lookup is a binary search with no allocation, so a
// built table is safe to consult from signal context.
type TableResolver struct {
	entries []PCPosition
}

// NewTableResolver builds a resolver from entries, sorting a copy by
// PC. Duplicate PCs keep their first occurrence.
func NewTableResolver(entries []PCPosition) *TableResolver {
	sorted := make([]PCPosition, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PC < sorted[j].PC })
	return &TableResolver{entries: sorted}
}

// PositionFor returns the position recorded for exactly retPC, or
// NoPosition. Return addresses are call-site-exact, so there is no
// floor matching.
func (r *TableResolver) PositionFor(_ *CompiledUnit, retPC uintptr) uint32 {
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].PC >= retPC })
	if i < len(r.entries) && r.entries[i].PC == retPC {
		return r.entries[i].Pos
	}
	return NoPosition
}

// Len returns the number of mapped return addresses.
func (r *TableResolver) Len() int { return len(r.entries) }
