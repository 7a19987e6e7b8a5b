// Package routing implements the longest-prefix route table described in
// spec.md §4.4: lock-free concurrent lookups behind an atomic snapshot
// pointer, with exclusive whole-table replacement on update.
package routing

import (
	"sort"
	"strings"
	"sync/atomic"
)

// Route is one routing table entry.
type Route struct {
	Prefix   string
	NextHop  string
	Priority int
}

// routeSet is the immutable snapshot swapped in by Update. Routes are
// sorted by descending prefix length so lookup can stop at the first
// match, which is by construction the longest one.
type routeSet struct {
	routes []Route
}

// Table is a longest-prefix matcher over ILP addresses. The zero value is
// not usable; construct with NewTable.
type Table struct {
	snapshot atomic.Pointer[routeSet]
}

// NewTable builds an empty Table.
func NewTable() *Table {
	t := &Table{}
	t.snapshot.Store(&routeSet{})
	return t
}

// Update atomically replaces the entire table. Concurrent Lookup calls
// either see the table entirely before or entirely after this call —
// never a partially mutated state — because readers dereference one
// atomically-loaded pointer to an otherwise-immutable slice.
func (t *Table) Update(routes []Route) {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)

	// Longest prefix first; among equal-length prefixes, lowest priority
	// value first, then insertion (original slice) order — both ties
	// broken per spec.md §4.4. sort.SliceStable preserves input order for
	// elements that compare equal under less, which gives us the
	// insertion-order tiebreak for free.
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].Prefix) != len(sorted[j].Prefix) {
			return len(sorted[i].Prefix) > len(sorted[j].Prefix)
		}
		return sorted[i].Priority < sorted[j].Priority
	})

	t.snapshot.Store(&routeSet{routes: sorted})
}

// Lookup returns the route whose prefix is the longest prefix of
// destination, or false if none matches. Matching is on raw bytes
// (strings.HasPrefix), not runes, so a multi-byte code point straddling
// what would otherwise look like a boundary never produces a false match.
func (t *Table) Lookup(destination string) (Route, bool) {
	snap := t.snapshot.Load()
	for _, r := range snap.routes {
		if strings.HasPrefix(destination, r.Prefix) {
			return r, true
		}
	}
	return Route{}, false
}

// Size returns the number of routes in the current snapshot.
func (t *Table) Size() int {
	return len(t.snapshot.Load().routes)
}
