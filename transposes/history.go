package transposes

import (
	"slices"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/perm"
)

// Layout is a transpose applied to a tensor of Shape.
type Layout struct {
	Perm  perm.Perm
	Shape []int
}

// HistoryEntry records how a transpose was re-expressed while crossing a reshape node
// upwards: Before is the transpose above the reshape, After below it.
type HistoryEntry struct {
	Node          *graph.Node
	Before, After Layout
}

// History lists the reshapes crossed by a search up, nearest to the current node first.
type History []HistoryEntry

// Prepend returns a copy of h with e at the front. Sibling branches of a search don't share entries.
func (h History) Prepend(e HistoryEntry) History {
	return append(History{e}, h...)
}

// FirstValid returns the first recorded layout that actually has a transpose, scanning each
// entry's Before and then After.
func (h History) FirstValid() (Layout, bool) {
	for _, e := range h {
		for _, l := range []Layout{e.Before, e.After} {
			if l.Perm != nil {
				return Layout{Perm: l.Perm.Clone(), Shape: slices.Clone(l.Shape)}, true
			}
		}
	}
	return Layout{}, false
}
