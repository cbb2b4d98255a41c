package graph

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// TopologicalSort returns the nodes reachable from roots (all nodes if no roots are given)
// ordered so every producer comes before its consumers. Among ready nodes the one added to
// the graph first is picked, so the order is deterministic. Non-ordering edges are ignored.
//
// It returns a CycleError if the nodes don't form a DAG.
func (g *Graph) TopologicalSort(roots ...*Node) ([]*Node, error) {
	var nodes []*Node
	if len(roots) == 0 {
		nodes = g.order
	} else {
		reachable := sets.Make[*Node]()
		stack := slices.Clone(roots)
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !g.Has(n) {
				return nil, errors.Errorf("TopologicalSort: node %q is not in graph %q", n.Name, g.Name)
			}
			if reachable.Has(n) {
				continue
			}
			reachable.Insert(n)
			for _, e := range g.outEdges[n] {
				if !e.NonOrdering {
					stack = append(stack, e.To)
				}
			}
		}
		for _, n := range g.order {
			if reachable.Has(n) {
				nodes = append(nodes, n)
			}
		}
	}

	inDegree := make(map[*Node]int, len(nodes))
	included := sets.Make[*Node]()
	for _, n := range nodes {
		included.Insert(n)
	}
	for _, n := range nodes {
		for _, e := range g.inEdges[n] {
			if !e.NonOrdering && included.Has(e.From) {
				inDegree[n]++
			}
		}
	}

	byIndex := func(a, b *Node) int { return a.index - b.index }
	var ready []*Node
	for _, n := range nodes {
		if inDegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sorted := make([]*Node, 0, len(nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		sorted = append(sorted, n)
		for _, e := range g.outEdges[n] {
			if e.NonOrdering || !included.Has(e.To) {
				continue
			}
			inDegree[e.To]--
			if inDegree[e.To] == 0 {
				pos, _ := slices.BinarySearchFunc(ready, e.To, byIndex)
				ready = slices.Insert(ready, pos, e.To)
			}
		}
	}
	if len(sorted) < len(nodes) {
		var cycle []string
		for _, n := range nodes {
			if inDegree[n] > 0 {
				cycle = append(cycle, n.Name)
			}
		}
		return nil, errors.WithStack(&CycleError{Nodes: cycle})
	}
	return sorted, nil
}
