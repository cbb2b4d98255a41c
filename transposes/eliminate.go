// Package transposes moves and cancels the axis transposes carried by the nodes of a graph.
//
// Transposes are attributes of nodes (graph.Node.TransposeIn and TransposeOut). The engine
// searches, from every transpose, up or down the graph for another transpose that reverses it,
// or for a node that can absorb it (a graph input or constant reordered, a linear layer
// with its weights reordered, a graph output whose layout is free). When a search succeeds,
// its actions are executed and both transposes disappear.
package transposes

import (
	"maps"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/perm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultMaxIterations bounds the number of scans of Eliminate.
const DefaultMaxIterations = 100

// Options of Eliminate. Create it with DefaultOptions and configure with the With* methods.
type Options struct {
	maxIterations int
	debugFn       func(g *graph.Graph, round Round)
}

// DefaultOptions returns the default elimination options.
func DefaultOptions() *Options {
	return &Options{maxIterations: DefaultMaxIterations}
}

// WithMaxIterations sets the maximum number of scans before Eliminate gives up with an error.
func (o *Options) WithMaxIterations(n int) *Options {
	o.maxIterations = n
	return o
}

// WithDebugFn sets a function called after every scan.
func (o *Options) WithDebugFn(fn func(g *graph.Graph, round Round)) *Options {
	o.debugFn = fn
	return o
}

// Round reports one scan of the graph.
type Round struct {
	// Actions executed, not counting the search markers.
	Actions int

	// Eliminated is the number of transposes deleted.
	Eliminated int
}

// Result of Eliminate.
type Result struct {
	Iterations int
	Eliminated int
}

// Eliminate scans the graph repeatedly, executing the successful searches of each scan, until
// a scan finds nothing to do.
//
// A nil opts uses DefaultOptions.
func Eliminate(g *graph.Graph, opts *Options) (Result, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	maxIterations := opts.maxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	var res Result
	for {
		if res.Iterations >= maxIterations {
			return res, errors.Errorf("transpose elimination of graph %q didn't converge after %d iterations", g.Name, res.Iterations)
		}
		round, err := EliminateOnce(g)
		if err != nil {
			return res, errors.WithMessagef(err, "transpose elimination iteration %d", res.Iterations)
		}
		res.Iterations++
		res.Eliminated += round.Eliminated
		if opts.debugFn != nil {
			opts.debugFn(g, round)
		}
		if round.Actions == 0 {
			break
		}
	}
	klog.V(1).Infof("graph %q: eliminated %d transposes in %d iterations", g.Name, res.Eliminated, res.Iterations)
	return res, nil
}

// EliminateOnce runs one scan of the graph and executes the actions found.
func EliminateOnce(g *graph.Graph) (Round, error) {
	var round Round
	if err := g.AddDimensions(); err != nil {
		return round, err
	}
	actions, err := searchForReverses(g)
	if err != nil {
		return round, err
	}
	for _, a := range actions {
		switch a.(type) {
		case *StartUp, *StartDown, *EndUp, *EndDown:
		case *DeleteTranspose:
			round.Eliminated++
			round.Actions++
		default:
			round.Actions++
		}
		if err := a.Execute(); err != nil {
			return round, errors.WithMessagef(err, "while executing %s", a)
		}
	}
	if err := g.AddDimensions(); err != nil {
		return round, errors.WithMessage(err, "after transpose elimination")
	}
	return round, nil
}

// searchForReverses starts a search from every transpose of the graph, in topological order.
// Edges claimed by a successful search can't be used by later searches of the same scan.
func searchForReverses(g *graph.Graph) ([]Action, error) {
	nodes, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	s := newSearcher(g)
	var actions []Action
	for _, n := range nodes {
		if !n.Caps.Has(graph.CapTransposable) {
			continue
		}
		for _, e := range g.VariableInEdges(n) {
			t := n.TransposeInAt(e.ToIdx)
			if t == nil {
				continue
			}
			done := make(edgeSet)
			if res := s.searchUpStart(e, t, nil, done); len(res) > 0 {
				actions = append(actions, res...)
				merge(s.visited, done)
			}
		}
		for fromIdx, edges := range g.IndexedOutEdges(n) {
			t := n.TransposeOutAt(fromIdx)
			if t == nil || len(edges) == 0 {
				continue
			}
			done := make(edgeSet)
			if res := s.searchDownStart(n, fromIdx, edges, t, done); len(res) > 0 {
				actions = append(actions, res...)
				merge(s.visited, done)
			}
		}
	}
	actions = append(actions, s.equalize(nodes)...)
	return actions, nil
}

// equalize tries to give all the inputs of broadcasting nodes the same transpose, so it can
// be moved to their output. Candidates are the input transposes, in input order.
func (s *searcher) equalize(nodes []*graph.Node) []Action {
	var actions []Action
	for _, n := range nodes {
		if !n.Caps.Has(graph.CapBroadcastable) || len(s.g.VariableInEdges(n)) < 2 || countPerms(n.TransposeIn) == 0 {
			continue
		}
		for _, c := range candidates(n.TransposeIn) {
			klog.V(1).Infof("trying to equalize the inputs of %s to %s", n.Name, c)
			if res, ok := s.equalizeTo(n, c); ok {
				actions = append(actions, res...)
				break
			}
		}
	}
	return actions
}

// equalizeTo searches up every input of n whose transpose isn't c. Edges claimed are only kept
// if all of them succeed.
func (s *searcher) equalizeTo(n *graph.Node, c perm.Perm) ([]Action, bool) {
	saved := maps.Clone(s.visited)
	var actions []Action
	for _, e := range s.g.VariableInEdges(n) {
		if d := n.InDim(e.ToIdx); s.isVisited(nil, e) || d == nil || d.Rank() != len(c) {
			s.visited = saved
			return nil, false
		}
		a := n.TransposeInAt(e.ToIdx)
		if a != nil && a.Equal(c) {
			continue
		}
		done := make(edgeSet)
		res := s.searchUpStart(e, perm.Compose(a, perm.Reverse(c)), c, done)
		if len(res) == 0 {
			s.visited = saved
			return nil, false
		}
		actions = append(actions, res...)
		merge(s.visited, done)
	}
	if len(actions) == 0 {
		// All inputs already share c.
		actions = append(actions, &SetTranspose{Node: n, Idx: 0, Transpose: c.Clone(), NumInputs: len(s.g.VariableInEdges(n))})
	}
	return actions, true
}

func countPerms(perms []perm.Perm) int {
	var count int
	for _, p := range perms {
		if p != nil {
			count++
		}
	}
	return count
}

// candidates returns the distinct transposes of perms, in order.
func candidates(perms []perm.Perm) []perm.Perm {
	var res []perm.Perm
next:
	for _, p := range perms {
		if p == nil {
			continue
		}
		for _, c := range res {
			if c.Equal(p) {
				continue next
			}
		}
		res = append(res, p)
	}
	return res
}
