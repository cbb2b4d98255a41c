package transposes

import (
	"maps"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/perm"
	"k8s.io/klog/v2"
)

type edgeSet = sets.Set[graph.EdgeKey]

// searcher holds the state of one scan of the graph: edges already claimed by an accepted
// search can't be used by another one in the same scan.
type searcher struct {
	g       *graph.Graph
	visited edgeSet
}

func newSearcher(g *graph.Graph) *searcher {
	return &searcher{g: g, visited: sets.Make[graph.EdgeKey]()}
}

func (s *searcher) isVisited(path edgeSet, e *graph.Edge) bool {
	key := e.Key()
	return s.visited.Has(key) || path.Has(key)
}

func withEdge(path edgeSet, e *graph.Edge) edgeSet {
	res := maps.Clone(path)
	res.Insert(e.Key())
	return res
}

func merge(into, from edgeSet) {
	for key := range from {
		into.Insert(key)
	}
}

func shapeOf(d *graph.Dim) []int {
	if d == nil {
		return nil
	}
	return d.Shape
}

// permuteShape returns the shape of d transposed by p, or nil if they don't match.
func permuteShape(p perm.Perm, d *graph.Dim) []int {
	if d == nil || len(p) != d.Rank() {
		return nil
	}
	return perm.Apply(p, d.Shape)
}

func (s *searcher) reject(node *graph.Node, reason string) []Action {
	klog.V(1).Infof("rejected %s - %s", node.Name, reason)
	return nil
}

// accept claims the edges of the path.
func (s *searcher) accept(node *graph.Node, reason string, path, done edgeSet) {
	klog.V(1).Infof("accepted %s - %s", node.Name, reason)
	merge(done, path)
}

// searchUp looks for a way for node's output outIdx to produce its data transposed by t, so
// the consumer that started the search can drop its input transpose.
func (s *searcher) searchUp(path edgeSet, node *graph.Node, outIdx int, t perm.Perm, done edgeSet, history History) []Action {
	klog.V(1).Infof("looking up at %s[%d] transpose %s", node.Name, outIdx, t)
	caps := node.Caps
	transposable := caps.Has(graph.CapTransposable)
	if caps.Has(graph.CapSensitiveToOrder) {
		return s.reject(node, "sensitive to order")
	}
	if len(s.g.OutEdges(node)) > 1 {
		return s.reject(node, "multiple consumers")
	}

	if caps.Has(graph.CapLinear) && node.Kind == graph.KindLinear {
		layout, found := history.FirstValid()
		if !found {
			if t == nil {
				return s.reject(node, "linear layer without transpose")
			}
			layout = Layout{Perm: t.Clone(), Shape: shapeOf(node.OutDim(outIdx))}
		}
		s.accept(node, "linear layer reorder output", path, done)
		return []Action{&ReorderLinear{Node: node, Dir: Out, Transpose: layout.Perm, Shape: layout.Shape}, &EndUp{node}}
	}

	if t != nil && node.OutDim(outIdx) != nil && node.OutDim(outIdx).Rank() != len(t) {
		return s.reject(node, "rank doesn't match the transpose")
	}

	if transposable {
		switch {
		case node.HasTransposeOut():
			tout := node.TransposeOutAt(outIdx)
			if t != nil && tout != nil && perm.Reverses(tout, t, permuteShape(perm.Reverse(tout), node.OutDim(outIdx))) {
				s.accept(node, "transpose out", path, done)
				return []Action{NewSetHint(node, Out, outIdx, t), &DeleteTranspose{Node: node, Dir: Out, Idx: outIdx}, &EndUp{node}}
			}
			return s.reject(node, "transpose out does not reverse")
		case node.Kind == graph.KindInput && !node.FixedOrder:
			if t == nil {
				return s.reject(node, "input without a transpose to apply")
			}
			s.accept(node, "input without fixed order", path, done)
			return []Action{&ReorderInputDims{Node: node, Transpose: t.Clone()}, &EndUp{node}}
		case node.Kind == graph.KindConstant:
			if t == nil {
				return s.reject(node, "constant without a transpose to apply")
			}
			s.accept(node, "constant", path, done)
			return []Action{&ReorderConstant{Node: node, Transpose: t.Clone()}, &EndUp{node}}
		case !caps.Has(graph.CapPassUp):
			return s.reject(node, "cannot pass up")
		}
	}

	var extra []Action
	if node.Kind == graph.KindReshape {
		params := node.Params.(*graph.ReshapeParams)
		newT := perm.ReverseThroughReshape(t, params.Shape.Shape, params.OldShape.Shape)
		// A reshape from a single axis is crossed without transpose: a linear layer above
		// can still reorder its outputs using the history.
		if newT == nil && params.OldShape.Rank() > 1 {
			return s.reject(node, "reshape doesn't preserve the transpose")
		}
		history = history.Prepend(HistoryEntry{
			Node:   node,
			Before: Layout{Perm: newT, Shape: params.OldShape.Clone().Shape},
			After:  Layout{Perm: t.Clone(), Shape: params.Shape.Clone().Shape},
		})
		set := &SetReshape{Node: node}
		if newT != nil {
			set.InShape = params.OldShape.CalcTranspose(newT)
		}
		if t != nil {
			set.OutDim = params.Shape.CalcTranspose(t)
		}
		extra = []Action{set, NewSetHint(node, Out, outIdx, t)}
		if node.HasTransposeIn() {
			if newT == nil {
				return s.reject(node, "reshape transpose in can't be reversed")
			}
			if perm.Reverses(node.TransposeInAt(0), newT, shapeOf(node.InDim(0))) {
				s.accept(node, "reshape transpose in", path, done)
				res := append([]Action{&DeleteTranspose{Node: node, Dir: In, Idx: 0}}, extra...)
				return append(res, &EndUp{node})
			}
		}
		t = newT
	} else if t != nil {
		extra = []Action{NewSetHint(node, Out, outIdx, t)}
		if a := paramsAction(node, t); a != nil {
			extra = append(extra, a)
		}
	}

	if transposable && node.HasTransposeIn() {
		return s.reject(node, "transpose in")
	}
	res := s.searchUpEdges(path, node, t, done, history)
	if len(res) == 0 {
		return nil
	}
	return append(extra, res...)
}

// searchUpEdges searches up all the inputs of node: every one of them must succeed.
func (s *searcher) searchUpEdges(path edgeSet, node *graph.Node, t perm.Perm, done edgeSet, history History) []Action {
	var all []Action
	for _, e := range s.g.VariableInEdges(node) {
		if s.isVisited(path, e) {
			return nil
		}
		res := s.searchUp(withEdge(path, e), e.From, e.FromIdx, t, done, history)
		if len(res) == 0 {
			klog.V(1).Infof("rejected up edges from %s", node.Name)
			return nil
		}
		all = append(all, NewSetHint(node, In, e.ToIdx, t))
		all = append(all, res...)
	}
	return all
}

// searchUpStart starts a search up from the input edge e of a node that will see its input
// transposed by target (nil to drop the transpose) once the producers emit their data
// transposed by t.
func (s *searcher) searchUpStart(e *graph.Edge, t, target perm.Perm, done edgeSet) []Action {
	if s.isVisited(nil, e) {
		return nil
	}
	klog.V(1).Infof("++ starting up from %s[%d]", e.To.Name, e.ToIdx)
	res := s.searchUp(withEdge(sets.Make[graph.EdgeKey](), e), e.From, e.FromIdx, t, done, nil)
	if len(res) == 0 {
		return nil
	}
	klog.V(1).Infof("++ found results for %s[%d]", e.To.Name, e.ToIdx)
	var first Action = &DeleteTranspose{Node: e.To, Dir: In, Idx: e.ToIdx}
	if target != nil {
		first = &SetTranspose{Node: e.To, Idx: e.ToIdx, Transpose: target.Clone(),
			NumInputs: len(s.g.VariableInEdges(e.To))}
	}
	return append([]Action{&StartUp{e.To}, first, NewSetHint(e.To, In, e.ToIdx, t)}, res...)
}

// searchDown looks for a way for node's input inIdx to receive the data without the
// transpose t applied by the producer that started the search.
func (s *searcher) searchDown(path edgeSet, node *graph.Node, inIdx int, t perm.Perm, done edgeSet) []Action {
	klog.V(1).Infof("looking down at %s[%d] transpose %s", node.Name, inIdx, t)
	caps := node.Caps
	transposable := caps.Has(graph.CapTransposable)
	if caps.Has(graph.CapSensitiveToOrder) {
		return s.reject(node, "sensitive to order")
	}
	if !transposable && len(s.g.VariableInEdges(node)) > 1 {
		return s.reject(node, "multiple inputs")
	}
	reverse := perm.Reverse(t)

	if caps.Has(graph.CapLinear) && node.Kind == graph.KindLinear {
		s.accept(node, "linear layer reorder input", path, done)
		return []Action{&ReorderLinear{Node: node, Dir: In, Transpose: reverse, Shape: shapeOf(node.InDim(inIdx))}, &EndDown{node}}
	}

	if transposable {
		switch {
		case node.TransposeInAt(inIdx) != nil:
			if perm.Reverses(t, node.TransposeInAt(inIdx), permuteShape(reverse, node.InDim(inIdx))) {
				s.accept(node, "transpose in", path, done)
				return []Action{NewSetHint(node, In, inIdx, reverse), &DeleteTranspose{Node: node, Dir: In, Idx: inIdx}, &EndDown{node}}
			}
			return s.reject(node, "transpose in does not reverse")
		case node.Kind == graph.KindOutput && !node.FixedOrder:
			s.accept(node, "output without fixed order", path, done)
			return []Action{NewSetHint(node, In, inIdx, reverse), &EndDown{node}}
		case caps.Has(graph.CapBroadcastable):
			s.accept(node, "propagated transpose to broadcasting operator", path, done)
			return []Action{&SetTranspose{Node: node, Idx: inIdx, Transpose: t.Clone(),
				NumInputs: len(s.g.VariableInEdges(node))}, &EndDown{node}}
		case len(t) == 1:
			s.accept(node, "transpose of length 1", path, done)
			return []Action{&EndDown{node}}
		case !caps.Has(graph.CapPassDown):
			return s.reject(node, "cannot pass down")
		}
	}

	var extra []Action
	if node.Kind == graph.KindReshape {
		params := node.Params.(*graph.ReshapeParams)
		newReverse := perm.ReverseThroughReshape(reverse, params.OldShape.Shape, params.Shape.Shape)
		if newReverse == nil {
			return s.reject(node, "reshape doesn't preserve the transpose")
		}
		newT := perm.Reverse(newReverse)
		klog.V(1).Infof("reshape %s transpose %s -> %s, shape %s -> %s", node.Name, t, newT, params.OldShape, params.Shape)
		extra = []Action{
			&SetReshape{Node: node, InShape: params.OldShape.CalcTranspose(reverse), OutDim: params.Shape.CalcTranspose(newReverse)},
			NewSetHint(node, In, inIdx, reverse),
		}
		if node.HasTransposeOut() {
			tout := node.TransposeOutAt(0)
			if perm.Reverses(newT, tout, perm.Apply(newReverse, params.Shape.Shape)) || len(newT) == 1 {
				s.accept(node, "reshape transpose out", path, done)
				res := append([]Action{&DeleteTranspose{Node: node, Dir: Out, Idx: 0}}, extra...)
				return append(res, &EndDown{node})
			}
		}
		t = newT
	} else {
		extra = []Action{NewSetHint(node, In, inIdx, reverse)}
		if a := paramsAction(node, reverse); a != nil {
			extra = append(extra, a)
		}
	}

	if transposable && node.HasTransposeOut() {
		return s.reject(node, "transpose out")
	}
	res := s.searchDownEdges(path, node, t, done)
	if len(res) == 0 {
		return nil
	}
	return append(extra, res...)
}

// searchDownEdges searches down every consumer of every output of node.
func (s *searcher) searchDownEdges(path edgeSet, node *graph.Node, t perm.Perm, done edgeSet) []Action {
	var all []Action
	for fromIdx, edges := range s.g.IndexedOutEdges(node) {
		if len(edges) == 0 {
			continue
		}
		res := s.searchDownSlot(path, edges, t, done)
		if len(res) == 0 {
			klog.V(1).Infof("rejected down edges from %s[%d]", node.Name, fromIdx)
			return nil
		}
		all = append(all, NewSetHint(node, Out, fromIdx, perm.Reverse(t)))
		all = append(all, res...)
	}
	return all
}

// searchDownSlot searches down all the consumers of one output. The edges they claim are only
// added to done if all of them succeed.
func (s *searcher) searchDownSlot(path edgeSet, edges []*graph.Edge, t perm.Perm, done edgeSet) []Action {
	slotDone := maps.Clone(done)
	var all []Action
	for _, e := range edges {
		if s.isVisited(path, e) {
			return nil
		}
		res := s.searchDown(withEdge(path, e), e.To, e.ToIdx, t, slotDone)
		if len(res) == 0 {
			return nil
		}
		all = append(all, res...)
	}
	merge(done, slotDone)
	return all
}

// searchDownStart starts a search down from the output fromIdx of node, whose transpose t
// would be dropped.
func (s *searcher) searchDownStart(node *graph.Node, fromIdx int, edges []*graph.Edge, t perm.Perm, done edgeSet) []Action {
	klog.V(1).Infof("++ starting down from %s[%d]", node.Name, fromIdx)
	res := s.searchDownSlot(sets.Make[graph.EdgeKey](), edges, t, done)
	if len(res) == 0 {
		return nil
	}
	klog.V(1).Infof("++ found results for %s[%d]", node.Name, fromIdx)
	return append([]Action{
		&StartDown{node},
		&DeleteTranspose{Node: node, Dir: Out, Idx: fromIdx},
		NewSetHint(node, Out, fromIdx, perm.Reverse(t)),
	}, res...)
}
