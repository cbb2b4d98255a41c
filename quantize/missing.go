package quantize

import (
	"maps"
	"slices"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/qrec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PropagateMissing completes g.Quantization for the nodes without a QRec that only move their
// values: graph inputs and outputs, and the pass-through kinds (transposes, reshapes, copies,
// ...). Their QType is taken from the inputs of their consumers when known, otherwise from
// the outputs of their producers, until nothing changes.
//
// It returns whether any QRec was added. Nodes inside fusions are not visited.
func PropagateMissing(g *graph.Graph) (bool, error) {
	root := g.Root()
	recs := maps.Clone(root.Quantization)
	if recs == nil {
		recs = make(map[graph.NodeID]*qrec.QRec)
	}
	changed, err := propagateMissing(root, recs)
	if err != nil || !changed {
		return false, err
	}
	if root.Quantization == nil {
		root.Quantization = make(map[graph.NodeID]*qrec.QRec, len(recs))
	}
	maps.Copy(root.Quantization, recs)
	return true, nil
}

func canPropagate(kind graph.Kind) bool {
	return kind == graph.KindInput || kind == graph.KindOutput || slices.Contains(passThroughKinds, kind)
}

func propagateMissing(g *graph.Graph, recs map[graph.NodeID]*qrec.QRec) (bool, error) {
	var changed bool
	for {
		progress := false
		for _, n := range g.Nodes() {
			id := g.NodeID(n)
			if n.Kind == graph.KindFusion {
				for _, inner := range g.ContainedNodes(n) {
					if innerID := g.Subgraph(n).NodeID(inner); recs[innerID] == nil {
						klog.Warningf("node %s inside fusion %s has no quantization, it can't be propagated", innerID, id)
					}
				}
				continue
			}
			if recs[id] != nil || !canPropagate(n.Kind) {
				continue
			}
			back, err := goBack(g, n, id, recs)
			if err != nil {
				return false, err
			}
			forward, err := goForward(g, n, id, recs)
			if err != nil {
				return false, err
			}
			var qt *qrec.QType
			switch n.Kind {
			case graph.KindInput:
				qt = back
			case graph.KindOutput:
				qt = forward
			default:
				if back != nil && forward != nil && !back.Compatible(forward) {
					return false, errors.WithStack(&IncompatibleQuantizationError{Node: id, Index: 0, A: forward, B: back})
				}
				qt = back
				if qt == nil {
					qt = forward
				}
			}
			if qt == nil {
				continue
			}
			var inQs, outQs []*qrec.QType
			if n.Kind != graph.KindInput {
				inQs = []*qrec.QType{qt.Clone()}
			}
			for range n.NumOutputs {
				outQs = append(outQs, qt.Clone())
			}
			recs[id] = qrec.NewQRec(neighborScheme(g, n, recs), inQs, outQs)
			klog.V(1).Infof("missing quantization of %s set to %s", id, qt)
			progress, changed = true, true
		}
		if !progress {
			return changed, nil
		}
	}
}

// reduceQTypes returns the QType all the candidates agree on, or nil if there are none.
func reduceQTypes(id graph.NodeID, candidates []*qrec.QType, indices []int) (*qrec.QType, error) {
	var res *qrec.QType
	for ii, qt := range candidates {
		if res == nil {
			res = qt
			continue
		}
		if !res.Compatible(qt) {
			return nil, errors.WithStack(&IncompatibleQuantizationError{Node: id, Index: indices[ii], A: res, B: qt})
		}
	}
	return res, nil
}

// goBack returns the QType the consumers of n expect.
func goBack(g *graph.Graph, n *graph.Node, id graph.NodeID, recs map[graph.NodeID]*qrec.QRec) (*qrec.QType, error) {
	var (
		candidates []*qrec.QType
		indices    []int
	)
	for _, e := range g.OutEdges(n) {
		if qt := recs[g.NodeID(e.To)].InQ(e.ToIdx); qt != nil {
			candidates = append(candidates, qt)
			indices = append(indices, e.FromIdx)
		}
	}
	return reduceQTypes(id, candidates, indices)
}

// goForward returns the QType the producers of n give it.
func goForward(g *graph.Graph, n *graph.Node, id graph.NodeID, recs map[graph.NodeID]*qrec.QRec) (*qrec.QType, error) {
	var (
		candidates []*qrec.QType
		indices    []int
	)
	for _, e := range g.InEdges(n) {
		if qt := recs[g.NodeID(e.From)].OutQ(e.FromIdx); qt != nil {
			candidates = append(candidates, qt)
			indices = append(indices, e.ToIdx)
		}
	}
	return reduceQTypes(id, candidates, indices)
}

// neighborScheme returns the scheme of the QRecs around n.
func neighborScheme(g *graph.Graph, n *graph.Node, recs map[graph.NodeID]*qrec.QRec) qrec.Scheme {
	for _, e := range slices.Concat(g.OutEdges(n), g.InEdges(n)) {
		for _, other := range []*graph.Node{e.From, e.To} {
			if r := recs[g.NodeID(other)]; r != nil {
				return r.Scheme
			}
		}
	}
	return qrec.SchemeScaled
}
