// Package quantize decides the quantization of every tensor of a graph: it visits the nodes in
// topological order and asks the handler registered for the (scheme, kind) of each node for
// its QRec, given the QTypes its producers chose and the statistics of the node.
//
// Decisions forced by the options win over the handlers, a forced input is pushed back to the
// output of its producer, and constants are requantized when their consumer needs a different
// QType. Nodes that can't be decided locally (inputs without statistics and the nodes that
// only move their values) are completed by PropagateMissing.
package quantize

import (
	"maps"
	"slices"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/qrec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Quantize computes the QRec of every node of g, including the nodes inside fusions, and
// stores them in g.Quantization. Nothing is stored if it fails.
func Quantize(g *graph.Graph, stats Stats, opts Options) error {
	root := g.Root()
	if err := root.AddDimensions(); err != nil {
		return err
	}
	if opts.Bits == 0 {
		opts.Bits = DefaultOptions().Bits
		if opts.Scheme == qrec.SchemeFloat {
			opts.Bits = 32
		}
	}
	if opts.BiasBits == 0 {
		opts.BiasBits = DefaultOptions().BiasBits
	}
	q := &quantizer{
		stats:    stats,
		opts:     &opts,
		registry: opts.Registry,
		recs:     make(map[graph.NodeID]*qrec.QRec),
		forced:   make(map[graph.NodeID]*qrec.QRec, len(opts.Forced)),
	}
	if q.registry == nil {
		q.registry = DefaultRegistry()
	}
	for id, r := range opts.Forced {
		r = r.Clone()
		for _, qt := range slices.Concat(r.InQs, r.OutQs) {
			if qt != nil && qt.Forced == 0 {
				qt.SetForced(allFields)
			}
		}
		q.forced[id] = r
	}
	if err := q.pushForcedInputs(root); err != nil {
		return err
	}
	if _, err := q.quantizeGraph(root, nil); err != nil {
		return err
	}
	if _, err := propagateMissing(root, q.recs); err != nil {
		return err
	}
	if err := checkComplete(root, q.recs); err != nil {
		return err
	}
	if root.Quantization == nil {
		root.Quantization = make(map[graph.NodeID]*qrec.QRec, len(q.recs))
	}
	maps.Copy(root.Quantization, q.recs)
	return nil
}

type quantizer struct {
	stats    Stats
	opts     *Options
	registry *Registry

	// recs are the decisions so far, committed only at the end.
	recs map[graph.NodeID]*qrec.QRec

	// forced holds the forced QRecs of the options, plus the outputs forced by the inputs of
	// their consumers.
	forced map[graph.NodeID]*qrec.QRec
}

// pushForcedInputs forces the output of the producer of every forced input.
func (q *quantizer) pushForcedInputs(g *graph.Graph) error {
	for _, n := range g.Nodes() {
		if sub := g.Subgraph(n); sub != nil {
			if err := q.pushForcedInputs(sub); err != nil {
				return err
			}
		}
		id := g.NodeID(n)
		forced := q.forced[id]
		if forced == nil {
			continue
		}
		for idx, e := range g.IndexedInEdges(n) {
			want := forced.InQ(idx)
			if e == nil || want == nil {
				continue
			}
			pid := g.NodeID(e.From)
			producer := q.forced[pid]
			if have := producer.OutQ(e.FromIdx); have != nil {
				if !have.Compatible(want) {
					return errors.WithStack(&IncompatibleQuantizationError{Node: id, Index: idx, A: have, B: want})
				}
				continue
			}
			if producer == nil {
				producer = qrec.NewQRec(q.opts.Scheme, nil, nil)
				q.forced[pid] = producer
			}
			for len(producer.OutQs) <= e.FromIdx {
				producer.OutQs = append(producer.OutQs, nil)
			}
			producer.OutQs[e.FromIdx] = want.Clone()
			klog.V(2).Infof("forced input #%d of %s forces output #%d of %s to %s", idx, id, e.FromIdx, pid, want)
		}
	}
	return nil
}

// quantizeGraph quantizes the nodes of g. For fusion subgraphs boundary holds the QTypes of
// the fusion inputs, and the QTypes reaching the fusion outputs are returned.
func (q *quantizer) quantizeGraph(g *graph.Graph, boundary []*qrec.QType) ([]*qrec.QType, error) {
	nodes, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	var fusionOuts []*qrec.QType
	for _, n := range nodes {
		id := g.NodeID(n)
		edges := g.IndexedInEdges(n)
		forced := q.forced[id]
		inQs := make([]*qrec.QType, len(edges))
		for idx, e := range edges {
			if e != nil {
				inQs[idx] = q.recs[g.NodeID(e.From)].OutQ(e.FromIdx)
			}
			if f := forced.InQ(idx); f != nil {
				inQs[idx] = f
			}
		}

		var rec *qrec.QRec
		switch n.Kind {
		case graph.KindFusionInput:
			idx := n.Params.(*graph.FusionBoundaryParams).Idx
			if idx < len(boundary) && boundary[idx] != nil {
				rec = qrec.NewQRec(q.opts.Scheme, nil, []*qrec.QType{boundary[idx].Clone()})
			}
		case graph.KindFusionOutput:
			idx := n.Params.(*graph.FusionBoundaryParams).Idx
			for len(fusionOuts) <= idx {
				fusionOuts = append(fusionOuts, nil)
			}
			fusionOuts[idx] = inQs[0].Clone()
			rec = qrec.NewQRec(q.opts.Scheme, cloneAll(inQs), nil)
		case graph.KindFusion:
			outs, err := q.quantizeGraph(g.Subgraph(n), inQs)
			if err != nil {
				return nil, errors.WithMessagef(err, "in fusion %s", n.Name)
			}
			for len(outs) < n.NumOutputs {
				outs = append(outs, nil)
			}
			rec = qrec.NewQRec(q.opts.Scheme, cloneAll(inQs), outs)
		default:
			rec, err = q.quantizeNode(g, n, id, inQs, forced)
			if err != nil {
				return nil, err
			}
		}
		if rec == nil {
			klog.V(1).Infof("no quantization for %s yet", id)
			continue
		}
		applyForced(rec, forced)
		if err := q.reconcile(g, n, id, edges, rec); err != nil {
			return nil, err
		}
		if klog.V(2).Enabled() {
			klog.Infof("quantized %s: %s", id, rec)
		}
		q.recs[id] = rec
	}
	return fusionOuts, nil
}

func (q *quantizer) quantizeNode(g *graph.Graph, n *graph.Node, id graph.NodeID, inQs []*qrec.QType,
	forced *qrec.QRec) (*qrec.QRec, error) {
	nodeStats := q.stats.Get(id)
	if nodeStats == nil && n.NumOutputs > 0 && !slices.Contains(passThroughKinds, n.Kind) &&
		forcesAllOutputs(forced, n.NumOutputs) {
		return qrec.NewQRec(q.opts.Scheme, cloneAll(inQs), cloneAll(forced.OutQs[:n.NumOutputs])), nil
	}
	handler, found := q.registry.Lookup(q.opts.Scheme, n.Kind)
	if !found {
		return nil, errors.WithStack(&UnsupportedQuantizationError{Node: id, Scheme: q.opts.Scheme, Kind: n.Kind})
	}
	ctx := &HandlerContext{
		Graph:    g,
		Node:     n,
		ID:       id,
		InQs:     inQs,
		Stats:    nodeStats,
		AllStats: q.stats,
		Forced:   forced,
		Opts:     q.opts,
	}
	rec, err := handler(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "while quantizing %s (%s)", id, n.Kind)
	}
	return rec, nil
}

func forcesAllOutputs(forced *qrec.QRec, numOutputs int) bool {
	for idx := range numOutputs {
		if forced.OutQ(idx) == nil {
			return false
		}
	}
	return true
}

// applyForced replaces the QTypes of rec by the forced ones.
func applyForced(rec, forced *qrec.QRec) {
	if forced == nil {
		return
	}
	for idx, f := range forced.InQs {
		if f != nil && idx < len(rec.InQs) {
			rec.InQs[idx] = f.Clone()
		}
	}
	for idx, f := range forced.OutQs {
		if f != nil && idx < len(rec.OutQs) {
			rec.OutQs[idx] = f.Clone()
		}
	}
}

// reconcile checks the input QTypes chosen by a node against the outputs of its producers.
// Constants used only by this node are requantized, other differences are errors.
func (q *quantizer) reconcile(g *graph.Graph, n *graph.Node, id graph.NodeID, edges []*graph.Edge, rec *qrec.QRec) error {
	for idx, e := range edges {
		want := rec.InQ(idx)
		if e == nil || want == nil {
			continue
		}
		pid := g.NodeID(e.From)
		producer := q.recs[pid]
		have := producer.OutQ(e.FromIdx)
		if have == nil || have.Compatible(want) {
			continue
		}
		if e.From.Kind == graph.KindConstant && have.Forced == 0 && len(g.OutEdges(e.From)) == 1 {
			producer = producer.Clone()
			producer.OutQs[e.FromIdx] = want.Clone()
			q.recs[pid] = producer
			klog.V(2).Infof("constant %s requantized to %s for %s", pid, want, id)
			continue
		}
		return errors.WithStack(&IncompatibleQuantizationError{Node: id, Index: idx, A: have, B: want})
	}
	return nil
}

// checkComplete fails if a node of the graph still has no QRec.
func checkComplete(g *graph.Graph, recs map[graph.NodeID]*qrec.QRec) error {
	for _, n := range g.Nodes() {
		id := g.NodeID(n)
		if recs[id] == nil {
			return errors.Errorf("no quantization could be decided for %s (%s): add statistics or force it", id, n.Kind)
		}
		if sub := g.Subgraph(n); sub != nil {
			if err := checkComplete(sub, recs); err != nil {
				return err
			}
		}
	}
	return nil
}
