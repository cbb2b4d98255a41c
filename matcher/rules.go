package matcher

import (
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/quantize"
	"github.com/gomlx/nnrewrite/transposes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the built-in rules.
const (
	EliminateTransposes     = "eliminate_transposes"
	RemoveNoOps             = "remove_noops"
	ConcatSplit             = "concat_split"
	FuseActivation          = "fuse_activation"
	FindMissingQuantization = "find_missing_quantization"
)

// DefaultRules returns new instances of the built-in rules.
func DefaultRules() []Rule {
	return []Rule{
		NewRule(EliminateTransposes, eliminateTransposes).WithRunBefore(RemoveNoOps, FuseActivation),
		NewRule(RemoveNoOps, removeNoOps),
		NewRule(ConcatSplit, concatSplit).WithRunBefore(RemoveNoOps),
		NewRule(FuseActivation, fuseActivation).WithRunAfter(RemoveNoOps),
		NewRule(FindMissingQuantization, findMissingQuantization).
			WithRunAfter(EliminateTransposes, RemoveNoOps, ConcatSplit, FuseActivation),
	}
}

// DefaultRegistry returns a registry with the built-in rules.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultRules()...)
	if err != nil {
		panic(err)
	}
	return r
}

// eliminateTransposes runs one scan of the transpose elimination.
func eliminateTransposes(g *graph.Graph) (bool, error) {
	round, err := transposes.EliminateOnce(g)
	if err != nil {
		return false, err
	}
	return round.Actions > 0, nil
}

// removeNoOps bypasses nodes that don't change their input: transpose nodes left without a
// transpose or with the identity, NoOps, and copies that are not next to a graph input or output.
func removeNoOps(g *graph.Graph) (bool, error) {
	var modified bool
	for _, n := range g.Nodes(graph.KindTranspose, graph.KindNoOp, graph.KindCopy) {
		if n.HasTransposeOut() || len(g.VariableInEdges(n)) != 1 {
			continue
		}
		if n.HasTransposeIn() && !(n.Kind == graph.KindTranspose && n.TransposeInAt(0).IsIdentity()) {
			continue
		}
		if n.Kind == graph.KindCopy && touchesIO(g, n) {
			continue
		}
		klog.V(1).Infof("removing %s %s", n.Kind, n.Name)
		if err := g.Bypass(n); err != nil {
			return modified, err
		}
		modified = true
	}
	return modified, nil
}

func touchesIO(g *graph.Graph, n *graph.Node) bool {
	for _, e := range g.InEdges(n) {
		if e.From.Kind == graph.KindInput {
			return true
		}
	}
	for _, e := range g.OutEdges(n) {
		if e.To.Kind == graph.KindOutput {
			return true
		}
	}
	return false
}

// soleConsumer returns the only consumer of the output of n, or nil.
func soleConsumer(g *graph.Graph, n *graph.Node) *graph.Node {
	outs := g.OutEdges(n)
	if len(outs) != 1 {
		return nil
	}
	return outs[0].To
}

// concatSplit removes a concat followed, possibly through copies, by a split along the same
// axis into the same pieces: each concat input goes directly to the consumers of the matching
// split output.
func concatSplit(g *graph.Graph) (bool, error) {
	var modified bool
	for _, split := range g.Nodes(graph.KindSplit) {
		if !g.Has(split) || split.HasTransposeIn() || split.HasTransposeOut() {
			continue
		}
		ins := g.VariableInEdges(split)
		if len(ins) != 1 {
			continue
		}
		chain := []*graph.Node{split}
		producer := ins[0].From
		for producer.Kind == graph.KindCopy && !producer.HasTransposeIn() && soleConsumer(g, producer) != nil {
			chain = append(chain, producer)
			copyIns := g.VariableInEdges(producer)
			if len(copyIns) != 1 {
				break
			}
			producer = copyIns[0].From
		}
		concat := producer
		if concat.Kind != graph.KindConcat || concat.HasTransposeIn() || concat.HasTransposeOut() ||
			soleConsumer(g, concat) == nil {
			continue
		}
		axis := concat.Params.(*graph.ConcatParams).Axis
		sizes := split.Params.(*graph.SplitParams).Sizes
		concatIns := g.IndexedInEdges(concat)
		if axis != split.Params.(*graph.SplitParams).Axis || len(sizes) != len(concatIns) {
			continue
		}
		matching := true
		for idx, e := range concatIns {
			d := concat.InDim(idx)
			if e == nil || d == nil || axis >= d.Rank() || d.Shape[axis] != sizes[idx] {
				matching = false
				break
			}
		}
		if !matching {
			continue
		}

		klog.V(1).Infof("removing concat/split pair %s/%s", concat.Name, split.Name)
		splitOuts := g.IndexedOutEdges(split)
		for _, n := range append(chain, concat) {
			g.RemoveNode(n)
		}
		for idx, in := range concatIns {
			if idx >= len(splitOuts) {
				break
			}
			for _, out := range splitOuts[idx] {
				if _, err := g.AddEdge(in.From, in.FromIdx, out.To, out.ToIdx); err != nil {
					return modified, errors.WithMessagef(err, "while removing concat/split pair %s/%s", concat.Name, split.Name)
				}
			}
		}
		modified = true
	}
	return modified, nil
}

// fusionTypes are the fusion types of a filter followed by an activation.
var fusionTypes = map[graph.Kind]string{
	graph.KindConv2D: "conv_active",
	graph.KindLinear: "linear_active",
}

// fuseActivation moves a filter and the activation that is its only consumer into a fusion.
func fuseActivation(g *graph.Graph) (bool, error) {
	var modified bool
	for _, act := range g.Nodes(graph.KindActivation) {
		ins := g.VariableInEdges(act)
		if len(ins) != 1 || act.HasTransposeIn() || act.HasTransposeOut() {
			continue
		}
		filter := ins[0].From
		fusionType, found := fusionTypes[filter.Kind]
		// Filters still carrying transposes are fused once the elimination is done with them.
		if !found || filter.HasTransposeIn() || filter.HasTransposeOut() || soleConsumer(g, filter) != act {
			continue
		}
		name := filter.Name + "_" + act.Name
		if g.Node(name) != nil {
			continue
		}
		klog.V(1).Infof("fusing %s and %s into %s", filter.Name, act.Name, name)
		if _, err := g.NewFusion(name, fusionType, filter, act); err != nil {
			return modified, err
		}
		modified = true
	}
	return modified, nil
}

// findMissingQuantization completes the quantization of a quantized graph.
func findMissingQuantization(g *graph.Graph) (bool, error) {
	if len(g.Root().Quantization) == 0 {
		return false, nil
	}
	return quantize.PropagateMissing(g)
}
