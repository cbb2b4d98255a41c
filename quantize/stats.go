package quantize

import (
	"maps"

	"github.com/chewxy/math32"
	"github.com/gomlx/nnrewrite/expr"
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/qrec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Range is the [Min, Max] of the values of a tensor.
type Range = expr.Range

// NodeStats are the ranges observed for one node.
type NodeStats struct {
	In, Out []Range

	// Acc is the range of the accumulator of filters, if known.
	Acc *Range

	// Vars are the ranges of the variables and named sub-expressions of expression nodes.
	Vars expr.Stats
}

// InRange returns the range of input idx.
func (s *NodeStats) InRange(idx int) (Range, bool) {
	if s == nil || idx >= len(s.In) || idx < 0 {
		return Range{}, false
	}
	return s.In[idx], true
}

// OutRange returns the range of output idx.
func (s *NodeStats) OutRange(idx int) (Range, bool) {
	if s == nil || idx >= len(s.Out) || idx < 0 {
		return Range{}, false
	}
	return s.Out[idx], true
}

// GetAcc returns the accumulator range, or nil.
func (s *NodeStats) GetAcc() *Range {
	if s == nil {
		return nil
	}
	return s.Acc
}

// Stats maps nodes, including nodes inside fusions, to their ranges.
type Stats map[graph.NodeID]*NodeStats

// Get returns the statistics of a node, or nil.
func (s Stats) Get(id graph.NodeID) *NodeStats {
	if s == nil {
		return nil
	}
	return s[id]
}

// SetOut sets the range of one output of a node.
func (s Stats) SetOut(id graph.NodeID, idx int, r Range) {
	ns := s.entry(id)
	for len(ns.Out) <= idx {
		ns.Out = append(ns.Out, Range{})
	}
	ns.Out[idx] = r
}

// SetIn sets the range of one input of a node.
func (s Stats) SetIn(id graph.NodeID, idx int, r Range) {
	ns := s.entry(id)
	for len(ns.In) <= idx {
		ns.In = append(ns.In, Range{})
	}
	ns.In[idx] = r
}

func (s Stats) entry(id graph.NodeID) *NodeStats {
	ns, found := s[id]
	if !found {
		ns = &NodeStats{}
		s[id] = ns
	}
	return ns
}

// Merge returns the union of both statistics. Nodes present in both take other's entry.
func (s Stats) Merge(other Stats) Stats {
	res := maps.Clone(s)
	if res == nil {
		res = make(Stats, len(other))
	}
	maps.Copy(res, other)
	return res
}

// tensorValue is a statically known tensor.
type tensorValue struct {
	shape []int
	data  []float32
}

func (v *tensorValue) Range() Range {
	lo, hi := qrec.MinMax(v.data)
	return Range{Min: float64(lo), Max: float64(hi)}
}

// CollectStats computes the ranges that are known statically: constants and the nodes that
// only depend on constants. Ranges of values that depend on graph inputs come from executing
// the graph on sample data, and are merged with Stats.Merge.
func CollectStats(g *graph.Graph) (Stats, error) {
	if err := g.AddDimensions(); err != nil {
		return nil, err
	}
	stats := make(Stats)
	if err := collectGraph(g, stats, nil); err != nil {
		return nil, err
	}
	return stats, nil
}

func collectGraph(g *graph.Graph, stats Stats, boundary []*tensorValue) error {
	nodes, err := g.TopologicalSort()
	if err != nil {
		return err
	}
	values := make(map[*graph.Node][]*tensorValue)
	for _, n := range nodes {
		edges := g.IndexedInEdges(n)
		ins := make([]*tensorValue, len(edges))
		for idx, e := range edges {
			if e == nil {
				continue
			}
			if outs := values[e.From]; e.FromIdx < len(outs) {
				ins[idx] = outs[e.FromIdx]
			}
		}
		outs, err := evalNode(g, n, ins, stats, boundary)
		if err != nil {
			return errors.WithMessagef(err, "while collecting statistics of %s", n.Name)
		}
		id := g.NodeID(n)
		for idx, v := range ins {
			if v != nil {
				stats.SetIn(id, idx, v.Range())
			}
		}
		if outs == nil {
			continue
		}
		values[n] = outs
		for idx, v := range outs {
			if v != nil {
				stats.SetOut(id, idx, v.Range())
			}
		}
	}
	return nil
}

// evalNode returns the values of the outputs of n, or nil if they aren't known.
func evalNode(g *graph.Graph, n *graph.Node, ins []*tensorValue, stats Stats, boundary []*tensorValue) ([]*tensorValue, error) {
	switch n.Kind {
	case graph.KindConstant:
		params := n.Params.(*graph.ConstantParams)
		if params.Value == nil {
			return nil, nil
		}
		return []*tensorValue{{shape: params.Dims.Shape, data: params.Value}}, nil
	case graph.KindFusionInput:
		idx := n.Params.(*graph.FusionBoundaryParams).Idx
		if idx < len(boundary) && boundary[idx] != nil {
			return []*tensorValue{boundary[idx]}, nil
		}
		return nil, nil
	case graph.KindFusion:
		// Constants inside the fusion get their statistics even if the fusion inputs are unknown.
		return nil, collectGraph(g.Subgraph(n), stats, ins)
	}
	if len(ins) == 0 {
		return nil, nil
	}
	kernelIns := make([]*tensorValue, len(ins))
	for idx, v := range ins {
		if v == nil {
			return nil, nil
		}
		t, err := transposeValue(v, n.TransposeInAt(idx))
		if err != nil {
			return nil, err
		}
		kernelIns[idx] = t
	}

	var out *tensorValue
	switch {
	case n.Kind == graph.KindTranspose, n.Kind == graph.KindCopy, n.Kind == graph.KindNoOp:
		out = kernelIns[0]
	case n.Kind == graph.KindReshape:
		out = &tensorValue{shape: n.Params.(*graph.ReshapeParams).Shape.Shape, data: kernelIns[0].data}
	case n.Kind == graph.KindActivation:
		fn, found := activations[n.Params.(*graph.ActivationParams).Type]
		if !found {
			return nil, nil
		}
		data := make([]float32, len(kernelIns[0].data))
		for ii, x := range kernelIns[0].data {
			data[ii] = fn(x)
		}
		out = &tensorValue{shape: kernelIns[0].shape, data: data}
	case n.Kind.IsBinary() && len(kernelIns) == 2:
		v, err := broadcastBinary(n.Kind, kernelIns[0], kernelIns[1])
		if err != nil {
			return nil, err
		}
		out = v
	default:
		return nil, nil
	}
	out, err := transposeValue(out, n.TransposeOutAt(0))
	if err != nil {
		return nil, err
	}
	if klog.V(2).Enabled() {
		klog.Infof("static value of %s: range %v", n.Name, out.Range())
	}
	return []*tensorValue{out}, nil
}

func transposeValue(v *tensorValue, p []int) (*tensorValue, error) {
	if p == nil {
		return v, nil
	}
	data, err := graph.TransposeData(v.data, v.shape, p)
	if err != nil {
		return nil, err
	}
	shape := make([]int, len(p))
	for ii, axis := range p {
		shape[ii] = v.shape[axis]
	}
	return &tensorValue{shape: shape, data: data}, nil
}

var activations = map[string]func(float32) float32{
	"relu":     func(x float32) float32 { return math32.Max(x, 0) },
	"relu6":    func(x float32) float32 { return math32.Min(math32.Max(x, 0), 6) },
	"sigmoid":  func(x float32) float32 { return 1 / (1 + math32.Exp(-x)) },
	"tanh":     func(x float32) float32 { return 1 - 2/(math32.Exp(2*x)+1) },
	"hsigmoid": func(x float32) float32 { return math32.Min(math32.Max(x+3, 0), 6) / 6 },
}

var binaryOps = map[graph.Kind]func(a, b float32) float32{
	graph.KindAdd: func(a, b float32) float32 { return a + b },
	graph.KindSub: func(a, b float32) float32 { return a - b },
	graph.KindMul: func(a, b float32) float32 { return a * b },
	graph.KindDiv: func(a, b float32) float32 { return a / b },
	graph.KindMax: math32.Max,
	graph.KindMin: math32.Min,
}

// broadcastBinary applies a binary operator to operands of the same rank whose axes match or
// are of size 1.
func broadcastBinary(kind graph.Kind, a, b *tensorValue) (*tensorValue, error) {
	if len(a.shape) != len(b.shape) {
		return nil, errors.Errorf("cannot broadcast shapes %v and %v", a.shape, b.shape)
	}
	rank := len(a.shape)
	shape := make([]int, rank)
	size := 1
	for axis := range shape {
		sa, sb := a.shape[axis], b.shape[axis]
		switch {
		case sa == sb || sb == 1:
			shape[axis] = sa
		case sa == 1:
			shape[axis] = sb
		default:
			return nil, errors.Errorf("cannot broadcast shapes %v and %v", a.shape, b.shape)
		}
		size *= shape[axis]
	}
	op := binaryOps[kind]
	data := make([]float32, size)
	index := make([]int, rank)
	for flat := range data {
		data[flat] = op(a.data[broadcastOffset(index, a.shape)], b.data[broadcastOffset(index, b.shape)])
		for axis := rank - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < shape[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return &tensorValue{shape: shape, data: data}, nil
}

// broadcastOffset returns the row-major offset of index in a tensor of shape, with size 1
// axes always read at 0.
func broadcastOffset(index, shape []int) int {
	offset := 0
	for axis, size := range shape {
		offset *= size
		if size > 1 {
			offset += index[axis]
		}
	}
	return offset
}
