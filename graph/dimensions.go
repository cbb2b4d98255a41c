package graph

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ShapeFunc computes the output dimensions of a node from its input dimensions, as seen by
// the kernel (after TransposeIn is applied).
type ShapeFunc func(g *Graph, n *Node, ins []*Dim) ([]*Dim, error)

// ShapeFuncs is the shape inference rule per kind.
var ShapeFuncs map[Kind]ShapeFunc

func init() {
	ShapeFuncs = map[Kind]ShapeFunc{
		KindInput:        inputShape,
		KindOutput:       noOutputsShape,
		KindConstant:     constantShape,
		KindTranspose:    sameShape,
		KindReshape:      reshapeShape,
		KindConv2D:       conv2DShape,
		KindLinear:       linearShape,
		KindAdd:          broadcastShape,
		KindSub:          broadcastShape,
		KindMul:          broadcastShape,
		KindDiv:          broadcastShape,
		KindMax:          broadcastShape,
		KindMin:          broadcastShape,
		KindExpression:   broadcastShape,
		KindActivation:   sameShape,
		KindCopy:         sameShape,
		KindNoOp:         sameShape,
		KindPad:          padShape,
		KindReverse:      reverseShape,
		KindStridedSlice: stridedSliceShape,
		KindConcat:       concatShape,
		KindSplit:        splitShape,
		KindFusion:       fusionShape,
		KindFusionInput:  fusionInputShape,
		KindFusionOutput: noOutputsShape,
	}
}

// AddDimensions recomputes the dimensions of every node in topological order, from the
// graph inputs and constants forward. Fusion subgraphs are recomputed recursively.
func (g *Graph) AddDimensions() error {
	sorted, err := g.TopologicalSort()
	if err != nil {
		return err
	}
	for _, n := range sorted {
		if err := g.nodeDimensions(n); err != nil {
			var shapeErr *ShapeError
			if errors.As(err, &shapeErr) {
				return err
			}
			return errors.WithStack(&ShapeError{Node: n.Name, Err: err})
		}
	}
	return nil
}

func (g *Graph) nodeDimensions(n *Node) error {
	shapeFn, found := ShapeFuncs[n.Kind]
	if !found {
		return errors.Errorf("no shape inference rule for kind %s", n.Kind)
	}
	var ins []*Dim
	for idx, e := range g.IndexedInEdges(n) {
		if e == nil {
			return errors.Errorf("input #%d is not connected", idx)
		}
		d := e.From.OutDim(e.FromIdx)
		if d == nil {
			return errors.Errorf("producer %q has no output #%d", e.From.Name, e.FromIdx)
		}
		ins = append(ins, withHint(d.Clone(), n.InDimsHint, idx))
	}
	n.InDims = ins

	kernelIns := make([]*Dim, len(ins))
	for idx, d := range ins {
		p := n.TransposeInAt(idx)
		if p != nil && len(p) != d.Rank() {
			return errors.Errorf("transpose %s of input #%d doesn't match its dimension %s", p, idx, d)
		}
		kernelIns[idx] = d.CalcTranspose(p)
	}
	outs, err := shapeFn(g, n, kernelIns)
	if err != nil {
		return err
	}
	for idx, d := range outs {
		p := n.TransposeOutAt(idx)
		if p != nil && len(p) != d.Rank() {
			return errors.Errorf("transpose %s of output #%d doesn't match its dimension %s", p, idx, d)
		}
		outs[idx] = withHint(d.CalcTranspose(p), n.OutDimsHint, idx)
	}
	n.OutDims = outs
	if klog.V(3).Enabled() {
		klog.Infof("dimensions %s", n)
	}
	return nil
}

// withHint names an unnamed dimension from the hints, if there is a hint of the same rank.
func withHint(d *Dim, hints [][]string, idx int) *Dim {
	if d.IsNamed() || idx >= len(hints) || len(hints[idx]) != d.Rank() {
		return d
	}
	if named, err := NewNamedDim(hints[idx], d.Shape); err == nil {
		return named
	}
	return d
}

func expectInputs(ins []*Dim, count int) error {
	if len(ins) != count {
		return errors.Errorf("expected %d inputs, got %d", count, len(ins))
	}
	return nil
}

func inputShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if err := expectInputs(ins, 0); err != nil {
		return nil, err
	}
	return []*Dim{n.Params.(*InputParams).Dims.Clone()}, nil
}

func constantShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if err := expectInputs(ins, 0); err != nil {
		return nil, err
	}
	params := n.Params.(*ConstantParams)
	if params.Value != nil && len(params.Value) != params.Dims.Size() {
		return nil, errors.Errorf("constant has %d values for dimension %s", len(params.Value), params.Dims)
	}
	return []*Dim{params.Dims.Clone()}, nil
}

func noOutputsShape(_ *Graph, _ *Node, ins []*Dim) ([]*Dim, error) {
	if err := expectInputs(ins, 1); err != nil {
		return nil, err
	}
	return nil, nil
}

func sameShape(_ *Graph, _ *Node, ins []*Dim) ([]*Dim, error) {
	if err := expectInputs(ins, 1); err != nil {
		return nil, err
	}
	return []*Dim{ins[0].Clone()}, nil
}

func reshapeShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if err := expectInputs(ins, 1); err != nil {
		return nil, err
	}
	params := n.Params.(*ReshapeParams)
	if ins[0].Size() != params.OldShape.Size() || params.OldShape.Size() != params.Shape.Size() {
		return nil, errors.Errorf("cannot reshape %s (expected %s) into %s", ins[0], params.OldShape, params.Shape)
	}
	return []*Dim{params.Shape.Clone()}, nil
}

// axesByName returns the sizes of the named axes, falling back to positional order for unnamed dims.
func axesByName(d *Dim, names []string) ([]int, error) {
	if d.Rank() != len(names) {
		return nil, errors.Errorf("dimension %s doesn't have axes %q", d, names)
	}
	sizes := make([]int, len(names))
	for ii, name := range names {
		if !d.IsNamed() {
			sizes[ii] = d.Shape[ii]
			continue
		}
		axis := d.Axis(name)
		if axis < 0 {
			return nil, errors.Errorf("dimension %s doesn't have axis %q", d, name)
		}
		sizes[ii] = d.Shape[axis]
	}
	return sizes, nil
}

func conv2DShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if len(ins) < 2 || len(ins) > 3 {
		return nil, errors.Errorf("convolution expects 2 or 3 inputs, got %d", len(ins))
	}
	params := n.Params.(*Conv2DParams)
	in, err := axesByName(ins[0], []string{"h", "w", "c"})
	if err != nil {
		return nil, err
	}
	filter, err := axesByName(ins[1], []string{"out_c", "h", "w", "in_c"})
	if err != nil {
		return nil, err
	}
	if in[2] != filter[3] {
		return nil, errors.Errorf("input has %d channels, filter expects %d", in[2], filter[3])
	}
	if len(ins) == 3 && ins[2].Size() != filter[0] {
		return nil, errors.Errorf("bias %s doesn't match %d output channels", ins[2], filter[0])
	}
	outSizes := map[string]int{"c": filter[0]}
	for ii, axis := range []string{"h", "w"} {
		stride := max(params.Stride[ii], 1)
		if params.Same {
			outSizes[axis] = (in[ii] + stride - 1) / stride
		} else {
			outSizes[axis] = (in[ii]-filter[ii+1])/stride + 1
		}
		if outSizes[axis] <= 0 {
			return nil, errors.Errorf("filter %s larger than input %s", ins[1], ins[0])
		}
	}
	names := ins[0].Names
	if names == nil {
		names = []string{"h", "w", "c"}
	}
	shape := make([]int, len(names))
	for ii, name := range names {
		shape[ii] = outSizes[name]
	}
	out, err := NewNamedDim(names, shape)
	if err != nil {
		return nil, err
	}
	return []*Dim{out}, nil
}

func linearShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if err := expectInputs(ins, 1); err != nil {
		return nil, err
	}
	params := n.Params.(*LinearParams)
	if ins[0].Size() != params.InFeatures {
		return nil, errors.Errorf("linear layer expects %d input features, got %s", params.InFeatures, ins[0])
	}
	if params.Weights != nil && len(params.Weights) != params.InFeatures*params.OutFeatures {
		return nil, errors.Errorf("linear layer has %d weights, expected %dx%d", len(params.Weights),
			params.OutFeatures, params.InFeatures)
	}
	return []*Dim{NewDim(params.OutFeatures)}, nil
}

// broadcastShape requires inputs of the same rank whose axes either match or are of size 1.
// The output takes the axis names of the largest input.
func broadcastShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if len(ins) == 0 {
		return nil, errors.New("expected at least one input")
	}
	if n.Kind.IsBinary() && len(ins) != 2 {
		return nil, errors.Errorf("binary operator expects 2 inputs, got %d", len(ins))
	}
	largest := 0
	for ii, d := range ins {
		if d.Rank() != ins[0].Rank() {
			return nil, errors.Errorf("broadcast inputs %v have different ranks", ins)
		}
		if d.Size() > ins[largest].Size() {
			largest = ii
		}
	}
	out := ins[largest].Clone()
	for axis := range out.Shape {
		for _, d := range ins {
			s := d.Shape[axis]
			switch {
			case s == out.Shape[axis] || s == 1:
			case out.Shape[axis] == 1:
				out.Shape[axis] = s
			default:
				return nil, errors.Errorf("cannot broadcast inputs %v on axis %d", ins, axis)
			}
		}
	}
	return []*Dim{out}, nil
}

func padShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if err := expectInputs(ins, 1); err != nil {
		return nil, err
	}
	params := n.Params.(*PadParams)
	if len(params.Padding) != ins[0].Rank() {
		return nil, errors.Errorf("padding %v doesn't match input %s", params.Padding, ins[0])
	}
	out := ins[0].Clone()
	for axis, pad := range params.Padding {
		out.Shape[axis] += pad[0] + pad[1]
	}
	return []*Dim{out}, nil
}

func reverseShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if err := expectInputs(ins, 1); err != nil {
		return nil, err
	}
	if axis := n.Params.(*ReverseParams).Axis; axis < 0 || axis >= ins[0].Rank() {
		return nil, errors.Errorf("reverse axis %d out of range for %s", axis, ins[0])
	}
	return []*Dim{ins[0].Clone()}, nil
}

// SliceSize returns the number of elements selected by s on an axis of the given size.
func SliceSize(s Slice, size int) int {
	step := s.Step
	if step == 0 {
		step = 1
	}
	begin, end := min(max(s.Begin, 0), size), min(max(s.End, 0), size)
	if step > 0 {
		if end <= begin {
			return 0
		}
		return (end - begin + step - 1) / step
	}
	begin, end = min(max(s.Begin, -1), size-1), min(max(s.End, -1), size-1)
	if begin <= end {
		return 0
	}
	return (begin - end - step - 1) / -step
}

func stridedSliceShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if err := expectInputs(ins, 1); err != nil {
		return nil, err
	}
	params := n.Params.(*StridedSliceParams)
	if len(params.Slices) != ins[0].Rank() {
		return nil, errors.Errorf("slices %v don't match input %s", params.Slices, ins[0])
	}
	out := ins[0].Clone()
	for axis, s := range params.Slices {
		out.Shape[axis] = SliceSize(s, ins[0].Shape[axis])
		if out.Shape[axis] == 0 {
			return nil, errors.Errorf("slice %+v selects nothing on axis %d of %s", s, axis, ins[0])
		}
	}
	return []*Dim{out}, nil
}

func concatShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if len(ins) == 0 {
		return nil, errors.New("concat expects at least one input")
	}
	axis := n.Params.(*ConcatParams).Axis
	out := ins[0].Clone()
	if axis < 0 || axis >= out.Rank() {
		return nil, errors.Errorf("concat axis %d out of range for %s", axis, out)
	}
	for _, d := range ins[1:] {
		if d.Rank() != out.Rank() {
			return nil, errors.Errorf("concat inputs %v have different ranks", ins)
		}
		for ii := range d.Shape {
			if ii != axis && d.Shape[ii] != out.Shape[ii] {
				return nil, errors.Errorf("concat inputs %v differ on axis %d", ins, ii)
			}
		}
		out.Shape[axis] += d.Shape[axis]
	}
	return []*Dim{out}, nil
}

func splitShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if err := expectInputs(ins, 1); err != nil {
		return nil, err
	}
	params := n.Params.(*SplitParams)
	if params.Axis < 0 || params.Axis >= ins[0].Rank() {
		return nil, errors.Errorf("split axis %d out of range for %s", params.Axis, ins[0])
	}
	total := 0
	outs := make([]*Dim, len(params.Sizes))
	for ii, size := range params.Sizes {
		total += size
		outs[ii] = ins[0].Clone()
		outs[ii].Shape[params.Axis] = size
	}
	if total != ins[0].Shape[params.Axis] {
		return nil, errors.Errorf("split sizes %v don't add up to axis %d of %s", params.Sizes, params.Axis, ins[0])
	}
	return outs, nil
}

func fusionInputShape(_ *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	if err := expectInputs(ins, 0); err != nil {
		return nil, err
	}
	if len(n.OutDims) != 1 || n.OutDims[0] == nil {
		return nil, errors.New("fusion input has no dimension set by its fusion node")
	}
	return []*Dim{n.OutDims[0].Clone()}, nil
}

// fusionShape seeds the subgraph inputs with the fusion node inputs, recomputes the subgraph
// and reads the outputs back.
func fusionShape(g *Graph, n *Node, ins []*Dim) ([]*Dim, error) {
	sub := g.Subgraph(n)
	if sub == nil {
		return nil, errors.Errorf("fusion node has no subgraph")
	}
	for _, fin := range sub.Nodes(KindFusionInput) {
		idx := fin.Params.(*FusionBoundaryParams).Idx
		if idx >= len(ins) {
			return nil, errors.Errorf("fusion input #%d is not connected", idx)
		}
		fin.OutDims = []*Dim{ins[idx].Clone()}
	}
	if err := sub.AddDimensions(); err != nil {
		return nil, errors.WithMessagef(err, "in fusion %q", n.Name)
	}
	outs := make([]*Dim, n.NumOutputs)
	for _, fout := range sub.Nodes(KindFusionOutput) {
		idx := fout.Params.(*FusionBoundaryParams).Idx
		if idx >= len(outs) || len(fout.InDims) != 1 {
			return nil, errors.Errorf("fusion output #%d is not valid", idx)
		}
		outs[idx] = fout.InDims[0].Clone()
	}
	if slices.Contains(outs, nil) {
		return nil, errors.New("fusion has unconnected outputs")
	}
	return outs, nil
}
