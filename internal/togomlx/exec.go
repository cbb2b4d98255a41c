// Package togomlx executes graphs in float32 with GoMLX. It is the numeric reference used to
// check that rewrites (transpose elimination, clean ups, fusions) don't change what a graph
// computes: the same inputs must produce the same outputs before and after.
package togomlx

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/nnrewrite/expr"
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/perm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
)

// Executor runs graphs on a GoMLX backend.
type Executor struct {
	backend backends.Backend
}

// NewExecutor creates an executor on the given backend.
func NewExecutor(backend backends.Backend) *Executor {
	return &Executor{backend: backend}
}

// NewSimpleGoExecutor creates an executor on the pure Go backend.
func NewSimpleGoExecutor() (*Executor, error) {
	backend, err := simplego.New("")
	if err != nil {
		return nil, errors.WithMessage(err, "while creating the simplego backend")
	}
	return NewExecutor(backend), nil
}

// Execute runs g with the given values for its inputs, indexed by input name, and returns the
// values reaching each graph output, indexed by output name.
//
// Named input values are transposed to the current layout of their input, so the same values
// can be fed to a graph before and after its inputs were reordered. Output values carry the
// axis names of the layout they reach the output with.
func (e *Executor) Execute(g *graph.Graph, inputs map[string]Value) (map[string]Value, error) {
	if err := g.AddDimensions(); err != nil {
		return nil, err
	}
	outputs := g.Nodes(graph.KindOutput)
	var results []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		results = context.MustExecOnceN(e.backend, context.New(), func(_ *context.Context, gg *Graph) []*Node {
			c := &converter{gg: gg, inputs: inputs, outputs: make(map[*graph.Node]*Node)}
			c.convertGraph(g, nil)
			res := make([]*Node, len(outputs))
			for ii, out := range outputs {
				res[ii] = c.outputs[out]
				if res[ii] == nil {
					exceptions.Panicf("output %q is not connected", out.Name)
				}
			}
			return res
		})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while executing graph %q", g.Name)
	}
	values := make(map[string]Value, len(outputs))
	for ii, out := range outputs {
		values[out.Name] = fromTensor(results[ii], kernelInDim(out, 0).Names)
	}
	return values, nil
}

// kernelInDim is the layout of input idx as seen by the node, after its transpose.
func kernelInDim(n *graph.Node, idx int) *graph.Dim {
	return n.InDim(idx).CalcTranspose(n.TransposeInAt(idx))
}

type converter struct {
	gg      *Graph
	inputs  map[string]Value
	outputs map[*graph.Node]*Node
}

// convertGraph converts the nodes of g. For fusion subgraphs boundary holds the values of the
// fusion inputs, and the values reaching the fusion outputs are returned.
func (c *converter) convertGraph(g *graph.Graph, boundary []*Node) []*Node {
	nodes, err := g.TopologicalSort()
	if err != nil {
		panic(err)
	}
	values := make(map[*graph.Node][]*Node, len(nodes))
	var fusionOuts []*Node
	for _, n := range nodes {
		edges := g.IndexedInEdges(n)
		ins := make([]*Node, len(edges))
		for idx, e := range edges {
			if e == nil {
				exceptions.Panicf("input #%d of %q is not connected", idx, n.Name)
			}
			producerOuts := values[e.From]
			if e.FromIdx >= len(producerOuts) || producerOuts[e.FromIdx] == nil {
				exceptions.Panicf("%q has no output #%d", e.From.Name, e.FromIdx)
			}
			ins[idx] = transpose(producerOuts[e.FromIdx], n.TransposeInAt(idx))
		}

		var outs []*Node
		switch n.Kind {
		case graph.KindOutput:
			c.outputs[n] = ins[0]
		case graph.KindFusionInput:
			idx := n.Params.(*graph.FusionBoundaryParams).Idx
			if idx >= len(boundary) {
				exceptions.Panicf("fusion input #%d is not connected", idx)
			}
			outs = []*Node{boundary[idx]}
		case graph.KindFusionOutput:
			idx := n.Params.(*graph.FusionBoundaryParams).Idx
			for len(fusionOuts) <= idx {
				fusionOuts = append(fusionOuts, nil)
			}
			fusionOuts[idx] = ins[0]
		case graph.KindFusion:
			outs = c.convertGraph(g.Subgraph(n), ins)
		default:
			outs = c.convertNode(n, ins)
		}
		for idx := range outs {
			outs[idx] = transpose(outs[idx], n.TransposeOutAt(idx))
		}
		values[n] = outs
		if klog.V(2).Enabled() {
			for idx, out := range outs {
				klog.Infof("converted %s output #%d: %s", n.Name, idx, out.Shape())
			}
		}
	}
	return fusionOuts
}

func transpose(x *Node, p perm.Perm) *Node {
	if p == nil || p.IsIdentity() {
		return x
	}
	return TransposeAllDims(x, p...)
}

// reorder transposes x from the axis names of d (canonical if d is unnamed) to order.
func reorder(x *Node, d *graph.Dim, canonical, order []string) *Node {
	names := canonical
	if d != nil && d.IsNamed() {
		names = d.Names
	}
	p, err := perm.Between(names, order)
	if err != nil {
		panic(err)
	}
	return transpose(x, p)
}

func (c *converter) constant(data []float32, shape ...int) *Node {
	return Const(c.gg, tensors.FromFlatDataAndDimensions(data, shape...))
}

func (c *converter) scalar(v float64) *Node {
	return Scalar(c.gg, dtypes.Float32, v)
}

var binaryOps = map[graph.Kind]func(a, b *Node) *Node{
	graph.KindAdd: Add,
	graph.KindSub: Sub,
	graph.KindMul: Mul,
	graph.KindDiv: Div,
	graph.KindMax: Max,
	graph.KindMin: Min,
}

// convertNode returns the outputs of the kernel of n, given the inputs after their transposes.
func (c *converter) convertNode(n *graph.Node, ins []*Node) []*Node {
	if op, found := binaryOps[n.Kind]; found {
		return []*Node{op(ins[0], ins[1])}
	}
	switch n.Kind {
	case graph.KindInput:
		return []*Node{c.input(n)}
	case graph.KindConstant:
		params := n.Params.(*graph.ConstantParams)
		if params.Value == nil {
			exceptions.Panicf("constant %q has no value", n.Name)
		}
		return []*Node{c.constant(params.Value, params.Dims.Shape...)}
	case graph.KindTranspose, graph.KindCopy, graph.KindNoOp:
		return []*Node{ins[0]}
	case graph.KindReshape:
		return []*Node{Reshape(ins[0], n.Params.(*graph.ReshapeParams).Shape.Shape...)}
	case graph.KindConv2D:
		return []*Node{c.conv2D(n, ins)}
	case graph.KindLinear:
		return []*Node{c.linear(n, ins[0])}
	case graph.KindActivation:
		return []*Node{c.activation(n.Params.(*graph.ActivationParams).Type, ins[0])}
	case graph.KindPad:
		return []*Node{c.pad(n.Params.(*graph.PadParams), ins[0])}
	case graph.KindReverse:
		return []*Node{Reverse(ins[0], n.Params.(*graph.ReverseParams).Axis)}
	case graph.KindStridedSlice:
		return []*Node{stridedSlice(n.Params.(*graph.StridedSliceParams), ins[0])}
	case graph.KindConcat:
		return []*Node{Concatenate(ins, n.Params.(*graph.ConcatParams).Axis)}
	case graph.KindSplit:
		params := n.Params.(*graph.SplitParams)
		outs := make([]*Node, len(params.Sizes))
		start := 0
		for ii, size := range params.Sizes {
			outs[ii] = SliceAxis(ins[0], params.Axis, AxisRange(start, start+size))
			start += size
		}
		return outs
	case graph.KindExpression:
		e := n.Params.(*graph.ExpressionParams).Expr
		vars := make(map[string]*Node)
		for ii, name := range e.Vars() {
			if ii >= len(ins) {
				exceptions.Panicf("expression %q has no input for variable %q", n.Name, name)
			}
			vars[name] = ins[ii]
		}
		return []*Node{c.expression(e, vars)}
	}
	exceptions.Panicf("cannot execute node %q of kind %s", n.Name, n.Kind)
	return nil
}

func (c *converter) input(n *graph.Node) *Node {
	dims := n.Params.(*graph.InputParams).Dims
	v, found := c.inputs[n.Name]
	if !found {
		exceptions.Panicf("no value given for input %q", n.Name)
	}
	if v.Names != nil && dims.IsNamed() && !slices.Equal(v.Names, dims.Names) {
		var err error
		v, err = v.InOrder(dims.Names)
		if err != nil {
			panic(errors.WithMessagef(err, "input %q", n.Name))
		}
	}
	if !slices.Equal(v.Shape, dims.Shape) {
		exceptions.Panicf("input %q expects shape %s, got %s", n.Name, dims, v)
	}
	return Const(c.gg, v.tensor())
}

var (
	hwc       = []string{"h", "w", "c"}
	filterOrd = []string{"out_c", "h", "w", "in_c"}
	hwio      = []string{"h", "w", "in_c", "out_c"}
)

// conv2D runs the convolution channels last, after reordering the input and filter by their
// axis names. The output follows the order of the input.
func (c *converter) conv2D(n *graph.Node, ins []*Node) *Node {
	params := n.Params.(*graph.Conv2DParams)
	inDim := kernelInDim(n, 0)
	x := reorder(ins[0], inDim, hwc, hwc)
	x = Reshape(x, append([]int{1}, x.Shape().Dimensions...)...)
	filter := reorder(ins[1], kernelInDim(n, 1), filterOrd, hwio)
	conv := Convolve(x, filter).ChannelsAxis(timage.ChannelsLast).
		StridePerAxis(max(params.Stride[0], 1), max(params.Stride[1], 1))
	if params.Same {
		conv = conv.PadSame()
	} else {
		conv = conv.NoPadding()
	}
	out := conv.Done()
	if len(ins) > 2 {
		out = Add(out, Reshape(ins[2], 1, 1, 1, ins[2].Shape().Size()))
	}
	out = Reshape(out, out.Shape().Dimensions[1:]...)
	if inDim.IsNamed() {
		out = reorder(out, nil, hwc, inDim.Names)
	}
	return out
}

// linear multiplies the flattened input by the weights, stored [out][in].
func (c *converter) linear(n *graph.Node, x *Node) *Node {
	params := n.Params.(*graph.LinearParams)
	if params.Weights == nil {
		exceptions.Panicf("linear layer %q has no weights", n.Name)
	}
	w := c.constant(params.Weights, params.OutFeatures, params.InFeatures)
	out := Reshape(MatMul(w, Reshape(x, params.InFeatures, 1)), params.OutFeatures)
	if params.Bias != nil {
		out = Add(out, c.constant(params.Bias, params.OutFeatures))
	}
	return out
}

func (c *converter) activation(activation string, x *Node) *Node {
	switch activation {
	case "relu":
		return Max(x, c.scalar(0))
	case "relu6":
		return Min(Max(x, c.scalar(0)), c.scalar(6))
	case "sigmoid":
		return Logistic(x)
	case "tanh":
		return Tanh(x)
	case "hsigmoid":
		return Mul(Min(Max(Add(x, c.scalar(3)), c.scalar(0)), c.scalar(6)), c.scalar(1.0/6))
	}
	exceptions.Panicf("unknown activation %q", activation)
	return nil
}

// pad concatenates blocks filled with the padding value on each side of every padded axis.
func (c *converter) pad(params *graph.PadParams, x *Node) *Node {
	for axis, amounts := range params.Padding {
		parts := make([]*Node, 0, 3)
		block := func(size int) *Node {
			dims := slices.Clone(x.Shape().Dimensions)
			dims[axis] = size
			return BroadcastToDims(c.scalar(float64(params.Value)), dims...)
		}
		if amounts[0] > 0 {
			parts = append(parts, block(amounts[0]))
		}
		parts = append(parts, x)
		if amounts[1] > 0 {
			parts = append(parts, block(amounts[1]))
		}
		if len(parts) > 1 {
			x = Concatenate(parts, axis)
		}
	}
	return x
}

// stridedSlice slices every axis. Negative steps read the reversed axis.
func stridedSlice(params *graph.StridedSliceParams, x *Node) *Node {
	for axis, s := range params.Slices {
		size := x.Shape().Dimensions[axis]
		step := s.Step
		if step == 0 {
			step = 1
		}
		if step > 0 {
			begin, end := min(max(s.Begin, 0), size), min(max(s.End, 0), size)
			x = SliceAxis(x, axis, AxisRange(begin, end).Stride(step))
			continue
		}
		begin, end := min(max(s.Begin, -1), size-1), min(max(s.End, -1), size-1)
		x = SliceAxis(Reverse(x, axis), axis, AxisRange(size-1-begin, size-1-end).Stride(-step))
	}
	return x
}

// expression builds the float evaluation of an expression tree.
func (c *converter) expression(e *expr.Node, vars map[string]*Node) *Node {
	args := make([]*Node, len(e.Args))
	for ii, arg := range e.Args {
		args[ii] = c.expression(arg, vars)
	}
	switch e.Op {
	case expr.OpVar:
		v, found := vars[e.Name]
		if !found {
			exceptions.Panicf("variable %q is not bound", e.Name)
		}
		return v
	case expr.OpConst:
		return c.scalar(e.Value)
	case expr.OpQuantizedConst:
		return c.scalar(float64(e.QValue))
	case expr.OpAdd:
		return Add(args[0], args[1])
	case expr.OpSub:
		return Sub(args[0], args[1])
	case expr.OpMul:
		return Mul(args[0], args[1])
	case expr.OpDiv:
		return Div(args[0], args[1])
	case expr.OpMax:
		return Max(args[0], args[1])
	case expr.OpMin:
		return Min(args[0], args[1])
	case expr.OpLShift:
		return Mul(args[0], c.scalar(math.Ldexp(1, e.Shift)))
	case expr.OpNorm:
		return Mul(args[0], c.scalar(math.Ldexp(1, -e.Shift)))
	case expr.OpScaleQuantized:
		return Mul(args[0], c.scalar(math.Ldexp(float64(e.Multiplier), -e.Shift)))
	case expr.OpCast:
		return args[0]
	case expr.OpClip:
		return Min(Max(args[0], c.scalar(e.Lo)), c.scalar(e.Hi))
	case expr.OpRelu:
		return Max(args[0], c.scalar(0))
	}
	exceptions.Panicf("cannot execute expression operation %s", e.Op)
	return nil
}
