package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/nnrewrite/expr"
	"github.com/gomlx/nnrewrite/perm"
)

// Node is one operator of the graph, or a fusion of operators owning a subgraph.
type Node struct {
	Name   string
	Kind   Kind
	Caps   Caps
	Params Params

	// InDims and OutDims are computed by Graph.AddDimensions. InDims are the layouts of the
	// incoming tensors, before TransposeIn is applied. OutDims are the layouts of the produced
	// tensors, after TransposeOut is applied.
	InDims, OutDims []*Dim

	// TransposeIn and TransposeOut hold per input/output transposes executed by the kernel
	// itself. A nil slice (or a nil entry) means no transpose.
	TransposeIn, TransposeOut []perm.Perm

	// InDimsHint and OutDimsHint are axis names of the input/output layouts, used to name
	// unnamed dimensions and consumed by code generation.
	InDimsHint, OutDimsHint [][]string

	// FixedOrder is set for inputs and outputs whose layout can't be changed.
	FixedOrder bool

	// Attrs is a free form parameter bag read by code generators.
	Attrs map[string]any

	// Subgraph is the subgraph owned by a fusion node.
	Subgraph SubgraphID

	// NumOutputs is the number of output slots.
	NumOutputs int

	index int
}

// NewNode creates a node of the given kind with the default capabilities and one output.
func NewNode(name string, kind Kind, params Params) *Node {
	n := &Node{Name: name, Kind: kind, Caps: DefaultCaps[kind], Params: params, NumOutputs: 1}
	switch kind {
	case KindOutput, KindFusionOutput:
		n.NumOutputs = 0
	case KindSplit:
		n.NumOutputs = len(params.(*SplitParams).Sizes)
	}
	return n
}

// NewInput creates a graph input with the layout dims.
func NewInput(name string, dims *Dim) *Node {
	return NewNode(name, KindInput, &InputParams{Dims: dims.Clone()})
}

// NewOutput creates a graph output.
func NewOutput(name string) *Node {
	return NewNode(name, KindOutput, nil)
}

// NewConstant creates a constant node holding value, stored row-major with the layout dims.
func NewConstant(name string, dims *Dim, value []float32) *Node {
	return NewNode(name, KindConstant, &ConstantParams{Dims: dims.Clone(), Value: value})
}

// NewTranspose creates a standalone transpose node. Its permutation is held as TransposeIn[0].
func NewTranspose(name string, p perm.Perm) *Node {
	n := NewNode(name, KindTranspose, nil)
	n.TransposeIn = []perm.Perm{p.Clone()}
	return n
}

// NewReshape creates a node reshaping oldShape into shape.
func NewReshape(name string, oldShape, shape *Dim) *Node {
	return NewNode(name, KindReshape, &ReshapeParams{OldShape: oldShape.Clone(), Shape: shape.Clone()})
}

// NewConv2D creates a convolution node.
func NewConv2D(name string, params *Conv2DParams) *Node {
	return NewNode(name, KindConv2D, params)
}

// NewLinear creates a fully connected node.
func NewLinear(name string, inFeatures, outFeatures int, weights, bias []float32) *Node {
	return NewNode(name, KindLinear, &LinearParams{
		InFeatures: inFeatures, OutFeatures: outFeatures, Weights: weights, Bias: bias})
}

// NewBinary creates an elementwise broadcasting binary operator of kind Add, Sub, Mul, Div, Max or Min.
func NewBinary(name string, kind Kind) *Node {
	if !kind.IsBinary() {
		panic(fmt.Sprintf("NewBinary(%q): kind %s is not a binary operator", name, kind))
	}
	return NewNode(name, kind, nil)
}

// NewActivation creates an activation node.
func NewActivation(name, activation string) *Node {
	return NewNode(name, KindActivation, &ActivationParams{Type: activation})
}

// NewPad creates a constant padding node.
func NewPad(name string, padding [][2]int, value float32) *Node {
	return NewNode(name, KindPad, &PadParams{Padding: padding, Value: value})
}

// NewReverse creates a node reversing the given axis.
func NewReverse(name string, axis int) *Node {
	return NewNode(name, KindReverse, &ReverseParams{Axis: axis})
}

// NewStridedSlice creates a strided slice node.
func NewStridedSlice(name string, slices []Slice) *Node {
	return NewNode(name, KindStridedSlice, &StridedSliceParams{Slices: slices})
}

// NewConcat creates a concatenation node.
func NewConcat(name string, axis int) *Node {
	return NewNode(name, KindConcat, &ConcatParams{Axis: axis})
}

// NewSplit creates a split node with one output per size.
func NewSplit(name string, axis int, sizes []int) *Node {
	return NewNode(name, KindSplit, &SplitParams{Axis: axis, Sizes: sizes})
}

// NewExpression creates a fused elementwise expression node. Its inputs feed the expression
// variables in the order returned by e.Vars().
func NewExpression(name string, e *expr.Node) *Node {
	return NewNode(name, KindExpression, &ExpressionParams{Expr: e})
}

// TransposeInAt returns the transpose of input idx, or nil.
func (n *Node) TransposeInAt(idx int) perm.Perm {
	if idx < 0 || idx >= len(n.TransposeIn) {
		return nil
	}
	return n.TransposeIn[idx]
}

// TransposeOutAt returns the transpose of output idx, or nil.
func (n *Node) TransposeOutAt(idx int) perm.Perm {
	if idx < 0 || idx >= len(n.TransposeOut) {
		return nil
	}
	return n.TransposeOut[idx]
}

// HasTransposeIn returns whether any input carries a transpose.
func (n *Node) HasTransposeIn() bool {
	return anyPerm(n.TransposeIn)
}

// HasTransposeOut returns whether any output carries a transpose.
func (n *Node) HasTransposeOut() bool {
	return anyPerm(n.TransposeOut)
}

// SetTransposeIn sets the transpose of input idx, growing TransposeIn as needed.
// Setting the last transpose to nil resets TransposeIn to nil.
func (n *Node) SetTransposeIn(idx int, p perm.Perm) {
	n.TransposeIn = setPerm(n.TransposeIn, idx, p)
}

// SetTransposeOut sets the transpose of output idx, growing TransposeOut as needed.
func (n *Node) SetTransposeOut(idx int, p perm.Perm) {
	n.TransposeOut = setPerm(n.TransposeOut, idx, p)
}

func setPerm(perms []perm.Perm, idx int, p perm.Perm) []perm.Perm {
	for len(perms) <= idx {
		perms = append(perms, nil)
	}
	perms[idx] = p.Clone()
	if !anyPerm(perms) {
		return nil
	}
	return perms
}

func anyPerm(perms []perm.Perm) bool {
	for _, p := range perms {
		if p != nil {
			return true
		}
	}
	return false
}

// InDim returns the incoming layout of input idx, or nil.
func (n *Node) InDim(idx int) *Dim {
	if idx < 0 || idx >= len(n.InDims) {
		return nil
	}
	return n.InDims[idx]
}

// OutDim returns the layout of output idx, or nil.
func (n *Node) OutDim(idx int) *Dim {
	if idx < 0 || idx >= len(n.OutDims) {
		return nil
	}
	return n.OutDims[idx]
}

// SetAttr sets a code generation attribute.
func (n *Node) SetAttr(key string, value any) {
	if n.Attrs == nil {
		n.Attrs = make(map[string]any)
	}
	n.Attrs[key] = value
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	var sb strings.Builder
	w := func(format string, args ...any) {
		_, _ = fmt.Fprintf(&sb, format, args...)
	}
	w("%s(%s)", n.Name, n.Kind)
	if len(n.InDims) > 0 {
		w(" in=%v", n.InDims)
	}
	if len(n.OutDims) > 0 {
		w(" out=%v", n.OutDims)
	}
	if n.HasTransposeIn() {
		w(" tin=%v", n.TransposeIn)
	}
	if n.HasTransposeOut() {
		w(" tout=%v", n.TransposeOut)
	}
	if n.FixedOrder {
		w(" fixed")
	}
	return sb.String()
}
