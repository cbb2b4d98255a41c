package graph

import (
	"slices"

	"github.com/gomlx/nnrewrite/expr"
)

// Params holds the kind specific parameters of a node.
type Params interface {
	Clone() Params
}

// InputParams of a graph input: Dims is the layout the caller feeds the tensor in.
type InputParams struct {
	Dims *Dim
}

func (p *InputParams) Clone() Params { return &InputParams{Dims: p.Dims.Clone()} }

// ConstantParams of a constant tensor, stored row-major in Value.
type ConstantParams struct {
	Dims  *Dim
	Value []float32
}

func (p *ConstantParams) Clone() Params {
	return &ConstantParams{Dims: p.Dims.Clone(), Value: slices.Clone(p.Value)}
}

// ReshapeParams reshape a tensor of OldShape into Shape.
type ReshapeParams struct {
	OldShape, Shape *Dim
}

func (p *ReshapeParams) Clone() Params {
	return &ReshapeParams{OldShape: p.OldShape.Clone(), Shape: p.Shape.Clone()}
}

// Conv2DParams of a 2D convolution. Input 0 is the activation (axes "h", "w", "c"),
// input 1 the filter (axes "out_c", "h", "w", "in_c") and the optional input 2 the bias.
type Conv2DParams struct {
	Stride [2]int
	Same   bool

	// KerInOrder and KerOutOrder are the axis orders the kernel expects for each input and
	// produces for each output.
	KerInOrder  [][]string
	KerOutOrder [][]string
}

func (p *Conv2DParams) Clone() Params {
	c := *p
	c.KerInOrder = cloneOrders(p.KerInOrder)
	c.KerOutOrder = cloneOrders(p.KerOutOrder)
	return &c
}

// DefaultConv2DParams returns a stride 1 convolution with the "h,w,c" kernel order.
func DefaultConv2DParams() *Conv2DParams {
	return &Conv2DParams{
		Stride:      [2]int{1, 1},
		KerInOrder:  [][]string{{"h", "w", "c"}, {"out_c", "h", "w", "in_c"}, {"out_c"}},
		KerOutOrder: [][]string{{"h", "w", "c"}},
	}
}

// LinearParams of a fully connected layer: the input is flattened to InFeatures values and
// Weights is stored row-major as [OutFeatures][InFeatures].
type LinearParams struct {
	InFeatures, OutFeatures int
	Weights                 []float32
	Bias                    []float32
}

func (p *LinearParams) Clone() Params {
	return &LinearParams{InFeatures: p.InFeatures, OutFeatures: p.OutFeatures,
		Weights: slices.Clone(p.Weights), Bias: slices.Clone(p.Bias)}
}

// ActivationParams selects the activation: "relu", "relu6", "sigmoid", "tanh" or "hsigmoid".
type ActivationParams struct {
	Type string
}

func (p *ActivationParams) Clone() Params { c := *p; return &c }

// PadParams holds the (before, after) padding of each axis.
type PadParams struct {
	Padding [][2]int
	Value   float32
}

func (p *PadParams) Clone() Params {
	return &PadParams{Padding: slices.Clone(p.Padding), Value: p.Value}
}

// ReverseParams reverses the elements along Axis.
type ReverseParams struct {
	Axis int
}

func (p *ReverseParams) Clone() Params { c := *p; return &c }

// Slice is the [Begin, End) range with Step of one axis.
type Slice struct {
	Begin, End, Step int
}

// StridedSliceParams holds one Slice per axis.
type StridedSliceParams struct {
	Slices []Slice
}

func (p *StridedSliceParams) Clone() Params {
	return &StridedSliceParams{Slices: slices.Clone(p.Slices)}
}

// ConcatParams concatenates the inputs along Axis.
type ConcatParams struct {
	Axis int
}

func (p *ConcatParams) Clone() Params { c := *p; return &c }

// SplitParams splits the input along Axis into outputs of the given Sizes.
type SplitParams struct {
	Axis  int
	Sizes []int
}

func (p *SplitParams) Clone() Params {
	return &SplitParams{Axis: p.Axis, Sizes: slices.Clone(p.Sizes)}
}

// ExpressionParams of a fused elementwise expression: input i feeds the variable Vars()[i].
type ExpressionParams struct {
	Expr *expr.Node
}

func (p *ExpressionParams) Clone() Params { return &ExpressionParams{Expr: p.Expr} }

// FusionParams of a fusion node: Type names the kernel the fused nodes map to
// (e.g. "conv_active").
type FusionParams struct {
	Type string
}

func (p *FusionParams) Clone() Params { c := *p; return &c }

// FusionBoundaryParams maps a FusionInput/FusionOutput pseudo node to the fusion node's
// input/output Idx.
type FusionBoundaryParams struct {
	Idx int
}

func (p *FusionBoundaryParams) Clone() Params { c := *p; return &c }

func cloneOrders(orders [][]string) [][]string {
	if orders == nil {
		return nil
	}
	res := make([][]string, len(orders))
	for ii, o := range orders {
		res[ii] = slices.Clone(o)
	}
	return res
}
