package transposes

import (
	"fmt"
	"slices"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/perm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Direction selects the inputs or the outputs of a node.
type Direction int

const (
	In Direction = iota
	Out
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// Action is one mutation proposed by a search. Actions are only executed once the whole
// search that produced them succeeded.
type Action interface {
	Execute() error
	String() string
}

// StartUp, StartDown, EndUp and EndDown delimit the actions of one search in the logs.
type (
	StartUp   struct{ Node *graph.Node }
	StartDown struct{ Node *graph.Node }
	EndUp     struct{ Node *graph.Node }
	EndDown   struct{ Node *graph.Node }
)

func (a *StartUp) Execute() error   { klog.V(2).Info(a); return nil }
func (a *StartDown) Execute() error { klog.V(2).Info(a); return nil }
func (a *EndUp) Execute() error     { klog.V(2).Info(a); return nil }
func (a *EndDown) Execute() error   { klog.V(2).Info(a); return nil }

func (a *StartUp) String() string   { return "start up: " + a.Node.Name }
func (a *StartDown) String() string { return "start down: " + a.Node.Name }
func (a *EndUp) String() string     { return "end up: " + a.Node.Name }
func (a *EndDown) String() string   { return "end down: " + a.Node.Name }

// SetHint sets the axis names hint of one input or output of a node. The value is computed
// when the action is created, from the hint at that time reordered by a transpose.
type SetHint struct {
	Node  *graph.Node
	Dir   Direction
	Idx   int
	Value []string
}

// NewSetHint returns the action reordering the current hint by t. If there is no hint, the
// action does nothing.
func NewSetHint(node *graph.Node, dir Direction, idx int, t perm.Perm) *SetHint {
	hints := node.InDimsHint
	if dir == Out {
		hints = node.OutDimsHint
	}
	a := &SetHint{Node: node, Dir: dir, Idx: idx}
	if idx < len(hints) && hints[idx] != nil {
		a.Value = slices.Clone(hints[idx])
		if t != nil && len(t) == len(a.Value) {
			a.Value = perm.Apply(t, a.Value)
		}
	}
	return a
}

func (a *SetHint) Execute() error {
	if a.Value == nil {
		return nil
	}
	klog.V(2).Info(a)
	hints := &a.Node.InDimsHint
	if a.Dir == Out {
		hints = &a.Node.OutDimsHint
	}
	for len(*hints) <= a.Idx {
		*hints = append(*hints, nil)
	}
	(*hints)[a.Idx] = slices.Clone(a.Value)
	return nil
}

func (a *SetHint) String() string {
	return fmt.Sprintf("%s set hint %s[%d] to %q", a.Node.Name, a.Dir, a.Idx, a.Value)
}

// DeleteTranspose removes the transpose of one input or output of a node.
type DeleteTranspose struct {
	Node *graph.Node
	Dir  Direction
	Idx  int
}

func (a *DeleteTranspose) Execute() error {
	klog.V(2).Info(a)
	if a.Dir == In {
		a.Node.SetTransposeIn(a.Idx, nil)
	} else {
		a.Node.SetTransposeOut(a.Idx, nil)
	}
	return nil
}

func (a *DeleteTranspose) String() string {
	return fmt.Sprintf("%s delete transpose %s[%d]", a.Node.Name, a.Dir, a.Idx)
}

// SetTranspose sets the transpose of one input of a broadcasting node. Once all its inputs
// carry the same transpose, it is moved to the output.
type SetTranspose struct {
	Node      *graph.Node
	Idx       int
	Transpose perm.Perm
	NumInputs int
}

func (a *SetTranspose) Execute() error {
	klog.V(2).Info(a)
	n := a.Node
	n.SetTransposeIn(a.Idx, a.Transpose)
	if len(n.TransposeIn) < a.NumInputs {
		return nil
	}
	for _, t := range n.TransposeIn {
		if t == nil || !t.Equal(n.TransposeIn[0]) {
			return nil
		}
	}
	common := n.TransposeIn[0]
	klog.V(2).Infof("%s: moving transpose %s from inputs to output", n.Name, common)
	n.TransposeIn = nil
	n.SetTransposeOut(0, perm.Compose(common, n.TransposeOutAt(0)))
	if t := n.TransposeOutAt(0); t != nil && t.IsIdentity() {
		n.SetTransposeOut(0, nil)
	}
	return nil
}

func (a *SetTranspose) String() string {
	return fmt.Sprintf("%s set transpose in[%d] to %s", a.Node.Name, a.Idx, a.Transpose)
}

// SetReshape rewrites the shapes of a reshape node. A nil shape is left unchanged.
type SetReshape struct {
	Node            *graph.Node
	InShape, OutDim *graph.Dim
}

func (a *SetReshape) Execute() error {
	klog.V(2).Info(a)
	params := a.Node.Params.(*graph.ReshapeParams)
	if a.InShape != nil {
		params.OldShape = a.InShape.Clone()
	}
	if a.OutDim != nil {
		params.Shape = a.OutDim.Clone()
	}
	return nil
}

func (a *SetReshape) String() string {
	return fmt.Sprintf("%s set reshape in %s out %s", a.Node.Name, a.InShape, a.OutDim)
}

// ReorderInputDims changes the layout a graph input is fed in.
type ReorderInputDims struct {
	Node      *graph.Node
	Transpose perm.Perm
}

func (a *ReorderInputDims) Execute() error {
	klog.V(2).Info(a)
	params := a.Node.Params.(*graph.InputParams)
	if len(a.Transpose) != params.Dims.Rank() {
		return errors.Errorf("cannot reorder input %q %s with %s", a.Node.Name, params.Dims, a.Transpose)
	}
	params.Dims.Transpose(a.Transpose)
	if len(a.Node.OutDimsHint) > 0 && len(a.Node.OutDimsHint[0]) == len(a.Transpose) {
		a.Node.OutDimsHint[0] = perm.Apply(a.Transpose, a.Node.OutDimsHint[0])
	}
	return nil
}

func (a *ReorderInputDims) String() string {
	return fmt.Sprintf("%s reorder input dims with %s", a.Node.Name, a.Transpose)
}

// ReorderConstant transposes the data of a constant.
type ReorderConstant struct {
	Node      *graph.Node
	Transpose perm.Perm
}

func (a *ReorderConstant) Execute() error {
	klog.V(2).Info(a)
	params := a.Node.Params.(*graph.ConstantParams)
	if params.Value != nil {
		value, err := graph.TransposeData(params.Value, params.Dims.Shape, a.Transpose)
		if err != nil {
			return errors.WithMessagef(err, "while reordering constant %q", a.Node.Name)
		}
		params.Value = value
	} else if len(a.Transpose) != params.Dims.Rank() {
		return errors.Errorf("cannot reorder constant %q %s with %s", a.Node.Name, params.Dims, a.Transpose)
	}
	params.Dims.Transpose(a.Transpose)
	if len(a.Node.OutDimsHint) > 0 && len(a.Node.OutDimsHint[0]) == len(a.Transpose) {
		a.Node.OutDimsHint[0] = perm.Apply(a.Transpose, a.Node.OutDimsHint[0])
	}
	return nil
}

func (a *ReorderConstant) String() string {
	return fmt.Sprintf("%s reorder constant with %s", a.Node.Name, a.Transpose)
}

// ReorderLinear reorders the weights of a linear layer so it absorbs a transpose.
//
// With Dir == In, the input features (seen as a tensor of Shape) are transposed by
// Transpose. With Dir == Out, the output features are.
type ReorderLinear struct {
	Node      *graph.Node
	Dir       Direction
	Transpose perm.Perm
	Shape     []int
}

func (a *ReorderLinear) Execute() error {
	klog.V(2).Info(a)
	params := a.Node.Params.(*graph.LinearParams)
	if a.Dir == In {
		if params.Weights == nil {
			return nil
		}
		weights := make([]float32, 0, len(params.Weights))
		for row := range params.OutFeatures {
			reordered, err := graph.TransposeData(params.Weights[row*params.InFeatures:(row+1)*params.InFeatures],
				a.Shape, a.Transpose)
			if err != nil {
				return errors.WithMessagef(err, "while reordering inputs of linear layer %q", a.Node.Name)
			}
			weights = append(weights, reordered...)
		}
		params.Weights = weights
		return nil
	}

	rows := make([]int, params.OutFeatures)
	for ii := range rows {
		rows[ii] = ii
	}
	rows, err := graph.TransposeData(rows, a.Shape, a.Transpose)
	if err != nil {
		return errors.WithMessagef(err, "while reordering outputs of linear layer %q", a.Node.Name)
	}
	if params.Weights != nil {
		weights := make([]float32, 0, len(params.Weights))
		for _, row := range rows {
			weights = append(weights, params.Weights[row*params.InFeatures:(row+1)*params.InFeatures]...)
		}
		params.Weights = weights
	}
	if params.Bias != nil {
		bias := make([]float32, len(rows))
		for ii, row := range rows {
			bias[ii] = params.Bias[row]
		}
		params.Bias = bias
	}
	return nil
}

func (a *ReorderLinear) String() string {
	return fmt.Sprintf("reorder linear layer %s %s with shape %v transposed %s", a.Node.Name, a.Dir, a.Shape, a.Transpose)
}

// TransposePad reorders the padding of a pad node after the layout crossing it changed by Transpose.
type TransposePad struct {
	Node      *graph.Node
	Transpose perm.Perm
}

func (a *TransposePad) Execute() error {
	klog.V(2).Info(a)
	params := a.Node.Params.(*graph.PadParams)
	params.Padding = perm.Apply(a.Transpose, params.Padding)
	return nil
}

func (a *TransposePad) String() string {
	return fmt.Sprintf("%s transpose pad parameters with %s", a.Node.Name, a.Transpose)
}

// TransposeReverse remaps the reversed axis.
type TransposeReverse struct {
	Node      *graph.Node
	Transpose perm.Perm
}

func (a *TransposeReverse) Execute() error {
	klog.V(2).Info(a)
	params := a.Node.Params.(*graph.ReverseParams)
	params.Axis = perm.Reverse(a.Transpose)[params.Axis]
	return nil
}

func (a *TransposeReverse) String() string {
	return fmt.Sprintf("%s transpose reverse parameters with %s", a.Node.Name, a.Transpose)
}

// TransposeStridedSlice reorders the per axis slices.
type TransposeStridedSlice struct {
	Node      *graph.Node
	Transpose perm.Perm
}

func (a *TransposeStridedSlice) Execute() error {
	klog.V(2).Info(a)
	params := a.Node.Params.(*graph.StridedSliceParams)
	params.Slices = perm.Apply(a.Transpose, params.Slices)
	return nil
}

func (a *TransposeStridedSlice) String() string {
	return fmt.Sprintf("%s transpose strided slice parameters with %s", a.Node.Name, a.Transpose)
}

// paramsAction returns the action reordering the parameters of node for a layout change by
// t, or nil if the node has no axis dependent parameters.
func paramsAction(node *graph.Node, t perm.Perm) Action {
	if t == nil {
		return nil
	}
	switch node.Kind {
	case graph.KindPad:
		return &TransposePad{Node: node, Transpose: t.Clone()}
	case graph.KindReverse:
		return &TransposeReverse{Node: node, Transpose: t.Clone()}
	case graph.KindStridedSlice:
		return &TransposeStridedSlice{Node: node, Transpose: t.Clone()}
	}
	return nil
}
