package graph

import "strings"

// Kind is the operator kind of a node.
type Kind int

const (
	KindInvalid Kind = iota
	KindInput
	KindOutput
	KindConstant
	KindTranspose
	KindReshape
	KindConv2D
	KindLinear
	KindAdd
	KindSub
	KindMul
	KindDiv
	KindMax
	KindMin
	KindActivation
	KindPad
	KindReverse
	KindStridedSlice
	KindConcat
	KindSplit
	KindCopy
	KindNoOp
	KindExpression
	KindFusion
	KindFusionInput
	KindFusionOutput
	numKinds
)

var kindNames = [numKinds]string{
	"Invalid", "Input", "Output", "Constant", "Transpose", "Reshape", "Conv2D", "Linear",
	"Add", "Sub", "Mul", "Div", "Max", "Min", "Activation", "Pad", "Reverse", "StridedSlice",
	"Concat", "Split", "Copy", "NoOp", "Expression", "Fusion", "FusionInput", "FusionOutput",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "Kind(?)"
	}
	return kindNames[k]
}

// IsBinary returns whether the kind is a broadcasting elementwise binary operator.
func (k Kind) IsBinary() bool {
	return k >= KindAdd && k <= KindMin
}

// Caps is a bitmask of node capabilities used by the rewriting passes.
type Caps uint16

const (
	// CapTransposable nodes can carry transposes on their inputs and outputs.
	CapTransposable Caps = 1 << iota

	// CapSensitiveToOrder nodes depend on a specific axis order: transposes can't be moved through them.
	CapSensitiveToOrder

	// CapLinear nodes are filters whose weights can be reordered to absorb a transpose.
	CapLinear

	// CapBroadcastable nodes are elementwise operators with broadcasting over several inputs.
	CapBroadcastable

	// CapPassUp and CapPassDown allow a transposable node without transposes to be crossed by
	// the search in the given direction.
	CapPassUp
	CapPassDown
)

var capNames = []string{"transposable", "order_sensitive", "linear", "broadcastable", "pass_up", "pass_down"}

// Has returns whether all the capabilities in c2 are set.
func (c Caps) Has(c2 Caps) bool {
	return c&c2 == c2
}

// String implements fmt.Stringer.
func (c Caps) String() string {
	var parts []string
	for ii, name := range capNames {
		if c&(1<<ii) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

const elementwiseCaps = CapTransposable | CapBroadcastable | CapPassUp | CapPassDown

// DefaultCaps is the capability table per kind. Nodes get a copy at creation, and it may
// be overridden per node.
var DefaultCaps = map[Kind]Caps{
	KindInput:      CapTransposable,
	KindOutput:     CapTransposable,
	KindConstant:   CapTransposable,
	KindTranspose:  CapTransposable | CapPassUp | CapPassDown,
	KindReshape:    CapTransposable | CapPassUp | CapPassDown,
	KindConv2D:     CapTransposable,
	KindLinear:     CapLinear,
	KindAdd:        elementwiseCaps,
	KindSub:        elementwiseCaps,
	KindMul:        elementwiseCaps,
	KindDiv:        elementwiseCaps,
	KindMax:        elementwiseCaps,
	KindMin:        elementwiseCaps,
	KindExpression: elementwiseCaps,
	KindConcat:     CapSensitiveToOrder,
	KindSplit:      CapSensitiveToOrder,
	KindFusion:     CapTransposable,

	// Single input operators that don't depend on the axis order, or whose parameters are
	// reordered with the transpose that crosses them.
	KindActivation:   CapPassUp | CapPassDown,
	KindCopy:         CapPassUp | CapPassDown,
	KindNoOp:         CapPassUp | CapPassDown,
	KindPad:          CapPassUp | CapPassDown,
	KindReverse:      CapPassUp | CapPassDown,
	KindStridedSlice: CapPassUp | CapPassDown,
}
