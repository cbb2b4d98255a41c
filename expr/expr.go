// Package expr holds the elementwise arithmetic expressions carried by Expression nodes, and
// their rewrite into integer arithmetic (see QuantizeExpr).
//
// Expressions are scalar trees: a node with several inputs evaluates its tree once per
// element, binding the inputs to the variables returned by Vars.
package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/nnrewrite/qrec"
	"github.com/pkg/errors"
)

// Op is the operation of an expression node.
type Op int

const (
	OpInvalid Op = iota
	OpVar
	OpConst
	OpQuantizedConst
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMax
	OpMin
	OpLShift
	OpNorm
	OpScaleQuantized
	OpCast
	OpClip
	OpRelu
	numOps
)

var opNames = [numOps]string{
	"Invalid", "Var", "Const", "QuantizedConst", "Add", "Sub", "Mul", "Div", "Max", "Min",
	"LShift", "Norm", "ScaleQuantized", "Cast", "Clip", "Relu",
}

// String implements fmt.Stringer.
func (op Op) String() string {
	if op < 0 || op >= numOps {
		return "Op(?)"
	}
	return opNames[op]
}

// IsBinary returns whether op combines two arguments elementwise.
func (op Op) IsBinary() bool {
	return op >= OpAdd && op <= OpMin
}

// Node is one operation of an expression tree.
type Node struct {
	Op   Op
	Name string
	Args []*Node

	// Value of an OpConst, QValue of an OpQuantizedConst.
	Value  float64
	QValue int64

	// Shift is the number of bits of OpLShift and OpNorm (a rounding right shift), and the
	// right shift applied after multiplying by Multiplier in OpScaleQuantized.
	Shift      int
	Multiplier int64

	// Lo and Hi bound an OpClip.
	Lo, Hi float64

	// DType is the target of an OpCast.
	DType dtypes.DType

	// QType is the quantization of the node's result, set by QuantizeExpr.
	QType *qrec.QType
}

// Var creates a variable.
func Var(name string) *Node {
	return &Node{Op: OpVar, Name: name}
}

// Const creates a float constant.
func Const(value float64) *Node {
	return &Node{Op: OpConst, Value: value}
}

// QuantizedConst creates an integer constant of the quantized domain.
func QuantizedConst(value int64) *Node {
	return &Node{Op: OpQuantizedConst, QValue: value}
}

func binary(op Op, a, b *Node) *Node {
	return &Node{Op: op, Args: []*Node{a, b}}
}

// Add returns a + b.
func Add(a, b *Node) *Node { return binary(OpAdd, a, b) }

// Sub returns a - b.
func Sub(a, b *Node) *Node { return binary(OpSub, a, b) }

// Mul returns a * b.
func Mul(a, b *Node) *Node { return binary(OpMul, a, b) }

// Div returns a / b. Integer evaluation floors.
func Div(a, b *Node) *Node { return binary(OpDiv, a, b) }

// Max returns max(a, b).
func Max(a, b *Node) *Node { return binary(OpMax, a, b) }

// Min returns min(a, b).
func Min(a, b *Node) *Node { return binary(OpMin, a, b) }

// LShift returns a << bits.
func LShift(a *Node, bits int) *Node {
	return &Node{Op: OpLShift, Args: []*Node{a}, Shift: bits}
}

// Norm returns a >> bits, rounded to nearest.
func Norm(a *Node, bits int) *Node {
	return &Node{Op: OpNorm, Args: []*Node{a}, Shift: bits}
}

// ScaleQuantized returns (a * multiplier) >> shift, rounded to nearest.
func ScaleQuantized(a *Node, multiplier int64, shift int) *Node {
	return &Node{Op: OpScaleQuantized, Args: []*Node{a}, Multiplier: multiplier, Shift: shift}
}

// Cast converts a to dtype, saturating integers to its range.
func Cast(a *Node, dtype dtypes.DType) *Node {
	return &Node{Op: OpCast, Args: []*Node{a}, DType: dtype}
}

// Clip bounds a to [lo, hi].
func Clip(a *Node, lo, hi float64) *Node {
	return &Node{Op: OpClip, Args: []*Node{a}, Lo: lo, Hi: hi}
}

// Relu returns max(a, 0).
func Relu(a *Node) *Node {
	return &Node{Op: OpRelu, Args: []*Node{a}}
}

// Named sets the name of the node, used to look up its statistics, and returns it.
func (n *Node) Named(name string) *Node {
	n.Name = name
	return n
}

// Vars returns the distinct variable names in order of first appearance (depth first, left
// to right).
func (n *Node) Vars() []string {
	var names []string
	seen := sets.Make[string]()
	var visit func(*Node)
	visit = func(node *Node) {
		if node.Op == OpVar {
			if !seen.Has(node.Name) {
				seen.Insert(node.Name)
				names = append(names, node.Name)
			}
			return
		}
		for _, arg := range node.Args {
			visit(arg)
		}
	}
	visit(n)
	return names
}

// IsConstant returns whether the tree has no variables.
func (n *Node) IsConstant() bool {
	return len(n.Vars()) == 0
}

// Clone returns a deep copy of the tree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.QType = n.QType.Clone()
	if n.Args != nil {
		c.Args = make([]*Node, len(n.Args))
		for ii, arg := range n.Args {
			c.Args[ii] = arg.Clone()
		}
	}
	return &c
}

// String implements fmt.Stringer and qrec.Expression.
func (n *Node) String() string {
	switch n.Op {
	case OpVar:
		return n.Name
	case OpConst:
		return fmt.Sprintf("%g", n.Value)
	case OpQuantizedConst:
		return fmt.Sprintf("%dq", n.QValue)
	case OpAdd, OpSub, OpMul, OpDiv:
		symbol := map[Op]string{OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/"}[n.Op]
		return fmt.Sprintf("(%s %s %s)", n.Args[0], symbol, n.Args[1])
	case OpLShift:
		return fmt.Sprintf("(%s << %d)", n.Args[0], n.Shift)
	case OpNorm:
		return fmt.Sprintf("norm(%s, %d)", n.Args[0], n.Shift)
	case OpScaleQuantized:
		return fmt.Sprintf("scale(%s, %d, %d)", n.Args[0], n.Multiplier, n.Shift)
	case OpCast:
		return fmt.Sprintf("cast<%s>(%s)", n.DType, n.Args[0])
	case OpClip:
		return fmt.Sprintf("clip(%s, %g, %g)", n.Args[0], n.Lo, n.Hi)
	}
	args := make([]string, len(n.Args))
	for ii, arg := range n.Args {
		args[ii] = arg.String()
	}
	return fmt.Sprintf("%s(%s)", strings.ToLower(n.Op.String()), strings.Join(args, ", "))
}

// EvalFloat evaluates the tree in floating point, with variables bound by env.
// Quantization specific operations are evaluated on the real values they represent.
func (n *Node) EvalFloat(env map[string]float64) (float64, error) {
	args := make([]float64, len(n.Args))
	for ii, arg := range n.Args {
		v, err := arg.EvalFloat(env)
		if err != nil {
			return 0, err
		}
		args[ii] = v
	}
	switch n.Op {
	case OpVar:
		v, found := env[n.Name]
		if !found {
			return 0, errors.Errorf("variable %q is not bound", n.Name)
		}
		return v, nil
	case OpConst:
		return n.Value, nil
	case OpQuantizedConst:
		return float64(n.QValue), nil
	case OpAdd:
		return args[0] + args[1], nil
	case OpSub:
		return args[0] - args[1], nil
	case OpMul:
		return args[0] * args[1], nil
	case OpDiv:
		return args[0] / args[1], nil
	case OpMax:
		return math.Max(args[0], args[1]), nil
	case OpMin:
		return math.Min(args[0], args[1]), nil
	case OpLShift:
		return math.Ldexp(args[0], n.Shift), nil
	case OpNorm:
		return math.Ldexp(args[0], -n.Shift), nil
	case OpScaleQuantized:
		return math.Ldexp(args[0]*float64(n.Multiplier), -n.Shift), nil
	case OpCast:
		return args[0], nil
	case OpClip:
		return math.Min(math.Max(args[0], n.Lo), n.Hi), nil
	case OpRelu:
		return math.Max(args[0], 0), nil
	}
	return 0, errors.Errorf("cannot evaluate operation %s", n.Op)
}

// EvalInt evaluates a quantized tree in integer arithmetic, with the stored values of the
// variables bound by env. Float constants are not allowed.
func (n *Node) EvalInt(env map[string]int64) (int64, error) {
	args := make([]int64, len(n.Args))
	for ii, arg := range n.Args {
		v, err := arg.EvalInt(env)
		if err != nil {
			return 0, err
		}
		args[ii] = v
	}
	switch n.Op {
	case OpVar:
		v, found := env[n.Name]
		if !found {
			return 0, errors.Errorf("variable %q is not bound", n.Name)
		}
		return v, nil
	case OpConst:
		return 0, errors.Errorf("float constant %g in a quantized expression", n.Value)
	case OpQuantizedConst:
		return n.QValue, nil
	case OpAdd:
		return args[0] + args[1], nil
	case OpSub:
		return args[0] - args[1], nil
	case OpMul:
		return args[0] * args[1], nil
	case OpDiv:
		if args[1] == 0 {
			return 0, errors.New("integer division by zero")
		}
		q := args[0] / args[1]
		if (args[0]%args[1] != 0) && ((args[0] < 0) != (args[1] < 0)) {
			q--
		}
		return q, nil
	case OpMax:
		return max(args[0], args[1]), nil
	case OpMin:
		return min(args[0], args[1]), nil
	case OpLShift:
		return args[0] << n.Shift, nil
	case OpNorm:
		return roundShift(args[0], n.Shift), nil
	case OpScaleQuantized:
		return roundShift(args[0]*n.Multiplier, n.Shift), nil
	case OpCast:
		qt := &qrec.QType{DType: n.DType}
		return min(max(args[0], qt.MinQuantized()), qt.MaxQuantized()), nil
	case OpClip:
		return min(max(args[0], int64(math.Ceil(n.Lo))), int64(math.Floor(n.Hi))), nil
	case OpRelu:
		return max(args[0], 0), nil
	}
	return 0, errors.Errorf("cannot evaluate operation %s", n.Op)
}

// roundShift shifts right rounding to nearest, or left for a negative shift.
func roundShift(v int64, shift int) int64 {
	if shift <= 0 {
		return v << -shift
	}
	return (v + int64(1)<<(shift-1)) >> shift
}
