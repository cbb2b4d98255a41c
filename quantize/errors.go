package quantize

import (
	"fmt"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/qrec"
)

// UnsupportedQuantizationError is returned when no handler exists for a node kind in the
// selected scheme.
type UnsupportedQuantizationError struct {
	Node   graph.NodeID
	Scheme qrec.Scheme
	Kind   graph.Kind
}

func (e *UnsupportedQuantizationError) Error() string {
	return fmt.Sprintf("no %s quantization handler for node %s of kind %s", e.Scheme, e.Node, e.Kind)
}

// IncompatibleQuantizationError is returned when two decisions on the same tensor disagree.
type IncompatibleQuantizationError struct {
	Node  graph.NodeID
	Index int
	A, B  *qrec.QType
}

func (e *IncompatibleQuantizationError) Error() string {
	return fmt.Sprintf("incompatible quantization of node %s tensor #%d: %s vs %s", e.Node, e.Index, e.A, e.B)
}

// PrecisionLossError is returned when fitting a computation in its accumulator would drop more
// fractional bits than allowed.
type PrecisionLossError struct {
	Node               graph.NodeID
	Missing, Available int
}

func (e *PrecisionLossError) Error() string {
	return fmt.Sprintf("quantizing %s would lose %d of its %d fractional bits", e.Node, e.Missing, e.Available)
}
