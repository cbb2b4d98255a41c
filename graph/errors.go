package graph

import (
	"fmt"
	"strings"
)

// ShapeError is returned by AddDimensions when a node's shape inference rejects its inputs.
type ShapeError struct {
	Node string
	Err  error
}

// Error implements error.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape error at node %q: %v", e.Node, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ShapeError) Unwrap() error {
	return e.Err
}

// CycleError is returned when a graph that must be acyclic has a cycle through Nodes.
type CycleError struct {
	Nodes []string
}

// Error implements error.
func (e *CycleError) Error() string {
	return fmt.Sprintf("graph has a cycle through nodes [%s]", strings.Join(e.Nodes, ", "))
}
