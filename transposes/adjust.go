package transposes

import (
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/perm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AdjustFunc returns the actions that make a node's kernel see its inputs and produce its
// outputs in the axis order it expects. Dimensions are up to date when it is called.
type AdjustFunc func(g *graph.Graph, n *graph.Node) ([]Action, error)

// Adjusters holds the AdjustFunc per node kind. Kinds without an entry are left unchanged.
var Adjusters map[graph.Kind]AdjustFunc

func init() {
	Adjusters = map[graph.Kind]AdjustFunc{
		graph.KindConv2D: adjustConv2D,
	}
}

// AdjustOrder inserts the transposes that kernels need to see their inputs in the axis order
// they expect. The graph computes the same values: the inserted transposes are only moved or
// cancelled later by Eliminate.
func AdjustOrder(g *graph.Graph) error {
	if err := g.AddDimensions(); err != nil {
		return err
	}
	nodes, err := g.TopologicalSort()
	if err != nil {
		return err
	}
	var actions []Action
	for _, n := range nodes {
		adjustFn, found := Adjusters[n.Kind]
		if !found {
			continue
		}
		res, err := adjustFn(g, n)
		if err != nil {
			return errors.WithMessagef(err, "while adjusting the order of %s", n.Name)
		}
		actions = append(actions, res...)
	}
	for _, a := range actions {
		if err := a.Execute(); err != nil {
			return err
		}
	}
	return g.AddDimensions()
}

// InsertTranspose sets the transpose of one input or output of a node.
type InsertTranspose struct {
	Node      *graph.Node
	Dir       Direction
	Idx       int
	Transpose perm.Perm
}

func (a *InsertTranspose) Execute() error {
	klog.V(2).Info(a)
	if a.Dir == In {
		a.Node.SetTransposeIn(a.Idx, a.Transpose)
	} else {
		a.Node.SetTransposeOut(a.Idx, a.Transpose)
	}
	return nil
}

func (a *InsertTranspose) String() string {
	return a.Node.Name + " insert transpose " + a.Dir.String() + " " + a.Transpose.String()
}

// adjustConv2D reorders the inputs of a convolution to its KerInOrder. A filter constant only
// feeding this convolution is reordered in place instead.
func adjustConv2D(g *graph.Graph, n *graph.Node) ([]Action, error) {
	params := n.Params.(*graph.Conv2DParams)
	var actions []Action
	inEdges := g.IndexedInEdges(n)
	for idx, order := range params.KerInOrder {
		d := n.InDim(idx)
		if idx >= len(inEdges) || d == nil || !d.IsNamed() || n.TransposeInAt(idx) != nil {
			continue
		}
		p, err := d.TransposeTo(order)
		if err != nil {
			return nil, err
		}
		if p.IsIdentity() {
			continue
		}
		if producer := inEdges[idx].From; idx > 0 && producer.Kind == graph.KindConstant && len(g.OutEdges(producer)) == 1 {
			actions = append(actions, &ReorderConstant{Node: producer, Transpose: p})
			continue
		}
		actions = append(actions, &InsertTranspose{Node: n, Dir: In, Idx: idx, Transpose: p})
	}

	in := n.InDim(0)
	if in == nil || !in.IsNamed() || len(params.KerOutOrder) == 0 || n.HasTransposeOut() {
		return actions, nil
	}
	// The convolution output follows the order of its input.
	p, err := perm.Between(params.KerOutOrder[0], in.Names)
	if err != nil {
		return nil, err
	}
	if !p.IsIdentity() {
		actions = append(actions, &InsertTranspose{Node: n, Dir: Out, Idx: 0, Transpose: p})
	}
	return actions, nil
}
