package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// SubgraphID indexes a fusion subgraph in the Arena. NoSubgraph is the zero value.
type SubgraphID int

// NoSubgraph is the SubgraphID of nodes that are not fusions.
const NoSubgraph SubgraphID = 0

// Arena holds the fusion subgraphs of a graph hierarchy, so fusion nodes refer to their
// subgraph by id instead of owning a pointer to it.
type Arena struct {
	graphs []*Graph
}

// Add stores g and returns its id.
func (a *Arena) Add(g *Graph) SubgraphID {
	a.graphs = append(a.graphs, g)
	return SubgraphID(len(a.graphs))
}

// Get returns the subgraph with the given id, or nil.
func (a *Arena) Get(id SubgraphID) *Graph {
	if id <= NoSubgraph || int(id) > len(a.graphs) {
		return nil
	}
	return a.graphs[id-1]
}

// Len returns the number of subgraphs ever added.
func (a *Arena) Len() int {
	return len(a.graphs)
}

// Subgraph returns the subgraph owned by the fusion node n, or nil.
func (g *Graph) Subgraph(n *Node) *Graph {
	if n.Kind != KindFusion {
		return nil
	}
	return g.Root().Arena.Get(n.Subgraph)
}

// ContainedNodes returns the operator nodes of a fusion, excluding the boundary pseudo nodes.
func (g *Graph) ContainedNodes(n *Node) []*Node {
	sub := g.Subgraph(n)
	if sub == nil {
		return nil
	}
	return slices.DeleteFunc(sub.Nodes(), func(inner *Node) bool {
		return inner.Kind == KindFusionInput || inner.Kind == KindFusionOutput
	})
}

type slotKey struct {
	node *Node
	idx  int
}

// NewFusion moves nodes into a new subgraph owned by a fusion node called name, which
// replaces them in g.
//
// Each distinct producer output feeding the nodes from outside becomes a fusion input (and a
// FusionInput pseudo node in the subgraph), and each distinct output of the nodes consumed
// outside becomes a fusion output (and a FusionOutput pseudo node). Quantization records of
// the moved nodes are re-keyed to the fusion.
func (g *Graph) NewFusion(name, fusionType string, nodes ...*Node) (*Node, error) {
	if len(nodes) == 0 {
		return nil, errors.Errorf("fusion %q needs at least one node", name)
	}
	if g.Node(name) != nil {
		return nil, errors.Errorf("graph %q already has a node named %q", g.Name, name)
	}
	members := sets.Make[*Node]()
	for _, n := range nodes {
		if !g.Has(n) {
			return nil, errors.Errorf("cannot fuse node %q: not in graph %q", n.Name, g.Name)
		}
		if n.Kind == KindInput || n.Kind == KindOutput {
			return nil, errors.Errorf("cannot fuse graph input/output %q", n.Name)
		}
		members.Insert(n)
	}

	// Collect boundary edges before anything is moved.
	var (
		inSlots, outSlots []slotKey
		inEdges, outEdges []*Edge
		innerEdges        []*Edge
	)
	inSlotIdx, outSlotIdx := map[slotKey]int{}, map[slotKey]int{}
	for _, n := range nodes {
		for _, e := range g.InEdges(n) {
			if members.Has(e.From) {
				innerEdges = append(innerEdges, e)
				continue
			}
			key := slotKey{e.From, e.FromIdx}
			if _, found := inSlotIdx[key]; !found {
				inSlotIdx[key] = len(inSlots)
				inSlots = append(inSlots, key)
			}
			inEdges = append(inEdges, e)
		}
		for _, e := range g.OutEdges(n) {
			if members.Has(e.To) {
				continue
			}
			key := slotKey{e.From, e.FromIdx}
			if _, found := outSlotIdx[key]; !found {
				outSlotIdx[key] = len(outSlots)
				outSlots = append(outSlots, key)
			}
			outEdges = append(outEdges, e)
		}
	}

	root := g.Root()
	sub := newGraph(name)
	sub.parent = g
	sub.fusionName = name
	fusion := NewNode(name, KindFusion, &FusionParams{Type: fusionType})
	fusion.NumOutputs = len(outSlots)
	fusion.Subgraph = root.Arena.Add(sub)

	for _, n := range nodes {
		if r := g.QRec(n); r != nil {
			root.Quantization[sub.NodeID(n)] = r
		}
		g.RemoveNode(n)
		if err := sub.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, e := range innerEdges {
		if _, err := sub.addEdge(&Edge{From: e.From, FromIdx: e.FromIdx, To: e.To, ToIdx: e.ToIdx,
			NonOrdering: e.NonOrdering}); err != nil {
			return nil, err
		}
	}
	fusionInputs := make([]*Node, len(inSlots))
	for ii := range inSlots {
		fusionInputs[ii] = NewNode(fmt.Sprintf("%s_in_%d", name, ii), KindFusionInput, &FusionBoundaryParams{Idx: ii})
		if err := sub.AddNode(fusionInputs[ii]); err != nil {
			return nil, err
		}
	}
	fusionOutputs := make([]*Node, len(outSlots))
	for ii, slot := range outSlots {
		fusionOutputs[ii] = NewNode(fmt.Sprintf("%s_out_%d", name, ii), KindFusionOutput, &FusionBoundaryParams{Idx: ii})
		if err := sub.AddNode(fusionOutputs[ii]); err != nil {
			return nil, err
		}
		if _, err := sub.AddEdge(slot.node, slot.idx, fusionOutputs[ii], 0); err != nil {
			return nil, err
		}
	}
	for _, e := range inEdges {
		fin := fusionInputs[inSlotIdx[slotKey{e.From, e.FromIdx}]]
		if _, err := sub.AddEdge(fin, 0, e.To, e.ToIdx); err != nil {
			return nil, err
		}
	}

	if err := g.AddNode(fusion); err != nil {
		return nil, err
	}
	for ii, slot := range inSlots {
		if _, err := g.AddEdge(slot.node, slot.idx, fusion, ii); err != nil {
			return nil, err
		}
	}
	for _, e := range outEdges {
		if _, err := g.addEdge(&Edge{From: fusion, FromIdx: outSlotIdx[slotKey{e.From, e.FromIdx}],
			To: e.To, ToIdx: e.ToIdx, NonOrdering: e.NonOrdering}); err != nil {
			return nil, err
		}
	}
	return fusion, nil
}
