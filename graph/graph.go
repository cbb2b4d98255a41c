// Package graph is the dataflow graph model rewritten by the transpose elimination, matching
// and quantization passes: nodes with their dimensions and transposes, edges between output
// and input slots, topological ordering, shape inference and fusion subgraphs.
package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/nnrewrite/qrec"
	"github.com/pkg/errors"
)

// Edge connects the output FromIdx of From to the input ToIdx of To.
type Edge struct {
	From    *Node
	FromIdx int
	To      *Node
	ToIdx   int

	// NonOrdering marks back edges (e.g. recurrent state feedback) that are ignored when ordering.
	NonOrdering bool
}

// EdgeKey identifies an edge by its endpoints.
type EdgeKey struct {
	From    string
	FromIdx int
	To      string
	ToIdx   int
}

// Key returns the identity of the edge.
func (e *Edge) Key() EdgeKey {
	return EdgeKey{From: e.From.Name, FromIdx: e.FromIdx, To: e.To.Name, ToIdx: e.ToIdx}
}

// String implements fmt.Stringer.
func (e *Edge) String() string {
	return e.Key().String()
}

// String implements fmt.Stringer.
func (k EdgeKey) String() string {
	return fmt.Sprintf("%s[%d]->%s[%d]", k.From, k.FromIdx, k.To, k.ToIdx)
}

// NodeID identifies a node for quantization records: nodes inside a fusion subgraph are
// qualified by the fusion node name.
type NodeID struct {
	Name       string
	FusionName string
}

// String implements fmt.Stringer.
func (id NodeID) String() string {
	if id.FusionName == "" {
		return id.Name
	}
	return id.FusionName + "/" + id.Name
}

// Graph owns its nodes and edges. Fusion nodes refer to subgraphs held in the Arena shared
// by the whole graph hierarchy.
type Graph struct {
	Name string

	// Arena holds the subgraphs of fusion nodes.
	Arena *Arena

	// Quantization maps nodes to their quantization records. It is only used on the root graph.
	Quantization map[NodeID]*qrec.QRec

	nodes     map[string]*Node
	order     []*Node
	inEdges   map[*Node][]*Edge
	outEdges  map[*Node][]*Edge
	nextIndex int

	// parent and fusionName are set for fusion subgraphs.
	parent     *Graph
	fusionName string
}

// New creates an empty graph.
func New(name string) *Graph {
	g := newGraph(name)
	g.Arena = &Arena{}
	g.Quantization = make(map[NodeID]*qrec.QRec)
	return g
}

func newGraph(name string) *Graph {
	return &Graph{
		Name:     name,
		nodes:    make(map[string]*Node),
		inEdges:  make(map[*Node][]*Edge),
		outEdges: make(map[*Node][]*Edge),
	}
}

// Root returns the top level graph of a fusion subgraph hierarchy.
func (g *Graph) Root() *Graph {
	for g.parent != nil {
		g = g.parent
	}
	return g
}

// FusionName returns the name of the fusion node owning this subgraph, or "" for the root graph.
func (g *Graph) FusionName() string {
	return g.fusionName
}

// NodeID returns the quantization identity of n in this graph.
func (g *Graph) NodeID(n *Node) NodeID {
	return NodeID{Name: n.Name, FusionName: g.fusionName}
}

// QRec returns the quantization record of n, or nil.
func (g *Graph) QRec(n *Node) *qrec.QRec {
	return g.Root().Quantization[g.NodeID(n)]
}

// SetQRec sets the quantization record of n.
func (g *Graph) SetQRec(n *Node, r *qrec.QRec) {
	root := g.Root()
	if root.Quantization == nil {
		root.Quantization = make(map[NodeID]*qrec.QRec)
	}
	root.Quantization[g.NodeID(n)] = r
}

// AddNode adds n to the graph. Names must be unique.
func (g *Graph) AddNode(n *Node) error {
	if n.Name == "" {
		return errors.New("cannot add node without a name")
	}
	if _, found := g.nodes[n.Name]; found {
		return errors.Errorf("graph %q already has a node named %q", g.Name, n.Name)
	}
	n.index = g.nextIndex
	g.nextIndex++
	g.nodes[n.Name] = n
	g.order = append(g.order, n)
	return nil
}

// AddNodes adds several nodes, stopping at the first error.
func (g *Graph) AddNodes(nodes ...*Node) error {
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			return err
		}
	}
	return nil
}

// Has returns whether n belongs to the graph.
func (g *Graph) Has(n *Node) bool {
	return n != nil && g.nodes[n.Name] == n
}

// Node returns the node with the given name, or nil.
func (g *Graph) Node(name string) *Node {
	return g.nodes[name]
}

// AddEdge connects output fromIdx of from to input toIdx of to. Exact duplicates are rejected.
func (g *Graph) AddEdge(from *Node, fromIdx int, to *Node, toIdx int) (*Edge, error) {
	return g.addEdge(&Edge{From: from, FromIdx: fromIdx, To: to, ToIdx: toIdx})
}

// AddNonOrderingEdge adds a back edge that is ignored by TopologicalSort.
func (g *Graph) AddNonOrderingEdge(from *Node, fromIdx int, to *Node, toIdx int) (*Edge, error) {
	return g.addEdge(&Edge{From: from, FromIdx: fromIdx, To: to, ToIdx: toIdx, NonOrdering: true})
}

func (g *Graph) addEdge(e *Edge) (*Edge, error) {
	if !g.Has(e.From) || !g.Has(e.To) {
		return nil, errors.Errorf("cannot add edge %s to graph %q: node not in graph", e, g.Name)
	}
	if e.FromIdx < 0 || e.ToIdx < 0 {
		return nil, errors.Errorf("cannot add edge %s: negative slot", e)
	}
	key := e.Key()
	for _, other := range g.outEdges[e.From] {
		if other.Key() == key {
			return nil, errors.Errorf("graph %q already has edge %s", g.Name, e)
		}
	}
	g.outEdges[e.From] = append(g.outEdges[e.From], e)
	g.inEdges[e.To] = append(g.inEdges[e.To], e)
	return e, nil
}

// Chain connects each node's output 0 to the next node's input 0.
func (g *Graph) Chain(nodes ...*Node) error {
	for ii := 1; ii < len(nodes); ii++ {
		if _, err := g.AddEdge(nodes[ii-1], 0, nodes[ii], 0); err != nil {
			return err
		}
	}
	return nil
}

// RemoveEdge disconnects e.
func (g *Graph) RemoveEdge(e *Edge) {
	g.outEdges[e.From] = slices.DeleteFunc(g.outEdges[e.From], func(o *Edge) bool { return o == e })
	g.inEdges[e.To] = slices.DeleteFunc(g.inEdges[e.To], func(o *Edge) bool { return o == e })
}

// RemoveNode removes n and all its edges, and drops its quantization record.
func (g *Graph) RemoveNode(n *Node) {
	if !g.Has(n) {
		return
	}
	for _, e := range slices.Clone(g.inEdges[n]) {
		g.RemoveEdge(e)
	}
	for _, e := range slices.Clone(g.outEdges[n]) {
		g.RemoveEdge(e)
	}
	delete(g.inEdges, n)
	delete(g.outEdges, n)
	delete(g.nodes, n.Name)
	g.order = slices.DeleteFunc(g.order, func(o *Node) bool { return o == n })
	delete(g.Root().Quantization, g.NodeID(n))
}

// Bypass removes a node with a single input, connecting its producer directly to all its consumers.
func (g *Graph) Bypass(n *Node) error {
	ins := g.VariableInEdges(n)
	if len(ins) != 1 || n.NumOutputs > 1 {
		return errors.Errorf("cannot bypass node %q: it has %d inputs and %d outputs", n.Name, len(ins), n.NumOutputs)
	}
	in := ins[0]
	outs := slices.Clone(g.outEdges[n])
	g.RemoveNode(n)
	for _, out := range outs {
		if _, err := g.addEdge(&Edge{From: in.From, FromIdx: in.FromIdx, To: out.To, ToIdx: out.ToIdx,
			NonOrdering: out.NonOrdering}); err != nil {
			return errors.WithMessagef(err, "while bypassing node %q", n.Name)
		}
	}
	return nil
}

// InEdges returns the edges into n, sorted by input slot.
func (g *Graph) InEdges(n *Node) []*Edge {
	edges := slices.Clone(g.inEdges[n])
	slices.SortStableFunc(edges, func(a, b *Edge) int { return a.ToIdx - b.ToIdx })
	return edges
}

// VariableInEdges returns the edges into n that are not back edges, sorted by input slot.
func (g *Graph) VariableInEdges(n *Node) []*Edge {
	return slices.DeleteFunc(g.InEdges(n), func(e *Edge) bool { return e.NonOrdering })
}

// OutEdges returns the edges out of n, sorted by output slot and then by insertion order.
func (g *Graph) OutEdges(n *Node) []*Edge {
	edges := slices.Clone(g.outEdges[n])
	slices.SortStableFunc(edges, func(a, b *Edge) int { return a.FromIdx - b.FromIdx })
	return edges
}

// IndexedInEdges returns the edge connected to each input slot, with nil for unconnected slots.
func (g *Graph) IndexedInEdges(n *Node) []*Edge {
	var res []*Edge
	for _, e := range g.inEdges[n] {
		for len(res) <= e.ToIdx {
			res = append(res, nil)
		}
		res[e.ToIdx] = e
	}
	return res
}

// IndexedOutEdges returns the edges leaving each output slot.
func (g *Graph) IndexedOutEdges(n *Node) [][]*Edge {
	res := make([][]*Edge, n.NumOutputs)
	for _, e := range g.outEdges[n] {
		for len(res) <= e.FromIdx {
			res = append(res, nil)
		}
		res[e.FromIdx] = append(res[e.FromIdx], e)
	}
	return res
}

// Predecessors returns the distinct producers of n, in input slot order.
func (g *Graph) Predecessors(n *Node) []*Node {
	var res []*Node
	seen := sets.Make[*Node]()
	for _, e := range g.InEdges(n) {
		if !seen.Has(e.From) {
			seen.Insert(e.From)
			res = append(res, e.From)
		}
	}
	return res
}

// Successors returns the distinct consumers of n, in output slot order.
func (g *Graph) Successors(n *Node) []*Node {
	var res []*Node
	seen := sets.Make[*Node]()
	for _, e := range g.OutEdges(n) {
		if !seen.Has(e.To) {
			seen.Insert(e.To)
			res = append(res, e.To)
		}
	}
	return res
}

// Nodes returns the nodes in insertion order, optionally only those of the given kinds.
func (g *Graph) Nodes(kinds ...Kind) []*Node {
	if len(kinds) == 0 {
		return slices.Clone(g.order)
	}
	var res []*Node
	for _, n := range g.order {
		if slices.Contains(kinds, n.Kind) {
			res = append(res, n)
		}
	}
	return res
}

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int {
	return len(g.order)
}

// Inputs returns the graph inputs (FusionInput pseudo nodes for a subgraph).
func (g *Graph) Inputs() []*Node {
	return g.Nodes(KindInput, KindFusionInput)
}

// Outputs returns the graph outputs (FusionOutput pseudo nodes for a subgraph).
func (g *Graph) Outputs() []*Node {
	return g.Nodes(KindOutput, KindFusionOutput)
}
