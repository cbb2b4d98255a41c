package matcher

import (
	"testing"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/perm"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names[T interface{ Name() string }](items []T) []string {
	res := make([]string, len(items))
	for ii, item := range items {
		res[ii] = item.Name()
	}
	return res
}

func nodeNames(nodes []*graph.Node) []string {
	res := make([]string, len(nodes))
	for ii, n := range nodes {
		res[ii] = n.Name
	}
	return res
}

func noop(*graph.Graph) (bool, error) { return false, nil }

func TestOrder(t *testing.T) {
	rules := []Rule{
		NewRule("a", noop).WithRunAfter("c"),
		NewRule("b", noop),
		NewRule("c", noop).WithRunBefore("b", "unknown"),
	}
	ordered, err := Order(rules)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, names(ordered))

	_, err = Order([]Rule{
		NewRule("a", noop).WithRunBefore("b"),
		NewRule("b", noop).WithRunBefore("a"),
		NewRule("c", noop),
	})
	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr), "expected CycleError, got %v", err)
	assert.Equal(t, []string{"a", "b"}, cycleErr.Rules)

	// The built-in rules are consistent.
	ordered, err = Order(DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, []string{EliminateTransposes, ConcatSplit, RemoveNoOps, FuseActivation, FindMissingQuantization},
		names(ordered))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	require.NotNil(t, r.Get(RemoveNoOps))
	require.Error(t, r.Register(NewRule(RemoveNoOps, noop)))
	_, err := NewRegistry(NewRule("x", noop), NewRule("x", noop))
	require.Error(t, err)

	selected, err := r.Select(FuseActivation, EliminateTransposes)
	require.NoError(t, err)
	assert.Equal(t, []string{EliminateTransposes, FuseActivation}, names(selected))
	_, err = r.Select("nope")
	require.Error(t, err)
}

func TestRunStopsAtFixedPoint(t *testing.T) {
	g := graph.New("fixed_point")
	x := graph.NewInput("x", graph.NewDim(2))
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(x, out))
	require.NoError(t, g.Chain(x, out))

	var calls int
	countdown := NewRule("countdown", func(*graph.Graph) (bool, error) {
		calls++
		return calls < 3, nil
	})
	res, err := Run(g, []Rule{countdown}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Passes)
	assert.Equal(t, 2, res.Applied["countdown"])

	always := NewRule("always", func(*graph.Graph) (bool, error) { return true, nil })
	_, err = Run(g, []Rule{always}, &Options{MaxPasses: 4})
	require.Error(t, err)
}

func TestRemoveNoOps(t *testing.T) {
	g := graph.New("noops")
	x := graph.NewInput("x", graph.NewDim(2, 3))
	cp1 := graph.NewNode("cp1", graph.KindCopy, nil)
	nop := graph.NewNode("nop", graph.KindNoOp, nil)
	cp2 := graph.NewNode("cp2", graph.KindCopy, nil)
	identity := graph.NewTranspose("identity", perm.Perm{0, 1})
	swap := graph.NewTranspose("swap", perm.Perm{1, 0})
	relu := graph.NewActivation("relu", "relu")
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(x, cp1, nop, cp2, identity, swap, relu, out))
	require.NoError(t, g.Chain(x, cp1, nop, cp2, identity, swap, relu, out))

	res, err := Run(g, []Rule{DefaultRegistry().Get(RemoveNoOps)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied[RemoveNoOps])
	// The copy of the graph input stays, and so does the transpose that moves axes.
	assert.Equal(t, []string{"x", "cp1", "swap", "relu", "out"}, nodeNames(g.Nodes()))
	assert.Equal(t, []int{3, 2}, out.InDim(0).Shape)
}

func buildConcatSplit(t *testing.T, sizes []int) *graph.Graph {
	g := graph.New("concat_split")
	a := graph.NewInput("a", graph.NewDim(2, 3))
	b := graph.NewInput("b", graph.NewDim(4, 3))
	concat := graph.NewConcat("concat", 0)
	cp := graph.NewNode("cp", graph.KindCopy, nil)
	split := graph.NewSplit("split", 0, sizes)
	o1 := graph.NewActivation("o1", "relu")
	o2 := graph.NewActivation("o2", "relu")
	out1, out2 := graph.NewOutput("out1"), graph.NewOutput("out2")
	require.NoError(t, g.AddNodes(a, b, concat, cp, split, o1, o2, out1, out2))
	must.M1(g.AddEdge(a, 0, concat, 0))
	must.M1(g.AddEdge(b, 0, concat, 1))
	require.NoError(t, g.Chain(concat, cp, split, o1, out1))
	must.M1(g.AddEdge(split, 1, o2, 0))
	must.M1(g.AddEdge(o2, 0, out2, 0))
	return g
}

func TestConcatSplit(t *testing.T) {
	rules := []Rule{DefaultRegistry().Get(ConcatSplit)}

	g := buildConcatSplit(t, []int{2, 4})
	res, err := Run(g, rules, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied[ConcatSplit])
	assert.Nil(t, g.Node("concat"))
	assert.Nil(t, g.Node("cp"))
	assert.Nil(t, g.Node("split"))
	assert.Equal(t, []string{"a"}, nodeNames(g.Predecessors(g.Node("o1"))))
	assert.Equal(t, []string{"b"}, nodeNames(g.Predecessors(g.Node("o2"))))
	assert.Equal(t, []int{4, 3}, g.Node("out2").InDim(0).Shape)

	// Same total size, but the pieces don't line up with the concatenated tensors.
	g = buildConcatSplit(t, []int{3, 3})
	res, err = Run(g, rules, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Applied[ConcatSplit])
	assert.NotNil(t, g.Node("concat"))
	assert.NotNil(t, g.Node("split"))
}

func TestFuseActivation(t *testing.T) {
	g := graph.New("fuse")
	x := graph.NewInput("x", graph.MustNamedDim([]string{"h", "w", "c"}, []int{6, 6, 2}))
	filter := graph.NewConstant("filter", graph.MustNamedDim([]string{"out_c", "h", "w", "in_c"}, []int{4, 3, 3, 2}), nil)
	conv := graph.NewConv2D("conv", graph.DefaultConv2DParams())
	relu := graph.NewActivation("relu", "relu")
	sig := graph.NewActivation("sig", "sigmoid")
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(x, filter, conv, relu, sig, out))
	require.NoError(t, g.Chain(x, conv, relu, sig, out))
	must.M1(g.AddEdge(filter, 0, conv, 1))

	res, err := Run(g, []Rule{DefaultRegistry().Get(FuseActivation)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied[FuseActivation])
	fusion := g.Node("conv_relu")
	require.NotNil(t, fusion)
	assert.Equal(t, graph.KindFusion, fusion.Kind)
	assert.Equal(t, "conv_active", fusion.Params.(*graph.FusionParams).Type)
	assert.ElementsMatch(t, []string{"conv", "relu"}, nodeNames(g.ContainedNodes(fusion)))
	// The second activation doesn't follow a filter.
	assert.Equal(t, []string{"conv_relu"}, nodeNames(g.Predecessors(sig)))
	assert.Equal(t, []int{4, 4, 4}, out.InDim(0).Shape)
}

func TestDefaultRules(t *testing.T) {
	g := graph.New("default")
	x := graph.NewInput("x", graph.NewDim(2, 3))
	t0 := graph.NewTranspose("t0", perm.Perm{1, 0})
	t1 := graph.NewTranspose("t1", perm.Perm{1, 0})
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(x, t0, t1, out))
	require.NoError(t, g.Chain(x, t0, t1, out))

	res, err := Run(g, DefaultRegistry().Rules(), nil)
	require.NoError(t, err, g.Dump())
	assert.Equal(t, []string{"x", "out"}, nodeNames(g.Nodes()))
	assert.Positive(t, res.Applied[EliminateTransposes])
	assert.Positive(t, res.Applied[RemoveNoOps])
	assert.Zero(t, res.Applied[FindMissingQuantization])
	assert.Equal(t, []int{2, 3}, out.InDim(0).Shape)
}
