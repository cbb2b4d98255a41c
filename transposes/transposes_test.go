package transposes

import (
	"fmt"
	"testing"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/perm"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countTransposes(g *graph.Graph) int {
	var count int
	for _, n := range g.Nodes() {
		for _, p := range append(append([]perm.Perm{}, n.TransposeIn...), n.TransposeOut...) {
			if p != nil {
				count++
			}
		}
	}
	return count
}

func iota32(n int) []float32 {
	res := make([]float32, n)
	for ii := range res {
		res[ii] = float32(ii)
	}
	return res
}

func TestConvTransposesAroundKernel(t *testing.T) {
	g := graph.New("conv")
	x := graph.NewInput("x", graph.MustNamedDim([]string{"h", "w", "c"}, []int{8, 8, 3}))
	t1 := graph.NewTranspose("t1", perm.Perm{2, 0, 1})
	filter := graph.NewConstant("filter", graph.MustNamedDim([]string{"out_c", "h", "w", "in_c"}, []int{6, 3, 3, 3}), nil)
	conv := graph.NewConv2D("conv", graph.DefaultConv2DParams())
	t2 := graph.NewTranspose("t2", perm.Perm{1, 2, 0})
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(x, t1, filter, conv, t2, out))
	require.NoError(t, g.Chain(x, t1, conv, t2, out))
	must.M1(g.AddEdge(filter, 0, conv, 1))

	require.NoError(t, AdjustOrder(g))
	assert.Equal(t, perm.Perm{1, 2, 0}, conv.TransposeInAt(0))
	assert.Equal(t, perm.Perm{2, 0, 1}, conv.TransposeOutAt(0))
	assert.Equal(t, "[c:6 h:6 w:6]", conv.OutDim(0).String())
	assert.Equal(t, 4, countTransposes(g))

	var rounds []Round
	res, err := Eliminate(g, DefaultOptions().WithDebugFn(func(_ *graph.Graph, r Round) { rounds = append(rounds, r) }))
	require.NoError(t, err)
	assert.Equal(t, 0, countTransposes(g), g.Dump())
	assert.Equal(t, 4, res.Eliminated)
	assert.Equal(t, 3, res.Iterations)
	require.Len(t, rounds, 3)
	assert.Equal(t, 3, rounds[0].Eliminated)
	assert.Equal(t, 0, rounds[2].Actions)

	// The graph input is back in its original order and the kernel sees it untransposed.
	assert.Equal(t, "[h:8 w:8 c:3]", x.OutDim(0).String())
	assert.Equal(t, "[h:8 w:8 c:3]", conv.InDim(0).String())
	assert.Equal(t, "[h:6 w:6 c:6]", out.InDim(0).String())
}

func TestFixedInputKeepsTranspose(t *testing.T) {
	g := graph.New("fixed")
	x := graph.NewInput("x", graph.MustNamedDim([]string{"h", "w", "c"}, []int{4, 4, 2}))
	x.FixedOrder = true
	tr := graph.NewTranspose("tr", perm.Perm{2, 0, 1})
	out := graph.NewOutput("out")
	out.FixedOrder = true
	require.NoError(t, g.AddNodes(x, tr, out))
	require.NoError(t, g.Chain(x, tr, out))

	res, err := Eliminate(g, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Eliminated)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, perm.Perm{2, 0, 1}, tr.TransposeInAt(0))
}

func TestMultipleConsumersBlockSearchUp(t *testing.T) {
	g := graph.New("fanout")
	x := graph.NewInput("x", graph.NewDim(2, 3))
	tr := graph.NewTranspose("tr", perm.Perm{1, 0})
	out0 := graph.NewOutput("out0")
	out0.FixedOrder = true
	out1 := graph.NewOutput("out1")
	out1.FixedOrder = true
	require.NoError(t, g.AddNodes(x, tr, out0, out1))
	require.NoError(t, g.Chain(x, tr, out0))
	must.M1(g.AddEdge(x, 0, out1, 0))

	res, err := Eliminate(g, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Eliminated)
	assert.Equal(t, []int{2, 3}, x.OutDim(0).Shape)
}

func TestConcatBlocksSearch(t *testing.T) {
	g := graph.New("concat")
	a := graph.NewInput("a", graph.NewDim(2, 3))
	b := graph.NewInput("b", graph.NewDim(2, 3))
	concat := graph.NewConcat("concat", 0)
	tr := graph.NewTranspose("tr", perm.Perm{1, 0})
	out := graph.NewOutput("out")
	out.FixedOrder = true
	require.NoError(t, g.AddNodes(a, b, concat, tr, out))
	require.NoError(t, g.Chain(a, concat, tr, out))
	must.M1(g.AddEdge(b, 0, concat, 1))

	res, err := Eliminate(g, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Eliminated)
	assert.NotNil(t, tr.TransposeInAt(0))
}

func TestAlternatingChainTerminates(t *testing.T) {
	g := graph.New("chain")
	x := graph.NewInput("x", graph.NewDim(3, 5))
	nodes := []*graph.Node{x}
	for ii := range 6 {
		nodes = append(nodes, graph.NewTranspose(fmt.Sprintf("t%d", ii), perm.Perm{1, 0}))
	}
	nodes = append(nodes, graph.NewOutput("out"))
	require.NoError(t, g.AddNodes(nodes...))
	require.NoError(t, g.Chain(nodes...))

	res, err := Eliminate(g, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, countTransposes(g))
	assert.Equal(t, 6, res.Eliminated)
	assert.Less(t, res.Iterations, DefaultMaxIterations)
	// An even number of swaps: the input keeps its layout.
	assert.Equal(t, []int{3, 5}, x.OutDim(0).Shape)

	// Not enough iterations to reach the fixed point.
	g2 := graph.New("chain2")
	x2 := graph.NewInput("x", graph.NewDim(3, 5))
	t2 := graph.NewTranspose("t", perm.Perm{1, 0})
	out2 := graph.NewOutput("out")
	require.NoError(t, g2.AddNodes(x2, t2, out2))
	require.NoError(t, g2.Chain(x2, t2, out2))
	_, err = Eliminate(g2, DefaultOptions().WithMaxIterations(1))
	require.Error(t, err)
}

func TestPadReverseParameters(t *testing.T) {
	g := graph.New("params")
	x := graph.NewInput("x", graph.MustNamedDim([]string{"h", "w", "c"}, []int{4, 5, 2}))
	pad := graph.NewPad("pad", [][2]int{{1, 1}, {0, 0}, {2, 0}}, 0)
	rev := graph.NewReverse("rev", 1)
	tr := graph.NewTranspose("tr", perm.Perm{2, 0, 1})
	out := graph.NewOutput("out")
	out.FixedOrder = true
	require.NoError(t, g.AddNodes(x, pad, rev, tr, out))
	require.NoError(t, g.Chain(x, pad, rev, tr, out))
	require.NoError(t, g.AddDimensions())
	before := out.InDim(0).Clone()

	res, err := Eliminate(g, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Eliminated)
	assert.Equal(t, "[c:2 h:4 w:5]", x.OutDim(0).String())
	assert.Equal(t, [][2]int{{2, 0}, {1, 1}, {0, 0}}, pad.Params.(*graph.PadParams).Padding)
	// Reversed axis "w" moved from position 1 to 2.
	assert.Equal(t, 2, rev.Params.(*graph.ReverseParams).Axis)
	assert.True(t, before.Equal(out.InDim(0)), "output layout changed from %s to %s", before, out.InDim(0))
}

// linearForward computes weights x input + bias, with weights stored [out][in].
func linearForward(params *graph.LinearParams, input []float32) []float32 {
	res := make([]float32, params.OutFeatures)
	for row := range res {
		res[row] = params.Bias[row]
		for col, v := range input {
			res[row] += params.Weights[row*params.InFeatures+col] * v
		}
	}
	return res
}

func TestLinearAbsorbsTransposeThroughReshape(t *testing.T) {
	g := graph.New("linear")
	x := graph.NewInput("x", graph.NewDim(2))
	x.FixedOrder = true
	bias := make([]float32, 24)
	for ii := range bias {
		bias[ii] = float32(ii) * 0.5
	}
	linear := graph.NewLinear("linear", 2, 24, iota32(48), bias)
	reshape := graph.NewReshape("reshape", graph.NewDim(24), graph.NewDim(2, 3, 4))
	tr := graph.NewTranspose("tr", perm.Perm{2, 0, 1})
	out := graph.NewOutput("out")
	out.FixedOrder = true
	require.NoError(t, g.AddNodes(x, linear, reshape, tr, out))
	require.NoError(t, g.Chain(x, linear, reshape, tr, out))

	input := []float32{1, -1}
	before := linearForward(linear.Params.(*graph.LinearParams).Clone().(*graph.LinearParams), input)
	want := must.M1(graph.TransposeData(before, []int{2, 3, 4}, perm.Perm{2, 0, 1}))

	res, err := Eliminate(g, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Eliminated)
	assert.Nil(t, tr.TransposeInAt(0))
	assert.Equal(t, []int{4, 2, 3}, out.InDim(0).Shape)
	got := linearForward(linear.Params.(*graph.LinearParams), input)
	assert.Equal(t, want, got)
}

func TestLinearAbsorbsTransposeDown(t *testing.T) {
	g := graph.New("conv_linear")
	x := graph.NewInput("x", graph.MustNamedDim([]string{"c", "h", "w"}, []int{2, 5, 5}))
	x.FixedOrder = true
	filter := graph.NewConstant("filter", graph.MustNamedDim([]string{"out_c", "h", "w", "in_c"}, []int{4, 3, 3, 2}), nil)
	conv := graph.NewConv2D("conv", graph.DefaultConv2DParams())
	weights := iota32(36 * 2)
	linear := graph.NewLinear("linear", 36, 2, weights, []float32{0, 0})
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(x, filter, conv, linear, out))
	require.NoError(t, g.Chain(x, conv, linear, out))
	must.M1(g.AddEdge(filter, 0, conv, 1))
	require.NoError(t, AdjustOrder(g))
	require.NotNil(t, conv.TransposeOutAt(0))

	// A kernel output in [h, w, c] order, seen as [c, h, w] by the linear layer before.
	kernelOut := iota32(36)
	chw := must.M1(graph.TransposeData(kernelOut, []int{3, 3, 4}, perm.Perm{2, 0, 1}))
	want := linearForward(linear.Params.(*graph.LinearParams).Clone().(*graph.LinearParams), chw)

	res, err := Eliminate(g, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Eliminated)
	assert.Nil(t, conv.TransposeOutAt(0))
	assert.NotNil(t, conv.TransposeInAt(0), "input of fixed order keeps its transpose")
	assert.Equal(t, want, linearForward(linear.Params.(*graph.LinearParams), kernelOut))
}

func TestEqualizeBroadcastInputs(t *testing.T) {
	g := graph.New("equalize")
	x := graph.NewInput("x", graph.NewDim(2, 3, 4))
	x.FixedOrder = true
	c := graph.NewConstant("c", graph.NewDim(4, 2, 3), iota32(24))
	add := graph.NewBinary("add", graph.KindAdd)
	add.SetTransposeIn(0, perm.Perm{2, 0, 1})
	out := graph.NewOutput("out")
	out.FixedOrder = true
	require.NoError(t, g.AddNodes(x, c, add, out))
	require.NoError(t, g.Chain(x, add, out))
	must.M1(g.AddEdge(c, 0, add, 1))

	xValue := iota32(24)
	for ii := range xValue {
		xValue[ii] *= 10
	}
	xT := must.M1(graph.TransposeData(xValue, []int{2, 3, 4}, perm.Perm{2, 0, 1}))
	want := make([]float32, 24)
	for ii := range want {
		want[ii] = xT[ii] + float32(ii)
	}

	res, err := Eliminate(g, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Eliminated)
	assert.Nil(t, add.TransposeIn)
	assert.Equal(t, perm.Perm{2, 0, 1}, add.TransposeOutAt(0))
	cParams := c.Params.(*graph.ConstantParams)
	assert.Equal(t, []int{2, 3, 4}, cParams.Dims.Shape)
	assert.Equal(t, []int{4, 2, 3}, out.InDim(0).Shape)

	sum := make([]float32, 24)
	for ii := range sum {
		sum[ii] = xValue[ii] + cParams.Value[ii]
	}
	assert.Equal(t, want, must.M1(graph.TransposeData(sum, []int{2, 3, 4}, perm.Perm{2, 0, 1})))
}

func TestHistory(t *testing.T) {
	var h History
	_, found := h.FirstValid()
	assert.False(t, found)

	h1 := h.Prepend(HistoryEntry{Before: Layout{Shape: []int{24}}, After: Layout{Perm: perm.Perm{1, 0}, Shape: []int{4, 6}}})
	h2 := h1.Prepend(HistoryEntry{Before: Layout{Perm: perm.Perm{0}, Shape: []int{24}}})
	assert.Len(t, h1, 1)
	assert.Len(t, h2, 2)

	l, found := h1.FirstValid()
	require.True(t, found)
	assert.Equal(t, perm.Perm{1, 0}, l.Perm)
	assert.Equal(t, []int{4, 6}, l.Shape)
	l, found = h2.FirstValid()
	require.True(t, found)
	assert.Equal(t, perm.Perm{0}, l.Perm)
}

func TestSetTransposeMovesToOutput(t *testing.T) {
	add := graph.NewBinary("add", graph.KindAdd)
	require.NoError(t, (&SetTranspose{Node: add, Idx: 0, Transpose: perm.Perm{1, 0}, NumInputs: 2}).Execute())
	assert.Equal(t, perm.Perm{1, 0}, add.TransposeInAt(0))
	assert.Nil(t, add.TransposeOut)
	require.NoError(t, (&SetTranspose{Node: add, Idx: 1, Transpose: perm.Perm{1, 0}, NumInputs: 2}).Execute())
	assert.Nil(t, add.TransposeIn)
	assert.Equal(t, perm.Perm{1, 0}, add.TransposeOutAt(0))
}
