package quantize

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/nnrewrite/expr"
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/qrec"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(name string) graph.NodeID { return graph.NodeID{Name: name} }

func TestBroadcastAddOfConstants(t *testing.T) {
	g := graph.New("broadcast")
	a := graph.NewConstant("a", graph.NewDim(3), []float32{1, 2, 3})
	b := graph.NewConstant("b", graph.NewDim(1), []float32{0.5})
	add := graph.NewBinary("add", graph.KindAdd)
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(a, b, add, out))
	require.NoError(t, g.Chain(a, add, out))
	must.M1(g.AddEdge(b, 0, add, 1))

	stats, err := CollectStats(g)
	require.NoError(t, err)
	rng, found := stats.Get(id("add")).OutRange(0)
	require.True(t, found)
	assert.Equal(t, Range{Min: 1.5, Max: 3.5}, rng)

	require.NoError(t, Quantize(g, stats, DefaultOptions()))
	outQ := g.QRec(add).OutQ(0)
	require.NotNil(t, outQ)
	assert.Equal(t, dtypes.Int8, outQ.DType)
	assert.False(t, outQ.Asymmetric())
	assert.Equal(t, 3.5, outQ.MaxVal)
	assert.InDelta(t, 3.5, outQ.DequantizeValue(outQ.MaxQuantized()), 1e-9)
	assert.True(t, g.QRec(out).InQ(0).Equal(outQ))
	assert.True(t, g.QRec(add).InQ(0).Equal(g.QRec(a).OutQ(0)))
}

func TestConvScaled(t *testing.T) {
	g := graph.New("conv")
	x := graph.NewInput("x", graph.MustNamedDim([]string{"h", "w", "c"}, []int{4, 4, 2}))
	weights := make([]float32, 4*3*3*2)
	for ii := range weights {
		weights[ii] = float32(ii%7-3) / 8
	}
	filter := graph.NewConstant("filter", graph.MustNamedDim([]string{"out_c", "h", "w", "in_c"}, []int{4, 3, 3, 2}), weights)
	bias := graph.NewConstant("bias", graph.NewDim(4), []float32{0.1, -0.2, 0.3, 0})
	conv := graph.NewConv2D("conv", graph.DefaultConv2DParams())
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(x, filter, bias, conv, out))
	require.NoError(t, g.Chain(x, conv, out))
	must.M1(g.AddEdge(filter, 0, conv, 1))
	must.M1(g.AddEdge(bias, 0, conv, 2))

	stats := must.M1(CollectStats(g))
	stats.SetOut(id("x"), 0, Range{Min: -1, Max: 1})
	stats.SetOut(id("conv"), 0, Range{Min: -5, Max: 5})
	require.NoError(t, Quantize(g, stats, DefaultOptions()))

	rec := g.QRec(conv)
	require.Len(t, rec.InQs, 3)
	inQ, wQ, biasQ := rec.InQs[0], rec.InQs[1], rec.InQs[2]
	assert.Equal(t, dtypes.Int8, wQ.DType)
	assert.InDelta(t, 3.0/8/127, wQ.Scale, 1e-12)
	assert.Equal(t, dtypes.Int32, biasQ.DType)
	assert.InDelta(t, inQ.Step()*wQ.Step(), biasQ.Step(), 1e-15)
	assert.True(t, rec.AccQ.Compatible(biasQ))
	assert.InDelta(t, 5.0/127, rec.OutQ(0).Scale, 1e-12)

	// The bias constant was requantized for the convolution.
	assert.True(t, g.QRec(bias).OutQ(0).Compatible(biasQ))
	assert.True(t, g.QRec(filter).OutQ(0).Compatible(wQ))
}

func linearGraph(t *testing.T, weights []float32) (*graph.Graph, *graph.Node) {
	g := graph.New("linear")
	x := graph.NewInput("x", graph.NewDim(4))
	linear := graph.NewLinear("linear", 4, 2, weights, []float32{0.25, -0.25})
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(x, linear, out))
	require.NoError(t, g.Chain(x, linear, out))
	return g, linear
}

func TestPow2PrecisionLoss(t *testing.T) {
	weights := []float32{0.5, -0.5, 0.25, 0.125, -0.25, 0.5, 0, 0.375}
	g, linear := linearGraph(t, weights)
	stats := make(Stats)
	stats.SetOut(id("x"), 0, Range{Min: -1, Max: 1})
	stats.SetOut(id("linear"), 0, Range{Min: -2, Max: 2})
	opts := DefaultOptions().WithScheme(qrec.SchemePow2)

	// The accumulator fits: Q6 input times Q7 weights.
	require.NoError(t, Quantize(g, stats, opts))
	rec := g.QRec(linear)
	assert.Equal(t, 6, rec.InQs[0].Q)
	assert.Equal(t, 7, rec.InQs[1].Q)
	assert.Equal(t, 13, rec.AccQ.Q)
	assert.Equal(t, 31, rec.AccQ.EffectiveBits())
	assert.LessOrEqual(t, rec.InQs[2].Q, rec.AccQ.Q)

	// A huge accumulator needs 30 integer bits: 12 of the 13 fractional bits are missing.
	g, linear = linearGraph(t, weights)
	stats.Get(id("linear")).Acc = &Range{Min: -1e9, Max: 1e9}
	err := Quantize(g, stats, opts)
	require.Error(t, err)
	var lossErr *PrecisionLossError
	require.True(t, errors.As(err, &lossErr), "unexpected error %+v", err)
	assert.Equal(t, 12, lossErr.Missing)
	assert.Equal(t, 13, lossErr.Available)
	assert.Empty(t, g.Quantization)

	require.NoError(t, Quantize(g, stats, opts.WithPrecisionLoss(PrecisionWarn, DefaultMaxPrecisionLoss)))
	rec = g.QRec(linear)
	assert.Equal(t, -5, rec.InQs[1].Q)
	assert.Equal(t, 1, rec.AccQ.Q)
}

func TestForcedQuantization(t *testing.T) {
	build := func() *graph.Graph {
		g := graph.New("forced")
		x := graph.NewInput("x", graph.NewDim(8))
		cp := graph.NewNode("copy", graph.KindCopy, nil)
		out := graph.NewOutput("out")
		require.NoError(t, g.AddNodes(x, cp, out))
		require.NoError(t, g.Chain(x, cp, out))
		return g
	}

	// A forced input reaches a graph input without statistics.
	g := build()
	wanted := qrec.New(dtypes.Int8, 0.05, 0)
	opts := DefaultOptions().WithForced(id("copy"), qrec.NewQRec(qrec.SchemeScaled, []*qrec.QType{wanted}, nil))
	require.NoError(t, Quantize(g, nil, opts))
	xQ := g.QRec(g.Node("x")).OutQ(0)
	assert.Equal(t, 0.05, xQ.Scale)
	assert.True(t, xQ.IsForced(qrec.FieldScale))
	assert.Equal(t, 0.05, g.QRec(g.Node("out")).InQ(0).Scale)

	// Forcing both ends of an edge differently is a conflict.
	g = build()
	opts = opts.WithForced(id("x"), qrec.NewQRec(qrec.SchemeScaled, nil, []*qrec.QType{qrec.New(dtypes.Int8, 0.1, 0)}))
	err := Quantize(g, nil, opts)
	require.Error(t, err)
	var conflict *IncompatibleQuantizationError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, id("copy"), conflict.Node)
	assert.Equal(t, 0, conflict.Index)
	assert.Empty(t, g.Quantization)

	// Without statistics nor forced QTypes nothing can be decided.
	g = build()
	require.Error(t, Quantize(g, nil, DefaultOptions()))
	assert.Empty(t, g.Quantization)
}

func divGraph(t *testing.T) (*graph.Graph, Stats) {
	g := graph.New("div")
	a := graph.NewInput("a", graph.NewDim(2, 3))
	b := graph.NewInput("b", graph.NewDim(2, 3))
	div := graph.NewBinary("div", graph.KindDiv)
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(a, b, div, out))
	require.NoError(t, g.Chain(a, div, out))
	must.M1(g.AddEdge(b, 0, div, 1))
	stats := make(Stats)
	stats.SetOut(id("a"), 0, Range{Min: -1, Max: 1})
	stats.SetOut(id("b"), 0, Range{Min: 1, Max: 2})
	stats.SetOut(id("div"), 0, Range{Min: -1, Max: 1})
	return g, stats
}

func TestSchemes(t *testing.T) {
	g, stats := divGraph(t)
	err := Quantize(g, stats, DefaultOptions())
	var unsupported *UnsupportedQuantizationError
	require.True(t, errors.As(err, &unsupported), "unexpected error %v", err)
	assert.Equal(t, graph.KindDiv, unsupported.Kind)
	assert.Equal(t, qrec.SchemeScaled, unsupported.Scheme)
	assert.Equal(t, id("div"), unsupported.Node)

	for _, tc := range []struct {
		bits  int
		dtype dtypes.DType
	}{{32, dtypes.Float32}, {16, dtypes.Float16}} {
		g, stats = divGraph(t)
		require.NoError(t, Quantize(g, stats, DefaultOptions().WithScheme(qrec.SchemeFloat).WithBits(tc.bits)))
		for _, n := range g.Nodes() {
			rec := g.QRec(n)
			require.NotNil(t, rec, "node %s", n.Name)
			assert.Equal(t, qrec.SchemeFloat, rec.Scheme)
			for _, q := range append(rec.InQs, rec.OutQs...) {
				assert.Equal(t, tc.dtype, q.DType)
			}
		}
	}

	// POW2 has a divide kernel. Values up to 2 need 2 integer bits.
	g, stats = divGraph(t)
	require.NoError(t, Quantize(g, stats, DefaultOptions().WithScheme(qrec.SchemePow2)))
	assert.Equal(t, 5, g.QRec(g.Node("b")).OutQ(0).Q)

	// A custom handler can be registered for the scaled scheme.
	registry := NewRegistry()
	registry.Register(qrec.SchemeScaled, graph.KindDiv, scaledElementwise)
	g, stats = divGraph(t)
	require.NoError(t, Quantize(g, stats, DefaultOptions().WithRegistry(registry)))
	assert.NotNil(t, g.QRec(g.Node("div")))
}

func TestExpressionNode(t *testing.T) {
	g := graph.New("expression")
	a := graph.NewInput("a", graph.NewDim(16))
	b := graph.NewInput("b", graph.NewDim(16))
	e := graph.NewExpression("e", expr.Add(expr.Mul(expr.Var("a"), expr.Const(2)), expr.Var("b")))
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(a, b, e, out))
	require.NoError(t, g.Chain(a, e, out))
	must.M1(g.AddEdge(b, 0, e, 1))
	stats := make(Stats)
	stats.SetOut(id("a"), 0, Range{Min: -1, Max: 1})
	stats.SetOut(id("b"), 0, Range{Min: -2, Max: 2})
	stats.SetOut(id("e"), 0, Range{Min: -4, Max: 4})
	require.NoError(t, Quantize(g, stats, DefaultOptions()))

	rec := g.QRec(e)
	require.NotNil(t, rec.Expr)
	require.Len(t, rec.InQs, 2)
	aQ, bQ := g.QRec(a).OutQ(0), g.QRec(b).OutQ(0)
	assert.True(t, rec.InQs[0].Equal(aQ))
	assert.True(t, rec.InQs[1].Equal(bQ))
	outQ := rec.OutQ(0)
	assert.Equal(t, dtypes.Int8, outQ.DType)
	assert.True(t, g.QRec(out).InQ(0).Equal(outQ))

	quantized := rec.Expr.(*expr.Node)
	for _, values := range [][2]float64{{0.5, 1}, {-1, 2}, {0.25, -1.5}} {
		env := map[string]int64{"a": aQ.QuantizeValue(values[0]), "b": bQ.QuantizeValue(values[1])}
		got := must.M1(quantized.EvalInt(env))
		want := 2*values[0] + values[1]
		assert.InDelta(t, want, outQ.DequantizeValue(got), 2*outQ.Step()+2*aQ.Step()+bQ.Step())
	}
}

func TestFusionQuantization(t *testing.T) {
	g := graph.New("fusion")
	x := graph.NewInput("x", graph.MustNamedDim([]string{"h", "w", "c"}, []int{5, 5, 2}))
	weights := make([]float32, 4*3*3*2)
	for ii := range weights {
		weights[ii] = float32(ii%5-2) / 4
	}
	filter := graph.NewConstant("filter", graph.MustNamedDim([]string{"out_c", "h", "w", "in_c"}, []int{4, 3, 3, 2}), weights)
	conv := graph.NewConv2D("conv", graph.DefaultConv2DParams())
	act := graph.NewActivation("act", "relu")
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(x, filter, conv, act, out))
	require.NoError(t, g.Chain(x, conv, act, out))
	must.M1(g.AddEdge(filter, 0, conv, 1))
	fusion := must.M1(g.NewFusion("conv_act", "conv_active", conv, act))
	sub := g.Subgraph(fusion)

	stats := must.M1(CollectStats(g))
	stats.SetOut(id("x"), 0, Range{Min: -1, Max: 1})
	stats.SetOut(sub.NodeID(conv), 0, Range{Min: -3, Max: 3})
	stats.SetOut(sub.NodeID(act), 0, Range{Min: 0, Max: 3})
	require.NoError(t, Quantize(g, stats, DefaultOptions()))

	convRec := sub.QRec(conv)
	require.NotNil(t, convRec)
	assert.Equal(t, graph.NodeID{Name: "conv", FusionName: "conv_act"}, sub.NodeID(conv))
	assert.True(t, convRec.InQs[0].Equal(g.QRec(x).OutQ(0)))
	assert.True(t, convRec.InQs[1].Compatible(g.QRec(filter).OutQ(0)))
	actQ := sub.QRec(act).OutQ(0)
	assert.True(t, g.QRec(fusion).OutQ(0).Equal(actQ))
	assert.True(t, g.QRec(out).InQ(0).Equal(actQ))
	assert.InDelta(t, 3.0/127, actQ.Scale, 1e-12)
}

func TestPropagateMissing(t *testing.T) {
	g := graph.New("missing")
	x := graph.NewInput("x", graph.NewDim(2, 4))
	tr := graph.NewTranspose("tr", []int{1, 0})
	reshape := graph.NewReshape("reshape", graph.NewDim(4, 2), graph.NewDim(8))
	out := graph.NewOutput("out")
	require.NoError(t, g.AddNodes(x, tr, reshape, out))
	require.NoError(t, g.Chain(x, tr, reshape, out))

	qt := qrec.New(dtypes.Int8, 0.25, 0)
	g.SetQRec(out, qrec.NewQRec(qrec.SchemeScaled, []*qrec.QType{qt}, nil))
	changed, err := PropagateMissing(g)
	require.NoError(t, err)
	assert.True(t, changed)
	for _, n := range []*graph.Node{x, tr, reshape} {
		rec := g.QRec(n)
		require.NotNil(t, rec, "node %s", n.Name)
		assert.True(t, rec.OutQ(0).Equal(qt))
	}
	assert.Nil(t, g.QRec(x).InQs)
	changed, err = PropagateMissing(g)
	require.NoError(t, err)
	assert.False(t, changed)

	// Producer and consumer disagree on the QType of a pass-through node.
	delete(g.Quantization, g.NodeID(tr))
	g.SetQRec(x, qrec.NewQRec(qrec.SchemeScaled, nil, []*qrec.QType{qrec.New(dtypes.Int8, 0.5, 0)}))
	_, err = PropagateMissing(g)
	var conflict *IncompatibleQuantizationError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, id("tr"), conflict.Node)
	assert.Nil(t, g.QRec(tr))
}
