package benchmarks

import (
	"flag"
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/perm"
	"github.com/janpfeifer/must"
)

var (
	flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")
	flagVerbose       = flag.Bool("verbose", false, "Prints the rewritten graphs")

	// Benchmark hyperparameters.
	ChainLengths = []int{8, 64, 512}
	ConvLayers   = []int{1, 4, 16}
)

// chainGraph builds x[a,b] followed by n alternating swaps of its two axes.
func chainGraph(n int) *graph.Graph {
	g := graph.New(fmt.Sprintf("chain%d", n))
	nodes := []*graph.Node{graph.NewInput("x", graph.MustNamedDim([]string{"a", "b"}, []int{16, 32}))}
	for ii := range n {
		nodes = append(nodes, graph.NewTranspose(fmt.Sprintf("t%d", ii), perm.Perm{1, 0}))
	}
	nodes = append(nodes, graph.NewOutput("out"))
	must.M(g.AddNodes(nodes...))
	must.M(g.Chain(nodes...))
	return g
}

// convStack builds layers of convolutions written for a channels first kernel: every
// convolution is wrapped by transposes to and from [c,h,w] and followed by a relu.
func convStack(layers int) *graph.Graph {
	const channels = 4
	size := 2*layers + 8
	g := graph.New(fmt.Sprintf("conv%d", layers))
	r := rand.New(rand.NewPCG(42, 0))
	x := graph.NewInput("x", graph.MustNamedDim([]string{"h", "w", "c"}, []int{size, size, channels}))
	must.M(g.AddNodes(x))
	last := x
	for layer := range layers {
		weights := make([]float32, channels*3*3*channels)
		for ii := range weights {
			weights[ii] = r.Float32() - 0.5
		}
		filter := graph.NewConstant(fmt.Sprintf("filter%d", layer),
			graph.MustNamedDim([]string{"out_c", "h", "w", "in_c"}, []int{channels, 3, 3, channels}), weights)
		toCHW := graph.NewTranspose(fmt.Sprintf("to_chw%d", layer), perm.Perm{2, 0, 1})
		conv := graph.NewConv2D(fmt.Sprintf("conv%d", layer), graph.DefaultConv2DParams())
		toHWC := graph.NewTranspose(fmt.Sprintf("to_hwc%d", layer), perm.Perm{1, 2, 0})
		relu := graph.NewActivation(fmt.Sprintf("relu%d", layer), "relu")
		must.M(g.AddNodes(filter, toCHW, conv, toHWC, relu))
		must.M(g.Chain(last, toCHW, conv, toHWC, relu))
		must.M1(g.AddEdge(filter, 0, conv, 1))
		last = relu
	}
	out := graph.NewOutput("out")
	must.M(g.AddNodes(out))
	must.M(g.Chain(last, out))
	return g
}

// randomInput returns values for the x input of convStack(layers).
func randomInput(layers int) []float32 {
	size := 2*layers + 8
	r := rand.New(rand.NewPCG(42, 1))
	data := make([]float32, size*size*4)
	for ii := range data {
		data[ii] = r.Float32()
	}
	return data
}
