package benchmarks

import (
	"fmt"
	"testing"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/pipeline"
	"github.com/gomlx/nnrewrite/transposes"
	"github.com/janpfeifer/must"
)

// BenchmarkEliminateChain measures transpose elimination on chains of swaps. Building the
// graph is not counted.
func BenchmarkEliminateChain(b *testing.B) {
	for _, n := range ChainLengths {
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			for range b.N {
				b.StopTimer()
				g := chainGraph(n)
				b.StartTimer()
				res := must.M1(transposes.Eliminate(g, transposes.DefaultOptions().WithMaxIterations(2*n+10)))
				if res.Eliminated != n {
					b.Fatalf("eliminated %d transposes out of %d", res.Eliminated, n)
				}
			}
		})
	}
}

// BenchmarkPipelineConvStack measures the full rewrite of stacks of convolutions.
func BenchmarkPipelineConvStack(b *testing.B) {
	for _, layers := range ConvLayers {
		b.Run(fmt.Sprintf("layers=%d", layers), func(b *testing.B) {
			var g *graph.Graph
			for range b.N {
				b.StopTimer()
				g = convStack(layers)
				b.StartTimer()
				must.M1(pipeline.Run(g, pipeline.DefaultOptions().WithMaxPasses(10*layers+50)))
			}
			if *flagVerbose {
				fmt.Printf("Rewritten graph:\n%s\n", g.Dump())
			}
		})
	}
}
