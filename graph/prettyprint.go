package graph

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// String implements fmt.Stringer, and pretty prints a summary of the graph.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	if g.fusionName != "" {
		w("Fusion subgraph %q:\n", g.fusionName)
	} else {
		w("Graph %q:\n", g.Name)
	}
	w("\t# nodes:\t%d\n", len(g.order))
	kindsSet := sets.Make[string]()
	numTransposes := 0
	for _, n := range g.order {
		kindsSet.Insert(n.Kind.String())
		if n.HasTransposeIn() || n.HasTransposeOut() {
			numTransposes++
		}
	}
	w("\tKinds:\t%#v\n", slices.Sorted(maps.Keys(kindsSet)))
	w("\t# nodes with transposes:\t%d\n", numTransposes)
	if fusions := g.Nodes(KindFusion); len(fusions) > 0 {
		w("\tFusions: [")
		for ii, f := range fusions {
			if ii > 0 {
				w(", ")
			}
			w("%s(%s)", f.Name, f.Params.(*FusionParams).Type)
		}
		w("]\n")
	}
	if g.fusionName == "" && len(g.Quantization) > 0 {
		w("\t# quantized nodes:\t%d\n", len(g.Quantization))
	}
	return buf.String()
}

// Dump returns one line per node in topological order (insertion order if the graph has a
// cycle), with its inputs, dimensions and transposes.
func (g *Graph) Dump() string {
	nodes, err := g.TopologicalSort()
	if err != nil {
		nodes = g.order
	}
	var buf bytes.Buffer
	for _, n := range nodes {
		_, _ = fmt.Fprintf(&buf, "%s", n)
		if ins := g.InEdges(n); len(ins) > 0 {
			buf.WriteString(" <-")
			for _, e := range ins {
				_, _ = fmt.Fprintf(&buf, " %s[%d]", e.From.Name, e.FromIdx)
			}
		}
		buf.WriteString("\n")
		if sub := g.Subgraph(n); sub != nil {
			for _, line := range bytes.Split(bytes.TrimSpace([]byte(sub.Dump())), []byte("\n")) {
				buf.WriteString("\t")
				buf.Write(line)
				buf.WriteString("\n")
			}
		}
	}
	return buf.String()
}
