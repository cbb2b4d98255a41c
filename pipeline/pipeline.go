// Package pipeline drives the whole rewriting of a graph: the kernel layouts are imposed, the
// matcher rules (transpose elimination, clean ups and fusions) run to a fixed point, and the
// graph is optionally quantized.
package pipeline

import (
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/matcher"
	"github.com/gomlx/nnrewrite/quantize"
	"github.com/gomlx/nnrewrite/transposes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options of Run. Use DefaultOptions and the With... methods to change them.
type Options struct {
	// Adjust inserts the transposes that give every kernel the axis order it expects.
	Adjust bool

	// Rules run by the matcher. If nil the built-in rules are used.
	Rules []matcher.Rule

	// MaxPasses bounds the matcher passes, 0 uses matcher.DefaultMaxPasses.
	MaxPasses int

	// Quantize, if not nil, quantizes the rewritten graph.
	Quantize *quantize.Options

	// Stats are the ranges of the rewritten graph, keyed by the node IDs after fusion. They
	// take precedence over the statically collected ones.
	Stats quantize.Stats
}

// DefaultOptions adjusts the graph and runs the built-in rules, without quantization.
func DefaultOptions() *Options {
	return &Options{Adjust: true}
}

// WithAdjust returns the options after setting whether kernel orders are imposed.
func (o *Options) WithAdjust(adjust bool) *Options {
	o.Adjust = adjust
	return o
}

// WithRules returns the options after replacing the matcher rules.
func (o *Options) WithRules(rules ...matcher.Rule) *Options {
	o.Rules = rules
	return o
}

// WithMaxPasses returns the options after setting the bound on matcher passes.
func (o *Options) WithMaxPasses(n int) *Options {
	o.MaxPasses = n
	return o
}

// WithQuantization returns the options after enabling quantization with the given ranges.
func (o *Options) WithQuantization(opts quantize.Options, stats quantize.Stats) *Options {
	o.Quantize = &opts
	o.Stats = stats
	return o
}

// Result of Run.
type Result struct {
	Matcher matcher.Result

	// Quantized is set if the graph was quantized.
	Quantized bool
}

// Run rewrites g in place. A nil opts uses DefaultOptions.
func Run(g *graph.Graph, opts *Options) (Result, error) {
	var res Result
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := g.AddDimensions(); err != nil {
		return res, errors.WithMessagef(err, "graph %q", g.Name)
	}
	if opts.Adjust {
		if err := transposes.AdjustOrder(g); err != nil {
			return res, errors.WithMessagef(err, "while adjusting the order of graph %q", g.Name)
		}
	}

	rules := opts.Rules
	if rules == nil {
		rules = matcher.DefaultRegistry().Rules()
	}
	var err error
	res.Matcher, err = matcher.Run(g, rules, &matcher.Options{MaxPasses: opts.MaxPasses})
	if err != nil {
		return res, errors.WithMessagef(err, "while matching graph %q", g.Name)
	}
	klog.V(1).Infof("graph %q rewritten in %d passes: %v", g.Name, res.Matcher.Passes, res.Matcher.Applied)

	if opts.Quantize == nil {
		return res, nil
	}
	stats, err := quantize.CollectStats(g)
	if err != nil {
		return res, errors.WithMessagef(err, "while collecting statistics of graph %q", g.Name)
	}
	stats = stats.Merge(opts.Stats)
	if err := quantize.Quantize(g, stats, *opts.Quantize); err != nil {
		return res, errors.WithMessagef(err, "while quantizing graph %q", g.Name)
	}
	res.Quantized = true
	return res, nil
}
