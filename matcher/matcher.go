// Package matcher runs graph rewriting rules: each rule scans the graph for a pattern and
// rewrites what it finds. Rules declare which other rules they must run before or after, and
// Run repeats the ordered list until a full pass changes nothing.
package matcher

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Rule is one rewriting pass over a graph.
type Rule interface {
	// Name uniquely identifies the rule.
	Name() string

	// RunBefore and RunAfter name the rules this one must precede or follow. Names of rules
	// that are not being run are ignored.
	RunBefore() []string
	RunAfter() []string

	// Match rewrites every occurrence of the rule's pattern in g and returns whether the
	// graph was modified.
	Match(g *graph.Graph) (bool, error)
}

// FuncRule is a Rule implemented by a function.
type FuncRule struct {
	RuleName      string
	Before, After []string
	Fn            func(g *graph.Graph) (bool, error)
}

// NewRule creates a rule from a function.
func NewRule(name string, fn func(g *graph.Graph) (bool, error)) *FuncRule {
	return &FuncRule{RuleName: name, Fn: fn}
}

// WithRunBefore returns the rule after adding ordering constraints.
func (r *FuncRule) WithRunBefore(names ...string) *FuncRule {
	r.Before = append(r.Before, names...)
	return r
}

// WithRunAfter returns the rule after adding ordering constraints.
func (r *FuncRule) WithRunAfter(names ...string) *FuncRule {
	r.After = append(r.After, names...)
	return r
}

func (r *FuncRule) Name() string                       { return r.RuleName }
func (r *FuncRule) RunBefore() []string                { return r.Before }
func (r *FuncRule) RunAfter() []string                 { return r.After }
func (r *FuncRule) Match(g *graph.Graph) (bool, error) { return r.Fn(g) }

// Registry holds rules by name, in registration order.
type Registry struct {
	rules  []Rule
	byName map[string]Rule
}

// NewRegistry creates a registry with the given rules.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{byName: make(map[string]Rule)}
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a rule. Names must be unique.
func (r *Registry) Register(rule Rule) error {
	if _, found := r.byName[rule.Name()]; found {
		return errors.Errorf("rule %q registered twice", rule.Name())
	}
	r.byName[rule.Name()] = rule
	r.rules = append(r.rules, rule)
	return nil
}

// Get returns the rule with the given name, or nil.
func (r *Registry) Get(name string) Rule {
	return r.byName[name]
}

// Rules returns all the rules in registration order.
func (r *Registry) Rules() []Rule {
	return slices.Clone(r.rules)
}

// Select returns the named rules, in registration order.
func (r *Registry) Select(names ...string) ([]Rule, error) {
	for _, name := range names {
		if r.byName[name] == nil {
			return nil, errors.Errorf("unknown rule %q", name)
		}
	}
	var res []Rule
	for _, rule := range r.rules {
		if slices.Contains(names, rule.Name()) {
			res = append(res, rule)
		}
	}
	return res, nil
}

// CycleError is returned by Order when the ordering constraints contradict each other.
type CycleError struct {
	Rules []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("rules [%s] have contradictory run before/after constraints", strings.Join(e.Rules, ", "))
}

// Order sorts rules so every RunBefore/RunAfter constraint holds. Among rules free to run the
// one listed first goes first, so the result is deterministic.
func Order(rules []Rule) ([]Rule, error) {
	index := make(map[string]int, len(rules))
	for ii, rule := range rules {
		if _, found := index[rule.Name()]; found {
			return nil, errors.Errorf("rule %q listed twice", rule.Name())
		}
		index[rule.Name()] = ii
	}
	next := make([][]int, len(rules))
	inDegree := make([]int, len(rules))
	addConstraint := func(first, second int) {
		if !slices.Contains(next[first], second) {
			next[first] = append(next[first], second)
			inDegree[second]++
		}
	}
	for ii, rule := range rules {
		for _, name := range rule.RunBefore() {
			if jj, found := index[name]; found {
				addConstraint(ii, jj)
			}
		}
		for _, name := range rule.RunAfter() {
			if jj, found := index[name]; found {
				addConstraint(jj, ii)
			}
		}
	}

	var ready []int
	for ii := range rules {
		if inDegree[ii] == 0 {
			ready = append(ready, ii)
		}
	}
	ordered := make([]Rule, 0, len(rules))
	for len(ready) > 0 {
		slices.Sort(ready)
		ii := ready[0]
		ready = ready[1:]
		ordered = append(ordered, rules[ii])
		for _, jj := range next[ii] {
			inDegree[jj]--
			if inDegree[jj] == 0 {
				ready = append(ready, jj)
			}
		}
	}
	if len(ordered) < len(rules) {
		var cycle []string
		for ii, rule := range rules {
			if inDegree[ii] > 0 {
				cycle = append(cycle, rule.Name())
			}
		}
		return nil, errors.WithStack(&CycleError{Rules: cycle})
	}
	return ordered, nil
}

// DefaultMaxPasses bounds the number of passes of Run.
const DefaultMaxPasses = 50

// Options of Run.
type Options struct {
	MaxPasses int
}

// Result of Run.
type Result struct {
	// Passes over the whole rule list, including the last one that changed nothing.
	Passes int

	// Applied counts the passes in which each rule modified the graph.
	Applied map[string]int
}

// Run applies the rules in order, repeating the whole list until a pass modifies nothing.
// Dimensions are recomputed after every rule that modified the graph.
func Run(g *graph.Graph, rules []Rule, opts *Options) (Result, error) {
	res := Result{Applied: make(map[string]int)}
	maxPasses := DefaultMaxPasses
	if opts != nil && opts.MaxPasses > 0 {
		maxPasses = opts.MaxPasses
	}
	ordered, err := Order(rules)
	if err != nil {
		return res, err
	}
	if err := g.AddDimensions(); err != nil {
		return res, err
	}
	for {
		if res.Passes >= maxPasses {
			return res, errors.Errorf("rules on graph %q still modify it after %d passes", g.Name, res.Passes)
		}
		res.Passes++
		modified := false
		for _, rule := range ordered {
			changed, err := rule.Match(g)
			if err != nil {
				return res, errors.WithMessagef(err, "while running rule %q", rule.Name())
			}
			if !changed {
				continue
			}
			klog.V(1).Infof("rule %q modified graph %q", rule.Name(), g.Name)
			modified = true
			res.Applied[rule.Name()]++
			if err := g.AddDimensions(); err != nil {
				return res, errors.WithMessagef(err, "after rule %q", rule.Name())
			}
		}
		if !modified {
			return res, nil
		}
	}
}
