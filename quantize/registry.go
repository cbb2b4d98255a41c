package quantize

import (
	"sync"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/qrec"
)

// HandlerContext is what a handler sees of the node it quantizes.
type HandlerContext struct {
	Graph *graph.Graph
	Node  *graph.Node
	ID    graph.NodeID

	// InQs are the output QTypes of the producers of each input, nil if unknown. Forced input
	// QTypes replace them.
	InQs []*qrec.QType

	// Stats of the node, may be nil.
	Stats *NodeStats

	// AllStats gives access to the statistics of other nodes, e.g. the activation fused after
	// a convolution.
	AllStats Stats

	// Forced is the QRec forced by the options for this node, or nil.
	Forced *qrec.QRec

	Opts *Options
}

// Handler computes the QRec of one node.
type Handler func(ctx *HandlerContext) (*qrec.QRec, error)

// HandlerKey selects a handler.
type HandlerKey struct {
	Scheme qrec.Scheme
	Kind   graph.Kind
}

// Registry maps (scheme, kind) to handlers.
type Registry struct {
	handlers map[HandlerKey]Handler
}

// NewRegistry returns a registry with the handlers of all the schemes.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[HandlerKey]Handler)}
	registerScaled(r)
	registerPow2(r)
	registerFloat(r)
	return r
}

// Register sets the handler of a kind for a scheme, replacing any previous one.
func (r *Registry) Register(scheme qrec.Scheme, kind graph.Kind, h Handler) {
	r.handlers[HandlerKey{Scheme: scheme, Kind: kind}] = h
}

// Lookup returns the handler of a kind for a scheme.
func (r *Registry) Lookup(scheme qrec.Scheme, kind graph.Kind) (Handler, bool) {
	h, found := r.handlers[HandlerKey{Scheme: scheme, Kind: kind}]
	return h, found
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the shared registry used when Options.Registry is nil.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() { defaultRegistry = NewRegistry() })
	return defaultRegistry
}

// registerAll registers h for every kind of the list.
func registerAll(r *Registry, scheme qrec.Scheme, h Handler, kinds ...graph.Kind) {
	for _, kind := range kinds {
		r.Register(scheme, kind, h)
	}
}
