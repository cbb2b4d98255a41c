package quantize

import (
	"maps"

	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/qrec"
)

// PrecisionPolicy selects what happens when a filter loses more fractional bits than
// Options.MaxPrecisionLoss allows.
type PrecisionPolicy int

const (
	PrecisionFail PrecisionPolicy = iota
	PrecisionWarn
)

// DefaultMaxPrecisionLoss is the fraction of the fractional bits of a filter calculation that
// can be dropped to fit its accumulator.
const DefaultMaxPrecisionLoss = 0.75

// Options configure Quantize. Options are values: the With* methods return a modified copy.
type Options struct {
	// Scheme selects the handler family.
	Scheme qrec.Scheme

	// Bits is the width of activations and weights: 8 or 16. For the FLOAT scheme, 16 selects
	// float16 and 32 float32.
	Bits int

	// BiasBits is the width of the biases of filters.
	BiasBits int

	// Forced holds QRecs decided before quantization. Their QTypes are marked as forced.
	Forced map[graph.NodeID]*qrec.QRec

	PrecisionLoss    PrecisionPolicy
	MaxPrecisionLoss float64

	// AllowAsymmetric lets scaled inputs and outputs use a zero point.
	AllowAsymmetric bool

	// Registry of handlers. If nil the default registry is used.
	Registry *Registry
}

// DefaultOptions returns scaled 8 bits quantization with 32 bits biases.
func DefaultOptions() Options {
	return Options{
		Scheme:           qrec.SchemeScaled,
		Bits:             8,
		BiasBits:         32,
		MaxPrecisionLoss: DefaultMaxPrecisionLoss,
	}
}

// WithScheme returns a copy of the options with the given scheme. The FLOAT scheme defaults
// to float32.
func (o Options) WithScheme(scheme qrec.Scheme) Options {
	o.Scheme = scheme
	if scheme == qrec.SchemeFloat && o.Bits < 16 {
		o.Bits = 32
	}
	return o
}

// WithBits returns a copy of the options with the given width.
func (o Options) WithBits(bits int) Options {
	o.Bits = bits
	return o
}

// WithBiasBits returns a copy of the options with the given bias width.
func (o Options) WithBiasBits(bits int) Options {
	o.BiasBits = bits
	return o
}

// WithForced returns a copy of the options forcing the QRec of a node.
func (o Options) WithForced(id graph.NodeID, r *qrec.QRec) Options {
	forced := maps.Clone(o.Forced)
	if forced == nil {
		forced = make(map[graph.NodeID]*qrec.QRec)
	}
	forced[id] = r
	o.Forced = forced
	return o
}

// WithPrecisionLoss returns a copy of the options with the given policy and maximum loss.
func (o Options) WithPrecisionLoss(policy PrecisionPolicy, maxLoss float64) Options {
	o.PrecisionLoss = policy
	o.MaxPrecisionLoss = maxLoss
	return o
}

// WithAsymmetric returns a copy of the options allowing or not asymmetric quantization.
func (o Options) WithAsymmetric(allow bool) Options {
	o.AllowAsymmetric = allow
	return o
}

// WithRegistry returns a copy of the options using the given handlers.
func (o Options) WithRegistry(r *Registry) Options {
	o.Registry = r
	return o
}
