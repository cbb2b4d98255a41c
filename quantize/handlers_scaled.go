package quantize

import (
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/qrec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// registerScaled registers the SQ8 handlers: activations and weights use a scale (with Q 0)
// in 8 or 16 bits, biases and accumulators are 32 bits with the product of the input and
// weights scales. Div has no scaled kernel.
func registerScaled(r *Registry) {
	s := qrec.SchemeScaled
	r.Register(s, graph.KindInput, scaledInput)
	r.Register(s, graph.KindOutput, outputHandler)
	r.Register(s, graph.KindConstant, scaledConstant)
	registerAll(r, s, passThrough, passThroughKinds...)
	registerAll(r, s, scaledElementwise, elementwiseKinds...)
	r.Register(s, graph.KindActivation, scaledActivation)
	r.Register(s, graph.KindConcat, scaledConcat)
	r.Register(s, graph.KindConv2D, scaledFilter)
	r.Register(s, graph.KindLinear, scaledFilter)
	r.Register(s, graph.KindExpression, expressionHandler)
}

// scaledFromRange creates the QType of an activation.
func scaledFromRange(ctx *HandlerContext, rng Range, asymmetric bool) (*qrec.QType, error) {
	dtype, err := ctx.intDType(ctx.Opts.Bits)
	if err != nil {
		return nil, err
	}
	return qrec.FromMinMaxScaled(rng.Min, rng.Max, dtype, asymmetric && ctx.Opts.AllowAsymmetric)
}

func scaledInput(ctx *HandlerContext) (*qrec.QRec, error) {
	rng, found := ctx.Stats.OutRange(0)
	if !found {
		// Left for PropagateMissing.
		return nil, nil
	}
	out, err := scaledFromRange(ctx, rng, true)
	if err != nil {
		return nil, err
	}
	return qrec.NewQRec(ctx.Opts.Scheme, nil, []*qrec.QType{out}), nil
}

func scaledConstant(ctx *HandlerContext) (*qrec.QRec, error) {
	rng, err := ctx.constantOut()
	if err != nil {
		return nil, err
	}
	out, err := scaledFromRange(ctx, rng, false)
	if err != nil {
		return nil, err
	}
	return qrec.NewQRec(ctx.Opts.Scheme, nil, []*qrec.QType{out}), nil
}

// scaledElementwise keeps the inputs as they are, the kernel rescales them to the output.
func scaledElementwise(ctx *HandlerContext) (*qrec.QRec, error) {
	if err := ctx.requireInputs(); err != nil {
		return nil, err
	}
	rng, err := ctx.outRange(0)
	if err != nil {
		return nil, err
	}
	out, err := scaledFromRange(ctx, rng, true)
	if err != nil {
		return nil, err
	}
	return qrec.NewQRec(ctx.Opts.Scheme, cloneAll(ctx.InQs), []*qrec.QType{out}), nil
}

func scaledActivation(ctx *HandlerContext) (*qrec.QRec, error) {
	if err := ctx.requireInputs(); err != nil {
		return nil, err
	}
	rng, found := ctx.Stats.OutRange(0)
	if !found {
		klog.V(1).Infof("no output statistics for activation %s, keeping the input quantization", ctx.ID)
		return passThrough(ctx)
	}
	out, err := scaledFromRange(ctx, rng, true)
	if err != nil {
		return nil, err
	}
	return qrec.NewQRec(ctx.Opts.Scheme, cloneAll(ctx.InQs), []*qrec.QType{out}), nil
}

// scaledConcat gives the output the range of all the inputs.
func scaledConcat(ctx *HandlerContext) (*qrec.QRec, error) {
	rng, err := ctx.unionRange()
	if err != nil {
		return nil, err
	}
	out, err := scaledFromRange(ctx, rng, true)
	if err != nil {
		return nil, err
	}
	return qrec.NewQRec(ctx.Opts.Scheme, cloneAll(ctx.InQs), []*qrec.QType{out}), nil
}

// filterWeights returns the weights and bias of a Conv2D (inputs 1 and 2) or a Linear node
// (parameters). Missing values are nil.
func filterWeights(ctx *HandlerContext) (weights, bias []float32, err error) {
	if ctx.Node.Kind == graph.KindLinear {
		params := ctx.Node.Params.(*graph.LinearParams)
		return params.Weights, params.Bias, nil
	}
	weights = ctx.constantValue(1)
	if weights == nil {
		if _, err = ctx.constantRange(1); err != nil {
			return nil, nil, err
		}
	}
	return weights, ctx.constantValue(2), nil
}

// hasBias returns whether the filter has a bias input or parameter.
func hasBias(ctx *HandlerContext) bool {
	if ctx.Node.Kind == graph.KindLinear {
		return ctx.Node.Params.(*graph.LinearParams).Bias != nil
	}
	return len(ctx.InQs) > 2
}

// scaledFilter quantizes Conv2D and Linear nodes. The QRec inputs are [input, weights, bias].
func scaledFilter(ctx *HandlerContext) (*qrec.QRec, error) {
	in := ctx.in(0)
	if in == nil {
		return nil, errors.Errorf("input of %s has no quantization", ctx.ID)
	}
	if in.IsFloating() {
		return nil, errors.Errorf("input of %s is not quantized: %s", ctx.ID, in)
	}
	weightsQ := ctx.Forced.InQ(1)
	if weightsQ == nil {
		weights, _, err := filterWeights(ctx)
		if err != nil {
			return nil, err
		}
		dtype, err := ctx.intDType(ctx.Opts.Bits)
		if err != nil {
			return nil, err
		}
		if weights != nil {
			weightsQ, err = qrec.FromArrayScaled(weights, dtype)
		} else {
			rng, _ := ctx.constantRange(1)
			weightsQ, err = qrec.FromMinMaxScaled(rng.Min, rng.Max, dtype, false)
		}
		if err != nil {
			return nil, err
		}
	}
	biasDType, err := ctx.intDType(ctx.Opts.BiasBits)
	if err != nil {
		return nil, err
	}
	accQ := qrec.New(biasDType, in.Step()*weightsQ.Step(), 0)
	biasQ := ctx.Forced.InQ(2)
	if biasQ == nil {
		biasQ = accQ.Clone()
	} else if !biasQ.Compatible(accQ) {
		return nil, errors.WithStack(&IncompatibleQuantizationError{Node: ctx.ID, Index: 2, A: accQ, B: biasQ})
	}
	if acc := ctx.Stats.GetAcc(); acc != nil {
		accQ.SetRange(acc.Min, acc.Max)
	}

	rng, err := ctx.outRange(0)
	if err != nil {
		return nil, err
	}
	out, err := scaledFromRange(ctx, rng, true)
	if err != nil {
		return nil, err
	}
	inQs := []*qrec.QType{in.Clone(), weightsQ}
	if hasBias(ctx) {
		inQs = append(inQs, biasQ)
	}
	rec := qrec.NewQRec(ctx.Opts.Scheme, inQs, []*qrec.QType{out})
	rec.AccQ = accQ
	return rec, nil
}
