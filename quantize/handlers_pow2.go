package quantize

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/qrec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Usable width of the accumulator of power-of-two filters.
const pow2CalcBits = 31

// registerPow2 registers the POW2 handlers: every tensor is a fixed point integer with Q
// fractional bits.
func registerPow2(r *Registry) {
	s := qrec.SchemePow2
	r.Register(s, graph.KindInput, pow2Input)
	r.Register(s, graph.KindOutput, outputHandler)
	r.Register(s, graph.KindConstant, pow2Constant)
	registerAll(r, s, passThrough, passThroughKinds...)
	registerAll(r, s, pow2Elementwise, elementwiseKinds...)
	r.Register(s, graph.KindDiv, pow2Elementwise)
	r.Register(s, graph.KindActivation, pow2Activation)
	r.Register(s, graph.KindConcat, pow2Concat)
	r.Register(s, graph.KindConv2D, pow2Filter)
	r.Register(s, graph.KindLinear, pow2Filter)
	r.Register(s, graph.KindExpression, expressionHandler)
}

func pow2FromRange(ctx *HandlerContext, rng Range) (*qrec.QType, error) {
	dtype, err := ctx.intDType(ctx.Opts.Bits)
	if err != nil {
		return nil, err
	}
	return qrec.FromMinMaxPow2(rng.Min, rng.Max, dtype, ctx.Opts.Bits)
}

func pow2Input(ctx *HandlerContext) (*qrec.QRec, error) {
	rng, found := ctx.Stats.OutRange(0)
	if !found {
		return nil, nil
	}
	out, err := pow2FromRange(ctx, rng)
	if err != nil {
		return nil, err
	}
	return qrec.NewQRec(ctx.Opts.Scheme, nil, []*qrec.QType{out}), nil
}

func pow2Constant(ctx *HandlerContext) (*qrec.QRec, error) {
	rng, err := ctx.constantOut()
	if err != nil {
		return nil, err
	}
	out, err := pow2FromRange(ctx, rng)
	if err != nil {
		return nil, err
	}
	return qrec.NewQRec(ctx.Opts.Scheme, nil, []*qrec.QType{out}), nil
}

func pow2Elementwise(ctx *HandlerContext) (*qrec.QRec, error) {
	if err := ctx.requireInputs(); err != nil {
		return nil, err
	}
	rng, err := ctx.outRange(0)
	if err != nil {
		return nil, err
	}
	out, err := pow2FromRange(ctx, rng)
	if err != nil {
		return nil, err
	}
	return qrec.NewQRec(ctx.Opts.Scheme, cloneAll(ctx.InQs), []*qrec.QType{out}), nil
}

func pow2Activation(ctx *HandlerContext) (*qrec.QRec, error) {
	if _, found := ctx.Stats.OutRange(0); !found {
		return passThrough(ctx)
	}
	return pow2Elementwise(ctx)
}

func pow2Concat(ctx *HandlerContext) (*qrec.QRec, error) {
	rng, err := ctx.unionRange()
	if err != nil {
		return nil, err
	}
	out, err := pow2FromRange(ctx, rng)
	if err != nil {
		return nil, err
	}
	return qrec.NewQRec(ctx.Opts.Scheme, cloneAll(ctx.InQs), []*qrec.QType{out}), nil
}

// pow2Filter quantizes Conv2D and Linear nodes. The product of the input and the weights has
// in.Q + weights.Q fractional bits; when the accumulator range doesn't leave room for them in
// 31 bits the weights lose the missing precision, failing (or warning, depending on the
// options) if that is more than MaxPrecisionLoss of the fractional bits.
func pow2Filter(ctx *HandlerContext) (*qrec.QRec, error) {
	in := ctx.in(0)
	if in == nil {
		return nil, errors.Errorf("input of %s has no quantization", ctx.ID)
	}
	if in.Scale != 1 || in.IsFloating() {
		return nil, errors.Errorf("input of %s is not power-of-two quantized: %s", ctx.ID, in)
	}
	weights, bias, err := filterWeights(ctx)
	if err != nil {
		return nil, err
	}
	dtype, err := ctx.intDType(ctx.Opts.Bits)
	if err != nil {
		return nil, err
	}
	weightsQ := ctx.Forced.InQ(1)
	if weightsQ == nil {
		if weights != nil {
			weightsQ, err = qrec.FromArrayPow2(weights, dtype, ctx.Opts.Bits)
		} else {
			rng, _ := ctx.constantRange(1)
			weightsQ, err = qrec.FromMinMaxPow2(rng.Min, rng.Max, dtype, ctx.Opts.Bits)
		}
		if err != nil {
			return nil, err
		}
	}

	outRange, err := ctx.outRange(0)
	if err != nil {
		return nil, err
	}
	accRange := outRange
	if acc := ctx.Stats.GetAcc(); acc != nil {
		accRange = *acc
	}
	calcQ := in.Q + weightsQ.Q
	missing := qrec.CalcBits(accRange.Min, accRange.Max) + calcQ - pow2CalcBits
	if missing > 0 {
		if float64(missing) > float64(calcQ)*ctx.Opts.MaxPrecisionLoss {
			lossErr := &PrecisionLossError{Node: ctx.ID, Missing: missing, Available: calcQ}
			if ctx.Opts.PrecisionLoss == PrecisionFail {
				return nil, errors.WithStack(lossErr)
			}
			klog.Warningf("%v", lossErr)
		}
		reduced, err := weightsQ.Override(false, qrec.WithQ(weightsQ.Q-missing))
		if err != nil {
			return nil, errors.WithMessagef(err, "while reducing the weights precision of %s", ctx.ID)
		}
		klog.Warningf("reducing the weights of %s from Q%d to Q%d to fit the accumulator", ctx.ID,
			weightsQ.Q, reduced.Q)
		weightsQ = reduced
		calcQ = in.Q + weightsQ.Q
	}
	accQ := qrec.Pow2(dtypes.Int32, calcQ)
	accQ.Bits = pow2CalcBits
	accQ.SetRange(accRange.Min, accRange.Max)

	inQs := []*qrec.QType{in.Clone(), weightsQ}
	if hasBias(ctx) {
		biasQ := ctx.Forced.InQ(2)
		if biasQ == nil {
			biasDType, err := ctx.intDType(ctx.Opts.BiasBits)
			if err != nil {
				return nil, err
			}
			if bias != nil {
				biasQ, err = qrec.FromArrayPow2(bias, biasDType, 0)
			} else {
				rng, _ := ctx.constantRange(2)
				biasQ, err = qrec.FromMinMaxPow2(rng.Min, rng.Max, biasDType, 0)
			}
			if err != nil {
				return nil, err
			}
			if biasQ.Q > calcQ {
				biasQ.Q = calcQ
			}
		}
		inQs = append(inQs, biasQ)
	}
	out, err := pow2FromRange(ctx, outRange)
	if err != nil {
		return nil, err
	}
	rec := qrec.NewQRec(ctx.Opts.Scheme, inQs, []*qrec.QType{out})
	rec.AccQ = accQ
	return rec, nil
}
