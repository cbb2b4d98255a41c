package quantize

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/qrec"
	"github.com/pkg/errors"
)

// registerFloat registers the FLOAT handlers: every kind computes in float16 or float32.
func registerFloat(r *Registry) {
	for kind := graph.KindInput; kind < graph.KindFusion; kind++ {
		r.Register(qrec.SchemeFloat, kind, floatHandler)
	}
}

func floatDType(bits int) (dtypes.DType, error) {
	switch bits {
	case 16:
		return dtypes.Float16, nil
	case 32:
		return dtypes.Float32, nil
	}
	return dtypes.InvalidDType, errors.Errorf("no floating point quantization with %d bits", bits)
}

func floatHandler(ctx *HandlerContext) (*qrec.QRec, error) {
	dtype, err := floatDType(ctx.Opts.Bits)
	if err != nil {
		return nil, err
	}
	numIns := len(ctx.InQs)
	if ctx.Node.Kind == graph.KindLinear {
		numIns = 2
		if hasBias(ctx) {
			numIns = 3
		}
	}
	inQs := make([]*qrec.QType, numIns)
	for idx := range inQs {
		inQs[idx] = qrec.Float(dtype)
	}
	outQs := make([]*qrec.QType, ctx.Node.NumOutputs)
	for idx := range outQs {
		outQs[idx] = qrec.Float(dtype)
		if rng, found := ctx.Stats.OutRange(idx); found {
			outQs[idx].SetRange(rng.Min, rng.Max)
		}
	}
	rec := qrec.NewQRec(ctx.Opts.Scheme, inQs, outQs)
	switch ctx.Node.Kind {
	case graph.KindConv2D, graph.KindLinear:
		rec.AccQ = qrec.Float(dtype)
	case graph.KindExpression:
		rec.Expr = ctx.Node.Params.(*graph.ExpressionParams).Expr
		rec.CalcQ = qrec.Float(dtype)
	}
	return rec, nil
}
