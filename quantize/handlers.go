package quantize

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/nnrewrite/expr"
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/qrec"
	"github.com/pkg/errors"
)

// allFields are the fields of a QType forced by the options.
const allFields = qrec.FieldDType | qrec.FieldScale | qrec.FieldQ | qrec.FieldZeroPoint

// Kinds that don't change values: their outputs keep the QType of their input.
var passThroughKinds = []graph.Kind{
	graph.KindTranspose, graph.KindReshape, graph.KindCopy, graph.KindNoOp, graph.KindPad,
	graph.KindReverse, graph.KindStridedSlice, graph.KindSplit,
}

var elementwiseKinds = []graph.Kind{
	graph.KindAdd, graph.KindSub, graph.KindMul, graph.KindMax, graph.KindMin,
}

func (ctx *HandlerContext) outRange(idx int) (Range, error) {
	r, found := ctx.Stats.OutRange(idx)
	if !found {
		return Range{}, errors.Errorf("no statistics for output #%d of %s", idx, ctx.ID)
	}
	return r, nil
}

func (ctx *HandlerContext) in(idx int) *qrec.QType {
	if idx < 0 || idx >= len(ctx.InQs) {
		return nil
	}
	return ctx.InQs[idx]
}

// missingInput returns whether any input QType is unknown.
func (ctx *HandlerContext) missingInput() bool {
	for _, q := range ctx.InQs {
		if q == nil {
			return true
		}
	}
	return false
}

// requireInputs fails if any input QType is unknown.
func (ctx *HandlerContext) requireInputs() error {
	for idx, q := range ctx.InQs {
		if q == nil {
			return errors.Errorf("input #%d of %s has no quantization", idx, ctx.ID)
		}
	}
	return nil
}

// intDType returns the signed integer dtype of the given width.
func (ctx *HandlerContext) intDType(bits int) (dtypes.DType, error) {
	return qrec.IntDTypeForBits(bits, true)
}

// constantValue returns the value of the constant feeding input idx, or nil.
func (ctx *HandlerContext) constantValue(idx int) []float32 {
	edges := ctx.Graph.IndexedInEdges(ctx.Node)
	if idx >= len(edges) || edges[idx] == nil || edges[idx].From.Kind != graph.KindConstant {
		return nil
	}
	return edges[idx].From.Params.(*graph.ConstantParams).Value
}

// constantRange returns the range of the constant feeding input idx, from its value or its
// statistics.
func (ctx *HandlerContext) constantRange(idx int) (Range, error) {
	if value := ctx.constantValue(idx); value != nil {
		lo, hi := qrec.MinMax(value)
		return Range{Min: float64(lo), Max: float64(hi)}, nil
	}
	if r, found := ctx.Stats.InRange(idx); found {
		return r, nil
	}
	return Range{}, errors.Errorf("input #%d of %s has no value nor statistics", idx, ctx.ID)
}

// constantOut returns the value of a Constant node, or an error if it has none.
func (ctx *HandlerContext) constantOut() (Range, error) {
	value := ctx.Node.Params.(*graph.ConstantParams).Value
	if value == nil {
		return ctx.outRange(0)
	}
	lo, hi := qrec.MinMax(value)
	return Range{Min: float64(lo), Max: float64(hi)}, nil
}

func cloneAll(qs []*qrec.QType) []*qrec.QType {
	res := make([]*qrec.QType, len(qs))
	for idx, q := range qs {
		res[idx] = q.Clone()
	}
	return res
}

// passThrough gives every output the QType of input 0. Nodes whose input is unknown are left
// for PropagateMissing.
func passThrough(ctx *HandlerContext) (*qrec.QRec, error) {
	if len(ctx.InQs) == 0 {
		return nil, errors.Errorf("%s has no input", ctx.ID)
	}
	in := ctx.InQs[0]
	if forced := ctx.Forced.OutQ(0); forced != nil {
		in = forced
	}
	if in == nil {
		return nil, nil
	}
	outs := make([]*qrec.QType, max(ctx.Node.NumOutputs, 1))
	for idx := range outs {
		outs[idx] = in.Clone()
	}
	return qrec.NewQRec(ctx.Opts.Scheme, []*qrec.QType{in.Clone()}, outs), nil
}

// outputHandler quantizes graph outputs: they read what their producer gives them.
func outputHandler(ctx *HandlerContext) (*qrec.QRec, error) {
	if ctx.missingInput() {
		return nil, nil
	}
	return qrec.NewQRec(ctx.Opts.Scheme, cloneAll(ctx.InQs), nil), nil
}

// unionRange returns the range covering all the inputs.
func (ctx *HandlerContext) unionRange() (Range, error) {
	var (
		res   Range
		found bool
	)
	for idx, q := range ctx.InQs {
		var r Range
		switch {
		case q == nil:
			return Range{}, errors.Errorf("input #%d of %s has no quantization", idx, ctx.ID)
		case q.HasRange:
			r = Range{Min: q.MinVal, Max: q.MaxVal}
		default:
			r.Min, r.Max = q.QuantizedRange()
		}
		if !found {
			res, found = r, true
			continue
		}
		res.Min, res.Max = min(res.Min, r.Min), max(res.Max, r.Max)
	}
	if !found {
		return Range{}, errors.Errorf("%s has no input", ctx.ID)
	}
	return res, nil
}

// expressionHandler quantizes fused expressions with the Q15 scheme: variables inherit the
// QTypes of the producers and the integer expression is kept in the QRec.
func expressionHandler(ctx *HandlerContext) (*qrec.QRec, error) {
	if err := ctx.requireInputs(); err != nil {
		return nil, err
	}
	e := ctx.Node.Params.(*graph.ExpressionParams).Expr.Clone()
	if e.Name == "" {
		e.Named(ctx.Node.Name)
	}
	vars := e.Vars()
	if len(vars) != len(ctx.InQs) {
		return nil, errors.Errorf("expression %s of %s has %d variables but %d inputs", e, ctx.ID,
			len(vars), len(ctx.InQs))
	}
	stats := make(expr.Stats)
	if ctx.Stats != nil {
		for idx, name := range vars {
			if r, found := ctx.Stats.InRange(idx); found {
				stats[name] = r
			}
		}
		for name, r := range ctx.Stats.Vars {
			stats[name] = r
		}
		if r, found := ctx.Stats.OutRange(0); found {
			stats[e.Name] = r
		}
	}
	inQTypes := make(map[string]*qrec.QType, len(vars))
	for idx, name := range vars {
		inQTypes[name] = ctx.InQs[idx]
	}
	outDType, err := ctx.intDType(ctx.Opts.Bits)
	if err != nil {
		return nil, err
	}
	res, err := expr.QuantizeExpr(e, stats, expr.Options{InQTypes: inQTypes, OutDType: outDType})
	if err != nil {
		return nil, err
	}
	rec := qrec.NewQRec(ctx.Opts.Scheme, cloneAll(res.InQs), []*qrec.QType{res.OutQ})
	rec.CalcQ = res.CalcQ
	rec.Expr = res.Expr
	return rec, nil
}
