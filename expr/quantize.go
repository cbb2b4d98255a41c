package expr

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/nnrewrite/qrec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Range is the observed [Min, Max] of a value.
type Range struct {
	Min, Max float64
}

// MaxAbs returns the largest magnitude in the range.
func (r Range) MaxAbs() float64 {
	return math.Max(math.Abs(r.Min), math.Abs(r.Max))
}

// Stats holds ranges of variables and of named intermediate nodes.
type Stats map[string]Range

// Options of QuantizeExpr.
type Options struct {
	// InQTypes are quantizations of variables decided elsewhere (e.g. by their producers).
	// They are used as is instead of being derived from the statistics.
	InQTypes map[string]*qrec.QType

	// OutDType is the storage type of the result, int8 if not set.
	OutDType dtypes.DType
}

// Result of QuantizeExpr.
type Result struct {
	// Expr is the integer expression: it reads the stored values of the variables and returns
	// the stored value of the result.
	Expr *Node

	// InQs are the quantizations of the variables, in the order of Vars.
	InQs []*qrec.QType

	// CalcQ is the quantization of the result before the final rescaling, OutQ its storage.
	CalcQ, OutQ *qrec.QType
}

// Largest magnitude kept in intermediate results, so products of two of them fit in 32 bits.
const q15 = 15

// QuantizeExpr rewrites e to be evaluated with integers.
//
// Variables are stored in int8 with the scale of their maximum absolute value (Q7), unless
// given in opts.InQTypes. Intermediate values are int32 holding at most Q15 values: operands
// of additions are brought to a common scale, using spare headroom bits with left shifts when
// possible and rescaling the less precise operand otherwise, and results that could overflow
// 16 bits are normalized. Divisions by constants become multiplications.
func QuantizeExpr(e *Node, stats Stats, opts Options) (*Result, error) {
	q := &quantizer{stats: stats, opts: opts, inQs: make(map[string]*qrec.QType)}
	if q.opts.OutDType == dtypes.InvalidDType {
		q.opts.OutDType = dtypes.Int8
	}
	var res *Result
	err := exceptions.TryCatch[error](func() { res = q.quantizeOutput(e.Clone()) })
	if err != nil {
		return nil, errors.WithMessagef(err, "while quantizing expression %s", e)
	}
	return res, nil
}

type quantizer struct {
	stats Stats
	opts  Options
	inQs  map[string]*qrec.QType
}

func (q *quantizer) quantizeOutput(e *Node) *Result {
	body, calcQ := q.quantize(e)
	outRange, found := q.stats[e.Name]
	if e.Name == "" || !found {
		outRange = rangeOf(calcQ)
	}
	outQ := qrec.Q15Scale(q.opts.OutDType, outRange.MaxAbs(), qrec.DTypeBits(q.opts.OutDType)-1)
	outQ.SetRange(outRange.Min, outRange.Max)
	out := Cast(scaleQuantized(body, calcQ, outQ), q.opts.OutDType)
	out.QType = outQ
	res := &Result{Expr: out, CalcQ: calcQ, OutQ: outQ}
	for _, name := range e.Vars() {
		res.InQs = append(res.InQs, q.inQs[name])
	}
	return res
}

func (q *quantizer) quantize(n *Node) (*Node, *qrec.QType) {
	var (
		sym *Node
		qt  *qrec.QType
	)
	switch n.Op {
	case OpVar:
		sym, qt = q.quantizeVar(n)
	case OpConst:
		sym, qt = quantizeConst(n.Value)
	case OpQuantizedConst:
		sym, qt = n, qrec.New(dtypes.Int32, 1, 0)
	case OpAdd, OpSub, OpMax, OpMin:
		sym, qt = q.quantizeEqualized(n)
	case OpMul:
		a, qa := q.quantize(n.Args[0])
		b, qb := q.quantize(n.Args[1])
		sym, qt = quantizeMul(a, qa, b, qb)
	case OpDiv:
		sym, qt = q.quantizeDiv(n)
	case OpRelu:
		a, qa := q.quantize(n.Args[0])
		sym, qt = Relu(a), qa
	case OpClip:
		a, qa := q.quantize(n.Args[0])
		step := qa.Step()
		sym, qt = Clip(a, n.Lo/step, n.Hi/step), qa
	default:
		exceptions.Panicf("cannot quantize operation %s in %s: it is already quantized", n.Op, n)
	}
	if n.Name != "" && n.Op != OpVar {
		sym.Name = n.Name
	}
	sym.QType = qt
	return sym, qt
}

func (q *quantizer) quantizeVar(n *Node) (*Node, *qrec.QType) {
	if qt, found := q.opts.InQTypes[n.Name]; found && qt != nil {
		if qt.IsFloating() {
			exceptions.Panicf("variable %q has floating point quantization %s", n.Name, qt)
		}
		q.inQs[n.Name] = qt
		if qt.ZeroPoint != 0 {
			sym := Sub(Cast(n, dtypes.Int32), QuantizedConst(qt.ZeroPoint))
			return sym, qt.MustOverride(qrec.WithDType(dtypes.Int32), qrec.WithZeroPoint(0))
		}
		return n, qt.Clone()
	}
	r, found := q.stats[n.Name]
	if !found {
		exceptions.Panicf("no statistics for variable %q", n.Name)
	}
	qt := qrec.Q15Scale(dtypes.Int8, r.MaxAbs(), 7)
	q.inQs[n.Name] = qt
	return n, qt.Clone()
}

// quantizeConst represents a scalar constant as the stored value ±1 with the constant as scale.
func quantizeConst(value float64) (*Node, *qrec.QType) {
	if value == 0 {
		qt := qrec.New(dtypes.Int32, 1, q15)
		qt.SetRange(0, 0)
		return QuantizedConst(0), qt
	}
	qt := qrec.New(dtypes.Int32, math.Abs(value), 0)
	qt.SetRange(value, value)
	if value < 0 {
		return QuantizedConst(-1), qt
	}
	return QuantizedConst(1), qt
}

func isZero(n *Node) bool {
	return n.Op == OpQuantizedConst && n.QValue == 0
}

// castInt32 widens a symbol to int32 keeping its scale.
func castInt32(sym *Node, qt *qrec.QType) (*Node, *qrec.QType) {
	if qt.DType == dtypes.Int32 && qt.Bits == 0 {
		return sym, qt
	}
	return Cast(sym, dtypes.Int32), qt.MustOverride(qrec.WithDType(dtypes.Int32), qrec.WithBits(0))
}

func (q *quantizer) findRange(n *Node, qa, qb *qrec.QType) Range {
	if n.Name != "" {
		if r, found := q.stats[n.Name]; found {
			return r
		}
	}
	ra, rb := rangeOf(qa), rangeOf(qb)
	r := Range{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, x := range []float64{ra.Min, ra.Max} {
		for _, y := range []float64{rb.Min, rb.Max} {
			v := applyFloat(n.Op, x, y)
			r.Min, r.Max = math.Min(r.Min, v), math.Max(r.Max, v)
		}
	}
	return r
}

func rangeOf(qt *qrec.QType) Range {
	if qt.HasRange {
		return Range{Min: qt.MinVal, Max: qt.MaxVal}
	}
	return Range{Min: qt.DequantizeValue(qt.MinQuantized()), Max: qt.DequantizeValue(qt.MaxQuantized())}
}

func applyFloat(op Op, x, y float64) float64 {
	switch op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpMul:
		return x * y
	case OpMax:
		return math.Max(x, y)
	case OpMin:
		return math.Min(x, y)
	}
	exceptions.Panicf("no range rule for operation %s", op)
	return 0
}

// quantizeEqualized handles operations whose operands must share the same scale.
func (q *quantizer) quantizeEqualized(n *Node) (*Node, *qrec.QType) {
	a, qa := q.quantize(n.Args[0])
	b, qb := q.quantize(n.Args[1])
	r := q.findRange(n, qa, qb)
	a, qa = castInt32(a, qa)
	b, qb = castInt32(b, qb)

	if n.Op == OpAdd || n.Op == OpSub {
		if isZero(a) && n.Op == OpAdd {
			return b, qb
		}
		if isZero(b) {
			return a, qa
		}
	}

	calcQ := qa
	if !sameStep(qa, qb) {
		scaleTo := 0
		switch {
		case a.IsConstant() && !b.IsConstant():
			scaleTo = 1
		case b.IsConstant() && !a.IsConstant():
			scaleTo = 0
		case qa.Step() < qb.Step():
			// b is less precise: use its spare bits if that is enough to reach a's precision.
			spare := q15 - qb.Q
			if spare > 0 && int(math.Ceil(math.Log2(qb.Step()/qa.Step()))) < spare {
				b = LShift(b, spare)
				qb = qb.MustOverride(qrec.WithQ(q15))
			}
			scaleTo = 1
		default:
			spare := q15 - qa.Q
			if spare > 0 && int(math.Ceil(math.Log2(qa.Step()/qb.Step()))) < spare {
				a = LShift(a, spare)
				qa = qa.MustOverride(qrec.WithQ(q15))
			}
			scaleTo = 0
		}
		if scaleTo == 0 {
			klog.V(2).Infof("expr %s: scale argument 1 %s -> %s", n.Op, qb, qa)
			b = scaleQuantized(b, qb, qa)
			calcQ = qa
		} else {
			klog.V(2).Infof("expr %s: scale argument 0 %s -> %s", n.Op, qa, qb)
			a = scaleQuantized(a, qa, qb)
			calcQ = qb
		}
	}
	calcQ = calcQ.MustOverride(qrec.WithRange(r.Min, r.Max))
	out := binary(n.Op, a, b)
	return fitQ15(out, calcQ, r)
}

// fitQ15 normalizes a result whose range doesn't fit 16 bits in its current quantization.
func fitQ15(out *Node, calcQ *qrec.QType, r Range) (*Node, *qrec.QType) {
	step := calcQ.Step()
	maxStored := r.MaxAbs() / step
	if maxStored <= math.MaxInt16 {
		return out, calcQ
	}
	logScale := math.Log2(calcQ.Scale)
	if logScale == math.Trunc(logScale) {
		norm := int(math.Ceil(math.Log2(maxStored / math.MaxInt16)))
		klog.V(2).Infof("expr: normalize result by %d bits", norm)
		return Norm(out, norm), calcQ.MustOverride(qrec.WithQ(calcQ.Q - norm))
	}
	outQ := qrec.Q15Scale(dtypes.Int32, r.MaxAbs(), q15)
	outQ.SetRange(r.Min, r.Max)
	klog.V(2).Infof("expr: scale result %s -> %s", calcQ, outQ)
	return scaleQuantized(out, calcQ, outQ), outQ
}

func quantizeMul(a *Node, qa *qrec.QType, b *Node, qb *qrec.QType) (*Node, *qrec.QType) {
	if isZero(a) || isZero(b) {
		return quantizeConst(0)
	}
	a, qa = castInt32(a, qa)
	b, qb = castInt32(b, qb)
	prodScale := qa.Scale * qb.Scale
	prodQ := qa.Q + qb.Q
	calcQ := qrec.New(dtypes.Int32, prodScale, prodQ)
	ra, rb := rangeOf(qa), rangeOf(qb)
	r := Range{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, x := range []float64{ra.Min, ra.Max} {
		for _, y := range []float64{rb.Min, rb.Max} {
			r.Min, r.Max = math.Min(r.Min, x*y), math.Max(r.Max, x*y)
		}
	}
	calcQ.SetRange(r.Min, r.Max)
	if prodQ > q15 {
		return Norm(Mul(a, b), prodQ-q15), calcQ.MustOverride(qrec.WithQ(q15))
	}
	return Mul(a, b), calcQ
}

func (q *quantizer) quantizeDiv(n *Node) (*Node, *qrec.QType) {
	a, qa := q.quantize(n.Args[0])
	if divisor := n.Args[1]; divisor.Op == OpConst {
		if divisor.Value == 0 {
			exceptions.Panicf("division by constant 0 in %s", n)
		}
		b, qb := quantizeConst(1 / divisor.Value)
		return quantizeMul(a, qa, b, qb)
	}
	b, qb := q.quantize(n.Args[1])
	a, qa = castInt32(a, qa)
	b, qb = castInt32(b, qb)

	// Bring both to the same Q (at most Q15), then shift the dividend by that Q.
	lhsAdjust, rhsAdjust := 0, 0
	if qa.Q > q15 {
		lhsAdjust = q15 - qa.Q
	}
	if qb.Q > q15 {
		rhsAdjust = q15 - qb.Q
	}
	if lq, rq := qa.Q+lhsAdjust, qb.Q+rhsAdjust; lq < rq {
		lhsAdjust += rq - lq
	} else if lq > rq {
		rhsAdjust += lq - rq
	}
	resQ := qa.Q + lhsAdjust
	lhsAdjust += resQ
	a = shiftBy(a, lhsAdjust)
	b = shiftBy(b, rhsAdjust)
	calcQ := qrec.New(dtypes.Int32, qa.Scale/qb.Scale, resQ)
	calcQ.SetRange(-math.Abs(calcQ.Scale), math.Abs(calcQ.Scale))
	return Div(a, b), calcQ
}

func shiftBy(sym *Node, bits int) *Node {
	switch {
	case bits > 0:
		return LShift(sym, bits)
	case bits < 0:
		return Norm(sym, -bits)
	}
	return sym
}

func sameStep(a, b *qrec.QType) bool {
	sa, sb := a.Step(), b.Step()
	return math.Abs(sa-sb) <= 1e-12*math.Max(math.Abs(sa), math.Abs(sb))
}

// scaleQuantized converts sym from the quantization `from` to `to`.
// Constants are converted exactly, power of two ratios become shifts.
func scaleQuantized(sym *Node, from, to *qrec.QType) *Node {
	factor := from.Step() / to.Step()
	if sym.Op == OpQuantizedConst {
		return QuantizedConst(int64(math.Round(float64(sym.QValue) * factor)))
	}
	if math.Abs(factor-1) <= 1e-12 {
		return sym
	}
	if frac, exp := math.Frexp(factor); frac == 0.5 {
		return shiftBy(sym, exp-1)
	}
	multiplier, shift := QuantizeMultiplier(factor)
	return ScaleQuantized(sym, multiplier, shift)
}

// QuantizeMultiplier returns a 16 bits signed multiplier and a shift such that
// factor ≈ multiplier / 2^shift. The shift is negative for factors above 2^15.
func QuantizeMultiplier(factor float64) (multiplier int64, shift int) {
	if factor == 0 {
		return 0, 0
	}
	frac, exp := math.Frexp(math.Abs(factor))
	multiplier = int64(math.Round(frac * (1 << q15)))
	shift = q15 - exp
	if multiplier == 1<<q15 {
		multiplier >>= 1
		shift--
	}
	if factor < 0 {
		multiplier = -multiplier
	}
	return multiplier, shift
}
