// Package qrec defines the quantization records attached to graph nodes.
//
// A QType describes how one tensor is stored: the real value represented by a stored integer
// v is
//
//	value = (v - ZeroPoint) * Scale / 2^Q
//
// which covers both power-of-two fixed point formats (Scale == 1) and scaled formats
// (Q == 0, arbitrary Scale). A QRec groups the QTypes of all inputs and outputs of one node.
package qrec

import (
	"fmt"
	"math"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// QType is the quantization descriptor of a single tensor.
type QType struct {
	// DType is the storage type.
	DType dtypes.DType

	// Bits, if not 0, restricts the usable width of DType (e.g. a 31 bits accumulator held in an int32).
	Bits int

	// Scale and Q define the step between two consecutive stored values: Scale / 2^Q.
	Scale float64
	Q     int

	// ZeroPoint is the stored value that represents 0.0. It is 0 for symmetric quantization.
	ZeroPoint int64

	// MinVal and MaxVal are the statistics the descriptor was derived from, valid if HasRange is set.
	MinVal, MaxVal float64
	HasRange       bool

	// QuantizedDimension is the channel axis for per channel quantized constants, valid if PerChannel is set.
	QuantizedDimension int
	PerChannel         bool

	// Forced marks fields that earlier decisions fixed.
	Forced Field
}

// New creates a QType with the given dtype, scale and number of fractional bits.
func New(dtype dtypes.DType, scale float64, q int) *QType {
	return &QType{DType: dtype, Scale: scale, Q: q}
}

// Pow2 creates a power-of-two fixed point QType.
func Pow2(dtype dtypes.DType, q int) *QType {
	return &QType{DType: dtype, Scale: 1, Q: q}
}

// Float creates a floating point QType: values are only rounded to the dtype precision.
func Float(dtype dtypes.DType) *QType {
	return &QType{DType: dtype, Scale: 1}
}

// Q15Scale creates a QType where maxVal is represented by 2^q, the format used for expressions.
func Q15Scale(dtype dtypes.DType, maxVal float64, q int) *QType {
	if maxVal == 0 {
		maxVal = 1
	}
	qt := &QType{DType: dtype, Scale: math.Abs(maxVal), Q: q}
	qt.SetRange(-math.Abs(maxVal), math.Abs(maxVal))
	return qt
}

// Clone returns a deep copy.
func (qt *QType) Clone() *QType {
	if qt == nil {
		return nil
	}
	c := *qt
	return &c
}

// SetRange records the statistics the QType represents.
func (qt *QType) SetRange(minVal, maxVal float64) {
	qt.MinVal, qt.MaxVal, qt.HasRange = minVal, maxVal, true
}

// EffectiveBits returns the usable number of bits.
func (qt *QType) EffectiveBits() int {
	if qt.Bits > 0 {
		return qt.Bits
	}
	return DTypeBits(qt.DType)
}

// IsFloating returns whether values are stored as floating point.
func (qt *QType) IsFloating() bool {
	return DTypeFloating(qt.DType)
}

// Signed returns whether the storage is signed.
func (qt *QType) Signed() bool {
	return DTypeSigned(qt.DType)
}

// Asymmetric returns whether the zero point is not 0.
func (qt *QType) Asymmetric() bool {
	return qt.ZeroPoint != 0
}

// MinQuantized returns the smallest stored value.
func (qt *QType) MinQuantized() int64 {
	if !qt.Signed() {
		return 0
	}
	return -(int64(1) << (qt.EffectiveBits() - 1))
}

// MaxQuantized returns the largest stored value.
func (qt *QType) MaxQuantized() int64 {
	if !qt.Signed() {
		return int64(1)<<qt.EffectiveBits() - 1
	}
	return int64(1)<<(qt.EffectiveBits()-1) - 1
}

// Step returns the real value of one unit of the stored integer.
func (qt *QType) Step() float64 {
	return math.Ldexp(qt.Scale, -qt.Q)
}

// QuantizeValue converts x to its stored integer, rounding half away from zero and clipping
// to the storage range.
func (qt *QType) QuantizeValue(x float64) int64 {
	v := math.Round(x/qt.Step()) + float64(qt.ZeroPoint)
	v = math.Max(v, float64(qt.MinQuantized()))
	v = math.Min(v, float64(qt.MaxQuantized()))
	return int64(v)
}

// DequantizeValue converts a stored integer back to its real value.
func (qt *QType) DequantizeValue(v int64) float64 {
	return float64(v-qt.ZeroPoint) * qt.Step()
}

// Quantize converts real values to stored integers.
func (qt *QType) Quantize(xs []float64) []int64 {
	out := make([]int64, len(xs))
	for ii, x := range xs {
		out[ii] = qt.QuantizeValue(x)
	}
	return out
}

// Dequantize converts stored integers back to real values.
func (qt *QType) Dequantize(vs []int64) []float64 {
	out := make([]float64, len(vs))
	for ii, v := range vs {
		out[ii] = qt.DequantizeValue(v)
	}
	return out
}

// QuantizeFloat32 quantizes a float32 tensor, as stored in constants.
func (qt *QType) QuantizeFloat32(xs []float32) []int32 {
	step := float32(qt.Step())
	lo, hi := float32(qt.MinQuantized()), float32(qt.MaxQuantized())
	zp := float32(qt.ZeroPoint)
	out := make([]int32, len(xs))
	for ii, x := range xs {
		v := math32.Round(x/step) + zp
		out[ii] = int32(math32.Min(math32.Max(v, lo), hi))
	}
	return out
}

// DequantizeFloat32 converts stored values of a constant back to float32.
func (qt *QType) DequantizeFloat32(vs []int32) []float32 {
	step := float32(qt.Step())
	out := make([]float32, len(vs))
	for ii, v := range vs {
		out[ii] = float32(int64(v)-qt.ZeroPoint) * step
	}
	return out
}

// RoundTrip returns the value x is represented by once stored with this QType.
func (qt *QType) RoundTrip(x float64) float64 {
	switch qt.DType {
	case dtypes.Float16:
		return float64(float16.Fromfloat32(float32(x)).Float32())
	case dtypes.Float32:
		return float64(float32(x))
	case dtypes.Float64:
		return x
	}
	return qt.DequantizeValue(qt.QuantizeValue(x))
}

// ULPAt returns the distance between representable values around x.
func (qt *QType) ULPAt(x float64) float64 {
	var mantissa, minExp int
	switch qt.DType {
	case dtypes.Float16:
		mantissa, minExp = 11, -24
	case dtypes.Float32:
		mantissa, minExp = 24, -149
	case dtypes.Float64:
		mantissa, minExp = 53, -1074
	default:
		return qt.Step()
	}
	_, exp := math.Frexp(math.Abs(x))
	return math.Ldexp(1, max(exp-mantissa, minExp))
}

// SetForced marks fields as forced.
func (qt *QType) SetForced(fields Field) {
	qt.Forced |= fields
}

// IsForced returns whether all the given fields are forced.
func (qt *QType) IsForced(fields Field) bool {
	return qt.Forced&fields == fields
}

// Change modifies a QType and reports which field it touched.
type Change func(qt *QType) Field

// WithDType changes the storage dtype.
func WithDType(dtype dtypes.DType) Change {
	return func(qt *QType) Field { qt.DType = dtype; return FieldDType }
}

// WithBits changes the usable width.
func WithBits(bits int) Change {
	return func(qt *QType) Field { qt.Bits = bits; return FieldDType }
}

// WithScale changes the scale.
func WithScale(scale float64) Change {
	return func(qt *QType) Field { qt.Scale = scale; return FieldScale }
}

// WithQ changes the number of fractional bits.
func WithQ(q int) Change {
	return func(qt *QType) Field { qt.Q = q; return FieldQ }
}

// WithZeroPoint changes the zero point.
func WithZeroPoint(zeroPoint int64) Change {
	return func(qt *QType) Field { qt.ZeroPoint = zeroPoint; return FieldZeroPoint }
}

// WithRange changes the recorded statistics. The range is never forced.
func WithRange(minVal, maxVal float64) Change {
	return func(qt *QType) Field { qt.SetRange(minVal, maxVal); return 0 }
}

// Override returns a copy of qt with the changes applied.
//
// Changing the value of a forced field is an error unless force is set; with force the
// field stays forced with its new value.
func (qt *QType) Override(force bool, changes ...Change) (*QType, error) {
	res := qt.Clone()
	for _, change := range changes {
		field := change(res)
		if field == 0 || qt.Forced&field == 0 || !differs(qt, res, field) {
			continue
		}
		if !force {
			return nil, errors.WithStack(&ForcedFieldError{
				Field: field, From: fieldValue(qt, field), To: fieldValue(res, field)})
		}
	}
	return res, nil
}

// MustOverride is like Override with force set, it never fails.
func (qt *QType) MustOverride(changes ...Change) *QType {
	res, _ := qt.Override(true, changes...)
	return res
}

func differs(a, b *QType, field Field) bool {
	switch field {
	case FieldDType:
		return a.DType != b.DType || a.Bits != b.Bits
	case FieldScale:
		return a.Scale != b.Scale
	case FieldQ:
		return a.Q != b.Q
	case FieldZeroPoint:
		return a.ZeroPoint != b.ZeroPoint
	}
	return false
}

func fieldValue(qt *QType, field Field) string {
	switch field {
	case FieldDType:
		return fmt.Sprintf("%s/%d", qt.DType, qt.EffectiveBits())
	case FieldScale:
		return fmt.Sprintf("%g", qt.Scale)
	case FieldQ:
		return fmt.Sprintf("%d", qt.Q)
	case FieldZeroPoint:
		return fmt.Sprintf("%d", qt.ZeroPoint)
	}
	return "?"
}

// ScaleToPow2 returns the power-of-two QType with the largest number of fractional bits
// whose step is not finer than the current one, so the representable range isn't reduced.
func (qt *QType) ScaleToPow2() (*QType, error) {
	if qt.Scale == 1 || qt.IsFloating() {
		return qt.Clone(), nil
	}
	q := int(math.Floor(-math.Log2(qt.Step())))
	return qt.Override(false, WithScale(1), WithQ(q))
}

// Equal compares the storage format of two QTypes, ignoring statistics and forced flags.
func (qt *QType) Equal(other *QType) bool {
	if qt == nil || other == nil {
		return qt == other
	}
	return qt.DType == other.DType && qt.EffectiveBits() == other.EffectiveBits() &&
		qt.Scale == other.Scale && qt.Q == other.Q && qt.ZeroPoint == other.ZeroPoint
}

// Compatible compares the represented step and zero point with a relative tolerance, so
// Q7 with scale 1 and Q0 with scale 1/128 are compatible.
func (qt *QType) Compatible(other *QType) bool {
	if qt == nil || other == nil {
		return qt == other
	}
	if qt.IsFloating() || other.IsFloating() {
		return qt.DType == other.DType
	}
	a, b := qt.Step(), other.Step()
	return qt.DType == other.DType && qt.ZeroPoint == other.ZeroPoint &&
		math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

// String implements fmt.Stringer.
func (qt *QType) String() string {
	if qt == nil {
		return "<nil>"
	}
	var sb strings.Builder
	w := func(format string, args ...any) {
		_, _ = fmt.Fprintf(&sb, format, args...)
	}
	if qt.IsFloating() {
		w("%s", qt.DType)
		return sb.String()
	}
	w("%s", qt.DType)
	if qt.Bits > 0 && qt.Bits != DTypeBits(qt.DType) {
		w("/%d", qt.Bits)
	}
	w(" Q%d", qt.Q)
	if qt.Scale != 1 {
		w(" scale=%.6g", qt.Scale)
	}
	if qt.ZeroPoint != 0 {
		w(" zp=%d", qt.ZeroPoint)
	}
	if qt.HasRange {
		w(" [%.4g, %.4g]", qt.MinVal, qt.MaxVal)
	}
	if qt.Forced != 0 {
		w(" forced=%s", qt.Forced)
	}
	return sb.String()
}
