package qrec

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// IntBits returns the number of integer bits needed to represent the magnitude x.
func IntBits(x float64) int {
	x = math.Abs(x)
	if x == 0 {
		return 0
	}
	return max(0, int(math.Floor(math.Log2(x)))+1)
}

// MinMax returns the smallest and largest values of data, or (0, 0) if it is empty.
func MinMax(data []float32) (minVal, maxVal float32) {
	if len(data) == 0 {
		return 0, 0
	}
	minVal, maxVal = data[0], data[0]
	for _, v := range data[1:] {
		minVal = math32.Min(minVal, v)
		maxVal = math32.Max(maxVal, v)
	}
	return
}

// FromMinMaxScaled creates the scaled (Q == 0) QType covering [minVal, maxVal] with the integer dtype.
//
// Symmetric quantization uses the largest magnitude, asymmetric quantization includes 0 in the range
// and sets the zero point so 0.0 is exactly representable.
func FromMinMaxScaled(minVal, maxVal float64, dtype dtypes.DType, asymmetric bool) (*QType, error) {
	if DTypeFloating(dtype) || DTypeBits(dtype) == 0 {
		return nil, errors.Errorf("scaled quantization requires an integer dtype, got %s", dtype)
	}
	if minVal > maxVal {
		return nil, errors.Errorf("invalid range [%g, %g]", minVal, maxVal)
	}
	qt := &QType{DType: dtype}
	if !asymmetric && !DTypeSigned(dtype) && minVal < 0 {
		asymmetric = true
	}
	if asymmetric {
		lo, hi := math.Min(minVal, 0), math.Max(maxVal, 0)
		if hi == lo {
			hi = lo + 1
		}
		qt.Scale = (hi - lo) / float64(qt.MaxQuantized()-qt.MinQuantized())
		zp := math.Round(float64(qt.MinQuantized()) - lo/qt.Scale)
		zp = math.Min(math.Max(zp, float64(qt.MinQuantized())), float64(qt.MaxQuantized()))
		qt.ZeroPoint = int64(zp)
	} else {
		maxAbs := math.Max(math.Abs(minVal), math.Abs(maxVal))
		if maxAbs == 0 {
			maxAbs = 1
		}
		qt.Scale = maxAbs / float64(qt.MaxQuantized())
	}
	qt.SetRange(minVal, maxVal)
	return qt, nil
}

// FromMinMaxPow2 creates the power-of-two QType with the most fractional bits that still
// represents the largest magnitude of [minVal, maxVal] in bits bits. If bits is 0 the full
// width of dtype is used.
func FromMinMaxPow2(minVal, maxVal float64, dtype dtypes.DType, bits int) (*QType, error) {
	if DTypeFloating(dtype) || DTypeBits(dtype) == 0 {
		return nil, errors.Errorf("power-of-two quantization requires an integer dtype, got %s", dtype)
	}
	qt := &QType{DType: dtype, Bits: bits, Scale: 1}
	if bits == DTypeBits(dtype) {
		qt.Bits = 0
	}
	width := qt.EffectiveBits()
	if qt.Signed() {
		width--
	}
	maxAbs := math.Max(math.Abs(minVal), math.Abs(maxVal))
	qt.Q = width - IntBits(maxAbs)
	qt.SetRange(minVal, maxVal)
	return qt, nil
}

// FromArrayScaled creates a symmetric scaled QType for a constant.
func FromArrayScaled(data []float32, dtype dtypes.DType) (*QType, error) {
	minVal, maxVal := MinMax(data)
	return FromMinMaxScaled(float64(minVal), float64(maxVal), dtype, false)
}

// FromArrayPow2 creates a power-of-two QType for a constant.
func FromArrayPow2(data []float32, dtype dtypes.DType, bits int) (*QType, error) {
	minVal, maxVal := MinMax(data)
	return FromMinMaxPow2(float64(minVal), float64(maxVal), dtype, bits)
}

// QuantizedRange returns the real values represented by the smallest and largest stored values.
func (qt *QType) QuantizedRange() (lo, hi float64) {
	if qt.IsFloating() {
		return math.Inf(-1), math.Inf(1)
	}
	return qt.DequantizeValue(qt.MinQuantized()), qt.DequantizeValue(qt.MaxQuantized())
}

// CalcBits returns the integer bits needed by the largest magnitude of [minVal, maxVal].
func CalcBits(minVal, maxVal float64) int {
	return IntBits(math.Max(math.Abs(minVal), math.Abs(maxVal)))
}
