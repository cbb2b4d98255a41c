package qrec

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripWithinULP(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	scaled, err := FromMinMaxScaled(-3.5, 2, dtypes.Int8, false)
	require.NoError(t, err)
	asym, err := FromMinMaxScaled(-1, 6, dtypes.Uint8, true)
	require.NoError(t, err)
	pow2, err := FromMinMaxPow2(-3.5, 2, dtypes.Int16, 0)
	require.NoError(t, err)
	qtypes := map[string]*QType{
		"sq8":      scaled,
		"sq8-asym": asym,
		"pow2":     pow2,
		"float16":  Float(dtypes.Float16),
		"float32":  Float(dtypes.Float32),
	}
	for name, qt := range qtypes {
		t.Run(name, func(t *testing.T) {
			lo, hi := -3.5, 2.0
			if qt == asym {
				lo, hi = -1, 6
			}
			for range 200 {
				x := lo + rng.Float64()*(hi-lo)
				got := qt.RoundTrip(x)
				assert.LessOrEqual(t, math.Abs(got-x), qt.ULPAt(x), "x=%g got=%g qtype=%s", x, got, qt)
			}
		})
	}
}

func TestFromMinMaxScaled(t *testing.T) {
	qt, err := FromMinMaxScaled(-1, 0.5, dtypes.Int8, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/127, qt.Scale, 1e-12)
	assert.Equal(t, int64(127), qt.QuantizeValue(1))
	assert.Equal(t, int64(127), qt.QuantizeValue(10), "clipped")
	assert.Equal(t, int64(-128), qt.QuantizeValue(-10), "clipped")
	assert.Equal(t, -1.0, qt.MinVal)
	assert.Equal(t, 0.5, qt.MaxVal)

	asym, err := FromMinMaxScaled(0, 2.55, dtypes.Uint8, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), asym.ZeroPoint)
	assert.InDelta(t, 0.01, asym.Scale, 1e-12)
	assert.Equal(t, 0.0, asym.RoundTrip(0))

	_, err = FromMinMaxScaled(0, 1, dtypes.Float32, false)
	require.Error(t, err)
}

func TestFromMinMaxPow2(t *testing.T) {
	qt, err := FromMinMaxPow2(-0.9, 0.5, dtypes.Int8, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, qt.Q)
	assert.Equal(t, 1.0, qt.Scale)

	qt, err = FromMinMaxPow2(-3, 2, dtypes.Int16, 0)
	require.NoError(t, err)
	assert.Equal(t, 13, qt.Q)

	qt, err = FromMinMaxPow2(-1, 1, dtypes.Int32, 31)
	require.NoError(t, err)
	assert.Equal(t, 31, qt.EffectiveBits())
	assert.Equal(t, 29, qt.Q)
	assert.Equal(t, int64(1)<<30-1, qt.MaxQuantized())
}

func TestIntBits(t *testing.T) {
	assert.Equal(t, 0, IntBits(0))
	assert.Equal(t, 0, IntBits(0.99))
	assert.Equal(t, 1, IntBits(1))
	assert.Equal(t, 2, IntBits(-3.9))
	assert.Equal(t, 3, IntBits(4))
}

func TestOverrideForced(t *testing.T) {
	qt := Pow2(dtypes.Int8, 7)
	qt.SetForced(FieldQ)
	require.True(t, qt.IsForced(FieldQ))
	require.False(t, qt.IsForced(FieldQ|FieldDType))

	// Same value is not a conflict.
	same, err := qt.Override(false, WithQ(7))
	require.NoError(t, err)
	assert.True(t, same.Equal(qt))

	// Not forced fields can change.
	changed, err := qt.Override(false, WithDType(dtypes.Int16))
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int16, changed.DType)

	_, err = qt.Override(false, WithQ(5))
	require.Error(t, err)
	var forcedErr *ForcedFieldError
	require.True(t, errors.As(err, &forcedErr))
	assert.Equal(t, FieldQ, forcedErr.Field)
	assert.Equal(t, "7", forcedErr.From)
	assert.Equal(t, "5", forcedErr.To)

	forced, err := qt.Override(true, WithQ(5))
	require.NoError(t, err)
	assert.Equal(t, 5, forced.Q)
	assert.True(t, forced.IsForced(FieldQ))
	assert.Equal(t, 7, qt.Q, "original must not change")
}

func TestScaleToPow2(t *testing.T) {
	qt := New(dtypes.Int8, 1.0/100, 0)
	p2, err := qt.ScaleToPow2()
	require.NoError(t, err)
	assert.Equal(t, 1.0, p2.Scale)
	assert.Equal(t, 6, p2.Q)
	assert.GreaterOrEqual(t, p2.Step(), qt.Step())

	qt.SetForced(FieldScale)
	_, err = qt.ScaleToPow2()
	require.Error(t, err)
}

func TestCompatible(t *testing.T) {
	a := Pow2(dtypes.Int8, 7)
	b := New(dtypes.Int8, 1.0/128, 0)
	assert.False(t, a.Equal(b))
	assert.True(t, a.Compatible(b))
	assert.False(t, a.Compatible(Pow2(dtypes.Int8, 6)))
	assert.False(t, a.Compatible(Pow2(dtypes.Int16, 7)))
}

func TestQRecClone(t *testing.T) {
	r := NewQRec(SchemePow2, []*QType{Pow2(dtypes.Int8, 7)}, []*QType{Pow2(dtypes.Int8, 6)})
	c := r.Clone()
	c.InQs[0].Q = 3
	assert.Equal(t, 7, r.InQ(0).Q)
	assert.Nil(t, r.InQ(1))
	assert.Contains(t, r.String(), "POW2")
	s, ok := ParseScheme("sq8")
	require.True(t, ok)
	assert.Equal(t, SchemeScaled, s)
}

func TestQuantizeFloat32(t *testing.T) {
	qt := Pow2(dtypes.Int8, 4)
	data := []float32{0.5, -1.25, 100, -100}
	got := qt.QuantizeFloat32(data)
	assert.Equal(t, []int32{8, -20, 127, -128}, got)
	back := qt.DequantizeFloat32(got)
	assert.InDelta(t, 0.5, back[0], 1e-6)
	assert.InDelta(t, -1.25, back[1], 1e-6)
}
