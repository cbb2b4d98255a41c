package qrec

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// DTypeBits returns the storage width in bits of a dtype, or 0 if unsupported.
func DTypeBits(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.Int8, dtypes.Uint8:
		return 8
	case dtypes.Int16, dtypes.Uint16, dtypes.Float16, dtypes.BFloat16:
		return 16
	case dtypes.Int32, dtypes.Uint32, dtypes.Float32:
		return 32
	case dtypes.Int64, dtypes.Uint64, dtypes.Float64:
		return 64
	default:
		return 0
	}
}

// DTypeSigned returns whether the integer dtype is signed. Floating point dtypes are signed.
func DTypeSigned(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return false
	default:
		return true
	}
}

// DTypeFloating returns whether the dtype is a floating point type.
func DTypeFloating(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	default:
		return false
	}
}

// IntDTypeForBits returns the signed (or unsigned) integer dtype with the given width.
func IntDTypeForBits(bits int, signed bool) (dtypes.DType, error) {
	switch {
	case bits == 8 && signed:
		return dtypes.Int8, nil
	case bits == 8:
		return dtypes.Uint8, nil
	case bits == 16 && signed:
		return dtypes.Int16, nil
	case bits == 16:
		return dtypes.Uint16, nil
	case bits == 32 && signed:
		return dtypes.Int32, nil
	case bits == 32:
		return dtypes.Uint32, nil
	}
	return dtypes.InvalidDType, errors.Errorf("no integer dtype with %d bits (signed=%v)", bits, signed)
}
