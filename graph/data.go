package graph

import (
	"github.com/gomlx/nnrewrite/perm"
	"github.com/pkg/errors"
)

// TransposeData returns the row-major data of a tensor of the given shape transposed by p.
func TransposeData[T any](data []T, shape []int, p perm.Perm) ([]T, error) {
	size := 1
	for _, s := range shape {
		size *= s
	}
	if size != len(data) {
		return nil, errors.Errorf("TransposeData: %d values for shape %v", len(data), shape)
	}
	if p == nil || p.IsIdentity() {
		out := make([]T, len(data))
		copy(out, data)
		return out, nil
	}
	if len(p) != len(shape) || !p.Valid() {
		return nil, errors.Errorf("TransposeData: invalid permutation %s for shape %v", p, shape)
	}
	rank := len(shape)
	inStrides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		inStrides[axis] = stride
		stride *= shape[axis]
	}
	outShape := perm.Apply(p, shape)
	// Stride in the input of each output axis.
	strides := perm.Apply(p, inStrides)

	out := make([]T, len(data))
	counter := make([]int, rank)
	inPos := 0
	for outPos := range out {
		out[outPos] = data[inPos]
		for axis := rank - 1; axis >= 0; axis-- {
			counter[axis]++
			inPos += strides[axis]
			if counter[axis] < outShape[axis] {
				break
			}
			inPos -= counter[axis] * strides[axis]
			counter[axis] = 0
		}
	}
	return out, nil
}
