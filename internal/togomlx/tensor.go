package togomlx

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/nnrewrite/graph"
	"github.com/gomlx/nnrewrite/perm"
	"github.com/pkg/errors"
)

// Value is a float32 tensor stored row-major, with optional axis names.
type Value struct {
	Names []string
	Shape []int
	Data  []float32
}

// NewValue creates a value and checks the data matches the shape.
func NewValue(names []string, shape []int, data []float32) (Value, error) {
	v := Value{Names: names, Shape: shape, Data: data}
	if names != nil && len(names) != len(shape) {
		return v, errors.Errorf("%d axis names for shape %v", len(names), shape)
	}
	if size := v.Size(); size != len(data) {
		return v, errors.Errorf("%d values for shape %v (%d elements)", len(data), shape, size)
	}
	return v, nil
}

// Size is the number of elements.
func (v Value) Size() int {
	size := 1
	for _, s := range v.Shape {
		size *= s
	}
	return size
}

// Transpose returns the value with its axes reordered by p.
func (v Value) Transpose(p perm.Perm) (Value, error) {
	data, err := graph.TransposeData(v.Data, v.Shape, p)
	if err != nil {
		return Value{}, err
	}
	res := Value{Shape: perm.Apply(p, v.Shape), Data: data}
	if v.Names != nil {
		res.Names = perm.Apply(p, v.Names)
	}
	return res, nil
}

// InOrder returns the value with its named axes reordered to order.
func (v Value) InOrder(order []string) (Value, error) {
	if v.Names == nil {
		return Value{}, errors.Errorf("cannot reorder unnamed value of shape %v to %q", v.Shape, order)
	}
	p, err := perm.Between(v.Names, order)
	if err != nil {
		return Value{}, err
	}
	return v.Transpose(p)
}

func (v Value) String() string {
	if v.Names == nil {
		return fmt.Sprintf("%v", v.Shape)
	}
	return (&graph.Dim{Names: v.Names, Shape: v.Shape}).String()
}

func (v Value) tensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(v.Data, v.Shape...)
}

func fromTensor(t *tensors.Tensor, names []string) Value {
	return Value{
		Names: names,
		Shape: t.Shape().Dimensions,
		Data:  tensors.MustCopyFlatData[float32](t),
	}
}
