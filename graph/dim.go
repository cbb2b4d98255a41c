package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/nnrewrite/perm"
	"github.com/pkg/errors"
)

// Dim is the shape of a tensor: ordered axis sizes, optionally with axis names (e.g. "h", "w", "c").
//
// Dims are cloned, never aliased, when propagated from a node to its consumers.
type Dim struct {
	Shape []int

	// Names are the axis names, nil for positional (unnamed) dimensions.
	Names []string
}

// NewDim creates an unnamed Dim.
func NewDim(shape ...int) *Dim {
	return &Dim{Shape: slices.Clone(shape)}
}

// NewNamedDim creates a Dim with named axes. Names must be unique.
func NewNamedDim(names []string, shape []int) (*Dim, error) {
	if len(names) != len(shape) {
		return nil, errors.Errorf("dim names %q and shape %v have different ranks", names, shape)
	}
	seen := sets.Make[string]()
	for _, name := range names {
		if seen.Has(name) {
			return nil, errors.Errorf("dim names %q have repeated axis %q", names, name)
		}
		seen.Insert(name)
	}
	return &Dim{Shape: slices.Clone(shape), Names: slices.Clone(names)}, nil
}

// MustNamedDim is like NewNamedDim, but panics on error.
func MustNamedDim(names []string, shape []int) *Dim {
	d, err := NewNamedDim(names, shape)
	if err != nil {
		panic(err)
	}
	return d
}

// Clone returns a deep copy. Clone of nil is nil.
func (d *Dim) Clone() *Dim {
	if d == nil {
		return nil
	}
	return &Dim{Shape: slices.Clone(d.Shape), Names: slices.Clone(d.Names)}
}

// Rank returns the number of axes.
func (d *Dim) Rank() int {
	return len(d.Shape)
}

// Size returns the number of elements.
func (d *Dim) Size() int {
	size := 1
	for _, s := range d.Shape {
		size *= s
	}
	return size
}

// IsNamed returns whether the axes are named.
func (d *Dim) IsNamed() bool {
	return d != nil && d.Names != nil
}

// Order returns the axis names, nil if unnamed.
func (d *Dim) Order() []string {
	return d.Names
}

// Axis returns the index of the named axis, or -1.
func (d *Dim) Axis(name string) int {
	return slices.Index(d.Names, name)
}

// AxisSize returns the size of the named axis, or 0 if there is no such axis.
func (d *Dim) AxisSize(name string) int {
	idx := d.Axis(name)
	if idx < 0 {
		return 0
	}
	return d.Shape[idx]
}

// LayoutShape returns the shape without size 1 axes: two Dims with the same layout shape
// have the same memory layout.
func (d *Dim) LayoutShape() []int {
	res := make([]int, 0, len(d.Shape))
	for _, s := range d.Shape {
		if s != 1 {
			res = append(res, s)
		}
	}
	return res
}

// CalcTranspose returns a new Dim with axes (and names) reordered by p.
// A nil p returns a clone.
func (d *Dim) CalcTranspose(p perm.Perm) *Dim {
	if p == nil {
		return d.Clone()
	}
	res := &Dim{Shape: perm.Apply(p, d.Shape)}
	if d.Names != nil {
		res.Names = perm.Apply(p, d.Names)
	}
	return res
}

// Transpose reorders the axes in place.
func (d *Dim) Transpose(p perm.Perm) {
	t := d.CalcTranspose(p)
	d.Shape, d.Names = t.Shape, t.Names
}

// TransposeTo returns the permutation that reorders this Dim's named axes into order.
func (d *Dim) TransposeTo(order []string) (perm.Perm, error) {
	if !d.IsNamed() {
		return nil, errors.Errorf("cannot transpose unnamed dim %s to order %q", d, order)
	}
	return perm.Between(d.Names, order)
}

// ImposeOrder reorders the named axes in place so they follow order.
func (d *Dim) ImposeOrder(order []string) error {
	p, err := d.TransposeTo(order)
	if err != nil {
		return err
	}
	d.Transpose(p)
	return nil
}

// Equal compares shapes and names.
func (d *Dim) Equal(other *Dim) bool {
	if d == nil || other == nil {
		return d == other
	}
	return slices.Equal(d.Shape, other.Shape) && slices.Equal(d.Names, other.Names)
}

// String implements fmt.Stringer.
func (d *Dim) String() string {
	if d == nil {
		return "<nil>"
	}
	parts := make([]string, len(d.Shape))
	for ii, s := range d.Shape {
		if d.Names != nil {
			parts[ii] = fmt.Sprintf("%s:%d", d.Names[ii], s)
		} else {
			parts[ii] = fmt.Sprintf("%d", s)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
