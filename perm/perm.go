// Package perm implements the algebra of tensor axis permutations used by the transpose
// elimination engine.
//
// A permutation p of length n lists, for each output position i, the source axis that is moved
// there: applying p to x yields out[i] = x[p[i]].
package perm

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Perm is a permutation of tensor axes. A nil Perm means "no transpose".
type Perm []int

// Identity returns the identity permutation of length n.
func Identity(n int) Perm {
	p := make(Perm, n)
	for ii := range p {
		p[ii] = ii
	}
	return p
}

// Valid returns whether p is a bijection of 0..len(p)-1.
func (p Perm) Valid() bool {
	seen := make([]bool, len(p))
	for _, axis := range p {
		if axis < 0 || axis >= len(p) || seen[axis] {
			return false
		}
		seen[axis] = true
	}
	return true
}

// IsIdentity returns true if p doesn't move any axis. A nil Perm is the identity.
func (p Perm) IsIdentity() bool {
	for ii, axis := range p {
		if ii != axis {
			return false
		}
	}
	return true
}

// Equal returns whether both permutations are the same sequence.
func (p Perm) Equal(other Perm) bool {
	return slices.Equal(p, other)
}

// Clone returns a copy of p, or nil if p is nil.
func (p Perm) Clone() Perm {
	if p == nil {
		return nil
	}
	return slices.Clone(p)
}

// String implements fmt.Stringer.
func (p Perm) String() string {
	if p == nil {
		return "none"
	}
	parts := make([]string, len(p))
	for ii, axis := range p {
		parts[ii] = fmt.Sprintf("%d", axis)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Apply returns x reordered by p: out[i] = x[p[i]].
// It panics if the lengths don't match.
func Apply[T any](p Perm, x []T) []T {
	if len(p) != len(x) {
		panic(errors.Errorf("perm.Apply: permutation %s has length %d, applied to sequence of length %d", p, len(p), len(x)))
	}
	out := make([]T, len(x))
	for ii, axis := range p {
		out[ii] = x[axis]
	}
	return out
}

// Reverse returns the inverse permutation r of p, such that Apply(r, Apply(p, x)) == x.
// Reverse of nil is nil.
func Reverse(p Perm) Perm {
	if p == nil {
		return nil
	}
	r := make(Perm, len(p))
	for ii, axis := range p {
		r[axis] = ii
	}
	return r
}

// Compose returns the permutation equivalent to applying p1 and then p2.
func Compose(p1, p2 Perm) Perm {
	if p1 == nil {
		return p2.Clone()
	}
	if p2 == nil {
		return p1.Clone()
	}
	if len(p1) != len(p2) {
		panic(errors.Errorf("perm.Compose: permutations %s and %s have different lengths", p1, p2))
	}
	c := make(Perm, len(p1))
	for ii, axis := range p2 {
		c[ii] = p1[axis]
	}
	return c
}

// Reverses returns true if applying p1 and then p2 yields the identity.
//
// If shape (the shape p1 is applied to) is given, permutations that only differ in where
// they place size 1 axes are considered equivalent, since they produce the same memory layout.
func Reverses(p1, p2 Perm, shape []int) bool {
	if p1 == nil || p2 == nil || len(p1) != len(p2) {
		return false
	}
	c := Compose(p1, p2)
	if c.IsIdentity() {
		return true
	}
	if len(shape) != len(c) {
		return false
	}
	last := -1
	for _, axis := range c {
		if shape[axis] == 1 {
			continue
		}
		if axis < last {
			return false
		}
		last = axis
	}
	return true
}

// Between returns the permutation that reorders axis names `from` into the order `to`.
func Between(from, to []string) (Perm, error) {
	if len(from) != len(to) {
		return nil, errors.Errorf("cannot transpose order %q to %q: different ranks", from, to)
	}
	p := make(Perm, len(to))
	for ii, name := range to {
		idx := slices.Index(from, name)
		if idx < 0 {
			return nil, errors.Errorf("cannot transpose order %q to %q: axis %q not found", from, to, name)
		}
		p[ii] = idx
	}
	if !p.Valid() {
		return nil, errors.Errorf("cannot transpose order %q to %q: repeated axis names", from, to)
	}
	return p, nil
}
