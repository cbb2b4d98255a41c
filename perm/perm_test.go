package perm

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allPerms returns every permutation of length n, in lexicographic order.
func allPerms(n int) []Perm {
	if n == 0 {
		return []Perm{{}}
	}
	var res []Perm
	for _, sub := range allPerms(n - 1) {
		for pos := 0; pos <= len(sub); pos++ {
			p := make(Perm, 0, n)
			p = append(p, sub[:pos]...)
			p = append(p, n-1)
			p = append(p, sub[pos:]...)
			res = append(res, p)
		}
	}
	return res
}

func TestReverseInverseLaw(t *testing.T) {
	for n := 1; n <= 5; n++ {
		x := make([]string, n)
		for ii := range x {
			x[ii] = string(rune('a' + ii))
		}
		for _, p := range allPerms(n) {
			require.True(t, p.Valid(), "%s", p)
			r := Reverse(p)
			assert.Equal(t, x, Apply(r, Apply(p, x)), "p=%s r=%s", p, r)
			assert.True(t, Reverses(p, r, nil), "p=%s r=%s", p, r)
			assert.True(t, Compose(p, r).IsIdentity())
		}
	}
}

func TestReverseRandomLong(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for range 50 {
		n := 1 + rng.IntN(12)
		p := Perm(rng.Perm(n))
		x := rng.Perm(n)
		assert.Equal(t, x, Apply(Reverse(p), Apply(p, x)))
	}
}

func TestApplyAndCompose(t *testing.T) {
	hwc := []string{"h", "w", "c"}
	chw := Apply(Perm{2, 0, 1}, hwc)
	assert.Equal(t, []string{"c", "h", "w"}, chw)
	assert.Equal(t, hwc, Apply(Perm{1, 2, 0}, chw))

	c := Compose(Perm{2, 0, 1}, Perm{1, 2, 0})
	assert.True(t, c.IsIdentity())
	assert.Equal(t, Apply(Perm{1, 0, 2}, Apply(Perm{2, 0, 1}, hwc)), Apply(Compose(Perm{2, 0, 1}, Perm{1, 0, 2}), hwc))
	assert.Panics(t, func() { Apply(Perm{0, 1}, hwc) })
}

func TestReversesWithShape(t *testing.T) {
	// Swaps are their own inverse.
	assert.True(t, Reverses(Perm{1, 0, 2}, Perm{1, 0, 2}, nil))
	assert.False(t, Reverses(Perm{0, 2, 1}, Perm{0, 2}, nil))
	assert.False(t, Reverses(Perm{1, 2, 0}, Perm{1, 2, 0}, []int{4, 5, 6}))
	// Only moves the size 1 axis: equivalent layouts.
	assert.True(t, Reverses(Perm{1, 0, 2}, Perm{0, 1, 2}, []int{1, 5, 6}))
	assert.False(t, Reverses(Perm{1, 0, 2}, Perm{0, 1, 2}, []int{3, 5, 6}))
	assert.False(t, Reverses(nil, Perm{0}, nil))
}

func TestBetween(t *testing.T) {
	p, err := Between([]string{"c", "h", "w"}, []string{"h", "w", "c"})
	require.NoError(t, err)
	assert.Equal(t, Perm{1, 2, 0}, p)
	assert.Equal(t, []string{"h", "w", "c"}, Apply(p, []string{"c", "h", "w"}))

	_, err = Between([]string{"c", "h"}, []string{"h", "w"})
	require.Error(t, err)
	_, err = Between([]string{"c"}, []string{"h", "w"})
	require.Error(t, err)
}

func TestFindCombination(t *testing.T) {
	groups := FindCombination([]int{4, 6}, []int{4, 2, 3})
	require.Len(t, groups, 2)
	assert.Equal(t, Group{From: []int{0}, To: []int{0}}, groups[0])
	assert.Equal(t, Group{From: []int{1}, To: []int{1, 2}}, groups[1])

	groups = FindCombination([]int{4, 1}, []int{4})
	require.Len(t, groups, 1)
	assert.Equal(t, []int{0, 1}, groups[0].From)

	assert.Nil(t, FindCombination([]int{4, 6}, []int{5, 5}))
}

func TestReverseThroughReshape(t *testing.T) {
	// [2,3,4] transposed by (2,0,1) then reshaped to [4,6] is the same as
	// reshaping to [6,4] and transposing by (1,0).
	p := ReverseThroughReshape(Perm{2, 0, 1}, []int{2, 3, 4}, []int{6, 4})
	assert.Equal(t, Perm{1, 0}, p)

	// The other way around: the group [2,3] is split by the permutation.
	assert.Nil(t, ReverseThroughReshape(Perm{1, 0, 2}, []int{2, 3, 4}, []int{6, 4}))

	// Size 1 axis appended.
	p = ReverseThroughReshape(Perm{1, 0}, []int{3, 5}, []int{3, 5, 1})
	assert.Equal(t, Perm{1, 2, 0}, p)

	// Incompatible number of elements.
	assert.Nil(t, ReverseThroughReshape(Perm{1, 0}, []int{3, 5}, []int{4, 4}))
	assert.Nil(t, ReverseThroughReshape(nil, []int{3, 5}, []int{5, 3}))
}
