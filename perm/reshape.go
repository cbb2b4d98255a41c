package perm

// Group pairs a run of contiguous axes of one shape with a run of contiguous axes of another
// shape that hold the same number of elements.
type Group struct {
	From, To []int
}

// FindCombination splits the axes of `from` and `to` into the smallest contiguous groups whose
// element counts match pairwise. It returns nil if the shapes don't hold the same number of elements.
//
// Trailing size 1 axes are merged into the last group.
func FindCombination(from, to []int) []Group {
	var (
		groups []Group
		cur    Group
	)
	pf, pt := 1, 1
	ii, jj := 0, 0
	for ii < len(from) || jj < len(to) {
		if ii < len(from) && (len(cur.From) == 0 || pf < pt || jj >= len(to)) {
			pf *= from[ii]
			cur.From = append(cur.From, ii)
			ii++
		} else {
			pt *= to[jj]
			cur.To = append(cur.To, jj)
			jj++
		}
		if len(cur.From) > 0 && len(cur.To) > 0 && pf == pt {
			groups = append(groups, cur)
			cur = Group{}
			pf, pt = 1, 1
		}
	}
	if len(cur.From) > 0 || len(cur.To) > 0 {
		if pf != pt {
			return nil
		}
		if len(groups) == 0 {
			return []Group{cur}
		}
		last := &groups[len(groups)-1]
		last.From = append(last.From, cur.From...)
		last.To = append(last.To, cur.To...)
	}
	return groups
}

// ReverseThroughReshape re-expresses p, a transpose against fromShape, as the equivalent
// transpose against toShape, where toShape is a reshape of fromShape.
//
// The permutation has to move whole axis groups (see FindCombination): it returns nil when p
// splits a group or no compatible grouping exists.
func ReverseThroughReshape(p Perm, fromShape, toShape []int) Perm {
	if p == nil || len(p) != len(fromShape) || !p.Valid() {
		return nil
	}
	groups := FindCombination(fromShape, toShape)
	if groups == nil {
		return nil
	}
	groupOf := make([]int, len(fromShape))
	for gIdx, g := range groups {
		for _, axis := range g.From {
			groupOf[axis] = gIdx
		}
	}
	result := make(Perm, 0, len(toShape))
	for k := 0; k < len(p); {
		g := groups[groupOf[p[k]]]
		if k+len(g.From) > len(p) {
			return nil
		}
		for m, axis := range g.From {
			if p[k+m] != axis {
				return nil
			}
		}
		result = append(result, g.To...)
		k += len(g.From)
	}
	if len(result) != len(toShape) {
		return nil
	}
	return result
}
