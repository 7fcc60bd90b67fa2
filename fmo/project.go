// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fmo

import "sort"

// projectPositive computes the Euclidean projection of w onto the non-convex set
// { 𝐯 : |{i : 𝐯ᵢ > 0}| ≤ k } into out (out and w may alias).
//
// Negative and zero entries never move: zeroing a positive entry costs its square
// while touching anything else only adds cost, so the closest admissible vector
// keeps the k largest positive entries unchanged and zeroes the remaining positive
// ones. This is an exact projection, not an approximation. Ties between equal
// values near the threshold are broken stably; the achieved distance is identical
// either way.
func projectPositive(w []float64, k int, out []float64, idx []int) {

	if len(w) == 0 {
		return
	}
	if &out[0] != &w[0] {
		copy(out, w)
	}

	idx = idx[:0]
	for i, v := range w {
		if v > zero {
			idx = append(idx, i)
		}
	}
	if len(idx) <= k {
		return
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return w[idx[a]] > w[idx[b]]
	})
	for _, i := range idx[k:] {
		out[i] = zero
	}
}

// ProjectPositive returns the projection of w onto the set of vectors whose
// positive part has at most k nonzero entries.
func ProjectPositive(w []float64, k int) []float64 {
	out := make([]float64, len(w))
	projectPositive(w, k, out, make([]int, 0, len(w)))
	return out
}
