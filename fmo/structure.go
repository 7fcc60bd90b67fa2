// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fmo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Structure specifies one body region: the rows of the dose operator belonging to
// its voxels and the ordered clauses attached to it.
type Structure struct {
	Name   string
	Voxels []int  // row indices into the full dose operator
	Terms  []Term // ordered term specifications
}

// structure is the assembled form: the voxel-restricted dose operator together
// with the derived terms.
type structure struct {
	name  string
	op    *mat.Dense // nv × nb restriction of the dose operator
	nv    int
	terms []*term
}

// dose computes the per-voxel structure dose 𝐀ₛ𝐱 into out.
func (s *structure) dose(x, out []float64) {
	v := mat.NewVecDense(s.nv, out)
	v.MulVec(s.op, mat.NewVecDense(s.op.RawMatrix().Cols, x))
}

// assemble combines the structure specifications with the full dose operator.
// In non-overlap mode voxel sets are deduplicated in specification order: each
// structure keeps only voxels not claimed by an earlier one.
func assemble(op mat.Matrix, specs []Structure, overlap bool) ([]*structure, int, error) {

	if op == nil {
		return nil, 0, fmt.Errorf("dose operator is required")
	}
	if len(specs) == 0 {
		return nil, 0, fmt.Errorf("structure list must not be empty")
	}

	rows, nb := op.Dims()
	claimed := make(map[int]bool)

	structs := make([]*structure, 0, len(specs))
	nw := 0 // number of slack slots over all dose-volume terms
	for _, spec := range specs {

		if len(spec.Terms) == 0 {
			return nil, 0, fmt.Errorf("structure %q has no terms", spec.Name)
		}

		// A voxel listed twice within the same structure is kept once.
		seen := make(map[int]bool, len(spec.Voxels))
		voxels := make([]int, 0, len(spec.Voxels))
		for _, v := range spec.Voxels {
			if v < 0 || v >= rows {
				return nil, 0, fmt.Errorf("structure %q voxel %d outside operator rows %d", spec.Name, v, rows)
			}
			if seen[v] || (!overlap && claimed[v]) {
				continue
			}
			seen[v] = true
			voxels = append(voxels, v)
		}
		if !overlap {
			for _, v := range voxels {
				claimed[v] = true
			}
		}
		if len(voxels) == 0 {
			return nil, 0, fmt.Errorf("structure %q has no voxels", spec.Name)
		}

		nv := len(voxels)
		sub := mat.NewDense(nv, nb, nil)
		for i, v := range voxels {
			for j := 0; j < nb; j++ {
				sub.Set(i, j, op.At(v, j))
			}
		}

		s := &structure{name: spec.Name, op: sub, nv: nv}
		for _, ts := range spec.Terms {
			t, err := newTerm(ts, nv)
			if err != nil {
				return nil, 0, fmt.Errorf("structure %q: %w", spec.Name, err)
			}
			if t.dvc() {
				t.wi = nw
				nw++
			}
			s.terms = append(s.terms, t)
		}
		structs = append(structs, s)
	}

	return structs, nw, nil
}

// block is one row band of a stacked system belonging to a single term.
type block struct {
	str   *structure
	t     *term
	off   int // first row of the band
	scale float64
}

// system is one stacked least-squares system ‖𝐀𝐱 - 𝐝‖ with 𝐇 = 𝐀ᵀ𝐀.
//
// For every qualifying term the band 𝚜𝚚𝚛𝚝(𝚠𝚎𝚒𝚐𝚑𝚝/nᵥ) × 𝐀ₛ is stacked into 𝐀 and
// 𝚜𝚚𝚛𝚝(𝚠𝚎𝚒𝚐𝚑𝚝/nᵥ) × (𝐝ₜ + 𝚜𝚒𝚐𝚗 × 𝐰) into 𝐝. When λ > 0 the rows 𝚜𝚚𝚛𝚝(λ) × 𝐈 with a
// zero target band are appended. 𝐀 and 𝐇 are fixed for the life of the system; only
// the target vector changes as the slack evolves, so 𝐝 is refilled per iteration.
type system struct {
	a      *mat.Dense    // rows × nb
	h      *mat.SymDense // nb × nb normal-equations Hessian (positive definite when λ > 0)
	blocks []block
	rows   int
	nb     int
}

// newSystem stacks the requested term subset (all terms, or uniform-only) with
// two passes: count rows, then fill by band. A subset that contributes no rows
// yields a nil system: without λ an all-dose-volume problem has an empty
// uniform stack.
func newSystem(structs []*structure, uniformOnly bool, lambda float64, nb int) *system {

	rows := 0
	for _, s := range structs {
		for _, t := range s.terms {
			if uniformOnly && t.dvc() {
				continue
			}
			rows += s.nv
		}
	}
	if lambda > zero {
		rows += nb
	}
	if rows == 0 {
		return nil
	}

	sys := &system{rows: rows, nb: nb}
	sys.a = mat.NewDense(rows, nb, nil)

	off := 0
	for _, s := range structs {
		for _, t := range s.terms {
			if uniformOnly && t.dvc() {
				continue
			}
			scale := math.Sqrt(t.weight / float64(s.nv))
			sys.a.Slice(off, off+s.nv, 0, nb).(*mat.Dense).Scale(scale, s.op)
			sys.blocks = append(sys.blocks, block{str: s, t: t, off: off, scale: scale})
			off += s.nv
		}
	}
	if lambda > zero {
		sq := math.Sqrt(lambda)
		for j := 0; j < nb; j++ {
			sys.a.Set(off+j, j, sq)
		}
	}

	sys.h = mat.NewSymDense(nb, nil)
	sys.h.SymOuterK(one, sys.a.T())
	return sys
}

// fillTargets writes the current stacked target vector 𝐝 for the given slack state.
// The regularization band stays zero.
func (sy *system) fillTargets(slack [][]float64, d *mat.VecDense) {
	for _, b := range sy.blocks {
		t := b.t
		for i := 0; i < b.str.nv; i++ {
			v := t.dose
			if t.dvc() {
				v += t.sign * slack[t.wi][i]
			}
			d.SetVec(b.off+i, b.scale*v)
		}
	}
}

// gradient computes 𝐪 = -𝐀ᵀ𝐝 into q.
func (sy *system) gradient(d, q *mat.VecDense) {
	q.MulVec(sy.a.T(), d)
	q.ScaleVec(-one, q)
}
