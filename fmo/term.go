// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fmo

import (
	"fmt"
	"math"
)

// Term is one objective or constraint clause attached to a structure.
// The concrete variants are Uniform, LowerDVC and UpperDVC, each carrying
// only the fields its kind requires.
type Term interface {
	// sealed marks the set of admitted variants.
	sealed()
}

// Uniform asks every voxel of the structure to receive exactly Dose.
type Uniform struct {
	Dose   float64 // prescribed dose (Gy)
	Weight float64 // nonnegative objective weight
}

// LowerDVC is a lower dose-volume constraint: at most Percent of the structure's
// voxels may fall below Dose.
type LowerDVC struct {
	Dose    float64 // threshold dose (Gy)
	Weight  float64 // nonnegative objective weight
	Percent float64 // allowed violation percentage in [0,100]
}

// UpperDVC is an upper dose-volume constraint: at most Percent of the structure's
// voxels may exceed Dose.
type UpperDVC struct {
	Dose    float64
	Weight  float64
	Percent float64
}

func (Uniform) sealed()  {}
func (LowerDVC) sealed() {}
func (UpperDVC) sealed() {}

// term holds the fully-derived immutable constants of one clause.
// The per-iteration slack state lives in the Workspace, not here, so one
// Optimizer may back several concurrent evaluations.
type term struct {
	sign   float64 // -1 lower bound, +1 upper bound, 0 uniform
	weight float64
	dose   float64
	nv     int // voxel count of the owning structure
	k      int // allowedViolations: 𝚏𝚕𝚘𝚘𝚛(percent × nv / 100)
	step   float64
	wi     int // slack slot in the workspace, -1 for uniform terms
}

func (t *term) dvc() bool { return t.sign != zero }

// newTerm derives the term constants from its specification.
func newTerm(spec Term, nv int) (*term, error) {

	var sign, dose, weight, percent float64
	switch s := spec.(type) {
	case Uniform:
		dose, weight = s.Dose, s.Weight
	case LowerDVC:
		sign, dose, weight, percent = -one, s.Dose, s.Weight, s.Percent
	case UpperDVC:
		sign, dose, weight, percent = one, s.Dose, s.Weight, s.Percent
	default:
		return nil, fmt.Errorf("unrecognized term kind %T", spec)
	}

	switch {
	case weight < zero || math.IsNaN(weight):
		return nil, fmt.Errorf("term weight must not be negative: %v", weight)
	case sign != zero && weight == zero:
		return nil, fmt.Errorf("dose-volume term weight must be positive")
	case sign != zero && (percent < zero || percent > hun || math.IsNaN(percent)):
		return nil, fmt.Errorf("dose-volume percent must lie in [0,100]: %v", percent)
	case dose < zero || math.IsNaN(dose):
		return nil, fmt.Errorf("dose target must not be negative: %v", dose)
	}

	t := &term{
		sign:   sign,
		weight: weight,
		dose:   dose,
		nv:     nv,
		step:   float64(nv) / weight,
		wi:     -1,
	}
	if t.dvc() {
		t.k = int(math.Floor(percent * float64(nv) / hun))
	}
	return t, nil
}

// residual computes 𝐫 = 𝚜𝚒𝚐𝚗 × (𝐀𝐱 - 𝐝) for a dose-volume term, the per-voxel
// amount by which the structure dose violates the threshold.
func (t *term) residual(dose, r []float64) {
	for i, v := range dose {
		r[i] = t.sign * (v - t.dose)
	}
}

// violations counts the voxels currently breaking the dose threshold.
func (t *term) violations(dose []float64) int {
	n := 0
	for _, v := range dose {
		if t.sign*(v-t.dose) > zero {
			n++
		}
	}
	return n
}

// objective evaluates the term share 𝚠𝚎𝚒𝚐𝚑𝚝 × ‖𝐫‖² / 2nᵥ of the full objective,
// where dose-volume terms subtract their slack from the signed residual.
func (t *term) objective(dose, slack []float64) float64 {
	sum := zero
	if t.dvc() {
		for i, v := range dose {
			r := t.sign*(v-t.dose) - slack[i]
			sum += r * r
		}
	} else {
		for _, v := range dose {
			r := v - t.dose
			sum += r * r
		}
	}
	return t.weight * sum / (two * float64(t.nv))
}
