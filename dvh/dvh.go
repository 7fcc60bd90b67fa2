// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dvh derives dose-volume histograms from per-structure dose vectors.
// It consumes the structure dose 𝐀ₛ𝐱 produced by the fmo core and is purely a
// reporting collaborator: nothing here feeds back into the optimization.
package dvh

import (
	"errors"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Curve is a cumulative dose-volume histogram: Volume[i] is the fraction of the
// structure's voxels receiving at least Dose[i].
type Curve struct {
	Dose   []float64
	Volume []float64
}

// Compute builds the cumulative DVH of one dose vector over a uniform grid of
// the given number of points spanning [0, 𝚖𝚊𝚡 dose]. The curve starts at
// volume 1 and is non-increasing.
func Compute(dose []float64, points int) (*Curve, error) {

	if len(dose) == 0 {
		return nil, errors.New("dose vector must not be empty")
	}
	if points < 2 {
		return nil, errors.New("curve needs at least 2 points")
	}

	sorted := append([]float64(nil), dose...)
	sort.Float64s(sorted)

	maxDose := sorted[len(sorted)-1]
	n := float64(len(sorted))

	c := &Curve{
		Dose:   make([]float64, points),
		Volume: make([]float64, points),
	}
	step := maxDose / float64(points-1)
	for i := range c.Dose {
		t := float64(i) * step
		// Fraction of voxels with dose ≥ t.
		at := sort.SearchFloat64s(sorted, t)
		c.Dose[i] = t
		c.Volume[i] = float64(len(sorted)-at) / n
	}
	return c, nil
}

// Summary holds the scalar dose statistics usually reported next to a DVH.
type Summary struct {
	Mean, Min, Max float64
	// D98, D50 and D2: the dose received by at least 98%, 50% and 2% of the
	// structure volume (near-min, median and near-max dose).
	D98, D50, D2 float64
}

// Summarize computes the scalar statistics of one dose vector.
func Summarize(dose []float64) (*Summary, error) {

	if len(dose) == 0 {
		return nil, errors.New("dose vector must not be empty")
	}

	sorted := append([]float64(nil), dose...)
	sort.Float64s(sorted)

	return &Summary{
		Mean: stat.Mean(sorted, nil),
		Min:  floats.Min(sorted),
		Max:  floats.Max(sorted),
		D98:  DoseAt(sorted, 0.98),
		D50:  DoseAt(sorted, 0.50),
		D2:   DoseAt(sorted, 0.02),
	}, nil
}

// DoseAt returns the dose received by at least the given fraction of the
// structure volume. The dose vector must be sorted ascending.
func DoseAt(sorted []float64, volume float64) float64 {
	if volume <= 0 {
		return sorted[len(sorted)-1]
	}
	if volume >= 1 {
		return sorted[0]
	}
	return stat.Quantile(1-volume, stat.Empirical, sorted, nil)
}
