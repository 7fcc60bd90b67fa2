// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fmo

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Termination specifies the stopping criteria for the alternating minimization.
type Termination struct {
	// The iteration stops when the summed slack change per step is ≤ Tolerance.
	Tolerance float64
	// The iteration stops when the number of outer iterations exceeds limit.
	// Zero performs only the initialization step.
	MaxIterations int
}

// Problem specifies a fluence map optimization problem: find beamlet intensities
// 𝐱 ≥ 0 whose dose 𝐀𝐱 meets every structure's clauses as closely as possible.
type Problem struct {
	// The beamlet-to-voxel dose operator (voxel rows × beamlet columns).
	Dose mat.Matrix
	// The ordered structure specifications.
	Structures []Structure
	// Overlap keeps voxels shared with earlier structures instead of
	// deduplicating them in specification order.
	Overlap bool
	// Lambda is the L2 regularization coefficient (≥ 0).
	Lambda float64
	// Stop condition.
	Stop Termination
}

// New validates the problem and builds an optimizer holding the assembled
// structures and both stacked systems. The logger (nop when nil) receives the
// per-iteration trace.
func (p *Problem) New(logger *zap.Logger) (optimizer *Optimizer, err error) {

	if logger == nil {
		logger = zap.NewNop()
	}

	switch {
	case p.Dose == nil:
		err = errors.New("dose operator is required")
	case len(p.Structures) == 0:
		err = errors.New("structure list must not be empty")
	case p.Lambda < zero || math.IsNaN(p.Lambda):
		err = errors.New("regularization coefficient must not be negative")
	case p.Stop.Tolerance < zero || math.IsNaN(p.Stop.Tolerance):
		err = errors.New("tolerance must not be negative")
	case p.Stop.MaxIterations < 0:
		err = errors.New("max iteration must not be negative")
	}
	if err != nil {
		return
	}

	structs, nw, err := assemble(p.Dose, p.Structures, p.Overlap)
	if err != nil {
		return
	}

	_, nb := p.Dose.Dims()
	optimizer = &Optimizer{
		fmoSpec{
			nb:      nb,
			nw:      nw,
			lambda:  p.Lambda,
			stop:    p.Stop,
			structs: structs,
			full:    newSystem(structs, false, p.Lambda, nb),
			unif:    newSystem(structs, true, p.Lambda, nb),
			logger:  logger,
		},
	}
	return
}

type fmoSpec struct {
	nb      int // number of beamlets
	nw      int // number of dose-volume slack slots
	lambda  float64
	stop    Termination
	structs []*structure
	full    *system // all terms
	unif    *system // uniform terms only, used for the cold start (nil when empty)
	logger  *zap.Logger
}

// Optimizer implements the alternating minimization over beamlet intensities
// and dose-volume slack variables. It is read-only after construction and may
// back several concurrent evaluations, each with its own Workspace.
type Optimizer struct {
	fmoSpec
}

// Workspace contains the state that evolves across iterations: the intensity
// vector, the per-term slack vectors and the traces.
type Workspace struct {
	nb, nw int
	fmoCtx
}

type fmoCtx struct {
	x     []float64   // current intensities, element-wise ≥ 0
	slack [][]float64 // per dose-volume term, indexed by term.wi
	sdose [][]float64 // per-structure dose scratch 𝐀ₛ𝐱
	wnew  []float64   // slack update scratch

	d   *mat.VecDense // stacked target scratch, full system
	du  *mat.VecDense // stacked target scratch, uniform system
	q   *mat.VecDense // -𝐀ᵀ𝐝 scratch
	idx []int         // projection index scratch

	obj  []float64 // objective trace, entry 0 is the initialization objective
	conv []float64 // per-iteration convergence sums

	termObj [][]float64 // diagnostic per-term objective traces
	termVio [][]int     // diagnostic per-term violation counts

	iter    int
	elapsed time.Duration
}

// Result contains the final result of the optimization process.
type Result struct {
	OK        bool      // Whether the slack iteration converged.
	X         []float64 // Final beamlet intensities.
	Objective []float64 // Objective trace of length NumIter+1.
	Converge  []float64 // Convergence trace of length NumIter.
	Summary             // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status  Status        // Final task status after optimization.
	NumIter int           // Number of outer iterations performed.
	Elapsed time.Duration // Total compute time (informational only).
}

// Init allocates the workspace. To avoid race conditions, separate workspaces
// need to be created for each goroutine. But multiple workspaces could share
// one optimizer.
func (o *Optimizer) Init() *Workspace {
	w := new(Workspace)
	w.nb, w.nw = o.nb, o.nw

	w.x = make([]float64, o.nb)
	w.slack = make([][]float64, o.nw)
	w.sdose = make([][]float64, len(o.structs))
	maxNv := 0
	for si, s := range o.structs {
		w.sdose[si] = make([]float64, s.nv)
		maxNv = max(maxNv, s.nv)
		for _, t := range s.terms {
			if t.dvc() {
				w.slack[t.wi] = make([]float64, s.nv)
			}
		}
	}
	w.wnew = make([]float64, maxNv)

	w.d = mat.NewVecDense(o.full.rows, nil)
	if o.unif != nil {
		w.du = mat.NewVecDense(o.unif.rows, nil)
	}
	w.q = mat.NewVecDense(o.nb, nil)
	w.idx = make([]int, 0, maxNv)

	nt := 0
	for _, s := range o.structs {
		nt += len(s.terms)
	}
	w.termObj = make([][]float64, nt)
	w.termVio = make([][]int, nt)
	return w
}

// Fit runs the alternating minimization from the initial intensities x0 using
// workspace w. A nil x0 cold-starts from the solution of the uniform-target-only
// subsystem, or from zero intensities when every clause is a dose-volume
// constraint. A non-nil error reports numerical infeasibility of the intensity
// subproblem; reaching the iteration budget is a normal return.
func (o *Optimizer) Fit(x0 []float64, w *Workspace) (*Result, error) {

	if x0 != nil && len(x0) != o.nb {
		panic("initial x dimension not match spec")
	}

	if w.nb != o.nb || w.nw != o.nw {
		panic("workspace dimension not match spec")
	}

	driver := fmoDriver{
		optimizer: o,
		workspace: w,
	}

	status, err := driver.run(x0)
	if err != nil {
		return nil, err
	}
	return &Result{
		OK:        status == Converged,
		X:         slices.Clone(w.x),
		Objective: slices.Clone(w.obj),
		Converge:  slices.Clone(w.conv),
		Summary: Summary{
			Status:  status,
			NumIter: w.iter,
			Elapsed: w.elapsed,
		},
	}, nil
}

// TermTraces exposes the diagnostic per-term traces of the last run: the term
// objective share and the term violation count per iteration, indexed by term
// in specification order. The slices are views into the workspace.
func (w *Workspace) TermTraces() (obj [][]float64, vio [][]int) {
	return w.termObj, w.termVio
}

// StructureDose computes 𝐀ₛ𝐱 for the named structure, the only quantity any
// downstream dose reporting needs.
func (o *Optimizer) StructureDose(name string, x []float64) ([]float64, error) {
	if len(x) != o.nb {
		return nil, fmt.Errorf("intensity dimension %d does not match beamlet count %d", len(x), o.nb)
	}
	for _, s := range o.structs {
		if s.name == name {
			dose := make([]float64, s.nv)
			s.dose(x, dose)
			return dose, nil
		}
	}
	return nil, fmt.Errorf("unknown structure %q", name)
}

// Structures lists the assembled structure names in specification order.
func (o *Optimizer) Structures() []string {
	names := make([]string, len(o.structs))
	for i, s := range o.structs {
		names[i] = s.name
	}
	return names
}
