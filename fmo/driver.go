// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fmo

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/fluence/nnls"
)

// fmoDriver is the main driver for the alternating minimization, responsible
// for managing the flow between the intensity subsolves and the slack updates.
type fmoDriver struct {
	optimizer *Optimizer
	workspace *Workspace
}

// run executes the loop: resolve the intensities on the full system, update
// every dose-volume slack by gradient step plus cardinality projection, and stop
// once the summed slack change falls below tolerance or the budget runs out.
func (d *fmoDriver) run(x0 []float64) (status Status, err error) {

	o, w := d.optimizer, d.workspace
	start := time.Now()
	defer func() { w.elapsed = time.Since(start) }()

	d.reset()

	if x0 == nil {
		if err = d.coldStart(); err != nil {
			return Infeasible, err
		}
	} else {
		copy(w.x, x0)
		clamped := 0
		for i, v := range w.x {
			if v < zero {
				w.x[i] = zero
				clamped++
			}
		}
		if clamped > 0 {
			o.logger.Warn("initial intensities infeasible, restarting from projection",
				zap.Int("clamped", clamped))
		}
	}

	d.refreshDose()
	d.initSlack()
	d.record(zero, false)

	for it := 1; it <= o.stop.MaxIterations; it++ {

		if err = d.resolveIntensities(); err != nil {
			return Infeasible, err
		}
		d.refreshDose()

		conv := d.updateSlack()
		w.iter = it
		d.record(conv, true)

		o.logger.Debug("iteration",
			zap.Int("iter", it),
			zap.Float64("objective", w.obj[len(w.obj)-1]),
			zap.Float64("converge", conv))

		if conv <= o.stop.Tolerance {
			return Converged, nil
		}
	}

	return ExceedMaxIter, nil
}

func (d *fmoDriver) reset() {
	w := d.workspace
	w.iter = 0
	w.obj = w.obj[:0]
	w.conv = w.conv[:0]
	for i := range w.termObj {
		w.termObj[i] = w.termObj[i][:0]
		w.termVio[i] = w.termVio[i][:0]
	}
}

// coldStart solves the uniform-target-only subsystem from zero intensities.
// When every clause is a dose-volume constraint there is no uniform subsystem
// and the zero vector is the starting point.
func (d *fmoDriver) coldStart() error {
	o, w := d.optimizer, d.workspace
	if o.unif == nil {
		for i := range w.x {
			w.x[i] = zero
		}
		return nil
	}
	o.unif.fillTargets(w.slack, w.du)
	o.unif.gradient(w.du, w.q)
	return d.solve(nil)
}

// resolveIntensities re-solves the full system warm-started from the current
// iterate, with the current slack values embedded in the stacked target.
func (d *fmoDriver) resolveIntensities() error {
	o, w := d.optimizer, d.workspace
	o.full.fillTargets(w.slack, w.d)
	o.full.gradient(w.d, w.q)
	return d.solve(w.x)
}

func (d *fmoDriver) solve(warm []float64) error {
	o, w := d.optimizer, d.workspace

	sub := nnls.Problem{H: d.hessian(warm == nil), Q: w.q}
	x, status := sub.Solve(warm)
	switch status {
	case nnls.HasSolution:
	case nnls.ExceedMaxIter:
		// The iterate is still feasible and non-negative, only less exact.
		o.logger.Warn("intensity subsolve hit its iteration limit", zap.Int("iter", w.iter))
	default:
		return fmt.Errorf("intensity subproblem infeasible (status %v)", status)
	}
	copy(w.x, x)
	return nil
}

func (d *fmoDriver) hessian(uniform bool) *mat.SymDense {
	if uniform {
		return d.optimizer.unif.h
	}
	return d.optimizer.full.h
}

// refreshDose recomputes every structure dose 𝐀ₛ𝐱 for the current intensities.
func (d *fmoDriver) refreshDose() {
	o, w := d.optimizer, d.workspace
	for si, s := range o.structs {
		s.dose(w.x, w.sdose[si])
	}
}

// initSlack sets every dose-volume slack to the projected signed residual of
// the starting intensities.
func (d *fmoDriver) initSlack() {
	o, w := d.optimizer, d.workspace
	for si, s := range o.structs {
		for _, t := range s.terms {
			if !t.dvc() {
				continue
			}
			t.residual(w.sdose[si], w.wnew[:s.nv])
			projectPositive(w.wnew[:s.nv], t.k, w.slack[t.wi], w.idx)
		}
	}
}

// updateSlack performs the gradient step plus cardinality projection for every
// dose-volume term and returns the summed step-scaled slack change.
func (d *fmoDriver) updateSlack() float64 {
	o, w := d.optimizer, d.workspace

	conv := zero
	for si, s := range o.structs {
		for _, t := range s.terms {
			if !t.dvc() {
				continue
			}

			prev := w.slack[t.wi]
			step := w.wnew[:s.nv]
			t.residual(w.sdose[si], step)

			// The step factor 𝚜𝚝𝚎𝚙 × 𝚠𝚎𝚒𝚐𝚑𝚝/nᵥ equals one by construction of
			// stepSize = nᵥ/𝚠𝚎𝚒𝚐𝚑𝚝; keep the general form.
			gamma := t.step * t.weight / float64(t.nv)
			for i := range step {
				step[i] = prev[i] + gamma*(step[i]-prev[i])
			}
			projectPositive(step, t.k, step, w.idx)

			sum := zero
			for i, v := range step {
				diff := v - prev[i]
				sum += diff * diff
			}
			conv += math.Sqrt(sum) / t.step
			copy(prev, step)
		}
	}
	return conv
}

// record appends the full objective and the diagnostic per-term traces, plus
// the convergence sum for iterations past initialization.
func (d *fmoDriver) record(conv float64, iterated bool) {
	o, w := d.optimizer, d.workspace

	obj := zero
	ti := 0
	for si, s := range o.structs {
		for _, t := range s.terms {
			var slack []float64
			if t.dvc() {
				slack = w.slack[t.wi]
			}
			v := t.objective(w.sdose[si], slack)
			obj += v
			w.termObj[ti] = append(w.termObj[ti], v)
			w.termVio[ti] = append(w.termVio[ti], t.violations(w.sdose[si]))
			ti++
		}
	}
	if o.lambda > zero {
		obj += o.lambda * floats.Dot(w.x, w.x) / two
	}

	w.obj = append(w.obj, obj)
	if iterated {
		w.conv = append(w.conv, conv)
	}
}
