// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nnls

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	zero = 0.0
	one  = 1.0
	eps  = float64(7)/3 - float64(4)/3 - 1.
)

type Status int

const (
	// HasSolution problem solved to the requested dual tolerance.
	HasSolution Status = iota
	// ExceedMaxIter more than max active-set exchanges.
	ExceedMaxIter
	// NotPosDefinite the free subsystem of 𝐇 is not positive definite.
	NotPosDefinite
	// BadArgument input dimension unacceptable.
	BadArgument
)

// Problem specifies a non-negative quadratic problem 𝚖𝚒𝚗 ½𝐱ᵀ𝐇𝐱 + 𝐪ᵀ𝐱 subject to 𝐱 ≥ 0.
//
// The problem is solved with a primal active-set method.
// There are two index sets ℤ(zero) and ℙ(pivot):
//   - 𝐱ⱼ = 0, j ∈ ℤ : variable indexed in active set ℤ is held at the value zero
//   - 𝐱ⱼ > 0, j ∈ ℙ : variable indexed in passive set ℙ is free to take any positive value
//
// Each step solves the equality-constrained subproblem 𝐇ₚₚ𝐬ₚ = -𝐪ₚ by Cholesky
// factorization of the free subsystem (a second-order Newton step on ℙ).
// When some 𝐬ⱼ ≤ 0 the iterate moves toward 𝐬 as far as feasibility permits and the
// blocking indices leave ℙ. When 𝐬 is feasible the KKT conditions are tested on the
// dual vector 𝐰 = -(𝐇𝐱 + 𝐪):
//   - 𝐰ⱼ = 0, ∀j ∈ ℙ
//   - 𝐰ⱼ ≤ 0, ∀j ∈ ℤ
//
// and the most negative-gradient index of ℤ is set free until no candidate remains.
//
// When 𝐇 = 𝐀ᵀ𝐀 and 𝐪 = -𝐀ᵀ𝐛 this is the normal-equations form of the non-negative
// least-squares problem 𝚖𝚒𝚗 ‖ 𝐀𝐱 - 𝐛 ‖₂ subject to 𝐱 ≥ 0.
//
// C.L. Lawson, R.J. Hanson, 'Solving least squares problems' Prentice Hall, 1974. (revised 1995 edition)
// Chapters 23, Algorithm 23.10.
type Problem struct {
	// The n × n symmetric Hessian matrix 𝐇.
	// Positive definiteness is only required on the free subsystems actually visited.
	H *mat.SymDense
	// The linear coefficient n-vector 𝐪.
	Q *mat.VecDense
	// The iteration stops when the number of subsystem solves exceeds limit (3n when 0).
	MaxIterations int
	// Dual feasibility tolerance (machine-eps scaled when 0).
	Tolerance float64
}

// Solve runs the active-set iteration from the warm-start point x0 and returns the
// solution together with a terminal status. A nil x0 cold-starts from 𝐱 = O with all
// indices in ℤ. The result is element-wise non-negative for every status except
// BadArgument and NotPosDefinite, and deterministic given the same 𝐇, 𝐪 and x0.
func (p *Problem) Solve(x0 []float64) ([]float64, Status) {

	if p.H == nil || p.Q == nil {
		return nil, BadArgument
	}

	n := p.H.SymmetricDim()
	if n <= 0 || p.Q.Len() != n || (x0 != nil && len(x0) != n) {
		return nil, BadArgument
	}

	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = 3 * n
	}

	tol := p.Tolerance
	if tol <= zero {
		tol = math.Cbrt(eps) * (one + mat.Norm(p.Q, math.Inf(1)))
	}

	// ℙ = {j : x0ⱼ > 0} with negative warm-start components projected to the bound.
	x := make([]float64, n)
	free := make([]bool, n)
	np := 0
	if x0 != nil {
		for j, v := range x0 {
			if v > zero {
				x[j] = v
				free[j] = true
				np++
			}
		}
	}

	grad := mat.NewVecDense(n, nil)
	iter := 0

	for {
		// The inner loop restores primal feasibility on ℙ.
		for np > 0 {
			s, ok := p.newton(free, np)
			if !ok {
				return nil, NotPosDefinite
			}
			if iter++; iter > maxIter {
				return x, ExceedMaxIter
			}

			// Find index t ∈ ℙ such that 𝐱ₜ/(𝐱ₜ-𝐬ₜ) = 𝚊𝚛𝚐𝚖𝚒𝚗 { 𝐱ⱼ/(𝐱ⱼ-𝐬ⱼ) : 𝐬ⱼ ≤ 0, j ∈ ℙ }
			alpha, blocked := one, -1
			for j := 0; j < n; j++ {
				if free[j] && s[j] <= zero {
					if t := x[j] / (x[j] - s[j]); blocked < 0 || t < alpha {
						alpha, blocked = t, j
					}
				}
			}

			if blocked < 0 {
				// The Newton step is feasible: take it whole.
				for j := 0; j < n; j++ {
					if free[j] {
						x[j] = s[j]
					}
				}
				break
			}

			// Interpolate 𝐱 = 𝐱 + ɑ(𝐬 - 𝐱) and move blocking indices from ℙ to ℤ.
			// Round-off may leave further non-positive components: clamp them as well,
			// they would block the very next step at ɑ = 0 otherwise.
			for j := 0; j < n; j++ {
				if free[j] {
					x[j] += alpha * (s[j] - x[j])
				}
			}
			x[blocked] = zero
			free[blocked] = false
			np--
			for j := 0; j < n; j++ {
				if free[j] && x[j] <= zero {
					x[j] = zero
					free[j] = false
					np--
				}
			}
		}

		// Compute the dual vector 𝐰 = -(𝐇𝐱 + 𝐪) on ℤ and pick the steepest candidate.
		grad.MulVec(p.H, mat.NewVecDense(n, x))
		grad.AddVec(grad, p.Q)

		wmax, next := zero, -1
		for j := 0; j < n; j++ {
			if !free[j] {
				if w := -grad.AtVec(j); w > wmax {
					wmax, next = w, j
				}
			}
		}

		// Kuhn-Tucker conditions hold: no constraint is worth relaxing.
		if next < 0 || wmax <= tol {
			return x, HasSolution
		}

		free[next] = true
		np++
	}
}

// newton solves the equality-constrained subproblem 𝐇ₚₚ𝐬ₚ = -𝐪ₚ restricted to the
// free index set and scatters the solution back to full dimension.
func (p *Problem) newton(free []bool, np int) ([]float64, bool) {

	n := len(free)
	idx := make([]int, 0, np)
	for j := 0; j < n; j++ {
		if free[j] {
			idx = append(idx, j)
		}
	}

	sub := mat.NewSymDense(len(idx), nil)
	rhs := mat.NewVecDense(len(idx), nil)
	for i, ji := range idx {
		rhs.SetVec(i, -p.Q.AtVec(ji))
		for k := i; k < len(idx); k++ {
			sub.SetSym(i, k, p.H.At(ji, idx[k]))
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(sub) {
		return nil, false
	}
	sol := mat.NewVecDense(len(idx), nil)
	if err := chol.SolveVecTo(sol, rhs); err != nil {
		return nil, false
	}

	s := make([]float64, n)
	for i, ji := range idx {
		s[ji] = sol.AtVec(i)
	}
	return s, true
}
