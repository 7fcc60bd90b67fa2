// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fmo

const (
	zero = 0.0
	one  = 1.0
	two  = 2.0
	hun  = 100.0
)

// Status describes the terminal state of one fluence optimization run.
type Status int

const (
	// Converged the summed slack change fell below the tolerance.
	Converged Status = iota
	// ExceedMaxIter the iteration budget ran out before convergence.
	// This is a normal terminal outcome, not an error: inspect the last
	// convergence-trace entry against the tolerance to tell the two apart.
	ExceedMaxIter
	// Infeasible the intensity subproblem produced no non-negative finite solution.
	Infeasible
)
