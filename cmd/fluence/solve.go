// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/curioloop/fluence/plan"
)

// solveResult is the serialized outcome of one optimization run. The fields
// mirror the optimizer result verbatim so downstream tooling can replay the
// traces without re-solving.
type solveResult struct {
	Converged   bool      `json:"converged"`
	Iterations  int       `json:"iterations"`
	Elapsed     string    `json:"elapsed"`
	Intensities []float64 `json:"intensities"`
	Objective   []float64 `json:"objective"`
	Converge    []float64 `json:"converge"`
}

var (
	solvePlan     string
	solveOperator string
	solveOut      string
)

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Solve the plan and write the beamlet intensities",
	RunE: func(cmd *cobra.Command, args []string) error {

		p, err := plan.Load(solvePlan)
		if err != nil {
			return err
		}

		opPath := solveOperator
		if opPath == "" {
			opPath = filepath.Join(filepath.Dir(solvePlan), p.Operator)
		}

		prob, err := p.Problem(opPath)
		if err != nil {
			return err
		}

		nv, nb := prob.Dose.Dims()
		logger.Info("plan loaded",
			zap.String("plan", solvePlan),
			zap.Int("voxels", nv),
			zap.Int("beamlets", nb),
			zap.Int("structures", len(prob.Structures)))

		opt, err := prob.New(logger)
		if err != nil {
			return err
		}

		r, err := opt.Fit(nil, opt.Init())
		if err != nil {
			return err
		}

		logger.Info("solve finished",
			zap.Bool("converged", r.OK),
			zap.Int("iterations", r.NumIter),
			zap.Duration("elapsed", r.Elapsed),
			zap.Float64("objective", r.Objective[len(r.Objective)-1]))

		out := solveResult{
			Converged:   r.OK,
			Iterations:  r.NumIter,
			Elapsed:     r.Elapsed.Round(time.Microsecond).String(),
			Intensities: r.X,
			Objective:   r.Objective,
			Converge:    r.Converge,
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}

		if solveOut == "" || solveOut == "-" {
			fmt.Println(string(data))
			return nil
		}
		return os.WriteFile(solveOut, data, 0o644)
	},
}

func init() {
	solveCmd.Flags().StringVarP(&solvePlan, "plan", "p", "", "plan file (required)")
	solveCmd.Flags().StringVar(&solveOperator, "operator", "", "dose operator CSV (defaults to the plan's)")
	solveCmd.Flags().StringVarP(&solveOut, "out", "o", "", "result JSON path (stdout when empty)")
	_ = solveCmd.MarkFlagRequired("plan")
}
