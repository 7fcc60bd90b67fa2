// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/curioloop/fluence/dvh"
	"github.com/curioloop/fluence/plan"
)

var (
	dvhPlan      string
	dvhResult    string
	dvhStructure string
	dvhPoints    int
)

var dvhCmd = &cobra.Command{
	Use:   "dvh",
	Short: "Tabulate the dose-volume histogram of a solved plan",
	RunE: func(cmd *cobra.Command, args []string) error {

		p, err := plan.Load(dvhPlan)
		if err != nil {
			return err
		}

		raw, err := os.ReadFile(dvhResult)
		if err != nil {
			return fmt.Errorf("read result: %w", err)
		}
		var res solveResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("parse result: %w", err)
		}

		prob, err := p.Problem(filepath.Join(filepath.Dir(dvhPlan), p.Operator))
		if err != nil {
			return err
		}
		opt, err := prob.New(logger)
		if err != nil {
			return err
		}

		dose, err := opt.StructureDose(dvhStructure, res.Intensities)
		if err != nil {
			return err
		}

		curve, err := dvh.Compute(dose, dvhPoints)
		if err != nil {
			return err
		}
		sum, err := dvh.Summarize(dose)
		if err != nil {
			return err
		}

		logger.Info("structure dose",
			zap.String("structure", dvhStructure),
			zap.Float64("mean", sum.Mean),
			zap.Float64("d98", sum.D98),
			zap.Float64("d50", sum.D50),
			zap.Float64("d2", sum.D2))

		w := csv.NewWriter(os.Stdout)
		_ = w.Write([]string{"dose", "volume"})
		for i := range curve.Dose {
			_ = w.Write([]string{
				strconv.FormatFloat(curve.Dose[i], 'g', -1, 64),
				strconv.FormatFloat(curve.Volume[i], 'g', -1, 64),
			})
		}
		w.Flush()
		return w.Error()
	},
}

func init() {
	dvhCmd.Flags().StringVarP(&dvhPlan, "plan", "p", "", "plan file (required)")
	dvhCmd.Flags().StringVarP(&dvhResult, "result", "r", "", "solve result JSON (required)")
	dvhCmd.Flags().StringVarP(&dvhStructure, "structure", "s", "", "structure name (required)")
	dvhCmd.Flags().IntVar(&dvhPoints, "points", 100, "curve resolution")
	_ = dvhCmd.MarkFlagRequired("plan")
	_ = dvhCmd.MarkFlagRequired("result")
	_ = dvhCmd.MarkFlagRequired("structure")
}
