// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// LoadOperator reads a dense dose operator from a headerless CSV file:
// one row per voxel, one column per beamlet.
func LoadOperator(path string) (*mat.Dense, error) {

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open operator: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read operator: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("operator %s is empty", path)
	}

	rows, cols := len(records), len(records[0])
	op := mat.NewDense(rows, cols, nil)
	for i, rec := range records {
		if len(rec) != cols {
			return nil, fmt.Errorf("operator row %d has %d columns, want %d", i, len(rec), cols)
		}
		for j, field := range rec {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("operator entry (%d,%d): %w", i, j, err)
			}
			op.Set(i, j, v)
		}
	}
	return op, nil
}

// selectBeams restricts the operator columns to the beams of the selected
// angles. An empty selection keeps the whole operator.
func selectBeams(op *mat.Dense, beams []Beam, angles []float64) (*mat.Dense, error) {

	if len(angles) == 0 {
		return op, nil
	}

	rows, cols := op.Dims()
	var keep []int
	for _, a := range angles {
		var b *Beam
		for i := range beams {
			if math.Abs(beams[i].Angle-a) < 1e-9 {
				b = &beams[i]
				break
			}
		}
		if b == nil {
			return nil, fmt.Errorf("no beam at angle %v", a)
		}
		if b.First < 0 || b.Count <= 0 || b.First+b.Count > cols {
			return nil, fmt.Errorf("beam at angle %v outside operator columns", a)
		}
		for j := b.First; j < b.First+b.Count; j++ {
			keep = append(keep, j)
		}
	}

	sub := mat.NewDense(rows, len(keep), nil)
	for i := 0; i < rows; i++ {
		for k, j := range keep {
			sub.Set(i, k, op.At(i, j))
		}
	}
	return sub, nil
}
