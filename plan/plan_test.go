// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curioloop/fluence/fmo"
)

const testPlan = `
operator: dose.csv
beams:
  - {angle: 0, first: 0, count: 2}
  - {angle: 90, first: 2, count: 2}
angles: [0]
structures:
  - name: target
    voxels: [0, 1]
    terms:
      - {kind: uniform, dose: 60, weight: 1}
      - {kind: lower-dvc, dose: 55, weight: 1, percent: 5}
  - name: organ
    voxels: [2]
    terms:
      - {kind: upper-dvc, dose: 20, weight: 2, percent: 30}
lambda: 0.001
tolerance: 1e-7
maxIterations: 50
`

const testOperator = `1,0,0.5,0
0,1,0,0.5
0.2,0.2,1,1
`

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "plan.yaml", testPlan)

	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dose.csv", p.Operator)
	assert.Len(t, p.Structures, 2)
	assert.Equal(t, 0.001, p.Lambda)
	require.NotNil(t, p.Tolerance)
	assert.Equal(t, 1e-7, *p.Tolerance)
	assert.Equal(t, 50, p.MaxIterations)
	assert.Equal(t, []float64{0}, p.Angles)
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "plan.yaml", `
operator: dose.csv
structures:
  - name: target
    voxels: [0]
    terms:
      - {kind: uniform, dose: 60, weight: 1}
`)

	p, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, p.Tolerance)
	assert.Equal(t, DefaultTolerance, *p.Tolerance)
	assert.Equal(t, DefaultMaxIterations, p.MaxIterations)
}

func TestLoadZeroTolerance(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "plan.yaml", `
operator: dose.csv
tolerance: 0
structures:
  - name: target
    voxels: [0]
    terms:
      - {kind: uniform, dose: 60, weight: 1}
`)

	// An explicit zero requests exact convergence and must survive loading.
	p, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, p.Tolerance)
	assert.Equal(t, 0.0, *p.Tolerance)
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name, body string
	}{
		{"no operator", `
structures:
  - name: a
    voxels: [0]
    terms: [{kind: uniform, dose: 1, weight: 1}]
`},
		{"no structures", `operator: dose.csv`},
		{"bad kind", `
operator: dose.csv
structures:
  - name: a
    voxels: [0]
    terms: [{kind: quadratic, dose: 1, weight: 1}]
`},
		{"angles without beams", `
operator: dose.csv
angles: [0]
structures:
  - name: a
    voxels: [0]
    terms: [{kind: uniform, dose: 1, weight: 1}]
`},
		{"unknown angle", `
operator: dose.csv
beams: [{angle: 0, first: 0, count: 1}]
angles: [45]
structures:
  - name: a
    voxels: [0]
    terms: [{kind: uniform, dose: 1, weight: 1}]
`},
	}

	for _, c := range cases {
		path := write(t, dir, "bad.yaml", c.body)
		_, err := Load(path)
		assert.Error(t, err, c.name)
	}
}

func TestLoadOperator(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "dose.csv", testOperator)

	op, err := LoadOperator(path)
	require.NoError(t, err)

	r, c := op.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 4, c)
	assert.Equal(t, 0.5, op.At(0, 2))
}

func TestLoadOperatorRejects(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadOperator(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)

	path := write(t, dir, "bad.csv", "1,notanumber\n")
	_, err = LoadOperator(path)
	assert.Error(t, err)
}

func TestProblemAssembly(t *testing.T) {
	dir := t.TempDir()
	planPath := write(t, dir, "plan.yaml", testPlan)
	opPath := write(t, dir, "dose.csv", testOperator)

	p, err := Load(planPath)
	require.NoError(t, err)

	prob, err := p.Problem(opPath)
	require.NoError(t, err)

	// Only the angle-0 beam (columns 0-1) survives the selection.
	_, nb := prob.Dose.Dims()
	assert.Equal(t, 2, nb)
	assert.Equal(t, 1e-7, prob.Stop.Tolerance)

	require.Len(t, prob.Structures, 2)
	assert.IsType(t, fmo.Uniform{}, prob.Structures[0].Terms[0])
	assert.IsType(t, fmo.LowerDVC{}, prob.Structures[0].Terms[1])
	assert.IsType(t, fmo.UpperDVC{}, prob.Structures[1].Terms[0])

	// The assembled problem must pass core validation and solve.
	o, err := prob.New(nil)
	require.NoError(t, err)
	r, err := o.Fit(nil, o.Init())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.NumIter, 0)
}
