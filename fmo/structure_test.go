// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fmo

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// 6 voxels × 2 beamlets, rows numbered so dose values are easy to follow.
func testOperator() *mat.Dense {
	return mat.NewDense(6, 2, []float64{
		1, 0,
		0, 1,
		1, 1,
		2, 0,
		0, 2,
		1, 2,
	})
}

func TestAssembleOverlapRemoval(t *testing.T) {

	specs := []Structure{
		{Name: "target", Voxels: []int{0, 1, 2}, Terms: []Term{Uniform{Dose: 60, Weight: 1}}},
		{Name: "organ", Voxels: []int{2, 3, 4}, Terms: []Term{UpperDVC{Dose: 20, Weight: 1, Percent: 50}}},
	}

	structs, nw, err := assemble(testOperator(), specs, false)
	switch {
	case err != nil:
		t.Fatalf("TestAssembleOverlapRemoval: %v", err)
	case nw != 1:
		t.Fatalf("TestAssembleOverlapRemoval: Slack Slots %d", nw)
	case structs[0].nv != 3:
		t.Fatal("TestAssembleOverlapRemoval: First Structure Truncated")
	case structs[1].nv != 2:
		t.Fatal("TestAssembleOverlapRemoval: Shared Voxel Not Removed")
	}

	// Voxel 2 went to the target, so the organ keeps rows 3 and 4 only.
	if structs[1].op.At(0, 0) != 2 || structs[1].op.At(1, 1) != 2 {
		t.Fatal("TestAssembleOverlapRemoval: Wrong Rows Kept")
	}
}

func TestAssembleOverlapAllowed(t *testing.T) {

	specs := []Structure{
		{Name: "a", Voxels: []int{0, 1, 2}, Terms: []Term{Uniform{Dose: 60, Weight: 1}}},
		{Name: "b", Voxels: []int{2, 3}, Terms: []Term{Uniform{Dose: 20, Weight: 1}}},
	}

	structs, _, err := assemble(testOperator(), specs, true)
	switch {
	case err != nil:
		t.Fatalf("TestAssembleOverlapAllowed: %v", err)
	case structs[1].nv != 2:
		t.Fatal("TestAssembleOverlapAllowed: Shared Voxel Removed")
	}
}

func TestAssembleDuplicateVoxels(t *testing.T) {

	specs := []Structure{
		{Name: "a", Voxels: []int{0, 1, 1, 2, 0}, Terms: []Term{Uniform{Dose: 60, Weight: 1}}},
	}

	// A voxel repeated inside one structure counts once in either overlap mode.
	for _, overlap := range []bool{false, true} {
		structs, _, err := assemble(testOperator(), specs, overlap)
		switch {
		case err != nil:
			t.Fatalf("TestAssembleDuplicateVoxels: %v", err)
		case structs[0].nv != 3:
			t.Fatalf("TestAssembleDuplicateVoxels: Voxel Counted Twice (nv %d)", structs[0].nv)
		}
	}
}

func TestAssembleRejects(t *testing.T) {

	op := testOperator()
	cases := []struct {
		name  string
		specs []Structure
	}{
		{"empty list", nil},
		{"no terms", []Structure{{Name: "a", Voxels: []int{0}}}},
		{"bad voxel", []Structure{{Name: "a", Voxels: []int{99}, Terms: []Term{Uniform{Dose: 1, Weight: 1}}}}},
		{"bad percent", []Structure{{Name: "a", Voxels: []int{0}, Terms: []Term{UpperDVC{Dose: 1, Weight: 1, Percent: 101}}}}},
		{"nan percent", []Structure{{Name: "a", Voxels: []int{0}, Terms: []Term{UpperDVC{Dose: 1, Weight: 1, Percent: math.NaN()}}}}},
		{"negative weight", []Structure{{Name: "a", Voxels: []int{0}, Terms: []Term{Uniform{Dose: 1, Weight: -1}}}}},
		{"zero dvc weight", []Structure{{Name: "a", Voxels: []int{0}, Terms: []Term{LowerDVC{Dose: 1, Percent: 10}}}}},
	}

	for _, c := range cases {
		if _, _, err := assemble(op, c.specs, false); err == nil {
			t.Fatalf("TestAssembleRejects: %s accepted", c.name)
		}
	}
}

func TestTermConstants(t *testing.T) {

	tm, err := newTerm(UpperDVC{Dose: 30, Weight: 2, Percent: 35}, 10)
	switch {
	case err != nil:
		t.Fatalf("TestTermConstants: %v", err)
	case tm.k != 3: // 𝚏𝚕𝚘𝚘𝚛(35 × 10 / 100)
		t.Fatalf("TestTermConstants: Allowed Violations %d", tm.k)
	case tm.step != 5: // 10 / 2
		t.Fatalf("TestTermConstants: Step Size %v", tm.step)
	case tm.sign != 1:
		t.Fatal("TestTermConstants: Wrong Sign")
	}

	lo, err := newTerm(LowerDVC{Dose: 30, Weight: 2, Percent: 35}, 10)
	if err != nil || lo.sign != -1 {
		t.Fatal("TestTermConstants: Lower Sign")
	}

	un, err := newTerm(Uniform{Dose: 30, Weight: 2}, 10)
	if err != nil || un.dvc() || un.wi != -1 {
		t.Fatal("TestTermConstants: Uniform Is Not Slack-Free")
	}
}

func TestStackedSystemShapes(t *testing.T) {

	specs := []Structure{
		{Name: "target", Voxels: []int{0, 1, 2}, Terms: []Term{
			Uniform{Dose: 60, Weight: 1},
			LowerDVC{Dose: 55, Weight: 1, Percent: 10},
		}},
		{Name: "organ", Voxels: []int{3, 4}, Terms: []Term{UpperDVC{Dose: 20, Weight: 4, Percent: 50}}},
	}

	structs, _, err := assemble(testOperator(), specs, false)
	if err != nil {
		t.Fatalf("TestStackedSystemShapes: %v", err)
	}

	const nb = 2
	full := newSystem(structs, false, 0.5, nb)
	unif := newSystem(structs, true, 0.5, nb)

	// full: 3 + 3 + 2 term rows plus nb regularization rows.
	if r, c := full.a.Dims(); r != 10 || c != nb {
		t.Fatalf("TestStackedSystemShapes: Full Dims %d×%d", r, c)
	}
	// uniform-only: 3 term rows plus regularization.
	if r, _ := unif.a.Dims(); r != 5 {
		t.Fatalf("TestStackedSystemShapes: Uniform Rows %d", r)
	}
	if full.h.SymmetricDim() != nb {
		t.Fatal("TestStackedSystemShapes: Bad Hessian Dim")
	}

	// Regularization band is 𝚜𝚚𝚛𝚝(λ) × 𝐈.
	sq := math.Sqrt(0.5)
	if full.a.At(8, 0) != sq || full.a.At(9, 1) != sq || full.a.At(8, 1) != 0 {
		t.Fatal("TestStackedSystemShapes: Bad Regularization Band")
	}

	// No regularization: no extra rows.
	bare := newSystem(structs, false, 0, nb)
	if r, _ := bare.a.Dims(); r != 8 {
		t.Fatalf("TestStackedSystemShapes: Unregularized Rows %d", r)
	}
}

func TestStackedTargets(t *testing.T) {

	specs := []Structure{
		{Name: "target", Voxels: []int{0, 1}, Terms: []Term{
			Uniform{Dose: 60, Weight: 2},
			UpperDVC{Dose: 50, Weight: 2, Percent: 50},
		}},
	}

	structs, nw, err := assemble(testOperator(), specs, false)
	if err != nil || nw != 1 {
		t.Fatalf("TestStackedTargets: %v", err)
	}

	sys := newSystem(structs, false, 0, 2)
	slack := [][]float64{{3, 0}}
	d := mat.NewVecDense(sys.rows, nil)
	sys.fillTargets(slack, d)

	scale := math.Sqrt(2.0 / 2.0)
	want := []float64{
		scale * 60, scale * 60, // uniform band
		scale * (50 + 3), scale * 50, // upper band lifts its target by the slack
	}
	for i, v := range want {
		if math.Abs(d.AtVec(i)-v) > 1e-12 {
			t.Fatalf("TestStackedTargets: d[%d] = %v want %v", i, d.AtVec(i), v)
		}
	}

	// A lower constraint lowers its target instead.
	specs[0].Terms[1] = LowerDVC{Dose: 50, Weight: 2, Percent: 50}
	structs, _, _ = assemble(testOperator(), specs, false)
	sys = newSystem(structs, false, 0, 2)
	sys.fillTargets(slack, d)
	if math.Abs(d.AtVec(2)-scale*(50-3)) > 1e-12 {
		t.Fatal("TestStackedTargets: Lower Band Not Lowered")
	}
}

func TestHessianIsNormalEquations(t *testing.T) {

	specs := []Structure{
		{Name: "a", Voxels: []int{0, 1, 2, 5}, Terms: []Term{Uniform{Dose: 10, Weight: 3}}},
	}
	structs, _, err := assemble(testOperator(), specs, false)
	if err != nil {
		t.Fatalf("TestHessianIsNormalEquations: %v", err)
	}

	sys := newSystem(structs, false, 0.25, 2)

	var want mat.Dense
	want.Mul(sys.a.T(), sys.a)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.Abs(sys.h.At(i, j)-want.At(i, j)) > 1e-12 {
				t.Fatal("TestHessianIsNormalEquations: H != AᵀA")
			}
		}
	}
}
