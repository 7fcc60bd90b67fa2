// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package plan loads fluence optimization problems from plan files.
// A plan names the dose operator, the beam geometry and the per-structure
// clauses; the package turns it into an fmo.Problem ready to solve.
package plan

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/curioloop/fluence/fmo"
)

// Beam maps one gantry angle to its beamlet column band in the dose operator.
type Beam struct {
	Angle float64 `yaml:"angle"` // gantry angle in degrees
	First int     `yaml:"first"` // first beamlet column of the beam
	Count int     `yaml:"count"` // number of beamlet columns
}

// TermSpec is one objective or constraint clause of a structure.
type TermSpec struct {
	Kind    string  `yaml:"kind"` // uniform | lower-dvc | upper-dvc
	Dose    float64 `yaml:"dose"`
	Weight  float64 `yaml:"weight"`
	Percent float64 `yaml:"percent,omitempty"`
}

// StructureSpec is one body structure: its voxel rows and ordered clauses.
type StructureSpec struct {
	Name   string     `yaml:"name"`
	Voxels []int      `yaml:"voxels"`
	Terms  []TermSpec `yaml:"terms"`
}

// Plan is the on-disk problem specification.
type Plan struct {
	// Operator is the path of the CSV dose operator, relative to the plan file.
	Operator string `yaml:"operator"`
	// Beams describes the full beam geometry of the operator.
	Beams []Beam `yaml:"beams,omitempty"`
	// Angles selects the subset of beam angles to plan with (empty keeps all).
	Angles []float64 `yaml:"angles,omitempty"`

	Structures []StructureSpec `yaml:"structures"`

	Overlap bool    `yaml:"overlap,omitempty"`
	Lambda  float64 `yaml:"lambda,omitempty"`
	// Tolerance is a pointer so an explicit 0 (exact convergence) stays
	// distinguishable from an absent field, which takes DefaultTolerance.
	Tolerance     *float64 `yaml:"tolerance,omitempty"`
	MaxIterations int      `yaml:"maxIterations,omitempty"`
}

// Defaults applied by Load when the plan leaves them unset.
const (
	DefaultTolerance     = 1e-6
	DefaultMaxIterations = 100
)

// Load reads and validates a YAML plan.
func Load(path string) (*Plan, error) {

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var p Plan
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	if p.Tolerance == nil {
		tol := DefaultTolerance
		p.Tolerance = &tol
	}
	if p.MaxIterations == 0 {
		p.MaxIterations = DefaultMaxIterations
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) validate() error {
	switch {
	case p.Operator == "":
		return fmt.Errorf("plan names no dose operator")
	case len(p.Structures) == 0:
		return fmt.Errorf("plan names no structures")
	case p.Lambda < 0:
		return fmt.Errorf("lambda must not be negative")
	case *p.Tolerance < 0:
		return fmt.Errorf("tolerance must not be negative")
	case p.MaxIterations < 0:
		return fmt.Errorf("maxIterations must not be negative")
	case len(p.Angles) > 0 && len(p.Beams) == 0:
		return fmt.Errorf("angle selection requires beam geometry")
	}

	for _, a := range p.Angles {
		if p.beamAt(a) == nil {
			return fmt.Errorf("no beam at angle %v", a)
		}
	}

	for _, s := range p.Structures {
		if s.Name == "" {
			return fmt.Errorf("structure without a name")
		}
		for _, ts := range s.Terms {
			if _, err := ts.term(); err != nil {
				return fmt.Errorf("structure %q: %w", s.Name, err)
			}
		}
	}
	return nil
}

func (p *Plan) beamAt(angle float64) *Beam {
	for i := range p.Beams {
		if math.Abs(p.Beams[i].Angle-angle) < 1e-9 {
			return &p.Beams[i]
		}
	}
	return nil
}

// term maps one clause specification to its fmo variant.
func (ts TermSpec) term() (fmo.Term, error) {
	switch ts.Kind {
	case "uniform":
		return fmo.Uniform{Dose: ts.Dose, Weight: ts.Weight}, nil
	case "lower-dvc":
		return fmo.LowerDVC{Dose: ts.Dose, Weight: ts.Weight, Percent: ts.Percent}, nil
	case "upper-dvc":
		return fmo.UpperDVC{Dose: ts.Dose, Weight: ts.Weight, Percent: ts.Percent}, nil
	default:
		return nil, fmt.Errorf("unrecognized term kind %q", ts.Kind)
	}
}

// Problem assembles the fmo problem: the operator restricted to the selected
// beam angles plus the translated structure specifications.
func (p *Plan) Problem(opPath string) (*fmo.Problem, error) {

	op, err := LoadOperator(opPath)
	if err != nil {
		return nil, err
	}

	restricted, err := selectBeams(op, p.Beams, p.Angles)
	if err != nil {
		return nil, err
	}

	structs := make([]fmo.Structure, 0, len(p.Structures))
	for _, s := range p.Structures {
		terms := make([]fmo.Term, 0, len(s.Terms))
		for _, ts := range s.Terms {
			t, err := ts.term()
			if err != nil {
				return nil, fmt.Errorf("structure %q: %w", s.Name, err)
			}
			terms = append(terms, t)
		}
		structs = append(structs, fmo.Structure{Name: s.Name, Voxels: s.Voxels, Terms: terms})
	}

	tol := DefaultTolerance
	if p.Tolerance != nil {
		tol = *p.Tolerance
	}
	return &fmo.Problem{
		Dose:       restricted,
		Structures: structs,
		Overlap:    p.Overlap,
		Lambda:     p.Lambda,
		Stop: fmo.Termination{
			Tolerance:     tol,
			MaxIterations: p.MaxIterations,
		},
	}, nil
}
