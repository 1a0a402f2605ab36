// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulation

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/AleutianAI/grayscott/services/procgroup"
)

// StepperState is the lifecycle state of a Stepper.
type StepperState int

const (
	// Uninitialized: fields allocated but not seeded.
	Uninitialized StepperState = iota

	// Seeded: initial condition applied, ready to iterate.
	Seeded

	// Stepping: at least one iteration completed.
	Stepping

	// Terminated: configured step count reached, no further mutation.
	Terminated
)

// String returns the state name.
func (s StepperState) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Seeded:
		return "Seeded"
	case Stepping:
		return "Stepping"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

var (
	// ErrNotSeeded is returned when Iterate is called before Init.
	ErrNotSeeded = errors.New("simulation: stepper not seeded")

	// ErrTerminated is returned when Iterate is called after the
	// configured step count was reached.
	ErrTerminated = errors.New("simulation: stepper terminated")
)

// seedHalfWidth is the half edge of the centered seed box, matching the
// original tutorial's initial condition.
const seedHalfWidth = 6

// Stepper advances one rank's Field through the Gray-Scott model with
// second-order central differences (h = 1) and explicit Euler time
// integration. Halo exchange precedes every sweep; the sweep is double
// buffered so old U/V are read while new values are written.
//
// Thread Safety: owned by a single goroutine, like the Field it mutates.
type Stepper struct {
	settings Settings
	topo     *Topology
	pg       procgroup.Group
	field    *Field
	state    StepperState
	log      *slog.Logger

	// u2, v2 are the write buffers of the double-buffered sweep.
	u2, v2 []float64

	rng *rand.Rand
}

// NewStepper creates a stepper for this rank. The field starts
// Uninitialized; call Init or Restore before Iterate.
func NewStepper(settings Settings, topo *Topology, pg procgroup.Group, log *slog.Logger) *Stepper {
	f := NewField(topo, pg.Rank())
	return &Stepper{
		settings: settings,
		topo:     topo,
		pg:       pg,
		field:    f,
		state:    Uninitialized,
		log:      log,
		u2:       make([]float64, f.Len()),
		v2:       make([]float64, f.Len()),
		// Deterministic per-rank stream so noise-free runs replay
		// exactly and noisy runs differ across ranks.
		rng: rand.New(rand.NewSource(int64(pg.Rank())*0x9E3779B9 + 1)),
	}
}

// Field returns the rank's field state.
func (s *Stepper) Field() *Field { return s.field }

// State returns the current lifecycle state.
func (s *Stepper) State() StepperState { return s.state }

// CurrentStep returns the number of completed iterations.
func (s *Stepper) CurrentStep() int { return s.field.Step }

// Init seeds the initial condition: U = 1, V = 0 everywhere, with a
// centered box of U = 0.25, V = 0.33 intersected with this rank's slab.
//
// Transitions Uninitialized -> Seeded.
func (s *Stepper) Init() error {
	if s.state != Uninitialized {
		return fmt.Errorf("simulation: Init in state %s", s.state)
	}
	f := s.field
	for z := 1; z <= f.SizeZ; z++ {
		for y := 1; y <= f.SizeY; y++ {
			for x := 1; x <= f.SizeX; x++ {
				i := f.Index(x, y, z)
				f.U[i] = 1.0
				f.V[i] = 0.0
			}
		}
	}

	// Seed box in global coordinates; only z is offset by the slab.
	lo := s.topo.L/2 - seedHalfWidth
	hi := s.topo.L/2 + seedHalfWidth
	for z := 1; z <= f.SizeZ; z++ {
		gz := f.OffsetZ + z - 1
		if gz < lo || gz >= hi {
			continue
		}
		for y := 1; y <= f.SizeY; y++ {
			gy := y - 1
			if gy < lo || gy >= hi {
				continue
			}
			for x := 1; x <= f.SizeX; x++ {
				gx := x - 1
				if gx < lo || gx >= hi {
					continue
				}
				i := f.Index(x, y, z)
				f.U[i] = 0.25
				f.V[i] = 0.33
			}
		}
	}

	s.state = Seeded
	return nil
}

// Restore adopts a checkpointed field and resumes from its step.
//
// The stepper becomes Seeded (or Terminated if the checkpoint already
// reached the configured step count).
func (s *Stepper) Restore(f *Field) error {
	if s.state != Uninitialized {
		return fmt.Errorf("simulation: Restore in state %s", s.state)
	}
	if f.SizeX != s.field.SizeX || f.SizeY != s.field.SizeY || f.SizeZ != s.field.SizeZ {
		return fmt.Errorf("simulation: restored extents (%d,%d,%d) do not match topology (%d,%d,%d)",
			f.SizeX, f.SizeY, f.SizeZ, s.field.SizeX, s.field.SizeY, s.field.SizeZ)
	}
	s.field = f
	if f.Step >= s.settings.Steps {
		s.state = Terminated
	} else {
		s.state = Seeded
	}
	return nil
}

// Iterate advances the field by one step.
//
// Description:
//
//	Refreshes the halos, sweeps every interior cell computing
//
//	    lap(X) = sum of the six face neighbors - 6*X
//	    dU = Du*lap(U) - U*V^2 + F*(1 - U)
//	    dV = Dv*lap(V) + U*V^2 - (F + k)*V
//
//	into the back buffers, then swaps buffers and increments the step
//	counter. Old U/V are read for the whole sweep; there is no
//	in-place aliasing. U and V are not clamped: values outside [0,1]
//	under unstable parameters are expected physics, not an error.
//
// Outputs:
//
//	error - ErrNotSeeded / ErrTerminated on lifecycle misuse, or a
//	halo exchange failure (fatal for the step).
func (s *Stepper) Iterate() error {
	switch s.state {
	case Uninitialized:
		return ErrNotSeeded
	case Terminated:
		return ErrTerminated
	}

	f := s.field
	if err := f.ExchangeHalos(s.pg, s.topo, s.settings.Boundary); err != nil {
		return err
	}

	du, dv := s.settings.Du, s.settings.Dv
	bigF, k, dt := s.settings.F, s.settings.K, s.settings.Dt
	noise := s.settings.Noise

	strideY := f.SizeX + 2
	strideZ := (f.SizeX + 2) * (f.SizeY + 2)
	u, v := f.U, f.V

	for z := 1; z <= f.SizeZ; z++ {
		for y := 1; y <= f.SizeY; y++ {
			i := f.Index(1, y, z)
			for x := 1; x <= f.SizeX; x, i = x+1, i+1 {
				uc, vc := u[i], v[i]
				lapU := u[i-1] + u[i+1] + u[i-strideY] + u[i+strideY] +
					u[i-strideZ] + u[i+strideZ] - 6*uc
				lapV := v[i-1] + v[i+1] + v[i-strideY] + v[i+strideY] +
					v[i-strideZ] + v[i+strideZ] - 6*vc
				uvv := uc * vc * vc

				un := uc + dt*(du*lapU-uvv+bigF*(1-uc))
				if noise != 0 {
					un += noise * (2*s.rng.Float64() - 1)
				}
				s.u2[i] = un
				s.v2[i] = vc + dt*(dv*lapV+uvv-(bigF+k)*vc)
			}
		}
	}

	f.U, s.u2 = s.u2, f.U
	f.V, s.v2 = s.v2, f.V
	f.Step++

	if f.Step >= s.settings.Steps {
		s.state = Terminated
	} else {
		s.state = Stepping
	}
	return nil
}
