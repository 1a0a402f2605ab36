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
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/grayscott/services/procgroup"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func singleRankStepper(t *testing.T, st Settings) *Stepper {
	t.Helper()
	topo, err := NewTopology(st.L, st.Procs)
	require.NoError(t, err)
	groups, err := procgroup.NewLocalGroup(st.Procs)
	require.NoError(t, err)
	return NewStepper(st, topo, groups[0], testLogger())
}

// TestStepperLifecycle verifies the state machine around Init and
// termination.
func TestStepperLifecycle(t *testing.T) {
	st := DefaultSettings()
	st.L = 8
	st.Steps = 2
	s := singleRankStepper(t, st)

	assert.Equal(t, Uninitialized, s.State())
	require.ErrorIs(t, s.Iterate(), ErrNotSeeded)

	require.NoError(t, s.Init())
	assert.Equal(t, Seeded, s.State())
	assert.Error(t, s.Init(), "double Init must fail")

	require.NoError(t, s.Iterate())
	assert.Equal(t, Stepping, s.State())
	require.NoError(t, s.Iterate())
	assert.Equal(t, Terminated, s.State())
	assert.Equal(t, 2, s.CurrentStep())

	require.ErrorIs(t, s.Iterate(), ErrTerminated)
	assert.Equal(t, 2, s.CurrentStep(), "terminated stepper must not advance")
}

// TestInitSeedsCenterBox verifies the initial condition: U = 1, V = 0
// background with the centered seed box intersecting this rank's slab.
func TestInitSeedsCenterBox(t *testing.T) {
	st := DefaultSettings()
	st.L = 16
	s := singleRankStepper(t, st)
	require.NoError(t, s.Init())

	f := s.Field()
	center := f.Index(st.L/2+1, st.L/2+1, st.L/2+1)
	assert.Equal(t, 0.25, f.U[center])
	assert.Equal(t, 0.33, f.V[center])

	corner := f.Index(1, 1, 1)
	assert.Equal(t, 1.0, f.U[corner])
	assert.Equal(t, 0.0, f.V[corner])
}

// TestIterateZeroTimestepIsIdentity verifies that with dt = 0 every
// interior cell is copied through the sweep unchanged.
func TestIterateZeroTimestepIsIdentity(t *testing.T) {
	st := DefaultSettings()
	st.L = 8
	st.Steps = 3
	st.Dt = 0
	s := singleRankStepper(t, st)
	require.NoError(t, s.Init())

	f := s.Field()
	wantU := f.Interior(f.U)
	wantV := f.Interior(f.V)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Iterate())
	}
	assert.Equal(t, wantU, f.Interior(f.U))
	assert.Equal(t, wantV, f.Interior(f.V))
	assert.Equal(t, 3, f.Step)
}

// TestIterateZeroConstantsIsNoOp verifies that with F, k, Du and Dv
// all zero the sweep leaves both fields unchanged. The reaction term
// U*V*V does not depend on the constants, so the property needs V
// zeroed everywhere; the companion check confirms a live V still lets
// the reaction move U under the same constants.
func TestIterateZeroConstantsIsNoOp(t *testing.T) {
	st := DefaultSettings()
	st.L = 8
	st.Steps = 3
	st.F = 0
	st.K = 0
	st.Du = 0
	st.Dv = 0

	s := singleRankStepper(t, st)
	require.NoError(t, s.Init())
	f := s.Field()
	for i := range f.V {
		f.V[i] = 0
	}

	wantU := f.Interior(f.U)
	wantV := f.Interior(f.V)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Iterate())
	}
	assert.Equal(t, wantU, f.Interior(f.U))
	assert.Equal(t, wantV, f.Interior(f.V))

	seeded := singleRankStepper(t, st)
	require.NoError(t, seeded.Init())
	sf := seeded.Field()
	wantU = sf.Interior(sf.U)
	require.NoError(t, seeded.Iterate())
	assert.NotEqual(t, wantU, sf.Interior(sf.U),
		"seed box V must drive the reaction even with zero constants")
}

// TestIterateDeterministic verifies two identical runs produce
// bit-identical fields, including when noise is enabled, because each
// rank's random stream is seeded from its rank.
func TestIterateDeterministic(t *testing.T) {
	st := DefaultSettings()
	st.L = 8
	st.Steps = 5
	st.Noise = 0.01

	run := func() *Field {
		s := singleRankStepper(t, st)
		require.NoError(t, s.Init())
		for s.State() != Terminated {
			require.NoError(t, s.Iterate())
		}
		return s.Field()
	}
	a, b := run(), run()
	assert.Equal(t, a.U, b.U)
	assert.Equal(t, a.V, b.V)
}

// TestIterateMatchesSingleRank verifies a decomposed run reproduces
// the single-rank result exactly on a periodic domain.
func TestIterateMatchesSingleRank(t *testing.T) {
	base := DefaultSettings()
	base.L = 8
	base.Steps = 4

	run := func(procs int) []float64 {
		st := base
		st.Procs = procs
		topo, err := NewTopology(st.L, procs)
		require.NoError(t, err)
		groups, err := procgroup.NewLocalGroup(procs)
		require.NoError(t, err)

		steppers := make([]*Stepper, procs)
		for r := 0; r < procs; r++ {
			steppers[r] = NewStepper(st, topo, groups[r], testLogger())
			require.NoError(t, steppers[r].Init())
		}
		var g errgroup.Group
		for r := 0; r < procs; r++ {
			r := r
			g.Go(func() error {
				for steppers[r].State() != Terminated {
					if err := steppers[r].Iterate(); err != nil {
						return err
					}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		var global []float64
		for r := 0; r < procs; r++ {
			f := steppers[r].Field()
			global = append(global, f.Interior(f.U)...)
		}
		return global
	}

	assert.Equal(t, run(1), run(4))
}
