// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulation_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/grayscott/pkg/logging"
	"github.com/AleutianAI/grayscott/services/simulation"
	"github.com/AleutianAI/grayscott/services/stream"

	_ "github.com/AleutianAI/grayscott/services/stream/badgerkv"
	_ "github.com/AleutianAI/grayscott/services/stream/memq"
)

func testLog() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
}

// TestRunPublishesOutputSteps verifies a four-rank run publishes one
// assembled global step per plot interval, in order, with the step
// scalar attached, and ends the stream afterwards.
func TestRunPublishesOutputSteps(t *testing.T) {
	const (
		l       = 16
		procs   = 4
		steps   = 50
		plotGap = 5
	)
	target := "run-test-" + uuid.NewString()

	st := simulation.DefaultSettings()
	st.L = l
	st.Procs = procs
	st.Steps = steps
	st.PlotGap = plotGap
	st.Dt = 0 // identity sweep keeps the seed pattern checkable
	st.Engine = "memq"
	st.Output = target
	require.NoError(t, st.Validate())

	consumer, err := stream.OpenConsumer(stream.Config{
		Engine: "memq", Target: target, Readers: 1,
	})
	require.NoError(t, err)
	defer consumer.Close()
	reader, err := consumer.Reader(0)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- simulation.Run(st, testLog().Slog()) }()

	for i := 0; i < steps/plotGap; i++ {
		status, err := reader.BeginStep(15 * time.Second)
		require.NoError(t, err)
		require.Equal(t, stream.Ready, status, "output step %d", i)
		assert.Equal(t, i, reader.CurrentStep())

		info, err := reader.Inquire("U")
		require.NoError(t, err)
		assert.Equal(t, []int{l, l, l}, info.Shape)

		simStep, err := reader.GetScalar("step")
		require.NoError(t, err)
		assert.Equal(t, int64((i+1)*plotGap), simStep)

		if i == 0 {
			u, err := reader.Get("U", []int{0, 0, 0}, []int{l, l, l})
			require.NoError(t, err)
			require.Len(t, u, l*l*l)
			assert.Equal(t, 1.0, u[0], "corner stays background")
			center := 8*l*l + 8*l + 8
			assert.Equal(t, 0.25, u[center], "seed box value")
		}
		require.NoError(t, reader.EndStep())
	}

	status, err := reader.BeginStep(15 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, stream.EndOfStream, status)
	require.NoError(t, <-runErr)
}

// TestRunRestartMatchesUninterrupted verifies a run resumed from a
// checkpoint publishes the same remaining steps, bit for bit, as a run
// that never stopped.
func TestRunRestartMatchesUninterrupted(t *testing.T) {
	base := simulation.DefaultSettings()
	base.L = 8
	base.Procs = 2
	base.PlotGap = 5
	base.Engine = "badgerkv"

	log := testLog().Slog()

	// Interrupted run: 10 steps with checkpoints every 5.
	outA := t.TempDir()
	ckptA := t.TempDir()
	stA := base
	stA.Steps = 10
	stA.Output = outA
	stA.Checkpoint = true
	stA.CheckpointFreq = 5
	stA.CheckpointOutput = ckptA
	require.NoError(t, simulation.Run(stA, log))

	// Resume in the same stores up to 20 steps.
	stB := stA
	stB.Steps = 20
	stB.Restart = true
	require.NoError(t, simulation.Run(stB, log))

	// Reference run straight through 20 steps.
	outC := t.TempDir()
	stC := base
	stC.Steps = 20
	stC.Output = outC
	require.NoError(t, simulation.Run(stC, log))

	gotSteps := readAllU(t, outA)
	wantSteps := readAllU(t, outC)
	require.Len(t, gotSteps, 4, "outputs at steps 5, 10, 15, 20")
	require.Len(t, wantSteps, 4)
	for i := range wantSteps {
		assert.Equal(t, wantSteps[i], gotSteps[i], "output step %d", i)
	}
}

// readAllU drains a finished badgerkv stream and returns the U field
// of every step.
func readAllU(t *testing.T, target string) [][]float64 {
	t.Helper()
	consumer, err := stream.OpenConsumer(stream.Config{
		Engine: "badgerkv", Target: target, Readers: 1,
	})
	require.NoError(t, err)
	defer consumer.Close()
	reader, err := consumer.Reader(0)
	require.NoError(t, err)
	defer reader.Close()

	var out [][]float64
	for {
		status, err := reader.BeginStep(10 * time.Second)
		require.NoError(t, err)
		if status == stream.EndOfStream {
			return out
		}
		require.Equal(t, stream.Ready, status, fmt.Sprintf("step %d", len(out)))

		info, err := reader.Inquire("U")
		require.NoError(t, err)
		u, err := reader.Get("U", []int{0, 0, 0}, info.Shape)
		require.NoError(t, err)
		out = append(out, u)
		require.NoError(t, reader.EndStep())
	}
}
