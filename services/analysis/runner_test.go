// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/grayscott/services/analysis"
	"github.com/AleutianAI/grayscott/services/stream"

	_ "github.com/AleutianAI/grayscott/services/stream/memq"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// publishInput writes a short synthetic field stream: every cell of
// step i holds i except one hot cell holding i+1.
func publishInput(t *testing.T, target string, shape []int, steps int) {
	t.Helper()
	producer, err := stream.OpenProducer(stream.Config{
		Engine: "memq", Target: target, Writers: 1,
	})
	require.NoError(t, err)
	defer producer.Close()

	w, err := producer.Writer(0)
	require.NoError(t, err)
	full := []int{0, 0, 0}
	require.NoError(t, w.Define("U", shape, full, shape))
	require.NoError(t, w.Define("V", shape, full, shape))
	require.NoError(t, w.DefineScalar("step"))

	n := shape[0] * shape[1] * shape[2]
	for i := 0; i < steps; i++ {
		require.NoError(t, w.BeginStep())
		data := make([]float64, n)
		for j := range data {
			data[j] = float64(i)
		}
		data[0] = float64(i + 1)
		require.NoError(t, w.Put("U", data))
		require.NoError(t, w.Put("V", data))
		require.NoError(t, w.PutScalar("step", int64(10*i)))
		require.NoError(t, w.EndStep())
	}
	require.NoError(t, w.Close())
}

// TestRunProducesHistograms verifies the end-to-end pipeline: fields
// in, per-slice histograms and shared bin edges out, conserving the
// slice mass, with the simulation step scalar forwarded.
func TestRunProducesHistograms(t *testing.T) {
	in := "analysis-in-" + uuid.NewString()
	out := "analysis-out-" + uuid.NewString()
	shape := []int{4, 2, 2}
	const (
		steps = 3
		nbins = 8
		ranks = 2
	)

	publishInput(t, in, shape, steps)

	cfg := analysis.Config{
		Input:       stream.Config{Engine: "memq", Target: in},
		Output:      stream.Config{Engine: "memq", Target: out},
		Ranks:       ranks,
		Bins:        nbins,
		StepTimeout: 5 * time.Second,
	}
	require.NoError(t, analysis.Run(cfg, discardLog()))

	consumer, err := stream.OpenConsumer(stream.Config{
		Engine: "memq", Target: out, Readers: 1,
	})
	require.NoError(t, err)
	defer consumer.Close()
	reader, err := consumer.Reader(0)
	require.NoError(t, err)

	sliceSize := shape[1] * shape[2]
	for i := 0; i < steps; i++ {
		status, err := reader.BeginStep(5 * time.Second)
		require.NoError(t, err)
		require.Equal(t, stream.Ready, status, "output step %d", i)

		info, err := reader.Inquire("U/pdf")
		require.NoError(t, err)
		assert.Equal(t, []int{shape[0], nbins}, info.Shape)

		pdf, err := reader.Get("U/pdf", []int{0, 0}, []int{shape[0], nbins})
		require.NoError(t, err)
		for s := 0; s < shape[0]; s++ {
			var mass float64
			for b := 0; b < nbins; b++ {
				mass += pdf[s*nbins+b]
			}
			assert.Equal(t, float64(sliceSize), mass, "slice %d mass", s)
		}

		bins, err := reader.Get("U/bins", []int{0}, []int{nbins})
		require.NoError(t, err)
		require.Len(t, bins, nbins)
		assert.Equal(t, float64(i), bins[0], "first edge sits at the global minimum")

		simStep, err := reader.GetScalar("step")
		require.NoError(t, err)
		assert.Equal(t, int64(10*i), simStep)
		require.NoError(t, reader.EndStep())
	}

	status, err := reader.BeginStep(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, stream.EndOfStream, status)
}

// TestRunPassthrough verifies the raw fields appear in the output
// stream when requested.
func TestRunPassthrough(t *testing.T) {
	in := "analysis-in-" + uuid.NewString()
	out := "analysis-out-" + uuid.NewString()
	shape := []int{2, 2, 2}

	publishInput(t, in, shape, 1)

	cfg := analysis.Config{
		Input:       stream.Config{Engine: "memq", Target: in},
		Output:      stream.Config{Engine: "memq", Target: out},
		Ranks:       1,
		Bins:        4,
		Passthrough: true,
		StepTimeout: 5 * time.Second,
	}
	require.NoError(t, analysis.Run(cfg, discardLog()))

	consumer, err := stream.OpenConsumer(stream.Config{
		Engine: "memq", Target: out, Readers: 1,
	})
	require.NoError(t, err)
	defer consumer.Close()
	reader, err := consumer.Reader(0)
	require.NoError(t, err)

	status, err := reader.BeginStep(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, stream.Ready, status)

	u, err := reader.Get("U", []int{0, 0, 0}, shape)
	require.NoError(t, err)
	require.Len(t, u, 8)
	assert.Equal(t, 1.0, u[0], "hot cell forwarded unchanged")
	assert.Equal(t, 0.0, u[1])
	require.NoError(t, reader.EndStep())
}

// TestRunRejectsBadConfig verifies configuration validation.
func TestRunRejectsBadConfig(t *testing.T) {
	err := analysis.Run(analysis.Config{Ranks: 0}, discardLog())
	assert.Error(t, err)

	err = analysis.Run(analysis.Config{Ranks: 1, Bins: -1}, discardLog())
	assert.Error(t, err)
}
