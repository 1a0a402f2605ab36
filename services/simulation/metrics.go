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
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/grayscott/services/procgroup"
)

// PerfMetrics accumulates one rank's timing counters. Each rank owns
// its instance; nothing here is shared or global. At shutdown the
// counters are folded across the group with a sum reduction and rank 0
// reports averages.
//
// Thread Safety: a PerfMetrics belongs to exactly one rank goroutine
// and must not be shared.
type PerfMetrics struct {
	Rank int

	Init       time.Duration
	Compute    time.Duration
	Write      time.Duration
	Checkpoint time.Duration

	Steps        int
	OutputSteps  int
	Checkpoints  int
	BytesWritten int64

	// perStep holds (step, compute duration) pairs for the advisory
	// CSV series.
	perStep []stepSample
}

type stepSample struct {
	step    int
	compute time.Duration
}

// NewPerfMetrics creates an empty accumulator for a rank.
func NewPerfMetrics(rank int) *PerfMetrics {
	return &PerfMetrics{Rank: rank}
}

// AddCompute records one iteration's wall time.
func (m *PerfMetrics) AddCompute(step int, d time.Duration) {
	m.Compute += d
	m.Steps++
	m.perStep = append(m.perStep, stepSample{step: step, compute: d})
}

// AddWrite records one output publish.
func (m *PerfMetrics) AddWrite(d time.Duration, bytes int) {
	m.Write += d
	m.OutputSteps++
	m.BytesWritten += int64(bytes)
}

// AddCheckpoint records one checkpoint write.
func (m *PerfMetrics) AddCheckpoint(d time.Duration) {
	m.Checkpoint += d
	m.Checkpoints++
}

// counter layout for the reduction vector.
const (
	mxInit = iota
	mxCompute
	mxWrite
	mxCheckpoint
	mxSteps
	mxOutputSteps
	mxCheckpoints
	mxBytes
	mxCount
)

func (m *PerfMetrics) vector() []float64 {
	v := make([]float64, mxCount)
	v[mxInit] = m.Init.Seconds()
	v[mxCompute] = m.Compute.Seconds()
	v[mxWrite] = m.Write.Seconds()
	v[mxCheckpoint] = m.Checkpoint.Seconds()
	v[mxSteps] = float64(m.Steps)
	v[mxOutputSteps] = float64(m.OutputSteps)
	v[mxCheckpoints] = float64(m.Checkpoints)
	v[mxBytes] = float64(m.BytesWritten)
	return v
}

// GroupSummary holds group-wide averages after reduction.
type GroupSummary struct {
	Ranks          int
	AvgInit        time.Duration
	AvgCompute     time.Duration
	AvgWrite       time.Duration
	AvgCheckpoint  time.Duration
	StepsPerRank   float64
	OutputSteps    float64
	Checkpoints    float64
	TotalBytes     int64
	ComputePerStep time.Duration
}

// Aggregate folds this rank's counters across the group. Every rank
// must call it; only rank 0 receives a summary, all others get nil.
func (m *PerfMetrics) Aggregate(pg procgroup.Group) (*GroupSummary, error) {
	sums, err := pg.Reduce(procgroup.OpSum, 0, m.vector())
	if err != nil {
		return nil, fmt.Errorf("reduce perf counters: %w", err)
	}
	if pg.Rank() != 0 {
		return nil, nil
	}
	n := float64(pg.Size())
	sum := &GroupSummary{
		Ranks:         pg.Size(),
		AvgInit:       seconds(sums[mxInit] / n),
		AvgCompute:    seconds(sums[mxCompute] / n),
		AvgWrite:      seconds(sums[mxWrite] / n),
		AvgCheckpoint: seconds(sums[mxCheckpoint] / n),
		StepsPerRank:  sums[mxSteps] / n,
		OutputSteps:   sums[mxOutputSteps] / n,
		Checkpoints:   sums[mxCheckpoints] / n,
		TotalBytes:    int64(sums[mxBytes]),
	}
	if sums[mxSteps] > 0 {
		sum.ComputePerStep = seconds(sums[mxCompute] / sums[mxSteps])
	}
	return sum, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Log emits the group summary through the structured logger.
func (s *GroupSummary) Log(log *slog.Logger) {
	log.Info("run summary",
		"ranks", s.Ranks,
		"steps_per_rank", s.StepsPerRank,
		"avg_init", s.AvgInit,
		"avg_compute", s.AvgCompute,
		"compute_per_step", s.ComputePerStep,
		"avg_write", s.AvgWrite,
		"output_steps", s.OutputSteps,
		"avg_checkpoint", s.AvgCheckpoint,
		"checkpoints", s.Checkpoints,
		"total_bytes_written", s.TotalBytes,
	)
}

// WriteCSV writes this rank's per-step compute series. The series is
// advisory; callers log failures instead of aborting the run.
func (m *PerfMetrics) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"rank", "step", "compute_seconds"}); err != nil {
		return fmt.Errorf("write metrics csv header: %w", err)
	}
	for _, s := range m.perStep {
		rec := []string{
			fmt.Sprintf("%d", m.Rank),
			fmt.Sprintf("%d", s.step),
			fmt.Sprintf("%.9f", s.compute.Seconds()),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write metrics csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush metrics csv: %w", err)
	}
	return nil
}
