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
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/grayscott/services/procgroup"
	"github.com/AleutianAI/grayscott/services/stream"
)

// Run executes a full simulation: one goroutine per rank stepping the
// model in lockstep, publishing output slabs on the plot cadence and
// checkpointing when enabled. It blocks until all ranks terminate or
// one fails.
func Run(st Settings, log *slog.Logger) error {
	topo, err := NewTopology(st.L, st.Procs)
	if err != nil {
		return err
	}
	groups, err := procgroup.NewLocalGroup(st.Procs)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	log = log.With("run_id", runID)

	var (
		db       *badger.DB
		managers []*CheckpointManager
	)
	if st.Checkpoint || st.Restart {
		opts := badger.DefaultOptions(st.CheckpointOutput).WithLogger(nil)
		db, err = badger.Open(opts)
		if err != nil {
			return fmt.Errorf("open checkpoint store %s: %w", st.CheckpointOutput, err)
		}
		defer db.Close()

		freq := st.CheckpointFreq
		if freq < 1 {
			freq = DefaultSettings().CheckpointFreq
		}
		managers = make([]*CheckpointManager, st.Procs)
		for r := 0; r < st.Procs; r++ {
			managers[r], err = NewCheckpointManager(db, topo, r, freq, runID, log)
			if err != nil {
				return err
			}
		}
	}

	restored, restartStep, err := restoreGroup(st, managers)
	if err != nil {
		return err
	}
	if st.Restart {
		log.Info("resuming from checkpoint", "step", restartStep)
	}

	producer, err := stream.OpenProducer(stream.Config{
		Engine:           st.Engine,
		Target:           st.Output,
		Writers:          st.Procs,
		AppendAfterSteps: restartStep / st.PlotGap,
		Params:           st.EngineParams,
	})
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer producer.Close()

	log.Info("simulation starting",
		"L", st.L, "procs", st.Procs, "steps", st.Steps,
		"plotgap", st.PlotGap, "engine", st.Engine, "output", st.Output)

	var g errgroup.Group
	for rank := 0; rank < st.Procs; rank++ {
		w := &simWorker{
			settings: st,
			topo:     topo,
			pg:       groups[rank],
			rank:     rank,
			log:      log.With("rank", rank),
			metrics:  NewPerfMetrics(rank),
		}
		if restored != nil {
			w.restored = restored[rank]
		}
		if managers != nil {
			w.ckpt = managers[rank]
		}
		if w.writer, err = producer.Writer(rank); err != nil {
			return err
		}
		g.Go(w.run)
	}
	return g.Wait()
}

// restoreGroup loads the latest checkpoint every rank has. Ranks can
// disagree on their newest record after a crash mid-checkpoint, so the
// group restores the newest step common to all of them.
func restoreGroup(st Settings, managers []*CheckpointManager) ([]*Field, int, error) {
	if !st.Restart {
		return nil, 0, nil
	}
	fields := make([]*Field, len(managers))
	common := math.MaxInt
	for r, m := range managers {
		f, step, err := m.RestoreLatest(math.MaxInt)
		if err != nil {
			return nil, 0, fmt.Errorf("restart rank %d: %w", r, err)
		}
		fields[r] = f
		if step < common {
			common = step
		}
	}
	for r, m := range managers {
		if fields[r].Step == common {
			continue
		}
		f, _, err := m.RestoreLatest(common)
		if err != nil {
			return nil, 0, fmt.Errorf("restart rank %d at step %d: %w", r, common, err)
		}
		fields[r] = f
	}
	return fields, common, nil
}

type simWorker struct {
	settings Settings
	topo     *Topology
	pg       procgroup.Group
	rank     int
	writer   stream.Writer
	ckpt     *CheckpointManager
	restored *Field
	log      *slog.Logger
	metrics  *PerfMetrics
}

func (w *simWorker) run() error {
	start := time.Now()
	stepper := NewStepper(w.settings, w.topo, w.pg, w.log)
	if w.restored != nil {
		if err := stepper.Restore(w.restored); err != nil {
			return err
		}
	} else {
		if err := stepper.Init(); err != nil {
			return err
		}
	}

	out, err := NewOutputWriter(w.writer, w.topo, w.rank)
	if err != nil {
		return err
	}
	defer out.Close()
	w.metrics.Init = time.Since(start)

	for stepper.State() != Terminated {
		t := time.Now()
		if err := stepper.Iterate(); err != nil {
			return err
		}
		step := stepper.CurrentStep()
		w.metrics.AddCompute(step, time.Since(t))

		if step%w.settings.PlotGap == 0 {
			t = time.Now()
			if err := out.Write(step, stepper.Field()); err != nil {
				return err
			}
			w.metrics.AddWrite(time.Since(t), out.Bytes())
			if w.rank == 0 {
				w.log.Info("output step published", "step", step)
			}
		}
		if w.ckpt != nil && w.settings.Checkpoint {
			t = time.Now()
			wrote, err := w.ckpt.MaybeCheckpoint(step, stepper.Field())
			if err != nil {
				return err
			}
			if wrote {
				w.metrics.AddCheckpoint(time.Since(t))
			}
		}
	}

	summary, err := w.metrics.Aggregate(w.pg)
	if err != nil {
		return err
	}
	if w.rank == 0 {
		summary.Log(w.log)
		if w.settings.MetricsCSV != "" {
			if err := w.metrics.WriteCSV(w.settings.MetricsCSV); err != nil {
				w.log.Warn("metrics csv not written", "error", err)
			}
		}
	}
	return nil
}
