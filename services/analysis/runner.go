// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/grayscott/services/procgroup"
	"github.com/AleutianAI/grayscott/services/simulation"
	"github.com/AleutianAI/grayscott/services/stream"
)

// Config drives one analysis run.
type Config struct {
	// Input is the stream the simulation publishes to. Readers is set
	// from Ranks.
	Input stream.Config

	// Output is the stream the histograms are published to. Writers
	// is set from Ranks.
	Output stream.Config

	// Ranks is the number of analysis workers splitting the slowest
	// array dimension.
	Ranks int

	// Bins is the histogram resolution. 0 selects DefaultBins.
	Bins int

	// Passthrough republishes the raw U and V fields next to the
	// histograms.
	Passthrough bool

	// StepTimeout bounds each wait for the next input step. 0 selects
	// 10 seconds.
	StepTimeout time.Duration
}

const defaultStepTimeout = 10 * time.Second

// Run consumes the input stream until end of stream, reducing every
// step to per-slice histograms of U and V. It blocks until the stream
// ends or a worker fails.
func Run(cfg Config, log *slog.Logger) error {
	if cfg.Ranks < 1 {
		return fmt.Errorf("analysis: rank count must be at least 1, got %d", cfg.Ranks)
	}
	if cfg.Bins == 0 {
		cfg.Bins = DefaultBins
	}
	if cfg.Bins < 1 {
		return errNoBins
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	cfg.Input.Readers = cfg.Ranks
	cfg.Output.Writers = cfg.Ranks

	consumer, err := stream.OpenConsumer(cfg.Input)
	if err != nil {
		return fmt.Errorf("analysis: open input stream: %w", err)
	}
	defer consumer.Close()

	producer, err := stream.OpenProducer(cfg.Output)
	if err != nil {
		return fmt.Errorf("analysis: open output stream: %w", err)
	}
	defer producer.Close()

	groups, err := procgroup.NewLocalGroup(cfg.Ranks)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for rank := 0; rank < cfg.Ranks; rank++ {
		w := &worker{
			cfg:  cfg,
			pg:   groups[rank],
			rank: rank,
			log:  log.With("analysis_rank", rank),
		}
		if w.reader, err = consumer.Reader(rank); err != nil {
			return err
		}
		if w.writer, err = producer.Writer(rank); err != nil {
			return err
		}
		g.Go(w.run)
	}
	return g.Wait()
}

type worker struct {
	cfg    Config
	pg     procgroup.Group
	rank   int
	reader stream.Reader
	writer stream.Writer
	log    *slog.Logger

	defined bool
}

func (w *worker) run() error {
	defer w.reader.Close()
	defer w.writer.Close()

	for {
		status, err := w.reader.BeginStep(w.cfg.StepTimeout)
		if err != nil {
			return fmt.Errorf("analysis: begin step: %w", err)
		}
		switch status {
		case stream.NotReady:
			w.log.Debug("input step not ready, retrying")
			continue
		case stream.EndOfStream:
			w.log.Info("input stream ended")
			return nil
		case stream.Fail:
			return errors.New("analysis: input stream failed")
		}
		if err := w.process(); err != nil {
			return err
		}
	}
}

// process handles one Ready input step end to end.
func (w *worker) process() error {
	step := w.reader.CurrentStep()

	info, err := w.reader.Inquire("U")
	if err != nil {
		return fmt.Errorf("analysis: inquire U at step %d: %w", step, err)
	}
	if len(info.Shape) != 3 {
		return fmt.Errorf("analysis: variable U has rank %d, expected a 3-dimensional field", len(info.Shape))
	}
	shape := info.Shape

	topo, err := simulation.NewTopology(shape[0], w.cfg.Ranks)
	if err != nil {
		return fmt.Errorf("analysis: split %d slices over %d ranks: %w", shape[0], w.cfg.Ranks, err)
	}
	start, count := topo.LocalExtent(w.rank)
	offset := []int{start, 0, 0}
	sel := []int{count, shape[1], shape[2]}

	u, err := w.reader.Get("U", offset, sel)
	if err != nil {
		return fmt.Errorf("analysis: get U at step %d: %w", step, err)
	}
	v, err := w.reader.Get("V", offset, sel)
	if err != nil {
		return fmt.Errorf("analysis: get V at step %d: %w", step, err)
	}
	simStep, err := w.reader.GetScalar("step")
	if err != nil {
		return fmt.Errorf("analysis: get step scalar at step %d: %w", step, err)
	}
	// Data is copied out, release the input step before computing so
	// the producer can reuse the slot.
	if err := w.reader.EndStep(); err != nil {
		return fmt.Errorf("analysis: end input step %d: %w", step, err)
	}

	umin, umax := Extrema(u)
	vmin, vmax := Extrema(v)
	mins, err := w.pg.AllReduce(procgroup.OpMin, []float64{umin, vmin})
	if err != nil {
		return fmt.Errorf("analysis: reduce minima: %w", err)
	}
	maxs, err := w.pg.AllReduce(procgroup.OpMax, []float64{umax, vmax})
	if err != nil {
		return fmt.Errorf("analysis: reduce maxima: %w", err)
	}

	sliceSize := shape[1] * shape[2]
	updf, ubins, err := ComputePDF(u, count, sliceSize, w.cfg.Bins, mins[0], maxs[0], w.log)
	if err != nil {
		return err
	}
	vpdf, vbins, err := ComputePDF(v, count, sliceSize, w.cfg.Bins, mins[1], maxs[1], w.log)
	if err != nil {
		return err
	}

	if !w.defined {
		if err := w.define(shape, start, count); err != nil {
			return err
		}
		// Definitions freeze at the group's first BeginStep, so no
		// rank may open a step before every rank has defined. All
		// ranks reach this branch on the first input step.
		w.pg.Barrier()
		w.defined = true
	}

	if err := w.writer.BeginStep(); err != nil {
		return fmt.Errorf("analysis: begin output step: %w", err)
	}
	if err := w.writer.Put("U/pdf", updf); err != nil {
		return err
	}
	if err := w.writer.Put("V/pdf", vpdf); err != nil {
		return err
	}
	if w.rank == 0 {
		if err := w.writer.Put("U/bins", ubins); err != nil {
			return err
		}
		if err := w.writer.Put("V/bins", vbins); err != nil {
			return err
		}
		if err := w.writer.PutScalar("step", simStep); err != nil {
			return err
		}
	}
	if w.cfg.Passthrough {
		if err := w.writer.Put("U", u); err != nil {
			return err
		}
		if err := w.writer.Put("V", v); err != nil {
			return err
		}
	}
	if err := w.writer.EndStep(); err != nil {
		return fmt.Errorf("analysis: end output step: %w", err)
	}
	w.log.Info("histogram step published", "step", step, "sim_step", simStep)
	return nil
}

// define declares the output variables once, after the input geometry
// is known from the first step.
func (w *worker) define(shape []int, start, count int) error {
	nbins := w.cfg.Bins
	pdfShape := []int{shape[0], nbins}
	pdfOffset := []int{start, 0}
	pdfSel := []int{count, nbins}

	for _, name := range []string{"U/pdf", "V/pdf"} {
		if err := w.writer.Define(name, pdfShape, pdfOffset, pdfSel); err != nil {
			return fmt.Errorf("analysis: define %s: %w", name, err)
		}
	}
	if w.rank == 0 {
		binShape := []int{nbins}
		for _, name := range []string{"U/bins", "V/bins"} {
			if err := w.writer.Define(name, binShape, []int{0}, binShape); err != nil {
				return fmt.Errorf("analysis: define %s: %w", name, err)
			}
		}
		if err := w.writer.DefineScalar("step"); err != nil {
			return fmt.Errorf("analysis: define step scalar: %w", err)
		}
	}
	if w.cfg.Passthrough {
		offset := []int{start, 0, 0}
		sel := []int{count, shape[1], shape[2]}
		for _, name := range []string{"U", "V"} {
			if err := w.writer.Define(name, shape, offset, sel); err != nil {
				return fmt.Errorf("analysis: define %s passthrough: %w", name, err)
			}
		}
	}
	return nil
}
