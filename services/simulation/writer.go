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

	"github.com/AleutianAI/grayscott/services/stream"
)

// OutputWriter publishes a rank's slab of U and V to the output stream
// on the plot cadence. The global arrays are (L, L, L) in z, y, x
// order, cut into contiguous slabs along the first dimension, so each
// rank contributes the ghost-free interior of its field.
type OutputWriter struct {
	w    stream.Writer
	topo *Topology
	rank int
}

// NewOutputWriter declares the variables for one rank on the stream
// writer. Rank 0 additionally owns the step scalar.
func NewOutputWriter(w stream.Writer, topo *Topology, rank int) (*OutputWriter, error) {
	start, count := topo.LocalExtent(rank)
	shape := []int{topo.L, topo.L, topo.L}
	offset := []int{start, 0, 0}
	sel := []int{count, topo.L, topo.L}

	for _, name := range []string{"U", "V"} {
		if err := w.Define(name, shape, offset, sel); err != nil {
			return nil, fmt.Errorf("define %s: %w", name, err)
		}
	}
	if rank == 0 {
		if err := w.DefineScalar("step"); err != nil {
			return nil, fmt.Errorf("define step scalar: %w", err)
		}
	}
	return &OutputWriter{w: w, topo: topo, rank: rank}, nil
}

// Write publishes one output step for this rank's slab.
func (o *OutputWriter) Write(step int, f *Field) error {
	if err := o.w.BeginStep(); err != nil {
		return fmt.Errorf("begin output step %d: %w", step, err)
	}
	if err := o.w.Put("U", f.Interior(f.U)); err != nil {
		return fmt.Errorf("put U at step %d: %w", step, err)
	}
	if err := o.w.Put("V", f.Interior(f.V)); err != nil {
		return fmt.Errorf("put V at step %d: %w", step, err)
	}
	if o.rank == 0 {
		if err := o.w.PutScalar("step", int64(step)); err != nil {
			return fmt.Errorf("put step scalar at step %d: %w", step, err)
		}
	}
	if err := o.w.EndStep(); err != nil {
		return fmt.Errorf("end output step %d: %w", step, err)
	}
	return nil
}

// Bytes reports the payload size of one Write for this rank.
func (o *OutputWriter) Bytes() int {
	_, count := o.topo.LocalExtent(o.rank)
	return 2 * 8 * count * o.topo.L * o.topo.L
}

// Close closes the underlying stream writer.
func (o *OutputWriter) Close() error {
	return o.w.Close()
}
