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

	"github.com/AleutianAI/grayscott/services/procgroup"
)

// ErrEmptySlab is returned when the rank count exceeds the grid edge,
// which would leave at least one rank with an empty sub-volume.
var ErrEmptySlab = errors.New("simulation: process count exceeds grid edge, slab would be empty")

// Topology maps the global L x L x L grid onto a logical process mesh.
//
// The decomposition is 1D: npx = npy = 1, npz = P, slabs cut along the z
// axis (the slowest-varying, outermost dimension of the stored arrays).
// All but the last rank get L/P planes; the last rank absorbs the
// remainder.
//
// Thread Safety: immutable after construction.
type Topology struct {
	// L is the global cubic grid edge length.
	L int

	// Procs is the number of ranks sharing the grid.
	Procs int

	// NPX, NPY, NPZ are the logical process mesh dimensions.
	NPX, NPY, NPZ int
}

// NewTopology derives the process mesh for P ranks over edge length L.
//
// Outputs:
//
//	*Topology - The derived topology.
//	error - ErrEmptySlab when P > L (configuration error).
func NewTopology(l, procs int) (*Topology, error) {
	if l < 1 || procs < 1 {
		return nil, fmt.Errorf("simulation: topology needs positive L and procs, got L=%d procs=%d", l, procs)
	}
	if procs > l {
		return nil, fmt.Errorf("%w: L=%d procs=%d", ErrEmptySlab, l, procs)
	}
	return &Topology{L: l, Procs: procs, NPX: 1, NPY: 1, NPZ: procs}, nil
}

// LocalExtent returns (start, count) along the decomposed z axis for the
// given rank. Counts over all ranks sum to L and slabs are contiguous
// and non-overlapping.
func (t *Topology) LocalExtent(rank int) (start, count int) {
	count = t.L / t.Procs
	start = count * rank
	if rank == t.Procs-1 {
		// Last rank absorbs the remainder.
		count = t.L - count*(t.Procs-1)
	}
	return start, count
}

// Neighbors returns the predecessor and successor ranks along the
// decomposed axis under the given boundary policy. At the global
// boundary a periodic domain wraps; fixed-zero yields procgroup.Null so
// the exchange skips that side while staying collectively symmetric.
func (t *Topology) Neighbors(rank int, policy BoundaryPolicy) (prev, next int) {
	prev = rank - 1
	next = rank + 1
	if policy == BoundaryPeriodic {
		if prev < 0 {
			prev = t.Procs - 1
		}
		if next >= t.Procs {
			next = 0
		}
		return prev, next
	}
	if prev < 0 {
		prev = procgroup.Null
	}
	if next >= t.Procs {
		next = procgroup.Null
	}
	return prev, next
}
