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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/grayscott/services/procgroup"
)

// cellTag encodes global coordinates into a unique value so a halo
// test can verify exactly which cell landed in each ghost.
func cellTag(gx, gy, gz int) float64 {
	return float64(gz*10000 + gy*100 + gx)
}

// fillTagged writes cellTag into every interior cell of U.
func fillTagged(f *Field) {
	for z := 1; z <= f.SizeZ; z++ {
		gz := f.OffsetZ + z - 1
		for y := 1; y <= f.SizeY; y++ {
			for x := 1; x <= f.SizeX; x++ {
				f.U[f.Index(x, y, z)] = cellTag(x-1, y-1, gz)
			}
		}
	}
}

// exchangeAll runs the collective halo exchange across all ranks.
func exchangeAll(t *testing.T, fields []*Field, groups []procgroup.Group, topo *Topology, policy BoundaryPolicy) {
	t.Helper()
	var g errgroup.Group
	for r := range fields {
		r := r
		g.Go(func() error {
			return fields[r].ExchangeHalos(groups[r], topo, policy)
		})
	}
	require.NoError(t, g.Wait())
}

// TestExchangeHalosPeriodic verifies every ghost plane carries the
// periodic neighbor's boundary values after one exchange.
func TestExchangeHalosPeriodic(t *testing.T) {
	const l, procs = 6, 3
	topo, err := NewTopology(l, procs)
	require.NoError(t, err)
	groups, err := procgroup.NewLocalGroup(procs)
	require.NoError(t, err)

	fields := make([]*Field, procs)
	for r := 0; r < procs; r++ {
		fields[r] = NewField(topo, r)
		fillTagged(fields[r])
	}
	exchangeAll(t, fields, groups, topo, BoundaryPeriodic)

	for r, f := range fields {
		prevZ := (f.OffsetZ - 1 + l) % l
		nextZ := (f.OffsetZ + f.SizeZ) % l
		for y := 1; y <= f.SizeY; y++ {
			for x := 1; x <= f.SizeX; x++ {
				assert.Equal(t, cellTag(x-1, y-1, prevZ), f.U[f.Index(x, y, 0)],
					"rank %d low ghost at x=%d y=%d", r, x, y)
				assert.Equal(t, cellTag(x-1, y-1, nextZ), f.U[f.Index(x, y, f.SizeZ+1)],
					"rank %d high ghost at x=%d y=%d", r, x, y)
			}
		}

		// In-plane axes wrap locally from this rank's own interior.
		for z := 1; z <= f.SizeZ; z++ {
			gz := f.OffsetZ + z - 1
			assert.Equal(t, cellTag(f.SizeX-1, 0, gz), f.U[f.Index(0, 1, z)], "rank %d x wrap", r)
			assert.Equal(t, cellTag(0, 0, gz), f.U[f.Index(f.SizeX+1, 1, z)], "rank %d x wrap high", r)
			assert.Equal(t, cellTag(0, f.SizeY-1, gz), f.U[f.Index(1, 0, z)], "rank %d y wrap", r)
			assert.Equal(t, cellTag(0, 0, gz), f.U[f.Index(1, f.SizeY+1, z)], "rank %d y wrap high", r)
		}
	}
}

// TestExchangeHalosFixedZero verifies interior rank boundaries still
// exchange while the global domain boundary ghosts stay zero.
func TestExchangeHalosFixedZero(t *testing.T) {
	const l, procs = 6, 3
	topo, err := NewTopology(l, procs)
	require.NoError(t, err)
	groups, err := procgroup.NewLocalGroup(procs)
	require.NoError(t, err)

	fields := make([]*Field, procs)
	for r := 0; r < procs; r++ {
		fields[r] = NewField(topo, r)
		fillTagged(fields[r])
	}
	exchangeAll(t, fields, groups, topo, BoundaryFixedZero)

	first, last := fields[0], fields[procs-1]
	for y := 1; y <= first.SizeY; y++ {
		for x := 1; x <= first.SizeX; x++ {
			assert.Zero(t, first.U[first.Index(x, y, 0)], "global low boundary must stay zero")
			assert.Zero(t, last.U[last.Index(x, y, last.SizeZ+1)], "global high boundary must stay zero")
		}
	}

	mid := fields[1]
	prevZ := mid.OffsetZ - 1
	for y := 1; y <= mid.SizeY; y++ {
		for x := 1; x <= mid.SizeX; x++ {
			assert.Equal(t, cellTag(x-1, y-1, prevZ), mid.U[mid.Index(x, y, 0)])
		}
	}
}

// TestExchangeHalosSingleRank verifies a one-rank periodic domain
// exchanges with itself without deadlocking.
func TestExchangeHalosSingleRank(t *testing.T) {
	topo, err := NewTopology(4, 1)
	require.NoError(t, err)
	groups, err := procgroup.NewLocalGroup(1)
	require.NoError(t, err)

	f := NewField(topo, 0)
	fillTagged(f)
	require.NoError(t, f.ExchangeHalos(groups[0], topo, BoundaryPeriodic))

	for y := 1; y <= f.SizeY; y++ {
		for x := 1; x <= f.SizeX; x++ {
			assert.Equal(t, cellTag(x-1, y-1, 3), f.U[f.Index(x, y, 0)])
			assert.Equal(t, cellTag(x-1, y-1, 0), f.U[f.Index(x, y, f.SizeZ+1)])
		}
	}
}
