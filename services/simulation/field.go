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

import "fmt"

// Field owns one rank's local sub-volume of the U and V scalar fields.
//
// Both arrays are dense 3D blocks of (SizeX+2) x (SizeY+2) x (SizeZ+2)
// cells, flattened with x fastest and z slowest. The extra cell on every
// face is the ghost border: interior cells [1..Size] hold this rank's
// authoritative values, ghost cells are stale copies of neighbor data
// refreshed by ExchangeHalos immediately before each use.
//
// Each rank exclusively owns its Field. Neighbors only ever see halo
// copies, never shared memory.
type Field struct {
	// SizeX, SizeY, SizeZ are the interior extents. The z axis is the
	// decomposed one; x and y span the full edge length.
	SizeX, SizeY, SizeZ int

	// OffsetZ is the global z index of the first interior plane.
	OffsetZ int

	// Rank is the owning rank in the simulation group.
	Rank int

	// U, V are the field arrays including the ghost border.
	U, V []float64

	// Step counts completed iterations, monotonically increasing.
	Step int
}

// NewField allocates the local field for the given rank.
func NewField(topo *Topology, rank int) *Field {
	start, count := topo.LocalExtent(rank)
	f := &Field{
		SizeX:   topo.L,
		SizeY:   topo.L,
		SizeZ:   count,
		OffsetZ: start,
		Rank:    rank,
	}
	n := (f.SizeX + 2) * (f.SizeY + 2) * (f.SizeZ + 2)
	f.U = make([]float64, n)
	f.V = make([]float64, n)
	return f
}

// Len returns the allocated cell count including ghosts.
func (f *Field) Len() int {
	return (f.SizeX + 2) * (f.SizeY + 2) * (f.SizeZ + 2)
}

// Index flattens ghost-inclusive coordinates: x, y, z in [0, Size+1].
func (f *Field) Index(x, y, z int) int {
	return x + y*(f.SizeX+2) + z*(f.SizeX+2)*(f.SizeY+2)
}

// Interior copies the interior cells of the given array (ghosts
// stripped) into a contiguous block ordered z-slowest, matching the
// global array layout written to the output stream.
func (f *Field) Interior(a []float64) []float64 {
	out := make([]float64, f.SizeX*f.SizeY*f.SizeZ)
	i := 0
	for z := 1; z <= f.SizeZ; z++ {
		for y := 1; y <= f.SizeY; y++ {
			row := f.Index(1, y, z)
			copy(out[i:i+f.SizeX], a[row:row+f.SizeX])
			i += f.SizeX
		}
	}
	return out
}

// zFace gathers the (SizeX x SizeY) interior plane at local z into a
// contiguous buffer for the halo exchange.
func (f *Field) zFace(a []float64, z int) []float64 {
	out := make([]float64, f.SizeX*f.SizeY)
	i := 0
	for y := 1; y <= f.SizeY; y++ {
		row := f.Index(1, y, z)
		copy(out[i:i+f.SizeX], a[row:row+f.SizeX])
		i += f.SizeX
	}
	return out
}

// setZFace scatters a received face buffer into the ghost plane at
// local z (0 or SizeZ+1).
func (f *Field) setZFace(a []float64, z int, face []float64) error {
	if len(face) != f.SizeX*f.SizeY {
		return fmt.Errorf("simulation: face size %d, want %d", len(face), f.SizeX*f.SizeY)
	}
	i := 0
	for y := 1; y <= f.SizeY; y++ {
		row := f.Index(1, y, z)
		copy(a[row:row+f.SizeX], face[i:i+f.SizeX])
		i += f.SizeX
	}
	return nil
}

// wrapLocalXY refreshes the x and y ghost planes from this rank's own
// interior. The in-plane axes are not decomposed, so a periodic domain
// wraps them locally without any communication.
func (f *Field) wrapLocalXY(a []float64) {
	sx, sy, sz := f.SizeX, f.SizeY, f.SizeZ
	for z := 1; z <= sz; z++ {
		for y := 1; y <= sy; y++ {
			a[f.Index(0, y, z)] = a[f.Index(sx, y, z)]
			a[f.Index(sx+1, y, z)] = a[f.Index(1, y, z)]
		}
		for x := 0; x <= sx+1; x++ {
			a[f.Index(x, 0, z)] = a[f.Index(x, sy, z)]
			a[f.Index(x, sy+1, z)] = a[f.Index(x, 1, z)]
		}
	}
}
