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

	"github.com/AleutianAI/grayscott/services/procgroup"
)

// ExchangeHalos refreshes the ghost planes of both fields from the
// logical neighbors along the decomposed z axis.
//
// Description:
//
//	Two simultaneous bidirectional face transfers per field: the top
//	interior plane goes to the successor while the predecessor's top
//	plane arrives in the bottom ghost, then the mirror transfer fills
//	the top ghost. Under the periodic policy the ring wraps and the
//	in-plane x/y ghosts are refreshed from the local interior; under
//	fixed-zero the global boundary ghosts stay at zero.
//
//	This is a synchronization point: every rank in the group must call
//	ExchangeHalos the same number of times in the same order, and both
//	transfers complete before any dependent read. A rank skipping a
//	round deadlocks the group.
//
// Inputs:
//
//	pg - The process-group capability for this rank.
//	topo - The shared topology.
//	policy - Boundary policy at the global domain edge.
//
// Outputs:
//
//	error - Non-nil on transfer failure; fatal for the step.
func (f *Field) ExchangeHalos(pg procgroup.Group, topo *Topology, policy BoundaryPolicy) error {
	prev, next := topo.Neighbors(f.Rank, policy)

	for _, a := range [][]float64{f.U, f.V} {
		// Top plane up, predecessor's top plane into the bottom ghost.
		got, err := pg.SendRecv(next, f.zFace(a, f.SizeZ), prev)
		if err != nil {
			return fmt.Errorf("halo exchange up: %w", err)
		}
		if got != nil {
			if err := f.setZFace(a, 0, got); err != nil {
				return err
			}
		}

		// Bottom plane down, successor's bottom plane into the top ghost.
		got, err = pg.SendRecv(prev, f.zFace(a, 1), next)
		if err != nil {
			return fmt.Errorf("halo exchange down: %w", err)
		}
		if got != nil {
			if err := f.setZFace(a, f.SizeZ+1, got); err != nil {
				return err
			}
		}

		if policy == BoundaryPeriodic {
			f.wrapLocalXY(a)
		}
	}
	return nil
}
