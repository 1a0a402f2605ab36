// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis consumes simulation output steps and reduces each
// field to per-slice probability density histograms.
package analysis

import (
	"errors"
	"log/slog"
	"math"
)

// RangeEpsilon is the degenerate-range threshold: when the global
// spread of a field, or the bin width derived from it, falls below
// this value every count lands in the middle bin instead of dividing
// by a near-zero width.
const RangeEpsilon = 1e-20

// DefaultBins is the histogram resolution when none is requested.
const DefaultBins = 1000

var errNoBins = errors.New("analysis: number of bins must be at least 1")

// ComputePDF builds one histogram per slice of a slab.
//
// Description:
//
//	The slab is nSlices consecutive slices of sliceSize values each.
//	min and max are the global extrema of the field across all ranks,
//	not the slab's own, so every rank bins against the same edges.
//	Values outside [min, max] cannot occur when the extrema are exact;
//	if they do appear they are counted in the nearest edge bin and
//	reported through the logger rather than dropped, so the histogram
//	mass always equals the slice size.
//
// Outputs:
//
//	pdf has nSlices*nbins counts, slice-major. bins has the nbins left
//	edges.
func ComputePDF(slab []float64, nSlices, sliceSize, nbins int, min, max float64, log *slog.Logger) (pdf, bins []float64, err error) {
	if nbins < 1 {
		return nil, nil, errNoBins
	}
	if len(slab) != nSlices*sliceSize {
		return nil, nil, errors.New("analysis: slab length does not match slice geometry")
	}
	pdf = make([]float64, nSlices*nbins)
	bins = make([]float64, nbins)

	if nbins == 1 {
		bins[0] = min
		for s := 0; s < nSlices; s++ {
			pdf[s] = float64(sliceSize)
		}
		return pdf, bins, nil
	}

	width := (max - min) / float64(nbins)
	for i := range bins {
		bins[i] = min + float64(i)*width
	}

	if max-min < RangeEpsilon || width < RangeEpsilon {
		// Degenerate range: the field is constant to machine noise,
		// everything goes in the middle bin.
		mid := nbins / 2
		for s := 0; s < nSlices; s++ {
			pdf[s*nbins+mid] = float64(sliceSize)
		}
		return pdf, bins, nil
	}

	for s := 0; s < nSlices; s++ {
		row := pdf[s*nbins : (s+1)*nbins]
		for i := 0; i < sliceSize; i++ {
			x := slab[s*sliceSize+i]
			bin := int(math.Floor((x - min) / width))
			if bin < 0 {
				log.Warn("value below histogram range", "value", x, "min", min, "slice", s)
				bin = 0
			} else if bin >= nbins {
				// value == max lands here and is expected.
				if x > max {
					log.Warn("value above histogram range", "value", x, "max", max, "slice", s)
				}
				bin = nbins - 1
			}
			row[bin]++
		}
	}
	return pdf, bins, nil
}

// Extrema returns the minimum and maximum of a slab. An empty slab
// yields (+Inf, -Inf), the identity for a min/max reduction.
func Extrema(slab []float64) (min, max float64) {
	min = math.Inf(1)
	max = math.Inf(-1)
	for _, x := range slab {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return min, max
}
