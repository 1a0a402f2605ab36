// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package procgroup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewLocalGroup verifies group construction and sizing.
func TestNewLocalGroup(t *testing.T) {
	groups, err := NewLocalGroup(4)
	require.NoError(t, err)
	require.Len(t, groups, 4)
	for r, g := range groups {
		assert.Equal(t, r, g.Rank())
		assert.Equal(t, 4, g.Size())
	}

	_, err = NewLocalGroup(0)
	assert.Error(t, err)
}

// TestSendRecvRing verifies a simultaneous ring exchange completes and
// delivers each rank's payload to its successor.
func TestSendRecvRing(t *testing.T) {
	const n = 4
	groups, err := NewLocalGroup(n)
	require.NoError(t, err)

	received := make([][]float64, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g := groups[r]
			next := (r + 1) % n
			prev := (r - 1 + n) % n
			got, err := g.SendRecv(next, []float64{float64(r), float64(r)}, prev)
			require.NoError(t, err)
			received[r] = got
		}(r)
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		prev := (r - 1 + n) % n
		assert.Equal(t, []float64{float64(prev), float64(prev)}, received[r])
	}
}

// TestSendRecvNullPeer verifies Null peers skip their side of the exchange.
func TestSendRecvNullPeer(t *testing.T) {
	groups, err := NewLocalGroup(2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]float64, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		// Rank 0: sends up to 1, no predecessor.
		got, err := groups[0].SendRecv(1, []float64{1.5}, Null)
		require.NoError(t, err)
		results[0] = got
	}()
	go func() {
		defer wg.Done()
		// Rank 1: no successor, receives from 0.
		got, err := groups[1].SendRecv(Null, []float64{9.9}, 0)
		require.NoError(t, err)
		results[1] = got
	}()
	wg.Wait()

	assert.Nil(t, results[0])
	assert.Equal(t, []float64{1.5}, results[1])
}

// TestSendRecvCopies verifies ranks never alias each other's buffers.
func TestSendRecvCopies(t *testing.T) {
	groups, err := NewLocalGroup(2)
	require.NoError(t, err)

	buf := []float64{1, 2, 3}
	var got []float64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := groups[0].SendRecv(1, buf, Null)
		require.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		var err error
		got, err = groups[1].SendRecv(Null, nil, 0)
		require.NoError(t, err)
	}()
	wg.Wait()

	buf[0] = 99
	assert.Equal(t, []float64{1, 2, 3}, got)
}

// TestSendRecvBadPeer verifies out-of-range peers are rejected.
func TestSendRecvBadPeer(t *testing.T) {
	groups, err := NewLocalGroup(2)
	require.NoError(t, err)

	_, err = groups[0].SendRecv(7, []float64{1}, Null)
	assert.ErrorIs(t, err, ErrBadPeer)

	_, err = groups[0].SendRecv(Null, nil, -3)
	assert.ErrorIs(t, err, ErrBadPeer)
}

// TestBarrierReusable verifies the barrier can be crossed repeatedly.
func TestBarrierReusable(t *testing.T) {
	const n = 3
	const rounds = 10
	groups, err := NewLocalGroup(n)
	require.NoError(t, err)

	counters := make([]int, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				counters[r]++
				groups[r].Barrier()
			}
		}(r)
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		assert.Equal(t, rounds, counters[r])
	}
}

// TestAllReduceOps verifies sum, min and max reductions on every rank.
func TestAllReduceOps(t *testing.T) {
	const n = 3
	tests := []struct {
		name string
		op   Op
		want []float64
	}{
		// Contributions per rank r: [r, 10-r]
		{"sum", OpSum, []float64{3, 27}},
		{"min", OpMin, []float64{0, 8}},
		{"max", OpMax, []float64{2, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups, err := NewLocalGroup(n)
			require.NoError(t, err)

			results := make([][]float64, n)
			var wg sync.WaitGroup
			for r := 0; r < n; r++ {
				wg.Add(1)
				go func(r int) {
					defer wg.Done()
					got, err := groups[r].AllReduce(tt.op, []float64{float64(r), float64(10 - r)})
					require.NoError(t, err)
					results[r] = got
				}(r)
			}
			wg.Wait()

			for r := 0; r < n; r++ {
				assert.Equal(t, tt.want, results[r])
			}
		})
	}
}

// TestReduceRootOnly verifies Reduce returns the result only on root.
func TestReduceRootOnly(t *testing.T) {
	const n = 4
	groups, err := NewLocalGroup(n)
	require.NoError(t, err)

	results := make([][]float64, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			got, err := groups[r].Reduce(OpSum, 0, []float64{1})
			require.NoError(t, err)
			results[r] = got
		}(r)
	}
	wg.Wait()

	assert.Equal(t, []float64{4}, results[0])
	for r := 1; r < n; r++ {
		assert.Nil(t, results[r])
	}
}

// TestReduceSequence verifies back-to-back collectives do not interfere.
func TestReduceSequence(t *testing.T) {
	const n = 2
	groups, err := NewLocalGroup(n)
	require.NoError(t, err)

	var wg sync.WaitGroup
	sums := make([]float64, n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g := groups[r]
			for i := 0; i < 5; i++ {
				got, err := g.AllReduce(OpSum, []float64{float64(i)})
				require.NoError(t, err)
				sums[r] += got[0]
			}
		}(r)
	}
	wg.Wait()

	// Each round sums i over both ranks: 2*i; total over 5 rounds = 20.
	assert.Equal(t, float64(20), sums[0])
	assert.Equal(t, float64(20), sums[1])
}
