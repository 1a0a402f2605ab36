// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package procgroup provides the process-group capability used for all
// cross-rank coordination in the pipeline.
//
// A Group is an explicit capability object passed to any component that
// needs to exchange data with, or synchronize against, its peer ranks:
// halo exchange, min/max reduction for the PDF range, metrics aggregation
// at shutdown, and barriers. There is no ambient global communication
// state; a component without a Group cannot communicate.
//
// All operations are blocking with respect to the calling goroutine and
// collective operations must be entered by every member in the same
// order. A rank that skips a round deadlocks the group; keeping every
// code path collectively symmetric is the caller's responsibility.
//
// The in-process implementation (NewLocalGroup) connects n ranks running
// as goroutines in one address space. Ranks still only ever see copies of
// each other's data: SendRecv hands over freshly allocated slices, never
// aliases into a peer's arrays.
package procgroup

import (
	"errors"
	"fmt"
	"sync"
)

// Null is the peer value meaning "no neighbor in this direction".
//
// A SendRecv against Null skips that side of the exchange, mirroring the
// shape of the call on interior ranks so code paths stay collectively
// symmetric at the global boundary.
const Null = -1

// Op identifies a reduction operator.
type Op int

const (
	// OpSum adds contributions element-wise.
	OpSum Op = iota

	// OpMin takes the element-wise minimum.
	OpMin

	// OpMax takes the element-wise maximum.
	OpMax
)

// ErrBadPeer is returned when a peer rank is outside [0, Size) and not Null.
var ErrBadPeer = errors.New("procgroup: peer rank out of range")

// Group is the cross-rank coordination capability.
//
// All methods are blocking calls with respect to the calling goroutine.
// Collective calls (Barrier, Reduce, AllReduce) must be invoked by every
// member of the group in the same order.
type Group interface {
	// Rank returns this member's rank in [0, Size).
	Rank() int

	// Size returns the number of members in the group.
	Size() int

	// SendRecv performs a simultaneous bidirectional point-to-point
	// exchange: send is delivered to rank sendTo while a buffer is
	// received from rank recvFrom. Either peer may be Null, in which
	// case that side of the exchange is skipped and the received
	// buffer is nil. Both transfers complete before SendRecv returns.
	SendRecv(sendTo int, send []float64, recvFrom int) ([]float64, error)

	// Barrier blocks until every member has entered the barrier.
	Barrier()

	// Reduce combines vals element-wise across all members with op.
	// The combined result is returned on root; other ranks get nil.
	Reduce(op Op, root int, vals []float64) ([]float64, error)

	// AllReduce combines vals element-wise across all members with op
	// and returns the combined result on every rank.
	AllReduce(op Op, vals []float64) ([]float64, error)
}

// shared holds the state common to all members of a local group.
type shared struct {
	size int

	// mail[dst][src] carries one in-flight message from src to dst.
	// Capacity 1 lets a symmetric SendRecv pair both send before
	// either receives, which is what makes the bidirectional
	// exchange deadlock-free.
	mail [][]chan []float64

	// barrier state: generation counting so the barrier is reusable.
	mu      sync.Mutex
	cond    *sync.Cond
	waiting int
	gen     uint64

	// reduce scratch: one contribution slot per rank, plus the
	// folded result published between the two barrier phases.
	contrib [][]float64
	result  []float64
}

// member is one rank's view of a local group.
type member struct {
	rank int
	s    *shared
}

// NewLocalGroup creates a fully connected in-process group of n members.
//
// Description:
//
//	Returns n Group handles, one per rank, wired to common channel and
//	barrier state. Each handle must be used by exactly one goroutine.
//
// Inputs:
//
//	n - Number of ranks. Must be at least 1.
//
// Outputs:
//
//	[]Group - Handles indexed by rank.
//	error - Non-nil if n < 1.
func NewLocalGroup(n int) ([]Group, error) {
	if n < 1 {
		return nil, fmt.Errorf("procgroup: group size must be at least 1, got %d", n)
	}
	s := &shared{
		size:    n,
		mail:    make([][]chan []float64, n),
		contrib: make([][]float64, n),
	}
	s.cond = sync.NewCond(&s.mu)
	for dst := 0; dst < n; dst++ {
		s.mail[dst] = make([]chan []float64, n)
		for src := 0; src < n; src++ {
			s.mail[dst][src] = make(chan []float64, 1)
		}
	}
	groups := make([]Group, n)
	for r := 0; r < n; r++ {
		groups[r] = &member{rank: r, s: s}
	}
	return groups, nil
}

func (m *member) Rank() int { return m.rank }

func (m *member) Size() int { return m.s.size }

func (m *member) checkPeer(peer int) error {
	if peer == Null {
		return nil
	}
	if peer < 0 || peer >= m.s.size {
		return fmt.Errorf("%w: %d (size %d)", ErrBadPeer, peer, m.s.size)
	}
	return nil
}

// SendRecv exchanges buffers with two (possibly distinct) peers.
//
// The send is copied before handoff so the caller may reuse its buffer
// immediately; the received slice is owned by the caller.
func (m *member) SendRecv(sendTo int, send []float64, recvFrom int) ([]float64, error) {
	if err := m.checkPeer(sendTo); err != nil {
		return nil, err
	}
	if err := m.checkPeer(recvFrom); err != nil {
		return nil, err
	}

	if sendTo != Null {
		out := make([]float64, len(send))
		copy(out, send)
		m.s.mail[sendTo][m.rank] <- out
	}
	if recvFrom == Null {
		return nil, nil
	}
	return <-m.s.mail[m.rank][recvFrom], nil
}

// Barrier blocks until all members arrive.
func (m *member) Barrier() {
	s := m.s
	s.mu.Lock()
	gen := s.gen
	s.waiting++
	if s.waiting == s.size {
		s.waiting = 0
		s.gen++
		s.cond.Broadcast()
	} else {
		for gen == s.gen {
			s.cond.Wait()
		}
	}
	s.mu.Unlock()
}

// Reduce folds contributions on the root rank.
func (m *member) Reduce(op Op, root int, vals []float64) ([]float64, error) {
	if root < 0 || root >= m.s.size {
		return nil, fmt.Errorf("%w: root %d (size %d)", ErrBadPeer, root, m.s.size)
	}
	res, err := m.allReduce(op, vals)
	if err != nil {
		return nil, err
	}
	if m.rank != root {
		return nil, nil
	}
	return res, nil
}

// AllReduce folds contributions and returns the result on every rank.
func (m *member) AllReduce(op Op, vals []float64) ([]float64, error) {
	return m.allReduce(op, vals)
}

func (m *member) allReduce(op Op, vals []float64) ([]float64, error) {
	s := m.s

	// Phase 1: publish contributions, wait for everyone.
	own := make([]float64, len(vals))
	copy(own, vals)
	s.mu.Lock()
	s.contrib[m.rank] = own
	s.mu.Unlock()
	m.Barrier()

	// Phase 2: rank 0 folds, everyone waits for the result.
	if m.rank == 0 {
		folded, err := fold(op, s.contrib)
		s.mu.Lock()
		if err != nil {
			s.result = nil
		} else {
			s.result = folded
		}
		s.mu.Unlock()
	}
	m.Barrier()

	s.mu.Lock()
	folded := s.result
	s.mu.Unlock()
	if folded == nil {
		return nil, errors.New("procgroup: reduction failed, mismatched contribution lengths")
	}
	out := make([]float64, len(folded))
	copy(out, folded)

	// Phase 3: keep scratch state quiescent before the next collective.
	m.Barrier()
	return out, nil
}

// fold combines per-rank contributions element-wise.
func fold(op Op, contrib [][]float64) ([]float64, error) {
	n := len(contrib[0])
	for _, c := range contrib {
		if len(c) != n {
			return nil, fmt.Errorf("procgroup: contribution length %d, want %d", len(c), n)
		}
	}
	out := make([]float64, n)
	copy(out, contrib[0])
	for _, c := range contrib[1:] {
		for i, v := range c {
			switch op {
			case OpSum:
				out[i] += v
			case OpMin:
				if v < out[i] {
					out[i] = v
				}
			case OpMax:
				if v > out[i] {
					out[i] = v
				}
			}
		}
	}
	return out, nil
}
