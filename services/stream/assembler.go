// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"fmt"
	"sync"
)

// varDecl is one rank's immutable declaration of an array variable.
type varDecl struct {
	shape   []int
	flatOff int
	flatLen int
}

// Assembler merges the per-rank slab puts of a writer group into
// complete global step envelopes and hands each finished step to a
// publish function exactly once, in order.
//
// The last rank to end a step performs the publish (and absorbs any
// back-pressure blocking); a rank cannot begin step k+1 before step k
// is published, which keeps the writer group in lockstep.
//
// Thread Safety: safe for concurrent use by the writer rank goroutines.
type Assembler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	writers int
	publish func(*StepData) error

	// nextIndex is the stream index assigned to the next published
	// step; starts at the configured append offset.
	nextIndex int

	// decls[name][rank], frozen after the first BeginStep.
	decls   map[string]map[int]*varDecl
	scalars map[string]map[int]bool
	frozen  bool

	// Per-step assembly state. The group moves in lockstep:
	// endedSteps[rank] counts steps the rank has ended, published
	// counts steps fully published; a rank may only begin its next
	// step once the previous one is published.
	open       []bool
	ended      int
	endedSteps []int
	published  int
	pending    *StepData
	put        map[string]map[int]bool
	putScalar  map[string]bool
	closed     []bool
	done       bool
	pubErr     error
}

// NewAssembler creates an assembler for a writer group.
//
// Inputs:
//
//	writers - Number of producer ranks. Must be at least 1.
//	appendAfter - First stream index to publish (restart offset).
//	publish - Called with each completed step, in order. A blocking
//	publish propagates back-pressure to the writers.
func NewAssembler(writers, appendAfter int, publish func(*StepData) error) (*Assembler, error) {
	if writers < 1 {
		return nil, fmt.Errorf("stream: writer count must be at least 1, got %d", writers)
	}
	a := &Assembler{
		writers:    writers,
		publish:    publish,
		nextIndex:  appendAfter,
		decls:      map[string]map[int]*varDecl{},
		scalars:    map[string]map[int]bool{},
		open:       make([]bool, writers),
		endedSteps: make([]int, writers),
		closed:     make([]bool, writers),
	}
	a.cond = sync.NewCond(&a.mu)
	return a, nil
}

// Define records a rank's variable declaration. Declarations are
// immutable and must precede the first BeginStep.
func (a *Assembler) Define(rank int, name string, shape, offset, count []int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return fmt.Errorf("stream: variable %q declared after first step", name)
	}
	flatOff, flatLen, err := SlabRange(shape, offset, count)
	if err != nil {
		return fmt.Errorf("define %q: %w", name, err)
	}
	byRank, ok := a.decls[name]
	if !ok {
		byRank = map[int]*varDecl{}
		a.decls[name] = byRank
	} else {
		for _, d := range byRank {
			if !equalInts(d.shape, shape) {
				return fmt.Errorf("stream: variable %q declared with conflicting shapes", name)
			}
			break
		}
	}
	if _, dup := byRank[rank]; dup {
		return fmt.Errorf("stream: variable %q already declared by rank %d", name, rank)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	byRank[rank] = &varDecl{shape: s, flatOff: flatOff, flatLen: flatLen}
	return nil
}

// DefineScalar records a rank's scalar declaration.
func (a *Assembler) DefineScalar(rank int, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return fmt.Errorf("stream: scalar %q declared after first step", name)
	}
	byRank, ok := a.scalars[name]
	if !ok {
		byRank = map[int]bool{}
		a.scalars[name] = byRank
	}
	byRank[rank] = true
	return nil
}

// BeginStep opens the next step for a rank, blocking until the previous
// step has been published by the whole group.
func (a *Assembler) BeginStep(rank int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done || a.closed[rank] || a.open[rank] {
		return ErrClosed
	}
	for a.endedSteps[rank] > a.published {
		// This rank is ahead of the group; wait for the step it
		// already ended to publish before opening the next one.
		a.cond.Wait()
		if a.done || a.closed[rank] {
			return ErrClosed
		}
		if a.pubErr != nil {
			return a.pubErr
		}
	}
	a.frozen = true
	if a.pending == nil {
		a.startStepLocked()
	}
	a.open[rank] = true
	return nil
}

// startStepLocked allocates the assembly buffers for the next step.
func (a *Assembler) startStepLocked() {
	sd := &StepData{
		Index:   a.nextIndex,
		Vars:    map[string]*ArrayData{},
		Scalars: map[string]int64{},
	}
	for name, byRank := range a.decls {
		var shape []int
		for _, d := range byRank {
			shape = d.shape
			break
		}
		n := 1
		for _, e := range shape {
			n *= e
		}
		sd.Vars[name] = &ArrayData{Shape: shape, Data: make([]float64, n)}
	}
	a.pending = sd
	a.put = map[string]map[int]bool{}
	a.putScalar = map[string]bool{}
	a.ended = 0
}

// Put copies a rank's slab into the assembling step.
func (a *Assembler) Put(rank int, name string, data []float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open[rank] {
		return ErrNoStep
	}
	d, ok := a.decls[name][rank]
	if !ok {
		return fmt.Errorf("%w: %q (rank %d)", ErrUnknownVariable, name, rank)
	}
	if len(data) != d.flatLen {
		return fmt.Errorf("stream: put %q: %d values, declared count %d", name, len(data), d.flatLen)
	}
	copy(a.pending.Vars[name].Data[d.flatOff:d.flatOff+d.flatLen], data)
	byRank, ok := a.put[name]
	if !ok {
		byRank = map[int]bool{}
		a.put[name] = byRank
	}
	byRank[rank] = true
	return nil
}

// PutScalar stores a rank's scalar into the assembling step.
func (a *Assembler) PutScalar(rank int, name string, v int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open[rank] {
		return ErrNoStep
	}
	if !a.scalars[name][rank] {
		return fmt.Errorf("%w: scalar %q (rank %d)", ErrUnknownVariable, name, rank)
	}
	a.pending.Scalars[name] = v
	a.putScalar[name] = true
	return nil
}

// EndStep closes a rank's step. The last rank of the group verifies
// completeness and publishes.
//
// A declared variable left unput by this rank fails its own EndStep, so
// a partially populated step never reaches a consumer.
func (a *Assembler) EndStep(rank int) error {
	a.mu.Lock()
	if !a.open[rank] {
		a.mu.Unlock()
		return ErrNoStep
	}
	for name, byRank := range a.decls {
		if _, declared := byRank[rank]; declared && !a.put[name][rank] {
			a.mu.Unlock()
			return fmt.Errorf("%w: %q (rank %d)", ErrStepIncomplete, name, rank)
		}
	}
	for name, byRank := range a.scalars {
		if byRank[rank] && !a.putScalar[name] {
			a.mu.Unlock()
			return fmt.Errorf("%w: scalar %q (rank %d)", ErrStepIncomplete, name, rank)
		}
	}

	a.open[rank] = false
	a.endedSteps[rank]++
	a.ended++
	if a.ended < a.activeLocked() {
		a.mu.Unlock()
		return nil
	}

	// Last rank publishes. Drop the lock so the group cannot deadlock
	// against a blocking publish (readers release steps concurrently).
	sd := a.pending
	a.pending = nil
	a.nextIndex++
	a.mu.Unlock()

	err := a.publish(sd)

	a.mu.Lock()
	if err != nil {
		a.pubErr = err
	}
	a.published++
	a.cond.Broadcast()
	a.mu.Unlock()
	return err
}

// activeLocked counts writer ranks that have not closed.
func (a *Assembler) activeLocked() int {
	n := 0
	for _, c := range a.closed {
		if !c {
			n++
		}
	}
	return n
}

// CloseRank ends a rank's participation. When the last rank closes, the
// assembler is done and Done returns true.
func (a *Assembler) CloseRank(rank int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed[rank] {
		return a.done
	}
	a.closed[rank] = true
	if a.activeLocked() == 0 {
		a.done = true
	}
	a.cond.Broadcast()
	return a.done
}

// Err returns the first publish error, if any.
func (a *Assembler) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pubErr
}

// NextIndex returns the stream index the next published step will get.
func (a *Assembler) NextIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextIndex
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
