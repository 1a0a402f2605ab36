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
	"time"
)

// ArrayData is one assembled global array within a published step.
type ArrayData struct {
	// Shape is the global shape, slowest dimension first.
	Shape []int

	// Data is the flattened global array.
	Data []float64
}

// StepData is one published step envelope: assembled arrays plus
// scalars. Immutable once published.
type StepData struct {
	// Index is the stream step index, strictly increasing.
	Index int

	// Vars holds the assembled arrays by name.
	Vars map[string]*ArrayData

	// Scalars holds the integer scalars by name.
	Scalars map[string]int64
}

// Inquire returns the description of a variable in this step.
func (sd *StepData) Inquire(name string) (VarInfo, error) {
	v, ok := sd.Vars[name]
	if !ok {
		return VarInfo{}, fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	shape := make([]int, len(v.Shape))
	copy(shape, v.Shape)
	return VarInfo{Name: name, Shape: shape}, nil
}

// Get copies the selected contiguous slab out of a variable.
func (sd *StepData) Get(name string, offset, count []int) ([]float64, error) {
	v, ok := sd.Vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	off, n, err := SlabRange(v.Shape, offset, count)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	copy(out, v.Data[off:off+n])
	return out, nil
}

// GetScalar returns a scalar from this step.
func (sd *StepData) GetScalar(name string) (int64, error) {
	v, ok := sd.Scalars[name]
	if !ok {
		return 0, fmt.Errorf("%w: scalar %q", ErrUnknownVariable, name)
	}
	return v, nil
}

// SlabRange maps a slab selection onto a flat range of the global
// array. The decomposition is 1D, so a valid selection spans the full
// extent of every dimension except the first; slabs are then contiguous
// in the flattened layout.
func SlabRange(shape, offset, count []int) (flatOff, flatLen int, err error) {
	if len(offset) != len(shape) || len(count) != len(shape) {
		return 0, 0, fmt.Errorf("%w: selection rank %d/%d, shape rank %d",
			ErrBadSelection, len(offset), len(count), len(shape))
	}
	if len(shape) == 0 {
		return 0, 0, fmt.Errorf("%w: empty shape", ErrBadSelection)
	}
	inner := 1
	for d := 1; d < len(shape); d++ {
		if offset[d] != 0 || count[d] != shape[d] {
			return 0, 0, fmt.Errorf("%w: dimension %d must be selected whole (offset %d, count %d, extent %d)",
				ErrBadSelection, d, offset[d], count[d], shape[d])
		}
		inner *= shape[d]
	}
	if offset[0] < 0 || count[0] < 1 || offset[0]+count[0] > shape[0] {
		return 0, 0, fmt.Errorf("%w: slab [%d, %d) outside extent %d",
			ErrBadSelection, offset[0], offset[0]+count[0], shape[0])
	}
	return offset[0] * inner, count[0] * inner, nil
}

// Queue is the consumer-side staging buffer shared by the in-memory
// engines: published steps in order, per-reader cursors, release
// watermark pruning and bounded-depth back-pressure on the producer.
//
// Steps are addressed by ordinal (position in publish order), which can
// differ from StepData.Index when the stream was opened with an append
// offset.
//
// Thread Safety: safe for concurrent use.
type Queue struct {
	mu       chan struct{} // 1-token mutex so waits can time out cleanly
	depth    int
	readers  int
	base     int
	steps    []*StepData
	released []int
	total    int
	closed   bool
	notify   chan struct{}
}

// DefaultDepth is the buffered-step bound used when Config.Depth is 0.
const DefaultDepth = 4

// NewQueue creates a staging queue for the given reader count and
// depth. depth < 1 selects DefaultDepth.
func NewQueue(readers, depth int) *Queue {
	if depth < 1 {
		depth = DefaultDepth
	}
	if readers < 0 {
		readers = 0
	}
	q := &Queue{
		mu:       make(chan struct{}, 1),
		depth:    depth,
		readers:  readers,
		released: make([]int, readers),
		notify:   make(chan struct{}),
	}
	q.mu <- struct{}{}
	return q
}

func (q *Queue) lock()   { <-q.mu }
func (q *Queue) unlock() { q.mu <- struct{}{} }

// wake replaces the notify channel, releasing every waiter.
func (q *Queue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *Queue) minReleased() int {
	if q.readers == 0 {
		// No readers attached yet: nothing may be pruned, and the
		// producer hits back-pressure after depth steps until a
		// consumer arrives.
		return 0
	}
	min := q.released[0]
	for _, r := range q.released[1:] {
		if r < min {
			min = r
		}
	}
	return min
}

// AttachReaders declares the reader count after construction, for
// engines whose producer side may open (and publish) first. It may be
// called once, before any Release.
func (q *Queue) AttachReaders(readers int) error {
	q.lock()
	defer q.unlock()
	if q.readers != 0 {
		if q.readers == readers {
			return nil
		}
		return fmt.Errorf("stream: queue already attached with %d readers", q.readers)
	}
	if readers < 1 {
		return fmt.Errorf("stream: reader count must be at least 1, got %d", readers)
	}
	q.readers = readers
	q.released = make([]int, readers)
	q.wake()
	return nil
}

// Detach removes a reader from the release watermark so a closed
// consumer cannot strand the producer.
func (q *Queue) Detach(reader int) {
	q.lock()
	if reader < 0 || reader >= len(q.released) {
		q.unlock()
		return
	}
	q.released[reader] = int(^uint(0) >> 1)
	for min := q.minReleased(); q.base < min && len(q.steps) > 0; {
		q.steps = q.steps[1:]
		q.base++
	}
	q.wake()
	q.unlock()
}

// Publish appends a step, blocking while the slowest reader lags by the
// configured depth (back-pressure).
func (q *Queue) Publish(sd *StepData) error {
	q.lock()
	for {
		if q.closed {
			q.unlock()
			return ErrClosed
		}
		if q.total-q.minReleased() < q.depth {
			break
		}
		ch := q.notify
		q.unlock()
		<-ch
		q.lock()
	}
	q.steps = append(q.steps, sd)
	q.total++
	q.wake()
	q.unlock()
	return nil
}

// Close marks the end of the stream. Readers past the last published
// step observe EndOfStream.
func (q *Queue) Close() {
	q.lock()
	if !q.closed {
		q.closed = true
		q.wake()
	}
	q.unlock()
}

// Next returns the step at the given ordinal.
//
// timeout semantics: negative blocks until the step arrives or the
// stream closes; zero polls; positive bounds the wait. NotReady means
// the step was not published in time.
func (q *Queue) Next(ordinal int, timeout time.Duration) (*StepData, Status) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	q.lock()
	for {
		if ordinal < q.total {
			i := ordinal - q.base
			if i < 0 {
				// Released steps are pruned; re-reading one is a
				// protocol violation by the caller.
				q.unlock()
				return nil, Fail
			}
			sd := q.steps[i]
			q.unlock()
			return sd, Ready
		}
		if q.closed {
			q.unlock()
			return nil, EndOfStream
		}
		ch := q.notify
		q.unlock()

		if timeout >= 0 {
			remain := time.Until(deadline)
			if remain <= 0 {
				return nil, NotReady
			}
			timer := time.NewTimer(remain)
			select {
			case <-ch:
				timer.Stop()
			case <-timer.C:
				return nil, NotReady
			}
		} else {
			<-ch
		}
		q.lock()
	}
}

// Release marks the reader as done with all ordinals up to and
// including the given one, and prunes steps every reader has released.
func (q *Queue) Release(reader, ordinal int) {
	q.lock()
	if reader < 0 || reader >= q.readers {
		q.unlock()
		return
	}
	if ordinal+1 > q.released[reader] {
		q.released[reader] = ordinal + 1
	}
	for min := q.minReleased(); q.base < min && len(q.steps) > 0; {
		q.steps = q.steps[1:]
		q.base++
	}
	q.wake()
	q.unlock()
}

// Total returns the number of published steps so far.
func (q *Queue) Total() int {
	q.lock()
	defer q.unlock()
	return q.total
}
