// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memq implements the in-memory streaming engine: producer and
// consumer share a bounded staging queue inside one process.
//
// Streams are addressed by name in a process-wide registry, so the
// producer and consumer sides rendezvous the way two processes would on
// a file path. The producer blocks on EndStep once it is Depth steps
// ahead of the slowest reader (back-pressure).
//
// Register with a blank import:
//
//	import _ "github.com/AleutianAI/grayscott/services/stream/memq"
package memq

import (
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/grayscott/services/stream"
)

func init() {
	stream.Register("memq", engine{})
}

type engine struct{}

var (
	regMu     sync.Mutex
	instances = map[string]*instance{}
)

// instance is one named stream shared by its producer and consumer
// sides. It lives for the remainder of the process once created.
type instance struct {
	name string
	q    *stream.Queue

	mu       sync.Mutex
	asm      *stream.Assembler
	producer bool
	consumer bool
}

func getInstance(name string, depth int) *instance {
	regMu.Lock()
	defer regMu.Unlock()
	inst, ok := instances[name]
	if !ok {
		inst = &instance{
			name: name,
			q:    stream.NewQueue(0, depth),
		}
		instances[name] = inst
	}
	return inst
}

// OpenProducer opens the write side of the named stream.
func (engine) OpenProducer(cfg stream.Config) (stream.Producer, error) {
	if cfg.Writers < 1 {
		return nil, fmt.Errorf("memq: writer count must be at least 1, got %d", cfg.Writers)
	}
	inst := getInstance(cfg.Target, cfg.Depth)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.producer {
		return nil, fmt.Errorf("memq: stream %q already has a producer", cfg.Target)
	}
	asm, err := stream.NewAssembler(cfg.Writers, cfg.AppendAfterSteps, inst.q.Publish)
	if err != nil {
		return nil, err
	}
	inst.asm = asm
	inst.producer = true

	return &producer{inst: inst, writers: cfg.Writers}, nil
}

// OpenConsumer opens the read side of the named stream.
func (engine) OpenConsumer(cfg stream.Config) (stream.Consumer, error) {
	if cfg.Readers < 1 {
		return nil, fmt.Errorf("memq: reader count must be at least 1, got %d", cfg.Readers)
	}
	inst := getInstance(cfg.Target, cfg.Depth)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.consumer {
		return nil, fmt.Errorf("memq: stream %q already has a consumer", cfg.Target)
	}
	if err := inst.q.AttachReaders(cfg.Readers); err != nil {
		return nil, err
	}
	inst.consumer = true

	return &consumer{inst: inst, readers: cfg.Readers}, nil
}

type producer struct {
	inst    *instance
	writers int
}

func (p *producer) Writer(rank int) (stream.Writer, error) {
	if rank < 0 || rank >= p.writers {
		return nil, fmt.Errorf("memq: writer rank %d outside [0, %d)", rank, p.writers)
	}
	return &writer{inst: p.inst, rank: rank}, nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	inst    *instance
	readers int
}

func (c *consumer) Reader(rank int) (stream.Reader, error) {
	if rank < 0 || rank >= c.readers {
		return nil, fmt.Errorf("memq: reader rank %d outside [0, %d)", rank, c.readers)
	}
	return &reader{inst: c.inst, rank: rank}, nil
}

func (c *consumer) Close() error { return nil }

type writer struct {
	inst *instance
	rank int
}

func (w *writer) Define(name string, shape, offset, count []int) error {
	return w.inst.asm.Define(w.rank, name, shape, offset, count)
}

func (w *writer) DefineScalar(name string) error {
	return w.inst.asm.DefineScalar(w.rank, name)
}

func (w *writer) BeginStep() error {
	return w.inst.asm.BeginStep(w.rank)
}

func (w *writer) Put(name string, data []float64) error {
	return w.inst.asm.Put(w.rank, name, data)
}

func (w *writer) PutScalar(name string, v int64) error {
	return w.inst.asm.PutScalar(w.rank, name, v)
}

func (w *writer) EndStep() error {
	return w.inst.asm.EndStep(w.rank)
}

func (w *writer) Close() error {
	if w.inst.asm.CloseRank(w.rank) {
		// Last writer out ends the stream.
		w.inst.q.Close()
	}
	return nil
}

type reader struct {
	inst *instance
	rank int

	next       int
	cur        *stream.StepData
	curOrdinal int
	closed     bool
}

func (r *reader) BeginStep(timeout time.Duration) (stream.Status, error) {
	if r.closed {
		return stream.Fail, stream.ErrClosed
	}
	if r.cur != nil {
		return stream.Fail, fmt.Errorf("memq: step %d still open", r.cur.Index)
	}
	sd, st := r.inst.q.Next(r.next, timeout)
	if st != stream.Ready {
		return st, nil
	}
	r.cur = sd
	r.curOrdinal = r.next
	r.next++
	return stream.Ready, nil
}

func (r *reader) CurrentStep() int {
	if r.cur == nil {
		return -1
	}
	return r.cur.Index
}

func (r *reader) Inquire(name string) (stream.VarInfo, error) {
	if r.cur == nil {
		return stream.VarInfo{}, stream.ErrNoStep
	}
	return r.cur.Inquire(name)
}

func (r *reader) Get(name string, offset, count []int) ([]float64, error) {
	if r.cur == nil {
		return nil, stream.ErrNoStep
	}
	return r.cur.Get(name, offset, count)
}

func (r *reader) GetScalar(name string) (int64, error) {
	if r.cur == nil {
		return 0, stream.ErrNoStep
	}
	return r.cur.GetScalar(name)
}

func (r *reader) EndStep() error {
	if r.cur == nil {
		return stream.ErrNoStep
	}
	r.inst.q.Release(r.rank, r.curOrdinal)
	r.cur = nil
	return nil
}

func (r *reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cur = nil
	r.inst.q.Detach(r.rank)
	return nil
}
