// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerkv implements the file-backed streaming engine on an
// embedded BadgerDB store: every published step is persisted as a
// self-describing record set, so consumers can attach while the
// producer is still running (same process) or read the finished store
// afterwards (separate process).
//
// BadgerDB holds a directory lock, so a producer and a consumer in two
// different OS processes cannot share a live store; use the socket
// engine for cross-process in-situ streaming. Within one process the
// store handle is shared through a reference-counted registry.
//
// Steps are append-only and never rewritten. Opening a producer with
// AppendAfterSteps > 0 continues the logical sequence of an earlier
// (interrupted) run in the same store.
//
// Register with a blank import:
//
//	import _ "github.com/AleutianAI/grayscott/services/stream/badgerkv"
package badgerkv

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/grayscott/services/stream"
)

func init() {
	stream.Register("badgerkv", engine{})
}

type engine struct{}

// pollInterval is the bounded sleep between availability checks in a
// read-side BeginStep (poll-with-backoff, not a busy spin).
const pollInterval = 50 * time.Millisecond

var (
	regMu  sync.Mutex
	stores = map[string]*sharedStore{}
)

// sharedStore reference-counts one process's handle on a store path.
type sharedStore struct {
	path string
	db   *badger.DB
	refs int
}

func acquireStore(path string) (*sharedStore, error) {
	regMu.Lock()
	defer regMu.Unlock()
	if s, ok := stores[path]; ok {
		s.refs++
		return s, nil
	}
	opts := badger.DefaultOptions(path)
	opts = opts.WithLogger(nil) // engine logging stays with the pipeline logger
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerkv: open store %s: %w", path, err)
	}
	s := &sharedStore{path: path, db: db, refs: 1}
	stores[path] = s
	return s, nil
}

func (s *sharedStore) release() error {
	regMu.Lock()
	defer regMu.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(stores, s.path)
	return s.db.Close()
}

// stepMeta is the self-describing header of one persisted step.
type stepMeta struct {
	Index   int              `json:"index"`
	Vars    map[string][]int `json:"vars"` // name -> global shape
	Scalars map[string]int64 `json:"scalars"`
}

// eosRecord marks a finished stream; NextIndex is one past the last
// published step.
type eosRecord struct {
	NextIndex int `json:"next_index"`
}

func metaKey(index int) []byte {
	return []byte(fmt.Sprintf("step/%012d/meta", index))
}

func varKey(index int, name string) []byte {
	return []byte(fmt.Sprintf("step/%012d/var/%s", index, name))
}

var eosKey = []byte("eos")

// OpenProducer opens the write side on a store directory.
func (engine) OpenProducer(cfg stream.Config) (stream.Producer, error) {
	if cfg.Writers < 1 {
		return nil, fmt.Errorf("badgerkv: writer count must be at least 1, got %d", cfg.Writers)
	}
	store, err := acquireStore(cfg.Target)
	if err != nil {
		return nil, err
	}

	// A fresh producer supersedes any end-of-stream marker left by a
	// completed earlier run it is appending to.
	err = store.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(eosKey)
	})
	if err != nil {
		store.release()
		return nil, fmt.Errorf("badgerkv: clear end-of-stream marker: %w", err)
	}

	p := &producer{store: store}
	p.asm, err = stream.NewAssembler(cfg.Writers, cfg.AppendAfterSteps, p.persist)
	if err != nil {
		store.release()
		return nil, err
	}
	p.writers = cfg.Writers
	return p, nil
}

// OpenConsumer opens the read side on a store directory.
func (engine) OpenConsumer(cfg stream.Config) (stream.Consumer, error) {
	if cfg.Readers < 1 {
		return nil, fmt.Errorf("badgerkv: reader count must be at least 1, got %d", cfg.Readers)
	}
	store, err := acquireStore(cfg.Target)
	if err != nil {
		return nil, err
	}
	return &consumer{store: store, readers: cfg.Readers}, nil
}

type producer struct {
	store   *sharedStore
	asm     *stream.Assembler
	writers int

	mu     sync.Mutex
	closed bool
}

// persist writes one assembled step to the store in a single
// transaction, then the availability marker. A crash mid-transaction
// leaves no visible partial step: the meta record is what consumers
// poll for and it commits atomically with the arrays.
func (p *producer) persist(sd *stream.StepData) error {
	meta := stepMeta{Index: sd.Index, Vars: map[string][]int{}, Scalars: sd.Scalars}
	for name, v := range sd.Vars {
		meta.Vars[name] = v.Shape
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("badgerkv: encode step %d meta: %w", sd.Index, err)
	}

	err = p.store.db.Update(func(txn *badger.Txn) error {
		for name, v := range sd.Vars {
			if err := txn.Set(varKey(sd.Index, name), stream.EncodeFloats(v.Data)); err != nil {
				return err
			}
		}
		return txn.Set(metaKey(sd.Index), metaBytes)
	})
	if err != nil {
		return fmt.Errorf("badgerkv: persist step %d: %w", sd.Index, err)
	}
	return nil
}

func (p *producer) Writer(rank int) (stream.Writer, error) {
	if rank < 0 || rank >= p.writers {
		return nil, fmt.Errorf("badgerkv: writer rank %d outside [0, %d)", rank, p.writers)
	}
	return &writer{p: p, rank: rank}, nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.store.release()
}

// finish writes the end-of-stream marker once all writers closed.
func (p *producer) finish() error {
	rec, err := json.Marshal(eosRecord{NextIndex: p.asm.NextIndex()})
	if err != nil {
		return err
	}
	err = p.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eosKey, rec)
	})
	if err != nil {
		return fmt.Errorf("badgerkv: write end-of-stream marker: %w", err)
	}
	return nil
}

type writer struct {
	p    *producer
	rank int
}

func (w *writer) Define(name string, shape, offset, count []int) error {
	return w.p.asm.Define(w.rank, name, shape, offset, count)
}

func (w *writer) DefineScalar(name string) error {
	return w.p.asm.DefineScalar(w.rank, name)
}

func (w *writer) BeginStep() error {
	return w.p.asm.BeginStep(w.rank)
}

func (w *writer) Put(name string, data []float64) error {
	return w.p.asm.Put(w.rank, name, data)
}

func (w *writer) PutScalar(name string, v int64) error {
	return w.p.asm.PutScalar(w.rank, name, v)
}

func (w *writer) EndStep() error {
	return w.p.asm.EndStep(w.rank)
}

func (w *writer) Close() error {
	if w.p.asm.CloseRank(w.rank) {
		return w.p.finish()
	}
	return nil
}

type consumer struct {
	store   *sharedStore
	readers int

	mu     sync.Mutex
	closed bool
}

func (c *consumer) Reader(rank int) (stream.Reader, error) {
	if rank < 0 || rank >= c.readers {
		return nil, fmt.Errorf("badgerkv: reader rank %d outside [0, %d)", rank, c.readers)
	}
	return &reader{c: c}, nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.store.release()
}

type reader struct {
	c    *consumer
	next int

	cur    *stepMeta
	closed bool
}

// BeginStep polls the store for the next step's meta record until it
// appears, the end-of-stream marker covers it, or the timeout expires.
func (r *reader) BeginStep(timeout time.Duration) (stream.Status, error) {
	if r.closed {
		return stream.Fail, stream.ErrClosed
	}
	if r.cur != nil {
		return stream.Fail, fmt.Errorf("badgerkv: step %d still open", r.cur.Index)
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		st, meta, err := r.check()
		if err != nil {
			return stream.Fail, err
		}
		if st == stream.Ready {
			r.cur = meta
			return stream.Ready, nil
		}
		if st == stream.EndOfStream {
			return stream.EndOfStream, nil
		}
		if timeout >= 0 {
			remain := time.Until(deadline)
			if remain <= 0 {
				return stream.NotReady, nil
			}
			if remain < pollInterval {
				time.Sleep(remain)
			} else {
				time.Sleep(pollInterval)
			}
		} else {
			time.Sleep(pollInterval)
		}
	}
}

// check looks for the next step exactly once.
func (r *reader) check() (stream.Status, *stepMeta, error) {
	var meta *stepMeta
	status := stream.NotReady
	err := r.c.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(r.next))
		if err == nil {
			return item.Value(func(val []byte) error {
				m := &stepMeta{}
				if err := json.Unmarshal(val, m); err != nil {
					return fmt.Errorf("badgerkv: decode step %d meta: %w", r.next, err)
				}
				meta = m
				status = stream.Ready
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		item, err = txn.Get(eosKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // still NotReady
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var rec eosRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("badgerkv: decode end-of-stream marker: %w", err)
			}
			if r.next >= rec.NextIndex {
				status = stream.EndOfStream
			}
			return nil
		})
	})
	if err != nil {
		return stream.Fail, nil, err
	}
	return status, meta, nil
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
	shape, ok := r.cur.Vars[name]
	if !ok {
		return stream.VarInfo{}, fmt.Errorf("%w: %q", stream.ErrUnknownVariable, name)
	}
	out := make([]int, len(shape))
	copy(out, shape)
	return stream.VarInfo{Name: name, Shape: out}, nil
}

func (r *reader) Get(name string, offset, count []int) ([]float64, error) {
	if r.cur == nil {
		return nil, stream.ErrNoStep
	}
	shape, ok := r.cur.Vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", stream.ErrUnknownVariable, name)
	}
	flatOff, flatLen, err := stream.SlabRange(shape, offset, count)
	if err != nil {
		return nil, err
	}
	var out []float64
	err = r.c.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(varKey(r.cur.Index, name))
		if err != nil {
			return fmt.Errorf("badgerkv: read %q step %d: %w", name, r.cur.Index, err)
		}
		return item.Value(func(val []byte) error {
			if len(val) < 8*(flatOff+flatLen) {
				return fmt.Errorf("badgerkv: %q step %d holds %d bytes, selection needs %d",
					name, r.cur.Index, len(val), 8*(flatOff+flatLen))
			}
			out = stream.DecodeFloats(val[8*flatOff : 8*(flatOff+flatLen)])
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *reader) GetScalar(name string) (int64, error) {
	if r.cur == nil {
		return 0, stream.ErrNoStep
	}
	v, ok := r.cur.Scalars[name]
	if !ok {
		return 0, fmt.Errorf("%w: scalar %q", stream.ErrUnknownVariable, name)
	}
	return v, nil
}

func (r *reader) EndStep() error {
	if r.cur == nil {
		return stream.ErrNoStep
	}
	// Persistence is the point of this engine; release is advisory
	// and prunes nothing.
	r.cur = nil
	r.next++
	return nil
}

func (r *reader) Close() error {
	r.closed = true
	r.cur = nil
	return nil
}
