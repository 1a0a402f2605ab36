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
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrNoCheckpoint is returned when no restorable record exists.
	ErrNoCheckpoint = errors.New("simulation: no checkpoint record found")

	// ErrTopologyMismatch is returned when a checkpoint's grid or
	// topology metadata does not match the current run. This is a
	// configuration error: restart must fail before any work begins.
	ErrTopologyMismatch = errors.New("simulation: checkpoint topology does not match current run")
)

// checkpointMeta is the self-describing header of a checkpoint record.
type checkpointMeta struct {
	Step    int    `json:"step"`
	L       int    `json:"l"`
	Procs   int    `json:"procs"`
	Rank    int    `json:"rank"`
	OffsetZ int    `json:"offset_z"`
	SizeX   int    `json:"size_x"`
	SizeY   int    `json:"size_y"`
	SizeZ   int    `json:"size_z"`
	RunID   string `json:"run_id"`
}

// CheckpointManager persists one rank's full field state (including
// ghosts) on a step cadence, keyed by step, and restores the latest
// record on restart.
//
// Records are append-only: a written record is never mutated. All ranks
// of one run share a single badger store; each record is keyed by
// (step, rank).
//
// Thread Safety: one manager per rank goroutine; the shared *badger.DB
// is safe for concurrent use.
type CheckpointManager struct {
	db       *badger.DB
	topo     *Topology
	rank     int
	interval int
	runID    string
	log      *slog.Logger
}

// NewCheckpointManager creates a manager for the given rank.
//
// Inputs:
//
//	db - Shared checkpoint store. Must not be nil.
//	topo - Current run topology.
//	rank - This rank.
//	interval - Checkpoint cadence in steps. Must be positive.
//	runID - Identifier stamped into every record.
//	log - Rank-scoped logger.
func NewCheckpointManager(db *badger.DB, topo *Topology, rank, interval int, runID string, log *slog.Logger) (*CheckpointManager, error) {
	if db == nil {
		return nil, errors.New("simulation: checkpoint db must not be nil")
	}
	if interval < 1 {
		return nil, fmt.Errorf("simulation: checkpoint interval must be positive, got %d", interval)
	}
	return &CheckpointManager{
		db:       db,
		topo:     topo,
		rank:     rank,
		interval: interval,
		runID:    runID,
		log:      log,
	}, nil
}

func checkpointKey(step, rank int) []byte {
	return []byte(fmt.Sprintf("ckpt/%012d/%06d", step, rank))
}

// MaybeCheckpoint persists the field when step is on the cadence.
//
// Outputs:
//
//	bool - True when a record was written.
//	error - Non-nil on store failure.
func (c *CheckpointManager) MaybeCheckpoint(step int, f *Field) (bool, error) {
	if step%c.interval != 0 {
		return false, nil
	}
	if err := c.Write(step, f); err != nil {
		return false, err
	}
	return true, nil
}

// Write unconditionally persists a record for the given step.
func (c *CheckpointManager) Write(step int, f *Field) error {
	record, err := encodeCheckpoint(checkpointMeta{
		Step:    step,
		L:       c.topo.L,
		Procs:   c.topo.Procs,
		Rank:    c.rank,
		OffsetZ: f.OffsetZ,
		SizeX:   f.SizeX,
		SizeY:   f.SizeY,
		SizeZ:   f.SizeZ,
		RunID:   c.runID,
	}, f.U, f.V)
	if err != nil {
		return err
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(step, c.rank), record)
	})
	if err != nil {
		return fmt.Errorf("write checkpoint step %d: %w", step, err)
	}
	c.log.Info("checkpoint written", "step", step, "bytes", len(record))
	return nil
}

// RestoreLatest loads the highest-step record at or below maxStep into a
// fresh Field and returns it with its step so the caller resumes
// iteration from step+1.
//
// Outputs:
//
//	*Field - The restored field, step counter set.
//	int - The restored step.
//	error - ErrNoCheckpoint when nothing is restorable,
//	ErrTopologyMismatch when metadata disagrees with the current run.
func (c *CheckpointManager) RestoreLatest(maxStep int) (*Field, int, error) {
	best := -1
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("ckpt/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			var step, rank int
			if _, err := fmt.Sscanf(strings.TrimPrefix(key, "ckpt/"), "%d/%d", &step, &rank); err != nil {
				continue
			}
			if rank == c.rank && step <= maxStep && step > best {
				best = step
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan checkpoints: %w", err)
	}
	if best < 0 {
		return nil, 0, ErrNoCheckpoint
	}

	var record []byte
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(best, c.rank))
		if err != nil {
			return err
		}
		record, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("read checkpoint step %d: %w", best, err)
	}

	meta, u, v, err := decodeCheckpoint(record)
	if err != nil {
		return nil, 0, err
	}
	if meta.L != c.topo.L || meta.Procs != c.topo.Procs {
		return nil, 0, fmt.Errorf("%w: record L=%d procs=%d, run L=%d procs=%d",
			ErrTopologyMismatch, meta.L, meta.Procs, c.topo.L, c.topo.Procs)
	}

	f := NewField(c.topo, c.rank)
	if len(u) != f.Len() || len(v) != f.Len() {
		return nil, 0, fmt.Errorf("%w: array length %d, want %d", ErrTopologyMismatch, len(u), f.Len())
	}
	copy(f.U, u)
	copy(f.V, v)
	f.Step = meta.Step

	c.log.Info("checkpoint restored", "step", best, "run_id", meta.RunID)
	return f, best, nil
}

// encodeCheckpoint lays out a record as a length-prefixed JSON header
// followed by the raw little-endian float64 U and V payloads. Raw bits
// keep the round trip bit-identical, including any Inf values produced
// by unstable parameter choices.
func encodeCheckpoint(meta checkpointMeta, u, v []float64) ([]byte, error) {
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint header: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(4 + len(header) + 8*(len(u)+len(v)))

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(header)))
	buf.Write(lenPrefix[:])
	buf.Write(header)

	var cell [8]byte
	for _, a := range [][]float64{u, v} {
		for _, x := range a {
			binary.LittleEndian.PutUint64(cell[:], math.Float64bits(x))
			buf.Write(cell[:])
		}
	}
	return buf.Bytes(), nil
}

// decodeCheckpoint reverses encodeCheckpoint.
func decodeCheckpoint(record []byte) (checkpointMeta, []float64, []float64, error) {
	var meta checkpointMeta
	if len(record) < 4 {
		return meta, nil, nil, errors.New("simulation: checkpoint record truncated")
	}
	hlen := int(binary.LittleEndian.Uint32(record[:4]))
	if len(record) < 4+hlen {
		return meta, nil, nil, errors.New("simulation: checkpoint header truncated")
	}
	if err := json.Unmarshal(record[4:4+hlen], &meta); err != nil {
		return meta, nil, nil, fmt.Errorf("decode checkpoint header: %w", err)
	}

	payload := record[4+hlen:]
	n := (meta.SizeX + 2) * (meta.SizeY + 2) * (meta.SizeZ + 2)
	if len(payload) != 16*n {
		return meta, nil, nil, fmt.Errorf("simulation: checkpoint payload %d bytes, want %d", len(payload), 16*n)
	}
	u := make([]float64, n)
	v := make([]float64, n)
	for i := 0; i < n; i++ {
		u[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8*i:]))
	}
	for i := 0; i < n; i++ {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8*(n+i):]))
	}
	return meta, u, v, nil
}
