// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream defines the step-indexed streaming protocol that moves
// field snapshots between the simulation, storage and analysis stages.
//
// A producer group publishes (step, named arrays) envelopes atomically:
// each writer rank declares its variables once (global shape plus this
// rank's offset and count, immutable thereafter), then per step calls
// BeginStep, Put for every declared variable, and EndStep. EndStep of
// the last rank atomically publishes the step; a partially populated
// step is never surfaced to a consumer.
//
// A consumer pulls steps in producer order: BeginStep with a timeout
// returns Ready, NotReady (producer has not published the next step
// yet; retry with a bounded sleep), or EndOfStream (terminal, no
// further steps will ever arrive). On Ready the consumer inquires
// variables, selects its own slab by (offset, count), and calls EndStep
// to release the step — an advisory signal allowing the engine to prune
// buffered steps.
//
// The concrete transport is selected by configuration string through the
// engine registry; the rest of the pipeline depends only on the
// interfaces here. Engines register themselves in init, so callers
// blank-import the engine packages they want available.
package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the outcome of a read-side BeginStep.
type Status int

const (
	// Ready: the next step is open for reading.
	Ready Status = iota

	// NotReady: the producer has not published the next step within
	// the timeout. Recoverable: retry after a bounded sleep.
	NotReady

	// EndOfStream: terminal, no further steps will ever arrive.
	EndOfStream

	// Fail: the stream is broken; the step cannot be read.
	Fail
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Ready:
		return "Ready"
	case NotReady:
		return "NotReady"
	case EndOfStream:
		return "EndOfStream"
	case Fail:
		return "Fail"
	default:
		return "Unknown"
	}
}

var (
	// ErrUnknownEngine is returned for an unregistered engine name.
	ErrUnknownEngine = errors.New("stream: unknown engine")

	// ErrUnknownVariable is returned for Get/Put/Inquire on a name
	// that was never declared.
	ErrUnknownVariable = errors.New("stream: unknown variable")

	// ErrBadSelection is returned when a selection does not describe
	// a contiguous slab of the global array.
	ErrBadSelection = errors.New("stream: invalid selection")

	// ErrStepIncomplete is returned by a writer EndStep when a
	// declared variable was not populated this step.
	ErrStepIncomplete = errors.New("stream: step incomplete, declared variable not put")

	// ErrNoStep is returned for data calls outside an open step.
	ErrNoStep = errors.New("stream: no step open")

	// ErrClosed is returned for operations on a closed stream.
	ErrClosed = errors.New("stream: closed")
)

// VarInfo describes a declared array variable.
type VarInfo struct {
	// Name is the variable name, e.g. "U" or "U/pdf".
	Name string

	// Shape is the global shape, slowest dimension first.
	Shape []int
}

// Writer is one producer rank's handle on a stream.
//
// Declarations are made once and are immutable for the run. Steps are
// strictly increasing; a published step is never rewritten.
type Writer interface {
	// Define declares an array variable with its global shape and
	// this rank's slab (offset, count). Selections may differ from
	// the global shape only in the first (decomposed) dimension.
	Define(name string, shape, offset, count []int) error

	// DefineScalar declares an integer scalar variable.
	DefineScalar(name string) error

	// BeginStep opens the next step for writing.
	BeginStep() error

	// Put stores this rank's slab for a declared variable. The data
	// length must equal the declared count product.
	Put(name string, data []float64) error

	// PutScalar stores a declared scalar.
	PutScalar(name string, v int64) error

	// EndStep closes the step. When every writer rank of the group
	// has ended the step, it is atomically published. May block on
	// engine back-pressure.
	EndStep() error

	// Close ends this rank's participation. When all writer ranks
	// have closed, consumers observe EndOfStream after the final
	// published step.
	Close() error
}

// Reader is one consumer rank's handle on a stream.
type Reader interface {
	// BeginStep attempts to open the next step, waiting up to
	// timeout for the producer. See Status.
	BeginStep(timeout time.Duration) (Status, error)

	// CurrentStep returns the stream index of the open step.
	CurrentStep() int

	// Inquire returns the description of a variable in the open step.
	Inquire(name string) (VarInfo, error)

	// Get reads the selected slab of a variable from the open step.
	// The selection must be a contiguous slab (offset/count differ
	// from the global shape only in the first dimension).
	Get(name string, offset, count []int) ([]float64, error)

	// GetScalar reads a scalar from the open step.
	GetScalar(name string) (int64, error)

	// EndStep releases the open step (advisory prune signal).
	EndStep() error

	// Close detaches this reader.
	Close() error
}

// Producer is a producer-side stream shared by the writer ranks of one
// stage.
type Producer interface {
	// Writer returns the handle for the given rank in [0, writers).
	Writer(rank int) (Writer, error)

	// Close releases producer-side resources. Writers must be closed
	// first.
	Close() error
}

// Consumer is a consumer-side stream shared by the reader ranks of one
// stage.
type Consumer interface {
	// Reader returns the handle for the given rank in [0, readers).
	Reader(rank int) (Reader, error)

	// Close releases consumer-side resources.
	Close() error
}

// Config selects and parameterizes a concrete engine.
type Config struct {
	// Engine is the registered engine name: "memq", "badgerkv",
	// "socket".
	Engine string

	// Target is the stream location: a registry name (memq), a store
	// directory (badgerkv) or an address (socket).
	Target string

	// Writers is the number of producer ranks (producer side).
	Writers int

	// Readers is the number of consumer ranks (consumer side).
	Readers int

	// AppendAfterSteps shifts the first published stream index, so a
	// restarted run continues the same logical sequence.
	AppendAfterSteps int

	// Depth bounds the number of published-but-unreleased steps
	// before producers block (engines that buffer in memory).
	// Zero selects the engine default.
	Depth int

	// Params holds engine-specific parameters.
	Params map[string]string
}

// Engine constructs producers and consumers for one transport.
type Engine interface {
	OpenProducer(cfg Config) (Producer, error)
	OpenConsumer(cfg Config) (Consumer, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Engine{}
)

// Register makes an engine available under the given name.
// Engines call this from init.
func Register(name string, e Engine) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = e
}

// Engines returns the registered engine names, sorted.
func Engines() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Engine, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownEngine, name, Engines())
	}
	return e, nil
}

// OpenProducer opens the producer side of a stream on the engine named
// by cfg.Engine.
func OpenProducer(cfg Config) (Producer, error) {
	e, err := lookup(cfg.Engine)
	if err != nil {
		return nil, err
	}
	return e.OpenProducer(cfg)
}

// OpenConsumer opens the consumer side of a stream on the engine named
// by cfg.Engine.
func OpenConsumer(cfg Config) (Consumer, error) {
	e, err := lookup(cfg.Engine)
	if err != nil {
		return nil, err
	}
	return e.OpenConsumer(cfg)
}
