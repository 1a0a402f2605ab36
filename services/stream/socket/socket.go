// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package socket implements the cross-process streaming engine over a
// websocket connection. The consumer listens on the target address and
// the producer dials it, so analysis can be started first and the
// simulation attaches when it begins producing.
//
// Each step travels as one JSON header frame followed by one binary
// frame per variable, in header order. Back-pressure is end to end:
// the consumer stops reading the socket while its step queue is full,
// TCP flow control stalls the producer's writes, and the producer's
// writer group blocks in EndStep.
//
// Register with a blank import:
//
//	import _ "github.com/AleutianAI/grayscott/services/stream/socket"
package socket

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/grayscott/services/stream"
)

func init() {
	stream.Register("socket", engine{})
}

type engine struct{}

// dialWindow bounds how long a producer waits for the consumer's
// listener to come up before giving up.
var dialWindow = 30 * time.Second

const (
	dialRetry = 250 * time.Millisecond

	wsPath = "/stream"
)

// frameType discriminates the JSON control frames.
const (
	frameStep = "step"
	frameEOS  = "eos"
)

// varHeader describes one variable inside a step frame. Order in the
// header fixes the order of the binary frames that follow.
type varHeader struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

type stepFrame struct {
	Type    string           `json:"type"`
	Index   int              `json:"index,omitempty"`
	Vars    []varHeader      `json:"vars,omitempty"`
	Scalars map[string]int64 `json:"scalars,omitempty"`
}

// OpenProducer dials the consumer's listener and returns the write
// side. The dial is retried until the listener accepts or the dial
// window expires, so producer and consumer start order does not
// matter.
func (engine) OpenProducer(cfg stream.Config) (stream.Producer, error) {
	if cfg.Writers < 1 {
		return nil, fmt.Errorf("socket: writer count must be at least 1, got %d", cfg.Writers)
	}
	url := "ws://" + cfg.Target + wsPath
	var (
		conn     *websocket.Conn
		err      error
		deadline = time.Now().Add(dialWindow)
	)
	for {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("socket: dial %s: %w", url, err)
		}
		time.Sleep(dialRetry)
	}

	p := &producer{conn: conn, writers: cfg.Writers}
	p.asm, err = stream.NewAssembler(cfg.Writers, cfg.AppendAfterSteps, p.send)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// OpenConsumer starts the listener and returns the read side. Steps
// received from the producer feed a bounded queue shared by the
// consumer's readers.
func (engine) OpenConsumer(cfg stream.Config) (stream.Consumer, error) {
	if cfg.Readers < 1 {
		return nil, fmt.Errorf("socket: reader count must be at least 1, got %d", cfg.Readers)
	}
	ln, err := net.Listen("tcp", cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("socket: listen %s: %w", cfg.Target, err)
	}

	c := &consumer{
		q:       stream.NewQueue(0, cfg.Depth),
		ln:      ln,
		readers: cfg.Readers,
	}
	if err := c.q.AttachReaders(cfg.Readers); err != nil {
		ln.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, c.handleStream)
	c.srv = &http.Server{Handler: mux}
	go c.srv.Serve(ln)
	return c, nil
}

type producer struct {
	conn    *websocket.Conn
	asm     *stream.Assembler
	writers int

	mu     sync.Mutex
	closed bool
}

// send ships one assembled step as a header frame plus binary frames.
// The assembler serializes publishes, so frames from different steps
// never interleave.
func (p *producer) send(sd *stream.StepData) error {
	frame := stepFrame{Type: frameStep, Index: sd.Index, Scalars: sd.Scalars}
	for name, v := range sd.Vars {
		frame.Vars = append(frame.Vars, varHeader{Name: name, Shape: v.Shape})
	}
	if err := p.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("socket: send step %d header: %w", sd.Index, err)
	}
	for _, vh := range frame.Vars {
		raw := stream.EncodeFloats(sd.Vars[vh.Name].Data)
		if err := p.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
			return fmt.Errorf("socket: send step %d variable %q: %w", sd.Index, vh.Name, err)
		}
	}
	return nil
}

func (p *producer) Writer(rank int) (stream.Writer, error) {
	if rank < 0 || rank >= p.writers {
		return nil, fmt.Errorf("socket: writer rank %d outside [0, %d)", rank, p.writers)
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
	return p.conn.Close()
}

// finish announces end of stream after the last writer closed.
func (p *producer) finish() error {
	if err := p.conn.WriteJSON(stepFrame{Type: frameEOS}); err != nil {
		return fmt.Errorf("socket: send end-of-stream: %w", err)
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
	q       *stream.Queue
	ln      net.Listener
	srv     *http.Server
	readers int

	mu      sync.Mutex
	recvErr error
	closed  bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 10,
}

// handleStream accepts the producer connection and pumps step frames
// into the queue. Only one producer connection is served.
func (c *consumer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	c.recvLoop(conn)
}

func (c *consumer) recvLoop(conn *websocket.Conn) {
	for {
		var frame stepFrame
		if err := conn.ReadJSON(&frame); err != nil {
			c.fail(err)
			return
		}
		switch frame.Type {
		case frameEOS:
			c.q.Close()
			return
		case frameStep:
			sd := &stream.StepData{
				Index:   frame.Index,
				Vars:    map[string]*stream.ArrayData{},
				Scalars: frame.Scalars,
			}
			for _, vh := range frame.Vars {
				kind, raw, err := conn.ReadMessage()
				if err != nil {
					c.fail(err)
					return
				}
				if kind != websocket.BinaryMessage {
					c.fail(fmt.Errorf("socket: expected binary frame for %q, got type %d", vh.Name, kind))
					return
				}
				sd.Vars[vh.Name] = &stream.ArrayData{Shape: vh.Shape, Data: stream.DecodeFloats(raw)}
			}
			// Publish blocks while the queue is full, which stops
			// this loop reading the socket and stalls the producer.
			if err := c.q.Publish(sd); err != nil {
				c.fail(err)
				return
			}
		default:
			c.fail(fmt.Errorf("socket: unknown frame type %q", frame.Type))
			return
		}
	}
}

// fail records the first transport error and wakes blocked readers. A
// dropped connection after close is the normal shutdown path and is
// not recorded.
func (c *consumer) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.recvErr != nil {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.q.Close()
		return
	}
	c.recvErr = fmt.Errorf("socket: receive: %w", err)
	c.q.Close()
}

func (c *consumer) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvErr
}

func (c *consumer) Reader(rank int) (stream.Reader, error) {
	if rank < 0 || rank >= c.readers {
		return nil, fmt.Errorf("socket: reader rank %d outside [0, %d)", rank, c.readers)
	}
	return &reader{c: c, id: rank}, nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.q.Close()
	return c.srv.Close()
}

type reader struct {
	c  *consumer
	id int

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
		return stream.Fail, fmt.Errorf("socket: step %d still open", r.cur.Index)
	}
	sd, status := r.c.q.Next(r.next, timeout)
	if status == stream.EndOfStream {
		if rerr := r.c.err(); rerr != nil {
			return stream.Fail, rerr
		}
		return stream.EndOfStream, nil
	}
	if status != stream.Ready {
		return status, nil
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
	r.c.q.Release(r.id, r.curOrdinal)
	r.cur = nil
	return nil
}

func (r *reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cur = nil
	r.c.q.Detach(r.id)
	return nil
}
