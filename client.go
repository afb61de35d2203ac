// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	codec  Codec
	logger *slog.Logger
	// abortOnCancel sends an Abort when a call's context ends early.
	abortOnCancel bool
}

// WithClientCodec sets the envelope codec.
func WithClientCodec(c Codec) ClientOption {
	return func(o *clientOptions) { o.codec = c }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithAbortOnCancel controls whether cancelling a call's context sends an
// Abort for it. It is on by default.
func WithAbortOnCancel(abort bool) ClientOption {
	return func(o *clientOptions) { o.abortOnCancel = abort }
}

// Client multiplexes calls over one Transport. Each call gets a fresh id and
// its own Stream of outcomes.
type Client struct {
	t     Transport
	codec Codec
	log   *slog.Logger
	opts  clientOptions

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[RequestID]*Stream
	err     error

	closed   atomic.Bool
	readDone chan struct{}
}

// NewClient starts reading responses from t.
func NewClient(t Transport, opts ...ClientOption) *Client {
	o := clientOptions{
		codec:         DefaultCodec,
		logger:        slog.Default(),
		abortOnCancel: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Client{
		t:        t,
		codec:    o.codec,
		log:      o.logger,
		opts:     o,
		pending:  make(map[RequestID]*Stream),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call issues op with params. The returned Stream yields the call's
// outcomes. If ctx ends before the call terminates, an Abort is sent.
func (c *Client) Call(ctx context.Context, op Operation, params any) (*Stream, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	id := RequestID(c.nextID.Add(1))
	s := newStream(id, c)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = s
	c.mu.Unlock()

	if err := c.send(ctx, NewCall(id, op, params)); err != nil {
		c.forget(id)
		return nil, err
	}
	if c.opts.abortOnCancel {
		stop := context.AfterFunc(ctx, func() {
			if err := s.Abort(context.Cause(ctx).Error()); err != nil {
				c.log.Debug("abort on cancel failed", "id", id, "error", err)
			}
		})
		s.mu.Lock()
		s.stopAbort = stop
		terminated := s.terminated
		s.mu.Unlock()
		if terminated {
			stop()
		}
	}
	return s, nil
}

// Abort asks the server to cancel call id.
func (c *Client) Abort(ctx context.Context, id RequestID, reason string) error {
	return c.send(ctx, NewAbort(id, reason))
}

func (c *Client) send(ctx context.Context, req Request) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	frame, err := c.codec.Encode(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := c.t.Send(ctx, frame); err != nil {
		return fmt.Errorf("send request %d: %w", req.ID, err)
	}
	return nil
}

func (c *Client) forget(id RequestID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		frame, err := c.t.Recv(context.Background())
		if err != nil {
			c.shutdown(err)
			return
		}
		var resp WireResponse
		if err := c.codec.Decode(frame, &resp); err != nil {
			c.log.Warn("dropping undecodable response", "error", err)
			continue
		}

		c.mu.Lock()
		s, ok := c.pending[resp.ID]
		if ok && resp.Outcome.Kind.Terminal() {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Debug("response for unknown request", "id", resp.ID, "outcome", resp.Outcome.Kind)
			continue
		}
		s.push(resp.Outcome)
	}
}

func (c *Client) shutdown(cause error) {
	if errors.Is(cause, io.EOF) || c.closed.Load() {
		cause = ErrClientClosed
	} else {
		cause = fmt.Errorf("%w: %w", ErrClientClosed, cause)
	}
	c.mu.Lock()
	c.err = cause
	streams := c.pending
	c.pending = make(map[RequestID]*Stream)
	c.mu.Unlock()
	for _, s := range streams {
		s.fail(cause)
	}
}

// Close closes the transport. Streams still waiting fail with
// ErrClientClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.t.Close()
	<-c.readDone
	return err
}

// Stream is the caller side of one call.
type Stream struct {
	id RequestID
	c  *Client

	mu         sync.Mutex
	queue      []Outcome
	err        error
	terminated bool // terminal outcome received
	ended      bool // terminal outcome returned by Recv
	stopAbort  func() bool
	notify     chan struct{}
}

func newStream(id RequestID, c *Client) *Stream {
	return &Stream{id: id, c: c, notify: make(chan struct{}, 1)}
}

// ID is the request id assigned to the call.
func (s *Stream) ID() RequestID { return s.id }

func (s *Stream) push(o Outcome) {
	var stop func() bool
	s.mu.Lock()
	s.queue = append(s.queue, o)
	if o.Kind.Terminal() {
		s.terminated = true
		stop = s.stopAbort
	}
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.wake()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv returns the next outcome. After the terminal outcome has been
// returned, Recv returns io.EOF.
func (s *Stream) Recv(ctx context.Context) (Outcome, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			o := s.queue[0]
			s.queue[0] = Outcome{}
			s.queue = s.queue[1:]
			if o.Kind.Terminal() {
				s.ended = true
			}
			s.mu.Unlock()
			return o, nil
		}
		if s.ended {
			s.mu.Unlock()
			return Outcome{}, io.EOF
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return Outcome{}, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Abort asks the server to cancel this call. The stream still ends with
// whatever terminal outcome the server sends.
func (s *Stream) Abort(reason string) error {
	return s.c.Abort(context.Background(), s.id, reason)
}

// Collect drains s, returning every Next value and the Complete notes. An
// Error outcome is returned as its *DevError; an Aborted outcome as
// ErrAborted.
func Collect[T any](ctx context.Context, s *Stream) ([]T, string, error) {
	var values []T
	for {
		o, err := s.Recv(ctx)
		if err != nil {
			return values, "", err
		}
		switch o.Kind {
		case OutcomeNext:
			v, ok := o.Value.(T)
			if !ok {
				return values, "", fmt.Errorf("%w: %s value is %T", ErrMalformedResponse, o.Op, o.Value)
			}
			values = append(values, v)
		case OutcomeComplete:
			return values, o.Text, nil
		case OutcomeError:
			if o.Err == nil {
				return values, "", NewDevError("unknown error")
			}
			return values, "", o.Err
		case OutcomeAborted:
			return values, "", fmt.Errorf("%w: %s", ErrAborted, o.Text)
		}
	}
}
