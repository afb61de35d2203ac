// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package inproc serves a CallHandler inside the calling process. Requests
// are handed over as encoded frames and responses come back through a
// Callback, so the bridge can sit behind an FFI or scripting boundary.
//
// Bridges registered with Listen can be reached through router.Dial with
// an "inproc://<name>" target.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/luxfi/router"
	"github.com/luxfi/router/internal/outbox"
)

const Scheme = "inproc"

var (
	ErrClosed        = errors.New("inproc: closed")
	ErrUnknownBridge = errors.New("inproc: unknown bridge")
	ErrNameTaken     = errors.New("inproc: name already registered")
)

var bridges sync.Map // name -> *Bridge

func init() {
	router.RegisterDialer(Scheme, func(_ context.Context, target *url.URL) (router.Transport, error) {
		v, ok := bridges.Load(target.Host)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownBridge, target.Host)
		}
		return Pipe(v.(*Bridge)), nil
	})
}

// Callback is the reply slot of one caller. Every response for requests
// sent with it is delivered to its function, one at a time and in order, on
// a goroutine owned by the Callback.
type Callback struct {
	fn  func(response []byte)
	out *outbox.Outbox[[]byte]
}

// NewCallback wraps fn in a reply slot.
func NewCallback(fn func(response []byte)) *Callback {
	cb := &Callback{fn: fn}
	cb.out = outbox.New(func(frame []byte) error {
		cb.fn(frame)
		return nil
	})
	return cb
}

// Option configures a Bridge.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	codec      router.Codec
	routerOpts []router.Option
}

// WithLogger sets the bridge's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCodec sets the envelope codec.
func WithCodec(c router.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithRouterOptions passes options through to the bridge's Router.
func WithRouterOptions(opts ...router.Option) Option {
	return func(o *options) { o.routerOpts = append(o.routerOpts, opts...) }
}

// Bridge dispatches encoded requests to a CallHandler.
type Bridge struct {
	handler router.CallHandler
	router  *router.Router[*Callback]
	codec   router.Codec
	log     *slog.Logger
	name    string
}

// New returns a Bridge serving h.
func New(h router.CallHandler, opts ...Option) (*Bridge, error) {
	o := options{
		logger: slog.Default(),
		codec:  router.DefaultCodec,
	}
	for _, opt := range opts {
		opt(&o)
	}
	b := &Bridge{
		handler: h,
		codec:   o.codec,
		log:     o.logger.With("transport", Scheme),
	}
	routerOpts := append([]router.Option{router.WithLogger(b.log), router.WithName(Scheme)}, o.routerOpts...)
	r, err := router.New[*Callback](b, routerOpts...)
	if err != nil {
		return nil, err
	}
	b.router = r
	return b, nil
}

// Listen makes b reachable as inproc://name.
func (b *Bridge) Listen(name string) error {
	if _, loaded := bridges.LoadOrStore(name, b); loaded {
		return fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	b.name = name
	return nil
}

// SendResponse implements router.Sender.
func (b *Bridge) SendResponse(cb *Callback, resp router.WireResponse) {
	frame, err := b.codec.Encode(resp)
	if err != nil {
		b.log.Error("encode response", "id", resp.ID, "error", err)
		return
	}
	if err := cb.out.Push(frame); err != nil {
		b.log.Debug("response for released callback", "id", resp.ID, "error", err)
	}
}

// Send decodes request and dispatches it with cb as its reply context. A
// malformed request is reported to cb as well when its id is readable.
func (b *Bridge) Send(request []byte, cb *Callback) error {
	return b.SendContext(context.Background(), request, cb)
}

// SendContext is Send with a context handed on to the handler.
func (b *Bridge) SendContext(ctx context.Context, request []byte, cb *Callback) error {
	info := router.SessionInfo{ID: fmt.Sprintf("%p", cb)}
	return router.NewReceiver(b.router, cb, b.handler, b.codec, info).HandleFrame(ctx, request)
}

// Release cancels every call still in flight for cb and stops its delivery
// goroutine once queued responses are delivered. cb must not be used
// again afterwards.
func (b *Bridge) Release(cb *Callback) int {
	n := b.router.Release(cb)
	cb.out.Close()
	return n
}

// Active reports the number of calls in flight.
func (b *Bridge) Active() int { return b.router.Active() }

// Close unregisters the bridge name.
func (b *Bridge) Close() error {
	if b.name != "" {
		bridges.CompareAndDelete(b.name, b)
	}
	return nil
}

// Conn is a router.Transport wired straight into a Bridge.
type Conn struct {
	b      *Bridge
	cb     *Callback
	frames chan []byte
	done   chan struct{}
	closed atomic.Bool
}

// Pipe returns a client transport for b with its own reply slot.
func Pipe(b *Bridge) *Conn {
	c := &Conn{
		b:      b,
		frames: make(chan []byte),
		done:   make(chan struct{}),
	}
	c.cb = NewCallback(func(frame []byte) {
		select {
		case c.frames <- frame:
		case <-c.done:
		}
	})
	return c
}

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	err := c.b.SendContext(ctx, frame, c.cb)
	if err != nil {
		// the malformed frame was answered through the callback when it
		// carried an id; the caller's stream sees that Error outcome
		if _, ok := router.PeekRequestID(frame); ok {
			return nil
		}
	}
	return err
}

func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the connection's calls on the bridge.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	c.b.Release(c.cb)
	return nil
}
