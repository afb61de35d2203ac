// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package amqp carries router envelopes over an AMQP 0-9-1 broker.
//
// Callers publish request frames to a durable request queue with ReplyTo
// set to their own exclusive reply queue. The server consumes the request
// queue and publishes every response to the caller's reply queue through the
// default exchange, with CorrelationId set to the request id. The reply
// queue name is the reply context.
//
// Importing the package registers the "amqp" and "amqps" schemes with
// router.Dial. The request queue is taken from the "queue" query parameter.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"

	"github.com/luxfi/router"
	"github.com/luxfi/router/internal/outbox"
)

const (
	// DefaultQueue is the request queue used when none is configured.
	DefaultQueue = "router.requests"

	contentType = "application/json"
)

var ErrClosed = errors.New("amqp: connection closed")

func init() {
	dial := func(ctx context.Context, target *url.URL) (router.Transport, error) {
		queue := target.Query().Get("queue")
		if queue == "" {
			queue = DefaultQueue
		}
		u := *target
		u.RawQuery = ""
		return Dial(ctx, u.String(), queue)
	}
	router.RegisterDialer("amqp", dial)
	router.RegisterDialer("amqps", dial)
}

// Channel is the part of *amqp.Channel the transport uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Conn is the caller side. It implements router.Transport.
type Conn struct {
	conn       *amqp.Connection // nil when the channel was supplied
	ch         Channel
	queue      string
	replyQueue string
	deliveries <-chan amqp.Delivery

	closed atomic.Bool
	done   chan struct{}
}

// Dial connects to the broker at uri and sends requests to queue.
func Dial(ctx context.Context, uri, queue string) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	c, err := NewConn(ch, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// NewConn declares an exclusive reply queue on ch and starts consuming it.
func NewConn(ch Channel, queue string) (*Conn, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume reply queue %s: %w", q.Name, err)
	}
	return &Conn{
		ch:         ch,
		queue:      queue,
		replyQueue: q.Name,
		deliveries: deliveries,
		done:       make(chan struct{}),
	}, nil
}

// ReplyQueue is the broker-assigned name of the caller's reply queue.
func (c *Conn) ReplyQueue() string { return c.replyQueue }

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType: contentType,
		ReplyTo:     c.replyQueue,
		Timestamp:   time.Now(),
		Body:        frame,
	}
	if id, ok := router.PeekRequestID(frame); ok {
		msg.CorrelationId = strconv.FormatUint(uint64(id), 10)
	}
	if err := c.ch.Publish("", c.queue, false, false, msg); err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return d.Body, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	err := c.ch.Close()
	if c.conn != nil {
		err = errors.Join(err, c.conn.Close())
	}
	return err
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	codec      router.Codec
	prefetch   int
	routerOpts []router.Option
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCodec sets the envelope codec.
func WithCodec(c router.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithPrefetch bounds the number of unacknowledged deliveries. The default
// is 64.
func WithPrefetch(n int) Option {
	return func(o *options) { o.prefetch = n }
}

// WithRouterOptions passes options through to the server's Router.
func WithRouterOptions(opts ...router.Option) Option {
	return func(o *options) { o.routerOpts = append(o.routerOpts, opts...) }
}

// reply is one response waiting to be published.
type reply struct {
	key string
	msg amqp.Publishing
}

// Server consumes a request queue and dispatches its requests to a
// CallHandler.
type Server struct {
	conn     *amqp.Connection // set by Listen
	ch       Channel
	queue    string
	handler  router.CallHandler
	router   *router.Router[string]
	codec    router.Codec
	log      *slog.Logger
	prefetch int
	out      *outbox.Outbox[reply]

	mu      sync.Mutex
	callers map[string]time.Time // reply queue -> first seen
}

// NewServer serves h from queue on ch.
func NewServer(ch Channel, queue string, h router.CallHandler, opts ...Option) (*Server, error) {
	o := options{
		logger:   slog.Default(),
		codec:    router.DefaultCodec,
		prefetch: 64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if queue == "" {
		queue = DefaultQueue
	}
	s := &Server{
		ch:       ch,
		queue:    queue,
		handler:  h,
		codec:    o.codec,
		log:      o.logger.With("transport", "amqp", "queue", queue),
		prefetch: o.prefetch,
		callers:  make(map[string]time.Time),
	}
	s.out = outbox.New(func(r reply) error {
		return s.ch.Publish("", r.key, false, false, r.msg)
	})
	routerOpts := append([]router.Option{router.WithLogger(s.log), router.WithName("amqp")}, o.routerOpts...)
	r, err := router.New[string](s, routerOpts...)
	if err != nil {
		return nil, err
	}
	s.router = r
	return s, nil
}

// Listen connects to the broker at uri and returns a Server for queue that
// owns the connection.
func Listen(uri, queue string, h router.CallHandler, opts ...Option) (*Server, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	s, err := NewServer(ch, queue, h, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// SendResponse implements router.Sender.
func (s *Server) SendResponse(replyTo string, resp router.WireResponse) {
	frame, err := s.codec.Encode(resp)
	if err != nil {
		s.log.Error("encode response", "reply_to", replyTo, "id", resp.ID, "error", err)
		return
	}
	r := reply{
		key: replyTo,
		msg: amqp.Publishing{
			ContentType:   contentType,
			CorrelationId: strconv.FormatUint(uint64(resp.ID), 10),
			Timestamp:     time.Now(),
			Body:          frame,
		},
	}
	if err := s.out.Push(r); err != nil {
		s.log.Warn("dropping response", "reply_to", replyTo, "id", resp.ID, "error", err)
	}
}

// Serve declares the request queue and consumes it until ctx ends or the
// broker closes the delivery channel. Calls still in flight are cancelled on
// return.
func (s *Server) Serve(ctx context.Context) error {
	if _, err := s.ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", s.queue, err)
	}
	if s.prefetch > 0 {
		if err := s.ch.Qos(s.prefetch, 0, false); err != nil {
			return fmt.Errorf("qos: %w", err)
		}
	}
	deliveries, err := s.ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.queue, err)
	}
	s.log.Info("consuming requests")
	defer s.releaseAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrClosed
			}
			s.handle(ctx, d)
		}
	}
}

func (s *Server) handle(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if err := d.Ack(false); err != nil {
			s.log.Debug("ack failed", "tag", d.DeliveryTag, "error", err)
		}
	}()
	if d.ReplyTo == "" {
		s.log.Warn("dropping request without reply queue", "correlation_id", d.CorrelationId)
		return
	}

	s.mu.Lock()
	first, seen := s.callers[d.ReplyTo]
	if !seen {
		first = time.Now()
		s.callers[d.ReplyTo] = first
	}
	s.mu.Unlock()

	info := router.SessionInfo{ID: d.ReplyTo, UserID: d.UserId, CreatedAt: first}
	recv := router.NewReceiver(s.router, d.ReplyTo, s.handler, s.codec, info)
	if err := recv.HandleFrame(ctx, d.Body); err != nil {
		s.log.Warn("dropping malformed request", "reply_to", d.ReplyTo, "error", err)
	}
}

// Forget cancels the in-flight calls of one caller, for example after the
// broker reported its reply queue gone.
func (s *Server) Forget(replyTo string) int {
	s.mu.Lock()
	delete(s.callers, replyTo)
	s.mu.Unlock()
	return s.router.Release(replyTo)
}

func (s *Server) releaseAll() {
	s.mu.Lock()
	callers := s.callers
	s.callers = make(map[string]time.Time)
	s.mu.Unlock()
	for replyTo := range callers {
		s.router.Release(replyTo)
	}
}

// Active reports the number of calls in flight.
func (s *Server) Active() int { return s.router.Active() }

// Close flushes queued responses and closes the channel.
func (s *Server) Close() error {
	s.out.Close()
	<-s.out.Done()
	err := s.ch.Close()
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}
