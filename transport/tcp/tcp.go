// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package tcp carries router envelopes over TCP as length-prefixed frames:
//
//	[4 byte big-endian length][payload]
//
// Importing the package registers the "tcp" scheme with router.Dial.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/router"
	"github.com/luxfi/router/internal/outbox"
)

const (
	Scheme = "tcp"

	// MaxFrameSize bounds a single frame.
	MaxFrameSize = 64 * 1024 * 1024
)

var (
	ErrClosed        = errors.New("tcp: connection closed")
	ErrFrameTooLarge = errors.New("tcp: frame too large")
	ErrEmptyFrame    = errors.New("tcp: empty frame")
)

func init() {
	router.RegisterDialer(Scheme, func(ctx context.Context, target *url.URL) (router.Transport, error) {
		return Dial(ctx, target.Host)
	})
}

// WriteFrame writes frame with its length prefix.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) == 0 {
		return ErrEmptyFrame
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(frame)))
	copy(buf[4:], frame)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Conn is the client side of a TCP connection. It implements
// router.Transport.
type Conn struct {
	conn    net.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}
	return NewConn(conn), nil
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := WriteFrame(c.conn, frame); err != nil {
		return fmt.Errorf("tcp write: %w", err)
	}
	return nil
}

// Recv blocks until a frame arrives. Closing the Conn unblocks it.
func (c *Conn) Recv(context.Context) ([]byte, error) {
	frame, err := ReadFrame(c.conn)
	if err != nil {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return nil, err
	}
	return frame, nil
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	codec        router.Codec
	writeTimeout time.Duration
	routerOpts   []router.Option
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCodec sets the envelope codec.
func WithCodec(c router.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithWriteTimeout bounds each frame write. The default is 30s.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithRouterOptions passes options through to the server's Router.
func WithRouterOptions(opts ...router.Option) Option {
	return func(o *options) { o.routerOpts = append(o.routerOpts, opts...) }
}

// session is the reply context of one accepted connection.
type session struct {
	info router.SessionInfo
	conn net.Conn
	out  *outbox.Outbox[[]byte]
}

// Server accepts TCP connections and dispatches their requests to a
// CallHandler.
type Server struct {
	listener net.Listener
	handler  router.CallHandler
	router   *router.Router[*session]
	codec    router.Codec
	log      *slog.Logger
	timeout  time.Duration

	conns  sync.Map // *session -> struct{}
	closed atomic.Bool
}

// NewServer serves h on listener.
func NewServer(listener net.Listener, h router.CallHandler, opts ...Option) (*Server, error) {
	o := options{
		logger:       slog.Default(),
		codec:        router.DefaultCodec,
		writeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{
		listener: listener,
		handler:  h,
		codec:    o.codec,
		log:      o.logger.With("transport", Scheme),
		timeout:  o.writeTimeout,
	}
	routerOpts := append([]router.Option{router.WithLogger(s.log), router.WithName(Scheme)}, o.routerOpts...)
	r, err := router.New[*session](s, routerOpts...)
	if err != nil {
		return nil, err
	}
	s.router = r
	return s, nil
}

// SendResponse implements router.Sender.
func (s *Server) SendResponse(sess *session, resp router.WireResponse) {
	frame, err := s.codec.Encode(resp)
	if err != nil {
		s.log.Error("encode response", "session", sess.info.ID, "id", resp.ID, "error", err)
		return
	}
	if err := sess.out.Push(frame); err != nil {
		s.log.Debug("response for closed session", "session", sess.info.ID, "id", resp.ID, "error", err)
	}
}

// Serve accepts connections until ctx ends or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		go s.ServeConn(ctx, conn)
	}
}

// ServeConn serves requests from one connection until it fails.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	sess := &session{
		info: router.SessionInfo{ID: uuid.NewString(), CreatedAt: time.Now()},
		conn: conn,
	}
	sess.out = outbox.New(func(frame []byte) error {
		if s.timeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.timeout))
		}
		return WriteFrame(conn, frame)
	})
	recv := router.NewReceiver(s.router, sess, s.handler, s.codec, sess.info)

	s.conns.Store(sess, struct{}{})
	log := s.log.With("session", sess.info.ID, "remote", conn.RemoteAddr().String())
	log.Debug("connection opened")
	defer func() {
		s.conns.Delete(sess)
		n := recv.Close()
		sess.out.Close()
		conn.Close()
		log.Debug("connection closed", "cancelled", n)
	}()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("read failed", "error", err)
			}
			return
		}
		if err := recv.HandleFrame(ctx, frame); err != nil {
			log.Warn("dropping malformed request", "error", err)
		}
	}
}

// Active reports the number of calls in flight across all connections.
func (s *Server) Active() int { return s.router.Active() }

// Close stops the listener and drops every connection.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.conns.Range(func(key, _ any) bool {
		key.(*session).conn.Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
