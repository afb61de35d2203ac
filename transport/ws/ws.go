// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ws carries router envelopes over websocket, one text message per
// envelope. Importing the package registers the "ws" and "wss" schemes with
// router.Dial.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/luxfi/router"
	"github.com/luxfi/router/internal/outbox"
)

const (
	// DefaultMaxDecodeErrors is how many undecodable messages in a row a
	// connection may send before it is dropped.
	DefaultMaxDecodeErrors = 3

	// DefaultMaxMessageBytes bounds a single incoming message.
	DefaultMaxMessageBytes = 4 << 20
)

var ErrClosed = errors.New("ws: connection closed")

func init() {
	dial := func(ctx context.Context, target *url.URL) (router.Transport, error) {
		return Dial(ctx, target.String())
	}
	router.RegisterDialer("ws", dial)
	router.RegisterDialer("wss", dial)
}

// Conn is the client side of a websocket connection. It implements
// router.Transport.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Dial connects to a ws:// or wss:// URL.
func Dial(ctx context.Context, target string) (*Conn, error) {
	origin := "http" + strings.TrimPrefix(target, "ws")
	cfg, err := websocket.NewConfig(target, origin)
	if err != nil {
		return nil, fmt.Errorf("ws config: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return &Conn{ws: conn}, nil
}

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return websocket.Message.Send(c.ws, string(frame))
}

// Recv blocks until a message arrives. Closing the Conn unblocks it.
func (c *Conn) Recv(context.Context) ([]byte, error) {
	var msg string
	if err := websocket.Message.Receive(c.ws, &msg); err != nil {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return nil, err
	}
	return []byte(msg), nil
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close()
}

// Option configures a Handler.
type Option func(*options)

type options struct {
	logger          *slog.Logger
	codec           router.Codec
	limit           rate.Limit
	burst           int
	maxDecodeErrors int
	maxMessageBytes int
	userID          func(*http.Request) string
	routerOpts      []router.Option
}

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCodec sets the envelope codec.
func WithCodec(c router.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithRateLimit allows each connection rps messages per second with the
// given burst. A connection that exceeds it is dropped. Zero disables the
// limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		o.limit = rate.Limit(rps)
		o.burst = burst
	}
}

// WithMaxDecodeErrors sets how many undecodable messages in a row are
// tolerated before the connection is dropped.
func WithMaxDecodeErrors(n int) Option {
	return func(o *options) { o.maxDecodeErrors = n }
}

// WithUserID derives SessionInfo.UserID from the upgrade request.
func WithUserID(fn func(*http.Request) string) Option {
	return func(o *options) { o.userID = fn }
}

// WithRouterOptions passes options through to the handler's Router.
func WithRouterOptions(opts ...router.Option) Option {
	return func(o *options) { o.routerOpts = append(o.routerOpts, opts...) }
}

type session struct {
	info router.SessionInfo
	out  *outbox.Outbox[[]byte]
}

// Handler upgrades HTTP requests to websocket sessions. It implements
// http.Handler.
type Handler struct {
	handler router.CallHandler
	router  *router.Router[*session]
	codec   router.Codec
	log     *slog.Logger
	opts    options
	ws      websocket.Server
}

// NewHandler serves h to every websocket connection.
func NewHandler(h router.CallHandler, opts ...Option) (*Handler, error) {
	o := options{
		logger:          slog.Default(),
		codec:           router.DefaultCodec,
		maxDecodeErrors: DefaultMaxDecodeErrors,
		maxMessageBytes: DefaultMaxMessageBytes,
	}
	for _, opt := range opts {
		opt(&o)
	}
	wh := &Handler{
		handler: h,
		codec:   o.codec,
		log:     o.logger.With("transport", "ws"),
		opts:    o,
	}
	routerOpts := append([]router.Option{router.WithLogger(wh.log), router.WithName("ws")}, o.routerOpts...)
	r, err := router.New[*session](wh, routerOpts...)
	if err != nil {
		return nil, err
	}
	wh.router = r
	// Origin checks are left to whatever sits in front of the handler.
	wh.ws = websocket.Server{Handler: wh.serveConn}
	return wh, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.ws.ServeHTTP(w, r)
}

// SendResponse implements router.Sender.
func (h *Handler) SendResponse(sess *session, resp router.WireResponse) {
	frame, err := h.codec.Encode(resp)
	if err != nil {
		h.log.Error("encode response", "session", sess.info.ID, "id", resp.ID, "error", err)
		return
	}
	if err := sess.out.Push(frame); err != nil {
		h.log.Debug("response for closed session", "session", sess.info.ID, "id", resp.ID, "error", err)
	}
}

// Active reports the number of calls in flight across all connections.
func (h *Handler) Active() int { return h.router.Active() }

func (h *Handler) serveConn(conn *websocket.Conn) {
	conn.MaxPayloadBytes = h.opts.maxMessageBytes
	req := conn.Request()
	ctx := req.Context()

	sess := &session{info: router.SessionInfo{ID: uuid.NewString(), CreatedAt: time.Now()}}
	if h.opts.userID != nil {
		sess.info.UserID = h.opts.userID(req)
	}
	sess.out = outbox.New(func(frame []byte) error {
		return websocket.Message.Send(conn, string(frame))
	})
	recv := router.NewReceiver(h.router, sess, h.handler, h.codec, sess.info)

	log := h.log.With("session", sess.info.ID, "remote", req.RemoteAddr)
	log.Debug("connection opened", "user", sess.info.UserID)
	defer func() {
		n := recv.Close()
		sess.out.Close()
		_ = conn.Close()
		log.Debug("connection closed", "cancelled", n)
	}()

	var limiter *rate.Limiter
	if h.opts.limit > 0 {
		limiter = rate.NewLimiter(h.opts.limit, max(h.opts.burst, 1))
	}
	decodeErrors := 0
	for {
		var msg []byte
		if err := websocket.Message.Receive(conn, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("receive failed", "error", err)
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			log.Warn("rate limit exceeded, dropping connection")
			return
		}
		if err := recv.HandleFrame(ctx, msg); err != nil {
			decodeErrors++
			log.Warn("dropping malformed request", "error", err, "count", decodeErrors)
			if h.opts.maxDecodeErrors > 0 && decodeErrors >= h.opts.maxDecodeErrors {
				return
			}
			continue
		}
		decodeErrors = 0
	}
}
