// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package grpcstream carries router envelopes over one bidirectional gRPC
// stream per session. Frames are sent as raw bytes under the "lux-router"
// content subtype, so no generated code is involved. Importing the package
// registers the "grpc" scheme with router.Dial.
package grpcstream

import (
	"context"
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
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/luxfi/router"
	"github.com/luxfi/router/internal/outbox"
)

const (
	Scheme      = "grpc"
	ServiceName = "luxfi.router.v1.Router"

	sessionMethod = "/" + ServiceName + "/Session"

	// UserIDHeader is the metadata key copied into SessionInfo.UserID.
	UserIDHeader = "x-user-id"
)

var ErrClosed = errors.New("grpcstream: connection closed")

func init() {
	router.RegisterDialer(Scheme, func(ctx context.Context, target *url.URL) (router.Transport, error) {
		return Dial(ctx, target.Host)
	})
}

type sessionServer interface {
	Session(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*sessionServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Session",
		ServerStreams: true,
		ClientStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(sessionServer).Session(stream)
		},
	}},
}

// Conn is the client side of a session stream. It implements
// router.Transport.
type Conn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu sync.Mutex
	closed atomic.Bool
}

// Dial opens a session stream to target. Extra options are appended to the
// defaults (insecure credentials, OpenTelemetry stats handler).
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Conn, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	// The stream outlives ctx; ctx only bounds opening it.
	streamCtx, cancel := context.WithCancel(context.Background())
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		streamCtx = metadata.NewOutgoingContext(streamCtx, md)
	}
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], sessionMethod, grpc.WaitForReady(true))
	if !stop() && err == nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("grpc open session: %w", err)
	}
	return &Conn{cc: cc, stream: stream, cancel: cancel}, nil
}

func (c *Conn) Send(_ context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(&frame)
}

// Recv blocks until a frame arrives. Closing the Conn unblocks it.
func (c *Conn) Recv(context.Context) ([]byte, error) {
	var frame []byte
	if err := c.stream.RecvMsg(&frame); err != nil {
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
	c.sendMu.Lock()
	_ = c.stream.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	return c.cc.Close()
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	codec      router.Codec
	grpcOpts   []grpc.ServerOption
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

// WithServerOptions passes options through to grpc.NewServer.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) { o.grpcOpts = append(o.grpcOpts, opts...) }
}

// WithRouterOptions passes options through to the server's Router.
func WithRouterOptions(opts ...router.Option) Option {
	return func(o *options) { o.routerOpts = append(o.routerOpts, opts...) }
}

type session struct {
	info router.SessionInfo
	out  *outbox.Outbox[[]byte]
}

// Server serves the Router service.
type Server struct {
	grpc    *grpc.Server
	handler router.CallHandler
	router  *router.Router[*session]
	codec   router.Codec
	log     *slog.Logger
}

// NewServer returns a Server dispatching every session to h.
func NewServer(h router.CallHandler, opts ...Option) (*Server, error) {
	o := options{
		logger: slog.Default(),
		codec:  router.DefaultCodec,
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{
		handler: h,
		codec:   o.codec,
		log:     o.logger.With("transport", Scheme),
	}
	routerOpts := append([]router.Option{router.WithLogger(s.log), router.WithName(Scheme)}, o.routerOpts...)
	r, err := router.New[*session](s, routerOpts...)
	if err != nil {
		return nil, err
	}
	s.router = r
	grpcOpts := append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, o.grpcOpts...)
	s.grpc = grpc.NewServer(grpcOpts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s, nil
}

// Serve accepts sessions on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// GracefulStop waits for open sessions to end.
func (s *Server) GracefulStop() { s.grpc.GracefulStop() }

// Stop closes every session.
func (s *Server) Stop() { s.grpc.Stop() }

// Active reports the number of calls in flight across all sessions.
func (s *Server) Active() int { return s.router.Active() }

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

// Session serves one bidirectional stream.
func (s *Server) Session(stream grpc.ServerStream) error {
	ctx := stream.Context()
	sess := &session{info: router.SessionInfo{ID: uuid.NewString(), CreatedAt: time.Now()}}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(UserIDHeader); len(v) > 0 {
			sess.info.UserID = v[0]
		}
	}
	sess.out = outbox.New(func(frame []byte) error {
		return stream.SendMsg(&frame)
	})
	recv := router.NewReceiver(s.router, sess, s.handler, s.codec, sess.info)

	log := s.log.With("session", sess.info.ID)
	if p, ok := peer.FromContext(ctx); ok {
		log = log.With("remote", p.Addr.String())
	}
	log.Debug("session opened", "user", sess.info.UserID)
	defer func() {
		n := recv.Close()
		sess.out.Close()
		<-sess.out.Done()
		log.Debug("session closed", "cancelled", n)
	}()

	for {
		var frame []byte
		if err := stream.RecvMsg(&frame); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := recv.HandleFrame(ctx, frame); err != nil {
			log.Warn("dropping malformed request", "error", err)
		}
	}
}
