// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package jsonrpc bridges the router to unary JSON-RPC 2.0 over HTTP. A
// request to the "router.Call" method runs one call to its terminal outcome
// and answers with every value it streamed.
package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	rpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/router"
)

const (
	// Method is the JSON-RPC method name served by the bridge.
	Method = "router.Call"

	// UserIDHeader is copied into SessionInfo.UserID.
	UserIDHeader = "X-User-ID"

	bridgeRequestID router.RequestID = 1
)

// CallArgs are the parameters of router.Call.
type CallArgs struct {
	Op     router.Operation `json:"op"`
	Params json.RawMessage  `json:"params"`
}

// CallReply is the result of router.Call.
type CallReply struct {
	Values []json.RawMessage `json:"values"`
	Notes  string            `json:"notes"`
}

// Option configures a Bridge.
type Option func(*bridgeOptions)

type bridgeOptions struct {
	logger     *slog.Logger
	timeout    time.Duration
	routerOpts []router.Option
}

// WithLogger sets the bridge's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *bridgeOptions) { o.logger = l }
}

// WithCallTimeout aborts calls that have not terminated after d. Zero means
// calls only end with their HTTP request.
func WithCallTimeout(d time.Duration) Option {
	return func(o *bridgeOptions) { o.timeout = d }
}

// WithRouterOptions passes options through to the bridge's Router.
func WithRouterOptions(opts ...router.Option) Option {
	return func(o *bridgeOptions) { o.routerOpts = append(o.routerOpts, opts...) }
}

// exchange is the reply context of one HTTP request.
type exchange struct {
	mu     sync.Mutex
	values []any
	done   chan router.Outcome
}

func newExchange() *exchange {
	return &exchange{done: make(chan router.Outcome, 1)}
}

// Bridge is an http.Handler serving router.Call.
type Bridge struct {
	handler router.CallHandler
	router  *router.Router[*exchange]
	log     *slog.Logger
	timeout time.Duration
	rpc     *rpc.Server
}

// NewBridge serves h over JSON-RPC.
func NewBridge(h router.CallHandler, opts ...Option) (*Bridge, error) {
	o := bridgeOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	b := &Bridge{
		handler: h,
		log:     o.logger.With("transport", "jsonrpc"),
		timeout: o.timeout,
	}
	routerOpts := append([]router.Option{router.WithLogger(b.log), router.WithName("jsonrpc")}, o.routerOpts...)
	r, err := router.New[*exchange](router.SenderFunc[*exchange](b.sendResponse), routerOpts...)
	if err != nil {
		return nil, err
	}
	b.router = r

	b.rpc = rpc.NewServer()
	b.rpc.RegisterCodec(json2.NewCodec(), "application/json")
	if err := b.rpc.RegisterService(&service{bridge: b}, "router"); err != nil {
		return nil, fmt.Errorf("register router service: %w", err)
	}
	return b, nil
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.rpc.ServeHTTP(w, r)
}

func (b *Bridge) sendResponse(ex *exchange, resp router.WireResponse) {
	if resp.Outcome.Kind == router.OutcomeNext {
		ex.mu.Lock()
		ex.values = append(ex.values, resp.Outcome.Value)
		ex.mu.Unlock()
		return
	}
	select {
	case ex.done <- resp.Outcome:
	default:
	}
}

// call runs one call to completion on behalf of an HTTP request.
func (b *Bridge) call(r *http.Request, args *CallArgs, reply *CallReply) error {
	params, err := router.DecodeParams(args.Op, args.Params)
	if err != nil {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: err.Error()}
	}

	ctx := r.Context()
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	info := router.SessionInfo{ID: uuid.NewString(), UserID: r.Header.Get(UserIDHeader), CreatedAt: time.Now()}
	ctx = router.WithSession(ctx, info)

	ex := newExchange()
	defer b.router.Release(ex)
	b.router.Dispatch(ctx, router.NewCall(bridgeRequestID, args.Op, params), ex, b.handler)

	var o router.Outcome
	select {
	case o = <-ex.done:
	case <-ctx.Done():
		b.router.Dispatch(ctx, router.NewAbort(bridgeRequestID, context.Cause(ctx).Error()), ex, b.handler)
		return &json2.Error{Code: json2.E_SERVER, Message: fmt.Sprintf("call %s: %v", args.Op, context.Cause(ctx))}
	}

	switch o.Kind {
	case router.OutcomeComplete:
		ex.mu.Lock()
		values := ex.values
		ex.mu.Unlock()
		reply.Notes = o.Text
		reply.Values = make([]json.RawMessage, 0, len(values))
		for _, v := range values {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode %s value: %w", args.Op, err)
			}
			reply.Values = append(reply.Values, data)
		}
		return nil
	case router.OutcomeError:
		msg := "call failed"
		if o.Err != nil {
			msg = o.Err.Message
		}
		return &json2.Error{Code: json2.E_SERVER, Message: msg, Data: o.Err}
	default:
		return &json2.Error{Code: json2.E_SERVER, Message: "call " + o.Kind.String() + ": " + o.Text}
	}
}

// service is the receiver registered with the RPC server.
type service struct {
	bridge *Bridge
}

func (s *service) Call(r *http.Request, args *CallArgs, reply *CallReply) error {
	return s.bridge.call(r, args, reply)
}

// DevError extracts the structured error carried by a router.Call failure.
func DevError(err error) (*router.DevError, bool) {
	var jerr *json2.Error
	if !errors.As(err, &jerr) || jerr.Data == nil {
		return nil, false
	}
	data, err := json.Marshal(jerr.Data)
	if err != nil {
		return nil, false
	}
	var de router.DevError
	if err := json.Unmarshal(data, &de); err != nil || de.Message == "" {
		return nil, false
	}
	return &de, true
}
