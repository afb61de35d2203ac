// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SessionInfo describes the connection a call arrived on.
type SessionInfo struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

type sessionKey struct{}

type requestIDKey struct{}

// WithSession returns a copy of ctx carrying info.
func WithSession(ctx context.Context, info SessionInfo) context.Context {
	return context.WithValue(ctx, sessionKey{}, info)
}

// SessionFrom returns the session a handler's call arrived on.
func SessionFrom(ctx context.Context) (SessionInfo, bool) {
	info, ok := ctx.Value(sessionKey{}).(SessionInfo)
	return info, ok
}

func withRequestID(ctx context.Context, id RequestID) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the id of the call a handler is serving.
func RequestIDFrom(ctx context.Context) (RequestID, bool) {
	id, ok := ctx.Value(requestIDKey{}).(RequestID)
	return id, ok
}

// Receiver feeds the requests of one connection into a Router.
type Receiver[C comparable] struct {
	router   *Router[C]
	replyCtx C
	handler  CallHandler
	codec    Codec
	info     SessionInfo
}

// NewReceiver binds replyCtx and h to r for one connection.
func NewReceiver[C comparable](r *Router[C], replyCtx C, h CallHandler, codec Codec, info SessionInfo) *Receiver[C] {
	if codec == nil {
		codec = DefaultCodec
	}
	return &Receiver[C]{router: r, replyCtx: replyCtx, handler: h, codec: codec, info: info}
}

// Info returns the session metadata handed to handlers.
func (rc *Receiver[C]) Info() SessionInfo { return rc.info }

// Handle dispatches req.
func (rc *Receiver[C]) Handle(ctx context.Context, req Request) {
	rc.router.Dispatch(WithSession(ctx, rc.info), req, rc.replyCtx, rc.handler)
}

// HandleFrame decodes one frame and dispatches it. When the frame is
// malformed but still names a call id, the caller is told through an Error
// outcome on that id so it does not wait forever. The decode error is
// returned either way.
func (rc *Receiver[C]) HandleFrame(ctx context.Context, frame []byte) error {
	var req Request
	if err := rc.codec.Decode(frame, &req); err != nil {
		if !errors.Is(err, ErrMalformedRequest) {
			err = errors.Join(ErrMalformedRequest, err)
		}
		if id, ok := PeekRequestID(frame); ok {
			rc.router.SendError(rc.replyCtx, id, err)
		}
		return err
	}
	rc.Handle(ctx, req)
	return nil
}

// Close cancels whatever the connection still has in flight.
func (rc *Receiver[C]) Close() int {
	return rc.router.Release(rc.replyCtx)
}

// PeekRequestID extracts the id of a Call frame without decoding its
// parameters.
func PeekRequestID(frame []byte) (RequestID, bool) {
	var probe struct {
		Call []json.RawMessage `json:"Call"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil || len(probe.Call) == 0 {
		return 0, false
	}
	var id RequestID
	if err := json.Unmarshal(probe.Call[0], &id); err != nil {
		return 0, false
	}
	return id, true
}
