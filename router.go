// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/luxfi/router"

//go:generate mockgen -source=router.go -destination=sender_mock_test.go -package=router Sender

// Sender delivers responses to the reply context they belong to. It is
// called from whatever goroutine produced the outcome and must not block.
type Sender[C comparable] interface {
	SendResponse(replyCtx C, resp WireResponse)
}

// SenderFunc is a function adapter for Sender.
type SenderFunc[C comparable] func(replyCtx C, resp WireResponse)

func (f SenderFunc[C]) SendResponse(replyCtx C, resp WireResponse) { f(replyCtx, resp) }

// Option configures a Router.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	clock      func() time.Time
	registerer prometheus.Registerer
	name       string
	tracer     trace.TracerProvider
	ackAborts  bool
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock used for Observer.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithRegisterer registers the router's collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithName labels the router's logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithTracerProvider sets the provider for dispatch spans. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithAbortAcknowledgement makes the router answer a resolved Abort with an
// Aborted outcome. The call is terminated at that point and anything its
// handler sends afterwards is dropped.
func WithAbortAcknowledgement(ack bool) Option {
	return func(o *options) { o.ackAborts = ack }
}

// Router correlates requests arriving on reply contexts of type C with the
// handlers serving them and routes every outcome back to the right context.
type Router[C comparable] struct {
	reg       *registry[C]
	sender    Sender[C]
	log       *slog.Logger
	clock     func() time.Time
	metrics   *metrics
	tracer    trace.Tracer
	ackAborts bool
}

// New returns a Router that hands responses to sender.
func New[C comparable](sender Sender[C], opts ...Option) (*Router[C], error) {
	o := options{
		logger: slog.Default(),
		clock:  time.Now,
		name:   "default",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider()
	}
	m, err := newMetrics(o.registerer, o.name)
	if err != nil {
		return nil, fmt.Errorf("router metrics: %w", err)
	}
	return &Router[C]{
		reg:       newRegistry[C](),
		sender:    sender,
		log:       o.logger.With("router", o.name),
		clock:     o.clock,
		metrics:   m,
		tracer:    o.tracer.Tracer(tracerName),
		ackAborts: o.ackAborts,
	}, nil
}

// Dispatch routes one decoded request. Calls are handed to h; aborts only
// trip the matching call's cancellation flag. Dispatch returns as soon as the
// handler method returns, which may be before the call is finished.
func (r *Router[C]) Dispatch(ctx context.Context, req Request, replyCtx C, h CallHandler) {
	switch req.Kind {
	case RequestCall:
		r.call(ctx, req.ID, req.Call, replyCtx, h)
	case RequestAbort:
		r.abort(req.ID, req.Reason, replyCtx)
	default:
		r.log.Warn("dropping request of unknown kind", "kind", req.Kind, "id", req.ID)
	}
}

func (r *Router[C]) call(ctx context.Context, id RequestID, call Call, replyCtx C, h CallHandler) {
	now := r.clock()
	ref := &replyRef[C]{ctx: replyCtx, boundAt: now}
	state, replaced := r.reg.register(ref, id)
	if replaced != nil {
		r.metrics.superseded.Inc()
		r.log.Warn("request id reused while in flight, cancelling previous call", "id", id, "op", call.Op)
	}
	c := &activeCall[C]{id: id, ref: ref, router: r, state: state}

	e, err := lookupOperation(call.Op)
	if err != nil {
		r.log.Warn("rejecting call", "id", id, "error", err)
		c.respond(ErrorOutcome(AsDevError(err)))
		return
	}
	r.metrics.calls.WithLabelValues(string(e.name)).Inc()
	r.log.Debug("dispatching call", "id", id, "op", e.name)

	ctx, span := r.tracer.Start(withRequestID(ctx, id), "router.Dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int64("router.request_id", int64(id)),
			attribute.String("router.operation", string(e.name)),
			attribute.Bool("router.superseded", replaced != nil),
		),
	)
	defer span.End()

	if err := e.invoke(ctx, h, call.Params, newSink(c, e.name, now)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.respond(ErrorOutcome(AsDevError(err)))
	}
}

func (r *Router[C]) abort(id RequestID, reason string, replyCtx C) {
	state, ok := r.reg.resolveAbort(replyCtx, id)
	if !ok {
		r.metrics.aborts.WithLabelValues("unknown").Inc()
		r.log.Warn("abort for unknown request", "id", id, "reason", reason)
		return
	}
	r.metrics.aborts.WithLabelValues("resolved").Inc()
	r.log.Debug("call aborted", "id", id, "reason", reason)
	if !r.ackAborts {
		return
	}
	o := AbortedOutcome(reason)
	if r.deliver(state, replyCtx, id, o) {
		r.reg.release(replyCtx, id, state)
	}
}

// respond is the only path from an active call to the sender. It always uses
// the call's own strong reference to the reply context.
func (r *Router[C]) respond(c *activeCall[C], o Outcome) bool {
	if !r.deliver(c.state, c.ref.ctx, c.id, o) {
		return false
	}
	if o.Kind.Terminal() {
		r.reg.release(c.ref.ctx, c.id, c.state)
	}
	return true
}

func (r *Router[C]) deliver(state *callState, replyCtx C, id RequestID, o Outcome) bool {
	sent := state.send(o.Kind.Terminal(), func() {
		r.sender.SendResponse(replyCtx, WireResponse{ID: id, Outcome: o})
	})
	if !sent {
		r.metrics.dropped.WithLabelValues(o.Kind.String()).Inc()
		r.log.Debug("dropping response after terminal outcome", "id", id, "outcome", o.Kind)
		return false
	}
	r.metrics.responses.WithLabelValues(o.Kind.String()).Inc()
	return true
}

// SendError answers id on replyCtx with an Error outcome, for failures
// detected before a request could be dispatched. If a call with that id is
// still live on replyCtx, the error ends it: the call is cancelled and
// whatever its handler sends afterwards is dropped.
func (r *Router[C]) SendError(replyCtx C, id RequestID, err error) {
	o := ErrorOutcome(AsDevError(err))
	if state, ok := r.reg.resolveAbort(replyCtx, id); ok {
		r.log.Warn("error reply ends live call", "id", id, "error", err)
		if r.deliver(state, replyCtx, id, o) {
			r.reg.release(replyCtx, id, state)
		}
		return
	}
	r.metrics.responses.WithLabelValues(OutcomeError.String()).Inc()
	r.sender.SendResponse(replyCtx, WireResponse{ID: id, Outcome: o})
}

// LookupContext returns the reply context most recently registered for id,
// as long as the call holding it is still alive. A call stops being alive
// once its terminal outcome is sent, even if its Observer is still held. Ids
// are only unique per context, so with several contexts in play this is a
// best-effort answer.
func (r *Router[C]) LookupContext(id RequestID) (C, bool) {
	return r.reg.lookup(id)
}

// Release cancels every in-flight call of replyCtx and forgets them. It is
// meant for transports to call when a connection goes away.
func (r *Router[C]) Release(replyCtx C) int {
	n := r.reg.releaseContext(replyCtx)
	if n > 0 {
		r.metrics.released.Add(float64(n))
		r.log.Debug("released reply context", "calls", n)
	}
	return n
}

// Active reports the number of registered calls.
func (r *Router[C]) Active() int {
	return r.reg.size()
}
