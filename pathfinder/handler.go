// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pathfinder serves the router's operation catalog: shortest paths
// and metrics over 2D point graphs, plus ping.
package pathfinder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/luxfi/router"
	"github.com/luxfi/router/storage"
)

var ErrAborted = errors.New("pathfinder: emitter's observable was aborted")

var _ router.CallHandler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithStore caches shortest path results in s.
func WithStore(s storage.Store) Option {
	return func(h *Handler) { h.store = s }
}

// WithConcurrency bounds the number of computations running at once.
func WithConcurrency(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// Handler implements router.CallHandler. Every call is computed on its own
// goroutine so Dispatch returns immediately.
type Handler struct {
	store storage.Store
	sem   *semaphore.Weighted
	log   *slog.Logger
}

// New returns a Handler with no cache and one slot per CPU.
func New(opts ...Option) *Handler {
	h := &Handler{
		store: storage.Nop{},
		sem:   semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// run executes work once a slot is free, failing the call instead if it was
// cancelled while waiting.
func run[T any](ctx context.Context, h *Handler, obs *router.Observer[T], work func()) {
	go func() {
		if err := h.sem.Acquire(ctx, 1); err != nil {
			obs.Fail(err)
			return
		}
		defer h.sem.Release(1)
		if obs.Cancelled() {
			obs.Fail(ErrAborted)
			return
		}
		work()
	}()
}

func (h *Handler) FindShortestPath(ctx context.Context, params router.ShortestPathParams, obs *router.Observer[router.PathResult]) {
	run(ctx, h, obs, func() {
		key, err := cacheKey(params)
		if err != nil {
			obs.Fail(err)
			return
		}
		if cached, ok := h.cached(ctx, key); ok {
			if err := obs.Next(cached); err != nil {
				h.log.Debug("result not delivered", "id", obs.RequestID(), "error", err)
			}
			obs.Complete("Path found (cached)")
			return
		}

		result, err := ShortestPath(params, obs.Signal())
		if err != nil {
			obs.Fail(err)
			return
		}
		if data, err := json.Marshal(result); err == nil {
			if err := h.store.Set(ctx, key, data); err != nil {
				h.log.Warn("caching path failed", "key", key, "error", err)
			}
		}
		if err := obs.Next(result); err != nil {
			h.log.Debug("result not delivered", "id", obs.RequestID(), "error", err)
		}
		obs.Complete("Path found successfully")
	})
}

func (h *Handler) ComputeGraphMetrics(ctx context.Context, params router.GraphMetricsParams, obs *router.Observer[router.GraphMetrics]) {
	run(ctx, h, obs, func() {
		m, err := Metrics(params)
		if err != nil {
			obs.Fail(err)
			return
		}
		if err := obs.Next(m); err != nil {
			h.log.Debug("result not delivered", "id", obs.RequestID(), "error", err)
		}
		obs.Complete("Metrics computed successfully")
	})
}

// Ping completes right away, reporting the caller's session when known.
func (h *Handler) Ping(ctx context.Context, _ router.PingParams, obs *router.Observer[router.Empty]) {
	notes := "pong"
	if info, ok := router.SessionFrom(ctx); ok {
		notes = "pong " + info.ID
	}
	obs.Complete(notes)
}

func (h *Handler) cached(ctx context.Context, key string) (router.PathResult, bool) {
	data, ok, err := h.store.Get(ctx, key)
	if err != nil {
		h.log.Warn("reading path cache failed", "key", key, "error", err)
		return router.PathResult{}, false
	}
	if !ok {
		return router.PathResult{}, false
	}
	var result router.PathResult
	if err := json.Unmarshal(data, &result); err != nil {
		h.log.Warn("discarding unreadable cache entry", "key", key, "error", err)
		return router.PathResult{}, false
	}
	return result, true
}

// cacheKey identifies params independently of the session that asked.
func cacheKey(params router.ShortestPathParams) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "path:" + hex.EncodeToString(sum[:]), nil
}
