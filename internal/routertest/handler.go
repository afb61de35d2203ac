// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package routertest has a scripted CallHandler for transport tests.
package routertest

import (
	"context"
	"time"

	"github.com/luxfi/router"
)

var _ router.CallHandler = (*Handler)(nil)

// Handler answers the catalog with canned behavior:
//
//   - ping completes with "pong"
//   - find_shortest_path streams [start] and [start end] then completes
//   - compute_graph_metrics runs until cancelled and then fails
type Handler struct {
	// Started receives the id of every compute_graph_metrics call once it
	// is running. It may be nil.
	Started chan router.RequestID
}

// New returns a Handler with a buffered Started channel.
func New() *Handler {
	return &Handler{Started: make(chan router.RequestID, 16)}
}

func (h *Handler) Ping(_ context.Context, _ router.PingParams, obs *router.Observer[router.Empty]) {
	obs.Complete("pong")
}

func (h *Handler) FindShortestPath(_ context.Context, p router.ShortestPathParams, obs *router.Observer[router.PathResult]) {
	emit, done := obs.Split()
	go func() {
		_ = emit.Next(router.PathResult{Path: []int{p.StartIdx}})
		_ = emit.Next(router.PathResult{Path: []int{p.StartIdx, p.EndIdx}, Distance: 1})
		done.Complete("done")
	}()
}

func (h *Handler) ComputeGraphMetrics(_ context.Context, _ router.GraphMetricsParams, obs *router.Observer[router.GraphMetrics]) {
	go func() {
		if h.Started != nil {
			h.Started <- obs.RequestID()
		}
		deadline := time.After(10 * time.Second)
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if obs.Cancelled() {
					obs.Fail(router.NewDevError("call aborted"))
					return
				}
			case <-deadline:
				obs.Fail(router.NewDevError("never cancelled"))
				return
			}
		}
	}()
}
