// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Operation names a remote call. The name doubles as the variant tag used on
// the wire for both the call parameters and the Next values it produces.
type Operation string

const (
	OpFindShortestPath    Operation = "find_shortest_path"
	OpComputeGraphMetrics Operation = "compute_graph_metrics"
	OpPing                Operation = "ping"
)

// CallHandler has one method per operation in the catalog. Methods may
// return before the call is finished; the Observer stays valid until a
// terminal outcome is sent.
type CallHandler interface {
	FindShortestPath(ctx context.Context, params ShortestPathParams, obs *Observer[PathResult])
	ComputeGraphMetrics(ctx context.Context, params GraphMetricsParams, obs *Observer[GraphMetrics])
	Ping(ctx context.Context, params PingParams, obs *Observer[Empty])
}

// opEntry is one row of the dispatch table.
type opEntry struct {
	name         Operation
	decodeParams func([]byte) (any, error)
	decodeResult func([]byte) (any, error)
	invoke       func(ctx context.Context, h CallHandler, params any, s *sink) error
}

var catalog = buildCatalog(
	entry(OpFindShortestPath, CallHandler.FindShortestPath),
	entry(OpComputeGraphMetrics, CallHandler.ComputeGraphMetrics),
	entry(OpPing, CallHandler.Ping),
)

func buildCatalog(entries ...opEntry) map[Operation]opEntry {
	m := make(map[Operation]opEntry, len(entries))
	for _, e := range entries {
		if _, dup := m[e.name]; dup {
			panic(fmt.Sprintf("router: duplicate operation %q", e.name))
		}
		m[e.name] = e
	}
	return m
}

// entry binds an operation name to a handler method expression. P and R are
// the parameter and result types; results are boxed into Next outcomes
// tagged with name.
func entry[P, R any](name Operation, method func(CallHandler, context.Context, P, *Observer[R])) opEntry {
	return opEntry{
		name:         name,
		decodeParams: decodeAs[P],
		decodeResult: decodeAs[R],
		invoke: func(ctx context.Context, h CallHandler, params any, s *sink) error {
			p, ok := params.(P)
			if !ok {
				return fmt.Errorf("%w: %s expects %T params, got %T", ErrMalformedRequest, name, *new(P), params)
			}
			method(h, ctx, p, &Observer[R]{sink: s})
			return nil
		},
	}
}

func decodeAs[T any](data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func lookupOperation(op Operation) (opEntry, error) {
	e, ok := catalog[op]
	if !ok {
		return opEntry{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return e, nil
}

// DecodeParams decodes the JSON parameters of op into its typed value.
func DecodeParams(op Operation, raw []byte) (any, error) {
	e, err := lookupOperation(op)
	if err != nil {
		return nil, err
	}
	params, err := e.decodeParams(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s params: %w", ErrMalformedRequest, op, err)
	}
	return params, nil
}

// Operations lists the catalog in name order.
func Operations() []Operation {
	return slices.Sorted(maps.Keys(catalog))
}
