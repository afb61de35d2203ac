// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net/url"
	"slices"
	"sync"
)

// Transport moves encoded frames between a Client and a server. Send must be
// safe for concurrent use; Recv is only called from one goroutine.
type Transport interface {
	io.Closer
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// DialFunc opens a Transport to target.
type DialFunc func(ctx context.Context, target *url.URL) (Transport, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]DialFunc{}
)

// RegisterDialer makes scheme available to Dial. Transport packages call it
// from init.
func RegisterDialer(scheme string, dial DialFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[scheme] = dial
}

// AvailableTransports returns the registered schemes in name order.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	return slices.Sorted(maps.Keys(transports))
}

// HasTransport checks if a scheme is registered.
func HasTransport(scheme string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[scheme]
	return ok
}

// DialTransport opens a Transport using the dialer registered for target's
// scheme, e.g. "tcp://localhost:9000" or "ws://localhost:8080/rpc".
func DialTransport(ctx context.Context, target string) (Transport, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("router dial: %w", err)
	}
	transportsMu.RLock()
	dial, ok := transports[u.Scheme]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, u.Scheme)
	}
	return dial(ctx, u)
}

// Dial connects to target and returns a Client over it.
func Dial(ctx context.Context, target string, opts ...ClientOption) (*Client, error) {
	t, err := DialTransport(ctx, target)
	if err != nil {
		return nil, err
	}
	return NewClient(t, opts...), nil
}
