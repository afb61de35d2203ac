// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package router correlates streaming RPC calls with their callers over any
// transport.
//
// A caller sends Requests, each either a Call carrying an operation and its
// parameters or an Abort of an earlier call. Every Request names a RequestID
// chosen by the caller. The server side answers with WireResponses carrying
// the same id: zero or more Next values followed by exactly one terminal
// outcome (Error, Complete, or, when acknowledgements are on, Aborted).
//
// # Server side
//
// A transport owns a Router whose type parameter is its reply context, the
// comparable handle it uses to find a connection again (a session pointer, a
// reply queue name). It decodes frames and hands them to Dispatch together
// with the reply context and a CallHandler:
//
//	r, err := router.New[*session](sender, router.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	recv := router.NewReceiver(r, sess, handler, nil, info)
//	for frame := range frames {
//	    if err := recv.HandleFrame(ctx, frame); err != nil {
//	        log.Warn("bad frame", "error", err)
//	    }
//	}
//	recv.Close() // cancels whatever is still in flight
//
// Handlers receive an Observer for the call. They may return right away and
// finish the call later from another goroutine:
//
//	func (h *Handler) Ping(ctx context.Context, _ router.PingParams, obs *router.Observer[router.Empty]) {
//	    go func() {
//	        if obs.Cancelled() {
//	            obs.Fail(router.NewDevError("call aborted"))
//	            return
//	        }
//	        obs.Complete("pong")
//	    }()
//	}
//
// Cancellation is cooperative. An Abort, a reused id, or a released reply
// context only trips the call's flag; handlers poll Cancelled.
//
// # Client side
//
// Transports register URL schemes with RegisterDialer. Dial picks one by
// scheme and returns a Client that multiplexes calls over it:
//
//	c, err := router.Dial(ctx, "tcp://localhost:9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	s, err := c.Call(ctx, router.OpFindShortestPath, params)
//	paths, notes, err := router.Collect[router.PathResult](ctx, s)
//
// # Architecture
//
//   - token.go: CancelToken and CancelSignal
//   - envelope.go: Request and WireResponse with their JSON shapes
//   - catalog.go: the operation catalog and CallHandler
//   - registry.go, call.go, sink.go, router.go: server-side correlation
//   - session.go: per-connection Receiver and handler context values
//   - client.go, transport.go: caller-side multiplexing and dialing
//
//   - metrics.go: prometheus collectors shared per router name
//
// Transports live under transport/ (tcp, ws, grpcstream, jsonrpc, amqp,
// inproc), business logic under pathfinder/ with its result cache under
// storage/. The commands under cmd/ wire everything from internal/config.
package router
