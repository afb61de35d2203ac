// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

// responder is the side of an active call that sinks talk to.
type responder interface {
	requestID() RequestID
	respond(o Outcome) bool
	signal() CancelSignal
}

// activeCall is one in-flight call. It owns the only strong reference to the
// reply context; the registry sees it weakly through ref.
type activeCall[C comparable] struct {
	id     RequestID
	ref    *replyRef[C]
	router *Router[C]
	state  *callState
}

func (c *activeCall[C]) requestID() RequestID { return c.id }

func (c *activeCall[C]) signal() CancelSignal { return c.state.token.Signal() }

// respond forwards o to the router's sender. It returns false when the
// outcome was dropped because the call already terminated.
func (c *activeCall[C]) respond(o Outcome) bool {
	return c.router.respond(c, o)
}
