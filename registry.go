// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"sync"
	"time"
	"weak"
)

// callKey identifies a call within the registry.
type callKey[C comparable] struct {
	ctx C
	id  RequestID
}

// callState is shared between the registry and the active call it belongs to.
type callState struct {
	token CancelToken

	// mu orders sends for one call and guards done, which is set once a
	// terminal outcome has gone out.
	mu   sync.Mutex
	done bool
}

// send runs fn under the call's send lock unless a terminal outcome was
// already sent. It reports whether fn ran.
func (s *callState) send(terminal bool, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	if terminal {
		s.done = true
	}
	fn()
	return true
}

// replyRef is the strong reference to a reply context held by an active
// call. The registry only ever holds weak pointers to it.
type replyRef[C comparable] struct {
	ctx     C
	boundAt time.Time
}

// registry maps live calls to their cancellation state. Readers (abort
// resolution, context lookup) share the lock; registration and release take
// it exclusively.
type registry[C comparable] struct {
	mu       sync.RWMutex
	calls    map[callKey[C]]*callState
	contexts map[RequestID]weak.Pointer[replyRef[C]]
}

func newRegistry[C comparable]() *registry[C] {
	return &registry[C]{
		calls:    make(map[callKey[C]]*callState),
		contexts: make(map[RequestID]weak.Pointer[replyRef[C]]),
	}
}

// register installs fresh state for (ref.ctx, id). The previous state under
// the same key, if any, is returned after being tripped.
func (r *registry[C]) register(ref *replyRef[C], id RequestID) (state, replaced *callState) {
	state = &callState{token: NewCancelToken()}
	key := callKey[C]{ctx: ref.ctx, id: id}

	r.mu.Lock()
	replaced = r.calls[key]
	r.calls[key] = state
	r.contexts[id] = weak.Make(ref)
	r.mu.Unlock()

	if replaced != nil {
		replaced.token.Trip()
	}
	return state, replaced
}

// resolveAbort trips the call registered under (ctx, id).
func (r *registry[C]) resolveAbort(ctx C, id RequestID) (*callState, bool) {
	r.mu.RLock()
	state, ok := r.calls[callKey[C]{ctx: ctx, id: id}]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	state.token.Trip()
	return state, true
}

// lookup returns the reply context last registered for id, as long as the
// active call holding it is still reachable.
func (r *registry[C]) lookup(id RequestID) (C, bool) {
	r.mu.RLock()
	wp, ok := r.contexts[id]
	r.mu.RUnlock()

	var zero C
	if !ok {
		return zero, false
	}
	ref := wp.Value()
	if ref == nil {
		return zero, false
	}
	return ref.ctx, true
}

// release forgets (ctx, id) if it still belongs to state. Entries that were
// superseded in the meantime are left alone.
func (r *registry[C]) release(ctx C, id RequestID, state *callState) {
	key := callKey[C]{ctx: ctx, id: id}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[key] != state {
		return
	}
	delete(r.calls, key)
	if wp, ok := r.contexts[id]; ok {
		if ref := wp.Value(); ref == nil || ref.ctx == ctx {
			delete(r.contexts, id)
		}
	}
}

// releaseContext trips and forgets every call registered for ctx. It
// returns how many calls were still registered.
func (r *registry[C]) releaseContext(ctx C) int {
	r.mu.Lock()
	var states []*callState
	for key, state := range r.calls {
		if key.ctx == ctx {
			states = append(states, state)
			delete(r.calls, key)
		}
	}
	for id, wp := range r.contexts {
		if ref := wp.Value(); ref == nil || ref.ctx == ctx {
			delete(r.contexts, id)
		}
	}
	r.mu.Unlock()

	for _, s := range states {
		s.token.Trip()
	}
	return len(states)
}

// size reports the number of registered calls.
func (r *registry[C]) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
