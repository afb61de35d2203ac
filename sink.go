// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"fmt"
	"sync/atomic"
	"time"
)

// sink is shared by every handle of one call.
type sink struct {
	call responder
	op   Operation
	now  time.Time
	used atomic.Bool
}

func newSink(call responder, op Operation, now time.Time) *sink {
	return &sink{call: call, op: op, now: now}
}

func (s *sink) next(v any) error {
	if !s.call.respond(NextOutcome(s.op, v)) {
		return fmt.Errorf("%w: request %d", ErrCallTerminated, s.call.requestID())
	}
	return nil
}

// terminate sends o, which must be terminal. Terminating the same call twice
// is a programming error and panics.
func (s *sink) terminate(o Outcome) {
	if !s.used.CompareAndSwap(false, true) {
		panic(fmt.Errorf("%w: request %d", ErrAlreadyTerminated, s.call.requestID()))
	}
	s.call.respond(o)
}

// Observer is the handle a handler receives for one call. It can stream any
// number of Next values and must be finished with exactly one Complete or
// Fail. All methods are safe for concurrent use.
type Observer[T any] struct {
	sink *sink
}

// Next streams v to the caller. It returns ErrCallTerminated once the call
// has ended, either by this handler or by an acknowledged abort.
func (o *Observer[T]) Next(v T) error { return o.sink.next(v) }

// Complete ends the call successfully.
func (o *Observer[T]) Complete(notes string) { o.sink.terminate(CompleteOutcome(notes)) }

// Fail ends the call with err, converted with AsDevError.
func (o *Observer[T]) Fail(err error) {
	if err == nil {
		err = NewDevError("call failed")
	}
	o.sink.terminate(ErrorOutcome(AsDevError(err)))
}

// Cancelled reports whether the caller aborted the call, or the call was
// superseded or its connection went away.
func (o *Observer[T]) Cancelled() bool { return o.sink.call.signal().Tripped() }

// Signal returns the call's cancellation signal.
func (o *Observer[T]) Signal() CancelSignal { return o.sink.call.signal() }

// Now is the time the call was dispatched.
func (o *Observer[T]) Now() time.Time { return o.sink.now }

// RequestID is the caller's id for this call.
func (o *Observer[T]) RequestID() RequestID { return o.sink.call.requestID() }

// Split separates the streaming side from the terminal side so they can be
// handed to different goroutines.
func (o *Observer[T]) Split() (*Emitter[T], *Completer[T]) {
	return &Emitter[T]{sink: o.sink}, &Completer[T]{sink: o.sink}
}

// Emitter streams values for a call.
type Emitter[T any] struct {
	sink *sink
}

func (e *Emitter[T]) Next(v T) error       { return e.sink.next(v) }
func (e *Emitter[T]) Cancelled() bool      { return e.sink.call.signal().Tripped() }
func (e *Emitter[T]) Now() time.Time       { return e.sink.now }
func (e *Emitter[T]) RequestID() RequestID { return e.sink.call.requestID() }
func (e *Emitter[T]) Signal() CancelSignal { return e.sink.call.signal() }

// Completer sends the single terminal outcome of a call.
type Completer[T any] struct {
	sink *sink
}

func (c *Completer[T]) Complete(notes string) { c.sink.terminate(CompleteOutcome(notes)) }

func (c *Completer[T]) Fail(err error) {
	if err == nil {
		err = NewDevError("call failed")
	}
	c.sink.terminate(ErrorOutcome(AsDevError(err)))
}
