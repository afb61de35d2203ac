// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package outbox queues outgoing messages for one connection so producers
// never wait on the network.
package outbox

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Push after Close or after a write failed.
var ErrClosed = errors.New("outbox: closed")

// Outbox is an unbounded FIFO drained by a single writer goroutine.
type Outbox[T any] struct {
	write func(T) error

	mu     sync.Mutex
	queue  []T
	closed bool
	err    error

	notify chan struct{}
	done   chan struct{}
}

// New starts a writer goroutine calling write for each pushed message, in
// push order.
func New[T any](write func(T) error) *Outbox[T] {
	o := &Outbox[T]{
		write:  write,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

// Push queues msg. It never blocks.
func (o *Outbox[T]) Push(msg T) error {
	o.mu.Lock()
	if o.closed {
		err := o.err
		o.mu.Unlock()
		if err != nil {
			return errors.Join(ErrClosed, err)
		}
		return ErrClosed
	}
	o.queue = append(o.queue, msg)
	o.mu.Unlock()
	o.wake()
	return nil
}

// Len reports the number of messages waiting to be written.
func (o *Outbox[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Close stops accepting messages. Messages already queued are still written.
func (o *Outbox[T]) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wake()
}

// Done is closed once the writer goroutine has exited.
func (o *Outbox[T]) Done() <-chan struct{} { return o.done }

// Err returns the write error that stopped the outbox, if any.
func (o *Outbox[T]) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Outbox[T]) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Outbox[T]) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		closed := o.closed
		o.mu.Unlock()

		for _, msg := range batch {
			if err := o.write(msg); err != nil {
				o.mu.Lock()
				o.closed = true
				o.err = err
				o.queue = nil
				o.mu.Unlock()
				return
			}
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-o.notify
		}
	}
}
