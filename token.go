// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import "sync/atomic"

// CancelToken is the owning side of a cancellation flag. It can trip the
// flag and hand out read-only signals over the same flag.
//
// Cancellation is cooperative: tripping a token never interrupts anything,
// handlers are expected to poll their signal between units of work.
type CancelToken struct {
	flag *atomic.Bool
}

// CancelSignal is the observing side of a cancellation flag.
type CancelSignal struct {
	flag *atomic.Bool
}

// NewCancelToken returns an untripped token.
func NewCancelToken() CancelToken {
	return CancelToken{flag: new(atomic.Bool)}
}

// Trip sets the flag. It reports whether this call was the one that tripped
// it; later calls are no-ops that return false.
func (t CancelToken) Trip() bool {
	if t.flag == nil {
		return false
	}
	return t.flag.CompareAndSwap(false, true)
}

// Tripped reports whether the token has been tripped.
func (t CancelToken) Tripped() bool {
	return t.flag != nil && t.flag.Load()
}

// Signal returns an observer sharing this token's flag.
func (t CancelToken) Signal() CancelSignal {
	return CancelSignal{flag: t.flag}
}

// Tripped reports whether the owning token has been tripped. The zero
// CancelSignal is never tripped.
func (s CancelSignal) Tripped() bool {
	return s.flag != nil && s.flag.Load()
}
