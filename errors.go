// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var (
	ErrMalformedRequest  = errors.New("router: malformed request")
	ErrMalformedResponse = errors.New("router: malformed response")
	ErrUnknownOperation  = errors.New("router: unknown operation")
	ErrAlreadyTerminated = errors.New("router: call already terminated")
	ErrCallTerminated    = errors.New("router: emit after terminal outcome")
	ErrAborted           = errors.New("router: call aborted")
	ErrClientClosed      = errors.New("router: client closed")
	ErrUnknownTransport  = errors.New("router: unknown transport")
)

// DevError is the structured error carried by the terminal Error outcome.
// Records hold JSON-encodable diagnostic values, RecordsDebug holds values
// that were only printable, and Cause links to the error that led to this
// one.
type DevError struct {
	Message      string            `json:"message"`
	Records      map[string]any    `json:"records,omitempty"`
	RecordsDebug map[string]string `json:"records_dbg,omitempty"`
	Cause        *DevError         `json:"cause,omitempty"`
}

// NewDevError returns a DevError with the given message.
func NewDevError(message string) *DevError {
	return &DevError{Message: message}
}

// Errorf is NewDevError with fmt.Sprintf formatting.
func Errorf(format string, args ...any) *DevError {
	return &DevError{Message: fmt.Sprintf(format, args...)}
}

// Because sets the cause and returns e.
func (e *DevError) Because(cause *DevError) *DevError {
	e.Cause = cause
	return e
}

// With attaches a JSON-encodable diagnostic value.
func (e *DevError) With(name string, value any) *DevError {
	if e.Records == nil {
		e.Records = make(map[string]any)
	}
	e.Records[name] = value
	return e
}

// WithDebug attaches a diagnostic value rendered with %+v.
func (e *DevError) WithDebug(name string, value any) *DevError {
	if e.RecordsDebug == nil {
		e.RecordsDebug = make(map[string]string)
	}
	e.RecordsDebug[name] = fmt.Sprintf("%+v", value)
	return e
}

func (e *DevError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, k := range slices.Sorted(maps.Keys(e.Records)) {
		fmt.Fprintf(&b, "\n  %s: %v", k, e.Records[k])
	}
	for _, k := range slices.Sorted(maps.Keys(e.RecordsDebug)) {
		fmt.Fprintf(&b, "\n  %s: %s", k, e.RecordsDebug[k])
	}
	if e.Cause != nil {
		b.WriteString("\nCaused by: ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *DevError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// AsDevError converts err into a DevError. A DevError anywhere in the chain
// is returned as is once reached; wrapping layers above it become messages
// of their own with the inner error as cause. Of several wrapped errors, the
// cause is the first one holding a DevError, or else the last one.
func AsDevError(err error) *DevError {
	if err == nil {
		return nil
	}
	if de, ok := err.(*DevError); ok {
		return de
	}
	de := &DevError{Message: err.Error()}
	if inner := causeOf(err); inner != nil {
		de.Cause = AsDevError(inner)
	}
	return de
}

func causeOf(err error) error {
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return u.Unwrap()
	case interface{ Unwrap() []error }:
		var last error
		for _, e := range u.Unwrap() {
			if e == nil {
				continue
			}
			var de *DevError
			if errors.As(e, &de) {
				return e
			}
			last = e
		}
		return last
	}
	return nil
}
