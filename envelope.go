// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestID is assigned by the caller. It is only unique within one reply
// context at one instant.
type RequestID uint64

// RequestKind tags a Request.
type RequestKind uint8

const (
	RequestCall RequestKind = iota + 1
	RequestAbort
)

func (k RequestKind) String() string {
	switch k {
	case RequestCall:
		return "Call"
	case RequestAbort:
		return "Abort"
	default:
		return fmt.Sprintf("RequestKind(%d)", uint8(k))
	}
}

// Call is an operation together with its typed parameters.
type Call struct {
	Op     Operation
	Params any
}

// Request is what a caller sends: either a Call or an Abort of an earlier
// call with the same id.
//
// Wire shape:
//
//	{"Call":[id,{"<op>":params}]}
//	{"Abort":[id,"reason"]}
type Request struct {
	Kind   RequestKind
	ID     RequestID
	Call   Call
	Reason string
}

// NewCall builds a Call request.
func NewCall(id RequestID, op Operation, params any) Request {
	return Request{Kind: RequestCall, ID: id, Call: Call{Op: op, Params: params}}
}

// NewAbort builds an Abort request.
func NewAbort(id RequestID, reason string) Request {
	return Request{Kind: RequestAbort, ID: id, Reason: reason}
}

func (r Request) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case RequestCall:
		return json.Marshal(map[string][2]any{
			"Call": {r.ID, map[Operation]any{r.Call.Op: r.Call.Params}},
		})
	case RequestAbort:
		return json.Marshal(map[string][2]any{
			"Abort": {r.ID, r.Reason},
		})
	default:
		return nil, fmt.Errorf("%w: kind %v", ErrMalformedRequest, r.Kind)
	}
}

func (r *Request) UnmarshalJSON(data []byte) error {
	tag, body, err := singleKey(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	parts, err := pair(body)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedRequest, tag, err)
	}
	var id RequestID
	if err := json.Unmarshal(parts[0], &id); err != nil {
		return fmt.Errorf("%w: %s id: %w", ErrMalformedRequest, tag, err)
	}

	switch tag {
	case "Call":
		name, raw, err := singleKey(parts[1])
		if err != nil {
			return fmt.Errorf("%w: call: %w", ErrMalformedRequest, err)
		}
		e, err := lookupOperation(Operation(name))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
		}
		params, err := e.decodeParams(raw)
		if err != nil {
			return fmt.Errorf("%w: %s params: %w", ErrMalformedRequest, name, err)
		}
		*r = NewCall(id, e.name, params)
	case "Abort":
		var reason string
		if err := json.Unmarshal(parts[1], &reason); err != nil {
			return fmt.Errorf("%w: abort reason: %w", ErrMalformedRequest, err)
		}
		*r = NewAbort(id, reason)
	default:
		return fmt.Errorf("%w: unknown tag %q", ErrMalformedRequest, tag)
	}
	return nil
}

// OutcomeKind tags an Outcome.
type OutcomeKind uint8

const (
	OutcomeNext OutcomeKind = iota + 1
	OutcomeError
	OutcomeComplete
	OutcomeAborted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNext:
		return "next"
	case OutcomeError:
		return "error"
	case OutcomeComplete:
		return "complete"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

// Terminal reports whether the outcome ends the call.
func (k OutcomeKind) Terminal() bool {
	return k == OutcomeError || k == OutcomeComplete || k == OutcomeAborted
}

// Outcome is one reply for a call. Op and Value are set for Next, Err for
// Error, Text for Complete (notes) and Aborted (reason).
type Outcome struct {
	Kind  OutcomeKind
	Op    Operation
	Value any
	Err   *DevError
	Text  string
}

func NextOutcome(op Operation, value any) Outcome {
	return Outcome{Kind: OutcomeNext, Op: op, Value: value}
}

func ErrorOutcome(err *DevError) Outcome {
	return Outcome{Kind: OutcomeError, Err: err}
}

func CompleteOutcome(notes string) Outcome {
	return Outcome{Kind: OutcomeComplete, Text: notes}
}

func AbortedOutcome(reason string) Outcome {
	return Outcome{Kind: OutcomeAborted, Text: reason}
}

// WireResponse pairs an outcome with the id of the call it answers.
//
// Wire shape:
//
//	[id,{"N":{"<op>":value}}]
//	[id,{"Error":{"message":"..."}}]
//	[id,{"Complete":"notes"}]
//	[id,{"Aborted":"reason"}]
type WireResponse struct {
	ID      RequestID
	Outcome Outcome
}

func (w WireResponse) MarshalJSON() ([]byte, error) {
	var body any
	switch o := w.Outcome; o.Kind {
	case OutcomeNext:
		body = map[string]any{"N": map[Operation]any{o.Op: o.Value}}
	case OutcomeError:
		err := o.Err
		if err == nil {
			err = NewDevError("unknown error")
		}
		body = map[string]any{"Error": err}
	case OutcomeComplete:
		body = map[string]any{"Complete": o.Text}
	case OutcomeAborted:
		body = map[string]any{"Aborted": o.Text}
	default:
		return nil, fmt.Errorf("%w: kind %v", ErrMalformedResponse, o.Kind)
	}
	return json.Marshal([2]any{w.ID, body})
}

func (w *WireResponse) UnmarshalJSON(data []byte) error {
	parts, err := pair(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	var id RequestID
	if err := json.Unmarshal(parts[0], &id); err != nil {
		return fmt.Errorf("%w: id: %w", ErrMalformedResponse, err)
	}
	tag, body, err := singleKey(parts[1])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	var out Outcome
	switch tag {
	case "N":
		name, raw, err := singleKey(body)
		if err != nil {
			return fmt.Errorf("%w: next: %w", ErrMalformedResponse, err)
		}
		e, err := lookupOperation(Operation(name))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		value, err := e.decodeResult(raw)
		if err != nil {
			return fmt.Errorf("%w: %s value: %w", ErrMalformedResponse, name, err)
		}
		out = NextOutcome(e.name, value)
	case "Error":
		de, err := decodeDevError(body)
		if err != nil {
			return fmt.Errorf("%w: error: %w", ErrMalformedResponse, err)
		}
		out = ErrorOutcome(de)
	case "Complete", "Aborted":
		var text string
		if err := json.Unmarshal(body, &text); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrMalformedResponse, tag, err)
		}
		if tag == "Complete" {
			out = CompleteOutcome(text)
		} else {
			out = AbortedOutcome(text)
		}
	default:
		return fmt.Errorf("%w: unknown tag %q", ErrMalformedResponse, tag)
	}
	*w = WireResponse{ID: id, Outcome: out}
	return nil
}

// decodeDevError accepts either a DevError object or a bare string.
func decodeDevError(data []byte) (*DevError, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '"' {
		var msg string
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, err
		}
		return NewDevError(msg), nil
	}
	var de DevError
	if err := json.Unmarshal(data, &de); err != nil {
		return nil, err
	}
	return &de, nil
}

func singleKey(data []byte) (string, json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, err
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("expected exactly one tag, got %d", len(m))
	}
	for k, v := range m {
		return k, v, nil
	}
	panic("unreachable")
}

func pair(data []byte) ([]json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, err
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected 2 elements, got %d", len(parts))
	}
	return parts, nil
}
