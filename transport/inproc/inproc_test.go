// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package inproc

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/luxfi/router"
	"github.com/luxfi/router/internal/routertest"
)

func newBridge(t *testing.T, h router.CallHandler) *Bridge {
	t.Helper()
	b, err := New(h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// collect returns a Callback that decodes every response onto a channel.
func collect(t *testing.T) (*Callback, <-chan router.WireResponse) {
	t.Helper()
	ch := make(chan router.WireResponse, 16)
	cb := NewCallback(func(frame []byte) {
		var resp router.WireResponse
		if err := router.DefaultCodec.Decode(frame, &resp); err != nil {
			t.Errorf("Decode %s: %v", frame, err)
			return
		}
		ch <- resp
	})
	return cb, ch
}

func next(t *testing.T, ch <-chan router.WireResponse) router.WireResponse {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
		return router.WireResponse{}
	}
}

func TestBridgeSend(t *testing.T) {
	b := newBridge(t, routertest.New())
	cb, ch := collect(t)
	defer b.Release(cb)

	if err := b.Send([]byte(`{"Call":[5,{"find_shortest_path":{"points":[],"edges":[],"start_idx":0,"end_idx":1}}]}`), cb); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var kinds []router.OutcomeKind
	for {
		resp := next(t, ch)
		if resp.ID != 5 {
			t.Fatalf("response id = %d", resp.ID)
		}
		kinds = append(kinds, resp.Outcome.Kind)
		if resp.Outcome.Kind.Terminal() {
			break
		}
	}
	want := []router.OutcomeKind{router.OutcomeNext, router.OutcomeNext, router.OutcomeComplete}
	if !slices.Equal(kinds, want) {
		t.Errorf("outcomes = %v, want %v", kinds, want)
	}
}

func TestBridgeAbort(t *testing.T) {
	h := routertest.New()
	b := newBridge(t, h)
	cb, ch := collect(t)
	defer b.Release(cb)

	if err := b.Send([]byte(`{"Call":[7,{"compute_graph_metrics":{"points":[],"edges":[]}}]}`), cb); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-h.Started
	if err := b.Send([]byte(`{"Abort":[7,"user cancelled"]}`), cb); err != nil {
		t.Fatalf("Send abort: %v", err)
	}
	resp := next(t, ch)
	if resp.ID != 7 || resp.Outcome.Kind != router.OutcomeError || resp.Outcome.Err.Message != "call aborted" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestBridgeMalformed(t *testing.T) {
	b := newBridge(t, routertest.New())
	cb, ch := collect(t)
	defer b.Release(cb)

	err := b.Send([]byte(`{"Call":[3,{"ping":"nope"}]}`), cb)
	if !errors.Is(err, router.ErrMalformedRequest) {
		t.Fatalf("Send = %v, want ErrMalformedRequest", err)
	}
	if resp := next(t, ch); resp.ID != 3 || resp.Outcome.Kind != router.OutcomeError {
		t.Fatalf("resp = %+v", resp)
	}

	if err := b.Send([]byte(`not json`), cb); !errors.Is(err, router.ErrMalformedRequest) {
		t.Fatalf("Send = %v, want ErrMalformedRequest", err)
	}
}

func TestBridgeReleaseCancels(t *testing.T) {
	h := routertest.New()
	b := newBridge(t, h)
	cb, _ := collect(t)

	if err := b.Send([]byte(`{"Call":[1,{"compute_graph_metrics":{"points":[],"edges":[]}}]}`), cb); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-h.Started
	if n := b.Release(cb); n != 1 {
		t.Fatalf("Release = %d, want 1", n)
	}
	if b.Active() != 0 {
		t.Errorf("Active = %d", b.Active())
	}
}

func TestDialInproc(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newBridge(t, routertest.New())
	if err := b.Listen("dial-test"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := b.Listen("dial-test"); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("second Listen = %v", err)
	}

	client, err := router.Dial(ctx, "inproc://dial-test")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	s, err := client.Call(ctx, router.OpPing, router.PingParams{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, notes, err := router.Collect[router.Empty](ctx, s); err != nil || notes != "pong" {
		t.Fatalf("ping = %q, %v", notes, err)
	}

	if _, err := router.Dial(ctx, "inproc://missing"); !errors.Is(err, ErrUnknownBridge) {
		t.Fatalf("Dial missing = %v", err)
	}
}
