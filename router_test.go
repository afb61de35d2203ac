// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"
)

// testHandler runs the function set for an operation, or completes the call
// with "ok" when none is set.
type testHandler struct {
	find    func(context.Context, ShortestPathParams, *Observer[PathResult])
	metrics func(context.Context, GraphMetricsParams, *Observer[GraphMetrics])
	ping    func(context.Context, PingParams, *Observer[Empty])
}

func (h *testHandler) FindShortestPath(ctx context.Context, p ShortestPathParams, obs *Observer[PathResult]) {
	if h.find == nil {
		obs.Complete("ok")
		return
	}
	h.find(ctx, p, obs)
}

func (h *testHandler) ComputeGraphMetrics(ctx context.Context, p GraphMetricsParams, obs *Observer[GraphMetrics]) {
	if h.metrics == nil {
		obs.Complete("ok")
		return
	}
	h.metrics(ctx, p, obs)
}

func (h *testHandler) Ping(ctx context.Context, p PingParams, obs *Observer[Empty]) {
	if h.ping == nil {
		obs.Complete("ok")
		return
	}
	h.ping(ctx, p, obs)
}

// holdPing keeps every ping observer without finishing the call.
func holdPing(held *[]*Observer[Empty]) func(context.Context, PingParams, *Observer[Empty]) {
	var mu sync.Mutex
	return func(_ context.Context, _ PingParams, obs *Observer[Empty]) {
		mu.Lock()
		*held = append(*held, obs)
		mu.Unlock()
	}
}

type sent[C comparable] struct {
	ctx  C
	resp WireResponse
}

type recorder[C comparable] struct {
	ch chan sent[C]
}

func newRecorder[C comparable]() *recorder[C] {
	return &recorder[C]{ch: make(chan sent[C], 1024)}
}

func (r *recorder[C]) SendResponse(ctx C, resp WireResponse) {
	r.ch <- sent[C]{ctx: ctx, resp: resp}
}

func (r *recorder[C]) next(t *testing.T) sent[C] {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no response sent")
		return sent[C]{}
	}
}

func (r *recorder[C]) none(t *testing.T) {
	t.Helper()
	select {
	case s := <-r.ch:
		t.Fatalf("unexpected response %+v", s)
	default:
	}
}

func newTestRouter[C comparable](t *testing.T, sender Sender[C], opts ...Option) *Router[C] {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	r, err := New[C](sender, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestDispatchInvokesMatchingMethod(t *testing.T) {
	params := ShortestPathParams{
		Points:   []Point{{X: 0, Y: 0}, {X: 3, Y: 4}},
		Edges:    []Edge{{From: 0, To: 1}},
		StartIdx: 0,
		EndIdx:   1,
	}
	var (
		got   ShortestPathParams
		calls []string
	)
	h := &testHandler{
		find: func(_ context.Context, p ShortestPathParams, obs *Observer[PathResult]) {
			calls = append(calls, "find")
			got = p
			obs.Complete("done")
		},
		metrics: func(_ context.Context, _ GraphMetricsParams, obs *Observer[GraphMetrics]) {
			calls = append(calls, "metrics")
			obs.Complete("")
		},
		ping: func(_ context.Context, _ PingParams, obs *Observer[Empty]) {
			calls = append(calls, "ping")
			obs.Complete("")
		},
	}
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)

	r.Dispatch(context.Background(), NewCall(1, OpFindShortestPath, params), 10, h)

	if !reflect.DeepEqual(calls, []string{"find"}) {
		t.Fatalf("calls = %v", calls)
	}
	if !reflect.DeepEqual(got, params) {
		t.Fatalf("params = %+v, want %+v", got, params)
	}
	s := rec.next(t)
	if s.ctx != 10 || s.resp.ID != 1 || s.resp.Outcome != CompleteOutcome("done") {
		t.Fatalf("sent %+v", s)
	}
}

func TestDispatchWithMockSender(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := NewMockSender[string](ctrl)
	gomock.InOrder(
		sender.EXPECT().SendResponse("conn-a", WireResponse{ID: 4, Outcome: NextOutcome(OpFindShortestPath, PathResult{Path: []int{0}})}),
		sender.EXPECT().SendResponse("conn-a", WireResponse{ID: 4, Outcome: NextOutcome(OpFindShortestPath, PathResult{Path: []int{0, 1}, Distance: 2})}),
		sender.EXPECT().SendResponse("conn-a", WireResponse{ID: 4, Outcome: CompleteOutcome("done")}),
	)

	h := &testHandler{
		find: func(_ context.Context, _ ShortestPathParams, obs *Observer[PathResult]) {
			if err := obs.Next(PathResult{Path: []int{0}}); err != nil {
				t.Errorf("Next: %v", err)
			}
			if err := obs.Next(PathResult{Path: []int{0, 1}, Distance: 2}); err != nil {
				t.Errorf("Next: %v", err)
			}
			obs.Complete("done")
		},
	}
	r := newTestRouter[string](t, sender)
	r.Dispatch(context.Background(), NewCall(4, OpFindShortestPath, ShortestPathParams{}), "conn-a", h)
}

func TestAbortBeforeCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := NewMockSender[int](ctrl) // no calls expected

	r := newTestRouter[int](t, sender)
	r.Dispatch(context.Background(), NewAbort(5, "never called"), 1, &testHandler{})

	if r.Active() != 0 {
		t.Fatalf("Active = %d", r.Active())
	}
	if got := testutil.ToFloat64(r.metrics.aborts.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("unknown aborts = %v", got)
	}
}

func TestAbortTripsCancellation(t *testing.T) {
	var held []*Observer[Empty]
	h := &testHandler{ping: holdPing(&held)}
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	ctx := context.Background()

	r.Dispatch(ctx, NewCall(1, OpPing, PingParams{}), 7, h)
	obs := held[0]
	if obs.Cancelled() {
		t.Fatal("cancelled right after dispatch")
	}

	// same id on another context is a different call
	r.Dispatch(ctx, NewAbort(1, "wrong connection"), 8, h)
	if obs.Cancelled() {
		t.Fatal("abort from another context cancelled the call")
	}

	r.Dispatch(ctx, NewAbort(1, "user cancelled"), 7, h)
	if !obs.Cancelled() || !obs.Signal().Tripped() {
		t.Fatal("abort did not cancel the call")
	}
	// no acknowledgement by default: the handler decides the terminal
	rec.none(t)
	if r.Active() != 1 {
		t.Fatalf("Active = %d, want 1 until the handler terminates", r.Active())
	}

	obs.Fail(NewDevError("call aborted"))
	s := rec.next(t)
	if s.resp.Outcome.Kind != OutcomeError || s.resp.Outcome.Err.Message != "call aborted" {
		t.Fatalf("sent %+v", s)
	}
	if r.Active() != 0 {
		t.Fatalf("Active = %d after terminal", r.Active())
	}
}

func TestReusedIDSupersedesCall(t *testing.T) {
	var (
		first  *Observer[GraphMetrics]
		second []*Observer[Empty]
	)
	h := &testHandler{
		metrics: func(_ context.Context, _ GraphMetricsParams, obs *Observer[GraphMetrics]) { first = obs },
		ping:    holdPing(&second),
	}
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	ctx := context.Background()

	r.Dispatch(ctx, NewCall(1, OpComputeGraphMetrics, GraphMetricsParams{}), 3, h)
	r.Dispatch(ctx, NewCall(1, OpPing, PingParams{}), 3, h)

	if !first.Cancelled() {
		t.Fatal("superseded call not cancelled")
	}
	if second[0].Cancelled() {
		t.Fatal("new call started cancelled")
	}
	if got := testutil.ToFloat64(r.metrics.superseded); got != 1 {
		t.Fatalf("superseded = %v", got)
	}

	// the superseded handler's late terminal still goes out
	first.Fail(NewDevError("call aborted"))
	if s := rec.next(t); s.resp.ID != 1 || s.resp.Outcome.Kind != OutcomeError {
		t.Fatalf("sent %+v", s)
	}
	// and does not unregister the live call
	if r.Active() != 1 {
		t.Fatalf("Active = %d, want the new call registered", r.Active())
	}
	r.Dispatch(ctx, NewAbort(1, "stop"), 3, h)
	if !second[0].Cancelled() {
		t.Fatal("abort did not reach the new call")
	}
}

func TestSecondTerminalPanics(t *testing.T) {
	terminal := map[string]func(*Observer[Empty]){
		"complete": func(o *Observer[Empty]) { o.Complete("again") },
		"fail":     func(o *Observer[Empty]) { o.Fail(errors.New("again")) },
		"completer": func(o *Observer[Empty]) {
			_, c := o.Split()
			c.Complete("again")
		},
	}
	for name, again := range terminal {
		t.Run(name, func(t *testing.T) {
			var held []*Observer[Empty]
			rec := newRecorder[int]()
			r := newTestRouter[int](t, rec)
			r.Dispatch(context.Background(), NewCall(1, OpPing, PingParams{}), 1, &testHandler{ping: holdPing(&held)})

			obs := held[0]
			obs.Complete("first")
			rec.next(t)

			defer func() {
				v := recover()
				err, ok := v.(error)
				if !ok || !errors.Is(err, ErrAlreadyTerminated) {
					t.Fatalf("recovered %v, want ErrAlreadyTerminated", v)
				}
				rec.none(t)
			}()
			again(obs)
			t.Fatal("second terminal did not panic")
		})
	}
}

func TestNextAfterTerminal(t *testing.T) {
	var held []*Observer[Empty]
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	r.Dispatch(context.Background(), NewCall(1, OpPing, PingParams{}), 1, &testHandler{ping: holdPing(&held)})

	emit, done := held[0].Split()
	done.Complete("done")
	rec.next(t)

	if err := emit.Next(Empty{}); !errors.Is(err, ErrCallTerminated) {
		t.Fatalf("Next after Complete = %v", err)
	}
	rec.none(t)
	if got := testutil.ToFloat64(r.metrics.dropped.WithLabelValues("next")); got != 1 {
		t.Fatalf("dropped = %v", got)
	}
}

func TestAbortAcknowledgement(t *testing.T) {
	var held []*Observer[Empty]
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec, WithAbortAcknowledgement(true))
	ctx := context.Background()

	r.Dispatch(ctx, NewCall(2, OpPing, PingParams{}), 1, &testHandler{ping: holdPing(&held)})
	r.Dispatch(ctx, NewAbort(2, "user cancelled"), 1, &testHandler{})

	s := rec.next(t)
	if s.resp.ID != 2 || s.resp.Outcome != AbortedOutcome("user cancelled") {
		t.Fatalf("sent %+v", s)
	}
	if r.Active() != 0 {
		t.Fatalf("Active = %d after acknowledged abort", r.Active())
	}

	obs := held[0]
	if !obs.Cancelled() {
		t.Fatal("acknowledged call not cancelled")
	}
	// the handler's own terminal arrives too late and is dropped quietly
	obs.Fail(NewDevError("call aborted"))
	if err := obs.Next(Empty{}); !errors.Is(err, ErrCallTerminated) {
		t.Fatalf("Next = %v", err)
	}
	rec.none(t)
}

func TestUnknownOperation(t *testing.T) {
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	r.Dispatch(context.Background(), Request{Kind: RequestCall, ID: 9, Call: Call{Op: "teleport"}}, 1, &testHandler{})

	s := rec.next(t)
	if s.resp.ID != 9 || s.resp.Outcome.Kind != OutcomeError {
		t.Fatalf("sent %+v", s)
	}
	if !strings.Contains(s.resp.Outcome.Err.Message, "unknown operation") {
		t.Fatalf("message = %q", s.resp.Outcome.Err.Message)
	}
	if r.Active() != 0 {
		t.Fatalf("Active = %d", r.Active())
	}
}

func TestMistypedParams(t *testing.T) {
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	r.Dispatch(context.Background(), NewCall(3, OpPing, "not ping params"), 1, &testHandler{})

	s := rec.next(t)
	if s.resp.Outcome.Kind != OutcomeError || !strings.Contains(s.resp.Outcome.Err.Message, "malformed request") {
		t.Fatalf("sent %+v", s)
	}
}

func TestSendError(t *testing.T) {
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	r.SendError(4, 12, errors.New("bad frame"))

	s := rec.next(t)
	if s.ctx != 4 || s.resp.ID != 12 || s.resp.Outcome.Err.Message != "bad frame" {
		t.Fatalf("sent %+v", s)
	}
}

func TestMalformedFrameOnLiveCall(t *testing.T) {
	var held []*Observer[Empty]
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	rc := NewReceiver(r, 1, &testHandler{ping: holdPing(&held)}, nil, SessionInfo{})
	ctx := context.Background()

	if err := rc.HandleFrame(ctx, []byte(`{"Call":[1,{"ping":{}}]}`)); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if err := rc.HandleFrame(ctx, []byte(`{"Call":[1,{"ping":5}]}`)); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("HandleFrame = %v, want ErrMalformedRequest", err)
	}
	if s := rec.next(t); s.resp.ID != 1 || s.resp.Outcome.Kind != OutcomeError {
		t.Fatalf("sent %+v", s)
	}

	obs := held[0]
	if !obs.Cancelled() {
		t.Fatal("live call not cancelled by the error reply")
	}
	if r.Active() != 0 {
		t.Fatalf("Active = %d", r.Active())
	}
	// the id already has its terminal outcome
	obs.Complete("late")
	rec.none(t)
	if got := testutil.ToFloat64(r.metrics.dropped.WithLabelValues("complete")); got != 1 {
		t.Fatalf("dropped = %v", got)
	}
}

func TestReleaseContext(t *testing.T) {
	var held []*Observer[Empty]
	h := &testHandler{ping: holdPing(&held)}
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	ctx := context.Background()

	r.Dispatch(ctx, NewCall(1, OpPing, PingParams{}), 1, h)
	r.Dispatch(ctx, NewCall(2, OpPing, PingParams{}), 1, h)
	r.Dispatch(ctx, NewCall(1, OpPing, PingParams{}), 2, h)

	if n := r.Release(1); n != 2 {
		t.Fatalf("Release = %d, want 2", n)
	}
	if !held[0].Cancelled() || !held[1].Cancelled() {
		t.Fatal("released calls not cancelled")
	}
	if held[2].Cancelled() {
		t.Fatal("call on another context cancelled")
	}
	if r.Active() != 1 {
		t.Fatalf("Active = %d", r.Active())
	}
	if n := r.Release(1); n != 0 {
		t.Fatalf("second Release = %d", n)
	}
}

func TestLookupContextIsWeak(t *testing.T) {
	var held []*Observer[Empty]
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	r.Dispatch(context.Background(), NewCall(3, OpPing, PingParams{}), 42, &testHandler{ping: holdPing(&held)})

	if ctx, ok := r.LookupContext(3); !ok || ctx != 42 {
		t.Fatalf("LookupContext = %v, %v while the call is live", ctx, ok)
	}
	if _, ok := r.LookupContext(4); ok {
		t.Fatal("LookupContext found an unknown id")
	}

	// drop the only strong reference without terminating the call
	held = nil
	ok := true
	for range 10 {
		runtime.GC()
		if _, ok = r.LookupContext(3); !ok {
			break
		}
	}
	if ok {
		t.Fatal("LookupContext still resolves after the call was dropped")
	}
}

func TestLookupContextAfterTerminal(t *testing.T) {
	var held []*Observer[Empty]
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	r.Dispatch(context.Background(), NewCall(3, OpPing, PingParams{}), 42, &testHandler{ping: holdPing(&held)})

	held[0].Complete("done")
	rec.next(t)
	// the observer is still reachable here
	if _, ok := r.LookupContext(3); ok {
		t.Fatal("LookupContext resolves a finished call")
	}
	runtime.KeepAlive(held)
}

func TestPerCallOrdering(t *testing.T) {
	const values = 200
	h := &testHandler{
		find: func(_ context.Context, _ ShortestPathParams, obs *Observer[PathResult]) {
			emit, done := obs.Split()
			go func() {
				for i := range values {
					if err := emit.Next(PathResult{Path: []int{i}}); err != nil {
						t.Errorf("Next: %v", err)
					}
				}
				done.Complete("done")
			}()
		},
	}
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	for id := range RequestID(4) {
		r.Dispatch(context.Background(), NewCall(id, OpFindShortestPath, ShortestPathParams{}), 1, h)
	}

	seen := make(map[RequestID]int)
	completed := 0
	for completed < 4 {
		s := rec.next(t)
		switch s.resp.Outcome.Kind {
		case OutcomeNext:
			v := s.resp.Outcome.Value.(PathResult)
			if v.Path[0] != seen[s.resp.ID] {
				t.Fatalf("id %d: got value %d, want %d", s.resp.ID, v.Path[0], seen[s.resp.ID])
			}
			seen[s.resp.ID]++
		case OutcomeComplete:
			if seen[s.resp.ID] != values {
				t.Fatalf("id %d completed after %d values", s.resp.ID, seen[s.resp.ID])
			}
			completed++
		default:
			t.Fatalf("sent %+v", s)
		}
	}
}

func TestConcurrentDispatch(t *testing.T) {
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec)
	h := &testHandler{
		ping: func(_ context.Context, _ PingParams, obs *Observer[Empty]) {
			go obs.Complete("pong")
		},
	}

	var wg sync.WaitGroup
	for conn := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range RequestID(50) {
				r.Dispatch(context.Background(), NewCall(id, OpPing, PingParams{}), conn, h)
				r.Dispatch(context.Background(), NewAbort(id, "racing"), conn, h)
				r.LookupContext(id)
			}
		}()
	}
	wg.Wait()
	for range 8 * 50 {
		if s := rec.next(t); s.resp.Outcome != CompleteOutcome("pong") {
			t.Fatalf("sent %+v", s)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for r.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Active = %d", r.Active())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandlerContext(t *testing.T) {
	dispatched := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var (
		gotID   RequestID
		gotInfo SessionInfo
		gotNow  time.Time
	)
	h := &testHandler{
		ping: func(ctx context.Context, _ PingParams, obs *Observer[Empty]) {
			gotID, _ = RequestIDFrom(ctx)
			gotInfo, _ = SessionFrom(ctx)
			gotNow = obs.Now()
			obs.Complete("")
		},
	}
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec, WithClock(func() time.Time { return dispatched }))

	info := SessionInfo{ID: "s1", UserID: "u1"}
	r.Dispatch(WithSession(context.Background(), info), NewCall(6, OpPing, PingParams{}), 1, h)

	if gotID != 6 || gotInfo != info || !gotNow.Equal(dispatched) {
		t.Fatalf("id=%d info=%+v now=%v", gotID, gotInfo, gotNow)
	}
}

func TestDispatchSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())

	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec, WithTracerProvider(tp))
	r.Dispatch(context.Background(), NewCall(8, OpPing, PingParams{}), 1, &testHandler{})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("%d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "router.Dispatch" {
		t.Fatalf("span name = %q", span.Name())
	}
	want := map[attribute.Key]attribute.Value{
		"router.request_id": attribute.Int64Value(8),
		"router.operation":  attribute.StringValue(string(OpPing)),
		"router.superseded": attribute.BoolValue(false),
	}
	for _, kv := range span.Attributes() {
		if v, ok := want[kv.Key]; ok {
			if v != kv.Value {
				t.Errorf("%s = %v, want %v", kv.Key, kv.Value.Emit(), v.Emit())
			}
			delete(want, kv.Key)
		}
	}
	if len(want) != 0 {
		t.Errorf("missing attributes %v", want)
	}
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := newRecorder[int]()
	r := newTestRouter[int](t, rec, WithRegisterer(reg), WithName("test"))
	// a second router under the same name shares the collectors
	r2 := newTestRouter[int](t, rec, WithRegisterer(reg), WithName("test"))

	r.Dispatch(context.Background(), NewCall(1, OpPing, PingParams{}), 1, &testHandler{})
	r2.Dispatch(context.Background(), NewCall(1, OpPing, PingParams{}), 2, &testHandler{})
	rec.next(t)
	rec.next(t)

	if got := testutil.ToFloat64(r.metrics.calls.WithLabelValues(string(OpPing))); got != 2 {
		t.Fatalf("calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.metrics.responses.WithLabelValues("complete")); got != 2 {
		t.Fatalf("responses = %v, want 2", got)
	}
	n, err := testutil.GatherAndCount(reg, "lux_router_calls_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("%d call series, want 1", n)
	}
}
