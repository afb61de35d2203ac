// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package router

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		wire string
	}{
		{
			name: "call",
			req: NewCall(7, OpFindShortestPath, ShortestPathParams{
				Points:   []Point{{X: 0, Y: 0}, {X: 1, Y: 0}},
				Edges:    []Edge{{From: 0, To: 1}},
				StartIdx: 0,
				EndIdx:   1,
			}),
			wire: `{"Call":[7,{"find_shortest_path":{"points":[{"x":0,"y":0},{"x":1,"y":0}],"edges":[{"from":0,"to":1}],"start_idx":0,"end_idx":1}}]}`,
		},
		{
			name: "ping",
			req:  NewCall(1, OpPing, PingParams{}),
			wire: `{"Call":[1,{"ping":{}}]}`,
		},
		{
			name: "abort",
			req:  NewAbort(7, "user cancelled"),
			wire: `{"Abort":[7,"user cancelled"]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.req)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(data) != tt.wire {
				t.Errorf("wire = %s\nwant   %s", data, tt.wire)
			}
			var got Request
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tt.req) {
				t.Errorf("got %+v, want %+v", got, tt.req)
			}
		})
	}
}

func TestRequestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"two tags", `{"Call":[1,{"ping":{}}],"Abort":[1,""]}`, ErrMalformedRequest},
		{"unknown tag", `{"Cancel":[1,"x"]}`, ErrMalformedRequest},
		{"short pair", `{"Call":[1]}`, ErrMalformedRequest},
		{"bad id", `{"Abort":["one","x"]}`, ErrMalformedRequest},
		{"unknown op", `{"Call":[1,{"teleport":{}}]}`, ErrUnknownOperation},
		{"bad params", `{"Call":[1,{"find_shortest_path":{"start_idx":"zero"}}]}`, ErrMalformedRequest},
		{"bad reason", `{"Abort":[1,5]}`, ErrMalformedRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			err := json.Unmarshal([]byte(tt.input), &req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Unmarshal = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWireResponseRoundTrip(t *testing.T) {
	devErr := NewDevError("No path found").With("start_idx", 0.0).Because(NewDevError("graph is disconnected"))
	tests := []struct {
		name string
		resp WireResponse
		wire string
	}{
		{
			name: "next",
			resp: WireResponse{ID: 3, Outcome: NextOutcome(OpFindShortestPath, PathResult{Path: []int{0, 2}, Distance: 1})},
			wire: `[3,{"N":{"find_shortest_path":{"path":[0,2],"distance":1}}}]`,
		},
		{
			name: "error",
			resp: WireResponse{ID: 3, Outcome: ErrorOutcome(devErr)},
			wire: `[3,{"Error":{"message":"No path found","records":{"start_idx":0},"cause":{"message":"graph is disconnected"}}}]`,
		},
		{
			name: "complete",
			resp: WireResponse{ID: 4, Outcome: CompleteOutcome("Path found successfully")},
			wire: `[4,{"Complete":"Path found successfully"}]`,
		},
		{
			name: "aborted",
			resp: WireResponse{ID: 5, Outcome: AbortedOutcome("user cancelled")},
			wire: `[5,{"Aborted":"user cancelled"}]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.resp)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(data) != tt.wire {
				t.Errorf("wire = %s\nwant   %s", data, tt.wire)
			}
			var got WireResponse
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tt.resp) {
				t.Errorf("got %+v, want %+v", got, tt.resp)
			}
		})
	}
}

func TestWireResponseErrorAsString(t *testing.T) {
	var got WireResponse
	if err := json.Unmarshal([]byte(`[9,{"Error":"call aborted"}]`), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != 9 || got.Outcome.Kind != OutcomeError || got.Outcome.Err.Message != "call aborted" {
		t.Fatalf("got %+v", got)
	}
}

func TestWireResponseDecodeErrors(t *testing.T) {
	for _, input := range []string{
		`[1]`,
		`{"N":{}}`,
		`[1,{"Unknown":"x"}]`,
		`[1,{"N":{"teleport":{}}}]`,
		`[1,{"Complete":3}]`,
		`[1,{"Error":[]}]`,
	} {
		var resp WireResponse
		if err := json.Unmarshal([]byte(input), &resp); !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("Unmarshal(%s) = %v, want ErrMalformedResponse", input, err)
		}
	}
}

func TestMarshalZeroKinds(t *testing.T) {
	if _, err := json.Marshal(Request{}); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("Marshal(Request{}) = %v", err)
	}
	if _, err := json.Marshal(WireResponse{}); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Marshal(WireResponse{}) = %v", err)
	}
}
