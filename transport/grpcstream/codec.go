// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpcstream

import (
	"fmt"
	"slices"

	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype frames travel under.
const codecName = "lux-router"

func init() {
	encoding.RegisterCodec(frameCodec{})
}

// frameCodec passes already encoded envelopes through unchanged.
type frameCodec struct{}

func (frameCodec) Name() string { return codecName }

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case *[]byte:
		return *b, nil
	case []byte:
		return b, nil
	default:
		return nil, fmt.Errorf("grpcstream: cannot marshal %T", v)
	}
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpcstream: cannot unmarshal into %T", v)
	}
	// The transport may reuse data once we return.
	*b = slices.Clone(data)
	return nil
}
