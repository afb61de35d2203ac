// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/router"
)

const (
	defaultRetries = 3
	retryBaseWait  = 500 * time.Millisecond
)

// Options are the per-request settings of SendJSONRequest.
type Options struct {
	headers     http.Header
	queryParams url.Values
	retries     int
	client      *http.Client
	logger      *slog.Logger
}

// RequestOption configures a single request.
type RequestOption func(*Options)

// NewOptions applies opts over the defaults.
func NewOptions(opts []RequestOption) *Options {
	o := &Options{
		headers:     http.Header{},
		queryParams: url.Values{},
		retries:     defaultRetries,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithHeader adds an HTTP header.
func WithHeader(key, value string) RequestOption {
	return func(o *Options) { o.headers.Add(key, value) }
}

// WithQueryParam adds a URL query parameter.
func WithQueryParam(key, value string) RequestOption {
	return func(o *Options) { o.queryParams.Add(key, value) }
}

// WithRetries sets the number of attempts made on transient failures.
func WithRetries(n int) RequestOption {
	return func(o *Options) { o.retries = max(n, 1) }
}

// WithHTTPClient sets the client used for every attempt.
func WithHTTPClient(c *http.Client) RequestOption {
	return func(o *Options) { o.client = c }
}

// WithRequestLogger sets the logger used for retry reports.
func WithRequestLogger(l *slog.Logger) RequestOption {
	return func(o *Options) { o.logger = l }
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}

// SendJSONRequest issues a JSON-RPC 2.0 request to uri, retrying transient
// transport failures with exponential backoff.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params any,
	reply any,
	options ...RequestOption,
) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := NewOptions(options)
	target := *uri
	target.RawQuery = ops.queryParams.Encode()

	var lastErr error
	for attempt := 0; attempt < ops.retries; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header = ops.headers.Clone()
		request.Header.Set("Content-Type", "application/json")

		client := ops.client
		if client == nil {
			client = newHTTPClient()
		}
		resp, err := client.Do(request)
		if err != nil {
			lastErr = err
			ops.logger.Debug("request attempt failed", "method", method, "attempt", attempt+1, "retryable", isRetryableError(err), "error", err)
			if isRetryableError(err) {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		err = json2.DecodeClientResponse(resp.Body, reply)
		CleanlyCloseBody(resp.Body)
		if err != nil {
			var jerr *json2.Error
			if errors.As(err, &jerr) {
				return jerr
			}
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to issue request after %d retries: %w", ops.retries, lastErr)
}

// Call runs op on the bridge at uri and decodes its values as T. A failed
// call is returned as its *router.DevError when the server sent one.
func Call[T any](ctx context.Context, uri *url.URL, op router.Operation, params any, opts ...RequestOption) ([]T, string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, "", fmt.Errorf("encode %s params: %w", op, err)
	}
	var reply CallReply
	if err := SendJSONRequest(ctx, uri, Method, CallArgs{Op: op, Params: raw}, &reply, opts...); err != nil {
		if de, ok := DevError(err); ok {
			return nil, "", de
		}
		return nil, "", err
	}
	values := make([]T, 0, len(reply.Values))
	for _, data := range reply.Values {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, "", fmt.Errorf("%w: %s value: %w", router.ErrMalformedResponse, op, err)
		}
		values = append(values, v)
	}
	return values, reply.Notes, nil
}
