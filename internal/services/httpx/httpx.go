// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package httpx is the shared pooled HTTP client used by every external
// collaborator client (library manager, anime DBs, source site). It keeps
// one *http.Client per timeout, avoiding a shared client's fixed timeout
// independently of each other.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const DefaultTimeout = 15 * time.Second

var (
	clients sync.Map

	ErrNilResponse = errors.New("httpx: nil response from server")
)

// Client returns a pooled *http.Client tuned for keep-alive reuse against a
// small number of long-lived hosts.
func Client(timeout time.Duration) *http.Client {
	if c, ok := clients.Load(timeout); ok {
		return c.(*http.Client)
	}

	c := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: timeout,
	}
	clients.Store(timeout, c)
	return c
}

// Do issues req with the pooled client whose timeout matches the request's
// context deadline (or DefaultTimeout if none is set).
func Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	timeout := DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	resp, err := Client(timeout).Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNilResponse
	}
	return resp, nil
}

// streamClient has no overall Timeout: a chunk download's body can take
// arbitrarily long to read in full. Callers enforce liveness themselves
// with a per-chunk activity check instead (an idle timer reset on every
// successful read), the contract spec.md §5 calls for on range GETs.
var streamClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// DoStream issues req with a client carrying no response-body deadline,
// relying entirely on req's context for cancellation. Use for long-lived
// streamed bodies (range-GET chunk downloads) where Do's overall timeout
// would otherwise cut off a slow-but-healthy transfer.
func DoStream(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := streamClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNilResponse
	}
	return resp, nil
}

// ReadAndClose reads the full body and closes it, mapping common
// non-2xx statuses to sentinel errors instead of returning a raw body.
func ReadAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return body, fmt.Errorf("httpx: unauthorized (401)")
	case http.StatusForbidden:
		return body, fmt.Errorf("httpx: forbidden (403)")
	case http.StatusNotFound:
		return body, fmt.Errorf("httpx: not found (404)")
	case http.StatusTooManyRequests:
		return body, ErrTooManyRequests
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return body, fmt.Errorf("httpx: upstream unavailable (%d)", resp.StatusCode)
	default:
		return body, fmt.Errorf("httpx: unexpected status %d", resp.StatusCode)
	}
}

var ErrTooManyRequests = errors.New("httpx: rate limited (429)")

// RetryAfter parses the Retry-After header as seconds, returning 0 if
// absent or malformed.
func RetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
