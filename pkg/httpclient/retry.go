// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// retryTransport retries idempotent requests (GET, HEAD, OPTIONS) on
// transient transport errors and retryable status codes (5xx, 408, 429),
// with doubling backoff, jitter, and Retry-After awareness. Writes pass
// through untouched: their idempotency belongs to the caller's protocol
// (external-id upsert, lock-version CAS, corr_id reuse).
type retryTransport struct {
	next        http.RoundTripper
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
}

func newRetryTransport(next http.RoundTripper, cfg Config) *retryTransport {
	return &retryTransport{
		next:        next,
		maxAttempts: cfg.RetryAttempts + 1,
		backoff:     cfg.RetryBackoff,
		maxBackoff:  cfg.MaxBackoff,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return t.next.RoundTrip(req)
	}

	var resp *http.Response
	var err error
	delay := t.backoff
	for attempt := 1; ; attempt++ {
		resp, err = t.next.RoundTrip(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil && !transientError(err) {
			return nil, err
		}
		if attempt >= t.maxAttempts {
			break
		}

		wait := delay
		if resp != nil {
			if ra := retryAfter(resp); ra > 0 && ra < wait {
				wait = ra
			}
			resp.Body.Close()
		}
		wait += time.Duration(rand.Float64() * 0.2 * float64(wait))

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
		if delay *= 2; delay > t.maxBackoff {
			delay = t.maxBackoff
		}
	}
	return resp, err
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// transientError reports whether a transport error is worth retrying.
// Context cancellation never is.
func transientError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return transientError(urlErr.Err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused", "connection reset", "no such host",
		"network unreachable", "eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryAfter reads a Retry-After header as either seconds or an
// HTTP-date; 0 means absent or unusable.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
