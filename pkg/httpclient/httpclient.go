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

// Package httpclient is the shared HTTP client factory for maestro's
// outbound calls to the task service and the inference endpoint
// (information-request fetches use their own plain client). Every client gets TLS 1.2+, pooled connections, sanitized
// request logging, and an optional bounded retry layer for idempotent
// methods.
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "maestro-taskservice/1.0"
//	client, err := httpclient.New(cfg)
package httpclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Config tunes one client instance.
type Config struct {
	// Timeout bounds the whole request, retries included. Must be > 0.
	Timeout time.Duration

	// UserAgent is sent on every request. Required.
	UserAgent string

	// RetryAttempts is how many times an idempotent request is retried
	// after the initial attempt. 0 disables the retry layer entirely —
	// the right setting when the caller owns its own retry protocol.
	RetryAttempts int

	// RetryBackoff is the first retry delay; each further retry doubles
	// it, up to MaxBackoff, plus up to 20% jitter.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		UserAgent:     "maestro/1.0",
		RetryAttempts: 0,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
	}
}

// Validate reports configuration errors before a client is built.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("httpclient: timeout must be positive, got %v", c.Timeout)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("httpclient: user agent is required")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("httpclient: retry attempts must not be negative, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("httpclient: retry backoff must be positive when retries are enabled")
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("httpclient: max backoff %v below retry backoff %v", c.MaxBackoff, c.RetryBackoff)
		}
	}
	return nil
}

// New builds an *http.Client from cfg: a pooled TLS transport, wrapped
// by the logging layer, wrapped by the retry layer when enabled.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: time.Second,
	}

	var rt http.RoundTripper = newLoggingTransport(base, cfg.UserAgent)
	if cfg.RetryAttempts > 0 {
		rt = newRetryTransport(rt, cfg)
	}
	return &http.Client{Transport: rt, Timeout: cfg.Timeout}, nil
}
