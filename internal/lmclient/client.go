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

// Package lmclient is the HTTP client for the external language-model
// inference endpoint: a single synchronous call operation with
// caller-propagated cancellation.
package lmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	maestroerrors "github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/httpclient"
)

// Message is one turn of an inference conversation.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// Response is the inference result.
type Response struct {
	Content    string `json:"content"`
	DurationMs int64  `json:"duration_ms"`
}

// Caller is the seam persona handlers depend on; tests substitute a fake.
type Caller interface {
	Call(ctx context.Context, model string, messages []Message, temperature float64, timeout time.Duration) (*Response, error)
}

// Client calls the inference endpoint over HTTP.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// New creates a Client for endpoint. apiKey may be empty for unauthenticated
// local endpoints.
func New(endpoint, apiKey string) (*Client, error) {
	if endpoint == "" {
		return nil, &maestroerrors.ConfigError{Key: "lm.endpoint", Reason: "inference endpoint URL is required"}
	}
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 10 * time.Minute // per-call deadlines are tighter; this is the hard ceiling
	cfg.UserAgent = "maestro-lm/1.0"
	cfg.RetryAttempts = 0 // retries belong to the persona retry envelope
	hc, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{endpoint: endpoint, apiKey: apiKey, http: hc}, nil
}

type inferenceRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type inferenceResponse struct {
	Content string `json:"content"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Call sends one inference request, bounded by timeout.
func (c *Client) Call(ctx context.Context, model string, messages []Message, temperature float64, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(inferenceRequest{Model: model, Messages: messages, Temperature: temperature})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &maestroerrors.TimeoutError{Operation: "LM request", Duration: timeout, Cause: err}
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &maestroerrors.ProviderError{
			Provider:   "inference",
			StatusCode: resp.StatusCode,
			Message:    truncateForError(string(raw)),
		}
	}

	var decoded inferenceResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if decoded.Error != "" {
		return nil, &maestroerrors.ProviderError{Provider: "inference", Message: decoded.Error}
	}
	content := decoded.Content
	if content == "" {
		content = decoded.Output
	}
	return &Response{Content: content, DurationMs: time.Since(start).Milliseconds()}, nil
}

func truncateForError(s string) string {
	if len(s) > 512 {
		return s[:512] + "…"
	}
	return s
}
