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
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// loggingTransport stamps the User-Agent and logs every request with a
// sanitized URL and its duration. 4xx/5xx responses and transport errors
// log at Warn, everything else at Debug.
type loggingTransport struct {
	next      http.RoundTripper
	userAgent string
}

func newLoggingTransport(next http.RoundTripper, userAgent string) *loggingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &loggingTransport{next: next, userAgent: userAgent}
}

// RoundTrip implements http.RoundTripper.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	elapsed := time.Since(start).Milliseconds()

	safeURL := SanitizeURL(req.URL)
	if err != nil {
		slog.Warn("http request failed",
			"method", req.Method, "url", safeURL,
			"duration_ms", elapsed, "error", err.Error())
		return resp, err
	}
	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	slog.Log(req.Context(), level, "http request",
		"method", req.Method, "url", safeURL,
		"status", resp.StatusCode, "duration_ms", elapsed)
	return resp, nil
}

// secretParamMarkers are substrings of query-parameter names whose
// values must never reach a log line.
var secretParamMarkers = []string{
	"api_key", "apikey", "token", "password", "auth", "secret", "key", "credential",
}

// SanitizeURL redacts secret-bearing query parameters before a URL is
// logged. Matching is case-insensitive and substring-based so API_KEY,
// authToken, and client_secret are all caught.
func SanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	changed := false
	for name := range q {
		lower := strings.ToLower(name)
		for _, marker := range secretParamMarkers {
			if strings.Contains(lower, marker) {
				q.Set(name, "[REDACTED]")
				changed = true
				break
			}
		}
	}
	if !changed {
		return u.String()
	}
	safe := *u
	safe.RawQuery = q.Encode()
	return safe.String()
}
