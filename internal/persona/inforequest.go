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

package persona

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/maestrohq/maestro/internal/domain"
)

const (
	defaultSliceMaxBytes = 64 << 10
	defaultCharCap       = 20000
	httpFetchMaxBytes    = 256 << 10
)

// lineAnchor matches a "#L5" or "#L5-L10" path suffix.
var lineAnchor = regexp.MustCompile(`#L(\d+)(?:-L(\d+))?$`)

// Fulfiller resolves a persona's information requests against the repo
// working tree and, for allow-listed hosts, the network.
type Fulfiller struct {
	repoRoot string
	// remoteOwnerRepo is "owner/repo" of the current origin; GitHub URLs
	// pointing at it are served locally instead of fetched.
	remoteOwnerRepo string
	denyHosts       []string
	http            *http.Client
	charCap         int
}

// NewFulfiller creates a Fulfiller for repoRoot. remoteURL is the repo's
// origin URL (may be empty); denyHosts are host substrings that http_get
// must not touch.
func NewFulfiller(repoRoot, remoteURL string, denyHosts []string) *Fulfiller {
	return &Fulfiller{
		repoRoot:        repoRoot,
		remoteOwnerRepo: ownerRepoOf(remoteURL),
		denyHosts:       denyHosts,
		http:            &http.Client{Timeout: 30 * time.Second},
		charCap:         defaultCharCap,
	}
}

// Fulfillment is one satisfied information request.
type Fulfillment struct {
	Signature string
	Kind      string
	Summary   string
	Content   string
	Truncated bool
}

// Signature produces the dedup key for a request.
func Signature(req domain.InformationRequest) string {
	if req.Type == "http_get" {
		return "http_get:" + req.URL
	}
	return fmt.Sprintf("repo_file:%s:%d:%d", req.Path, req.StartLine, req.EndLine)
}

// Fulfill resolves one request. http_get requests at the current repo's
// GitHub mirror are rewritten to repo_file and served locally.
func (f *Fulfiller) Fulfill(ctx context.Context, req domain.InformationRequest) (*Fulfillment, error) {
	switch req.Type {
	case "repo_file":
		return f.fulfillRepoFile(req)
	case "http_get":
		if local, ok := f.rewriteGitHubURL(req.URL); ok {
			rewritten := req
			rewritten.Type = "repo_file"
			rewritten.Path = local
			return f.fulfillRepoFile(rewritten)
		}
		return f.fulfillHTTP(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported information request type %q", req.Type)
	}
}

func (f *Fulfiller) fulfillRepoFile(req domain.InformationRequest) (*Fulfillment, error) {
	path, start, end := splitLineAnchor(req.Path)
	if req.StartLine > 0 {
		start = req.StartLine
	}
	if req.EndLine > 0 {
		end = req.EndLine
	}

	rel := filepath.ToSlash(filepath.Clean(path))
	if rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(path) {
		return nil, fmt.Errorf("repo_file path %q resolves outside the repository", req.Path)
	}
	abs := filepath.Join(f.repoRoot, filepath.FromSlash(rel))

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("repo_file %s: %w", rel, err)
	}

	content := string(raw)
	truncated := false
	if start > 0 {
		lines := strings.Split(content, "\n")
		if start > len(lines) {
			start = len(lines)
		}
		last := end
		if last <= 0 || last > len(lines) {
			last = len(lines)
		}
		content = strings.Join(lines[start-1:last], "\n")
	}

	maxBytes := req.MaxBytes
	if maxBytes <= 0 || maxBytes > defaultSliceMaxBytes {
		maxBytes = defaultSliceMaxBytes
	}
	if len(content) > maxBytes {
		content = content[:maxBytes]
		truncated = true
	}
	if len(content) > f.charCap {
		content = content[:f.charCap]
		truncated = true
	}

	summary := rel
	if start > 0 {
		summary = fmt.Sprintf("%s lines %d-%d", rel, start, endOrCount(end, start, content))
	}
	return &Fulfillment{
		Signature: Signature(req),
		Kind:      "repo_file",
		Summary:   summary,
		Content:   content,
		Truncated: truncated,
	}, nil
}

func (f *Fulfiller) fulfillHTTP(ctx context.Context, req domain.InformationRequest) (*Fulfillment, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("http_get: invalid url %q", req.URL)
	}
	for _, deny := range f.denyHosts {
		if deny != "" && strings.Contains(strings.ToLower(u.Host), strings.ToLower(deny)) {
			return nil, fmt.Errorf("http_get: host %s is deny-listed", u.Host)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http_get %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http_get %s: status %d", req.URL, resp.StatusCode)
	}

	maxBytes := req.MaxBytes
	if maxBytes <= 0 || maxBytes > httpFetchMaxBytes {
		maxBytes = httpFetchMaxBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return nil, err
	}
	truncated := false
	if len(raw) > maxBytes {
		raw = raw[:maxBytes]
		truncated = true
	}
	content := string(raw)
	if len(content) > f.charCap {
		content = content[:f.charCap]
		truncated = true
	}
	return &Fulfillment{
		Signature: Signature(req),
		Kind:      "http_get",
		Summary:   req.URL,
		Content:   content,
		Truncated: truncated,
	}, nil
}

// rewriteGitHubURL maps a github.com blob URL or raw.githubusercontent.com
// URL at the current origin's owner/repo to a repo-relative path.
func (f *Fulfiller) rewriteGitHubURL(raw string) (string, bool) {
	if f.remoteOwnerRepo == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch strings.ToLower(u.Host) {
	case "github.com":
		// /{owner}/{repo}/blob/{ref}/{path...}
		if len(segments) >= 5 && segments[2] == "blob" &&
			strings.EqualFold(segments[0]+"/"+segments[1], f.remoteOwnerRepo) {
			return strings.Join(segments[4:], "/"), true
		}
	case "raw.githubusercontent.com":
		// /{owner}/{repo}/{ref}/{path...}
		if len(segments) >= 4 &&
			strings.EqualFold(segments[0]+"/"+segments[1], f.remoteOwnerRepo) {
			return strings.Join(segments[3:], "/"), true
		}
	}
	return "", false
}

// RenderBlock formats a fulfillment as the system block appended to the
// next prompt. n is the 1-based request counter within the loop.
func RenderBlock(n int, f *Fulfillment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Information Request #%d (%s): %s\n", n, f.Kind, f.Summary)
	b.WriteString(f.Content)
	if f.Truncated {
		b.WriteString("\n[truncated]")
	}
	return b.String()
}

func splitLineAnchor(path string) (string, int, int) {
	m := lineAnchor.FindStringSubmatch(path)
	if m == nil {
		return path, 0, 0
	}
	start, _ := strconv.Atoi(m[1])
	end := 0
	if m[2] != "" {
		end, _ = strconv.Atoi(m[2])
	}
	return strings.TrimSuffix(path, m[0]), start, end
}

func endOrCount(end, start int, content string) int {
	if end > 0 {
		return end
	}
	return start + strings.Count(content, "\n")
}

// ownerRepoOf extracts "owner/repo" from common git remote URL forms.
func ownerRepoOf(remoteURL string) string {
	if remoteURL == "" {
		return ""
	}
	s := strings.TrimSuffix(remoteURL, ".git")
	if i := strings.Index(s, "github.com:"); i >= 0 {
		return s[i+len("github.com:"):]
	}
	if i := strings.Index(s, "github.com/"); i >= 0 {
		return s[i+len("github.com/"):]
	}
	return ""
}
