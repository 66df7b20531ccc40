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

package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maestrohq/maestro/internal/vcs"
)

// RepoRequest carries the repository hints from an inbound coordinator
// payload.
type RepoRequest struct {
	LocalPath   string
	RepoRoot    string
	ProjectHint string
	RemoteURL   string
	ProjectSlug string
}

// ResolveRepo resolves the working tree for a request, in priority
// order: an existing local git repo at LocalPath; RepoRoot plus the
// project-hint subdirectory; a clone of RemoteURL under projectBase.
// The current process working directory is refused unless
// allowWorkspaceGit is set.
func (c *Coordinator) ResolveRepo(ctx context.Context, req RepoRequest) (string, error) {
	if req.LocalPath != "" && vcs.IsRepo(ctx, c.cfg.VCSBinary, req.LocalPath) {
		return c.guardWorkspace(req.LocalPath)
	}

	if req.RepoRoot != "" {
		candidate := req.RepoRoot
		if req.ProjectHint != "" {
			sub := filepath.Join(req.RepoRoot, sanitizeDirName(req.ProjectHint))
			if vcs.IsRepo(ctx, c.cfg.VCSBinary, sub) {
				candidate = sub
			}
		}
		if vcs.IsRepo(ctx, c.cfg.VCSBinary, candidate) {
			return c.guardWorkspace(candidate)
		}
	}

	if req.RemoteURL == "" {
		return "", fmt.Errorf("no usable repository: local path missing and no remote URL given")
	}

	name := req.ProjectHint
	if name == "" {
		name = req.ProjectSlug
	}
	if name == "" {
		name = repoNameOf(req.RemoteURL)
	}
	dest := filepath.Join(c.cfg.ProjectBase, sanitizeDirName(name))
	if vcs.IsRepo(ctx, c.cfg.VCSBinary, dest) {
		return c.guardWorkspace(dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := vcs.Clone(ctx, c.cfg.VCSBinary, req.RemoteURL, dest); err != nil {
		return "", fmt.Errorf("clone %s: %w", req.RemoteURL, err)
	}
	return c.guardWorkspace(dest)
}

// guardWorkspace refuses to operate on the process working directory
// unless explicitly allowed.
func (c *Coordinator) guardWorkspace(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if c.cfg.AllowWorkspaceGit {
		return abs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return abs, nil
	}
	if abs == cwd {
		return "", fmt.Errorf("refusing to operate on the process working directory %s (set MC_ALLOW_WORKSPACE_GIT to override)", abs)
	}
	return abs, nil
}

func sanitizeDirName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		out = "repo"
	}
	return out
}

func repoNameOf(remoteURL string) string {
	s := strings.TrimSuffix(remoteURL, ".git")
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	return s
}
