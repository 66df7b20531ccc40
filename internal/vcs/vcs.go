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

// Package vcs drives the local VCS binary (git by default) for a single
// repository working tree. Every invocation against the same repo root is
// serialized: the working tree is an exclusive resource.
package vcs

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	maestroerrors "github.com/maestrohq/maestro/pkg/errors"
)

// repoLocks serializes VCS invocations per repo root, process-wide.
var repoLocks sync.Map

func lockFor(repoRoot string) *sync.Mutex {
	mu, _ := repoLocks.LoadOrStore(repoRoot, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Result captures one VCS invocation's output.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// RunOptions configures a single invocation.
type RunOptions struct {
	Env     map[string]string
	Stdin   string
	Timeout time.Duration
}

// Driver invokes the VCS binary against one repository root.
type Driver struct {
	binary   string
	repoRoot string
	logger   *slog.Logger
}

// New creates a Driver for repoRoot. binary defaults to "git".
func New(binary, repoRoot string, logger *slog.Logger) *Driver {
	if binary == "" {
		binary = "git"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{binary: binary, repoRoot: repoRoot, logger: logger}
}

// RepoRoot returns the working tree this driver operates on.
func (d *Driver) RepoRoot() string { return d.repoRoot }

// Run executes the VCS binary with args in the repo root, capturing
// stdout and stderr. A non-zero exit returns a *VcsError alongside the
// Result so callers can still inspect output.
func (d *Driver) Run(ctx context.Context, args []string, opts RunOptions) (*Result, error) {
	mu := lockFor(d.repoRoot)
	mu.Lock()
	defer mu.Unlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Dir = d.repoRoot
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		res.ExitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		}
		d.logger.Debug("vcs command failed",
			slog.Any("args", args),
			slog.Int("exit_code", res.ExitCode),
			slog.String("stderr", strings.TrimSpace(res.Stderr)))
		return res, &maestroerrors.VcsError{
			Args:     append([]string{d.binary}, args...),
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
		}
	}
	return res, nil
}

func defaultLogger() *slog.Logger { return slog.Default() }

// out runs args and returns trimmed stdout.
func (d *Driver) out(ctx context.Context, args ...string) (string, error) {
	res, err := d.Run(ctx, args, RunOptions{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}
