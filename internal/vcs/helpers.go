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

package vcs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	maestroerrors "github.com/maestrohq/maestro/pkg/errors"
)

// CurrentBranch returns the checked-out branch name.
func (d *Driver) CurrentBranch(ctx context.Context) (string, error) {
	return d.out(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (d *Driver) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := d.Run(ctx, []string{"show-ref", "--verify", "--quiet", "refs/heads/" + branch}, RunOptions{})
	if err != nil {
		if isExitError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HasRemote reports whether any remote is configured.
func (d *Driver) HasRemote(ctx context.Context) bool {
	out, err := d.out(ctx, "remote")
	return err == nil && out != ""
}

// RemoteBranchExists reports whether origin has branch.
func (d *Driver) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	out, err := d.out(ctx, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CheckoutFromBase checks out branch, creating it from base when it does
// not exist locally. A remote branch of the same name is preferred as the
// start point so reruns resume prior work.
func (d *Driver) CheckoutFromBase(ctx context.Context, branch, base string) error {
	exists, err := d.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if exists {
		_, err = d.Run(ctx, []string{"checkout", branch}, RunOptions{})
		return err
	}
	if remote, rerr := d.RemoteBranchExists(ctx, branch); rerr == nil && remote {
		if _, ferr := d.Run(ctx, []string{"fetch", "origin", branch}, RunOptions{}); ferr == nil {
			_, err = d.Run(ctx, []string{"checkout", "-b", branch, "origin/" + branch}, RunOptions{})
			return err
		}
	}
	args := []string{"checkout", "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	_, err = d.Run(ctx, args, RunOptions{})
	return err
}

// CommitPaths stages paths and commits with message using --no-verify.
// If the initial add fails it is retried once with --force (artifact
// prefixes are commonly gitignored).
func (d *Driver) CommitPaths(ctx context.Context, message string, paths []string) error {
	addArgs := append([]string{"add", "--"}, paths...)
	if _, err := d.Run(ctx, addArgs, RunOptions{}); err != nil {
		forceArgs := append([]string{"add", "--force", "--"}, paths...)
		if _, ferr := d.Run(ctx, forceArgs, RunOptions{}); ferr != nil {
			return ferr
		}
	}
	commitArgs := append([]string{"commit", "--no-verify", "-m", message, "--"}, paths...)
	_, err := d.Run(ctx, commitArgs, RunOptions{})
	return err
}

// Push publishes branch to origin, setting upstream.
func (d *Driver) Push(ctx context.Context, branch string) error {
	_, err := d.Run(ctx, []string{"push", "-u", "origin", branch}, RunOptions{})
	return err
}

// HeadSHA resolves ref (HEAD when empty) to a commit SHA. When remote is
// true the ref is resolved as origin/<ref>.
func (d *Driver) HeadSHA(ctx context.Context, ref string, remote bool) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	if remote {
		ref = "origin/" + ref
	}
	return d.out(ctx, "rev-parse", ref)
}

// Clone clones url into dest. dest must not already contain a repository.
func Clone(ctx context.Context, binary, url, dest string) error {
	if binary == "" {
		binary = "git"
	}
	d := &Driver{binary: binary, repoRoot: ".", logger: defaultLogger()}
	_, err := d.Run(ctx, []string{"clone", url, dest}, RunOptions{})
	return err
}

// IsRepo reports whether path is inside a git working tree.
func IsRepo(ctx context.Context, binary, path string) bool {
	if binary == "" {
		binary = "git"
	}
	d := &Driver{binary: binary, repoRoot: path, logger: defaultLogger()}
	out, err := d.out(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// DiffVerification reports what VerifyRemoteBranchHasDiff found.
type DiffVerification struct {
	OK         bool
	Reason     string
	AheadCount int
	DiffStat   string
	BranchSHA  string
}

var zeroFilesChanged = regexp.MustCompile(`(?m)^\s*0 files? changed`)

// VerifyRemoteBranchHasDiff checks that origin/branch carries meaningful
// changes relative to base. With a base: succeed iff the branch is ahead
// of base or the diff stat is non-empty. Without a base: inspect the last
// commit on the branch and require a meaningful diff.
func (d *Driver) VerifyRemoteBranchHasDiff(ctx context.Context, branch, base string) (*DiffVerification, error) {
	fetchArgs := []string{"fetch", "origin", branch}
	if base != "" {
		fetchArgs = append(fetchArgs, base)
	}
	// Fetch failure for a missing branch surfaces as branch_not_found below.
	d.Run(ctx, fetchArgs, RunOptions{})

	sha, err := d.out(ctx, "rev-parse", "origin/"+branch)
	if err != nil {
		return &DiffVerification{OK: false, Reason: "branch_not_found"}, nil
	}

	v := &DiffVerification{BranchSHA: sha}
	if base != "" {
		countOut, err := d.out(ctx, "rev-list", "--count", fmt.Sprintf("origin/%s..origin/%s", base, branch))
		if err != nil {
			// Base may be local-only; fall back to the local ref.
			countOut, err = d.out(ctx, "rev-list", "--count", fmt.Sprintf("%s..origin/%s", base, branch))
			if err != nil {
				return nil, err
			}
		}
		v.AheadCount, _ = strconv.Atoi(countOut)
		stat, err := d.out(ctx, "diff", "--stat", base, "origin/"+branch)
		if err != nil {
			return nil, err
		}
		v.DiffStat = stat
		meaningful := stat != "" && !zeroFilesChanged.MatchString(stat)
		v.OK = v.AheadCount > 0 || meaningful
		if !v.OK {
			v.Reason = "no_diff_vs_base"
		}
		return v, nil
	}

	stat, err := d.out(ctx, "show", "--stat", "--format=", sha)
	if err != nil {
		return nil, err
	}
	v.DiffStat = stat
	v.OK = strings.TrimSpace(stat) != "" && !zeroFilesChanged.MatchString(stat)
	if !v.OK {
		v.Reason = "empty_last_commit"
	}
	return v, nil
}

// isExitError distinguishes a clean non-zero exit (the binary ran and
// said no) from a failure to run the binary at all.
func isExitError(err error) bool {
	var vcsErr *maestroerrors.VcsError
	return errors.As(err, &vcsErr) && vcsErr.ExitCode >= 0
}
