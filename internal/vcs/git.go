// Copyright 2025 Tom Barlow
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

// Package vcs manages working trees and pull requests through the git CLI
// and the forge's HTTP API.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// PR describes an opened pull request.
type PR struct {
	URL     string
	Branch  string
	Base    string
	HeadSHA string
}

// Client is the version-control surface the workflow nodes need.
type Client interface {
	// Clone checks the repository out into dir on the given base branch.
	Clone(ctx context.Context, repoURL, baseBranch, dir string) error

	// CreateBranch creates and switches to a new branch in dir.
	CreateBranch(ctx context.Context, dir, branch string) error

	// ApplyEdits writes file contents into the working tree. Paths are
	// relative to the tree root; traversal outside it is rejected.
	ApplyEdits(ctx context.Context, dir string, files map[string]string) error

	// Commit stages everything and commits. Returns the new head SHA.
	Commit(ctx context.Context, dir, message string) (string, error)

	// Push pushes the current branch to origin.
	Push(ctx context.Context, dir, branch string) error

	// OpenPR opens a pull request for branch against base.
	OpenPR(ctx context.Context, repoURL, branch, base, title, body string) (*PR, error)

	// MergePR requests a merge of the PR at url.
	MergePR(ctx context.Context, prURL string) (string, error)
}

// Git is the git CLI implementation. PR operations go through the forge
// command when configured, so deployments choose their forge tooling.
type Git struct {
	// ForgeCmd is the CLI used for PR operations, e.g. "gh". Empty disables
	// PR operations.
	ForgeCmd string

	// Env is appended to every subprocess environment, for credential
	// helpers and author identity.
	Env []string
}

var _ Client = (*Git)(nil)

// Clone checks the repository out into dir on the given base branch.
func (g *Git) Clone(ctx context.Context, repoURL, baseBranch, dir string) error {
	args := []string{"clone", "--depth", "50"}
	if baseBranch != "" {
		args = append(args, "--branch", baseBranch)
	}
	args = append(args, repoURL, dir)
	_, err := g.run(ctx, "", "git", args...)
	return err
}

// CreateBranch creates and switches to a new branch.
func (g *Git) CreateBranch(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "git", "checkout", "-b", branch)
	return err
}

// ApplyEdits writes generated file contents into the working tree.
func (g *Git) ApplyEdits(ctx context.Context, dir string, files map[string]string) error {
	for path, content := range files {
		clean := filepath.Clean(path)
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return &errors.InputError{Field: "path", Message: fmt.Sprintf("edit escapes working tree: %s", path)}
		}
		full := filepath.Join(dir, clean)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", clean, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", clean, err)
		}
	}
	return nil
}

// Commit stages everything and commits. Returns the new head SHA.
func (g *Git) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := g.run(ctx, dir, "git", "add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, dir, "git", "commit", "-m", message); err != nil {
		return "", err
	}
	sha, err := g.run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

// Push pushes the current branch to origin.
func (g *Git) Push(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "git", "push", "-u", "origin", branch)
	return err
}

// OpenPR opens a pull request via the forge CLI.
func (g *Git) OpenPR(ctx context.Context, repoURL, branch, base, title, body string) (*PR, error) {
	if g.ForgeCmd == "" {
		return nil, &errors.ConfigError{Key: "forge_cmd", Reason: "no forge CLI configured for PR operations"}
	}
	out, err := g.run(ctx, "", g.ForgeCmd, "pr", "create",
		"--repo", repoURL, "--head", branch, "--base", base,
		"--title", title, "--body", body)
	if err != nil {
		return nil, err
	}
	return &PR{URL: strings.TrimSpace(out), Branch: branch, Base: base}, nil
}

// MergePR requests a merge of the PR at url. Returns the merge SHA when the
// forge reports one.
func (g *Git) MergePR(ctx context.Context, prURL string) (string, error) {
	if g.ForgeCmd == "" {
		return "", &errors.ConfigError{Key: "forge_cmd", Reason: "no forge CLI configured for PR operations"}
	}
	out, err := g.run(ctx, "", g.ForgeCmd, "pr", "merge", prURL, "--merge")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), g.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", &errors.TimeoutError{Operation: name + " " + strings.Join(args, " "), Cause: ctx.Err()}
		}
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
