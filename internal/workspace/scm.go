// Package workspace manages per-workflow working directories and the
// source-control operations the orchestrator consumes.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrGitCommandFailed wraps git invocation failures.
var ErrGitCommandFailed = errors.New("git command failed")

// SCM is the source-control surface the orchestrator consumes. It is
// deliberately narrow: clone a repository, read the current commit, and
// reset to a checkpoint commit.
type SCM interface {
	Clone(ctx context.Context, repoURL, dir, branch string) error
	Head(ctx context.Context, dir string) (string, error)
	ResetHard(ctx context.Context, dir, commit string) error
	CreateBranch(ctx context.Context, dir, name string) error
}

// GitSCM implements SCM by shelling out to git.
type GitSCM struct{}

// NewGitSCM creates a git-backed SCM.
func NewGitSCM() *GitSCM {
	return &GitSCM{}
}

// Clone clones repoURL into dir at the given branch.
func (g *GitSCM) Clone(ctx context.Context, repoURL, dir, branch string) error {
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

// Head returns the commit id at HEAD of the working directory.
func (g *GitSCM) Head(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// ResetHard resets the working directory to the given commit.
func (g *GitSCM) ResetHard(ctx context.Context, dir, commit string) error {
	cmd := exec.CommandContext(ctx, "git", "reset", "--hard", commit)
	cmd.Dir = dir

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

// CreateBranch creates and checks out a new branch.
func (g *GitSCM) CreateBranch(ctx context.Context, dir, name string) error {
	cmd := exec.CommandContext(ctx, "git", "checkout", "-b", name)
	cmd.Dir = dir

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}
