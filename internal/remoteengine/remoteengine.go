// Package remoteengine defines the pluggable transport boundary between
// the sync engine and a Git remote, plus
// a concrete implementation shelling out to the `git` binary, in the same
// os/exec style internal/gitrepo uses for plumbing commands.
package remoteengine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/basalt-sync/gitdocdb/internal/syncerrors"
)

// Engine is the interface a sync controller drives to reach a remote.
// Implementations may be swapped at runtime (a real Git remote, a test
// fake, a future non-Git transport); errors they return are reclassified
// by Name (syncerrors.NameOf), never by Go type.
type Engine interface {
	// CheckFetch reports whether remoteRef exists on the remote and, if so,
	// its OID, without downloading anything (a `git ls-remote`-style probe).
	CheckFetch(ctx context.Context, remoteURL, remoteRef string) (hasUpdate bool, remoteOID string, err error)
	// Fetch downloads remoteRef into localTrackingRef.
	Fetch(ctx context.Context, remoteURL, remoteRef, localTrackingRef string) error
	// Push uploads localRef to remoteRef. If force is false and the
	// remote has advanced, implementations return a NameUnfetchedCommitExists
	// error so the caller can fetch-and-retry.
	Push(ctx context.Context, remoteURL, localRef, remoteRef string, force bool) error
	// Clone materializes remoteURL as dir's origin and checks out ref.
	Clone(ctx context.Context, remoteURL, dir, ref string) error
}

// RemoteCreator is an optional Engine capability. Controller.Init type-
// asserts for it after a CheckFetch probe finds no remote ref, and
// delegates remote-repository provisioning to it before deciding the
// initial push/sync direction. GitCLIEngine does not implement it: a bare
// `git` remote URL names a location, not a repository it can provision.
type RemoteCreator interface {
	EnsureRemoteRepository(ctx context.Context, remoteURL string) error
}

// GitCLIEngine implements Engine over the `git` binary.
type GitCLIEngine struct {
	Dir string
}

// New returns a GitCLIEngine operating in dir, a Git working tree.
func New(dir string) *GitCLIEngine {
	return &GitCLIEngine{Dir: dir}
}

func (e *GitCLIEngine) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = e.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", classifyGitError(args, stderr.String(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// classifyGitError maps git's stderr/exit behavior onto the shared error
// taxonomy, the only place a Remote Engine implementation needs to know
// about process-level failure modes.
func classifyGitError(args []string, stderr string, cause error) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "could not resolve host"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "timed out"):
		return syncerrors.Wrap(syncerrors.NameNetworkError, "git "+strings.Join(args, " ")+" failed", cause)
	case strings.Contains(msg, "authentication failed"), strings.Contains(msg, "401"):
		return syncerrors.Wrap(syncerrors.NameHTTPError401, "git authentication failed", cause)
	case strings.Contains(msg, "403"), strings.Contains(msg, "permission denied") && strings.Contains(msg, "http"):
		return syncerrors.Wrap(syncerrors.NameHTTPError403, "git forbidden", cause)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "404"):
		return syncerrors.Wrap(syncerrors.NameHTTPError404, "git remote not found", cause)
	case strings.Contains(msg, "fetch first"), strings.Contains(msg, "non-fast-forward"), strings.Contains(msg, "stale info"):
		return syncerrors.Wrap(syncerrors.NameUnfetchedCommitExists, "remote has commits not yet fetched", cause)
	case strings.Contains(msg, "could not read from remote repository"), strings.Contains(msg, "repository not found"):
		return syncerrors.Wrap(syncerrors.NameInvalidGitRemote, "remote repository unreachable", cause)
	default:
		return syncerrors.Wrap(syncerrors.NameCannotConnect, "git "+strings.Join(args, " ")+" failed: "+strings.TrimSpace(stderr), cause)
	}
}

// CheckFetch runs `git ls-remote` for remoteRef and returns true with the
// ref's OID when the remote has it, or false with an empty OID when it does
// not. It does not compare the OID against any local ref.
func (e *GitCLIEngine) CheckFetch(ctx context.Context, remoteURL, remoteRef string) (bool, string, error) {
	out, err := e.run(ctx, "ls-remote", remoteURL, remoteRef)
	if err != nil {
		return false, "", err
	}
	if out == "" {
		return false, "", nil
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return false, "", nil
	}
	return true, fields[0], nil
}

// Fetch downloads remoteRef from remoteURL into localTrackingRef.
func (e *GitCLIEngine) Fetch(ctx context.Context, remoteURL, remoteRef, localTrackingRef string) error {
	refspec := fmt.Sprintf("%s:%s", remoteRef, localTrackingRef)
	_, err := e.run(ctx, "fetch", remoteURL, refspec)
	return err
}

// Push uploads localRef to remoteRef, using a non-fast-forward refusal
// (force=false) unless the caller explicitly overrides it.
func (e *GitCLIEngine) Push(ctx context.Context, remoteURL, localRef, remoteRef string, force bool) error {
	refspec := fmt.Sprintf("%s:%s", localRef, remoteRef)
	if force {
		refspec = "+" + refspec
	}
	_, err := e.run(ctx, "push", remoteURL, refspec)
	return err
}

// Clone materializes remoteURL into dir and checks out ref.
func (e *GitCLIEngine) Clone(ctx context.Context, remoteURL, dir, ref string) error {
	args := []string{"clone", remoteURL, dir}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return classifyGitError(args, stderr.String(), err)
	}
	return nil
}
