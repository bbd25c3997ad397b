package remoteengine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/basalt-sync/gitdocdb/internal/syncerrors"
)

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v in %s: %v: %s", args, dir, err, out)
	}
	return string(out)
}

// newBareRemote creates a bare repo to push/fetch against, the local
// equivalent of a hosted Git remote for these tests.
func newBareRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "--bare", "--initial-branch=main")
	return dir
}

func newWorkingRepoWithCommit(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "--initial-branch=main")
	git(t, dir, "config", "user.email", "test@test.com")
	git(t, dir, "config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	git(t, dir, "add", "a.txt")
	git(t, dir, "commit", "-m", "initial")
	return dir
}

func TestPushAndCheckFetch(t *testing.T) {
	remote := newBareRemote(t)
	working := newWorkingRepoWithCommit(t)
	engine := New(working)

	ctx := context.Background()
	if err := engine.Push(ctx, remote, "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatalf("Push: %v", err)
	}

	hasUpdate, oid, err := engine.CheckFetch(ctx, remote, "refs/heads/main")
	if err != nil {
		t.Fatalf("CheckFetch: %v", err)
	}
	if !hasUpdate || oid == "" {
		t.Fatalf("CheckFetch = (%v, %q), want an update with a non-empty oid", hasUpdate, oid)
	}
}

func TestFetchIntoTrackingRef(t *testing.T) {
	remote := newBareRemote(t)
	source := newWorkingRepoWithCommit(t)
	sourceEngine := New(source)
	ctx := context.Background()
	if err := sourceEngine.Push(ctx, remote, "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatalf("seed push: %v", err)
	}

	dest := t.TempDir()
	git(t, dest, "init", "--initial-branch=main")
	destEngine := New(dest)
	if err := destEngine.Fetch(ctx, remote, "refs/heads/main", "refs/remotes/origin/main"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	out := git(t, dest, "rev-parse", "refs/remotes/origin/main")
	if out == "" {
		t.Errorf("tracking ref not created by Fetch")
	}
}

func TestPushRejectsNonFastForward(t *testing.T) {
	remote := newBareRemote(t)

	first := newWorkingRepoWithCommit(t)
	firstEngine := New(first)
	ctx := context.Background()
	if err := firstEngine.Push(ctx, remote, "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatalf("first push: %v", err)
	}

	// A second, unrelated history pushing to the same ref without force
	// must be rejected as an unfetched-commit conflict.
	second := newWorkingRepoWithCommit(t)
	git(t, second, "commit", "--amend", "-m", "unrelated initial")
	secondEngine := New(second)
	err := secondEngine.Push(ctx, remote, "refs/heads/main", "refs/heads/main", false)
	if err == nil {
		t.Fatal("expected non-fast-forward push to fail")
	}
}

func TestCloneMaterializesWorkingTree(t *testing.T) {
	remote := newBareRemote(t)
	source := newWorkingRepoWithCommit(t)
	sourceEngine := New(source)
	ctx := context.Background()
	if err := sourceEngine.Push(ctx, remote, "refs/heads/main", "refs/heads/main", false); err != nil {
		t.Fatalf("seed push: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "clone")
	engine := New("")
	if err := engine.Clone(ctx, remote, dest, ""); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "a.txt")); err != nil {
		t.Errorf("cloned working tree missing a.txt: %v", err)
	}
}

func TestClassifyGitErrorNetwork(t *testing.T) {
	err := classifyGitError([]string{"fetch"}, "fatal: could not resolve host: example.invalid", errors.New("exit 1"))
	if syncerrors.NameOf(err) != syncerrors.NameNetworkError {
		t.Errorf("classified name = %v, want NetworkError", syncerrors.NameOf(err))
	}
}

func TestClassifyGitErrorUnfetchedCommit(t *testing.T) {
	err := classifyGitError([]string{"push"}, "! [rejected] main -> main (fetch first)", errors.New("exit 1"))
	if syncerrors.NameOf(err) != syncerrors.NameUnfetchedCommitExists {
		t.Errorf("classified name = %v, want UnfetchedCommitExists", syncerrors.NameOf(err))
	}
}

func TestClassifyGitErrorDefault(t *testing.T) {
	err := classifyGitError([]string{"status"}, "some unrecognized failure", errors.New("exit 1"))
	if syncerrors.NameOf(err) != syncerrors.NameCannotConnect {
		t.Errorf("classified name = %v, want CannotConnect", syncerrors.NameOf(err))
	}
}

func TestMain(m *testing.M) {
	if _, err := exec.LookPath("git"); err != nil {
		os.Exit(0)
	}
	os.Exit(m.Run())
}
