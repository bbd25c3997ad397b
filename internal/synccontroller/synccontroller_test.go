package synccontroller

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
	"github.com/basalt-sync/gitdocdb/internal/jsondiff"
	"github.com/basalt-sync/gitdocdb/internal/remoteengine"
	"github.com/basalt-sync/gitdocdb/internal/synccfg"
	"github.com/basalt-sync/gitdocdb/internal/syncerrors"
	"github.com/basalt-sync/gitdocdb/internal/syncresult"
)

// flakyCheckFetchEngine wraps a real Engine, failing the first
// failCheckFetches calls to CheckFetch with NetworkError before
// delegating through.
type flakyCheckFetchEngine struct {
	remoteengine.Engine
	mu               sync.Mutex
	failCheckFetches int
	checkFetchCalls  int
}

func (e *flakyCheckFetchEngine) CheckFetch(ctx context.Context, remoteURL, remoteRef string) (bool, string, error) {
	e.mu.Lock()
	e.checkFetchCalls++
	shouldFail := e.failCheckFetches > 0
	if shouldFail {
		e.failCheckFetches--
	}
	e.mu.Unlock()

	if shouldFail {
		return false, "", syncerrors.New(syncerrors.NameNetworkError, "simulated transient network failure")
	}
	return e.Engine.CheckFetch(ctx, remoteURL, remoteRef)
}

func (e *flakyCheckFetchEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkFetchCalls
}

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

func newBareRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "--bare", "--initial-branch=main")
	return dir
}

func newWorkingRepo(t *testing.T) *gitrepo.Repo {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "--initial-branch=main")
	git(t, dir, "config", "user.email", "test@test.com")
	git(t, dir, "config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"x":1}`), 0644); err != nil {
		t.Fatal(err)
	}
	git(t, dir, "add", "a.json")
	git(t, dir, "commit", "-m", "initial")
	return gitrepo.Open(dir)
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	repo := newWorkingRepo(t)
	_, err := New(repo, remoteengine.New(repo.Dir), "main", synccfg.Options{}, jsondiff.Options{}, silentLogger())
	if err == nil {
		t.Fatal("expected error for missing RemoteURL")
	}
}

func TestNewRegistersRemote(t *testing.T) {
	remote := newBareRemote(t)
	repo := newWorkingRepo(t)

	ctrl, err := New(repo, remoteengine.New(repo.Dir), "main", synccfg.Options{RemoteURL: remote}, jsondiff.Options{}, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ctrl.RemoteName() == "" {
		t.Fatal("expected a derived remote name")
	}

	configured, err := repo.GetConfig("remote." + ctrl.RemoteName() + ".url")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if configured != remote {
		t.Errorf("registered remote URL = %q, want %q", configured, remote)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("state = %v, want idle", ctrl.State())
	}
}

func TestInitFirstPush(t *testing.T) {
	remote := newBareRemote(t)
	repo := newWorkingRepo(t)

	ctrl, err := New(repo, remoteengine.New(repo.Dir), "main", synccfg.Options{RemoteURL: remote}, jsondiff.Options{}, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := ctrl.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if result.Action != syncresult.ActionPush {
		t.Errorf("action = %v, want push", result.Action)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("state after non-live Init = %v, want idle", ctrl.State())
	}
}

func TestInitRetriesCheckFetchAfterTransientNetworkError(t *testing.T) {
	remote := newBareRemote(t)
	repo := newWorkingRepo(t)
	engine := &flakyCheckFetchEngine{Engine: remoteengine.New(repo.Dir), failCheckFetches: 1}

	ctrl, err := New(repo, engine, "main", synccfg.Options{
		RemoteURL: remote, RetryInterval: 10 * time.Millisecond, Retry: synccfg.Int(2),
	}, jsondiff.Options{}, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := ctrl.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if result.Action != syncresult.ActionPush {
		t.Errorf("action = %v, want push", result.Action)
	}
	if got := engine.calls(); got != 2 {
		t.Errorf("CheckFetch called %d times, want 2", got)
	}
}

func TestTryPushRejectedUnderPullDirection(t *testing.T) {
	remote := newBareRemote(t)
	repo := newWorkingRepo(t)

	ctrl, err := New(repo, remoteengine.New(repo.Dir), "main", synccfg.Options{
		RemoteURL: remote, SyncDirection: synccfg.DirectionPull,
	}, jsondiff.Options{}, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = ctrl.TryPush(context.Background())
	if err == nil {
		t.Fatal("expected push to be rejected under pull-only direction")
	}
}

func TestEventOrderStartChangeComplete(t *testing.T) {
	remote := newBareRemote(t)
	repo := newWorkingRepo(t)

	ctrl, err := New(repo, remoteengine.New(repo.Dir), "main", synccfg.Options{RemoteURL: remote}, jsondiff.Options{}, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var order []EventKind
	record := func(kind EventKind) Handler {
		return func(p EventPayload) {
			mu.Lock()
			order = append(order, kind)
			mu.Unlock()
		}
	}
	ctrl.On(EventStart, record(EventStart), "")
	ctrl.On(EventChange, record(EventChange), "")
	ctrl.On(EventComplete, record(EventComplete), "")

	if _, err := ctrl.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != EventStart || order[1] != EventChange || order[2] != EventComplete {
		t.Fatalf("event order = %v, want [start change complete]", order)
	}
}

func TestOffStopsDelivery(t *testing.T) {
	remote := newBareRemote(t)
	repo := newWorkingRepo(t)

	ctrl, err := New(repo, remoteengine.New(repo.Dir), "main", synccfg.Options{RemoteURL: remote}, jsondiff.Options{}, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var calls int
	var mu sync.Mutex
	id := ctrl.On(EventComplete, func(p EventPayload) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, "")
	ctrl.Off(EventComplete, id)

	if _, err := ctrl.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("handler called %d times after Off, want 0", calls)
	}
}

func TestCloseIsIdempotentAndClosesState(t *testing.T) {
	remote := newBareRemote(t)
	repo := newWorkingRepo(t)

	ctrl, err := New(repo, remoteengine.New(repo.Dir), "main", synccfg.Options{RemoteURL: remote}, jsondiff.Options{}, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctrl.Close()
	ctrl.Close() // must not panic or block
	if ctrl.State() != StateClosed {
		t.Errorf("state = %v, want closed", ctrl.State())
	}
}

func TestResumeFailsAfterClose(t *testing.T) {
	remote := newBareRemote(t)
	repo := newWorkingRepo(t)

	ctrl, err := New(repo, remoteengine.New(repo.Dir), "main", synccfg.Options{RemoteURL: remote}, jsondiff.Options{}, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctrl.Close()

	if err := ctrl.Resume(nil); err == nil {
		t.Fatal("expected Resume to fail on a closed controller")
	}
}

func TestPauseStopsLiveTimer(t *testing.T) {
	remote := newBareRemote(t)
	repo := newWorkingRepo(t)

	ctrl, err := New(repo, remoteengine.New(repo.Dir), "main", synccfg.Options{
		RemoteURL: remote, Live: true, Interval: 2 * time.Second, RetryInterval: 500 * time.Millisecond,
	}, jsondiff.Options{}, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := ctrl.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if ctrl.State() != StateLiveWaiting {
		t.Fatalf("state after live Init = %v, want live-waiting", ctrl.State())
	}

	ctrl.Pause()
	if ctrl.State() != StatePaused {
		t.Errorf("state after Pause = %v, want paused", ctrl.State())
	}
	ctrl.Close()
}

func TestMain(m *testing.M) {
	if _, err := exec.LookPath("git"); err != nil {
		os.Exit(0)
	}
	os.Exit(m.Run())
}
