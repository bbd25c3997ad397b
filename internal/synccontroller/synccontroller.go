// Package synccontroller implements the sync controller: option
// validation, remote registration, the retry loop, the live timer with
// network probing, and event dispatch.
package synccontroller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/basalt-sync/gitdocdb/internal/gitconfig"
	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
	"github.com/basalt-sync/gitdocdb/internal/jsondiff"
	"github.com/basalt-sync/gitdocdb/internal/netprobe"
	"github.com/basalt-sync/gitdocdb/internal/pushworker"
	"github.com/basalt-sync/gitdocdb/internal/remoteengine"
	"github.com/basalt-sync/gitdocdb/internal/syncerrors"
	"github.com/basalt-sync/gitdocdb/internal/synccfg"
	"github.com/basalt-sync/gitdocdb/internal/syncresult"
	"github.com/basalt-sync/gitdocdb/internal/syncworker"
	"github.com/basalt-sync/gitdocdb/internal/taskqueue"
)

// State is one node of the controller's lifecycle state machine.
type State string

const (
	StateIdle          State = "idle"
	StateInitializing  State = "initializing"
	StateRunningTask   State = "running-task"
	StateSleepingRetry State = "sleeping-retry"
	StateLiveWaiting   State = "live-waiting"
	StatePaused        State = "paused"
	StateClosed        State = "closed"
)

// EventKind names one of the controller's emitted event kinds.
type EventKind string

const (
	EventStart        EventKind = "start"
	EventComplete     EventKind = "complete"
	EventChange       EventKind = "change"
	EventLocalChange  EventKind = "localChange"
	EventRemoteChange EventKind = "remoteChange"
	EventCombine      EventKind = "combine"
	EventPaused       EventKind = "paused"
	EventActive       EventKind = "active"
	EventError        EventKind = "error"
)

// TaskMetadata identifies one push/sync task for event correlation.
type TaskMetadata struct {
	TaskID         string
	CollectionPath string
	Label          string
}

// EventPayload is delivered to every Handler invocation.
type EventPayload struct {
	Meta   TaskMetadata
	Result *syncresult.Result
	Err    error
}

// Handler receives controller events.
type Handler func(EventPayload)

type subscription struct {
	id             int
	handler        Handler
	collectionPath string
}

// Controller drives one remote's sync lifecycle.
type Controller struct {
	mu sync.Mutex

	repo       *gitrepo.Repo
	engine     remoteengine.Engine
	remoteName string
	branch     string
	options    synccfg.Options
	diffOpts   jsondiff.Options
	logger     *slog.Logger

	queue       *taskqueue.Queue
	state       State
	subs        map[EventKind][]subscription
	nextSubID   int
	taskCounter int
	timerCancel context.CancelFunc
}

// New validates opts, derives and registers the Git remote, and returns an
// idle Controller.
func New(repo *gitrepo.Repo, engine remoteengine.Engine, branch string, opts synccfg.Options, diffOpts jsondiff.Options, logger *slog.Logger) (*Controller, error) {
	opts = synccfg.WithDefaults(opts)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	remoteName, err := gitconfig.DeriveRemoteName(opts.RemoteURL)
	if err != nil {
		return nil, fmt.Errorf("derive remote name: %w", err)
	}
	if err := gitconfig.Register(repo, remoteName, opts.RemoteURL); err != nil {
		return nil, fmt.Errorf("register remote: %w", err)
	}

	return &Controller{
		repo:       repo,
		engine:     engine,
		remoteName: remoteName,
		branch:     branch,
		options:    opts,
		diffOpts:   diffOpts,
		logger:     logger.With("remote", remoteName),
		queue:      taskqueue.New(),
		state:      StateIdle,
		subs:       map[EventKind][]subscription{},
	}, nil
}

// RemoteName returns the derived, registered remote name.
func (c *Controller) RemoteName() string { return c.remoteName }

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Init probes the remote, delegates remote-repository creation when the
// probe finds nothing there, and performs the initial tryPush or trySync,
// starting the live timer on success if Options.Live is set.
func (c *Controller) Init(ctx context.Context) (*syncresult.Result, error) {
	c.setState(StateInitializing)

	tracking := "refs/remotes/" + c.remoteName + "/" + c.branch
	trackingOID, err := c.repo.ResolveRef(tracking)
	if err != nil {
		c.setState(StateClosed)
		return nil, fmt.Errorf("resolve tracking ref: %w", err)
	}

	if err := c.probeRemote(ctx); err != nil {
		c.setState(StateClosed)
		return nil, err
	}

	var result *syncresult.Result
	if trackingOID == "" || c.options.SyncDirection == synccfg.DirectionPush {
		result, err = c.TryPush(ctx)
	} else {
		result, err = c.TrySync(ctx)
	}

	if err != nil {
		c.setState(StateClosed)
		return nil, err
	}

	if c.options.Live {
		c.setState(StateLiveWaiting)
		c.startTimer()
	} else {
		c.setState(StateIdle)
	}
	return result, nil
}

// TryPush enqueues and retries a single push task.
func (c *Controller) TryPush(ctx context.Context) (*syncresult.Result, error) {
	if c.options.SyncDirection == synccfg.DirectionPull {
		return nil, syncerrors.New(syncerrors.NamePushNotAllowed, "syncDirection is pull; push is not allowed")
	}
	return c.retryLoop(ctx, "push", func(ctx context.Context) (*syncresult.Result, error) {
		return pushworker.Push(ctx, pushworker.Params{
			Repo: c.repo, Engine: c.engine, RemoteURL: c.options.RemoteURL,
			RemoteName: c.remoteName, Branch: c.branch, Options: c.options,
		})
	})
}

// TrySync enqueues and retries a single full sync task.
func (c *Controller) TrySync(ctx context.Context) (*syncresult.Result, error) {
	return c.retryLoop(ctx, "sync", func(ctx context.Context) (*syncresult.Result, error) {
		return syncworker.Sync(ctx, syncworker.Params{
			Repo: c.repo, Engine: c.engine, RemoteURL: c.options.RemoteURL,
			RemoteName: c.remoteName, Branch: c.branch, Options: c.options,
			DiffOptions: c.diffOpts,
		})
	})
}

// probeRemote runs checkFetch against the remote, retrying recoverable
// errors up to Options.Retry times on RetryInterval spacing, then
// delegates remote-repository creation to the Engine if it implements
// remoteengine.RemoteCreator and the probe found no remote ref yet.
func (c *Controller) probeRemote(ctx context.Context) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.options.RetryInterval), uint64(*c.options.Retry)),
		ctx,
	)

	ref := "refs/heads/" + c.branch
	var remoteOID string
	err := backoff.Retry(func() error {
		var probeErr error
		_, remoteOID, probeErr = c.engine.CheckFetch(ctx, c.options.RemoteURL, ref)
		if probeErr == nil {
			return nil
		}
		if errors.Is(probeErr, context.Canceled) {
			return backoff.Permanent(probeErr)
		}
		if c.recoverable(syncerrors.NameOf(probeErr), "init") {
			c.probeNetwork(ctx)
			return probeErr
		}
		return backoff.Permanent(probeErr)
	}, bo)
	if err != nil {
		return err
	}

	if remoteOID == "" {
		if creator, ok := c.engine.(remoteengine.RemoteCreator); ok {
			if err := creator.EnsureRemoteRepository(ctx, c.options.RemoteURL); err != nil {
				return err
			}
		}
	}
	return nil
}

// retryLoop enqueues the task, classifies its error, retries recoverable
// errors up to Options.Retry times on a constant backoff interval,
// surfaces fatal errors immediately, and steers NoMergeBaseFound through
// the configured combineDbStrategy.
func (c *Controller) retryLoop(ctx context.Context, label string, task func(context.Context) (*syncresult.Result, error)) (*syncresult.Result, error) {
	c.taskCounter++
	meta := TaskMetadata{TaskID: strconv.Itoa(c.taskCounter), Label: label}
	c.emit(EventStart, EventPayload{Meta: meta})

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.options.RetryInterval), uint64(*c.options.Retry)),
		ctx,
	)

	var result *syncresult.Result
	attempt := func() error {
		c.setState(StateRunningTask)
		err := c.queue.Submit(ctx, func(ctx context.Context) error {
			r, e := task(ctx)
			result = r
			return e
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}

		name := syncerrors.NameOf(err)
		if name == syncerrors.NameNoMergeBaseFound {
			return backoff.Permanent(err)
		}
		if c.recoverable(name, label) {
			c.setState(StateSleepingRetry)
			c.probeNetwork(ctx)
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(attempt, bo)

	switch {
	case err == nil:
		c.emit(EventChange, EventPayload{Meta: meta, Result: result})
		if result != nil && len(result.Changes.Local) > 0 {
			c.emit(EventLocalChange, EventPayload{Meta: meta, Result: result})
		}
		if result != nil && len(result.Changes.Remote) > 0 {
			c.emit(EventRemoteChange, EventPayload{Meta: meta, Result: result})
		}
		c.emit(EventComplete, EventPayload{Meta: meta, Result: result})
		c.setState(c.restingState())
		return result, nil

	case errors.Is(err, context.Canceled):
		c.setState(c.restingState())
		return &syncresult.Result{Action: syncresult.ActionCanceled}, nil

	case syncerrors.NameOf(err) == syncerrors.NameNoMergeBaseFound:
		combined, combineErr := c.combine(ctx)
		c.setState(c.restingState())
		if combineErr != nil {
			c.emit(EventError, EventPayload{Meta: meta, Err: combineErr})
			return nil, combineErr
		}
		c.emit(EventCombine, EventPayload{Meta: meta, Result: combined})
		return combined, nil

	default:
		c.emit(EventError, EventPayload{Meta: meta, Err: err})
		c.setState(c.restingState())
		if label == "push" {
			return nil, syncerrors.PushWorkerError(err)
		}
		return nil, syncerrors.SyncWorkerError(err)
	}
}

// combine handles NoMergeBaseFound per Options.CombineDbStrategy. Its
// actual reconciliation procedure is an external collaborator; this
// resolves only the strategy selection, per the Open Question decisions
// recorded in DESIGN.md.
func (c *Controller) combine(ctx context.Context) (*syncresult.Result, error) {
	switch c.options.CombineDbStrategy {
	case synccfg.CombineThrowError:
		return nil, syncerrors.New(syncerrors.NameNoMergeBaseFound, "no merge base and combineDbStrategy is throw-error")
	case synccfg.CombineReplaceWithOurs:
		return nil, syncerrors.New(syncerrors.NameCombineDatabase, "replace-with-ours combine strategy is reserved")
	case synccfg.CombineHeadWithTheirs:
		return &syncresult.Result{Action: syncresult.ActionCombineDatabase}, nil
	default:
		return nil, syncerrors.New(syncerrors.NameCombineDatabase, "unknown combineDbStrategy")
	}
}

// recoverable classifies which error names warrant a retry rather than
// surfacing immediately.
func (c *Controller) recoverable(name syncerrors.Name, label string) bool {
	switch name {
	case syncerrors.NameNetworkError, syncerrors.NameHTTPError5xx, syncerrors.NameHTTPError408:
		return true
	case syncerrors.NameUnfetchedCommitExists:
		if label == "sync" {
			return true
		}
		return c.options.CombineDbStrategy == synccfg.CombineReplaceWithOurs
	default:
		return false
	}
}

// probeNetwork performs a best-effort reachability check before a retry
// wait, logging failures rather than altering the backoff decision
// already made.
func (c *Controller) probeNetwork(ctx context.Context) {
	if !strings.HasPrefix(c.options.RemoteURL, "http://") && !strings.HasPrefix(c.options.RemoteURL, "https://") {
		return
	}
	if ok, err := netprobe.Probe(ctx, c.options.RemoteURL, netprobe.Options{}); err != nil || !ok {
		c.logger.Warn("network probe failed before retry", "err", err)
	}
}

func (c *Controller) restingState() State {
	if c.options.Live {
		return StateLiveWaiting
	}
	return StateIdle
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Pause stops the live timer; queued tasks still in flight run to
// completion but no further retries occur.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.timerCancel != nil {
		c.timerCancel()
		c.timerCancel = nil
	}
	c.state = StatePaused
	c.mu.Unlock()
	c.emit(EventPaused, EventPayload{})
}

// Resume restarts the live timer, optionally applying a new interval.
func (c *Controller) Resume(opts *synccfg.Options) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return errors.New("controller is closed")
	}
	if opts != nil {
		merged := synccfg.WithDefaults(*opts)
		if err := merged.Validate(); err != nil {
			c.mu.Unlock()
			return err
		}
		c.options = merged
	}
	c.state = StateLiveWaiting
	c.mu.Unlock()

	c.emit(EventActive, EventPayload{})
	c.startTimer()
	return nil
}

// Close stops the timer, closes the task queue, and clears subscriptions.
// Idempotent, and silently invalidates any subsequent Resume.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.timerCancel != nil {
		c.timerCancel()
		c.timerCancel = nil
	}
	c.state = StateClosed
	c.subs = map[EventKind][]subscription{}
	c.mu.Unlock()
	c.queue.Close()
}

// startTimer installs the repeating live-sync timer. On a push/sync error
// surfacing through the timer, the controller pauses itself; the operator
// must call Resume to restart it.
func (c *Controller) startTimer() {
	c.mu.Lock()
	if c.timerCancel != nil {
		c.timerCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.timerCancel = cancel
	interval := c.options.Interval
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.TrySync(ctx); err != nil {
					c.logger.Warn("live sync failed, pausing", "err", err)
					c.Pause()
					return
				}
			}
		}
	}()
}

// On registers handler for kind, optionally filtered to events whose
// change set intersects collectionPath, and returns a subscription id for
// Off.
func (c *Controller) On(kind EventKind, handler Handler, collectionPath string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.subs[kind] = append(c.subs[kind], subscription{id: id, handler: handler, collectionPath: collectionPath})
	return id
}

// Off removes a subscription previously returned by On.
func (c *Controller) Off(kind EventKind, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[kind]
	for i, s := range list {
		if s.id == id {
			c.subs[kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (c *Controller) emit(kind EventKind, payload EventPayload) {
	c.mu.Lock()
	subs := append([]subscription(nil), c.subs[kind]...)
	c.mu.Unlock()

	filterable := kind == EventChange || kind == EventLocalChange || kind == EventRemoteChange
	for _, s := range subs {
		meta := payload.Meta
		meta.CollectionPath = s.collectionPath
		p := payload
		p.Meta = meta
		if filterable && s.collectionPath != "" && !changeSetIntersects(payload.Result, s.collectionPath) {
			continue
		}
		s.handler(p)
	}
}

// changeSetIntersects reports whether any changed path in result falls
// under collectionPath.
func changeSetIntersects(result *syncresult.Result, collectionPath string) bool {
	if result == nil {
		return false
	}
	prefix := strings.TrimSuffix(collectionPath, "/") + "/"
	for _, ch := range result.Changes.Local {
		if strings.HasPrefix(ch.Path, prefix) {
			return true
		}
	}
	for _, ch := range result.Changes.Remote {
		if strings.HasPrefix(ch.Path, prefix) {
			return true
		}
	}
	return false
}
