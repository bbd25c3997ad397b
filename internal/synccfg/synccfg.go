// Package synccfg defines the sync controller's option set, its defaults,
// and validation rules.
package synccfg

import (
	"context"
	"fmt"
	"time"

	"github.com/basalt-sync/gitdocdb/internal/docstore"
	"github.com/basalt-sync/gitdocdb/internal/syncerrors"
)

// SyncDirection selects which half of the sync cycle runs.
type SyncDirection string

const (
	DirectionPull SyncDirection = "pull"
	DirectionPush SyncDirection = "push"
	DirectionBoth SyncDirection = "both"
)

var validDirections = map[SyncDirection]bool{
	DirectionPull: true,
	DirectionPush: true,
	DirectionBoth: true,
}

// CombineDbStrategy controls behavior when no merge base can be found.
type CombineDbStrategy string

const (
	CombineThrowError           CombineDbStrategy = "throw-error"
	CombineHeadWithTheirs       CombineDbStrategy = "combine-head-with-theirs"
	CombineReplaceWithOurs      CombineDbStrategy = "replace-with-ours"
)

var validCombineStrategies = map[CombineDbStrategy]bool{
	CombineThrowError:      true,
	CombineHeadWithTheirs:  true,
	CombineReplaceWithOurs: true,
}

// ConflictStrategy is the label a conflict resolves to: a fixed side or a
// diff-merge preferring that side. A per-conflict choice is made by
// setting Options.ConflictResolutionFunc, which returns one of these labels.
type ConflictStrategy string

const (
	ConflictOurs       ConflictStrategy = "ours"
	ConflictTheirs     ConflictStrategy = "theirs"
	ConflictOursDiff   ConflictStrategy = "ours-diff"
	ConflictTheirsDiff ConflictStrategy = "theirs-diff"
)

var validConflictStrategies = map[ConflictStrategy]bool{
	ConflictOurs:       true,
	ConflictTheirs:     true,
	ConflictOursDiff:   true,
	ConflictTheirsDiff: true,
}

// ConflictResolutionFunc lets the caller pick a strategy per conflict,
// given both sides' documents.
// It must be safe to call from the merge goroutine and may be asynchronous
// in spirit (it takes a context and can do I/O).
type ConflictResolutionFunc func(ctx context.Context, ours, theirs docstore.FatDoc) (ConflictStrategy, error)

// AuthenticationType selects how Connection.Credentials is interpreted.
type AuthenticationType string

const (
	AuthNone       AuthenticationType = "none"
	AuthPAT        AuthenticationType = "personal-access-token"
	AuthSSHKey     AuthenticationType = "ssh-key"
	AuthBasic      AuthenticationType = "basic"
)

// Connection bundles the Remote Engine selection and credentials.
type Connection struct {
	EngineID            string
	Type                AuthenticationType
	PersonalAccessToken string
	SSHKeyPath          string
	Username            string
	Password            string
}

// MinimumSyncInterval is the floor for Options.Interval: 1s is a
// practical floor that still lets tests run fast without permitting a
// pathological near-zero busy loop.
const MinimumSyncInterval = 1 * time.Second

// DefaultInterval, DefaultRetryInterval and DefaultRetry are the defaults
// WithDefaults fills in when unset.
const (
	DefaultInterval      = 30 * time.Second
	DefaultRetryInterval = 3 * time.Second
	DefaultRetry         = 3
)

// Options is the full enumerated sync option set.
type Options struct {
	RemoteURL     string
	Live          bool
	SyncDirection SyncDirection
	Interval      time.Duration
	RetryInterval time.Duration
	// Retry is a pointer so an explicit 0 (never retry) is distinguishable
	// from an unset field, which WithDefaults fills with DefaultRetry. Use
	// Int(0) to configure it explicitly.
	Retry                      *int
	CombineDbStrategy          CombineDbStrategy
	IncludeCommits             bool
	ConflictResolutionStrategy ConflictStrategy
	ConflictResolutionFunc     ConflictResolutionFunc
	Connection                 Connection
}

// Int returns a pointer to v, for populating Options.Retry with a literal.
func Int(v int) *int { return &v }

// WithDefaults fills unset fields with the documented defaults.
func WithDefaults(o Options) Options {
	if o.SyncDirection == "" {
		o.SyncDirection = DirectionBoth
	}
	if o.Interval == 0 {
		o.Interval = DefaultInterval
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.Retry == nil {
		o.Retry = Int(DefaultRetry)
	}
	if o.CombineDbStrategy == "" {
		o.CombineDbStrategy = CombineHeadWithTheirs
	}
	if o.ConflictResolutionStrategy == "" {
		o.ConflictResolutionStrategy = ConflictOursDiff
	}
	if o.Connection.Type == "" {
		o.Connection.Type = AuthNone
	}
	return o
}

// Validate enforces every option invariant and returns the first violated
// one as a *syncerrors.Error.
func (o Options) Validate() error {
	if o.RemoteURL == "" {
		return syncerrors.New(syncerrors.NameUndefinedRemoteURL, "remote URL is required")
	}
	if o.Interval < MinimumSyncInterval {
		return syncerrors.New(syncerrors.NameIntervalTooSmall,
			fmt.Sprintf("interval %s is below minimum %s", o.Interval, MinimumSyncInterval))
	}
	if o.Interval <= o.RetryInterval {
		return syncerrors.New(syncerrors.NameSyncIntervalLessThanOrEqualToRetryInterval,
			fmt.Sprintf("interval %s must be strictly greater than retryInterval %s", o.Interval, o.RetryInterval))
	}
	if !validDirections[o.SyncDirection] {
		return syncerrors.New(syncerrors.NameInvalidRepositoryURL, fmt.Sprintf("invalid syncDirection %q", o.SyncDirection))
	}
	if o.CombineDbStrategy != "" && !validCombineStrategies[o.CombineDbStrategy] {
		return syncerrors.New(syncerrors.NameInvalidConflictResolutionStrategy,
			fmt.Sprintf("invalid combineDbStrategy %q", o.CombineDbStrategy))
	}
	if o.ConflictResolutionStrategy != "" && o.ConflictResolutionFunc == nil && !validConflictStrategies[o.ConflictResolutionStrategy] {
		return syncerrors.New(syncerrors.NameInvalidConflictResolutionStrategy,
			fmt.Sprintf("invalid conflictResolutionStrategy %q", o.ConflictResolutionStrategy))
	}
	if err := o.Connection.validate(); err != nil {
		return err
	}
	return nil
}

func (c Connection) validate() error {
	switch c.Type {
	case "", AuthNone:
		return nil
	case AuthPAT:
		if c.PersonalAccessToken == "" {
			return syncerrors.New(syncerrors.NameUndefinedPersonalAccessToken, "personal access token is required for PAT authentication")
		}
	case AuthSSHKey:
		if c.SSHKeyPath == "" {
			return syncerrors.New(syncerrors.NameInvalidAuthenticationType, "ssh key path is required for ssh-key authentication")
		}
	case AuthBasic:
		if c.Username == "" || c.Password == "" {
			return syncerrors.New(syncerrors.NameInvalidAuthenticationType, "username and password are required for basic authentication")
		}
	default:
		return syncerrors.New(syncerrors.NameInvalidAuthenticationType, fmt.Sprintf("unknown authentication type %q", c.Type))
	}
	return nil
}
