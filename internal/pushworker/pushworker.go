// Package pushworker implements the push half of a sync cycle: classify
// HEAD against the remote tracking ref, invoke the Remote Engine's push,
// and compute the remote-visible change set. Commit enumeration uses
// structured internal/gitrepo calls rather than raw CLI string
// concatenation.
package pushworker

import (
	"context"
	"fmt"

	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
	"github.com/basalt-sync/gitdocdb/internal/remoteengine"
	"github.com/basalt-sync/gitdocdb/internal/syncerrors"
	"github.com/basalt-sync/gitdocdb/internal/synccfg"
	"github.com/basalt-sync/gitdocdb/internal/syncresult"
)

// Params bundles everything one push cycle needs.
type Params struct {
	Repo         *gitrepo.Repo
	Engine       remoteengine.Engine
	RemoteURL    string
	RemoteName   string
	Branch       string
	Options      synccfg.Options
	AfterMerge   bool
	// PrecomputedRemote is supplied by the sync worker when AfterMerge is
	// true; the push worker returns it unchanged rather than recomputing.
	PrecomputedRemote []syncresult.ChangedFile
}

func localRef(branch string) string  { return "refs/heads/" + branch }
func remoteRef(branch string) string { return "refs/heads/" + branch }
func trackingRef(remoteName, branch string) string {
	return "refs/remotes/" + remoteName + "/" + branch
}

// Push runs one push cycle.
func Push(ctx context.Context, p Params) (*syncresult.Result, error) {
	head, err := p.Repo.ResolveRef("HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	if head == "" {
		return nil, syncerrors.New(syncerrors.NameRepositoryNotOpen, "HEAD does not resolve to a commit")
	}

	tracking := trackingRef(p.RemoteName, p.Branch)
	remoteOID, err := p.Repo.ResolveRef(tracking)
	if err != nil {
		return nil, fmt.Errorf("resolve tracking ref %s: %w", tracking, err)
	}

	baseOID := remoteOID
	if remoteOID != "" {
		if mb, err := p.Repo.FindMergeBase(head, remoteOID); err == nil {
			baseOID = mb
		}
	}

	pushErr := p.Engine.Push(ctx, p.RemoteURL, localRef(p.Branch), remoteRef(p.Branch), false)
	if pushErr != nil {
		if syncerrors.NameOf(pushErr) == syncerrors.NameUnfetchedCommitExists {
			_, currentRemoteOID, checkErr := p.Engine.CheckFetch(ctx, p.RemoteURL, remoteRef(p.Branch))
			if checkErr == nil && currentRemoteOID == head {
				return &syncresult.Result{Action: syncresult.ActionNop}, nil
			}
		}
		return nil, pushErr
	}

	if err := p.Repo.UpdateRef(tracking, head); err != nil {
		return nil, fmt.Errorf("update tracking ref: %w", err)
	}

	remoteChanges := p.PrecomputedRemote
	if !p.AfterMerge {
		diff, err := p.Repo.DiffTree(remoteOID, head)
		if err != nil {
			return nil, fmt.Errorf("diff remote change set: %w", err)
		}
		remoteChanges = syncresult.ChangedFilesFromDiff(diff)
	}

	result := &syncresult.Result{
		Action:  syncresult.ActionPush,
		Changes: syncresult.Changes{Remote: remoteChanges},
	}

	if p.Options.IncludeCommits {
		logs, err := p.Repo.Log(baseOID, head)
		if err != nil {
			return nil, fmt.Errorf("collect commit log: %w", err)
		}
		result.Commits = &syncresult.Commits{Remote: logs}
	}

	return result, nil
}
