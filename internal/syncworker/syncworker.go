// Package syncworker implements a full sync cycle — fetch, classify
// divergence, fast-forward or three-way-merge, then delegate to the push
// worker. The merge path follows a "read three inputs, call merge,
// classify conflicts, write result" outer shape, applied here to
// git-tree merging via internal/merge3.
package syncworker

import (
	"context"
	"fmt"

	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
	"github.com/basalt-sync/gitdocdb/internal/jsondiff"
	"github.com/basalt-sync/gitdocdb/internal/merge3"
	"github.com/basalt-sync/gitdocdb/internal/pushworker"
	"github.com/basalt-sync/gitdocdb/internal/remoteengine"
	"github.com/basalt-sync/gitdocdb/internal/syncerrors"
	"github.com/basalt-sync/gitdocdb/internal/synccfg"
	"github.com/basalt-sync/gitdocdb/internal/syncresult"
)

// Params bundles everything one sync cycle needs.
type Params struct {
	Repo         *gitrepo.Repo
	Engine       remoteengine.Engine
	RemoteURL    string
	RemoteName   string
	Branch       string
	Options      synccfg.Options
	DiffOptions  jsondiff.Options
	CommitAuthor string
}

// Sync runs one fetch → classify → (fast-forward | merge | push-only)
// cycle.
func Sync(ctx context.Context, p Params) (*syncresult.Result, error) {
	tracking := "refs/remotes/" + p.RemoteName + "/" + p.Branch

	if err := p.Engine.Fetch(ctx, p.RemoteURL, "refs/heads/"+p.Branch, tracking); err != nil {
		return nil, err
	}

	head, err := p.Repo.ResolveRef("HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	if head == "" {
		return nil, syncerrors.New(syncerrors.NameRepositoryNotOpen, "HEAD does not resolve to a commit")
	}

	remoteOID, err := p.Repo.ResolveRef(tracking)
	if err != nil {
		return nil, fmt.Errorf("resolve tracking ref: %w", err)
	}
	if remoteOID == "" {
		// Nothing to merge against yet: this is really a first push.
		return pushworker.Push(ctx, pushworker.Params{
			Repo: p.Repo, Engine: p.Engine, RemoteURL: p.RemoteURL,
			RemoteName: p.RemoteName, Branch: p.Branch, Options: p.Options,
		})
	}

	mergeBase, err := p.Repo.FindMergeBase(head, remoteOID)
	if err != nil {
		return nil, fmt.Errorf("find merge base: %w", err)
	}
	if mergeBase == "" {
		return nil, syncerrors.New(syncerrors.NameNoMergeBaseFound, "no common ancestor between local HEAD and remote")
	}

	switch {
	case mergeBase == head && mergeBase == remoteOID:
		return &syncresult.Result{Action: syncresult.ActionNop}, nil

	case mergeBase == head && remoteOID != head:
		return fastForward(p, head, remoteOID)

	case mergeBase == remoteOID && head != remoteOID:
		return pushworker.Push(ctx, pushworker.Params{
			Repo: p.Repo, Engine: p.Engine, RemoteURL: p.RemoteURL,
			RemoteName: p.RemoteName, Branch: p.Branch, Options: p.Options,
		})

	default:
		return mergeAndPush(ctx, p, head, remoteOID, mergeBase)
	}
}

func fastForward(p Params, head, remoteOID string) (*syncresult.Result, error) {
	unlock, err := p.Repo.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	diff, err := p.Repo.DiffTree(head, remoteOID)
	if err != nil {
		return nil, fmt.Errorf("diff fast-forward change set: %w", err)
	}
	if err := p.Repo.UpdateRef("refs/heads/"+p.Branch, remoteOID); err != nil {
		return nil, fmt.Errorf("advance local branch: %w", err)
	}
	if err := p.Repo.CheckoutTree(remoteOID); err != nil {
		return nil, fmt.Errorf("checkout fast-forwarded tree: %w", err)
	}
	return &syncresult.Result{
		Action:  syncresult.ActionFastForwardMerge,
		Changes: syncresult.Changes{Local: syncresult.ChangedFilesFromDiff(diff)},
	}, nil
}

func mergeAndPush(ctx context.Context, p Params, head, remoteOID, mergeBase string) (*syncresult.Result, error) {
	unlock, err := p.Repo.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	baseTree, err := p.Repo.TreeOf(mergeBase)
	if err != nil {
		return nil, fmt.Errorf("resolve base tree: %w", err)
	}
	oursTree, err := p.Repo.TreeOf(head)
	if err != nil {
		return nil, fmt.Errorf("resolve ours tree: %w", err)
	}
	theirsTree, err := p.Repo.TreeOf(remoteOID)
	if err != nil {
		return nil, fmt.Errorf("resolve theirs tree: %w", err)
	}

	merged, err := merge3.Merge(ctx, p.Repo, baseTree, oursTree, theirsTree, merge3.Options{
		DiffOptions: p.DiffOptions,
		Strategy:    p.Options.ConflictResolutionStrategy,
		ResolveFunc: p.Options.ConflictResolutionFunc,
	})
	if err != nil {
		return nil, syncerrors.SyncWorkerError(err)
	}

	message := fmt.Sprintf("merge %s into %s", shortOID(remoteOID), shortOID(head))
	if p.CommitAuthor != "" {
		message = fmt.Sprintf("%s\n\nCommitter: %s", message, p.CommitAuthor)
	}
	mergeCommit, err := p.Repo.CommitTree(merged.TreeOID, message, []string{head, remoteOID})
	if err != nil {
		return nil, fmt.Errorf("create merge commit: %w", err)
	}
	if err := p.Repo.UpdateRef("refs/heads/"+p.Branch, mergeCommit); err != nil {
		return nil, fmt.Errorf("advance local branch to merge commit: %w", err)
	}
	if err := p.Repo.CheckoutTree(merged.TreeOID); err != nil {
		return nil, fmt.Errorf("checkout merged tree: %w", err)
	}

	localDiff, err := p.Repo.DiffTree(head, mergeCommit)
	if err != nil {
		return nil, fmt.Errorf("diff local change set: %w", err)
	}
	remoteDiff, err := p.Repo.DiffTree(remoteOID, mergeCommit)
	if err != nil {
		return nil, fmt.Errorf("diff remote change set: %w", err)
	}

	hasConflicts := len(merged.Conflicts) > 0
	successAction := syncresult.ActionMergeAndPush
	errorAction := syncresult.ActionMergeAndPushError
	if hasConflicts {
		successAction = syncresult.ActionResolveConflictsAndPush
		errorAction = syncresult.ActionResolveConflictsAndPushError
	}

	pushResult, err := pushworker.Push(ctx, pushworker.Params{
		Repo: p.Repo, Engine: p.Engine, RemoteURL: p.RemoteURL,
		RemoteName: p.RemoteName, Branch: p.Branch, Options: p.Options,
		AfterMerge:        true,
		PrecomputedRemote: syncresult.ChangedFilesFromDiff(remoteDiff),
	})
	if err != nil {
		// The local merge already committed; only the push step failed.
		return &syncresult.Result{
			Action:    errorAction,
			Changes:   syncresult.Changes{Local: syncresult.ChangedFilesFromDiff(localDiff)},
			Conflicts: convertConflicts(merged.Conflicts),
		}, err
	}

	pushResult.Action = successAction
	pushResult.Changes.Local = syncresult.ChangedFilesFromDiff(localDiff)
	pushResult.Conflicts = convertConflicts(merged.Conflicts)
	return pushResult, nil
}

func convertConflicts(conflicts []merge3.Conflict) []syncresult.AcceptedConflict {
	out := make([]syncresult.AcceptedConflict, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, syncresult.AcceptedConflict{
			Path:      c.Path,
			FatDoc:    c.FatDoc,
			Strategy:  c.Strategy,
			Operation: c.Operation,
		})
	}
	return out
}

func shortOID(oid string) string {
	if len(oid) > 7 {
		return oid[:7]
	}
	return oid
}
