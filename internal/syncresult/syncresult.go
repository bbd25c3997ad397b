// Package syncresult defines the result and event shapes shared by the
// push worker, sync worker, and sync controller.
package syncresult

import (
	"github.com/basalt-sync/gitdocdb/internal/docstore"
	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
	"github.com/basalt-sync/gitdocdb/internal/synccfg"
)

// Action names one of the public outcome kinds a sync/push cycle produces.
type Action string

const (
	ActionNop                          Action = "nop"
	ActionPush                         Action = "push"
	ActionFastForwardMerge             Action = "fast-forward merge"
	ActionMergeAndPush                 Action = "merge and push"
	ActionResolveConflictsAndPush      Action = "resolve conflicts and push"
	ActionMergeAndPushError            Action = "merge and push error"
	ActionResolveConflictsAndPushError Action = "resolve conflicts and push error"
	ActionCombineDatabase              Action = "combine database"
	ActionCanceled                     Action = "canceled"
)

// ChangeKind classifies one path's change within a ChangedFile.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangedFile is one document affected by a sync/push cycle.
type ChangedFile struct {
	Path string
	ID   string
	Kind ChangeKind
}

// Changes bundles the local-visible and remote-visible change sets of one
// cycle.
type Changes struct {
	Local  []ChangedFile
	Remote []ChangedFile
}

// Commits bundles the commit logs for a cycle, populated only when
// Options.IncludeCommits is set.
type Commits struct {
	Local  []gitrepo.Commit
	Remote []gitrepo.Commit
}

// AcceptedConflict records one three-way-merge cell where both sides
// changed and a policy chose the outcome.
type AcceptedConflict struct {
	Path      string
	FatDoc    docstore.FatDoc
	Strategy  synccfg.ConflictStrategy
	Operation string // insert, insert-merge, update, update-merge, delete
}

// Result is the outcome of one tryPush/trySync cycle.
type Result struct {
	Action    Action
	Changes   Changes
	Commits   *Commits
	Conflicts []AcceptedConflict
}

// ChangedFilesFromDiff converts a gitrepo.DiffTree listing into
// ChangedFiles, deriving each document's id from its file name.
func ChangedFilesFromDiff(paths []gitrepo.ChangedPath) []ChangedFile {
	out := make([]ChangedFile, 0, len(paths))
	for _, p := range paths {
		out = append(out, ChangedFile{
			Path: p.Path,
			ID:   idFromPath(p.Path),
			Kind: kindFromStatus(p.Status),
		})
	}
	return out
}

func kindFromStatus(status string) ChangeKind {
	switch status {
	case "A":
		return ChangeInsert
	case "D":
		return ChangeDelete
	default:
		return ChangeUpdate
	}
}

func idFromPath(path string) string {
	dot := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			dot = i
			break
		}
		if path[i] == '/' {
			break
		}
	}
	if dot < 0 {
		return path
	}
	return path[:dot]
}
