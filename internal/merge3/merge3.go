// Package merge3 implements the three-way merge of two Git trees against
// their common ancestor. It walks the union of paths across base/ours/theirs, classifies
// each path's change per the fourteen-row decision table, resolves
// per-path conflicts (delegating to internal/jsonpatch for JSON documents;
// plain-text conflicts fall back to a side preference, and binary conflicts
// under a *-diff strategy fail with InvalidConflictResolutionStrategy), and
// rebuilds a merged tree.
package merge3

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/basalt-sync/gitdocdb/internal/docstore"
	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
	"github.com/basalt-sync/gitdocdb/internal/jsondiff"
	"github.com/basalt-sync/gitdocdb/internal/jsonpatch"
	"github.com/basalt-sync/gitdocdb/internal/syncerrors"
	"github.com/basalt-sync/gitdocdb/internal/synccfg"
)

// Conflict records one path where ours and theirs both changed in
// incompatible ways, and how the configured strategy resolved it (a side
// picked whole, a content merge, or a deletion).
type Conflict struct {
	Path      string
	Reason    string // e.g. "insert-insert", "update-update", "update-vs-delete"
	Operation string // insert, insert-merge, update, update-merge, delete
	BaseOID   string
	OursOID   string
	TheirsOID string
	Strategy  synccfg.ConflictStrategy
	FatDoc    docstore.FatDoc // the winning side's document, FileOID set to the accepted blob
}

// Result is the outcome of a tree-level merge.
type Result struct {
	TreeOID       string
	ChangedFromOurs   []string // paths whose content in TreeOID differs from ours (theirs/merged changes ours must absorb)
	ChangedFromTheirs []string // paths whose content in TreeOID differs from theirs (ours' changes theirs must absorb)
	Conflicts     []Conflict
}

// Options configures per-path merge behavior.
type Options struct {
	DiffOptions   jsondiff.Options
	Strategy      synccfg.ConflictStrategy
	ResolveFunc   synccfg.ConflictResolutionFunc
}

type pathEntry struct {
	base, ours, theirs string // blob OIDs, "" means absent
}

// Merge walks baseTree/oursTree/theirsTree (all flat, non-recursive trees
// of document blobs, matching internal/docstore's file layout) and
// produces a merged tree plus the conflicts that were resolved on the way.
func Merge(ctx context.Context, repo *gitrepo.Repo, baseTree, oursTree, theirsTree string, opts Options) (*Result, error) {
	baseEntries, err := listFlat(repo, baseTree)
	if err != nil {
		return nil, fmt.Errorf("list base tree: %w", err)
	}
	oursEntries, err := listFlat(repo, oursTree)
	if err != nil {
		return nil, fmt.Errorf("list ours tree: %w", err)
	}
	theirsEntries, err := listFlat(repo, theirsTree)
	if err != nil {
		return nil, fmt.Errorf("list theirs tree: %w", err)
	}

	paths := map[string]*pathEntry{}
	for path, oid := range baseEntries {
		paths[path] = &pathEntry{base: oid}
	}
	for path, oid := range oursEntries {
		e := paths[path]
		if e == nil {
			e = &pathEntry{}
			paths[path] = e
		}
		e.ours = oid
	}
	for path, oid := range theirsEntries {
		e := paths[path]
		if e == nil {
			e = &pathEntry{}
			paths[path] = e
		}
		e.theirs = oid
	}

	result := &Result{}
	var mergedEntries []gitrepo.TreeEntry

	sortedPaths := make([]string, 0, len(paths))
	for p := range paths {
		sortedPaths = append(sortedPaths, p)
	}
	sort.Strings(sortedPaths)

	for _, path := range sortedPaths {
		e := paths[path]
		finalOID, kept, conflict, err := resolvePath(ctx, repo, path, e, opts)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
		}
		if kept {
			mergedEntries = append(mergedEntries, gitrepo.TreeEntry{
				Mode: "100644", Type: "blob", OID: finalOID, Path: path,
			})
			if finalOID != e.ours {
				result.ChangedFromOurs = append(result.ChangedFromOurs, path)
			}
			if finalOID != e.theirs {
				result.ChangedFromTheirs = append(result.ChangedFromTheirs, path)
			}
		} else {
			if e.ours != "" {
				result.ChangedFromOurs = append(result.ChangedFromOurs, path)
			}
			if e.theirs != "" {
				result.ChangedFromTheirs = append(result.ChangedFromTheirs, path)
			}
		}
	}

	treeOID, err := repo.MakeTree(mergedEntries)
	if err != nil {
		return nil, fmt.Errorf("make merged tree: %w", err)
	}
	result.TreeOID = treeOID
	return result, nil
}

func listFlat(repo *gitrepo.Repo, tree string) (map[string]string, error) {
	if tree == "" {
		return map[string]string{}, nil
	}
	entries, err := repo.ListTree(tree, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.Type == "blob" {
			out[e.Path] = e.OID
		}
	}
	return out, nil
}

// resolvePath applies the fourteen-row base/ours/theirs decision table for
// one path, returning the winning blob OID and whether the path survives
// in the merged tree at all.
func resolvePath(ctx context.Context, repo *gitrepo.Repo, path string, e *pathEntry, opts Options) (oid string, kept bool, conflict *Conflict, err error) {
	base, ours, theirs := e.base, e.ours, e.theirs

	switch {
	case base == "" && ours == "" && theirs == "":
		return "", false, nil, syncerrors.New(syncerrors.NameInvalidConflictState, "path absent on all three sides: "+path)

	case base == "" && ours == "" && theirs != "":
		// Inserted only on theirs' side: accept theirs.
		return theirs, true, nil, nil

	case base == "" && ours != "" && theirs == "":
		// Inserted only on ours' side: accept ours.
		return ours, true, nil, nil

	case base == "" && ours != "" && theirs != "" && ours == theirs:
		// Identical insert on both sides.
		return ours, true, nil, nil

	case base == "" && ours != "" && theirs != "":
		// Insert/insert conflict: try a content merge against an empty base.
		return resolveConflict(ctx, repo, path, "", ours, theirs, "insert-insert", opts)

	case base != "" && ours == "" && theirs == "":
		// Deleted on both sides.
		return "", false, nil, nil

	case base != "" && ours == "" && theirs == base:
		// Deleted on ours, unchanged on theirs: delete wins.
		return "", false, nil, nil

	case base != "" && ours == "" && theirs != "" && theirs != base:
		// Deleted on ours, updated on theirs: conflict.
		return resolveDeleteConflict(repo, path, "ours", base, theirs, opts)

	case base != "" && ours == base && theirs == "":
		// Unchanged on ours, deleted on theirs: delete wins.
		return "", false, nil, nil

	case base != "" && ours != base && theirs == "":
		// Updated on ours, deleted on theirs: conflict.
		return resolveDeleteConflict(repo, path, "theirs", base, ours, opts)

	case base != "" && ours == theirs:
		// Same end state on both sides (possibly both unchanged).
		return ours, true, nil, nil

	case base != "" && ours == base && theirs != base:
		// Fast-forward: only theirs changed.
		return theirs, true, nil, nil

	case base != "" && theirs == base && ours != base:
		// Only ours changed: keep ours.
		return ours, true, nil, nil

	case base != "" && ours != base && theirs != base && ours != theirs:
		// Both changed, to different values: conflict.
		return resolveConflict(ctx, repo, path, base, ours, theirs, "update-update", opts)

	default:
		return "", false, nil, syncerrors.New(syncerrors.NameInvalidConflictState, "unreachable merge state for "+path)
	}
}

func resolveDeleteConflict(repo *gitrepo.Repo, path, deletedSide, baseOID, survivorOID string, opts Options) (string, bool, *Conflict, error) {
	reason := "update-vs-delete"
	if deletedSide == "theirs" {
		reason = "delete-vs-update"
	}
	// Without a content merge possible against a deleted side, the
	// configured strategy picks one side whole: an ours/ours-diff strategy means the
	// deletion wins whenever ours is the deleted side, and the update
	// survives whenever theirs is the deleted side (symmetrically for
	// theirs/theirs-diff).
	strategy := opts.Strategy
	keepSurvivor := (deletedSide == "ours" && (strategy == synccfg.ConflictTheirs || strategy == synccfg.ConflictTheirsDiff)) ||
		(deletedSide == "theirs" && (strategy == synccfg.ConflictOurs || strategy == synccfg.ConflictOursDiff))

	conflict := &Conflict{Path: path, Reason: reason, BaseOID: baseOID, Strategy: strategy}
	if deletedSide == "ours" {
		conflict.TheirsOID = survivorOID
	} else {
		conflict.OursOID = survivorOID
	}

	if keepSurvivor {
		conflict.Operation = "update"
		doc, err := buildFatDoc(repo, path, survivorOID)
		if err != nil {
			return "", false, conflict, err
		}
		conflict.FatDoc = doc
		return survivorOID, true, conflict, nil
	}
	conflict.Operation = "delete"
	return "", false, conflict, nil
}

// resolveConflict dispatches a same-path content conflict to the
// configured resolution strategy: a custom function, a fixed side, or a
// property/text-level diff merge.
func resolveConflict(ctx context.Context, repo *gitrepo.Repo, path, baseOID, oursOID, theirsOID string, reason string, opts Options) (string, bool, *Conflict, error) {
	conflict := &Conflict{Path: path, Reason: reason, BaseOID: baseOID, OursOID: oursOID, TheirsOID: theirsOID}

	strategy := opts.Strategy
	if opts.ResolveFunc != nil {
		oursDoc, theirsDoc, err := loadPairForResolveFunc(repo, path, oursOID, theirsOID)
		if err != nil {
			return "", false, conflict, err
		}
		chosen, err := opts.ResolveFunc(ctx, oursDoc, theirsDoc)
		if err != nil {
			return "", false, conflict, fmt.Errorf("conflict resolution func: %w", err)
		}
		strategy = chosen
	}
	conflict.Strategy = strategy

	baseOp, mergeOp := "insert", "insert-merge"
	if reason == "update-update" {
		baseOp, mergeOp = "update", "update-merge"
	}

	accept := func(oid, op string) (string, bool, *Conflict, error) {
		conflict.Operation = op
		doc, err := buildFatDoc(repo, path, oid)
		if err != nil {
			return "", false, conflict, err
		}
		conflict.FatDoc = doc
		return oid, true, conflict, nil
	}

	switch strategy {
	case synccfg.ConflictOurs:
		return accept(oursOID, baseOp)
	case synccfg.ConflictTheirs:
		return accept(theirsOID, baseOp)
	}

	mergedOID, err := mergeContent(repo, path, baseOID, oursOID, theirsOID, strategy, opts.DiffOptions)
	if err != nil {
		return "", false, conflict, err
	}
	return accept(mergedOID, mergeOp)
}

// buildFatDoc loads the winning side's content for a resolved conflict so
// AcceptedConflict carries the full document, not just its blob OID.
func buildFatDoc(repo *gitrepo.Repo, path, oid string) (docstore.FatDoc, error) {
	docType := docstore.ClassifyExt(filepath.Ext(path))
	doc := docstore.FatDoc{ID: pathID(path), Type: docType, FileOID: oid}
	if oid == "" {
		return doc, nil
	}
	content, err := repo.ReadBlob(oid)
	if err != nil {
		return doc, err
	}
	setDocContent(&doc, docType, content)
	return doc, nil
}

func loadPairForResolveFunc(repo *gitrepo.Repo, path, oursOID, theirsOID string) (ours, theirs docstore.FatDoc, err error) {
	docType := docstore.ClassifyExt(filepath.Ext(path))
	id := pathID(path)
	ours = docstore.FatDoc{ID: id, Type: docType, FileOID: oursOID}
	theirs = docstore.FatDoc{ID: id, Type: docType, FileOID: theirsOID}
	if oursOID != "" {
		b, err := repo.ReadBlob(oursOID)
		if err != nil {
			return ours, theirs, err
		}
		setDocContent(&ours, docType, b)
	}
	if theirsOID != "" {
		b, err := repo.ReadBlob(theirsOID)
		if err != nil {
			return ours, theirs, err
		}
		setDocContent(&theirs, docType, b)
	}
	return ours, theirs, nil
}

func setDocContent(d *docstore.FatDoc, docType docstore.DocType, content []byte) {
	if docType == docstore.TypeJSON {
		d.JSON = content
	} else {
		d.Bytes = content
	}
}

func pathID(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// mergeContent performs the actual property/text-level merge for one
// conflicted path, dispatching on document type.
func mergeContent(repo *gitrepo.Repo, path, baseOID, oursOID, theirsOID string, strategy synccfg.ConflictStrategy, diffOpts jsondiff.Options) (string, error) {
	docType := docstore.ClassifyExt(filepath.Ext(path))

	baseContent, err := readOrEmpty(repo, baseOID)
	if err != nil {
		return "", err
	}
	oursContent, err := readOrEmpty(repo, oursOID)
	if err != nil {
		return "", err
	}
	theirsContent, err := readOrEmpty(repo, theirsOID)
	if err != nil {
		return "", err
	}

	switch docType {
	case docstore.TypeJSON:
		oursDiff, err := jsondiff.Diff(baseContent, oursContent, diffOpts)
		if err != nil {
			return "", fmt.Errorf("diff ours: %w", err)
		}
		theirsDiff, err := jsondiff.Diff(baseContent, theirsContent, diffOpts)
		if err != nil {
			return "", fmt.Errorf("diff theirs: %w", err)
		}

		jsonStrategy := jsonpatch.OursDiff
		if strategy == synccfg.ConflictTheirsDiff {
			jsonStrategy = jsonpatch.TheirsDiff
		}
		merged, err := jsonpatch.Merge(baseContent, oursContent, theirsContent, oursDiff, theirsDiff, jsonStrategy)
		if err != nil {
			return "", fmt.Errorf("merge json: %w", err)
		}
		canon, err := docstore.Canonicalize(merged)
		if err != nil {
			return "", fmt.Errorf("canonicalize merged json: %w", err)
		}
		return repo.HashObject(canon)

	case docstore.TypeText:
		// Whole-file text conflicts are a placeholder, same as plain
		// ours/theirs: property-level OT merge only applies within JSON
		// documents (jsonpatch's plainTextProperties), not here.
		if strategy == synccfg.ConflictTheirsDiff {
			return theirsOID, nil
		}
		return oursOID, nil

	default:
		// Binary: no diff strategy applies. Plain ours/theirs never reach
		// this function (merge3 resolves them without calling
		// mergeContent), so any arrival here under *-diff is invalid.
		return "", syncerrors.New(syncerrors.NameInvalidConflictResolutionStrategy,
			fmt.Sprintf("binary document %s cannot be merged with strategy %s", path, strategy))
	}
}

func readOrEmpty(repo *gitrepo.Repo, oid string) ([]byte, error) {
	if oid == "" {
		return nil, nil
	}
	return repo.ReadBlob(oid)
}
