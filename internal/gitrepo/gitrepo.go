// Package gitrepo wraps the Git object-layer primitives the sync engine
// depends on (resolveRef, readCommit, log, findMergeBase, walk, writeTree,
// add, remove, getConfig, setConfig). It shells out to the `git` binary
// via os/exec, worktree-aware: plumbing commands only, trimmed output,
// wrapped errors. Lock guards the ref-update/checkout sequence with an
// flock-based advisory lock on the working tree.
package gitrepo

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/basalt-sync/gitdocdb/internal/lockfile"
	"github.com/basalt-sync/gitdocdb/internal/syncerrors"
)

// Repo is a handle onto a working tree and its .git directory.
type Repo struct {
	Dir string
}

// Open returns a Repo rooted at dir. It does not validate that dir is a
// Git repository; callers that need that guarantee should call GitDir.
func Open(dir string) *Repo {
	return &Repo{Dir: dir}
}

func (r *Repo) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// GitDir returns the actual .git directory, worktree-aware: a plain repo
// answers ".git", a linked worktree answers the path recorded in its
// gitdir file.
func (r *Repo) GitDir() (string, error) {
	return r.run("rev-parse", "--git-dir")
}

// IsWorktree reports whether Dir is a linked worktree, by comparing
// --git-dir and --git-common-dir.
func (r *Repo) IsWorktree() bool {
	gitDir, err := r.run("rev-parse", "--git-dir")
	if err != nil || gitDir == "" {
		return false
	}
	commonDir, err := r.run("rev-parse", "--git-common-dir")
	if err != nil || commonDir == "" {
		return false
	}
	absGit, err1 := filepath.Abs(filepath.Join(r.Dir, gitDir))
	absCommon, err2 := filepath.Abs(filepath.Join(r.Dir, commonDir))
	if err1 != nil || err2 != nil {
		return false
	}
	return absGit != absCommon
}

// Lock acquires an exclusive, non-blocking lock on this working tree,
// guarding the ref-update-then-checkout sequence a sync cycle performs
// against a second gitdocdb process racing the same directory. The
// returned unlock func releases it; callers defer it immediately.
func (r *Repo) Lock() (unlock func() error, err error) {
	gitDir, err := r.GitDir()
	if err != nil {
		return nil, fmt.Errorf("resolve git dir for lock: %w", err)
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(r.Dir, gitDir)
	}
	f, err := os.OpenFile(filepath.Join(gitDir, "gitdocdb.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockfile.FlockExclusiveNonBlocking(f); err != nil {
		f.Close()
		if lockfile.IsLocked(err) {
			return nil, syncerrors.New(syncerrors.NameWorkingTreeLocked,
				"working tree is locked by another gitdocdb process")
		}
		return nil, err
	}
	return func() error {
		defer f.Close()
		return lockfile.FlockUnlock(f)
	}, nil
}

// ResolveRef resolves a ref (branch name, HEAD, refs/remotes/...) to its
// commit OID. Returns "" with no error when the ref does not exist yet
// (e.g. before the first commit, or before a tracking ref has been
// created).
func (r *Repo) ResolveRef(ref string) (string, error) {
	oid, err := r.run("rev-parse", "--verify", "--quiet", ref)
	if err != nil {
		return "", nil
	}
	return oid, nil
}

// Commit is a serializable view of a Git commit.
type Commit struct {
	OID       string   `json:"oid"`
	Message   string   `json:"message"`
	Parents   []string `json:"parent"`
	Author    string   `json:"author"`
	Committer string   `json:"committer"`
	GPGSig    string   `json:"gpgsig,omitempty"`
}

// ReadCommit loads a single commit by OID.
func (r *Repo) ReadCommit(oid string) (*Commit, error) {
	out, err := r.run("cat-file", "-p", oid)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", oid, err)
	}
	return parseCommit(oid, out), nil
}

func parseCommit(oid, raw string) *Commit {
	c := &Commit{OID: oid}
	lines := strings.Split(raw, "\n")
	var messageStart int
	for i, line := range lines {
		if line == "" {
			messageStart = i + 1
			break
		}
		switch {
		case strings.HasPrefix(line, "parent "):
			c.Parents = append(c.Parents, strings.TrimPrefix(line, "parent "))
		case strings.HasPrefix(line, "author "):
			c.Author = strings.TrimPrefix(line, "author ")
		case strings.HasPrefix(line, "committer "):
			c.Committer = strings.TrimPrefix(line, "committer ")
		case strings.HasPrefix(line, "gpgsig "):
			c.GPGSig = strings.TrimPrefix(line, "gpgsig ")
		}
	}
	c.Message = strings.TrimSuffix(strings.Join(lines[messageStart:], "\n"), "\n")
	return c
}

// Log returns the commit history reachable from `to` but not from `from`,
// oldest first, in the shape the push worker and sync worker use to build
// commits.local / commits.remote. An empty `from` walks the full history.
func (r *Repo) Log(from, to string) ([]Commit, error) {
	rangeArg := to
	if from != "" {
		rangeArg = from + ".." + to
	}
	out, err := r.run("log", "--format=%H", "--reverse", rangeArg)
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", rangeArg, err)
	}
	if out == "" {
		return nil, nil
	}
	var commits []Commit
	for _, oid := range strings.Split(out, "\n") {
		c, err := r.ReadCommit(oid)
		if err != nil {
			return nil, err
		}
		commits = append(commits, *c)
	}
	return commits, nil
}

// TreeOf resolves a commit-ish to the tree OID it points at.
func (r *Repo) TreeOf(commit string) (string, error) {
	out, err := r.run("rev-parse", "--verify", "--quiet", commit+"^{tree}")
	if err != nil {
		return "", fmt.Errorf("resolve tree of %s: %w", commit, err)
	}
	return out, nil
}

// CurrentBranch returns the short name of the currently checked-out
// branch (e.g. "main"), used to build local/tracking ref names.
func (r *Repo) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// FindMergeBase returns the best common ancestor of a and b, or "" if none
// exists (spec's NoMergeBaseFound case).
func (r *Repo) FindMergeBase(a, b string) (string, error) {
	out, err := r.run("merge-base", a, b)
	if err != nil {
		return "", nil
	}
	return out, nil
}

// TreeEntry is one row of a `git ls-tree` listing.
type TreeEntry struct {
	Mode string // e.g. "100644", "040000"
	Type string // "blob" or "tree"
	OID  string
	Path string
}

// ListTree lists the direct or recursive (when recursive=true) contents
// of a tree-ish.
func (r *Repo) ListTree(treeish string, recursive bool) ([]TreeEntry, error) {
	args := []string{"ls-tree"}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, treeish)
	out, err := r.run(args...)
	if err != nil {
		return nil, fmt.Errorf("ls-tree %s: %w", treeish, err)
	}
	if out == "" {
		return nil, nil
	}
	var entries []TreeEntry
	for _, line := range strings.Split(out, "\n") {
		// "<mode> <type> <oid>\t<path>"
		tab := strings.IndexByte(line, '\t')
		if tab < 0 {
			continue
		}
		fields := strings.Fields(line[:tab])
		if len(fields) != 3 {
			continue
		}
		entries = append(entries, TreeEntry{
			Mode: fields[0],
			Type: fields[1],
			OID:  fields[2],
			Path: line[tab+1:],
		})
	}
	return entries, nil
}

// ReadBlob returns the content of a blob OID.
func (r *Repo) ReadBlob(oid string) ([]byte, error) {
	cmd := exec.Command("git", "cat-file", "-p", oid)
	cmd.Dir = r.Dir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("cat-file -p %s: %w", oid, err)
	}
	return out, nil
}

// HashObject writes data as a blob object, returning its OID.
func (r *Repo) HashObject(data []byte) (string, error) {
	cmd := exec.Command("git", "hash-object", "-w", "--stdin")
	cmd.Dir = r.Dir
	cmd.Stdin = bytes.NewReader(data)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("hash-object: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Add stages path (adds or updates it in the index) pointing at the given
// blob OID and mode, via `git update-index --add --cacheinfo`.
func (r *Repo) Add(mode, oid, path string) error {
	_, err := r.run("update-index", "--add", "--cacheinfo", mode, oid, path)
	if err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}
	return nil
}

// Remove removes path from the index.
func (r *Repo) Remove(path string) error {
	_, err := r.run("update-index", "--remove", "--force-remove", path)
	if err != nil {
		return fmt.Errorf("unstage %s: %w", path, err)
	}
	return nil
}

// MakeTree builds a tree object from entries (non-recursive: entries may
// themselves be tree OIDs for subdirectories), returning its OID.
func (r *Repo) MakeTree(entries []TreeEntry) (string, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%s %s %s\t%s\n", e.Mode, e.Type, e.OID, e.Path)
	}
	cmd := exec.Command("git", "mktree")
	cmd.Dir = r.Dir
	cmd.Stdin = &buf
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("mktree: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// WriteTree converts the current index into a tree object, returning its
// OID (the final step of committing a merge result).
func (r *Repo) WriteTree() (string, error) {
	return r.run("write-tree")
}

// CommitTree creates a commit object with the given tree and parents,
// returning its OID.
func (r *Repo) CommitTree(tree, message string, parents []string) (string, error) {
	args := []string{"commit-tree", tree}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	cmd := exec.Command("git", args...)
	cmd.Dir = r.Dir
	cmd.Stdin = strings.NewReader(message)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("commit-tree: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// UpdateRef moves ref to point at oid.
func (r *Repo) UpdateRef(ref, oid string) error {
	_, err := r.run("update-ref", ref, oid)
	return err
}

// CheckoutTree resets the working tree and index to match tree.
func (r *Repo) CheckoutTree(tree string) error {
	_, err := r.run("read-tree", "--reset", "-u", tree)
	return err
}

// GetConfig reads a single git config value; returns "" if unset.
func (r *Repo) GetConfig(key string) (string, error) {
	out, err := r.run("config", "--get", key)
	if err != nil {
		return "", nil
	}
	return out, nil
}

// SetConfig writes a single git config value.
func (r *Repo) SetConfig(key, value string) error {
	_, err := r.run("config", key, value)
	return err
}

// DiffTree lists the changed paths between two tree-ish commits/trees,
// using an empty-tree sentinel OID for "no prior state" (first push).
func (r *Repo) DiffTree(from, to string) ([]ChangedPath, error) {
	if from == "" {
		from = EmptyTreeOID
	}
	out, err := r.run("diff-tree", "-r", "--no-commit-id", "--name-status", from, to)
	if err != nil {
		return nil, fmt.Errorf("diff-tree %s..%s: %w", from, to, err)
	}
	if out == "" {
		return nil, nil
	}
	var changes []ChangedPath
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		changes = append(changes, ChangedPath{Status: fields[0], Path: fields[1]})
	}
	return changes, nil
}

// ChangedPath is one row of a diff-tree name-status listing.
type ChangedPath struct {
	Status string // "A", "M", "D"
	Path   string
}

// EmptyTreeOID is Git's well-known hash of the empty tree, used as the
// "before" side of a diff when there is no prior commit (first push).
const EmptyTreeOID = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
