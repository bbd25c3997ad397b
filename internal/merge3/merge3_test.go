package merge3

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"testing"

	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
	"github.com/basalt-sync/gitdocdb/internal/synccfg"
)

func setupGitRepo(t *testing.T) *gitrepo.Repo {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "--initial-branch=main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")

	return gitrepo.Open(dir)
}

// makeTree builds a flat tree from a set of path->content blobs.
func makeTree(t *testing.T, repo *gitrepo.Repo, files map[string]string) string {
	t.Helper()
	var entries []gitrepo.TreeEntry
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		oid, err := repo.HashObject([]byte(files[p]))
		if err != nil {
			t.Fatalf("hash-object %s: %v", p, err)
		}
		entries = append(entries, gitrepo.TreeEntry{Mode: "100644", Type: "blob", OID: oid, Path: p})
	}
	tree, err := repo.MakeTree(entries)
	if err != nil {
		t.Fatalf("mktree: %v", err)
	}
	return tree
}

func readEntry(t *testing.T, repo *gitrepo.Repo, tree, path string) (string, bool) {
	t.Helper()
	entries, err := repo.ListTree(tree, false)
	if err != nil {
		t.Fatalf("ls-tree: %v", err)
	}
	for _, e := range entries {
		if e.Path == path {
			b, err := repo.ReadBlob(e.OID)
			if err != nil {
				t.Fatalf("read blob %s: %v", path, err)
			}
			return string(b), true
		}
	}
	return "", false
}

func TestMergeFastForward(t *testing.T) {
	repo := setupGitRepo(t)
	base := makeTree(t, repo, map[string]string{"a.json": `{"x":1}`})
	ours := base
	theirs := makeTree(t, repo, map[string]string{"a.json": `{"x":2}`})

	result, err := Merge(context.Background(), repo, base, ours, theirs, Options{
		Strategy: synccfg.ConflictOursDiff,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %#v", result.Conflicts)
	}
	content, ok := readEntry(t, repo, result.TreeOID, "a.json")
	if !ok || content != `{"x":2}` {
		t.Errorf("a.json = %q, ok=%v, want theirs' update", content, ok)
	}
}

func TestMergeDisjointInserts(t *testing.T) {
	repo := setupGitRepo(t)
	base := makeTree(t, repo, map[string]string{})
	ours := makeTree(t, repo, map[string]string{"a.json": `{"x":1}`})
	theirs := makeTree(t, repo, map[string]string{"b.json": `{"y":2}`})

	result, err := Merge(context.Background(), repo, base, ours, theirs, Options{
		Strategy: synccfg.ConflictOursDiff,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %#v", result.Conflicts)
	}
	if _, ok := readEntry(t, repo, result.TreeOID, "a.json"); !ok {
		t.Errorf("a.json missing from merged tree")
	}
	if _, ok := readEntry(t, repo, result.TreeOID, "b.json"); !ok {
		t.Errorf("b.json missing from merged tree")
	}
}

func TestMergeUpdateConflictOursDiff(t *testing.T) {
	repo := setupGitRepo(t)
	base := makeTree(t, repo, map[string]string{"a.json": `{"name":"alice","age":30}`})
	ours := makeTree(t, repo, map[string]string{"a.json": `{"name":"bob","age":30}`})
	theirs := makeTree(t, repo, map[string]string{"a.json": `{"name":"alice","age":31}`})

	result, err := Merge(context.Background(), repo, base, ours, theirs, Options{
		Strategy: synccfg.ConflictOursDiff,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("conflicts = %#v, want exactly one", result.Conflicts)
	}
	if result.Conflicts[0].Operation != "update-merge" {
		t.Errorf("conflict operation = %q, want update-merge", result.Conflicts[0].Operation)
	}
	if result.Conflicts[0].Strategy != synccfg.ConflictOursDiff {
		t.Errorf("conflict strategy = %q, want ours-diff", result.Conflicts[0].Strategy)
	}
	if result.Conflicts[0].FatDoc.ID != "a" || result.Conflicts[0].FatDoc.FileOID == "" {
		t.Errorf("conflict fatDoc = %#v, want populated id=a with a FileOID", result.Conflicts[0].FatDoc)
	}

	content, ok := readEntry(t, repo, result.TreeOID, "a.json")
	if !ok {
		t.Fatalf("a.json missing from merged tree")
	}
	if content != `{"age":31,"name":"bob"}` && content != `{"name":"bob","age":31}` {
		t.Errorf("a.json = %q, want name=bob (ours) and age=31 (theirs) merged", content)
	}
}

func TestMergeDeleteVsUpdateConflict(t *testing.T) {
	repo := setupGitRepo(t)
	base := makeTree(t, repo, map[string]string{"a.json": `{"x":1}`})
	ours := makeTree(t, repo, map[string]string{}) // ours deleted it
	theirs := makeTree(t, repo, map[string]string{"a.json": `{"x":2}`})

	result, err := Merge(context.Background(), repo, base, ours, theirs, Options{
		Strategy: synccfg.ConflictTheirsDiff,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("conflicts = %#v, want exactly one", result.Conflicts)
	}
	// theirs-diff keeps the survivor when the deleted side is ours.
	if _, ok := readEntry(t, repo, result.TreeOID, "a.json"); !ok {
		t.Errorf("a.json should survive under theirs-diff resolving ours' deletion")
	}
	if result.Conflicts[0].FatDoc.FileOID == "" {
		t.Errorf("survivor conflict should carry the surviving blob's FatDoc")
	}
	if result.Conflicts[0].Strategy != synccfg.ConflictTheirsDiff {
		t.Errorf("conflict strategy = %q, want theirs-diff", result.Conflicts[0].Strategy)
	}
}

func TestMergeBinaryConflictFailsUnderDiffStrategy(t *testing.T) {
	repo := setupGitRepo(t)
	base := makeTree(t, repo, map[string]string{"a.bin": "\x00\x01base"})
	ours := makeTree(t, repo, map[string]string{"a.bin": "\x00\x01ours"})
	theirs := makeTree(t, repo, map[string]string{"a.bin": "\x00\x01theirs"})

	_, err := Merge(context.Background(), repo, base, ours, theirs, Options{
		Strategy: synccfg.ConflictOursDiff,
	})
	if err == nil {
		t.Fatal("expected error merging binary conflict under ours-diff strategy")
	}
}

func TestMergeBothDeletedVanishes(t *testing.T) {
	repo := setupGitRepo(t)
	base := makeTree(t, repo, map[string]string{"a.json": `{"x":1}`})
	ours := makeTree(t, repo, map[string]string{})
	theirs := makeTree(t, repo, map[string]string{})

	result, err := Merge(context.Background(), repo, base, ours, theirs, Options{
		Strategy: synccfg.ConflictOursDiff,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, ok := readEntry(t, repo, result.TreeOID, "a.json"); ok {
		t.Errorf("a.json should be gone when deleted on both sides")
	}
}

func TestMain(m *testing.M) {
	if _, err := exec.LookPath("git"); err != nil {
		os.Exit(0)
	}
	os.Exit(m.Run())
}
