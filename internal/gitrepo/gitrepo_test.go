package gitrepo

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// setupGitRepo creates a temporary git repository for testing.
func setupGitRepo(t *testing.T) *Repo {
	t.Helper()
	dir := t.TempDir()

	cmd := exec.Command("git", "init", "--initial-branch=main")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}
	for _, kv := range [][2]string{{"user.email", "test@test.com"}, {"user.name", "Test User"}} {
		cmd := exec.Command("git", "config", kv[0], kv[1])
		cmd.Dir = dir
		_ = cmd.Run()
	}
	return Open(dir)
}

func commit(t *testing.T, repo *Repo, name, content string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(repo.Dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{{"add", name}, {"commit", "-m", "commit " + name}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo.Dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	head, err := repo.ResolveRef("HEAD")
	if err != nil || head == "" {
		t.Fatalf("resolve HEAD: %v", err)
	}
	return head
}

func TestGitDirAndIsWorktree(t *testing.T) {
	repo := setupGitRepo(t)
	gitDir, err := repo.GitDir()
	if err != nil {
		t.Fatalf("GitDir: %v", err)
	}
	if gitDir == "" {
		t.Error("expected non-empty git dir")
	}
	if repo.IsWorktree() {
		t.Error("a plain repository should not report as a worktree")
	}
}

func TestHashObjectMakeTreeWriteTree(t *testing.T) {
	repo := setupGitRepo(t)

	oid, err := repo.HashObject([]byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("HashObject: %v", err)
	}
	if oid == "" {
		t.Fatal("expected non-empty blob oid")
	}

	tree, err := repo.MakeTree([]TreeEntry{{Mode: "100644", Type: "blob", OID: oid, Path: "a.json"}})
	if err != nil {
		t.Fatalf("MakeTree: %v", err)
	}
	if tree == "" {
		t.Fatal("expected non-empty tree oid")
	}

	entries, err := repo.ListTree(tree, false)
	if err != nil {
		t.Fatalf("ListTree: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "a.json" {
		t.Errorf("ListTree = %+v, want one entry a.json", entries)
	}
}

func TestGetSetConfig(t *testing.T) {
	repo := setupGitRepo(t)
	if err := repo.SetConfig("remote.origin.url", "https://example.invalid/repo.git"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	got, err := repo.GetConfig("remote.origin.url")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got != "https://example.invalid/repo.git" {
		t.Errorf("GetConfig = %q, want the configured URL", got)
	}
}

func TestGetConfigUnsetReturnsEmpty(t *testing.T) {
	repo := setupGitRepo(t)
	got, err := repo.GetConfig("remote.nonexistent.url")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got != "" {
		t.Errorf("GetConfig for unset key = %q, want empty", got)
	}
}

func TestLockExcludesSecondHandle(t *testing.T) {
	repo := setupGitRepo(t)
	commit(t, repo, "a.json", `{"x":1}`)

	unlock, err := repo.Lock()
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	defer unlock()

	second := Open(repo.Dir)
	_, err = second.Lock()
	if err == nil {
		t.Fatal("expected second Lock on the same working tree to fail while the first is held")
	}
}

func TestLockReleasesForNextCaller(t *testing.T) {
	repo := setupGitRepo(t)
	commit(t, repo, "a.json", `{"x":1}`)

	unlock, err := repo.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	unlock2, err := repo.Lock()
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	defer unlock2()
}

func TestMain(m *testing.M) {
	if _, err := exec.LookPath("git"); err != nil {
		os.Exit(0)
	}
	os.Exit(m.Run())
}
