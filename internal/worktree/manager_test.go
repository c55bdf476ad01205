package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/db"
	"github.com/sibyldev/sibyl/internal/entity"
	"github.com/sibyldev/sibyl/internal/entity/graph"
	"github.com/sibyldev/sibyl/internal/events/bus"
	"github.com/sibyldev/sibyl/internal/kv"
	"github.com/sibyldev/sibyl/internal/locks"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// initTestRepo creates a throwaway git repository with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "dev@sibyl.test")
	run("config", "user.name", "Sibyl Tests")
	run("config", "commit.gpgsign", "false")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# fixture\n"), 0o644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")
	run("branch", "-M", "main")
	return repo
}

func newTestStore(t *testing.T) *entity.Store {
	t.Helper()
	log := newTestLogger()
	pool, err := db.Open(config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worktrees.db"),
	}, log)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	g, err := graph.NewSQLStore(pool)
	if err != nil {
		t.Fatalf("open graph store: %v", err)
	}
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	kvStore := kv.NewMemoryStore()
	return entity.NewStore(g, locks.NewManager(kvStore), kvStore, eventBus, log)
}

func newTestManager(t *testing.T, repoPath string) *Manager {
	t.Helper()
	mgr, err := NewManager(config.WorktreeConfig{
		RepoPath:      repoPath,
		BasePath:      t.TempDir(),
		DefaultBranch: "main",
	}, newTestStore(t), newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return mgr
}

func TestAllocateCreatesWorktree(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	mgr := newTestManager(t, initTestRepo(t))

	rec, err := mgr.Allocate(ctx, AllocateRequest{
		OrgID:   "org1",
		AgentID: "3f2a9b1c-dead-beef-cafe-001122334455",
		TaskID:  "task-1",
		Slug:    "Fix OAuth login",
	})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	if rec.Branch != "agent/3f2a9b1c-fix-oauth-login" {
		t.Errorf("branch = %q, want %q", rec.Branch, "agent/3f2a9b1c-fix-oauth-login")
	}
	if rec.Status != entity.WorktreeActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
	if rec.BaseCommit == "" {
		t.Error("expected base commit to be captured")
	}
	if !mgr.IsValid(rec.Path) {
		t.Errorf("expected %s to be a checked-out worktree", rec.Path)
	}
	if rec.LastUsed == nil {
		t.Error("expected last_used to be set")
	}

	e, err := mgr.store.Get(ctx, "org1", rec.ID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	stored := entity.WorktreeFromEntity(e)
	if stored.Path != rec.Path || stored.Branch != rec.Branch {
		t.Errorf("stored record mismatch: %+v", stored)
	}
	if stored.AgentID != "3f2a9b1c-dead-beef-cafe-001122334455" {
		t.Errorf("stored agent_id = %q", stored.AgentID)
	}
}

func TestAllocateWithoutSlug(t *testing.T) {
	requireGit(t)
	mgr := newTestManager(t, initTestRepo(t))

	rec, err := mgr.Allocate(context.Background(), AllocateRequest{
		OrgID:   "org1",
		AgentID: "abcdef1234567890",
	})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if rec.Branch != "agent/abcdef12" {
		t.Errorf("branch = %q, want %q", rec.Branch, "agent/abcdef12")
	}
}

func TestAllocateRequiresGitRepo(t *testing.T) {
	requireGit(t)
	mgr := newTestManager(t, t.TempDir())

	_, err := mgr.Allocate(context.Background(), AllocateRequest{OrgID: "org1", AgentID: "agent-1"})
	if !errors.Is(err, ErrRepoNotGit) {
		t.Fatalf("expected ErrRepoNotGit, got %v", err)
	}
}

func TestAllocateRejectsMissingBaseBranch(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)
	mgr, err := NewManager(config.WorktreeConfig{
		RepoPath:      repo,
		BasePath:      t.TempDir(),
		DefaultBranch: "release",
	}, newTestStore(t), newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	_, err = mgr.Allocate(context.Background(), AllocateRequest{OrgID: "org1", AgentID: "agent-1"})
	if !errors.Is(err, ErrInvalidBaseBranch) {
		t.Fatalf("expected ErrInvalidBaseBranch, got %v", err)
	}
}

func TestReuseHandsWorktreeToNewAgent(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	mgr := newTestManager(t, initTestRepo(t))

	rec, err := mgr.Allocate(ctx, AllocateRequest{OrgID: "org1", AgentID: "agent-first", Slug: "refactor"})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	reused, err := mgr.Reuse(ctx, "org1", rec.ID, "agent-second")
	if err != nil {
		t.Fatalf("Reuse failed: %v", err)
	}
	if reused.AgentID != "agent-second" {
		t.Errorf("agent_id = %q, want agent-second", reused.AgentID)
	}
	if reused.Path != rec.Path {
		t.Errorf("path changed on reuse: %q", reused.Path)
	}
}

func TestReuseRejectsRetiredWorktree(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	mgr := newTestManager(t, initTestRepo(t))

	rec, err := mgr.Allocate(ctx, AllocateRequest{OrgID: "org1", AgentID: "agent-first"})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := mgr.Release(ctx, "org1", rec.ID, entity.WorktreeMerged); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	_, err = mgr.Reuse(ctx, "org1", rec.ID, "agent-second")
	if !errors.Is(err, ErrNotReusable) {
		t.Fatalf("expected ErrNotReusable for merged worktree, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "merged") {
		t.Errorf("error should name the status: %v", err)
	}
}

func TestReuseRejectsMissingDirectory(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	mgr := newTestManager(t, initTestRepo(t))

	rec, err := mgr.Allocate(ctx, AllocateRequest{OrgID: "org1", AgentID: "agent-first"})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := os.RemoveAll(rec.Path); err != nil {
		t.Fatalf("remove worktree dir: %v", err)
	}

	_, err = mgr.Reuse(ctx, "org1", rec.ID, "agent-second")
	if !errors.Is(err, ErrNotReusable) {
		t.Fatalf("expected ErrNotReusable for missing directory, got %v", err)
	}
}

func TestReleaseClearsAgent(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	mgr := newTestManager(t, initTestRepo(t))

	rec, err := mgr.Allocate(ctx, AllocateRequest{OrgID: "org1", AgentID: "agent-first"})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := mgr.Release(ctx, "org1", rec.ID, entity.WorktreeOrphaned); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	e, err := mgr.store.Get(ctx, "org1", rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	stored := entity.WorktreeFromEntity(e)
	if stored.Status != entity.WorktreeOrphaned {
		t.Errorf("status = %q, want orphaned", stored.Status)
	}
	if stored.AgentID != "" {
		t.Errorf("agent_id should be cleared, got %q", stored.AgentID)
	}
}

func TestRemoveDeletesDirectory(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	mgr := newTestManager(t, initTestRepo(t))

	rec, err := mgr.Allocate(ctx, AllocateRequest{OrgID: "org1", AgentID: "agent-first"})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := mgr.Remove(ctx, "org1", rec.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if mgr.IsValid(rec.Path) {
		t.Error("expected worktree directory to be gone")
	}
	e, err := mgr.store.Get(ctx, "org1", rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := entity.WorktreeFromEntity(e).Status; got != entity.WorktreeOrphaned {
		t.Errorf("status = %q, want orphaned", got)
	}
}

func TestManagerIsValid(t *testing.T) {
	mgr := &Manager{}

	if mgr.IsValid("") {
		t.Error("expected false for empty path")
	}
	if mgr.IsValid("/nonexistent/path") {
		t.Error("expected false for non-existent path")
	}

	dir := t.TempDir()
	if mgr.IsValid(dir) {
		t.Error("expected false for directory without .git")
	}
	gitFile := filepath.Join(dir, ".git")
	if err := os.WriteFile(gitFile, []byte("gitdir: /some/repo/.git/worktrees/x"), 0o644); err != nil {
		t.Fatalf("write .git file: %v", err)
	}
	if !mgr.IsValid(dir) {
		t.Error("expected true for directory with .git file")
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		id       string
		expected string
	}{
		{"3f2a9b1c-dead-beef-cafe-001122334455", "3f2a9b1c"},
		{"ABC-DEF", "abcdef"},
		{"short", "short"},
		{"", "anon"},
		{"----", "anon"},
	}
	for _, tt := range tests {
		if got := ShortID(tt.id); got != tt.expected {
			t.Errorf("ShortID(%q) = %q, want %q", tt.id, got, tt.expected)
		}
	}
}

func TestSanitizeSlug(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		maxLen   int
		expected string
	}{
		{"simple title", "Fix login bug", 24, "fix-login-bug"},
		{"special chars", "Fix: bug #123 (urgent!)", 24, "fix-bug-123-urgent"},
		{"truncated", "this is a very long task title", 12, "this-is-a-ve"},
		{"truncation drops trailing hyphen", "fix the login page", 14, "fix-the-login"},
		{"consecutive separators", "fix   multiple---spaces", 24, "fix-multiple-spaces"},
		{"only special chars", "!@#$%", 24, ""},
		{"empty", "", 24, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeSlug(tt.in, tt.maxLen); got != tt.expected {
				t.Errorf("SanitizeSlug(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.expected)
			}
		})
	}
}
