// Package worktree allocates per-agent git worktrees so concurrent agents
// never share a working directory. Records live in the entity store; the
// directories live under a configured base path.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/entity"
)

var (
	// ErrRepoNotGit is returned when the configured repository path is not
	// a git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrInvalidBaseBranch is returned when the base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrGitCommandFailed is returned when a git command fails.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrNotReusable is returned when a worktree cannot be handed to a new
	// agent; only active worktrees with intact directories are reusable.
	ErrNotReusable = errors.New("worktree is not reusable")
)

// Manager creates, reuses, and retires agent worktrees.
type Manager struct {
	cfg    config.WorktreeConfig
	store  *entity.Store
	logger *logger.Logger

	// repoMu serializes git worktree mutations against the one repository;
	// git itself is not safe for concurrent worktree add/remove.
	repoMu sync.Mutex
}

// AllocateRequest describes the worktree an agent needs.
type AllocateRequest struct {
	OrgID   string
	AgentID string
	TaskID  string
	// Slug is an optional human-readable fragment folded into the branch
	// name, usually derived from the task title.
	Slug string
}

func NewManager(cfg config.WorktreeConfig, store *entity.Store, log *logger.Logger) (*Manager, error) {
	if cfg.RepoPath == "" {
		return nil, fmt.Errorf("worktree manager requires a repository path")
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if cfg.BasePath == "" {
		cfg.BasePath = filepath.Join(os.TempDir(), "sibyl-worktrees")
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: log.WithFields(zap.String("component", "worktree-manager")),
	}, nil
}

// Allocate creates a fresh worktree branched off the default branch and
// persists its record. Branch naming is agent/<short-id>[-<slug>].
func (m *Manager) Allocate(ctx context.Context, req AllocateRequest) (*entity.WorktreeRecord, error) {
	if req.OrgID == "" || req.AgentID == "" {
		return nil, fmt.Errorf("allocate requires organization and agent ids")
	}
	if !m.isGitRepo() {
		return nil, ErrRepoNotGit
	}
	if !m.branchExists(m.cfg.DefaultBranch) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, m.cfg.DefaultBranch)
	}

	short := ShortID(req.AgentID)
	dirName := short
	branch := "agent/" + short
	if slug := SanitizeSlug(req.Slug, 24); slug != "" {
		dirName += "-" + slug
		branch += "-" + slug
	}
	path := filepath.Join(m.cfg.BasePath, dirName)

	m.repoMu.Lock()
	defer m.repoMu.Unlock()

	if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "add", "-b", branch, path, m.cfg.DefaultBranch); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(out))
	}

	baseCommit := ""
	if out, err := m.git(ctx, path, "rev-parse", "HEAD"); err == nil {
		baseCommit = strings.TrimSpace(out)
	}

	now := time.Now().UTC()
	rec := &entity.WorktreeRecord{
		ID:         uuid.New().String(),
		Name:       branch,
		OrgID:      req.OrgID,
		TaskID:     req.TaskID,
		AgentID:    req.AgentID,
		Path:       path,
		Branch:     branch,
		BaseCommit: baseCommit,
		Status:     entity.WorktreeActive,
		LastUsed:   &now,
	}
	if _, err := m.store.CreateSync(ctx, rec.ToEntity()); err != nil {
		if out, rmErr := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", path); rmErr != nil {
			m.logger.Warn("orphaned worktree directory after persist failure",
				zap.String("path", path), zap.String("output", strings.TrimSpace(out)))
		}
		return nil, fmt.Errorf("persist worktree record: %w", err)
	}

	m.logger.Info("allocated worktree",
		zap.String("agent_id", req.AgentID),
		zap.String("branch", branch),
		zap.String("path", path))
	return rec, nil
}

// Reuse hands an existing worktree to a new agent. Only active records with
// an intact directory qualify; the caller is responsible for ensuring no
// live agent still holds it.
func (m *Manager) Reuse(ctx context.Context, orgID, worktreeID, agentID string) (*entity.WorktreeRecord, error) {
	e, err := m.store.Get(ctx, orgID, worktreeID)
	if err != nil {
		return nil, err
	}
	rec := entity.WorktreeFromEntity(e)
	if rec.Status != entity.WorktreeActive {
		return nil, fmt.Errorf("%w: status %s", ErrNotReusable, rec.Status)
	}
	if !m.IsValid(rec.Path) {
		return nil, fmt.Errorf("%w: directory missing", ErrNotReusable)
	}

	now := time.Now().UTC()
	updated, err := m.store.Update(ctx, orgID, worktreeID, map[string]interface{}{
		"agent_id":  agentID,
		"last_used": now,
	})
	if err != nil {
		return nil, err
	}
	return entity.WorktreeFromEntity(updated), nil
}

// Release marks the worktree merged or orphaned without touching the
// directory.
func (m *Manager) Release(ctx context.Context, orgID, worktreeID string, status entity.WorktreeStatus) error {
	_, err := m.store.Update(ctx, orgID, worktreeID, map[string]interface{}{
		"status":   status,
		"agent_id": nil,
	})
	return err
}

// Remove deletes the worktree directory and marks the record orphaned.
func (m *Manager) Remove(ctx context.Context, orgID, worktreeID string) error {
	e, err := m.store.Get(ctx, orgID, worktreeID)
	if err != nil {
		return err
	}
	rec := entity.WorktreeFromEntity(e)

	m.repoMu.Lock()
	if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", rec.Path); err != nil {
		m.logger.Warn("git worktree remove failed",
			zap.String("worktree_id", worktreeID), zap.String("output", strings.TrimSpace(out)))
	}
	m.repoMu.Unlock()

	return m.Release(ctx, orgID, worktreeID, entity.WorktreeOrphaned)
}

// IsValid reports whether path looks like a checked-out worktree.
func (m *Manager) IsValid(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

func (m *Manager) isGitRepo() bool {
	out, err := m.git(context.Background(), m.cfg.RepoPath, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

func (m *Manager) branchExists(branch string) bool {
	_, err := m.git(context.Background(), m.cfg.RepoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// ShortID compresses an agent id into the 8-character fragment used in
// branch and directory names.
func ShortID(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 8 {
		compact = compact[:8]
	}
	if compact == "" {
		compact = "anon"
	}
	return strings.ToLower(compact)
}

// SanitizeSlug lowercases, strips everything but letters and digits to
// hyphens, collapses runs, and truncates.
func SanitizeSlug(s string, maxLen int) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxLen {
		out = strings.Trim(out[:maxLen], "-")
	}
	return out
}
