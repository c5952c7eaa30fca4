// Package workspace allocates, tracks, and reclaims the isolated git working
// trees runs execute in. Each run owns exactly one tree on a fresh branch
// derived from its base branch; deallocation only clears ownership, physical
// removal is the reaper's job so failed runs stay inspectable post-mortem.
package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrAllocationFailed indicates a git-level or filesystem failure during allocation
	ErrAllocationFailed = errors.New("workspace allocation failed")

	// ErrNotFound indicates the requested workspace is not tracked
	ErrNotFound = errors.New("workspace not found")
)

// Logger defines the logging interface for the workspace manager
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config holds configuration for the workspace manager
type Config struct {
	RepoRoot     string // Git repository the working trees derive from
	WorktreeRoot string // Directory holding allocated trees
}

// Manager handles workspace lifecycle operations. Bookkeeping is keyed by the
// owning run's ID, which is also the tree's directory name and branch suffix.
type Manager struct {
	cfg        Config
	logger     Logger
	mu         sync.Mutex
	workspaces map[string]*models.Workspace
}

func NewManager(cfg Config, logger Logger) (*Manager, error) {
	if cfg.RepoRoot == "" {
		return nil, errors.New("repo root is required")
	}
	if cfg.WorktreeRoot == "" {
		return nil, errors.New("worktree root is required")
	}
	if err := os.MkdirAll(cfg.WorktreeRoot, 0o755); err != nil {
		return nil, errors.Wrap(err, "create worktree root")
	}
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		workspaces: make(map[string]*models.Workspace),
	}
	if _, err := m.git(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, errors.Wrapf(err, "%s is not a git repository", cfg.RepoRoot)
	}
	return m, nil
}

// BranchFor returns the branch name a run's workspace lives on.
func BranchFor(runID string) string {
	return "run/" + runID
}

// Allocate creates a new git working tree for runID on a fresh branch derived
// from baseBranch. Allocation is transactional: a partial failure leaves no
// dangling working tree behind.
func (m *Manager) Allocate(ctx context.Context, runID, baseBranch string) (models.Workspace, error) {
	if baseBranch == "" {
		baseBranch = "HEAD"
	}
	branch := BranchFor(runID)
	path := filepath.Join(m.cfg.WorktreeRoot, runID)

	m.mu.Lock()
	if _, exists := m.workspaces[runID]; exists {
		m.mu.Unlock()
		return models.Workspace{}, errors.Wrapf(ErrAllocationFailed, "run %s already has a workspace", runID)
	}
	// Placeholder claims the slot so concurrent allocations for the same run fail fast
	m.workspaces[runID] = nil
	m.mu.Unlock()

	if _, err := m.git(ctx, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		m.rollbackAllocation(ctx, runID, branch, path)
		return models.Workspace{}, errors.Wrapf(ErrAllocationFailed, "git worktree add: %v", err)
	}

	now := time.Now()
	ws := &models.Workspace{
		Path:           path,
		Branch:         branch,
		CreatedAt:      now,
		LastActivityAt: now,
		OwningRunID:    runID,
	}
	m.mu.Lock()
	m.workspaces[runID] = ws
	m.mu.Unlock()
	m.logger.Infof("Allocated workspace %s on branch %s for run %s", path, branch, runID)
	return *ws, nil
}

// rollbackAllocation undoes the traces of a failed allocation
func (m *Manager) rollbackAllocation(ctx context.Context, runID, branch, path string) {
	m.mu.Lock()
	delete(m.workspaces, runID)
	m.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		if _, err := m.git(ctx, "worktree", "remove", "--force", path); err != nil {
			_ = os.RemoveAll(path)
			_, _ = m.git(ctx, "worktree", "prune")
		}
	}
	_, _ = m.git(ctx, "branch", "-D", branch)
}

// Get returns the workspace snapshot for a run.
func (m *Manager) Get(runID string) (models.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[runID]
	if !ok || ws == nil {
		return models.Workspace{}, ErrNotFound
	}
	return *ws, nil
}

// Touch refreshes a workspace's last-activity timestamp.
func (m *Manager) Touch(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.workspaces[runID]; ok && ws != nil {
		ws.LastActivityAt = time.Now()
	}
}

// Deallocate clears ownership bookkeeping for a run's workspace. It does not
// delete files. Deallocating an unknown or already-deallocated workspace is a
// no-op.
func (m *Manager) Deallocate(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.workspaces[runID]; ok && ws != nil && ws.OwningRunID != "" {
		ws.OwningRunID = ""
		ws.LastActivityAt = time.Now()
		m.logger.Infof("Deallocated workspace %s", ws.Path)
	}
}

// List enumerates all known working trees, reconciled against the filesystem:
// a tree present on disk but unknown to bookkeeping is reported as unmanaged.
func (m *Manager) List() ([]models.Workspace, error) {
	m.mu.Lock()
	known := make(map[string]models.Workspace, len(m.workspaces))
	for runID, ws := range m.workspaces {
		if ws != nil {
			known[runID] = *ws
		}
	}
	m.mu.Unlock()

	snapshots := make([]models.Workspace, 0, len(known))
	seen := make(map[string]bool, len(known))
	for _, ws := range known {
		snapshots = append(snapshots, ws)
		seen[ws.Path] = true
	}

	dirEntries, err := os.ReadDir(m.cfg.WorktreeRoot)
	if err != nil {
		return nil, errors.Wrap(err, "read worktree root")
	}
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		path := filepath.Join(m.cfg.WorktreeRoot, de.Name())
		if seen[path] {
			continue
		}
		ws := models.Workspace{Path: path, Unmanaged: true}
		if info, err := de.Info(); err == nil {
			ws.CreatedAt = info.ModTime()
			ws.LastActivityAt = info.ModTime()
		}
		snapshots = append(snapshots, ws)
	}
	return snapshots, nil
}

// Remove deletes a working tree from disk and drops its bookkeeping. Only the
// reaper and explicit operator action call this.
func (m *Manager) Remove(ctx context.Context, path string) error {
	runID := filepath.Base(path)
	if _, err := m.git(ctx, "worktree", "remove", "--force", path); err != nil {
		// The tree may be damaged or never registered; fall back to a plain delete
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return errors.Wrapf(rmErr, "remove workspace %s", path)
		}
		_, _ = m.git(ctx, "worktree", "prune")
	}
	_, _ = m.git(ctx, "branch", "-D", BranchFor(runID))

	m.mu.Lock()
	delete(m.workspaces, runID)
	m.mu.Unlock()
	m.logger.Infof("Removed workspace %s", path)
	return nil
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", m.cfg.RepoRoot}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
