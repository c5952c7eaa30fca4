package workspace_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/namastexlabs/automagik-sub005/pkg/workspace"
	"github.com/stretchr/testify/assert"
)

func TestReap(t *testing.T) {
	ctx := context.Background()

	t.Run("OwnedWorkspacesAreNeverCandidates", func(t *testing.T) {
		m, _, _ := newManager(t)
		reaper := workspace.NewReaper(m, logger{})

		ws, err := m.Allocate(ctx, "run-a", "main")
		assert.NoError(t, err)

		report, err := reaper.Reap(ctx, 0, false)
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Total)
		assert.Empty(t, report.Orphaned)
		assert.Len(t, report.Skipped, 1)
		assert.Equal(t, workspace.SkipReasonOwned, report.Skipped[0].Reason)
		assert.DirExists(t, ws.Path)
	})

	t.Run("YoungOrphansAreSkipped", func(t *testing.T) {
		m, _, _ := newManager(t)
		reaper := workspace.NewReaper(m, logger{})

		ws, err := m.Allocate(ctx, "run-b", "main")
		assert.NoError(t, err)
		m.Deallocate("run-b")

		report, err := reaper.Reap(ctx, time.Hour, false)
		assert.NoError(t, err)
		assert.Empty(t, report.Orphaned)
		assert.Len(t, report.Skipped, 1)
		assert.Equal(t, workspace.SkipReasonTooYoung, report.Skipped[0].Reason)
		assert.DirExists(t, ws.Path)
	})

	t.Run("DryRunReportsWithoutRemoving", func(t *testing.T) {
		m, _, _ := newManager(t)
		reaper := workspace.NewReaper(m, logger{})

		ws, err := m.Allocate(ctx, "run-c", "main")
		assert.NoError(t, err)
		m.Deallocate("run-c")

		report, err := reaper.Reap(ctx, 0, true)
		assert.NoError(t, err)
		assert.True(t, report.DryRun)
		assert.Equal(t, []string{ws.Path}, report.Orphaned)
		assert.Empty(t, report.Cleaned)
		assert.DirExists(t, ws.Path)
	})

	t.Run("RemovesAgedOrphans", func(t *testing.T) {
		m, _, _ := newManager(t)
		reaper := workspace.NewReaper(m, logger{})

		ws, err := m.Allocate(ctx, "run-d", "main")
		assert.NoError(t, err)
		m.Deallocate("run-d")
		kept, err := m.Allocate(ctx, "run-e", "main")
		assert.NoError(t, err)

		report, err := reaper.Reap(ctx, 0, false)
		assert.NoError(t, err)
		assert.Equal(t, 2, report.Total)
		assert.Equal(t, []string{ws.Path}, report.Cleaned)
		assert.Empty(t, report.Failed)
		assert.NoDirExists(t, ws.Path)
		assert.DirExists(t, kept.Path)
	})

	t.Run("UnmanagedDirectoriesAreLeftAlone", func(t *testing.T) {
		m, _, worktreeRoot := newManager(t)
		reaper := workspace.NewReaper(m, logger{})

		stray := filepath.Join(worktreeRoot, "stray")
		assert.NoError(t, os.MkdirAll(stray, 0o755))

		report, err := reaper.Reap(ctx, 0, false)
		assert.NoError(t, err)
		assert.Empty(t, report.Orphaned)
		assert.Len(t, report.Skipped, 1)
		assert.Equal(t, workspace.SkipReasonUnmanaged, report.Skipped[0].Reason)
		assert.DirExists(t, stray)
	})
}
