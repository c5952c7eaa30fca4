package storage_test

import (
	"encoding/json"
	"testing"
	"time"

	internal_storage "github.com/namastexlabs/automagik-sub005/internal/storage"
	"github.com/namastexlabs/automagik-sub005/internal/testutil"
	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	testRun := func(id string) models.Run {
		return models.Run{
			ID:             id,
			WorkflowName:   "fixer",
			Status:         models.PendingRunStatus,
			Message:        "fix the bug",
			MaxTurns:       25,
			TimeoutSeconds: 1800,
			BaseBranch:     "main",
			CreatedAt:      time.Now(),
		}
	}

	t.Run("SaveAndGetRun", func(t *testing.T) {
		store := newTxStore(t)
		run := testRun("run-save")
		assert.NoError(t, store.SaveRun(run))

		saved, err := store.GetRun("run-save")
		assert.NoError(t, err)
		assert.Equal(t, run.WorkflowName, saved.WorkflowName)
		assert.Equal(t, models.PendingRunStatus, saved.Status)
		assert.Equal(t, 25, saved.MaxTurns)
		assert.Nil(t, saved.StartedAt)
		assert.Nil(t, saved.TurnCount)
	})

	t.Run("GetNonExistingRun", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetRun("no-such-run")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateRun", func(t *testing.T) {
		store := newTxStore(t)
		run := testRun("run-update")
		assert.NoError(t, store.SaveRun(run))

		started := time.Now()
		finished := started.Add(90 * time.Second)
		elapsed := 90.0
		turns := 12
		run.Status = models.CompletedRunStatus
		run.WorkspacePath = "/worktrees/run-update"
		run.WorkspaceBranch = "run/run-update"
		run.BackendRef = "pid:4242"
		run.StartedAt = &started
		run.FinishedAt = &finished
		run.ElapsedSeconds = &elapsed
		run.TurnCount = &turns
		assert.NoError(t, store.UpdateRun(run))

		updated, err := store.GetRun("run-update")
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, updated.Status)
		assert.Equal(t, "pid:4242", updated.BackendRef)
		assert.NotNil(t, updated.StartedAt)
		if assert.NotNil(t, updated.TurnCount) {
			assert.Equal(t, 12, *updated.TurnCount)
		}
	})

	t.Run("UpdateNonExistingRun", func(t *testing.T) {
		store := newTxStore(t)
		err := store.UpdateRun(testRun("never-saved"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListRunsNewestFirst", func(t *testing.T) {
		store := newTxStore(t)
		older := testRun("run-older")
		older.CreatedAt = time.Now().Add(-time.Hour)
		newer := testRun("run-newer")
		assert.NoError(t, store.SaveRun(older))
		assert.NoError(t, store.SaveRun(newer))

		runs, err := store.ListRuns()
		assert.NoError(t, err)
		assert.Len(t, runs, 2)
		assert.Equal(t, "run-newer", runs[0].ID)
	})

	t.Run("LogEntries", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveRun(testRun("run-logs")))

		for i := 1; i <= 3; i++ {
			err := store.AppendLogEntry(models.LogEntry{
				RunID:     "run-logs",
				Sequence:  int64(i),
				Timestamp: time.Now(),
				EventType: models.ProgressEvent,
				Data:      json.RawMessage(`{"step":"work"}`),
			})
			assert.NoError(t, err)
		}

		// A duplicate sequence violates the primary key
		err := store.AppendLogEntry(models.LogEntry{
			RunID:     "run-logs",
			Sequence:  2,
			Timestamp: time.Now(),
			EventType: models.ProgressEvent,
			Data:      json.RawMessage(`{}`),
		})
		assert.Error(t, err)
	})

	t.Run("GetLogEntriesOrdered", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveRun(testRun("run-ordered")))

		// Insert out of order; reads come back by sequence
		for _, seq := range []int64{2, 1, 3} {
			err := store.AppendLogEntry(models.LogEntry{
				RunID:     "run-ordered",
				Sequence:  seq,
				Timestamp: time.Now(),
				EventType: models.ProgressEvent,
				Data:      json.RawMessage(`{}`),
			})
			assert.NoError(t, err)
		}

		entries, err := store.GetLogEntries("run-ordered")
		assert.NoError(t, err)
		assert.Len(t, entries, 3)
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})

	t.Run("DeleteRunLog", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveRun(testRun("run-delete")))
		for i := 1; i <= 2; i++ {
			assert.NoError(t, store.AppendLogEntry(models.LogEntry{
				RunID:     "run-delete",
				Sequence:  int64(i),
				Timestamp: time.Now(),
				EventType: models.ProgressEvent,
				Data:      json.RawMessage(`{}`),
			}))
		}

		n, err := store.DeleteRunLog("run-delete")
		assert.NoError(t, err)
		assert.Equal(t, int64(2), n)

		entries, err := store.GetLogEntries("run-delete")
		assert.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("SaveAndGetWorkflow", func(t *testing.T) {
		store := newTxStore(t)
		wf := models.WorkflowDefinition{
			Name:              "fixer",
			DisplayName:       "Bug Fixer",
			Prompt:            "Fix the bug described below.",
			AllowedTools:      []string{"read", "edit", "bash"},
			SuggestedMaxTurns: 30,
			SourcePath:        "/workflows/fixer",
			Checksum:          "abc123",
			CreatedAt:         time.Now(),
			UpdatedAt:         time.Now(),
		}
		assert.NoError(t, store.SaveWorkflow(wf))

		saved, err := store.GetWorkflowByName("fixer")
		assert.NoError(t, err)
		assert.Equal(t, "Bug Fixer", saved.DisplayName)
		assert.Equal(t, []string{"read", "edit", "bash"}, []string(saved.AllowedTools))
		assert.Equal(t, 30, saved.SuggestedMaxTurns)
	})

	t.Run("GetNonExistingWorkflow", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetWorkflowByName("no-such-workflow")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateWorkflow", func(t *testing.T) {
		store := newTxStore(t)
		wf := models.WorkflowDefinition{
			Name:      "updatable",
			Prompt:    "v1",
			Checksum:  "c1",
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		assert.NoError(t, store.SaveWorkflow(wf))

		wf.Prompt = "v2"
		wf.Checksum = "c2"
		assert.NoError(t, store.UpdateWorkflow(wf))

		updated, err := store.GetWorkflowByName("updatable")
		assert.NoError(t, err)
		assert.Equal(t, "v2", updated.Prompt)
		assert.Equal(t, "c2", updated.Checksum)

		wf.Name = "never-saved"
		assert.ErrorIs(t, store.UpdateWorkflow(wf), storage.ErrNotFound)
	})

	t.Run("ListWorkflowsByName", func(t *testing.T) {
		store := newTxStore(t)
		for _, name := range []string{"zeta", "alpha"} {
			assert.NoError(t, store.SaveWorkflow(models.WorkflowDefinition{
				Name:      name,
				Prompt:    "p",
				Checksum:  "c",
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}))
		}

		workflows, err := store.ListWorkflows()
		assert.NoError(t, err)
		assert.Len(t, workflows, 2)
		assert.Equal(t, "alpha", workflows[0].Name)
		assert.Equal(t, "zeta", workflows[1].Name)
	})
}
