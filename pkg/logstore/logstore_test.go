package logstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/namastexlabs/automagik-sub005/pkg/logstore"
	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func newStore() (*logstore.Store, storage.Store) {
	store := storage.NewMockStore()
	return logstore.NewStore(store, logger{}), store
}

func saveRun(t *testing.T, store storage.Store, status models.RunStatus) string {
	runID := uuid.NewString()
	err := store.SaveRun(models.Run{
		ID:           runID,
		WorkflowName: "wf",
		Status:       status,
		CreatedAt:    time.Now(),
	})
	assert.NoError(t, err)
	return runID
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	logs, store := newStore()
	runID := saveRun(t, store, models.RunningRunStatus)

	first, err := logs.Append(runID, models.InitEvent, map[string]interface{}{"workflow": "wf"})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)

	second, err := logs.Append(runID, models.ProgressEvent, map[string]interface{}{"step": "a"})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), second.Sequence)

	third, err := logs.Append(runID, models.ProgressEvent, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), third.Sequence)
	assert.JSONEq(t, `{}`, string(third.Data))

	entries, err := logs.ReadAll(runID)
	assert.NoError(t, err)
	assert.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, runID, e.RunID)
	}
}

func TestRunsDoNotShareSequences(t *testing.T) {
	logs, store := newStore()
	a := saveRun(t, store, models.RunningRunStatus)
	b := saveRun(t, store, models.RunningRunStatus)

	ea, err := logs.Append(a, models.InitEvent, nil)
	assert.NoError(t, err)
	eb, err := logs.Append(b, models.InitEvent, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), ea.Sequence)
	assert.Equal(t, int64(1), eb.Sequence)
}

func TestSequencesContinueAcrossReopen(t *testing.T) {
	logs, store := newStore()
	runID := saveRun(t, store, models.RunningRunStatus)

	_, err := logs.Append(runID, models.InitEvent, nil)
	assert.NoError(t, err)
	_, err = logs.Append(runID, models.ProgressEvent, nil)
	assert.NoError(t, err)

	// A fresh log store over the same backing store picks up where the
	// previous writer stopped
	reopened := logstore.NewStore(store, logger{})
	e, err := reopened.Append(runID, models.ProgressEvent, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), e.Sequence)
}

func TestAppendAfterCloseRejected(t *testing.T) {
	logs, store := newStore()
	runID := saveRun(t, store, models.RunningRunStatus)

	_, err := logs.Append(runID, models.InitEvent, nil)
	assert.NoError(t, err)
	logs.Close(runID)
	logs.Close(runID) // closing twice is fine

	_, err = logs.Append(runID, models.ProgressEvent, nil)
	assert.True(t, errors.Is(err, logstore.ErrLogClosed))
}

func TestSeededLogWithTerminalTailStartsClosed(t *testing.T) {
	logs, store := newStore()
	runID := saveRun(t, store, models.CompletedRunStatus)

	_, err := logs.Append(runID, models.InitEvent, nil)
	assert.NoError(t, err)
	_, err = logs.Append(runID, models.CompletionEvent, map[string]interface{}{"result": "ok"})
	assert.NoError(t, err)
	logs.Close(runID)

	reopened := logstore.NewStore(store, logger{})
	_, err = reopened.Append(runID, models.ProgressEvent, nil)
	assert.True(t, errors.Is(err, logstore.ErrLogClosed))
}

func TestStreamDeliversExistingThenLiveEntries(t *testing.T) {
	logs, store := newStore()
	runID := saveRun(t, store, models.RunningRunStatus)

	_, err := logs.Append(runID, models.InitEvent, nil)
	assert.NoError(t, err)

	ch, err := logs.Stream(context.Background(), runID)
	assert.NoError(t, err)

	// Existing entry arrives first
	e := <-ch
	assert.Equal(t, int64(1), e.Sequence)

	// Entries appended while the stream is open arrive in order
	go func() {
		_, _ = logs.Append(runID, models.ProgressEvent, map[string]interface{}{"step": "work"})
		_, _ = logs.Append(runID, models.CompletionEvent, nil)
		logs.Close(runID)
	}()

	var got []models.LogEntry
	for e := range ch {
		got = append(got, e)
	}
	assert.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Sequence)
	assert.Equal(t, models.CompletionEvent, got[1].EventType)
}

func TestStreamOfClosedLogEndsAfterDrain(t *testing.T) {
	logs, store := newStore()
	runID := saveRun(t, store, models.CompletedRunStatus)

	_, err := logs.Append(runID, models.InitEvent, nil)
	assert.NoError(t, err)
	_, err = logs.Append(runID, models.CompletionEvent, nil)
	assert.NoError(t, err)
	logs.Close(runID)

	ch, err := logs.Stream(context.Background(), runID)
	assert.NoError(t, err)

	var got []models.LogEntry
	for e := range ch {
		got = append(got, e)
	}
	assert.Len(t, got, 2)
}

func TestStreamStopsOnContextCancel(t *testing.T) {
	logs, store := newStore()
	runID := saveRun(t, store, models.RunningRunStatus)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := logs.Stream(ctx, runID)
	assert.NoError(t, err)

	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after context cancellation")
	}
}

func TestSummarize(t *testing.T) {
	logs, store := newStore()
	runID := saveRun(t, store, models.RunningRunStatus)

	_, err := logs.Append(runID, models.InitEvent, nil)
	assert.NoError(t, err)
	_, err = logs.Append(runID, models.ProgressEvent, map[string]interface{}{"step": "one"})
	assert.NoError(t, err)
	_, err = logs.Append(runID, models.ErrorEvent, map[string]interface{}{"error": "boom"})
	assert.NoError(t, err)

	sum, err := logs.Summarize(runID)
	assert.NoError(t, err)
	assert.Equal(t, runID, sum.RunID)
	assert.Equal(t, 3, sum.EntryCount)
	assert.Equal(t, 1, sum.ErrorCount)
	assert.Equal(t, 1, sum.EventCounts[models.ProgressEvent])
	assert.Greater(t, sum.SizeBytes, int64(0))
}

func TestCleanupRemovesOnlyTerminalRunLogs(t *testing.T) {
	logs, store := newStore()
	finished := saveRun(t, store, models.CompletedRunStatus)
	active := saveRun(t, store, models.RunningRunStatus)

	_, err := logs.Append(finished, models.CompletionEvent, map[string]interface{}{"result": "ok"})
	assert.NoError(t, err)
	_, err = logs.Append(active, models.InitEvent, nil)
	assert.NoError(t, err)

	report, err := logs.Cleanup(0)
	assert.NoError(t, err)
	assert.Equal(t, 1, report.DeletedCount)
	assert.Greater(t, report.FreedBytes, int64(0))

	remaining, err := logs.ReadAll(finished)
	assert.NoError(t, err)
	assert.Len(t, remaining, 0)

	kept, err := logs.ReadAll(active)
	assert.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestCleanupKeepsRecentLogs(t *testing.T) {
	logs, store := newStore()
	finished := saveRun(t, store, models.FailedRunStatus)
	_, err := logs.Append(finished, models.ErrorEvent, nil)
	assert.NoError(t, err)

	report, err := logs.Cleanup(24 * time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 0, report.DeletedCount)
}
