// Package logstore provides the append-only per-run event log with live
// streaming reads. Entries persist through the generic record store; the
// in-memory per-run state serializes appends (single writer per run) and
// feeds tailing streams.
package logstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/storage"
	"github.com/pkg/errors"
)

// ErrLogClosed is returned when appending to a run whose log has been closed.
var ErrLogClosed = errors.New("run log closed")

// Logger defines the logging interface for the log store
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Store is the per-run log store. Concurrent appends for the same run are
// serialized; different runs never block each other.
type Store struct {
	store  storage.Store
	logger Logger
	mu     sync.Mutex
	runs   map[string]*runLog
}

// runLog holds the writer state for a single run's log
type runLog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	nextSeq int64
	entries []models.LogEntry
	closed  bool
}

func NewStore(store storage.Store, logger Logger) *Store {
	return &Store{
		store:  store,
		logger: logger,
		runs:   make(map[string]*runLog),
	}
}

// runLog returns the in-memory state for runID, seeding it from persisted
// entries on first touch so sequences continue across restarts. A seeded log
// whose last entry is terminal (completion or error) starts closed.
func (s *Store) runLog(runID string) (*runLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rl, ok := s.runs[runID]; ok {
		return rl, nil
	}
	existing, err := s.store.GetLogEntries(runID)
	if err != nil {
		return nil, errors.Wrapf(err, "load log for run %s", runID)
	}
	rl := &runLog{entries: existing}
	rl.cond = sync.NewCond(&rl.mu)
	if n := len(existing); n > 0 {
		rl.nextSeq = existing[n-1].Sequence
		last := existing[n-1].EventType
		rl.closed = last == models.CompletionEvent || last == models.ErrorEvent
	}
	s.runs[runID] = rl
	return rl, nil
}

// Append assigns the next sequence for the run and persists the entry
// atomically. The payload is marshalled to JSON; nil becomes an empty object.
func (s *Store) Append(runID string, eventType models.EventType, data interface{}) (models.LogEntry, error) {
	payload := json.RawMessage(`{}`)
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return models.LogEntry{}, errors.Wrap(err, "marshal log payload")
		}
		payload = b
	}

	rl, err := s.runLog(runID)
	if err != nil {
		return models.LogEntry{}, err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return models.LogEntry{}, errors.Wrapf(ErrLogClosed, "run %s", runID)
	}
	entry := models.LogEntry{
		RunID:     runID,
		Sequence:  rl.nextSeq + 1,
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Data:      payload,
	}
	if err := s.store.AppendLogEntry(entry); err != nil {
		return models.LogEntry{}, err
	}
	rl.nextSeq = entry.Sequence
	rl.entries = append(rl.entries, entry)
	rl.cond.Broadcast()
	return entry, nil
}

// ReadAll returns the run's entries in sequence order.
func (s *Store) ReadAll(runID string) ([]models.LogEntry, error) {
	return s.store.GetLogEntries(runID)
}

// Stream yields the run's existing entries in order, then continues yielding
// new entries as they are appended. The channel closes once the log is closed
// and every entry has been delivered, or when ctx is cancelled.
func (s *Store) Stream(ctx context.Context, runID string) (<-chan models.LogEntry, error) {
	rl, err := s.runLog(runID)
	if err != nil {
		return nil, err
	}

	ch := make(chan models.LogEntry)
	done := make(chan struct{})

	// Wake the tail loop when the caller gives up
	go func() {
		select {
		case <-ctx.Done():
			rl.mu.Lock()
			rl.cond.Broadcast()
			rl.mu.Unlock()
		case <-done:
		}
	}()

	go func() {
		defer close(ch)
		defer close(done)
		next := 0
		for {
			rl.mu.Lock()
			for next >= len(rl.entries) && !rl.closed && ctx.Err() == nil {
				rl.cond.Wait()
			}
			if ctx.Err() != nil {
				rl.mu.Unlock()
				return
			}
			if next >= len(rl.entries) {
				// Closed and fully drained
				rl.mu.Unlock()
				return
			}
			batch := make([]models.LogEntry, len(rl.entries)-next)
			copy(batch, rl.entries[next:])
			next = len(rl.entries)
			rl.mu.Unlock()

			for _, e := range batch {
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// Close marks the run's log complete: appends are rejected afterwards and
// streams end once drained, including streams opened after the close.
// Safe to call more than once.
func (s *Store) Close(runID string) {
	rl, err := s.runLog(runID)
	if err != nil {
		s.logger.Errorf("Close: failed to load log for run %s: %v", runID, err)
		return
	}
	rl.mu.Lock()
	if !rl.closed {
		rl.closed = true
		rl.cond.Broadcast()
	}
	rl.mu.Unlock()
}

// Summary describes a run's log in aggregate.
type Summary struct {
	RunID       string                   `json:"run_id"`
	EntryCount  int                      `json:"entry_count"`
	Duration    time.Duration            `json:"duration"`
	EventCounts map[models.EventType]int `json:"event_counts"`
	ErrorCount  int                      `json:"error_count"`
	SizeBytes   int64                    `json:"size_bytes"`
}

func (s *Store) Summarize(runID string) (Summary, error) {
	entries, err := s.store.GetLogEntries(runID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		RunID:       runID,
		EntryCount:  len(entries),
		EventCounts: make(map[models.EventType]int),
	}
	for _, e := range entries {
		sum.EventCounts[e.EventType]++
		if e.EventType == models.ErrorEvent {
			sum.ErrorCount++
		}
		sum.SizeBytes += int64(len(e.Data))
	}
	if len(entries) > 0 {
		sum.Duration = entries[len(entries)-1].Timestamp.Sub(entries[0].Timestamp)
	}
	return sum, nil
}

// CleanupReport summarizes one retention pass.
type CleanupReport struct {
	DeletedCount int   `json:"deleted_count"`
	FreedBytes   int64 `json:"freed_bytes"`
}

// Cleanup removes entire per-run logs whose last entry is older than maxAge.
// Logs of non-terminal runs are never touched, and a run's log is never
// partially truncated.
func (s *Store) Cleanup(maxAge time.Duration) (CleanupReport, error) {
	report := CleanupReport{}
	runs, err := s.store.ListRuns()
	if err != nil {
		return report, errors.Wrap(err, "list runs for cleanup")
	}
	cutoff := time.Now().Add(-maxAge)
	for _, r := range runs {
		if !r.Status.Terminal() {
			continue
		}
		entries, err := s.store.GetLogEntries(r.ID)
		if err != nil {
			s.logger.Errorf("Cleanup: failed to read log for run %s: %v", r.ID, err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		if entries[len(entries)-1].Timestamp.After(cutoff) {
			continue
		}
		var bytes int64
		for _, e := range entries {
			bytes += int64(len(e.Data))
		}
		if _, err := s.store.DeleteRunLog(r.ID); err != nil {
			s.logger.Errorf("Cleanup: failed to delete log for run %s: %v", r.ID, err)
			continue
		}
		s.mu.Lock()
		delete(s.runs, r.ID)
		s.mu.Unlock()
		report.DeletedCount++
		report.FreedBytes += bytes
		s.logger.Infof("Cleaned up log for run %s (%d entries)", r.ID, len(entries))
	}
	return report, nil
}
