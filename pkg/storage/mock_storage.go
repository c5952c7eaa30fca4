package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory storage
type mockStore struct {
	mu        sync.RWMutex
	runs      map[string]models.Run
	logs      map[string][]models.LogEntry
	workflows map[string]models.WorkflowDefinition
}

func NewMockStore() Store {
	return &mockStore{
		runs:      make(map[string]models.Run),
		logs:      make(map[string][]models.LogEntry),
		workflows: make(map[string]models.WorkflowDefinition),
	}
}

func (m *mockStore) Begin() (Store, error) {
	return m, nil
}

func (m *mockStore) Commit() error {
	return nil
}

func (m *mockStore) Rollback() error {
	// No-op: the mock applies writes immediately
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveRun(r models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return errors.New("run already exists")
	}
	m.runs[r.ID] = r
	return nil
}

func (m *mockStore) GetRun(id string) (models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return models.Run{}, ErrNotFound
	}
	return r, nil
}

func (m *mockStore) UpdateRun(r models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	m.runs[r.ID] = r
	return nil
}

func (m *mockStore) ListRuns() ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]models.Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	// Newest first, matching the Postgres implementation
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (m *mockStore) AppendLogEntry(e models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.logs[e.RunID]
	// Append-only: sequences must keep increasing
	if n := len(entries); n > 0 && e.Sequence <= entries[n-1].Sequence {
		return errors.Errorf("out-of-order sequence %d for run %s", e.Sequence, e.RunID)
	}
	m.logs[e.RunID] = append(entries, e)
	return nil
}

func (m *mockStore) GetLogEntries(runID string) ([]models.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]models.LogEntry, len(m.logs[runID]))
	copy(entries, m.logs[runID])
	return entries, nil
}

func (m *mockStore) DeleteRunLog(runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.logs[runID]))
	delete(m.logs, runID)
	return n, nil
}

func (m *mockStore) SaveWorkflow(w models.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.Name]; ok {
		return errors.New("workflow already exists")
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	m.workflows[w.Name] = w
	return nil
}

func (m *mockStore) GetWorkflowByName(name string) (models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[name]
	if !ok {
		return models.WorkflowDefinition{}, ErrNotFound
	}
	return w, nil
}

func (m *mockStore) UpdateWorkflow(w models.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.Name]; !ok {
		return ErrNotFound
	}
	w.UpdatedAt = time.Now()
	m.workflows[w.Name] = w
	return nil
}

func (m *mockStore) ListWorkflows() ([]models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	workflows := make([]models.WorkflowDefinition, 0, len(m.workflows))
	for _, w := range m.workflows {
		workflows = append(workflows, w)
	}
	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].Name < workflows[j].Name
	})
	return workflows, nil
}
