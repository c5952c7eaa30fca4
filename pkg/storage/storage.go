package storage

import (
	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the generic record-store operations the engine persists
// through. The concrete storage technology is an external collaborator;
// internal/storage provides a Postgres implementation and NewMockStore an
// in-memory one.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run records
	SaveRun(r models.Run) error
	GetRun(id string) (models.Run, error)
	UpdateRun(r models.Run) error
	ListRuns() ([]models.Run, error)

	// Per-run logs
	AppendLogEntry(e models.LogEntry) error
	GetLogEntries(runID string) ([]models.LogEntry, error)
	DeleteRunLog(runID string) (int64, error)

	// Workflow catalog
	SaveWorkflow(w models.WorkflowDefinition) error
	GetWorkflowByName(name string) (models.WorkflowDefinition, error)
	UpdateWorkflow(w models.WorkflowDefinition) error
	ListWorkflows() ([]models.WorkflowDefinition, error)
}
