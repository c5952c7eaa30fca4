package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveRun creates a new run record
func (s *PostgresStore) SaveRun(r models.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, workflow_name, status, message, max_turns, timeout_seconds,
			base_branch, session_id, workspace_path, workspace_branch, backend_ref,
			error_msg, elapsed_seconds, turn_count, cost_estimate,
			created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		r.ID, r.WorkflowName, r.Status, r.Message, r.MaxTurns, r.TimeoutSeconds,
		r.BaseBranch, r.SessionID, r.WorkspacePath, r.WorkspaceBranch, r.BackendRef,
		r.ErrorMsg, r.ElapsedSeconds, r.TurnCount, r.CostEstimate,
		r.CreatedAt, r.StartedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *PostgresStore) GetRun(id string) (models.Run, error) {
	var r models.Run
	err := s.db.Get(&r, "SELECT * FROM runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// UpdateRun persists the mutable fields of an existing run
func (s *PostgresStore) UpdateRun(r models.Run) error {
	res, err := s.db.Exec(`
		UPDATE runs
		SET status = $1, workspace_path = $2, workspace_branch = $3, backend_ref = $4,
			error_msg = $5, elapsed_seconds = $6, turn_count = $7, cost_estimate = $8,
			started_at = $9, finished_at = $10
		WHERE id = $11`,
		r.Status, r.WorkspacePath, r.WorkspaceBranch, r.BackendRef,
		r.ErrorMsg, r.ElapsedSeconds, r.TurnCount, r.CostEstimate,
		r.StartedAt, r.FinishedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRuns() ([]models.Run, error) {
	runs := []models.Run{}
	err := s.db.Select(&runs, "SELECT * FROM runs ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// AppendLogEntry persists one log entry; (run_id, sequence) is the primary key
// so a duplicate or out-of-order write fails instead of corrupting the log.
func (s *PostgresStore) AppendLogEntry(e models.LogEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO run_logs (run_id, sequence, timestamp, event_type, data)
		VALUES ($1, $2, $3, $4, $5)`,
		e.RunID, e.Sequence, e.Timestamp, e.EventType, []byte(e.Data))
	if err != nil {
		return fmt.Errorf("append log entry for run %s: %w", e.RunID, err)
	}
	return nil
}

func (s *PostgresStore) GetLogEntries(runID string) ([]models.LogEntry, error) {
	entries := []models.LogEntry{}
	err := s.db.Select(&entries, "SELECT * FROM run_logs WHERE run_id = $1 ORDER BY sequence", runID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteRunLog removes a run's entire log and returns the number of entries removed
func (s *PostgresStore) DeleteRunLog(runID string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM run_logs WHERE run_id = $1", runID)
	if err != nil {
		return 0, fmt.Errorf("delete log for run %s: %w", runID, err)
	}
	return res.RowsAffected()
}

// SaveWorkflow registers a new workflow definition in the catalog
func (s *PostgresStore) SaveWorkflow(w models.WorkflowDefinition) error {
	_, err := s.db.Exec(`
		INSERT INTO workflows (name, display_name, prompt, allowed_tools, suggested_max_turns,
			source_path, checksum, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.Name, w.DisplayName, w.Prompt, pq.Array(w.AllowedTools), w.SuggestedMaxTurns,
		w.SourcePath, w.Checksum, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", w.Name, err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflowByName(name string) (models.WorkflowDefinition, error) {
	var w models.WorkflowDefinition
	var tools pq.StringArray
	row := s.db.QueryRowx(`
		SELECT name, display_name, prompt, allowed_tools, suggested_max_turns,
			source_path, checksum, created_at, updated_at
		FROM workflows WHERE name = $1`, name)
	err := row.Scan(&w.Name, &w.DisplayName, &w.Prompt, &tools, &w.SuggestedMaxTurns,
		&w.SourcePath, &w.Checksum, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.WorkflowDefinition{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("get workflow %s: %w", name, err)
	}
	w.AllowedTools = tools
	return w, nil
}

func (s *PostgresStore) UpdateWorkflow(w models.WorkflowDefinition) error {
	res, err := s.db.Exec(`
		UPDATE workflows
		SET display_name = $1, prompt = $2, allowed_tools = $3, suggested_max_turns = $4,
			source_path = $5, checksum = $6, updated_at = CURRENT_TIMESTAMP
		WHERE name = $7`,
		w.DisplayName, w.Prompt, pq.Array(w.AllowedTools), w.SuggestedMaxTurns,
		w.SourcePath, w.Checksum, w.Name)
	if err != nil {
		return fmt.Errorf("update workflow %s: %w", w.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListWorkflows() ([]models.WorkflowDefinition, error) {
	type workflowRow struct {
		Name              string         `db:"name"`
		DisplayName       string         `db:"display_name"`
		Prompt            string         `db:"prompt"`
		AllowedTools      pq.StringArray `db:"allowed_tools"`
		SuggestedMaxTurns int            `db:"suggested_max_turns"`
		SourcePath        string         `db:"source_path"`
		Checksum          string         `db:"checksum"`
		CreatedAt         sql.NullTime   `db:"created_at"`
		UpdatedAt         sql.NullTime   `db:"updated_at"`
	}
	rows := []workflowRow{}
	err := s.db.Select(&rows, `
		SELECT name, display_name, prompt, allowed_tools, suggested_max_turns,
			source_path, checksum, created_at, updated_at
		FROM workflows ORDER BY name`)
	if err != nil {
		return nil, err
	}
	workflows := make([]models.WorkflowDefinition, 0, len(rows))
	for _, r := range rows {
		w := models.WorkflowDefinition{
			Name:              r.Name,
			DisplayName:       r.DisplayName,
			Prompt:            r.Prompt,
			AllowedTools:      r.AllowedTools,
			SuggestedMaxTurns: r.SuggestedMaxTurns,
			SourcePath:        r.SourcePath,
			Checksum:          r.Checksum,
		}
		if r.CreatedAt.Valid {
			w.CreatedAt = r.CreatedAt.Time
		}
		if r.UpdatedAt.Valid {
			w.UpdatedAt = r.UpdatedAt.Time
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}
