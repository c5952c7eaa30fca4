package models

import "time"

type RunStatus string

const (
	PendingRunStatus   RunStatus = "PENDING"
	RunningRunStatus   RunStatus = "RUNNING"
	CompletedRunStatus RunStatus = "COMPLETED"
	FailedRunStatus    RunStatus = "FAILED"
	TimedOutRunStatus  RunStatus = "TIMED_OUT"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == CompletedRunStatus || s == FailedRunStatus || s == TimedOutRunStatus
}

// RunRequest is the caller-supplied payload for starting a run.
type RunRequest struct {
	Message    string        `json:"message"`
	MaxTurns   int           `json:"max_turns,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	BaseBranch string        `json:"base_branch,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
}

// Run represents one tracked execution of a named workflow against a workspace.
type Run struct {
	ID              string     `json:"id" db:"id"`                           // UUID, system-generated
	WorkflowName    string     `json:"workflow_name" db:"workflow_name"`     // Must resolve in the catalog at start time
	Status          RunStatus  `json:"status" db:"status"`                   // "PENDING", "RUNNING", "COMPLETED", "FAILED", "TIMED_OUT"
	Message         string     `json:"message" db:"message"`                 // Prompt text handed to the backend
	MaxTurns        int        `json:"max_turns" db:"max_turns"`             // Turn budget, 0 means workflow default
	TimeoutSeconds  int        `json:"timeout_seconds" db:"timeout_seconds"` // Wall-clock limit, 0 means engine default
	BaseBranch      string     `json:"base_branch" db:"base_branch"`         // Branch the workspace derives from
	SessionID       string     `json:"session_id,omitempty" db:"session_id"` // Optional linkage to a prior session
	WorkspacePath   string     `json:"workspace_path,omitempty" db:"workspace_path"`
	WorkspaceBranch string     `json:"workspace_branch,omitempty" db:"workspace_branch"`
	BackendRef      string     `json:"backend_ref,omitempty" db:"backend_ref"` // Opaque handle to the process/session
	ErrorMsg        string     `json:"error,omitempty" db:"error_msg"`         // Set only on FAILED/TIMED_OUT
	ElapsedSeconds  *float64   `json:"elapsed_seconds,omitempty" db:"elapsed_seconds"`
	TurnCount       *int       `json:"turn_count,omitempty" db:"turn_count"`
	CostEstimate    *float64   `json:"cost_estimate,omitempty" db:"cost_estimate"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}
