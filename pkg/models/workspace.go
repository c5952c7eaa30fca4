package models

import "time"

// Workspace is an isolated git working tree used exclusively by one run.
// Bookkeeping lives with the workspace manager; only the manager and the
// orphan reaper ever touch the tree on disk.
type Workspace struct {
	Path           string    `json:"path"`
	Branch         string    `json:"branch"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	OwningRunID    string    `json:"owning_run_id,omitempty"` // Empty once the run reaches a terminal state
	Unmanaged      bool      `json:"unmanaged,omitempty"`     // Present on disk but unknown to bookkeeping
}
