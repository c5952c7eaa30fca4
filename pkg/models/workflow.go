package models

import "time"

// WorkflowDefinition is a named task definition resolvable from the catalog:
// a prompt template plus a small declarative config discovered from the
// filesystem source and reconciled into the persisted catalog.
type WorkflowDefinition struct {
	Name              string    `json:"name" db:"name"`
	DisplayName       string    `json:"display_name" db:"display_name"`
	Prompt            string    `json:"prompt" db:"prompt"`
	AllowedTools      []string  `json:"allowed_tools" db:"allowed_tools"`
	SuggestedMaxTurns int       `json:"suggested_max_turns" db:"suggested_max_turns"`
	SourcePath        string    `json:"source_path,omitempty" db:"source_path"`
	Checksum          string    `json:"checksum" db:"checksum"` // Content hash used by sync to detect changes
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}
