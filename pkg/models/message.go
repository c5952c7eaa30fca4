package models

import "time"

type MessageKind string

const (
	UserMessage   MessageKind = "user"
	SystemMessage MessageKind = "system"
)

// InjectedMessage is a control message accepted while a run is RUNNING.
// Messages targeting a non-running run are rejected, never persisted.
type InjectedMessage struct {
	RunID      string      `json:"run_id"`
	Kind       MessageKind `json:"kind"`
	Body       string      `json:"body"`
	AcceptedAt time.Time   `json:"accepted_at"`
}
