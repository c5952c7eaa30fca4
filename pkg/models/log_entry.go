package models

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	InitEvent       EventType = "init"
	ProgressEvent   EventType = "progress"
	CompletionEvent EventType = "completion"
	ErrorEvent      EventType = "error"
	RawEvent        EventType = "raw"
)

// LogEntry is one immutable event in a run's log. Entries for a run are
// totally ordered by Sequence; the log is append-only.
type LogEntry struct {
	RunID     string          `json:"run_id" db:"run_id"`
	Sequence  int64           `json:"sequence" db:"sequence"` // Monotonic per run, gapless
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	EventType EventType       `json:"event_type" db:"event_type"`
	Data      json.RawMessage `json:"data" db:"data"` // Structured payload
}
