// Package backend defines the execution strategy that drives the external
// coding agent for a single run and emits its progress as structured events.
// Two interchangeable implementations exist: an in-process session runner and
// a subprocess driver speaking the line protocol over stdin/stdout.
package backend

import (
	"context"

	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/protocol"
	"github.com/pkg/errors"
)

var (
	// ErrStartFailed indicates the backend could not begin executing
	ErrStartFailed = errors.New("backend start failed")

	// ErrNotExecuting indicates input was sent outside an active execution
	ErrNotExecuting = errors.New("backend not executing")

	// ErrRuntime indicates the backend failed while executing
	ErrRuntime = errors.New("backend runtime error")
)

// Logger defines the logging interface for backends
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Event is one structured occurrence emitted by an executing backend. The
// lifecycle manager maps event types 1:1 onto log entry types.
type Event struct {
	Type models.EventType
	Data map[string]interface{}
}

// Backend drives one run's execution. Implementations guarantee that events
// are emitted in the order generated, that Terminate is idempotent and safe
// from any goroutine, and that a failure to start surfaces as a single error
// event before any init.
type Backend interface {
	// Execute starts the agent against the workspace and returns the event
	// stream. The channel closes when execution ends. Start failures are
	// reported on the stream, not as a returned error.
	Execute(ctx context.Context, ws models.Workspace, req models.RunRequest) (<-chan Event, error)

	// SendInput forwards a control message to the executing agent. FIFO order
	// among injected messages is preserved; interleaving with the backend's
	// own generated events is best-effort only. Never blocks.
	SendInput(msg protocol.Message) error

	// Terminate forcibly stops the execution. Safe to call multiple times and
	// concurrently with Execute.
	Terminate() error

	// Ref returns an opaque handle to the underlying process or session,
	// empty until execution has started.
	Ref() string
}

func errorEvent(err error) Event {
	return Event{Type: models.ErrorEvent, Data: map[string]interface{}{"error": err.Error()}}
}
