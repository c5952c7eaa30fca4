package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/protocol"
	"github.com/pkg/errors"
)

// inputBuffer bounds how many injected messages may queue before the session
// loop consumes them; SendInput never blocks on a full buffer.
const inputBuffer = 64

// Session is handed to a SessionFunc and is the agent's view of the run:
// the workspace to act in, the request that started it, injected input, and
// a progress sink.
type Session struct {
	Workspace models.Workspace
	Request   models.RunRequest
	input     <-chan protocol.Message
	events    chan<- Event
}

// Inputs returns the injected-message channel consumed by the session loop.
func (s *Session) Inputs() <-chan protocol.Message {
	return s.input
}

// Progress emits one progress event for the given step.
func (s *Session) Progress(step string, payload map[string]interface{}) {
	data := map[string]interface{}{"step": step}
	for k, v := range payload {
		data[k] = v
	}
	s.events <- Event{Type: models.ProgressEvent, Data: data}
}

// SessionFunc drives the coding agent through a library/session API in the
// same process. The returned payload becomes the completion event's data.
// The Session must not be used after the function returns.
type SessionFunc func(ctx context.Context, sess *Session) (map[string]interface{}, error)

// InProcess executes runs by invoking a SessionFunc directly.
type InProcess struct {
	session SessionFunc
	logger  Logger

	mu        sync.Mutex
	executing bool
	input     chan protocol.Message
	cancel    context.CancelFunc
	ref       string
	termOnce  sync.Once
}

func NewInProcess(session SessionFunc, logger Logger) *InProcess {
	return &InProcess{session: session, logger: logger}
}

func (b *InProcess) Execute(ctx context.Context, ws models.Workspace, req models.RunRequest) (<-chan Event, error) {
	events := make(chan Event, 16)

	b.mu.Lock()
	if b.executing {
		b.mu.Unlock()
		return nil, errors.Wrap(ErrStartFailed, "already executing")
	}
	if b.session == nil {
		b.executing = true
		b.mu.Unlock()
		events <- errorEvent(errors.Wrap(ErrStartFailed, "no session runner configured"))
		close(events)
		return events, nil
	}
	execCtx, cancel := context.WithCancel(ctx)
	b.executing = true
	b.cancel = cancel
	b.input = make(chan protocol.Message, inputBuffer)
	b.ref = fmt.Sprintf("session:%s", ws.OwningRunID)
	input := b.input
	b.mu.Unlock()

	sess := &Session{
		Workspace: ws,
		Request:   req,
		input:     input,
		events:    events,
	}

	go func() {
		defer close(events)
		defer cancel()
		events <- Event{Type: models.InitEvent, Data: map[string]interface{}{
			"workspace": ws.Path,
			"branch":    ws.Branch,
		}}
		result, err := b.session(execCtx, sess)
		if err != nil {
			events <- errorEvent(err)
			return
		}
		if result == nil {
			result = map[string]interface{}{}
		}
		events <- Event{Type: models.CompletionEvent, Data: result}
	}()
	return events, nil
}

func (b *InProcess) SendInput(msg protocol.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.executing || b.input == nil {
		return ErrNotExecuting
	}
	select {
	case b.input <- msg:
		return nil
	default:
		return errors.Wrap(ErrRuntime, "input queue full")
	}
}

func (b *InProcess) Terminate() error {
	b.termOnce.Do(func() {
		b.mu.Lock()
		cancel := b.cancel
		b.mu.Unlock()
		if cancel != nil {
			b.logger.Infof("Terminating in-process session %s", b.ref)
			cancel()
		}
	})
	return nil
}

func (b *InProcess) Ref() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ref
}
