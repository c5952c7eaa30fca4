package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/protocol"
	"github.com/pkg/errors"
)

// SubprocessConfig describes how to launch the external agent binary.
type SubprocessConfig struct {
	Command    string
	Args       []string
	Env        []string // KEY=VALUE pairs appended to the inherited environment
	InputQueue int      // pending control lines before SendInput rejects; defaults to inputBuffer
}

// Subprocess executes runs by launching the agent as a child process with the
// workspace as its working directory. Control lines go to the child's stdin;
// its stdout is parsed as the event stream, one JSON object per line.
type Subprocess struct {
	cfg    SubprocessConfig
	logger Logger

	mu        sync.Mutex
	executing bool
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	input     chan []byte
	ref       string
	termOnce  sync.Once
}

func NewSubprocess(cfg SubprocessConfig, logger Logger) *Subprocess {
	return &Subprocess{cfg: cfg, logger: logger}
}

// wireEvent is the stdout line shape emitted by the agent process.
type wireEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func (b *Subprocess) Execute(ctx context.Context, ws models.Workspace, req models.RunRequest) (<-chan Event, error) {
	events := make(chan Event, 16)

	b.mu.Lock()
	if b.executing {
		b.mu.Unlock()
		return nil, errors.Wrap(ErrStartFailed, "already executing")
	}
	b.executing = true

	cmd := exec.Command(b.cfg.Command, b.cfg.Args...)
	cmd.Dir = ws.Path
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("AGENT_RUN_ID=%s", ws.OwningRunID),
		fmt.Sprintf("AGENT_MAX_TURNS=%d", req.MaxTurns),
		fmt.Sprintf("AGENT_BRANCH=%s", ws.Branch),
	)
	// Own process group so Terminate can kill the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		b.mu.Unlock()
		b.failStart(events, errors.Wrap(err, "open stdin"))
		return events, nil
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.mu.Unlock()
		b.failStart(events, errors.Wrap(err, "open stdout"))
		return events, nil
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		b.mu.Unlock()
		b.failStart(events, err)
		return events, nil
	}
	queueSize := b.cfg.InputQueue
	if queueSize <= 0 {
		queueSize = inputBuffer
	}
	input := make(chan []byte, queueSize)
	b.cmd = cmd
	b.stdin = stdin
	b.input = input
	b.ref = fmt.Sprintf("pid:%d", cmd.Process.Pid)
	b.mu.Unlock()

	b.logger.Infof("Started agent process %s in %s", b.ref, ws.Path)

	// The initial prompt is the first control line the agent reads
	if line, err := protocol.EncodeLine(protocol.Message{Type: models.UserMessage, Message: req.Message}); err == nil {
		input <- line
	}

	done := make(chan struct{})

	// Sole stdin writer. SendInput only enqueues, so a stalled agent that
	// stops reading stdin backs up this goroutine, never the caller.
	go func() {
		for {
			select {
			case line := <-input:
				if _, err := stdin.Write(line); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Terminate()
		case <-done:
		}
	}()

	go func() {
		defer close(events)
		defer close(done)

		sawTerminal := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			ev := parseEventLine(scanner.Text())
			if ev.Type == models.CompletionEvent || ev.Type == models.ErrorEvent {
				sawTerminal = true
			}
			events <- ev
		}

		err := cmd.Wait()
		if err != nil && !sawTerminal {
			events <- errorEvent(errors.Wrapf(ErrRuntime, "agent process exited: %v", err))
		} else if err == nil && !sawTerminal {
			// Agent exited cleanly without announcing a result
			events <- Event{Type: models.CompletionEvent, Data: map[string]interface{}{}}
		}
	}()
	return events, nil
}

// failStart reports a start failure as the stream's single event.
func (b *Subprocess) failStart(events chan Event, err error) {
	b.logger.Errorf("Failed to start agent process: %v", err)
	events <- errorEvent(errors.Wrapf(ErrStartFailed, "%v", err))
	close(events)
}

// parseEventLine maps one stdout line to an event. Lines that are not valid
// event records pass through as raw events rather than being dropped.
func parseEventLine(line string) Event {
	var we wireEvent
	if err := json.Unmarshal([]byte(line), &we); err == nil {
		switch models.EventType(we.Type) {
		case models.InitEvent, models.ProgressEvent, models.CompletionEvent, models.ErrorEvent:
			data := we.Data
			if data == nil {
				data = map[string]interface{}{}
			}
			return Event{Type: models.EventType(we.Type), Data: data}
		}
	}
	return Event{Type: models.RawEvent, Data: map[string]interface{}{"line": line}}
}

// SendInput queues one control line for the agent. It never blocks: when the
// queue is full the message is rejected with ErrRuntime.
func (b *Subprocess) SendInput(msg protocol.Message) error {
	b.mu.Lock()
	input := b.input
	executing := b.executing
	b.mu.Unlock()
	if !executing || input == nil {
		return ErrNotExecuting
	}
	line, err := protocol.EncodeLine(msg)
	if err != nil {
		return err
	}
	select {
	case input <- line:
		return nil
	default:
		return errors.Wrap(ErrRuntime, "input queue full")
	}
}

// Terminate kills the agent's process group. Committed git state up to the
// kill point stays on the workspace branch for post-mortem inspection.
func (b *Subprocess) Terminate() error {
	b.termOnce.Do(func() {
		b.mu.Lock()
		cmd := b.cmd
		stdin := b.stdin
		b.mu.Unlock()
		if stdin != nil {
			_ = stdin.Close()
		}
		if cmd != nil && cmd.Process != nil {
			b.logger.Infof("Terminating agent process %s", b.ref)
			// Negative pid targets the whole process group
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	})
	return nil
}

func (b *Subprocess) Ref() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ref
}
