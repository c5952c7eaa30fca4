// Package service implements the run lifecycle manager: it orchestrates one
// run end-to-end, from workspace allocation through backend execution to
// terminal status, and exposes status/log queries and the injection entry
// point.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/namastexlabs/automagik-sub005/pkg/backend"
	"github.com/namastexlabs/automagik-sub005/pkg/logstore"
	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/protocol"
	"github.com/namastexlabs/automagik-sub005/pkg/storage"
	"github.com/namastexlabs/automagik-sub005/pkg/workspace"
	"github.com/pkg/errors"
)

var (
	// ErrUnknownWorkflow indicates the workflow name does not resolve in the catalog
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrRunNotFound indicates no run exists with the given ID
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotRunning indicates an injection targeted a run outside the RUNNING state
	ErrRunNotRunning = errors.New("run not running")

	// ErrTimeoutExceeded is recorded on runs killed by their wall-clock timeout
	ErrTimeoutExceeded = errors.New("run timeout exceeded")
)

const (
	// DefaultRunTimeout bounds runs that do not carry their own timeout
	DefaultRunTimeout = 30 * time.Minute

	// DefaultAdmissionSlots bounds how many runs may allocate and execute at
	// once; further starts wait in PENDING until a slot frees
	DefaultAdmissionSlots = 8
)

// Logger defines the logging interface for the run service
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config tunes the run service.
type Config struct {
	DefaultTimeout time.Duration
	AdmissionSlots int
}

// activeRun tracks one executing run's live handles
type activeRun struct {
	backend     backend.Backend
	cancel      context.CancelFunc
	deallocOnce sync.Once
}

// RunService is the run lifecycle manager. All collaborators are injected so
// every test gets its own isolated instance.
type RunService struct {
	store      storage.Store
	logs       *logstore.Store
	workspaces *workspace.Manager
	newBackend backend.Factory
	logger     Logger
	cfg        Config

	admission chan struct{}
	mu        sync.RWMutex
	active    map[string]*activeRun
	wg        sync.WaitGroup
}

func NewRunService(
	store storage.Store,
	logs *logstore.Store,
	workspaces *workspace.Manager,
	newBackend backend.Factory,
	logger Logger,
	cfg Config,
) *RunService {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRunTimeout
	}
	if cfg.AdmissionSlots <= 0 {
		cfg.AdmissionSlots = DefaultAdmissionSlots
	}
	return &RunService{
		store:      store,
		logs:       logs,
		workspaces: workspaces,
		newBackend: newBackend,
		logger:     logger,
		cfg:        cfg,
		admission:  make(chan struct{}, cfg.AdmissionSlots),
		active:     make(map[string]*activeRun),
	}
}

// StartRun validates the workflow name, creates a PENDING run record, and
// triggers asynchronous allocation and execution. It returns the run ID
// immediately; callers never block for completion.
func (s *RunService) StartRun(workflowName string, req models.RunRequest) (runID string, err error) {
	wf, err := s.store.GetWorkflowByName(workflowName)
	if errors.Is(err, storage.ErrNotFound) {
		return "", errors.Wrapf(ErrUnknownWorkflow, "'%s'", workflowName)
	}
	if err != nil {
		return "", errors.Wrap(err, "resolve workflow")
	}

	if req.MaxTurns <= 0 {
		req.MaxTurns = wf.SuggestedMaxTurns
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	runID = uuid.NewString()
	run := models.Run{
		ID:             runID,
		WorkflowName:   workflowName,
		Status:         models.PendingRunStatus,
		Message:        req.Message,
		MaxTurns:       req.MaxTurns,
		TimeoutSeconds: int(timeout / time.Second),
		BaseBranch:     req.BaseBranch,
		SessionID:      req.SessionID,
		CreatedAt:      time.Now(),
	}
	if err := s.saveRun(run); err != nil {
		return "", err
	}

	// The record is committed before the goroutine starts, so execute's read
	// always sees it whatever the store's transaction visibility
	s.wg.Add(1)
	go s.execute(runID)

	s.logger.Infof("Started run %s for workflow '%s'", runID, workflowName)
	return runID, nil
}

// saveRun persists the new PENDING record in its own transaction.
func (s *RunService) saveRun(run models.Run) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	if err = txStore.SaveRun(run); err != nil {
		return errors.Wrap(err, "save run")
	}
	return nil
}

// execute drives one run from PENDING to a terminal state.
func (s *RunService) execute(runID string) {
	defer s.wg.Done()

	// Bounded admission: the run waits in PENDING until a slot frees
	s.admission <- struct{}{}
	defer func() { <-s.admission }()

	run, err := s.store.GetRun(runID)
	if err != nil {
		s.failBeforeRunning(runID, errors.Wrap(err, "load run"))
		return
	}

	timeout := time.Duration(run.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ws, err := s.workspaces.Allocate(ctx, runID, run.BaseBranch)
	if err != nil {
		s.failBeforeRunning(runID, errors.Wrap(err, "allocate workspace"))
		return
	}

	b := s.newBackend()
	ar := &activeRun{backend: b, cancel: cancel}
	s.mu.Lock()
	s.active[runID] = ar
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, runID)
		s.mu.Unlock()
	}()

	startedAt := time.Now()
	transitioned := s.transition(runID, models.PendingRunStatus, func(r *models.Run) {
		r.Status = models.RunningRunStatus
		r.StartedAt = &startedAt
		r.WorkspacePath = ws.Path
		r.WorkspaceBranch = ws.Branch
	})
	if !transitioned {
		// The run left PENDING behind our back; end its log so open streams
		// terminate instead of waiting on entries that will never come
		s.logs.Close(runID)
		s.releaseWorkspace(ar, runID)
		return
	}

	events, err := b.Execute(ctx, ws, models.RunRequest{
		Message:    run.Message,
		MaxTurns:   run.MaxTurns,
		Timeout:    timeout,
		BaseBranch: run.BaseBranch,
		SessionID:  run.SessionID,
	})
	if err != nil {
		s.finishRun(ar, runID, startedAt, 0, nil, errors.Wrap(backend.ErrStartFailed, err.Error()), false)
		return
	}

	if ref := b.Ref(); ref != "" {
		s.transition(runID, models.RunningRunStatus, func(r *models.Run) {
			r.BackendRef = ref
		})
	}

	// Preemptive timeout: kill the backend the moment the deadline fires
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.logger.Infof("Run %s hit its %s timeout, terminating backend", runID, timeout)
				_ = b.Terminate()
			}
		case <-watchDone:
		}
	}()

	turns := 0
	var completion map[string]interface{}
	var runErr error
	for ev := range events {
		if _, appendErr := s.logs.Append(runID, ev.Type, ev.Data); appendErr != nil {
			s.logger.Errorf("Run %s: failed to append %s log entry: %v", runID, ev.Type, appendErr)
		}
		s.workspaces.Touch(runID)
		switch ev.Type {
		case models.ProgressEvent:
			turns++
		case models.CompletionEvent:
			completion = ev.Data
		case models.ErrorEvent:
			if msg, ok := ev.Data["error"].(string); ok {
				runErr = errors.Wrap(backend.ErrRuntime, msg)
			} else {
				runErr = backend.ErrRuntime
			}
		}
	}
	close(watchDone)

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded) && completion == nil
	s.finishRun(ar, runID, startedAt, turns, completion, runErr, timedOut)
}

// failBeforeRunning terminates a run that never left PENDING.
func (s *RunService) failBeforeRunning(runID string, cause error) {
	s.logger.Errorf("Run %s failed before running: %v", runID, cause)
	if _, err := s.logs.Append(runID, models.ErrorEvent, map[string]interface{}{"error": cause.Error()}); err != nil {
		s.logger.Errorf("Run %s: failed to append allocation error: %v", runID, err)
	}
	s.logs.Close(runID)
	now := time.Now()
	s.transition(runID, models.PendingRunStatus, func(r *models.Run) {
		r.Status = models.FailedRunStatus
		r.ErrorMsg = cause.Error()
		r.FinishedAt = &now
	})
}

// finishRun is the internal completion handler: it computes metrics, settles
// the terminal status, appends the final log entry, and deallocates the
// workspace exactly once.
func (s *RunService) finishRun(ar *activeRun, runID string, startedAt time.Time, turns int, completion map[string]interface{}, runErr error, timedOut bool) {
	finishedAt := time.Now()
	elapsed := finishedAt.Sub(startedAt).Seconds()

	status := models.CompletedRunStatus
	errMsg := ""
	switch {
	case completion != nil:
		// Clean exit wins even if the deadline fired during drain
	case timedOut:
		status = models.TimedOutRunStatus
		errMsg = ErrTimeoutExceeded.Error()
		if _, err := s.logs.Append(runID, models.ErrorEvent, map[string]interface{}{"error": errMsg}); err != nil {
			s.logger.Errorf("Run %s: failed to append timeout entry: %v", runID, err)
		}
	case runErr != nil:
		status = models.FailedRunStatus
		errMsg = runErr.Error()
	default:
		status = models.FailedRunStatus
		errMsg = "backend exited without a completion event"
		if _, err := s.logs.Append(runID, models.ErrorEvent, map[string]interface{}{"error": errMsg}); err != nil {
			s.logger.Errorf("Run %s: failed to append final error entry: %v", runID, err)
		}
	}
	s.logs.Close(runID)

	var cost *float64
	if completion != nil {
		if v, ok := completion["cost_usd"].(float64); ok {
			cost = &v
		}
	}

	s.transition(runID, models.RunningRunStatus, func(r *models.Run) {
		r.Status = status
		r.ErrorMsg = errMsg
		r.FinishedAt = &finishedAt
		r.ElapsedSeconds = &elapsed
		r.TurnCount = &turns
		r.CostEstimate = cost
	})
	s.releaseWorkspace(ar, runID)
	s.logger.Infof("Run %s finished with status %s after %.1fs (%d turns)", runID, status, elapsed, turns)
}

// releaseWorkspace deallocates at most once per run; a second attempt is a no-op.
func (s *RunService) releaseWorkspace(ar *activeRun, runID string) {
	ar.deallocOnce.Do(func() {
		s.workspaces.Deallocate(runID)
	})
}

// transition applies mutate to the run iff its current status matches `from`.
// Status edges are monotonic: nothing leaves a terminal state.
func (s *RunService) transition(runID string, from models.RunStatus, mutate func(*models.Run)) bool {
	txStore, err := s.store.Begin()
	if err != nil {
		s.logger.Errorf("Run %s: failed to begin transaction: %v", runID, err)
		return false
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			s.logger.Errorf("Run %s: failed to rollback: %v", runID, rollbackErr)
		}
	}()

	run, err := txStore.GetRun(runID)
	if err != nil {
		s.logger.Errorf("Run %s: failed to load for transition: %v", runID, err)
		return false
	}
	if run.Status != from || run.Status.Terminal() {
		return false
	}
	mutate(&run)
	if err := txStore.UpdateRun(run); err != nil {
		s.logger.Errorf("Run %s: failed to update: %v", runID, err)
		return false
	}
	if err := txStore.Commit(); err != nil {
		s.logger.Errorf("Run %s: failed to commit transition: %v", runID, err)
		return false
	}
	committed = true
	return true
}

// Snapshot is the status-query view of a run.
type Snapshot struct {
	Run models.Run        `json:"run"`
	Log []models.LogEntry `json:"log,omitempty"`
}

// GetStatus returns the run's latest known state, optionally with its
// accumulated log (bounded to the last logLimit entries when logLimit > 0).
func (s *RunService) GetStatus(runID string, includeLog bool, logLimit int) (Snapshot, error) {
	run, err := s.store.GetRun(runID)
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, errors.Wrapf(ErrRunNotFound, "'%s'", runID)
	}
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Run: run}
	if includeLog {
		entries, err := s.logs.ReadAll(runID)
		if err != nil {
			return Snapshot{}, errors.Wrap(err, "read run log")
		}
		if logLimit > 0 && len(entries) > logLimit {
			entries = entries[len(entries)-logLimit:]
		}
		snap.Log = entries
	}
	return snap, nil
}

// InjectMessage validates and forwards a control message to the run's active
// backend. Fire-and-forget: it never blocks waiting for the backend to
// consume the message, and rejected messages are not persisted.
func (s *RunService) InjectMessage(runID string, kind models.MessageKind, body string) (models.InjectedMessage, error) {
	msg, err := protocol.Normalize(kind, body)
	if err != nil {
		return models.InjectedMessage{}, err
	}

	run, err := s.store.GetRun(runID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.InjectedMessage{}, errors.Wrapf(ErrRunNotFound, "'%s'", runID)
	}
	if err != nil {
		return models.InjectedMessage{}, err
	}
	if run.Status != models.RunningRunStatus {
		return models.InjectedMessage{}, errors.Wrapf(ErrRunNotRunning, "run %s is %s", runID, run.Status)
	}

	s.mu.RLock()
	ar, ok := s.active[runID]
	s.mu.RUnlock()
	if !ok {
		return models.InjectedMessage{}, errors.Wrapf(ErrRunNotRunning, "run %s has no active backend", runID)
	}
	if err := ar.backend.SendInput(msg); err != nil {
		if errors.Is(err, backend.ErrNotExecuting) {
			// The backend wound down between the status check and the send
			return models.InjectedMessage{}, errors.Wrapf(ErrRunNotRunning, "run %s backend is not accepting input", runID)
		}
		return models.InjectedMessage{}, err
	}

	s.logger.Infof("Injected %s message into run %s", msg.Type, runID)
	return models.InjectedMessage{
		RunID:      runID,
		Kind:       msg.Type,
		Body:       msg.Message,
		AcceptedAt: time.Now(),
	}, nil
}

// StreamLog returns the run's live log stream (history, then tail).
func (s *RunService) StreamLog(ctx context.Context, runID string) (<-chan models.LogEntry, error) {
	if _, err := s.store.GetRun(runID); errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrapf(ErrRunNotFound, "'%s'", runID)
	} else if err != nil {
		return nil, err
	}
	return s.logs.Stream(ctx, runID)
}

func (s *RunService) ListRuns() ([]models.Run, error) {
	return s.store.ListRuns()
}

func (s *RunService) ListWorkflows() ([]models.WorkflowDefinition, error) {
	return s.store.ListWorkflows()
}

// Stop terminates every active backend and waits for in-flight runs to settle.
func (s *RunService) Stop() {
	s.mu.RLock()
	for runID, ar := range s.active {
		s.logger.Infof("Stopping active run %s", runID)
		_ = ar.backend.Terminate()
		ar.cancel()
	}
	s.mu.RUnlock()
	s.wg.Wait()
}
