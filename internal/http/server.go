package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/namastexlabs/automagik-sub005/internal/log"
	"github.com/namastexlabs/automagik-sub005/pkg/catalog"
	"github.com/namastexlabs/automagik-sub005/pkg/models"
	"github.com/namastexlabs/automagik-sub005/pkg/protocol"
	"github.com/namastexlabs/automagik-sub005/pkg/service"
	"github.com/namastexlabs/automagik-sub005/pkg/workspace"
	"github.com/pkg/errors"
)

// StartServer wires the run control surface and blocks serving it.
func StartServer(port string, svc *service.RunService, cat *catalog.Service, reaper *workspace.Reaper) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/runs", RunsHandler(svc))
	mux.HandleFunc("/runs/", RunByIDHandler(svc))
	mux.HandleFunc("/workflows", WorkflowsHandler(svc))
	mux.HandleFunc("/workflows/sync", SyncHandler(cat))
	mux.HandleFunc("/reap", ReapHandler(reaper))

	log.GetLogger().Infof("Starting run engine server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Run engine is running")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrRunNotFound), errors.Is(err, service.ErrUnknownWorkflow):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrInvalidMessage):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrRunNotRunning):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// startRunRequest is the POST /runs payload
type startRunRequest struct {
	WorkflowName   string `json:"workflow_name"`
	Message        string `json:"message"`
	MaxTurns       int    `json:"max_turns,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	BaseBranch     string `json:"base_branch,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

func RunsHandler(svc *service.RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runs, err := svc.ListRuns()
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, runs)
		case http.MethodPost:
			var req startRunRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
				return
			}
			runID, err := svc.StartRun(req.WorkflowName, models.RunRequest{
				Message:    req.Message,
				MaxTurns:   req.MaxTurns,
				Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
				BaseBranch: req.BaseBranch,
				SessionID:  req.SessionID,
			})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// injectRequest is the POST /runs/{id}/inject payload, the same record shape
// as one control line.
type injectRequest struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func RunByIDHandler(svc *service.RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/runs/")
		parts := strings.SplitN(rest, "/", 2)
		runID := parts[0]
		if runID == "" {
			http.NotFound(w, r)
			return
		}
		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			includeLog := r.URL.Query().Get("log") == "true"
			limit, _ := strconv.Atoi(r.URL.Query().Get("log_limit"))
			snap, err := svc.GetStatus(runID, includeLog, limit)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		case action == "inject" && r.Method == http.MethodPost:
			var req injectRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
				return
			}
			msg, err := svc.InjectMessage(runID, models.MessageKind(req.Type), req.Message)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, msg)
		case action == "logs" && r.Method == http.MethodGet:
			snap, err := svc.GetStatus(runID, true, 0)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, snap.Log)
		case action == "logs/stream" && r.Method == http.MethodGet:
			streamLog(w, r, svc, runID)
		default:
			http.NotFound(w, r)
		}
	}
}

// streamLog writes the run's log as NDJSON, flushing entry by entry until the
// run's terminal entry has been delivered.
func streamLog(w http.ResponseWriter, r *http.Request, svc *service.RunService, runID string) {
	entries, err := svc.StreamLog(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return
		}
		flusher.Flush()
	}
}

func WorkflowsHandler(svc *service.RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		workflows, err := svc.ListWorkflows()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	}
}

func SyncHandler(cat *catalog.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report, err := cat.Sync()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func ReapHandler(reaper *workspace.Reaper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		maxAge := 48 * time.Hour
		if raw := r.URL.Query().Get("max_age"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid max_age"})
				return
			}
			maxAge = parsed
		}
		dryRun := r.URL.Query().Get("dry_run") != "false"
		report, err := reaper.Reap(r.Context(), maxAge, dryRun)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
