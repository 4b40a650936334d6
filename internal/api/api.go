// Package api provides the thin HTTP surface over the evaluation pipeline:
// triggering processing runs, inspecting the scheduler and error circuit, and
// reading performance statistics. It introduces no web framework — routing
// uses the standard library's method-pattern [http.ServeMux], matching the
// idiom already used for liveness/readiness registration in internal/health.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/merlin-platform/copywriting-evaluator/internal/app"
	"github.com/merlin-platform/copywriting-evaluator/internal/circuit"
	"github.com/merlin-platform/copywriting-evaluator/internal/orchestrator"
	"github.com/merlin-platform/copywriting-evaluator/internal/perf"
	"github.com/merlin-platform/copywriting-evaluator/internal/pipeline"
	"github.com/merlin-platform/copywriting-evaluator/internal/scheduler"
)

// appDependencies is the narrow surface the handler needs from *app.App. It
// is defined here, on the consumer side, so unit tests can exercise routing
// and request handling against fakes instead of a live *app.App.
type appDependencies interface {
	Orchestrator() *orchestrator.Orchestrator
	Circuit() *circuit.Circuit
	Scheduler() *scheduler.Scheduler
	Recorder() *perf.Recorder
}

// Handler serves the pipeline's HTTP API.
type Handler struct {
	app       appDependencies
	authToken string
}

// New creates an API Handler. authToken is the static bearer token required
// on every request; an empty token disables auth (intended for local/dev use
// only — main.go warns when this happens).
func New(a *app.App, authToken string) *Handler {
	return &Handler{app: a, authToken: authToken}
}

// Register attaches all API routes to mux, wrapped in the auth middleware.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /process", h.auth(h.handleProcess))
	mux.HandleFunc("GET /circuit", h.auth(h.handleCircuitStatus))
	mux.HandleFunc("POST /circuit/reset", h.auth(h.handleCircuitReset))
	mux.HandleFunc("GET /scheduler", h.auth(h.handleSchedulerStatus))
	mux.HandleFunc("POST /scheduler/run/{task}", h.auth(h.handleSchedulerForceRun))
	mux.HandleFunc("POST /scheduler/enable/{task}", h.auth(h.handleSchedulerSetEnabled(true)))
	mux.HandleFunc("POST /scheduler/disable/{task}", h.auth(h.handleSchedulerSetEnabled(false)))
	mux.HandleFunc("GET /statistics", h.auth(h.handleStatistics))
	mux.HandleFunc("GET /llm/usage", h.auth(h.handleLLMUsage))
}

// auth wraps a handler with bearer-token enforcement. No-op if authToken is empty.
func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.authToken == "" {
			next(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		if got != "Bearer "+h.authToken {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

// ── /process ─────────────────────────────────────────────────────────────────

type processRequest struct {
	Table       string   `json:"table"`
	IDs         []string `json:"ids,omitempty"`
	RestartFrom string   `json:"restart_from,omitempty"`
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	table := pipeline.Table(req.Table)
	if table != pipeline.TableResume && table != pipeline.TableCoverLetter {
		writeError(w, http.StatusBadRequest, "table must be \"resume\" or \"cover_letter\"")
		return
	}

	opts := orchestrator.Options{
		Table:       table,
		IDs:         req.IDs,
		RestartFrom: pipeline.Stage(req.RestartFrom),
	}

	stats, err := h.app.Orchestrator().Process(r.Context(), opts)
	if err != nil {
		slog.Error("process request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ── /circuit ─────────────────────────────────────────────────────────────────

func (h *Handler) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Circuit().Status())
}

func (h *Handler) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	h.app.Circuit().Reset()
	writeJSON(w, http.StatusOK, h.app.Circuit().Status())
}

// ── /scheduler ───────────────────────────────────────────────────────────────

func (h *Handler) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	running, tasks := h.app.Scheduler().Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"running": running,
		"tasks":   tasks,
	})
}

func (h *Handler) handleSchedulerForceRun(w http.ResponseWriter, r *http.Request) {
	task := r.PathValue("task")
	if err := h.app.Scheduler().ForceRunTask(r.Context(), task); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": task, "status": "started"})
}

func (h *Handler) handleSchedulerSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task := r.PathValue("task")
		if err := h.app.Scheduler().SetEnabled(task, enabled); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": task, "enabled": enabled})
	}
}

// ── /statistics ──────────────────────────────────────────────────────────────

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("hours"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			window = time.Duration(hours) * time.Hour
		}
	}

	perf, err := h.app.Recorder().OverallPerformanceSince(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window_hours": window.Hours(),
		"stages":       perf,
	})
}

// ── /llm/usage ───────────────────────────────────────────────────────────────

func (h *Handler) handleLLMUsage(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	errs, err := h.app.Recorder().RecentErrors(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recent_errors": errs})
}

// ── helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
