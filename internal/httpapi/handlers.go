// Package httpapi is the command-service's HTTP surface: submit a command,
// poll its status, inspect the dead-letter queue, and the health/metrics
// endpoints every teacher service carries. Grounded on it's
// internal/api/handlers (HealthResponse/HealthHandler shape) and
// cmd/command-service/handler.go's CommandRequest/HandleCommand, rewired
// from in-process command.Processor onto command.Bus.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linkmeAman/universal-middleware/internal/command"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/internal/dlq"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"go.uber.org/zap"
)

// HealthResponse mirrors handlers.HealthResponse.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services,omitempty"`
}

// HealthHandler checks every supplied dependency and reports "degraded"
// if any fail, same contract as handlers.HealthHandler.
func HealthHandler(version string, dependencies map[string]func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		services := make(map[string]string, len(dependencies))

		for name, check := range dependencies {
			if err := check(); err != nil {
				status = "degraded"
				services[name] = "unhealthy: " + err.Error()
			} else {
				services[name] = "healthy"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(HealthResponse{Status: status, Version: version, Services: services})
	}
}

// SubmitRequest is the body of POST /v1/commands.
type SubmitRequest struct {
	Name           string          `json:"name"`
	IdempotencyKey string          `json:"idempotencyKey"`
	BusinessKey    string          `json:"businessKey"`
	Payload        json.RawMessage `json:"payload"`
}

type SubmitResponse struct {
	CommandID string `json:"commandId"`
}

// CommandHandlers wires command.Bus and dlq.Store to chi routes.
type CommandHandlers struct {
	bus *command.Bus
	dlq dlq.Store
	log *logger.Logger
}

func NewCommandHandlers(bus *command.Bus, d dlq.Store, log *logger.Logger) *CommandHandlers {
	return &CommandHandlers{bus: bus, dlq: d, log: log}
}

func (h *CommandHandlers) Register(r chi.Router) {
	r.Post("/v1/commands", h.Submit)
	r.Get("/v1/commands/{commandID}", h.Status)
	r.Get("/v1/dlq", h.ListDLQ)
}

func (h *CommandHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.IdempotencyKey == "" {
		http.Error(w, "name and idempotencyKey are required", http.StatusBadRequest)
		return
	}

	id, err := h.bus.Accept(r.Context(), req.Name, req.IdempotencyKey, req.BusinessKey, req.Payload, nil)
	if err != nil {
		if errors.Is(err, coreerrs.ErrDuplicateIdempotencyKey) {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"error": "duplicate idempotency key"})
			return
		}
		if errors.Is(err, coreerrs.ErrDuplicateBusinessKey) {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"error": "duplicate (name, business key)"})
			return
		}
		h.log.Error("submit command failed", zap.String("name", req.Name), zap.Error(err))
		http.Error(w, "failed to submit command", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitResponse{CommandID: id})
}

func (h *CommandHandlers) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "commandID")
	cmd, err := h.bus.Status(r.Context(), id)
	if err != nil {
		http.Error(w, "command not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cmd)
}

func (h *CommandHandlers) ListDLQ(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	entries, err := h.dlq.List(r.Context(), name, 100)
	if err != nil {
		http.Error(w, "failed to list dlq", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
