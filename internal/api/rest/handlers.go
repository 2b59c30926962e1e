package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/avollmer/clockout/internal/pipeline"
	"github.com/avollmer/clockout/internal/timer"
)

// State is what the host UI needs to re-render after a reconnect.
type State struct {
	Workspace string `json:"workspace,omitempty"`
	Branch    string `json:"branch,omitempty"`
	TicketKey string `json:"ticket_key,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Time      string `json:"time"`
	IsRunning bool   `json:"isRunning"`
}

// Service is the daemon surface the handlers drive.
type Service interface {
	StartTimer() error
	StopTimer()
	ResumeTimer() error
	ResetTimer()
	State() State
	SubmitTimer(description string) (*pipeline.Result, error)
	LogManual(ticketKey, duration, description string) (*pipeline.Result, error)
}

// Handler serves the host UI command API.
type Handler struct {
	service Service
	events  *Broadcaster
	logger  *zap.Logger
}

// NewHandler creates a REST handler.
func NewHandler(service Service, events *Broadcaster, logger *zap.Logger) *Handler {
	return &Handler{service: service, events: events, logger: logger}
}

// ManualLogRequest is the manualTimeLog command body.
type ManualLogRequest struct {
	TicketKey   string `json:"ticket_key"`
	Duration    string `json:"duration"`
	Description string `json:"description,omitempty"`
}

// SubmitRequest is the submitTime command body.
type SubmitRequest struct {
	Description string `json:"description,omitempty"`
}

// LogResponse reports a pipeline run to the host.
type LogResponse struct {
	TicketKey          string `json:"ticket_key"`
	Minutes            int    `json:"minutes"`
	PrimarySucceeded   bool   `json:"primary_succeeded"`
	SecondarySucceeded bool   `json:"secondary_succeeded"`
	SecondaryError     string `json:"secondary_error,omitempty"`
	UsedFallback       bool   `json:"used_fallback,omitempty"`
}

// RegisterRoutes mounts the command API.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/timer/start", h.StartTimer)
	r.Post("/timer/stop", h.StopTimer)
	r.Post("/timer/resume", h.ResumeTimer)
	r.Post("/timer/reset", h.ResetTimer)
	r.Post("/log/submit", h.SubmitTime)
	r.Post("/log/manual", h.ManualTimeLog)
	r.Get("/state", h.GetState)
	r.Get("/events", h.events.ServeHTTP)
}

// StartTimer handles POST /timer/start.
func (h *Handler) StartTimer(w http.ResponseWriter, r *http.Request) {
	if err := h.service.StartTimer(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, h.service.State())
}

// StopTimer handles POST /timer/stop.
func (h *Handler) StopTimer(w http.ResponseWriter, r *http.Request) {
	h.service.StopTimer()
	h.writeJSON(w, h.service.State())
}

// ResumeTimer handles POST /timer/resume.
func (h *Handler) ResumeTimer(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ResumeTimer(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, h.service.State())
}

// ResetTimer handles POST /timer/reset.
func (h *Handler) ResetTimer(w http.ResponseWriter, r *http.Request) {
	h.service.ResetTimer()
	h.writeJSON(w, h.service.State())
}

// SubmitTime handles POST /log/submit: stop the timer and push its elapsed
// time through the dual logging pipeline.
func (h *Handler) SubmitTime(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if r.Body != nil {
		// Body is optional for this command.
		json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := h.service.SubmitTimer(req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, toLogResponse(result))
}

// ManualTimeLog handles POST /log/manual.
func (h *Handler) ManualTimeLog(w http.ResponseWriter, r *http.Request) {
	var req ManualLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.service.LogManual(req.TicketKey, req.Duration, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, toLogResponse(result))
}

// GetState handles GET /state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.service.State())
}

func toLogResponse(result *pipeline.Result) LogResponse {
	return LogResponse{
		TicketKey:          result.TicketKey,
		Minutes:            result.Minutes,
		PrimarySucceeded:   result.PrimarySucceeded,
		SecondarySucceeded: result.SecondarySucceeded,
		SecondaryError:     result.SecondaryError,
		UsedFallback:       result.UsedFallback,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, timer.ErrTimerRunning),
		errors.Is(err, pipeline.ErrLogInFlight):
		status = http.StatusConflict
	case errors.Is(err, timer.ErrNoTicket),
		errors.Is(err, timer.ErrNothingToResume),
		errors.Is(err, pipeline.ErrInvalidDuration):
		status = http.StatusBadRequest
	case errors.Is(err, timer.ErrNotAuthenticated),
		errors.Is(err, pipeline.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, pipeline.ErrTicketNotFound):
		status = http.StatusNotFound
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
