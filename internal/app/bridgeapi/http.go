package bridgeapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/todo-1m/taskbridge/internal/app/dispatch"
	"github.com/todo-1m/taskbridge/internal/contracts"
	platformauth "github.com/todo-1m/taskbridge/internal/platform/auth"
	"github.com/todo-1m/taskbridge/internal/platform/metrics"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	Service *dispatch.Service
	APIKey  platformauth.APIKeyChecker
	Metrics *metrics.Registry
	// Ready backs /readyz; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger zerolog.Logger
}

func NewHandler(service *dispatch.Service, apiKey platformauth.APIKeyChecker, registry *metrics.Registry, logger zerolog.Logger) *Handler {
	return &Handler{
		Service: service,
		APIKey:  apiKey,
		Metrics: registry,
		Logger:  logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	r.Get("/health", h.handleHealth)
	r.Get("/status", h.handleStatus)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	r.Post("/device/register", h.handleRegister)
	r.Post("/device/result", h.handleReportResult)
	r.Get("/device/commands/{userID}", h.handlePoll)

	r.Group(func(toolR chi.Router) {
		toolR.Use(h.apiKeyMiddleware)
		toolR.Post("/tool/tasks", h.handleDispatch)
		toolR.Get("/tool/result/{commandID}", h.handleGetResult)
		toolR.Get("/tool/schema", h.handleSchema)
	})

	return r
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req contracts.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.Service.Register(r.Context(), req); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Device registered successfully"})
}

func (h *Handler) handleReportResult(w http.ResponseWriter, r *http.Request) {
	var req contracts.ReportRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Service.ReportResult(r.Context(), req); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	commands, err := h.Service.Poll(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, contracts.PollResponse{Commands: commands})
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req contracts.DispatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.Service.Dispatch(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.Service.GetResult(r.Context(), chi.URLParam(r, "commandID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSchema(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, NewToolSchema())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Health(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Status(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	h.handleHealthz(w, r)
}

func (h *Handler) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.APIKey.Check(r.Header.Get("Authorization")); err != nil {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNotRegistered):
		h.writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "No registered device",
			"hint":  dispatch.NotRegisteredHint,
		})
	case errors.Is(err, dispatch.ErrResultNotReady):
		h.writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "Result not available yet",
			"status": "pending",
		})
	default:
		h.Logger.Error().Err(err).Msg("request failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
