// Package http exposes deployment requests, run history, health and
// metrics over HTTP.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"webdeploy/pkg/config"
	"webdeploy/pkg/history"
	"webdeploy/pkg/logger"
	"webdeploy/pkg/queue"
)

const (
	requestTimeout = 30 * time.Second
	defaultLimit   = 20
	maxLimit       = 200
)

type DeployPublisher interface {
	PublishDeploy(ctx context.Context, payload queue.DeployPayload) (*asynq.TaskInfo, error)
}

type HistoryReader interface {
	List(ctx context.Context, profile string, limit int) ([]history.Record, error)
	Latest(ctx context.Context, profile string) (*history.Record, error)
}

type HTTPHandler struct {
	publisher DeployPublisher
	history   HistoryReader
	gatherer  prometheus.Gatherer
	logger    *logger.Logger
}

type DeployRequest struct {
	Profile     string `json:"profile"`
	SkipBuild   bool   `json:"skip_build"`
	Maintenance *bool  `json:"maintenance,omitempty"`
}

type DeployResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Queue   string `json:"queue,omitempty"`
	Error   string `json:"error,omitempty"`
}

type HistoryResponse struct {
	Profile string           `json:"profile"`
	Runs    []history.Record `json:"runs"`
}

// NewHTTPHandler builds the handler. A nil gatherer leaves /metrics out.
func NewHTTPHandler(publisher DeployPublisher, hist HistoryReader, gatherer prometheus.Gatherer, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		publisher: publisher,
		history:   hist,
		gatherer:  gatherer,
		logger:    logger.OrDefault(log),
	}
}

func (h *HTTPHandler) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(h.logRequests)

	r.Get("/healthz", h.HealthHandler)
	r.Post("/deployments", h.DeployHandler)
	r.Get("/deployments/{profile}", h.HistoryHandler)
	r.Get("/deployments/{profile}/latest", h.LatestHandler)

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *HTTPHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			h.logger.Debug("http request", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
		}()

		next.ServeHTTP(ww, r)
	})
}

func (h *HTTPHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) DeployHandler(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendErrorResponse(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if req.Profile == "" {
		h.sendErrorResponse(w, http.StatusBadRequest, "profile is required")
		return
	}

	info, err := h.publisher.PublishDeploy(r.Context(), queue.DeployPayload{
		Profile:     req.Profile,
		SkipBuild:   req.SkipBuild,
		Maintenance: req.Maintenance,
	})
	if err != nil {
		if errors.Is(err, config.ErrProfileNotFound) {
			h.sendErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("failed to publish deployment", err, map[string]any{
			"profile": req.Profile,
		})
		h.sendErrorResponse(w, http.StatusInternalServerError, "failed to enqueue deployment")
		return
	}

	h.logger.Info("deployment requested via HTTP", map[string]any{
		"profile": req.Profile,
		"task_id": info.ID,
	})

	h.writeJSON(w, http.StatusAccepted, DeployResponse{
		Success: true,
		Message: "deployment enqueued",
		TaskID:  info.ID,
		Queue:   info.Queue,
	})
}

func (h *HTTPHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	profile := chi.URLParam(r, "profile")

	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			h.sendErrorResponse(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxLimit))
			return
		}
		limit = n
	}

	runs, err := h.history.List(r.Context(), profile, limit)
	if err != nil {
		h.logger.Error("failed to read deployment history", err, map[string]any{"profile": profile})
		h.sendErrorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, HistoryResponse{Profile: profile, Runs: runs})
}

func (h *HTTPHandler) LatestHandler(w http.ResponseWriter, r *http.Request) {
	profile := chi.URLParam(r, "profile")

	run, err := h.history.Latest(r.Context(), profile)
	if err != nil {
		h.logger.Error("failed to read latest deployment", err, map[string]any{"profile": profile})
		h.sendErrorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if run == nil {
		h.sendErrorResponse(w, http.StatusNotFound, "no deployments recorded for "+profile)
		return
	}

	h.writeJSON(w, http.StatusOK, run)
}

func (h *HTTPHandler) sendErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, DeployResponse{
		Success: false,
		Error:   message,
	})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", err, nil)
	}
}
