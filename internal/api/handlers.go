// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package api provides the server's HTTP surface using the Chi router:
// batch ingestion, the websocket push channel, pending tasks, a catch-up
// read path, health probes, and Prometheus metrics.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/fieldtrace/internal/config"
	"github.com/tomtom215/fieldtrace/internal/gateway"
	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/models"
	"github.com/tomtom215/fieldtrace/internal/tasks"
	"github.com/tomtom215/fieldtrace/internal/ws"
)

// Handler holds the dependencies of all HTTP handlers.
type Handler struct {
	cfg      *config.ServerConfig
	gateway  *gateway.Gateway
	store    *gateway.Store
	registry *tasks.Registry
	hub      *ws.Hub
}

// NewHandler wires the handler set. hub may be nil; websocket connections
// are then refused with 503.
func NewHandler(cfg *config.ServerConfig, gw *gateway.Gateway, store *gateway.Store, registry *tasks.Registry, hub *ws.Hub) *Handler {
	return &Handler{
		cfg:      cfg,
		gateway:  gw,
		store:    store,
		registry: registry,
		hub:      hub,
	}
}

// IngestBatch handles POST /api/v1/events/batch.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var req models.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON", err)
		return
	}

	if h.cfg != nil && len(req.Events) > h.cfg.MaxBatchSize {
		respondError(w, http.StatusBadRequest, "BATCH_TOO_LARGE", "batch exceeds the maximum size", nil)
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondJSON(w, http.StatusBadRequest, &models.APIResponse{
			Status:   "error",
			Metadata: models.Metadata{Timestamp: time.Now().UTC()},
			Error:    apiErr,
		})
		return
	}

	resp, err := h.gateway.Ingest(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to persist batch", err)
		return
	}

	respondJSON(w, http.StatusOK, models.NewSuccessResponse(resp))
}

// RecentEvents handles GET /api/v1/events/recent. This is the backfill path
// for clients that were disconnected at publish time.
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := getIntParam(r, "limit", 100)
	if limit < 1 || limit > 1000 {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 1000", nil)
		return
	}

	events, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read events", err)
		return
	}

	respondJSON(w, http.StatusOK, models.NewSuccessResponse(map[string]interface{}{
		"events": events,
		"count":  len(events),
	}))
}

// WebSocket handles GET /api/v1/ws: upgrades the connection and registers a
// push session with the fan-out hub.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		logging.Warn().Msg("websocket connection rejected: hub not initialized")
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "push channel unavailable", nil)
		return
	}

	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade error")
		return
	}

	session := ws.NewSession(h.hub, conn)
	h.hub.Register <- session
	session.Start()
}

// getUpgrader creates a websocket upgrader with origin checking and a
// handshake timeout against slow clients.
func (h *Handler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin validates connection origins. Requests without an
// Origin header are allowed: scanners are not browsers and never send one.
// Browser connections must match the configured CORS origins.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.cfg == nil {
		return true
	}
	for _, allowed := range h.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("websocket connection rejected from unauthorized origin")
	return false
}

// ListTasks handles GET /api/v1/tasks.
func (h *Handler) ListTasks(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, models.NewSuccessResponse(models.TaskListResponse{
		Tasks: h.registry.Pending(),
	}))
}

// CreateTask handles POST /api/v1/tasks (operator-facing).
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var task models.PendingTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON", err)
		return
	}
	if apiErr := validateRequest(&task); apiErr != nil {
		respondJSON(w, http.StatusBadRequest, &models.APIResponse{
			Status:   "error",
			Metadata: models.Metadata{Timestamp: time.Now().UTC()},
			Error:    apiErr,
		})
		return
	}

	h.registry.Upsert(task)
	respondJSON(w, http.StatusCreated, models.NewSuccessResponse(task))
}

// CompleteTask handles POST /api/v1/tasks/{id}/complete.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "task id is required", nil)
		return
	}

	switch err := h.registry.Complete(id); {
	case err == nil:
		respondJSON(w, http.StatusOK, models.NewSuccessResponse(map[string]string{
			"id":     id,
			"status": string(models.TaskCompleted),
		}))
	case errors.Is(err, tasks.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "task not found", nil)
	case errors.Is(err, tasks.ErrTaskCompleted):
		respondError(w, http.StatusConflict, "CONFLICT", "task already completed", nil)
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to complete task", err)
	}
}

// HealthLive handles GET /api/v1/health/live: the process is up.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, models.NewSuccessResponse(map[string]string{"status": "alive"}))
}

// HealthReady handles GET /api/v1/health/ready: the event store answers.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "event store not ready", nil)
		return
	}
	count, err := h.store.Count(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "event store not ready", err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewSuccessResponse(map[string]interface{}{
		"status":           "ready",
		"persisted_events": count,
	}))
}
