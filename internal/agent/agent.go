// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package agent is the scanner's loopback control API. The reader
// integration and the operator UI talk to it locally: capture a tag read,
// list cached tasks, complete a task, force a sync, inspect queue health.
// Every operation works offline except task completion, which requires a
// live link by design.
package agent

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/tomtom215/fieldtrace/internal/capture"
	"github.com/tomtom215/fieldtrace/internal/connectivity"
	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/models"
	"github.com/tomtom215/fieldtrace/internal/queue"
	"github.com/tomtom215/fieldtrace/internal/tasks"
)

// Syncer is the sync engine surface the agent needs.
type Syncer interface {
	Trigger()
}

// Agent bundles the scanner components behind the local HTTP API.
type Agent struct {
	capturer *capture.Capturer
	queue    *queue.Queue
	cache    *tasks.Cache
	monitor  *connectivity.Monitor
	syncer   Syncer
	clientID string
}

// New wires the agent. All collaborators are required.
func New(capturer *capture.Capturer, q *queue.Queue, cache *tasks.Cache, monitor *connectivity.Monitor, syncer Syncer, clientID string) *Agent {
	return &Agent{
		capturer: capturer,
		queue:    q,
		cache:    cache,
		monitor:  monitor,
		syncer:   syncer,
		clientID: clientID,
	}
}

// Router builds the loopback route tree. No CORS or rate limiting: the
// listener binds to loopback only.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/capture", a.handleCapture)
		r.Post("/sync", a.handleSyncNow)
		r.Get("/tasks", a.handleListTasks)
		r.Post("/tasks/{id}/complete", a.handleCompleteTask)
		r.Get("/status", a.handleStatus)
		r.Get("/deadletters", a.handleDeadLetters)
	})

	return r
}

// CaptureRequest is one tag read from the reader integration.
type CaptureRequest struct {
	TagID  string        `json:"tag_id"`
	Action models.Action `json:"action"`
}

func (a *Agent) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
		return
	}

	event, err := a.capturer.Capture(r.Context(), req.TagID, req.Action)
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrEmptyTagID),
		errors.Is(err, capture.ErrTagIDTooLong),
		errors.Is(err, capture.ErrInvalidAction):
		a.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	default:
		logging.Error().Err(err).Msg("capture failed")
		a.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to queue capture")
		return
	}

	// Nudge the engine; offline runs are a cheap no-op and rapid
	// captures coalesce into one extra pass.
	a.syncer.Trigger()

	a.respondJSON(w, http.StatusCreated, models.NewSuccessResponse(event))
}

func (a *Agent) handleSyncNow(w http.ResponseWriter, _ *http.Request) {
	a.syncer.Trigger()
	a.respondJSON(w, http.StatusAccepted, models.NewSuccessResponse(map[string]string{
		"status": "sync scheduled",
	}))
}

func (a *Agent) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := a.cache.List(r.Context())
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read task cache")
		return
	}
	a.respondJSON(w, http.StatusOK, models.NewSuccessResponse(models.TaskListResponse{Tasks: list}))
}

func (a *Agent) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	switch err := a.cache.Complete(r.Context(), id); {
	case err == nil:
		a.respondJSON(w, http.StatusOK, models.NewSuccessResponse(map[string]string{
			"id":     id,
			"status": string(models.TaskCompleted),
		}))
	case errors.Is(err, tasks.ErrOffline):
		a.respondError(w, http.StatusServiceUnavailable, "OFFLINE", "task completion requires connectivity")
	default:
		logging.Warn().Err(err).Str("task_id", id).Msg("task completion failed")
		a.respondError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
	}
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := a.queue.Len(r.Context())
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read queue")
		return
	}
	dead, err := a.queue.DeadLetterCount(r.Context())
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read dead letters")
		return
	}

	a.respondJSON(w, http.StatusOK, models.NewSuccessResponse(map[string]interface{}{
		"client_id":    a.clientID,
		"connectivity": string(a.monitor.State()),
		"queue_depth":  depth,
		"dead_letters": dead,
	}))
}

func (a *Agent) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := a.queue.DeadLetters(r.Context())
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read dead letters")
		return
	}
	a.respondJSON(w, http.StatusOK, models.NewSuccessResponse(map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	}))
}

func (a *Agent) respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logging.Error().Err(err).Msg("Failed to encode agent response")
	}
}

func (a *Agent) respondError(w http.ResponseWriter, status int, code, message string) {
	a.respondJSON(w, status, &models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error:    &models.APIError{Code: code, Message: message},
	})
}
