// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/fieldtrace/internal/config"
)

// NewRouter builds the full HTTP route tree around the handler set.
func NewRouter(cfg *config.ServerConfig, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	origins := []string{"*"}
	if cfg != nil && len(cfg.CORSOrigins) > 0 {
		origins = cfg.CORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	rateReqs := 300
	rateWindow := time.Minute
	if cfg != nil && cfg.RateLimitReqs > 0 {
		rateReqs = cfg.RateLimitReqs
		if cfg.RateLimitWindow > 0 {
			rateWindow = cfg.RateLimitWindow
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health probes are exempt from rate limiting so orchestrators
		// never see spurious 429s.
		r.Get("/health/live", h.HealthLive)
		r.Get("/health/ready", h.HealthReady)

		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(
				rateReqs,
				rateWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
			))

			r.Post("/events/batch", h.IngestBatch)
			r.Get("/events/recent", h.RecentEvents)
			r.Get("/ws", h.WebSocket)

			r.Get("/tasks", h.ListTasks)
			r.Post("/tasks", h.CreateTask)
			r.Post("/tasks/{id}/complete", h.CompleteTask)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
