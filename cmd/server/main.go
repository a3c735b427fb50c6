// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Command server runs the FieldTrace ingestion gateway: it accepts event
// batches from scanners, persists them idempotently, fans accepted events
// out to websocket subscribers, and serves the pending-task registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/fieldtrace/internal/api"
	"github.com/tomtom215/fieldtrace/internal/config"
	"github.com/tomtom215/fieldtrace/internal/gateway"
	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/supervisor"
	"github.com/tomtom215/fieldtrace/internal/supervisor/services"
	"github.com/tomtom215/fieldtrace/internal/tasks"
	"github.com/tomtom215/fieldtrace/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("store_path", cfg.Server.StorePath).
		Msg("Starting FieldTrace server")

	store, err := gateway.OpenStore(cfg.Server.StorePath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open event store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event store")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog.
	tree := supervisor.NewTree("fieldtrace-server", logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	})

	// The hub must exist before the gateway so ingest can broadcast.
	hub := ws.NewHub()
	gw := gateway.New(store, hub)
	registry := tasks.NewRegistry(cfg.Server.TaskJanitorInterval)

	handler := api.NewHandler(&cfg.Server, gw, store, registry, hub)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(&cfg.Server, handler),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	tree.AddBackgroundService(services.NewHubService(hub))
	tree.AddBackgroundService(registry)
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain until the supervisor has fully stopped.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Server stopped gracefully")
}
