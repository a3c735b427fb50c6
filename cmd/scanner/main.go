// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Command scanner runs the field-unit agent: captures tag reads into the
// durable local queue, syncs them to the server whenever connectivity
// allows, caches pending tasks for offline reads, and listens on the
// server's push channel. A loopback control API exposes capture, task,
// and queue-health operations to the local reader integration.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/fieldtrace/internal/agent"
	"github.com/tomtom215/fieldtrace/internal/capture"
	"github.com/tomtom215/fieldtrace/internal/config"
	"github.com/tomtom215/fieldtrace/internal/connectivity"
	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/queue"
	"github.com/tomtom215/fieldtrace/internal/supervisor"
	"github.com/tomtom215/fieldtrace/internal/supervisor/services"
	"github.com/tomtom215/fieldtrace/internal/syncengine"
	"github.com/tomtom215/fieldtrace/internal/tasks"
	"github.com/tomtom215/fieldtrace/internal/transport"
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

	clientID, err := ensureClientID(&cfg.Scanner)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to establish client id")
	}

	logging.Info().
		Str("client_id", clientID).
		Str("server_url", cfg.Scanner.ServerURL).
		Str("queue_path", cfg.Scanner.QueuePath).
		Msg("Starting FieldTrace scanner")

	queueCfg := queue.DefaultConfig()
	queueCfg.Path = cfg.Scanner.QueuePath
	queueCfg.DeadLetterMax = cfg.Scanner.DeadLetterMax
	q, err := queue.Open(&queueCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open local queue")
	}
	defer func() {
		if err := q.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing local queue")
		}
	}()

	// Start offline; the first successful probe flips the state and
	// triggers an immediate sync.
	monitor := connectivity.NewMonitor(connectivity.Offline)
	prober := connectivity.NewHTTPProber(strings.TrimRight(cfg.Scanner.ServerURL, "/"), cfg.Scanner.RequestTimeout)
	watcher := connectivity.NewWatcher(monitor, prober, cfg.Scanner.ProbeInterval)

	client := transport.NewBreakerClient(transport.NewClient(&cfg.Scanner))

	engine := syncengine.New(q, monitor, client, syncengine.Config{
		ClientID:       clientID,
		BatchSize:      cfg.Scanner.BatchSize,
		SyncInterval:   cfg.Scanner.SyncInterval,
		BackoffInitial: cfg.Scanner.BackoffInitial,
		BackoffMax:     cfg.Scanner.BackoffMax,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to start sync engine")
	}
	defer engine.Stop()

	// Online transitions fire synchronously; the coalescing trigger keeps
	// a flapping link from stacking runs.
	sub := monitor.Subscribe(func(state connectivity.State) {
		if state == connectivity.Online {
			engine.Trigger()
		}
	})
	defer sub.Unsubscribe()

	cache := tasks.NewCache(q.DB(), client, monitor)
	capturer := capture.New(q, nil, cfg.Scanner.PositionTimeout)

	listener := ws.NewListener(cfg.Scanner.ServerURL, cfg.Scanner.BearerToken)
	listener.OnReconnect = func() {
		// Pushes missed while disconnected: refresh tasks and re-sync.
		if err := cache.Refresh(ctx); err != nil && !errors.Is(err, tasks.ErrOffline) {
			logging.Warn().Err(err).Msg("task refresh after reconnect failed")
		}
		engine.Trigger()
	}

	localAPI := agent.New(capturer, q, cache, monitor, engine, clientID)
	server := &http.Server{
		Addr:         cfg.Scanner.LocalAddr,
		Handler:      localAPI.Router(),
		ReadTimeout:  cfg.Scanner.RequestTimeout,
		WriteTimeout: cfg.Scanner.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	tree := supervisor.NewTree("fieldtrace-scanner", logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	})
	tree.AddBackgroundService(watcher)
	tree.AddBackgroundService(listener)
	tree.AddBackgroundService(services.NewTaskRefreshService(cache, cfg.Scanner.TaskRefreshInterval))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("Local control API service added")

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

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Scanner stopped gracefully")
}

// ensureClientID returns the configured client id, or generates one and
// persists it next to the queue so the identity survives restarts.
func ensureClientID(cfg *config.ScannerConfig) (string, error) {
	if cfg.ClientID != "" {
		return cfg.ClientID, nil
	}

	idPath := filepath.Join(filepath.Dir(cfg.QueuePath), "client_id")
	if data, err := os.ReadFile(idPath); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := "scanner-" + uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(idPath), 0o750); err != nil {
		return "", fmt.Errorf("create client id directory: %w", err)
	}
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist client id: %w", err)
	}
	logging.Info().Str("client_id", id).Str("path", idPath).Msg("Generated new client id")
	return id, nil
}
