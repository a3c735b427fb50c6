// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package config loads layered configuration for both FieldTrace binaries
// using Koanf v2: struct defaults, then an optional YAML file, then
// environment variables. Precedence: ENV > file > defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration shared by the server and the scanner.
// Each binary reads only its own section plus Logging.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Scanner ScannerConfig `koanf:"scanner"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig configures the ingestion gateway and fan-out hub.
type ServerConfig struct {
	// Host and Port for the HTTP listener.
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// Timeout bounds request read/write on the HTTP server.
	Timeout time.Duration `koanf:"timeout"`

	// StorePath is the BadgerDB directory for the accepted-event store.
	StorePath string `koanf:"store_path"`

	// MaxBatchSize is the largest ingest batch the gateway accepts.
	MaxBatchSize int `koanf:"max_batch_size"`

	// RateLimitReqs / RateLimitWindow bound per-IP request rates.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// CORSOrigins lists allowed origins for browser clients.
	CORSOrigins []string `koanf:"cors_origins"`

	// TaskJanitorInterval is how often completed tasks are swept
	// from the registry.
	TaskJanitorInterval time.Duration `koanf:"task_janitor_interval"`
}

// ScannerConfig configures the field-unit agent.
type ScannerConfig struct {
	// ClientID identifies this scanner installation to the server.
	// Auto-generated and persisted on first run if empty.
	ClientID string `koanf:"client_id"`

	// ServerURL is the base URL of the ingestion server.
	ServerURL string `koanf:"server_url"`

	// BearerToken is the opaque credential passed through to the server.
	// Issued by the external auth collaborator.
	BearerToken string `koanf:"bearer_token"`

	// QueuePath is the BadgerDB directory for the durable local queue
	// and the pending-task cache.
	QueuePath string `koanf:"queue_path"`

	// BatchSize bounds how many queued events one sync run transmits.
	BatchSize int `koanf:"batch_size"`

	// SyncInterval drives the periodic sync trigger.
	SyncInterval time.Duration `koanf:"sync_interval"`

	// RequestTimeout bounds every network call made by the sync engine
	// and the task cache.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// BackoffInitial and BackoffMax shape the sync retry backoff.
	BackoffInitial time.Duration `koanf:"backoff_initial"`
	BackoffMax     time.Duration `koanf:"backoff_max"`

	// PositionTimeout bounds the wait for a position fix at capture time.
	// Capture proceeds without a fix when the bound expires.
	PositionTimeout time.Duration `koanf:"position_timeout"`

	// LocalAddr is the loopback listen address of the scanner's local
	// control API (capture, task list, sync-now).
	LocalAddr string `koanf:"local_addr"`

	// ProbeInterval is how often the connectivity watcher probes the
	// server liveness endpoint.
	ProbeInterval time.Duration `koanf:"probe_interval"`

	// TaskRefreshInterval is how often the pending-task cache is
	// refreshed while online.
	TaskRefreshInterval time.Duration `koanf:"task_refresh_interval"`

	// DeadLetterMax caps the dead-letter set; oldest entries are evicted
	// when the cap is reached.
	DeadLetterMax int `koanf:"dead_letter_max"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// layered first and overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8780,
			Timeout:             30 * time.Second,
			StorePath:           "/data/fieldtrace/events",
			MaxBatchSize:        500,
			RateLimitReqs:       300,
			RateLimitWindow:     time.Minute,
			CORSOrigins:         []string{"*"},
			TaskJanitorInterval: time.Hour,
		},
		Scanner: ScannerConfig{
			ClientID:            "",
			ServerURL:           "http://127.0.0.1:8780",
			BearerToken:         "",
			QueuePath:           "/data/fieldtrace/queue",
			BatchSize:           100,
			SyncInterval:        30 * time.Second,
			RequestTimeout:      10 * time.Second,
			BackoffInitial:      2 * time.Second,
			BackoffMax:          2 * time.Minute,
			PositionTimeout:     3 * time.Second,
			LocalAddr:           "127.0.0.1:8781",
			ProbeInterval:       10 * time.Second,
			TaskRefreshInterval: time.Minute,
			DeadLetterMax:       1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for values the subsystem cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Server.MaxBatchSize < 1 {
		return &ValidationError{Field: "server.max_batch_size", Message: "must be at least 1"}
	}
	if c.Server.StorePath == "" {
		return &ValidationError{Field: "server.store_path", Message: "is required"}
	}
	if c.Scanner.QueuePath == "" {
		return &ValidationError{Field: "scanner.queue_path", Message: "is required"}
	}
	if c.Scanner.BatchSize < 1 {
		return &ValidationError{Field: "scanner.batch_size", Message: "must be at least 1"}
	}
	if c.Scanner.BatchSize > c.Server.MaxBatchSize {
		return &ValidationError{Field: "scanner.batch_size", Message: "must not exceed server.max_batch_size"}
	}
	if c.Scanner.RequestTimeout < time.Second {
		return &ValidationError{Field: "scanner.request_timeout", Message: "must be at least 1 second"}
	}
	if c.Scanner.BackoffInitial <= 0 {
		return &ValidationError{Field: "scanner.backoff_initial", Message: "must be positive"}
	}
	if c.Scanner.BackoffMax < c.Scanner.BackoffInitial {
		return &ValidationError{Field: "scanner.backoff_max", Message: "must be >= scanner.backoff_initial"}
	}
	if c.Scanner.PositionTimeout <= 0 {
		return &ValidationError{Field: "scanner.position_timeout", Message: "must be positive"}
	}
	if c.Scanner.ProbeInterval <= 0 {
		return &ValidationError{Field: "scanner.probe_interval", Message: "must be positive"}
	}
	if c.Scanner.TaskRefreshInterval <= 0 {
		return &ValidationError{Field: "scanner.task_refresh_interval", Message: "must be positive"}
	}
	if c.Scanner.DeadLetterMax < 1 {
		return &ValidationError{Field: "scanner.dead_letter_max", Message: "must be at least 1"}
	}
	return nil
}

// ValidationError reports a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}
