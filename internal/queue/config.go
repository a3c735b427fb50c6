// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package queue provides the durable local queue for captured scan events,
// backed by BadgerDB. Events are persisted (ACID, fsync) before Append
// returns and removed only after server acknowledgment, so no capture is
// lost to a crash or power failure between capture and sync.
//
// The queue preserves append order end to end: PeekBatch returns entries in
// the order they were captured. Events the server definitively rejects move
// into a bounded dead-letter set instead of blocking the queue.
package queue

import "time"

// Config holds durable queue configuration.
type Config struct {
	// Path is the directory where BadgerDB stores its files.
	// Should be on a durable filesystem (not tmpfs).
	Path string

	// SyncWrites forces fsync after every write for maximum durability.
	// Set to false for higher throughput at the risk of losing the last
	// writes on power failure.
	SyncWrites bool

	// DeadLetterMax caps the dead-letter set. When full, the oldest entry
	// is evicted on insert.
	DeadLetterMax int

	// CloseTimeout is the maximum time to wait for graceful shutdown.
	CloseTimeout time.Duration

	// BadgerDB tuning
	MemTableSize     int64
	ValueLogFileSize int64
	NumCompactors    int
}

// DefaultConfig returns a Config with durability-first defaults.
func DefaultConfig() Config {
	return Config{
		Path:             "/data/fieldtrace/queue",
		SyncWrites:       true,
		DeadLetterMax:    1000,
		CloseTimeout:     30 * time.Second,
		MemTableSize:     16 * 1024 * 1024,
		ValueLogFileSize: 64 * 1024 * 1024,
		NumCompactors:    2,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Path == "" {
		return &ConfigError{Field: "Path", Message: "queue path is required"}
	}
	if c.DeadLetterMax < 1 {
		return &ConfigError{Field: "DeadLetterMax", Message: "must be at least 1"}
	}
	if c.NumCompactors < 2 {
		return &ConfigError{Field: "NumCompactors", Message: "must be at least 2 (BadgerDB requirement)"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "queue config error: " + e.Field + ": " + e.Message
}
