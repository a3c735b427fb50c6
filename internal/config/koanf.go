// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
// The first file found is used.
var DefaultConfigPaths = []string{
	"fieldtrace.yaml",
	"fieldtrace.yml",
	"/etc/fieldtrace/config.yaml",
	"/etc/fieldtrace/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "FIELDTRACE_CONFIG"

// envPrefix is stripped from environment variables before mapping.
const envPrefix = "FIELDTRACE_"

// Load loads configuration with layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. FIELDTRACE_* environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings routes FIELDTRACE_* environment variables to config paths.
// Multi-word leaf keys cannot be derived mechanically from underscores,
// so the mapping is explicit.
var envMappings = map[string]string{
	"server_host":                  "server.host",
	"server_port":                  "server.port",
	"server_timeout":               "server.timeout",
	"server_store_path":            "server.store_path",
	"server_max_batch_size":        "server.max_batch_size",
	"server_rate_limit_reqs":       "server.rate_limit_reqs",
	"server_rate_limit_window":     "server.rate_limit_window",
	"server_cors_origins":          "server.cors_origins",
	"server_task_janitor_interval": "server.task_janitor_interval",

	"scanner_client_id":        "scanner.client_id",
	"scanner_server_url":       "scanner.server_url",
	"scanner_bearer_token":     "scanner.bearer_token",
	"scanner_queue_path":       "scanner.queue_path",
	"scanner_batch_size":       "scanner.batch_size",
	"scanner_sync_interval":    "scanner.sync_interval",
	"scanner_request_timeout":  "scanner.request_timeout",
	"scanner_backoff_initial":  "scanner.backoff_initial",
	"scanner_backoff_max":      "scanner.backoff_max",
	"scanner_position_timeout": "scanner.position_timeout",
	"scanner_dead_letter_max":  "scanner.dead_letter_max",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps a stripped environment variable name to its koanf
// path. Unknown variables are dropped rather than guessed at.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	if path, ok := envMappings[key]; ok {
		return path
	}
	return ""
}

// sliceConfigPaths lists paths parsed as comma-separated slices when they
// arrive as plain strings from the environment.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated strings into slices for known
// slice-valued paths. YAML-sourced values are already slices and are skipped.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}
