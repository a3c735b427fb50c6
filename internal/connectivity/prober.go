// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/tomtom215/fieldtrace/internal/logging"
)

// Prober is the leaf reachability check driving the monitor.
type Prober interface {
	// Reachable reports whether the server answers within the probe bound.
	Reachable(ctx context.Context) bool
}

// HTTPProber probes the server liveness endpoint.
type HTTPProber struct {
	client *http.Client
	url    string
}

// NewHTTPProber builds a prober against the server base URL.
func NewHTTPProber(baseURL string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
		url:    baseURL + "/api/v1/health/live",
	}
}

// Reachable performs one liveness probe.
func (p *HTTPProber) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Watcher periodically feeds prober observations into a monitor.
// It implements suture.Service style Serve semantics: it blocks until the
// context is canceled.
type Watcher struct {
	monitor  *Monitor
	prober   Prober
	interval time.Duration
}

// NewWatcher builds a watcher. Interval is how often the prober runs.
func NewWatcher(monitor *Monitor, prober Prober, interval time.Duration) *Watcher {
	return &Watcher{monitor: monitor, prober: prober, interval: interval}
}

// Serve probes until ctx is canceled. Each observation is signaled to the
// monitor; duplicates are absorbed there.
func (w *Watcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("connectivity watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if w.prober.Reachable(ctx) {
				w.monitor.Signal(Online)
			} else {
				w.monitor.Signal(Offline)
			}
		}
	}
}

func (w *Watcher) String() string { return "connectivity-watcher" }
