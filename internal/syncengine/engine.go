// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package syncengine drains the durable local queue to the server.
//
// The engine is driven by Trigger(), which may be called concurrently from
// any source: a connectivity transition, a periodic ticker, a manual "sync
// now" request, or a backoff retry timer. A single in-flight flag serializes
// actual transmission; triggers that arrive mid-run coalesce into at most
// one follow-up run, never a queue of pending runs.
//
// Per-event outcomes follow the acknowledgment list: acknowledged ids are
// removed from the queue (partial acceptance is the normal case, not a
// failure), rejected events move to the bounded dead-letter set so one
// malformed event cannot block everything behind it, and transport failures
// leave the queue untouched for a backoff retry.
package syncengine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/metrics"
	"github.com/tomtom215/fieldtrace/internal/models"
	"github.com/tomtom215/fieldtrace/internal/transport"
)

// runState is the coalescing trigger state machine.
type runState int

const (
	// stateIdle: no run in flight; the next trigger starts one.
	stateIdle runState = iota
	// stateRunning: one run in flight; the next trigger schedules a follow-up.
	stateRunning
	// stateRunningPending: one run in flight and one follow-up already
	// scheduled; further triggers are folded into it.
	stateRunningPending
)

// EventSource is the queue surface the engine drains.
type EventSource interface {
	PeekBatch(ctx context.Context, max int) ([]models.ScanEvent, error)
	Remove(ctx context.Context, ids []uuid.UUID) error
	MoveToDeadLetter(ctx context.Context, event models.ScanEvent, reason string) error
}

// Connectivity reports the current link state and its transition counter.
type Connectivity interface {
	Online() bool
	Epoch() uint64
}

// Sender transmits one batch to the ingestion API.
type Sender interface {
	SendBatch(ctx context.Context, req models.IngestRequest) (*models.IngestResponse, error)
}

// Config holds the engine's tunables, taken from the scanner configuration.
type Config struct {
	ClientID       string
	BatchSize      int
	SyncInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Engine coordinates batched transmission of queued events.
//
// Thread Safety: Trigger, Start, and Stop are safe for concurrent use.
type Engine struct {
	queue  EventSource
	conn   Connectivity
	sender Sender
	cfg    Config

	// State - all protected by mu
	mu         sync.Mutex
	state      runState
	attempts   int // consecutive transport failures, resets on success
	retryTimer *time.Timer
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	stopDone   chan struct{}
	runDone    sync.WaitGroup
}

// New creates an engine. Start must be called before Trigger has any effect.
func New(queue EventSource, conn Connectivity, sender Sender, cfg Config) *Engine {
	return &Engine{
		queue:  queue,
		conn:   conn,
		sender: sender,
		cfg:    cfg,
	}
}

// Start begins the periodic sync ticker and arms the engine for triggers.
// It runs until Stop is called or the context is canceled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.stopDone = make(chan struct{})

	loopCtx := e.ctx
	done := e.stopDone
	e.mu.Unlock()

	go e.tickWithContext(loopCtx, done)

	logging.Info().
		Dur("interval", e.cfg.SyncInterval).
		Int("batch_size", e.cfg.BatchSize).
		Msg("sync engine started")
	return nil
}

// Stop cancels the ticker and any pending retry timer, then waits for an
// in-flight run to finish. An in-flight run is never preempted; its results
// still apply.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	done := e.stopDone
	e.mu.Unlock()

	<-done
	e.runDone.Wait()

	logging.Info().Msg("sync engine stopped")
}

// tickWithContext drives periodic triggers. The context is passed as a
// parameter to avoid races with Stop.
func (e *Engine) tickWithContext(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Trigger()
		}
	}
}

// Trigger requests a sync run. Safe to call from any goroutine at any rate:
// concurrent triggers while a run is in flight coalesce into exactly one
// follow-up run.
func (e *Engine) Trigger() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	switch e.state {
	case stateIdle:
		e.state = stateRunning
		ctx := e.ctx
		e.runDone.Add(1)
		e.mu.Unlock()
		go e.runLoop(ctx)
	case stateRunning:
		e.state = stateRunningPending
		e.mu.Unlock()
	case stateRunningPending:
		metrics.SyncTriggersCoalesced.Inc()
		e.mu.Unlock()
	}
}

// runLoop executes runs until no follow-up is pending.
func (e *Engine) runLoop(ctx context.Context) {
	defer e.runDone.Done()

	for {
		followUp := e.runOnce(ctx)

		e.mu.Lock()
		if followUp && e.running && e.state == stateRunning {
			// Connectivity flipped mid-run; more events may be eligible.
			e.state = stateRunningPending
		}
		if e.state == stateRunningPending && e.running {
			e.state = stateRunning
			e.mu.Unlock()
			continue
		}
		e.state = stateIdle
		e.mu.Unlock()
		return
	}
}

// runOnce performs one transmission attempt. Returns true when an immediate
// follow-up run should happen because the connectivity epoch moved while
// the attempt was in flight.
func (e *Engine) runOnce(ctx context.Context) bool {
	epochBefore := e.conn.Epoch()

	if !e.conn.Online() {
		metrics.SyncRuns.WithLabelValues("offline").Inc()
		return false
	}

	batch, err := e.queue.PeekBatch(ctx, e.cfg.BatchSize)
	if err != nil {
		logging.Error().Err(err).Msg("sync: failed to read batch from queue")
		metrics.SyncRuns.WithLabelValues("queue_error").Inc()
		return false
	}
	if len(batch) == 0 {
		metrics.SyncRuns.WithLabelValues("empty").Inc()
		return false
	}

	// Queued entries are marked transmitting for the duration of the attempt.
	for i := range batch {
		if batch[i].State.CanTransitionTo(models.StateTransmitting) {
			batch[i].State = models.StateTransmitting
		}
	}

	start := time.Now()
	resp, err := e.sender.SendBatch(ctx, models.IngestRequest{
		ClientID: e.cfg.ClientID,
		Events:   batch,
	})
	metrics.SyncBatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		e.handleSendFailure(ctx, batch, err)
		// Results were never received; epoch movement alone does not
		// justify an immediate retry on a failing link.
		return false
	}

	e.applyAcks(ctx, batch, resp.Results)

	e.mu.Lock()
	e.attempts = 0
	e.mu.Unlock()

	return e.conn.Epoch() != epochBefore
}

// handleSendFailure classifies a failed transmission: transient failures
// schedule a backoff retry with the queue untouched; rejections of the whole
// request dead-letter the batch since resending it can never succeed.
func (e *Engine) handleSendFailure(ctx context.Context, batch []models.ScanEvent, err error) {
	if transport.IsRejected(err) {
		logging.Warn().Err(err).Int("events", len(batch)).Msg("sync: server rejected batch, dead-lettering")
		for _, ev := range batch {
			if dlErr := e.queue.MoveToDeadLetter(ctx, ev, err.Error()); dlErr != nil {
				logging.Error().Err(dlErr).Str("correlation_id", ev.CorrelationID.String()).Msg("sync: failed to dead-letter event")
			}
		}
		metrics.SyncRuns.WithLabelValues("rejected").Inc()
		return
	}

	e.mu.Lock()
	e.attempts++
	attempts := e.attempts
	e.mu.Unlock()

	delay := e.calculateBackoff(attempts)
	logging.Warn().
		Err(err).
		Int("attempt", attempts).
		Dur("retry_in", delay).
		Msg("sync: transport failure, backing off")
	metrics.SyncRuns.WithLabelValues("transport_error").Inc()

	e.scheduleRetry(delay)
}

// applyAcks removes acknowledged events and dead-letters per-event
// rejections. Removal is keyed strictly by acknowledgment.
func (e *Engine) applyAcks(ctx context.Context, batch []models.ScanEvent, acks []models.EventAck) {
	byID := make(map[uuid.UUID]models.ScanEvent, len(batch))
	for _, ev := range batch {
		byID[ev.CorrelationID] = ev
	}

	accepted := make([]uuid.UUID, 0, len(acks))
	var rejected int
	for _, ack := range acks {
		if ack.Accepted {
			accepted = append(accepted, ack.CorrelationID)
			continue
		}
		rejected++
		ev, ok := byID[ack.CorrelationID]
		if !ok {
			logging.Warn().Str("correlation_id", ack.CorrelationID.String()).Msg("sync: ack for unknown event")
			continue
		}
		if err := e.queue.MoveToDeadLetter(ctx, ev, ack.Reason); err != nil {
			logging.Error().Err(err).Str("correlation_id", ev.CorrelationID.String()).Msg("sync: failed to dead-letter rejected event")
		}
	}

	if len(accepted) > 0 {
		if err := e.queue.Remove(ctx, accepted); err != nil {
			// Events stay queued; the gateway's idempotency check makes
			// the eventual resend a safe no-op.
			logging.Error().Err(err).Int("events", len(accepted)).Msg("sync: failed to remove acknowledged events")
		}
	}

	switch {
	case rejected == 0:
		metrics.SyncRuns.WithLabelValues("success").Inc()
	case len(accepted) > 0:
		metrics.SyncRuns.WithLabelValues("partial").Inc()
	default:
		metrics.SyncRuns.WithLabelValues("rejected").Inc()
	}

	logging.Debug().
		Int("accepted", len(accepted)).
		Int("rejected", rejected).
		Msg("sync: batch acknowledged")
}

// scheduleRetry arms a one-shot timer that re-triggers the engine. A newer
// schedule replaces any armed timer.
func (e *Engine) scheduleRetry(delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(delay, e.Trigger)
}

// calculateBackoff calculates exponential backoff delay for retry attempts.
// Formula: initial * 2^(attempts-1), capped at BackoffMax.
func (e *Engine) calculateBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	// Cap attempts to prevent overflow (2^63 is the max for time.Duration)
	if attempts > 50 {
		return e.cfg.BackoffMax
	}

	multiplier := math.Pow(2, float64(attempts-1))
	backoff := time.Duration(float64(e.cfg.BackoffInitial) * multiplier)

	if backoff < 0 || backoff > e.cfg.BackoffMax {
		backoff = e.cfg.BackoffMax
	}
	return backoff
}
