// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sched drives periodic background synchronization of the progress
// cache and owns the deferred-retry queue for postponed work.
//
// The scheduler's failure policy is deliberately boring: a failed or timed
// out gateway call is logged and skipped, and the next tick retries
// naturally. It never falls back to a destructive full-replace recovery —
// that escalation was the defect this design exists to remove.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/StreakWorks/StreakCore/services/progress/engine"
	"github.com/StreakWorks/StreakCore/services/progress/gateway"
)

var schedTracer = otel.Tracer("streak.progress.sched")

var (
	syncCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_sync_cycles_total",
		Help: "Background sync cycles by result",
	}, []string{"result"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "progress_sync_duration_seconds",
		Help:    "Duration of background sync cycles",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	})
)

// Sync cycle results for syncCyclesTotal.
const (
	resultApplied       = "applied"
	resultDeferred      = "deferred"
	resultGatewayError  = "gateway_error"
	resultRollover      = "rollover"
	resultNothingToSync = "empty"
)

// RolloverChecker detects and performs week-boundary invalidation.
// Implemented by engine.Engine.
type RolloverChecker interface {
	CheckAndHandleRollover(ctx context.Context) bool
}

// Config holds scheduler settings.
type Config struct {
	// Interval between background sync cycles. Default: 5 minutes.
	Interval time.Duration

	// FetchTimeout bounds each gateway call. Default: 12 seconds.
	FetchTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		FetchTimeout: gateway.DefaultRequestTimeout,
	}
}

// SyncScheduler periodically fetches a server snapshot and hands it to the
// engine as a periodic apply.
//
// # Description
//
// Each tick: check for a week rollover first (handing a detected rollover to
// the onRollover callback, which owns the authoritative resync), then fetch
// a snapshot off the engine's serialization domain and apply it with the
// periodic reason. The engine's own policy decides whether the apply lands
// now or is deferred to the retry queue.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type SyncScheduler struct {
	gw         gateway.SnapshotGateway
	applier    SnapshotApplier
	rollover   RolloverChecker
	onRollover func(ctx context.Context)
	userID     string
	intervalC  chan time.Duration

	mu      sync.Mutex
	config  Config
	running bool
	done    chan struct{}
}

// NewSyncScheduler creates a stopped scheduler.
//
// # Inputs
//
//   - gw: Snapshot source. Must not be nil.
//   - applier: Usually the engine. Must not be nil.
//   - rollover: Week-boundary check, usually the engine. May be nil to skip.
//   - onRollover: Invoked after a detected rollover to run the authoritative
//     resync. May be nil.
//   - userID: Whose progress to fetch.
//   - config: Interval and timeout; zero values take defaults.
func NewSyncScheduler(gw gateway.SnapshotGateway, applier SnapshotApplier, rollover RolloverChecker, onRollover func(ctx context.Context), userID string, config Config) *SyncScheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultConfig().FetchTimeout
	}
	return &SyncScheduler{
		gw:         gw,
		applier:    applier,
		rollover:   rollover,
		onRollover: onRollover,
		userID:     userID,
		config:     config,
		intervalC:  make(chan time.Duration, 1),
	}
}

// SetInterval retunes the tick interval. Takes effect on the running loop's
// next select. Non-positive values are ignored.
func (s *SyncScheduler) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	s.config.Interval = interval
	s.mu.Unlock()

	select {
	case <-s.intervalC:
	default:
	}
	s.intervalC <- interval
}

// SetFetchTimeout retunes the per-call gateway timeout for subsequent cycles.
// Non-positive values are ignored.
func (s *SyncScheduler) SetFetchTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	s.config.FetchTimeout = timeout
	s.mu.Unlock()
}

// fetchTimeout returns the current per-call gateway timeout.
func (s *SyncScheduler) fetchTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.FetchTimeout
}

// interval returns the current tick interval.
func (s *SyncScheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Interval
}

// Start begins the repeating sync timer.
//
// Idempotent: calling Start while running is a no-op, not a second timer.
func (s *SyncScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		slog.Debug("sync scheduler already running, start ignored")
		return
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	slog.Info("background sync scheduler starting",
		slog.Duration("interval", s.interval()),
		slog.Duration("fetch_timeout", s.fetchTimeout()),
	)
	go s.runLoop(ctx, done)
}

// Stop cancels the timer. Safe to call if not running.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	slog.Info("background sync scheduler stopping")
	close(s.done)
	s.running = false
}

// Running reports whether the timer loop is active.
func (s *SyncScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SyncNow performs one sync cycle immediately, outside the timer.
// Used by tests and by the coordinator's forced paths.
func (s *SyncScheduler) SyncNow(ctx context.Context) {
	s.runCycle(ctx)
}

// runLoop ticks until stopped.
func (s *SyncScheduler) runLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("background sync scheduler stopped (context cancelled)")
			return
		case <-done:
			slog.Info("background sync scheduler stopped (stop requested)")
			return
		case interval := <-s.intervalC:
			ticker.Reset(interval)
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle performs one rollover check + fetch + apply.
func (s *SyncScheduler) runCycle(ctx context.Context) {
	ctx, span := schedTracer.Start(ctx, "SyncScheduler.runCycle")
	defer span.End()
	start := time.Now()
	defer func() { syncDuration.Observe(time.Since(start).Seconds()) }()

	// Boundary check first: applying a periodic snapshot into a cache that
	// is stamped for last week would mix weeks.
	if s.rollover != nil && s.rollover.CheckAndHandleRollover(ctx) {
		syncCyclesTotal.WithLabelValues(resultRollover).Inc()
		span.SetAttributes(attribute.Bool("rollover", true))
		if s.onRollover != nil {
			s.onRollover(ctx)
		}
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout())
	records, err := s.gw.FetchProgressSnapshot(fetchCtx, s.userID)
	cancel()
	if err != nil {
		// Absorbed here: a failed poll is a skipped cycle, nothing more.
		syncCyclesTotal.WithLabelValues(resultGatewayError).Inc()
		span.RecordError(err)
		slog.Warn("background sync fetch failed, skipping cycle",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(records) == 0 {
		syncCyclesTotal.WithLabelValues(resultNothingToSync).Inc()
		return
	}

	outcome, err := s.applier.ApplyServerSnapshot(ctx, records, engine.ReasonPeriodic)
	if err != nil {
		syncCyclesTotal.WithLabelValues(resultGatewayError).Inc()
		span.RecordError(err)
		return
	}
	if outcome.Deferred {
		syncCyclesTotal.WithLabelValues(resultDeferred).Inc()
	} else {
		syncCyclesTotal.WithLabelValues(resultApplied).Inc()
	}
	span.SetAttributes(
		attribute.Bool("deferred", outcome.Deferred),
		attribute.Int("inserted", outcome.Inserted),
		attribute.Int("updated", outcome.Updated),
		attribute.Int("rejected_stale", outcome.RejectedStale),
	)
}
