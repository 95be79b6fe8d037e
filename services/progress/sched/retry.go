// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/StreakWorks/StreakCore/services/progress/clock"
	"github.com/StreakWorks/StreakCore/services/progress/engine"
	"github.com/StreakWorks/StreakCore/services/progress/week"
)

// DefaultRetryCadence is how often the queue re-evaluates deferred work.
const DefaultRetryCadence = 10 * time.Second

var (
	retryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "progress_retry_queue_depth",
		Help: "Deferred items currently waiting to apply",
	})

	retryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_retry_attempts_total",
		Help: "Deferred-item attempts by outcome",
	}, []string{"outcome"})
)

// SnapshotApplier applies server snapshots. Implemented by engine.Engine.
type SnapshotApplier interface {
	ApplyServerSnapshot(ctx context.Context, records []engine.WeeklyProgress, reason engine.SnapshotReason) (engine.ApplyOutcome, error)
}

// item is one deferred unit of work: a payload plus its earliest retry time.
type item struct {
	name          string
	nextAttemptAt time.Time

	// run attempts the work. Returning true reschedules the item one cadence
	// later; returning false retires it.
	run func(ctx context.Context) bool
}

// RetryQueue holds deferred work and retries it on a fixed cadence.
//
// # Description
//
// This is the single deferral mechanism for the whole core, replacing ad hoc
// sleep-then-act tasks: one timer loop polls a queue of (payload,
// nextAttemptAt) pairs. Activity is re-evaluated on every attempt, so a
// deferred snapshot applies within one grace-period-plus-cadence window of
// the user going inactive. Items are postponed, never discarded; there is no
// hard timeout.
//
// RetryQueue implements engine.Deferrer: the engine hands it periodic
// snapshots that arrived while the user was active.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type RetryQueue struct {
	applier  SnapshotApplier
	activity engine.ActivityChecker
	clk      clock.Clock
	cadenceC chan time.Duration

	mu      sync.Mutex
	cadence time.Duration
	items   []item
	running bool
	done    chan struct{}
}

// NewRetryQueue creates a stopped queue.
//
// # Inputs
//
//   - applier: Receives deferred snapshots once the user is inactive.
//   - activity: Checked before every attempt.
//   - clk: Time source; nil uses the system clock.
//   - cadence: Poll interval; non-positive uses DefaultRetryCadence.
func NewRetryQueue(applier SnapshotApplier, activity engine.ActivityChecker, clk clock.Clock, cadence time.Duration) *RetryQueue {
	if clk == nil {
		clk = clock.System()
	}
	if cadence <= 0 {
		cadence = DefaultRetryCadence
	}
	return &RetryQueue{
		applier:  applier,
		activity: activity,
		clk:      clk,
		cadence:  cadence,
		cadenceC: make(chan time.Duration, 1),
	}
}

// Cadence returns the current poll interval.
func (q *RetryQueue) Cadence() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cadence
}

// SetCadence retunes the poll interval. Takes effect on the running loop's
// next tick; reschedules of already-queued items use the new cadence.
// Non-positive values are ignored.
func (q *RetryQueue) SetCadence(cadence time.Duration) {
	if cadence <= 0 {
		return
	}
	q.mu.Lock()
	q.cadence = cadence
	q.mu.Unlock()

	// Keep only the latest retune for the loop to pick up.
	select {
	case <-q.cadenceC:
	default:
	}
	q.cadenceC <- cadence
}

// Defer implements engine.Deferrer: queues records for a later apply.
//
// The first attempt happens on the next cadence tick. If the user is still
// active then, the item stays queued and is re-evaluated each tick. An item
// whose week has passed while it waited is retired unapplied: the cache was
// cleared at the boundary and the post-rollover resync owns the new week, so
// replaying last week's counts would put stale data in a fresh cache.
func (q *RetryQueue) Defer(records []engine.WeeklyProgress, reason engine.SnapshotReason, stamp week.Key) {
	q.DeferAfter("periodic_snapshot", q.Cadence(), func(ctx context.Context) bool {
		if week.HasRolledOver(stamp, q.clk.Now()) {
			retryAttemptsTotal.WithLabelValues("stale_week").Inc()
			slog.Debug("deferred snapshot retired, week rolled over",
				slog.String("snapshot_week", string(stamp)),
			)
			return false
		}
		if q.activity != nil && q.activity.IsUserActive() {
			retryAttemptsTotal.WithLabelValues("still_active").Inc()
			return true // keep waiting
		}
		outcome, err := q.applier.ApplyServerSnapshot(ctx, records, reason)
		if err != nil {
			retryAttemptsTotal.WithLabelValues("error").Inc()
			slog.Warn("deferred snapshot apply failed, will retry",
				slog.String("error", err.Error()),
			)
			return true
		}
		if outcome.Deferred {
			// Lost the race with a fresh interaction; the engine re-deferred
			// it into this queue as a new item. Retire this one.
			retryAttemptsTotal.WithLabelValues("redeferred").Inc()
			return false
		}
		retryAttemptsTotal.WithLabelValues("applied").Inc()
		slog.Debug("deferred snapshot applied",
			slog.Int("inserted", outcome.Inserted),
			slog.Int("updated", outcome.Updated),
			slog.Int("rejected_stale", outcome.RejectedStale),
		)
		return false
	})
}

// DeferAfter queues an arbitrary task to first run after delay.
//
// Used for the post-rollover resync, which the coordinator defers by a
// longer window (60-120s) when the user is active at the boundary.
func (q *RetryQueue) DeferAfter(name string, delay time.Duration, run func(ctx context.Context) bool) {
	q.mu.Lock()
	q.items = append(q.items, item{
		name:          name,
		nextAttemptAt: q.clk.Now().Add(delay),
		run:           run,
	})
	depth := len(q.items)
	q.mu.Unlock()

	retryQueueDepth.Set(float64(depth))
	slog.Debug("work deferred",
		slog.String("name", name),
		slog.Duration("delay", delay),
	)
}

// Pending implements engine.Deferrer.
func (q *RetryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Start begins the poll loop. Idempotent: a second Start is a no-op.
func (q *RetryQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.done = make(chan struct{})
	done := q.done
	q.mu.Unlock()

	go q.runLoop(ctx, done)
}

// Stop halts the poll loop. Queued items survive and resume on restart.
// Safe to call when not running.
func (q *RetryQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	close(q.done)
	q.running = false
}

// RunDue attempts every item whose retry time has passed. Exposed so tests
// (and the scheduler's forced paths) can drive the queue without real time.
func (q *RetryQueue) RunDue(ctx context.Context) {
	now := q.clk.Now()

	q.mu.Lock()
	var due, waiting []item
	for _, it := range q.items {
		if !it.nextAttemptAt.After(now) {
			due = append(due, it)
		} else {
			waiting = append(waiting, it)
		}
	}
	q.items = waiting
	q.mu.Unlock()

	for _, it := range due {
		if it.run(ctx) {
			q.mu.Lock()
			it.nextAttemptAt = q.clk.Now().Add(q.cadence)
			q.items = append(q.items, it)
			q.mu.Unlock()
		}
	}

	q.mu.Lock()
	depth := len(q.items)
	q.mu.Unlock()
	retryQueueDepth.Set(float64(depth))
}

// runLoop polls on the cadence until stopped.
func (q *RetryQueue) runLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(q.Cadence())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("retry queue stopped (context cancelled)")
			return
		case <-done:
			slog.Debug("retry queue stopped (stop requested)")
			return
		case cadence := <-q.cadenceC:
			ticker.Reset(cadence)
		case <-ticker.C:
			q.RunDue(ctx)
		}
	}
}
