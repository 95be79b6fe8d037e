// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine owns the canonical in-memory cache of weekly habit progress
// and reconciles writes from every source against it.
//
// Three writers race for the cache: direct user actions, periodic background
// syncs, and calendar-driven invalidations. The engine serializes all of them
// behind one mutex and arbitrates conflicts by timestamp (last-writer-wins by
// updatedAt, never by arrival order). Network I/O never happens inside the
// lock; the gateway runs elsewhere and only re-enters to apply its result.
//
// The one UX rule that shapes everything here: a routine background sync must
// never repaint progress the user is actively looking at. Periodic snapshots
// arriving while the user is engaged are postponed — handed to a deferrer for
// retry — not dropped.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/StreakWorks/StreakCore/services/progress/clock"
	"github.com/StreakWorks/StreakCore/services/progress/week"
)

// ActivityChecker reports whether the user is currently interacting with
// progress UI. Implemented by activity.Tracker.
type ActivityChecker interface {
	IsUserActive() bool
}

// Deferrer receives periodic snapshots that could not be applied because the
// user was active. Implementations retry them until they apply; a deferred
// snapshot is postponed, never discarded. Implemented by sched.RetryQueue.
type Deferrer interface {
	// Defer queues the records for a later apply attempt. stamp is the week
	// the records belong to; once that week has passed the records must be
	// retired unapplied, since the post-rollover resync replaces them.
	Defer(records []WeeklyProgress, reason SnapshotReason, stamp week.Key)

	// Pending returns the number of queued deferred snapshots.
	Pending() int
}

// Engine is the single owner of the progress cache.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Mutations are serialized by an
// internal mutex; reads return copies taken under the same lock.
type Engine struct {
	activity ActivityChecker
	clk      clock.Clock
	deferrer Deferrer
	persist  func(Snapshot)

	mu              sync.Mutex
	entries         map[HabitID]WeeklyProgress
	weekStamp       week.Key
	lastSyncedAt    time.Time
	lastWriteSource WriteSource
	state           CacheState
}

// NewEngine creates an empty engine in StateEmpty.
//
// # Inputs
//
//   - activity: Gate for periodic snapshot deferral. Must not be nil.
//   - opts: Optional clock, deferrer, and persistence hook.
//
// # Outputs
//
//   - *Engine: Ready for Hydrate or a first ApplyServerSnapshot.
func NewEngine(activity ActivityChecker, opts ...Option) *Engine {
	e := &Engine{
		activity: activity,
		clk:      clock.System(),
		entries:  make(map[HabitID]WeeklyProgress),
		state:    StateEmpty,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyUserAction applies a user-initiated progress increment.
//
// # Description
//
// Never deferred: the user caused this write by interacting, so it must be
// visible immediately. The count is not clamped to the target; overshoot is
// kept. After a nil return, Get reflects the new count.
//
// # Inputs
//
//   - ctx: For tracing only; the operation does not block.
//   - id: Habit expected to exist in the current week's entries.
//   - delta: Non-negative increment.
//
// # Outputs
//
//   - WeeklyProgress: The updated entry.
//   - error: ErrNegativeDelta, or a *NotFoundError (errors.Is ErrHabitNotFound)
//     when the habit is unknown. NotFound is recoverable locally; the caller
//     may trigger a targeted single-habit fetch.
func (e *Engine) ApplyUserAction(ctx context.Context, id HabitID, delta int) (WeeklyProgress, error) {
	_, span := startEngineSpan(ctx, "ApplyUserAction",
		attribute.String("habit_id", string(id)),
		attribute.Int("delta", delta),
	)
	defer span.End()

	if delta < 0 {
		span.RecordError(ErrNegativeDelta)
		return WeeklyProgress{}, ErrNegativeDelta
	}

	now := e.clk.Now()

	e.mu.Lock()
	entry, ok := e.entries[id]
	if !ok {
		e.mu.Unlock()
		err := &NotFoundError{HabitID: id}
		span.RecordError(err)
		return WeeklyProgress{}, err
	}

	entry.CurrentCount += delta
	if now.After(entry.UpdatedAt) {
		entry.UpdatedAt = now
	}
	e.entries[id] = entry
	e.lastWriteSource = SourceUserAction
	snap := e.snapshotLocked()
	e.mu.Unlock()

	userActionsTotal.Inc()
	slog.Debug("user action applied",
		slog.String("habit_id", string(id)),
		slog.Int("delta", delta),
		slog.Int("count", entry.CurrentCount),
	)

	e.persistSnapshot(snap)
	return entry, nil
}

// ApplyServerSnapshot reconciles server-provided records into the cache.
//
// # Description
//
// The conflict-resolution rule, per record:
//
//  1. Local entry absent: insert unconditionally.
//  2. Local entry present: accept only if the incoming updatedAt is strictly
//     newer, or the reason is authoritative (forced refresh / post-rollover).
//  3. Reason periodic while the user is active: the entire snapshot is handed
//     to the deferrer and nothing is mutated. Deferred, never dropped.
//
// Rejected-stale records are a diagnostic, not an error: they are the normal
// outcome of a poll racing a fresher local user action.
//
// # Inputs
//
//   - ctx: For tracing only.
//   - records: Full or partial set of per-habit aggregates with server-side
//     updatedAt stamps.
//   - reason: Selects deferral and precedence policy.
//
// # Outputs
//
//   - ApplyOutcome: Counts of inserted/updated/rejected records, or Deferred.
//   - error: Currently always nil; reserved for future validation.
func (e *Engine) ApplyServerSnapshot(ctx context.Context, records []WeeklyProgress, reason SnapshotReason) (ApplyOutcome, error) {
	ctx, span := startEngineSpan(ctx, "ApplyServerSnapshot",
		attribute.String("reason", string(reason)),
		attribute.Int("record_count", len(records)),
	)
	defer span.End()

	// Activity is sampled here, outside the lock. An interaction landing one
	// instant after the sample can see this snapshot apply; the grace period
	// is measured from the interaction stamp, so the guarantee is a window
	// around recent interactions, not a linearized ordering against them.
	if reason == ReasonPeriodic && e.activity != nil && e.activity.IsUserActive() {
		snapshotDeferralsTotal.Inc()
		span.SetAttributes(attribute.Bool("deferred", true))
		slog.Debug("periodic snapshot deferred, user active",
			slog.Int("record_count", len(records)),
		)
		if e.deferrer != nil {
			e.deferrer.Defer(records, reason, week.CurrentKey(e.clk.Now()))
		}
		return ApplyOutcome{Deferred: true}, nil
	}

	now := e.clk.Now()
	var outcome ApplyOutcome

	e.mu.Lock()
	if e.weekStamp == week.Zero {
		e.weekStamp = week.CurrentKey(now)
	}
	for _, rec := range records {
		local, ok := e.entries[rec.HabitID]
		switch {
		case !ok:
			e.entries[rec.HabitID] = rec
			outcome.Inserted++
			snapshotRecordsTotal.WithLabelValues(string(reason), dispositionInserted).Inc()
		case rec.UpdatedAt.After(local.UpdatedAt) || reason.Authoritative():
			e.entries[rec.HabitID] = rec
			outcome.Updated++
			snapshotRecordsTotal.WithLabelValues(string(reason), dispositionUpdated).Inc()
		default:
			outcome.RejectedStale++
			recordStaleReject(ctx, reason)
		}
	}
	e.lastSyncedAt = now
	e.lastWriteSource = SourceServerSync
	if e.state == StateEmpty || (e.state == StateStalePendingRollover && reason.Authoritative()) {
		e.state = StatePopulated
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if outcome.Applied() {
		recordApply(ctx, reason)
	}
	span.SetAttributes(
		attribute.Int("inserted", outcome.Inserted),
		attribute.Int("updated", outcome.Updated),
		attribute.Int("rejected_stale", outcome.RejectedStale),
	)
	slog.Debug("server snapshot applied",
		slog.String("reason", string(reason)),
		slog.Int("inserted", outcome.Inserted),
		slog.Int("updated", outcome.Updated),
		slog.Int("rejected_stale", outcome.RejectedStale),
	)

	e.persistSnapshot(snap)
	return outcome, nil
}

// CheckAndHandleRollover invalidates the cache if the calendar week changed.
//
// # Description
//
// Idempotent within a week: if the stamp still matches the current week this
// is a no-op and entries are untouched. On a detected rollover the entries
// are cleared, the stamp advances to the current week, and the cache enters
// StateStalePendingRollover so reads can show a loading affordance instead of
// silently empty data. The post-rollover resync itself is the coordinator's
// job (it owns the gateway); it completes the transition back to
// StatePopulated via ApplyServerSnapshot(ReasonPostRollover).
//
// A cache that has never been stamped is a first populate, not a rollover:
// the stamp is set to the current week, nothing is invalidated, and false is
// returned so callers run their initial-sync path instead of the resync path.
//
// # Outputs
//
//   - bool: True iff a rollover was detected and the entries were cleared.
func (e *Engine) CheckAndHandleRollover(ctx context.Context) bool {
	_, span := startEngineSpan(ctx, "CheckAndHandleRollover")
	defer span.End()

	now := e.clk.Now()

	e.mu.Lock()
	if e.weekStamp == week.Zero {
		e.weekStamp = week.CurrentKey(now)
		e.mu.Unlock()
		span.SetAttributes(attribute.Bool("rolled_over", false))
		return false
	}
	if !week.HasRolledOver(e.weekStamp, now) {
		e.mu.Unlock()
		span.SetAttributes(attribute.Bool("rolled_over", false))
		return false
	}

	previous := e.weekStamp
	e.entries = make(map[HabitID]WeeklyProgress)
	e.weekStamp = week.CurrentKey(now)
	e.lastWriteSource = SourceInvalidation
	if e.state == StatePopulated {
		e.state = StateStalePendingRollover
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	rolloversTotal.Inc()
	span.SetAttributes(
		attribute.Bool("rolled_over", true),
		attribute.String("previous_week", string(previous)),
		attribute.String("current_week", string(snap.WeekStamp)),
	)
	slog.Info("week rollover detected, cache invalidated",
		slog.String("previous_week", string(previous)),
		slog.String("current_week", string(snap.WeekStamp)),
	)

	e.persistSnapshot(snap)
	return true
}

// Get returns the cached entry for id.
//
// Pure read, no side effects. Recording the interaction that motivated the
// read is the caller's responsibility; the engine stays free of UI concerns.
func (e *Engine) Get(id HabitID) (WeeklyProgress, error) {
	e.mu.Lock()
	entry, ok := e.entries[id]
	e.mu.Unlock()

	if !ok {
		return WeeklyProgress{}, &NotFoundError{HabitID: id}
	}
	return entry, nil
}

// Snapshot returns a consistent copy of the whole cache.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// State returns the cache's coarse state.
func (e *Engine) State() CacheState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HasPendingDeferredSync reports whether a postponed periodic snapshot is
// waiting to apply. Valid in any populated state.
func (e *Engine) HasPendingDeferredSync() bool {
	if e.deferrer == nil {
		return false
	}
	return e.deferrer.Pending() > 0
}

// Hydrate installs a previously persisted snapshot into an empty engine.
//
// Only valid in StateEmpty; a non-empty engine ignores the call. The caller
// should run CheckAndHandleRollover immediately after, since the persisted
// stamp may belong to a past week. Corrupt or absent persisted state is a
// cold start, never an error.
func (e *Engine) Hydrate(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateEmpty || len(snap.Entries) == 0 {
		return
	}

	e.entries = make(map[HabitID]WeeklyProgress, len(snap.Entries))
	for id, entry := range snap.Entries {
		e.entries[id] = entry
	}
	e.weekStamp = snap.WeekStamp
	e.lastSyncedAt = snap.LastSyncedAt
	e.lastWriteSource = snap.LastWriteSource
	e.state = StatePopulated

	slog.Info("cache hydrated from persisted state",
		slog.String("week", string(snap.WeekStamp)),
		slog.Int("entries", len(snap.Entries)),
	)
}

// Clear wipes the cache back to StateEmpty. Called on logout.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.entries = make(map[HabitID]WeeklyProgress)
	e.weekStamp = week.Zero
	e.lastSyncedAt = time.Time{}
	e.lastWriteSource = SourceInvalidation
	e.state = StateEmpty
	snap := e.snapshotLocked()
	e.mu.Unlock()

	slog.Info("cache cleared")
	e.persistSnapshot(snap)
}

// snapshotLocked copies the cache. Must hold e.mu.
func (e *Engine) snapshotLocked() Snapshot {
	entries := make(map[HabitID]WeeklyProgress, len(e.entries))
	for id, entry := range e.entries {
		entries[id] = entry
	}
	return Snapshot{
		Entries:         entries,
		WeekStamp:       e.weekStamp,
		LastSyncedAt:    e.lastSyncedAt,
		LastWriteSource: e.lastWriteSource,
		State:           e.state,
	}
}

// persistSnapshot invokes the persistence hook outside the lock.
func (e *Engine) persistSnapshot(snap Snapshot) {
	if e.persist != nil {
		e.persist(snap)
	}
}
