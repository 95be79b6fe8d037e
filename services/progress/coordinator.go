// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package progress composes the consistency engine, background sync
// scheduler, retry queue, gateway, and persistence into one coordinator with
// a single process-wide lifetime.
//
// The source of this design kept the cache behind a shared singleton; here
// the Coordinator is constructed explicitly by the composition root and
// passed by handle to whoever needs it (API adapters, the daemon command),
// so the dependency graph is visible in code.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/StreakWorks/StreakCore/services/progress/activity"
	"github.com/StreakWorks/StreakCore/services/progress/clock"
	"github.com/StreakWorks/StreakCore/services/progress/engine"
	"github.com/StreakWorks/StreakCore/services/progress/gateway"
	"github.com/StreakWorks/StreakCore/services/progress/sched"
)

// Rollover resync deferral bounds when the user is active at the boundary.
// Longer than the periodic deferral window: a rollover wipes the visible
// numbers, so it deserves a calmer moment.
const (
	DefaultRolloverDeferMin = 60 * time.Second
	DefaultRolloverDeferMax = 120 * time.Second
)

// Persister is the durable-storage collaborator. Implemented by store.Store.
type Persister interface {
	Persist(ctx context.Context, snap engine.Snapshot) error
	Load(ctx context.Context) (engine.Snapshot, bool, error)
	Clear(ctx context.Context) error
}

// CoordinatorConfig holds coordinator policy settings.
type CoordinatorConfig struct {
	// UserID identifies whose progress this session tracks.
	UserID string

	// SyncInterval for the background scheduler. Default 5 minutes.
	SyncInterval time.Duration

	// FetchTimeout per gateway call. Default 12 seconds.
	FetchTimeout time.Duration

	// GracePeriod for the activity tracker. Default 30 seconds.
	GracePeriod time.Duration

	// RetryCadence for the deferred queue. Default 10 seconds.
	RetryCadence time.Duration

	// RolloverDeferMin/Max bound the randomized delay before a rollover
	// resync when the user is active at the boundary.
	RolloverDeferMin time.Duration
	RolloverDeferMax time.Duration

	// ForegroundRefreshPerMinute caps forced refreshes triggered by rapid
	// foreground/background flapping. Default 2.
	ForegroundRefreshPerMinute int

	// StreamURL enables the websocket push listener when non-empty.
	StreamURL string
}

// PolicyUpdate carries the hot-reloadable policy knobs, applied to a running
// session on a config reload. Zero fields leave the current value unchanged.
type PolicyUpdate struct {
	SyncInterval               time.Duration
	FetchTimeout               time.Duration
	GracePeriod                time.Duration
	RetryCadence               time.Duration
	RolloverDeferMin           time.Duration
	RolloverDeferMax           time.Duration
	ForegroundRefreshPerMinute int
}

// Status is a diagnostic view of the session for the local API.
type Status struct {
	State             engine.CacheState `json:"state"`
	WeekStamp         string            `json:"week_stamp"`
	LastSyncedAt      time.Time         `json:"last_synced_at"`
	PendingDeferred   bool              `json:"pending_deferred"`
	UserActive        bool              `json:"user_active"`
	EmptySince        time.Time         `json:"empty_since,omitempty"`
	SchedulerRunning  bool              `json:"scheduler_running"`
	EntryCount        int               `json:"entry_count"`
	LastInteractionAt time.Time         `json:"last_interaction_at,omitempty"`
}

// Coordinator owns the session's progress core.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Coordinator struct {
	cfg       CoordinatorConfig
	clk       clock.Clock
	eng       *engine.Engine
	tracker   *activity.Tracker
	gw        gateway.SnapshotGateway
	queue     *sched.RetryQueue
	scheduler *sched.SyncScheduler
	stream    *gateway.StreamListener
	persister Persister

	fetchGroup singleflight.Group
	fgLimiter  *rate.Limiter

	mu         sync.Mutex
	started    bool
	emptySince time.Time
}

// NewCoordinator wires the progress core together.
//
// # Inputs
//
//   - gw: Remote data gateway. Must not be nil.
//   - persister: Durable storage; may be nil (ephemeral session).
//   - clk: Time source; nil uses the system clock.
//   - cfg: Policy settings; zero values take defaults.
//
// # Outputs
//
//   - *Coordinator: Constructed but not started; call Start.
func NewCoordinator(gw gateway.SnapshotGateway, persister Persister, clk clock.Clock, cfg CoordinatorConfig) *Coordinator {
	if clk == nil {
		clk = clock.System()
	}
	if cfg.RolloverDeferMin <= 0 {
		cfg.RolloverDeferMin = DefaultRolloverDeferMin
	}
	if cfg.RolloverDeferMax < cfg.RolloverDeferMin {
		cfg.RolloverDeferMax = DefaultRolloverDeferMax
	}
	if cfg.ForegroundRefreshPerMinute <= 0 {
		cfg.ForegroundRefreshPerMinute = 2
	}

	c := &Coordinator{
		cfg:       cfg,
		clk:       clk,
		gw:        gw,
		persister: persister,
		tracker:   activity.NewTracker(clk, cfg.GracePeriod),
		fgLimiter: rate.NewLimiter(rate.Limit(float64(cfg.ForegroundRefreshPerMinute)/60.0), 1),
	}

	c.eng = engine.NewEngine(c.tracker,
		engine.WithClock(clk),
		engine.WithPersistFunc(c.persistSnapshot),
	)
	c.queue = sched.NewRetryQueue(c.eng, c.tracker, clk, cfg.RetryCadence)
	// Close the loop: deferred periodic snapshots land in the queue.
	engine.WithDeferrer(c.queue)(c.eng)

	c.scheduler = sched.NewSyncScheduler(c.gw, c.eng, c.eng, c.handleRollover, cfg.UserID, sched.Config{
		Interval:     cfg.SyncInterval,
		FetchTimeout: cfg.FetchTimeout,
	})

	if cfg.StreamURL != "" {
		c.stream = gateway.NewStreamListener(cfg.StreamURL, func(ctx context.Context, records []engine.WeeklyProgress) {
			// Pushed updates obey the same policy as polled ones.
			if _, err := c.eng.ApplyServerSnapshot(ctx, records, engine.ReasonPeriodic); err != nil {
				slog.Warn("pushed snapshot apply failed", slog.String("error", err.Error()))
			}
		})
	}
	return c
}

// Start hydrates persisted state, reconciles the week stamp, runs an initial
// sync, and starts the background loops. Idempotent.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if c.persister != nil {
		if snap, found, err := c.persister.Load(ctx); err != nil {
			slog.Warn("persisted state load failed, cold start", slog.String("error", err.Error()))
		} else if found {
			c.eng.Hydrate(snap)
		}
	}

	// The persisted stamp may belong to a past week.
	if c.eng.CheckAndHandleRollover(ctx) {
		c.handleRollover(ctx)
	} else if c.eng.State() == engine.StateEmpty {
		c.noteEmpty()
		c.initialSync(ctx)
	}

	c.queue.Start(ctx)
	c.scheduler.Start(ctx)
	if c.stream != nil {
		c.stream.Start(ctx)
	}
}

// UpdatePolicy retunes the session's policy timing without a restart.
// Safe to call while the background loops run; endpoint, storage, and
// stream changes still need a restart since they are construction-time.
func (c *Coordinator) UpdatePolicy(p PolicyUpdate) {
	if p.GracePeriod > 0 {
		c.tracker.SetGracePeriod(p.GracePeriod)
	}
	if p.RetryCadence > 0 {
		c.queue.SetCadence(p.RetryCadence)
	}
	if p.SyncInterval > 0 {
		c.scheduler.SetInterval(p.SyncInterval)
	}
	if p.FetchTimeout > 0 {
		c.scheduler.SetFetchTimeout(p.FetchTimeout)
	}
	if p.ForegroundRefreshPerMinute > 0 {
		c.fgLimiter.SetLimit(rate.Limit(float64(p.ForegroundRefreshPerMinute) / 60.0))
	}

	c.mu.Lock()
	if p.FetchTimeout > 0 {
		c.cfg.FetchTimeout = p.FetchTimeout
	}
	if p.RolloverDeferMin > 0 {
		c.cfg.RolloverDeferMin = p.RolloverDeferMin
	}
	if p.RolloverDeferMax > 0 && p.RolloverDeferMax >= c.cfg.RolloverDeferMin {
		c.cfg.RolloverDeferMax = p.RolloverDeferMax
	}
	c.mu.Unlock()

	slog.Info("session policy updated")
}

// Stop halts the background loops. The cache stays readable.
func (c *Coordinator) Stop() {
	c.scheduler.Stop()
	c.queue.Stop()
	if c.stream != nil {
		c.stream.Stop()
	}
}

// RecordInteraction stamps user engagement. Called by every UI read path.
func (c *Coordinator) RecordInteraction() {
	c.tracker.RecordInteraction()
}

// Get returns the cached entry for id. Does not record an interaction; the
// caller decides whether the read was user-visible.
func (c *Coordinator) Get(id engine.HabitID) (engine.WeeklyProgress, error) {
	return c.eng.Get(id)
}

// Snapshot returns a consistent copy of the cache.
func (c *Coordinator) Snapshot() engine.Snapshot {
	return c.eng.Snapshot()
}

// IncrementHabit applies a user-initiated progress increment.
//
// On NotFound the coordinator performs a targeted single-habit fetch
// (deduplicated across concurrent callers) and retries the increment once.
func (c *Coordinator) IncrementHabit(ctx context.Context, id engine.HabitID, delta int) (engine.WeeklyProgress, error) {
	entry, err := c.eng.ApplyUserAction(ctx, id, delta)
	if err == nil || !errors.Is(err, engine.ErrHabitNotFound) {
		return entry, err
	}

	if fetchErr := c.fetchHabit(ctx, id); fetchErr != nil {
		slog.Warn("targeted habit fetch failed",
			slog.String("habit_id", string(id)),
			slog.String("error", fetchErr.Error()),
		)
		return engine.WeeklyProgress{}, err // original NotFound
	}
	return c.eng.ApplyUserAction(ctx, id, delta)
}

// OnAppForeground runs a forced consistency check for a foreground
// transition: rollover first, then an authoritative refresh. Rate-limited so
// fg/bg flapping cannot stampede the server; a suppressed call still does
// the (local, cheap) rollover check.
func (c *Coordinator) OnAppForeground(ctx context.Context) {
	if c.eng.CheckAndHandleRollover(ctx) {
		c.handleRollover(ctx)
		return
	}
	if !c.fgLimiter.Allow() {
		slog.Debug("foreground refresh suppressed by rate limit")
		return
	}
	c.refresh(ctx, engine.ReasonForcedRefresh)
}

// OnAppBackground clears the interaction stamp so a stale foreground stamp
// cannot block the first sync after resume.
func (c *Coordinator) OnAppBackground() {
	c.tracker.Reset()
}

// Logout clears the live cache and the persisted copy.
func (c *Coordinator) Logout(ctx context.Context) {
	c.eng.Clear()
	if c.persister != nil {
		if err := c.persister.Clear(ctx); err != nil {
			slog.Warn("persisted state clear failed", slog.String("error", err.Error()))
		}
	}

	// The empty-duration stamp restarts at the logout instant.
	c.mu.Lock()
	c.emptySince = c.clk.Now()
	c.mu.Unlock()
}

// Status reports the session's diagnostic state.
func (c *Coordinator) Status() Status {
	snap := c.eng.Snapshot()

	c.mu.Lock()
	emptySince := c.emptySince
	c.mu.Unlock()
	if snap.State != engine.StateEmpty {
		emptySince = time.Time{}
	}

	return Status{
		State:             snap.State,
		WeekStamp:         string(snap.WeekStamp),
		LastSyncedAt:      snap.LastSyncedAt,
		PendingDeferred:   c.eng.HasPendingDeferredSync(),
		UserActive:        c.tracker.IsUserActive(),
		EmptySince:        emptySince,
		SchedulerRunning:  c.scheduler.Running(),
		EntryCount:        len(snap.Entries),
		LastInteractionAt: c.tracker.LastInteractionAt(),
	}
}

// SyncNow forces one background sync cycle. Exposed for the local API.
func (c *Coordinator) SyncNow(ctx context.Context) {
	c.scheduler.SyncNow(ctx)
}

// handleRollover completes a detected rollover with a full resync.
//
// If the user is inactive the resync runs immediately. Otherwise it is
// deferred by a randomized 60-120s window — the cache stays in its explicit
// stale-pending state meanwhile, so reads show a loading affordance rather
// than silently empty data — and the queue re-checks activity each attempt.
func (c *Coordinator) handleRollover(ctx context.Context) {
	if !c.tracker.IsUserActive() {
		c.refresh(ctx, engine.ReasonPostRollover)
		return
	}

	deferMin, deferMax := c.rolloverDeferWindow()
	span := deferMax - deferMin
	delay := deferMin
	if span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	slog.Info("rollover resync deferred, user active",
		slog.Duration("delay", delay),
	)
	c.queue.DeferAfter("rollover_resync", delay, func(taskCtx context.Context) bool {
		if c.tracker.IsUserActive() {
			return true // keep waiting
		}
		c.refresh(taskCtx, engine.ReasonPostRollover)
		return false
	})
}

// refresh fetches a snapshot and applies it with the given reason.
func (c *Coordinator) refresh(ctx context.Context, reason engine.SnapshotReason) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout())
	defer cancel()

	records, err := c.gw.FetchProgressSnapshot(fetchCtx, c.cfg.UserID)
	if err != nil {
		// Same policy as the scheduler: skip, never destroy. The periodic
		// loop (or the queued rollover task) retries naturally.
		slog.Warn("refresh fetch failed",
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
		if reason == engine.ReasonPostRollover {
			deferMin, _ := c.rolloverDeferWindow()
			c.queue.DeferAfter("rollover_resync", deferMin, func(taskCtx context.Context) bool {
				if c.tracker.IsUserActive() {
					return true
				}
				c.refresh(taskCtx, engine.ReasonPostRollover)
				return false
			})
		}
		return
	}
	if _, err := c.eng.ApplyServerSnapshot(ctx, records, reason); err != nil {
		slog.Warn("refresh apply failed", slog.String("error", err.Error()))
	}
}

// initialSync populates an empty cache at session start.
func (c *Coordinator) initialSync(ctx context.Context) {
	c.refresh(ctx, engine.ReasonForcedRefresh)
}

// fetchHabit fetches one habit and inserts it, deduplicating concurrent
// requests for the same ID.
func (c *Coordinator) fetchHabit(ctx context.Context, id engine.HabitID) error {
	_, err, _ := c.fetchGroup.Do(string(id), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout())
		defer cancel()

		rec, err := c.gw.FetchHabit(fetchCtx, c.cfg.UserID, id)
		if err != nil {
			return nil, err
		}
		// Authoritative so the insert is never deferred behind activity:
		// the user is mid-action on this habit right now.
		_, err = c.eng.ApplyServerSnapshot(ctx, []engine.WeeklyProgress{rec}, engine.ReasonForcedRefresh)
		return nil, err
	})
	return err
}

// persistSnapshot is the engine's persistence hook.
func (c *Coordinator) persistSnapshot(snap engine.Snapshot) {
	if c.persister == nil {
		return
	}
	// Best-effort with a short leash; never blocks a mutation's caller long.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.persister.Persist(ctx, snap); err != nil {
		slog.Warn("cache persist failed", slog.String("error", err.Error()))
	}
}

// noteEmpty records when the cache was first observed empty this session.
func (c *Coordinator) noteEmpty() {
	c.mu.Lock()
	if c.emptySince.IsZero() {
		c.emptySince = c.clk.Now()
	}
	c.mu.Unlock()
}

// fetchTimeout returns the current per-call gateway timeout.
func (c *Coordinator) fetchTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.FetchTimeout <= 0 {
		return gateway.DefaultRequestTimeout
	}
	return c.cfg.FetchTimeout
}

// rolloverDeferWindow returns the current resync deferral bounds.
func (c *Coordinator) rolloverDeferWindow() (time.Duration, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.RolloverDeferMin, c.cfg.RolloverDeferMax
}
