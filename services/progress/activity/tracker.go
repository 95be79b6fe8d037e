// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package activity tracks recent user interaction with progress UI.
//
// The tracker is the gate that decides whether a background sync may touch
// the cache right now: while the user is actively looking at (or tapping on)
// progress data, a server snapshot applied underneath them reads as a visual
// glitch. The tracker records the last interaction instant and derives a
// boolean "still engaged" signal with a configurable grace period.
//
// It is infallible by construction: no errors, no blocking, no goroutines.
package activity

import (
	"sync"
	"time"

	"github.com/StreakWorks/StreakCore/services/progress/clock"
)

// DefaultGracePeriod is how long after the last interaction the user is
// still considered active. Empirically tuned; override via NewTracker.
const DefaultGracePeriod = 30 * time.Second

// Tracker records interaction timestamps and answers IsUserActive.
//
// # Thread Safety
//
// Safe for concurrent use. RecordInteraction is called from UI read paths
// and IsUserActive from the sync scheduler's goroutine.
type Tracker struct {
	clk clock.Clock

	mu                sync.RWMutex
	grace             time.Duration
	lastInteractionAt time.Time
}

// NewTracker creates a tracker with the given clock and grace period.
//
// A non-positive grace falls back to DefaultGracePeriod. A nil clock falls
// back to the system clock.
func NewTracker(clk clock.Clock, grace time.Duration) *Tracker {
	if clk == nil {
		clk = clock.System()
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Tracker{clk: clk, grace: grace}
}

// RecordInteraction stamps the current instant as the latest interaction.
//
// Called by any UI read path that displays progress data. Side effect only;
// cannot fail.
func (t *Tracker) RecordInteraction() {
	now := t.clk.Now()
	t.mu.Lock()
	t.lastInteractionAt = now
	t.mu.Unlock()
}

// IsUserActive reports whether the last interaction is within the grace
// period. A tracker that has never seen an interaction reports false.
func (t *Tracker) IsUserActive() bool {
	t.mu.RLock()
	last := t.lastInteractionAt
	grace := t.grace
	t.mu.RUnlock()

	if last.IsZero() {
		return false
	}
	return t.clk.Now().Sub(last) < grace
}

// SetGracePeriod retunes the grace period. Applies to the next IsUserActive
// call, including for an interaction already recorded. Non-positive values
// are ignored.
func (t *Tracker) SetGracePeriod(grace time.Duration) {
	if grace <= 0 {
		return
	}
	t.mu.Lock()
	t.grace = grace
	t.mu.Unlock()
}

// LastInteractionAt returns the most recent interaction stamp, zero if none.
// Exposed for diagnostics endpoints.
func (t *Tracker) LastInteractionAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastInteractionAt
}

// Reset clears the interaction stamp. Called on app background transitions
// so a stale foreground stamp does not block the first sync after resume.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.lastInteractionAt = time.Time{}
	t.mu.Unlock()
}
