// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"time"

	"github.com/StreakWorks/StreakCore/services/progress/week"
)

// HabitID identifies a habit. Server-issued; validated at the API boundary.
type HabitID string

// WriteSource records the provenance of the most recent cache mutation.
// Diagnostic only; conflict arbitration is by timestamp, not source.
type WriteSource string

const (
	// SourceUserAction marks a direct user-initiated progress increment.
	SourceUserAction WriteSource = "user_action"

	// SourceServerSync marks an applied server snapshot.
	SourceServerSync WriteSource = "server_sync"

	// SourceInvalidation marks a scoped invalidation (week rollover, logout).
	SourceInvalidation WriteSource = "invalidation"
)

// SnapshotReason explains why a server snapshot is being applied. The reason
// selects the conflict-resolution and deferral policy.
type SnapshotReason string

const (
	// ReasonPeriodic is a routine background poll. Deferred while the user
	// is actively interacting; per-record last-writer-wins otherwise.
	ReasonPeriodic SnapshotReason = "periodic"

	// ReasonForcedRefresh is an authoritative replacement requested by an
	// app-lifecycle transition. Applies immediately, overrides timestamps.
	ReasonForcedRefresh SnapshotReason = "forced_refresh"

	// ReasonPostRollover is the resync after a week boundary. Applies
	// immediately, overrides timestamps.
	ReasonPostRollover SnapshotReason = "post_rollover"
)

// Authoritative reports whether records applied for this reason replace
// local entries regardless of their updatedAt.
func (r SnapshotReason) Authoritative() bool {
	return r == ReasonForcedRefresh || r == ReasonPostRollover
}

// CacheState is the engine's coarse relationship to the server.
type CacheState string

const (
	// StateEmpty means the cache has never been populated this session.
	StateEmpty CacheState = "empty"

	// StatePopulated means the cache holds entries for the stamped week.
	StatePopulated CacheState = "populated"

	// StateStalePendingRollover means a week boundary was detected and the
	// entries were cleared; the post-rollover resync has not completed yet.
	// Reads in this state should show a loading affordance, not empty data.
	StateStalePendingRollover CacheState = "stale_pending_rollover"
)

// WeeklyProgress is the per-habit aggregate for the current week.
type WeeklyProgress struct {
	HabitID      HabitID   `json:"habit_id"`
	CurrentCount int       `json:"current_count"`
	TargetCount  int       `json:"target_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Snapshot is an immutable copy of the cache, taken under the engine lock.
// Used by reads, the persistence layer, and the diagnostics API.
type Snapshot struct {
	Entries         map[HabitID]WeeklyProgress `json:"entries"`
	WeekStamp       week.Key                   `json:"week_stamp"`
	LastSyncedAt    time.Time                  `json:"last_synced_at"`
	LastWriteSource WriteSource                `json:"last_write_source"`
	State           CacheState                 `json:"state"`
}

// ApplyOutcome summarizes one ApplyServerSnapshot call.
type ApplyOutcome struct {
	// Deferred is true when the whole snapshot was postponed because the
	// user is active and the reason was periodic. Nothing was mutated.
	Deferred bool

	// Inserted counts records added for previously unknown habits.
	Inserted int

	// Updated counts records that replaced an existing entry.
	Updated int

	// RejectedStale counts records dropped because the local entry carried
	// a newer updatedAt. Not an error; surfaced as a metric.
	RejectedStale int
}

// Applied reports whether the snapshot mutated the cache at all.
func (o ApplyOutcome) Applied() bool {
	return !o.Deferred && (o.Inserted > 0 || o.Updated > 0)
}
