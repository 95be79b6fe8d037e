// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway fetches progress snapshots from the remote server.
//
// The gateway is the only component in the progress core that performs
// network I/O. It is deliberately opaque to the rest of the core: callers get
// a snapshot or an error, and every error is absorbed at the scheduler
// boundary as "skip this cycle, retry next" — a gateway failure must never
// escalate into a destructive cache overwrite.
package gateway

import (
	"context"
	"fmt"

	"github.com/StreakWorks/StreakCore/services/progress/engine"
)

// SnapshotGateway fetches habit progress from the server.
type SnapshotGateway interface {
	// FetchProgressSnapshot returns the current week's progress records for
	// the user. May be a full or partial set; the server stamps each record
	// with a comparable updatedAt.
	FetchProgressSnapshot(ctx context.Context, userID string) ([]engine.WeeklyProgress, error)

	// FetchHabit returns a single habit's record. Used for the targeted
	// re-fetch after a NotFound user action.
	FetchHabit(ctx context.Context, userID string, habitID engine.HabitID) (engine.WeeklyProgress, error)
}

// Error is a typed gateway failure (network, timeout, decoding, or a
// non-2xx response). It wraps the underlying cause.
type Error struct {
	// Op is the failing operation, e.g. "fetch_snapshot".
	Op string

	// StatusCode is the HTTP status, 0 for transport-level failures.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
