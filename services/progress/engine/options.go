// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"github.com/StreakWorks/StreakCore/services/progress/clock"
)

// Option customizes an Engine at construction time.
type Option func(*Engine)

// WithClock injects a time source. Defaults to the system clock.
// Tests use this to drive grace periods and week boundaries without sleeps.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		if clk != nil {
			e.clk = clk
		}
	}
}

// WithDeferrer installs the sink that receives postponed periodic snapshots.
//
// When the user is active, ApplyServerSnapshot hands the records to the
// deferrer instead of mutating the cache. Without a deferrer the caller is
// responsible for re-attempting (the returned outcome still says Deferred).
func WithDeferrer(d Deferrer) Option {
	return func(e *Engine) {
		e.deferrer = d
	}
}

// WithPersistFunc installs a best-effort persistence hook invoked after every
// accepted mutation, outside the engine lock, with a consistent snapshot.
//
// The hook must not call back into the engine. Errors are the hook's problem;
// persistence failure must never block or fail a cache mutation.
func WithPersistFunc(persist func(Snapshot)) Option {
	return func(e *Engine) {
		e.persist = persist
	}
}
