// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package clock provides an injectable time source for policy-timing code.
//
// Every component whose behavior depends on wall-clock time (activity grace
// period, week rollover, deferred-sync retry cadence) takes a Clock instead
// of calling time.Now directly, so tests can drive time deterministically
// without real sleeps.
package clock

import (
	"sync"
	"time"
)

// Clock is the minimal time source used across the progress core.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// systemClock delegates to the real wall clock.
type systemClock struct{}

// System returns a Clock backed by time.Now.
func System() Clock {
	return systemClock{}
}

// Now implements Clock.
func (systemClock) Now() time.Time {
	return time.Now()
}

// Fake is a manually advanced Clock for tests.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set jumps the fake clock to t. Useful for week-boundary tests.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
