// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package activity

import (
	"testing"
	"time"

	"github.com/StreakWorks/StreakCore/services/progress/clock"
)

func TestTracker(t *testing.T) {
	base := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)

	t.Run("inactive before any interaction", func(t *testing.T) {
		clk := clock.NewFake(base)
		tr := NewTracker(clk, 30*time.Second)
		if tr.IsUserActive() {
			t.Error("IsUserActive = true with no interaction recorded")
		}
	})

	t.Run("active within grace period", func(t *testing.T) {
		clk := clock.NewFake(base)
		tr := NewTracker(clk, 30*time.Second)
		tr.RecordInteraction()

		clk.Advance(29 * time.Second)
		if !tr.IsUserActive() {
			t.Error("IsUserActive = false at 29s, want true")
		}
	})

	t.Run("inactive once grace elapses", func(t *testing.T) {
		clk := clock.NewFake(base)
		tr := NewTracker(clk, 30*time.Second)
		tr.RecordInteraction()

		clk.Advance(30 * time.Second)
		if tr.IsUserActive() {
			t.Error("IsUserActive = true at exactly 30s, want false")
		}
	})

	t.Run("new interaction extends the window", func(t *testing.T) {
		clk := clock.NewFake(base)
		tr := NewTracker(clk, 30*time.Second)
		tr.RecordInteraction()

		clk.Advance(25 * time.Second)
		tr.RecordInteraction()
		clk.Advance(25 * time.Second)
		if !tr.IsUserActive() {
			t.Error("IsUserActive = false 25s after re-interaction")
		}
	})

	t.Run("reset clears the stamp", func(t *testing.T) {
		clk := clock.NewFake(base)
		tr := NewTracker(clk, 30*time.Second)
		tr.RecordInteraction()
		tr.Reset()
		if tr.IsUserActive() {
			t.Error("IsUserActive = true after Reset")
		}
		if !tr.LastInteractionAt().IsZero() {
			t.Error("LastInteractionAt not zero after Reset")
		}
	})

	t.Run("retuned grace applies to an existing stamp", func(t *testing.T) {
		clk := clock.NewFake(base)
		tr := NewTracker(clk, 30*time.Second)
		tr.RecordInteraction()

		clk.Advance(10 * time.Second)
		if !tr.IsUserActive() {
			t.Fatal("IsUserActive = false at 10s with 30s grace")
		}
		tr.SetGracePeriod(5 * time.Second)
		if tr.IsUserActive() {
			t.Error("IsUserActive = true at 10s after grace retuned to 5s")
		}

		tr.SetGracePeriod(0) // ignored
		if tr.IsUserActive() {
			t.Error("non-positive grace was not ignored")
		}
	})

	t.Run("defaults applied for zero arguments", func(t *testing.T) {
		tr := NewTracker(nil, 0)
		if tr.grace != DefaultGracePeriod {
			t.Errorf("grace = %v, want %v", tr.grace, DefaultGracePeriod)
		}
		tr.RecordInteraction()
		if !tr.IsUserActive() {
			t.Error("IsUserActive = false immediately after interaction")
		}
	})
}
