// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package week

import (
	"testing"
	"time"
)

func TestCurrentKey(t *testing.T) {
	t.Run("formats year and week", func(t *testing.T) {
		// 2025-03-05 is a Wednesday in ISO week 10.
		now := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
		got := CurrentKey(now)
		if got != "2025-W10" {
			t.Errorf("CurrentKey = %q, want %q", got, "2025-W10")
		}
	})

	t.Run("uses ISO week-year near January 1st", func(t *testing.T) {
		// 2024-12-30 is a Monday belonging to ISO week 2025-W01.
		now := time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)
		got := CurrentKey(now)
		if got != "2025-W01" {
			t.Errorf("CurrentKey = %q, want %q", got, "2025-W01")
		}
	})

	t.Run("week starts on Monday", func(t *testing.T) {
		sunday := time.Date(2025, 3, 9, 23, 59, 59, 0, time.UTC)
		monday := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
		if CurrentKey(sunday) == CurrentKey(monday) {
			t.Errorf("Sunday and following Monday map to same key %q", CurrentKey(sunday))
		}
		if CurrentKey(sunday) != "2025-W10" {
			t.Errorf("Sunday key = %q, want 2025-W10", CurrentKey(sunday))
		}
		if CurrentKey(monday) != "2025-W11" {
			t.Errorf("Monday key = %q, want 2025-W11", CurrentKey(monday))
		}
	})

	t.Run("stable within a week", func(t *testing.T) {
		base := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
		key := CurrentKey(base)
		for d := 0; d < 7; d++ {
			got := CurrentKey(base.AddDate(0, 0, d))
			if got != key {
				t.Errorf("day +%d: key = %q, want %q", d, got, key)
			}
		}
	})
}

func TestHasRolledOver(t *testing.T) {
	wed := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)

	t.Run("false within the stamped week", func(t *testing.T) {
		if HasRolledOver("2025-W10", wed) {
			t.Error("HasRolledOver = true for matching week")
		}
	})

	t.Run("true after the boundary", func(t *testing.T) {
		if !HasRolledOver("2025-W10", wed.AddDate(0, 0, 7)) {
			t.Error("HasRolledOver = false one week later")
		}
	})

	t.Run("true after multiple suspended weeks", func(t *testing.T) {
		if !HasRolledOver("2025-W10", wed.AddDate(0, 0, 35)) {
			t.Error("HasRolledOver = false five weeks later")
		}
	})

	t.Run("unset stamp counts as rolled over", func(t *testing.T) {
		if !HasRolledOver(Zero, wed) {
			t.Error("HasRolledOver = false for zero stamp")
		}
	})
}
