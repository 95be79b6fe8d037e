// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/StreakWorks/StreakCore/services/progress/clock"
	"github.com/StreakWorks/StreakCore/services/progress/week"
)

// fixedActivity is a static ActivityChecker for tests.
type fixedActivity struct {
	active bool
}

func (f *fixedActivity) IsUserActive() bool { return f.active }

// captureDeferrer records deferred snapshots instead of retrying them.
type captureDeferrer struct {
	deferred [][]WeeklyProgress
	stamps   []week.Key
}

func (d *captureDeferrer) Defer(records []WeeklyProgress, _ SnapshotReason, stamp week.Key) {
	d.deferred = append(d.deferred, records)
	d.stamps = append(d.stamps, stamp)
}

func (d *captureDeferrer) Pending() int { return len(d.deferred) }

var testBase = time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC) // 2025-W10

func newTestEngine(active bool) (*Engine, *clock.Fake, *captureDeferrer) {
	clk := clock.NewFake(testBase)
	d := &captureDeferrer{}
	e := NewEngine(&fixedActivity{active: active}, WithClock(clk), WithDeferrer(d))
	return e, clk, d
}

func populate(t *testing.T, e *Engine, records ...WeeklyProgress) {
	t.Helper()
	if _, err := e.ApplyServerSnapshot(context.Background(), records, ReasonForcedRefresh); err != nil {
		t.Fatalf("populate: %v", err)
	}
}

func TestApplyUserAction(t *testing.T) {
	ctx := context.Background()

	t.Run("increments and is immediately visible", func(t *testing.T) {
		e, clk, _ := newTestEngine(true) // active user must not block user actions
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: testBase})

		clk.Advance(time.Minute)
		got, err := e.ApplyUserAction(ctx, "habit-a", 1)
		if err != nil {
			t.Fatalf("ApplyUserAction: %v", err)
		}
		if got.CurrentCount != 3 {
			t.Errorf("CurrentCount = %d, want 3", got.CurrentCount)
		}

		read, err := e.Get("habit-a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if read.CurrentCount != 3 {
			t.Errorf("Get after ApplyUserAction = %d, want 3", read.CurrentCount)
		}
	})

	t.Run("P1 counts are non-decreasing across action sequences", func(t *testing.T) {
		e, clk, _ := newTestEngine(false)
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 0, TargetCount: 7, UpdatedAt: testBase})

		prev := 0
		for _, delta := range []int{1, 0, 3, 2, 0, 1} {
			clk.Advance(time.Second)
			got, err := e.ApplyUserAction(ctx, "habit-a", delta)
			if err != nil {
				t.Fatalf("ApplyUserAction(%d): %v", delta, err)
			}
			if got.CurrentCount < prev {
				t.Errorf("count decreased: %d -> %d", prev, got.CurrentCount)
			}
			prev = got.CurrentCount
		}
		if prev != 7 {
			t.Errorf("final count = %d, want 7", prev)
		}
	})

	t.Run("count may exceed target", func(t *testing.T) {
		e, _, _ := newTestEngine(false)
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 4, TargetCount: 5, UpdatedAt: testBase})

		got, err := e.ApplyUserAction(ctx, "habit-a", 3)
		if err != nil {
			t.Fatalf("ApplyUserAction: %v", err)
		}
		if got.CurrentCount != 7 {
			t.Errorf("CurrentCount = %d, want 7 (no clamping)", got.CurrentCount)
		}
	})

	t.Run("unknown habit is a no-op reporting NotFound", func(t *testing.T) {
		e, _, _ := newTestEngine(false)
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 1, TargetCount: 5, UpdatedAt: testBase})

		_, err := e.ApplyUserAction(ctx, "habit-x", 1)
		if !errors.Is(err, ErrHabitNotFound) {
			t.Fatalf("error = %v, want ErrHabitNotFound", err)
		}
		if got, _ := e.Get("habit-a"); got.CurrentCount != 1 {
			t.Errorf("unrelated entry mutated: count = %d", got.CurrentCount)
		}
	})

	t.Run("negative delta rejected", func(t *testing.T) {
		e, _, _ := newTestEngine(false)
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 1, TargetCount: 5, UpdatedAt: testBase})

		if _, err := e.ApplyUserAction(ctx, "habit-a", -1); !errors.Is(err, ErrNegativeDelta) {
			t.Errorf("error = %v, want ErrNegativeDelta", err)
		}
	})
}

func TestApplyServerSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("first snapshot populates an empty cache", func(t *testing.T) {
		e, _, _ := newTestEngine(false)
		if e.State() != StateEmpty {
			t.Fatalf("initial state = %v", e.State())
		}

		outcome, err := e.ApplyServerSnapshot(ctx, []WeeklyProgress{
			{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: testBase},
			{HabitID: "habit-b", CurrentCount: 0, TargetCount: 3, UpdatedAt: testBase},
		}, ReasonPeriodic)
		if err != nil {
			t.Fatalf("ApplyServerSnapshot: %v", err)
		}
		if outcome.Inserted != 2 {
			t.Errorf("Inserted = %d, want 2", outcome.Inserted)
		}
		if e.State() != StatePopulated {
			t.Errorf("state = %v, want populated", e.State())
		}
		snap := e.Snapshot()
		if snap.WeekStamp != "2025-W10" {
			t.Errorf("weekStamp = %q, want 2025-W10", snap.WeekStamp)
		}
		if snap.LastWriteSource != SourceServerSync {
			t.Errorf("lastWriteSource = %q", snap.LastWriteSource)
		}
	})

	t.Run("P5 last-writer-wins by timestamp not arrival order", func(t *testing.T) {
		e, _, _ := newTestEngine(false)

		later := testBase.Add(time.Hour)
		if _, err := e.ApplyServerSnapshot(ctx, []WeeklyProgress{
			{HabitID: "habit-a", CurrentCount: 4, TargetCount: 5, UpdatedAt: later},
		}, ReasonPeriodic); err != nil {
			t.Fatal(err)
		}
		outcome, err := e.ApplyServerSnapshot(ctx, []WeeklyProgress{
			{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: testBase},
		}, ReasonPeriodic)
		if err != nil {
			t.Fatal(err)
		}
		if outcome.RejectedStale != 1 {
			t.Errorf("RejectedStale = %d, want 1", outcome.RejectedStale)
		}
		if got, _ := e.Get("habit-a"); got.CurrentCount != 4 {
			t.Errorf("count = %d, want 4 (later write wins)", got.CurrentCount)
		}
	})

	t.Run("stale periodic record loses to fresher user action", func(t *testing.T) {
		// Scenario from the design review: cache {count=2, updatedAt=T0},
		// user increments at T1, a poll then delivers count=2 stamped T0.5.
		e, clk, _ := newTestEngine(false)
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: testBase})

		clk.Advance(time.Minute) // T1
		if _, err := e.ApplyUserAction(ctx, "habit-a", 1); err != nil {
			t.Fatal(err)
		}

		stale := testBase.Add(30 * time.Second) // between T0 and T1
		outcome, err := e.ApplyServerSnapshot(ctx, []WeeklyProgress{
			{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: stale},
		}, ReasonPeriodic)
		if err != nil {
			t.Fatal(err)
		}
		if outcome.RejectedStale != 1 {
			t.Errorf("RejectedStale = %d, want 1", outcome.RejectedStale)
		}
		if got, _ := e.Get("habit-a"); got.CurrentCount != 3 {
			t.Errorf("count = %d, want 3", got.CurrentCount)
		}
	})

	t.Run("P2 periodic snapshot deferred while user active", func(t *testing.T) {
		act := &fixedActivity{active: false}
		clk := clock.NewFake(testBase)
		d := &captureDeferrer{}
		e := NewEngine(act, WithClock(clk), WithDeferrer(d))
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 3, TargetCount: 5, UpdatedAt: testBase.Add(time.Minute)})

		act.active = true
		records := []WeeklyProgress{{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: testBase}}
		outcome, err := e.ApplyServerSnapshot(ctx, records, ReasonPeriodic)
		if err != nil {
			t.Fatal(err)
		}
		if !outcome.Deferred {
			t.Fatal("outcome.Deferred = false, want true")
		}
		if got, _ := e.Get("habit-a"); got.CurrentCount != 3 {
			t.Errorf("local value disturbed: count = %d, want 3", got.CurrentCount)
		}
		if len(d.deferred) != 1 {
			t.Fatalf("deferred snapshots = %d, want 1", len(d.deferred))
		}
		if d.stamps[0] != "2025-W10" {
			t.Errorf("deferred with stamp %q, want 2025-W10", d.stamps[0])
		}
		if !e.HasPendingDeferredSync() {
			t.Error("HasPendingDeferredSync = false with queued snapshot")
		}

		// P3: once inactive, a re-attempt applies under normal LWW rules.
		act.active = false
		outcome, err = e.ApplyServerSnapshot(ctx, d.deferred[0], ReasonPeriodic)
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Deferred {
			t.Error("re-attempt deferred while inactive")
		}
		if outcome.RejectedStale != 1 {
			t.Errorf("RejectedStale = %d, want 1 (server record older than user write)", outcome.RejectedStale)
		}
	})

	t.Run("forced refresh applies even while active and overrides timestamps", func(t *testing.T) {
		e, _, _ := newTestEngine(true)
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 9, TargetCount: 5, UpdatedAt: testBase.Add(time.Hour)})

		outcome, err := e.ApplyServerSnapshot(ctx, []WeeklyProgress{
			{HabitID: "habit-a", CurrentCount: 4, TargetCount: 5, UpdatedAt: testBase},
		}, ReasonForcedRefresh)
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Deferred {
			t.Fatal("forced refresh deferred")
		}
		if got, _ := e.Get("habit-a"); got.CurrentCount != 4 {
			t.Errorf("count = %d, want 4 (authoritative replacement)", got.CurrentCount)
		}
	})
}

func TestCheckAndHandleRollover(t *testing.T) {
	ctx := context.Background()

	t.Run("never-stamped cache is a first populate, not a rollover", func(t *testing.T) {
		e, _, _ := newTestEngine(false)

		if e.CheckAndHandleRollover(ctx) {
			t.Fatal("rollover reported for a cache that was never stamped")
		}
		if e.State() != StateEmpty {
			t.Errorf("state = %v, want empty", e.State())
		}
		if got := e.Snapshot().WeekStamp; got != "2025-W10" {
			t.Errorf("weekStamp = %q, want 2025-W10 (stamp set on first check)", got)
		}
		// A second check in the same week stays quiet.
		if e.CheckAndHandleRollover(ctx) {
			t.Error("second check reported rollover")
		}
	})

	t.Run("P4 no-op within the same week, idempotent", func(t *testing.T) {
		e, clk, _ := newTestEngine(false)
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: testBase})

		clk.Advance(24 * time.Hour)
		if e.CheckAndHandleRollover(ctx) {
			t.Fatal("rollover reported within the same week")
		}
		if e.CheckAndHandleRollover(ctx) {
			t.Fatal("second call reported rollover")
		}
		if got, _ := e.Get("habit-a"); got.CurrentCount != 2 {
			t.Errorf("entries mutated without rollover: count = %d", got.CurrentCount)
		}
	})

	t.Run("clears entries and enters stale-pending on a new week", func(t *testing.T) {
		e, clk, _ := newTestEngine(false)
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: testBase})

		clk.Advance(7 * 24 * time.Hour) // 2025-W11
		if !e.CheckAndHandleRollover(ctx) {
			t.Fatal("rollover not detected")
		}
		if e.State() != StateStalePendingRollover {
			t.Errorf("state = %v, want stale_pending_rollover", e.State())
		}
		snap := e.Snapshot()
		if snap.WeekStamp != "2025-W11" {
			t.Errorf("weekStamp = %q, want 2025-W11", snap.WeekStamp)
		}
		if len(snap.Entries) != 0 {
			t.Errorf("entries not cleared: %d remain", len(snap.Entries))
		}
		if _, err := e.Get("habit-a"); !errors.Is(err, ErrHabitNotFound) {
			t.Errorf("Get after rollover = %v, want NotFound", err)
		}

		// Second call in the new week is a no-op.
		if e.CheckAndHandleRollover(ctx) {
			t.Error("rollover reported twice for the same week")
		}

		// Post-rollover resync completes the transition back to populated.
		if _, err := e.ApplyServerSnapshot(ctx, []WeeklyProgress{
			{HabitID: "habit-a", CurrentCount: 0, TargetCount: 5, UpdatedAt: clk.Now()},
		}, ReasonPostRollover); err != nil {
			t.Fatal(err)
		}
		if e.State() != StatePopulated {
			t.Errorf("state after resync = %v, want populated", e.State())
		}
	})

	t.Run("suspension across multiple weeks is a single rollover", func(t *testing.T) {
		e, clk, _ := newTestEngine(false)
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: testBase})

		clk.Advance(5 * 7 * 24 * time.Hour)
		if !e.CheckAndHandleRollover(ctx) {
			t.Fatal("rollover not detected after long suspension")
		}
		if got := e.Snapshot().WeekStamp; got != "2025-W15" {
			t.Errorf("weekStamp = %q, want 2025-W15", got)
		}
	})
}

func TestHydrateAndClear(t *testing.T) {
	t.Run("hydrate installs persisted state once", func(t *testing.T) {
		e, _, _ := newTestEngine(false)
		e.Hydrate(Snapshot{
			Entries: map[HabitID]WeeklyProgress{
				"habit-a": {HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: testBase},
			},
			WeekStamp:    "2025-W10",
			LastSyncedAt: testBase,
		})
		if e.State() != StatePopulated {
			t.Fatalf("state = %v, want populated", e.State())
		}

		// A second hydrate must not clobber live state.
		e.Hydrate(Snapshot{
			Entries: map[HabitID]WeeklyProgress{
				"habit-b": {HabitID: "habit-b", CurrentCount: 9, TargetCount: 9, UpdatedAt: testBase},
			},
			WeekStamp: "2025-W09",
		})
		if _, err := e.Get("habit-b"); err == nil {
			t.Error("second Hydrate overwrote live cache")
		}
	})

	t.Run("hydrate of empty snapshot is a cold start", func(t *testing.T) {
		e, _, _ := newTestEngine(false)
		e.Hydrate(Snapshot{})
		if e.State() != StateEmpty {
			t.Errorf("state = %v, want empty", e.State())
		}
	})

	t.Run("clear returns to empty on logout", func(t *testing.T) {
		e, _, _ := newTestEngine(false)
		populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: testBase})

		e.Clear()
		if e.State() != StateEmpty {
			t.Errorf("state = %v, want empty", e.State())
		}
		if _, err := e.Get("habit-a"); !errors.Is(err, ErrHabitNotFound) {
			t.Errorf("Get after Clear = %v, want NotFound", err)
		}
		if got := e.Snapshot().WeekStamp; got != "" {
			t.Errorf("weekStamp after Clear = %q, want unset", got)
		}
	})
}

func TestPersistHookFiresOnAcceptedMutations(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testBase)
	var persisted []Snapshot
	e := NewEngine(&fixedActivity{}, WithClock(clk), WithPersistFunc(func(s Snapshot) {
		persisted = append(persisted, s)
	}))

	populate(t, e, WeeklyProgress{HabitID: "habit-a", CurrentCount: 0, TargetCount: 5, UpdatedAt: testBase})
	if _, err := e.ApplyUserAction(ctx, "habit-a", 1); err != nil {
		t.Fatal(err)
	}
	clk.Advance(7 * 24 * time.Hour)
	e.CheckAndHandleRollover(ctx)

	if len(persisted) != 3 {
		t.Fatalf("persist hook fired %d times, want 3", len(persisted))
	}
	if persisted[1].Entries["habit-a"].CurrentCount != 1 {
		t.Errorf("persisted count = %d, want 1", persisted[1].Entries["habit-a"].CurrentCount)
	}
	if persisted[2].State != StateStalePendingRollover {
		t.Errorf("persisted state = %v, want stale_pending_rollover", persisted[2].State)
	}
}
