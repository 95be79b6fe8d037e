// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/StreakWorks/StreakCore/services/progress/engine"
)

type fakeGateway struct {
	mu      sync.Mutex
	records []engine.WeeklyProgress
	err     error
	fetches int
}

func (f *fakeGateway) FetchProgressSnapshot(ctx context.Context, _ string) ([]engine.WeeklyProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeGateway) FetchHabit(ctx context.Context, _ string, id engine.HabitID) (engine.WeeklyProgress, error) {
	return engine.WeeklyProgress{}, errors.New("not implemented")
}

type fakeRollover struct {
	rolled bool
}

func (f *fakeRollover) CheckAndHandleRollover(context.Context) bool {
	r := f.rolled
	f.rolled = false
	return r
}

var schedBase = time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)

func TestSyncSchedulerCycle(t *testing.T) {
	ctx := context.Background()
	records := []engine.WeeklyProgress{
		{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: schedBase},
	}

	t.Run("fetches and applies with periodic reason", func(t *testing.T) {
		gw := &fakeGateway{records: records}
		app := &fakeApplier{outcome: engine.ApplyOutcome{Updated: 1}}
		s := NewSyncScheduler(gw, app, nil, nil, "user-1", Config{Interval: time.Hour, FetchTimeout: time.Second})

		s.SyncNow(ctx)
		if app.calls() != 1 {
			t.Fatalf("applies = %d, want 1", app.calls())
		}
		if app.reasons[0] != engine.ReasonPeriodic {
			t.Errorf("reason = %v, want periodic", app.reasons[0])
		}
	})

	t.Run("gateway failure skips the cycle without touching the cache", func(t *testing.T) {
		gw := &fakeGateway{err: errors.New("connection refused")}
		app := &fakeApplier{}
		s := NewSyncScheduler(gw, app, nil, nil, "user-1", Config{})

		s.SyncNow(ctx)
		if app.calls() != 0 {
			t.Errorf("applier called on gateway failure: %d", app.calls())
		}

		// Recovery on a later cycle needs no special handling.
		gw.mu.Lock()
		gw.err = nil
		gw.records = records
		gw.mu.Unlock()
		s.SyncNow(ctx)
		if app.calls() != 1 {
			t.Errorf("applies after recovery = %d, want 1", app.calls())
		}
	})

	t.Run("rollover preempts the periodic fetch", func(t *testing.T) {
		gw := &fakeGateway{records: records}
		app := &fakeApplier{}
		resyncs := 0
		roll := &fakeRollover{rolled: true}
		s := NewSyncScheduler(gw, app, roll, func(context.Context) { resyncs++ }, "user-1", Config{})

		s.SyncNow(ctx)
		if resyncs != 1 {
			t.Fatalf("onRollover calls = %d, want 1", resyncs)
		}
		if app.calls() != 0 {
			t.Errorf("periodic apply ran in a rollover cycle")
		}

		// Next cycle, no rollover: normal periodic path.
		s.SyncNow(ctx)
		if app.calls() != 1 {
			t.Errorf("applies = %d, want 1", app.calls())
		}
	})

	t.Run("empty snapshot is a no-op cycle", func(t *testing.T) {
		gw := &fakeGateway{}
		app := &fakeApplier{}
		s := NewSyncScheduler(gw, app, nil, nil, "user-1", Config{})
		s.SyncNow(ctx)
		if app.calls() != 0 {
			t.Errorf("applier called for empty snapshot")
		}
	})
}

func TestSyncSchedulerRetune(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSyncScheduler(gw, &fakeApplier{}, nil, nil, "user-1", Config{Interval: time.Hour, FetchTimeout: time.Second})

	s.SetInterval(time.Minute)
	if got := s.interval(); got != time.Minute {
		t.Errorf("interval = %v, want 1m", got)
	}
	s.SetFetchTimeout(2 * time.Second)
	if got := s.fetchTimeout(); got != 2*time.Second {
		t.Errorf("fetch timeout = %v, want 2s", got)
	}
	s.SetInterval(0) // ignored
	if got := s.interval(); got != time.Minute {
		t.Errorf("non-positive interval was not ignored: %v", got)
	}

	// Retuning a running loop must not block or race the ticker.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.SetInterval(30 * time.Minute)
	s.Stop()
}

func TestSyncSchedulerLifecycle(t *testing.T) {
	t.Run("start is idempotent and stop is safe", func(t *testing.T) {
		gw := &fakeGateway{}
		s := NewSyncScheduler(gw, &fakeApplier{}, nil, nil, "user-1", Config{Interval: time.Hour})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s.Stop() // not running: safe
		s.Start(ctx)
		if !s.Running() {
			t.Fatal("Running = false after Start")
		}
		s.Start(ctx) // no second timer
		s.Stop()
		if s.Running() {
			t.Fatal("Running = true after Stop")
		}
		s.Stop() // safe again

		// Restart works.
		s.Start(ctx)
		if !s.Running() {
			t.Fatal("Running = false after restart")
		}
		s.Stop()
	})
}
