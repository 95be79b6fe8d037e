// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/StreakWorks/StreakCore/services/progress"
	"github.com/StreakWorks/StreakCore/services/progress/clock"
	"github.com/StreakWorks/StreakCore/services/progress/engine"
)

type stubGateway struct {
	records []engine.WeeklyProgress
}

func (s *stubGateway) FetchProgressSnapshot(context.Context, string) ([]engine.WeeklyProgress, error) {
	return s.records, nil
}

func (s *stubGateway) FetchHabit(_ context.Context, _ string, id engine.HabitID) (engine.WeeklyProgress, error) {
	return engine.WeeklyProgress{}, errors.New("unknown habit")
}

var apiBase = time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*httptest.Server, *progress.Coordinator) {
	t.Helper()
	gw := &stubGateway{records: []engine.WeeklyProgress{
		{HabitID: "habit-a", CurrentCount: 2, TargetCount: 5, UpdatedAt: apiBase},
	}}
	coord := progress.NewCoordinator(gw, nil, clock.NewFake(apiBase), progress.CoordinatorConfig{
		UserID:       "user-1",
		SyncInterval: time.Hour,
	})
	coord.Start(context.Background())
	t.Cleanup(coord.Stop)

	srv := httptest.NewServer(NewRouter(coord))
	t.Cleanup(srv.Close)
	return srv, coord
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, v interface{}) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]string
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
	if body["state"] != string(engine.StatePopulated) {
		t.Errorf("state = %q, want populated", body["state"])
	}
}

func TestGetProgress(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("known habit", func(t *testing.T) {
		var entry engine.WeeklyProgress
		if code := getJSON(t, srv.URL+"/v1/progress/habit-a", &entry); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if entry.CurrentCount != 2 || entry.TargetCount != 5 {
			t.Errorf("entry = %+v", entry)
		}
	})

	t.Run("unknown habit is 404", func(t *testing.T) {
		if code := getJSON(t, srv.URL+"/v1/progress/habit-zz", nil); code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", code)
		}
	})

	t.Run("invalid id is 400", func(t *testing.T) {
		if code := getJSON(t, srv.URL+"/v1/progress/NOT%20VALID", nil); code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})

	t.Run("read marks the user active", func(t *testing.T) {
		var st progress.Status
		getJSON(t, srv.URL+"/v1/status", &st)
		if !st.UserActive {
			t.Error("UserActive = false after progress read")
		}
	})
}

func TestListProgress(t *testing.T) {
	srv, _ := newTestServer(t)

	var body struct {
		WeekStamp string                  `json:"week_stamp"`
		Entries   []engine.WeeklyProgress `json:"entries"`
	}
	if code := getJSON(t, srv.URL+"/v1/progress", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.WeekStamp != "2025-W10" {
		t.Errorf("week_stamp = %q", body.WeekStamp)
	}
	if len(body.Entries) != 1 {
		t.Errorf("entries = %d, want 1", len(body.Entries))
	}
}

func TestIncrementProgress(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("default delta is one", func(t *testing.T) {
		var entry engine.WeeklyProgress
		if code := postJSON(t, srv.URL+"/v1/progress/habit-a/increment", "", &entry); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if entry.CurrentCount != 3 {
			t.Errorf("count = %d, want 3", entry.CurrentCount)
		}
	})

	t.Run("explicit delta", func(t *testing.T) {
		var entry engine.WeeklyProgress
		if code := postJSON(t, srv.URL+"/v1/progress/habit-a/increment", `{"delta":2}`, &entry); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if entry.CurrentCount != 5 {
			t.Errorf("count = %d, want 5", entry.CurrentCount)
		}
	})

	t.Run("negative delta is 400", func(t *testing.T) {
		if code := postJSON(t, srv.URL+"/v1/progress/habit-a/increment", `{"delta":-1}`, nil); code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})

	t.Run("unknown habit is 404", func(t *testing.T) {
		if code := postJSON(t, srv.URL+"/v1/progress/habit-zz/increment", "", nil); code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", code)
		}
	})
}

func TestLifecycleAndLogout(t *testing.T) {
	srv, coord := newTestServer(t)

	t.Run("background clears activity", func(t *testing.T) {
		getJSON(t, srv.URL+"/v1/progress", nil) // marks active
		if code := postJSON(t, srv.URL+"/v1/lifecycle/background", "", nil); code != http.StatusNoContent {
			t.Fatalf("status = %d", code)
		}
		var st progress.Status
		getJSON(t, srv.URL+"/v1/status", &st)
		if st.UserActive {
			t.Error("UserActive = true after background transition")
		}
	})

	t.Run("foreground returns status", func(t *testing.T) {
		var st progress.Status
		if code := postJSON(t, srv.URL+"/v1/lifecycle/foreground", "", &st); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
	})

	t.Run("logout empties the cache", func(t *testing.T) {
		if code := postJSON(t, srv.URL+"/v1/logout", "", nil); code != http.StatusNoContent {
			t.Fatalf("status = %d", code)
		}
		if got := coord.Status().State; got != engine.StateEmpty {
			t.Errorf("state = %v, want empty", got)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
