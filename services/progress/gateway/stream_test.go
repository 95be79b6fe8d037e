// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/StreakWorks/StreakCore/services/progress/engine"
)

func TestStreamListener(t *testing.T) {
	upgrader := websocket.Upgrader{}

	t.Run("delivers pushed frames to the handler", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				t.Errorf("upgrade: %v", err)
				return
			}
			defer conn.Close()
			frame := `{"records":[{"habit_id":"habit-a","current_count":4,"target_count":5,"updated_at":"2025-03-05T12:00:00Z"}]}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				t.Errorf("write: %v", err)
			}
			// Hold the connection open until the client goes away.
			conn.ReadMessage()
		}))
		defer srv.Close()

		received := make(chan []engine.WeeklyProgress, 1)
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
		l := NewStreamListener(wsURL, func(_ context.Context, records []engine.WeeklyProgress) {
			received <- records
		})
		l.Start(context.Background())
		defer l.Stop()

		select {
		case records := <-received:
			if len(records) != 1 {
				t.Fatalf("records = %d, want 1", len(records))
			}
			if records[0].HabitID != "habit-a" || records[0].CurrentCount != 4 {
				t.Errorf("record = %+v", records[0])
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no frame delivered within 3s")
		}
	})

	t.Run("start is idempotent and stop is safe when stopped", func(t *testing.T) {
		l := NewStreamListener("ws://127.0.0.1:0/none", func(context.Context, []engine.WeeklyProgress) {})
		l.Stop() // not running: no-op

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		l.Start(ctx)
		l.Start(ctx) // second start: no-op
		l.Stop()
		l.Stop()
	})
}
