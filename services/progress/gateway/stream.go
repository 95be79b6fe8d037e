// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/StreakWorks/StreakCore/services/progress/engine"
)

// streamReconnectDelay is the pause between websocket reconnect attempts.
const streamReconnectDelay = 30 * time.Second

// streamFrame is one server-pushed update.
type streamFrame struct {
	Records []snapshotRecord `json:"records"`
}

// StreamListener consumes server-pushed progress updates over a websocket.
//
// # Description
//
// Push frames carry the same record shape as a polled snapshot and are
// delivered to the handler as such. The handler is expected to feed them into
// ApplyServerSnapshot with the periodic reason, so pushed updates obey the
// exact same deferral and last-writer-wins rules as polled ones — a push is
// an optimization over polling, never a bypass of the consistency policy.
//
// The listener reconnects with a flat delay on any read or dial error and
// stops when its context is cancelled or Stop is called.
type StreamListener struct {
	url     string
	handler func(context.Context, []engine.WeeklyProgress)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

// NewStreamListener creates a listener for the given websocket URL.
//
// handler is invoked on the listener goroutine for every frame; it must not
// block for long.
func NewStreamListener(url string, handler func(context.Context, []engine.WeeklyProgress)) *StreamListener {
	return &StreamListener{url: url, handler: handler}
}

// Start begins consuming the stream. Idempotent: a second Start while
// running is a no-op.
func (l *StreamListener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.running = true
	l.done = make(chan struct{})

	go l.runLoop(ctx)
}

// Stop closes the stream and waits for the listener goroutine to exit.
// Safe to call when not running.
func (l *StreamListener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	<-done
}

// runLoop dials and reads until the context is cancelled.
func (l *StreamListener) runLoop(ctx context.Context) {
	defer close(l.done)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
		if err != nil {
			slog.Warn("progress stream dial failed, will retry",
				slog.String("error", err.Error()),
			)
			if !sleepCtx(ctx, streamReconnectDelay) {
				return
			}
			continue
		}
		slog.Info("progress stream connected")

		l.readFrames(ctx, conn)
		conn.Close()

		if !sleepCtx(ctx, streamReconnectDelay) {
			return
		}
	}
}

// readFrames reads until an error or cancellation.
func (l *StreamListener) readFrames(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("progress stream read failed",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("progress stream frame undecodable, skipping",
				slog.String("error", err.Error()),
			)
			continue
		}
		records := toProgressRecords(frame.Records)
		if len(records) == 0 {
			continue
		}
		l.handler(ctx, records)
	}
}

// sleepCtx sleeps for d or until ctx is done. Returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
