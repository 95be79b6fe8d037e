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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/StreakWorks/StreakCore/pkg/validation"
	"github.com/StreakWorks/StreakCore/services/progress/engine"
)

// DefaultRequestTimeout bounds a single snapshot fetch. On timeout the call
// is treated identically to any other gateway failure: skip, retry next tick.
const DefaultRequestTimeout = 12 * time.Second

// maxResponseBytes caps snapshot response bodies. A user has at most a few
// hundred habits; anything past 4MB is a server bug, not data.
const maxResponseBytes = 4 << 20

// snapshotRecord is the wire shape of one progress record.
type snapshotRecord struct {
	HabitID      string    `json:"habit_id"`
	CurrentCount int       `json:"current_count"`
	TargetCount  int       `json:"target_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// snapshotResponse is the wire shape of a snapshot fetch.
type snapshotResponse struct {
	Records []snapshotRecord `json:"records"`
}

// toProgressRecords converts wire records to engine records, dropping any
// whose habit ID fails validation. IDs become storage keys and URL path
// segments, so malformed server data stops here, not in the cache.
func toProgressRecords(recs []snapshotRecord) []engine.WeeklyProgress {
	records := make([]engine.WeeklyProgress, 0, len(recs))
	for _, rec := range recs {
		if err := validation.ValidateHabitID(rec.HabitID); err != nil {
			slog.Warn("snapshot record dropped, invalid habit id",
				slog.String("error", err.Error()),
			)
			continue
		}
		records = append(records, engine.WeeklyProgress{
			HabitID:      engine.HabitID(rec.HabitID),
			CurrentCount: rec.CurrentCount,
			TargetCount:  rec.TargetCount,
			UpdatedAt:    rec.UpdatedAt,
		})
	}
	return records
}

// HTTPGateway implements SnapshotGateway against the progress REST API.
//
// The auth token is sealed in a memguard enclave and only opened for the
// duration of building a request. It is never logged.
type HTTPGateway struct {
	baseURL   string
	client    *http.Client
	token     *memguard.Enclave
	sessionID string
}

// NewHTTPGateway creates a gateway for baseURL using authToken.
//
// # Inputs
//
//   - baseURL: Server origin, e.g. "https://api.streakworks.dev".
//   - authToken: Bearer token. Copied into a locked enclave; the caller's
//     slice is wiped by memguard.
//   - timeout: Per-request timeout. Non-positive uses DefaultRequestTimeout.
//
// # Outputs
//
//   - *HTTPGateway: Ready for use from any goroutine.
func NewHTTPGateway(baseURL string, authToken []byte, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPGateway{
		baseURL:   baseURL,
		client:    &http.Client{Timeout: timeout},
		token:     memguard.NewEnclave(authToken),
		sessionID: uuid.New().String(),
	}
}

// FetchProgressSnapshot fetches the current week's records for userID.
func (g *HTTPGateway) FetchProgressSnapshot(ctx context.Context, userID string) ([]engine.WeeklyProgress, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/progress", g.baseURL, url.PathEscape(userID))
	body, err := g.get(ctx, "fetch_snapshot", endpoint)
	if err != nil {
		return nil, err
	}

	var resp snapshotResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Op: "fetch_snapshot", Err: fmt.Errorf("decoding snapshot: %w", err)}
	}
	records := toProgressRecords(resp.Records)

	slog.Debug("snapshot fetched",
		slog.Int("record_count", len(records)),
	)
	return records, nil
}

// FetchHabit fetches a single habit's record for the targeted NotFound
// recovery path.
func (g *HTTPGateway) FetchHabit(ctx context.Context, userID string, habitID engine.HabitID) (engine.WeeklyProgress, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/progress/%s",
		g.baseURL, url.PathEscape(userID), url.PathEscape(string(habitID)))
	body, err := g.get(ctx, "fetch_habit", endpoint)
	if err != nil {
		return engine.WeeklyProgress{}, err
	}

	var rec snapshotRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return engine.WeeklyProgress{}, &Error{Op: "fetch_habit", Err: fmt.Errorf("decoding record: %w", err)}
	}
	if err := validation.ValidateHabitID(rec.HabitID); err != nil {
		return engine.WeeklyProgress{}, &Error{Op: "fetch_habit", Err: err}
	}
	return engine.WeeklyProgress{
		HabitID:      engine.HabitID(rec.HabitID),
		CurrentCount: rec.CurrentCount,
		TargetCount:  rec.TargetCount,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

// get performs an authenticated GET and returns the response body.
func (g *HTTPGateway) get(ctx context.Context, op, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	if err := g.authorize(req); err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.Header.Set("X-Client-Session", g.sessionID)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status from %s", endpoint)}
	}

	// Snapshot bodies are small (one record per habit); no streaming needed.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}
	return body, nil
}

// authorize opens the token enclave just long enough to set the header.
// The header value is a per-request copy; the enclave stays sealed otherwise.
func (g *HTTPGateway) authorize(req *http.Request) error {
	buf, err := g.token.Open()
	if err != nil {
		return fmt.Errorf("opening token enclave: %w", err)
	}
	defer buf.Destroy()

	req.Header.Set("Authorization", "Bearer "+string(buf.Bytes()))
	return nil
}
