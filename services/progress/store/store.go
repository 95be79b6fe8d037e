// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists the progress cache across process restarts.
//
// BadgerDB is used for local embedded storage with low-latency writes; the
// host calls Persist after every accepted mutation, so the write path has to
// be cheap. The persisted state is strictly best-effort: Load treats a
// missing or corrupt record as a cold start, never as an error that could
// block the UI.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/StreakWorks/StreakCore/services/progress/engine"
)

// cacheKey is the single key holding the serialized cache snapshot.
var cacheKey = []byte("progress/cache/v1")

// Config holds configuration for the progress store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default 5 minutes; 0 disables. Ignored for in-memory stores.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before GC rewrites a log.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the BadgerDB-backed persistence collaborator.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB serializes transactions internally.
type Store struct {
	db     *badger.DB
	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) the store.
//
// # Inputs
//
//   - cfg: Store configuration. Path required unless InMemory.
//
// # Outputs
//
//   - *Store: Ready for Persist/Load. Caller must Close.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}

	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

// Persist writes a cache snapshot. Best-effort by contract: callers log the
// error and move on; a persistence failure must never fail a cache mutation.
func (s *Store) Persist(ctx context.Context, snap engine.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding cache snapshot: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey, data)
	})
	if err != nil {
		return fmt.Errorf("writing cache snapshot: %w", err)
	}
	return nil
}

// Load reads the persisted snapshot.
//
// # Outputs
//
//   - engine.Snapshot: The persisted cache, zero-valued when absent.
//   - bool: True iff a usable snapshot was found. Corrupt or missing state
//     yields (zero, false, nil) — a cold start, not an error.
//   - error: Non-nil only for unexpected storage failures.
func (s *Store) Load(ctx context.Context) (engine.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return engine.Snapshot{}, false, fmt.Errorf("context cancelled: %w", err)
	}

	var snap engine.Snapshot
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &snap); err != nil {
				// Corrupt persisted state: cold start, don't fail.
				slog.Warn("persisted cache undecodable, treating as cold start",
					slog.String("error", err.Error()),
				)
				snap = engine.Snapshot{}
				return nil
			}
			found = len(snap.Entries) > 0
			return nil
		})
	})
	if err != nil {
		return engine.Snapshot{}, false, fmt.Errorf("reading cache snapshot: %w", err)
	}
	return snap, found, nil
}

// Clear removes the persisted snapshot. Called on logout.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey)
	})
	if err != nil {
		return fmt.Errorf("deleting cache snapshot: %w", err)
	}
	return nil
}

// Close stops GC and closes the database. Safe to call once.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

// runGC triggers value log GC on an interval until Close.
func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed, not an error.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("store value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}
