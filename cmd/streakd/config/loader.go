// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultPath returns the standard config location, ~/.streak/streakd.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".streak", "streakd.yaml"), nil
}

// Load reads and validates the config at path. If the file does not
// exist it is created with defaults first, so a fresh install works
// without any manual setup.
func Load(path string) (StreakConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("first run detected, creating default config", slog.String("path", path))
		if err := createDefault(path); err != nil {
			return StreakConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return StreakConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	// Start from defaults so new fields pick up sane values when the
	// on-disk file predates them.
	cfg := DefaultConfig()
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return StreakConfig{}, fmt.Errorf("failed to parse the config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return StreakConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	cfg.Storage.Path = ExpandPath(cfg.Storage.Path)
	cfg.Logging.Dir = ExpandPath(cfg.Logging.Dir)
	cfg.User.TokenFile = ExpandPath(cfg.User.TokenFile)
	return cfg, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// reloadDebounce batches rapid editor write events into one reload.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config whenever the file changes and hands each
// valid result to onChange. Invalid edits are logged and skipped, so a
// typo never takes the daemon down. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(StreakConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save
	// and the watch would die with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", slog.String("error", err.Error()))

		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("config reload rejected",
					slog.String("path", path),
					slog.String("error", err.Error()))
				continue
			}
			slog.Info("config reloaded", slog.String("path", path))
			onChange(cfg)
		}
	}
}
