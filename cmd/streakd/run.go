// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/StreakWorks/StreakCore/cmd/streakd/config"
	"github.com/StreakWorks/StreakCore/pkg/logging"
	"github.com/StreakWorks/StreakCore/pkg/telemetry"
	"github.com/StreakWorks/StreakCore/services/progress"
	"github.com/StreakWorks/StreakCore/services/progress/api"
	"github.com/StreakWorks/StreakCore/services/progress/gateway"
	"github.com/StreakWorks/StreakCore/services/progress/store"
)

// shutdownTimeout bounds graceful HTTP shutdown on exit.
const shutdownTimeout = 5 * time.Second

func runDaemon(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   parseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "streakd",
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "streakd",
		ServiceVersion: version,
		Environment:    os.Getenv("STREAK_ENV"),
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err.Error())
		}
	}()

	// A missing token is not fatal: the daemon still serves the cached
	// week offline, and sync cycles absorb the 401s until sign-in.
	token, err := os.ReadFile(cfg.User.TokenFile)
	if err != nil {
		logger.Warn("auth token unavailable, running from cache only",
			"token_file", cfg.User.TokenFile)
		token = nil
	}
	token = bytes.TrimSpace(token)

	storeCfg := store.DefaultConfig(cfg.Storage.Path)
	storeCfg.InMemory = cfg.Storage.InMemory
	storeCfg.SyncWrites = cfg.Storage.SyncWrites
	storeCfg.Logger = logger.Slog()
	st, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("open progress store: %w", err)
	}
	defer st.Close()

	gw := gateway.NewHTTPGateway(cfg.User.ServerURL, token, cfg.Sync.FetchTimeout())

	deferMin, deferMax := cfg.Sync.RolloverDeferWindow()
	userID := cfg.User.ID
	if userID == "" {
		userID = "local"
	}
	coord := progress.NewCoordinator(gw, st, nil, progress.CoordinatorConfig{
		UserID:                     userID,
		SyncInterval:               cfg.Sync.SyncInterval(),
		FetchTimeout:               cfg.Sync.FetchTimeout(),
		GracePeriod:                cfg.Sync.GracePeriod(),
		RetryCadence:               cfg.Sync.RetryCadence(),
		RolloverDeferMin:           deferMin,
		RolloverDeferMax:           deferMax,
		ForegroundRefreshPerMinute: cfg.Sync.ForegroundRefreshPerMinute,
		StreamURL:                  cfg.User.StreamURL,
	})
	coord.Start(ctx)
	defer coord.Stop()

	srv := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: api.NewRouter(coord),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("local API listening", "addr", cfg.API.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	// Hot-reload watcher: policy timing applies live; endpoint, storage,
	// and listen-address changes still need a restart.
	go func() {
		_ = config.Watch(ctx, path, func(next config.StreakConfig) {
			nextMin, nextMax := next.Sync.RolloverDeferWindow()
			coord.UpdatePolicy(progress.PolicyUpdate{
				SyncInterval:               next.Sync.SyncInterval(),
				FetchTimeout:               next.Sync.FetchTimeout(),
				GracePeriod:                next.Sync.GracePeriod(),
				RetryCadence:               next.Sync.RetryCadence(),
				RolloverDeferMin:           nextMin,
				RolloverDeferMax:           nextMax,
				ForegroundRefreshPerMinute: next.Sync.ForegroundRefreshPerMinute,
			})
			if next.API.ListenAddr != cfg.API.ListenAddr ||
				next.User.ServerURL != cfg.User.ServerURL ||
				next.Storage.Path != cfg.Storage.Path {
				logger.Info("endpoint or storage changes in reloaded config apply on restart")
			}
		})
	}()

	logger.Info("streakd started",
		"version", version,
		"user_id", userID,
		"sync_interval", cfg.Sync.SyncInterval().String(),
		"store_path", cfg.Storage.Path,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("local API server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("local API shutdown", "error", err.Error())
	}
	return nil
}

// parseLevel maps the config's level string to a logging.Level.
func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
