// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the streakd configuration file.
//
// The file lives at ~/.streak/streakd.yaml and is created with defaults
// on first run. Policy timings (sync interval, grace period, rollover
// defer window) are configurable but ship with the values the product
// was tuned against.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// StreakConfig is the root of streakd.yaml.
type StreakConfig struct {
	// User identifies the signed-in account and the backend to sync against.
	User UserConfig `yaml:"user"`

	// Sync holds the background synchronization policy.
	Sync SyncConfig `yaml:"sync"`

	// API configures the loopback HTTP surface the UI talks to.
	API APIConfig `yaml:"api"`

	// Storage configures the on-device snapshot store.
	Storage StorageConfig `yaml:"storage"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry selects trace and metric exporters.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// UserConfig identifies the account and backend endpoints.
type UserConfig struct {
	ID        string `yaml:"id" validate:"omitempty,min=1,max=128"`
	ServerURL string `yaml:"server_url" validate:"required,url"`

	// StreamURL is the optional websocket push endpoint. Empty disables
	// the push stream; the periodic scheduler still runs.
	StreamURL string `yaml:"stream_url,omitempty" validate:"omitempty,uri"`

	// TokenFile points at the file holding the bearer token. The token
	// itself never appears in the config.
	TokenFile string `yaml:"token_file" validate:"required"`
}

// SyncConfig is the background synchronization policy. All durations
// are in seconds so the YAML stays obvious.
type SyncConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds" validate:"min=30,max=3600"`
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" validate:"min=1,max=120"`
	RetryCadenceSeconds int `yaml:"retry_cadence_seconds" validate:"min=1,max=300"`
	GracePeriodSeconds  int `yaml:"grace_period_seconds" validate:"min=5,max=600"`

	// RolloverDeferMinSeconds and RolloverDeferMaxSeconds bound the
	// randomized delay before a post-rollover resync when the user is
	// mid-session at the week boundary.
	RolloverDeferMinSeconds int `yaml:"rollover_defer_min_seconds" validate:"min=0,max=600"`
	RolloverDeferMaxSeconds int `yaml:"rollover_defer_max_seconds" validate:"min=0,max=900,gtefield=RolloverDeferMinSeconds"`

	// ForegroundRefreshPerMinute caps forced refreshes from rapid
	// foreground/background flapping.
	ForegroundRefreshPerMinute int `yaml:"foreground_refresh_per_minute" validate:"min=1,max=60"`
}

// APIConfig configures the loopback HTTP server.
type APIConfig struct {
	// ListenAddr must stay on a loopback interface; the API is not a
	// public surface.
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`
}

// StorageConfig configures the badger snapshot store.
type StorageConfig struct {
	Path       string `yaml:"path" validate:"required"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// TelemetryConfig selects exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
}

// configValidate is the shared validator instance.
var configValidate = validator.New()

// Validate checks the config against its struct tags.
func (c *StreakConfig) Validate() error {
	return configValidate.Struct(c)
}

// SyncInterval returns the interval as a duration.
func (c SyncConfig) SyncInterval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// FetchTimeout returns the fetch timeout as a duration.
func (c SyncConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// RetryCadence returns the retry cadence as a duration.
func (c SyncConfig) RetryCadence() time.Duration {
	return time.Duration(c.RetryCadenceSeconds) * time.Second
}

// GracePeriod returns the activity grace period as a duration.
func (c SyncConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// RolloverDeferWindow returns the min and max resync defer delays.
func (c SyncConfig) RolloverDeferWindow() (time.Duration, time.Duration) {
	return time.Duration(c.RolloverDeferMinSeconds) * time.Second,
		time.Duration(c.RolloverDeferMaxSeconds) * time.Second
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() StreakConfig {
	return StreakConfig{
		User: UserConfig{
			ServerURL: "https://api.streakworks.dev",
			StreamURL: "wss://api.streakworks.dev/v1/stream",
			TokenFile: "~/.streak/token",
		},
		Sync: SyncConfig{
			IntervalSeconds:            300,
			FetchTimeoutSeconds:        12,
			RetryCadenceSeconds:        10,
			GracePeriodSeconds:         30,
			RolloverDeferMinSeconds:    60,
			RolloverDeferMaxSeconds:    120,
			ForegroundRefreshPerMinute: 2,
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:7600",
		},
		Storage: StorageConfig{
			Path:       "~/.streak/cache",
			SyncWrites: false,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.streak/logs",
			JSON:  false,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
		},
	}
}
