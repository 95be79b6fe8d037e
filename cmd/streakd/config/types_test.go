// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import "testing"

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig fails its own validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*StreakConfig)
		wantErr bool
	}{
		{
			name:   "defaults pass",
			mutate: func(c *StreakConfig) {},
		},
		{
			name:    "missing server url",
			mutate:  func(c *StreakConfig) { c.User.ServerURL = "" },
			wantErr: true,
		},
		{
			name:    "non-url server",
			mutate:  func(c *StreakConfig) { c.User.ServerURL = "not a url" },
			wantErr: true,
		},
		{
			name:    "interval too small",
			mutate:  func(c *StreakConfig) { c.Sync.IntervalSeconds = 5 },
			wantErr: true,
		},
		{
			name: "defer max below min",
			mutate: func(c *StreakConfig) {
				c.Sync.RolloverDeferMinSeconds = 120
				c.Sync.RolloverDeferMaxSeconds = 60
			},
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(c *StreakConfig) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "bad metric exporter",
			mutate:  func(c *StreakConfig) { c.Telemetry.MetricExporter = "statsd" },
			wantErr: true,
		},
		{
			name:    "listen addr without port",
			mutate:  func(c *StreakConfig) { c.API.ListenAddr = "127.0.0.1" },
			wantErr: true,
		},
		{
			name:    "flap limit zero",
			mutate:  func(c *StreakConfig) { c.Sync.ForegroundRefreshPerMinute = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
