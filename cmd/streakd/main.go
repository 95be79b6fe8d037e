// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command streakd runs the on-device progress daemon.
//
// The daemon owns the weekly progress cache: it hydrates it from disk,
// refreshes it from the StreakWorks backend on a fixed interval,
// defers refreshes while the user is mid-session, and clears it at
// ISO-week boundaries. The UI process talks to it over a loopback
// HTTP API.
//
// # Usage
//
//	# Run in the foreground
//	streakd run
//
//	# Inspect a running daemon
//	streakd status
//
// Configuration lives at ~/.streak/streakd.yaml and is created with
// defaults on first run.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
