// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/StreakWorks/StreakCore/cmd/streakd/config"
	"github.com/StreakWorks/StreakCore/services/progress"
)

const (
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiReset  = "\033[0m"
)

// runStatus queries the running daemon's local API and prints the
// cache state. Plain key=value output when stdout is not a terminal.
func runStatus(cmd *cobra.Command, args []string) error {
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

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + cfg.API.ListenAddr + "/v1/status")
	if err != nil {
		return fmt.Errorf("streakd is not reachable at %s (is it running?): %w", cfg.API.ListenAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s", resp.Status)
	}

	var st progress.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	pretty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	printStatus(st, pretty)
	return nil
}

func printStatus(st progress.Status, pretty bool) {
	state := string(st.State)
	if pretty {
		state = colorForState(string(st.State)) + state + ansiReset
	}

	fmt.Printf("state:             %s\n", state)
	fmt.Printf("week:              %s\n", st.WeekStamp)
	fmt.Printf("entries:           %d\n", st.EntryCount)
	fmt.Printf("last_synced:       %s\n", formatStamp(st.LastSyncedAt))
	fmt.Printf("user_active:       %v\n", st.UserActive)
	fmt.Printf("pending_deferred:  %v\n", st.PendingDeferred)
	fmt.Printf("scheduler_running: %v\n", st.SchedulerRunning)
	if !st.LastInteractionAt.IsZero() {
		fmt.Printf("last_interaction:  %s\n", formatStamp(st.LastInteractionAt))
	}
	if !st.EmptySince.IsZero() {
		fmt.Printf("empty_since:       %s\n", formatStamp(st.EmptySince))
	}
}

func colorForState(state string) string {
	switch state {
	case "populated":
		return ansiGreen
	case "stale_pending_rollover":
		return ansiYellow
	default:
		return ansiRed
	}
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
