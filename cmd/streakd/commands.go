// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "streakd",
		Short: "The StreakCore on-device progress daemon",
		Long: `streakd keeps the weekly habit progress cache consistent:
it syncs with the StreakWorks backend in the background, absorbs
network failures, and rolls the cache over at week boundaries while
the UI reads from it over a loopback API.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE:  runDaemon,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's cache state",
		RunE:  runStatus,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the streakd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("streakd", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to streakd.yaml (default ~/.streak/streakd.yaml)")
	rootCmd.AddCommand(runCmd, statusCmd, versionCmd)
}
