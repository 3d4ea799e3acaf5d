// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qgov",
		Short: "Precision upload-rate governor for qBittorrent",
		Long: `qgov keeps seeding torrents on a per-announce-cycle upload budget and
removes finished torrents by rule. Configuration lives in config.toml;
instances, sites and rules live in the sqlite database.`,
	}

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(runVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("qgov %s\ncommit: %s\nbuilt: %s\ngo: %s\n", version, commit, date, runtime.Version())
		},
	}
}
