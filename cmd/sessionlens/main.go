// Package main provides the CLI entry point for sessionlens, a live
// observability server for coding-agent session transcripts.
//
// sessionlens tails JSONL transcript files as agents write them, parses every
// line into typed messages, and streams debounced batches to WebSocket
// subscribers. An HTTP API serves session listings and enriched session
// snapshots (turns, reconstituted responses, tool calls, token totals).
//
// # Basic Usage
//
// Start the server:
//
//	sessionlens serve --config sessionlens.yaml
//
// Inspect one transcript offline:
//
//	sessionlens inspect ~/.claude/projects/myproj/<session-id>.jsonl
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "sessionlens",
		Short:        "sessionlens - live transcript observability server",
		Long:         "sessionlens watches coding-agent session transcripts and streams parsed messages to WebSocket subscribers, with an HTTP API for session listings and enriched snapshots.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildInspectCmd(),
	)
	return rootCmd
}
