// Package main provides the CLI entry point for the Beacon signaling core.
//
// Beacon is the real-time session and signaling server for a chat platform:
// it owns live websocket connections, message fan-out with offline queueing,
// and the voice/video call state machine.
//
// # Basic Usage
//
// Start the server:
//
//	beacon serve --config beacon.yaml
//
// Mint a development token:
//
//	beacon token --config beacon.yaml --user alice
//
// # Environment Variables
//
//   - BEACON_CONFIG: Path to configuration file (default: beacon.yaml)
//   - BEACON_JWT_SECRET: referenced as ${BEACON_JWT_SECRET} from the config
//   - DATABASE_URL: referenced as ${DATABASE_URL} from the config
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
	version = "dev"
	commit  = "none"
	date    = "unknown"
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
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beacon",
		Short: "Beacon - real-time chat session and signaling core",
		Long: `Beacon owns the live connection layer of a chat platform: websocket
sessions, message delivery with offline queueing, presence, and the
voice/video call state machine. Chat membership and message history live
in PostgreSQL; Beacon keeps the hot path in memory.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}

// configPath resolves the config file flag with its environment fallback.
func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("BEACON_CONFIG"); env != "" {
		return env
	}
	return "beacon.yaml"
}
