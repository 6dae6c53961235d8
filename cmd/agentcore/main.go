// Package main provides the CLI entry point for the agent execution core.
//
// agentcore drives the step loop against a configured LLM provider, with
// resilience (fallback, circuit breaker, rate limiting, retry), a context
// window manager, a parallel tool executor gated by a permission rule
// engine, and append-only session persistence.
//
// # Basic Usage
//
// Run a single prompt against a new session:
//
//	agentcore run --config agentcore.yaml "list the files in this repo"
//
// List recent sessions:
//
//	agentcore sessions list
//
// # Environment Variables
//
//   - AGENTCORE_CONFIG: Path to the configuration file (default: agentcore.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY: provider credentials
//   - JWT_SECRET: control-surface authentication secret
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "agentcore",
		Short: "Agent execution core: step loop, context manager, tool executor, and provider client",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", resolveConfigPath(),
		"Path to YAML configuration file")

	cmd.AddCommand(
		buildRunCmd(&configPath),
		buildSessionsCmd(&configPath),
		buildServeCmd(&configPath),
	)
	return cmd
}

func resolveConfigPath() string {
	if v := os.Getenv("AGENTCORE_CONFIG"); v != "" {
		return v
	}
	return "agentcore.yaml"
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
