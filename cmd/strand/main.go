// Package main provides the CLI entry point for the Strand agent runtime.
//
// Strand drives LLM agents through multi-step reasoning with server-side
// tool execution, streaming progress to clients over SSE or WebSocket until
// the agent finishes, runs out of steps, or is cancelled.
//
// # Basic Usage
//
// Start the server:
//
//	strand serve --config strand.yaml
//
// Check system status:
//
//	strand status
//
// Manage database migrations:
//
//	strand migrate up
//	strand migrate status
//
// Follow a run:
//
//	strand runs watch <run-id>
//
// # Environment Variables
//
//   - STRAND_CONFIG: Path to configuration file (default: strand.yaml)
//   - STRAND_TOKEN: Bearer token for runs commands against a remote server
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider keys,
//     referenced from the config file via ${VAR} expansion
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

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

// defaultConfigName is used when neither --config nor STRAND_CONFIG is set.
const defaultConfigName = "strand.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strand",
		Short: "Strand - stateful agent execution runtime",
		Long: `Strand runs LLM agents: one user turn becomes a loop of model requests
and tool executions, streamed back to the client as SSE until the agent
finishes, exhausts its step budget, or is cancelled.

Supported providers: Anthropic, OpenAI-compatible endpoints, AWS Bedrock, Google Gemini
Built-in tools: think, todo_write, memory_append, memory_replace, read_file, http_fetch, shell`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildMigrateCmd(),
		buildRunsCmd(),
		buildHotlCmd(),
		buildToolsCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// resolveConfigPath determines the configuration file path:
// an explicit --config wins, then STRAND_CONFIG, then strand.yaml.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigName {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("STRAND_CONFIG")); env != "" {
		return env
	}
	if strings.TrimSpace(path) == "" {
		return defaultConfigName
	}
	return path
}
