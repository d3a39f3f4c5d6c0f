package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the runtime.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Strand runtime",
		Long: `Start the Strand runtime with the configured stores, providers, and agents.

The server will:
1. Load configuration from the specified file (or strand.yaml)
2. Open the run and state stores (memory, sqlite, or postgres)
3. Connect the event bus (Redis when configured, in-process otherwise)
4. Seed configured agents and memory blocks
5. Load hook settings and start the settings watcher
6. Start the HTTP gateway (SSE, runs API, WebSocket attach, /metrics)
7. Start the sleeptime scheduler when enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  strand serve

  # Start with custom config
  strand serve --config /etc/strand/production.yaml

  # Start with debug logging
  strand serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Status Command
// =============================================================================

// buildStatusCmd creates the "status" command that checks component health.
func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check runtime component health",
		Long: `Check the health of the configured components: the HTTP gateway (if one
is running), the database, and the event bus. Useful before and after
deployments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")

	return cmd
}

// =============================================================================
// Migration Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema",
		Long: `Manage the run and state store schema.

SQLite stores create their schema when opened; postgres stores require an
explicit "migrate up" before first use.`,
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Create missing schema objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report store reachability and driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Runs Commands
// =============================================================================

// buildRunsCmd creates the "runs" command group. These commands talk to a
// running server over HTTP so they observe the same state the gateway does.
func buildRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and steer runs on a running server",
	}
	cmd.AddCommand(buildRunsListCmd(), buildRunsGetCmd(), buildRunsCancelCmd(), buildRunsWatchCmd())
	return cmd
}

func buildRunsListCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
		agentID    string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an agent's runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRunsClient(resolveConfigPath(configPath), serverAddr)
			if err != nil {
				return err
			}
			return runRunsList(cmd, client, agentID, limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Server base URL (default: from config)")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "Agent whose runs to list (required)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to return")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

func buildRunsGetCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
	)
	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRunsClient(resolveConfigPath(configPath), serverAddr)
			if err != nil {
				return err
			}
			return runRunsGet(cmd, client, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Server base URL (default: from config)")
	return cmd
}

func buildRunsCancelCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
		reason     string
	)
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request out-of-band cancellation of a run",
		Long: `Request cancellation of a run. Cancellation is cooperative: a running
loop observes the flag at its next suspension point (before the next LLM
request or tool execution) and exits with stop reason "cancelled".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRunsClient(resolveConfigPath(configPath), serverAddr)
			if err != nil {
				return err
			}
			return runRunsCancel(cmd, client, args[0], reason)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Server base URL (default: from config)")
	cmd.Flags().StringVar(&reason, "reason", "cli_request", "Reason recorded with the cancellation")
	return cmd
}

func buildRunsWatchCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a background run's event stream",
		Long: `Replay and follow a background run's SSE stream from its first frame.
The command exits when the stream reaches its [DONE] sentinel.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRunsClient(resolveConfigPath(configPath), serverAddr)
			if err != nil {
				return err
			}
			return runRunsWatch(cmd, client, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Server base URL (default: from config)")
	return cmd
}

// =============================================================================
// HOTL Commands
// =============================================================================

// buildHotlCmd creates the "hotl" command group for the self-referential
// iteration controller. State lives in a file in the working directory, so
// these commands operate locally.
func buildHotlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hotl",
		Short: "Manage human-out-of-the-loop sessions",
		Long: `Manage HOTL (human-out-of-the-loop) sessions. A session re-injects the
same prompt each iteration until the agent emits the completion promise
inside <promise> tags or the iteration budget runs out.`,
	}
	cmd.AddCommand(buildHotlStartCmd(), buildHotlStatusCmd(), buildHotlCancelCmd())
	return cmd
}

func buildHotlStartCmd() *cobra.Command {
	var (
		workDir       string
		maxIterations int
		promise       string
	)
	cmd := &cobra.Command{
		Use:   "start <prompt>",
		Short: "Start a HOTL session at iteration 1",
		Example: `  # Iterate until the agent emits <promise>DONE</promise>
  strand hotl start "fix the failing tests" --promise DONE

  # Bound the loop to ten iterations
  strand hotl start "summarize inbox" --max-iterations 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHotlStart(cmd, workDir, args[0], maxIterations, promise)
		},
	}
	cmd.Flags().StringVar(&workDir, "workdir", ".", "Working directory holding the session state file")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Iteration budget (0 = unbounded)")
	cmd.Flags().StringVar(&promise, "promise", "", "Completion promise text")
	return cmd
}

func buildHotlStatusCmd() *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active HOTL session, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHotlStatus(cmd, workDir)
		},
	}
	cmd.Flags().StringVar(&workDir, "workdir", ".", "Working directory holding the session state file")
	return cmd
}

func buildHotlCancelCmd() *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active HOTL session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHotlCancel(cmd, workDir)
		},
	}
	cmd.Flags().StringVar(&workDir, "workdir", ".", "Working directory holding the session state file")
	return cmd
}

// =============================================================================
// Tools Commands
// =============================================================================

// buildToolsCmd creates the "tools" command group over the built-in tool set.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the built-in tool set",
	}
	cmd.AddCommand(buildToolsListCmd(), buildToolsSchemasCmd(), buildToolsStubsCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List built-in tools with kind and side-effect class",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd)
		},
	}
	return cmd
}

func buildToolsSchemasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schemas",
		Short: "Print tool schemas as sent to the LLM",
		Long: `Print the strict JSON schemas the runtime sends to providers. Every
declared property is required and additionalProperties is false, as
grammar-constrained decoders demand.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsSchemas(cmd)
		},
	}
	return cmd
}

func buildToolsStubsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stubs",
		Short: "Print client-side stub source for the built-in tools",
		Long: `Print remote stubs an LLM host can register: each stub's signature
matches the tool schema and its body unconditionally raises, signalling
that the tool executes client-side.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsStubs(cmd)
		},
	}
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "strand %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
