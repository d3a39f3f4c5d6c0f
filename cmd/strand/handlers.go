package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/agent/builtin"
	"github.com/haasonsaas/strand/internal/bus"
	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/internal/hotl"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/runs"
	"github.com/haasonsaas/strand/internal/state"
)

// statusCheckTimeout bounds each component probe.
const statusCheckTimeout = 5 * time.Second

// =============================================================================
// Status Handler
// =============================================================================

// runStatus probes the gateway, database, and event bus and prints one line
// per component.
func runStatus(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Fprintf(out, "config: ok (%s)\n", configPath)

	ctx, cancelFn := context.WithTimeout(cmd.Context(), statusCheckTimeout)
	defer cancelFn()

	printCheck(out, "gateway", checkGateway(ctx, cfg))
	printCheck(out, fmt.Sprintf("database (%s)", cfg.Database.Driver), checkDatabase(cfg))
	printCheck(out, "event bus", checkBus(ctx, cfg))
	return nil
}

func printCheck(out io.Writer, component string, err error) {
	if err != nil {
		fmt.Fprintf(out, "%s: unavailable (%v)\n", component, err)
		return
	}
	fmt.Fprintf(out, "%s: ok\n", component)
}

func checkGateway(ctx context.Context, cfg *config.Config) error {
	client := &apiClient{
		baseURL:    fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		httpClient: defaultHTTPClient(),
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := client.getJSON(ctx, "/healthz", &health); err != nil {
		return err
	}
	if health.Status != "ok" {
		return fmt.Errorf("unexpected health status %q", health.Status)
	}
	return nil
}

func checkDatabase(cfg *config.Config) error {
	switch cfg.Database.Driver {
	case "sqlite":
		store, err := runs.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return err
		}
		return store.Close()
	case "postgres":
		store, err := runs.NewPostgresStoreFromDSN(cfg.Database.DSN, nil)
		if err != nil {
			return err
		}
		return store.Close()
	default:
		// The memory driver has nothing to probe.
		return nil
	}
}

func checkBus(ctx context.Context, cfg *config.Config) error {
	if cfg.Redis.Addr == "" {
		// In-process bus: always reachable within the server.
		return nil
	}
	redisBus, err := bus.NewRedisBus(bus.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, nil, nil)
	if err != nil {
		return err
	}
	defer redisBus.Close()
	return redisBus.Ping(ctx)
}

// =============================================================================
// Migration Handlers
// =============================================================================

// runMigrateUp creates missing schema objects for the configured driver.
func runMigrateUp(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancelFn := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancelFn()

	switch cfg.Database.Driver {
	case "postgres":
		stores, err := state.NewPostgresStoresFromDSN(cfg.Database.DSN, nil)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer stores.Close()
		if err := stores.Migrate(ctx); err != nil {
			return fmt.Errorf("state migration failed: %w", err)
		}
		runStore, err := runs.NewPostgresStoreFromDSN(cfg.Database.DSN, nil)
		if err != nil {
			return fmt.Errorf("failed to open run store: %w", err)
		}
		defer runStore.Close()
		if err := runStore.Migrate(ctx); err != nil {
			return fmt.Errorf("run migration failed: %w", err)
		}
		fmt.Fprintln(out, "postgres schema up to date (agents, memory_blocks, messages, runs)")
	case "sqlite":
		// Opening the stores creates the schema.
		stores, runStore, err := openStores(cfg)
		if err != nil {
			return err
		}
		_ = stores.Close()
		_ = runStore.Close()
		fmt.Fprintf(out, "sqlite schema up to date (%s)\n", cfg.Database.Path)
	default:
		fmt.Fprintln(out, "memory driver has no schema; nothing to do")
	}
	return nil
}

// runMigrateStatus reports the configured driver and whether it is
// reachable.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintf(out, "driver: %s\n", cfg.Database.Driver)
	switch cfg.Database.Driver {
	case "sqlite":
		fmt.Fprintf(out, "path: %s\n", cfg.Database.Path)
	case "postgres":
		fmt.Fprintln(out, "dsn: configured")
	}
	printCheck(out, "connection", checkDatabase(cfg))
	return nil
}

// =============================================================================
// HOTL Handlers
// =============================================================================

func hotlController(workDir string) *hotl.Controller {
	return hotl.NewController(workDir, observability.NewLogger(observability.LogConfig{Level: "warn"}))
}

// runHotlStart persists a fresh session at iteration 1.
func runHotlStart(cmd *cobra.Command, workDir, prompt string, maxIterations int, promise string) error {
	controller := hotlController(workDir)
	session, err := controller.Start(prompt, maxIterations, promise)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "HOTL session started: %s\n", controller.Path())
	printHotlState(out, session)
	return nil
}

// runHotlStatus shows the active session.
func runHotlStatus(cmd *cobra.Command, workDir string) error {
	controller := hotlController(workDir)
	session, err := controller.State()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if session == nil {
		fmt.Fprintln(out, "no active HOTL session")
		return nil
	}
	printHotlState(out, session)
	return nil
}

// runHotlCancel removes the session state file.
func runHotlCancel(cmd *cobra.Command, workDir string) error {
	controller := hotlController(workDir)
	active := controller.IsActive()
	if err := controller.Cancel(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if active {
		fmt.Fprintln(out, "HOTL session cancelled")
	} else {
		fmt.Fprintln(out, "no active HOTL session")
	}
	return nil
}

func printHotlState(out io.Writer, s *hotl.State) {
	if s.MaxIterations > 0 {
		fmt.Fprintf(out, "iteration: %d/%d\n", s.Iteration, s.MaxIterations)
	} else {
		fmt.Fprintf(out, "iteration: %d (unbounded)\n", s.Iteration)
	}
	if s.CompletionPromise != "" {
		fmt.Fprintf(out, "completion promise: %s\n", s.CompletionPromise)
	}
	fmt.Fprintf(out, "auto respond: %v\n", s.AutoRespond)
	fmt.Fprintf(out, "prompt: %s\n", s.Prompt)
}

// =============================================================================
// Tools Handlers
// =============================================================================

// builtinRegistry assembles the default tool registry the server would
// start with.
func builtinRegistry() *agent.ToolRegistry {
	return agent.NewToolRegistry(builtin.All(builtin.Config{})...)
}

// runToolsList prints one line per built-in tool.
func runToolsList(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	for _, tool := range builtinRegistry().List() {
		fmt.Fprintf(out, "%-16s %-8s %-11s %s\n", tool.Name(), tool.Kind(), tool.SideEffect(), tool.Description())
	}
	return nil
}

// runToolsSchemas prints the strict function specs as JSON.
func runToolsSchemas(cmd *cobra.Command) error {
	registry := builtinRegistry()
	specs := registry.FunctionSpecs(registry.Names())
	data, err := json.MarshalIndent(specs, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// runToolsStubs prints client-side stub source.
func runToolsStubs(cmd *cobra.Command) error {
	registry := builtinRegistry()
	fmt.Fprint(cmd.OutOrStdout(), registry.ClientStubs(registry.Names()))
	return nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: statusCheckTimeout}
}
