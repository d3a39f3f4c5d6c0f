package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/agent/builtin"
	"github.com/haasonsaas/strand/internal/agent/providers"
	"github.com/haasonsaas/strand/internal/bus"
	"github.com/haasonsaas/strand/internal/cancel"
	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/internal/dispatch"
	"github.com/haasonsaas/strand/internal/gateway"
	"github.com/haasonsaas/strand/internal/hooks"
	"github.com/haasonsaas/strand/internal/hotl"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/runs"
	"github.com/haasonsaas/strand/internal/sleeptime"
	"github.com/haasonsaas/strand/internal/state"
	"github.com/haasonsaas/strand/pkg/models"
)

// runServe implements the serve command: configuration loading, component
// wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger.Slog())

	logger.Info(ctx, "starting strand runtime",
		"version", version,
		"commit", commit,
		"config", configPath,
		"database", cfg.Database.Driver,
		"http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
	)

	metrics := observability.NewMetrics(nil)

	tracer, shutdownTracer, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "strand",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
		}
	}()

	var telemetry *observability.Telemetry
	if cfg.Telemetry.Enabled {
		telemetry, err = observability.NewTelemetry(cfg.Telemetry.Path, cfg.Telemetry.Buffer, metrics, logger)
		if err != nil {
			return fmt.Errorf("failed to open telemetry sink: %w", err)
		}
		defer func() {
			if err := telemetry.Close(); err != nil {
				logger.Warn(context.Background(), "telemetry sink close failed", "error", err)
			}
		}()
	}

	stores, runStore, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn(context.Background(), "state store close failed", "error", err)
		}
		if err := runStore.Close(); err != nil {
			logger.Warn(context.Background(), "run store close failed", "error", err)
		}
	}()

	eventBus, err := openBus(cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Warn(context.Background(), "event bus close failed", "error", err)
		}
	}()

	if err := seedAgents(ctx, cfg, stores.Agents); err != nil {
		return fmt.Errorf("failed to seed agents: %w", err)
	}

	dispatcher := hooks.NewDispatcher(logger, metrics)
	if cfg.Hooks.SettingsPath != "" {
		if cfg.Hooks.Watch {
			watcher, err := hooks.WatchSettings(ctx, cfg.Hooks.SettingsPath, dispatcher, cfg.Hooks.CommandTimeout, logger)
			if err != nil {
				return fmt.Errorf("failed to load hook settings: %w", err)
			}
			defer func() {
				if err := watcher.Close(); err != nil {
					logger.Warn(context.Background(), "hook watcher close failed", "error", err)
				}
			}()
		} else {
			settings, err := hooks.LoadSettings(cfg.Hooks.SettingsPath)
			if err != nil {
				return fmt.Errorf("failed to load hook settings: %w", err)
			}
			table, err := settings.Build(cfg.Hooks.CommandTimeout)
			if err != nil {
				return fmt.Errorf("failed to build hook table: %w", err)
			}
			dispatcher.Replace(table)
		}
	}
	registerHotlHook(dispatcher, cfg.Tools.WorkDir, logger)

	registry := agent.NewToolRegistry(builtin.All(builtin.Config{
		MaxFetchBytes: cfg.Tools.FetchMaxBytes,
		ShellTimeout:  cfg.Tools.ShellTimeout,
	})...)
	executor := agent.NewToolExecutor(registry, logger, metrics, cfg.Tools.DefaultReturnCharLimit)

	factory := providers.NewFactory(cfg.LLM.Providers)
	adapter := agent.NewAdapter(factory, agent.AdapterConfig{
		MaxRetries: cfg.LLM.MaxRetries,
		RetryDelay: cfg.LLM.RetryDelay,
	}, telemetry, metrics, logger)

	loop := agent.NewLoop(adapter, registry, executor, dispatcher, stores.Agents, stores.Messages, agent.LoopConfig{
		DefaultMaxSteps:      cfg.Loop.DefaultMaxSteps,
		WorkDir:              cfg.Tools.WorkDir,
		RequireApprovalTools: cfg.Tools.RequireApproval,
	}, logger, metrics, tracer)

	manager := runs.NewManager(runStore, cancel.NewRegistry(), logger, metrics)
	runDispatcher := dispatch.New(loop, manager, stores.Agents, eventBus, dispatch.Config{
		KeepaliveInterval:  cfg.Streaming.KeepaliveInterval,
		CancelPollInterval: cfg.Streaming.CancelPollInterval,
	}, logger, metrics)

	server := gateway.New(gateway.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.HTTPPort,
		BearerToken: cfg.Auth.BearerToken,
	}, runDispatcher, manager, logger, metrics)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	var scheduler *sleeptime.Scheduler
	if cfg.Sleeptime.Enabled {
		scheduler, err = sleeptime.NewScheduler(cfg.Sleeptime, runDispatcher, manager, logger, metrics)
		if err != nil {
			server.Shutdown(nil)
			return fmt.Errorf("failed to build sleeptime scheduler: %w", err)
		}
		scheduler.Start()
	}

	logger.Info(ctx, "strand runtime started",
		"addr", server.Addr(),
		"agents", len(cfg.Agents),
		"sleeptime", cfg.Sleeptime.Enabled,
	)

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()

	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "scheduler stop failed", "error", err)
		}
	}
	server.Shutdown(shutdownCtx)

	logger.Info(shutdownCtx, "strand runtime stopped gracefully")
	return nil
}

// openStores builds the agent/message stores and the run store from the
// configured driver. All three drivers share semantics; only durability
// differs.
func openStores(cfg *config.Config) (state.Stores, runs.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		stores, err := state.NewSQLiteStores(cfg.Database.Path)
		if err != nil {
			return state.Stores{}, nil, fmt.Errorf("failed to open state store: %w", err)
		}
		runStore, err := runs.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			_ = stores.Close()
			return state.Stores{}, nil, fmt.Errorf("failed to open run store: %w", err)
		}
		return stores, runStore, nil
	case "postgres":
		pgConfig := &state.PostgresConfig{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		}
		stores, err := state.NewPostgresStoresFromDSN(cfg.Database.DSN, pgConfig)
		if err != nil {
			return state.Stores{}, nil, fmt.Errorf("failed to open state store: %w", err)
		}
		runStore, err := runs.NewPostgresStoreFromDSN(cfg.Database.DSN, &runs.PostgresConfig{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			_ = stores.Close()
			return state.Stores{}, nil, fmt.Errorf("failed to open run store: %w", err)
		}
		return stores, runStore, nil
	default:
		return state.NewMemoryStores(), runs.NewMemoryStore(), nil
	}
}

// openBus selects the event bus: Redis Streams when an address is
// configured, the in-process bus otherwise. Background runs work either
// way within one process; Redis makes them attachable across processes.
func openBus(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (bus.Bus, error) {
	if cfg.Redis.Addr == "" {
		return bus.NewMemoryBus(metrics), nil
	}
	redisBus, err := bus.NewRedisBus(bus.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		StreamTTL: cfg.Redis.StreamTTL,
	}, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event bus: %w", err)
	}
	return redisBus, nil
}

// seedAgents upserts configured agents and their memory blocks into the
// state store. Seeding is idempotent across restarts.
func seedAgents(ctx context.Context, cfg *config.Config, store state.AgentStore) error {
	for _, ac := range cfg.Agents {
		agentState := ac.AgentState(cfg.LLM)
		for _, mb := range ac.MemoryBlocks {
			blockID := mb.ID
			if blockID == "" {
				blockID = ac.ID + ":" + mb.Label
			}
			if err := store.PutMemoryBlock(ctx, &models.MemoryBlock{
				ID:    blockID,
				Label: mb.Label,
				Value: mb.Value,
			}); err != nil {
				return fmt.Errorf("agent %s: memory block %s: %w", ac.ID, mb.Label, err)
			}
			agentState.MemoryBlockIDs = append(agentState.MemoryBlockIDs, blockID)
		}
		if err := store.PutAgent(ctx, agentState); err != nil {
			return fmt.Errorf("agent %s: %w", ac.ID, err)
		}
	}
	return nil
}

// registerHotlHook wires the HOTL controller into the loop-end event. When
// a session is active and the promise has not landed, the continuation is
// surfaced as an inject_message for the driver.
func registerHotlHook(dispatcher *hooks.Dispatcher, workDir string, logger *observability.Logger) {
	controller := hotl.NewController(workDir, logger)
	dispatcher.Register(hooks.EventLoopEnd, hooks.NewFuncHook("hotl", func(ctx context.Context, event hooks.Event, payload hooks.Payload) hooks.Result {
		if !controller.IsActive() {
			return hooks.Result{Success: true}
		}
		finalText, _ := payload["final_text"].(string)
		cont, err := controller.CheckAndContinue(finalText)
		if err != nil {
			return hooks.Result{Success: false, Error: err.Error()}
		}
		if cont == nil {
			logger.Info(ctx, "hotl session complete")
			return hooks.Result{Success: true}
		}
		logger.Info(ctx, "hotl continuing", "status", cont.StatusMessage)
		return hooks.Result{
			Success:       true,
			Output:        cont.StatusMessage,
			InjectMessage: hotl.WrapSystemReminder(cont.InjectMessage),
		}
	}))
}
