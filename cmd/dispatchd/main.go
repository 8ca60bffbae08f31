// Package main is the entry point for the dispatchd binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/dispatch-oss/pkg/cache"
	"github.com/polisai/dispatch-oss/pkg/config"
	"github.com/polisai/dispatch-oss/pkg/dispatch"
	"github.com/polisai/dispatch-oss/pkg/engine"
	"github.com/polisai/dispatch-oss/pkg/logging"
	"github.com/polisai/dispatch-oss/pkg/match"
	"github.com/polisai/dispatch-oss/pkg/policy"
	"github.com/polisai/dispatch-oss/pkg/registry"
	"github.com/polisai/dispatch-oss/pkg/server"
	"github.com/polisai/dispatch-oss/pkg/telemetry"

	"github.com/polisai/dispatch-oss/internal/governance"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *prettyLogs {
		cfg.Logging.Pretty = true
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	logger.Info("Starting dispatchd", "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Telemetry
	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}()

	// Registry + watcher
	reg, err := registry.NewRegistry(cfg.Registry.DescriptorPaths, match.Params{
		MaxInputLength:    cfg.Match.MaxInputLength,
		PhraseBonus:       cfg.Match.PhraseBonus,
		CategoryBoost:     cfg.Match.CategoryBoost,
		ParallelThreshold: cfg.Match.ParallelThreshold,
	}, logger)
	if err != nil {
		logger.Error("Failed to load handler registry", "error", err)
		os.Exit(1)
	}
	if cfg.Registry.Watch {
		watcher, err := registry.NewWatcher(reg, logger)
		if err != nil {
			logger.Error("Failed to start descriptor watcher", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Error("Failed to close descriptor watcher", "error", err)
			}
		}()
	}

	// Result cache
	store, err := buildCache(cfg.Cache, logger)
	if err != nil {
		logger.Error("Failed to initialize result cache", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close result cache", "error", err)
		}
	}()

	// Optional dispatch guard
	guard, err := buildGuard(ctx, cfg.Policy)
	if err != nil {
		logger.Error("Failed to load dispatch policy", "error", err)
		os.Exit(1)
	}

	// Handler table + tandem dispatcher
	table := buildTable(reg, logger)
	dispatcher := dispatch.NewDispatcher(table, dispatch.Config{
		Mode:                     dispatch.FastPathMode(cfg.Dispatch.FastPath),
		FastFailureRateThreshold: cfg.Dispatch.FastFailureRateThreshold,
		Retry: governance.RetryConfig{
			MaxRetries:     cfg.Dispatch.MaxRetries,
			InitialBackoff: cfg.Dispatch.InitialBackoff,
			MaxBackoff:     cfg.Dispatch.MaxBackoff,
		},
	}, logger)

	eng := engine.NewEngine(engine.Config{
		MaxFanOut:   cfg.Engine.MaxFanOut,
		Workers:     cfg.Engine.Workers,
		CallTimeout: cfg.Engine.CallTimeout,
		CacheTTL:    cfg.Cache.TTL,
		Breaker: governance.BreakerConfig{
			FailureThreshold:  cfg.Breaker.FailureThreshold,
			CoolDown:          cfg.Breaker.CoolDown,
			Window:            cfg.Breaker.Window,
			MaxCoolDownFactor: cfg.Breaker.MaxCoolDownFactor,
		},
	}, reg, dispatcher, store, guard, logger)

	if err := serve(ctx, cfg.Server, eng, reg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func buildCache(cfg config.CacheConfig, logger *slog.Logger) (cache.ResultCache, error) {
	if cfg.Backend == "redis" {
		return cache.NewRedisCache(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
	}
	return cache.NewMemoryCache(cfg.Capacity), nil
}

func buildGuard(ctx context.Context, cfg config.PolicyConfig) (*policy.Guard, error) {
	if cfg.ModulePath == "" {
		return nil, nil
	}
	//nolint:gosec // Policy module path is controlled by admin/operator
	module, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("read policy module: %w", err)
	}
	return policy.NewGuard(ctx, policy.GuardOptions{
		Entrypoint: cfg.Entrypoint,
		Module:     string(module),
		ModuleName: cfg.ModulePath,
	})
}

// buildTable registers the builtin acknowledgement strategy for every handler
// in the initial snapshot. Embedders replace this with real handler code; the
// standalone daemon responds with a structured acknowledgement so routing can
// be exercised end to end.
func buildTable(reg *registry.Registry, logger *slog.Logger) *dispatch.Table {
	table := dispatch.NewTable()
	snap := reg.Snapshot()
	for _, d := range snap.Descriptors {
		descriptor := d
		err := table.Register(dispatch.Registration{
			Name: descriptor.Name,
			Fallback: func(ctx context.Context, payload any) (any, error) {
				return map[string]any{
					"handler":  descriptor.Name,
					"category": string(descriptor.Category),
					"input":    payload,
				}, nil
			},
		})
		if err != nil {
			logger.Warn("Skipping builtin registration", "handler", descriptor.Name, "error", err)
		}
	}
	return table
}

func serve(ctx context.Context, cfg config.ServerConfig, eng *engine.Engine, reg *registry.Registry, logger *slog.Logger) error {
	srv := server.NewServer(eng, reg, server.NewMetrics(), logger)

	httpServer := &http.Server{
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("bind listener on %s: %w", cfg.ListenAddress, err)
	}
	logger.Info("Server listening", "addr", listener.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
