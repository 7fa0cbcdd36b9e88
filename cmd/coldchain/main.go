// Package main implements the entry point for the cold-chain digital twin
// engine: it wires the Redis state stores, the TimescaleDB history store,
// the JetStream consumers, and the query API into one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/coldchain/config"
	"github.com/c360/coldchain/gateway"
	"github.com/c360/coldchain/health"
	"github.com/c360/coldchain/history"
	"github.com/c360/coldchain/metric"
	"github.com/c360/coldchain/natsclient"
	"github.com/c360/coldchain/processor"
	"github.com/c360/coldchain/store"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "coldchain"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.NewLoader("").Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := cfg.LogLevel
	if cliCfg.LogLevel != "" {
		logLevel = cliCfg.LogLevel
	}
	logFormat := cfg.LogFormat
	if cliCfg.LogFormat != "" {
		logFormat = cliCfg.LogFormat
	}
	logger := setupLogger(logLevel, logFormat)
	slog.SetDefault(logger)

	slog.Info("Starting cold-chain engine",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	registry := metric.NewRegistry()
	monitor := health.NewMonitor()

	// Live state store. Redis backs both the asset snapshots and the
	// active alerts.
	redisStore, err := store.NewRedisStore(ctx, cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	defer func() {
		if err := redisStore.Close(); err != nil {
			slog.Warn("Redis close failed", "error", err)
		}
	}()
	monitor.UpdateHealthy("redis", "Connected")

	// Durable history store.
	histStore, err := history.NewStore(ctx, cfg.History, logger)
	if err != nil {
		return fmt.Errorf("connect to Postgres: %w", err)
	}
	defer histStore.Close()
	monitor.UpdateHealthy("postgres", "Connected")

	natsClient, err := createNATSClient(cfg, monitor, logger)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := connectToNATS(ctx, natsClient); err != nil {
		return err
	}
	defer func() {
		if err := natsClient.Close(ctx); err != nil {
			slog.Warn("NATS close failed", "error", err)
		}
	}()

	proc := processor.New(cfg.Processor, natsClient, redisStore, redisStore, histStore, registry, logger)
	gw := gateway.NewServer(cfg.Gateway, redisStore, redisStore, histStore, monitor, registry, logger)

	return runWithSignalHandling(ctx, proc, gw, cliCfg.ShutdownTimeout)
}

func createNATSClient(cfg *config.Config, monitor *health.Monitor, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.Option{
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.UpdateHealthy("nats", "Connected")
			} else {
				monitor.UpdateUnhealthy("nats", "Connection lost")
			}
		}),
	}
	if cfg.NATS.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects))
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.CredsUser != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.CredsUser, cfg.NATS.CredsPassword))
	}

	return natsclient.NewClient(cfg.NATS.URL, opts...)
}

func connectToNATS(ctx context.Context, client *natsclient.Client) error {
	slog.Info("Connecting to NATS")
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

// runWithSignalHandling starts the processor and the query service, then
// blocks until a shutdown signal arrives. Shutdown runs in reverse start
// order: the query service stops taking requests, then the processor
// drains its history writes.
func runWithSignalHandling(ctx context.Context, proc *processor.Processor, gw *gateway.Server, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := proc.Start(signalCtx); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}

	if err := gw.Start(signalCtx); err != nil {
		_ = proc.Stop(shutdownTimeout)
		return fmt.Errorf("start query service: %w", err)
	}

	slog.Info("Cold-chain engine started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := gw.Stop(shutdownTimeout); err != nil {
		slog.Error("Query service shutdown failed", "error", err)
	}
	if err := proc.Stop(shutdownTimeout); err != nil {
		slog.Error("Processor shutdown failed", "error", err)
		return err
	}

	slog.Info("Cold-chain engine shutdown complete")
	return nil
}
