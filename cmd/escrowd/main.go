package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nhbescrow/config"
	"nhbescrow/observability/logging"
	telemetry "nhbescrow/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./escrowd.toml", "Path to the configuration file")
	allowMigrate := flag.Bool("allow-migrate", false, "Allow starting with a mismatched registry schema (manual migrations only)")
	flag.Parse()

	if err := run(*configFile, *allowMigrate); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string, allowMigrate bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.Setup(cfg.Telemetry.ServiceName, cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	n, err := newNode(cfg, logger, allowMigrate)
	if err != nil {
		return err
	}
	defer n.close()

	head, err := n.manager.EscrowEventHead()
	if err != nil {
		return fmt.Errorf("read journal head: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	indexerDone := make(chan struct{})
	go func() {
		defer close(indexerDone)
		if err := n.runIndexer(ctx); err != nil {
			logger.Error("indexer stopped", slog.Any("error", err))
		}
	}()

	httpServer := &http.Server{
		Handler:           n.handler(),
		ReadHeaderTimeout: cfg.RPC.ReadHeaderTimeoutDuration(),
		ReadTimeout:       cfg.RPC.ReadTimeoutDuration(),
		WriteTimeout:      cfg.RPC.WriteTimeoutDuration(),
		IdleTimeout:       cfg.RPC.IdleTimeoutDuration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening",
			slog.String("address", listener.Addr().String()),
			slog.String("backend", cfg.StorageBackend),
			slog.Uint64("journal_head", head),
			slog.Bool("unique_ids", cfg.Escrow.UniqueIDs),
			slog.Bool("indexer", cfg.Indexer.Enabled))
		serverErr <- httpServer.Serve(listener)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	n.bus.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", slog.Any("error", err))
	}
	stop()
	<-indexerDone
	logger.Info("escrowd stopped")
	return serveErr
}
