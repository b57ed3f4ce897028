package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clisend/clisend/internal/logger"
	"github.com/clisend/clisend/internal/ratelimiter"
	"github.com/clisend/clisend/pkg/config"
	"github.com/clisend/clisend/pkg/metrics"
	"github.com/clisend/clisend/pkg/server"
	"github.com/clisend/clisend/pkg/translog"
	"github.com/clisend/clisend/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	port := flag.Int("port", 0, "Port to listen on (overrides config)")
	root := flag.String("root", "", "Shared directory to expose (overrides config)")
	translogPath := flag.String("translog", "", "Transfer log database path (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR (overrides config)")
	maxSessions := flag.Int("max-sessions", -1, "Maximum concurrent sessions, 0 = unlimited (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clisend: %v\n", err)
		os.Exit(1)
	}

	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *root != "" {
		cfg.Storage.SharedRoot = *root
	}
	if *translogPath != "" {
		cfg.Translog.Path = *translogPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *maxSessions >= 0 {
		cfg.Server.MaxSessions = *maxSessions
	}

	logger.SetLevel(cfg.Logging.Level)

	if err := run(cfg); err != nil {
		logger.Error("clisend: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	sharedRoot, err := filepath.Abs(cfg.Storage.SharedRoot)
	if err != nil {
		return fmt.Errorf("resolve shared root: %w", err)
	}
	if err := os.MkdirAll(sharedRoot, 0o755); err != nil {
		return fmt.Errorf("create shared root: %w", err)
	}

	store, err := translog.Open(cfg.Translog.Path, !cfg.Translog.NoSync)
	if err != nil {
		return err
	}
	defer store.Close()

	pool := worker.NewPool(store, cfg.Server.MaxFileSize)
	defer pool.Stop()

	limiter := ratelimiter.New(cfg.Server.ChunkRate.ChunksPerSecond, cfg.Server.ChunkRate.Burst)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go metrics.Serve(ctx, cfg.Metrics.Address)
	}

	srv := server.New(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		SharedRoot:   sharedRoot,
		MaxSessions:  cfg.Server.MaxSessions,
		MaxFrameSize: cfg.Server.MaxFrameSize,
		ChunkSize:    cfg.Server.ChunkSize,
	}, pool, limiter)

	logger.Info("shared root: %s", sharedRoot)
	logger.Info("transfer log: %s", cfg.Translog.Path)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	// Give live sessions until the shutdown timeout to drain.
	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-time.After(cfg.Server.ShutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", cfg.Server.ShutdownTimeout)
	}

	logger.Info("server stopped")
	return nil
}
