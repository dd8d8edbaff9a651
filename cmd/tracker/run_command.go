package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txtracker/service/config"
	"github.com/brojonat/txtracker/service/db"
	"github.com/brojonat/txtracker/service/metrics"
	natspkg "github.com/brojonat/txtracker/service/nats"
	"github.com/brojonat/txtracker/service/server"
	"github.com/brojonat/txtracker/service/solana"
	"github.com/brojonat/txtracker/service/stream"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Stream, fetch, parse and store transactions for TARGET_ACCOUNT",
		Action: func(c *cli.Context) error {
			// Fail fast if any required config is missing or invalid
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runTracker(c.Context, cfg, setupLogger(cfg.LogLevel))
		},
	}
}

// runTracker wires every component and blocks until SIGINT/SIGTERM.
func runTracker(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	account := cfg.TargetAccount.String()
	logger.Info("starting tracker",
		"account", account,
		"stream_mode", cfg.StreamMode,
		"include_failed", cfg.IncludeFailedTransactions,
		"metrics_addr", cfg.MetricsAddr,
	)

	// Initialize database connection pool
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to database")

	if err := db.Migrate(ctx, pool, logger); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Metrics registry shared by every component and the /metrics handler
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	rpcClient := solana.NewRPCClient(cfg.RPCHTTPURL, cfg.StreamToken, cfg.RPCAuthHosts)
	fetcher := solana.NewFetcher(rpcClient, m, logger)
	parser := solana.NewParser(m, logger)
	gateway := db.NewGateway(pool, m, logger)

	// Publishing is optional; a nil interface disables it
	var publisher stream.Publisher
	if cfg.NATSURL != "" {
		p, err := natspkg.NewPublisher(cfg.NATSURL, account, m, logger)
		if err != nil {
			return fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		defer p.Close()
		publisher = p
	} else {
		logger.Info("NATS_URL not set, transaction events will not be published")
	}

	connector, err := newConnector(cfg, logger)
	if err != nil {
		return err
	}

	session := stream.NewSession(fetcher, parser, gateway, publisher, stream.SessionConfig{
		IncludeFailed:     cfg.IncludeFailedTransactions,
		KeepaliveInterval: cfg.KeepaliveInterval,
	}, m, logger)
	supervisor := stream.NewSupervisor(connector, session, m, logger)

	httpServer := server.New(cfg.MetricsAddr, account, supervisor, registry, m, logger)
	go httpServer.TrackUptime(ctx, time.Second)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	supervisorDone := make(chan error, 1)
	go func() {
		supervisorDone <- supervisor.Run(ctx)
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		// The supervisor only stops on cancellation, so bring it down too.
		runErr = err
		stop()
		<-supervisorDone
	case err := <-supervisorDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
		logger.Info("shutdown signal received")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server gracefully", "error", err)
	}

	logger.Info("tracker stopped")
	return runErr
}

// newConnector picks the subscription implementation for cfg.StreamMode.
func newConnector(cfg *config.Config, logger *slog.Logger) (stream.Connector, error) {
	switch cfg.StreamMode {
	case config.StreamModePush:
		pushCfg := stream.DefaultPushConfig()
		pushCfg.Endpoint = cfg.StreamEndpoint
		pushCfg.Token = cfg.StreamToken
		pushCfg.Account = cfg.TargetAccount.String()
		pushCfg.IncludeFailed = cfg.IncludeFailedTransactions
		pushCfg.SignatureQuery = cfg.PushSignatureQuery
		pushCfg.SlotQuery = cfg.PushSlotQuery
		connector, err := stream.NewPushConnector(pushCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create push connector: %w", err)
		}
		return connector, nil
	case config.StreamModeLogs, "":
		return stream.NewLogsConnector(cfg.StreamEndpoint, cfg.StreamToken, cfg.TargetAccount, logger), nil
	default:
		return nil, fmt.Errorf("unknown stream mode %q", cfg.StreamMode)
	}
}
