package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pipay/internal/config"
	"pipay/internal/idempotency"
	"pipay/internal/platform"
	"pipay/internal/server"
	"pipay/internal/telemetry"
	"pipay/internal/txref"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		LogLevel:    cfg.Telemetry.LogLevel,
		Disabled:    cfg.Telemetry.Disabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(sctx)
	}()
	logger := slog.Default()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var pc platform.Client
	if cfg.Platform.APIKey != "" {
		pc = platform.NewHTTPClient(platform.HTTPConfig{
			BaseURL: cfg.Platform.BaseURL,
			APIKey:  cfg.Platform.APIKey,
			Timeout: cfg.Platform.Timeout,
		}, logger)
	} else {
		logger.Warn("PI_API_KEY not set, using in-memory platform")
		pc = platform.NewFakeClient()
	}

	var chain txref.Verifier = txref.NoopVerifier{}
	if cfg.Chain.RPCURL != "" {
		rv, err := txref.NewReceiptVerifier(ctx, txref.ReceiptVerifierConfig{
			RPCURL:  cfg.Chain.RPCURL,
			Timeout: cfg.Chain.ReceiptTimeout,
		})
		if err != nil {
			return err
		}
		defer rv.Close()
		chain = rv
	}

	apiServer := server.NewServer(cfg, pc, store, chain, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiServer.Shutdown(sctx)
}

// openStore prefers Postgres, then the file store, then memory.
func openStore(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	switch {
	case cfg.Store.PostgresDSN != "":
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case cfg.Store.IdempotencyStorePath != "":
		fs, err := idempotency.NewFileStore(cfg.Store.IdempotencyStorePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	default:
		return idempotency.NewMemoryStore(), func() {}, nil
	}
}
