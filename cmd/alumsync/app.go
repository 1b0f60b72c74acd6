package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"alumni-sync/internal/apiclient"
	"alumni-sync/internal/cache"
	"alumni-sync/internal/config"
	"alumni-sync/internal/kernel"
	"alumni-sync/internal/realtime"
	"alumni-sync/internal/session"
	"alumni-sync/internal/telemetry"
)

// app is everything one command invocation needs, built from configuration.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	runtime *kernel.Runtime
	api     *apiclient.Client

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logOutput io.Writer) (*app, error) {
	logger, err := buildLogger(cfg, logOutput)
	if err != nil {
		return nil, err
	}

	application := &app{cfg: cfg, logger: logger}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTELEndpoint)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	application.closers = append(application.closers, shutdownTelemetry)

	slots, closeSlots, err := openSlots(ctx, cfg)
	if err != nil {
		_ = application.close(ctx)
		return nil, err
	}
	application.closers = append(application.closers, closeSlots)

	application.runtime = buildRuntime(ctx, cfg, logger, slots)
	application.closers = append(application.closers, application.runtime.Close)

	api, err := apiclient.New(cfg.APIURL, application.runtime.Session(), apiclient.WithLogger(logger))
	if err != nil {
		_ = application.close(ctx)
		return nil, fmt.Errorf("build api client: %w", err)
	}
	application.api = api

	return application, nil
}

// close releases resources in reverse acquisition order.
func (a *app) close(ctx context.Context) error {
	var closeErr error
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](ctx); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
	}
	a.closers = nil

	return closeErr
}

func buildLogger(cfg config.Config, output io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	options := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(cfg.LogFormat), "json") {
		return slog.New(slog.NewJSONHandler(output, options)), nil
	}

	return slog.New(slog.NewTextHandler(output, options)), nil
}

// openSlots selects the session slot backend named by cfg.Storage.
func openSlots(ctx context.Context, cfg config.Config) (*session.Slots, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Storage {
	case config.StorageMemory:
		return session.MemorySlots(), noop, nil
	case config.StorageSQLite:
		db, err := session.OpenSQLite(ctx, cfg.SessionDatabase())
		if err != nil {
			return nil, nil, err
		}
		slots, err := session.SQLiteSlots(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return slots, closeDB(db), nil
	case config.StorageFile, "":
		slots, err := session.FileSlots(cfg.SessionDir())
		if err != nil {
			return nil, nil, err
		}
		return slots, noop, nil
	default:
		return nil, nil, fmt.Errorf("open session slots: unsupported storage %q", cfg.Storage)
	}
}

func closeDB(db *sql.DB) func(context.Context) error {
	return func(context.Context) error {
		if err := db.Close(); err != nil {
			return fmt.Errorf("close session database: %w", err)
		}
		return nil
	}
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, slots *session.Slots) *kernel.Runtime {
	return kernel.New(ctx,
		kernel.WithLogger(logger),
		kernel.WithShutdownTimeout(cfg.ShutdownTimeout),
		kernel.WithSessionSlots(slots),
		kernel.WithTransport(realtime.WebSocketTransport{
			URL:         cfg.SocketURL,
			DialTimeout: cfg.DialTimeout,
		}),
		kernel.WithChannelOptions(
			realtime.WithReconnect(cfg.ReconnectDelay, cfg.ReconnectMaxDelay, cfg.ReconnectAttempts),
		),
		kernel.WithCacheOptions(cache.WithDefaultTTL(cfg.CacheTTL)),
	)
}
