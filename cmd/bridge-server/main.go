package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/todo-1m/taskbridge/internal/app/bridgeapi"
	"github.com/todo-1m/taskbridge/internal/app/dispatch"
	platformauth "github.com/todo-1m/taskbridge/internal/platform/auth"
	"github.com/todo-1m/taskbridge/internal/platform/config"
	"github.com/todo-1m/taskbridge/internal/platform/dbpool"
	"github.com/todo-1m/taskbridge/internal/platform/envelope"
	"github.com/todo-1m/taskbridge/internal/platform/logging"
	"github.com/todo-1m/taskbridge/internal/platform/metrics"
	"github.com/todo-1m/taskbridge/internal/platform/natsutil"
	"github.com/todo-1m/taskbridge/internal/store"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	key, err := envelope.LoadPrivateKey(cfg.SigningKeyPath, cfg.SigningKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("no command signing key; run keygen first")
	}

	st, err := openStore(runCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("open store")
	}
	defer st.Close()

	var push dispatch.PushChannel = dispatch.NoopPush{}
	var nc *natsutil.Client
	if cfg.NATSURL != "" {
		nc, err = natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, cfg.CommandTTL, cfg.NATSConnectTimeout)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer nc.Close()
		push = natsutil.PushPublisher{JS: nc.JS}
	} else {
		logger.Warn().Msg("NATS_URL not set, commands are delivered by polling only")
	}

	service := dispatch.NewService(st, envelope.NewSigner(key, cfg.CommandTTL), push, logger)
	service.PushTimeout = cfg.PushTimeout

	registry := metrics.NewRegistry()
	metrics.RegisterProcess(registry)
	service.Metrics.Register(registry)
	registry.MustRegister(metrics.NewFallibleGaugeFunc("taskbridge_pending_commands", "Commands waiting for their device to poll.", func() (float64, error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := st.CountPending(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("count pending commands for metrics")
			return 0, err
		}
		return float64(n), nil
	}))

	handler := bridgeapi.NewHandler(service, platformauth.NewAPIKeyChecker(cfg.ToolAPIKeyHash), registry, logger)
	handler.Ready = func(ctx context.Context) error {
		checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
		defer cancel()
		if err := st.Ping(checkCtx); err != nil {
			return fmt.Errorf("store ping failed: %w", err)
		}
		if nc != nil {
			return nc.Ready()
		}
		return nil
	}

	go service.RunSweeper(runCtx, cfg.PendingSweepInterval)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreBackend).Msg("bridge server listening")
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Fatal().Err(err).Msg("http server")
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func openStore(ctx context.Context, cfg config.Server, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return store.NewRedis(client), nil
	case config.BackendPostgres:
		pool, err := dbpool.New(ctx, cfg.DatabaseURL, cfg.Pool)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgres(pool)
		if err := waitForSchema(ctx, pg, 30*time.Second, logger); err != nil {
			pool.Close()
			return nil, err
		}
		return pg, nil
	default:
		return store.NewMemory(), nil
	}
}

func waitForSchema(ctx context.Context, pg *store.Postgres, timeout time.Duration, logger zerolog.Logger) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pg.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		logger.Warn().Err(lastErr).Msg("waiting for postgres schema readiness")
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}
