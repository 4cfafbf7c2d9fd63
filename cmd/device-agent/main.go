package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/todo-1m/taskbridge/internal/app/device"
	"github.com/todo-1m/taskbridge/internal/app/taskstore"
	"github.com/todo-1m/taskbridge/internal/contracts"
	"github.com/todo-1m/taskbridge/internal/platform/envelope"
	"github.com/todo-1m/taskbridge/internal/platform/logging"
	"github.com/todo-1m/taskbridge/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("TASKBRIDGE_CONFIG")
	if configPath == "" {
		configPath = "config/agent.yaml"
	}
	cfg, err := device.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "console").With().Str("device_id", cfg.DeviceID).Logger()

	pub, err := envelope.LoadPublicKey(cfg.PublicKeyPath, cfg.PublicKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("load public key")
	}

	tasks, err := taskstore.Open(runCtx, cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open task store")
	}
	defer tasks.Close()

	client := device.NewClient(cfg.ServerURL)
	processor := device.NewProcessor(envelope.NewVerifier(pub), tasks, client, logger)
	if cfg.ReplayGuard {
		processor.Replay = device.NewReplayGuard()
	}

	agent := &device.Agent{
		Client:       client,
		Processor:    processor,
		UserID:       cfg.DeviceID,
		PushAddress:  cfg.PushAddress,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	}
	if cfg.NATSURL != "" {
		nc, err := natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, envelope.DefaultTTL, 20*time.Second)
		if err != nil {
			logger.Warn().Err(err).Msg("push unavailable, polling only")
		} else {
			defer nc.Close()
			agent.Subscribe = func(address string, fn func(contracts.PushPayload)) (func(), error) {
				sub, err := natsutil.SubscribePush(nc.Conn, address, fn)
				if err != nil {
					return nil, err
				}
				return func() { _ = sub.Unsubscribe() }, nil
			}
		}
	}

	logger.Info().Str("server", cfg.ServerURL).Dur("poll_interval", cfg.PollInterval).Bool("replay_guard", cfg.ReplayGuard).Msg("device agent starting")
	if err := agent.Run(runCtx); err != nil {
		logger.Fatal().Err(err).Msg("device agent stopped")
	}
}
