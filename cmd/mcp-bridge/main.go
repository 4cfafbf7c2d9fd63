package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/todo-1m/taskbridge/internal/app/mcptool"
	"github.com/todo-1m/taskbridge/internal/app/toolclient"
	"github.com/todo-1m/taskbridge/internal/platform/config"
	"github.com/todo-1m/taskbridge/internal/platform/logging"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadMCP()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the MCP stream.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, "json")

	caller := toolclient.New(cfg.BridgeURL, cfg.APIKey)
	caller.PollInterval = cfg.PollInterval
	caller.PollAttempts = cfg.PollAttempts

	server := mcptool.NewServer(caller, cfg.UserID, logger)
	if err := server.Run(runCtx, &mcp.StdioTransport{}); err != nil && runCtx.Err() == nil {
		logger.Fatal().Err(err).Msg("mcp server stopped")
	}
}
