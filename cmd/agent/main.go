package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"c2panel.server/internal/agent"
	"c2panel.server/internal/core/logger"
)

func main() {
	log := logger.New(slog.LevelInfo, os.Getenv("LOG_FORMAT"))

	serverURL := os.Getenv("AGENT_SERVER")
	if serverURL == "" {
		serverURL = "ws://localhost:8080/ws"
	}

	identifier := os.Getenv("AGENT_ID")
	if identifier == "" {
		idFile := os.Getenv("AGENT_ID_FILE")
		if idFile == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				dir = os.TempDir()
			}
			idFile = filepath.Join(dir, "c2panel-agent", "id")
		}
		id, err := agent.LoadIdentifier(idFile)
		if err != nil {
			log.Error("Failed to load agent identifier", "error", err)
			os.Exit(1)
		}
		identifier = id
	}

	heartbeat := 30 * time.Second
	if v := os.Getenv("AGENT_HEARTBEAT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			heartbeat = d
		}
	}

	log.Info("Starting agent", "server", serverURL, "identifier", identifier, "heartbeat", heartbeat)

	a, err := agent.New(agent.Config{
		ServerURL:  serverURL,
		Identifier: identifier,
		Heartbeat:  heartbeat,
	}, log)
	if err != nil {
		log.Error("Failed to initialize agent", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Error("Agent error", "error", err)
		os.Exit(1)
	}
	log.Info("Agent stopped")
}
