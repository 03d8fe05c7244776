package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"c2panel.server/internal/adapters/events/memory"
	redis_adapter "c2panel.server/internal/adapters/events/redis"
	http_handler "c2panel.server/internal/adapters/handler/http"
	"c2panel.server/internal/adapters/handler/mqtt"
	nats_handler "c2panel.server/internal/adapters/handler/nats"
	"c2panel.server/internal/adapters/handler/ws"
	"c2panel.server/internal/adapters/repository/gormrepo"
	"c2panel.server/internal/config"
	"c2panel.server/internal/core/logger"
	"c2panel.server/internal/core/ports"
	"c2panel.server/internal/core/protocol"
	"c2panel.server/internal/core/services"
	"c2panel.server/internal/core/tracing"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "c2panel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info("Starting C2 panel server", "version", version, "delivery_mode", cfg.DeliveryMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			log.Error("Failed to initialize tracing", "error", err)
		} else {
			log.Info("Tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					log.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	repo, err := gormrepo.NewRepository(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init %s store: %w", cfg.DatabaseDriver, err)
	}
	defer repo.Close()

	var (
		bus         ports.EventBus
		redisClient *redis.Client
	)
	if cfg.RedisURL != "" {
		redisBus, client, err := redis_adapter.NewEventBus(cfg.RedisURL, log)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer client.Close()
		bus, redisClient = redisBus, client
		log.Info("Using Redis event bus")
	} else {
		bus = memory.NewBus()
		log.Info("REDIS_URL not set, using in-process event bus")
	}

	registry := services.NewRegistryService(repo, bus, log)
	tasks := services.NewTaskService(repo, bus, log)

	// No socket survives a restart.
	if err := registry.ResetStatuses(ctx); err != nil {
		log.Error("Failed to reset agent statuses", "error", err)
	}

	parser, err := protocol.NewParser()
	if err != nil {
		return fmt.Errorf("init frame parser: %w", err)
	}

	sessions := ws.NewSessions()
	health := services.NewHealthService(repo.DB(), redisClient, tasks, sessions, version)
	handler := ws.NewHandler(registry, tasks, sessions, parser, ws.HandlerOptions{
		DeliveryMode: cfg.DeliveryMode,
		ClaimTTL:     cfg.ClaimTTL,
	}, log)
	gateway := ws.NewGateway(handler, bus, ws.GatewayConfig{
		PingInterval:   cfg.PingInterval,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	}, log)
	if err := gateway.Start(ctx); err != nil {
		log.Error("Failed to subscribe to task events, delivery falls back to agent frames", "error", err)
	}

	monitor := services.NewAgentMonitor(repo, repo, sessions, bus, cfg.MonitorInterval, cfg.StaleAfter, log)
	go monitor.Start(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case alert := <-monitor.Alerts():
				log.Warn("Agent stale", "identifier", alert.Identifier, "last_seen", alert.LastSeen)
			}
		}
	}()

	hub := http_handler.NewHub(bus, log)
	go hub.Run(ctx)
	go hub.EventConsumer(ctx)

	if cfg.MQTTBrokerURL != "" {
		mqttPublisher, err := mqtt.NewPublisher(bus, cfg.MQTTBrokerURL, cfg.MQTTTopicPrefix, log)
		if err != nil {
			log.Error("Failed to init MQTT publisher", "error", err)
		} else if err := mqttPublisher.Start(ctx); err != nil {
			log.Error("Failed to start MQTT publisher", "error", err)
		} else {
			defer mqttPublisher.Close()
			log.Info("MQTT publisher started", "prefix", cfg.MQTTTopicPrefix)
		}
	}

	if cfg.NATSURL != "" {
		natsPublisher, err := nats_handler.NewPublisher(bus, cfg.NATSURL, cfg.NATSSubject, log)
		if err != nil {
			log.Error("Failed to init NATS publisher", "error", err)
		} else if err := natsPublisher.Start(ctx); err != nil {
			log.Error("Failed to start NATS publisher", "error", err)
		} else {
			defer natsPublisher.Close()
		}
	}

	httpServer := http_handler.NewServer(registry, tasks, health, hub, gateway, http_handler.Options{
		WebDir:        cfg.WebDir,
		EnableMetrics: cfg.EnableMetrics,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", "port", cfg.HTTPPort)
		errCh <- httpServer.Run(":" + cfg.HTTPPort)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", "error", err)
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		log.Warn("Timed out closing agent sessions", "error", err)
	}
	log.Info("Server stopped")
	return nil
}
