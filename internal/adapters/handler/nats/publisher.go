// Package nats mirrors domain events onto NATS subjects for downstream
// consumers such as audit pipelines.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/ports"
)

type Publisher struct {
	nc      *nats.Conn
	bus     ports.EventBus
	subject string
	logger  *slog.Logger
}

func NewPublisher(bus ports.EventBus, url, subject string, logger *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("c2panel-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("Connected to NATS", "url", url, "subject", subject)
	return &Publisher{nc: nc, bus: bus, subject: subject, logger: logger}, nil
}

// Start subscribes to the bus and publishes until ctx is done.
func (p *Publisher) Start(ctx context.Context) error {
	events, err := p.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				p.publish(event)
			}
		}
	}()
	return nil
}

func (p *Publisher) publish(event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("Failed to encode event", "type", event.Type, "error", err)
		return
	}
	if err := p.nc.Publish(subjectFor(p.subject, event), data); err != nil {
		p.logger.Warn("Failed to publish event to NATS", "type", event.Type, "error", err)
	}
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("NATS drain failed", "error", err)
	}
}

// subjectFor appends the event type, so "c2panel.events" plus
// "task.created" becomes "c2panel.events.task.created".
func subjectFor(base string, event domain.Event) string {
	return base + "." + string(event.Type)
}
