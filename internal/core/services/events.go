package services

import (
	"context"
	"log/slog"
	"time"

	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/ports"
)

// publisher sends events best-effort: the store already holds the truth, so
// a bus failure is logged and never returned to the caller.
type publisher struct {
	bus    ports.EventBus
	logger *slog.Logger
}

func (p publisher) publish(ctx context.Context, event domain.Event) {
	if p.bus == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.Warn("Failed to publish event", "type", event.Type, "agent", event.AgentIdentifier, "task_id", event.TaskID, "error", err)
	}
}
