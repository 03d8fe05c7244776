package services

import (
	"context"
	"log/slog"
	"time"

	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/metrics"
	"c2panel.server/internal/core/ports"
)

// AgentMonitor periodically compares the registry against live sockets. It
// reports agents that claim to be online but have gone quiet; it never
// changes their status, which belongs to the connection handler.
type AgentMonitor struct {
	agentRepo  ports.AgentRepository
	taskRepo   ports.TaskRepository
	presence   ports.Presence
	events     publisher
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
	alertChan  chan AgentAlert
	now        func() time.Time
}

type AgentAlert struct {
	Identifier string
	Event      string // "stale"
	LastSeen   time.Time
	Timestamp  time.Time
}

func NewAgentMonitor(agentRepo ports.AgentRepository, taskRepo ports.TaskRepository, presence ports.Presence, bus ports.EventBus, interval, staleAfter time.Duration, logger *slog.Logger) *AgentMonitor {
	return &AgentMonitor{
		agentRepo:  agentRepo,
		taskRepo:   taskRepo,
		presence:   presence,
		events:     publisher{bus: bus, logger: logger},
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		alertChan:  make(chan AgentAlert, 100),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start runs checks until ctx is cancelled.
func (am *AgentMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(am.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.checkAgents(ctx)
		}
	}
}

func (am *AgentMonitor) checkAgents(ctx context.Context) {
	agents, err := am.agentRepo.ListAgents(ctx)
	if err != nil {
		am.logger.Error("Failed to list agents for monitoring", "error", err)
		return
	}

	now := am.now()
	for _, agent := range agents {
		if agent.Status != domain.AgentStatusOnline {
			continue
		}
		if now.Sub(agent.LastSeen) <= am.staleAfter {
			continue
		}
		if am.presence != nil && am.presence.IsConnected(agent.Identifier) {
			continue
		}

		am.logger.Warn("Agent marked online but silent", "agent", agent.Identifier, "last_seen", agent.LastSeen)
		alert := AgentAlert{
			Identifier: agent.Identifier,
			Event:      "stale",
			LastSeen:   agent.LastSeen,
			Timestamp:  now,
		}
		select {
		case am.alertChan <- alert:
		default:
		}
		am.events.publish(ctx, domain.Event{
			Type:            domain.EventAgentStale,
			AgentIdentifier: agent.Identifier,
			Status:          string(agent.Status),
			Timestamp:       now,
		})
	}

	online, err := am.agentRepo.CountAgentsByStatus(ctx, domain.AgentStatusOnline)
	if err != nil {
		am.logger.Error("Failed to count online agents", "error", err)
	} else {
		metrics.SetAgentsOnline(online)
	}
	if am.presence != nil {
		am.logger.Debug("Agent check complete", "online", online, "connected", am.presence.CountAgents(), "sessions", am.presence.Count())
	}

	if am.taskRepo != nil {
		pending, err := am.taskRepo.CountTasks(ctx, domain.TaskFilter{Status: domain.TaskStatusPending})
		if err != nil {
			am.logger.Error("Failed to count pending tasks", "error", err)
			return
		}
		metrics.SetTasksPending(pending)
	}
}

// Alerts returns the alert channel. Alerts are dropped when nobody reads.
func (am *AgentMonitor) Alerts() <-chan AgentAlert {
	return am.alertChan
}
