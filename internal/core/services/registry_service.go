package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/ports"
)

// RegistryService is the durable record of every agent ever seen.
type RegistryService struct {
	agentRepo ports.AgentRepository
	events    publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewRegistryService(agentRepo ports.AgentRepository, bus ports.EventBus, logger *slog.Logger) *RegistryService {
	return &RegistryService{
		agentRepo: agentRepo,
		events:    publisher{bus: bus, logger: logger},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Upsert creates the agent if absent, otherwise merges attrs into it. Either
// way last-seen is refreshed and status becomes online.
func (s *RegistryService) Upsert(ctx context.Context, identifier string, attrs domain.AgentAttributes) (*domain.Agent, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("identifier is required")
	}

	agent := &domain.Agent{
		Identifier: identifier,
		Address:    attrs.Address,
		Hostname:   attrs.Hostname,
		Platform:   attrs.Platform,
		Status:     domain.AgentStatusOnline,
		LastSeen:   s.now(),
	}
	if err := s.agentRepo.Upsert(ctx, agent); err != nil {
		return nil, fmt.Errorf("upsert agent %s: %w", identifier, err)
	}

	stored, err := s.agentRepo.GetAgent(ctx, identifier)
	if err != nil {
		s.logger.Warn("Failed to re-read agent after upsert", "agent", identifier, "error", err)
		stored = agent
	}

	s.events.publish(ctx, domain.Event{
		Type:            domain.EventAgentUpdated,
		AgentIdentifier: identifier,
		Status:          string(domain.AgentStatusOnline),
		Timestamp:       stored.LastSeen,
	})
	return stored, nil
}

func (s *RegistryService) SetStatus(ctx context.Context, identifier string, status domain.AgentStatus) error {
	if err := s.agentRepo.SetStatus(ctx, identifier, status); err != nil {
		return fmt.Errorf("set status of agent %s: %w", identifier, err)
	}
	s.events.publish(ctx, domain.Event{
		Type:            domain.EventAgentStatus,
		AgentIdentifier: identifier,
		Status:          string(status),
	})
	return nil
}

func (s *RegistryService) List(ctx context.Context) ([]*domain.Agent, error) {
	agents, err := s.agentRepo.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	if agents == nil {
		agents = []*domain.Agent{}
	}
	return agents, nil
}

func (s *RegistryService) Get(ctx context.Context, identifier string) (*domain.Agent, error) {
	return s.agentRepo.GetAgent(ctx, identifier)
}

// ResetStatuses marks every agent offline. Called at startup: no socket
// survives a process restart, so any stored "online" is stale.
func (s *RegistryService) ResetStatuses(ctx context.Context) error {
	n, err := s.agentRepo.MarkAllOffline(ctx)
	if err != nil {
		return fmt.Errorf("reset agent statuses: %w", err)
	}
	if n > 0 {
		s.logger.Info("Marked stale agents offline", "count", n)
	}
	return nil
}
