package ports

import (
	"context"
	"time"

	"c2panel.server/internal/core/domain"
)

type AgentRepository interface {
	Upsert(ctx context.Context, agent *domain.Agent) error
	SetStatus(ctx context.Context, identifier string, status domain.AgentStatus) error
	MarkAllOffline(ctx context.Context) (int64, error)
	GetAgent(ctx context.Context, identifier string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	CountAgentsByStatus(ctx context.Context, status domain.AgentStatus) (int64, error)
}

type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListPending(ctx context.Context, agentIdentifier string) ([]*domain.Task, error)
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error)
	CountTasks(ctx context.Context, filter domain.TaskFilter) (int64, error)

	// Claim takes a delivery lease on a pending task. It reports false when
	// the task is no longer pending or another lease is still live.
	Claim(ctx context.Context, id string, now, until time.Time) (bool, error)
	Release(ctx context.Context, id string) error
	MarkExecuted(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, reason string, at time.Time) (bool, error)
}

type EventBus interface {
	Publish(ctx context.Context, event domain.Event) error
	Subscribe(ctx context.Context) (<-chan domain.Event, error)
}

// Presence answers whether an agent holds a live socket on this process.
type Presence interface {
	IsConnected(identifier string) bool
	// Count is the number of identified sessions.
	Count() int
	// CountAgents is the number of distinct connected identifiers.
	CountAgents() int
}
