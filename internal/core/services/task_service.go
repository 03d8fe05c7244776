package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/metrics"
	"c2panel.server/internal/core/ports"
	"c2panel.server/internal/core/tracing"
)

const maxCommandLength = 10000

type TaskService struct {
	taskRepo ports.TaskRepository
	events   publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewTaskService(taskRepo ports.TaskRepository, bus ports.EventBus, logger *slog.Logger) *TaskService {
	return &TaskService{
		taskRepo: taskRepo,
		events:   publisher{bus: bus, logger: logger},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch queues command for the agent named by identifier. The agent does
// not need to exist or be online; the task waits as pending until it is
// delivered.
func (s *TaskService) Dispatch(ctx context.Context, identifier, command string) (*domain.Task, error) {
	ctx, span := tracing.StartSpan(ctx, "TaskService.Dispatch")
	defer span.End()

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier is required", domain.ErrInvalidTask)
	}
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: command is required", domain.ErrInvalidTask)
	}
	if len(command) > maxCommandLength {
		return nil, fmt.Errorf("%w: command exceeds maximum length of %d characters", domain.ErrInvalidTask, maxCommandLength)
	}

	// v7 ids sort by creation time, which keeps delivery order stable when
	// two tasks share a timestamp.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}

	task := &domain.Task{
		ID:              id.String(),
		AgentIdentifier: identifier,
		Command:         command,
		Status:          domain.TaskStatusPending,
		CreatedAt:       s.now(),
	}
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("agent.identifier", identifier))

	if err := s.taskRepo.Create(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create task")
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.RecordTaskDispatched()

	s.events.publish(ctx, domain.Event{
		Type:            domain.EventTaskCreated,
		AgentIdentifier: identifier,
		TaskID:          task.ID,
		Status:          string(task.Status),
		Timestamp:       task.CreatedAt,
	})
	return task, nil
}

// Pending returns the agent's pending tasks oldest first.
func (s *TaskService) Pending(ctx context.Context, identifier string) ([]*domain.Task, error) {
	tasks, err := s.taskRepo.ListPending(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks for %s: %w", identifier, err)
	}
	return tasks, nil
}

// Claim takes a delivery lease of ttl on the task. It reports false when
// someone else holds a live lease or the task is no longer pending.
func (s *TaskService) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	now := s.now()
	ok, err := s.taskRepo.Claim(ctx, id, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	return ok, nil
}

func (s *TaskService) Release(ctx context.Context, id string) error {
	if err := s.taskRepo.Release(ctx, id); err != nil {
		return fmt.Errorf("release task %s: %w", id, err)
	}
	return nil
}

// MarkExecuted moves a pending task to executed. It reports false if the
// task had already left pending.
func (s *TaskService) MarkExecuted(ctx context.Context, task *domain.Task) (bool, error) {
	ok, err := s.taskRepo.MarkExecuted(ctx, task.ID, s.now())
	if err != nil {
		return false, fmt.Errorf("mark task %s executed: %w", task.ID, err)
	}
	if ok {
		metrics.RecordTaskFinished(string(domain.TaskStatusExecuted))
		s.events.publish(ctx, domain.Event{
			Type:            domain.EventTaskExecuted,
			AgentIdentifier: task.AgentIdentifier,
			TaskID:          task.ID,
			Status:          string(domain.TaskStatusExecuted),
		})
	}
	return ok, nil
}

func (s *TaskService) MarkFailed(ctx context.Context, task *domain.Task, reason string) (bool, error) {
	ok, err := s.taskRepo.MarkFailed(ctx, task.ID, reason, s.now())
	if err != nil {
		return false, fmt.Errorf("mark task %s failed: %w", task.ID, err)
	}
	if ok {
		metrics.RecordTaskFinished(string(domain.TaskStatusFailed))
		s.events.publish(ctx, domain.Event{
			Type:            domain.EventTaskFailed,
			AgentIdentifier: task.AgentIdentifier,
			TaskID:          task.ID,
			Status:          string(domain.TaskStatusFailed),
		})
	}
	return ok, nil
}

// Acknowledge records an agent's ack for a delivered task. An empty reason
// marks it executed, anything else marks it failed. Acks for tasks owned by
// another agent, or for tasks never handed out under a lease, are rejected
// with ErrNotFound.
func (s *TaskService) Acknowledge(ctx context.Context, identifier, taskID, reason string) (bool, error) {
	task, err := s.taskRepo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.AgentIdentifier != identifier {
		return false, fmt.Errorf("task %s for agent %s: %w", taskID, identifier, domain.ErrNotFound)
	}
	if task.Status == domain.TaskStatusPending && task.ClaimedUntil == nil {
		return false, fmt.Errorf("task %s not delivered: %w", taskID, domain.ErrNotFound)
	}
	if reason == "" {
		return s.MarkExecuted(ctx, task)
	}
	return s.MarkFailed(ctx, task, reason)
}

func (s *TaskService) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return s.taskRepo.GetTask(ctx, id)
}

// PaginatedTasks represents a paginated list of tasks with metadata
type PaginatedTasks struct {
	Tasks   []*domain.Task `json:"tasks"`
	Total   int64          `json:"total"`
	Offset  int            `json:"offset"`
	Limit   int            `json:"limit"`
	HasMore bool           `json:"hasMore"`
}

func (s *TaskService) ListTasks(ctx context.Context, filter domain.TaskFilter) (*PaginatedTasks, error) {
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTask, filter.Status)
	}

	tasks, err := s.taskRepo.ListTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	total, err := s.taskRepo.CountTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}

	return &PaginatedTasks{
		Tasks:   tasks,
		Total:   total,
		Offset:  filter.Offset,
		Limit:   filter.Limit,
		HasMore: filter.Offset+len(tasks) < int(total),
	}, nil
}

func (s *TaskService) CountPending(ctx context.Context) (int64, error) {
	return s.taskRepo.CountTasks(ctx, domain.TaskFilter{Status: domain.TaskStatusPending})
}
