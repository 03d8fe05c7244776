package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidTask = errors.New("invalid task")
)

type EventType string

const (
	EventAgentUpdated EventType = "agent.updated"
	EventAgentStatus  EventType = "agent.status"
	EventAgentStale   EventType = "agent.stale"
	EventTaskCreated  EventType = "task.created"
	EventTaskExecuted EventType = "task.executed"
	EventTaskFailed   EventType = "task.failed"
)

// Event is a notification about a state change that already reached the
// store. Events are advisory; consumers must not treat them as state.
type Event struct {
	Type            EventType `json:"type"`
	AgentIdentifier string    `json:"agentIdentifier,omitempty"`
	TaskID          string    `json:"taskId,omitempty"`
	Status          string    `json:"status,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
