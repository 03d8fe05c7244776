package domain

import "time"

type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusExecuted TaskStatus = "executed"
	TaskStatusFailed   TaskStatus = "failed"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusExecuted, TaskStatusFailed:
		return true
	}
	return false
}

// Task is a command queued for one agent. Status only moves forward:
// pending -> executed or pending -> failed.
type Task struct {
	ID              string     `json:"id" gorm:"primaryKey;size:36"`
	AgentIdentifier string     `json:"agentIdentifier" gorm:"size:128;not null;index:idx_tasks_agent_status,priority:1"`
	Command         string     `json:"command" gorm:"not null"`
	Status          TaskStatus `json:"status" gorm:"size:16;not null;index:idx_tasks_agent_status,priority:2"`
	Attempts        int        `json:"attempts" gorm:"not null;default:0"`
	ClaimedUntil    *time.Time `json:"-"` // delivery lease
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"createdAt" gorm:"index"`
	ExecutedAt      *time.Time `json:"executedAt,omitempty"`
}

func (Task) TableName() string {
	return "tasks"
}

// TaskFilter narrows task listings. Zero values mean "any".
type TaskFilter struct {
	AgentIdentifier string
	Status          TaskStatus
	Offset          int
	Limit           int
}
