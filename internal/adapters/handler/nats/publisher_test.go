package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"c2panel.server/internal/core/domain"
)

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "c2panel.events.task.created",
		subjectFor("c2panel.events", domain.Event{Type: domain.EventTaskCreated}))
	assert.Equal(t, "audit.agent.stale",
		subjectFor("audit", domain.Event{Type: domain.EventAgentStale, AgentIdentifier: "a1"}))
}
