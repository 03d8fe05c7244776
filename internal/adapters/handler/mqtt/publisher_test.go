package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"c2panel.server/internal/core/domain"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		event domain.Event
		want  string
	}{
		{domain.Event{Type: domain.EventAgentUpdated, AgentIdentifier: "a1"}, "c2panel/agents/a1"},
		{domain.Event{Type: domain.EventAgentStale, AgentIdentifier: "a1"}, "c2panel/agents/a1"},
		{domain.Event{Type: domain.EventTaskCreated, AgentIdentifier: "a1", TaskID: "t1"}, "c2panel/tasks/a1"},
		{domain.Event{Type: domain.EventTaskFailed, AgentIdentifier: "a2"}, "c2panel/tasks/a2"},
		{domain.Event{Type: domain.EventTaskCreated}, "c2panel/events"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, topicFor("c2panel", tt.event), string(tt.event.Type))
	}
}

func TestEncode(t *testing.T) {
	data, err := encode(domain.Event{
		Type:            domain.EventTaskExecuted,
		AgentIdentifier: "a1",
		TaskID:          "t1",
		Timestamp:       time.Unix(0, 0).UTC(),
	})
	require.NoError(t, err)

	var got struct {
		Type    string       `json:"type"`
		Payload domain.Event `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "task.executed", got.Type)
	assert.Equal(t, "t1", got.Payload.TaskID)
}
