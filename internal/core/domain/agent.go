package domain

import "time"

type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is the durable record of a remote client. Identifier is immutable
// once the row exists.
type Agent struct {
	Identifier string      `json:"identifier" gorm:"primaryKey;size:128"`
	Address    string      `json:"address"`
	Hostname   string      `json:"hostname"`
	Platform   string      `json:"platform"`
	Status     AgentStatus `json:"status" gorm:"size:16;index"`
	LastSeen   time.Time   `json:"lastSeen"`
	CreatedAt  time.Time   `json:"createdAt"`
}

func (Agent) TableName() string {
	return "agents"
}

// AgentAttributes is the optional metadata an agent reports about itself.
// Empty fields leave the stored value untouched.
type AgentAttributes struct {
	Address  string
	Hostname string
	Platform string
}
