package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Command is one task pushed by the panel.
type Command struct {
	Cmd    string `json:"cmd"`
	TaskID string `json:"taskId,omitempty"`
}

// NeedsAck reports whether the panel expects an ack for this command. The
// panel only sends task ids when it runs in ack delivery mode.
func (c Command) NeedsAck() bool {
	return c.TaskID != ""
}

// parseCommand decodes a server frame. Frames without a command are errors.
func parseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if strings.TrimSpace(cmd.Cmd) == "" {
		return Command{}, errors.New("frame has no cmd")
	}
	return cmd, nil
}
