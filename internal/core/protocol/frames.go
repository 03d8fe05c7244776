// Package protocol defines the JSON frames exchanged with agents over the
// WebSocket channel.
package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type FrameType string

const (
	// TypeCheckin is assumed when a frame has no "type". It covers agents
	// that only send {"identifier": ...} plus optional metadata.
	TypeCheckin   FrameType = "checkin"
	TypeRegister  FrameType = "register"
	TypeHeartbeat FrameType = "heartbeat"
	TypeAck       FrameType = "ack"
)

var (
	ErrMalformed = errors.New("malformed frame")
	ErrInvalid   = errors.New("invalid frame")
)

//go:embed frame.schema.json
var frameSchema string

// Frame is an inbound agent message after validation.
type Frame struct {
	Type       FrameType `json:"type"`
	Identifier string    `json:"identifier,omitempty"`
	Address    string    `json:"address,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	TaskID     string    `json:"taskId,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// CommandFrame is sent to an agent once per delivered task. TaskID is only
// set when the agent is expected to acknowledge.
type CommandFrame struct {
	Cmd    string `json:"cmd"`
	TaskID string `json:"taskId,omitempty"`
}

// Parser validates raw frames against the embedded schema.
type Parser struct {
	schema *jsonschema.Schema
}

func NewParser() (*Parser, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("frame.schema.json", bytes.NewReader([]byte(frameSchema))); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile("frame.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &Parser{schema: schema}, nil
}

// MustNewParser is NewParser for package-level initialization.
func MustNewParser() *Parser {
	p, err := NewParser()
	if err != nil {
		panic(err)
	}
	return p
}

// Parse decodes and validates one frame. Non-JSON input yields ErrMalformed,
// schema violations (including unknown types and blank identifiers) yield
// ErrInvalid. Identifier and TaskID come back trimmed.
func (p *Parser) Parse(data []byte) (*Frame, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	if err := p.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if frame.Type == "" {
		frame.Type = TypeCheckin
	}
	// Agents are keyed by the trimmed identifier everywhere else.
	frame.Identifier = strings.TrimSpace(frame.Identifier)
	frame.TaskID = strings.TrimSpace(frame.TaskID)
	return &frame, nil
}
