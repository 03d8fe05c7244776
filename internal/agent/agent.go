// Package agent is a minimal panel agent used for development and
// end-to-end checks. It registers, heartbeats and logs every command it
// receives. It never executes them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	writeWait  = 10 * time.Second
)

type Config struct {
	ServerURL  string // ws://host:port/ws
	Identifier string
	Heartbeat  time.Duration
}

type Agent struct {
	cfg      Config
	logger   *slog.Logger
	dialer   *websocket.Dialer
	hostname string
	platform string

	// OnCommand, when set, is called for every received command.
	OnCommand func(Command)
}

// outbound is the frame the agent sends to the panel.
type outbound struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	Platform   string `json:"platform,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	Error      string `json:"error,omitempty"`
}

func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if cfg.Identifier == "" {
		return nil, errors.New("identifier is required")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}

	hostname, err := os.Hostname()
	if err != nil {
		logger.Warn("Failed to get hostname, using default", "error", err)
		hostname = "unknown-agent"
	}

	return &Agent{
		cfg:      cfg,
		logger:   logger.With("agent", cfg.Identifier),
		dialer:   websocket.DefaultDialer,
		hostname: hostname,
		platform: runtime.GOOS + "/" + runtime.GOARCH,
	}, nil
}

// Run keeps a session open until ctx is cancelled, reconnecting with
// exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		start := time.Now()
		err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > maxBackoff {
			backoff = minBackoff
		}
		a.logger.Warn("Session ended, reconnecting", "error", err, "in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (a *Agent) session(ctx context.Context) error {
	ws, _, err := a.dialer.DialContext(ctx, a.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.ServerURL, err)
	}
	c := &conn{ws: ws}
	defer ws.Close()

	if err := c.send(outbound{
		Type:       "register",
		Identifier: a.cfg.Identifier,
		Hostname:   a.hostname,
		Platform:   a.platform,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info("Registered with panel", "server", a.cfg.ServerURL)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeat(sessCtx, c)
	go func() {
		<-sessCtx.Done()
		c.mu.Lock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		cmd, err := parseCommand(data)
		if err != nil {
			a.logger.Warn("Ignoring frame from panel", "error", err)
			continue
		}
		a.handle(c, cmd)
	}
}

func (a *Agent) handle(c *conn, cmd Command) {
	a.logger.Info("Received command", "cmd", cmd.Cmd, "task_id", cmd.TaskID)
	if a.OnCommand != nil {
		a.OnCommand(cmd)
	}
	if !cmd.NeedsAck() {
		return
	}
	if err := c.send(outbound{Type: "ack", TaskID: cmd.TaskID}); err != nil {
		a.logger.Warn("Failed to ack command", "task_id", cmd.TaskID, "error", err)
	}
}

func (a *Agent) heartbeat(ctx context.Context, c *conn) {
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(outbound{Type: "heartbeat"}); err != nil {
				a.logger.Warn("Heartbeat failed", "error", err)
				return
			}
		}
	}
}
