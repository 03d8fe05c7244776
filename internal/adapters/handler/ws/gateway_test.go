package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"c2panel.server/internal/adapters/events/memory"
	"c2panel.server/internal/adapters/repository/gormrepo"
	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/logger"
	"c2panel.server/internal/core/protocol"
	"c2panel.server/internal/core/services"
)

type gatewayHarness struct {
	registry *services.RegistryService
	tasks    *services.TaskService
	gateway  *Gateway
	url      string
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	repo, err := gormrepo.NewRepository("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	log := logger.Discard()
	bus := memory.NewBus()
	registry := services.NewRegistryService(repo, bus, log)
	tasks := services.NewTaskService(repo, bus, log)
	handler := NewHandler(registry, tasks, NewSessions(), protocol.MustNewParser(), HandlerOptions{}, log)
	gateway := NewGateway(handler, bus, GatewayConfig{
		PingInterval:   time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		MaxMessageSize: 1024,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, gateway.Start(ctx))

	srv := httptest.NewServer(gateway)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		gateway.Shutdown(shutdownCtx)
		cancel()
		srv.Close()
	})

	return &gatewayHarness{
		registry: registry,
		tasks:    tasks,
		gateway:  gateway,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *gatewayHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readCommand(t *testing.T, conn *websocket.Conn) protocol.CommandFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.CommandFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func (h *gatewayHarness) agentStatus(identifier string) domain.AgentStatus {
	agent, err := h.registry.Get(context.Background(), identifier)
	if err != nil {
		return ""
	}
	return agent.Status
}

func TestGateway_DeliversOnCheckin(t *testing.T) {
	h := newGatewayHarness(t)
	task, err := h.tasks.Dispatch(context.Background(), "a1", "whoami")
	require.NoError(t, err)

	conn := h.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"identifier":"a1","hostname":"box"}`)))

	assert.Equal(t, "whoami", readCommand(t, conn).Cmd)
	assert.Eventually(t, func() bool {
		stored, err := h.tasks.GetTask(context.Background(), task.ID)
		return err == nil && stored.Status == domain.TaskStatusExecuted
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, domain.AgentStatusOnline, h.agentStatus("a1"))
}

func TestGateway_PushesNewTasksToConnectedAgent(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"register","identifier":"a1"}`)))
	require.Eventually(t, func() bool {
		return h.agentStatus("a1") == domain.AgentStatusOnline
	}, 2*time.Second, 20*time.Millisecond)

	_, err := h.tasks.Dispatch(context.Background(), "a1", "uname -a")
	require.NoError(t, err)

	assert.Equal(t, "uname -a", readCommand(t, conn).Cmd)
}

func TestGateway_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	h := newGatewayHarness(t)
	_, err := h.tasks.Dispatch(context.Background(), "a1", "whoami")
	require.NoError(t, err)

	conn := h.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"identifier":`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"identifier":"a1"}`)))

	assert.Equal(t, "whoami", readCommand(t, conn).Cmd)
}

func TestGateway_DisconnectMarksOffline(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"identifier":"a1"}`)))
	require.Eventually(t, func() bool {
		return h.agentStatus("a1") == domain.AgentStatusOnline
	}, 2*time.Second, 20*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool {
		return h.agentStatus("a1") == domain.AgentStatusOffline
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGateway_OversizedFrameClosesSocket(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)

	big := `{"identifier":"a1","hostname":"` + strings.Repeat("x", 2048) + `"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, domain.AgentStatus(""), h.agentStatus("a1"))
}

func TestGateway_ShutdownClosesAgents(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"identifier":"a1"}`)))
	require.Eventually(t, func() bool {
		return h.agentStatus("a1") == domain.AgentStatusOnline
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.gateway.Shutdown(ctx))

	assert.Equal(t, domain.AgentStatusOffline, h.agentStatus("a1"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
