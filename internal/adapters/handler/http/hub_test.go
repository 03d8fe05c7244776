package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"c2panel.server/internal/adapters/events/memory"
	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/logger"
)

func TestHub_ForwardsEventsToDashboards(t *testing.T) {
	bus := memory.NewBus()
	hub := NewHub(bus, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	go hub.EventConsumer(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The consumer subscribes asynchronously; publish until something arrives.
	received := make(chan Message, 1)
	go func() {
		var msg Message
		if err := conn.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, bus.Publish(ctx, domain.Event{Type: domain.EventTaskCreated, AgentIdentifier: "a1", TaskID: "t1"}))
		select {
		case msg := <-received:
			assert.Equal(t, string(domain.EventTaskCreated), msg.Type)
			return
		case <-deadline:
			t.Fatal("dashboard did not receive the event")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestHub_UnregistersClosedDashboards(t *testing.T) {
	hub := NewHub(nil, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
