package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"c2panel.server/internal/core/ports"
)

// Message represents a message to be sent to connected dashboards
type Message struct {
	Type    string      `json:"type"` // domain event type, e.g. "task.created"
	Payload interface{} `json:"payload"`
}

// Hub fans domain events out to dashboard WebSocket clients.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Inbound messages from the system to be broadcasted to clients.
	broadcast chan Message

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Lock for client map safety
	mu sync.Mutex

	// Closed when Run returns.
	done chan struct{}

	bus    ports.EventBus
	logger *slog.Logger
}

func NewHub(bus ports.EventBus, logger *slog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan Message),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			dashboardClients.Set(0)
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			dashboardClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			dashboardClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow dashboard: drop it rather than stall the hub.
					close(client.send)
					delete(h.clients, client)
				}
			}
			dashboardClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// Broadcast publishes a message to all connected clients. It returns without
// sending once Run has stopped.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// ClientCount returns the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// EventConsumer forwards bus events to every dashboard until ctx is done.
func (h *Hub) EventConsumer(ctx context.Context) {
	if h.bus == nil {
		return
	}
	events, err := h.bus.Subscribe(ctx)
	if err != nil {
		h.logger.Error("Failed to subscribe to events", "error", err)
		return
	}

	h.logger.Info("EventConsumer started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("EventConsumer shutting down")
			return
		case event, ok := <-events:
			if !ok {
				h.logger.Info("Event channel closed, EventConsumer exiting")
				return
			}
			h.Broadcast(Message{Type: string(event.Type), Payload: event})
		}
	}
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard may be served from another origin
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message
}

// readPump discards dashboard input and unregisters the client once the
// socket goes away.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			json.NewEncoder(w).Encode(message)

			// Add queued messages to the current websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				json.NewEncoder(w).Encode(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles websocket requests from dashboards.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade dashboard connection", "error", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan Message, 256)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
