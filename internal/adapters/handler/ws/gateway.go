package ws

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/metrics"
	"c2panel.server/internal/core/ports"
)

type GatewayConfig struct {
	// Send pings to peer with this period. Must be less than ReadTimeout.
	PingInterval time.Duration
	// Time allowed to read the next frame or pong from the peer.
	ReadTimeout time.Duration
	// Time allowed to write a message to the peer.
	WriteTimeout time.Duration
	// Maximum message size allowed from peer.
	MaxMessageSize int64
}

// Gateway upgrades agent connections and runs one read loop per socket.
type Gateway struct {
	handler  *Handler
	bus      ports.EventBus
	cfg      GatewayConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*Session]struct{}
	wg    sync.WaitGroup
}

func NewGateway(handler *Handler, bus ports.EventBus, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		handler: handler,
		bus:     bus,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents are not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*Session]struct{}),
	}
}

// Start subscribes to task events so new tasks reach connected agents
// without waiting for their next frame. The subscription is live when Start
// returns.
func (g *Gateway) Start(ctx context.Context) error {
	if g.bus == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	context.AfterFunc(g.ctx, cancel)

	events, err := g.bus.Subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for event := range events {
			if event.Type != domain.EventTaskCreated || event.AgentIdentifier == "" {
				continue
			}
			g.handler.DeliverTo(g.ctx, event.AgentIdentifier)
		}
	}()
	return nil
}

// ServeHTTP upgrades the request and blocks until the socket closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("Failed to upgrade agent connection", "error", err)
		return
	}
	conn.SetReadLimit(g.cfg.MaxMessageSize)

	s := NewSession(&wsTransport{conn: conn, writeTimeout: g.cfg.WriteTimeout}, remoteHost(r))
	if !g.track(s) {
		conn.Close()
		return
	}
	defer g.untrack(s)

	metrics.SessionOpened()
	defer metrics.SessionClosed()
	g.logger.Debug("Agent connected", "session", s.ID, "remote_addr", s.RemoteAddr)

	g.readPump(s, conn)
}

// readPump reads frames sequentially until the socket fails, then runs the
// close transition.
func (g *Gateway) readPump(s *Session, conn *websocket.Conn) {
	done := make(chan struct{})
	go g.pingLoop(s, done)
	defer func() {
		close(done)
		g.handler.HandleClose(g.ctx, s)
	}()

	conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				g.handler.HandleTransportError(s, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))

		if msgType != websocket.TextMessage {
			metrics.RecordFrame("unknown", "malformed")
			g.logger.Warn("Dropping non-text agent frame", "session", s.ID)
			continue
		}
		g.handler.HandleFrame(g.ctx, s, data)
	}
}

func (g *Gateway) pingLoop(s *Session, done <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.Ping(); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) track(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.conns[s] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(s *Session) {
	g.mu.Lock()
	delete(g.conns, s)
	g.mu.Unlock()
	g.wg.Done()
}

// Shutdown closes every agent socket and waits for their close transitions
// to finish, or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.cancel()
	open := make([]*Session, 0, len(g.conns))
	for s := range g.conns {
		open = append(open, s)
	}
	g.mu.Unlock()

	for _, s := range open {
		s.writeMu.Lock()
		s.transport.Close()
		s.writeMu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) WriteJSON(v any) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close() error {
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.writeTimeout))
	return t.conn.Close()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
