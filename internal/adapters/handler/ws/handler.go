package ws

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"c2panel.server/internal/config"
	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/metrics"
	"c2panel.server/internal/core/protocol"
	"c2panel.server/internal/core/services"
	"c2panel.server/internal/core/tracing"
)

const closeTimeout = 5 * time.Second

type HandlerOptions struct {
	DeliveryMode string
	ClaimTTL     time.Duration
}

// Handler applies inbound frames to a Session: binding, registry upserts,
// acks and delivery sweeps. It is safe for concurrent use across sessions.
type Handler struct {
	registry *services.RegistryService
	tasks    *services.TaskService
	sessions *Sessions
	parser   *protocol.Parser
	mode     string
	claimTTL time.Duration
	logger   *slog.Logger
}

func NewHandler(registry *services.RegistryService, tasks *services.TaskService, sessions *Sessions, parser *protocol.Parser, opts HandlerOptions, logger *slog.Logger) *Handler {
	if opts.DeliveryMode == "" {
		opts.DeliveryMode = config.DeliveryOptimistic
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 30 * time.Second
	}
	return &Handler{
		registry: registry,
		tasks:    tasks,
		sessions: sessions,
		parser:   parser,
		mode:     opts.DeliveryMode,
		claimTTL: opts.ClaimTTL,
		logger:   logger,
	}
}

// HandleFrame processes one inbound frame. Failures are logged and never
// close the session; the next frame retries.
func (h *Handler) HandleFrame(ctx context.Context, s *Session, data []byte) {
	log := h.logger.With("session", s.ID)

	frame, err := h.parser.Parse(data)
	if err != nil {
		result := "invalid"
		if errors.Is(err, protocol.ErrMalformed) {
			result = "malformed"
		}
		metrics.RecordFrame("unknown", result)
		log.Warn("Dropping agent frame", "agent", s.Identifier(), "error", err)
		return
	}
	frameType := string(frame.Type)

	switch s.State() {
	case StateClosed:
		return
	case StateUnidentified:
		if frame.Identifier == "" {
			metrics.RecordFrame(frameType, "discarded")
			log.Debug("Discarding frame from unidentified session", "type", frameType)
			return
		}
		identifier, bound, err := s.Bind(frame.Identifier)
		if err != nil {
			return
		}
		if bound {
			h.sessions.Add(s)
			log.Info("Agent identified", "agent", identifier, "remote_addr", s.RemoteAddr)
		}
	}

	identifier := s.Identifier()
	log = log.With("agent", identifier)
	if frame.Identifier != "" && frame.Identifier != identifier {
		log.Warn("Ignoring identifier change on bound session", "claimed", frame.Identifier)
	}

	address := frame.Address
	if address == "" {
		address = s.RemoteAddr
	}
	if _, err := h.registry.Upsert(ctx, identifier, domain.AgentAttributes{
		Address:  address,
		Hostname: frame.Hostname,
		Platform: frame.Platform,
	}); err != nil {
		metrics.RecordFrame(frameType, "error")
		log.Error("Failed to refresh agent", "error", err)
		return
	}

	if frame.Type == protocol.TypeAck {
		if h.mode == config.DeliveryAck {
			h.acknowledge(ctx, log, identifier, frame)
		} else {
			log.Debug("Ignoring ack in optimistic mode", "task_id", frame.TaskID)
		}
	}
	metrics.RecordFrame(frameType, "ok")

	h.sweep(ctx, s)
}

func (h *Handler) acknowledge(ctx context.Context, log *slog.Logger, identifier string, frame *protocol.Frame) {
	finished, err := h.tasks.Acknowledge(ctx, identifier, frame.TaskID, frame.Error)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("Ack for unknown or undelivered task", "task_id", frame.TaskID)
	case err != nil:
		log.Error("Failed to record ack", "task_id", frame.TaskID, "error", err)
	case !finished:
		log.Debug("Ack for task already finished", "task_id", frame.TaskID)
	default:
		log.Info("Task acknowledged", "task_id", frame.TaskID, "failed", frame.Error != "")
	}
}

// HandleClose runs the Closed transition. A bound agent goes offline unless
// another session on this process still holds its identifier.
func (h *Handler) HandleClose(ctx context.Context, s *Session) {
	identifier, closed := s.close()
	if !closed {
		return
	}
	if identifier == "" {
		h.logger.Debug("Unidentified session closed", "session", s.ID)
		return
	}

	remaining := h.sessions.Remove(s)
	if remaining > 0 {
		h.logger.Info("Agent session closed, other sessions remain", "session", s.ID, "agent", identifier, "remaining", remaining)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := h.registry.SetStatus(ctx, identifier, domain.AgentStatusOffline); err != nil {
		h.logger.Error("Failed to mark agent offline", "session", s.ID, "agent", identifier, "error", err)
		return
	}
	h.logger.Info("Agent disconnected", "session", s.ID, "agent", identifier)
}

// HandleTransportError only logs; the close path performs cleanup.
func (h *Handler) HandleTransportError(s *Session, err error) {
	h.logger.Warn("Agent transport error", "session", s.ID, "agent", s.Identifier(), "error", err)
}

// DeliverTo sweeps every local session bound to identifier.
func (h *Handler) DeliverTo(ctx context.Context, identifier string) {
	for _, s := range h.sessions.Lookup(identifier) {
		h.sweep(ctx, s)
	}
}

// sweep sends the session's pending tasks oldest first. Each task is
// claimed before it is written, so concurrent sweeps never send it twice.
func (h *Handler) sweep(ctx context.Context, s *Session) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	identifier := s.Identifier()
	if identifier == "" {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "ws.sweep")
	defer span.End()
	span.SetAttributes(attribute.String("agent.identifier", identifier))

	log := h.logger.With("session", s.ID, "agent", identifier)

	pending, err := h.tasks.Pending(ctx, identifier)
	if err != nil {
		span.RecordError(err)
		log.Error("Failed to load pending tasks", "error", err)
		return
	}

	delivered := 0
	for _, task := range pending {
		if s.State() == StateClosed {
			break
		}

		claimed, err := h.tasks.Claim(ctx, task.ID, h.claimTTL)
		if err != nil {
			span.RecordError(err)
			log.Error("Failed to claim task", "task_id", task.ID, "error", err)
			break
		}
		if !claimed {
			continue
		}

		out := protocol.CommandFrame{Cmd: task.Command}
		if h.mode == config.DeliveryAck {
			out.TaskID = task.ID
		}
		if err := s.Send(out); err != nil {
			metrics.RecordDeliveryFailure()
			log.Warn("Failed to send task", "task_id", task.ID, "error", err)
			if err := h.tasks.Release(ctx, task.ID); err != nil {
				log.Error("Failed to release task", "task_id", task.ID, "error", err)
			}
			break
		}
		metrics.RecordTaskDelivered(h.mode)
		delivered++

		if h.mode == config.DeliveryAck {
			continue
		}
		if _, err := h.tasks.MarkExecuted(ctx, task); err != nil {
			log.Error("Failed to mark task executed", "task_id", task.ID, "error", err)
		}
	}

	span.SetAttributes(attribute.Int("tasks.delivered", delivered))
	if delivered > 0 {
		log.Info("Delivered tasks", "count", delivered, "mode", h.mode)
	}
}
