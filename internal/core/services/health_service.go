package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"c2panel.server/internal/core/ports"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

const probeTimeout = 5 * time.Second

// ComponentHealth is one entry of the detailed report. Details carries
// component-specific counters such as queue depth or open sessions.
type ComponentHealth struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   string         `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checkedAt"`
}

type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checkedAt"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthService reports on the store, the event bus and the agent gateway.
// Only the store decides readiness; a broken bus degrades push latency but
// agents still get their tasks on the next frame.
type HealthService struct {
	db       *gorm.DB
	redis    *redis.Client
	tasks    *TaskService
	presence ports.Presence
	version  string
}

// NewHealthService builds the service. redisClient is nil when the
// in-process bus is used; tasks and presence may be nil in tests.
func NewHealthService(db *gorm.DB, redisClient *redis.Client, tasks *TaskService, presence ports.Presence, version string) *HealthService {
	if version == "" {
		version = "dev"
	}
	return &HealthService{
		db:       db,
		redis:    redisClient,
		tasks:    tasks,
		presence: presence,
		version:  version,
	}
}

// Ready reports whether the store answers. Used by the readiness probe.
func (s *HealthService) Ready(ctx context.Context) bool {
	return s.checkStore(ctx).Status == HealthStatusHealthy
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Version:    s.version,
		CheckedAt:  time.Now().UTC(),
		Components: make(map[string]ComponentHealth, 3),
	}

	store := s.checkStore(ctx)
	report.Components["store"] = store
	if store.Status != HealthStatusHealthy {
		report.Status = HealthStatusUnhealthy
	}

	bus := s.checkBus(ctx)
	report.Components["bus"] = bus
	if bus.Status != HealthStatusHealthy && report.Status == HealthStatusHealthy {
		report.Status = HealthStatusDegraded
	}

	if s.presence != nil {
		report.Components["gateway"] = ComponentHealth{
			Status: HealthStatusHealthy,
			Details: map[string]any{
				"sessions": s.presence.Count(),
				"agents":   s.presence.CountAgents(),
			},
			CheckedAt: time.Now().UTC(),
		}
	}

	return report
}

func (s *HealthService) checkStore(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return unhealthy(start, "store ping failed: %v", err)
	}

	health := ComponentHealth{Status: HealthStatusHealthy}
	if s.tasks != nil {
		pending, err := s.tasks.CountPending(ctx)
		if err != nil {
			return unhealthy(start, "count pending tasks: %v", err)
		}
		health.Details = map[string]any{"pendingTasks": pending}
	}
	health.Latency = time.Since(start).String()
	health.CheckedAt = time.Now().UTC()
	return health
}

func (s *HealthService) checkBus(ctx context.Context) ComponentHealth {
	start := time.Now()
	if s.redis == nil {
		return ComponentHealth{
			Status:    HealthStatusHealthy,
			Details:   map[string]any{"backend": "memory"},
			CheckedAt: time.Now().UTC(),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		health := unhealthy(start, "redis ping failed: %v", err)
		health.Details = map[string]any{"backend": "redis"}
		return health
	}
	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		Details:   map[string]any{"backend": "redis"},
		CheckedAt: time.Now().UTC(),
	}
}

func unhealthy(start time.Time, format string, args ...any) ComponentHealth {
	return ComponentHealth{
		Status:    HealthStatusUnhealthy,
		Message:   fmt.Sprintf(format, args...),
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now().UTC(),
	}
}

// SimpleHealthCheck returns a short status and HTTP code for load balancers.
func (s *HealthService) SimpleHealthCheck(ctx context.Context) (string, int) {
	switch s.CheckHealth(ctx).Status {
	case HealthStatusHealthy:
		return "ok", http.StatusOK
	case HealthStatusDegraded:
		return "degraded", http.StatusOK
	default:
		return "unhealthy", http.StatusServiceUnavailable
	}
}
