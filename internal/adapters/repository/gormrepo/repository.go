package gormrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"c2panel.server/internal/core/domain"
	"c2panel.server/internal/core/ports"
)

type Repository struct {
	db *gorm.DB
}

var (
	_ ports.AgentRepository = (*Repository)(nil)
	_ ports.TaskRepository  = (*Repository)(nil)
)

// NewRepository opens the store for driver ("postgres" or "sqlite") and
// migrates the schema. The same value serves as agent and task repository.
func NewRepository(driver, dsn string) (*Repository, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&domain.Agent{}, &domain.Task{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Repository{db: db}, nil
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Agent methods

// Upsert inserts the agent or merges it into the existing row. Empty
// attributes keep the stored value; last_seen and status always follow the
// incoming record. created_at is never touched on conflict.
func (r *Repository) Upsert(ctx context.Context, agent *domain.Agent) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identifier"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"address":   gorm.Expr("COALESCE(NULLIF(excluded.address, ''), agents.address)"),
			"hostname":  gorm.Expr("COALESCE(NULLIF(excluded.hostname, ''), agents.hostname)"),
			"platform":  gorm.Expr("COALESCE(NULLIF(excluded.platform, ''), agents.platform)"),
			"last_seen": gorm.Expr("excluded.last_seen"),
			"status":    gorm.Expr("excluded.status"),
		}),
	}).Create(agent).Error
}

// SetStatus changes only the status column.
func (r *Repository) SetStatus(ctx context.Context, identifier string, status domain.AgentStatus) error {
	res := r.db.WithContext(ctx).Model(&domain.Agent{}).
		Where("identifier = ?", identifier).
		UpdateColumn("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %s: %w", identifier, domain.ErrNotFound)
	}
	return nil
}

func (r *Repository) MarkAllOffline(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Agent{}).
		Where("status = ?", domain.AgentStatusOnline).
		UpdateColumn("status", domain.AgentStatusOffline)
	return res.RowsAffected, res.Error
}

func (r *Repository) GetAgent(ctx context.Context, identifier string) (*domain.Agent, error) {
	var agent domain.Agent
	if err := r.db.WithContext(ctx).First(&agent, "identifier = ?", identifier).Error; err != nil {
		return nil, translate(err, "agent", identifier)
	}
	return &agent, nil
}

func (r *Repository) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	var agents []*domain.Agent
	if err := r.db.WithContext(ctx).Order("last_seen desc").Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}

func (r *Repository) CountAgentsByStatus(ctx context.Context, status domain.AgentStatus) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Agent{}).Where("status = ?", status).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Task methods
func (r *Repository) Create(ctx context.Context, task *domain.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *Repository) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, translate(err, "task", id)
	}
	return &task, nil
}

// ListPending returns the agent's pending tasks oldest first.
func (r *Repository) ListPending(ctx context.Context, agentIdentifier string) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.WithContext(ctx).
		Where("agent_identifier = ? AND status = ?", agentIdentifier, domain.TaskStatusPending).
		Order("created_at asc").Order("id asc").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *Repository) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	var tasks []*domain.Task
	q := r.filtered(ctx, filter).Order("created_at desc").Order("id desc").Offset(filter.Offset)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *Repository) CountTasks(ctx context.Context, filter domain.TaskFilter) (int64, error) {
	var count int64
	if err := r.filtered(ctx, filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) filtered(ctx context.Context, filter domain.TaskFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&domain.Task{})
	if filter.AgentIdentifier != "" {
		q = q.Where("agent_identifier = ?", filter.AgentIdentifier)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	return q
}

func (r *Repository) Claim(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ? AND (claimed_until IS NULL OR claimed_until < ?)", id, domain.TaskStatusPending, now).
		UpdateColumns(map[string]interface{}{
			"claimed_until": until,
			"attempts":      gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) Release(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, domain.TaskStatusPending).
		UpdateColumn("claimed_until", nil).Error
}

func (r *Repository) MarkExecuted(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.finish(ctx, id, map[string]interface{}{
		"status":        domain.TaskStatusExecuted,
		"executed_at":   at,
		"claimed_until": nil,
	})
}

func (r *Repository) MarkFailed(ctx context.Context, id string, reason string, at time.Time) (bool, error) {
	return r.finish(ctx, id, map[string]interface{}{
		"status":        domain.TaskStatusFailed,
		"error":         reason,
		"executed_at":   at,
		"claimed_until": nil,
	})
}

// finish moves a pending task to a terminal status. Terminal tasks are left
// alone, so each transition happens at most once.
func (r *Repository) finish(ctx context.Context, id string, values map[string]interface{}) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, domain.TaskStatusPending).
		UpdateColumns(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func translate(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return err
}
