package gormrepo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"c2panel.server/internal/core/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTask(agent, command string, created time.Time) *domain.Task {
	id, _ := uuid.NewV7()
	return &domain.Task{
		ID:              id.String(),
		AgentIdentifier: agent,
		Command:         command,
		Status:          domain.TaskStatusPending,
		CreatedAt:       created,
	}
}

func TestUpsert_CreatesThenMerges(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-time.Minute)

	require.NoError(t, repo.Upsert(ctx, &domain.Agent{
		Identifier: "a1",
		Address:    "10.0.0.1:5000",
		Hostname:   "web-1",
		Platform:   "linux",
		Status:     domain.AgentStatusOnline,
		LastSeen:   t0,
	}))

	t1 := t0.Add(30 * time.Second)
	require.NoError(t, repo.Upsert(ctx, &domain.Agent{
		Identifier: "a1",
		Address:    "10.0.0.2:5001",
		Status:     domain.AgentStatusOnline,
		LastSeen:   t1,
	}))

	agents, err := repo.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1, "upsert must not duplicate agents")

	got := agents[0]
	assert.Equal(t, "10.0.0.2:5001", got.Address)
	assert.Equal(t, "web-1", got.Hostname, "empty attribute must keep stored value")
	assert.Equal(t, "linux", got.Platform)
	assert.WithinDuration(t, t1, got.LastSeen, time.Millisecond)
}

func TestSetStatus_OnlyTouchesStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &domain.Agent{
		Identifier: "a1",
		Hostname:   "web-1",
		Status:     domain.AgentStatusOnline,
		LastSeen:   time.Now().UTC(),
	}))
	before, err := repo.GetAgent(ctx, "a1")
	require.NoError(t, err)

	require.NoError(t, repo.SetStatus(ctx, "a1", domain.AgentStatusOffline))

	after, err := repo.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusOffline, after.Status)
	assert.Equal(t, before.Hostname, after.Hostname)
	assert.True(t, before.LastSeen.Equal(after.LastSeen))
	assert.True(t, before.CreatedAt.Equal(after.CreatedAt))

	err = repo.SetStatus(ctx, "ghost", domain.AgentStatusOffline)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkAllOffline(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		require.NoError(t, repo.Upsert(ctx, &domain.Agent{Identifier: id, Status: domain.AgentStatusOnline, LastSeen: time.Now().UTC()}))
	}

	n, err := repo.MarkAllOffline(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	online, err := repo.CountAgentsByStatus(ctx, domain.AgentStatusOnline)
	require.NoError(t, err)
	assert.Zero(t, online)
}

func TestGetAgent_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListPending_CreationOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC()

	first := newTask("a1", "whoami", base)
	second := newTask("a1", "uptime", base.Add(time.Millisecond))
	other := newTask("a2", "id", base)
	for _, task := range []*domain.Task{second, first, other} {
		require.NoError(t, repo.Create(ctx, task))
	}

	pending, err := repo.ListPending(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
}

func TestClaim_LeaseIsExclusive(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := newTask("a1", "whoami", now)
	require.NoError(t, repo.Create(ctx, task))

	ok, err := repo.Claim(ctx, task.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(ctx, task.ID, now.Add(time.Second), now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "live lease must block a second claim")

	ok, err = repo.Claim(ctx, task.ID, now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be reclaimed")

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := newTask("a1", "whoami", now)
	require.NoError(t, repo.Create(ctx, task))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Claim(ctx, task.ID, now, now.Add(time.Minute))
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestRelease_AllowsReclaim(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := newTask("a1", "whoami", now)
	require.NoError(t, repo.Create(ctx, task))

	ok, err := repo.Claim(ctx, task.ID, now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.Release(ctx, task.ID))

	ok, err = repo.Claim(ctx, task.ID, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTerminalTransitions_HappenOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := newTask("a1", "whoami", now)
	require.NoError(t, repo.Create(ctx, task))

	ok, err := repo.MarkExecuted(ctx, task.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkExecuted(ctx, task.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.MarkFailed(ctx, task.ID, "late nack", now)
	require.NoError(t, err)
	assert.False(t, ok, "executed must never be reverted")

	ok, err = repo.Claim(ctx, task.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusExecuted, got.Status)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.ExecutedAt)
}

func TestListTasks_Filter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, agent := range []string{"a1", "a1", "a1", "a2"} {
		require.NoError(t, repo.Create(ctx, newTask(agent, "cmd", now.Add(time.Duration(i)*time.Millisecond))))
	}
	pending, err := repo.ListPending(ctx, "a1")
	require.NoError(t, err)
	_, err = repo.MarkExecuted(ctx, pending[0].ID, now)
	require.NoError(t, err)

	filter := domain.TaskFilter{AgentIdentifier: "a1", Status: domain.TaskStatusPending, Limit: 1}
	tasks, err := repo.ListTasks(ctx, filter)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	total, err := repo.CountTasks(ctx, filter)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	all, err := repo.CountTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, all)
}
