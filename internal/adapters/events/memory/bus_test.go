package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"c2panel.server/internal/core/domain"
)

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	second, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.Event{Type: domain.EventTaskCreated, TaskID: "t1"}))

	for _, ch := range []<-chan domain.Event{first, second} {
		select {
		case e := <-ch:
			assert.Equal(t, "t1", e.TaskID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBus_UnsubscribeOnCancel(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	assert.NoError(t, bus.Publish(context.Background(), domain.Event{Type: domain.EventAgentStatus}))
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(ctx, domain.Event{Type: domain.EventTaskCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
