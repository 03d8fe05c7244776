package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"c2panel.server/internal/core/circuitbreaker"
	"c2panel.server/internal/core/domain"
)

const EventChannel = "c2panel:events"

// EventBus fans domain events out to every panel process over Redis pub/sub.
// Delivery is at-most-once; subscribers that miss a message recover on the
// next sweep because the store holds the real state.
type EventBus struct {
	client  *redis.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewEventBus(url string, logger *slog.Logger) (*EventBus, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewEventBusWithClient(client, logger), client, nil
}

func NewEventBusWithClient(client *redis.Client, logger *slog.Logger) *EventBus {
	return &EventBus{
		client:  client,
		breaker: circuitbreaker.New("redis-events", logger),
		logger:  logger,
	}
}

func (b *EventBus) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.breaker.Execute(ctx, func() error {
		return b.client.Publish(ctx, EventChannel, data).Err()
	})
}

// Subscribe returns a channel of events that closes when ctx is done. The
// subscription is confirmed before returning so no event published after
// Subscribe returns is lost.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	pubsub := b.client.Subscribe(ctx, EventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", EventChannel, err)
	}

	ch := make(chan domain.Event, 64)
	go func() {
		defer close(ch)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("Dropping malformed event", "error", err)
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
