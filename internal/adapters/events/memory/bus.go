// Package memory is an in-process event bus for single-node deployments
// running without Redis.
package memory

import (
	"context"
	"sync"

	"c2panel.server/internal/core/domain"
)

const subscriberBuffer = 64

type Bus struct {
	mu   sync.RWMutex
	subs map[chan domain.Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan domain.Event]struct{})}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(_ context.Context, event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	ch := make(chan domain.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}
