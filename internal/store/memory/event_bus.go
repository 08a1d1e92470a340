package memory

import (
	"context"
	"sync"

	"github.com/leadforge/dealbot/internal/domain"
)

// EventBus implements domain.EventBus with in-process channels. Slow
// subscribers drop events rather than blocking the publisher.
type EventBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]chan []byte)}
}

// Publish delivers payload to every subscriber of the channel. Sends happen
// under the mutex so a subscriber channel can never be closed mid-send; the
// sends are non-blocking, so the lock is held only briefly.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving payloads published on the given
// channel name. The subscription ends when ctx is cancelled; the channel is
// removed and closed under the same mutex Publish sends under.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

var _ domain.EventBus = (*EventBus)(nil)
