package event

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const subscriberBuffer = 256

type InMemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	dropped     atomic.Uint64
}

func NewBus() *InMemoryBus {
	return &InMemoryBus{
		subscribers: make(map[string]chan Event),
	}
}

// Publish never blocks the request that emits the event. A subscriber whose
// buffer is full misses the event.
func (b *InMemoryBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			total := b.dropped.Add(1)
			slog.Warn("event dropped for slow subscriber", "subscriber", id, "type", e.Type, "dropped_total", total)
		}
	}
}

func (b *InMemoryBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			close(ch)
			delete(b.subscribers, id)
		})
	}

	return ch, unsubscribe
}

func (b *InMemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}
