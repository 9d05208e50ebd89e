package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is an in-process pub/sub bus. Publish is non-blocking and
// drops events for slow subscribers rather than stalling a sync.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // channel -> sub id -> ch
	bufferSize  int
	closed      bool
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &MemoryBus{
		subscribers: make(map[string]map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to every subscriber of the channel.
func (b *MemoryBus) Publish(_ context.Context, channel string, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[channel] {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscriber rather than block the publisher.
		}
	}
}

// Subscribe registers a listener on one channel.
func (b *MemoryBus) Subscribe(_ context.Context, channel string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := uuid.NewString()
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[string]chan Event)
	}
	b.subscribers[channel][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subscribers[channel]; ok {
			if c, ok := subs[id]; ok {
				close(c)
				delete(subs, id)
			}
			if len(subs) == 0 {
				delete(b.subscribers, channel)
			}
		}
	}
	return ch, cancel
}

// Close shuts down all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = make(map[string]map[string]chan Event)
	return nil
}
