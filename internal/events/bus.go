package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels. Slow subscribers miss
// payloads instead of blocking publishers.
type Bus[T any] struct {
	mu   sync.RWMutex
	subs map[string][]chan T
}

// NewBus creates an event bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string][]chan T)}
}

// Subscribe registers a listener for a topic and returns the channel and an
// unsubscribe function.
func (b *Bus[T]) Subscribe(topic string, buffer int) (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, buffer)
	b.subs[topic] = append(b.subs[topic], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[topic]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}

	return ch, unsub
}

// Publish fans the payload out to the topic's subscribers without blocking.
func (b *Bus[T]) Publish(topic string, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Subscribers returns how many listeners a topic has.
func (b *Bus[T]) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
