package channel

import (
	"context"
	"sync"

	"trading-engine/internal/errs"
)

// Chan is the type-erased view of a channel kept in the registry.
type Chan interface {
	Name() string
	StopProducers()
	Stop()
	Modify(ctx context.Context, added, removed []string) error
	ConsumerCount() int
	Join(ctx context.Context) error
}

var _ Chan = (*Channel[struct{}])(nil)

// Registry indexes channels by exchange id and name. It is shared by every
// exchange manager of a runtime.
type Registry struct {
	mu    sync.RWMutex
	chans map[string][]Chan
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{chans: make(map[string][]Chan)}
}

// SetChan registers c under exchangeID.
func (r *Registry) SetChan(exchangeID string, c Chan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.chans[exchangeID] {
		if existing.Name() == c.Name() {
			return errs.New(errs.DuplicateChannel, "%s already registered for %s", c.Name(), exchangeID)
		}
	}
	r.chans[exchangeID] = append(r.chans[exchangeID], c)
	return nil
}

// GetChan looks a channel up by name.
func (r *Registry) GetChan(name, exchangeID string) (Chan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.chans[exchangeID] {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, errs.New(errs.ChannelNotFound, "%s for %s", name, exchangeID)
}

// DelChan stops and removes a channel.
func (r *Registry) DelChan(name, exchangeID string) {
	r.mu.Lock()
	var removed Chan
	list := r.chans[exchangeID]
	for i, c := range list {
		if c.Name() == name {
			removed = c
			r.chans[exchangeID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	if removed != nil {
		removed.Stop()
	}
}

// Channels returns the channels of an exchange in creation order.
func (r *Registry) Channels(exchangeID string) []Chan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Chan(nil), r.chans[exchangeID]...)
}

// StopExchangeChannels stops the producers of every channel of an exchange,
// then their consumers, both in reverse creation order, and forgets them.
func (r *Registry) StopExchangeChannels(exchangeID string) {
	r.mu.Lock()
	list := r.chans[exchangeID]
	delete(r.chans, exchangeID)
	r.mu.Unlock()
	for i := len(list) - 1; i >= 0; i-- {
		list[i].StopProducers()
	}
	for i := len(list) - 1; i >= 0; i-- {
		list[i].Stop()
	}
}

// Get returns the typed channel registered under name.
func Get[T any](r *Registry, name, exchangeID string) (*Channel[T], error) {
	c, err := r.GetChan(name, exchangeID)
	if err != nil {
		return nil, err
	}
	typed, ok := c.(*Channel[T])
	if !ok {
		return nil, errs.New(errs.ChannelNotFound, "%s for %s has another message type", name, exchangeID)
	}
	return typed, nil
}
