package exchange

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"trading-engine/internal/channel"
	"trading-engine/internal/errs"
	"trading-engine/internal/events"
)

// Runtime holds what exchange managers of one process share: the channel
// registry, the initialization event tree and the managers themselves.
type Runtime struct {
	Registry *channel.Registry
	Events   *events.Tree
	logger   *zap.Logger

	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRuntime returns an empty runtime.
func NewRuntime(logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		Registry: channel.NewRegistry(),
		Events:   events.NewTree(),
		logger:   logger.Named("runtime"),
		managers: make(map[string]*Manager),
	}
}

func (r *Runtime) register(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[m.ID()]; ok {
		return errs.New(errs.InvalidArgument, "exchange manager %s already registered", m.ID())
	}
	r.managers[m.ID()] = m
	return nil
}

func (r *Runtime) unregister(id string) {
	r.mu.Lock()
	delete(r.managers, id)
	r.mu.Unlock()
}

// Manager returns the manager registered under id.
func (r *Runtime) Manager(id string) (*Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[id]
	if !ok {
		return nil, errs.New(errs.UnknownExchange, "%s", id)
	}
	return m, nil
}

// Managers lists the registered managers sorted by id.
func (r *Runtime) Managers() []*Manager {
	r.mu.RLock()
	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Stop stops every manager.
func (r *Runtime) Stop(ctx context.Context) {
	for _, m := range r.Managers() {
		m.Stop(ctx)
	}
	r.logger.Info("runtime stopped")
}
