package order

import (
	"sync"

	"go.uber.org/zap"

	"trading-engine/internal/errs"
)

func errUnknownGroup(kind GroupKind) error {
	return errs.New(errs.ConflictingOrderGroup, "unknown group kind %q", kind)
}

// Manager indexes the open orders and order groups of one exchange.
type Manager struct {
	logger *zap.Logger

	mu     sync.RWMutex
	orders map[string]*Order
	seq    []string
	groups map[string]Group
}

// NewManager returns an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger,
		orders: make(map[string]*Order),
		groups: make(map[string]Group),
	}
}

// Add registers o. Ids are unique.
func (m *Manager) Add(o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return errs.New(errs.ConflictingOrders, "order %s already registered", o.ID)
	}
	m.orders[o.ID] = o
	m.seq = append(m.seq, o.ID)
	return nil
}

// Get returns the order with id.
func (m *Manager) Get(id string) (*Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	return o, ok
}

// ByExchangeID finds an order by the id the exchange assigned.
func (m *Manager) ByExchangeID(id string) (*Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, oid := range m.seq {
		if o := m.orders[oid]; o.ExchangeOrderID() == id {
			return o, true
		}
	}
	return nil, false
}

// Remove forgets the order with id.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return
	}
	delete(m.orders, id)
	for i, oid := range m.seq {
		if oid == id {
			m.seq = append(m.seq[:i], m.seq[i+1:]...)
			break
		}
	}
}

// OpenOrders returns registered orders in creation order, restricted to
// symbol unless it is empty.
func (m *Manager) OpenOrders(symbol string) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Order, 0, len(m.seq))
	for _, id := range m.seq {
		o := m.orders[id]
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// CountOpen returns the number of registered orders on symbol.
func (m *Manager) CountOpen(symbol string) int { return len(m.OpenOrders(symbol)) }

// CreateGroup returns the group named name, building it when missing. An
// existing group of another kind is an error.
func (m *Manager) CreateGroup(kind GroupKind, name string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[name]; ok {
		if g.Kind() != kind {
			return nil, errs.New(errs.ConflictingOrderGroup, "group %s is %s, not %s", name, g.Kind(), kind)
		}
		return g, nil
	}
	g, err := NewGroup(kind, name, m.logger)
	if err != nil {
		return nil, err
	}
	m.groups[name] = g
	return g, nil
}

// Group returns the group named name.
func (m *Manager) Group(name string) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[name]
	return g, ok
}

// GroupMembers returns registered orders of the group named name.
func (m *Manager) GroupMembers(name string) []*Order {
	var out []*Order
	for _, o := range m.OpenOrders("") {
		if o.Group() == name {
			out = append(out, o)
		}
	}
	return out
}

// RemoveGroup forgets a group once it has no open members.
func (m *Manager) RemoveGroup(name string) bool {
	if len(m.GroupMembers(name)) > 0 {
		return false
	}
	m.mu.Lock()
	delete(m.groups, name)
	m.mu.Unlock()
	return true
}

// Clear forgets every order and group.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]*Order)
	m.seq = nil
	m.groups = make(map[string]Group)
}
