package market

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine/internal/events"
)

// PriceEvent fires once when a trade at or after RegisteredAt crosses Target.
type PriceEvent struct {
	Target       decimal.Decimal
	RegisteredAt time.Time
	TriggerAbove bool

	fired    *events.Event
	mu       sync.Mutex
	hitPrice decimal.Decimal
	hitTime  time.Time
}

// Done is closed when the event fires.
func (e *PriceEvent) Done() <-chan struct{} { return e.fired.Done() }

// Wait blocks until the event fires or ctx is done.
func (e *PriceEvent) Wait(ctx context.Context) error { return e.fired.Wait(ctx) }

// Fired reports whether the event fired.
func (e *PriceEvent) Fired() bool { return e.fired.IsSet() }

// Hit returns the trade price and time that fired the event.
func (e *PriceEvent) Hit() (decimal.Decimal, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hitPrice, e.hitTime
}

func (e *PriceEvent) matches(price decimal.Decimal, ts time.Time) bool {
	if ts.Before(e.RegisteredAt) {
		return false
	}
	if e.TriggerAbove {
		return price.GreaterThanOrEqual(e.Target)
	}
	return price.LessThanOrEqual(e.Target)
}

func (e *PriceEvent) fire(price decimal.Decimal, ts time.Time) {
	e.mu.Lock()
	e.hitPrice, e.hitTime = price, ts
	e.mu.Unlock()
	e.fired.Set()
}

// PriceEventsManager fires registered price events as trades arrive.
type PriceEventsManager struct {
	mu     sync.Mutex
	events []*PriceEvent
}

// NewPriceEventsManager returns an empty manager.
func NewPriceEventsManager() *PriceEventsManager {
	return &PriceEventsManager{}
}

// NewEvent registers a one-shot event.
func (m *PriceEventsManager) NewEvent(target decimal.Decimal, registeredAt time.Time, triggerAbove bool) *PriceEvent {
	ev := &PriceEvent{
		Target:       target,
		RegisteredAt: registeredAt,
		TriggerAbove: triggerAbove,
		fired:        events.NewEvent(),
	}
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return ev
}

// Remove unregisters ev.
func (m *PriceEventsManager) Remove(ev *PriceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.events {
		if e == ev {
			m.events = append(m.events[:i:i], m.events[i+1:]...)
			return
		}
	}
}

// HandleRecentTrades fires events crossed by trades.
func (m *PriceEventsManager) HandleRecentTrades(trades []RecentTrade) {
	for _, t := range trades {
		m.HandlePrice(decimal.NewFromFloat(t.Price), t.Timestamp)
	}
}

// HandlePrice fires and removes every event crossed by price at ts.
func (m *PriceEventsManager) HandlePrice(price decimal.Decimal, ts time.Time) {
	m.mu.Lock()
	var fired []*PriceEvent
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.matches(price, ts) {
			fired = append(fired, ev)
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(m.events); i++ {
		m.events[i] = nil
	}
	m.events = kept
	m.mu.Unlock()

	for _, ev := range fired {
		ev.fire(price, ts)
	}
}

// Len returns the number of pending events.
func (m *PriceEventsManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
