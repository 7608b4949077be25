package market

import (
	"sync"

	"trading-engine/pkg/exchanges/common"
)

// Ticker aliases the exchange ticker type.
type Ticker = common.Ticker

// TickerManager keeps the latest ticker and mini ticker.
type TickerManager struct {
	mu     sync.RWMutex
	ticker Ticker
	mini   common.MiniTicker
	ready  bool
}

// NewTickerManager returns an empty manager.
func NewTickerManager() *TickerManager {
	return &TickerManager{}
}

// Update stores t and its mini ticker when present.
func (m *TickerManager) Update(t Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticker = t
	if t.Mini != nil {
		m.mini = *t.Mini
	}
	m.ready = true
}

// UpdateMini stores a standalone mini ticker.
func (m *TickerManager) UpdateMini(mt common.MiniTicker) {
	m.mu.Lock()
	m.mini = mt
	m.mu.Unlock()
}

// Ticker returns the latest ticker.
func (m *TickerManager) Ticker() (Ticker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ticker, m.ready
}

// MiniTicker returns the latest mini ticker.
func (m *TickerManager) MiniTicker() common.MiniTicker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mini
}

// Reset forgets the stored values.
func (m *TickerManager) Reset() {
	m.mu.Lock()
	m.ticker = Ticker{}
	m.mini = common.MiniTicker{}
	m.ready = false
	m.mu.Unlock()
}
