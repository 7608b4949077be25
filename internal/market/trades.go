package market

import (
	"sync"

	"trading-engine/pkg/exchanges/common"
)

// DefaultMaxRecentTrades bounds the recent trades kept per symbol.
const DefaultMaxRecentTrades = 100

// RecentTrade aliases the exchange trade type.
type RecentTrade = common.Trade

// RecentTradesManager is a bounded deque of the latest public trades.
type RecentTradesManager struct {
	mu     sync.RWMutex
	max    int
	trades []RecentTrade
}

// NewRecentTradesManager returns an empty manager keeping at most max trades.
func NewRecentTradesManager(max int) *RecentTradesManager {
	if max <= 0 {
		max = DefaultMaxRecentTrades
	}
	return &RecentTradesManager{max: max}
}

// SetAll replaces the stored trades.
func (m *RecentTradesManager) SetAll(trades []RecentTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = m.trades[:0]
	m.addLocked(trades)
}

// Add appends trades, evicting the oldest beyond capacity.
func (m *RecentTradesManager) Add(trades []RecentTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(trades)
}

func (m *RecentTradesManager) addLocked(trades []RecentTrade) {
	m.trades = append(m.trades, trades...)
	if over := len(m.trades) - m.max; over > 0 {
		m.trades = append(m.trades[:0:0], m.trades[over:]...)
	}
}

// Trades returns a copy of the stored trades, oldest first.
func (m *RecentTradesManager) Trades() []RecentTrade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecentTrade(nil), m.trades...)
}

// Len returns the number of stored trades.
func (m *RecentTradesManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trades)
}
