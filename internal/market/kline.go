package market

import (
	"math"
	"sync"
)

// KlineManager holds the candle currently being built.
type KlineManager struct {
	mu      sync.RWMutex
	current Candle
	ready   bool
}

// NewKlineManager returns an empty kline manager.
func NewKlineManager() *KlineManager {
	return &KlineManager{}
}

// Update merges k into the current period, starting a new period when the
// time changes. Open is written once per period.
func (m *KlineManager) Update(k Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready || k.Time != m.current.Time {
		m.current = Candle{
			Time: k.Time,
			Open: k.Open,
			High: k.High,
			Low:  k.Low,
		}
		m.ready = true
	}
	m.current.Close = k.Close
	m.current.Volume = k.Volume
	m.current.High = math.Max(m.current.High, k.High)
	m.current.Low = math.Min(m.current.Low, k.Low)
}

// Kline returns the current candle.
func (m *KlineManager) Kline() (Candle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.ready
}

// Reset forgets the current candle.
func (m *KlineManager) Reset() {
	m.mu.Lock()
	m.current = Candle{}
	m.ready = false
	m.mu.Unlock()
}
