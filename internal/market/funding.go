package market

import (
	"math"
	"sync"
	"time"
)

// FundingManager stores the funding state of a perpetual contract.
type FundingManager struct {
	mu              sync.RWMutex
	rate            float64
	nextFundingTime time.Time
	lastUpdated     time.Time
}

// NewFundingManager returns a reset manager.
func NewFundingManager() *FundingManager {
	m := &FundingManager{}
	m.Reset()
	return m
}

// Reset puts the rate to NaN and the times to zero.
func (m *FundingManager) Reset() {
	m.mu.Lock()
	m.rate = math.NaN()
	m.nextFundingTime = time.Time{}
	m.lastUpdated = time.Time{}
	m.mu.Unlock()
}

// Update stores a new funding state. A zero rate or next time is rejected.
func (m *FundingManager) Update(rate float64, next, ts time.Time) bool {
	if rate == 0 || next.IsZero() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rate = rate
	m.nextFundingTime = next
	m.lastUpdated = ts
	return true
}

// Rate returns the funding rate, next funding time and update time.
func (m *FundingManager) Rate() (rate float64, next, updated time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rate, m.nextFundingTime, m.lastUpdated
}
