// Package market holds the per-symbol market data managers: candles, klines,
// order books, recent trades, tickers, mark prices, funding and price events.
package market

import (
	"sort"
	"sync"

	"trading-engine/pkg/exchanges/common"
)

// DefaultMaxCandles bounds candle history per symbol and time frame.
const DefaultMaxCandles = 500

// Candle aliases the exchange bar type.
type Candle = common.Candle

// CandlesManager keeps the last candles of one symbol and time frame as a
// ring of parallel arrays.
type CandlesManager struct {
	mu      sync.RWMutex
	max     int
	start   int
	size    int
	times   []int64
	opens   []float64
	highs   []float64
	lows    []float64
	closes  []float64
	volumes []float64
}

// NewCandlesManager returns an empty manager holding at most max candles.
func NewCandlesManager(max int) *CandlesManager {
	if max <= 0 {
		max = DefaultMaxCandles
	}
	return &CandlesManager{
		max:     max,
		times:   make([]int64, max),
		opens:   make([]float64, max),
		highs:   make([]float64, max),
		lows:    make([]float64, max),
		closes:  make([]float64, max),
		volumes: make([]float64, max),
	}
}

func (m *CandlesManager) index(i int) int { return (m.start + i) % m.max }

func (m *CandlesManager) set(idx int, c Candle) {
	m.times[idx] = c.Time
	m.opens[idx] = c.Open
	m.highs[idx] = c.High
	m.lows[idx] = c.Low
	m.closes[idx] = c.Close
	m.volumes[idx] = c.Volume
}

func (m *CandlesManager) get(idx int) Candle {
	return Candle{
		Time:   m.times[idx],
		Open:   m.opens[idx],
		High:   m.highs[idx],
		Low:    m.lows[idx],
		Close:  m.closes[idx],
		Volume: m.volumes[idx],
	}
}

// appendLocked pushes c, dropping the oldest candle when full.
func (m *CandlesManager) appendLocked(c Candle) {
	if m.size < m.max {
		m.set(m.index(m.size), c)
		m.size++
		return
	}
	m.set(m.start, c)
	m.start = (m.start + 1) % m.max
}

// ReplaceAll discards history and loads candles sorted by time with
// duplicates and invalid bars removed.
func (m *CandlesManager) ReplaceAll(candles []Candle) {
	sorted := append([]Candle(nil), candles...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.start, m.size = 0, 0
	var last int64
	for _, c := range sorted {
		if !c.Valid() || (m.size > 0 && c.Time <= last) {
			continue
		}
		m.appendLocked(c)
		last = c.Time
	}
}

// AddNewCandle appends c when it is newer than the last candle.
func (m *CandlesManager) AddNewCandle(c Candle) bool {
	if !c.Valid() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.size > 0 && c.Time <= m.times[m.index(m.size-1)] {
		return false
	}
	m.appendLocked(c)
	return true
}

// UpsertLast overwrites the last candle when it has the same time.
func (m *CandlesManager) UpsertLast(c Candle) bool {
	if !c.Valid() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.size == 0 {
		return false
	}
	idx := m.index(m.size - 1)
	if m.times[idx] != c.Time {
		return false
	}
	m.set(idx, c)
	return true
}

// Len returns the number of stored candles.
func (m *CandlesManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Last returns the newest candle.
func (m *CandlesManager) Last() (Candle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.size == 0 {
		return Candle{}, false
	}
	return m.get(m.index(m.size - 1)), true
}

// window returns the ring offset and count of the last limit entries; a
// negative limit selects everything.
func (m *CandlesManager) window(limit int) (int, int) {
	n := m.size
	if limit >= 0 && limit < n {
		n = limit
	}
	return m.size - n, n
}

func (m *CandlesManager) floats(src []float64, limit int) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	from, n := m.window(limit)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = src[m.index(from+i)]
	}
	return out
}

func (m *CandlesManager) Open(limit int) []float64   { return m.floats(m.opens, limit) }
func (m *CandlesManager) High(limit int) []float64   { return m.floats(m.highs, limit) }
func (m *CandlesManager) Low(limit int) []float64    { return m.floats(m.lows, limit) }
func (m *CandlesManager) Close(limit int) []float64  { return m.floats(m.closes, limit) }
func (m *CandlesManager) Volume(limit int) []float64 { return m.floats(m.volumes, limit) }

// Time returns the open times of the last limit candles.
func (m *CandlesManager) Time(limit int) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	from, n := m.window(limit)
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = m.times[m.index(from+i)]
	}
	return out
}

// Candles returns the last limit candles, oldest first.
func (m *CandlesManager) Candles(limit int) []Candle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	from, n := m.window(limit)
	out := make([]Candle, n)
	for i := 0; i < n; i++ {
		out[i] = m.get(m.index(from + i))
	}
	return out
}

// CandlesWithKline returns the history with the in-construction candle
// appended as a virtual last entry when it is newer.
func (m *CandlesManager) CandlesWithKline(limit int, k *KlineManager) []Candle {
	candles := m.Candles(-1)
	if kline, ok := k.Kline(); ok && (len(candles) == 0 || kline.Time > candles[len(candles)-1].Time) {
		candles = append(candles, kline)
	}
	if limit >= 0 && limit < len(candles) {
		candles = candles[len(candles)-limit:]
	}
	return candles
}
