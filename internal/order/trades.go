package order

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine/internal/symbol"
)

// Trade is the record of a filled order, or of a cancelled one when
// cancelled orders are kept in history.
type Trade struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Kind            Kind            `json:"kind"`
	Status          Status          `json:"status"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Cost            decimal.Decimal `json:"cost"`
	Fee             Fee             `json:"fee"`
	ExecutedTime    time.Time       `json:"executed_time"`
	Tag             string          `json:"tag,omitempty"`
	Simulated       bool            `json:"simulated"`
}

// IsCancelled reports trades recorded from cancelled orders.
func (t Trade) IsCancelled() bool { return t.Status.IsCancelled() }

// NewTrade records o as a trade.
func NewTrade(o *Order) Trade {
	s := o.Snapshot()
	executed := s.ExecutedTime
	if s.Status.IsCancelled() {
		executed = s.CanceledTime
	}
	price := s.FilledPrice
	if price.IsZero() {
		price = s.OriginPrice
	}
	return Trade{
		ID:              s.ID,
		OrderID:         s.ID,
		ExchangeOrderID: s.ExchangeOrderID,
		Symbol:          s.Symbol,
		Side:            s.Side,
		Kind:            s.Kind,
		Status:          s.Status,
		Price:           price,
		Quantity:        s.FilledQuantity,
		Cost:            s.TotalCost,
		Fee:             s.Fee,
		ExecutedTime:    executed,
		Tag:             s.Tag,
		Simulated:       s.Simulated,
	}
}

// TradeFilter selects trades from history. Zero fields match everything.
type TradeFilter struct {
	Quote            string
	Symbol           string
	Since            time.Time
	IncludeCancelled bool
}

func (f TradeFilter) match(t Trade) bool {
	if t.IsCancelled() && !f.IncludeCancelled {
		return false
	}
	if f.Symbol != "" && t.Symbol != f.Symbol {
		return false
	}
	if !f.Since.IsZero() && t.ExecutedTime.Before(f.Since) {
		return false
	}
	if f.Quote != "" {
		_, quote := symbol.Split(t.Symbol)
		if quote != f.Quote {
			return false
		}
	}
	return true
}

// TradesManager keeps trade history in insertion order.
type TradesManager struct {
	mu     sync.RWMutex
	trades []Trade
	ids    map[string]struct{}
}

// NewTradesManager returns an empty history.
func NewTradesManager() *TradesManager {
	return &TradesManager{ids: make(map[string]struct{})}
}

// Add appends t unless a trade with the same id is already known.
func (m *TradesManager) Add(t Trade) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[t.ID]; ok {
		return false
	}
	m.ids[t.ID] = struct{}{}
	m.trades = append(m.trades, t)
	return true
}

// Get returns the trade with id.
func (m *TradesManager) Get(id string) (Trade, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trades {
		if t.ID == id {
			return t, true
		}
	}
	return Trade{}, false
}

// History returns matching trades sorted by execution time.
func (m *TradesManager) History(f TradeFilter) []Trade {
	m.mu.RLock()
	out := make([]Trade, 0, len(m.trades))
	for _, t := range m.trades {
		if f.match(t) {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedTime.Before(out[j].ExecutedTime) })
	return out
}

// Len returns the number of recorded trades.
func (m *TradesManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trades)
}
