package market

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"trading-engine/pkg/exchanges/common"
)

// BookLevel aliases the exchange book entry type.
type BookLevel = common.BookLevel

// BookTicker is the best bid and ask as pushed by a book ticker stream.
type BookTicker struct {
	AskQuantity float64
	AskPrice    float64
	BidQuantity float64
	BidPrice    float64
}

// OrderBookManager maintains both sides of a book. Bids are sorted by
// descending price, asks by ascending price.
type OrderBookManager struct {
	mu        sync.RWMutex
	asks      map[string]BookLevel
	bids      map[string]BookLevel
	sortedAsk []BookLevel
	sortedBid []BookLevel
	ticker    BookTicker
	updated   time.Time
	ready     bool
}

// NewOrderBookManager returns an empty book.
func NewOrderBookManager() *OrderBookManager {
	return &OrderBookManager{
		asks: make(map[string]BookLevel),
		bids: make(map[string]BookLevel),
	}
}

// levelKey identifies a level by order id, or by price on price level books.
func levelKey(l BookLevel) string {
	if l.OrderID != "" {
		return l.OrderID
	}
	return strconv.FormatFloat(l.Price, 'f', -1, 64)
}

func (m *OrderBookManager) side(s common.Side) map[string]BookLevel {
	if s == common.SideBuy {
		return m.bids
	}
	return m.asks
}

// Replace loads a full snapshot.
func (m *OrderBookManager) Replace(asks, bids []BookLevel, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asks = make(map[string]BookLevel, len(asks))
	m.bids = make(map[string]BookLevel, len(bids))
	for _, l := range asks {
		l.Side = common.SideSell
		m.asks[levelKey(l)] = l
	}
	for _, l := range bids {
		l.Side = common.SideBuy
		m.bids[levelKey(l)] = l
	}
	m.resortLocked(ts)
}

// UpdateTicker records the best levels pushed by a book ticker stream.
func (m *OrderBookManager) UpdateTicker(askQty, askPrice, bidQty, bidPrice float64, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticker = BookTicker{AskQuantity: askQty, AskPrice: askPrice, BidQuantity: bidQty, BidPrice: bidPrice}
	m.updated = ts
}

// ApplyDeltas adds, updates and deletes levels. Unknown deletes are ignored.
func (m *OrderBookManager) ApplyDeltas(adds, updates, deletes []BookLevel, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range adds {
		m.side(l.Side)[levelKey(l)] = l
	}
	for _, l := range updates {
		key := levelKey(l)
		side := m.side(l.Side)
		if _, ok := side[key]; ok || l.OrderID == "" {
			side[key] = l
		}
	}
	for _, l := range deletes {
		delete(m.side(l.Side), levelKey(l))
	}
	m.resortLocked(ts)
}

func (m *OrderBookManager) resortLocked(ts time.Time) {
	m.sortedAsk = m.sortedAsk[:0]
	for _, l := range m.asks {
		m.sortedAsk = append(m.sortedAsk, l)
	}
	sort.Slice(m.sortedAsk, func(i, j int) bool {
		if m.sortedAsk[i].Price == m.sortedAsk[j].Price {
			return m.sortedAsk[i].OrderID < m.sortedAsk[j].OrderID
		}
		return m.sortedAsk[i].Price < m.sortedAsk[j].Price
	})
	m.sortedBid = m.sortedBid[:0]
	for _, l := range m.bids {
		m.sortedBid = append(m.sortedBid, l)
	}
	sort.Slice(m.sortedBid, func(i, j int) bool {
		if m.sortedBid[i].Price == m.sortedBid[j].Price {
			return m.sortedBid[i].OrderID < m.sortedBid[j].OrderID
		}
		return m.sortedBid[i].Price > m.sortedBid[j].Price
	})
	m.updated = ts
	m.ready = true
}

// Asks returns a copy of the ask side, best first.
func (m *OrderBookManager) Asks() []BookLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]BookLevel(nil), m.sortedAsk...)
}

// Bids returns a copy of the bid side, best first.
func (m *OrderBookManager) Bids() []BookLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]BookLevel(nil), m.sortedBid...)
}

// BestAsk returns the lowest ask.
func (m *OrderBookManager) BestAsk() (BookLevel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sortedAsk) == 0 {
		return BookLevel{}, false
	}
	return m.sortedAsk[0], true
}

// BestBid returns the highest bid.
func (m *OrderBookManager) BestBid() (BookLevel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sortedBid) == 0 {
		return BookLevel{}, false
	}
	return m.sortedBid[0], true
}

// Ticker returns the last book ticker.
func (m *OrderBookManager) Ticker() BookTicker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ticker
}

// Timestamp is the moment of the last mutation.
func (m *OrderBookManager) Timestamp() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updated
}

// Ready reports whether a snapshot or delta was received.
func (m *OrderBookManager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}
