package market

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
	"trading-engine/internal/events"
	"trading-engine/pkg/clock"
)

// MarkPriceValidity is how long an assigned mark price stays usable.
const MarkPriceValidity = 5 * time.Minute

const markPriceTopic = "mark_price"

// MarkPriceSource tags where a mark price comes from, by decreasing priority.
type MarkPriceSource string

const (
	SourceExchangeMarkPrice  MarkPriceSource = "exchange_mark_price"
	SourceRecentTradeAverage MarkPriceSource = "recent_trade_average"
	SourceTickerClosePrice   MarkPriceSource = "ticker_close_price"
)

type sourcedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// PricesManager tracks the mark price of a symbol and its validity.
type PricesManager struct {
	mu          sync.Mutex
	clock       clock.Clock
	validity    time.Duration
	markPrice   decimal.Decimal
	source      MarkPriceSource
	setTime     time.Time
	fromSources map[MarkPriceSource]sourcedPrice
	pendingRTA  *sourcedPrice
	valid       *events.Event
	timer       *time.Timer
	updates     *events.Bus[decimal.Decimal]
}

// NewPricesManager returns a manager without mark price. A non-positive
// validity uses MarkPriceValidity.
func NewPricesManager(c clock.Clock, validity time.Duration) *PricesManager {
	if c == nil {
		c = clock.System{}
	}
	if validity <= 0 {
		validity = MarkPriceValidity
	}
	return &PricesManager{
		clock:       c,
		validity:    validity,
		fromSources: make(map[MarkPriceSource]sourcedPrice),
		valid:       events.NewEvent(),
		updates:     events.NewBus[decimal.Decimal](),
	}
}

// SetMarkPrice offers a new mark price and reports whether it was applied.
// Exchange mark prices always apply. A recent trade average applies while no
// exchange mark price is valid; the first one ever seen is only recorded. A
// ticker close applies only when both other sources are stale.
func (m *PricesManager) SetMarkPrice(price decimal.Decimal, source MarkPriceSource) bool {
	if !price.IsPositive() {
		return false
	}
	m.mu.Lock()
	now := m.clock.Now()
	applied := false
	switch source {
	case SourceExchangeMarkPrice:
		applied = true
	case SourceRecentTradeAverage:
		if !m.sourceValidLocked(SourceExchangeMarkPrice, now) {
			if m.pendingRTA == nil {
				m.pendingRTA = &sourcedPrice{price: price, at: now}
			} else {
				applied = true
			}
		}
	case SourceTickerClosePrice:
		applied = !m.sourceValidLocked(SourceExchangeMarkPrice, now) &&
			!m.sourceValidLocked(SourceRecentTradeAverage, now)
	}
	if applied {
		m.applyLocked(price, source, now)
	}
	m.mu.Unlock()

	if applied {
		m.updates.Publish(markPriceTopic, price)
	}
	return applied
}

func (m *PricesManager) applyLocked(price decimal.Decimal, source MarkPriceSource, now time.Time) {
	m.markPrice = price
	m.source = source
	m.setTime = now
	m.fromSources[source] = sourcedPrice{price: price, at: now}
	m.valid.Set()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.validity, m.expireIfStale)
}

func (m *PricesManager) sourceValidLocked(source MarkPriceSource, now time.Time) bool {
	p, ok := m.fromSources[source]
	return ok && now.Sub(p.at) < m.validity
}

func (m *PricesManager) expireIfStale() {
	m.mu.Lock()
	m.refreshValidityLocked(m.clock.Now())
	m.mu.Unlock()
}

// refreshValidityLocked clears the validity event once the window elapsed.
func (m *PricesManager) refreshValidityLocked(now time.Time) bool {
	if m.setTime.IsZero() || now.Sub(m.setTime) >= m.validity {
		m.valid.Clear()
		return false
	}
	return true
}

// IsValid reports whether the current mark price is within its window.
func (m *PricesManager) IsValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshValidityLocked(m.clock.Now())
}

// ValidEvent exposes the validity event. Call IsValid first to observe an
// up to date flag under a simulated clock.
func (m *PricesManager) ValidEvent() *events.Event { return m.valid }

// MarkPrice returns the mark price without waiting.
func (m *PricesManager) MarkPrice() (decimal.Decimal, MarkPriceSource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.refreshValidityLocked(m.clock.Now()) {
		return decimal.Zero, "", false
	}
	return m.markPrice, m.source, true
}

// LastMarkPrice returns the last applied mark price even when stale.
func (m *PricesManager) LastMarkPrice() (decimal.Decimal, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markPrice, m.setTime
}

// GetMarkPrice waits up to timeout for a valid mark price.
func (m *PricesManager) GetMarkPrice(ctx context.Context, timeout time.Duration) (decimal.Decimal, error) {
	deadline := time.Now().Add(timeout)
	for {
		if price, _, ok := m.MarkPrice(); ok {
			return price, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return decimal.Zero, errs.New(errs.Timeout, "mark price not available after %s", timeout)
		}
		if err := m.valid.WaitTimeout(ctx, remaining); err != nil {
			return decimal.Zero, err
		}
	}
}

// Subscribe streams every applied mark price.
func (m *PricesManager) Subscribe(buffer int) (<-chan decimal.Decimal, func()) {
	return m.updates.Subscribe(markPriceTopic, buffer)
}

// Reset forgets every mark price.
func (m *PricesManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.markPrice = decimal.Zero
	m.source = ""
	m.setTime = time.Time{}
	m.fromSources = make(map[MarkPriceSource]sourcedPrice)
	m.pendingRTA = nil
	m.valid.Clear()
}
