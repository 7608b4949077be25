package exchange

import (
	"context"

	"go.uber.org/zap"

	"trading-engine/internal/channel"
	"trading-engine/internal/marketstatus"
	"trading-engine/internal/order"
	"trading-engine/pkg/exchanges/common"
)

// OrderUpdate is published on the order updates channel.
type OrderUpdate struct {
	Order order.Snapshot
	IsNew bool
}

var (
	_ order.Publisher    = (*Manager)(nil)
	_ order.StatusSource = (*Manager)(nil)
	_ order.FeeSource    = (*Manager)(nil)
)

// PublishOrder pushes an order change to observers.
func (m *Manager) PublishOrder(ctx context.Context, s order.Snapshot, isNew bool) {
	if m.producers.orderUpdates == nil {
		return
	}
	if err := m.producers.orderUpdates.Push(ctx, channel.Key{Symbol: s.Symbol}, OrderUpdate{Order: s, IsNew: isNew}); err != nil {
		m.logger.Debug("publish order", zap.String("order_id", s.ID), zap.Error(err))
	}
}

// PublishTrade pushes a recorded trade to observers.
func (m *Manager) PublishTrade(ctx context.Context, t order.Trade) {
	if m.producers.tradeUpdates == nil {
		return
	}
	if err := m.producers.tradeUpdates.Push(ctx, channel.Key{Symbol: t.Symbol}, t); err != nil {
		m.logger.Debug("publish trade", zap.String("order_id", t.OrderID), zap.Error(err))
	}
}

// MarketStatus returns the normalized market status of sym.
func (m *Manager) MarketStatus(sym string) (marketstatus.Status, bool) {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	st, ok := m.statuses[sym]
	return st, ok
}

// GetFees returns the configured fee override or the adaptor fees.
func (m *Manager) GetFees(sym string) common.Fees {
	if m.cfg.Fees != nil {
		return *m.cfg.Fees
	}
	return m.adaptor.GetFees(sym)
}
