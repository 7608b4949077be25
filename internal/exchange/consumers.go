package exchange

import (
	"context"

	"go.uber.org/zap"

	"trading-engine/internal/channel"
	"trading-engine/internal/events"
	"trading-engine/internal/order"
	"trading-engine/internal/symbol"
	"trading-engine/internal/updater"
	"trading-engine/pkg/exchanges/common"
)

func (m *Manager) setEvent(topic string, keys ...string) {
	path := events.Path(append([]string{m.id, topic}, keys...)...)
	m.rt.Events.CreateEventAtPath(path, true).Set()
}

// eventModifier keeps the initialization events of topic in line with the
// tracked symbols.
func (m *Manager) eventModifier(topic string, perTimeFrame bool) channel.Modifier {
	return func(_ context.Context, added, removed []string) error {
		for _, sym := range removed {
			m.rt.Events.Delete(events.Path(m.id, topic, sym))
		}
		for _, sym := range added {
			if topic == events.TopicFunding && !isPerpetual(sym) {
				continue
			}
			if !perTimeFrame {
				m.rt.Events.CreateEventAtPath(events.Path(m.id, topic, sym), true)
				continue
			}
			for _, tf := range m.pairs.TimeFrames() {
				m.rt.Events.CreateEventAtPath(events.Path(m.id, topic, sym, tf), true)
			}
		}
		return nil
	}
}

func isPerpetual(sym string) bool {
	s, err := symbol.Parse(sym)
	return err == nil && s.IsPerpetual()
}

func isDerivative(sym string) bool {
	s, err := symbol.Parse(sym)
	return err == nil && !s.IsSpot()
}

func (m *Manager) onCandles(_ context.Context, _ channel.Key, msg updater.CandlesUpdate) error {
	tf, err := symbol.ParseTimeFrame(msg.TimeFrame)
	if err != nil {
		m.logger.Warn("drop candles", zap.String("symbol", msg.Symbol), zap.Error(err))
		return nil
	}
	m.data.Get(msg.Symbol).HandleCandles(tf, msg.Candles, msg.Replace)
	m.setEvent(events.TopicCandles, msg.Symbol, msg.TimeFrame)
	return nil
}

func (m *Manager) onKline(_ context.Context, _ channel.Key, msg updater.KlineUpdate) error {
	tf, err := symbol.ParseTimeFrame(msg.TimeFrame)
	if err != nil {
		m.logger.Warn("drop kline", zap.String("symbol", msg.Symbol), zap.Error(err))
		return nil
	}
	m.data.Get(msg.Symbol).HandleKline(tf, msg.Kline)
	m.setEvent(events.TopicKline, msg.Symbol, msg.TimeFrame)
	return nil
}

func (m *Manager) onOrderBook(_ context.Context, _ channel.Key, msg updater.OrderBookUpdate) error {
	m.data.Get(msg.Book.Symbol).HandleOrderBook(msg.Book)
	m.setEvent(events.TopicOrderBook, msg.Book.Symbol)
	return nil
}

func (m *Manager) onTicker(_ context.Context, _ channel.Key, msg updater.TickerUpdate) error {
	sym := msg.Ticker.Symbol
	changed := m.data.Get(sym).HandleTicker(msg.Ticker)
	m.setEvent(events.TopicTicker, sym)
	m.markPriceChanged(sym, changed)
	return nil
}

func (m *Manager) onRecentTrades(_ context.Context, _ channel.Key, msg updater.RecentTradesUpdate) error {
	changed := m.data.Get(msg.Symbol).HandleRecentTrades(msg.Trades, msg.Replace)
	m.setEvent(events.TopicTrades, msg.Symbol)
	m.markPriceChanged(msg.Symbol, changed)
	return nil
}

func (m *Manager) onMarkPrice(_ context.Context, _ channel.Key, msg updater.MarkPriceUpdate) error {
	changed := m.data.Get(msg.Symbol).HandleMarkPrice(msg.Price, msg.Source)
	m.markPriceChanged(msg.Symbol, changed)
	return nil
}

// markPriceChanged flags the price as ready and revalues derivative
// positions of sym.
func (m *Manager) markPriceChanged(sym string, changed bool) {
	prices := m.data.Get(sym).Prices
	if prices.IsValid() {
		m.setEvent(events.TopicPrice, sym)
	}
	if !changed || !isDerivative(sym) {
		return
	}
	mark, _, ok := prices.MarkPrice()
	if !ok {
		return
	}
	if _, err := m.positions.HandleMarkPrice(sym, mark); err != nil {
		m.logger.Warn("revalue positions", zap.String("symbol", sym), zap.Error(err))
	}
}

func (m *Manager) onFunding(_ context.Context, _ channel.Key, msg updater.FundingUpdate) error {
	if m.data.Get(msg.Funding.Symbol).HandleFunding(msg.Funding) {
		m.logger.Debug("funding updated", zap.String("symbol", msg.Funding.Symbol), zap.Float64("rate", msg.Funding.Rate))
	}
	m.setEvent(events.TopicFunding, msg.Funding.Symbol)
	return nil
}

func (m *Manager) onBalance(_ context.Context, _ channel.Key, msg updater.BalanceUpdate) error {
	if err := m.portfolio.Refresh(msg.Balances); err != nil {
		m.logger.Warn("balance update rejected", zap.Error(err))
		return nil
	}
	m.setEvent(events.TopicBalance)
	return nil
}

func (m *Manager) onOrders(ctx context.Context, _ channel.Key, msg updater.OrdersUpdate) error {
	m.refreshOrders(ctx, msg.Orders)
	m.setEvent(events.TopicOrders)
	return nil
}

// refreshOrders reconciles the known orders with exchange records. Orders
// the engine did not create are ignored.
func (m *Manager) refreshOrders(ctx context.Context, infos []common.OrderInfo) {
	for _, info := range infos {
		u, err := order.ParseUpdate(info)
		if err != nil {
			m.logger.Warn("unparsable exchange order", zap.Any("order", info), zap.Error(err))
			continue
		}
		o, ok := m.lifecycle.Orders().ByExchangeID(u.ExchangeOrderID)
		if !ok {
			continue
		}
		if err := m.lifecycle.Refresh(ctx, o, u); err != nil {
			m.logger.Warn("refresh order", zap.String("order_id", o.ID), zap.String("symbol", o.Symbol), zap.Error(err))
		}
	}
}

func (m *Manager) onPositions(_ context.Context, _ channel.Key, msg updater.PositionsUpdate) error {
	for _, p := range msg.Positions {
		if err := m.positions.HandlePositionUpdate(p); err != nil {
			m.logger.Warn("position update rejected", zap.String("symbol", p.Symbol), zap.Error(err))
		}
	}
	m.setEvent(events.TopicPositions)
	return nil
}
