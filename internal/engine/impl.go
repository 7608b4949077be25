package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
	"trading-engine/internal/exchange"
	"trading-engine/internal/order"
	"trading-engine/internal/position"
	"trading-engine/internal/symbol"
	"trading-engine/internal/trader"
)

// closeTimeout bounds the wait for a closing order to open.
const closeTimeout = 30 * time.Second

// Impl implements Service over the exchange managers of a runtime.
type Impl struct {
	rt     *exchange.Runtime
	health HealthSource

	// System metadata
	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Runtime *exchange.Runtime
	// Health is optional; exchanges are reported healthy without it.
	Health HealthSource
	Meta   SystemStatus
}

var _ Service = (*Impl)(nil)

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	meta := cfg.Meta
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	return &Impl{rt: cfg.Runtime, health: cfg.Health, meta: meta}
}

// manager returns an initialized exchange manager.
func (e *Impl) manager(id string) (*exchange.Manager, error) {
	m, err := e.rt.Manager(id)
	if err != nil {
		return nil, err
	}
	if !m.IsInitialized() {
		return nil, errs.New(errs.ExchangeManagerNotInitialized, "%s", id)
	}
	return m, nil
}

// --- Queries ---

func (e *Impl) ListExchanges(ctx context.Context) ([]ExchangeInfo, error) {
	managers := e.rt.Managers()
	out := make([]ExchangeInfo, 0, len(managers))
	for _, m := range managers {
		info := ExchangeInfo{
			ID:              m.ID(),
			ReferenceMarket: m.ReferenceMarket(),
			Symbols:         m.TradedSymbols(),
			TimeFrames:      m.TimeFrames(),
			Simulated:       m.IsSimulated(),
			Backtesting:     m.IsBacktesting(),
			Healthy:         e.health == nil || e.health.Healthy(m.ID()),
		}
		if t := m.Trader(); t != nil {
			info.TraderEnabled = t.IsEnabled()
		}
		out = append(out, info)
	}
	return out, nil
}

func (e *Impl) GetPortfolio(ctx context.Context, exchange string) (*PortfolioInfo, error) {
	m, err := e.manager(exchange)
	if err != nil {
		return nil, err
	}
	ref := m.ReferenceMarket()
	return &PortfolioInfo{
		Exchange:        m.ID(),
		ReferenceMarket: ref,
		Assets:          m.Portfolio().Snapshot(),
		Value:           m.Portfolio().Value(ref, markPrices(m, ref)),
	}, nil
}

// markPrices returns the last mark price of every traded base currency
// quoted in ref.
func markPrices(m *exchange.Manager, ref string) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	for _, sym := range m.TradedSymbols() {
		base, quote := symbol.Split(sym)
		if quote != ref {
			continue
		}
		data, ok := m.Data().Lookup(sym)
		if !ok {
			continue
		}
		if price, _ := data.Prices.LastMarkPrice(); price.IsPositive() {
			prices[base] = price
		}
	}
	return prices
}

func (e *Impl) GetOpenOrders(ctx context.Context, exchange, sym string) ([]order.Snapshot, error) {
	m, err := e.manager(exchange)
	if err != nil {
		return nil, err
	}
	return snapshots(m.Trader().OpenOrders(sym)), nil
}

func (e *Impl) GetTrades(ctx context.Context, exchange string, filter order.TradeFilter) ([]order.Trade, error) {
	m, err := e.manager(exchange)
	if err != nil {
		return nil, err
	}
	return m.Trader().TradeHistory(filter), nil
}

func (e *Impl) GetPositions(ctx context.Context, exchange string) ([]position.Position, error) {
	m, err := e.manager(exchange)
	if err != nil {
		return nil, err
	}
	return m.Positions().Positions(), nil
}

func (e *Impl) GetExchangeStatus(ctx context.Context, exchange string) (*ExchangeStatus, error) {
	m, err := e.rt.Manager(exchange)
	if err != nil {
		return nil, err
	}
	st := &ExchangeStatus{
		Exchange:         m.ID(),
		Initialized:      m.IsInitialized(),
		ExchangeTime:     m.Clock().Now(),
		BacktestProgress: m.BacktestProgress(),
	}
	if st.Initialized {
		st.Overloaded = m.IsOverloaded()
		st.HandledPairs = m.CurrentlyHandledPairWithTimeFrame()
		st.OpenOrders = len(m.Trader().OpenOrders(""))
	}
	return st, nil
}

// SubscribeMarkPrice streams the mark prices applied to sym. The returned
// func unsubscribes.
func (e *Impl) SubscribeMarkPrice(ctx context.Context, exchange, sym string, buffer int) (<-chan decimal.Decimal, func(), error) {
	m, err := e.manager(exchange)
	if err != nil {
		return nil, nil, err
	}
	data, ok := m.Data().Lookup(sym)
	if !ok {
		return nil, nil, errs.New(errs.UnsupportedSymbol, "%s is not tracked on %s", sym, exchange)
	}
	ch, unsubscribe := data.Prices.Subscribe(buffer)
	return ch, unsubscribe, nil
}

// --- Commands ---

func (e *Impl) CancelOrder(ctx context.Context, exchange, orderID string) (bool, error) {
	m, err := e.manager(exchange)
	if err != nil {
		return false, err
	}
	return m.Trader().CancelOrderWithID(ctx, orderID)
}

func (e *Impl) CancelAllOrders(ctx context.Context, exchange, sym string) (bool, error) {
	m, err := e.manager(exchange)
	if err != nil {
		return false, err
	}
	return m.Trader().CancelAllOpenOrders(ctx, sym)
}

// ClosePosition market closes the position of sym on side.
func (e *Impl) ClosePosition(ctx context.Context, exchange, sym string, side position.Side) ([]order.Snapshot, error) {
	m, err := e.manager(exchange)
	if err != nil {
		return nil, err
	}
	if side == "" {
		side = position.Both
	}
	pos, ok := m.Positions().Position(sym, side)
	if !ok {
		return nil, errs.New(errs.InvalidPosition, "no %s position on %s", side, sym)
	}
	orders, err := m.Trader().ClosePosition(ctx, pos, decimal.Zero, trader.CreateOptions{Wait: true, Timeout: closeTimeout})
	if err != nil {
		return nil, err
	}
	return snapshots(orders), nil
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	st := e.meta
	st.Exchanges = st.Exchanges[:0:0]
	for _, m := range e.rt.Managers() {
		st.Exchanges = append(st.Exchanges, m.ID())
	}
	st.ServerTime = time.Now()
	return &st
}

func snapshots(orders []*order.Order) []order.Snapshot {
	out := make([]order.Snapshot, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.Snapshot())
	}
	return out
}
