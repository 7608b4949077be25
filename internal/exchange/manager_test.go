package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/channel"
	"trading-engine/internal/errs"
	"trading-engine/internal/events"
	"trading-engine/internal/order"
	"trading-engine/internal/trader"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/exchanges/common"
	"trading-engine/pkg/exchanges/simulator"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func simConfig(ex common.Adaptor, clk clock.Clock) Config {
	return Config{
		Adaptor: ex,
		CryptoCurrencies: map[string]CryptoCurrency{
			"Bitcoin":  {Pairs: []string{"BTC/USDT", "DOGE/USDT"}},
			"Ethereum": {Pairs: []string{"ETH/USDT"}, Enabled: disabled()},
		},
		Watched:           []string{"ETH/BTC"},
		TimeFrames:        []string{"1m", "4h"},
		SimulatorEnabled:  true,
		StartingPortfolio: map[string]decimal.Decimal{"USDT": d(1000)},
		Clock:             clk,
	}
}

func newManager(t *testing.T, rt *Runtime, cfg Config) *Manager {
	t.Helper()
	m, err := New(rt, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func TestNewValidatesConfig(t *testing.T) {
	rt := NewRuntime(nil)
	ex := listing(t)

	_, err := New(rt, Config{})
	assert.ErrorIs(t, err, errs.InvalidArgument)

	_, err = New(rt, Config{Adaptor: ex, Backtesting: &Backtesting{}})
	assert.ErrorIs(t, err, errs.InvalidArgument, "backtests need a simulated clock")

	m := newManager(t, rt, Config{Adaptor: ex})
	assert.Equal(t, simulator.DefaultName, m.ID())
	_, err = New(rt, Config{Adaptor: ex})
	assert.ErrorIs(t, err, errs.InvalidArgument, "duplicate id")

	got, err := rt.Manager(simulator.DefaultName)
	require.NoError(t, err)
	assert.Same(t, m, got)
	_, err = rt.Manager("binance")
	assert.ErrorIs(t, err, errs.UnknownExchange)
}

func TestInitializeBuildsState(t *testing.T) {
	rt := NewRuntime(nil)
	m := newManager(t, rt, simConfig(listing(t), clock.System{}))
	ctx := context.Background()

	require.ErrorIs(t, m.Start(ctx), errs.ExchangeManagerNotInitialized)
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Initialize(ctx), "initialize is idempotent")

	assert.Equal(t, []string{"BTC/USDT", "ETH/BTC"}, m.TradedSymbols())
	assert.Equal(t, []string{"1m"}, m.TimeFrames())
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, m.Pairs().Existing)
	assert.True(t, m.IsSimulated())
	assert.True(t, m.Trader().IsEnabled())

	for _, sym := range []string{"BTC/USDT", "ETH/USDT", "ETH/BTC"} {
		st, ok := m.MarketStatus(sym)
		require.True(t, ok, sym)
		assert.Equal(t, sym, st.Symbol)
	}
	assert.True(t, m.Portfolio().Asset("USDT").Total.Equal(d(1000)))

	ev, ok := rt.Events.Event(events.Path(m.ID(), events.TopicCandles, "BTC/USDT", "1m"))
	require.True(t, ok)
	assert.False(t, ev.IsSet())
	_, ok = rt.Events.Event(events.Path(m.ID(), events.TopicPrice, "ETH/BTC"))
	assert.True(t, ok)
	_, ok = rt.Events.Event(events.Path(m.ID(), events.TopicFunding, "BTC/USDT"))
	assert.False(t, ok, "no funding on spot pairs")
	_, ok = rt.Events.Event(events.Path(m.ID(), events.TopicBalance))
	assert.False(t, ok, "simulated traders do not poll balances")

	for _, name := range []string{"ohlcv", "kline", "order_book", "ticker", "recent_trades", "mark_price", "funding", "order_updates", "trade_updates"} {
		_, err := rt.Registry.GetChan(name, m.ID())
		assert.NoError(t, err, name)
	}

	m.Stop(ctx)
	_, ok = rt.Events.Event(events.Path(m.ID(), events.TopicCandles, "BTC/USDT", "1m"))
	assert.False(t, ok)
	_, err := rt.Manager(m.ID())
	assert.ErrorIs(t, err, errs.UnknownExchange)
	m.Stop(ctx)
}

func TestInitializeDerivesMissingLimitsFromPrice(t *testing.T) {
	tests := []struct {
		name     string
		history  bool
		complete bool
	}{
		{"with price history", true, true},
		{"without price", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewSimulated(start.Add(3 * time.Minute))
			ex, err := simulator.New(simulator.Config{
				Markets:    []simulator.Market{{Symbol: "BTC/USDT", Status: map[string]any{"symbol": "BTC/USDT"}}},
				TimeFrames: []string{"1m"},
				Clock:      clk,
				Seed:       5,
			})
			require.NoError(t, err)
			if tt.history {
				require.NoError(t, ex.LoadCandles("BTC/USDT", "1m", []common.Candle{
					{Time: start.Unix(), Open: 100, High: 101, Low: 99, Close: 100, Volume: 1},
					{Time: start.Add(time.Minute).Unix(), Open: 100, High: 101, Low: 99, Close: 100, Volume: 1},
				}))
			}
			m := newManager(t, NewRuntime(nil), Config{
				Adaptor:           ex,
				CryptoCurrencies:  map[string]CryptoCurrency{"Bitcoin": {Pairs: []string{"BTC/USDT"}}},
				TimeFrames:        []string{"1m"},
				SimulatorEnabled:  true,
				StartingPortfolio: map[string]decimal.Decimal{"USDT": d(1000)},
				Clock:             clk,
			})
			require.NoError(t, m.Initialize(context.Background()))

			st, ok := m.MarketStatus("BTC/USDT")
			require.True(t, ok)
			assert.Equal(t, tt.complete, st.Complete())
			if tt.complete {
				assert.InDelta(t, 100000.0, *st.Limits.Price.Max, 1e-9)
				assert.InDelta(t, 0.1, *st.Limits.Amount.Min, 1e-12)
			}
		})
	}
}

func TestUpdateTradedSymbolPairs(t *testing.T) {
	rt := NewRuntime(nil)
	m := newManager(t, rt, simConfig(listing(t), clock.System{}))
	ctx := context.Background()

	err := m.UpdateTradedSymbolPairs(ctx, []string{"ETH/USDT"}, nil, nil, false)
	require.ErrorIs(t, err, errs.ExchangeManagerNotInitialized)
	require.NoError(t, m.Initialize(ctx))

	tests := []struct {
		name    string
		added   []string
		tfs     []string
		wantErr *errs.Kind
	}{
		{name: "unlisted symbol", added: []string{"DOGE/USDT"}, wantErr: errs.UnsupportedSymbol},
		{name: "unsupported time frame", added: []string{"ETH/USDT"}, tfs: []string{"3d"}, wantErr: errs.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.UpdateTradedSymbolPairs(ctx, tt.added, nil, tt.tfs, false)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, []string{"BTC/USDT", "ETH/BTC"}, m.TradedSymbols(), "failed updates change nothing")

	require.NoError(t, m.UpdateTradedSymbolPairs(ctx, []string{"BTC/USDT:USDT"}, []string{"BTC/USDT"}, []string{"1h"}, true))
	assert.Equal(t, []string{"ETH/BTC", "BTC/USDT:USDT"}, m.TradedSymbols())
	assert.Equal(t, []string{"BTC/USDT"}, m.Pairs().Removed)
	assert.Equal(t, []string{"1m", "1h"}, m.TimeFrames())

	_, ok := m.MarketStatus("BTC/USDT:USDT")
	assert.True(t, ok, "status fetched for the new pair")
	_, ok = rt.Events.Event(events.Path(m.ID(), events.TopicFunding, "BTC/USDT:USDT"))
	assert.True(t, ok)
	_, ok = rt.Events.Event(events.Path(m.ID(), events.TopicCandles, "ETH/BTC", "1h"))
	assert.True(t, ok, "added time frames apply to every tracked pair")
	_, ok = rt.Events.Event(events.Path(m.ID(), events.TopicTicker, "BTC/USDT"))
	assert.False(t, ok)
}

// limitedExchange caps the handled pair and time frame combinations.
type limitedExchange struct {
	*simulator.Exchange
	limit int
}

func (e limitedExchange) MaxHandledPairWithTimeFrame() int { return e.limit }

func TestIsOverloaded(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  bool
	}{
		{name: "no limit", limit: 0, want: false},
		{name: "within limit", limit: 2, want: false},
		{name: "over limit", limit: 1, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewRuntime(nil)
			m := newManager(t, rt, simConfig(limitedExchange{Exchange: listing(t), limit: tt.limit}, clock.System{}))
			require.NoError(t, m.Initialize(context.Background()))
			assert.Equal(t, 2, m.CurrentlyHandledPairWithTimeFrame())
			assert.Equal(t, tt.want, m.IsOverloaded())
		})
	}
}

type tradeRecorder struct {
	mu     sync.Mutex
	trades []order.Trade
}

func (r *tradeRecorder) record(_ context.Context, _ channel.Key, t order.Trade) error {
	r.mu.Lock()
	r.trades = append(r.trades, t)
	r.mu.Unlock()
	return nil
}

func (r *tradeRecorder) all() []order.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]order.Trade(nil), r.trades...)
}

func TestBacktestFillsSimulatedOrders(t *testing.T) {
	clk := clock.NewSimulated(start)
	ex, err := simulator.New(simulator.Config{
		Markets:    []simulator.Market{{Symbol: "BTC/USDT"}},
		TimeFrames: []string{"1m"},
		Clock:      clk,
		Seed:       3,
	})
	require.NoError(t, err)
	history := []common.Candle{
		{Time: start.Unix(), Open: 100, High: 101, Low: 99, Close: 100, Volume: 4},
		{Time: start.Add(time.Minute).Unix(), Open: 100, High: 100, Low: 95, Close: 97, Volume: 4},
		{Time: start.Add(2 * time.Minute).Unix(), Open: 97, High: 99, Low: 96.5, Close: 98, Volume: 4},
		{Time: start.Add(3 * time.Minute).Unix(), Open: 98, High: 102, Low: 97, Close: 101, Volume: 4},
	}
	require.NoError(t, ex.LoadCandles("BTC/USDT", "1m", history))

	rt := NewRuntime(nil)
	m := newManager(t, rt, Config{
		Adaptor:           ex,
		CryptoCurrencies:  map[string]CryptoCurrency{"Bitcoin": {Pairs: []string{"BTC/USDT"}}},
		TimeFrames:        []string{"1m"},
		SimulatorEnabled:  true,
		StartingPortfolio: map[string]decimal.Decimal{"USDT": d(1000)},
		Backtesting:       &Backtesting{},
		Clock:             clk,
	})
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	rec := &tradeRecorder{}
	m.TradeUpdates().NewConsumer(rec.record, channel.WithName("recorder"))

	orders, err := m.Trader().CreateOrders(ctx, trader.OrderRequest{
		Kind:         order.BuyLimit,
		Symbol:       "BTC/USDT",
		Quantity:     d(1),
		Price:        d(96),
		CurrentPrice: d(100),
	}, trader.CreateOptions{Wait: true})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, m.Portfolio().Asset("USDT").Available.Equal(d(904)))

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.RunBacktest(ctx))
	assert.Equal(t, 1.0, m.BacktestProgress())

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	trade := rec.all()[0]
	assert.Equal(t, orders[0].ID, trade.OrderID)
	assert.True(t, trade.Price.Equal(d(96)), "filled at the limit price, got %s", trade.Price)
	assert.True(t, m.Portfolio().Asset("USDT").Total.Equal(d(904)))
	assert.True(t, m.Portfolio().Asset("BTC").Total.Equal(d(1)))

	sd, ok := m.Data().Lookup("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 4, sd.Candles("1m").Len())
	ev, ok := rt.Events.Event(events.Path(m.ID(), events.TopicCandles, "BTC/USDT", "1m"))
	require.True(t, ok)
	assert.True(t, ev.IsSet())
}
