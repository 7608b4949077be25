package trader

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/market"
	"trading-engine/internal/marketstatus"
	"trading-engine/internal/order"
	"trading-engine/internal/portfolio"
	"trading-engine/internal/position"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/exchanges/common"
)

const pair = "BTC/USDT"

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type statuses map[string]marketstatus.Status

func (s statuses) MarketStatus(sym string) (marketstatus.Status, bool) {
	st, ok := s[sym]
	return st, ok
}

// blockingExchange never answers before the caller gives up.
type blockingExchange struct{}

func (blockingExchange) CreateOrder(ctx context.Context, _ common.OrderRequest) (common.OrderInfo, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingExchange) CancelOrder(context.Context, string, string) (bool, error) { return true, nil }

type harness struct {
	tr        *Trader
	pf        *portfolio.Manager
	data      *market.ExchangeSymbolsData
	refreshes atomic.Int32
}

func newHarness(t *testing.T, simulated bool, mutate func(*Config, *order.LifecycleConfig)) *harness {
	t.Helper()
	h := &harness{
		pf:   portfolio.NewManager(nil, nil),
		data: market.NewExchangeSymbolsData(clock.System{}, market.Config{}),
	}
	require.NoError(t, h.pf.SetStartingBalances(map[string]decimal.Decimal{"USDT": d(1000)}))
	lcfg := order.LifecycleConfig{Ledger: h.pf, Market: h.data}
	cfg := Config{
		Funds:     h.pf,
		Market:    h.data,
		Simulated: simulated,
		Refresh: func(context.Context) error {
			h.refreshes.Add(1)
			return nil
		},
	}
	if mutate != nil {
		mutate(&cfg, &lcfg)
	}
	cfg.Lifecycle = order.NewLifecycle(lcfg)
	h.tr = New(cfg)
	t.Cleanup(func() {
		h.tr.Stop()
		cfg.Lifecycle.Stop()
	})
	return h
}

func (h *harness) trade(sym string, price float64) {
	h.data.Get(sym).HandleRecentTrades([]market.RecentTrade{{Price: price, Amount: 1, Timestamp: time.Now()}}, false)
}

func (h *harness) create(t *testing.T, req OrderRequest) *order.Order {
	t.Helper()
	orders, err := h.tr.CreateOrders(context.Background(), req, CreateOptions{Wait: true})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	return orders[0]
}

func assertAvailable(t *testing.T, pf *portfolio.Manager, cur string, want float64) {
	t.Helper()
	got := pf.Asset(cur).Available
	assert.True(t, got.Equal(d(want)), "%s available %s, want %v", cur, got, want)
}

func waitClosed(t *testing.T, o *order.Order) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.WaitClosed(ctx), "order %s did not close", o.ID)
}

func TestCreateOrderInstanceAdaptsToMarket(t *testing.T) {
	h := newHarness(t, true, func(c *Config, _ *order.LifecycleConfig) {
		c.Statuses = statuses{pair: {
			Precision: marketstatus.Precision{Amount: marketstatus.Float(3), Price: marketstatus.Float(2)},
			Limits:    marketstatus.Limits{Amount: marketstatus.MinMax{Min: marketstatus.Float(0.001), Max: marketstatus.Float(1)}},
		}}
	})
	h.data.Get(pair).HandleMarkPrice(d(100.129), market.SourceExchangeMarkPrice)

	orders, err := h.tr.CreateOrderInstance(context.Background(), OrderRequest{
		Kind:     order.BuyMarket,
		Symbol:   pair,
		Quantity: d(2.5004),
	})
	require.NoError(t, err)
	require.Len(t, orders, 3)
	want := []float64{1, 1, 0.5}
	for i, o := range orders {
		assert.True(t, o.OriginQuantity().Equal(d(want[i])), "order %d quantity %s", i, o.OriginQuantity())
		assert.True(t, o.OriginPrice().Equal(d(100.12)), "order %d price %s", i, o.OriginPrice())
		assert.True(t, o.Simulated)
		assert.Equal(t, order.Buy, o.Side)
	}

	_, err = h.tr.CreateOrderInstance(context.Background(), OrderRequest{Kind: order.BuyMarket, Symbol: pair, Quantity: d(0.0001)})
	assert.ErrorIs(t, err, errs.MissingMinimalExchangeTradeVolume)
	_, err = h.tr.CreateOrderInstance(context.Background(), OrderRequest{Kind: "iceberg", Symbol: pair, Quantity: d(1)})
	assert.ErrorIs(t, err, errs.UnsupportedOrderType)
}

func TestCreateOrderInstanceWithoutPrice(t *testing.T) {
	h := newHarness(t, true, func(c *Config, _ *order.LifecycleConfig) { c.PriceTimeout = 20 * time.Millisecond })
	_, err := h.tr.CreateOrderInstance(context.Background(), OrderRequest{Kind: order.BuyMarket, Symbol: pair, Quantity: d(1)})
	assert.ErrorIs(t, err, errs.Timeout)

	orders, err := h.tr.CreateOrderInstance(context.Background(), OrderRequest{
		Kind: order.BuyMarket, Symbol: pair, Quantity: d(1), CurrentPrice: d(50),
	})
	require.NoError(t, err)
	assert.True(t, orders[0].OriginPrice().Equal(d(50)))
}

func TestSimulatedLimitOrderFillsOnTrade(t *testing.T) {
	h := newHarness(t, true, nil)
	o := h.create(t, OrderRequest{Kind: order.BuyLimit, Symbol: pair, Quantity: d(1), Price: d(90)})
	assert.Equal(t, order.StateOpen, o.State())
	assertAvailable(t, h.pf, "USDT", 910)
	require.Len(t, h.tr.OpenOrders(pair), 1)

	h.trade(pair, 95)
	h.trade(pair, 89)
	waitClosed(t, o)
	assert.Equal(t, order.StatusFilled, o.Status())
	assert.True(t, h.pf.Asset("BTC").Total.Equal(d(1)))
	assertAvailable(t, h.pf, "USDT", 910)
	assert.Len(t, h.tr.TradeHistory(order.TradeFilter{Symbol: pair}), 1)
	assert.Empty(t, h.tr.OpenOrders(""))
}

func TestMissingFundsRefreshesOnce(t *testing.T) {
	h := newHarness(t, false, nil)
	orders, err := h.tr.CreateOrderInstance(context.Background(), OrderRequest{
		Kind: order.BuyLimit, Symbol: pair, Quantity: d(20), Price: d(100),
	})
	require.NoError(t, err)
	_, err = h.tr.CreateOrder(context.Background(), orders[0], CreateOptions{Wait: true})
	assert.ErrorIs(t, err, errs.MissingFunds)
	assert.Equal(t, int32(1), h.refreshes.Load())
}

func TestCreateOrderTimeout(t *testing.T) {
	h := newHarness(t, false, func(_ *Config, l *order.LifecycleConfig) { l.Exchange = blockingExchange{} })
	orders, err := h.tr.CreateOrderInstance(context.Background(), OrderRequest{
		Kind: order.BuyLimit, Symbol: pair, Quantity: d(1), Price: d(100),
	})
	require.NoError(t, err)
	o := orders[0]
	_, err = h.tr.CreateOrder(context.Background(), o, CreateOptions{Wait: true, Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, errs.Timeout)

	waitClosed(t, o)
	assert.Eventually(t, func() bool { return h.pf.Asset("USDT").Available.Equal(d(1000)) }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.tr.OpenOrders(""))
}

func TestCreateOrderWithoutWaiting(t *testing.T) {
	h := newHarness(t, true, nil)
	orders, err := h.tr.CreateOrders(context.Background(), OrderRequest{
		Kind: order.SellLimit, Symbol: pair, Quantity: d(1), Price: d(100),
	}, CreateOptions{})
	assert.ErrorIs(t, err, errs.MissingFunds, "no BTC to sell")
	assert.Empty(t, orders)

	orders, err = h.tr.CreateOrders(context.Background(), OrderRequest{
		Kind: order.BuyLimit, Symbol: pair, Quantity: d(1), Price: d(100),
	}, CreateOptions{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	select {
	case res := <-h.tr.Results():
		assert.True(t, res.Success)
		assert.Equal(t, orders[0].ID, res.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("no creation result")
	}
	assert.Equal(t, order.StateOpen, orders[0].State())
}

func TestPreInitFailureReleasesFunds(t *testing.T) {
	h := newHarness(t, true, nil)
	orders, err := h.tr.CreateOrderInstance(context.Background(), OrderRequest{
		Kind: order.BuyLimit, Symbol: pair, Quantity: d(1), Price: d(100),
	})
	require.NoError(t, err)
	boom := errs.New(errs.InvalidArgument, "rejected by strategy")
	_, err = h.tr.CreateOrder(context.Background(), orders[0], CreateOptions{
		Wait:    true,
		PreInit: func(*order.Order) error { return boom },
	})
	assert.ErrorIs(t, err, errs.InvalidArgument)
	assertAvailable(t, h.pf, "USDT", 1000)
}

func TestDisabledTraderRejectsOrders(t *testing.T) {
	h := newHarness(t, true, nil)
	h.tr.SetEnabled(false)
	_, err := h.tr.CreateOrders(context.Background(), OrderRequest{
		Kind: order.BuyLimit, Symbol: pair, Quantity: d(1), Price: d(100),
	}, CreateOptions{Wait: true})
	assert.ErrorIs(t, err, errs.OrderCreation)
}

func TestChainedOrdersShareOCOGroup(t *testing.T) {
	h := newHarness(t, true, nil)
	orders, err := h.tr.CreateOrderInstance(context.Background(), OrderRequest{
		Kind: order.BuyMarket, Symbol: pair, Quantity: d(1), CurrentPrice: d(100), OneCancelsTheOther: true,
	})
	require.NoError(t, err)
	entry := orders[0]
	stop, err := order.New(order.Params{Symbol: pair, Kind: order.StopLoss, Side: order.Sell, Price: d(90), Quantity: d(1), Simulated: true})
	require.NoError(t, err)
	take, err := order.New(order.Params{Symbol: pair, Kind: order.SellLimit, Price: d(120), Quantity: d(1), Simulated: true})
	require.NoError(t, err)
	require.NoError(t, entry.AddChained(stop, take))

	_, err = h.tr.CreateOrder(context.Background(), entry, CreateOptions{Wait: true})
	require.NoError(t, err)
	waitClosed(t, entry)
	require.Eventually(t, func() bool { return len(h.tr.OpenOrders(pair)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, entry.ID, stop.Group())
	assert.Equal(t, entry.ID, take.Group())
	assertAvailable(t, h.pf, "BTC", 0)

	h.trade(pair, 89)
	waitClosed(t, stop)
	waitClosed(t, take)
	assert.Equal(t, order.StatusFilled, stop.Status())
	assert.True(t, take.Status().IsCancelled())
	assert.True(t, h.pf.Asset("BTC").Total.IsZero())
	assertAvailable(t, h.pf, "USDT", 990)
}

func TestCancelOrders(t *testing.T) {
	h := newHarness(t, true, nil)
	btc := h.create(t, OrderRequest{Kind: order.BuyLimit, Symbol: pair, Quantity: d(1), Price: d(90)})
	eth := h.create(t, OrderRequest{Kind: order.BuyLimit, Symbol: "ETH/USDT", Quantity: d(1), Price: d(50)})
	assertAvailable(t, h.pf, "USDT", 860)

	ok, err := h.tr.CancelAllOpenOrdersWithCurrency(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, ok)
	waitClosed(t, btc)
	assert.Equal(t, order.StateOpen, eth.State())
	assertAvailable(t, h.pf, "USDT", 950)

	found, err := h.tr.CancelOrderWithID(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, found)
	found, err = h.tr.CancelOrderWithID(context.Background(), eth.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assertAvailable(t, h.pf, "USDT", 1000)

	ok, err = h.tr.CancelAllOpenOrders(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCancelPolicies(t *testing.T) {
	h := newHarness(t, true, nil)
	policy := order.ExpirationTimePolicy{ExpirationTime: time.Now().Add(-time.Second)}
	o := h.create(t, OrderRequest{Kind: order.BuyLimit, Symbol: pair, Quantity: d(1), Price: d(90), CancelPolicy: policy})
	cancelled := h.tr.EvaluateCancelPolicies(context.Background())
	require.Len(t, cancelled, 1)
	assert.Equal(t, o.ID, cancelled[0].ID)
}

func TestClosePosition(t *testing.T) {
	h := newHarness(t, true, nil)
	const perp = "BTC/USDT:USDT"
	_, err := h.tr.ClosePosition(context.Background(), position.Position{Symbol: perp, Side: position.Both}, decimal.Zero, CreateOptions{Wait: true})
	assert.ErrorIs(t, err, errs.InvalidPosition)

	short := position.Position{Symbol: perp, Side: position.Both, Size: d(-2), MarkPrice: d(100)}
	orders, err := h.tr.ClosePosition(context.Background(), short, decimal.Zero, CreateOptions{Wait: true})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, order.BuyMarket, o.Kind)
	assert.True(t, o.ReduceOnly)
	assert.Empty(t, o.PositionSide)
	assert.True(t, o.OriginQuantity().Equal(d(2)))
	waitClosed(t, o)

	long := position.Position{Symbol: perp, Side: position.Long, Size: d(1)}
	orders, err = h.tr.ClosePosition(context.Background(), long, d(110), CreateOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, order.SellLimit, orders[0].Kind)
	assert.Equal(t, "long", orders[0].PositionSide)
}

func TestRiskIsKeptAsConfigured(t *testing.T) {
	tests := []struct {
		name string
		risk decimal.Decimal
	}{
		{"zero", decimal.Zero},
		{"half", d(0.5)},
		{"full", d(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true, func(c *Config, _ *order.LifecycleConfig) { c.Risk = tt.risk })
			assert.True(t, h.tr.Risk().Equal(tt.risk), "risk %s", h.tr.Risk())
		})
	}
}

func TestResolveMode(t *testing.T) {
	tests := []struct {
		name          string
		real, sim     bool
		wantEnabled   bool
		wantSimulated bool
	}{
		{"real only", true, false, true, false},
		{"simulator only", false, true, true, true},
		{"both prefers real", true, true, true, false},
		{"none", false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled, simulated := ResolveMode(tt.real, tt.sim, nil)
			assert.Equal(t, tt.wantEnabled, enabled)
			assert.Equal(t, tt.wantSimulated, simulated)
		})
	}
}

func TestCreationPoolRejectsAfterClose(t *testing.T) {
	var mu sync.Mutex
	opened := 0
	p := newCreationPool(func(context.Context, *order.Order) error {
		mu.Lock()
		opened++
		mu.Unlock()
		return nil
	}, 2, zap.NewNop())
	o, err := order.New(order.Params{Symbol: pair, Kind: order.BuyLimit, Price: d(1), Quantity: d(1)})
	require.NoError(t, err)
	require.NoError(t, p.Submit(context.Background(), o))
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), o), errs.OrderCreation)
	mu.Lock()
	assert.Equal(t, 1, opened)
	mu.Unlock()
}
