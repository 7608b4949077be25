package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/errs"
	"trading-engine/internal/exchange"
	"trading-engine/internal/persistence"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
	"trading-engine/pkg/exchanges/simulator"
)

const backtestConfig = `
crypto-currencies:
  Bitcoin:
    pairs: [BTC/USDT]
exchanges:
  sim:
    watched: [ETH/USDT]
  paused:
    enabled: false
trader-simulator:
  enabled: true
  fees:
    taker: 0.001
  starting-portfolio:
    USDT: 1000
time-frame: [1m, 5m]
backtesting:
  enabled: true
  start: 2024-01-01T00:00:00Z
  candles: 30
  seed: 7
`

func parse(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(body))
	require.NoError(t, err)
	return cfg
}

func TestListedMarkets(t *testing.T) {
	cfg := parse(t, `
crypto-currencies:
  Bitcoin:
    pairs: [BTC/USDT, "*"]
    quote: USDT
    add: [BTC/EUR]
  Ethereum:
    pairs: [ETH/USDT, BTC/USDT]
`)
	tests := []struct {
		name string
		ex   config.Exchange
		want []string
	}{
		{
			name: "configured pairs",
			ex:   config.Exchange{Watched: []string{"SOL/USDT"}},
			want: []string{"BTC/EUR", "BTC/USDT", "ETH/USDT", "SOL/USDT"},
		},
		{
			name: "explicit markets",
			ex:   config.Exchange{Markets: []string{"XRP/USDT"}},
			want: []string{"XRP/USDT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, listedMarkets(tt.ex, cfg))
		})
	}
}

func TestDefaultFactory(t *testing.T) {
	cfg := parse(t, backtestConfig)

	adaptor, err := DefaultFactory(Options{Name: "sim", Exchange: cfg.Exchanges["sim"], Config: cfg})
	require.NoError(t, err)
	sim, ok := adaptor.(*simulator.Exchange)
	require.True(t, ok)
	assert.Equal(t, "sim", sim.Name())
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, sim.Symbols())
	_, _, ok = sim.TimeRange()
	assert.True(t, ok, "backtests generate history")

	_, err = DefaultFactory(Options{Name: "x", Exchange: config.Exchange{Type: "kraken"}, Config: cfg})
	assert.ErrorIs(t, err, errs.NotSupported)
}

func TestExchangeConfig(t *testing.T) {
	cfg := parse(t, `
crypto-currencies:
  Bitcoin:
    pairs: [BTC/USDT]
exchanges:
  live:
    mode: futures
    stream:
      channels: [kline]
trader:
  enabled: true
trader-simulator:
  enabled: true
trading:
  risk: 0.25
  save-cancelled-orders-as-trades: false
`)
	opts := Options{Name: "live", Exchange: cfg.Exchanges["live"], Config: cfg}
	ecfg := ExchangeConfig(opts, nil)

	assert.Equal(t, "live", ecfg.ID)
	assert.Equal(t, exchange.ModeFutures, ecfg.Mode)
	assert.True(t, ecfg.TraderEnabled)
	assert.False(t, ecfg.SimulatorEnabled, "the real trader wins")
	assert.Equal(t, "0.25", ecfg.Risk.String())
	assert.False(t, ecfg.SaveCancelledAsTrades)
	assert.Nil(t, ecfg.Fees)
	assert.Nil(t, ecfg.Backtesting)
	require.NotNil(t, ecfg.Stream)
	assert.True(t, ecfg.Stream.Covers("kline"))
	assert.Equal(t, []string{"BTC/USDT"}, ecfg.CryptoCurrencies["Bitcoin"].Pairs)
}

func TestBuildAndRunBacktests(t *testing.T) {
	ctx := context.Background()
	cfg := parse(t, backtestConfig)

	database, err := db.Open(db.MemoryPath)
	require.NoError(t, err)
	storage := persistence.New(database, persistence.Config{BotID: "bot"})
	t.Cleanup(func() {
		_ = storage.Close()
		_ = database.Close()
	})

	rt := exchange.NewRuntime(nil)
	gw := NewManager(rt, Config{Storage: storage})
	t.Cleanup(func() { gw.Stop(ctx) })

	require.NoError(t, gw.Build(ctx, cfg))
	entries := gw.Entries()
	require.Len(t, entries, 1, "disabled exchanges are skipped")
	em := entries[0].Manager
	assert.Equal(t, "sim", em.ID())
	assert.Equal(t, TypeSimulator, entries[0].Type)
	assert.True(t, em.IsBacktesting())
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, em.TradedSymbols())

	_, err = gw.Get("paused")
	assert.ErrorIs(t, err, errs.UnknownExchange)
	got, err := rt.Manager("sim")
	require.NoError(t, err)
	assert.Same(t, em, got)

	require.NoError(t, gw.Start(ctx))
	require.NoError(t, gw.RunBacktests(ctx))
	assert.Equal(t, 1.0, em.BacktestProgress())
	assert.NotZero(t, em.Data().Get("BTC/USDT").Candles("1m").Len())

	history, err := storage.Exchange("sim").PortfolioHistory(ctx, "USDT")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "1000", history[0].Total)

	stats := gw.Stats()
	assert.Equal(t, 1, stats.TotalExchanges)
	assert.Equal(t, 1, stats.ByType[TypeSimulator])
}

// failingAdaptor fails every balance request.
type failingAdaptor struct {
	*simulator.Exchange
}

func (failingAdaptor) GetBalance(context.Context) (map[string]common.Balance, error) {
	return nil, errs.New(errs.Network, "connection reset")
}

func TestHealthCheckCountsFailures(t *testing.T) {
	ctx := context.Background()
	cfg := parse(t, `
crypto-currencies:
  Bitcoin:
    pairs: [BTC/USDT]
exchanges:
  flaky: {}
trader:
  enabled: true
`)
	factory := func(o Options) (common.Adaptor, error) {
		sim, err := NewSimulator(o)
		if err != nil {
			return nil, err
		}
		return failingAdaptor{sim}, nil
	}

	rt := exchange.NewRuntime(nil)
	gw := NewManager(rt, Config{Factory: factory, FailureThreshold: 2})
	t.Cleanup(func() { gw.Stop(ctx) })
	require.Error(t, gw.Build(ctx, cfg), "initial balance fetch fails")
	assert.Empty(t, gw.Entries())
	_, err := rt.Manager("flaky")
	assert.ErrorIs(t, err, errs.UnknownExchange, "failed managers are unregistered")

	gw2 := NewManager(exchange.NewRuntime(nil), Config{FailureThreshold: 2, HealthInterval: time.Hour})
	t.Cleanup(func() { gw2.Stop(ctx) })
	require.NoError(t, gw2.Build(ctx, cfg))
	require.NoError(t, gw2.Start(ctx))
	assert.True(t, gw2.Healthy("flaky"))

	gw2.RecordFailure("flaky")
	gw2.RecordFailure("flaky")
	assert.False(t, gw2.Healthy("flaky"))
	assert.Equal(t, 1, gw2.Stats().UnhealthyCount)

	gw2.healthCheckAll(ctx)
	assert.True(t, gw2.Healthy("flaky"), "a successful refresh resets failures")
}
