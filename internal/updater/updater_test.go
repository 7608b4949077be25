package updater

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/channel"
	"trading-engine/internal/errs"
	"trading-engine/internal/symbol"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/exchanges/common"
)

type staticPairs struct {
	symbols    []string
	timeFrames []string
}

func (p staticPairs) TradedSymbols() []string { return p.symbols }
func (p staticPairs) TimeFrames() []string    { return p.timeFrames }

type fakeMarket struct {
	mu      sync.Mutex
	limits  []int
	trades  []common.Trade
	funding int
}

func (f *fakeMarket) GetSymbolPrices(_ context.Context, _, _ string, limit int) ([]common.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	return []common.Candle{{Time: 60, Open: 1, High: 2, Low: 1, Close: 2}}, nil
}

func (f *fakeMarket) GetKlinePrice(context.Context, string, string) (common.Candle, error) {
	return common.Candle{Time: 120, Open: 2, High: 2, Low: 2, Close: 2}, nil
}

func (f *fakeMarket) GetOrderBook(_ context.Context, sym string, _ int) (common.OrderBook, error) {
	return common.OrderBook{}, nil
}

func (f *fakeMarket) GetPriceTicker(context.Context, string, bool) (common.Ticker, error) {
	return common.Ticker{Close: 10}, nil
}

func (f *fakeMarket) GetRecentTrades(context.Context, string, int) ([]common.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Trade(nil), f.trades...), nil
}

func (f *fakeMarket) GetFundingRate(_ context.Context, sym string) (common.FundingRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funding++
	return common.FundingRate{Rate: 0.0001}, nil
}

func (f *fakeMarket) GetFundingRateHistory(context.Context, string, int) ([]common.FundingRate, error) {
	return nil, errs.New(errs.NotSupported, "funding history")
}

func collect[T any](t *testing.T, ch *channel.Channel[T]) func() []T {
	t.Helper()
	var (
		mu  sync.Mutex
		got []T
	)
	ch.NewConsumer(func(_ context.Context, _ channel.Key, msg T) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	})
	t.Cleanup(ch.Stop)
	return func() []T {
		mu.Lock()
		defer mu.Unlock()
		return append([]T(nil), got...)
	}
}

func TestJobErrorHandling(t *testing.T) {
	var calls atomic.Int32
	job := NewJob("test", time.Millisecond, 0, func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			return errs.New(errs.Network, "connection reset")
		case 2:
			return nil
		default:
			return errs.New(errs.NotSupported, "endpoint")
		}
	}, nil)
	require.NoError(t, job.Start(context.Background()))
	t.Cleanup(job.Stop)

	require.Eventually(t, job.IsSuspended, time.Second, 5*time.Millisecond)
	assert.False(t, job.IsRunning())
	assert.Equal(t, 3, job.Runs())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load(), "suspended job does not run again")

	require.NoError(t, job.Resume(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() == 4 }, time.Second, 5*time.Millisecond)
}

func TestJobMinimumDelay(t *testing.T) {
	job := NewJob("test", 0, 40*time.Millisecond, func(context.Context) error { return nil }, nil)
	ctx := context.Background()
	start := time.Now()
	require.NoError(t, job.RunOnce(ctx))
	require.NoError(t, job.RunOnce(ctx))
	require.NoError(t, job.RunOnce(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestJobStop(t *testing.T) {
	var calls atomic.Int32
	job := NewJob("test", time.Hour, 0, func(context.Context) error {
		calls.Add(1)
		return nil
	}, nil)
	require.NoError(t, job.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, job.IsRunning())
	job.Stop()
	assert.False(t, job.IsRunning())
	job.Stop()
}

func TestOHLCVLoadsHistoryOnce(t *testing.T) {
	src := &fakeMarket{}
	ch := channel.New[CandlesUpdate](ChannelOHLCV)
	got := collect(t, ch)
	pairs := staticPairs{symbols: []string{"BTC/USDT"}, timeFrames: []string{"1h"}}
	u := NewOHLCV(src, pairs, ch.NewProducer(nil), Config{Limit: 100})

	ctx := context.Background()
	require.NoError(t, u.Fetch(ctx))
	require.NoError(t, u.Fetch(ctx))
	require.Eventually(t, func() bool { return len(got()) == 2 }, time.Second, time.Millisecond)

	msgs := got()
	assert.True(t, msgs[0].Replace)
	assert.False(t, msgs[1].Replace)
	assert.Equal(t, "1h", msgs[0].TimeFrame)
	assert.Equal(t, []int{100, 2}, src.limits)
}

func TestRecentTradesForwardsOnlyNewTrades(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	src := &fakeMarket{trades: []common.Trade{{ID: "1", Price: 10, Timestamp: base}}}
	ch := channel.New[RecentTradesUpdate](ChannelRecentTrades)
	got := collect(t, ch)
	u := NewRecentTrades(src, staticPairs{symbols: []string{"BTC/USDT"}}, ch.NewProducer(nil), Config{})

	ctx := context.Background()
	require.NoError(t, u.Fetch(ctx))
	require.NoError(t, u.Fetch(ctx))
	src.mu.Lock()
	src.trades = append(src.trades, common.Trade{ID: "2", Price: 11, Timestamp: base.Add(time.Second)})
	src.mu.Unlock()
	require.NoError(t, u.Fetch(ctx))

	require.Eventually(t, func() bool { return len(got()) == 2 }, time.Second, time.Millisecond)
	msgs := got()
	assert.True(t, msgs[0].Replace)
	require.Len(t, msgs[1].Trades, 1)
	assert.Equal(t, "2", msgs[1].Trades[0].ID)
	assert.False(t, msgs[1].Replace)
}

func TestFundingSkipsSpotSymbols(t *testing.T) {
	src := &fakeMarket{}
	ch := channel.New[FundingUpdate](ChannelFunding)
	got := collect(t, ch)
	pairs := staticPairs{symbols: []string{"BTC/USDT", "BTC/USDT:USDT"}}
	u := NewFunding(src, pairs, ch.NewProducer(nil), Config{})

	require.NoError(t, u.Fetch(context.Background()))
	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "BTC/USDT:USDT", got()[0].Funding.Symbol)
	assert.Equal(t, 1, src.funding)
}

func TestSimulatedUpdatersFollowBacktestTime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start.Add(-time.Minute))
	ticks := channel.New[TimeTick](ChannelTime, channel.Synchronized())
	t.Cleanup(ticks.Stop)

	var (
		mu   sync.Mutex
		seen []time.Time
	)
	u := New("recorder", Config{}, func(context.Context) error {
		mu.Lock()
		seen = append(seen, clk.Now())
		mu.Unlock()
		return nil
	})
	sim := NewSimulated(u, ticks, nil)
	require.NoError(t, sim.Start(context.Background()))

	step := FinestStep([]symbol.TimeFrame{symbol.OneHour, symbol.OneMinute, symbol.FiveMinutes})
	require.Equal(t, time.Minute, step)
	tp := NewTimeProducer(clk, ticks, start, start.Add(4*time.Minute), step, nil)
	require.NoError(t, tp.Run(context.Background()))

	assert.True(t, tp.Finished().IsSet())
	assert.InDelta(t, 1.0, tp.Progress(), 1e-9)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 5)
	for i, at := range seen {
		assert.Equal(t, start.Add(time.Duration(i)*time.Minute), at)
	}
}

func TestSimulatedSuspendsOnNotSupported(t *testing.T) {
	clk := clock.NewSimulated(time.Unix(0, 0))
	ticks := channel.New[TimeTick](ChannelTime, channel.Synchronized())
	t.Cleanup(ticks.Stop)
	var calls atomic.Int32
	u := New("unsupported", Config{}, func(context.Context) error {
		calls.Add(1)
		return errs.New(errs.NotSupported, "positions")
	})
	sim := NewSimulated(u, ticks, nil)
	require.NoError(t, sim.Start(context.Background()))

	tp := NewTimeProducer(clk, ticks, time.Unix(60, 0), time.Unix(300, 0), time.Minute, nil)
	require.NoError(t, tp.Run(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	sim.Stop()
	assert.Equal(t, 0, ticks.ConsumerCount())
}
