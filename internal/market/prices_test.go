package market

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/errs"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/exchanges/common"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestMarkPriceSourcePriority(t *testing.T) {
	c := clock.NewSimulated(time.Unix(1_700_000_000, 0))
	m := NewPricesManager(c, 0)

	assert.False(t, m.SetMarkPrice(d(100), SourceRecentTradeAverage), "first recent trade average is only recorded")
	_, _, ok := m.MarkPrice()
	assert.False(t, ok)

	assert.True(t, m.SetMarkPrice(d(101), SourceRecentTradeAverage))
	assert.False(t, m.SetMarkPrice(d(99), SourceTickerClosePrice), "ticker close ignored while trades are fresh")

	assert.True(t, m.SetMarkPrice(d(102), SourceExchangeMarkPrice))
	assert.False(t, m.SetMarkPrice(d(103), SourceRecentTradeAverage), "exchange mark price has priority")

	price, src, ok := m.MarkPrice()
	require.True(t, ok)
	assert.True(t, price.Equal(d(102)))
	assert.Equal(t, SourceExchangeMarkPrice, src)

	c.Advance(MarkPriceValidity + time.Second)
	assert.True(t, m.SetMarkPrice(d(98), SourceTickerClosePrice), "ticker close used once other sources are stale")
}

func TestMarkPriceIdempotentForExchangeSource(t *testing.T) {
	c := clock.NewSimulated(time.Unix(1_700_000_000, 0))
	m := NewPricesManager(c, 0)
	require.True(t, m.SetMarkPrice(d(50), SourceExchangeMarkPrice))
	p1, s1, _ := m.MarkPrice()
	require.True(t, m.SetMarkPrice(d(50), SourceExchangeMarkPrice))
	p2, s2, _ := m.MarkPrice()
	assert.True(t, p1.Equal(p2))
	assert.Equal(t, s1, s2)
	assert.True(t, m.ValidEvent().IsSet())
}

func TestMarkPriceValidityEvent(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := clock.NewSimulated(start)
	m := NewPricesManager(c, 0)
	assert.False(t, m.IsValid())
	assert.False(t, m.ValidEvent().IsSet())

	m.SetMarkPrice(d(10), SourceExchangeMarkPrice)
	for _, offset := range []time.Duration{0, time.Minute, MarkPriceValidity - time.Nanosecond, MarkPriceValidity, MarkPriceValidity + time.Hour} {
		c.Set(start.Add(offset))
		valid := m.IsValid()
		assert.Equal(t, offset < MarkPriceValidity, valid, offset)
		assert.Equal(t, valid, m.ValidEvent().IsSet(), offset)
	}
}

func TestGetMarkPriceWaitsAndTimesOut(t *testing.T) {
	m := NewPricesManager(clock.System{}, 0)

	_, err := m.GetMarkPrice(context.Background(), 10*time.Millisecond)
	assert.True(t, errors.Is(err, errs.Timeout))

	go func() {
		time.Sleep(5 * time.Millisecond)
		m.SetMarkPrice(d(42), SourceExchangeMarkPrice)
	}()
	price, err := m.GetMarkPrice(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, price.Equal(d(42)))
}

func TestMarkPriceSubscribe(t *testing.T) {
	m := NewPricesManager(clock.System{}, 0)
	updates, unsub := m.Subscribe(4)
	defer unsub()
	m.SetMarkPrice(d(1), SourceExchangeMarkPrice)
	m.SetMarkPrice(d(2), SourceExchangeMarkPrice)
	assert.True(t, (<-updates).Equal(d(1)))
	assert.True(t, (<-updates).Equal(d(2)))

	m.Reset()
	_, _, ok := m.MarkPrice()
	assert.False(t, ok)
}

func TestFundingManager(t *testing.T) {
	m := NewFundingManager()
	rate, next, updated := m.Rate()
	assert.True(t, math.IsNaN(rate))
	assert.True(t, next.IsZero())
	assert.True(t, updated.IsZero())

	assert.False(t, m.Update(0, time.Unix(10, 0), time.Unix(1, 0)))
	assert.False(t, m.Update(0.0001, time.Time{}, time.Unix(1, 0)))
	assert.True(t, m.Update(0.0001, time.Unix(10, 0), time.Unix(1, 0)))
	rate, next, _ = m.Rate()
	assert.Equal(t, 0.0001, rate)
	assert.Equal(t, time.Unix(10, 0), next)

	m.Reset()
	rate, _, _ = m.Rate()
	assert.True(t, math.IsNaN(rate))
}

func TestSymbolDataRoutesUpdates(t *testing.T) {
	c := clock.NewSimulated(time.Unix(1_700_000_000, 0))
	data := NewExchangeSymbolsData(c, Config{MaxCandles: 10})
	sd := data.Get("BTC/USDT")
	assert.Same(t, sd, data.Get("BTC/USDT"))

	assert.True(t, sd.HandleCandles("1h", []Candle{candle(3600, 1), candle(7200, 2)}, true))
	assert.True(t, sd.HandleCandles("1h", []Candle{candle(10800, 3)}, false))
	assert.False(t, sd.HandleCandles("1h", []Candle{candle(3600, 9)}, false))
	assert.Equal(t, 3, sd.Candles("1h").Len())

	ev := sd.PriceEvents.NewEvent(d(95), c.Now(), false)
	sd.HandleRecentTrades([]RecentTrade{{Price: 96, Timestamp: c.Now()}}, false)
	assert.False(t, ev.Fired())
	sd.HandleRecentTrades([]RecentTrade{{Price: 94, Timestamp: c.Now()}}, false)
	assert.True(t, ev.Fired())

	price, src, ok := sd.Prices.MarkPrice()
	require.True(t, ok)
	assert.True(t, price.Equal(d(94)))
	assert.Equal(t, SourceRecentTradeAverage, src)

	assert.True(t, sd.HandleFunding(common.FundingRate{Rate: 0.01, NextFundingTime: c.Now().Add(time.Hour), LastUpdated: c.Now()}))
	sd.HandleOrderBook(common.OrderBook{Asks: []BookLevel{{Price: 1}}, Timestamp: c.Now()})
	assert.Len(t, sd.OrderBook.Asks(), 1)

	_, ok = data.Lookup("ETH/USDT")
	assert.False(t, ok)
	assert.Equal(t, []string{"BTC/USDT"}, data.Symbols())
	data.Remove("BTC/USDT")
	assert.Empty(t, data.Symbols())
}
