package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/errs"
)

type recorder struct {
	mu   sync.Mutex
	msgs []int
}

func (r *recorder) consume(ctx context.Context, key Key, msg int) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.msgs...)
}

func TestFIFOPerConsumer(t *testing.T) {
	ch := New[int]("Ticker")
	defer ch.Stop()
	rec := &recorder{}
	ch.NewConsumer(rec.consume, WithQueueSize(4))
	p := ch.NewProducer(nil)

	ctx := context.Background()
	want := make([]int, 0, 50)
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Push(ctx, Key{Symbol: "BTC/USDT"}, i))
		want = append(want, i)
	}
	require.NoError(t, ch.Join(ctx))
	assert.Equal(t, want, rec.snapshot())
}

func TestFilters(t *testing.T) {
	ch := New[int]("OHLCV")
	defer ch.Stop()
	btcHour, all, eth := &recorder{}, &recorder{}, &recorder{}
	ch.NewConsumer(btcHour.consume, WithSymbol("BTC/USDT"), WithTimeFrame("1h"))
	ch.NewConsumer(all.consume)
	ch.NewConsumer(eth.consume, WithSymbol("ETH/USDT"))
	p := ch.NewProducer(nil)

	ctx := context.Background()
	require.NoError(t, p.Push(ctx, Key{Symbol: "BTC/USDT", TimeFrame: "1h"}, 1))
	require.NoError(t, p.Push(ctx, Key{Symbol: "BTC/USDT", TimeFrame: "4h"}, 2))
	require.NoError(t, p.Push(ctx, Key{Symbol: "ETH/USDT", TimeFrame: "1h"}, 3))
	require.NoError(t, ch.Join(ctx))

	assert.Equal(t, []int{1}, btcHour.snapshot())
	assert.Equal(t, []int{1, 2, 3}, all.snapshot())
	assert.Equal(t, []int{3}, eth.snapshot())
	assert.Len(t, ch.Consumers(Key{Symbol: "ETH/USDT", TimeFrame: "1d"}), 2)
}

func TestPerformFiltersAndTransforms(t *testing.T) {
	ch := New[int]("RecentTrade")
	defer ch.Stop()
	rec := &recorder{}
	ch.NewConsumer(rec.consume)
	p := ch.NewProducer(func(ctx context.Context, key Key, msg int) (int, bool, error) {
		if msg < 0 {
			return 0, false, nil
		}
		if msg == 99 {
			return 0, false, errors.New("bad message")
		}
		return msg * 10, true, nil
	})

	ctx := context.Background()
	require.NoError(t, p.Perform(ctx, Key{}, 1))
	require.NoError(t, p.Perform(ctx, Key{}, -1))
	require.Error(t, p.Perform(ctx, Key{}, 99))
	require.NoError(t, ch.Join(ctx))
	assert.Equal(t, []int{10}, rec.snapshot())
}

func TestSynchronizedPushWaitsForSupervisedConsumers(t *testing.T) {
	ch := New[int]("Time", Synchronized())
	defer ch.Stop()
	var handled []int
	var mu sync.Mutex
	ch.NewConsumer(func(ctx context.Context, key Key, msg int) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		handled = append(handled, msg)
		mu.Unlock()
		return nil
	}, Supervised())
	p := ch.NewProducer(nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Push(context.Background(), Key{}, i))
		mu.Lock()
		assert.Len(t, handled, i+1, "push returns after the supervised consumer handled the message")
		mu.Unlock()
	}
}

type fakeRunner struct {
	name string
	log  *[]string
	mu   *sync.Mutex
}

func (f fakeRunner) Start(ctx context.Context) error { return nil }
func (f fakeRunner) Stop() {
	f.mu.Lock()
	*f.log = append(*f.log, f.name)
	f.mu.Unlock()
}

func TestStopOrder(t *testing.T) {
	var log []string
	var mu sync.Mutex
	ch := New[int]("Orders")
	ch.AddProducer(fakeRunner{name: "first", log: &log, mu: &mu})
	ch.AddProducer(fakeRunner{name: "second", log: &log, mu: &mu})
	cons := ch.NewConsumer(func(ctx context.Context, key Key, msg int) error { return nil })

	ch.Stop()
	assert.Equal(t, []string{"second", "first"}, log)
	assert.Zero(t, ch.ConsumerCount())
	require.NoError(t, cons.Join(context.Background()))

	// pushing after stop is a no-op
	require.NoError(t, ch.NewProducer(nil).Push(context.Background(), Key{}, 1))
}

type hookRunner func()

func (h hookRunner) Start(context.Context) error { return nil }
func (h hookRunner) Stop()                       { h() }

func TestStopExchangeChannelsStopsAllProducersFirst(t *testing.T) {
	r := NewRegistry()
	ticker := New[int]("Ticker")
	trades := New[int]("RecentTrade")
	require.NoError(t, r.SetChan("ex-1", ticker))
	require.NoError(t, r.SetChan("ex-1", trades))
	nop := func(ctx context.Context, key Key, msg int) error { return nil }
	ticker.NewConsumer(nop)
	trades.NewConsumer(nop)

	var mu sync.Mutex
	seen := map[string]int{}
	ticker.AddProducer(hookRunner(func() {
		mu.Lock()
		seen["ticker"] = trades.ConsumerCount()
		mu.Unlock()
	}))
	trades.AddProducer(hookRunner(func() {
		mu.Lock()
		seen["trades"] = ticker.ConsumerCount()
		mu.Unlock()
	}))

	r.StopExchangeChannels("ex-1")
	assert.Equal(t, map[string]int{"ticker": 1, "trades": 1}, seen, "consumers still run while producers stop")
	assert.Zero(t, ticker.ConsumerCount())
	assert.Zero(t, trades.ConsumerCount())
}

func TestModify(t *testing.T) {
	ch := New[int]("Kline")
	defer ch.Stop()
	require.NoError(t, ch.Modify(context.Background(), []string{"ETH/USDT"}, nil))

	var added, removed []string
	ch.SetModifier(func(ctx context.Context, a, r []string) error {
		added, removed = a, r
		return nil
	})
	require.NoError(t, ch.Modify(context.Background(), []string{"ETH/USDT"}, []string{"BTC/USDT"}))
	assert.Equal(t, []string{"ETH/USDT"}, added)
	assert.Equal(t, []string{"BTC/USDT"}, removed)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	ticker := New[int]("Ticker")
	trades := New[string]("RecentTrade")
	require.NoError(t, r.SetChan("ex-1", ticker))
	require.NoError(t, r.SetChan("ex-1", trades))
	require.NoError(t, r.SetChan("ex-2", New[int]("Ticker")))

	err := r.SetChan("ex-1", New[int]("Ticker"))
	assert.True(t, errors.Is(err, errs.DuplicateChannel))

	got, err := Get[int](r, "Ticker", "ex-1")
	require.NoError(t, err)
	assert.Same(t, ticker, got)

	_, err = Get[int](r, "RecentTrade", "ex-1")
	assert.True(t, errors.Is(err, errs.ChannelNotFound))

	_, err = r.GetChan("Ticker", "ex-3")
	assert.True(t, errors.Is(err, errs.ChannelNotFound))

	r.DelChan("RecentTrade", "ex-1")
	assert.Len(t, r.Channels("ex-1"), 1)

	r.StopExchangeChannels("ex-1")
	assert.Empty(t, r.Channels("ex-1"))
	assert.Len(t, r.Channels("ex-2"), 1)
}
