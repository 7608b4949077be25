package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/pkg/exchanges/common"
)

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// fakeServer records subscription requests and lets tests push raw frames.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	requests []request
	conns    chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t, conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			fs.mu.Lock()
			fs.requests = append(fs.requests, req)
			fs.mu.Unlock()
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string { return "ws" + strings.TrimPrefix(fs.srv.URL, "http") }

func (fs *fakeServer) recorded() []request {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]request(nil), fs.requests...)
}

type recorder struct {
	mu     sync.Mutex
	klines []string
	closed []bool
	trades []common.Trade
	last   common.Candle
}

func (r *recorder) OnKline(sym, tf string, k common.Candle, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.klines = append(r.klines, sym+"@"+tf)
	r.closed = append(r.closed, closed)
	r.last = k
}

func (r *recorder) OnTrade(t common.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.klines), len(r.trades)
}

const (
	klineFrame = `{"e":"kline","E":1704067260100,"s":"BTCUSDT","k":{"t":1704067200000,"T":1704067259999,"s":"BTCUSDT","i":"1m","f":1,"L":9,"o":"100.5","c":"101.0","h":"102.0","l":"99.5","v":"12.5","n":9,"x":true,"q":"1260","V":"6","Q":"630","B":"0"}}`
	tradeFrame = `{"stream":"btcusdt@trade","data":{"e":"trade","E":1704067261000,"s":"BTCUSDT","t":42,"p":"101.5","q":"0.5","T":1704067260999,"m":true,"M":true}}`
	otherFrame = `{"e":"trade","E":1,"s":"DOGEUSDT","t":1,"p":"0.1","q":"1","T":1,"m":false,"M":true}`
)

func TestFeedSubscribesAndDispatches(t *testing.T) {
	fs := newFakeServer(t)
	feed := New(Config{URL: fs.url(), Channels: []string{"kline", "recent_trades"}, ReconnectDelay: 10 * time.Millisecond})
	rec := &recorder{}

	assert.True(t, feed.Covers("kline"))
	assert.False(t, feed.Covers("ohlcv"))

	require.NoError(t, feed.Start(context.Background(), []string{"BTC/USDT"}, []string{"1m", "1h"}, rec))
	t.Cleanup(func() { _ = feed.Close() })
	conn := <-fs.conns

	require.Eventually(t, func() bool { return len(fs.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	sub := fs.recorded()[0]
	assert.Equal(t, "SUBSCRIBE", sub.Method)
	assert.Equal(t, []string{"btcusdt@kline_1m", "btcusdt@kline_1h", "btcusdt@trade"}, sub.Params)

	for _, frame := range []string{`{"result":null,"id":1}`, klineFrame, tradeFrame, otherFrame} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
	require.Eventually(t, func() bool {
		k, tr := rec.counts()
		return k == 1 && tr == 1
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, []string{"BTC/USDT@1m"}, rec.klines)
	assert.Equal(t, []bool{true}, rec.closed)
	assert.Equal(t, common.Candle{Time: 1704067200, Open: 100.5, High: 102, Low: 99.5, Close: 101, Volume: 12.5}, rec.last)
	trade := rec.trades[0]
	rec.mu.Unlock()
	assert.Equal(t, "BTC/USDT", trade.Symbol)
	assert.Equal(t, "42", trade.ID)
	assert.Equal(t, common.SideSell, trade.Side)
	assert.InDelta(t, 50.75, trade.Cost, 1e-9)
	assert.Equal(t, int64(1704067260999), trade.Timestamp.UnixMilli())
}

func TestFeedModifyAndReconnect(t *testing.T) {
	fs := newFakeServer(t)
	feed := New(Config{URL: fs.url(), ReconnectDelay: 10 * time.Millisecond})
	require.NoError(t, feed.Start(context.Background(), []string{"BTC/USDT"}, []string{"1m"}, &recorder{}))
	t.Cleanup(func() { _ = feed.Close() })
	first := <-fs.conns

	require.NoError(t, feed.Modify(context.Background(), []string{"ETH/USDT"}, []string{"BTC/USDT"}))
	require.Eventually(t, func() bool { return len(fs.recorded()) == 3 }, time.Second, 5*time.Millisecond)
	reqs := fs.recorded()
	assert.Equal(t, request{Method: "UNSUBSCRIBE", Params: []string{"btcusdt@kline_1m", "btcusdt@trade"}, ID: 2}, reqs[1])
	assert.Equal(t, request{Method: "SUBSCRIBE", Params: []string{"ethusdt@kline_1m", "ethusdt@trade"}, ID: 3}, reqs[2])

	// a dropped connection is redialled with the current subscriptions
	require.NoError(t, first.Close())
	select {
	case <-fs.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not reconnect")
	}
	require.Eventually(t, func() bool { return len(fs.recorded()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ethusdt@kline_1m", "ethusdt@trade"}, fs.recorded()[3].Params)

	require.NoError(t, feed.Close())
	require.NoError(t, feed.Close())
}

func TestParseRejectsMalformedPrices(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "kline", frame: `{"e":"kline","s":"BTCUSDT","k":{"t":1,"i":"1m","o":"x","c":"1","h":"1","l":"1","v":"1"}}`},
		{name: "trade", frame: `{"e":"trade","s":"BTCUSDT","t":1,"p":"1","q":"?","T":1}`},
	}
	feed := New(Config{})
	feed.symbols["BTCUSDT"] = "BTC/USDT"
	feed.handler = &recorder{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, feed.dispatch([]byte(tt.frame)))
		})
	}
}
