// Package wsfeed streams klines and public trades from a Binance format
// websocket endpoint into an exchange manager.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-engine/pkg/exchanges/common"
)

// DefaultURL is the public Binance spot stream endpoint.
const DefaultURL = "wss://stream.binance.com:9443/ws"

// Config configures a Feed.
type Config struct {
	URL string
	// Channels lists the channel names the feed replaces polling for.
	Channels       []string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
}

// Feed keeps one websocket connection subscribed to the kline and trade
// streams of the tracked pairs, reconnecting when it drops.
type Feed struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	writeMu    sync.Mutex
	conn       *websocket.Conn
	handler    common.StreamHandler
	symbols    map[string]string // BTCUSDT -> BTC/USDT
	timeFrames []string
	requestID  int
	cancel     context.CancelFunc
	done       chan struct{}
}

// New returns an idle feed.
func New(cfg Config) *Feed {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Feed{
		cfg:     cfg,
		logger:  cfg.Logger.Named("wsfeed"),
		symbols: make(map[string]string),
	}
}

// Covers reports whether the feed pushes the data of channel.
func (f *Feed) Covers(channel string) bool {
	for _, c := range f.cfg.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// Start dials the endpoint and subscribes symbols on every time frame.
func (f *Feed) Start(ctx context.Context, symbols, timeFrames []string, h common.StreamHandler) error {
	f.mu.Lock()
	if f.done != nil {
		f.mu.Unlock()
		return errors.New("wsfeed: already started")
	}
	f.handler = h
	f.timeFrames = append([]string(nil), timeFrames...)
	for _, s := range symbols {
		f.symbols[common.ConcatPair(s)] = s
	}
	f.mu.Unlock()

	conn, err := f.connect(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	f.mu.Unlock()
	go f.run(runCtx, conn)
	return nil
}

// Modify subscribes added symbols and unsubscribes removed ones on the live
// connection.
func (f *Feed) Modify(_ context.Context, added, removed []string) error {
	f.mu.Lock()
	for _, s := range added {
		f.symbols[common.ConcatPair(s)] = s
	}
	for _, s := range removed {
		delete(f.symbols, common.ConcatPair(s))
	}
	sub := f.streamsLocked(added)
	unsub := f.streamsLocked(removed)
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return nil
	}
	var errList []error
	if len(unsub) > 0 {
		errList = append(errList, f.send(conn, "UNSUBSCRIBE", unsub))
	}
	if len(sub) > 0 {
		errList = append(errList, f.send(conn, "SUBSCRIBE", sub))
	}
	return errors.Join(errList...)
}

// Close stops the feed and waits for its reader.
func (f *Feed) Close() error {
	f.mu.Lock()
	cancel, done, conn := f.cancel, f.done, f.conn
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		f.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.writeMu.Unlock()
		_ = conn.Close()
	}
	<-done
	return nil
}

func (f *Feed) streamsLocked(symbols []string) []string {
	var out []string
	for _, s := range symbols {
		pair := strings.ToLower(common.ConcatPair(s))
		for _, tf := range f.timeFrames {
			out = append(out, fmt.Sprintf("%s@kline_%s", pair, tf))
		}
		out = append(out, pair+"@trade")
	}
	return out
}

func (f *Feed) allStreams() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	symbols := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return f.streamsLocked(symbols)
}

func (f *Feed) connect(ctx context.Context) (*websocket.Conn, error) {
	if _, err := url.Parse(f.cfg.URL); err != nil {
		return nil, fmt.Errorf("wsfeed: parse url: %w", err)
	}
	conn, _, err := f.cfg.Dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: dial %s: %w", f.cfg.URL, err)
	}
	if streams := f.allStreams(); len(streams) > 0 {
		if err := f.send(conn, "SUBSCRIBE", streams); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.logger.Info("stream connected", zap.String("url", f.cfg.URL))
	return conn, nil
}

func (f *Feed) send(conn *websocket.Conn, method string, params []string) error {
	f.mu.Lock()
	f.requestID++
	id := f.requestID
	f.mu.Unlock()
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	err := conn.WriteJSON(map[string]any{"method": method, "params": params, "id": id})
	if err != nil {
		return fmt.Errorf("wsfeed: %s: %w", strings.ToLower(method), err)
	}
	return nil
}

func (f *Feed) run(ctx context.Context, conn *websocket.Conn) {
	defer close(f.done)
	for {
		f.read(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.cfg.ReconnectDelay):
			}
			c, err := f.connect(ctx)
			if err == nil {
				conn = c
				break
			}
			f.logger.Warn("stream reconnect failed", zap.Error(err))
		}
	}
}

// read dispatches messages until the connection fails.
func (f *Feed) read(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				f.logger.Warn("stream read failed", zap.Error(err))
			}
			return
		}
		if err := f.dispatch(msg); err != nil {
			f.logger.Debug("drop stream message", zap.ByteString("message", msg), zap.Error(err))
		}
	}
}

func (f *Feed) dispatch(msg []byte) error {
	var head struct {
		Event     string          `json:"e"`
		EventTime int64           `json:"E"`
		Stream    string          `json:"stream"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return err
	}
	// combined stream envelope
	if head.Stream != "" && len(head.Data) > 0 {
		return f.dispatch(head.Data)
	}
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	switch head.Event {
	case "kline":
		k, err := parseKline(msg)
		if err != nil {
			return err
		}
		sym, ok := f.lookup(k.pair)
		if !ok {
			return nil
		}
		h.OnKline(sym, k.timeFrame, k.candle, k.closed)
	case "trade":
		t, pair, err := parseTrade(msg)
		if err != nil {
			return err
		}
		sym, ok := f.lookup(pair)
		if !ok {
			return nil
		}
		t.Symbol = sym
		h.OnTrade(t)
	}
	return nil
}

func (f *Feed) lookup(pair string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sym, ok := f.symbols[strings.ToUpper(pair)]
	return sym, ok
}
