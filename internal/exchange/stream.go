package exchange

import (
	"context"

	"go.uber.org/zap"

	"trading-engine/internal/channel"
	"trading-engine/internal/updater"
	"trading-engine/pkg/exchanges/common"
)

// Stream is a push feed, typically a websocket, replacing the polling
// updaters of the channels it covers.
type Stream interface {
	Covers(channel string) bool
	Start(ctx context.Context, symbols, timeFrames []string, h common.StreamHandler) error
	Modify(ctx context.Context, added, removed []string) error
	Close() error
}

var _ common.StreamHandler = streamHandler{}

// streamHandler forwards stream messages to the manager's producers.
type streamHandler struct {
	m *Manager
}

func (h streamHandler) OnKline(sym, tf string, k common.Candle, closed bool) {
	m := h.m
	if !m.pairs.tracked(sym) {
		return
	}
	key := channel.Key{Symbol: sym, TimeFrame: tf}
	if closed && m.cfg.Stream.Covers(updater.ChannelOHLCV) {
		msg := updater.CandlesUpdate{Symbol: sym, TimeFrame: tf, Candles: []common.Candle{k}}
		if err := m.producers.candles.Push(m.ctx, key, msg); err != nil {
			m.logger.Debug("push streamed candle", zap.String("symbol", sym), zap.Error(err))
		}
	}
	if m.cfg.Stream.Covers(updater.ChannelKline) {
		if err := m.producers.kline.Push(m.ctx, key, updater.KlineUpdate{Symbol: sym, TimeFrame: tf, Kline: k}); err != nil {
			m.logger.Debug("push streamed kline", zap.String("symbol", sym), zap.Error(err))
		}
	}
}

func (h streamHandler) OnTrade(t common.Trade) {
	m := h.m
	if !m.pairs.tracked(t.Symbol) || !m.cfg.Stream.Covers(updater.ChannelRecentTrades) {
		return
	}
	msg := updater.RecentTradesUpdate{Symbol: t.Symbol, Trades: []common.Trade{t}}
	if err := m.producers.trades.Push(m.ctx, channel.Key{Symbol: t.Symbol}, msg); err != nil {
		m.logger.Debug("push streamed trade", zap.String("symbol", t.Symbol), zap.Error(err))
	}
}
