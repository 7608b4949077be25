package updater

import (
	"context"
	"errors"
	"sync"
	"time"

	"trading-engine/internal/channel"
	"trading-engine/internal/symbol"
	"trading-engine/pkg/exchanges/common"
)

const (
	defaultCandlesLimit   = 500
	defaultOrderBookLimit = 20
	defaultTradesLimit    = 50
)

func limitOr(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

// eachSymbol calls fn for every traded symbol and joins the failures so one
// bad symbol does not starve the others.
func eachSymbol(pairs Pairs, fn func(sym string) error) error {
	var errList []error
	for _, sym := range pairs.TradedSymbols() {
		if err := fn(sym); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// NewOHLCV loads the candle history of every traded symbol and time frame,
// then keeps the last candles up to date.
func NewOHLCV(src common.MarketData, pairs Pairs, p *channel.Producer[CandlesUpdate], cfg Config) *Updater {
	var (
		mu     sync.Mutex
		loaded = make(map[string]bool)
	)
	limit := limitOr(cfg.Limit, defaultCandlesLimit)
	return New(ChannelOHLCV, cfg, func(ctx context.Context) error {
		return eachSymbol(pairs, func(sym string) error {
			var errList []error
			for _, tf := range pairs.TimeFrames() {
				k := sym + "|" + tf
				mu.Lock()
				replace := !loaded[k]
				mu.Unlock()
				n := 2
				if replace {
					n = limit
				}
				candles, err := src.GetSymbolPrices(ctx, sym, tf, n)
				if err != nil {
					errList = append(errList, err)
					continue
				}
				if len(candles) == 0 {
					continue
				}
				key := channel.Key{Symbol: sym, TimeFrame: tf}
				msg := CandlesUpdate{Symbol: sym, TimeFrame: tf, Candles: candles, Replace: replace}
				if err := p.Push(ctx, key, msg); err != nil {
					return err
				}
				mu.Lock()
				loaded[k] = true
				mu.Unlock()
			}
			return errors.Join(errList...)
		})
	})
}

// NewKline polls the in-construction candle of every symbol and time frame.
func NewKline(src common.MarketData, pairs Pairs, p *channel.Producer[KlineUpdate], cfg Config) *Updater {
	return New(ChannelKline, cfg, func(ctx context.Context) error {
		return eachSymbol(pairs, func(sym string) error {
			for _, tf := range pairs.TimeFrames() {
				k, err := src.GetKlinePrice(ctx, sym, tf)
				if err != nil {
					return err
				}
				key := channel.Key{Symbol: sym, TimeFrame: tf}
				if err := p.Push(ctx, key, KlineUpdate{Symbol: sym, TimeFrame: tf, Kline: k}); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// NewOrderBook polls book snapshots.
func NewOrderBook(src common.MarketData, pairs Pairs, p *channel.Producer[OrderBookUpdate], cfg Config) *Updater {
	limit := limitOr(cfg.Limit, defaultOrderBookLimit)
	return New(ChannelOrderBook, cfg, func(ctx context.Context) error {
		return eachSymbol(pairs, func(sym string) error {
			book, err := src.GetOrderBook(ctx, sym, limit)
			if err != nil {
				return err
			}
			if book.Symbol == "" {
				book.Symbol = sym
			}
			return p.Push(ctx, channel.Key{Symbol: sym}, OrderBookUpdate{Book: book})
		})
	})
}

// NewTicker polls tickers.
func NewTicker(src common.MarketData, pairs Pairs, p *channel.Producer[TickerUpdate], cfg Config) *Updater {
	return New(ChannelTicker, cfg, func(ctx context.Context) error {
		return eachSymbol(pairs, func(sym string) error {
			t, err := src.GetPriceTicker(ctx, sym, false)
			if err != nil {
				return err
			}
			if t.Symbol == "" {
				t.Symbol = sym
			}
			return p.Push(ctx, channel.Key{Symbol: sym}, TickerUpdate{Ticker: t})
		})
	})
}

// NewRecentTrades polls public trades. The first fetch replaces the history.
func NewRecentTrades(src common.MarketData, pairs Pairs, p *channel.Producer[RecentTradesUpdate], cfg Config) *Updater {
	var (
		mu   sync.Mutex
		last = make(map[string]time.Time)
	)
	limit := limitOr(cfg.Limit, defaultTradesLimit)
	return New(ChannelRecentTrades, cfg, func(ctx context.Context) error {
		return eachSymbol(pairs, func(sym string) error {
			trades, err := src.GetRecentTrades(ctx, sym, limit)
			if err != nil {
				return err
			}
			mu.Lock()
			since, seen := last[sym]
			fresh := trades[:0:0]
			for _, t := range trades {
				if !seen || t.Timestamp.After(since) {
					fresh = append(fresh, t)
				}
				if t.Timestamp.After(last[sym]) {
					last[sym] = t.Timestamp
				}
			}
			mu.Unlock()
			if len(fresh) == 0 {
				return nil
			}
			msg := RecentTradesUpdate{Symbol: sym, Trades: fresh, Replace: !seen}
			return p.Push(ctx, channel.Key{Symbol: sym}, msg)
		})
	})
}

// NewFunding polls the funding rate of perpetual symbols.
func NewFunding(src common.MarketData, pairs Pairs, p *channel.Producer[FundingUpdate], cfg Config) *Updater {
	return New(ChannelFunding, cfg, func(ctx context.Context) error {
		return eachSymbol(pairs, func(sym string) error {
			s, err := symbol.Parse(sym)
			if err != nil || !s.IsPerpetual() {
				return nil
			}
			f, err := src.GetFundingRate(ctx, sym)
			if err != nil {
				return err
			}
			if f.Symbol == "" {
				f.Symbol = sym
			}
			return p.Push(ctx, channel.Key{Symbol: sym}, FundingUpdate{Funding: f})
		})
	})
}

// NewBalance polls the account balance.
func NewBalance(src common.Account, p *channel.Producer[BalanceUpdate], cfg Config) *Updater {
	return New(ChannelBalance, cfg, func(ctx context.Context) error {
		b, err := src.GetBalance(ctx)
		if err != nil {
			return err
		}
		return p.Push(ctx, channel.Key{}, BalanceUpdate{Balances: b})
	})
}

// NewOrders polls open orders and the orders closed since the previous run.
func NewOrders(src common.Account, p *channel.Producer[OrdersUpdate], cfg Config) *Updater {
	cfg = cfg.withDefaults()
	var (
		mu    sync.Mutex
		since time.Time
	)
	return New(ChannelOrders, cfg, func(ctx context.Context) error {
		now := cfg.Clock.Now()
		open, err := src.GetOpenOrders(ctx, common.OrderQuery{})
		if err != nil {
			return err
		}
		if err := p.Push(ctx, channel.Key{}, OrdersUpdate{Orders: open, Open: true}); err != nil {
			return err
		}
		mu.Lock()
		from := since
		mu.Unlock()
		closed, err := src.GetClosedOrders(ctx, common.OrderQuery{Since: from})
		if err != nil {
			return err
		}
		mu.Lock()
		since = now
		mu.Unlock()
		if len(closed) == 0 {
			return nil
		}
		return p.Push(ctx, channel.Key{}, OrdersUpdate{Orders: closed})
	})
}

// NewPositions polls derivative positions.
func NewPositions(src common.Futures, p *channel.Producer[PositionsUpdate], cfg Config) *Updater {
	return New(ChannelPositions, cfg, func(ctx context.Context) error {
		list, err := src.GetPositions(ctx)
		if err != nil {
			return err
		}
		return p.Push(ctx, channel.Key{}, PositionsUpdate{Positions: list})
	})
}
