package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine/internal/symbol"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/exchanges/common"
)

// Config sizes the per-symbol managers.
type Config struct {
	MaxCandles        int
	MaxRecentTrades   int
	MarkPriceValidity time.Duration
}

// SymbolData aggregates every market data manager of one symbol.
type SymbolData struct {
	Symbol       string
	OrderBook    *OrderBookManager
	Prices       *PricesManager
	RecentTrades *RecentTradesManager
	Ticker       *TickerManager
	Funding      *FundingManager
	PriceEvents  *PriceEventsManager

	cfg     Config
	mu      sync.RWMutex
	candles map[symbol.TimeFrame]*CandlesManager
	klines  map[symbol.TimeFrame]*KlineManager
}

// NewSymbolData builds the managers of sym.
func NewSymbolData(sym string, c clock.Clock, cfg Config) *SymbolData {
	return &SymbolData{
		Symbol:       sym,
		OrderBook:    NewOrderBookManager(),
		Prices:       NewPricesManager(c, cfg.MarkPriceValidity),
		RecentTrades: NewRecentTradesManager(cfg.MaxRecentTrades),
		Ticker:       NewTickerManager(),
		Funding:      NewFundingManager(),
		PriceEvents:  NewPriceEventsManager(),
		cfg:          cfg,
		candles:      make(map[symbol.TimeFrame]*CandlesManager),
		klines:       make(map[symbol.TimeFrame]*KlineManager),
	}
}

// Candles returns the candle history of tf, creating it on first use.
func (d *SymbolData) Candles(tf symbol.TimeFrame) *CandlesManager {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.candles[tf]
	if !ok {
		m = NewCandlesManager(d.cfg.MaxCandles)
		d.candles[tf] = m
	}
	return m
}

// Kline returns the in-construction candle of tf, creating it on first use.
func (d *SymbolData) Kline(tf symbol.TimeFrame) *KlineManager {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.klines[tf]
	if !ok {
		m = NewKlineManager()
		d.klines[tf] = m
	}
	return m
}

// TimeFrames lists the time frames with candle history.
func (d *SymbolData) TimeFrames() []symbol.TimeFrame {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]symbol.TimeFrame, 0, len(d.candles))
	for tf := range d.candles {
		out = append(out, tf)
	}
	return symbol.Sort(out)
}

// HandleCandles replaces the history or appends new candles. It returns
// whether anything changed.
func (d *SymbolData) HandleCandles(tf symbol.TimeFrame, candles []Candle, replace bool) bool {
	m := d.Candles(tf)
	if replace {
		m.ReplaceAll(candles)
		return m.Len() > 0
	}
	changed := false
	for _, c := range candles {
		if m.AddNewCandle(c) || m.UpsertLast(c) {
			changed = true
		}
	}
	return changed
}

// HandleKline updates the in-construction candle of tf.
func (d *SymbolData) HandleKline(tf symbol.TimeFrame, k Candle) {
	d.Kline(tf).Update(k)
}

// HandleRecentTrades stores trades, fires price events and offers their
// average price as mark price.
func (d *SymbolData) HandleRecentTrades(trades []RecentTrade, replace bool) bool {
	if replace {
		d.RecentTrades.SetAll(trades)
	} else {
		d.RecentTrades.Add(trades)
	}
	if len(trades) == 0 {
		return false
	}
	d.PriceEvents.HandleRecentTrades(trades)
	return d.Prices.SetMarkPrice(averagePrice(trades), SourceRecentTradeAverage)
}

func averagePrice(trades []RecentTrade) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(decimal.NewFromFloat(t.Price))
	}
	return sum.Div(decimal.NewFromInt(int64(len(trades))))
}

// HandleTicker stores t and offers its close as mark price.
func (d *SymbolData) HandleTicker(t Ticker) bool {
	d.Ticker.Update(t)
	price := t.Close
	if price == 0 {
		price = t.Last
	}
	return d.Prices.SetMarkPrice(decimal.NewFromFloat(price), SourceTickerClosePrice)
}

// HandleMarkPrice offers an exchange provided mark price.
func (d *SymbolData) HandleMarkPrice(price decimal.Decimal, source MarkPriceSource) bool {
	return d.Prices.SetMarkPrice(price, source)
}

// HandleFunding stores a funding update.
func (d *SymbolData) HandleFunding(f common.FundingRate) bool {
	return d.Funding.Update(f.Rate, f.NextFundingTime, f.LastUpdated)
}

// HandleOrderBook loads a snapshot.
func (d *SymbolData) HandleOrderBook(book common.OrderBook) {
	d.OrderBook.Replace(book.Asks, book.Bids, book.Timestamp)
}

// ExchangeSymbolsData indexes SymbolData by symbol for one exchange.
type ExchangeSymbolsData struct {
	mu    sync.RWMutex
	clock clock.Clock
	cfg   Config
	data  map[string]*SymbolData
}

// NewExchangeSymbolsData returns an empty index.
func NewExchangeSymbolsData(c clock.Clock, cfg Config) *ExchangeSymbolsData {
	return &ExchangeSymbolsData{clock: c, cfg: cfg, data: make(map[string]*SymbolData)}
}

// Get returns the data of sym, creating it on first use.
func (e *ExchangeSymbolsData) Get(sym string) *SymbolData {
	e.mu.RLock()
	d, ok := e.data[sym]
	e.mu.RUnlock()
	if ok {
		return d
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok = e.data[sym]; !ok {
		d = NewSymbolData(sym, e.clock, e.cfg)
		e.data[sym] = d
	}
	return d
}

// Lookup returns the data of sym without creating it.
func (e *ExchangeSymbolsData) Lookup(sym string) (*SymbolData, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.data[sym]
	return d, ok
}

// Remove forgets sym.
func (e *ExchangeSymbolsData) Remove(sym string) {
	e.mu.Lock()
	delete(e.data, sym)
	e.mu.Unlock()
}

// Symbols lists the known symbols, sorted.
func (e *ExchangeSymbolsData) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.data))
	for s := range e.data {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
