package simulator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"trading-engine/internal/errs"
	"trading-engine/internal/symbol"
	"trading-engine/pkg/exchanges/common"
)

const (
	bookSpread      = 0.0005
	fundingInterval = 8 * time.Hour
	tickerWindow    = 24 * time.Hour
)

// GenerateConfig drives the random walk history generator.
type GenerateConfig struct {
	Start      time.Time
	Count      int // candles of the finest time frame
	StartPrice float64
	Step       float64 // maximum move per sub step
	Seed       int64
}

// LoadCandles stores the history of sym on tf, replacing what was there.
func (e *Exchange) LoadCandles(sym, tf string, candles []common.Candle) error {
	if err := e.listed(sym); err != nil {
		return err
	}
	frame, err := symbol.ParseTimeFrame(tf)
	if err != nil {
		return err
	}
	sorted := append([]common.Candle(nil), candles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.candles[sym] == nil {
		e.candles[sym] = make(map[symbol.TimeFrame][]common.Candle)
	}
	e.candles[sym][frame] = sorted
	return nil
}

// Generate fills every symbol and time frame with a random walk. The finest
// time frame is generated and coarser ones are aggregated from it.
func (e *Exchange) Generate(g GenerateConfig) error {
	if len(e.timeFrames) == 0 {
		return errs.New(errs.InvalidArgument, "no time frame to generate")
	}
	if g.Count <= 0 {
		return errs.New(errs.InvalidArgument, "candle count must be positive, got %d", g.Count)
	}
	if g.StartPrice <= 0 {
		g.StartPrice = 100
	}
	if g.Step <= 0 {
		g.Step = 0.5
	}
	seed := g.Seed
	if seed == 0 {
		seed = e.cfg.Seed
	}
	rng := rand.New(rand.NewSource(seed))
	finest := e.timeFrames[0]
	start := g.Start.Truncate(finest.Duration())
	for _, sym := range e.symbols {
		base := randomWalk(rng, start, finest.Duration(), g.Count, g.StartPrice, g.Step)
		if err := e.LoadCandles(sym, string(finest), base); err != nil {
			return err
		}
		for _, tf := range e.timeFrames[1:] {
			if err := e.LoadCandles(sym, string(tf), aggregate(base, tf.Duration())); err != nil {
				return err
			}
		}
	}
	return nil
}

// randomWalk builds count candles, each from four random sub steps.
func randomWalk(rng *rand.Rand, start time.Time, period time.Duration, count int, price, step float64) []common.Candle {
	out := make([]common.Candle, 0, count)
	for i := 0; i < count; i++ {
		c := common.Candle{Time: start.Add(time.Duration(i) * period).Unix(), Open: price, High: price, Low: price}
		for j := 0; j < 4; j++ {
			price += (rng.Float64()*2 - 1) * step
			if price < step {
				price = step
			}
			c.High = math.Max(c.High, price)
			c.Low = math.Min(c.Low, price)
		}
		c.Close = price
		c.Volume = 1 + rng.Float64()*9
		out = append(out, c)
	}
	return out
}

// aggregate merges consecutive candles into buckets of period.
func aggregate(candles []common.Candle, period time.Duration) []common.Candle {
	secs := int64(period / time.Second)
	var out []common.Candle
	for _, c := range candles {
		bucket := c.Time - c.Time%secs
		if n := len(out); n > 0 && out[n-1].Time == bucket {
			last := &out[n-1]
			last.High = math.Max(last.High, c.High)
			last.Low = math.Min(last.Low, c.Low)
			last.Close = c.Close
			last.Volume += c.Volume
			continue
		}
		out = append(out, common.Candle{Time: bucket, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume})
	}
	return out
}

// TimeRange returns the span covered by the finest history of the first
// symbol. ok is false when nothing is loaded.
func (e *Exchange) TimeRange() (start, end time.Time, ok bool) {
	if len(e.symbols) == 0 || len(e.timeFrames) == 0 {
		return time.Time{}, time.Time{}, false
	}
	tf := e.timeFrames[0]
	e.mu.RLock()
	candles := e.candles[e.symbols[0]][tf]
	e.mu.RUnlock()
	if len(candles) == 0 {
		return time.Time{}, time.Time{}, false
	}
	start = time.Unix(candles[0].Time, 0)
	end = time.Unix(candles[len(candles)-1].Time, 0).Add(tf.Duration())
	return start, end, true
}

func (e *Exchange) frame(sym, tf string) (symbol.TimeFrame, []common.Candle, error) {
	if err := e.listed(sym); err != nil {
		return "", nil, err
	}
	frame, err := symbol.ParseTimeFrame(tf)
	if err != nil {
		return "", nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	candles, ok := e.candles[sym][frame]
	if !ok {
		return "", nil, errs.New(errs.NotSupported, "no %s history for %s", tf, sym)
	}
	return frame, candles, nil
}

// closed returns the candles that closed at or before now.
func closed(candles []common.Candle, period time.Duration, now time.Time) []common.Candle {
	limit := now.Add(-period).Unix()
	n := sort.Search(len(candles), func(i int) bool { return candles[i].Time > limit })
	return candles[:n]
}

// lastClosed returns the latest closed candle of the finest time frame.
func (e *Exchange) lastClosed(sym string) (common.Candle, error) {
	if len(e.timeFrames) == 0 {
		return common.Candle{}, errs.New(errs.NotSupported, "no history configured")
	}
	tf := e.timeFrames[0]
	_, candles, err := e.frame(sym, string(tf))
	if err != nil {
		return common.Candle{}, err
	}
	done := closed(candles, tf.Duration(), e.clock.Now())
	if len(done) == 0 {
		return common.Candle{}, errs.New(errs.RetriableFailedRequest, "no closed candle of %s yet", sym)
	}
	return done[len(done)-1], nil
}

func (e *Exchange) GetSymbolPrices(_ context.Context, sym, tf string, limit int) ([]common.Candle, error) {
	frame, candles, err := e.frame(sym, tf)
	if err != nil {
		return nil, err
	}
	done := closed(candles, frame.Duration(), e.clock.Now())
	if limit > 0 && len(done) > limit {
		done = done[len(done)-limit:]
	}
	return append([]common.Candle(nil), done...), nil
}

// GetKlinePrice returns the candle in construction. Only its open is known.
func (e *Exchange) GetKlinePrice(_ context.Context, sym, tf string) (common.Candle, error) {
	frame, candles, err := e.frame(sym, tf)
	if err != nil {
		return common.Candle{}, err
	}
	done := closed(candles, frame.Duration(), e.clock.Now())
	if len(done) == len(candles) {
		return common.Candle{}, errs.New(errs.RetriableFailedRequest, "no %s candle of %s in construction", tf, sym)
	}
	c := candles[len(done)]
	if time.Unix(c.Time, 0).After(e.clock.Now()) {
		return common.Candle{}, errs.New(errs.RetriableFailedRequest, "no %s candle of %s in construction", tf, sym)
	}
	return common.Candle{Time: c.Time, Open: c.Open, High: c.Open, Low: c.Open, Close: c.Open}, nil
}

func (e *Exchange) GetOrderBook(_ context.Context, sym string, limit int) (common.OrderBook, error) {
	last, err := e.lastClosed(sym)
	if err != nil {
		return common.OrderBook{}, err
	}
	if limit <= 0 {
		limit = 20
	}
	size := last.Volume / float64(limit)
	book := common.OrderBook{Symbol: sym, Timestamp: e.clock.Now()}
	for i := 1; i <= limit; i++ {
		offset := bookSpread * float64(i)
		book.Asks = append(book.Asks, common.BookLevel{Price: last.Close * (1 + offset), Size: size, Side: common.SideSell})
		book.Bids = append(book.Bids, common.BookLevel{Price: last.Close * (1 - offset), Size: size, Side: common.SideBuy})
	}
	return book, nil
}

func (e *Exchange) GetPriceTicker(_ context.Context, sym string, withMiniTicker bool) (common.Ticker, error) {
	if len(e.timeFrames) == 0 {
		return common.Ticker{}, errs.New(errs.NotSupported, "no history configured")
	}
	tf := e.timeFrames[0]
	_, candles, err := e.frame(sym, string(tf))
	if err != nil {
		return common.Ticker{}, err
	}
	now := e.clock.Now()
	done := closed(candles, tf.Duration(), now)
	if len(done) == 0 {
		return common.Ticker{}, errs.New(errs.RetriableFailedRequest, "no closed candle of %s yet", sym)
	}
	from := now.Add(-tickerWindow).Unix()
	first := sort.Search(len(done), func(i int) bool { return done[i].Time >= from })
	window := done[first:]
	last := done[len(done)-1]
	t := common.Ticker{
		Symbol:    sym,
		Last:      last.Close,
		Close:     last.Close,
		Bid:       last.Close * (1 - bookSpread),
		Ask:       last.Close * (1 + bookSpread),
		Open:      window[0].Open,
		High:      window[0].High,
		Low:       window[0].Low,
		Timestamp: now,
	}
	for _, c := range window {
		t.High = math.Max(t.High, c.High)
		t.Low = math.Min(t.Low, c.Low)
		t.BaseVolume += c.Volume
		t.QuoteVolume += c.Volume * c.Close
	}
	if withMiniTicker {
		t.Mini = &common.MiniTicker{Open: t.Open, High: t.High, Low: t.Low, Close: t.Close, Volume: t.BaseVolume}
	}
	return t, nil
}

// GetRecentTrades prints the last closed candle as four trades: open, both
// extremes in the order the candle body suggests, then close.
func (e *Exchange) GetRecentTrades(_ context.Context, sym string, limit int) ([]common.Trade, error) {
	last, err := e.lastClosed(sym)
	if err != nil {
		return nil, err
	}
	period := e.timeFrames[0].Duration()
	prices := []float64{last.Open, last.High, last.Low, last.Close}
	if last.Close >= last.Open {
		prices[1], prices[2] = last.Low, last.High
	}
	start := time.Unix(last.Time, 0)
	amount := last.Volume / float64(len(prices))
	trades := make([]common.Trade, 0, len(prices))
	prev := last.Open
	for i, p := range prices {
		side := common.SideBuy
		if p < prev {
			side = common.SideSell
		}
		prev = p
		trades = append(trades, common.Trade{
			ID:        fmt.Sprintf("%s-%d-%d", common.ConcatPair(sym), last.Time, i),
			Symbol:    sym,
			Price:     p,
			Amount:    amount,
			Cost:      p * amount,
			Side:      side,
			Timestamp: start.Add(period * time.Duration(i) / time.Duration(len(prices))),
		})
	}
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return trades, nil
}

func (e *Exchange) perpetual(sym string) error {
	if err := e.listed(sym); err != nil {
		return err
	}
	s, err := symbol.Parse(sym)
	if err != nil {
		return err
	}
	if !s.IsPerpetual() {
		return errs.New(errs.NotSupported, "%s has no funding", sym)
	}
	return nil
}

func (e *Exchange) GetFundingRate(_ context.Context, sym string) (common.FundingRate, error) {
	if err := e.perpetual(sym); err != nil {
		return common.FundingRate{}, err
	}
	now := e.clock.Now()
	return common.FundingRate{
		Symbol:          sym,
		Rate:            e.cfg.FundingRate,
		NextFundingTime: now.Truncate(fundingInterval).Add(fundingInterval),
		LastUpdated:     now,
	}, nil
}

func (e *Exchange) GetFundingRateHistory(_ context.Context, sym string, limit int) ([]common.FundingRate, error) {
	if err := e.perpetual(sym); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}
	last := e.clock.Now().Truncate(fundingInterval)
	out := make([]common.FundingRate, limit)
	for i := range out {
		at := last.Add(-fundingInterval * time.Duration(limit-1-i))
		out[i] = common.FundingRate{Symbol: sym, Rate: e.cfg.FundingRate, NextFundingTime: at.Add(fundingInterval), LastUpdated: at}
	}
	return out, nil
}
