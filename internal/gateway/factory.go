// Package gateway builds exchange managers from the configuration file and
// runs them for the lifetime of the process.
package gateway

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/exchange"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/config"
	"trading-engine/pkg/exchanges/common"
	"trading-engine/pkg/exchanges/simulator"
	"trading-engine/pkg/exchanges/wsfeed"
)

// TypeSimulator is the in-process exchange. It is also used when an
// exchange entry has no type.
const TypeSimulator = "simulator"

// Options is what a Factory gets to build the adaptor of one exchange.
type Options struct {
	Name     string
	Exchange config.Exchange
	Config   *config.Config
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Factory creates the adaptor of one configured exchange.
type Factory func(o Options) (common.Adaptor, error)

// DefaultFactory creates adaptors based on the exchange type.
func DefaultFactory(o Options) (common.Adaptor, error) {
	switch o.Exchange.Type {
	case "", TypeSimulator:
		sim, err := NewSimulator(o)
		if err != nil {
			return nil, err
		}
		return sim, nil
	default:
		return nil, errs.New(errs.NotSupported, "unsupported exchange type: %s", o.Exchange.Type)
	}
}

// NewSimulator builds a simulated exchange listing the configured markets,
// funded with the simulator starting portfolio. Backtests get generated
// history.
func NewSimulator(o Options) (*simulator.Exchange, error) {
	c := o.Config
	markets := make([]simulator.Market, 0)
	for _, sym := range listedMarkets(o.Exchange, c) {
		markets = append(markets, simulator.Market{Symbol: sym})
	}
	sim, err := simulator.New(simulator.Config{
		Name:        o.Name,
		Markets:     markets,
		TimeFrames:  c.TimeFrames,
		Fees:        fees(c.TraderSimulator.Fees),
		Balances:    decimals(c.TraderSimulator.StartingPortfolio),
		Clock:       o.Clock,
		LatencyMin:  o.Exchange.LatencyMin,
		LatencyMax:  o.Exchange.LatencyMax,
		SlippageBps: o.Exchange.SlippageBps,
		Seed:        c.Backtesting.Seed,
		Logger:      o.Logger,
	})
	if err != nil {
		return nil, err
	}
	if c.Backtesting.Enabled {
		err = sim.Generate(simulator.GenerateConfig{
			Start:      c.Backtesting.Start,
			Count:      c.Backtesting.Candles,
			StartPrice: c.Backtesting.StartPrice,
			Step:       c.Backtesting.Step,
			Seed:       c.Backtesting.Seed,
		})
		if err != nil {
			return nil, err
		}
	}
	return sim, nil
}

// listedMarkets returns the exchange markets, or every explicit pair of the
// configuration when none are listed.
func listedMarkets(ex config.Exchange, c *config.Config) []string {
	if len(ex.Markets) > 0 {
		return ex.Markets
	}
	seen := make(map[string]bool)
	add := func(pairs []string) {
		for _, p := range pairs {
			if p != exchange.Wildcard {
				seen[p] = true
			}
		}
	}
	for _, cur := range c.CryptoCurrencies {
		add(cur.Pairs)
		add(cur.Add)
	}
	add(ex.Watched)
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ExchangeConfig maps the configuration of exchange o.Name onto an
// exchange manager configuration.
func ExchangeConfig(o Options, adaptor common.Adaptor) exchange.Config {
	c := o.Config
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	currencies := make(map[string]exchange.CryptoCurrency, len(c.CryptoCurrencies))
	for name, cur := range c.CryptoCurrencies {
		currencies[name] = exchange.CryptoCurrency{
			Pairs:   cur.Pairs,
			Quote:   cur.Quote,
			Add:     cur.Add,
			Enabled: cur.Enabled,
		}
	}

	simulated := c.TraderSimulator.Enabled
	if c.Trader.Enabled && simulated {
		logger.Warn("trader and trader-simulator both enabled, using the real trader", zap.String("exchange", o.Name))
		simulated = false
	}

	cfg := exchange.Config{
		ID:                    o.Name,
		Adaptor:               adaptor,
		CryptoCurrencies:      currencies,
		Watched:               o.Exchange.Watched,
		TimeFrames:            c.TimeFrames,
		Mode:                  exchange.TradingMode(o.Exchange.Mode),
		TraderEnabled:         c.Trader.Enabled,
		SimulatorEnabled:      simulated,
		StartingPortfolio:     decimals(c.TraderSimulator.StartingPortfolio),
		ReferenceMarket:       c.Trading.ReferenceMarket,
		Risk:                  decimal.NewFromFloat(c.Trading.Risk),
		SaveCancelledAsTrades: c.Trading.SaveCancelledOrdersAsTrades,
		Clock:                 o.Clock,
		Logger:                logger,
	}
	if f := c.TraderSimulator.Fees; f.Maker > 0 || f.Taker > 0 {
		override := fees(f)
		cfg.Fees = &override
	}
	if c.Backtesting.Enabled {
		cfg.Backtesting = &exchange.Backtesting{}
	} else if s := o.Exchange.Stream; s != nil {
		cfg.Stream = wsfeed.New(wsfeed.Config{
			URL:            s.URL,
			Channels:       s.Channels,
			ReconnectDelay: s.ReconnectDelay,
			Logger:         logger,
		})
	}
	return cfg
}

func fees(f config.Fees) common.Fees {
	return common.Fees{
		Maker: decimal.NewFromFloat(f.Maker),
		Taker: decimal.NewFromFloat(f.Taker),
	}
}

func decimals(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = decimal.NewFromFloat(v)
	}
	return out
}
