// Package exchange is the composition root of one exchange: it resolves the
// tracked pairs, builds the channel graph with its producers and internal
// consumers, and owns the portfolio, positions, order lifecycle and trader.
package exchange

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/market"
	"trading-engine/internal/portfolio"
	"trading-engine/internal/position"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/exchanges/common"
)

// Wildcard expands to every listed symbol of a quote.
const Wildcard = "*"

// TradingMode restricts which listed symbols wildcard pairs expand to.
type TradingMode string

const (
	ModeSpot    TradingMode = "spot"
	ModeFutures TradingMode = "futures"
	ModeOptions TradingMode = "options"
)

// CryptoCurrency is one configured currency and its pairs.
type CryptoCurrency struct {
	Pairs   []string
	Quote   string // required with wildcard pairs
	Add     []string
	Enabled *bool
}

// IsEnabled defaults to true.
func (c CryptoCurrency) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// Backtesting bounds a backtest run. Zero bounds default to the history the
// adaptor serves.
type Backtesting struct {
	Start time.Time
	End   time.Time
}

// PollIntervals sets the live updater periods. Zero values use defaults.
type PollIntervals struct {
	OHLCV        time.Duration
	Kline        time.Duration
	OrderBook    time.Duration
	Ticker       time.Duration
	RecentTrades time.Duration
	Funding      time.Duration
	Balance      time.Duration
	Orders       time.Duration
	Positions    time.Duration
	CancelPolicy time.Duration
}

func (p PollIntervals) withDefaults() PollIntervals {
	set := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	set(&p.OHLCV, time.Minute)
	set(&p.Kline, 10*time.Second)
	set(&p.OrderBook, 5*time.Second)
	set(&p.Ticker, 5*time.Second)
	set(&p.RecentTrades, 2*time.Second)
	set(&p.Funding, 5*time.Minute)
	set(&p.Balance, 30*time.Second)
	set(&p.Orders, 5*time.Second)
	set(&p.Positions, 10*time.Second)
	set(&p.CancelPolicy, time.Second)
	return p
}

// Config wires a Manager. Adaptor is required.
type Config struct {
	// ID keys the manager in the channel registry and the event tree. It
	// defaults to the adaptor name.
	ID               string
	Adaptor          common.Adaptor
	CryptoCurrencies map[string]CryptoCurrency
	// Watched pairs get market data without being traded.
	Watched    []string
	TimeFrames []string
	Mode       TradingMode

	TraderEnabled    bool
	SimulatorEnabled bool
	// StartingPortfolio funds the simulated trader.
	StartingPortfolio map[string]decimal.Decimal
	// Fees overrides the adaptor fees for simulated fills.
	Fees                  *common.Fees
	ReferenceMarket       string
	Risk                  decimal.Decimal
	SaveCancelledAsTrades bool

	// Backtesting switches producers to the time channel. Clock must then
	// be a *clock.Simulated.
	Backtesting *Backtesting
	Clock       clock.Clock
	Intervals   PollIntervals
	Market      market.Config
	// Stream pushes the data of the channels it covers instead of polling.
	Stream Stream

	Transactions portfolio.TransactionSink
	Positions    position.Store

	// StatusFetchConcurrency bounds the market status requests of Initialize.
	StatusFetchConcurrency int
	Logger                 *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
	if c.ID == "" && c.Adaptor != nil {
		c.ID = c.Adaptor.Name()
	}
	if c.Mode == "" {
		c.Mode = ModeSpot
	}
	if c.StatusFetchConcurrency <= 0 {
		c.StatusFetchConcurrency = 8
	}
	if c.Market.MaxCandles <= 0 {
		c.Market.MaxCandles = 500
	}
	if c.Market.MaxRecentTrades <= 0 {
		c.Market.MaxRecentTrades = 100
	}
	c.Intervals = c.Intervals.withDefaults()
	return c
}
