// Package simulator is an in-process exchange. It serves loaded or generated
// history as of its clock and matches exchange side orders against it, so
// backtests and dry runs go through the same adaptor surface as live trading.
package simulator

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/symbol"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/exchanges/common"
)

// DefaultName is the exchange name when none is configured.
const DefaultName = "simulator"

// Market is one listed symbol. Status is the raw market status; a default
// is derived when nil.
type Market struct {
	Symbol string
	Status map[string]any
}

// Config describes the simulated venue.
type Config struct {
	Name       string
	Markets    []Market
	TimeFrames []string
	Fees       common.Fees
	// Balances is the starting account.
	Balances    map[string]decimal.Decimal
	FundingRate float64
	Clock       clock.Clock
	// LatencyMin and LatencyMax bound the simulated gateway latency of order
	// submissions.
	LatencyMin  time.Duration
	LatencyMax  time.Duration
	SlippageBps float64
	Seed        int64
	Logger      *zap.Logger
}

// Exchange implements common.Adaptor.
type Exchange struct {
	cfg        Config
	clock      clock.Clock
	logger     *zap.Logger
	symbols    []string
	statuses   map[string]map[string]any
	timeFrames []symbol.TimeFrame

	mu      sync.RWMutex
	candles map[string]map[symbol.TimeFrame][]common.Candle

	amu      sync.Mutex
	rng      *rand.Rand
	balances map[string]*balance
	orders   map[string]*simOrder
	seq      int64
	leverage map[string]decimal.Decimal
}

var _ common.Adaptor = (*Exchange)(nil)

// New builds a simulator. Unknown time frames are rejected.
func New(cfg Config) (*Exchange, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.LatencyMax > 0 && cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	e := &Exchange{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("simulator").With(zap.String("exchange", cfg.Name)),
		statuses: make(map[string]map[string]any, len(cfg.Markets)),
		candles:  make(map[string]map[symbol.TimeFrame][]common.Candle),
		rng:      rand.New(rand.NewSource(seed)),
		balances: make(map[string]*balance),
		orders:   make(map[string]*simOrder),
		leverage: make(map[string]decimal.Decimal),
	}
	for _, raw := range cfg.TimeFrames {
		tf, err := symbol.ParseTimeFrame(raw)
		if err != nil {
			return nil, err
		}
		e.timeFrames = append(e.timeFrames, tf)
	}
	e.timeFrames = symbol.Sort(e.timeFrames)
	for _, m := range cfg.Markets {
		if _, err := symbol.Parse(m.Symbol); err != nil {
			return nil, err
		}
		e.symbols = append(e.symbols, m.Symbol)
		st := m.Status
		if st == nil {
			st = defaultStatus(m.Symbol)
		}
		e.statuses[m.Symbol] = st
	}
	sort.Strings(e.symbols)
	for cur, v := range cfg.Balances {
		e.balances[cur] = &balance{total: v}
	}
	return e, nil
}

func defaultStatus(sym string) map[string]any {
	return map[string]any{
		"symbol":    sym,
		"active":    true,
		"precision": map[string]any{"amount": 6.0, "price": 2.0},
		"limits": map[string]any{
			"amount": map[string]any{"min": 0.000001},
			"cost":   map[string]any{"min": 1.0},
		},
	}
}

func (e *Exchange) Name() string { return e.cfg.Name }

func (e *Exchange) GetPairFromExchange(pair string) string {
	for _, s := range e.symbols {
		if common.ConcatPair(s) == pair || s == pair {
			return s
		}
	}
	return pair
}

func (e *Exchange) GetExchangePair(sym string) string { return common.ConcatPair(sym) }

func (e *Exchange) GetSplitPairFromExchange(pair string) (string, string) {
	return symbol.Split(e.GetPairFromExchange(pair))
}

func (e *Exchange) GetPairCryptocurrency(pair string) string {
	base, _ := e.GetSplitPairFromExchange(pair)
	return base
}

func (e *Exchange) GetMarketStatus(_ context.Context, sym string) (map[string]any, error) {
	st, ok := e.statuses[sym]
	if !ok {
		return nil, errs.New(errs.UnsupportedSymbol, "%s is not listed on %s", sym, e.cfg.Name)
	}
	out := make(map[string]any, len(st))
	for k, v := range st {
		out[k] = v
	}
	return out, nil
}

func (e *Exchange) GetFees(string) common.Fees { return e.cfg.Fees }

// GetRateLimit is zero: the simulator never throttles.
func (e *Exchange) GetRateLimit() time.Duration { return 0 }

func (e *Exchange) Symbols() []string { return append([]string(nil), e.symbols...) }

func (e *Exchange) TimeFrames() []string {
	out := make([]string, len(e.timeFrames))
	for i, tf := range e.timeFrames {
		out[i] = string(tf)
	}
	return out
}

// MaxHandledPairWithTimeFrame is zero: the simulator handles any load.
func (e *Exchange) MaxHandledPairWithTimeFrame() int { return 0 }

func (e *Exchange) listed(sym string) error {
	if _, ok := e.statuses[sym]; !ok {
		return errs.New(errs.UnsupportedSymbol, "%s is not listed on %s", sym, e.cfg.Name)
	}
	return nil
}
