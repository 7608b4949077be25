// Package trader is the order entry point strategies use: it builds orders
// that respect market rules, reserves funds, submits them through the order
// lifecycle and cancels or closes positions.
package trader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/order"
	"trading-engine/pkg/clock"
)

const (
	DefaultCreationTimeout = 10 * time.Second
	DefaultPriceTimeout    = 5 * time.Second
	defaultWorkers         = 4
)

// Funds reserves and releases order funds, implemented by the portfolio.
type Funds interface {
	Reserve(o *order.Order) error
	Release(o *order.Order) error
}

// Config wires a Trader. Lifecycle and Funds are required.
type Config struct {
	Lifecycle *order.Lifecycle
	Funds     Funds
	Market    order.MarketData
	Statuses  order.StatusSource
	// Refresh synchronises orders and portfolio from the exchange.
	Refresh         func(ctx context.Context) error
	Simulated       bool
	Risk            decimal.Decimal
	CreationTimeout time.Duration
	PriceTimeout    time.Duration
	Workers         int
	Clock           clock.Clock
	Logger          *zap.Logger
}

// Trader places and cancels the orders of one exchange manager.
type Trader struct {
	cfg     Config
	lc      *order.Lifecycle
	logger  *zap.Logger
	clock   clock.Clock
	pool    *creationPool
	enabled atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an enabled trader and installs its chained order handler on
// the lifecycle.
func New(cfg Config) *Trader {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.CreationTimeout <= 0 {
		cfg.CreationTimeout = DefaultCreationTimeout
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = DefaultPriceTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Trader{
		cfg:    cfg,
		lc:     cfg.Lifecycle,
		logger: cfg.Logger.Named("trader").With(zap.Bool("simulated", cfg.Simulated)),
		clock:  cfg.Clock,
		ctx:    ctx,
		cancel: cancel,
	}
	t.pool = newCreationPool(t.open, cfg.Workers, t.logger)
	t.enabled.Store(true)
	t.lc.SetChainedHandler(t.handleChained)
	return t
}

// ResolveMode picks between a real and a simulated trader. A real trader
// wins when both are enabled.
func ResolveMode(real, simulated bool, logger *zap.Logger) (enabled, isSimulated bool) {
	if real && simulated {
		if logger != nil {
			logger.Warn("both trader and trader simulator are enabled, using the real trader")
		}
		return true, false
	}
	return real || simulated, simulated
}

// IsEnabled reports whether new orders are accepted.
func (t *Trader) IsEnabled() bool { return t.enabled.Load() }

// SetEnabled toggles order entry.
func (t *Trader) SetEnabled(v bool) { t.enabled.Store(v) }

// IsSimulated reports whether orders fill locally.
func (t *Trader) IsSimulated() bool { return t.cfg.Simulated }

// Risk is the position size multiplier in [0, 1]. Defaults come from the
// configuration, so zero is kept as zero.
func (t *Trader) Risk() decimal.Decimal { return t.cfg.Risk }

// Lifecycle returns the order lifecycle the trader submits to.
func (t *Trader) Lifecycle() *order.Lifecycle { return t.lc }

// Results streams the outcome of orders created without waiting.
func (t *Trader) Results() <-chan CreationResult { return t.pool.Results() }

// Stop waits for pending creations and refuses new ones.
func (t *Trader) Stop() {
	t.enabled.Store(false)
	t.pool.Close()
	t.cancel()
}

// ForceRefreshOrdersAndPortfolio synchronises state from the exchange.
func (t *Trader) ForceRefreshOrdersAndPortfolio(ctx context.Context) error {
	if t.cfg.Refresh == nil || t.cfg.Simulated {
		return nil
	}
	t.logger.Info("refreshing orders and portfolio")
	return t.cfg.Refresh(ctx)
}

// OpenOrders lists open orders, all symbols when sym is empty.
func (t *Trader) OpenOrders(sym string) []*order.Order { return t.lc.Orders().OpenOrders(sym) }

// TradeHistory lists trades matching f.
func (t *Trader) TradeHistory(f order.TradeFilter) []order.Trade { return t.lc.Trades().History(f) }

// EvaluateCancelPolicies cancels the orders whose policy asks for it.
func (t *Trader) EvaluateCancelPolicies(ctx context.Context) []*order.Order {
	return t.lc.CancelByPolicy(ctx)
}

func (t *Trader) checkEnabled() error {
	if !t.IsEnabled() {
		return errs.New(errs.OrderCreation, "trader is disabled")
	}
	return nil
}
