package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-engine/internal/channel"
	"trading-engine/internal/errs"
	"trading-engine/internal/events"
	"trading-engine/internal/market"
	"trading-engine/internal/marketstatus"
	"trading-engine/internal/order"
	"trading-engine/internal/portfolio"
	"trading-engine/internal/position"
	"trading-engine/internal/trader"
	"trading-engine/internal/updater"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/exchanges/common"
)

// historyRange is implemented by adaptors serving a bounded history, such as
// the simulator.
type historyRange interface {
	TimeRange() (start, end time.Time, ok bool)
}

// Manager runs one exchange: Initialize, then Start, then Stop.
type Manager struct {
	id      string
	cfg     Config
	rt      *Runtime
	adaptor common.Adaptor
	clock   clock.Clock
	logger  *zap.Logger

	mu          sync.Mutex
	initialized bool
	started     bool
	stopped     bool
	ctx         context.Context
	cancel      context.CancelFunc

	pairs    *pairState
	statusMu sync.RWMutex
	statuses map[string]marketstatus.Status

	data      *market.ExchangeSymbolsData
	portfolio *portfolio.Manager
	positions *position.Manager
	lifecycle *order.Lifecycle
	trader    *trader.Trader
	enabled   bool
	simulated bool

	ticks        *channel.Channel[updater.TimeTick]
	timeProducer *updater.TimeProducer
	producers    producers
	orderUpdates *channel.Channel[OrderUpdate]
	tradeUpdates *channel.Channel[order.Trade]
	runners      []channel.Runner
	history      *updater.Updater
	policyJob    *updater.Job
}

// New registers a manager under its id in rt.
func New(rt *Runtime, cfg Config) (*Manager, error) {
	if cfg.Adaptor == nil {
		return nil, errs.New(errs.InvalidArgument, "exchange manager requires an adaptor")
	}
	cfg = cfg.withDefaults()
	if cfg.Backtesting != nil {
		if _, ok := cfg.Clock.(*clock.Simulated); !ok {
			return nil, errs.New(errs.InvalidArgument, "backtesting %s requires a simulated clock", cfg.ID)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		id:       cfg.ID,
		cfg:      cfg,
		rt:       rt,
		adaptor:  cfg.Adaptor,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("exchange").With(zap.String("exchange", cfg.ID)),
		pairs:    newPairState(PairSets{}, nil),
		statuses: make(map[string]marketstatus.Status),
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := rt.register(m); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

func (m *Manager) ID() string                                  { return m.id }
func (m *Manager) Adaptor() common.Adaptor                     { return m.adaptor }
func (m *Manager) Clock() clock.Clock                          { return m.clock }
func (m *Manager) Portfolio() *portfolio.Manager               { return m.portfolio }
func (m *Manager) Positions() *position.Manager                { return m.positions }
func (m *Manager) Trader() *trader.Trader                      { return m.trader }
func (m *Manager) Data() *market.ExchangeSymbolsData           { return m.data }
func (m *Manager) IsBacktesting() bool                         { return m.cfg.Backtesting != nil }
func (m *Manager) IsSimulated() bool                           { return m.simulated }
func (m *Manager) ReferenceMarket() string                     { return m.cfg.ReferenceMarket }
func (m *Manager) TradedSymbols() []string                     { return m.pairs.TradedSymbols() }
func (m *Manager) TimeFrames() []string                        { return m.pairs.TimeFrames() }
func (m *Manager) Pairs() PairSets                             { return m.pairs.sets() }
func (m *Manager) OrderUpdates() *channel.Channel[OrderUpdate] { return m.orderUpdates }
func (m *Manager) TradeUpdates() *channel.Channel[order.Trade] { return m.tradeUpdates }

// IsInitialized reports whether Initialize succeeded.
func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *Manager) requireInitialized() error {
	if !m.IsInitialized() {
		return errs.New(errs.ExchangeManagerNotInitialized, "%s", m.id)
	}
	return nil
}

// Initialize resolves pairs and time frames, loads market statuses and
// balances, then builds the trading stack and the channel graph.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	tfs := m.resolveTimeFrames()
	sets := ResolvePairs(m.cfg.CryptoCurrencies, m.cfg.Watched, m.adaptor, m.cfg.Mode, m.logger)
	m.pairs = newPairState(sets, tfs)
	if len(sets.Traded) == 0 {
		m.logger.Warn("no traded pair")
	}
	if err := m.fetchStatuses(ctx, append(sets.Existing, sets.Watched...)); err != nil {
		return err
	}

	m.enabled, m.simulated = trader.ResolveMode(m.cfg.TraderEnabled, m.cfg.SimulatorEnabled, m.logger)
	m.data = market.NewExchangeSymbolsData(m.clock, m.cfg.Market)
	if err := m.buildPortfolio(ctx); err != nil {
		return err
	}
	m.buildTrading()
	if err := m.buildChannels(); err != nil {
		m.rt.Registry.StopExchangeChannels(m.id)
		return err
	}
	if err := m.modifyChannels(ctx, m.pairs.TradedSymbols(), nil); err != nil {
		return err
	}
	m.initialized = true
	m.logger.Info("exchange manager initialized",
		zap.Strings("traded", sets.Traded),
		zap.Strings("watched", sets.Watched),
		zap.Strings("time_frames", tfs),
		zap.Bool("trader", m.enabled),
		zap.Bool("simulated", m.simulated),
		zap.Bool("backtesting", m.IsBacktesting()))
	return nil
}

// resolveTimeFrames keeps the configured time frames the exchange supports.
func (m *Manager) resolveTimeFrames() []string {
	out := make([]string, 0, len(m.cfg.TimeFrames))
	for _, tf := range m.cfg.TimeFrames {
		if !common.TimeFrameExists(m.adaptor, tf) {
			m.logger.Warn("time frame not supported by exchange, ignoring", zap.String("time_frame", tf))
			continue
		}
		out = append(out, tf)
	}
	return out
}

// fetchStatuses loads and normalizes the market status of every symbol.
// Failures are logged: orders on such symbols are not adapted.
func (m *Manager) fetchStatuses(ctx context.Context, symbols []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.StatusFetchConcurrency)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			raw, err := m.adaptor.GetMarketStatus(gctx, sym)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				m.logger.Warn("market status unavailable", zap.String("symbol", sym), zap.Error(err))
				return nil
			}
			st := marketstatus.Normalize(raw, 0)
			if !st.Complete() {
				if price := m.referencePrice(gctx, sym); price > 0 {
					st = marketstatus.NewFixer(price).Fix(st)
				}
			}
			if st.Symbol == "" {
				st.Symbol = sym
			}
			m.statusMu.Lock()
			m.statuses[sym] = st
			m.statusMu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// referencePrice is the mark price of sym when known, else the last price
// of its ticker. Zero when the exchange has neither.
func (m *Manager) referencePrice(ctx context.Context, sym string) float64 {
	if m.data != nil {
		if sd, ok := m.data.Lookup(sym); ok {
			if price, _ := sd.Prices.LastMarkPrice(); price.IsPositive() {
				return price.InexactFloat64()
			}
		}
	}
	ticker, err := m.adaptor.GetPriceTicker(ctx, sym, false)
	if err != nil {
		m.logger.Debug("no reference price for market status", zap.String("symbol", sym), zap.Error(err))
		return 0
	}
	if ticker.Last > 0 {
		return ticker.Last
	}
	return ticker.Close
}

func (m *Manager) buildPortfolio(ctx context.Context) error {
	txs := portfolio.NewTransactionsManager(m.clock.Now, m.cfg.Transactions)
	m.portfolio = portfolio.NewManager(m.logger, txs)
	m.positions = position.NewManager(m.logger, m.clock, m.portfolio, m.cfg.Positions)
	m.portfolio.SetLeverageSource(m.positions)
	if err := m.positions.Load(ctx); err != nil {
		return errs.Wrap(errs.PortfolioOperation, err, "load positions of %s", m.id)
	}
	switch {
	case m.simulated:
		return m.portfolio.SetStartingBalances(m.cfg.StartingPortfolio)
	case m.enabled:
		balances, err := m.adaptor.GetBalance(ctx)
		if err != nil {
			return err
		}
		return m.portfolio.Refresh(balances)
	}
	return nil
}

func (m *Manager) buildTrading() {
	lcfg := order.LifecycleConfig{
		Ledger:                m.portfolio,
		Positions:             m.positions,
		Publisher:             m,
		Market:                m.data,
		Fees:                  m,
		Statuses:              m,
		Clock:                 m.clock,
		Refresh:               m.ForceRefresh,
		SaveCancelledAsTrades: m.cfg.SaveCancelledAsTrades,
		Logger:                m.logger,
	}
	if !m.simulated {
		lcfg.Exchange = m.adaptor
	}
	m.lifecycle = order.NewLifecycle(lcfg)
	m.trader = trader.New(trader.Config{
		Lifecycle: m.lifecycle,
		Funds:     m.portfolio,
		Market:    m.data,
		Statuses:  m,
		Refresh:   m.ForceRefresh,
		Simulated: m.simulated,
		Risk:      m.cfg.Risk,
		Clock:     m.clock,
		Logger:    m.logger,
	})
	m.trader.SetEnabled(m.enabled)
}

// Start launches producers. Backtests only start the producers driven by
// the time channel; RunBacktest walks the time.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if m.history != nil {
		if err := m.history.Fetch(ctx); err != nil {
			m.logger.Warn("initial candle history", zap.Error(err))
		}
	}
	for _, r := range m.runners {
		if err := r.Start(m.ctx); err != nil {
			return err
		}
	}
	if m.cfg.Stream != nil && !m.IsBacktesting() {
		if err := m.cfg.Stream.Start(m.ctx, m.pairs.TradedSymbols(), m.pairs.TimeFrames(), streamHandler{m: m}); err != nil {
			return err
		}
	}
	if m.policyJob != nil {
		if err := m.policyJob.Start(m.ctx); err != nil {
			return err
		}
	}
	m.started = true
	m.logger.Info("exchange manager started", zap.Int("producers", len(m.runners)))
	return nil
}

// RunBacktest walks the whole backtest range and returns once every
// message it caused was handled.
func (m *Manager) RunBacktest(ctx context.Context) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	if m.timeProducer == nil {
		return errs.New(errs.InvalidArgument, "%s is not backtesting", m.id)
	}
	if err := m.timeProducer.Run(ctx); err != nil {
		return err
	}
	var errList []error
	for _, ch := range m.rt.Registry.Channels(m.id) {
		if err := ch.Join(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// BacktestProgress returns the walked share of the backtest range.
func (m *Manager) BacktestProgress() float64 {
	if m.timeProducer == nil {
		return 0
	}
	return m.timeProducer.Progress()
}

// Stop stops producers, then consumers, then the trading stack, and
// forgets the manager's initialization events.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	if m.policyJob != nil {
		m.policyJob.Stop()
	}
	if m.cfg.Stream != nil {
		if err := m.cfg.Stream.Close(); err != nil {
			m.logger.Warn("close stream", zap.Error(err))
		}
	}
	m.rt.Registry.StopExchangeChannels(m.id)
	m.cancel()
	if m.trader != nil {
		m.trader.Stop()
	}
	if m.lifecycle != nil {
		m.lifecycle.Stop()
	}
	m.rt.Events.Delete(events.Path(m.id))
	m.rt.unregister(m.id)
	m.started = false
	m.logger.Info("exchange manager stopped")
}

// ForceRefresh synchronises balances and open orders from the exchange.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	if m.simulated || !m.enabled {
		return nil
	}
	balances, err := m.adaptor.GetBalance(ctx)
	if err != nil {
		return err
	}
	if err := m.portfolio.Refresh(balances); err != nil {
		return err
	}
	open, err := m.adaptor.GetOpenOrders(ctx, common.OrderQuery{})
	if err != nil {
		return err
	}
	m.refreshOrders(ctx, open)
	return nil
}

// CurrentlyHandledPairWithTimeFrame counts the fetched pair and time frame
// combinations.
func (m *Manager) CurrentlyHandledPairWithTimeFrame() int {
	n := len(m.pairs.TimeFrames())
	if n == 0 {
		n = 1
	}
	return len(m.pairs.TradedSymbols()) * n
}

// IsOverloaded reports whether more pairs and time frames are handled than
// the exchange supports.
func (m *Manager) IsOverloaded() bool {
	limit := m.adaptor.MaxHandledPairWithTimeFrame()
	return limit > 0 && m.CurrentlyHandledPairWithTimeFrame() > limit
}

// UpdateTradedSymbolPairs changes the tracked pairs at runtime. With
// watchOnly the added pairs only get market data.
func (m *Manager) UpdateTradedSymbolPairs(ctx context.Context, added, removed, addedTimeFrames []string, watchOnly bool) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	for _, sym := range added {
		if !common.SymbolExists(m.adaptor, sym) {
			return errs.New(errs.UnsupportedSymbol, "%s is not listed on %s", sym, m.id)
		}
	}
	for _, tf := range addedTimeFrames {
		if !common.TimeFrameExists(m.adaptor, tf) {
			return errs.New(errs.InvalidArgument, "time frame %s is not supported by %s", tf, m.id)
		}
	}
	var missing []string
	for _, sym := range added {
		if _, ok := m.MarketStatus(sym); !ok {
			missing = append(missing, sym)
		}
	}
	if err := m.fetchStatuses(ctx, missing); err != nil {
		return err
	}
	started, stopped := m.pairs.apply(added, removed, addedTimeFrames, watchOnly)
	notify := started
	if len(addedTimeFrames) > 0 {
		notify = m.pairs.TradedSymbols()
	}
	var errList []error
	if err := m.modifyChannels(ctx, notify, stopped); err != nil {
		errList = append(errList, err)
	}
	if m.cfg.Stream != nil && (len(started) > 0 || len(stopped) > 0) {
		if err := m.cfg.Stream.Modify(ctx, started, stopped); err != nil {
			errList = append(errList, err)
		}
	}
	m.logger.Info("traded pairs updated",
		zap.Strings("added", started),
		zap.Strings("removed", stopped),
		zap.Strings("time_frames", addedTimeFrames),
		zap.Bool("watch_only", watchOnly))
	return errors.Join(errList...)
}

// modifyChannels forwards a pair change to every channel of the manager.
func (m *Manager) modifyChannels(ctx context.Context, added, removed []string) error {
	var errList []error
	for _, ch := range m.rt.Registry.Channels(m.id) {
		if err := ch.Modify(ctx, added, removed); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// WaitForInitialization waits for an initialization event, such as
// WaitForInitialization(ctx, time.Second, events.TopicCandles, "BTC/USDT", "1h").
func (m *Manager) WaitForInitialization(ctx context.Context, timeout time.Duration, topic string, keys ...string) error {
	return m.rt.Events.WaitForEvent(ctx, events.Path(append([]string{m.id, topic}, keys...)...), timeout)
}
