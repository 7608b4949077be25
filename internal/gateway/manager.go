package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-engine/internal/errs"
	"trading-engine/internal/exchange"
	"trading-engine/internal/persistence"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/config"
)

// Config holds configuration for the gateway Manager.
type Config struct {
	Factory Factory
	// Storage persists trades, transactions and positions. Nil disables it.
	Storage          *persistence.Storage
	SnapshotInterval time.Duration // portfolio history period of live runs
	HealthInterval   time.Duration // interval between forced refreshes
	FailureThreshold int           // failed refreshes before an exchange is unhealthy
	Logger           *zap.Logger
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Factory:          DefaultFactory,
		SnapshotInterval: time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
	}
}

// Entry is one running exchange manager with health metadata.
type Entry struct {
	Manager   *exchange.Manager
	Type      string
	CreatedAt time.Time
	HealthyAt time.Time
	Failures  int
}

// Manager builds one exchange manager per configured exchange and owns
// their lifecycle.
type Manager struct {
	rt     *exchange.Runtime
	config Config
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a gateway manager registering into rt.
func NewManager(rt *exchange.Runtime, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Factory == nil {
		cfg.Factory = def.Factory
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		rt:      rt,
		config:  cfg,
		logger:  cfg.Logger.Named("gateway"),
		entries: make(map[string]*Entry),
		stopCh:  make(chan struct{}),
	}
}

// Build creates and initializes the exchange manager of every enabled
// exchange of c.
func (m *Manager) Build(ctx context.Context, c *config.Config) error {
	names := make([]string, 0, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		if ex.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.build(ctx, name, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) build(ctx context.Context, name string, c *config.Config) error {
	ex := c.Exchanges[name]
	var clk clock.Clock = clock.System{}
	if c.Backtesting.Enabled {
		clk = clock.NewSimulated(c.Backtesting.Start)
	}
	opts := Options{Name: name, Exchange: ex, Config: c, Clock: clk, Logger: m.logger}
	adaptor, err := m.config.Factory(opts)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "create exchange %s", name)
	}

	ecfg := ExchangeConfig(opts, adaptor)
	var store *persistence.ExchangeStore
	if m.config.Storage != nil {
		store = m.config.Storage.Exchange(name)
		ecfg.Transactions = store
		ecfg.Positions = store
	}
	em, err := exchange.New(m.rt, ecfg)
	if err != nil {
		return err
	}
	if err := em.Initialize(ctx); err != nil {
		em.Stop(ctx)
		return err
	}
	if store != nil {
		interval := m.config.SnapshotInterval
		if em.IsBacktesting() {
			interval = 0
		}
		if err := store.Attach(ctx, em, interval); err != nil {
			em.Stop(ctx)
			return err
		}
	}

	now := time.Now()
	typ := ex.Type
	if typ == "" {
		typ = TypeSimulator
	}
	m.mu.Lock()
	m.entries[name] = &Entry{Manager: em, Type: typ, CreatedAt: now, HealthyAt: now}
	m.mu.Unlock()
	m.logger.Info("exchange ready",
		zap.String("exchange", name),
		zap.String("type", typ),
		zap.Strings("symbols", em.TradedSymbols()),
		zap.Strings("time_frames", em.TimeFrames()))
	return nil
}

// Get returns the entry of an exchange.
func (m *Manager) Get(name string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, errs.New(errs.UnknownExchange, "%s", name)
	}
	return e, nil
}

// Entries lists the entries sorted by exchange name.
func (m *Manager) Entries() []*Entry {
	m.mu.RLock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Manager.ID() < out[j].Manager.ID() })
	return out
}

// Start starts every manager and, for live exchanges, the health check loop.
func (m *Manager) Start(ctx context.Context) error {
	live := false
	for _, e := range m.Entries() {
		if err := e.Manager.Start(ctx); err != nil {
			return err
		}
		if !e.Manager.IsBacktesting() {
			live = true
		}
	}
	if live && m.config.HealthInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.config.HealthInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stopCh:
					return
				case <-ticker.C:
					m.healthCheckAll(ctx)
				}
			}
		}()
	}
	return nil
}

// RunBacktests runs the backtesting managers concurrently and snapshots
// their final portfolio.
func (m *Manager) RunBacktests(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range m.Entries() {
		em := e.Manager
		if !em.IsBacktesting() {
			continue
		}
		g.Go(func() error {
			started := time.Now()
			if err := em.RunBacktest(gctx); err != nil {
				return err
			}
			m.logger.Info("backtest finished",
				zap.String("exchange", em.ID()),
				zap.Duration("elapsed", time.Since(started)),
				zap.Float64("progress", em.BacktestProgress()))
			if m.config.Storage == nil {
				return nil
			}
			return m.config.Storage.Exchange(em.ID()).SnapshotPortfolio(gctx, em.Portfolio().Snapshot(), em.Clock().Now())
		})
	}
	return g.Wait()
}

// Stop stops the health loop and every manager.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*Entry)
	m.mu.Unlock()
	for _, e := range entries {
		e.Manager.Stop(ctx)
	}
}

// RecordFailure records a failed refresh of an exchange.
func (m *Manager) RecordFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[name]; ok {
		e.Failures++
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[name]; ok {
		e.Failures = 0
		e.HealthyAt = time.Now()
	}
}

// Healthy reports whether an exchange stayed under the failure threshold.
func (m *Manager) Healthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return ok && e.Failures < m.config.FailureThreshold
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalExchanges: len(m.entries),
		ByType:         make(map[string]int),
	}
	for _, e := range m.entries {
		stats.ByType[e.Type]++
		if e.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// PoolStats contains exchange pool statistics.
type PoolStats struct {
	TotalExchanges int            `json:"total_exchanges"`
	ByType         map[string]int `json:"by_type"`
	UnhealthyCount int            `json:"unhealthy_count"`
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	for _, e := range m.Entries() {
		if e.Manager.IsBacktesting() {
			continue
		}
		m.healthCheck(ctx, e.Manager)
	}
}

// healthCheck resynchronises balances and open orders of em.
func (m *Manager) healthCheck(ctx context.Context, em *exchange.Manager) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := em.ForceRefresh(ctx)
	cancel()

	if err == nil {
		m.RecordSuccess(em.ID())
		return
	}
	m.RecordFailure(em.ID())
	if !m.Healthy(em.ID()) {
		m.logger.Warn("exchange unhealthy", zap.String("exchange", em.ID()), zap.Error(err))
	}
}
