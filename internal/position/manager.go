package position

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/order"
	"trading-engine/internal/symbol"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/exchanges/common"
)

const storeTimeout = 5 * time.Second

// MarginLedger receives margin and pnl changes, implemented by the portfolio.
type MarginLedger interface {
	UpdateMargin(sym, currency string, positionMargin, unrealizedPnl decimal.Decimal) error
	RealizePnl(sym, currency string, pnl decimal.Decimal) error
}

// Store persists positions across restarts.
type Store interface {
	LoadPositions(ctx context.Context) ([]Position, error)
	SavePosition(ctx context.Context, p Position) error
}

type key struct {
	symbol string
	side   Side
}

// Manager keeps the contracts and positions of one exchange in memory and
// persists them when a store is set.
type Manager struct {
	logger *zap.Logger
	clock  clock.Clock
	ledger MarginLedger
	store  Store

	mu        sync.RWMutex
	contracts map[string]*Contract
	positions map[key]*Position
	observers []func(Position)
}

// NewManager returns an empty manager. ledger and store may be nil.
func NewManager(logger *zap.Logger, c clock.Clock, ledger MarginLedger, store Store) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = clock.System{}
	}
	return &Manager{
		logger:    logger.Named("positions"),
		clock:     c,
		ledger:    ledger,
		store:     store,
		contracts: make(map[string]*Contract),
		positions: make(map[key]*Position),
	}
}

// Subscribe registers fn for every position change.
func (m *Manager) Subscribe(fn func(Position)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Load seeds positions from the store on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	list, err := m.store.LoadPositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range list {
		if _, err := m.contractLocked(p.Symbol); err != nil {
			m.logger.Warn("skip stored position", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		cp := p
		m.positions[key{p.Symbol, p.Side}] = &cp
	}
	return nil
}

// SetContract registers or replaces the contract of c.Symbol.
func (m *Manager) SetContract(c Contract) {
	m.mu.Lock()
	cp := c
	m.contracts[c.Symbol] = &cp
	m.mu.Unlock()
}

// Contract returns a copy of the contract of sym.
func (m *Manager) Contract(sym string) (Contract, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[sym]
	if !ok {
		return Contract{}, false
	}
	return *c, true
}

func (m *Manager) contractLocked(sym string) (*Contract, error) {
	if c, ok := m.contracts[sym]; ok {
		return c, nil
	}
	c, err := DefaultContract(sym)
	if err != nil {
		return nil, err
	}
	m.contracts[sym] = c
	return c, nil
}

// Leverage returns the current leverage of sym, 1 when unknown.
func (m *Manager) Leverage(sym string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.contracts[sym]; ok && c.CurrentLeverage.IsPositive() {
		return c.CurrentLeverage
	}
	return one
}

// SetLeverage changes the leverage of sym and recomputes its positions.
func (m *Manager) SetLeverage(sym string, lev decimal.Decimal) error {
	m.mu.Lock()
	c, err := m.contractLocked(sym)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := c.SetCurrentLeverage(lev); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	_, err = m.HandleMarkPrice(sym, decimal.Zero)
	return err
}

// Position returns a copy of the position of sym on side.
func (m *Manager) Position(sym string, side Side) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[key{sym, side}]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions lists every known position sorted by symbol then side.
func (m *Manager) Positions() []Position {
	m.mu.RLock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// OpenPositions lists the non-empty positions.
func (m *Manager) OpenPositions() []Position {
	var out []Position
	for _, p := range m.Positions() {
		if !p.IsIdle() {
			out = append(out, p)
		}
	}
	return out
}

func resolveSide(c *Contract, o *order.Order) (Side, error) {
	if o.PositionSide != "" {
		s, err := ParseSide(o.PositionSide)
		if err != nil {
			return "", err
		}
		if c.Mode == OneWay && s != Both {
			return "", errs.New(errs.InvalidPositionSide, "%s side on one-way contract %s", s, c.Symbol)
		}
		return s, nil
	}
	if c.Mode == OneWay {
		return Both, nil
	}
	buy := o.Side == order.Buy
	if o.ReduceOnly {
		buy = !buy
	}
	if buy {
		return Long, nil
	}
	return Short, nil
}

// OnOrderFill applies a filled derivative order to its position. Spot orders
// are ignored.
func (m *Manager) OnOrderFill(o *order.Order) error {
	sym, err := symbol.Parse(o.Symbol)
	if err != nil || sym.IsSpot() {
		return nil
	}
	qty, price := o.FilledQuantity(), o.FilledPrice()
	if !qty.IsPositive() || !price.IsPositive() {
		return nil
	}
	m.mu.Lock()
	c, err := m.contractLocked(o.Symbol)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("ignore fill on unsupported contract", zap.String("symbol", o.Symbol), zap.Error(err))
		return nil
	}
	side, err := resolveSide(c, o)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	k := key{o.Symbol, side}
	p, ok := m.positions[k]
	if !ok {
		p = &Position{Symbol: o.Symbol, Side: side, Currency: sym.SettlementAsset(), Status: StatusIdle}
		m.positions[k] = p
	}
	delta := qty
	if o.Side == order.Sell {
		delta = delta.Neg()
	}
	if o.ReduceOnly && (p.Size.IsZero() || p.Size.Sign() == delta.Sign()) {
		m.mu.Unlock()
		return errs.New(errs.InvalidPosition, "reduce only order %s would increase %s position", o.ID, o.Symbol)
	}
	realized := p.applyFill(c, price, delta)
	mark := p.MarkPrice
	if !mark.IsPositive() {
		mark = price
	}
	p.update(c, mark, m.clock.Now())
	snap := *p
	margin, upnl := m.marginLocked(o.Symbol)
	m.mu.Unlock()

	m.logger.Debug("position updated",
		zap.String("symbol", snap.Symbol),
		zap.String("side", string(snap.Side)),
		zap.String("size", snap.Size.String()),
		zap.String("entry", snap.EntryPrice.String()))
	if !realized.IsZero() {
		if err := m.realize(snap, realized); err != nil {
			return err
		}
	}
	if err := m.syncMargin(snap, margin, upnl); err != nil {
		return err
	}
	m.persist(snap)
	return nil
}

// HandleMarkPrice revalues every position of sym at mark, liquidating the
// ones whose liquidation price is crossed. A zero mark keeps the last one.
func (m *Manager) HandleMarkPrice(sym string, mark decimal.Decimal) ([]Position, error) {
	type liquidation struct {
		pos  Position
		loss decimal.Decimal
	}
	var (
		changed []Position
		liqs    []liquidation
	)
	m.mu.Lock()
	c, ok := m.contracts[sym]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	now := m.clock.Now()
	for k, p := range m.positions {
		if k.symbol != sym {
			continue
		}
		if p.update(c, mark, now) {
			liqs = append(liqs, liquidation{pos: *p})
			liqs[len(liqs)-1].loss = p.liquidate(c)
		}
		changed = append(changed, *p)
	}
	margin, upnl := m.marginLocked(sym)
	m.mu.Unlock()
	if len(changed) == 0 {
		return nil, nil
	}

	var firstErr error
	for _, l := range liqs {
		m.logger.Warn("position liquidated",
			zap.String("symbol", l.pos.Symbol),
			zap.String("side", string(l.pos.Side)),
			zap.String("liquidation_price", l.pos.LiquidationPrice.String()),
			zap.String("loss", l.loss.String()))
		if err := m.realize(l.pos, l.loss); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.syncMargin(changed[0], margin, upnl); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, p := range changed {
		m.persist(p)
	}
	return changed, firstErr
}

// HandlePositionUpdate overwrites local state with what the exchange reports.
// Positions on unsupported contracts are logged and ignored.
func (m *Manager) HandlePositionUpdate(info common.PositionInfo) error {
	sym, err := symbol.Parse(info.Symbol)
	if err != nil {
		return err
	}
	contract, err := contractFromInfo(info)
	if err != nil {
		m.logger.Warn("ignore unsupported contract", zap.String("symbol", info.Symbol), zap.Error(err))
		return nil
	}
	side, err := ParseSide(info.Side)
	if err != nil {
		return err
	}

	m.mu.Lock()
	c, ok := m.contracts[info.Symbol]
	if !ok {
		c = contract
		m.contracts[info.Symbol] = c
	} else {
		c.Type, c.MarginType, c.Mode = contract.Type, contract.MarginType, contract.Mode
		c.CurrentLeverage, c.MaximumLeverage = contract.CurrentLeverage, contract.MaximumLeverage
		c.ContractSize, c.MaintenanceMarginRate = contract.ContractSize, contract.MaintenanceMarginRate
	}
	k := key{info.Symbol, side}
	p, ok := m.positions[k]
	if !ok {
		p = &Position{Symbol: info.Symbol, Side: side, Currency: sym.SettlementAsset()}
		m.positions[k] = p
	}
	p.Size = info.Size
	if side == Short && p.Size.IsPositive() {
		p.Size = p.Size.Neg()
	}
	p.EntryPrice = info.EntryPrice
	if !info.RealizedPnl.IsZero() {
		p.RealizedPnl = info.RealizedPnl
	}
	if p.Status == StatusLiquidated && !p.Size.IsZero() {
		p.Status = StatusOpen
	}
	at := info.Timestamp
	if at.IsZero() {
		at = m.clock.Now()
	}
	p.update(c, info.MarkPrice, at)
	snap := *p
	margin, upnl := m.marginLocked(info.Symbol)
	m.mu.Unlock()

	if err := m.syncMargin(snap, margin, upnl); err != nil {
		return err
	}
	m.persist(snap)
	return nil
}

func contractFromInfo(info common.PositionInfo) (*Contract, error) {
	typ, err := ParseContractType(info.ContractType)
	if err != nil {
		return nil, err
	}
	mt, err := ParseMarginType(info.MarginType)
	if err != nil {
		return nil, err
	}
	mode, err := ParseMode(info.PositionMode)
	if err != nil {
		return nil, err
	}
	c := &Contract{
		Symbol:                info.Symbol,
		Type:                  typ,
		MarginType:            mt,
		Mode:                  mode,
		MaximumLeverage:       info.MaximumLeverage,
		ContractSize:          info.ContractSize,
		MaintenanceMarginRate: info.MaintenanceMarginRate,
	}
	if !c.ContractSize.IsPositive() {
		c.ContractSize = one
	}
	if c.MaintenanceMarginRate.IsZero() {
		c.MaintenanceMarginRate = DefaultMaintenanceMarginRate
	}
	lev := info.Leverage
	if lev.IsZero() {
		lev = one
	}
	if err := c.SetCurrentLeverage(lev); err != nil {
		return nil, err
	}
	return c, nil
}

// marginLocked sums the margin and unrealized pnl of both sides of sym.
func (m *Manager) marginLocked(sym string) (decimal.Decimal, decimal.Decimal) {
	margin, upnl := decimal.Zero, decimal.Zero
	for k, p := range m.positions {
		if k.symbol == sym {
			margin = margin.Add(p.Margin)
			upnl = upnl.Add(p.UnrealizedPnl)
		}
	}
	return margin, upnl
}

func (m *Manager) realize(p Position, pnl decimal.Decimal) error {
	if m.ledger == nil {
		return nil
	}
	return m.ledger.RealizePnl(p.Symbol, p.Currency, pnl)
}

func (m *Manager) syncMargin(p Position, margin, upnl decimal.Decimal) error {
	if m.ledger == nil {
		return nil
	}
	return m.ledger.UpdateMargin(p.Symbol, p.Currency, margin, upnl)
}

func (m *Manager) persist(p Position) {
	m.mu.RLock()
	observers := append([]func(Position){}, m.observers...)
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(p)
	}
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.SavePosition(ctx, p); err != nil {
		m.logger.Warn("persist position", zap.String("symbol", p.Symbol), zap.Error(err))
	}
}

// Clear forgets every contract and position.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.contracts = make(map[string]*Contract)
	m.positions = make(map[key]*Position)
	m.mu.Unlock()
}
