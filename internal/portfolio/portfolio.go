// Package portfolio keeps per-currency balances, order reservations and
// margin state of one exchange.
package portfolio

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/order"
	"trading-engine/internal/symbol"
	"trading-engine/pkg/exchanges/common"
)

// Asset is the balance of one currency. Available never exceeds Total and
// neither is negative.
type Asset struct {
	Available decimal.Decimal `json:"available"`
	Total     decimal.Decimal `json:"total"`
}

// LeverageSource returns the leverage of a derivative symbol.
type LeverageSource interface {
	Leverage(symbol string) decimal.Decimal
}

// reservation locks funds for one order. Members of an order group share
// the same funds: a group locks the largest of its members' amounts.
type reservation struct {
	currency string
	amount   decimal.Decimal
	group    string
}

type margin struct {
	currency   string
	margin     decimal.Decimal
	unrealized decimal.Decimal
}

// Manager owns the balances of one exchange. Every mutation happens under
// its lock and is validated on a copy before being applied.
type Manager struct {
	logger   *zap.Logger
	leverage LeverageSource

	mu           sync.Mutex
	wallet       map[string]decimal.Decimal
	reservations map[string]reservation
	margins      map[string]margin // by symbol
	txs          *TransactionsManager
}

// NewManager returns an empty portfolio. tx may be nil.
func NewManager(logger *zap.Logger, tx *TransactionsManager) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:       logger.Named("portfolio"),
		wallet:       make(map[string]decimal.Decimal),
		reservations: make(map[string]reservation),
		margins:      make(map[string]margin),
		txs:          tx,
	}
}

// SetLeverageSource sets where order margin leverage comes from.
func (m *Manager) SetLeverageSource(src LeverageSource) {
	m.mu.Lock()
	m.leverage = src
	m.mu.Unlock()
}

// Transactions returns the transactions ledger, possibly nil.
func (m *Manager) Transactions() *TransactionsManager { return m.txs }

// SetStartingBalances replaces every balance, as done for simulated traders.
func (m *Manager) SetStartingBalances(balances map[string]decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[string]decimal.Decimal, len(balances))
	for cur, v := range balances {
		if v.IsNegative() {
			return errs.New(errs.PortfolioNegativeValue, "starting balance of %s is %s", cur, v)
		}
		next[cur] = v
	}
	m.wallet = next
	m.reservations = make(map[string]reservation)
	m.margins = make(map[string]margin)
	return nil
}

// assetLocked derives the asset of cur from wallet, reservations and
// margins.
func (m *Manager) assetLocked(cur string, wallet map[string]decimal.Decimal, reservations map[string]reservation, margins map[string]margin) Asset {
	total := wallet[cur]
	available := total
	grouped := make(map[string]decimal.Decimal)
	for _, r := range reservations {
		switch {
		case r.currency != cur:
		case r.group == "":
			available = available.Sub(r.amount)
		case r.amount.GreaterThan(grouped[r.group]):
			grouped[r.group] = r.amount
		}
	}
	for _, amount := range grouped {
		available = available.Sub(amount)
	}
	for _, mg := range margins {
		if mg.currency != cur {
			continue
		}
		available = available.Sub(mg.margin)
		total = total.Add(mg.unrealized)
		if mg.unrealized.IsNegative() {
			available = available.Add(mg.unrealized)
		}
	}
	return Asset{Available: available, Total: total}
}

func validate(cur string, a Asset) error {
	if a.Total.IsNegative() || a.Available.IsNegative() {
		return errs.New(errs.PortfolioNegativeValue, "%s would become available=%s total=%s", cur, a.Available, a.Total)
	}
	return nil
}

// commitLocked validates the touched currencies of the next state and
// applies it only when every invariant holds.
func (m *Manager) commitLocked(touched []string, wallet map[string]decimal.Decimal, reservations map[string]reservation, margins map[string]margin) error {
	for _, cur := range touched {
		if err := validate(cur, m.assetLocked(cur, wallet, reservations, margins)); err != nil {
			return err
		}
	}
	m.wallet, m.reservations, m.margins = wallet, reservations, margins
	return nil
}

func (m *Manager) copyLocked() (map[string]decimal.Decimal, map[string]reservation, map[string]margin) {
	w := make(map[string]decimal.Decimal, len(m.wallet))
	for k, v := range m.wallet {
		w[k] = v
	}
	r := make(map[string]reservation, len(m.reservations))
	for k, v := range m.reservations {
		r[k] = v
	}
	mg := make(map[string]margin, len(m.margins))
	for k, v := range m.margins {
		mg[k] = v
	}
	return w, r, mg
}

// Asset returns the balance of cur.
func (m *Manager) Asset(cur string) Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assetLocked(cur, m.wallet, m.reservations, m.margins)
}

// Snapshot returns every known balance.
func (m *Manager) Snapshot() map[string]Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Asset, len(m.wallet))
	for _, cur := range m.currenciesLocked() {
		out[cur] = m.assetLocked(cur, m.wallet, m.reservations, m.margins)
	}
	return out
}

func (m *Manager) currenciesLocked() []string {
	seen := make(map[string]struct{}, len(m.wallet))
	for cur := range m.wallet {
		seen[cur] = struct{}{}
	}
	for _, mg := range m.margins {
		seen[mg.currency] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for cur := range seen {
		out = append(out, cur)
	}
	sort.Strings(out)
	return out
}

// requiredFunds returns what o locks while open: the quote for buys and the
// base for sells, or margin in the settlement asset for derivatives.
func (m *Manager) requiredFunds(o *order.Order) (string, decimal.Decimal, error) {
	sym, err := symbol.Parse(o.Symbol)
	if err != nil {
		return "", decimal.Zero, err
	}
	qty := o.RemainingQuantity()
	price := o.OriginPrice()
	if !price.IsPositive() {
		price = o.TriggerPrice()
	}
	if !sym.IsSpot() {
		if o.ReduceOnly {
			return sym.SettlementAsset(), decimal.Zero, nil
		}
		lev := decimal.NewFromInt(1)
		if m.leverage != nil {
			if l := m.leverage.Leverage(o.Symbol); l.IsPositive() {
				lev = l
			}
		}
		if sym.IsInverse() {
			if !price.IsPositive() {
				return "", decimal.Zero, errs.New(errs.MissingPriceData, "no price to size margin of %s", o.ID)
			}
			return sym.SettlementAsset(), qty.Div(price).Div(lev), nil
		}
		return sym.SettlementAsset(), qty.Mul(price).Div(lev), nil
	}
	if o.Side == order.Sell {
		return sym.Base, qty, nil
	}
	if !price.IsPositive() {
		return "", decimal.Zero, errs.New(errs.MissingPriceData, "no price to size reservation of %s", o.ID)
	}
	return sym.Quote, qty.Mul(price), nil
}

// Reserve locks the funds o needs. Total is unchanged.
func (m *Manager) Reserve(o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, amount, err := m.requiredFunds(o)
	if err != nil {
		return err
	}
	if _, ok := m.reservations[o.ID]; ok {
		return errs.New(errs.PortfolioOperation, "order %s already has a reservation", o.ID)
	}
	w, r, mg := m.copyLocked()
	r[o.ID] = reservation{currency: cur, amount: amount, group: o.Group()}
	if m.assetLocked(cur, w, r, mg).Available.IsNegative() {
		avail := m.assetLocked(cur, m.wallet, m.reservations, m.margins).Available
		return errs.New(errs.MissingFunds, "order %s needs %s %s, %s available", o.ID, amount, cur, avail)
	}
	if err := m.commitLocked([]string{cur}, w, r, mg); err != nil {
		return err
	}
	m.logger.Debug("funds reserved", zap.String("order_id", o.ID), zap.String("symbol", o.Symbol),
		zap.String("currency", cur), zap.String("amount", amount.String()))
	return nil
}

// Release returns the reservation of o. Unknown orders are ignored.
func (m *Manager) Release(o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[o.ID]
	if !ok {
		return nil
	}
	w, r, mg := m.copyLocked()
	delete(r, o.ID)
	return m.commitLocked([]string{res.currency}, w, r, mg)
}

// Resize recomputes the reservation of o after a quantity edit.
func (m *Manager) Resize(o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, amount, err := m.requiredFunds(o)
	if err != nil {
		return err
	}
	w, r, mg := m.copyLocked()
	r[o.ID] = reservation{currency: cur, amount: amount, group: o.Group()}
	if err := m.commitLocked([]string{cur}, w, r, mg); err != nil {
		return errs.Wrap(errs.MissingFunds, err, "resize order %s", o.ID)
	}
	return nil
}

// ApplyFill releases the reservation of o, and of its whole group, then
// moves the filled amounts and fees. Derivative fills only pay fees here;
// margin follows positions.
func (m *Manager) ApplyFill(o *order.Order) error {
	sym, err := symbol.Parse(o.Symbol)
	if err != nil {
		return err
	}
	s := o.Snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, r, mg := m.copyLocked()
	touched := []string{}
	if res, ok := r[o.ID]; ok {
		for id, other := range r {
			if id == o.ID || (res.group != "" && other.group == res.group) {
				delete(r, id)
			}
		}
		touched = append(touched, res.currency)
	}
	if sym.IsSpot() {
		if s.Side == order.Buy {
			w[sym.Quote] = w[sym.Quote].Sub(s.TotalCost)
			w[sym.Base] = w[sym.Base].Add(s.FilledQuantity)
		} else {
			w[sym.Base] = w[sym.Base].Sub(s.FilledQuantity)
			w[sym.Quote] = w[sym.Quote].Add(s.TotalCost)
		}
		touched = append(touched, sym.Base, sym.Quote)
	}
	if s.Fee.Currency != "" && !s.Fee.Cost.IsZero() {
		w[s.Fee.Currency] = w[s.Fee.Currency].Sub(s.Fee.Cost)
		touched = append(touched, s.Fee.Currency)
	}
	if err := m.commitLocked(touched, w, r, mg); err != nil {
		return err
	}
	if m.txs != nil && s.Fee.Currency != "" && !s.Fee.Cost.IsZero() {
		m.recordLocked(Transaction{Type: TransactionFee, Currency: s.Fee.Currency, Amount: s.Fee.Cost.Neg(), Symbol: s.Symbol, OrderID: s.ID})
	}
	m.logger.Debug("fill applied", zap.String("order_id", s.ID), zap.String("symbol", s.Symbol), zap.String("state", string(s.State)))
	return nil
}

// Refresh overwrites totals with exchange balances and re-derives available
// amounts from the open reservations.
func (m *Manager) Refresh(balances map[string]common.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, r, mg := m.copyLocked()
	touched := make([]string, 0, len(balances))
	for cur, b := range balances {
		w[cur] = b.Total
		touched = append(touched, cur)
	}
	sort.Strings(touched)
	if err := m.commitLocked(touched, w, r, mg); err != nil {
		m.logger.Warn("balance refresh rejected", zap.Error(err))
		return err
	}
	return nil
}

// UpdateMargin records the margin and unrealized pnl of a position.
func (m *Manager) UpdateMargin(sym, currency string, positionMargin, unrealizedPnl decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, r, mg := m.copyLocked()
	if positionMargin.IsZero() && unrealizedPnl.IsZero() {
		delete(mg, sym)
	} else {
		mg[sym] = margin{currency: currency, margin: positionMargin, unrealized: unrealizedPnl}
	}
	return m.commitLocked([]string{currency}, w, r, mg)
}

// RealizePnl moves a realized profit or loss into the wallet.
func (m *Manager) RealizePnl(sym, currency string, pnl decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, r, mg := m.copyLocked()
	w[currency] = w[currency].Add(pnl)
	if err := m.commitLocked([]string{currency}, w, r, mg); err != nil {
		return err
	}
	if m.txs != nil {
		m.recordLocked(Transaction{Type: TransactionRealisedPnl, Currency: currency, Amount: pnl, Symbol: sym})
	}
	return nil
}

// ApplyFunding pays or receives a funding fee.
func (m *Manager) ApplyFunding(sym, currency string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, r, mg := m.copyLocked()
	w[currency] = w[currency].Add(amount)
	if err := m.commitLocked([]string{currency}, w, r, mg); err != nil {
		return err
	}
	if m.txs != nil {
		m.recordLocked(Transaction{Type: TransactionFunding, Currency: currency, Amount: amount, Symbol: sym})
	}
	return nil
}

func (m *Manager) recordLocked(tx Transaction) {
	if _, err := m.txs.Add(tx); err != nil {
		m.logger.Warn("record transaction", zap.Error(err))
	}
}

// Reserved returns the amount locked by order id.
func (m *Manager) Reserved(id string) (string, decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	return r.currency, r.amount, ok
}

// Value converts every balance to ref using prices keyed by currency. Assets
// without price are skipped.
func (m *Manager) Value(ref string, prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for cur, a := range m.Snapshot() {
		switch {
		case cur == ref:
			total = total.Add(a.Total)
		case prices[cur].IsPositive():
			total = total.Add(a.Total.Mul(prices[cur]))
		}
	}
	return total
}
