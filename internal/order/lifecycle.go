package order

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/market"
	"trading-engine/internal/marketstatus"
	"trading-engine/internal/symbol"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/exchanges/common"
)

// DefaultSubmitTimeout bounds exchange create and cancel calls.
const DefaultSubmitTimeout = 10 * time.Second

// Ledger is the portfolio side of the order lifecycle. Reservations are
// taken by the caller before Open.
type Ledger interface {
	Release(o *Order) error
	ApplyFill(o *Order) error
	Resize(o *Order) error
}

// PositionBook updates derivative positions on fills.
type PositionBook interface {
	OnOrderFill(o *Order) error
}

// Publisher forwards order and trade updates to observers.
type Publisher interface {
	PublishOrder(ctx context.Context, s Snapshot, isNew bool)
	PublishTrade(ctx context.Context, t Trade)
}

// MarketData resolves per symbol market state for local triggers.
type MarketData interface {
	Get(symbol string) *market.SymbolData
}

// FeeSource returns maker and taker rates of a symbol.
type FeeSource interface {
	GetFees(symbol string) common.Fees
}

// StatusSource returns the normalized market status of a symbol.
type StatusSource interface {
	MarketStatus(symbol string) (marketstatus.Status, bool)
}

// ChainedHandler submits the children of a filled order.
type ChainedHandler func(ctx context.Context, parent *Order, children []*Order) error

// LifecycleConfig wires a Lifecycle. Orders and Trades are required, the
// rest may be nil.
type LifecycleConfig struct {
	Orders                *Manager
	Trades                *TradesManager
	Exchange              common.Trading
	Ledger                Ledger
	Positions             PositionBook
	Publisher             Publisher
	Market                MarketData
	Fees                  FeeSource
	Statuses              StatusSource
	Clock                 clock.Clock
	Refresh               func(ctx context.Context) error
	OnChained             ChainedHandler
	SaveCancelledAsTrades bool
	SubmitTimeout         time.Duration
	Logger                *zap.Logger
}

// Lifecycle drives orders through
//
//	Opening -> Open -> Filling -> Filled -> Closing -> Closed
//	              \-> Canceling -> Canceled -> Closing -> Closed
//
// Transitions of one order are serialised. Simulated and self-managed
// orders fill from local price events instead of exchange updates.
type Lifecycle struct {
	cfg    LifecycleConfig
	logger *zap.Logger
	clock  clock.Clock

	ctx     context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup
}

// NewLifecycle returns a running lifecycle engine.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.Orders == nil {
		cfg.Orders = NewManager(cfg.Logger)
	}
	if cfg.Trades == nil {
		cfg.Trades = NewTradesManager()
	}
	ctx, stopAll := context.WithCancel(context.Background())
	return &Lifecycle{
		cfg:     cfg,
		logger:  cfg.Logger.Named("orders"),
		clock:   cfg.Clock,
		ctx:     ctx,
		stopAll: stopAll,
	}
}

// Orders returns the open orders index.
func (l *Lifecycle) Orders() *Manager { return l.cfg.Orders }

// Trades returns the trade history.
func (l *Lifecycle) Trades() *TradesManager { return l.cfg.Trades }

// SetSaveCancelledAsTrades toggles recording cancelled orders in history.
func (l *Lifecycle) SetSaveCancelledAsTrades(v bool) { l.cfg.SaveCancelledAsTrades = v }

// SetChainedHandler replaces the handler of chained orders. Call it before
// opening orders.
func (l *Lifecycle) SetChainedHandler(h ChainedHandler) { l.cfg.OnChained = h }

// Stop ends every trigger watcher and waits for them.
func (l *Lifecycle) Stop() {
	l.stopAll()
	l.wg.Wait()
}

func orderFields(o *Order) []zap.Field {
	return []zap.Field{zap.String("order_id", o.ID), zap.String("symbol", o.Symbol), zap.String("state", string(o.State()))}
}

// Open submits o and registers it as open. On submission failure the
// reservation is released and the order discarded.
func (l *Lifecycle) Open(ctx context.Context, o *Order) error {
	o.transitions.Lock()
	if err := o.setState(StateOpening); err != nil {
		o.transitions.Unlock()
		return err
	}
	if err := l.cfg.Orders.Add(o); err != nil {
		o.transitions.Unlock()
		return err
	}
	var upd Update
	if !o.UsesLocalTriggers() {
		var err error
		if upd, err = l.submit(ctx, o); err != nil {
			o.transitions.Unlock()
			l.discard(o)
			l.logger.Warn("order submission failed", append(orderFields(o), zap.Error(err))...)
			return err
		}
		if upd.ExchangeOrderID != "" {
			_ = o.SetExchangeOrderID(upd.ExchangeOrderID)
		}
	}
	if err := o.setState(StateOpen); err != nil {
		o.transitions.Unlock()
		return err
	}
	if o.UsesLocalTriggers() && !o.Kind.IsMarket() {
		if err := l.watch(o); err != nil {
			o.transitions.Unlock()
			l.discard(o)
			return err
		}
	}
	o.transitions.Unlock()

	l.logger.Debug("order open", orderFields(o)...)
	l.publishOrder(ctx, o, true)

	switch {
	case o.UsesLocalTriggers() && o.Kind.IsMarket():
		return l.Fill(ctx, o, l.marketFillPrice(o), decimal.Zero)
	case !o.UsesLocalTriggers() && upd.Status != StatusOpen:
		return l.Refresh(ctx, o, upd)
	}
	return nil
}

func (l *Lifecycle) submit(ctx context.Context, o *Order) (Update, error) {
	info, err := l.create(ctx, o)
	if err != nil && errs.IsRetriable(err) {
		l.logger.Warn("order submission failed, retrying after refresh", append(orderFields(o), zap.Error(err))...)
		if l.cfg.Refresh != nil {
			if rerr := l.cfg.Refresh(ctx); rerr != nil {
				l.logger.Warn("refresh before retry failed", zap.Error(rerr))
			}
		}
		info, err = l.create(ctx, o)
	}
	if err != nil {
		return Update{}, err
	}
	return ParseUpdate(info)
}

func (l *Lifecycle) create(ctx context.Context, o *Order) (common.OrderInfo, error) {
	if l.cfg.Exchange == nil {
		return nil, errs.New(errs.OrderCreation, "no exchange to submit order %s", o.ID)
	}
	cctx, cancel := context.WithTimeout(ctx, l.cfg.SubmitTimeout)
	defer cancel()
	info, err := l.cfg.Exchange.CreateOrder(cctx, o.Request())
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, errs.Wrap(errs.Timeout, err, "submit order %s", o.ID)
	}
	return info, err
}

// discard drops an order that never opened.
func (l *Lifecycle) discard(o *Order) {
	if l.cfg.Ledger != nil {
		if err := l.cfg.Ledger.Release(o); err != nil {
			l.logger.Warn("release reservation", append(orderFields(o), zap.Error(err))...)
		}
	}
	l.cfg.Orders.Remove(o.ID)
	_ = o.setState(StateClosed)
}

func (l *Lifecycle) marketFillPrice(o *Order) decimal.Decimal {
	if p := o.OriginPrice(); p.IsPositive() {
		return p
	}
	if l.cfg.Market != nil {
		if p, _, ok := l.cfg.Market.Get(o.Symbol).Prices.MarkPrice(); ok {
			return p
		}
	}
	return decimal.Zero
}

func (l *Lifecycle) group(o *Order) Group {
	name := o.Group()
	if name == "" {
		return nil
	}
	g, _ := l.cfg.Orders.Group(name)
	return g
}

// Fill executes o at price. A zero quantity fills the whole order. Fund
// errors raised while applying the fill are returned.
func (l *Lifecycle) Fill(ctx context.Context, o *Order, price, quantity decimal.Decimal) error {
	if g := l.group(o); g != nil && !g.AllowFill(o) {
		l.logger.Info("group already filled, cancelling member", orderFields(o)...)
		return l.Cancel(ctx, o)
	}
	o.transitions.Lock()
	if o.IsClosed() || o.HasTaken(StateFilled) || o.HasTaken(StateCanceled) {
		o.transitions.Unlock()
		return nil
	}
	o.cancelWatch()
	if err := o.setState(StateFilling); err != nil {
		o.transitions.Unlock()
		return err
	}
	if !price.IsPositive() {
		price = o.TriggerPrice()
	}
	if !quantity.IsPositive() || quantity.GreaterThan(o.OriginQuantity()) {
		quantity = o.OriginQuantity()
	}
	if !price.IsPositive() {
		o.transitions.Unlock()
		return errs.New(errs.MissingPriceData, "no fill price for order %s", o.ID)
	}
	_ = o.applyFill(price, quantity, l.fee(o, price, quantity), l.clock.Now())
	_ = o.setState(StateFilled)
	o.transitions.Unlock()

	l.logger.Info("order filled", append(orderFields(o),
		zap.String("price", price.String()), zap.String("quantity", quantity.String()))...)
	return l.afterFill(ctx, o)
}

func (l *Lifecycle) afterFill(ctx context.Context, o *Order) error {
	trade := NewTrade(o)
	l.cfg.Trades.Add(trade)
	var fillErr error
	if l.cfg.Ledger != nil {
		if err := l.cfg.Ledger.ApplyFill(o); err != nil {
			l.logger.Error("apply fill to portfolio", append(orderFields(o), zap.Error(err))...)
			fillErr = err
		}
	}
	if l.cfg.Positions != nil {
		if err := l.cfg.Positions.OnOrderFill(o); err != nil {
			l.logger.Error("apply fill to position", append(orderFields(o), zap.Error(err))...)
			if fillErr == nil {
				fillErr = err
			}
		}
	}
	l.publishOrder(ctx, o, false)
	if l.cfg.Publisher != nil {
		l.cfg.Publisher.PublishTrade(ctx, trade)
	}
	if g := l.group(o); g != nil {
		if err := g.OnFill(ctx, o, l.cfg.Orders.GroupMembers(g.Name()), l); err != nil {
			l.logger.Warn("order group fill", append(orderFields(o), zap.Error(err))...)
		}
	}
	if children := o.takeChained(); len(children) > 0 && l.cfg.OnChained != nil {
		if err := l.cfg.OnChained(ctx, o, children); err != nil {
			l.logger.Error("chained orders", append(orderFields(o), zap.Error(err))...)
		}
	}
	l.close(o)
	return fillErr
}

// fee charges buys in the base currency and sells in the quote currency.
// Futures pay in their settlement asset.
func (l *Lifecycle) fee(o *Order, price, quantity decimal.Decimal) Fee {
	var fees common.Fees
	if l.cfg.Fees != nil {
		fees = l.cfg.Fees.GetFees(o.Symbol)
	}
	rate := fees.Taker
	if o.Kind.IsMaker() {
		rate = fees.Maker
	}
	sym, err := symbol.Parse(o.Symbol)
	if err != nil {
		return Fee{Rate: rate}
	}
	switch {
	case sym.IsInverse():
		return Fee{Currency: sym.Base, Cost: quantity.Mul(rate), Rate: rate}
	case !sym.IsSpot():
		return Fee{Currency: sym.SettlementAsset(), Cost: price.Mul(quantity).Mul(rate), Rate: rate}
	case o.Side == Buy:
		return Fee{Currency: sym.Base, Cost: quantity.Mul(rate), Rate: rate}
	default:
		return Fee{Currency: sym.Quote, Cost: price.Mul(quantity).Mul(rate), Rate: rate}
	}
}

// Cancel cancels o and every order linked to it. Cancelling an order that
// is already closed succeeds.
func (l *Lifecycle) Cancel(ctx context.Context, o *Order) error {
	return l.cancel(ctx, o, StatusCanceled, true, map[string]bool{})
}

func (l *Lifecycle) cancel(ctx context.Context, o *Order, status Status, onExchange bool, ignored map[string]bool) error {
	ignored[o.ID] = true
	o.transitions.Lock()
	if o.IsClosed() || o.HasTaken(StateCanceled) || o.HasTaken(StateFilled) {
		o.transitions.Unlock()
		return nil
	}
	prev := o.State()
	if err := o.setState(StateCanceling); err != nil {
		o.transitions.Unlock()
		return err
	}
	if onExchange && !o.UsesLocalTriggers() && o.ExchangeOrderID() != "" {
		if err := l.cancelOnExchange(ctx, o); err != nil {
			_ = o.setState(prev)
			o.transitions.Unlock()
			l.logger.Warn("order cancel failed", append(orderFields(o), zap.Error(err))...)
			return err
		}
	}
	o.cancelWatch()
	now := l.clock.Now()
	executed := o.FilledQuantity()
	if executed.IsPositive() {
		o.chargeExecuted(l.fee(o, o.FilledPrice(), executed), now)
	}
	_ = o.markCancelled(status, now)
	_ = o.setState(StateCanceled)
	o.transitions.Unlock()

	l.logger.Info("order cancelled", append(orderFields(o), zap.String("executed", executed.String()))...)
	if l.cfg.Ledger != nil {
		if err := l.cfg.Ledger.Release(o); err != nil {
			l.logger.Error("release reservation", append(orderFields(o), zap.Error(err))...)
		}
	}
	if executed.IsPositive() {
		l.settleExecuted(ctx, o)
	}
	l.publishOrder(ctx, o, false)
	for _, id := range o.LinkedOrders() {
		if ignored[id] {
			continue
		}
		if linked, ok := l.cfg.Orders.Get(id); ok {
			if err := l.cancel(ctx, linked, StatusCanceled, true, ignored); err != nil {
				l.logger.Warn("cancel linked order", append(orderFields(linked), zap.Error(err))...)
			}
		}
	}
	if g := l.group(o); g != nil {
		if err := g.OnCancel(ctx, o, l.cfg.Orders.GroupMembers(g.Name()), l); err != nil {
			l.logger.Warn("order group cancel", append(orderFields(o), zap.Error(err))...)
		}
	}
	if l.cfg.SaveCancelledAsTrades && !executed.IsPositive() {
		trade := NewTrade(o)
		if l.cfg.Trades.Add(trade) && l.cfg.Publisher != nil {
			l.cfg.Publisher.PublishTrade(ctx, trade)
		}
	}
	l.close(o)
	return nil
}

// settleExecuted books the part of a terminated order that executed. The
// reservation is already released so the rest of its group keeps theirs.
func (l *Lifecycle) settleExecuted(ctx context.Context, o *Order) {
	if l.cfg.Ledger != nil {
		if err := l.cfg.Ledger.ApplyFill(o); err != nil {
			l.logger.Error("apply partial fill to portfolio", append(orderFields(o), zap.Error(err))...)
		}
	}
	if l.cfg.Positions != nil {
		if err := l.cfg.Positions.OnOrderFill(o); err != nil {
			l.logger.Error("apply partial fill to position", append(orderFields(o), zap.Error(err))...)
		}
	}
	trade := NewTrade(o)
	trade.Status = StatusPartiallyFilled
	if l.cfg.Trades.Add(trade) && l.cfg.Publisher != nil {
		l.cfg.Publisher.PublishTrade(ctx, trade)
	}
}

func (l *Lifecycle) cancelOnExchange(ctx context.Context, o *Order) error {
	if l.cfg.Exchange == nil {
		return errs.New(errs.OrderCancel, "no exchange to cancel order %s", o.ID)
	}
	cctx, cancel := context.WithTimeout(ctx, l.cfg.SubmitTimeout)
	defer cancel()
	ok, err := l.cfg.Exchange.CancelOrder(cctx, o.ExchangeOrderID(), o.Symbol)
	switch {
	case errors.Is(err, errs.OrderNotFoundOnCancel):
		return nil
	case err != nil:
		return errs.Wrap(errs.ExchangeOrderCancel, err, "cancel order %s", o.ID)
	case !ok:
		return errs.New(errs.ExchangeOrderCancel, "exchange refused to cancel order %s", o.ID)
	}
	return nil
}

// close removes o from the open orders and marks it closed.
func (l *Lifecycle) close(o *Order) {
	o.transitions.Lock()
	defer o.transitions.Unlock()
	if o.IsClosed() {
		return
	}
	_ = o.setState(StateClosing)
	l.cfg.Orders.Remove(o.ID)
	if name := o.Group(); name != "" {
		l.cfg.Orders.RemoveGroup(name)
	}
	_ = o.setState(StateClosed)
}

// Refresh reconciles o with what the exchange reports. Terminal statuses
// move the order to the matching state unless it already went through it.
func (l *Lifecycle) Refresh(ctx context.Context, o *Order, u Update) error {
	if o.IsClosed() {
		return nil
	}
	switch {
	case u.Status == StatusFilled:
		return l.Fill(ctx, o, u.Price, u.Filled)
	case u.Status == StatusClosed && u.Filled.GreaterThanOrEqual(o.OriginQuantity()):
		return l.Fill(ctx, o, u.Price, u.Filled)
	case u.Status == StatusClosed || u.Status.IsCancelled():
		if err := l.recordExecuted(o, u); err != nil {
			return err
		}
		return l.cancel(ctx, o, u.Status, false, map[string]bool{})
	case u.Status == StatusPartiallyFilled:
		return l.partialFill(ctx, o, u)
	}
	o.transitions.Lock()
	defer o.transitions.Unlock()
	prev := o.State()
	if err := o.setState(StateRefreshing); err != nil {
		return err
	}
	_ = o.SetStatus(u.Status)
	return o.setState(prev)
}

// recordExecuted keeps the quantity an exchange reports as executed on an
// order that terminated before filling completely.
func (l *Lifecycle) recordExecuted(o *Order, u Update) error {
	o.transitions.Lock()
	defer o.transitions.Unlock()
	if o.IsClosed() || o.HasTaken(StateFilled) || o.HasTaken(StateCanceled) {
		return nil
	}
	if u.Filled.LessThanOrEqual(o.FilledQuantity()) {
		return nil
	}
	return o.UpdateFill(u.Price, u.Filled)
}

func (l *Lifecycle) partialFill(ctx context.Context, o *Order, u Update) error {
	o.transitions.Lock()
	if o.IsClosed() || o.HasTaken(StateFilled) || o.HasTaken(StateCanceled) {
		o.transitions.Unlock()
		return nil
	}
	if u.Filled.LessThanOrEqual(o.FilledQuantity()) {
		o.transitions.Unlock()
		return nil
	}
	err := o.UpdateFill(u.Price, u.Filled)
	o.transitions.Unlock()
	if err != nil {
		return err
	}
	l.publishOrder(ctx, o, false)
	if g := l.group(o); g != nil {
		return g.OnFill(ctx, o, l.cfg.Orders.GroupMembers(g.Name()), l)
	}
	return nil
}

// Resize changes the quantity of a locally managed order.
func (l *Lifecycle) Resize(ctx context.Context, o *Order, quantity decimal.Decimal) error {
	o.transitions.Lock()
	if !o.UsesLocalTriggers() {
		o.transitions.Unlock()
		return errs.New(errs.OrderEdit, "order %s is managed by the exchange", o.ID)
	}
	if err := o.SetQuantity(quantity); err != nil {
		o.transitions.Unlock()
		return err
	}
	o.transitions.Unlock()
	if l.cfg.Ledger != nil {
		if err := l.cfg.Ledger.Resize(o); err != nil {
			return err
		}
	}
	l.publishOrder(ctx, o, false)
	return nil
}

// MinAmount returns the minimum order quantity of symbol, zero if unknown.
func (l *Lifecycle) MinAmount(sym string) decimal.Decimal {
	if l.cfg.Statuses == nil {
		return decimal.Zero
	}
	st, ok := l.cfg.Statuses.MarketStatus(sym)
	if !ok {
		return decimal.Zero
	}
	if v, ok := bound(st.Limits.Amount.Min); ok {
		return v
	}
	return decimal.Zero
}

// CancelByPolicy cancels open orders whose cancel policy asks for it and
// returns the cancelled ones.
func (l *Lifecycle) CancelByPolicy(ctx context.Context) []*Order {
	var cancelled []*Order
	now := l.clock.Now()
	for _, o := range l.cfg.Orders.OpenOrders("") {
		if o.CancelPolicy == nil || !o.IsOpen() {
			continue
		}
		env := PolicyContext{Now: now}
		if l.cfg.Market != nil {
			env.Price, _, _ = l.cfg.Market.Get(o.Symbol).Prices.MarkPrice()
		}
		if !o.CancelPolicy.ShouldCancel(o, env) {
			continue
		}
		if err := l.Cancel(ctx, o); err != nil {
			l.logger.Warn("cancel by policy", append(orderFields(o), zap.String("policy", o.CancelPolicy.Name()), zap.Error(err))...)
			continue
		}
		cancelled = append(cancelled, o)
	}
	return cancelled
}

func (l *Lifecycle) publishOrder(ctx context.Context, o *Order, isNew bool) {
	if l.cfg.Publisher != nil {
		l.cfg.Publisher.PublishOrder(ctx, o.Snapshot(), isNew)
	}
}
