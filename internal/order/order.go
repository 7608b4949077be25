// Package order implements orders, their lifecycle state machine, order
// groups, cancel policies and trade history.
package order

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
	"trading-engine/internal/events"
	"trading-engine/internal/symbol"
)

var hundred = decimal.NewFromInt(100)

// Params describe an order to build.
type Params struct {
	ID                 string
	Symbol             string
	Kind               Kind
	Side               Side // required for stop, take profit and trailing kinds
	Price              decimal.Decimal
	Quantity           decimal.Decimal
	StopPrice          decimal.Decimal
	TrailingPercent    decimal.Decimal // percent, 5 means 5%
	Tag                string
	ReduceOnly         bool
	PostOnly           bool
	OneCancelsTheOther bool
	AllowSelfManaged   bool
	Simulated          bool
	PositionSide       string
	CancelPolicy       CancelPolicy
	CreationTime       time.Time
}

// Order is one order and its lifecycle state. Identity fields are fixed at
// creation; everything else goes through methods.
type Order struct {
	ID                 string
	Symbol             string
	Side               Side
	Kind               Kind
	Tag                string
	CreationTime       time.Time
	ReduceOnly         bool
	PostOnly           bool
	OneCancelsTheOther bool
	AllowSelfManaged   bool
	Simulated          bool
	TrailingPercent    decimal.Decimal
	PositionSide       string
	CancelPolicy       CancelPolicy

	// transitions serialises state changes of this order
	transitions sync.Mutex

	mu              sync.RWMutex
	exchangeOrderID string
	originPrice     decimal.Decimal
	originQuantity  decimal.Decimal
	originStopPrice decimal.Decimal
	filledPrice     decimal.Decimal
	filledQuantity  decimal.Decimal
	totalCost       decimal.Decimal
	fee             Fee
	status          Status
	state           State
	taken           map[State]bool
	canceledTime    time.Time
	executedTime    time.Time
	linked          []string
	chained         []*Order
	parentID        string
	group           string
	stopWatch       context.CancelFunc
	closed          *events.Event
}

// New builds an order from p. Side is derived from market and limit kinds.
func New(p Params) (*Order, error) {
	if _, err := ParseKind(string(p.Kind)); err != nil {
		return nil, err
	}
	if _, err := symbol.Parse(p.Symbol); err != nil {
		return nil, errs.Wrap(errs.UntradableSymbol, err, "order symbol")
	}
	side := p.Side
	if implied, ok := p.Kind.ImpliedSide(); ok {
		side = implied
	}
	if side != Buy && side != Sell {
		return nil, errs.New(errs.OrderCreation, "%s order requires a side", p.Kind)
	}
	if !p.Quantity.IsPositive() {
		return nil, errs.New(errs.OrderCreation, "quantity must be positive, got %s", p.Quantity)
	}
	if p.Price.IsNegative() || p.StopPrice.IsNegative() {
		return nil, errs.New(errs.OrderCreation, "negative price")
	}
	if !p.Kind.IsMarket() && !p.Kind.IsTrailing() && !p.Price.IsPositive() && !p.StopPrice.IsPositive() {
		return nil, errs.New(errs.OrderCreation, "%s order requires a price", p.Kind)
	}
	if p.Kind.IsTrailing() && !p.TrailingPercent.IsPositive() {
		return nil, errs.New(errs.OrderCreation, "trailing order requires a trailing percent")
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := p.CreationTime
	if created.IsZero() {
		created = time.Now()
	}
	return &Order{
		ID:                 id,
		Symbol:             p.Symbol,
		Side:               side,
		Kind:               p.Kind,
		Tag:                p.Tag,
		CreationTime:       created,
		ReduceOnly:         p.ReduceOnly,
		PostOnly:           p.PostOnly,
		OneCancelsTheOther: p.OneCancelsTheOther,
		AllowSelfManaged:   p.AllowSelfManaged,
		Simulated:          p.Simulated,
		TrailingPercent:    p.TrailingPercent,
		PositionSide:       p.PositionSide,
		CancelPolicy:       p.CancelPolicy,
		originPrice:        p.Price,
		originQuantity:     p.Quantity,
		originStopPrice:    p.StopPrice,
		status:             StatusOpen,
		taken:              make(map[State]bool),
		closed:             events.NewEvent(),
	}, nil
}

// IsSelfManaged reports whether triggers are evaluated by the engine rather
// than the exchange.
func (o *Order) IsSelfManaged() bool { return o.AllowSelfManaged && !o.Kind.IsMarket() }

// UsesLocalTriggers reports whether fills come from local price events.
func (o *Order) UsesLocalTriggers() bool { return o.Simulated || o.IsSelfManaged() }

// mutable returns an error once the order is closed. Caller holds o.mu.
func (o *Order) mutable() error {
	if o.state == StateClosed {
		return errs.New(errs.InvalidOrderState, "order %s is closed", o.ID)
	}
	return nil
}

func (o *Order) setState(s State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	o.state = s
	o.taken[s] = true
	if s == StateClosed {
		o.closed.Set()
	}
	return nil
}

// State returns the lifecycle state.
func (o *Order) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// HasTaken reports whether the order already went through s.
func (o *Order) HasTaken(s State) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.taken[s]
}

// IsClosed reports whether the order reached its final state.
func (o *Order) IsClosed() bool { return o.State() == StateClosed }

// IsOpen reports whether the order is live on the book or awaiting trigger.
func (o *Order) IsOpen() bool {
	s := o.State()
	return s == StateOpen || s == StateOpening || s == StateRefreshing
}

// WaitClosed blocks until the order is closed or ctx is done.
func (o *Order) WaitClosed(ctx context.Context) error { return o.closed.Wait(ctx) }

// Status returns the last exchange status.
func (o *Order) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// SetStatus records an exchange status.
func (o *Order) SetStatus(s Status) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	o.status = s
	return nil
}

// ExchangeOrderID returns the id assigned by the exchange.
func (o *Order) ExchangeOrderID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.exchangeOrderID
}

// SetExchangeOrderID records the id assigned by the exchange.
func (o *Order) SetExchangeOrderID(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	o.exchangeOrderID = id
	return nil
}

// OriginPrice returns the requested price.
func (o *Order) OriginPrice() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.originPrice
}

// OriginQuantity returns the requested quantity.
func (o *Order) OriginQuantity() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.originQuantity
}

// StopPrice returns the stop or trailing trigger price.
func (o *Order) StopPrice() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.originStopPrice
}

// FilledPrice returns the execution price.
func (o *Order) FilledPrice() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.filledPrice
}

// FilledQuantity returns the executed quantity.
func (o *Order) FilledQuantity() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.filledQuantity
}

// TotalCost returns filled price times filled quantity.
func (o *Order) TotalCost() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.totalCost
}

// Fee returns the fee paid on the fill.
func (o *Order) Fee() Fee {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.fee
}

// SetQuantity edits the requested quantity of an unfilled order.
func (o *Order) SetQuantity(q decimal.Decimal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	if q.IsNegative() || q.LessThan(o.filledQuantity) {
		return errs.New(errs.OrderEdit, "quantity %s below filled %s", q, o.filledQuantity)
	}
	o.originQuantity = q
	return nil
}

// SetPrice edits the requested price.
func (o *Order) SetPrice(p decimal.Decimal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	o.originPrice = p
	return nil
}

// SetStopPrice edits the trigger price.
func (o *Order) SetStopPrice(p decimal.Decimal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	o.originStopPrice = p
	return nil
}

// UpdateFill records a partial or complete fill. The quantity is clamped to
// the requested quantity.
func (o *Order) UpdateFill(price, quantity decimal.Decimal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	if quantity.GreaterThan(o.originQuantity) {
		quantity = o.originQuantity
	}
	if quantity.IsNegative() {
		quantity = decimal.Zero
	}
	o.filledQuantity = quantity
	if price.IsPositive() {
		o.filledPrice = price
	}
	o.totalCost = o.filledPrice.Mul(o.filledQuantity)
	switch {
	case o.filledQuantity.Equal(o.originQuantity):
		o.status = StatusFilled
	case o.filledQuantity.IsPositive():
		o.status = StatusPartiallyFilled
	}
	return nil
}

// RemainingQuantity returns the unfilled quantity.
func (o *Order) RemainingQuantity() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.originQuantity.Sub(o.filledQuantity)
}

// IsFilled reports whether the whole quantity executed.
func (o *Order) IsFilled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.originQuantity.IsPositive() && o.filledQuantity.Equal(o.originQuantity)
}

// CanceledTime returns when the order was cancelled.
func (o *Order) CanceledTime() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.canceledTime
}

// ExecutedTime returns when the order filled.
func (o *Order) ExecutedTime() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.executedTime
}

// LinkedOrders returns ids of orders cancelled along with this one.
func (o *Order) LinkedOrders() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.linked...)
}

// Link records other orders to cancel along with this one.
func (o *Order) Link(ids ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	o.linked = append(o.linked, ids...)
	return nil
}

// AddChained prepares children submitted once this order fills.
func (o *Order) AddChained(children ...*Order) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	for _, c := range children {
		c.mu.Lock()
		c.parentID = o.ID
		c.mu.Unlock()
	}
	o.chained = append(o.chained, children...)
	return nil
}

// ChainedOrders returns the prepared children.
func (o *Order) ChainedOrders() []*Order {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*Order(nil), o.chained...)
}

func (o *Order) takeChained() []*Order {
	o.mu.Lock()
	defer o.mu.Unlock()
	children := o.chained
	o.chained = nil
	return children
}

// ParentID returns the id of the order that spawned this one.
func (o *Order) ParentID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.parentID
}

// Group returns the name of the order group, if any.
func (o *Order) Group() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.group
}

// SetGroup places the order in a named group.
func (o *Order) SetGroup(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	o.group = name
	return nil
}

// TriggerPrice is the price that makes a locally managed order execute.
func (o *Order) TriggerPrice() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if (o.Kind.IsStop() || o.Kind.IsTakeProfit() || o.Kind.IsTrailing()) && o.originStopPrice.IsPositive() {
		return o.originStopPrice
	}
	return o.originPrice
}

// TriggerAbove reports whether the trigger fires on prices at or above the
// trigger price, as opposed to at or below.
func (o *Order) TriggerAbove() bool {
	switch {
	case o.Kind.IsLimit():
		return o.Side == Sell
	case o.Kind.IsTakeProfit():
		return o.Side == Sell
	default: // stop and trailing variants protect against adverse moves
		return o.Side == Buy
	}
}

// setWatch stores the cancel func of the trigger watcher.
func (o *Order) setWatch(cancel context.CancelFunc) {
	o.mu.Lock()
	o.stopWatch = cancel
	o.mu.Unlock()
}

func (o *Order) cancelWatch() {
	o.mu.Lock()
	cancel := o.stopWatch
	o.stopWatch = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot is a consistent copy of an order.
type Snapshot struct {
	ID                 string          `json:"id"`
	ExchangeOrderID    string          `json:"exchange_order_id,omitempty"`
	Symbol             string          `json:"symbol"`
	Side               Side            `json:"side"`
	Kind               Kind            `json:"kind"`
	Status             Status          `json:"status"`
	State              State           `json:"state"`
	OriginPrice        decimal.Decimal `json:"origin_price"`
	OriginQuantity     decimal.Decimal `json:"origin_quantity"`
	OriginStopPrice    decimal.Decimal `json:"origin_stop_price"`
	FilledPrice        decimal.Decimal `json:"filled_price"`
	FilledQuantity     decimal.Decimal `json:"filled_quantity"`
	TotalCost          decimal.Decimal `json:"total_cost"`
	Fee                Fee             `json:"fee"`
	CreationTime       time.Time       `json:"creation_time"`
	CanceledTime       time.Time       `json:"canceled_time"`
	ExecutedTime       time.Time       `json:"executed_time"`
	Tag                string          `json:"tag,omitempty"`
	LinkedOrders       []string        `json:"linked_orders,omitempty"`
	ChainedOrders      int             `json:"chained_orders"`
	Group              string          `json:"group,omitempty"`
	TrailingPercent    decimal.Decimal `json:"trailing_percent"`
	ReduceOnly         bool            `json:"reduce_only"`
	PostOnly           bool            `json:"post_only"`
	OneCancelsTheOther bool            `json:"one_cancels_the_other"`
	SelfManaged        bool            `json:"self_managed"`
	Simulated          bool            `json:"simulated"`
}

// Snapshot copies the order under its lock.
func (o *Order) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{
		ID:                 o.ID,
		ExchangeOrderID:    o.exchangeOrderID,
		Symbol:             o.Symbol,
		Side:               o.Side,
		Kind:               o.Kind,
		Status:             o.status,
		State:              o.state,
		OriginPrice:        o.originPrice,
		OriginQuantity:     o.originQuantity,
		OriginStopPrice:    o.originStopPrice,
		FilledPrice:        o.filledPrice,
		FilledQuantity:     o.filledQuantity,
		TotalCost:          o.totalCost,
		Fee:                o.fee,
		CreationTime:       o.CreationTime,
		CanceledTime:       o.canceledTime,
		ExecutedTime:       o.executedTime,
		Tag:                o.Tag,
		LinkedOrders:       append([]string(nil), o.linked...),
		ChainedOrders:      len(o.chained),
		Group:              o.group,
		TrailingPercent:    o.TrailingPercent,
		ReduceOnly:         o.ReduceOnly,
		PostOnly:           o.PostOnly,
		OneCancelsTheOther: o.OneCancelsTheOther,
		SelfManaged:        o.AllowSelfManaged && !o.Kind.IsMarket(),
		Simulated:          o.Simulated,
	}
}

// applyFill records an execution. The order is only FILLED when the whole
// requested quantity executed.
func (o *Order) applyFill(price, quantity decimal.Decimal, fee Fee, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	o.filledPrice = price
	o.filledQuantity = quantity
	o.totalCost = price.Mul(quantity)
	o.fee = fee
	if quantity.GreaterThanOrEqual(o.originQuantity) {
		o.status = StatusFilled
	} else {
		o.status = StatusPartiallyFilled
	}
	o.executedTime = at
	return nil
}

// chargeExecuted sets the fee of the quantity executed before the order
// terminated without a complete fill.
func (o *Order) chargeExecuted(fee Fee, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fee = fee
	if o.executedTime.IsZero() {
		o.executedTime = at
	}
}

// markCancelled records a cancellation reported with status.
func (o *Order) markCancelled(status Status, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.mutable(); err != nil {
		return err
	}
	if !status.IsCancelled() {
		status = StatusCanceled
	}
	o.status = status
	o.canceledTime = at
	return nil
}

// nextTrailingTrigger returns the trigger implied by mark when it improves
// on the current one. Sell stops only move up, buy stops only move down.
func (o *Order) nextTrailingTrigger(mark decimal.Decimal) (decimal.Decimal, bool) {
	if !mark.IsPositive() {
		return decimal.Zero, false
	}
	pct := o.TrailingPercent.Div(hundred)
	current := o.StopPrice()
	if o.Side == Sell {
		next := mark.Mul(decimal.NewFromInt(1).Sub(pct))
		return next, next.GreaterThan(current)
	}
	next := mark.Mul(decimal.NewFromInt(1).Add(pct))
	return next, current.IsZero() || next.LessThan(current)
}
