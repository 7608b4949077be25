package simulator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/symbol"
	"trading-engine/pkg/exchanges/common"
)

const (
	statusOpen     = "open"
	statusClosed   = "closed"
	statusCanceled = "canceled"
)

type balance struct {
	total decimal.Decimal
	used  decimal.Decimal
}

// simOrder is an exchange side order.
type simOrder struct {
	id          string
	clientID    string
	symbol      string
	side        common.Side
	typ         common.OrderType
	price       decimal.Decimal
	stop        decimal.Decimal
	amount      decimal.Decimal
	filled      decimal.Decimal
	cost        decimal.Decimal
	average     decimal.Decimal
	fee         decimal.Decimal
	feeCurrency string
	tag         string
	status      string
	created     time.Time
	updated     time.Time
	reserved    decimal.Decimal
	reservedCur string
}

func (o *simOrder) info() common.OrderInfo {
	m := common.OrderInfo{
		"id":            o.id,
		"clientOrderId": o.clientID,
		"symbol":        o.symbol,
		"side":          string(o.side),
		"type":          string(o.typ),
		"price":         o.price.InexactFloat64(),
		"amount":        o.amount.InexactFloat64(),
		"filled":        o.filled.InexactFloat64(),
		"cost":          o.cost.InexactFloat64(),
		"status":        o.status,
		"timestamp":     o.created.UnixMilli(),
	}
	if o.stop.IsPositive() {
		m["stopPrice"] = o.stop.InexactFloat64()
	}
	if o.average.IsPositive() {
		m["average"] = o.average.InexactFloat64()
	}
	if o.feeCurrency != "" {
		m["fee"] = map[string]any{"currency": o.feeCurrency, "cost": o.fee.InexactFloat64()}
	}
	if o.tag != "" {
		m["tag"] = o.tag
	}
	return m
}

// trigger reports whether candle c executes o and at which price.
func (o *simOrder) trigger(c common.Candle) (decimal.Decimal, bool) {
	low, high := decimal.NewFromFloat(c.Low), decimal.NewFromFloat(c.High)
	buy := o.side == common.SideBuy
	switch o.typ {
	case common.OrderTypeLimit:
		if (buy && low.LessThanOrEqual(o.price)) || (!buy && high.GreaterThanOrEqual(o.price)) {
			return o.price, true
		}
	case common.OrderTypeStopLoss:
		if (buy && high.GreaterThanOrEqual(o.stop)) || (!buy && low.LessThanOrEqual(o.stop)) {
			return o.stop, true
		}
	case common.OrderTypeTakeProfit:
		if (buy && low.LessThanOrEqual(o.stop)) || (!buy && high.GreaterThanOrEqual(o.stop)) {
			return o.stop, true
		}
	}
	return decimal.Zero, false
}

// delay simulates the gateway round trip.
func (e *Exchange) delay(ctx context.Context) error {
	if e.cfg.LatencyMax <= 0 {
		return ctx.Err()
	}
	e.amu.Lock()
	d := e.cfg.LatencyMin
	if span := e.cfg.LatencyMax - e.cfg.LatencyMin; span > 0 {
		d += time.Duration(e.rng.Int63n(int64(span)))
	}
	e.amu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.Network, ctx.Err(), "simulated gateway")
	case <-t.C:
		return nil
	}
}

// slip moves price against the taker by a random share of the configured
// slippage.
func (e *Exchange) slipLocked(price decimal.Decimal, side common.Side) decimal.Decimal {
	if e.cfg.SlippageBps <= 0 {
		return price
	}
	noise := decimal.NewFromFloat(e.rng.Float64() * e.cfg.SlippageBps / 10000)
	if side == common.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(noise))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(noise))
}

func (e *Exchange) balanceLocked(cur string) *balance {
	b, ok := e.balances[cur]
	if !ok {
		b = &balance{}
		e.balances[cur] = b
	}
	return b
}

func (e *Exchange) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderInfo, error) {
	if err := e.delay(ctx); err != nil {
		return nil, err
	}
	if err := e.listed(req.Symbol); err != nil {
		return nil, err
	}
	sym, err := symbol.Parse(req.Symbol)
	if err != nil {
		return nil, err
	}
	if !sym.IsSpot() {
		return nil, errs.New(errs.NotSupported, "exchange side %s orders", req.Symbol)
	}
	if !req.Quantity.IsPositive() {
		return nil, errs.New(errs.InvalidArgument, "quantity must be positive, got %s", req.Quantity)
	}
	switch req.Type {
	case common.OrderTypeMarket, common.OrderTypeLimit:
	case common.OrderTypeStopLoss, common.OrderTypeTakeProfit:
		if !req.StopPrice.IsPositive() && !req.Price.IsPositive() {
			return nil, errs.New(errs.InvalidArgument, "%s order requires a stop price", req.Type)
		}
	default:
		return nil, errs.New(errs.UnsupportedOrderType, "%s orders are not simulated", req.Type)
	}
	var market decimal.Decimal
	if req.Type == common.OrderTypeMarket {
		last, err := e.lastClosed(req.Symbol)
		if err != nil {
			return nil, err
		}
		market = decimal.NewFromFloat(last.Close)
	}

	e.amu.Lock()
	defer e.amu.Unlock()
	e.matchLocked()
	now := e.clock.Now()
	e.seq++
	o := &simOrder{
		id:       fmt.Sprintf("sim-%d", e.seq),
		clientID: req.ClientID,
		symbol:   req.Symbol,
		side:     req.Side,
		typ:      req.Type,
		price:    req.Price,
		stop:     req.StopPrice,
		amount:   req.Quantity,
		tag:      req.Tag,
		status:   statusOpen,
		created:  now,
		updated:  now,
	}
	if (req.Type == common.OrderTypeStopLoss || req.Type == common.OrderTypeTakeProfit) && !o.stop.IsPositive() {
		o.stop = o.price
	}
	rate := e.cfg.Fees.Maker
	ref := o.price
	switch req.Type {
	case common.OrderTypeMarket:
		ref = e.slipLocked(market, req.Side)
		rate = e.cfg.Fees.Taker
	case common.OrderTypeStopLoss, common.OrderTypeTakeProfit:
		ref = o.stop
		rate = e.cfg.Fees.Taker
	}
	if req.Side == common.SideBuy {
		o.reservedCur = sym.Quote
		o.reserved = ref.Mul(o.amount).Mul(decimal.NewFromInt(1).Add(rate))
	} else {
		o.reservedCur = sym.Base
		o.reserved = o.amount
	}
	b := e.balanceLocked(o.reservedCur)
	if free := b.total.Sub(b.used); free.LessThan(o.reserved) {
		return nil, errs.New(errs.MissingFunds, "order needs %s %s, %s free", o.reserved, o.reservedCur, free)
	}
	b.used = b.used.Add(o.reserved)
	e.orders[o.id] = o
	if req.Type == common.OrderTypeMarket {
		e.fillLocked(o, ref, rate)
	}
	e.logger.Debug("order accepted", zap.String("order_id", o.id), zap.String("symbol", o.symbol),
		zap.String("type", string(o.typ)), zap.String("status", o.status))
	return o.info(), nil
}

// fillLocked executes o fully at price.
func (e *Exchange) fillLocked(o *simOrder, price, rate decimal.Decimal) {
	base, quote := symbol.Split(o.symbol)
	cost := price.Mul(o.amount)
	fee := cost.Mul(rate)
	r := e.balanceLocked(o.reservedCur)
	r.used = r.used.Sub(o.reserved)
	o.reserved = decimal.Zero
	if o.side == common.SideBuy {
		q := e.balanceLocked(quote)
		q.total = q.total.Sub(cost).Sub(fee)
		b := e.balanceLocked(base)
		b.total = b.total.Add(o.amount)
	} else {
		b := e.balanceLocked(base)
		b.total = b.total.Sub(o.amount)
		q := e.balanceLocked(quote)
		q.total = q.total.Add(cost).Sub(fee)
	}
	o.filled = o.amount
	o.cost = cost
	o.average = price
	o.fee = fee
	o.feeCurrency = quote
	o.status = statusClosed
	o.updated = e.clock.Now()
}

// matchLocked executes open orders against the candles closed since they
// were placed.
func (e *Exchange) matchLocked() {
	if len(e.timeFrames) == 0 {
		return
	}
	tf := e.timeFrames[0]
	now := e.clock.Now()
	ids := make([]string, 0, len(e.orders))
	for id, o := range e.orders {
		if o.status == statusOpen {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := e.orders[id]
		e.mu.RLock()
		candles := closed(e.candles[o.symbol][tf], tf.Duration(), now)
		e.mu.RUnlock()
		from := o.created.Unix()
		start := sort.Search(len(candles), func(i int) bool { return candles[i].Time >= from })
		for _, c := range candles[start:] {
			if price, ok := o.trigger(c); ok {
				rate := e.cfg.Fees.Taker
				if o.typ == common.OrderTypeLimit {
					rate = e.cfg.Fees.Maker
				}
				e.fillLocked(o, price, rate)
				break
			}
		}
	}
}

func (e *Exchange) CancelOrder(ctx context.Context, id, _ string) (bool, error) {
	if err := e.delay(ctx); err != nil {
		return false, err
	}
	e.amu.Lock()
	defer e.amu.Unlock()
	e.matchLocked()
	o, ok := e.orders[id]
	if !ok {
		return false, errs.New(errs.OrderNotFoundOnCancel, "order %s", id)
	}
	switch o.status {
	case statusCanceled:
		return true, nil
	case statusClosed:
		return false, errs.New(errs.FilledOrder, "order %s already filled", id)
	}
	r := e.balanceLocked(o.reservedCur)
	r.used = r.used.Sub(o.reserved)
	o.reserved = decimal.Zero
	o.status = statusCanceled
	o.updated = e.clock.Now()
	return true, nil
}

func (e *Exchange) GetBalance(ctx context.Context) (map[string]common.Balance, error) {
	if err := e.delay(ctx); err != nil {
		return nil, err
	}
	e.amu.Lock()
	defer e.amu.Unlock()
	e.matchLocked()
	out := make(map[string]common.Balance, len(e.balances))
	for cur, b := range e.balances {
		out[cur] = common.Balance{Free: b.total.Sub(b.used), Used: b.used, Total: b.total}
	}
	return out, nil
}

func (e *Exchange) GetOrder(ctx context.Context, id, _ string) (common.OrderInfo, error) {
	if err := e.delay(ctx); err != nil {
		return nil, err
	}
	e.amu.Lock()
	defer e.amu.Unlock()
	e.matchLocked()
	o, ok := e.orders[id]
	if !ok {
		return nil, errs.New(errs.FailedRequest, "order %s not found", id)
	}
	return o.info(), nil
}

// list returns the orders accepted by keep, oldest update first.
func (e *Exchange) list(ctx context.Context, q common.OrderQuery, keep func(*simOrder) bool) ([]common.OrderInfo, error) {
	if err := e.delay(ctx); err != nil {
		return nil, err
	}
	e.amu.Lock()
	defer e.amu.Unlock()
	e.matchLocked()
	var selected []*simOrder
	for _, o := range e.orders {
		if q.Symbol != "" && o.symbol != q.Symbol {
			continue
		}
		if !q.Since.IsZero() && o.updated.Before(q.Since) {
			continue
		}
		if keep(o) {
			selected = append(selected, o)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		if selected[i].updated.Equal(selected[j].updated) {
			return selected[i].id < selected[j].id
		}
		return selected[i].updated.Before(selected[j].updated)
	})
	if q.Limit > 0 && len(selected) > q.Limit {
		selected = selected[len(selected)-q.Limit:]
	}
	out := make([]common.OrderInfo, len(selected))
	for i, o := range selected {
		out[i] = o.info()
	}
	return out, nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, q common.OrderQuery) ([]common.OrderInfo, error) {
	return e.list(ctx, q, func(o *simOrder) bool { return o.status == statusOpen })
}

func (e *Exchange) GetClosedOrders(ctx context.Context, q common.OrderQuery) ([]common.OrderInfo, error) {
	return e.list(ctx, q, func(o *simOrder) bool { return o.status != statusOpen })
}

func (e *Exchange) GetAllOrders(ctx context.Context, q common.OrderQuery) ([]common.OrderInfo, error) {
	return e.list(ctx, q, func(*simOrder) bool { return true })
}

func (e *Exchange) GetMyRecentTrades(ctx context.Context, q common.OrderQuery) ([]common.OrderInfo, error) {
	return e.list(ctx, q, func(o *simOrder) bool { return o.filled.IsPositive() })
}

func (e *Exchange) SwitchToAccount(_ context.Context, account common.AccountType) error {
	if account != common.AccountCash {
		return errs.New(errs.NotSupported, "%s account", account)
	}
	return nil
}

// Exchange side positions are not simulated: derivative positions are
// tracked by the engine from its own fills.

func (e *Exchange) GetPositions(context.Context) ([]common.PositionInfo, error) {
	return nil, errs.New(errs.NotSupported, "positions on %s", e.cfg.Name)
}

func (e *Exchange) GetPosition(_ context.Context, sym string) (common.PositionInfo, error) {
	return common.PositionInfo{}, errs.New(errs.NotSupported, "%s position on %s", sym, e.cfg.Name)
}

func (e *Exchange) SetSymbolLeverage(_ context.Context, sym string, leverage decimal.Decimal) error {
	if err := e.listed(sym); err != nil {
		return err
	}
	if leverage.LessThan(decimal.NewFromInt(1)) {
		return errs.New(errs.InvalidLeverageValue, "%s leverage %s", sym, leverage)
	}
	e.amu.Lock()
	e.leverage[sym] = leverage
	e.amu.Unlock()
	return nil
}

// Leverage returns the last leverage set for sym.
func (e *Exchange) Leverage(sym string) (decimal.Decimal, bool) {
	e.amu.Lock()
	defer e.amu.Unlock()
	l, ok := e.leverage[sym]
	return l, ok
}

func (e *Exchange) SetSymbolMarginType(_ context.Context, sym string, _ bool) error {
	return e.listed(sym)
}

func (e *Exchange) SetSymbolPositionMode(_ context.Context, sym string, _ bool) error {
	return e.listed(sym)
}

func (e *Exchange) SetSymbolPartialTakeProfitStopLoss(_ context.Context, sym string, _ bool) error {
	return e.listed(sym)
}
