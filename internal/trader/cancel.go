package trader

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
	"trading-engine/internal/order"
	"trading-engine/internal/position"
	"trading-engine/internal/symbol"
)

// CancelOrder cancels o. Orders already gone on the exchange count as
// cancelled.
func (t *Trader) CancelOrder(ctx context.Context, o *order.Order) error {
	return t.lc.Cancel(ctx, o)
}

// CancelOrderWithID cancels the order with the given local or exchange id.
// It reports false when no such order is open.
func (t *Trader) CancelOrderWithID(ctx context.Context, id string) (bool, error) {
	o, ok := t.lc.Orders().Get(id)
	if !ok {
		o, ok = t.lc.Orders().ByExchangeID(id)
	}
	if !ok {
		return false, nil
	}
	if err := t.CancelOrder(ctx, o); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Trader) cancelAll(ctx context.Context, keep func(o *order.Order) bool) (bool, error) {
	var errList []error
	for _, o := range t.lc.Orders().OpenOrders("") {
		if !keep(o) {
			continue
		}
		if err := t.CancelOrder(ctx, o); err != nil {
			errList = append(errList, err)
		}
	}
	return len(errList) == 0, errors.Join(errList...)
}

// CancelAllOpenOrders cancels every open order of sym, every symbol when
// sym is empty. It reports whether all cancellations succeeded.
func (t *Trader) CancelAllOpenOrders(ctx context.Context, sym string) (bool, error) {
	return t.cancelAll(ctx, func(o *order.Order) bool { return sym == "" || o.Symbol == sym })
}

// CancelAllOpenOrdersWithCurrency cancels the open orders of every symbol
// trading currency as base or quote.
func (t *Trader) CancelAllOpenOrdersWithCurrency(ctx context.Context, currency string) (bool, error) {
	return t.cancelAll(ctx, func(o *order.Order) bool {
		base, quote := symbol.Split(o.Symbol)
		return base == currency || quote == currency
	})
}

// ClosePosition places a reduce only order of the opposite side sized to
// the whole position. A zero limit price sends a market order.
func (t *Trader) ClosePosition(ctx context.Context, pos position.Position, limitPrice decimal.Decimal, opts CreateOptions) ([]*order.Order, error) {
	if pos.IsIdle() {
		return nil, errs.New(errs.InvalidPosition, "%s %s position is empty", pos.Symbol, pos.Side)
	}
	req := OrderRequest{
		Symbol:     pos.Symbol,
		Quantity:   pos.Size.Abs(),
		Price:      limitPrice,
		ReduceOnly: true,
	}
	if pos.Side != position.Both {
		req.PositionSide = string(pos.Side)
	}
	switch {
	case pos.IsLong() && limitPrice.IsPositive():
		req.Kind = order.SellLimit
	case pos.IsLong():
		req.Kind = order.SellMarket
	case limitPrice.IsPositive():
		req.Kind = order.BuyLimit
	default:
		req.Kind = order.BuyMarket
	}
	if !limitPrice.IsPositive() && pos.MarkPrice.IsPositive() {
		req.CurrentPrice = pos.MarkPrice
	}
	return t.CreateOrders(ctx, req, opts)
}
