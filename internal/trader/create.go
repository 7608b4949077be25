package trader

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/order"
)

// OrderRequest describes the orders a strategy wants.
type OrderRequest struct {
	Kind     order.Kind
	Symbol   string
	Side     order.Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	// CurrentPrice is the reference price. The mark price is used when zero.
	CurrentPrice       decimal.Decimal
	StopPrice          decimal.Decimal
	TrailingPercent    decimal.Decimal
	Tag                string
	ReduceOnly         bool
	PostOnly           bool
	OneCancelsTheOther bool
	AllowSelfManaged   bool
	PositionSide       string
	CancelPolicy       order.CancelPolicy
}

// CreateOptions controls CreateOrder.
type CreateOptions struct {
	// Wait blocks until the order is open. Otherwise creation runs in the
	// background and its outcome is sent on Results.
	Wait    bool
	Timeout time.Duration
	// PreInit runs after funds are reserved and before submission.
	PreInit func(o *order.Order) error
}

// referencePrice returns the request price or the current mark price.
func (t *Trader) referencePrice(ctx context.Context, req OrderRequest) (decimal.Decimal, error) {
	if req.CurrentPrice.IsPositive() {
		return req.CurrentPrice, nil
	}
	if t.cfg.Market == nil {
		return decimal.Zero, errs.New(errs.MissingPriceData, "no market data for %s", req.Symbol)
	}
	return t.cfg.Market.Get(req.Symbol).Prices.GetMarkPrice(ctx, t.cfg.PriceTimeout)
}

// CreateOrderInstance builds the orders for req. Quantity and prices are
// floored to the market precision and orders above the market maximums are
// split, so one request may yield several orders.
func (t *Trader) CreateOrderInstance(ctx context.Context, req OrderRequest) ([]*order.Order, error) {
	if _, err := order.ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}
	price := req.Price
	if req.Kind.IsMarket() || !price.IsPositive() {
		ref, err := t.referencePrice(ctx, req)
		if err != nil {
			return nil, err
		}
		price = ref
	}
	stop := req.StopPrice
	details := []order.Detail{{Quantity: req.Quantity, Price: price}}
	if t.cfg.Statuses != nil {
		if st, ok := t.cfg.Statuses.MarketStatus(req.Symbol); ok {
			adapted, err := order.AdaptDetails(req.Quantity, price, st)
			if err != nil {
				return nil, err
			}
			details = adapted
			if places, ok := st.PriceDecimals(); ok && stop.IsPositive() {
				stop = stop.Truncate(places)
			}
		}
	}
	now := t.clock.Now()
	out := make([]*order.Order, 0, len(details))
	for _, d := range details {
		o, err := order.New(order.Params{
			Symbol:             req.Symbol,
			Kind:               req.Kind,
			Side:               req.Side,
			Price:              d.Price,
			Quantity:           d.Quantity,
			StopPrice:          stop,
			TrailingPercent:    req.TrailingPercent,
			Tag:                req.Tag,
			ReduceOnly:         req.ReduceOnly,
			PostOnly:           req.PostOnly,
			OneCancelsTheOther: req.OneCancelsTheOther,
			AllowSelfManaged:   req.AllowSelfManaged,
			Simulated:          t.cfg.Simulated,
			PositionSide:       req.PositionSide,
			CancelPolicy:       req.CancelPolicy,
			CreationTime:       now,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// reserve locks funds, refreshing the portfolio once when they are missing.
func (t *Trader) reserve(ctx context.Context, o *order.Order) error {
	err := t.cfg.Funds.Reserve(o)
	if err == nil || !errors.Is(err, errs.MissingFunds) || t.cfg.Simulated || t.cfg.Refresh == nil {
		return err
	}
	t.logger.Info("missing funds, refreshing before retry", zap.String("order_id", o.ID), zap.Error(err))
	if rerr := t.ForceRefreshOrdersAndPortfolio(ctx); rerr != nil {
		t.logger.Warn("refresh failed", zap.Error(rerr))
		return err
	}
	return t.cfg.Funds.Reserve(o)
}

func (t *Trader) open(ctx context.Context, o *order.Order) error {
	return t.lc.Open(ctx, o)
}

// CreateOrder reserves funds for o and submits it. With Wait it returns once
// o is open, or an errs.Timeout error after the timeout.
func (t *Trader) CreateOrder(ctx context.Context, o *order.Order, opts CreateOptions) (*order.Order, error) {
	if err := t.checkEnabled(); err != nil {
		return nil, err
	}
	if err := t.reserve(ctx, o); err != nil {
		return nil, err
	}
	if opts.PreInit != nil {
		if err := opts.PreInit(o); err != nil {
			if rerr := t.cfg.Funds.Release(o); rerr != nil {
				t.logger.Warn("release after pre init failure", zap.String("order_id", o.ID), zap.Error(rerr))
			}
			return nil, err
		}
	}
	if !opts.Wait {
		if err := t.pool.Submit(t.ctx, o); err != nil {
			_ = t.cfg.Funds.Release(o)
			return nil, err
		}
		return o, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.cfg.CreationTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- t.open(cctx, o) }()
	select {
	case err := <-done:
		if err != nil {
			return o, err
		}
		t.logger.Debug("order created", zap.String("order_id", o.ID), zap.String("symbol", o.Symbol), zap.String("kind", string(o.Kind)))
		return o, nil
	case <-cctx.Done():
		if ctx.Err() != nil {
			return o, ctx.Err()
		}
		return o, errs.Wrap(errs.Timeout, cctx.Err(), "order %s not open after %s", o.ID, timeout)
	}
}

// CreateOrders builds the orders of req and creates each of them. Creation
// stops at the first failure.
func (t *Trader) CreateOrders(ctx context.Context, req OrderRequest, opts CreateOptions) ([]*order.Order, error) {
	orders, err := t.CreateOrderInstance(ctx, req)
	if err != nil {
		return nil, err
	}
	created := make([]*order.Order, 0, len(orders))
	for _, o := range orders {
		if _, err := t.CreateOrder(ctx, o, opts); err != nil {
			return created, err
		}
		created = append(created, o)
	}
	return created, nil
}

// handleChained opens the children of a filled order. Children of an OCO
// parent share one OCO group named after the parent.
func (t *Trader) handleChained(ctx context.Context, parent *order.Order, children []*order.Order) error {
	if parent.OneCancelsTheOther && len(children) > 1 {
		if _, err := t.lc.Orders().CreateGroup(order.GroupOCO, parent.ID); err != nil {
			return err
		}
		for _, c := range children {
			if err := c.SetGroup(parent.ID); err != nil {
				return err
			}
		}
	}
	var errList []error
	for _, c := range children {
		if _, err := t.CreateOrder(ctx, c, CreateOptions{Wait: true}); err != nil {
			t.logger.Warn("chained order creation failed",
				zap.String("parent_id", parent.ID), zap.String("order_id", c.ID), zap.Error(err))
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
