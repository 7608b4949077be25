package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
)

// PolicyContext carries what cancel policies evaluate against.
type PolicyContext struct {
	Now   time.Time
	Price decimal.Decimal // current mark price of the order symbol, zero when unknown
}

// CancelPolicy decides when an open order should be cancelled. Closed
// orders are never cancelled.
type CancelPolicy interface {
	Name() string
	ShouldCancel(o *Order, env PolicyContext) bool
}

const (
	PolicyExpirationTime           = "ExpirationTimeOrderCancelPolicy"
	PolicyChainedOrderFillingPrice = "ChainedOrderFillingPriceOrderCancelPolicy"
)

// ExpirationTimePolicy cancels orders still open after a deadline.
type ExpirationTimePolicy struct {
	ExpirationTime time.Time
}

func (ExpirationTimePolicy) Name() string { return PolicyExpirationTime }

func (p ExpirationTimePolicy) ShouldCancel(o *Order, env PolicyContext) bool {
	return !o.IsClosed() && !p.ExpirationTime.IsZero() && !env.Now.Before(p.ExpirationTime)
}

// ChainedOrderFillingPricePolicy cancels an entry order when the price
// already reached the trigger of one of its chained orders, as filling the
// entry then would open a position whose exit has been missed.
type ChainedOrderFillingPricePolicy struct{}

func (ChainedOrderFillingPricePolicy) Name() string { return PolicyChainedOrderFillingPrice }

func (ChainedOrderFillingPricePolicy) ShouldCancel(o *Order, env PolicyContext) bool {
	if o.IsClosed() || !env.Price.IsPositive() {
		return false
	}
	for _, c := range o.ChainedOrders() {
		trigger := c.TriggerPrice()
		if !trigger.IsPositive() {
			continue
		}
		if c.TriggerAbove() && env.Price.GreaterThanOrEqual(trigger) {
			return true
		}
		if !c.TriggerAbove() && env.Price.LessThanOrEqual(trigger) {
			return true
		}
	}
	return false
}

// NewCancelPolicy builds a policy from its class name and keyword arguments.
func NewCancelPolicy(name string, kwargs map[string]any) (CancelPolicy, error) {
	switch name {
	case PolicyExpirationTime:
		raw, ok := kwargs["expiration_time"]
		if !ok {
			return nil, errs.New(errs.InvalidCancelPolicy, "%s requires expiration_time", name)
		}
		ts, err := parseTime(raw)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidCancelPolicy, err, "%s expiration_time", name)
		}
		return ExpirationTimePolicy{ExpirationTime: ts}, nil
	case PolicyChainedOrderFillingPrice:
		return ChainedOrderFillingPricePolicy{}, nil
	}
	return nil, errs.New(errs.InvalidCancelPolicy, "unknown cancel policy %q", name)
}

// parseTime accepts time values, RFC3339 strings and unix seconds.
func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(time.RFC3339, t)
	case float64:
		sec := int64(t)
		return time.Unix(sec, int64((t-float64(sec))*1e9)), nil
	case int64:
		return time.Unix(t, 0), nil
	case int:
		return time.Unix(int64(t), 0), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value %T", v)
}
