package order

import (
	"strings"

	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
	"trading-engine/pkg/exchanges/common"
)

// Side denotes order side.
type Side = common.Side

const (
	Buy  = common.SideBuy
	Sell = common.SideSell
)

// Kind is the order variant. Behaviour that differs per variant dispatches
// on it.
type Kind string

const (
	BuyMarket         Kind = "buy_market"
	SellMarket        Kind = "sell_market"
	BuyLimit          Kind = "buy_limit"
	SellLimit         Kind = "sell_limit"
	StopLoss          Kind = "stop_loss"
	StopLossLimit     Kind = "stop_loss_limit"
	TakeProfit        Kind = "take_profit"
	TakeProfitLimit   Kind = "take_profit_limit"
	TrailingStop      Kind = "trailing_stop"
	TrailingStopLimit Kind = "trailing_stop_limit"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(s))
	switch k {
	case BuyMarket, SellMarket, BuyLimit, SellLimit, StopLoss, StopLossLimit,
		TakeProfit, TakeProfitLimit, TrailingStop, TrailingStopLimit:
		return k, nil
	}
	return "", errs.New(errs.UnsupportedOrderType, "%q", s)
}

// IsMarket reports whether the order executes at the current price.
func (k Kind) IsMarket() bool { return k == BuyMarket || k == SellMarket }

// IsLimit reports plain limit orders.
func (k Kind) IsLimit() bool { return k == BuyLimit || k == SellLimit }

// IsStop reports stop-loss variants.
func (k Kind) IsStop() bool { return k == StopLoss || k == StopLossLimit }

// IsTakeProfit reports take-profit variants.
func (k Kind) IsTakeProfit() bool { return k == TakeProfit || k == TakeProfitLimit }

// IsTrailing reports trailing stop variants.
func (k Kind) IsTrailing() bool { return k == TrailingStop || k == TrailingStopLimit }

// HasLimitLeg reports variants that become a limit order once triggered.
func (k Kind) HasLimitLeg() bool {
	return k == StopLossLimit || k == TakeProfitLimit || k == TrailingStopLimit
}

// IsMaker reports whether fills pay the maker fee.
func (k Kind) IsMaker() bool { return k.IsLimit() || k.HasLimitLeg() }

// ImpliedSide returns the side fixed by market and limit kinds.
func (k Kind) ImpliedSide() (Side, bool) {
	switch k {
	case BuyMarket, BuyLimit:
		return Buy, true
	case SellMarket, SellLimit:
		return Sell, true
	}
	return "", false
}

// ExchangeType maps the kind to the order type sent to exchanges.
func (k Kind) ExchangeType() common.OrderType {
	switch k {
	case BuyMarket, SellMarket:
		return common.OrderTypeMarket
	case BuyLimit, SellLimit:
		return common.OrderTypeLimit
	}
	return common.OrderType(k)
}

// KindFromExchange maps an exchange order type and side to a kind.
func KindFromExchange(t string, side Side) (Kind, error) {
	switch common.OrderType(strings.ToLower(t)) {
	case common.OrderTypeMarket:
		if side == Buy {
			return BuyMarket, nil
		}
		return SellMarket, nil
	case common.OrderTypeLimit:
		if side == Buy {
			return BuyLimit, nil
		}
		return SellLimit, nil
	}
	return ParseKind(t)
}

// ParseSide validates a side string.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(s)) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", errs.New(errs.InvalidArgument, "unknown side %q", s)
}

// Opposite returns the other side.
func Opposite(s Side) Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Status is what the exchange last reported about an order.
type Status string

const (
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCanceled        Status = "canceled"
	StatusClosed          Status = "closed"
	StatusExpired         Status = "expired"
	StatusRejected        Status = "rejected"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(s))
	switch st {
	case StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusClosed, StatusExpired, StatusRejected:
		return st, nil
	case "cancelled":
		return StatusCanceled, nil
	case "new":
		return StatusOpen, nil
	}
	return "", errs.New(errs.InvalidArgument, "unknown order status %q", s)
}

// IsCancelled reports statuses ending an order without a fill.
func (s Status) IsCancelled() bool {
	return s == StatusCanceled || s == StatusExpired || s == StatusRejected
}

// State is the engine side lifecycle stage, orthogonal to Status.
type State string

const (
	StateOpening    State = "opening"
	StateOpen       State = "open"
	StateFilling    State = "filling"
	StateFilled     State = "filled"
	StateCanceling  State = "canceling"
	StateCanceled   State = "canceled"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateRefreshing State = "refreshing"
)

// Fee is the fee charged on a fill.
type Fee struct {
	Currency string          `json:"currency"`
	Cost     decimal.Decimal `json:"cost"`
	Rate     decimal.Decimal `json:"rate"`
}
