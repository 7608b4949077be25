package order

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
	"trading-engine/pkg/exchanges/common"
)

// Map keys follow the CCXT order dictionary.
const (
	keyID        = "id"
	keySymbol    = "symbol"
	keySide      = "side"
	keyType      = "type"
	keyPrice     = "price"
	keyAverage   = "average"
	keyAmount    = "amount"
	keyStatus    = "status"
	keyStopPrice = "stopPrice"
	keyFilled    = "filled"
	keyCost      = "cost"
	keyTimestamp = "timestamp"
	keyTag       = "tag"
	keyFee       = "fee"
	keyTrailing  = "trailingPercent"
)

// ToMap renders o as an exchange style order dictionary.
func (o *Order) ToMap() map[string]any {
	s := o.Snapshot()
	id := s.ExchangeOrderID
	if id == "" {
		id = s.ID
	}
	m := map[string]any{
		keyID:        id,
		keySymbol:    s.Symbol,
		keySide:      string(s.Side),
		keyType:      string(s.Kind.ExchangeType()),
		keyPrice:     s.OriginPrice.InexactFloat64(),
		keyAmount:    s.OriginQuantity.InexactFloat64(),
		keyStatus:    string(s.Status),
		keyFilled:    s.FilledQuantity.InexactFloat64(),
		keyCost:      s.TotalCost.InexactFloat64(),
		keyTimestamp: s.CreationTime.UnixMilli(),
	}
	if s.OriginStopPrice.IsPositive() {
		m[keyStopPrice] = s.OriginStopPrice.InexactFloat64()
	}
	if s.FilledPrice.IsPositive() {
		m[keyAverage] = s.FilledPrice.InexactFloat64()
	}
	if s.TrailingPercent.IsPositive() {
		m[keyTrailing] = s.TrailingPercent.InexactFloat64()
	}
	if s.Tag != "" {
		m[keyTag] = s.Tag
	}
	if s.Fee.Currency != "" {
		m[keyFee] = map[string]any{"currency": s.Fee.Currency, "cost": s.Fee.Cost.InexactFloat64()}
	}
	return m
}

// FromMap rebuilds an order from an exchange style dictionary. The id
// becomes both the order id and the exchange order id.
func FromMap(m map[string]any) (*Order, error) {
	id, _ := m[keyID].(string)
	sym, _ := m[keySymbol].(string)
	side, err := ParseSide(str(m[keySide]))
	if err != nil {
		return nil, err
	}
	kind, err := KindFromExchange(str(m[keyType]), side)
	if err != nil {
		return nil, err
	}
	amount, ok := decimalOf(m[keyAmount])
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "order %s has no amount", id)
	}
	price, _ := decimalOf(m[keyPrice])
	stop, _ := decimalOf(m[keyStopPrice])
	trailing, _ := decimalOf(m[keyTrailing])
	var created time.Time
	if ts, ok := decimalOf(m[keyTimestamp]); ok {
		created = time.UnixMilli(ts.IntPart())
	}
	tag, _ := m[keyTag].(string)
	o, err := New(Params{
		ID:              id,
		Symbol:          sym,
		Kind:            kind,
		Side:            side,
		Price:           price,
		Quantity:        amount,
		StopPrice:       stop,
		TrailingPercent: trailing,
		Tag:             tag,
		CreationTime:    created,
	})
	if err != nil {
		return nil, err
	}
	o.exchangeOrderID = id
	u, err := ParseUpdate(m)
	if err != nil {
		return nil, err
	}
	o.status = u.Status
	if u.Filled.IsPositive() {
		fillPrice := u.Price
		if fillPrice.IsZero() {
			fillPrice = price
		}
		o.filledQuantity = u.Filled
		o.filledPrice = fillPrice
		o.totalCost = u.Cost
		if o.totalCost.IsZero() {
			o.totalCost = fillPrice.Mul(u.Filled)
		}
	}
	o.fee = u.Fee
	return o, nil
}

// Update is the part of an exchange order dictionary that refreshes an
// existing order.
type Update struct {
	ExchangeOrderID string
	Status          Status
	Filled          decimal.Decimal
	Price           decimal.Decimal // average fill price when known
	Cost            decimal.Decimal
	Fee             Fee
}

// ParseUpdate extracts refresh data from an exchange order dictionary.
// CCXT reports fully executed orders as closed.
func ParseUpdate(m map[string]any) (Update, error) {
	u := Update{ExchangeOrderID: str(m[keyID]), Status: StatusOpen}
	st := StatusOpen
	if raw := str(m[keyStatus]); raw != "" {
		parsed, err := ParseStatus(raw)
		if err != nil {
			return u, err
		}
		st = parsed
	}
	u.Status = st
	u.Filled, _ = decimalOf(m[keyFilled])
	u.Cost, _ = decimalOf(m[keyCost])
	if avg, ok := decimalOf(m[keyAverage]); ok && avg.IsPositive() {
		u.Price = avg
	} else if p, ok := decimalOf(m[keyPrice]); ok {
		u.Price = p
	}
	if amount, ok := decimalOf(m[keyAmount]); ok && st == StatusClosed && u.Filled.Equal(amount) {
		u.Status = StatusFilled
	}
	if st == StatusOpen && u.Filled.IsPositive() {
		u.Status = StatusPartiallyFilled
	}
	if fee, ok := m[keyFee].(map[string]any); ok {
		u.Fee.Currency = str(fee["currency"])
		u.Fee.Cost, _ = decimalOf(fee["cost"])
	}
	return u, nil
}

// Request builds the exchange submission for o.
func (o *Order) Request() common.OrderRequest {
	s := o.Snapshot()
	return common.OrderRequest{
		Symbol:          s.Symbol,
		Side:            s.Side,
		Type:            s.Kind.ExchangeType(),
		Quantity:        s.OriginQuantity,
		Price:           s.OriginPrice,
		StopPrice:       s.OriginStopPrice,
		TrailingPercent: s.TrailingPercent,
		ClientID:        s.ID,
		ReduceOnly:      s.ReduceOnly,
		PostOnly:        s.PostOnly,
		PositionSide:    o.PositionSide,
		Tag:             s.Tag,
	}
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}

func decimalOf(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Zero, false
		}
		if d, err := decimal.NewFromString(s); err == nil {
			return d, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return decimal.NewFromFloat(f), err == nil
	}
	return decimal.Zero, false
}
