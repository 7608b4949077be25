// Package marketstatus normalizes the precision and limits an exchange
// reports for a market, inferring what is missing.
package marketstatus

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Precision counts decimals for amount, price and cost.
type Precision struct {
	Amount *float64 `json:"amount"`
	Price  *float64 `json:"price"`
	Cost   *float64 `json:"cost"`
}

// MinMax is a bounded range where either side may be unknown.
type MinMax struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

// Limits bounds amount, price and cost of an order.
type Limits struct {
	Amount MinMax `json:"amount"`
	Price  MinMax `json:"price"`
	Cost   MinMax `json:"cost"`
}

// Filter is an exchange specific rule such as PRICE_FILTER or LOT_SIZE.
type Filter map[string]any

// Status is the normalized market description.
type Status struct {
	Symbol    string    `json:"symbol"`
	Active    bool      `json:"active"`
	Precision Precision `json:"precision"`
	Limits    Limits    `json:"limits"`
	Filters   []Filter  `json:"-"`
}

// Complete reports whether s has the amount and price precision and limits
// that a reference price would otherwise derive.
func (s Status) Complete() bool {
	return s.Precision.Amount != nil && s.Precision.Price != nil &&
		s.Limits.Amount.Min != nil && s.Limits.Amount.Max != nil &&
		s.Limits.Price.Min != nil && s.Limits.Price.Max != nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Parse coerces a raw exchange record into a Status. Unparseable values are
// treated as missing.
func Parse(raw map[string]any) Status {
	s := Status{Active: true}
	s.Symbol, _ = raw["symbol"].(string)
	if active, ok := raw["active"].(bool); ok {
		s.Active = active
	}
	if p, ok := raw["precision"].(map[string]any); ok {
		s.Precision.Amount = number(p["amount"])
		s.Precision.Price = number(p["price"])
		s.Precision.Cost = number(p["cost"])
	}
	if l, ok := raw["limits"].(map[string]any); ok {
		s.Limits.Amount = minMax(l["amount"])
		s.Limits.Price = minMax(l["price"])
		s.Limits.Cost = minMax(l["cost"])
	}
	if info, ok := raw["info"].(map[string]any); ok {
		if filters, ok := info["filters"].([]any); ok {
			for _, f := range filters {
				if m, ok := f.(map[string]any); ok {
					s.Filters = append(s.Filters, Filter(m))
				}
			}
		}
	}
	return s
}

func minMax(v any) MinMax {
	m, ok := v.(map[string]any)
	if !ok {
		return MinMax{}
	}
	return MinMax{Min: number(m["min"]), Max: number(m["max"])}
}

// number converts JSON-ish values to a finite float.
func number(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// decimalsOf counts the decimals of a tick or step size such as "0.0100".
func decimalsOf(v float64) float64 {
	d := decimal.NewFromFloat(v)
	if exp := d.Exponent(); exp < 0 {
		return float64(-exp)
	}
	return 0
}

// AmountDecimals returns the amount precision as a decimal place count.
func (s Status) AmountDecimals() (int32, bool) { return places(s.Precision.Amount) }

// PriceDecimals returns the price precision as a decimal place count.
func (s Status) PriceDecimals() (int32, bool) { return places(s.Precision.Price) }

func places(p *float64) (int32, bool) {
	if p == nil {
		return 0, false
	}
	return int32(*p), true
}
