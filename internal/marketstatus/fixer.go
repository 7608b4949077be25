package marketstatus

import (
	"math"
	"strings"
)

const (
	// limits are derived from a reference price with factors calibrated on
	// popular exchanges
	priceFactor            = 1000.0
	amountMaxExponent      = 8.0
	amountMinExponent      = 1.0
	amountMinNegativeShift = 3.0
)

// Fixer repairs missing precision and limit fields of a Status.
type Fixer struct {
	priceExample float64
}

// NewFixer returns a fixer. A positive priceExample enables the reference
// price derivations.
func NewFixer(priceExample float64) *Fixer {
	return &Fixer{priceExample: priceExample}
}

// Normalize parses raw and fixes the result. It never fails.
func Normalize(raw map[string]any, priceExample float64) Status {
	return NewFixer(priceExample).Fix(Parse(raw))
}

// Fix returns a copy of s with every derivable field filled in.
func (f *Fixer) Fix(s Status) Status {
	out := s
	out.Precision = clonePrecision(s.Precision)
	out.Limits = cloneLimits(s.Limits)

	f.fromOtherLimits(&out.Limits)
	if f.priceExample > 0 {
		f.fromPrice(&out)
	}
	f.fromFilters(&out)
	f.fromOtherLimits(&out.Limits)

	if out.Limits.Cost.Min == nil {
		out.Limits.Cost.Min = Float(0)
	}
	return out
}

// fromOtherLimits derives cost from amount and price, or amount from cost and
// price.
func (f *Fixer) fromOtherLimits(l *Limits) {
	if l.Cost.Max == nil && l.Amount.Max != nil && l.Price.Max != nil {
		l.Cost.Max = Float(*l.Amount.Max * *l.Price.Max)
	}
	if l.Cost.Min == nil && l.Amount.Min != nil && l.Price.Min != nil {
		l.Cost.Min = Float(*l.Amount.Min * *l.Price.Min)
	}
	if l.Amount.Max == nil && l.Cost.Max != nil && l.Price.Max != nil && *l.Price.Max > 0 {
		l.Amount.Max = Float(*l.Cost.Max / *l.Price.Max)
	}
	if l.Amount.Min == nil && l.Cost.Min != nil && l.Price.Min != nil && *l.Price.Min > 0 {
		l.Amount.Min = Float(*l.Cost.Min / *l.Price.Min)
	}
}

func (f *Fixer) fromPrice(s *Status) {
	precision := decimalsOf(f.priceExample)
	if s.Precision.Price == nil {
		s.Precision.Price = Float(precision)
	}
	if s.Precision.Amount == nil {
		s.Precision.Amount = Float(precision)
	}
	if s.Precision.Cost == nil {
		s.Precision.Cost = Float(precision)
	}

	l := &s.Limits
	if l.Price.Max == nil {
		l.Price.Max = Float(f.priceExample * priceFactor)
	}
	if l.Price.Min == nil {
		l.Price.Min = Float(f.priceExample / priceFactor)
	}

	maxExp, minExp := amountExponents(math.Log10(f.priceExample))
	if l.Amount.Max == nil {
		l.Amount.Max = Float(math.Pow(10, maxExp))
	}
	if l.Amount.Min == nil {
		l.Amount.Min = Float(math.Pow(10, minExp))
	}
	if l.Cost.Max == nil {
		l.Cost.Max = Float(*l.Amount.Max * *l.Price.Max)
	}
	if l.Cost.Min == nil {
		l.Cost.Min = Float(*l.Amount.Min * *l.Price.Min)
	}
}

// amountExponents returns the power of ten bounding the amount for a price
// whose log10 is priceLog.
func amountExponents(priceLog float64) (maxExp, minExp float64) {
	if priceLog >= 0 {
		return amountMaxExponent - priceLog, amountMinExponent - priceLog
	}
	return -priceLog + amountMaxExponent, -(priceLog + amountMinNegativeShift)
}

func (f *Fixer) fromFilters(s *Status) {
	for _, filter := range s.Filters {
		kind, _ := filter["filterType"].(string)
		switch strings.ToUpper(kind) {
		case "PRICE_FILTER":
			setIfMissing(&s.Limits.Price.Min, filter["minPrice"])
			setIfMissing(&s.Limits.Price.Max, filter["maxPrice"])
			if tick := number(filter["tickSize"]); tick != nil && *tick > 0 && s.Precision.Price == nil {
				s.Precision.Price = Float(decimalsOf(*tick))
			}
		case "LOT_SIZE":
			setIfMissing(&s.Limits.Amount.Min, filter["minQty"])
			setIfMissing(&s.Limits.Amount.Max, filter["maxQty"])
			if step := number(filter["stepSize"]); step != nil && *step > 0 && s.Precision.Amount == nil {
				s.Precision.Amount = Float(decimalsOf(*step))
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			setIfMissing(&s.Limits.Cost.Min, filter["minNotional"])
			setIfMissing(&s.Limits.Cost.Max, filter["maxNotional"])
		}
	}
}

// setIfMissing fills dst from a positive raw value.
func setIfMissing(dst **float64, raw any) {
	if *dst != nil {
		return
	}
	if v := number(raw); v != nil && *v > 0 {
		*dst = v
	}
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return Float(*p)
}

func clonePrecision(p Precision) Precision {
	return Precision{Amount: clonePtr(p.Amount), Price: clonePtr(p.Price), Cost: clonePtr(p.Cost)}
}

func cloneLimits(l Limits) Limits {
	cp := func(m MinMax) MinMax { return MinMax{Min: clonePtr(m.Min), Max: clonePtr(m.Max)} }
	return Limits{Amount: cp(l.Amount), Price: cp(l.Price), Cost: cp(l.Cost)}
}
