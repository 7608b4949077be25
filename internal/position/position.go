package position

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
)

// Side of a position. One-way mode uses Both.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
	Both  Side = "both"
)

// ParseSide validates a side string.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case Long, Short, Both:
		return Side(s), nil
	case "":
		return Both, nil
	}
	return "", errs.New(errs.InvalidPositionSide, "%q", s)
}

// Status of a position.
type Status string

const (
	StatusOpen       Status = "open"
	StatusIdle       Status = "idle"
	StatusLiquidated Status = "liquidated"
)

var one = decimal.NewFromInt(1)

// Position is an exposure on one contract. Size is signed: positive for
// long exposure, negative for short.
type Position struct {
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Currency         string          `json:"currency"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	Margin           decimal.Decimal `json:"margin"`
	Status           Status          `json:"status"`
	Updated          time.Time       `json:"updated"`
}

// IsIdle reports an empty position.
func (p Position) IsIdle() bool { return p.Size.IsZero() }

// IsLong reports long exposure.
func (p Position) IsLong() bool { return p.Size.IsPositive() }

// UnrealizedPnl of size contracts entered at entry and marked at mark.
// Linear: (mark - entry) * size. Inverse: (1/entry - 1/mark) * size *
// contract size. Short sizes are negative which flips the sign.
func UnrealizedPnl(c *Contract, entry, mark, size decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() || !mark.IsPositive() || size.IsZero() {
		return decimal.Zero
	}
	if c.Type.IsInverse() {
		return one.Div(entry).Sub(one.Div(mark)).Mul(size).Mul(c.ContractSize)
	}
	return mark.Sub(entry).Mul(size)
}

// InitialMargin locked by size contracts at entry.
func InitialMargin(c *Contract, entry, size decimal.Decimal) decimal.Decimal {
	lev := c.CurrentLeverage
	if !lev.IsPositive() {
		lev = one
	}
	abs := size.Abs()
	if c.Type.IsInverse() {
		if !entry.IsPositive() {
			return decimal.Zero
		}
		return abs.Mul(c.ContractSize).Div(entry).Div(lev)
	}
	return abs.Mul(entry).Div(lev)
}

// LiquidationPrice of a position entered at entry.
func LiquidationPrice(c *Contract, entry decimal.Decimal, long bool) decimal.Decimal {
	lev := c.CurrentLeverage
	if !entry.IsPositive() || !lev.IsPositive() {
		return decimal.Zero
	}
	mmr := c.MaintenanceMarginRate
	if c.Type.IsInverse() {
		var denom decimal.Decimal
		if long {
			denom = lev.Add(one).Sub(mmr.Mul(lev))
		} else {
			denom = lev.Sub(one).Add(mmr.Mul(lev))
		}
		if !denom.IsPositive() {
			return decimal.Zero
		}
		return entry.Mul(lev).Div(denom)
	}
	inv := one.Div(lev)
	if long {
		return entry.Mul(one.Sub(inv).Add(mmr))
	}
	return entry.Mul(one.Add(inv).Sub(mmr))
}

// averageEntry blends an existing entry with an increase at price. Inverse
// contracts average harmonically.
func averageEntry(c *Contract, entry, size, price, delta decimal.Decimal) decimal.Decimal {
	oldAbs, addAbs := size.Abs(), delta.Abs()
	total := oldAbs.Add(addAbs)
	if total.IsZero() {
		return decimal.Zero
	}
	if c.Type.IsInverse() {
		return total.Div(oldAbs.Div(entry).Add(addAbs.Div(price)))
	}
	return entry.Mul(oldAbs).Add(price.Mul(addAbs)).Div(total)
}

// applyFill changes the size by delta at price and returns the realized pnl
// of any reduced part.
func (p *Position) applyFill(c *Contract, price, delta decimal.Decimal) decimal.Decimal {
	realized := decimal.Zero
	switch {
	case p.Size.IsZero() || p.Size.Sign() == delta.Sign():
		if p.Size.IsZero() {
			p.EntryPrice = price
		} else {
			p.EntryPrice = averageEntry(c, p.EntryPrice, p.Size, price, delta)
		}
		p.Size = p.Size.Add(delta)
	default:
		closing := decimal.Min(p.Size.Abs(), delta.Abs())
		closed := closing.Mul(decimal.NewFromInt(int64(p.Size.Sign())))
		realized = UnrealizedPnl(c, p.EntryPrice, price, closed)
		p.Size = p.Size.Add(delta)
		switch {
		case p.Size.IsZero():
			p.EntryPrice = decimal.Zero
		case p.Size.Sign() == delta.Sign():
			p.EntryPrice = price
		}
	}
	p.RealizedPnl = p.RealizedPnl.Add(realized)
	return realized
}

// update recomputes the mark dependent fields and reports whether the mark
// crossed the liquidation price.
func (p *Position) update(c *Contract, mark decimal.Decimal, at time.Time) bool {
	if mark.IsPositive() {
		p.MarkPrice = mark
	}
	p.Updated = at
	if p.Size.IsZero() {
		if p.Status != StatusLiquidated {
			p.Status = StatusIdle
		}
		p.UnrealizedPnl, p.Margin, p.LiquidationPrice = decimal.Zero, decimal.Zero, decimal.Zero
		return false
	}
	p.Status = StatusOpen
	p.UnrealizedPnl = UnrealizedPnl(c, p.EntryPrice, p.MarkPrice, p.Size)
	p.Margin = InitialMargin(c, p.EntryPrice, p.Size)
	p.LiquidationPrice = LiquidationPrice(c, p.EntryPrice, p.IsLong())
	if !p.MarkPrice.IsPositive() || !p.LiquidationPrice.IsPositive() {
		return false
	}
	if p.IsLong() {
		return p.MarkPrice.LessThanOrEqual(p.LiquidationPrice)
	}
	return p.MarkPrice.GreaterThanOrEqual(p.LiquidationPrice)
}

// liquidate closes the position at its liquidation price and returns the
// realized loss.
func (p *Position) liquidate(c *Contract) decimal.Decimal {
	loss := UnrealizedPnl(c, p.EntryPrice, p.LiquidationPrice, p.Size)
	p.RealizedPnl = p.RealizedPnl.Add(loss)
	p.Size = decimal.Zero
	p.EntryPrice = decimal.Zero
	p.UnrealizedPnl = decimal.Zero
	p.Margin = decimal.Zero
	p.Status = StatusLiquidated
	return loss
}
