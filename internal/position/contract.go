// Package position tracks derivative contracts and positions: entry price,
// leverage, margin, pnl and liquidation.
package position

import (
	"strings"

	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
	"trading-engine/internal/symbol"
)

// ContractType describes settlement and expiry of a contract.
type ContractType string

const (
	LinearPerpetual  ContractType = "linear_perpetual"
	InversePerpetual ContractType = "inverse_perpetual"
	LinearExpiring   ContractType = "linear_expiring"
	InverseExpiring  ContractType = "inverse_expiring"
)

// IsInverse reports contracts settled in the base currency.
func (t ContractType) IsInverse() bool { return t == InversePerpetual || t == InverseExpiring }

// MarginType is isolated or cross.
type MarginType string

const (
	Isolated MarginType = "isolated"
	Cross    MarginType = "cross"
)

// Mode is one-way or hedge.
type Mode string

const (
	OneWay Mode = "one_way"
	Hedge  Mode = "hedge"
)

// DefaultMaintenanceMarginRate applies when the exchange does not report one.
var DefaultMaintenanceMarginRate = decimal.NewFromFloat(0.005)

// Contract holds the settings of one derivative symbol.
type Contract struct {
	Symbol                string          `json:"symbol"`
	Type                  ContractType    `json:"type"`
	MarginType            MarginType      `json:"margin_type"`
	Mode                  Mode            `json:"mode"`
	CurrentLeverage       decimal.Decimal `json:"current_leverage"`
	MaximumLeverage       decimal.Decimal `json:"maximum_leverage"`
	ContractSize          decimal.Decimal `json:"contract_size"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenance_margin_rate"`
	PartialTakeProfitStop bool            `json:"partial_take_profit_stop_loss"`
}

// DefaultContract derives a cross margin, one-way, 1x contract from a
// derivative symbol.
func DefaultContract(sym string) (*Contract, error) {
	s, err := symbol.Parse(sym)
	if err != nil {
		return nil, err
	}
	var typ ContractType
	switch {
	case s.IsOption() || s.IsSpot():
		return nil, errs.New(errs.UnhandledContract, "%s is not a future", sym)
	case s.IsInverse() && s.IsPerpetual():
		typ = InversePerpetual
	case s.IsInverse():
		typ = InverseExpiring
	case s.IsPerpetual():
		typ = LinearPerpetual
	default:
		typ = LinearExpiring
	}
	return &Contract{
		Symbol:                sym,
		Type:                  typ,
		MarginType:            Cross,
		Mode:                  OneWay,
		CurrentLeverage:       decimal.NewFromInt(1),
		ContractSize:          decimal.NewFromInt(1),
		MaintenanceMarginRate: DefaultMaintenanceMarginRate,
	}, nil
}

// SetCurrentLeverage validates and sets the leverage.
func (c *Contract) SetCurrentLeverage(l decimal.Decimal) error {
	if l.LessThan(decimal.NewFromInt(1)) {
		return errs.New(errs.InvalidLeverageValue, "leverage %s below 1", l)
	}
	if c.MaximumLeverage.IsPositive() && l.GreaterThan(c.MaximumLeverage) {
		return errs.New(errs.InvalidLeverageValue, "leverage %s above maximum %s", l, c.MaximumLeverage)
	}
	c.CurrentLeverage = l
	return nil
}

// ParseContractType maps exchange wording to a contract type.
func ParseContractType(s string) (ContractType, error) {
	t := ContractType(strings.ToLower(strings.ReplaceAll(s, " ", "_")))
	switch t {
	case LinearPerpetual, InversePerpetual, LinearExpiring, InverseExpiring:
		return t, nil
	}
	return "", errs.New(errs.UnhandledContract, "contract type %q", s)
}

// ParseMarginType maps exchange wording to a margin type.
func ParseMarginType(s string) (MarginType, error) {
	switch strings.ToLower(s) {
	case "isolated":
		return Isolated, nil
	case "cross", "crossed":
		return Cross, nil
	}
	return "", errs.New(errs.UnsupportedContractConfiguration, "margin type %q", s)
}

// ParseMode maps exchange wording to a position mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "one_way", "oneway", "":
		return OneWay, nil
	case "hedge":
		return Hedge, nil
	}
	return "", errs.New(errs.UnsupportedContractConfiguration, "position mode %q", s)
}
