package order

import (
	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
	"trading-engine/internal/marketstatus"
)

// Detail is the quantity and price of one order after adaptation.
type Detail struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

func bound(v *float64) (decimal.Decimal, bool) {
	if v == nil || *v <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(*v), true
}

// AdaptDetails floors quantity and price to the market precision, rejects
// orders below the market minimums and splits orders above the maximum
// amount or cost into several orders. A split remainder that cannot be
// traded on its own is dropped. A zero price skips price and cost checks.
func AdaptDetails(quantity, price decimal.Decimal, st marketstatus.Status) ([]Detail, error) {
	if places, ok := st.PriceDecimals(); ok && price.IsPositive() {
		price = price.Truncate(places)
	}
	amountPlaces, hasAmountPlaces := st.AmountDecimals()
	floor := func(q decimal.Decimal) decimal.Decimal {
		if hasAmountPlaces {
			return q.Truncate(amountPlaces)
		}
		return q
	}
	quantity = floor(quantity)

	if price.IsPositive() {
		if minPrice, ok := bound(st.Limits.Price.Min); ok && price.LessThan(minPrice) {
			return nil, errs.New(errs.InvalidArgument, "price %s below market minimum %s", price, minPrice)
		}
		if maxPrice, ok := bound(st.Limits.Price.Max); ok && price.GreaterThan(maxPrice) {
			return nil, errs.New(errs.InvalidArgument, "price %s above market maximum %s", price, maxPrice)
		}
	}
	minAmount, hasMinAmount := bound(st.Limits.Amount.Min)
	minCost, hasMinCost := bound(st.Limits.Cost.Min)
	tradable := func(q decimal.Decimal) bool {
		if !q.IsPositive() || (hasMinAmount && q.LessThan(minAmount)) {
			return false
		}
		return !price.IsPositive() || !hasMinCost || !q.Mul(price).LessThan(minCost)
	}
	if !tradable(quantity) {
		return nil, errs.New(errs.MissingMinimalExchangeTradeVolume,
			"quantity %s at price %s is below market minimums", quantity, price)
	}

	chunk, hasChunk := bound(st.Limits.Amount.Max)
	if maxCost, ok := bound(st.Limits.Cost.Max); ok && price.IsPositive() {
		byCost := floor(maxCost.Div(price))
		if !hasChunk || byCost.LessThan(chunk) {
			chunk, hasChunk = byCost, true
		}
	}
	if !hasChunk || !chunk.IsPositive() || quantity.LessThanOrEqual(chunk) {
		return []Detail{{Quantity: quantity, Price: price}}, nil
	}
	full := quantity.Div(chunk).Floor().IntPart()
	details := make([]Detail, 0, full+1)
	for i := int64(0); i < full; i++ {
		details = append(details, Detail{Quantity: chunk, Price: price})
	}
	if rest := quantity.Sub(chunk.Mul(decimal.NewFromInt(full))); tradable(rest) {
		details = append(details, Detail{Quantity: rest, Price: price})
	}
	return details, nil
}
