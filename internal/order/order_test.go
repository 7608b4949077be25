package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/errs"
	"trading-engine/internal/marketstatus"
)

func TestNewValidatesParams(t *testing.T) {
	tests := []struct {
		name string
		p    Params
		kind *errs.Kind
	}{
		{"unknown kind", Params{Symbol: "BTC/USDT", Kind: "iceberg", Quantity: d(1)}, errs.UnsupportedOrderType},
		{"bad symbol", Params{Symbol: "BTCUSDT", Kind: BuyMarket, Quantity: d(1)}, errs.UntradableSymbol},
		{"zero quantity", Params{Symbol: "BTC/USDT", Kind: BuyMarket}, errs.OrderCreation},
		{"stop without side", Params{Symbol: "BTC/USDT", Kind: StopLoss, Price: d(1), Quantity: d(1)}, errs.OrderCreation},
		{"limit without price", Params{Symbol: "BTC/USDT", Kind: SellLimit, Quantity: d(1)}, errs.OrderCreation},
		{"trailing without percent", Params{Symbol: "BTC/USDT", Kind: TrailingStop, Side: Sell, Quantity: d(1)}, errs.OrderCreation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.p)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestNewDerivesSideAndID(t *testing.T) {
	o, err := New(Params{Symbol: "ETH/USDT", Kind: SellMarket, Side: Buy, Quantity: d(1)})
	require.NoError(t, err)
	assert.Equal(t, Sell, o.Side, "market and limit kinds fix their side")
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, StatusOpen, o.Status())
	assert.False(t, o.CreationTime.IsZero())
}

func TestTriggerDirection(t *testing.T) {
	tests := []struct {
		kind  Kind
		side  Side
		above bool
	}{
		{BuyLimit, Buy, false},
		{SellLimit, Sell, true},
		{StopLoss, Sell, false},
		{StopLoss, Buy, true},
		{TakeProfit, Sell, true},
		{TakeProfit, Buy, false},
		{TrailingStop, Sell, false},
		{TrailingStopLimit, Buy, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.side), func(t *testing.T) {
			o := &Order{Kind: tt.kind, Side: tt.side}
			assert.Equal(t, tt.above, o.TriggerAbove())
		})
	}
}

func TestTriggerPricePrefersStopPrice(t *testing.T) {
	o := mustOrder(t, Params{Kind: StopLossLimit, Side: Sell, Price: d(94), StopPrice: d(95), Quantity: d(1)})
	assert.True(t, o.TriggerPrice().Equal(d(95)))
	l := mustOrder(t, Params{Kind: BuyLimit, Price: d(94), StopPrice: d(95), Quantity: d(1)})
	assert.True(t, l.TriggerPrice().Equal(d(94)), "limits trigger on their price")
}

func TestUpdateFillTracksStatus(t *testing.T) {
	o := mustOrder(t, Params{Kind: BuyLimit, Price: d(10), Quantity: d(2)})
	require.NoError(t, o.UpdateFill(d(10), d(0.5)))
	assert.Equal(t, StatusPartiallyFilled, o.Status())
	assert.True(t, o.RemainingQuantity().Equal(d(1.5)))
	assert.True(t, o.TotalCost().Equal(d(5)))

	require.NoError(t, o.UpdateFill(d(10), d(3)))
	assert.Equal(t, StatusFilled, o.Status())
	assert.True(t, o.FilledQuantity().Equal(d(2)), "fill is clamped to the origin quantity")
	assert.True(t, o.IsFilled())

	assert.ErrorIs(t, o.SetQuantity(d(1)), errs.OrderEdit, "quantity cannot drop below filled")
}

func TestKindExchangeMapping(t *testing.T) {
	tests := []struct {
		typ  string
		side Side
		kind Kind
	}{
		{"market", Buy, BuyMarket},
		{"MARKET", Sell, SellMarket},
		{"limit", Buy, BuyLimit},
		{"limit", Sell, SellLimit},
		{"stop_loss", Sell, StopLoss},
		{"take_profit_limit", Sell, TakeProfitLimit},
	}
	for _, tt := range tests {
		t.Run(tt.typ+"/"+string(tt.side), func(t *testing.T) {
			k, err := KindFromExchange(tt.typ, tt.side)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, k)
		})
	}
	_, err := KindFromExchange("fill_or_kill", Buy)
	assert.ErrorIs(t, err, errs.UnsupportedOrderType)
}

func TestMapRoundTrip(t *testing.T) {
	orders := []*Order{
		mustOrder(t, Params{Kind: BuyLimit, Price: d(100.5), Quantity: d(0.25), Tag: "entry"}),
		mustOrder(t, Params{Kind: SellMarket, Quantity: d(3)}),
		mustOrder(t, Params{Kind: StopLoss, Side: Sell, Price: d(90), StopPrice: d(91), Quantity: d(1)}),
		mustOrder(t, Params{Kind: TrailingStop, Side: Buy, TrailingPercent: d(2), Quantity: d(1)}),
	}
	require.NoError(t, orders[0].UpdateFill(d(100.5), d(0.1)))
	for _, o := range orders {
		t.Run(string(o.Kind), func(t *testing.T) {
			m := o.ToMap()
			back, err := FromMap(m)
			require.NoError(t, err)
			assert.Equal(t, o.ID, back.ID)
			assert.Equal(t, o.Symbol, back.Symbol)
			assert.Equal(t, o.Side, back.Side)
			assert.Equal(t, o.Kind, back.Kind)
			assert.True(t, o.OriginPrice().Equal(back.OriginPrice()))
			assert.True(t, o.OriginQuantity().Equal(back.OriginQuantity()))
			assert.True(t, o.StopPrice().Equal(back.StopPrice()))
			assert.Equal(t, o.Status(), back.Status())
			assert.True(t, o.FilledQuantity().Equal(back.FilledQuantity()))
			assert.Equal(t, o.Tag, back.Tag)
			assert.Equal(t, o.CreationTime.UnixMilli(), back.CreationTime.UnixMilli())
			assert.Equal(t, m, back.ToMap())
		})
	}
}

func TestFromMapExchangeRecord(t *testing.T) {
	o, err := FromMap(map[string]any{
		"id":        "12345",
		"symbol":    "ETH/USDT",
		"side":      "sell",
		"type":      "limit",
		"price":     "2500.10",
		"amount":    "2",
		"filled":    "2",
		"average":   2500.2,
		"status":    "closed",
		"timestamp": int64(1_700_000_000_000),
		"fee":       map[string]any{"currency": "USDT", "cost": 5.0},
	})
	require.NoError(t, err)
	assert.Equal(t, SellLimit, o.Kind)
	assert.Equal(t, "12345", o.ExchangeOrderID())
	assert.Equal(t, StatusFilled, o.Status(), "closed with full fill is filled")
	assert.True(t, o.FilledPrice().Equal(d(2500.2)))
	assert.True(t, o.OriginPrice().Equal(d(2500.10)))
	assert.Equal(t, "USDT", o.Fee().Currency)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000), o.CreationTime)

	_, err = FromMap(map[string]any{"id": "1", "symbol": "ETH/USDT", "side": "long", "type": "limit", "amount": 1})
	assert.ErrorIs(t, err, errs.InvalidArgument)
}

func TestParseUpdate(t *testing.T) {
	tests := []struct {
		name   string
		in     map[string]any
		status Status
	}{
		{"missing status is open", map[string]any{"id": "1"}, StatusOpen},
		{"open with fill is partial", map[string]any{"status": "open", "filled": 0.5, "amount": 1}, StatusPartiallyFilled},
		{"ccxt cancelled spelling", map[string]any{"status": "cancelled"}, StatusCanceled},
		{"closed without fill stays closed", map[string]any{"status": "closed", "filled": 0, "amount": 1}, StatusClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUpdate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.status, u.Status)
		})
	}
}

func TestAdaptDetails(t *testing.T) {
	st := marketstatus.Status{
		Precision: marketstatus.Precision{Amount: marketstatus.Float(3), Price: marketstatus.Float(2)},
		Limits: marketstatus.Limits{
			Amount: marketstatus.MinMax{Min: marketstatus.Float(0.01), Max: marketstatus.Float(10)},
			Price:  marketstatus.MinMax{Min: marketstatus.Float(0.01), Max: marketstatus.Float(1e6)},
			Cost:   marketstatus.MinMax{Min: marketstatus.Float(5), Max: marketstatus.Float(1e6)},
		},
	}
	tests := []struct {
		name   string
		qty    float64
		price  float64
		want   []float64
		price2 float64
		err    *errs.Kind
	}{
		{"floors to step", 1.23456, 100.129, []float64{1.234}, 100.12, nil},
		{"below min amount", 0.0099, 1000, nil, 0, errs.MissingMinimalExchangeTradeVolume},
		{"below min cost", 0.02, 100, nil, 0, errs.MissingMinimalExchangeTradeVolume},
		{"split on max amount", 25.5, 100, []float64{10, 10, 5.5}, 100, nil},
		{"untradable remainder dropped", 20.001, 1000, []float64{10, 10}, 1000, nil},
		{"price above max", 1, 2e6, nil, 0, errs.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AdaptDetails(d(tt.qty), d(tt.price), st)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i, w := range tt.want {
				assert.True(t, got[i].Quantity.Equal(d(w)), "chunk %d: %s", i, got[i].Quantity)
				assert.True(t, got[i].Price.Equal(d(tt.price2)))
			}
		})
	}
}

func TestAdaptDetailsSplitsOnMaxCost(t *testing.T) {
	st := marketstatus.Status{Limits: marketstatus.Limits{Cost: marketstatus.MinMax{Max: marketstatus.Float(1000)}}}
	got, err := AdaptDetails(d(25), d(100), st)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[2].Quantity.Equal(d(5)))
}
