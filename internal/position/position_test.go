package position

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/errs"
	"trading-engine/internal/order"
	"trading-engine/pkg/exchanges/common"
)

const perp = "BTC/USDT:USDT"

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type marginCall struct {
	symbol, currency string
	margin, upnl     decimal.Decimal
}

type fakeLedger struct {
	mu       sync.Mutex
	realized []decimal.Decimal
	margins  []marginCall
}

func (f *fakeLedger) UpdateMargin(sym, cur string, margin, upnl decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.margins = append(f.margins, marginCall{sym, cur, margin, upnl})
	return nil
}

func (f *fakeLedger) RealizePnl(_, _ string, pnl decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realized = append(f.realized, pnl)
	return nil
}

func (f *fakeLedger) lastMargin() marginCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.margins[len(f.margins)-1]
}

type memStore struct {
	saved map[string]Position
}

func (s *memStore) LoadPositions(context.Context) ([]Position, error) {
	out := make([]Position, 0, len(s.saved))
	for _, p := range s.saved {
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) SavePosition(_ context.Context, p Position) error {
	s.saved[p.Symbol+"/"+string(p.Side)] = p
	return nil
}

func filled(t *testing.T, sym string, kind order.Kind, qty, price float64, mutate func(*order.Params)) *order.Order {
	t.Helper()
	p := order.Params{Symbol: sym, Kind: kind, Quantity: d(qty), Price: d(price)}
	if mutate != nil {
		mutate(&p)
	}
	o, err := order.New(p)
	require.NoError(t, err)
	require.NoError(t, o.UpdateFill(d(price), d(qty)))
	return o
}

func assertDecimal(t *testing.T, want float64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s: got %s, want %v", msg, got, want)
}

func TestUnrealizedPnl(t *testing.T) {
	linear := &Contract{Type: LinearPerpetual, ContractSize: one}
	inverse := &Contract{Type: InversePerpetual, ContractSize: one}
	tests := []struct {
		name     string
		contract *Contract
		entry    float64
		mark     float64
		size     float64
		want     float64
	}{
		{"linear long profit", linear, 100, 110, 1, 10},
		{"linear short loss", linear, 100, 110, -1, -10},
		{"linear short profit", linear, 100, 90, -2, 20},
		{"inverse long profit", inverse, 100, 200, 10, 0.05},
		{"inverse short loss", inverse, 100, 200, -10, -0.05},
		{"no size", linear, 100, 110, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnrealizedPnl(tt.contract, d(tt.entry), d(tt.mark), d(tt.size))
			assertDecimal(t, tt.want, got, "pnl")
		})
	}
}

func TestLiquidationPrice(t *testing.T) {
	mmr := d(0.005)
	linear := &Contract{Type: LinearPerpetual, CurrentLeverage: d(10), MaintenanceMarginRate: mmr}
	inverse := &Contract{Type: InversePerpetual, CurrentLeverage: d(10), MaintenanceMarginRate: mmr}
	tests := []struct {
		name     string
		contract *Contract
		long     bool
		want     float64
	}{
		{"linear long", linear, true, 90.5},
		{"linear short", linear, false, 109.5},
		{"inverse long", inverse, true, 1000 / 10.95},
		{"inverse short", inverse, false, 1000 / 9.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := LiquidationPrice(tt.contract, d(100), tt.long).Float64()
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestContractLeverage(t *testing.T) {
	c, err := DefaultContract(perp)
	require.NoError(t, err)
	assert.Equal(t, LinearPerpetual, c.Type)
	c.MaximumLeverage = d(20)

	require.NoError(t, c.SetCurrentLeverage(d(5)))
	assertDecimal(t, 5, c.CurrentLeverage, "leverage")
	assert.ErrorIs(t, c.SetCurrentLeverage(d(0.5)), errs.InvalidLeverageValue)
	assert.ErrorIs(t, c.SetCurrentLeverage(d(25)), errs.InvalidLeverageValue)
	assertDecimal(t, 5, c.CurrentLeverage, "unchanged leverage")

	inv, err := DefaultContract("BTC/USD:BTC")
	require.NoError(t, err)
	assert.Equal(t, InversePerpetual, inv.Type)
	_, err = DefaultContract("BTC/USDT")
	assert.ErrorIs(t, err, errs.UnhandledContract)
}

func TestOnOrderFillAveragesAndRealizes(t *testing.T) {
	ledger := &fakeLedger{}
	m := NewManager(nil, nil, ledger, nil)

	require.NoError(t, m.OnOrderFill(filled(t, perp, order.BuyMarket, 1, 100, nil)))
	require.NoError(t, m.OnOrderFill(filled(t, perp, order.BuyMarket, 1, 120, nil)))
	p, ok := m.Position(perp, Both)
	require.True(t, ok)
	assertDecimal(t, 2, p.Size, "size")
	assertDecimal(t, 110, p.EntryPrice, "entry")
	assert.Equal(t, "USDT", p.Currency)
	assert.Equal(t, StatusOpen, p.Status)

	require.NoError(t, m.OnOrderFill(filled(t, perp, order.SellMarket, 1, 130, nil)))
	p, _ = m.Position(perp, Both)
	assertDecimal(t, 1, p.Size, "size after reduce")
	assertDecimal(t, 110, p.EntryPrice, "entry after reduce")
	assertDecimal(t, 20, p.RealizedPnl, "realized")

	// Selling through zero opens a short at the fill price.
	require.NoError(t, m.OnOrderFill(filled(t, perp, order.SellMarket, 2, 100, nil)))
	p, _ = m.Position(perp, Both)
	assertDecimal(t, -1, p.Size, "size after flip")
	assertDecimal(t, 100, p.EntryPrice, "entry after flip")

	require.Len(t, ledger.realized, 2)
	assertDecimal(t, 20, ledger.realized[0], "first realization")
	assertDecimal(t, -10, ledger.realized[1], "second realization")

	require.NoError(t, m.OnOrderFill(filled(t, perp, order.BuyMarket, 1, 90, nil)))
	p, _ = m.Position(perp, Both)
	assert.True(t, p.IsIdle())
	assert.Equal(t, StatusIdle, p.Status)
	assert.Empty(t, m.OpenPositions())
	last := ledger.lastMargin()
	assert.True(t, last.margin.IsZero())
	assert.True(t, last.upnl.IsZero())
}

func TestMarginFollowsMarkPrice(t *testing.T) {
	ledger := &fakeLedger{}
	m := NewManager(nil, nil, ledger, nil)
	require.NoError(t, m.SetLeverage(perp, d(10)))
	assertDecimal(t, 10, m.Leverage(perp), "leverage")
	assertDecimal(t, 1, m.Leverage("ETH/USDT:USDT"), "unknown leverage")

	require.NoError(t, m.OnOrderFill(filled(t, perp, order.BuyMarket, 1, 100, nil)))
	last := ledger.lastMargin()
	assert.Equal(t, perp, last.symbol)
	assert.Equal(t, "USDT", last.currency)
	assertDecimal(t, 10, last.margin, "margin")

	changed, err := m.HandleMarkPrice(perp, d(105))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assertDecimal(t, 5, changed[0].UnrealizedPnl, "upnl")
	assertDecimal(t, 5, ledger.lastMargin().upnl, "ledger upnl")
	assertDecimal(t, 90.5, changed[0].LiquidationPrice, "liquidation price")
}

func TestLiquidation(t *testing.T) {
	ledger := &fakeLedger{}
	m := NewManager(nil, nil, ledger, nil)
	require.NoError(t, m.SetLeverage(perp, d(10)))
	require.NoError(t, m.OnOrderFill(filled(t, perp, order.BuyMarket, 1, 100, nil)))

	_, err := m.HandleMarkPrice(perp, d(95))
	require.NoError(t, err)
	p, _ := m.Position(perp, Both)
	assert.Equal(t, StatusOpen, p.Status)

	_, err = m.HandleMarkPrice(perp, d(90))
	require.NoError(t, err)
	p, _ = m.Position(perp, Both)
	assert.Equal(t, StatusLiquidated, p.Status)
	assert.True(t, p.IsIdle())
	assertDecimal(t, -9.5, p.RealizedPnl, "liquidation loss")
	require.Len(t, ledger.realized, 1)
	assertDecimal(t, -9.5, ledger.realized[0], "ledger loss")
	assert.True(t, ledger.lastMargin().margin.IsZero())
}

func TestHedgeModeSides(t *testing.T) {
	m := NewManager(nil, nil, nil, nil)
	c, err := DefaultContract(perp)
	require.NoError(t, err)
	c.Mode = Hedge
	m.SetContract(*c)

	require.NoError(t, m.OnOrderFill(filled(t, perp, order.BuyMarket, 2, 100, nil)))
	require.NoError(t, m.OnOrderFill(filled(t, perp, order.SellMarket, 1, 100, nil)))
	long, _ := m.Position(perp, Long)
	short, _ := m.Position(perp, Short)
	assertDecimal(t, 2, long.Size, "long size")
	assertDecimal(t, -1, short.Size, "short size")

	reduce := filled(t, perp, order.SellMarket, 1, 110, func(p *order.Params) { p.ReduceOnly = true })
	require.NoError(t, m.OnOrderFill(reduce))
	long, _ = m.Position(perp, Long)
	assertDecimal(t, 1, long.Size, "long after reduce")
	assertDecimal(t, 10, long.RealizedPnl, "long realized")
	assert.Len(t, m.Positions(), 2)
}

func TestOnOrderFillRejections(t *testing.T) {
	m := NewManager(nil, nil, nil, nil)

	sided := filled(t, perp, order.BuyMarket, 1, 100, func(p *order.Params) { p.PositionSide = "long" })
	assert.ErrorIs(t, m.OnOrderFill(sided), errs.InvalidPositionSide)

	increase := filled(t, perp, order.BuyMarket, 1, 100, func(p *order.Params) { p.ReduceOnly = true })
	assert.ErrorIs(t, m.OnOrderFill(increase), errs.InvalidPosition)

	require.NoError(t, m.OnOrderFill(filled(t, "BTC/USDT", order.BuyMarket, 1, 100, nil)))
	_, ok := m.Position("BTC/USDT", Both)
	assert.False(t, ok, "spot fills do not open positions")
}

func TestHandlePositionUpdate(t *testing.T) {
	store := &memStore{saved: map[string]Position{}}
	m := NewManager(nil, nil, &fakeLedger{}, store)
	var seen []Position
	m.Subscribe(func(p Position) { seen = append(seen, p) })

	err := m.HandlePositionUpdate(common.PositionInfo{
		Symbol:       perp,
		Side:         "short",
		Size:         d(3),
		EntryPrice:   d(100),
		MarkPrice:    d(90),
		Leverage:     d(5),
		MarginType:   "isolated",
		ContractType: "linear_perpetual",
		PositionMode: "hedge",
	})
	require.NoError(t, err)
	p, ok := m.Position(perp, Short)
	require.True(t, ok)
	assertDecimal(t, -3, p.Size, "short size is negative")
	assertDecimal(t, 30, p.UnrealizedPnl, "short upnl")
	assertDecimal(t, 60, p.Margin, "isolated margin")
	c, _ := m.Contract(perp)
	assert.Equal(t, Isolated, c.MarginType)
	assert.Equal(t, Hedge, c.Mode)
	require.Len(t, seen, 1)
	assert.Len(t, store.saved, 1)

	err = m.HandlePositionUpdate(common.PositionInfo{Symbol: "ETH/USDT:USDT", Side: "both", ContractType: "quanto"})
	require.NoError(t, err, "unsupported contracts are ignored")
	_, ok = m.Position("ETH/USDT:USDT", Both)
	assert.False(t, ok)

	reloaded := NewManager(nil, nil, nil, store)
	require.NoError(t, reloaded.Load(context.Background()))
	p, ok = reloaded.Position(perp, Short)
	require.True(t, ok)
	assertDecimal(t, -3, p.Size, "reloaded size")
}
