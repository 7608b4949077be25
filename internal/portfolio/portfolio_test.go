package portfolio

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/errs"
	"trading-engine/internal/market"
	"trading-engine/internal/order"
	"trading-engine/pkg/clock"
	"trading-engine/pkg/exchanges/common"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type fees common.Fees

func (f fees) GetFees(string) common.Fees { return common.Fees(f) }

type fixedLeverage decimal.Decimal

func (l fixedLeverage) Leverage(string) decimal.Decimal { return decimal.Decimal(l) }

func assertAsset(t *testing.T, pf *Manager, cur string, available, total float64) {
	t.Helper()
	a := pf.Asset(cur)
	assert.True(t, a.Available.Equal(d(available)), "%s available %s, want %v", cur, a.Available, available)
	assert.True(t, a.Total.Equal(d(total)), "%s total %s, want %v", cur, a.Total, total)
}

func newOrder(t *testing.T, p order.Params) *order.Order {
	t.Helper()
	if p.Symbol == "" {
		p.Symbol = "BTC/USDT"
	}
	o, err := order.New(p)
	require.NoError(t, err)
	return o
}

func TestReservationAndRelease(t *testing.T) {
	pf := NewManager(nil, nil)
	require.NoError(t, pf.SetStartingBalances(map[string]decimal.Decimal{"USDT": d(1000)}))
	lc := order.NewLifecycle(order.LifecycleConfig{
		Ledger: pf,
		Market: market.NewExchangeSymbolsData(clock.System{}, market.Config{}),
		Fees:   fees{Maker: d(0.001), Taker: d(0.002)},
	})
	t.Cleanup(lc.Stop)
	ctx := context.Background()

	first := newOrder(t, order.Params{Kind: order.BuyLimit, Price: d(100), Quantity: d(2), Simulated: true})
	require.NoError(t, pf.Reserve(first))
	require.NoError(t, lc.Open(ctx, first))
	assertAsset(t, pf, "USDT", 800, 1000)

	require.NoError(t, lc.Cancel(ctx, first))
	assertAsset(t, pf, "USDT", 1000, 1000)

	second := newOrder(t, order.Params{Kind: order.BuyLimit, Price: d(100), Quantity: d(2), Simulated: true})
	require.NoError(t, pf.Reserve(second))
	require.NoError(t, lc.Open(ctx, second))
	require.NoError(t, lc.Fill(ctx, second, decimal.Zero, decimal.Zero))
	assertAsset(t, pf, "USDT", 800, 800)
	assertAsset(t, pf, "BTC", 1.998, 1.998)
	_, _, reserved := pf.Reserved(second.ID)
	assert.False(t, reserved)
}

func TestReserveChecksFunds(t *testing.T) {
	tests := []struct {
		name     string
		params   order.Params
		currency string
		amount   float64
		err      *errs.Kind
	}{
		{"buy locks quote", order.Params{Kind: order.BuyLimit, Price: d(100), Quantity: d(3)}, "USDT", 300, nil},
		{"sell locks base", order.Params{Kind: order.SellLimit, Price: d(100), Quantity: d(0.5)}, "BTC", 0.5, nil},
		{"stop sell locks base", order.Params{Kind: order.StopLoss, Side: order.Sell, Price: d(90), Quantity: d(1)}, "BTC", 1, nil},
		{"buy beyond balance", order.Params{Kind: order.BuyLimit, Price: d(100), Quantity: d(20)}, "", 0, errs.MissingFunds},
		{"sell beyond balance", order.Params{Kind: order.SellMarket, Price: d(100), Quantity: d(2)}, "", 0, errs.MissingFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf := NewManager(nil, nil)
			require.NoError(t, pf.SetStartingBalances(map[string]decimal.Decimal{"USDT": d(1000), "BTC": d(1)}))
			o := newOrder(t, tt.params)
			err := pf.Reserve(o)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assertAsset(t, pf, "USDT", 1000, 1000)
				assertAsset(t, pf, "BTC", 1, 1)
				return
			}
			require.NoError(t, err)
			cur, amount, ok := pf.Reserved(o.ID)
			require.True(t, ok)
			assert.Equal(t, tt.currency, cur)
			assert.True(t, amount.Equal(d(tt.amount)))
			assert.ErrorIs(t, pf.Reserve(o), errs.PortfolioOperation, "one reservation per order")
		})
	}
}

func TestRefreshRederivesAvailable(t *testing.T) {
	pf := NewManager(nil, nil)
	require.NoError(t, pf.SetStartingBalances(map[string]decimal.Decimal{"USDT": d(1000)}))
	o := newOrder(t, order.Params{Kind: order.BuyLimit, Price: d(100), Quantity: d(2)})
	require.NoError(t, pf.Reserve(o))

	require.NoError(t, pf.Refresh(map[string]common.Balance{"USDT": {Total: d(1500)}, "ETH": {Total: d(3)}}))
	assertAsset(t, pf, "USDT", 1300, 1500)
	assertAsset(t, pf, "ETH", 3, 3)

	err := pf.Refresh(map[string]common.Balance{"USDT": {Total: d(100)}})
	assert.ErrorIs(t, err, errs.PortfolioNegativeValue)
	assertAsset(t, pf, "USDT", 1300, 1500)
}

func TestFillThatWouldGoNegativeIsRejected(t *testing.T) {
	pf := NewManager(nil, nil)
	require.NoError(t, pf.SetStartingBalances(map[string]decimal.Decimal{"USDT": d(100)}))
	o := newOrder(t, order.Params{Kind: order.BuyMarket, Price: d(100), Quantity: d(1)})
	require.NoError(t, pf.Reserve(o))
	require.NoError(t, o.UpdateFill(d(150), d(1)))
	assert.ErrorIs(t, pf.ApplyFill(o), errs.PortfolioNegativeValue)
	assertAsset(t, pf, "USDT", 0, 100)
}

func TestInvariantsHoldAcrossOperations(t *testing.T) {
	pf := NewManager(nil, nil)
	require.NoError(t, pf.SetStartingBalances(map[string]decimal.Decimal{"USDT": d(500), "BTC": d(2)}))
	orders := []*order.Order{
		newOrder(t, order.Params{Kind: order.BuyLimit, Price: d(100), Quantity: d(2)}),
		newOrder(t, order.Params{Kind: order.SellLimit, Price: d(120), Quantity: d(1)}),
		newOrder(t, order.Params{Kind: order.BuyLimit, Price: d(50), Quantity: d(10)}),
	}
	check := func() {
		for cur, a := range pf.Snapshot() {
			assert.False(t, a.Available.IsNegative(), cur)
			assert.True(t, a.Available.LessThanOrEqual(a.Total), cur)
		}
	}
	for _, o := range orders {
		_ = pf.Reserve(o)
		check()
	}
	require.NoError(t, orders[1].UpdateFill(d(120), d(1)))
	require.NoError(t, pf.ApplyFill(orders[1]))
	check()
	require.NoError(t, pf.Release(orders[0]))
	check()
	assertAsset(t, pf, "USDT", 620, 620)
	assertAsset(t, pf, "BTC", 1, 1)
}

func TestFuturesMargin(t *testing.T) {
	pf := NewManager(nil, nil)
	pf.SetLeverageSource(fixedLeverage(d(10)))
	require.NoError(t, pf.SetStartingBalances(map[string]decimal.Decimal{"USDT": d(1000)}))

	o := newOrder(t, order.Params{Symbol: "BTC/USDT:USDT", Kind: order.BuyLimit, Price: d(100), Quantity: d(20)})
	require.NoError(t, pf.Reserve(o))
	assertAsset(t, pf, "USDT", 800, 1000)

	require.NoError(t, pf.Release(o))
	require.NoError(t, pf.UpdateMargin("BTC/USDT:USDT", "USDT", d(200), d(-50)))
	assertAsset(t, pf, "USDT", 750, 950)
	require.NoError(t, pf.UpdateMargin("BTC/USDT:USDT", "USDT", d(200), d(30)))
	assertAsset(t, pf, "USDT", 800, 1030)

	assert.ErrorIs(t, pf.UpdateMargin("ETH/USDT:USDT", "USDT", d(900), decimal.Zero), errs.PortfolioNegativeValue)

	require.NoError(t, pf.UpdateMargin("BTC/USDT:USDT", "USDT", decimal.Zero, decimal.Zero))
	require.NoError(t, pf.RealizePnl("BTC/USDT:USDT", "USDT", d(30)))
	assertAsset(t, pf, "USDT", 1030, 1030)
}

func TestTransactionsRecorded(t *testing.T) {
	txs := NewTransactionsManager(nil, nil)
	pf := NewManager(nil, txs)
	require.NoError(t, pf.SetStartingBalances(map[string]decimal.Decimal{"USDT": d(100)}))
	require.NoError(t, pf.RealizePnl("BTC/USDT:USDT", "USDT", d(-10)))
	require.NoError(t, pf.ApplyFunding("BTC/USDT:USDT", "USDT", d(0.5)))
	assert.Len(t, txs.List(""), 2)
	require.Len(t, txs.List(TransactionFunding), 1)
	assertAsset(t, pf, "USDT", 90.5, 90.5)

	tx, err := txs.Add(Transaction{Type: TransactionTransfer, Currency: "USDT", Amount: d(1)})
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.False(t, tx.Time.IsZero())
	_, err = txs.Add(tx)
	assert.ErrorIs(t, err, errs.DuplicateTransaction)
}

type sinkFunc func(Transaction)

func (f sinkFunc) SaveTransaction(tx Transaction) { f(tx) }

func TestTransactionsForwardToSink(t *testing.T) {
	var got []Transaction
	txs := NewTransactionsManager(nil, sinkFunc(func(tx Transaction) { got = append(got, tx) }))
	_, err := txs.Add(Transaction{Type: TransactionBlockchain, Currency: "BTC", Amount: d(0.1)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, TransactionBlockchain, got[0].Type)
}

func TestSubPortfolios(t *testing.T) {
	pf := NewManager(nil, nil)
	require.NoError(t, pf.SetStartingBalances(map[string]decimal.Decimal{"USDT": d(1000)}))
	subs := NewSubPortfolios(pf)

	grid, err := subs.Set("grid", d(0.25))
	require.NoError(t, err)
	_, err = subs.Set("dca", d(0.75))
	require.NoError(t, err)
	_, err = subs.Set("scalp", d(0.1))
	assert.ErrorIs(t, err, errs.PortfolioOperation)
	_, err = subs.Set("bad", d(1.5))
	assert.ErrorIs(t, err, errs.InvalidArgument)

	a := grid.Asset("USDT")
	assert.True(t, a.Total.Equal(d(250)))
	assert.Equal(t, []string{"dca", "grid"}, subs.Names())

	_, err = subs.Set("grid", d(0.2))
	require.NoError(t, err, "resizing an existing share")
	subs.Remove("dca")
	_, ok := subs.Get("dca")
	assert.False(t, ok)
}

func TestValueInReferenceMarket(t *testing.T) {
	pf := NewManager(nil, nil)
	require.NoError(t, pf.SetStartingBalances(map[string]decimal.Decimal{"USDT": d(100), "BTC": d(2), "DOGE": d(5)}))
	v := pf.Value("USDT", map[string]decimal.Decimal{"BTC": d(50)})
	assert.True(t, v.Equal(d(200)))
}

func TestGroupedOrdersShareReservation(t *testing.T) {
	pf := NewManager(nil, nil)
	require.NoError(t, pf.SetStartingBalances(map[string]decimal.Decimal{"BTC": d(1), "USDT": d(0)}))

	stop := newOrder(t, order.Params{Kind: order.StopLoss, Side: order.Sell, Price: d(90), Quantity: d(1)})
	take := newOrder(t, order.Params{Kind: order.SellLimit, Price: d(120), Quantity: d(1)})
	require.NoError(t, stop.SetGroup("entry"))
	require.NoError(t, take.SetGroup("entry"))

	require.NoError(t, pf.Reserve(stop))
	require.NoError(t, pf.Reserve(take))
	assertAsset(t, pf, "BTC", 0, 1)

	lone := newOrder(t, order.Params{Kind: order.SellLimit, Price: d(130), Quantity: d(0.1)})
	assert.ErrorIs(t, pf.Reserve(lone), errs.MissingFunds)

	require.NoError(t, take.UpdateFill(d(120), d(1)))
	require.NoError(t, pf.ApplyFill(take))
	assertAsset(t, pf, "BTC", 0, 0)
	assertAsset(t, pf, "USDT", 120, 120)
	_, _, ok := pf.Reserved(stop.ID)
	assert.False(t, ok, "filling one member releases the group")
	require.NoError(t, pf.Release(stop))
}
