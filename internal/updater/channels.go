// Package updater runs the producers that feed exchange channels: live
// polling updaters, their backtesting counterparts driven by the time
// channel, and the backtesting time producer itself.
package updater

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-engine/internal/market"
	"trading-engine/pkg/exchanges/common"
)

// Channel names. Each exchange manager owns one channel per name.
const (
	ChannelTime         = "time"
	ChannelOHLCV        = "ohlcv"
	ChannelKline        = "kline"
	ChannelOrderBook    = "order_book"
	ChannelTicker       = "ticker"
	ChannelRecentTrades = "recent_trades"
	ChannelMarkPrice    = "mark_price"
	ChannelFunding      = "funding"
	ChannelBalance      = "balance"
	ChannelOrders       = "orders"
	ChannelPositions    = "positions"
	ChannelOrderUpdates = "order_updates"
	ChannelTradeUpdates = "trade_updates"
)

// TimeTick advances backtesting time.
type TimeTick struct {
	Time time.Time
}

// CandlesUpdate carries closed candles. Replace loads a full history.
type CandlesUpdate struct {
	Symbol    string
	TimeFrame string
	Candles   []common.Candle
	Replace   bool
}

// KlineUpdate carries the in-construction candle.
type KlineUpdate struct {
	Symbol    string
	TimeFrame string
	Kline     common.Candle
}

// OrderBookUpdate carries a book snapshot.
type OrderBookUpdate struct {
	Book common.OrderBook
}

// TickerUpdate carries a ticker.
type TickerUpdate struct {
	Ticker common.Ticker
}

// RecentTradesUpdate carries public trades.
type RecentTradesUpdate struct {
	Symbol  string
	Trades  []common.Trade
	Replace bool
}

// MarkPriceUpdate carries an exchange provided mark price.
type MarkPriceUpdate struct {
	Symbol string
	Price  decimal.Decimal
	Source market.MarkPriceSource
}

// FundingUpdate carries the funding state of a perpetual.
type FundingUpdate struct {
	Funding common.FundingRate
}

// BalanceUpdate carries a full account snapshot.
type BalanceUpdate struct {
	Balances map[string]common.Balance
}

// OrdersUpdate carries exchange order records. Open is set for the open
// orders snapshot.
type OrdersUpdate struct {
	Orders []common.OrderInfo
	Open   bool
}

// PositionsUpdate carries exchange positions.
type PositionsUpdate struct {
	Positions []common.PositionInfo
}
