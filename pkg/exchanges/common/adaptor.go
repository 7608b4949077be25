// Package common defines the capability surface the engine requires from an
// exchange and the data it exchanges with it.
package common

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketData serves public market data.
type MarketData interface {
	GetSymbolPrices(ctx context.Context, symbol, timeFrame string, limit int) ([]Candle, error)
	GetKlinePrice(ctx context.Context, symbol, timeFrame string) (Candle, error)
	GetOrderBook(ctx context.Context, symbol string, limit int) (OrderBook, error)
	GetPriceTicker(ctx context.Context, symbol string, withMiniTicker bool) (Ticker, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)
	GetFundingRate(ctx context.Context, symbol string) (FundingRate, error)
	GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingRate, error)
}

// Account serves private account state.
type Account interface {
	GetBalance(ctx context.Context) (map[string]Balance, error)
	GetOrder(ctx context.Context, id, symbol string) (OrderInfo, error)
	GetOpenOrders(ctx context.Context, q OrderQuery) ([]OrderInfo, error)
	GetClosedOrders(ctx context.Context, q OrderQuery) ([]OrderInfo, error)
	GetAllOrders(ctx context.Context, q OrderQuery) ([]OrderInfo, error)
	GetMyRecentTrades(ctx context.Context, q OrderQuery) ([]OrderInfo, error)
	SwitchToAccount(ctx context.Context, account AccountType) error
}

// Trading submits and cancels orders.
type Trading interface {
	CreateOrder(ctx context.Context, req OrderRequest) (OrderInfo, error)
	CancelOrder(ctx context.Context, id, symbol string) (bool, error)
}

// Futures manages derivative positions and their settings.
type Futures interface {
	GetPositions(ctx context.Context) ([]PositionInfo, error)
	GetPosition(ctx context.Context, symbol string) (PositionInfo, error)
	SetSymbolLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error
	SetSymbolMarginType(ctx context.Context, symbol string, isolated bool) error
	SetSymbolPositionMode(ctx context.Context, symbol string, oneWay bool) error
	SetSymbolPartialTakeProfitStopLoss(ctx context.Context, symbol string, partial bool) error
}

// Metadata describes markets, pairs and limits of an exchange.
type Metadata interface {
	Name() string
	GetPairFromExchange(pair string) string
	GetExchangePair(symbol string) string
	GetSplitPairFromExchange(pair string) (base, quote string)
	GetPairCryptocurrency(pair string) string
	GetMarketStatus(ctx context.Context, symbol string) (map[string]any, error)
	GetFees(symbol string) Fees
	GetRateLimit() time.Duration
	// Symbols lists every symbol the exchange lists.
	Symbols() []string
	// TimeFrames lists every supported candle period.
	TimeFrames() []string
	// MaxHandledPairWithTimeFrame is the supported number of pair and time
	// frame combinations; zero or less means unlimited.
	MaxHandledPairWithTimeFrame() int
}

// Adaptor is the full surface an exchange implementation provides.
type Adaptor interface {
	Metadata
	MarketData
	Account
	Trading
	Futures
}

// StreamHandler receives market data pushed by a websocket feed.
type StreamHandler interface {
	OnKline(symbol, timeFrame string, k Candle, closed bool)
	OnTrade(t Trade)
}

// SymbolExists reports whether m lists symbol.
func SymbolExists(m Metadata, symbol string) bool {
	for _, s := range m.Symbols() {
		if s == symbol {
			return true
		}
	}
	return false
}

// TimeFrameExists reports whether m supports tf.
func TimeFrameExists(m Metadata, tf string) bool {
	for _, t := range m.TimeFrames() {
		if t == tf {
			return true
		}
	}
	return false
}

// ConcatPair converts BTC/USDT into the BTCUSDT form used by most REST and
// websocket APIs.
func ConcatPair(symbol string) string {
	pair, _, _ := strings.Cut(symbol, ":")
	return strings.ReplaceAll(pair, "/", "")
}
