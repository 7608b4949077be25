package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order or trade side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType denotes the exchange order types the engine can submit.
type OrderType string

const (
	OrderTypeMarket            OrderType = "market"
	OrderTypeLimit             OrderType = "limit"
	OrderTypeStopLoss          OrderType = "stop_loss"
	OrderTypeStopLossLimit     OrderType = "stop_loss_limit"
	OrderTypeTakeProfit        OrderType = "take_profit"
	OrderTypeTakeProfitLimit   OrderType = "take_profit_limit"
	OrderTypeTrailingStop      OrderType = "trailing_stop"
	OrderTypeTrailingStopLimit OrderType = "trailing_stop_limit"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
	TIFGTX TimeInForce = "GTX" // Post Only / Maker Only
)

// ExchangeType distinguishes spot, futures and options venues.
type ExchangeType string

const (
	ExchangeSpot   ExchangeType = "spot"
	ExchangeFuture ExchangeType = "future"
	ExchangeOption ExchangeType = "option"
)

// AccountType selects the account a multi-account exchange trades on.
type AccountType string

const (
	AccountCash   AccountType = "cash"
	AccountMargin AccountType = "margin"
	AccountFuture AccountType = "future"
)

// Candle is an OHLCV bar; Time is the open time in unix seconds.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Valid reports whether low <= open, close <= high.
func (c Candle) Valid() bool {
	return c.Low <= c.Open && c.Low <= c.Close && c.Open <= c.High && c.Close <= c.High
}

// MiniTicker is the 24h summary some exchanges publish separately.
type MiniTicker struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Ticker is the latest observed market summary.
type Ticker struct {
	Symbol      string      `json:"symbol"`
	Bid         float64     `json:"bid"`
	BidVolume   float64     `json:"bid_volume"`
	Ask         float64     `json:"ask"`
	AskVolume   float64     `json:"ask_volume"`
	Last        float64     `json:"last"`
	Open        float64     `json:"open"`
	High        float64     `json:"high"`
	Low         float64     `json:"low"`
	Close       float64     `json:"close"`
	BaseVolume  float64     `json:"base_volume"`
	QuoteVolume float64     `json:"quote_volume"`
	Timestamp   time.Time   `json:"timestamp"`
	Mini        *MiniTicker `json:"mini,omitempty"`
}

// Trade is a public trade print.
type Trade struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Cost      float64   `json:"cost"`
	Side      Side      `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// BookLevel is one order book entry. OrderID is empty on price level books.
type BookLevel struct {
	OrderID string  `json:"order_id,omitempty"`
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
	Side    Side    `json:"side"`
}

// OrderBook is an order book snapshot.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Asks      []BookLevel `json:"asks"`
	Bids      []BookLevel `json:"bids"`
	Timestamp time.Time   `json:"timestamp"`
}

// Balance is one currency entry of an account snapshot.
type Balance struct {
	Free  decimal.Decimal `json:"free"`
	Used  decimal.Decimal `json:"used"`
	Total decimal.Decimal `json:"total"`
}

// FundingRate is the funding state of a perpetual contract.
type FundingRate struct {
	Symbol          string    `json:"symbol"`
	Rate            float64   `json:"rate"`
	NextFundingTime time.Time `json:"next_funding_time"`
	LastUpdated     time.Time `json:"last_updated"`
}

// PositionInfo is a position as reported by an exchange.
type PositionInfo struct {
	Symbol                string          `json:"symbol"`
	Side                  string          `json:"side"` // long, short or both
	Size                  decimal.Decimal `json:"size"`
	EntryPrice            decimal.Decimal `json:"entry_price"`
	MarkPrice             decimal.Decimal `json:"mark_price"`
	Leverage              decimal.Decimal `json:"leverage"`
	MaximumLeverage       decimal.Decimal `json:"maximum_leverage"`
	MarginType            string          `json:"margin_type"`   // isolated or cross
	ContractType          string          `json:"contract_type"` // e.g. linear_perpetual
	PositionMode          string          `json:"position_mode"` // one_way or hedge
	ContractSize          decimal.Decimal `json:"contract_size"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenance_margin_rate"`
	RealizedPnl           decimal.Decimal `json:"realized_pnl"`
	Timestamp             time.Time       `json:"timestamp"`
}

// Fees are maker and taker rates as fractions (0.001 is 0.1%).
type Fees struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// OrderInfo is an order as returned by an exchange, keyed the CCXT way:
// id, symbol, side, type, price, amount, status, filled, cost, timestamp.
type OrderInfo map[string]any

// OrderQuery narrows order history requests.
type OrderQuery struct {
	Symbol string
	Since  time.Time
	Limit  int
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol          string
	Side            Side
	Type            OrderType
	Quantity        decimal.Decimal
	Price           decimal.Decimal // required for limit types
	StopPrice       decimal.Decimal // required for stop and take profit types
	TrailingPercent decimal.Decimal
	TimeInForce     TimeInForce
	ClientID        string // optional client order id
	ReduceOnly      bool
	PostOnly        bool
	PositionSide    string // long or short for hedge mode futures
	Tag             string
}
