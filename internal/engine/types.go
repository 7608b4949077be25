package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-engine/internal/portfolio"
)

// ExchangeInfo summarises one exchange manager.
type ExchangeInfo struct {
	ID              string   `json:"id"`
	ReferenceMarket string   `json:"reference_market"`
	Symbols         []string `json:"symbols"`
	TimeFrames      []string `json:"time_frames"`
	TraderEnabled   bool     `json:"trader_enabled"`
	Simulated       bool     `json:"simulated"`
	Backtesting     bool     `json:"backtesting"`
	Healthy         bool     `json:"healthy"`
}

// PortfolioInfo is the portfolio of one exchange valued in its reference
// market.
type PortfolioInfo struct {
	Exchange        string                     `json:"exchange"`
	ReferenceMarket string                     `json:"reference_market"`
	Assets          map[string]portfolio.Asset `json:"assets"`
	Value           decimal.Decimal            `json:"value"`
}

// ExchangeStatus is the runtime state of one exchange manager.
type ExchangeStatus struct {
	Exchange         string    `json:"exchange"`
	Initialized      bool      `json:"initialized"`
	Overloaded       bool      `json:"overloaded"`
	HandledPairs     int       `json:"handled_pairs"`
	OpenOrders       int       `json:"open_orders"`
	BacktestProgress float64   `json:"backtest_progress"`
	ExchangeTime     time.Time `json:"exchange_time"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode       string    `json:"mode"`
	Version    string    `json:"version"`
	BotID      string    `json:"bot_id"`
	Exchanges  []string  `json:"exchanges"`
	StartedAt  time.Time `json:"started_at"`
	ServerTime time.Time `json:"server_time"`
}
