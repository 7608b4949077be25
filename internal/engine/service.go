// Package engine exposes the exchange managers of the process to the API
// layer. The API only talks to the engine through Service.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"trading-engine/internal/order"
	"trading-engine/internal/position"
)

// Service defines the operations the ops API serves.
type Service interface {
	// Queries
	ListExchanges(ctx context.Context) ([]ExchangeInfo, error)
	GetPortfolio(ctx context.Context, exchange string) (*PortfolioInfo, error)
	GetOpenOrders(ctx context.Context, exchange, symbol string) ([]order.Snapshot, error)
	GetTrades(ctx context.Context, exchange string, filter order.TradeFilter) ([]order.Trade, error)
	GetPositions(ctx context.Context, exchange string) ([]position.Position, error)
	GetExchangeStatus(ctx context.Context, exchange string) (*ExchangeStatus, error)
	SubscribeMarkPrice(ctx context.Context, exchange, symbol string, buffer int) (<-chan decimal.Decimal, func(), error)

	// Commands
	CancelOrder(ctx context.Context, exchange, orderID string) (bool, error)
	CancelAllOrders(ctx context.Context, exchange, symbol string) (bool, error)
	ClosePosition(ctx context.Context, exchange, symbol string, side position.Side) ([]order.Snapshot, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}

// HealthSource reports whether an exchange answers its periodic refreshes.
type HealthSource interface {
	Healthy(exchange string) bool
}
