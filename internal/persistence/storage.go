// Package persistence stores trades, transactions, positions and portfolio
// history of exchange managers in SQLite, keyed by bot id.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/channel"
	"trading-engine/internal/errs"
	"trading-engine/internal/exchange"
	"trading-engine/internal/order"
	"trading-engine/internal/portfolio"
	"trading-engine/internal/position"
	"trading-engine/internal/updater"
	"trading-engine/pkg/db"
)

const appID = "trading-engine"

// DefaultBotID derives a stable bot id from the machine id, hashed with the
// application id so the raw machine id never reaches the database.
func DefaultBotID() string {
	id, err := machineid.ProtectedID(appID)
	if err != nil || id == "" {
		return "local"
	}
	return id[:16]
}

// Config configures Storage.
type Config struct {
	BotID         string
	BatchSize     int
	FlushInterval time.Duration
	Logger        *zap.Logger
}

// Storage is the SQLite backed storage of one bot.
type Storage struct {
	db     *db.Database
	botID  string
	writer *BatchWriter
	logger *zap.Logger

	mu   sync.Mutex
	jobs []*updater.Job
}

// New wraps an opened database.
func New(d *db.Database, cfg Config) *Storage {
	if cfg.BotID == "" {
		cfg.BotID = DefaultBotID()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.Named("persistence").With(zap.String("bot_id", cfg.BotID))
	return &Storage{
		db:     d,
		botID:  cfg.BotID,
		writer: NewBatchWriter(d.DB, cfg.BatchSize, cfg.FlushInterval, logger),
		logger: logger,
	}
}

// BotID returns the id rows are keyed by.
func (s *Storage) BotID() string { return s.botID }

// Exchange returns the storage of one exchange.
func (s *Storage) Exchange(id string) *ExchangeStore {
	return &ExchangeStore{s: s, exchange: id, logger: s.logger.With(zap.String("exchange", id))}
}

// Flush writes buffered trades.
func (s *Storage) Flush() error { return s.writer.Flush() }

// Close stops snapshot jobs and flushes buffered writes.
func (s *Storage) Close() error {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = nil
	s.mu.Unlock()
	for _, j := range jobs {
		j.Stop()
	}
	return s.writer.Close()
}

// ExchangeStore implements the storage collaborators of one exchange
// manager.
type ExchangeStore struct {
	s        *Storage
	exchange string
	logger   *zap.Logger
}

var (
	_ portfolio.TransactionSink = (*ExchangeStore)(nil)
	_ position.Store            = (*ExchangeStore)(nil)
)

// SaveTrade buffers t. Trades already stored are ignored.
func (e *ExchangeStore) SaveTrade(t order.Trade) {
	e.s.writer.WriteQuery(db.InsertTradeQuery, db.TradeArgs(db.Trade{
		ID:              t.ID,
		BotID:           e.s.botID,
		Exchange:        e.exchange,
		OrderID:         t.OrderID,
		ExchangeOrderID: t.ExchangeOrderID,
		Symbol:          t.Symbol,
		Side:            string(t.Side),
		Kind:            string(t.Kind),
		Status:          string(t.Status),
		Price:           t.Price.String(),
		Quantity:        t.Quantity.String(),
		Cost:            t.Cost.String(),
		FeeCurrency:     t.Fee.Currency,
		FeeCost:         t.Fee.Cost.String(),
		ExecutedAt:      t.ExecutedTime,
		Simulated:       t.Simulated,
		Tag:             t.Tag,
	})...)
}

// Trades returns the latest stored trades, newest first.
func (e *ExchangeStore) Trades(ctx context.Context, limit int) ([]db.Trade, error) {
	if err := e.s.Flush(); err != nil {
		return nil, err
	}
	return e.s.db.ListTrades(ctx, e.s.botID, e.exchange, limit)
}

// RecordTransaction stores tx. A reused id fails with DuplicateTransaction.
func (e *ExchangeStore) RecordTransaction(ctx context.Context, tx portfolio.Transaction) error {
	err := e.s.db.CreateTransaction(ctx, db.Transaction{
		ID:        tx.ID,
		BotID:     e.s.botID,
		Exchange:  e.exchange,
		Type:      string(tx.Type),
		Currency:  tx.Currency,
		Amount:    tx.Amount.String(),
		Symbol:    tx.Symbol,
		OrderID:   tx.OrderID,
		CreatedAt: tx.Time,
	})
	switch {
	case db.IsUniqueViolation(err):
		return errs.Wrap(errs.DuplicateTransaction, err, "transaction %s", tx.ID)
	case err != nil:
		return errs.Wrap(errs.PortfolioOperation, err, "store transaction %s", tx.ID)
	}
	return nil
}

// SaveTransaction implements portfolio.TransactionSink.
func (e *ExchangeStore) SaveTransaction(tx portfolio.Transaction) {
	if err := e.RecordTransaction(context.Background(), tx); err != nil {
		e.logger.Warn("transaction not stored", zap.String("id", tx.ID), zap.Error(err))
	}
}

// Transactions returns the stored transactions in creation order.
func (e *ExchangeStore) Transactions(ctx context.Context) ([]portfolio.Transaction, error) {
	rows, err := e.s.db.ListTransactions(ctx, e.s.botID, e.exchange)
	if err != nil {
		return nil, err
	}
	out := make([]portfolio.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, portfolio.Transaction{
			ID:       r.ID,
			Type:     portfolio.TransactionType(r.Type),
			Currency: r.Currency,
			Amount:   parseDecimal(r.Amount),
			Symbol:   r.Symbol,
			OrderID:  r.OrderID,
			Time:     r.CreatedAt,
		})
	}
	return out, nil
}

// SavePosition implements position.Store.
func (e *ExchangeStore) SavePosition(ctx context.Context, p position.Position) error {
	return e.s.db.UpsertPosition(ctx, db.Position{
		BotID:            e.s.botID,
		Exchange:         e.exchange,
		Symbol:           p.Symbol,
		Side:             string(p.Side),
		Currency:         p.Currency,
		Size:             p.Size.String(),
		EntryPrice:       p.EntryPrice.String(),
		MarkPrice:        p.MarkPrice.String(),
		LiquidationPrice: p.LiquidationPrice.String(),
		UnrealizedPnl:    p.UnrealizedPnl.String(),
		RealizedPnl:      p.RealizedPnl.String(),
		Margin:           p.Margin.String(),
		Status:           string(p.Status),
		UpdatedAt:        p.Updated,
	})
}

// LoadPositions implements position.Store.
func (e *ExchangeStore) LoadPositions(ctx context.Context) ([]position.Position, error) {
	rows, err := e.s.db.ListPositions(ctx, e.s.botID, e.exchange)
	if err != nil {
		return nil, err
	}
	out := make([]position.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, position.Position{
			Symbol:           r.Symbol,
			Side:             position.Side(r.Side),
			Currency:         r.Currency,
			Size:             parseDecimal(r.Size),
			EntryPrice:       parseDecimal(r.EntryPrice),
			MarkPrice:        parseDecimal(r.MarkPrice),
			LiquidationPrice: parseDecimal(r.LiquidationPrice),
			UnrealizedPnl:    parseDecimal(r.UnrealizedPnl),
			RealizedPnl:      parseDecimal(r.RealizedPnl),
			Margin:           parseDecimal(r.Margin),
			Status:           position.Status(r.Status),
			Updated:          r.UpdatedAt,
		})
	}
	return out, nil
}

// SnapshotPortfolio stores the current balances.
func (e *ExchangeStore) SnapshotPortfolio(ctx context.Context, assets map[string]portfolio.Asset, at time.Time) error {
	balances := make([]db.Balance, 0, len(assets))
	for cur, a := range assets {
		balances = append(balances, db.Balance{Currency: cur, Total: a.Total.String(), Available: a.Available.String(), RecordedAt: at})
	}
	return e.s.db.InsertPortfolioSnapshot(ctx, e.s.botID, e.exchange, balances)
}

// PortfolioHistory returns the stored totals of currency, oldest first.
func (e *ExchangeStore) PortfolioHistory(ctx context.Context, currency string) ([]db.Balance, error) {
	return e.s.db.PortfolioHistory(ctx, e.s.botID, e.exchange, currency)
}

// Attach stores the trades m publishes and snapshots its portfolio every
// interval. A zero interval disables snapshots.
func (e *ExchangeStore) Attach(ctx context.Context, m *exchange.Manager, interval time.Duration) error {
	m.TradeUpdates().NewConsumer(func(_ context.Context, _ channel.Key, t order.Trade) error {
		e.SaveTrade(t)
		return nil
	}, channel.WithName("persistence"), channel.Internal())
	if interval <= 0 {
		return nil
	}
	job := updater.NewJob("portfolio_snapshot", interval, 0, func(ctx context.Context) error {
		return e.SnapshotPortfolio(ctx, m.Portfolio().Snapshot(), m.Clock().Now())
	}, e.logger)
	if err := job.Start(ctx); err != nil {
		return err
	}
	e.s.mu.Lock()
	e.s.jobs = append(e.s.jobs, job)
	e.s.mu.Unlock()
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
