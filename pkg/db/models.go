package db

import (
	"context"
	"fmt"
	"time"
)

// Trade is a stored trade row. Amounts are decimal strings.
type Trade struct {
	ID              string
	BotID           string
	Exchange        string
	OrderID         string
	ExchangeOrderID string
	Symbol          string
	Side            string
	Kind            string
	Status          string
	Price           string
	Quantity        string
	Cost            string
	FeeCurrency     string
	FeeCost         string
	ExecutedAt      time.Time
	Simulated       bool
	Tag             string
}

// Transaction is a stored portfolio transaction row.
type Transaction struct {
	ID        string
	BotID     string
	Exchange  string
	Type      string
	Currency  string
	Amount    string
	Symbol    string
	OrderID   string
	CreatedAt time.Time
}

// Position is a stored position row.
type Position struct {
	BotID            string
	Exchange         string
	Symbol           string
	Side             string
	Currency         string
	Size             string
	EntryPrice       string
	MarkPrice        string
	LiquidationPrice string
	UnrealizedPnl    string
	RealizedPnl      string
	Margin           string
	Status           string
	UpdatedAt        time.Time
}

// Balance is one currency of a portfolio history snapshot.
type Balance struct {
	Currency   string
	Total      string
	Available  string
	RecordedAt time.Time
}

// InsertTradeQuery ignores trades already stored.
const InsertTradeQuery = `INSERT OR IGNORE INTO trades
    (id, bot_id, exchange, order_id, exchange_order_id, symbol, side, kind, status, price, quantity, cost, fee_currency, fee_cost, executed_at, simulated, tag)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// TradeArgs returns the InsertTradeQuery arguments of t.
func TradeArgs(t Trade) []any {
	return []any{t.ID, t.BotID, t.Exchange, t.OrderID, t.ExchangeOrderID, t.Symbol, t.Side, t.Kind, t.Status,
		t.Price, t.Quantity, t.Cost, t.FeeCurrency, t.FeeCost, t.ExecutedAt.UTC(), t.Simulated, t.Tag}
}

// ListTrades returns the latest trades of a bot on an exchange, newest first.
func (d *Database) ListTrades(ctx context.Context, botID, exchange string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `SELECT id, bot_id, exchange, order_id, COALESCE(exchange_order_id, ''), symbol, side, kind, status,
        price, quantity, cost, COALESCE(fee_currency, ''), COALESCE(fee_cost, ''), executed_at, simulated, COALESCE(tag, '')
        FROM trades WHERE bot_id = ? AND exchange = ? ORDER BY executed_at DESC, id LIMIT ?`, botID, exchange, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.BotID, &t.Exchange, &t.OrderID, &t.ExchangeOrderID, &t.Symbol, &t.Side, &t.Kind, &t.Status,
			&t.Price, &t.Quantity, &t.Cost, &t.FeeCurrency, &t.FeeCost, &t.ExecutedAt, &t.Simulated, &t.Tag); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTransaction stores tx. A reused id fails with a unique violation.
func (d *Database) CreateTransaction(ctx context.Context, tx Transaction) error {
	_, err := d.DB.ExecContext(ctx, `INSERT INTO transactions (id, bot_id, exchange, type, currency, amount, symbol, order_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.BotID, tx.Exchange, tx.Type, tx.Currency, tx.Amount, tx.Symbol, tx.OrderID, tx.CreatedAt.UTC())
	return err
}

// ListTransactions returns the transactions of a bot on an exchange in
// creation order.
func (d *Database) ListTransactions(ctx context.Context, botID, exchange string) ([]Transaction, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT id, bot_id, exchange, type, currency, amount, COALESCE(symbol, ''), COALESCE(order_id, ''), created_at
        FROM transactions WHERE bot_id = ? AND exchange = ? ORDER BY created_at, id`, botID, exchange)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.ID, &tx.BotID, &tx.Exchange, &tx.Type, &tx.Currency, &tx.Amount, &tx.Symbol, &tx.OrderID, &tx.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// UpsertPosition inserts or replaces the position of (symbol, side).
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `INSERT INTO positions
        (bot_id, exchange, symbol, side, currency, size, entry_price, mark_price, liquidation_price, unrealized_pnl, realized_pnl, margin, status, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(bot_id, exchange, symbol, side) DO UPDATE SET
            currency = excluded.currency,
            size = excluded.size,
            entry_price = excluded.entry_price,
            mark_price = excluded.mark_price,
            liquidation_price = excluded.liquidation_price,
            unrealized_pnl = excluded.unrealized_pnl,
            realized_pnl = excluded.realized_pnl,
            margin = excluded.margin,
            status = excluded.status,
            updated_at = excluded.updated_at`,
		p.BotID, p.Exchange, p.Symbol, p.Side, p.Currency, p.Size, p.EntryPrice, p.MarkPrice, p.LiquidationPrice,
		p.UnrealizedPnl, p.RealizedPnl, p.Margin, p.Status, p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

// ListPositions returns the stored positions of a bot on an exchange.
func (d *Database) ListPositions(ctx context.Context, botID, exchange string) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT bot_id, exchange, symbol, side, COALESCE(currency, ''), size, entry_price,
        COALESCE(mark_price, ''), COALESCE(liquidation_price, ''), COALESCE(unrealized_pnl, ''), COALESCE(realized_pnl, ''),
        COALESCE(margin, ''), status, updated_at
        FROM positions WHERE bot_id = ? AND exchange = ? ORDER BY symbol, side`, botID, exchange)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.BotID, &p.Exchange, &p.Symbol, &p.Side, &p.Currency, &p.Size, &p.EntryPrice, &p.MarkPrice,
			&p.LiquidationPrice, &p.UnrealizedPnl, &p.RealizedPnl, &p.Margin, &p.Status, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPortfolioSnapshot stores one row per balance in one transaction.
func (d *Database) InsertPortfolioSnapshot(ctx context.Context, botID, exchange string, balances []Balance) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, b := range balances {
		if _, err := tx.ExecContext(ctx, `INSERT INTO portfolio_history (bot_id, exchange, currency, total, available, recorded_at)
            VALUES (?, ?, ?, ?, ?, ?)`, botID, exchange, b.Currency, b.Total, b.Available, b.RecordedAt.UTC()); err != nil {
			return fmt.Errorf("insert portfolio snapshot: %w", err)
		}
	}
	return tx.Commit()
}

// PortfolioHistory returns the snapshots of currency, oldest first.
func (d *Database) PortfolioHistory(ctx context.Context, botID, exchange, currency string) ([]Balance, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT currency, total, available, recorded_at FROM portfolio_history
        WHERE bot_id = ? AND exchange = ? AND currency = ? ORDER BY recorded_at, id`, botID, exchange, currency)
	if err != nil {
		return nil, fmt.Errorf("portfolio history: %w", err)
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.Currency, &b.Total, &b.Available, &b.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
