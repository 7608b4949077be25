package portfolio

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-engine/internal/errs"
)

// TransactionType classifies balance movements that are not trades.
type TransactionType string

const (
	TransactionRealisedPnl TransactionType = "realised_pnl"
	TransactionFee         TransactionType = "fee"
	TransactionTransfer    TransactionType = "transfer"
	TransactionFunding     TransactionType = "funding"
	TransactionBlockchain  TransactionType = "blockchain"
)

// Transaction is one balance movement.
type Transaction struct {
	ID       string          `json:"id"`
	Type     TransactionType `json:"type"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Symbol   string          `json:"symbol,omitempty"`
	OrderID  string          `json:"order_id,omitempty"`
	Time     time.Time       `json:"time"`
}

// TransactionSink receives every recorded transaction. Implementations must
// not block.
type TransactionSink interface {
	SaveTransaction(tx Transaction)
}

// TransactionsManager records transactions with unique ids.
type TransactionsManager struct {
	now  func() time.Time
	sink TransactionSink

	mu  sync.RWMutex
	txs []Transaction
	ids map[string]struct{}
}

// NewTransactionsManager returns an empty ledger. sink may be nil.
func NewTransactionsManager(now func() time.Time, sink TransactionSink) *TransactionsManager {
	if now == nil {
		now = time.Now
	}
	return &TransactionsManager{now: now, sink: sink, ids: make(map[string]struct{})}
}

// Add records tx, assigning an id and time when missing. A known id is
// rejected.
func (m *TransactionsManager) Add(tx Transaction) (Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Time.IsZero() {
		tx.Time = m.now()
	}
	m.mu.Lock()
	if _, ok := m.ids[tx.ID]; ok {
		m.mu.Unlock()
		return tx, errs.New(errs.DuplicateTransaction, "transaction %s already recorded", tx.ID)
	}
	m.ids[tx.ID] = struct{}{}
	m.txs = append(m.txs, tx)
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.SaveTransaction(tx)
	}
	return tx, nil
}

// List returns transactions of type t, or all when t is empty.
func (m *TransactionsManager) List(t TransactionType) []Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		if t == "" || tx.Type == t {
			out = append(out, tx)
		}
	}
	return out
}
