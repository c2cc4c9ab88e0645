// Package ledger is the Position Ledger (spec.md §4.3): the persistent per-(user, exchange,
// token) record of holdings the Trigger Evaluator reads its entry_price and holding_amount
// from. It is a thin component boundary over the store package's positions table — the engine
// and the orchestrator depend on this package, never on store's table layout directly.
package ledger

import (
	"time"

	"github.com/google/uuid"

	"tradeforge/store"
)

// ErrInsufficientPosition is returned by RecordSell when amount exceeds the held position.
var ErrInsufficientPosition = store.ErrInsufficientPosition

// ErrConflict is returned when a concurrent modification raced the read-modify-write step; the
// caller must retry the whole compute-then-write operation (spec.md §4.3).
var ErrConflict = store.ErrConflict

// Ledger is the Position Ledger.
type Ledger struct {
	st *store.Store
}

// New builds a Ledger over st.
func New(st *store.Store) *Ledger {
	return &Ledger{st: st}
}

// GetPosition returns the current position for (user, exchange, token), or nil if none exists.
func (l *Ledger) GetPosition(userID, exchangeID, token string) (*store.Position, error) {
	return l.st.GetPosition(userID, exchangeID, token)
}

// GetPositionByID returns the position identified by id, scoped to its owner, or nil if none
// exists.
func (l *Ledger) GetPositionByID(userID, id string) (*store.Position, error) {
	return l.st.GetPositionByID(userID, id)
}

// RecordBuy appends a purchase and recalculates the weighted-average entry price (spec.md §4.3).
func (l *Ledger) RecordBuy(userID, exchangeID, token string, amount, price float64, orderRef string) error {
	return l.st.RecordBuy(uuid.New().String(), userID, exchangeID, token, amount, price, orderRef, time.Now())
}

// RecordSell appends a sale and returns the realized P&L. Requires amount <= position.amount.
func (l *Ledger) RecordSell(userID, exchangeID, token string, amount, price float64, orderRef string) (pnl float64, err error) {
	return l.st.RecordSell(userID, exchangeID, token, amount, price, orderRef, time.Now())
}

// SyncFromExchange reconciles the ledger's amount against an exchange-reported balance.
func (l *Ledger) SyncFromExchange(userID, exchangeID, token string, reportedAmount, currentPrice float64) error {
	return l.st.SyncFromExchange(uuid.New().String(), userID, exchangeID, token, reportedAmount, currentPrice)
}

// ListPositions returns every position belonging to userID.
func (l *Ledger) ListPositions(userID string) ([]*store.Position, error) {
	return l.st.ListPositions(userID)
}
