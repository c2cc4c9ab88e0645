package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Position is the persisted per-(user, exchange, token) holding. Invariants (spec.md §3):
// amount >= 0; when amount == 0, is_active = false; entry_price is the weighted-average cost
// basis, recalculated on every buy and unchanged by sells.
type Position struct {
	ID            string
	UserID        string
	ExchangeID    string
	Token         string
	Amount        float64
	EntryPrice    float64
	TotalInvested float64
	IsActive      bool
	Purchases     string // JSON array of Trade
	Sales         string // JSON array of Trade
	Version       int    // optimistic-concurrency counter; bumped on every write
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Trade is one append-only purchase or sale record.
type Trade struct {
	Amount   float64   `json:"amount"`
	Price    float64   `json:"price"`
	OrderRef string    `json:"order_ref"`
	PnLUSD   float64   `json:"pnl_usd,omitempty"` // set on sales only
	At       time.Time `json:"at"`
}

func (st *Store) initPositionTables() error {
	_, err := st.db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			token TEXT NOT NULL,
			amount REAL NOT NULL DEFAULT 0,
			entry_price REAL NOT NULL DEFAULT 0,
			total_invested REAL NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 0,
			purchases TEXT NOT NULL DEFAULT '[]',
			sales TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, _ = st.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_uniq ON positions(user_id, exchange_id, token)`)

	_, err = st.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS update_positions_updated_at
		AFTER UPDATE ON positions
		BEGIN
			UPDATE positions SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END
	`)
	return err
}

// ErrInsufficientPosition is returned by RecordSell when amount exceeds the held position.
var ErrInsufficientPosition = fmt.Errorf("store: insufficient position")

// GetPosition returns the current position for (userID, exchangeID, token), or nil if none
// exists yet.
func (st *Store) GetPosition(userID, exchangeID, token string) (*Position, error) {
	p, err := st.scanPositionRow(`
		SELECT id, user_id, exchange_id, token, amount, entry_price, total_invested, is_active,
		       purchases, sales, version, created_at, updated_at
		FROM positions WHERE user_id = ? AND exchange_id = ? AND token = ?
	`, userID, exchangeID, token)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// GetPositionByID returns the position identified by id, scoped to its owner, or nil if none
// exists (spec.md §6 — GET /positions/<id>).
func (st *Store) GetPositionByID(userID, id string) (*Position, error) {
	p, err := st.scanPositionRow(`
		SELECT id, user_id, exchange_id, token, amount, entry_price, total_invested, is_active,
		       purchases, sales, version, created_at, updated_at
		FROM positions WHERE id = ? AND user_id = ?
	`, id, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// RecordBuy appends a purchase and recalculates the weighted-average entry_price (spec.md
// §4.3, testable property 8): new_entry = (old_entry*old_amount + price*amount) /
// (old_amount+amount); total_invested += amount*price; is_active = true.
func (st *Store) RecordBuy(id, userID, exchangeID, token string, amount, price float64, orderRef string, at time.Time) error {
	tx, err := st.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pos, err := txGetPosition(tx, userID, exchangeID, token)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if pos == nil {
		pos = &Position{ID: id, UserID: userID, ExchangeID: exchangeID, Token: token, Purchases: "[]", Sales: "[]"}
	}

	newAmount := pos.Amount + amount
	if newAmount > 0 {
		pos.EntryPrice = (pos.EntryPrice*pos.Amount + price*amount) / newAmount
	}
	pos.Amount = newAmount
	pos.TotalInvested += amount * price
	pos.IsActive = true

	var purchases []Trade
	_ = json.Unmarshal([]byte(pos.Purchases), &purchases)
	purchases = append(purchases, Trade{Amount: amount, Price: price, OrderRef: orderRef, At: at})
	b, err := json.Marshal(purchases)
	if err != nil {
		return err
	}
	pos.Purchases = string(b)

	return txUpsertPosition(tx, pos)
}

// RecordSell appends a sale with realized P&L = (price - entry_price) * amount, decreases
// amount, preserves entry_price until amount returns to zero (spec.md §4.3). Fails with
// ErrInsufficientPosition if amount exceeds the held amount, and ErrConflict if the position
// was concurrently modified between read and write (caller retries the whole step).
func (st *Store) RecordSell(userID, exchangeID, token string, amount, price float64, orderRef string, at time.Time) (pnl float64, err error) {
	tx, err := st.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	pos, err := txGetPosition(tx, userID, exchangeID, token)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrInsufficientPosition
		}
		return 0, err
	}
	if amount > pos.Amount+1e-9 {
		return 0, ErrInsufficientPosition
	}

	pnl = (price - pos.EntryPrice) * amount
	pos.Amount -= amount
	if pos.Amount < 1e-9 {
		pos.Amount = 0
		pos.IsActive = false
	}

	var sales []Trade
	_ = json.Unmarshal([]byte(pos.Sales), &sales)
	sales = append(sales, Trade{Amount: amount, Price: price, OrderRef: orderRef, PnLUSD: pnl, At: at})
	b, err := json.Marshal(sales)
	if err != nil {
		return 0, err
	}
	pos.Sales = string(b)

	if err := txUpsertPosition(tx, pos); err != nil {
		return 0, err
	}
	return pnl, tx.Commit()
}

// SyncFromExchange reconciles the ledger's amount against an exchange-reported balance,
// leaving entry_price untouched when a prior entry is known and seeding it with the current
// market price when a previously-unknown asset appears (spec.md §4.3).
func (st *Store) SyncFromExchange(id, userID, exchangeID, token string, reportedAmount, currentPrice float64) error {
	tx, err := st.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pos, err := txGetPosition(tx, userID, exchangeID, token)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if pos == nil {
		pos = &Position{ID: id, UserID: userID, ExchangeID: exchangeID, Token: token, Purchases: "[]", Sales: "[]"}
		pos.EntryPrice = currentPrice
		pos.TotalInvested = reportedAmount * currentPrice
	}
	pos.Amount = reportedAmount
	pos.IsActive = reportedAmount > 0
	if err := txUpsertPosition(tx, pos); err != nil {
		return err
	}
	return tx.Commit()
}

func txGetPosition(tx *sql.Tx, userID, exchangeID, token string) (*Position, error) {
	var p Position
	var createdAt, updatedAt sql.NullString
	err := tx.QueryRow(`
		SELECT id, user_id, exchange_id, token, amount, entry_price, total_invested, is_active,
		       purchases, sales, version, created_at, updated_at
		FROM positions WHERE user_id = ? AND exchange_id = ? AND token = ?
	`, userID, exchangeID, token).Scan(
		&p.ID, &p.UserID, &p.ExchangeID, &p.Token, &p.Amount, &p.EntryPrice, &p.TotalInvested,
		&p.IsActive, &p.Purchases, &p.Sales, &p.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if createdAt.Valid {
		p.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt.String)
	}
	if updatedAt.Valid {
		p.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt.String)
	}
	return &p, nil
}

func txUpsertPosition(tx *sql.Tx, p *Position) error {
	res, err := tx.Exec(`
		UPDATE positions SET
			amount = ?, entry_price = ?, total_invested = ?, is_active = ?,
			purchases = ?, sales = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, p.Amount, p.EntryPrice, p.TotalInvested, p.IsActive, p.Purchases, p.Sales, p.ID, p.Version)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}

	// no row updated: either it doesn't exist yet, or it was concurrently modified.
	var exists int
	_ = tx.QueryRow(`SELECT COUNT(*) FROM positions WHERE id = ?`, p.ID).Scan(&exists)
	if exists > 0 {
		return ErrConflict
	}

	_, err = tx.Exec(`
		INSERT INTO positions (id, user_id, exchange_id, token, amount, entry_price, total_invested,
		                        is_active, purchases, sales, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, p.ID, p.UserID, p.ExchangeID, p.Token, p.Amount, p.EntryPrice, p.TotalInvested, p.IsActive, p.Purchases, p.Sales)
	return err
}

// ListPositions returns every position belonging to userID.
func (st *Store) ListPositions(userID string) ([]*Position, error) {
	rows, err := st.db.Query(`
		SELECT id, user_id, exchange_id, token, amount, entry_price, total_invested, is_active,
		       purchases, sales, version, created_at, updated_at
		FROM positions WHERE user_id = ? ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		var p Position
		var createdAt, updatedAt sql.NullString
		if err := rows.Scan(
			&p.ID, &p.UserID, &p.ExchangeID, &p.Token, &p.Amount, &p.EntryPrice, &p.TotalInvested,
			&p.IsActive, &p.Purchases, &p.Sales, &p.Version, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		if createdAt.Valid {
			p.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt.String)
		}
		if updatedAt.Valid {
			p.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt.String)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (st *Store) scanPositionRow(query string, args ...interface{}) (*Position, error) {
	var p Position
	var createdAt, updatedAt sql.NullString
	err := st.db.QueryRow(query, args...).Scan(
		&p.ID, &p.UserID, &p.ExchangeID, &p.Token, &p.Amount, &p.EntryPrice, &p.TotalInvested,
		&p.IsActive, &p.Purchases, &p.Sales, &p.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if createdAt.Valid {
		p.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt.String)
	}
	if updatedAt.Valid {
		p.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt.String)
	}
	return &p, nil
}
