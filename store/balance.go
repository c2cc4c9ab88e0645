package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// ExchangeBalance is one per-exchange subrecord of a BalanceSnapshot (spec.md §3).
type ExchangeBalance struct {
	ExchangeID   string  `json:"exchange_id"`
	ExchangeName string  `json:"exchange_name"`
	TotalUSD     float64 `json:"total_usd"`
	TotalBRL     float64 `json:"total_brl"`
	Success      bool    `json:"success"`
}

// BalanceSnapshot is a per-user, per-timestamp portfolio total, append-only (spec.md §3/§4.8).
type BalanceSnapshot struct {
	ID        string
	UserID    string
	TotalUSD  float64
	TotalBRL  float64
	Exchanges []ExchangeBalance
	Timestamp time.Time
}

func (st *Store) initBalanceTables() error {
	_, err := st.db.Exec(`
		CREATE TABLE IF NOT EXISTS balance_history (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			total_usd REAL NOT NULL DEFAULT 0,
			total_brl REAL NOT NULL DEFAULT 0,
			exchanges TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, err = st.db.Exec(`CREATE INDEX IF NOT EXISTS idx_balance_history_user_ts ON balance_history(user_id, created_at DESC)`)
	return err
}

// AppendBalanceSnapshot persists one snapshot.
func (st *Store) AppendBalanceSnapshot(s BalanceSnapshot) error {
	b, err := json.Marshal(s.Exchanges)
	if err != nil {
		return err
	}
	_, err = st.db.Exec(`
		INSERT INTO balance_history (id, user_id, total_usd, total_brl, exchanges)
		VALUES (?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.TotalUSD, s.TotalBRL, string(b))
	return err
}

// ListBalanceHistory returns the most recent snapshots for userID, newest first.
func (st *Store) ListBalanceHistory(userID string, limit int) ([]*BalanceSnapshot, error) {
	rows, err := st.db.Query(`
		SELECT id, user_id, total_usd, total_brl, exchanges, created_at
		FROM balance_history WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BalanceSnapshot
	for rows.Next() {
		var s BalanceSnapshot
		var exchangesJSON string
		var createdAt sql.NullString
		if err := rows.Scan(&s.ID, &s.UserID, &s.TotalUSD, &s.TotalBRL, &exchangesJSON, &createdAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(exchangesJSON), &s.Exchanges)
		if createdAt.Valid {
			s.Timestamp, _ = time.Parse(sqliteTimeLayout, createdAt.String)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
