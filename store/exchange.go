package store

import (
	"database/sql"
	"time"
)

// Exchange is a catalog entry for a supported exchange (spec.md §6 persisted collections).
type Exchange struct {
	ID   string
	Name string
	Kind string // binance, bybit, hyperliquid, lighter
}

// UserExchange links a user to an exchange with a sealed credential blob and an is_active
// flag. Soft-disconnect clears is_active while preserving the row and the credential blob;
// Unlink deletes the row outright (spec.md §4.2).
type UserExchange struct {
	ID              string
	UserID          string
	ExchangeID      string
	Label           string
	SealedCredential []byte // nacl/secretbox-sealed API key/secret blob; opaque to this layer
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (st *Store) initExchangeTables() error {
	if _, err := st.db.Exec(`
		CREATE TABLE IF NOT EXISTS exchanges (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL
		)
	`); err != nil {
		return err
	}

	if _, err := st.db.Exec(`
		CREATE TABLE IF NOT EXISTS user_exchanges (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			sealed_credential BLOB NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return err
	}
	_, _ = st.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_exchanges_uniq ON user_exchanges(user_id, exchange_id)`)

	_, err := st.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS update_user_exchanges_updated_at
		AFTER UPDATE ON user_exchanges
		BEGIN
			UPDATE user_exchanges SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END
	`)
	return err
}

// UpsertExchangeCatalog inserts or replaces a catalog entry.
func (st *Store) UpsertExchangeCatalog(e Exchange) error {
	_, err := st.db.Exec(`INSERT OR REPLACE INTO exchanges (id, name, kind) VALUES (?, ?, ?)`, e.ID, e.Name, e.Kind)
	return err
}

// GetExchangeCatalog returns the catalog entry for id.
func (st *Store) GetExchangeCatalog(id string) (*Exchange, error) {
	var e Exchange
	err := st.db.QueryRow(`SELECT id, name, kind FROM exchanges WHERE id = ?`, id).Scan(&e.ID, &e.Name, &e.Kind)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// LinkExchange creates or replaces a user's credential link to an exchange.
func (st *Store) LinkExchange(ue UserExchange) error {
	_, err := st.db.Exec(`
		INSERT INTO user_exchanges (id, user_id, exchange_id, label, sealed_credential, is_active)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(user_id, exchange_id) DO UPDATE SET
			label = excluded.label, sealed_credential = excluded.sealed_credential, is_active = 1
	`, ue.ID, ue.UserID, ue.ExchangeID, ue.Label, ue.SealedCredential)
	return err
}

// ErrNotLinked is returned when no credential handle exists for (user, exchange).
var ErrNotLinked = sql.ErrNoRows

// GetUserExchange returns the link row for (userID, exchangeID).
func (st *Store) GetUserExchange(userID, exchangeID string) (*UserExchange, error) {
	var ue UserExchange
	var createdAt, updatedAt sql.NullString
	err := st.db.QueryRow(`
		SELECT id, user_id, exchange_id, label, sealed_credential, is_active, created_at, updated_at
		FROM user_exchanges WHERE user_id = ? AND exchange_id = ?
	`, userID, exchangeID).Scan(
		&ue.ID, &ue.UserID, &ue.ExchangeID, &ue.Label, &ue.SealedCredential, &ue.IsActive, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if createdAt.Valid {
		ue.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt.String)
	}
	if updatedAt.Valid {
		ue.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt.String)
	}
	return &ue, nil
}

// ListUserExchanges returns every exchange link belonging to userID.
func (st *Store) ListUserExchanges(userID string) ([]*UserExchange, error) {
	rows, err := st.db.Query(`
		SELECT id, user_id, exchange_id, label, sealed_credential, is_active, created_at, updated_at
		FROM user_exchanges WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UserExchange
	for rows.Next() {
		var ue UserExchange
		var createdAt, updatedAt sql.NullString
		if err := rows.Scan(&ue.ID, &ue.UserID, &ue.ExchangeID, &ue.Label, &ue.SealedCredential,
			&ue.IsActive, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if createdAt.Valid {
			ue.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt.String)
		}
		if updatedAt.Valid {
			ue.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt.String)
		}
		out = append(out, &ue)
	}
	return out, rows.Err()
}

// DisconnectExchange soft-disconnects: clears is_active but preserves the row and credential
// blob (spec.md §4.2).
func (st *Store) DisconnectExchange(userID, exchangeID string) error {
	_, err := st.db.Exec(`UPDATE user_exchanges SET is_active = 0 WHERE user_id = ? AND exchange_id = ?`, userID, exchangeID)
	return err
}

// ConnectExchange re-activates a previously soft-disconnected link.
func (st *Store) ConnectExchange(userID, exchangeID string) error {
	_, err := st.db.Exec(`UPDATE user_exchanges SET is_active = 1 WHERE user_id = ? AND exchange_id = ?`, userID, exchangeID)
	return err
}

// ListLinkedUserIDs returns every distinct user_id with at least one active exchange link, for
// the Balance Snapshot Pipeline's per-run user enumeration (spec.md §4.8).
func (st *Store) ListLinkedUserIDs() ([]string, error) {
	rows, err := st.db.Query(`SELECT DISTINCT user_id FROM user_exchanges WHERE is_active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UnlinkExchange deletes the credential link outright.
func (st *Store) UnlinkExchange(userID, exchangeID string) error {
	_, err := st.db.Exec(`DELETE FROM user_exchanges WHERE user_id = ? AND exchange_id = ?`, userID, exchangeID)
	return err
}
