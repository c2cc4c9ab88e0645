package store

import (
	"database/sql"
	"time"
)

// Notification is a best-effort user-visible side channel (spec.md §7): strategy_executed,
// order_failed, strategy_paused, credentials_invalid. Never required for correctness of the
// next decision.
type Notification struct {
	ID        string
	UserID    string
	Kind      string
	Title     string
	Message   string
	IsRead    bool
	CreatedAt time.Time
}

func (st *Store) initNotificationTables() error {
	_, err := st.db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			is_read BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, err = st.db.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_user_read_ts ON notifications(user_id, is_read, created_at DESC)`)
	return err
}

// Notify appends a notification and returns any insert error. Callers treat it as a
// best-effort side channel that must not fail their write path (spec.md §7): they log or
// discard the error.
func (st *Store) Notify(n Notification) error {
	_, err := st.db.Exec(`
		INSERT INTO notifications (id, user_id, kind, title, message)
		VALUES (?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Kind, n.Title, n.Message)
	return err
}

// ListNotifications returns notifications for userID, newest first.
func (st *Store) ListNotifications(userID string, limit int) ([]*Notification, error) {
	rows, err := st.db.Query(`
		SELECT id, user_id, kind, title, message, is_read, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		var createdAt sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &n.IsRead, &createdAt); err != nil {
			return nil, err
		}
		if createdAt.Valid {
			n.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt.String)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkRead flags a notification as read.
func (st *Store) MarkRead(userID, id string) error {
	_, err := st.db.Exec(`UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	return err
}
