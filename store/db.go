// Package store is the persistence layer: strategies, positions, balance history, linked
// exchanges and notifications, each a SQLite table with a JSON-blob column for nested
// structure, following the same shape the rest of this codebase's storage layer uses.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"tradeforge/internal/logger"
)

// Store is the single persistence handle shared by every sub-store (strategies, positions,
// balances, exchanges, notifications); they all operate on the same underlying *sql.DB so
// that transactions can, where needed, span more than one table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at uri and runs all table/index/trigger
// migrations. uri is passed straight to modernc.org/sqlite, e.g. "file:tradeforge.db".
func Open(uri string) (*Store, error) {
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; serializes concurrent writers instead of SQLITE_BUSY storms.

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	steps := []func() error{
		s.initStrategyTables,
		s.initPositionTables,
		s.initBalanceTables,
		s.initExchangeTables,
		s.initNotificationTables,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	logger.Info("store: migrations complete")
	return nil
}
