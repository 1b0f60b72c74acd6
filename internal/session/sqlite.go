package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gotdsession "github.com/gotd/td/session"
	_ "modernc.org/sqlite"
)

const sqliteSlotSchema = `CREATE TABLE IF NOT EXISTS session_slots (
	name TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// OpenSQLite opens (creating when needed) a sqlite database file for slot storage.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, fmt.Errorf("open sqlite slots: empty path")
	}
	if trimmedPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(trimmedPath), 0o700); err != nil {
			return nil, fmt.Errorf("open sqlite slots: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", trimmedPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite slots %s: %w", trimmedPath, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite slots %s: %w", trimmedPath, err)
	}

	return db, nil
}

// SQLiteSlots stores both slots as rows of the session_slots table.
func SQLiteSlots(ctx context.Context, db *sql.DB) (*Slots, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite slots: nil database")
	}
	if _, err := db.ExecContext(ctx, sqliteSlotSchema); err != nil {
		return nil, fmt.Errorf("sqlite slots: create schema: %w", err)
	}

	return &Slots{
		Token:    &sqliteSlot{db: db, name: SlotToken, now: time.Now},
		Identity: &sqliteSlot{db: db, name: SlotIdentity, now: time.Now},
	}, nil
}

type sqliteSlot struct {
	db   *sql.DB
	name string
	now  func() time.Time
}

func (s *sqliteSlot) LoadSession(ctx context.Context) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM session_slots WHERE name = ?`, s.name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gotdsession.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load slot %s: %w", s.name, err)
	}

	return value, nil
}

func (s *sqliteSlot) StoreSession(ctx context.Context, data []byte) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO session_slots (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.name, data, s.now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("store slot %s: %w", s.name, err)
	}

	return nil
}

func (s *sqliteSlot) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_slots WHERE name = ?`, s.name); err != nil {
		return fmt.Errorf("clear slot %s: %w", s.name, err)
	}

	return nil
}
