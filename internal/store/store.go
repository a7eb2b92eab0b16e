// Package store persists this node's local settings in SQLite: its own
// nickname, and reconnection hints for peers it has seen before. Chat
// content itself is never written here — the mesh has no durable message
// history.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists node settings in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS peer_hints (
	address       TEXT PRIMARY KEY,
	nick          TEXT NOT NULL,
	last_seen_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_peer_hints_last_seen ON peer_hints(last_seen_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// SettingsKeyNick is the settings row holding this node's own nickname.
const SettingsKeyNick = "nickname"

// GetSetting returns a stored value, or ok=false if the key has never
// been set.
func (s *Store) GetSetting(ctx context.Context, key string) (value string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a single settings row.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("write setting %q: %w", key, err)
	}
	return nil
}

// PeerHint is a reconnection hint for a previously-seen peer.
type PeerHint struct {
	Address  string
	Nick     string
	LastSeen time.Time
}

// UpsertPeerHint records or refreshes the last-seen nickname and time for
// a peer address, so a future run can offer it as a reconnect target.
func (s *Store) UpsertPeerHint(ctx context.Context, address, nick string) error {
	const q = `
INSERT INTO peer_hints (address, nick, last_seen_unix_ms) VALUES (?, ?, ?)
ON CONFLICT(address) DO UPDATE SET nick = excluded.nick, last_seen_unix_ms = excluded.last_seen_unix_ms
`
	if _, err := s.db.ExecContext(ctx, q, address, nick, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert peer hint %q: %w", address, err)
	}
	return nil
}

// PeerHints returns every recorded peer hint, most recently seen first.
func (s *Store) PeerHints(ctx context.Context) ([]PeerHint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, nick, last_seen_unix_ms FROM peer_hints ORDER BY last_seen_unix_ms DESC`)
	if err != nil {
		return nil, fmt.Errorf("query peer hints: %w", err)
	}
	defer rows.Close()

	var out []PeerHint
	for rows.Next() {
		var h PeerHint
		var lastSeenMS int64
		if err := rows.Scan(&h.Address, &h.Nick, &lastSeenMS); err != nil {
			return nil, fmt.Errorf("scan peer hint: %w", err)
		}
		h.LastSeen = time.UnixMilli(lastSeenMS)
		out = append(out, h)
	}
	return out, rows.Err()
}
