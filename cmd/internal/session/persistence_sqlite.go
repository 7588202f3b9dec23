package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"megdan/cmd/internal/chat"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
)`

// SQLitePersistence stores the identity in a single-file key/value table.
type SQLitePersistence struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the profile database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLitePersistence, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("session: sqlite path is empty")
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("session: sqlite parent dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: sqlite ping: %w", err)
	}
	for _, stmt := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("session: sqlite init: %w", err)
		}
	}
	return &SQLitePersistence{db: db}, nil
}

func (s *SQLitePersistence) Load(ctx context.Context) (chat.Identity, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, IdentityKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Identity{}, ErrNoIdentity
	}
	if err != nil {
		return chat.Identity{}, err
	}
	return decodeIdentity(raw)
}

func (s *SQLitePersistence) Save(ctx context.Context, id chat.Identity) error {
	raw, err := encodeIdentity(id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO kv (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value,
	updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
`, IdentityKey, raw)
	return err
}

func (s *SQLitePersistence) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, IdentityKey)
	return err
}

// Close releases the database handle.
func (s *SQLitePersistence) Close() error { return s.db.Close() }
