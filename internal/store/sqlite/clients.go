// Package sqlite is the default client store: a single local database
// file, cgo-free.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goconcierge/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	key          TEXT PRIMARY KEY,
	chat_id      TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL DEFAULT '',
	labels       TEXT NOT NULL DEFAULT '[]',
	last_seen_ms INTEGER NOT NULL DEFAULT 0,
	updated_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_clients_last_seen ON clients(last_seen_ms DESC);
`

// ClientStore implements store.ClientStore on SQLite.
type ClientStore struct {
	db *sql.DB
}

// Open creates the database file and schema if needed.
func Open(path string) (*ClientStore, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// One writer; WAL lets the CLI read while the gateway writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &ClientStore{db: db}, nil
}

func (s *ClientStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *ClientStore) GetClient(ctx context.Context, key string) (*store.Client, error) {
	return getClient(ctx, s.db, key)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getClient(ctx context.Context, q querier, key string) (*store.Client, error) {
	var (
		c            store.Client
		labels       string
		seen, update int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT key, chat_id, name, labels, last_seen_ms, updated_ms FROM clients WHERE key = ?`, key,
	).Scan(&c.Key, &c.ChatID, &c.Name, &labels, &seen, &update)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &c.Labels); err != nil {
		return nil, fmt.Errorf("decode labels for %s: %w", key, err)
	}
	c.LastSeen = fromMillis(seen)
	c.UpdatedAt = fromMillis(update)
	return &c, nil
}

func (s *ClientStore) UpsertClient(ctx context.Context, in *store.Client) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stored, err := getClient(ctx, tx, in.Key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	c := store.Merge(stored, in)
	labels, err := json.Marshal(c.Labels)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO clients (key, chat_id, name, labels, last_seen_ms, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			chat_id = excluded.chat_id,
			name = excluded.name,
			labels = excluded.labels,
			last_seen_ms = excluded.last_seen_ms,
			updated_ms = excluded.updated_ms`,
		c.Key, c.ChatID, c.Name, string(labels), toMillis(c.LastSeen), toMillis(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", c.Key, err)
	}
	return tx.Commit()
}

func (s *ClientStore) SetLabels(ctx context.Context, key string, labels []string) error {
	if labels == nil {
		labels = []string{}
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET labels = ?, updated_ms = ? WHERE key = ?`,
		string(data), toMillis(time.Now()), key,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ClientStore) ListClients(ctx context.Context, limit int) ([]store.Client, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, chat_id, name, labels, last_seen_ms, updated_ms
		 FROM clients ORDER BY last_seen_ms DESC, key LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Client
	for rows.Next() {
		var (
			c            store.Client
			labels       string
			seen, update int64
		)
		if err := rows.Scan(&c.Key, &c.ChatID, &c.Name, &labels, &seen, &update); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(labels), &c.Labels)
		c.LastSeen = fromMillis(seen)
		c.UpdatedAt = fromMillis(update)
		out = append(out, c)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var _ store.ClientStore = (*ClientStore)(nil)
