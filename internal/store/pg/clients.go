// Package pg is the Postgres client store, for deployments that share
// client data with other services. The schema is managed by the
// migrations directory (goconcierge migrate up).
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/goconcierge/internal/store"
)

// OpenDB opens a pooled Postgres connection through the pgx stdlib driver
// and verifies it with a ping.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// ClientStore implements store.ClientStore backed by Postgres.
type ClientStore struct {
	db *sql.DB
}

// New opens dsn and returns a store.
func New(dsn string) (*ClientStore, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &ClientStore{db: db}, nil
}

// NewWithDB wraps an existing pool.
func NewWithDB(db *sql.DB) *ClientStore {
	return &ClientStore{db: db}
}

func (s *ClientStore) Close() error { return s.db.Close() }

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectClient = `SELECT key, chat_id, name, labels, last_seen, updated_at FROM clients`

func scanClient(scan func(dest ...any) error) (*store.Client, error) {
	var (
		c        store.Client
		labels   []byte
		lastSeen sql.NullTime
	)
	if err := scan(&c.Key, &c.ChatID, &c.Name, &labels, &lastSeen, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &c.Labels); err != nil {
			return nil, fmt.Errorf("decode labels for %s: %w", c.Key, err)
		}
	}
	if lastSeen.Valid {
		c.LastSeen = lastSeen.Time
	}
	return &c, nil
}

func getClient(ctx context.Context, q querier, key string, forUpdate bool) (*store.Client, error) {
	query := selectClient + ` WHERE key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanClient(q.QueryRowContext(ctx, query, key).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return c, err
}

func (s *ClientStore) GetClient(ctx context.Context, key string) (*store.Client, error) {
	return getClient(ctx, s.db, key, false)
}

func (s *ClientStore) UpsertClient(ctx context.Context, in *store.Client) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stored, err := getClient(ctx, tx, in.Key, true)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	c := store.Merge(stored, in)
	labels, err := json.Marshal(c.Labels)
	if err != nil {
		return err
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO clients (key, chat_id, name, labels, last_seen, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			chat_id = EXCLUDED.chat_id,
			name = EXCLUDED.name,
			labels = EXCLUDED.labels,
			last_seen = EXCLUDED.last_seen,
			updated_at = EXCLUDED.updated_at`,
		c.Key, c.ChatID, c.Name, labels, nullTime(c.LastSeen), c.UpdatedAt,
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
		`UPDATE clients SET labels = $1, updated_at = NOW() WHERE key = $2`, data, key)
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
		selectClient+` ORDER BY last_seen DESC NULLS LAST, key LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Client
	for rows.Next() {
		c, err := scanClient(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ store.ClientStore = (*ClientStore)(nil)
