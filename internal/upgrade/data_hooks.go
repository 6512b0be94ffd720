package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// DataHookFunc rewrites rows once the SQL migration for its schema version
// is in place. It runs inside the transaction that records it, so a hook
// either lands together with its ledger row or not at all.
type DataHookFunc func(ctx context.Context, tx *sql.Tx) error

type dataHook struct {
	version uint
	name    string
	fn      DataHookFunc
	seq     int
}

var hooks []dataHook

// RegisterDataHook adds a hook for schemaVersion. Call it from init; a
// duplicate name panics.
func RegisterDataHook(schemaVersion uint, name string, fn DataHookFunc) {
	for _, h := range hooks {
		if h.name == name {
			panic("upgrade: duplicate data hook " + name)
		}
	}
	hooks = append(hooks, dataHook{version: schemaVersion, name: name, fn: fn, seq: len(hooks)})
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].version != hooks[j].version {
			return hooks[i].version < hooks[j].version
		}
		return hooks[i].seq < hooks[j].seq
	})
}

// pending returns the hooks not in applied whose schema version is at or
// below current.
func pending(applied map[string]bool, current uint) []dataHook {
	var out []dataHook
	for _, h := range hooks {
		if !applied[h.name] && h.version <= current {
			out = append(out, h)
		}
	}
	return out
}

// PendingHooks lists the names of hooks RunPendingHooks would run now.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	applied, current, err := hookState(ctx, db)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, h := range pending(applied, current) {
		names = append(names, h.name)
	}
	return names, nil
}

// RunPendingHooks applies due hooks in schema order and stops at the
// first failure. It returns how many were applied.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	applied, current, err := hookState(ctx, db)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range pending(applied, current) {
		start := time.Now()
		if err := runHook(ctx, db, h); err != nil {
			return n, fmt.Errorf("data hook %s: %w", h.name, err)
		}
		slog.Info("upgrade: data hook applied", "name", h.name, "schema", h.version, "duration", time.Since(start))
		n++
	}
	return n, nil
}

func runHook(ctx context.Context, db *sql.DB, h dataHook) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := h.fn(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO data_migrations (name, version) VALUES ($1, $2)`, h.name, h.version); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

// hookState returns the applied hook names and the current schema version.
func hookState(ctx context.Context, db *sql.DB) (map[string]bool, uint, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS data_migrations (
		name       TEXT PRIMARY KEY,
		version    INT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return nil, 0, fmt.Errorf("create data_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT name FROM data_migrations`)
	if err != nil {
		return nil, 0, fmt.Errorf("read data_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, 0, err
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	s, err := CheckSchema(db)
	if err != nil {
		return nil, 0, err
	}
	if s.Dirty {
		return nil, 0, ErrSchemaDirty
	}
	return applied, s.CurrentVersion, nil
}
