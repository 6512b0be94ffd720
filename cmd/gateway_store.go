package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/nextlevelbuilder/goconcierge/internal/config"
	"github.com/nextlevelbuilder/goconcierge/internal/store"
	"github.com/nextlevelbuilder/goconcierge/internal/store/pg"
	"github.com/nextlevelbuilder/goconcierge/internal/store/sqlite"
	"github.com/nextlevelbuilder/goconcierge/internal/upgrade"
)

func storeConfig(cfg *config.Config) store.StoreConfig {
	return store.StoreConfig{
		Driver:      cfg.Database.Driver,
		SQLitePath:  cfg.SQLitePath(),
		PostgresDSN: cfg.Database.PostgresDSN,
	}
}

// openClientStore opens the configured backend. For Postgres the schema
// must be current; GOCONCIERGE_AUTO_UPGRADE=true migrates it first.
func openClientStore(ctx context.Context, sc store.StoreConfig) (store.ClientStore, error) {
	switch sc.Driver {
	case "", "sqlite":
		s, err := sqlite.Open(sc.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite client store: %w", err)
		}
		slog.Info("client store ready", "driver", "sqlite", "path", sc.SQLitePath)
		return s, nil

	case "postgres":
		db, err := pg.OpenDB(sc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres client store: %w", err)
		}
		if err := ensureSchema(ctx, db, sc.PostgresDSN); err != nil {
			db.Close()
			return nil, err
		}
		slog.Info("client store ready", "driver", "postgres")
		return pg.NewWithDB(db), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", sc.Driver)
}

func ensureSchema(ctx context.Context, db *sql.DB, dsn string) error {
	s, err := upgrade.CheckSchema(db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if s.Compatible {
		return nil
	}
	if s.NeedsMigration && !s.Dirty && os.Getenv("GOCONCIERGE_AUTO_UPGRADE") == "true" {
		slog.Info("auto-upgrading client schema", "from", s.CurrentVersion, "to", s.RequiredVersion)
		m, err := newMigrator(dsn)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migrate up: %w", err)
		}
		if _, err := upgrade.RunPendingHooks(ctx, db); err != nil {
			return fmt.Errorf("data hooks: %w", err)
		}
		return nil
	}
	fmt.Fprint(os.Stderr, upgrade.FormatError(s))
	return s.Err()
}
