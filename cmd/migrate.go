package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goconcierge/internal/config"
	"github.com/nextlevelbuilder/goconcierge/internal/upgrade"
)

var migrationsDir string

// resolveMigrationsDir prefers the flag, then GOCONCIERGE_MIGRATIONS_DIR,
// then a migrations/ directory beside the executable, then ./migrations.
func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("GOCONCIERGE_MIGRATIONS_DIR"); v != "" {
		return v
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Join(filepath.Dir(exe), "migrations")
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	return "migrations"
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+resolveMigrationsDir(), dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// postgresDSN loads the config and returns its DSN. The SQLite store
// keeps its schema inline, so these commands only apply to Postgres.
func postgresDSN() (string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.PostgresDSN == "" {
		return "", errors.New("GOCONCIERGE_POSTGRES_DSN is not set; migrations only apply to the postgres client store")
	}
	return cfg.Database.PostgresDSN, nil
}

// withMigrator runs fn against a migrator for the configured database.
func withMigrator(fn func(m *migrate.Migrate, dsn string) error) error {
	dsn, err := postgresDSN()
	if err != nil {
		return err
	}
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m, dsn)
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres client store schema",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "migrations directory (default: beside the binary, else ./migrations)")
	cmd.AddCommand(migrateUpCmd(), migrateDownCmd(), migrateStatusCmd(), migrateForceCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending schema migrations, then pending data hooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate, dsn string) error {
				if err := ignoreNoChange(m.Up()); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				v, dirty, _ := m.Version()
				slog.Info("migrate: schema applied", "version", v, "dirty", dirty)

				db, err := sql.Open("pgx", dsn)
				if err != nil {
					return fmt.Errorf("connect for data hooks: %w", err)
				}
				defer db.Close()
				n, err := upgrade.RunPendingHooks(cmd.Context(), db)
				if err != nil {
					return fmt.Errorf("data hooks: %w", err)
				}
				slog.Info("migrate: data hooks applied", "count", n)
				return nil
			})
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return errors.New("--steps must be positive")
			}
			return withMigrator(func(m *migrate.Migrate, _ string) error {
				if err := ignoreNoChange(m.Steps(-steps)); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				v, dirty, _ := m.Version()
				slog.Info("migrate: rolled back", "steps", steps, "version", v, "dirty", dirty)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to roll back")
	return cmd
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"version"},
		Short:   "Compare the schema with this binary and list pending data hooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN()
			if err != nil {
				return err
			}
			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer db.Close()
			return printSchemaStatus(cmd.Context(), db)
		},
	}
}

func printSchemaStatus(ctx context.Context, db *sql.DB) error {
	s, err := upgrade.CheckSchema(db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	fmt.Printf("  Schema:      %s\n", s)

	if pending, err := upgrade.PendingHooks(ctx, db); err != nil {
		slog.Debug("migrate: pending hooks unavailable", "error", err)
	} else {
		fmt.Printf("  Data hooks:  %d pending\n", len(pending))
		for _, name := range pending {
			fmt.Printf("    %s\n", name)
		}
	}
	if !s.Compatible {
		fmt.Println()
		fmt.Print(upgrade.FormatError(s))
	}
	return nil
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Mark the schema as <version> and clear the dirty flag without running SQL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return withMigrator(func(m *migrate.Migrate, _ string) error {
				if err := m.Force(version); err != nil {
					return fmt.Errorf("force: %w", err)
				}
				slog.Info("migrate: version forced", "version", version)
				return nil
			})
		},
	}
}
