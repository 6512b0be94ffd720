// Package upgrade gates startup on the Postgres client schema and runs Go
// data hooks that follow SQL migrations.
package upgrade

import (
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the newest migration under migrations/.
const RequiredSchemaVersion uint = 1

var (
	ErrSchemaOutdated = errors.New("client schema is outdated")
	ErrSchemaDirty    = errors.New("client schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("client schema is newer than this binary")
)

// SchemaStatus compares the database with RequiredSchemaVersion.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

// CheckSchema reads golang-migrate's schema_migrations table. A database
// without the table, or with an empty one, is reported at version 0.
func CheckSchema(db *sql.DB) (*SchemaStatus, error) {
	s := &SchemaStatus{RequiredVersion: RequiredSchemaVersion}

	var table sql.NullString
	if err := db.QueryRow(`SELECT to_regclass('schema_migrations')::text`).Scan(&table); err != nil {
		return nil, fmt.Errorf("look up schema_migrations: %w", err)
	}
	if table.Valid {
		err := db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&s.CurrentVersion, &s.Dirty)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read schema_migrations: %w", err)
		}
	}

	if !s.Dirty {
		s.Compatible = s.CurrentVersion == s.RequiredVersion
		s.NeedsMigration = s.CurrentVersion < s.RequiredVersion
	}
	return s, nil
}

// Err returns nil for a compatible schema, else the matching sentinel.
func (s *SchemaStatus) Err() error {
	switch {
	case s.Dirty:
		return ErrSchemaDirty
	case s.Compatible:
		return nil
	case s.CurrentVersion > s.RequiredVersion:
		return ErrSchemaAhead
	}
	return ErrSchemaOutdated
}

// String is a one-line summary for CLI output.
func (s *SchemaStatus) String() string {
	switch {
	case s.Dirty:
		return fmt.Sprintf("v%d DIRTY", s.CurrentVersion)
	case s.Compatible:
		return fmt.Sprintf("v%d (up to date)", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Sprintf("v%d (binary expects v%d)", s.CurrentVersion, s.RequiredVersion)
	}
	return fmt.Sprintf("v%d (needs v%d)", s.CurrentVersion, s.RequiredVersion)
}

// FormatError tells the operator how to get from s to a compatible schema.
func FormatError(s *SchemaStatus) string {
	switch {
	case s.Dirty:
		prev := uint(0)
		if s.CurrentVersion > 0 {
			prev = s.CurrentVersion - 1
		}
		return fmt.Sprintf("The client schema is dirty at v%d: a migration stopped partway.\n"+
			"Inspect the database, then:\n"+
			"  goconcierge migrate force %d\n"+
			"  goconcierge migrate up\n", s.CurrentVersion, prev)
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Sprintf("The client schema is at v%d but this goconcierge expects v%d.\n"+
			"Deploy a newer build or roll the schema back with `goconcierge migrate down`.\n",
			s.CurrentVersion, s.RequiredVersion)
	}
	return fmt.Sprintf("The client schema is at v%d; this goconcierge needs v%d.\n"+
		"  goconcierge migrate up\n"+
		"or start with GOCONCIERGE_AUTO_UPGRADE=true to migrate automatically.\n",
		s.CurrentVersion, s.RequiredVersion)
}
