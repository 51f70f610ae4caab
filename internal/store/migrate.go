// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package store

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	// Register the modernc sqlite database driver for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"
)

// MigrationsTable is the table golang-migrate records the schema version in.
const MigrationsTable = "schema_version"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schema is the part of *migrate.Migrate the Migrator drives.
type schema interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Close() (source error, database error)
}

// Migrator applies the embedded migrations to a sqlite store file. The
// serve command runs the same migrations through Open; the migrate command
// uses a Migrator directly.
type Migrator struct {
	m schema
}

// NewMigrator creates a Migrator for the sqlite database at path.
func NewMigrator(path string) (*Migrator, error) {
	if path == "" {
		return nil, oops.Code("MIGRATION_INIT_FAILED").Errorf("database path is empty")
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, oops.Code("MIGRATION_SOURCE_FAILED").With("operation", "create migration source").Wrap(err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(path))
	if err != nil {
		_ = source.Close() //nolint:errcheck // cleanup for embedded FS; init error takes precedence
		return nil, oops.Code("MIGRATION_INIT_FAILED").
			With("operation", "initialize migrator").
			With("path", path).
			Wrap(err)
	}

	return &Migrator{m: m}, nil
}

func migrationURL(path string) string {
	return "sqlite://" + path + "?x-migrations-table=" + MigrationsTable
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_UP_FAILED").Wrap(err)
	}
	return nil
}

// Down rolls back all migrations, dropping every table and its data.
func (m *Migrator) Down() error {
	if err := m.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_DOWN_FAILED").Wrap(err)
	}
	return nil
}

// Version reports the applied schema version, which is 0 on a fresh
// database. A dirty version means a migration failed halfway.
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, oops.Code("MIGRATION_VERSION_FAILED").Wrap(err)
	}
	return version, dirty, nil
}

// Close releases the source and the database connection.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		return oops.Code("MIGRATION_CLOSE_FAILED").Wrap(err)
	}
	return nil
}

// Migration is one embedded schema change.
type Migration struct {
	Version uint
	// Name is the file stem, e.g. 000002_plugin_kv.
	Name string
}

// Migrations lists the embedded schema changes in version order, read
// through the same source driver the migrator applies them from.
func Migrations() ([]Migration, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, oops.Code("MIGRATION_SOURCE_FAILED").With("operation", "list migrations").Wrap(err)
	}
	defer func() { _ = src.Close() }()

	var out []Migration
	version, err := src.First()
	for err == nil {
		body, ident, readErr := src.ReadUp(version)
		if readErr != nil {
			return nil, oops.Code("MIGRATION_LIST_FAILED").With("version", version).Wrap(readErr)
		}
		_ = body.Close()
		out = append(out, Migration{Version: version, Name: fmt.Sprintf("%06d_%s", version, ident)})
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, oops.Code("MIGRATION_LIST_FAILED").With("version", version).Wrap(err)
	}
	return out, nil
}

// PendingMigrations returns the migrations Up would apply, in order.
func (m *Migrator) PendingMigrations() ([]Migration, error) {
	current, _, err := m.Version()
	if err != nil {
		return nil, oops.With("operation", "pending migrations").Wrap(err)
	}
	all, err := Migrations()
	if err != nil {
		return nil, oops.With("operation", "pending migrations").Wrap(err)
	}
	pending := all[:0]
	for _, mig := range all {
		if mig.Version > current {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}
