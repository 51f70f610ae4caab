// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

// Package store persists host records in a sqlite database: API keys
// registered through the host command handler and the namespaced key-value
// data of plugins.
package store

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/samber/oops"
	// Register the pure Go sqlite driver with database/sql.
	_ "modernc.org/sqlite"
)

const busyTimeoutMillis = 5000

// Store is the host's record store.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open migrates the database at path to the latest schema and opens it.
// The parent directory is created if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, oops.In("store").Code("STORE_OPEN_FAILED").With("path", path).Wrap(err)
	}

	if err := migrateUp(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, oops.In("store").Code("STORE_OPEN_FAILED").With("path", path).Wrap(err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close() //nolint:errcheck // ping error takes precedence
		return nil, oops.In("store").Code("STORE_OPEN_FAILED").With("path", path).Wrap(err)
	}

	return &Store{db: db, path: path, now: time.Now}, nil
}

func migrateUp(path string) (err error) {
	m, err := NewMigrator(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return m.Up()
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout("+strconv.Itoa(busyTimeoutMillis)+")")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return oops.In("store").Code("STORE_UNAVAILABLE").Wrap(err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return oops.In("store").Code("STORE_CLOSE_FAILED").Wrap(err)
	}
	return nil
}
