// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/samber/oops"
)

// Get returns the value stored under key in namespace, or nil if there is none.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM plugin_kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("store").Code("KV_GET_FAILED").With("namespace", namespace).With("key", key).Wrap(err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// Set stores value under key in namespace, replacing any previous value.
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, s.now().UTC().UnixMilli())
	if err != nil {
		return oops.In("store").Code("KV_SET_FAILED").With("namespace", namespace).With("key", key).Wrap(err)
	}
	return nil
}

// Delete removes key from namespace. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plugin_kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return oops.In("store").Code("KV_DELETE_FAILED").With("namespace", namespace).With("key", key).Wrap(err)
	}
	return nil
}
