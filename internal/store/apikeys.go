// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package store

import (
	"context"
	"time"

	"github.com/samber/oops"
)

// APIKey is a key registered with the host.
type APIKey struct {
	Key       string
	CreatedAt time.Time
}

// AddAPIKey stores key. It reports false if the key was already stored.
func (s *Store) AddAPIKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, oops.In("store").Code("INVALID_API_KEY").Errorf("api key is empty")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (api_key, created_at) VALUES (?, ?) ON CONFLICT(api_key) DO NOTHING`,
		key, s.now().UTC().UnixMilli())
	if err != nil {
		return false, oops.In("store").Code("API_KEY_ADD_FAILED").Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, oops.In("store").Code("API_KEY_ADD_FAILED").Wrap(err)
	}
	return n == 1, nil
}

// RemoveAPIKey deletes key. It reports false if the key was not stored.
func (s *Store) RemoveAPIKey(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE api_key = ?`, key)
	if err != nil {
		return false, oops.In("store").Code("API_KEY_REMOVE_FAILED").Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, oops.In("store").Code("API_KEY_REMOVE_FAILED").Wrap(err)
	}
	return n == 1, nil
}

// APIKeys returns every stored key, oldest first.
func (s *Store) APIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT api_key, created_at FROM api_keys ORDER BY created_at, api_key`)
	if err != nil {
		return nil, oops.In("store").Code("API_KEY_LIST_FAILED").Wrap(err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var created int64
		if err := rows.Scan(&k.Key, &created); err != nil {
			return nil, oops.In("store").Code("API_KEY_LIST_FAILED").Wrap(err)
		}
		k.CreatedAt = time.UnixMilli(created).UTC()
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("store").Code("API_KEY_LIST_FAILED").Wrap(err)
	}
	return keys, nil
}
