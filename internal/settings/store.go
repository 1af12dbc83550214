// SPDX-License-Identifier: MIT

// Package settings is a small durable key/value store for UI-editable
// application settings. It shares the scheduler history database and
// never sits on the scheduling hot path.
package settings

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("setting not found")

// Setting is one stored key with its opaque JSON value.
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store reads and writes the app_settings table.
type Store struct {
	db *sql.DB
}

// New wraps an already-open database carrying the app_settings table.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns one setting.
func (s *Store) Get(key string) (Setting, error) {
	var out Setting
	var updated string
	err := s.db.QueryRow(
		`SELECT key, value, updated_at FROM app_settings WHERE key = ?`, key,
	).Scan(&out.Key, (*[]byte)(&out.Value), &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Setting{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Setting{}, fmt.Errorf("settings: get %s: %w", key, err)
	}
	out.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return out, nil
}

// GetAll returns every setting ordered by key.
func (s *Store) GetAll() ([]Setting, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_at FROM app_settings ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var st Setting
		var updated string
		if err := rows.Scan(&st.Key, (*[]byte)(&st.Value), &updated); err != nil {
			return nil, fmt.Errorf("settings: scan: %w", err)
		}
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

// Set creates or replaces a setting. value must be valid JSON.
func (s *Store) Set(key string, value json.RawMessage) (Setting, error) {
	if key == "" {
		return Setting{}, fmt.Errorf("settings: key required")
	}
	if !json.Valid(value) {
		return Setting{}, fmt.Errorf("settings: value for %s is not valid JSON", key)
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, []byte(value), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Setting{}, fmt.Errorf("settings: set %s: %w", key, err)
	}
	return Setting{Key: key, Value: value, UpdatedAt: now}, nil
}

// Delete removes a setting. Deleting a missing key is ErrNotFound.
func (s *Store) Delete(key string) error {
	res, err := s.db.Exec(`DELETE FROM app_settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("settings: delete %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}
