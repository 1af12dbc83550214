// SPDX-License-Identifier: MIT

// Package history holds the durable side of the scheduler: the
// minute-aligned health time series, the job history projection, and
// the append-only event log. Writes are single-writer; WAL keeps
// readers concurrent.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ManuGH/coresched/internal/persistence/sqlite"
)

var statsMigrations = []string{
	`CREATE TABLE stats_minute (
		ts INTEGER PRIMARY KEY,
		busy REAL NOT NULL,
		snapshot BLOB NOT NULL
	)`,
}

// MinuteSample is one persisted health observation.
type MinuteSample struct {
	TS       int64           `json:"ts"`
	Busy     float64         `json:"busy"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// StatsStore persists minute samples to its own database file.
type StatsStore struct {
	db *sql.DB
}

// OpenStatsStore opens (and migrates) the stats database.
func OpenStatsStore(path string) (*StatsStore, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(db, statsMigrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &StatsStore{db: db}, nil
}

// InsertMinute writes one minute-aligned sample. Re-writing the same
// minute replaces it, keeping timestamps unique and increasing.
func (s *StatsStore) InsertMinute(ts int64, busy float64, snapshot []byte) error {
	if ts%60 != 0 {
		return fmt.Errorf("stats: ts %d not minute-aligned", ts)
	}
	_, err := s.db.Exec(
		`INSERT INTO stats_minute (ts, busy, snapshot) VALUES (?, ?, ?)
		 ON CONFLICT(ts) DO UPDATE SET busy=excluded.busy, snapshot=excluded.snapshot`,
		ts, busy, snapshot,
	)
	if err != nil {
		return fmt.Errorf("stats: insert minute: %w", err)
	}
	return nil
}

// PruneBefore deletes samples with ts below the cutoff.
func (s *StatsStore) PruneBefore(cutoff int64) error {
	if _, err := s.db.Exec(`DELETE FROM stats_minute WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("stats: prune: %w", err)
	}
	return nil
}

// Range returns samples with from <= ts <= to, ascending.
func (s *StatsStore) Range(from, to int64) ([]MinuteSample, error) {
	rows, err := s.db.Query(
		`SELECT ts, busy, snapshot FROM stats_minute WHERE ts >= ? AND ts <= ? ORDER BY ts ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("stats: range query: %w", err)
	}
	defer rows.Close()

	var out []MinuteSample
	for rows.Next() {
		var m MinuteSample
		if err := rows.Scan(&m.TS, &m.Busy, &m.Snapshot); err != nil {
			return nil, fmt.Errorf("stats: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *StatsStore) Close() error {
	return s.db.Close()
}
