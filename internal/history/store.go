// SPDX-License-Identifier: MIT

package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ManuGH/coresched/internal/persistence/sqlite"
	"github.com/ManuGH/coresched/internal/scheduler"
)

var historyMigrations = []string{
	`CREATE TABLE job_history (
		job_id TEXT PRIMARY KEY,
		addon_id TEXT,
		type TEXT,
		priority TEXT,
		requested_units INTEGER,
		unique_flag INTEGER,
		state TEXT,
		payload_json TEXT,
		tags_json TEXT,
		idempotency_key TEXT,
		lease_id TEXT,
		worker_id TEXT,
		created_at TEXT,
		updated_at TEXT,
		leased_at TEXT,
		started_at TEXT,
		finished_at TEXT,
		queue_wait_s REAL,
		runtime_s REAL,
		error TEXT,
		result BLOB
	);
	CREATE INDEX idx_job_history_updated ON job_history(updated_at);
	CREATE INDEX idx_job_history_addon ON job_history(addon_id);
	CREATE INDEX idx_job_history_state ON job_history(state);
	CREATE TABLE job_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data BLOB
	);
	CREATE INDEX idx_job_events_entity ON job_events(entity_kind, entity_id);
	CREATE TABLE app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
}

// Store persists the job history projection and the event log. It also
// carries the app_settings table, shared with the settings store.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the scheduler history database.
func Open(path string) (*Store, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(db, historyMigrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for stores sharing the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func isoOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func iso(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseISO(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// UpsertJob writes one denormalized projection row. Later writes for
// the same job win, but first-seen lease and finish timestamps stick.
func (s *Store) UpsertJob(rec scheduler.JobRecord) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("history: marshal tags: %w", err)
	}
	var queueWait, runtime any
	if rec.LeasedAt != nil {
		queueWait = rec.LeasedAt.Sub(rec.CreatedAt).Seconds()
		if rec.FinishedAt != nil {
			runtime = rec.FinishedAt.Sub(*rec.LeasedAt).Seconds()
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO job_history (
			job_id, addon_id, type, priority, requested_units, unique_flag, state,
			payload_json, tags_json, idempotency_key, lease_id, worker_id,
			created_at, updated_at, leased_at, started_at, finished_at,
			queue_wait_s, runtime_s, error, result
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			state=excluded.state,
			updated_at=excluded.updated_at,
			lease_id=COALESCE(excluded.lease_id, job_history.lease_id),
			worker_id=COALESCE(excluded.worker_id, job_history.worker_id),
			leased_at=COALESCE(job_history.leased_at, excluded.leased_at),
			started_at=COALESCE(job_history.started_at, excluded.started_at),
			finished_at=COALESCE(excluded.finished_at, job_history.finished_at),
			queue_wait_s=COALESCE(excluded.queue_wait_s, job_history.queue_wait_s),
			runtime_s=COALESCE(excluded.runtime_s, job_history.runtime_s),
			error=excluded.error,
			result=COALESCE(excluded.result, job_history.result)`,
		rec.JobID, rec.AddonID, rec.Type, rec.Priority, rec.RequestedUnits,
		boolInt(rec.Unique), rec.State,
		string(rec.Payload), string(tags), rec.IdempotencyKey, nullStr(rec.LeaseID), nullStr(rec.WorkerID),
		iso(rec.CreatedAt), iso(rec.UpdatedAt), isoOrNil(rec.LeasedAt), isoOrNil(rec.StartedAt), isoOrNil(rec.FinishedAt),
		queueWait, runtime, rec.Error, []byte(rec.Result),
	)
	if err != nil {
		return fmt.Errorf("history: upsert job %s: %w", rec.JobID, err)
	}
	return nil
}

// AppendEvent writes one append-only event row.
func (s *Store) AppendEvent(ev scheduler.EventRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO job_events (ts, entity_kind, entity_id, type, data) VALUES (?, ?, ?, ?, ?)`,
		iso(ev.TS), ev.EntityKind, ev.EntityID, ev.Type, []byte(ev.Data),
	)
	if err != nil {
		return fmt.Errorf("history: append event: %w", err)
	}
	return nil
}

// Cleanup prunes history and event rows older than the given number of
// days and returns how many job rows were removed.
func (s *Store) Cleanup(days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("history: cleanup days must be > 0, got %d", days)
	}
	cutoff := iso(time.Now().AddDate(0, 0, -days))
	res, err := s.db.Exec(
		`DELETE FROM job_history WHERE COALESCE(finished_at, updated_at) < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("history: cleanup: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM job_events WHERE ts < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("history: cleanup events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Stats is the aggregate view over a history window.
type Stats struct {
	RangeStart    time.Time      `json:"range_start"`
	RangeEnd      time.Time      `json:"range_end"`
	Total         int            `json:"total"`
	TotalsByState map[string]int `json:"totals_by_state"`
	SuccessRate   *float64       `json:"success_rate"`
	AvgQueueWaitS *float64       `json:"avg_queue_wait_s"`
	Addons        []AddonStats   `json:"addons"`
}

// AddonStats summarizes one addon's jobs within the window.
type AddonStats struct {
	AddonID       string         `json:"addon_id"`
	Count         int            `json:"count"`
	States        map[string]int `json:"states"`
	AvgRuntimeS   *float64       `json:"avg_runtime_s"`
	P95RuntimeS   *float64       `json:"p95_runtime_s"`
	AvgQueueWaitS *float64       `json:"avg_queue_wait_s"`
}

// Stats aggregates the last N days of job history.
func (s *Store) Stats(days int) (Stats, error) {
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -days)

	rows, err := s.db.Query(
		`SELECT addon_id, state, queue_wait_s, runtime_s
		 FROM job_history
		 WHERE COALESCE(finished_at, updated_at) >= ?`,
		iso(start),
	)
	if err != nil {
		return Stats{}, fmt.Errorf("history: stats query: %w", err)
	}
	defer rows.Close()

	out := Stats{
		RangeStart:    start,
		RangeEnd:      now,
		TotalsByState: make(map[string]int),
	}
	type addonAgg struct {
		count      int
		states     map[string]int
		runtimes   []float64
		queueWaits []float64
	}
	perAddon := make(map[string]*addonAgg)
	var allWaits []float64

	for rows.Next() {
		var addonID, state sql.NullString
		var queueWait, runtime sql.NullFloat64
		if err := rows.Scan(&addonID, &state, &queueWait, &runtime); err != nil {
			return Stats{}, fmt.Errorf("history: stats scan: %w", err)
		}
		out.Total++
		st := state.String
		if st == "" {
			st = "unknown"
		}
		out.TotalsByState[st]++

		id := addonID.String
		if id == "" {
			id = "unknown"
		}
		agg, ok := perAddon[id]
		if !ok {
			agg = &addonAgg{states: make(map[string]int)}
			perAddon[id] = agg
		}
		agg.count++
		agg.states[st]++
		if runtime.Valid {
			agg.runtimes = append(agg.runtimes, runtime.Float64)
		}
		if queueWait.Valid {
			agg.queueWaits = append(agg.queueWaits, queueWait.Float64)
			allWaits = append(allWaits, queueWait.Float64)
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	completed := out.TotalsByState[string(scheduler.StateCompleted)]
	terminal := completed +
		out.TotalsByState[string(scheduler.StateFailed)] +
		out.TotalsByState[string(scheduler.StateExpired)]
	if terminal > 0 {
		rate := float64(completed) / float64(terminal)
		out.SuccessRate = &rate
	}
	out.AvgQueueWaitS = mean(allWaits)

	ids := make([]string, 0, len(perAddon))
	for id := range perAddon {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		agg := perAddon[id]
		out.Addons = append(out.Addons, AddonStats{
			AddonID:       id,
			Count:         agg.count,
			States:        agg.states,
			AvgRuntimeS:   mean(agg.runtimes),
			P95RuntimeS:   p95(agg.runtimes),
			AvgQueueWaitS: mean(agg.queueWaits),
		})
	}
	return out, nil
}

func mean(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	m := sum / float64(len(values))
	return &m
}

func p95(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(0.95*float64(len(sorted)-1) + 0.5)
	v := sorted[idx]
	return &v
}
