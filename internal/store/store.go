// Package store persists agent state in SQLite: the pending upload job queue,
// agent settings (including the device profile override), and the short-lived
// pending-call record handed to the call view after an accepted notification.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrJobNotFound is returned when no upload job exists for an id.
var ErrJobNotFound = errors.New("upload job not found")

// Setting keys used by the agent.
const (
	SettingLowEndOverride = "low_end_override" // "1", "0", or absent
)

// JobRecord is one queued upload's metadata row. The payload bytes live in
// the payload store under PayloadName.
type JobRecord struct {
	ID          string
	LessonID    string
	Filename    string
	Title       string
	AuthToken   string // credential snapshot; the live credential wins at send time
	PayloadName string
	SizeBytes   int64
	EnqueuedAt  time.Time
}

// PendingCall is the record an accepted notification leaves behind for the
// call view to consume.
type PendingCall struct {
	CallID   string    `json:"call_id"`
	Caller   string    `json:"caller"`
	GroupID  string    `json:"group_id,omitempty"`
	CallType string    `json:"call_type"` // "audio" or "video"
	Kind     string    `json:"kind"`      // "direct-call" or "group-call"
	SavedAt  time.Time `json:"saved_at"`
	Expires  time.Time `json:"expires"`
}

// Store persists agent state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
// Use ":memory:" for ephemeral in-process storage (tests).
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		slog.Debug("WAL mode unavailable", "err", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		slog.Debug("busy_timeout unavailable", "err", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS upload_jobs (
	id TEXT PRIMARY KEY,
	lesson_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	auth_token TEXT NOT NULL DEFAULT '',
	payload_name TEXT NOT NULL,
	size_bytes INTEGER NOT NULL CHECK(size_bytes >= 0),
	enqueued_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upload_jobs_enqueued ON upload_jobs(enqueued_at_unix_ms);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_call (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	record_json TEXT NOT NULL,
	expires_unix_ms INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// CreateJob inserts one upload job row. The row is durable before CreateJob
// returns.
func (s *Store) CreateJob(ctx context.Context, job JobRecord) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.TrimSpace(job.PayloadName) == "" {
		return fmt.Errorf("job payload name is required")
	}
	if job.SizeBytes < 0 {
		return fmt.Errorf("job size must be non-negative")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO upload_jobs (
	id, lesson_id, filename, title, auth_token, payload_name, size_bytes, enqueued_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		job.ID,
		job.LessonID,
		job.Filename,
		job.Title,
		job.AuthToken,
		job.PayloadName,
		job.SizeBytes,
		job.EnqueuedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert upload job: %w", err)
	}
	slog.Debug("upload job persisted", "job_id", job.ID, "lesson_id", job.LessonID, "size", job.SizeBytes)
	return nil
}

// JobByID returns the upload job with the given id.
func (s *Store) JobByID(ctx context.Context, id string) (JobRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return JobRecord{}, fmt.Errorf("job id is required")
	}

	const q = `
SELECT id, lesson_id, filename, title, auth_token, payload_name, size_bytes, enqueued_at_unix_ms
FROM upload_jobs
WHERE id = ?
`
	var (
		job        JobRecord
		enqueuedMs int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&job.ID,
		&job.LessonID,
		&job.Filename,
		&job.Title,
		&job.AuthToken,
		&job.PayloadName,
		&job.SizeBytes,
		&enqueuedMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobRecord{}, ErrJobNotFound
		}
		return JobRecord{}, fmt.Errorf("query upload job: %w", err)
	}
	job.EnqueuedAt = time.UnixMilli(enqueuedMs).UTC()
	return job, nil
}

// ListJobs returns all pending upload jobs ordered oldest-first.
func (s *Store) ListJobs(ctx context.Context) ([]JobRecord, error) {
	const q = `
SELECT id, lesson_id, filename, title, auth_token, payload_name, size_bytes, enqueued_at_unix_ms
FROM upload_jobs
ORDER BY enqueued_at_unix_ms ASC, id ASC
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query upload jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		var (
			job        JobRecord
			enqueuedMs int64
		)
		if err := rows.Scan(
			&job.ID,
			&job.LessonID,
			&job.Filename,
			&job.Title,
			&job.AuthToken,
			&job.PayloadName,
			&job.SizeBytes,
			&enqueuedMs,
		); err != nil {
			return nil, fmt.Errorf("scan upload job: %w", err)
		}
		job.EnqueuedAt = time.UnixMilli(enqueuedMs).UTC()
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes the upload job with the given id. Deleting a job that
// does not exist is a no-op, not an error.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete upload job: %w", err)
	}
	return nil
}

// JobCount returns the number of pending upload jobs.
func (s *Store) JobCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_jobs`).Scan(&n)
	return n, err
}

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist; an error only reports real I/O failures.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query setting: %w", err)
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}

// AllSettings returns every key/value pair from the settings table.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

// SavePendingCall replaces the pending-call record. There is at most one.
func (s *Store) SavePendingCall(ctx context.Context, pc PendingCall) error {
	if pc.SavedAt.IsZero() {
		pc.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("marshal pending call: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO pending_call(id, record_json, expires_unix_ms) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record_json = excluded.record_json, expires_unix_ms = excluded.expires_unix_ms`,
		string(data), pc.Expires.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert pending call: %w", err)
	}
	slog.Debug("pending call saved", "call_id", pc.CallID, "kind", pc.Kind)
	return nil
}

// TakePendingCall reads and clears the pending-call record. Returns false when
// no record exists or the stored record has expired.
func (s *Store) TakePendingCall(ctx context.Context) (PendingCall, bool, error) {
	var (
		data      string
		expiresMs int64
	)
	err := s.db.QueryRowContext(
		ctx, `SELECT record_json, expires_unix_ms FROM pending_call WHERE id = 1`,
	).Scan(&data, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingCall{}, false, nil
	}
	if err != nil {
		return PendingCall{}, false, fmt.Errorf("query pending call: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_call WHERE id = 1`); err != nil {
		return PendingCall{}, false, fmt.Errorf("clear pending call: %w", err)
	}

	if expiresMs > 0 && time.Now().UnixMilli() > expiresMs {
		slog.Debug("pending call expired", "expires_unix_ms", expiresMs)
		return PendingCall{}, false, nil
	}

	var pc PendingCall
	if err := json.Unmarshal([]byte(data), &pc); err != nil {
		return PendingCall{}, false, fmt.Errorf("unmarshal pending call: %w", err)
	}
	return pc, true, nil
}
