// Package store persists charging state in SQLite so the safety timer survives
// daemon restarts, and keeps a log of charge sessions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// SafetyRecord is the last saved safety timer state
type SafetyRecord struct {
	Remaining  time.Duration
	Armed      bool
	Expired    bool
	Checkpoint time.Time
	SavedAt    time.Time
}

// Session is one cable attach to detach interval
type Session struct {
	ID        string
	Cable     string
	StartedAt time.Time
	EndedAt   time.Time // zero while the session is open
	EndReason string
	Expiries  int
}

// Store wraps the database handle
type Store struct {
	db *sql.DB
}

// Init opens (creating if needed) the database at path.
func Init(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(path, 0600)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := getUserVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS safety_timer (
		  id            INTEGER PRIMARY KEY CHECK (id = 1),
		  remaining_ms  INTEGER NOT NULL,
		  armed         INTEGER NOT NULL,
		  expired       INTEGER NOT NULL,
		  checkpoint_ms INTEGER NOT NULL,
		  saved_at      INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
		  id         TEXT PRIMARY KEY,
		  cable      TEXT NOT NULL,
		  started_at INTEGER NOT NULL,
		  ended_at   INTEGER,
		  end_reason TEXT,
		  expiries   INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_started
		ON sessions(started_at DESC);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := setUserVersion(db, 1); err != nil {
			return err
		}
	}

	return nil
}

func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

func getUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

func setUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

// SaveSafety replaces the saved safety timer state.
func (s *Store) SaveSafety(ctx context.Context, rec SafetyRecord) error {
	query := `
		INSERT INTO safety_timer (id, remaining_ms, armed, expired, checkpoint_ms, saved_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remaining_ms = excluded.remaining_ms,
			armed = excluded.armed,
			expired = excluded.expired,
			checkpoint_ms = excluded.checkpoint_ms,
			saved_at = excluded.saved_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.Remaining.Milliseconds(), rec.Armed, rec.Expired,
		toMillis(rec.Checkpoint), toMillis(rec.SavedAt),
	)
	if err != nil {
		return fmt.Errorf("save safety timer: %w", err)
	}
	return nil
}

// LoadSafety returns the saved safety timer state. ok is false when nothing
// was saved yet.
func (s *Store) LoadSafety(ctx context.Context) (rec SafetyRecord, ok bool, err error) {
	var remaining, checkpoint, savedAt int64
	err = s.db.QueryRowContext(ctx, `
		SELECT remaining_ms, armed, expired, checkpoint_ms, saved_at
		FROM safety_timer WHERE id = 1
	`).Scan(&remaining, &rec.Armed, &rec.Expired, &checkpoint, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SafetyRecord{}, false, nil
	}
	if err != nil {
		return SafetyRecord{}, false, fmt.Errorf("load safety timer: %w", err)
	}
	rec.Remaining = time.Duration(remaining) * time.Millisecond
	rec.Checkpoint = fromMillis(checkpoint)
	rec.SavedAt = fromMillis(savedAt)
	return rec, true, nil
}

// StartSession records a newly attached session.
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, cable, started_at, expiries) VALUES (?, ?, ?, 0)`,
		sess.ID, sess.Cable, toMillis(sess.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("start session %s: %w", sess.ID, err)
	}
	return nil
}

// EndSession closes an open session.
func (s *Store) EndSession(ctx context.Context, id string, end time.Time, reason string, expiries int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ?, expiries = ? WHERE id = ?`,
		toMillis(end), reason, expiries, id,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// ListSessions returns up to limit sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cable, started_at, ended_at, end_reason, expiries
		FROM sessions
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started int64
		var ended sql.NullInt64
		var reason sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Cable, &started, &ended, &reason, &sess.Expiries); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt = fromMillis(started)
		if ended.Valid {
			sess.EndedAt = fromMillis(ended.Int64)
		}
		sess.EndReason = reason.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
