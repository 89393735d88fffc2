// SPDX-License-Identifier: MIT

// Package store persists recording-session and worker-restart history to a
// local SQLite database, so the status endpoint can answer "what happened
// recently" without scraping log files.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS recording_sessions (
	id TEXT PRIMARY KEY,
	camera_id TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	output_path TEXT NOT NULL,
	restart_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS restart_events (
	id TEXT PRIMARY KEY,
	camera_id TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	trigger_reason TEXT NOT NULL,
	backoff_delay_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recording_sessions_camera ON recording_sessions(camera_id, started_at);
CREATE INDEX IF NOT EXISTS idx_restart_events_camera ON restart_events(camera_id, occurred_at);
`

// RecordingSession is one row of the recording_sessions table.
type RecordingSession struct {
	ID           string
	CameraID     string
	StartedAt    time.Time
	EndedAt      sql.NullTime
	OutputPath   string
	RestartCount int
}

// RestartEvent is one row of the restart_events table.
type RestartEvent struct {
	ID             string
	CameraID       string
	OccurredAt     time.Time
	TriggerReason  string
	BackoffDelayMS int64
}

// Store wraps a SQLite-backed history database.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path,
// applying the schema idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRecordingSession inserts a new in-progress recording session and
// returns its generated id.
func (s *Store) StartRecordingSession(ctx context.Context, cameraID, outputPath string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recording_sessions (id, camera_id, started_at, output_path, restart_count) VALUES (?, ?, ?, ?, 0)`,
		id, cameraID, time.Now().UTC(), outputPath,
	)
	if err != nil {
		return "", fmt.Errorf("store: start recording session: %w", err)
	}
	return id, nil
}

// EndRecordingSession marks a session ended now.
func (s *Store) EndRecordingSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recording_sessions SET ended_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("store: end recording session: %w", err)
	}
	return nil
}

// IncrementSessionRestartCount bumps the restart_count on a session, used
// when a worker restarts mid-recording and resumes into the same session.
func (s *Store) IncrementSessionRestartCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recording_sessions SET restart_count = restart_count + 1 WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("store: increment restart count: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit of the most recent recording sessions
// for a camera, newest first.
func (s *Store) RecentSessions(ctx context.Context, cameraID string, limit int) ([]RecordingSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, camera_id, started_at, ended_at, output_path, restart_count
		 FROM recording_sessions WHERE camera_id = ? ORDER BY started_at DESC LIMIT ?`,
		cameraID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent sessions: %w", err)
	}
	defer rows.Close()

	var sessions []RecordingSession
	for rows.Next() {
		var sess RecordingSession
		if err := rows.Scan(&sess.ID, &sess.CameraID, &sess.StartedAt, &sess.EndedAt, &sess.OutputPath, &sess.RestartCount); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RecordRestartEvent inserts one worker restart event.
func (s *Store) RecordRestartEvent(ctx context.Context, cameraID, reason string, backoffDelay time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO restart_events (id, camera_id, occurred_at, trigger_reason, backoff_delay_ms) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), cameraID, time.Now().UTC(), reason, backoffDelay.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("store: record restart event: %w", err)
	}
	return nil
}

// RecentRestarts returns up to limit of the most recent restart events for
// a camera, newest first — the data behind "last 10 restarts" reporting.
func (s *Store) RecentRestarts(ctx context.Context, cameraID string, limit int) ([]RestartEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, camera_id, occurred_at, trigger_reason, backoff_delay_ms
		 FROM restart_events WHERE camera_id = ? ORDER BY occurred_at DESC LIMIT ?`,
		cameraID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent restarts: %w", err)
	}
	defer rows.Close()

	var events []RestartEvent
	for rows.Next() {
		var e RestartEvent
		if err := rows.Scan(&e.ID, &e.CameraID, &e.OccurredAt, &e.TriggerReason, &e.BackoffDelayMS); err != nil {
			return nil, fmt.Errorf("store: scan restart event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
