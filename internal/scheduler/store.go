package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists per-session counters in SQLite so they survive restarts.
// Queue contents and activity flags are deliberately not persisted; pending
// work does not outlive the process.
type Store struct {
	db *sql.DB
}

// NewStore opens the session database and prepares the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_key TEXT PRIMARY KEY,
		processed INTEGER NOT NULL DEFAULT 0,
		blocked INTEGER NOT NULL DEFAULT 0,
		reviewed INTEGER NOT NULL DEFAULT 0,
		last_seen_at TIMESTAMP NOT NULL
	);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating session schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCounters upserts the counters for one session.
func (s *Store) SaveCounters(sum SessionSummary) error {
	query := `INSERT INTO sessions (session_key, processed, blocked, reviewed, last_seen_at)
	          VALUES (?, ?, ?, ?, ?)
	          ON CONFLICT(session_key) DO UPDATE SET
	            processed = excluded.processed,
	            blocked = excluded.blocked,
	            reviewed = excluded.reviewed,
	            last_seen_at = excluded.last_seen_at`
	if _, err := s.db.Exec(query, sum.SessionKey, sum.Processed, sum.Blocked, sum.Reviewed, sum.LastSeenAt); err != nil {
		return fmt.Errorf("saving session counters: %w", err)
	}
	return nil
}

// LoadCounters returns the persisted counters for a session, or nil when the
// session has never been seen.
func (s *Store) LoadCounters(sessionKey string) (*SessionSummary, error) {
	var sum SessionSummary
	var lastSeen time.Time
	err := s.db.QueryRow(
		`SELECT session_key, processed, blocked, reviewed, last_seen_at FROM sessions WHERE session_key = ?`,
		sessionKey,
	).Scan(&sum.SessionKey, &sum.Processed, &sum.Blocked, &sum.Reviewed, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session counters: %w", err)
	}
	sum.LastSeenAt = lastSeen
	return &sum, nil
}
