// Package quarantine provides the HMAC-signed ledger of blocked actions.
//
// Every block verdict produces a Record that is signed (HMAC-SHA256) and
// appended to SQLite before the decision is returned. Records are never
// updated or deleted; the ledger is the audit trail incident responders
// query after the fact.
package quarantine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openclaw/sentinel/internal/action"
	sentinelotel "github.com/openclaw/sentinel/internal/otel"
)

var tracer = sentinelotel.Tracer("github.com/openclaw/sentinel/internal/quarantine")

// Store persists HMAC-signed quarantine records in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// Record is the full audit record for one blocked action. The payload itself
// is stored only as a hash; the ledger never retains raw content.
type Record struct {
	ID           string              `json:"id"`
	ActionID     string              `json:"action_id"`
	SessionKey   string              `json:"session_key"`
	Kind         string              `json:"kind"`
	Channel      string              `json:"channel,omitempty"`
	Actor        string              `json:"actor,omitempty"`
	ToolName     string              `json:"tool_name,omitempty"`
	Score        int                 `json:"score"`
	Signals      []action.RiskSignal `json:"signals"`
	AuditOnly    bool                `json:"audit_only"`
	PayloadHash  string              `json:"payload_hash"`
	PayloadBytes int                 `json:"payload_bytes"`
	CreatedAt    time.Time           `json:"created_at"`
	Signature    string              `json:"signature,omitempty"`
}

// NewRecord builds the quarantine record for a blocked action and its
// decision.
func NewRecord(act *action.Action, dec *action.Decision) *Record {
	sum := sha256.Sum256([]byte(act.Payload))
	return &Record{
		ID:           dec.ID,
		ActionID:     act.ID,
		SessionKey:   act.SessionKey.String(),
		Kind:         string(act.Kind),
		Channel:      act.Channel,
		Actor:        act.Actor,
		ToolName:     act.ToolName,
		Score:        dec.Score,
		Signals:      dec.Signals,
		AuditOnly:    dec.AuditOnly,
		PayloadHash:  hex.EncodeToString(sum[:]),
		PayloadBytes: len(act.Payload),
		CreatedAt:    dec.DecidedAt,
	}
}

// NewStore opens the ledger database and prepares the schema.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening quarantine database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS quarantine (
		id TEXT PRIMARY KEY,
		action_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		channel TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		record_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_quarantine_session ON quarantine(session_key);
	CREATE INDEX IF NOT EXISTS idx_quarantine_channel ON quarantine(channel);
	CREATE INDEX IF NOT EXISTS idx_quarantine_created ON quarantine(created_at);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating quarantine schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append signs and persists a quarantine record.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	ctx, span := tracer.Start(ctx, "quarantine.append",
		trace.WithAttributes(
			attribute.String("record.id", rec.ID),
			attribute.String("session", rec.SessionKey),
		))
	defer span.End()

	rec.Signature = ""
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling quarantine record: %w", err)
	}

	signature, err := s.signer.Sign(recordJSON)
	if err != nil {
		return fmt.Errorf("signing quarantine record: %w", err)
	}
	rec.Signature = signature

	signedJSON, _ := json.Marshal(rec)

	query := `INSERT INTO quarantine (id, action_id, session_key, channel, created_at, record_json, signature)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ActionID, rec.SessionKey, rec.Channel, rec.CreatedAt,
		string(signedJSON), signature,
	); err != nil {
		return fmt.Errorf("storing quarantine record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "quarantine.get",
		trace.WithAttributes(attribute.String("record.id", id)))
	defer span.End()

	var recordJSON string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM quarantine WHERE id = ?`, id).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("quarantine record %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying quarantine record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling quarantine record: %w", err)
	}
	return &rec, nil
}

// List returns records matching the given filters, newest first.
func (s *Store) List(ctx context.Context, sessionKey, channel string, from, to time.Time, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "quarantine.list",
		trace.WithAttributes(
			attribute.String("session", sessionKey),
			attribute.String("channel", channel),
		))
	defer span.End()

	query := `SELECT record_json FROM quarantine WHERE 1=1`
	args := []interface{}{}

	if sessionKey != "" {
		query += ` AND session_key = ?`
		args = append(args, sessionKey)
	}
	if channel != "" {
		query += ` AND channel = ?`
		args = append(args, channel)
	}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying quarantine records: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			continue
		}
		results = append(results, rec)
	}
	span.SetAttributes(attribute.Int("record_count", len(results)))
	return results, nil
}

// Count returns the total number of ledger records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantine`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting quarantine records: %w", err)
	}
	return n, nil
}

// Verify checks the HMAC signature integrity of a stored record.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "quarantine.verify",
		trace.WithAttributes(attribute.String("record.id", id)))
	defer span.End()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	signature := rec.Signature
	rec.Signature = ""
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(recordJSON, signature), nil
}
