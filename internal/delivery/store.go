// Package delivery keeps a PostgreSQL log of optimistic send outcomes: which
// temporary message was confirmed by the server, settled by a reload, or
// rolled back, and why.
package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const (
	StatusConfirmed  = "confirmed"
	StatusReloaded   = "reloaded"
	StatusRolledBack = "rolled_back"
)

// validStatuses matches the CHECK constraint on message_deliveries.
var validStatuses = map[string]bool{
	StatusConfirmed:  true,
	StatusReloaded:   true,
	StatusRolledBack: true,
}

// Delivery is one send outcome.
type Delivery struct {
	ID        int64
	UserID    string
	PeerID    string
	TempID    string
	ServerID  string // empty unless confirmed
	Status    string
	Error     string // empty unless rolled back
	CreatedAt time.Time
}

// Recorder receives send outcomes. Record must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, d Delivery) error
}

type discard struct{}

func (discard) Record(context.Context, Delivery) error { return nil }

// Discard is a Recorder that drops every outcome.
var Discard Recorder = discard{}

// Store manages the delivery log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL with the lib/pq driver and verifies the
// connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("delivery: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("delivery: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a delivery store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts d. The status is validated before insertion.
func (s *Store) Record(ctx context.Context, d Delivery) error {
	if !validStatuses[d.Status] {
		return fmt.Errorf("delivery: invalid status %q", d.Status)
	}

	const query = `
		INSERT INTO message_deliveries (user_id, peer_id, temp_id, server_id, status, error)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		d.UserID,
		d.PeerID,
		d.TempID,
		nullString(d.ServerID),
		d.Status,
		nullString(d.Error),
	)
	if err != nil {
		return fmt.Errorf("delivery: insert: %w", err)
	}
	return nil
}

// recent returns the newest deliveries for userID, newest first.
func (s *Store) recent(ctx context.Context, userID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, user_id, peer_id, temp_id, server_id, status, error, created_at
		FROM message_deliveries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery: recent: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d        Delivery
			serverID sql.NullString
			errText  sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.PeerID, &d.TempID, &serverID, &d.Status, &errText, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("delivery: scan: %w", err)
		}
		d.ServerID = serverID.String
		d.Error = errText.String
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery: recent: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
