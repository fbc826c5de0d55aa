package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrDuplicateOutcome is returned when a request's outcome was already stored
var ErrDuplicateOutcome = errors.New("outcome already recorded")

const uniqueViolation = "23505"

// Schema creates the outcomes table
const Schema = `
CREATE TABLE IF NOT EXISTS mediation_outcomes (
	request_id    TEXT PRIMARY KEY,
	placement_id  TEXT NOT NULL,
	kind          TEXT NOT NULL,
	reason        TEXT NOT NULL,
	bidder        TEXT,
	price         DOUBLE PRECISION,
	error_code    TEXT,
	error_message TEXT,
	settled_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS mediation_outcomes_settled_at ON mediation_outcomes (settled_at);
`

// Record is one settled request
type Record struct {
	RequestID    string    `json:"request_id"`
	PlacementID  string    `json:"placement_id"`
	Kind         string    `json:"kind"`
	Reason       string    `json:"reason"`
	Bidder       string    `json:"bidder,omitempty"`
	Price        *float64  `json:"price,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SettledAt    time.Time `json:"settled_at"`
}

// OutcomeStore reads and writes settled outcomes
type OutcomeStore struct {
	db *sql.DB
}

// NewOutcomeStore creates a store over db
func NewOutcomeStore(db *sql.DB) *OutcomeStore {
	return &OutcomeStore{db: db}
}

// Migrate creates the schema when missing
func (s *OutcomeStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create outcomes schema: %w", err)
	}
	return nil
}

// Insert stores r. A second insert for the same request returns ErrDuplicateOutcome.
func (s *OutcomeStore) Insert(ctx context.Context, r *Record) error {
	query := `
		INSERT INTO mediation_outcomes (
			request_id, placement_id, kind, reason, bidder, price,
			error_code, error_message, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	var price sql.NullFloat64
	if r.Price != nil {
		price = sql.NullFloat64{Float64: *r.Price, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		r.RequestID,
		r.PlacementID,
		r.Kind,
		r.Reason,
		nullString(r.Bidder),
		price,
		nullString(r.ErrorCode),
		nullString(r.ErrorMessage),
		r.SettledAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return ErrDuplicateOutcome
	}
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	return nil
}

// Get returns the outcome for requestID, or nil when none is stored
func (s *OutcomeStore) Get(ctx context.Context, requestID string) (*Record, error) {
	query := `
		SELECT request_id, placement_id, kind, reason, bidder, price,
		       error_code, error_message, settled_at
		FROM mediation_outcomes
		WHERE request_id = $1
	`

	var r Record
	var bidder, errCode, errMsg sql.NullString
	var price sql.NullFloat64

	err := s.db.QueryRowContext(ctx, query, requestID).Scan(
		&r.RequestID,
		&r.PlacementID,
		&r.Kind,
		&r.Reason,
		&bidder,
		&price,
		&errCode,
		&errMsg,
		&r.SettledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome: %w", err)
	}

	r.Bidder = bidder.String
	r.ErrorCode = errCode.String
	r.ErrorMessage = errMsg.String
	if price.Valid {
		p := price.Float64
		r.Price = &p
	}
	return &r, nil
}

// CountByKind counts outcomes settled since the given time, per kind
func (s *OutcomeStore) CountByKind(ctx context.Context, since time.Time) (map[string]int64, error) {
	query := `
		SELECT kind, COUNT(*)
		FROM mediation_outcomes
		WHERE settled_at >= $1
		GROUP BY kind
	`

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome counts: %w", err)
	}
	return counts, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
