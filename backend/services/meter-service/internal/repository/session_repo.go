package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"prepaidmeter/backend/services/meter-service/internal/ledger"
)

// ErrSessionNotFound indicates a session missing from the archive.
var ErrSessionNotFound = errors.New("session not found")

// ArchivedSession is a session row together with its archive bookkeeping.
type ArchivedSession struct {
	ledger.Session
	Retired   bool       `json:"retired"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
	UpdatedAt time.Time  `json:"archived_at"`
}

// SessionRepository keeps a durable history of meter sessions in Postgres.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository returns repository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// EnsureSchema creates the archive table when missing.
func (r *SessionRepository) EnsureSchema(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS meter_sessions (
			id TEXT PRIMARY KEY,
			amount_paid DOUBLE PRECISION NOT NULL,
			energy_start_kwh DOUBLE PRECISION NOT NULL,
			energy_remaining_kwh DOUBLE PRECISION NOT NULL,
			running BOOLEAN NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			last_updated_at TIMESTAMPTZ NOT NULL,
			retired BOOLEAN NOT NULL DEFAULT FALSE,
			retired_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

// Upsert stores the latest known values of a session.
func (r *SessionRepository) Upsert(ctx context.Context, s ledger.Session) error {
	const query = `
		INSERT INTO meter_sessions (id, amount_paid, energy_start_kwh, energy_remaining_kwh, running, started_at, last_updated_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			amount_paid = EXCLUDED.amount_paid,
			energy_start_kwh = EXCLUDED.energy_start_kwh,
			energy_remaining_kwh = EXCLUDED.energy_remaining_kwh,
			running = EXCLUDED.running,
			started_at = EXCLUDED.started_at,
			last_updated_at = EXCLUDED.last_updated_at,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.AmountPaid,
		s.EnergyStart,
		s.EnergyRemaining,
		s.Running,
		s.StartedAt,
		s.LastUpdatedAt,
	)
	return err
}

// MarkRetired flags an archived session as cleared by a reset.
func (r *SessionRepository) MarkRetired(ctx context.Context, id string, at time.Time) error {
	const query = `
		UPDATE meter_sessions
		SET retired = TRUE,
		    running = FALSE,
		    retired_at = $2,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListRecent returns last N archived sessions, newest first.
func (r *SessionRepository) ListRecent(ctx context.Context, limit int) ([]ArchivedSession, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, amount_paid, energy_start_kwh, energy_remaining_kwh, running, started_at, last_updated_at, retired, retired_at, updated_at
		FROM meter_sessions
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]ArchivedSession, 0)
	for rows.Next() {
		var (
			s         ArchivedSession
			retiredAt sql.NullTime
		)
		if err := rows.Scan(
			&s.ID,
			&s.AmountPaid,
			&s.EnergyStart,
			&s.EnergyRemaining,
			&s.Running,
			&s.StartedAt,
			&s.LastUpdatedAt,
			&s.Retired,
			&retiredAt,
			&s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if retiredAt.Valid {
			at := retiredAt.Time
			s.RetiredAt = &at
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
