package duel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Repository persists immutable terminal duel snapshots to postgres.
// A nil Repository is valid and every method a no-op, so the engine
// runs memory-only when DATABASE_URL is unset.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	r := &Repository{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS duel_results (
    duel_id     TEXT PRIMARY KEY,
    challenger  TEXT NOT NULL,
    opponent    TEXT NOT NULL,
    status      TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    winner      TEXT NOT NULL DEFAULT '',
    problem_id  TEXT NOT NULL DEFAULT '',
    issued_at   TIMESTAMPTZ NOT NULL,
    started_at  TIMESTAMPTZ,
    finished_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

// SaveResult upserts a terminal duel snapshot keyed by duel id. Saving
// the same duel twice leaves a single row.
func (r *Repository) SaveResult(ctx context.Context, d *Duel) error {
	if r == nil || r.db == nil || d == nil {
		return nil
	}
	if !d.Status.Terminal() {
		return fmt.Errorf("duel %s is not terminal", d.ID)
	}

	problemID := ""
	if d.Problem != nil {
		problemID = d.Problem.ID()
	}
	var startedAt *time.Time
	if !d.StartedAt.IsZero() {
		startedAt = &d.StartedAt
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO duel_results (duel_id, challenger, opponent, status, outcome, winner, problem_id, issued_at, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (duel_id) DO UPDATE SET
    status      = EXCLUDED.status,
    outcome     = EXCLUDED.outcome,
    winner      = EXCLUDED.winner,
    finished_at = now()`,
		d.ID, d.Challenger, d.Opponent, string(d.Status), string(d.Outcome),
		d.Winner, problemID, d.IssuedAt, startedAt,
	)
	return err
}
