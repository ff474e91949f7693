package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the deployment Store, one pool shared by all coordinators.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the three tables. Idempotent; run at startup.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id     text PRIMARY KEY,
			deck_id        text NOT NULL DEFAULT '',
			phase          text NOT NULL,
			current_slide  text NOT NULL DEFAULT '',
			used_slides    text[] NOT NULL DEFAULT '{}',
			slide_count    int NOT NULL DEFAULT 0,
			max_slides     int NOT NULL DEFAULT 0,
			votes_logical  int NOT NULL DEFAULT 0,
			votes_chaotic  int NOT NULL DEFAULT 0,
			timer_deadline timestamptz,
			created_at     timestamptz NOT NULL DEFAULT now(),
			updated_at     timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS coordinator_identities (
			instance_id text PRIMARY KEY,
			session_id  text NOT NULL,
			created_at  timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS session_timers (
			session_id text PRIMARY KEY,
			fire_at    timestamptz NOT NULL
		);
		CREATE INDEX IF NOT EXISTS session_timers_fire_at ON session_timers (fire_at);
	`)
	return err
}

func (p *Postgres) SaveSession(ctx context.Context, rec SessionRecord) error {
	var deadline *time.Time
	if !rec.TimerDeadline.IsZero() {
		deadline = &rec.TimerDeadline
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, deck_id, phase, current_slide, used_slides,
			slide_count, max_slides, votes_logical, votes_chaotic, timer_deadline, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (session_id) DO UPDATE SET
			deck_id = EXCLUDED.deck_id,
			phase = EXCLUDED.phase,
			current_slide = EXCLUDED.current_slide,
			used_slides = EXCLUDED.used_slides,
			slide_count = EXCLUDED.slide_count,
			max_slides = EXCLUDED.max_slides,
			votes_logical = EXCLUDED.votes_logical,
			votes_chaotic = EXCLUDED.votes_chaotic,
			timer_deadline = EXCLUDED.timer_deadline,
			updated_at = now()`,
		rec.SessionID, rec.DeckID, rec.Phase, rec.CurrentSlide, rec.UsedSlides,
		rec.SlideCount, rec.MaxSlides, rec.VotesLogical, rec.VotesChaotic, deadline)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (p *Postgres) LoadSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var rec SessionRecord
	var deadline *time.Time

	err := p.pool.QueryRow(ctx, `
		SELECT session_id, deck_id, phase, current_slide, used_slides,
			slide_count, max_slides, votes_logical, votes_chaotic,
			timer_deadline, created_at, updated_at
		FROM sessions WHERE session_id = $1`, sessionID).
		Scan(&rec.SessionID, &rec.DeckID, &rec.Phase, &rec.CurrentSlide, &rec.UsedSlides,
			&rec.SlideCount, &rec.MaxSlides, &rec.VotesLogical, &rec.VotesChaotic,
			&deadline, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if deadline != nil {
		rec.TimerDeadline = *deadline
	}
	if err := validateRecord(rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func (p *Postgres) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return err
}

func (p *Postgres) SaveIdentity(ctx context.Context, instanceID, sessionID string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO coordinator_identities (instance_id, session_id)
		VALUES ($1, $2)
		ON CONFLICT (instance_id) DO UPDATE SET session_id = EXCLUDED.session_id`,
		instanceID, sessionID)
	if err != nil {
		return fmt.Errorf("save identity %s: %w", instanceID, err)
	}
	return nil
}

func (p *Postgres) LoadIdentity(ctx context.Context, instanceID string) (string, error) {
	var sessionID string
	err := p.pool.QueryRow(ctx,
		`SELECT session_id FROM coordinator_identities WHERE instance_id = $1`, instanceID).
		Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load identity %s: %w", instanceID, err)
	}
	return sessionID, nil
}

func (p *Postgres) ArmTimer(ctx context.Context, sessionID string, fireAt time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO session_timers (session_id, fire_at)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET fire_at = EXCLUDED.fire_at`,
		sessionID, fireAt)
	if err != nil {
		return fmt.Errorf("arm timer %s: %w", sessionID, err)
	}
	return nil
}

func (p *Postgres) DisarmTimer(ctx context.Context, sessionID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM session_timers WHERE session_id = $1`, sessionID)
	return err
}

// PopDue claims due timers with SKIP LOCKED so multiple server replicas never
// double-fire the same deadline.
func (p *Postgres) PopDue(ctx context.Context, now time.Time, limit int) ([]TimerRow, error) {
	rows, err := p.pool.Query(ctx, `
		DELETE FROM session_timers
		WHERE session_id IN (
			SELECT session_id FROM session_timers
			WHERE fire_at <= $1
			ORDER BY fire_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING session_id, fire_at`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pop due timers: %w", err)
	}
	defer rows.Close()

	var due []TimerRow
	for rows.Next() {
		var row TimerRow
		if err := rows.Scan(&row.SessionID, &row.FireAt); err != nil {
			return nil, err
		}
		due = append(due, row)
	}
	return due, rows.Err()
}
