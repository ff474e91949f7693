// Package store is the durability boundary for session coordinators. The
// coordinator process can be torn down at any point; everything it needs to
// resume lives behind these interfaces. Two implementations exist: Postgres
// for deployment and an in-memory one for tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// ErrMalformedRecord marks a persisted row that failed shape validation on
// the way back in. Callers log it and treat the record as unusable rather
// than trusting a half-readable row.
var ErrMalformedRecord = errors.New("malformed persisted record")

// SessionRecord is the durable snapshot of one session, written before any
// state change is broadcast. Per-round voter identity is deliberately absent:
// a crash mid-round restarts that round's tally.
type SessionRecord struct {
	SessionID     string
	DeckID        string
	Phase         string
	CurrentSlide  string
	UsedSlides    []string
	SlideCount    int
	MaxSlides     int
	VotesLogical  int
	VotesChaotic  int
	TimerDeadline time.Time // zero when no timer pending
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type SessionStore interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
	// LoadSession returns ErrNotFound for unknown ids and wraps
	// ErrMalformedRecord when the stored row fails validation.
	LoadSession(ctx context.Context, sessionID string) (SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// IdentityStore maps a physical coordinator instance to the session it owns.
// Written once when the directory creates the instance, read back as the
// first step of crash recovery, before the session record itself.
type IdentityStore interface {
	SaveIdentity(ctx context.Context, instanceID, sessionID string) error
	LoadIdentity(ctx context.Context, instanceID string) (string, error)
}

type TimerRow struct {
	SessionID string
	FireAt    time.Time
}

// TimerStore holds at most one pending timer per session. Arm upserts, so
// re-arming supersedes the previous deadline instead of accumulating fires.
type TimerStore interface {
	ArmTimer(ctx context.Context, sessionID string, fireAt time.Time) error
	DisarmTimer(ctx context.Context, sessionID string) error
	// PopDue atomically claims and removes timers whose deadline has passed.
	PopDue(ctx context.Context, now time.Time, limit int) ([]TimerRow, error)
}

// Store bundles the three concerns; both implementations satisfy all of them.
type Store interface {
	SessionStore
	IdentityStore
	TimerStore
}

var validPhases = map[string]bool{
	"waiting":    true,
	"presenting": true,
	"voting":     true,
	"finished":   true,
}

// validateRecord is the schema check applied to every row read back from
// storage. Shape problems surface as ErrMalformedRecord, never as a panic or
// a silently wrong coordinator.
func validateRecord(rec SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrMalformedRecord)
	}
	if !validPhases[rec.Phase] {
		return fmt.Errorf("%w: unknown phase %q", ErrMalformedRecord, rec.Phase)
	}
	if rec.Phase == "waiting" {
		return nil
	}
	if rec.CurrentSlide == "" {
		return fmt.Errorf("%w: started session without current slide", ErrMalformedRecord)
	}
	if !contains(rec.UsedSlides, rec.CurrentSlide) {
		return fmt.Errorf("%w: current slide %q not in used set", ErrMalformedRecord, rec.CurrentSlide)
	}
	if rec.SlideCount != len(rec.UsedSlides) {
		return fmt.Errorf("%w: slide count %d != used set size %d", ErrMalformedRecord, rec.SlideCount, len(rec.UsedSlides))
	}
	if rec.VotesLogical < 0 || rec.VotesChaotic < 0 {
		return fmt.Errorf("%w: negative vote counts", ErrMalformedRecord)
	}
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
