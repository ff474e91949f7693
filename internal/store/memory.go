package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-memory Store used by tests and single-node experiments.
// Same validation rules as Postgres so recovery paths behave identically.
type Memory struct {
	mu         sync.Mutex
	sessions   map[string]SessionRecord
	identities map[string]string
	timers     map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions:   make(map[string]SessionRecord),
		identities: make(map[string]string),
		timers:     make(map[string]time.Time),
	}
}

func (m *Memory) SaveSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if prev, ok := m.sessions[rec.SessionID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.UsedSlides = append([]string(nil), rec.UsedSlides...)
	m.sessions[rec.SessionID] = rec
	return nil
}

func (m *Memory) LoadSession(_ context.Context, sessionID string) (SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	if err := validateRecord(rec); err != nil {
		return SessionRecord{}, err
	}
	rec.UsedSlides = append([]string(nil), rec.UsedSlides...)
	return rec, nil
}

func (m *Memory) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) SaveIdentity(_ context.Context, instanceID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[instanceID] = sessionID
	return nil
}

func (m *Memory) LoadIdentity(_ context.Context, instanceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.identities[instanceID]
	if !ok {
		return "", ErrNotFound
	}
	return sessionID, nil
}

func (m *Memory) ArmTimer(_ context.Context, sessionID string, fireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[sessionID] = fireAt
	return nil
}

func (m *Memory) DisarmTimer(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, sessionID)
	return nil
}

func (m *Memory) PopDue(_ context.Context, now time.Time, limit int) ([]TimerRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []TimerRow
	for id, at := range m.timers {
		if !at.After(now) {
			due = append(due, TimerRow{SessionID: id, FireAt: at})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, row := range due {
		delete(m.timers, row.SessionID)
	}
	return due, nil
}

// SeedSession bypasses validation; tests use it to plant malformed rows.
func (m *Memory) SeedSession(rec SessionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.SessionID] = rec
}
