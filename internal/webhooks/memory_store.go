package webhooks

import (
	"context"
	"sync"
	"time"
)

type eventRecord struct {
	eventType   string
	done        bool
	claimedAt   time.Time
	completedAt time.Time
}

// MemoryEventStore is an in-process EventStore for development and tests.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]*eventRecord
}

var _ EventStore = (*MemoryEventStore)(nil)

// NewMemoryEventStore creates an empty store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*eventRecord)}
}

func (m *MemoryEventStore) Claim(_ context.Context, eventID, eventType string, now time.Time, ttl time.Duration) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.events[eventID]
	switch {
	case !ok:
		m.events[eventID] = &eventRecord{eventType: eventType, claimedAt: now}
		return ClaimAcquired, nil
	case rec.done:
		return ClaimDuplicate, nil
	case now.Sub(rec.claimedAt) >= ttl:
		rec.claimedAt = now
		return ClaimAcquired, nil
	default:
		return ClaimInProgress, nil
	}
}

func (m *MemoryEventStore) Complete(_ context.Context, eventID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.events[eventID]
	if !ok {
		rec = &eventRecord{claimedAt: now}
		m.events[eventID] = rec
	}
	rec.done = true
	rec.completedAt = now
	return nil
}

func (m *MemoryEventStore) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.events[eventID]; ok && !rec.done {
		delete(m.events, eventID)
	}
	return nil
}

func (m *MemoryEventStore) PruneCompleted(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.events {
		if rec.done && rec.completedAt.Before(before) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of tracked events.
func (m *MemoryEventStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
