// Package memory provides an in-process Store used by tests and ephemeral
// deployments that do not need restart durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akorchak/geosync/internal/domain"
	"github.com/akorchak/geosync/internal/store"
)

// Store keeps queue items and the dead-letter log in memory.
type Store struct {
	mu          sync.Mutex
	items       map[string]domain.QueueItem
	deadLetters []domain.DeadLetterEntry
	dlqCapacity int
	seq         int64
	order       map[string]int64
	closed      bool
}

// New creates an in-memory store with the given dead-letter capacity.
func New(deadLetterCapacity int) *Store {
	if deadLetterCapacity <= 0 {
		deadLetterCapacity = store.DefaultDeadLetterCapacity
	}
	return &Store{
		items:       make(map[string]domain.QueueItem),
		order:       make(map[string]int64),
		dlqCapacity: deadLetterCapacity,
	}
}

// Enqueue inserts a payload and returns the assigned item id.
func (s *Store) Enqueue(_ context.Context, payload domain.Payload, itemType, idempotencyKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", store.ErrClosed
	}

	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	item := domain.QueueItem{
		ID:             uuid.NewString(),
		Payload:        payload.Clone(),
		Type:           itemType,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	s.seq++
	s.items[item.ID] = item
	s.order[item.ID] = s.seq
	return item.ID, nil
}

// ReadEligible returns items in creation order whose backoff has elapsed.
func (s *Store) ReadEligible(_ context.Context, limit int, now time.Time) ([]domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	items := s.sortedLocked()
	out := make([]domain.QueueItem, 0, len(items))
	for _, item := range items {
		if limit > 0 && len(out) >= limit {
			break
		}
		if item.NextRetryAt.After(now) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// List returns all active items in creation order, including backoff items.
func (s *Store) List(_ context.Context, limit int) ([]domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	items := s.sortedLocked()
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Remove deletes the given items. Absent ids are ignored.
func (s *Store) Remove(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	for _, id := range ids {
		delete(s.items, id)
		delete(s.order, id)
	}
	return nil
}

// UpdateRetry records retry bookkeeping for one item.
func (s *Store) UpdateRetry(_ context.Context, id string, retryCount int, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	item, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	item.RetryCount = retryCount
	item.NextRetryAt = nextRetryAt
	s.items[id] = item
	return nil
}

// MoveToDeadLetter removes an item and appends an audit entry, evicting the
// oldest entry at capacity.
func (s *Store) MoveToDeadLetter(_ context.Context, id, reason string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	item, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.items, id)
	delete(s.order, id)

	s.deadLetters = append(s.deadLetters, domain.DeadLetterEntry{
		Reason:    reason,
		Attempts:  attempts,
		Payload:   item.Payload.Clone(),
		Timestamp: time.Now().UTC(),
	})
	if len(s.deadLetters) > s.dlqCapacity {
		s.deadLetters = s.deadLetters[len(s.deadLetters)-s.dlqCapacity:]
	}
	return nil
}

// ListDeadLetters returns entries oldest first.
func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	entries := s.deadLetters
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]domain.DeadLetterEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// Clear removes all active items.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	s.items = make(map[string]domain.QueueItem)
	s.order = make(map[string]int64)
	return nil
}

// Stats reports active and dead-letter counts.
func (s *Store) Stats(_ context.Context) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.QueueStats{}, store.ErrClosed
	}

	return domain.QueueStats{
		Active:     len(s.items),
		DeadLetter: len(s.deadLetters),
	}, nil
}

// Prune removes items older than maxAge and trims the queue to maxRecords.
func (s *Store) Prune(_ context.Context, maxAge time.Duration, maxRecords int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}

	var removed int64
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		for id, item := range s.items {
			if item.CreatedAt.Before(cutoff) {
				delete(s.items, id)
				delete(s.order, id)
				removed++
			}
		}
	}
	if maxRecords > 0 && len(s.items) > maxRecords {
		items := s.sortedLocked()
		excess := len(items) - maxRecords
		for _, item := range items[:excess] {
			delete(s.items, item.ID)
			delete(s.order, item.ID)
			removed++
		}
	}
	return removed, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) sortedLocked() []domain.QueueItem {
	items := make([]domain.QueueItem, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return s.order[items[i].ID] < s.order[items[j].ID]
	})
	return items
}
