// Package store defines the durable queue storage contract.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/akorchak/geosync/internal/domain"
)

// Storage errors.
var (
	ErrNotFound = errors.New("queue item not found")
	ErrClosed   = errors.New("store is closed")
)

// DefaultDeadLetterCapacity bounds the dead-letter log when the caller does
// not configure a capacity.
const DefaultDeadLetterCapacity = 100

// Store persists queued items and a bounded dead-letter log across process
// restarts. Implementations must serialize per-item updates so concurrent
// completions cannot lose retry bookkeeping.
type Store interface {
	// Enqueue inserts a payload and returns the assigned item id. An
	// idempotency key is generated when the caller does not supply one.
	Enqueue(ctx context.Context, payload domain.Payload, itemType, idempotencyKey string) (string, error)

	// ReadEligible returns up to limit items in creation order, excluding
	// items whose NextRetryAt is after now. The read is non-destructive.
	ReadEligible(ctx context.Context, limit int, now time.Time) ([]domain.QueueItem, error)

	// List returns up to limit active items in creation order, including
	// items currently in backoff. Used for inspection.
	List(ctx context.Context, limit int) ([]domain.QueueItem, error)

	// Remove deletes the given items. Removing an absent id is a no-op.
	Remove(ctx context.Context, ids []string) error

	// UpdateRetry atomically records retry bookkeeping for one item.
	UpdateRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error

	// MoveToDeadLetter atomically removes an item from the active queue and
	// appends an audit entry, evicting the oldest entry at capacity.
	MoveToDeadLetter(ctx context.Context, id, reason string, attempts int) error

	// ListDeadLetters returns up to limit entries, oldest first.
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error)

	// Clear removes all active items. The dead-letter log is untouched.
	Clear(ctx context.Context) error

	// Stats reports active and dead-letter counts.
	Stats(ctx context.Context) (domain.QueueStats, error)

	// Prune removes active items older than maxAge and trims the queue to
	// maxRecords newest items. Zero values disable the respective bound.
	// Returns the number of removed items.
	Prune(ctx context.Context, maxAge time.Duration, maxRecords int) (int64, error)

	Close() error
}
