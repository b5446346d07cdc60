// Package postgres provides the PostgreSQL implementation of the durable
// queue, used when geosyncd runs server-side and shares a database with the
// rest of the deployment.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akorchak/geosync/internal/domain"
	"github.com/akorchak/geosync/internal/store"
)

// Repository implements store.Store using PostgreSQL.
type Repository struct {
	db          *pgxpool.Pool
	dlqCapacity int
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool, deadLetterCapacity int) *Repository {
	if deadLetterCapacity <= 0 {
		deadLetterCapacity = store.DefaultDeadLetterCapacity
	}
	return &Repository{db: db, dlqCapacity: deadLetterCapacity}
}

// Enqueue inserts a payload and returns the assigned item id.
func (r *Repository) Enqueue(ctx context.Context, payload domain.Payload, itemType, idempotencyKey string) (string, error) {
	doc, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	var id string
	query := `
		INSERT INTO queue_items (payload, type, idempotency_key)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if err := r.db.QueryRow(ctx, query, doc, itemType, idempotencyKey).Scan(&id); err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}
	return id, nil
}

// ReadEligible returns items in creation order whose backoff has elapsed.
func (r *Repository) ReadEligible(ctx context.Context, limit int, now time.Time) ([]domain.QueueItem, error) {
	query := `
		SELECT id, payload, type, idempotency_key, retry_count, next_retry_at, created_at
		FROM queue_items
		WHERE next_retry_at IS NULL OR next_retry_at <= $1
		ORDER BY created_at, id
		LIMIT $2
	`
	return r.queryItems(ctx, query, now, nullableLimit(limit))
}

// List returns active items in creation order, including backoff items.
func (r *Repository) List(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	query := `
		SELECT id, payload, type, idempotency_key, retry_count, next_retry_at, created_at
		FROM queue_items
		ORDER BY created_at, id
		LIMIT $1
	`
	return r.queryItems(ctx, query, nullableLimit(limit))
}

func nullableLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (r *Repository) queryItems(ctx context.Context, query string, args ...any) ([]domain.QueueItem, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.QueueItem, 0)
	for rows.Next() {
		var (
			item        domain.QueueItem
			doc         []byte
			nextRetryAt *time.Time
		)
		if err := rows.Scan(&item.ID, &doc, &item.Type, &item.IdempotencyKey, &item.RetryCount, &nextRetryAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		if err := json.Unmarshal(doc, &item.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		if nextRetryAt != nil {
			item.NextRetryAt = *nextRetryAt
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Remove deletes the given items. Absent ids are ignored.
func (r *Repository) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM queue_items WHERE id = ANY($1::uuid[])`, ids); err != nil {
		return fmt.Errorf("remove queue items: %w", err)
	}
	return nil
}

// UpdateRetry records retry bookkeeping for one item.
func (r *Repository) UpdateRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE queue_items SET retry_count = $2, next_retry_at = $3 WHERE id = $1
	`, id, retryCount, nextRetryAt)
	if err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MoveToDeadLetter removes an item and appends an audit entry in one
// transaction, evicting the oldest entries beyond capacity.
func (r *Repository) MoveToDeadLetter(ctx context.Context, id, reason string, attempts int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var doc []byte
	err = tx.QueryRow(ctx, `DELETE FROM queue_items WHERE id = $1 RETURNING payload`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO dead_letters (reason, attempts, payload)
		VALUES ($1, $2, $3)
	`, reason, attempts, doc); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM dead_letters
		WHERE seq NOT IN (SELECT seq FROM dead_letters ORDER BY seq DESC LIMIT $1)
	`, r.dlqCapacity); err != nil {
		return fmt.Errorf("evict dead letters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListDeadLetters returns entries oldest first.
func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT reason, attempts, payload, created_at
		FROM dead_letters
		ORDER BY seq
		LIMIT $1
	`, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.DeadLetterEntry, 0)
	for rows.Next() {
		var (
			entry domain.DeadLetterEntry
			doc   []byte
		)
		if err := rows.Scan(&entry.Reason, &entry.Attempts, &doc, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(doc, &entry.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Clear removes all active items.
func (r *Repository) Clear(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM queue_items`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// Stats reports active and dead-letter counts.
func (r *Repository) Stats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&stats.Active); err != nil {
		return stats, fmt.Errorf("count queue items: %w", err)
	}
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&stats.DeadLetter); err != nil {
		return stats, fmt.Errorf("count dead letters: %w", err)
	}
	return stats, nil
}

// Prune removes items older than maxAge and trims the queue to maxRecords.
func (r *Repository) Prune(ctx context.Context, maxAge time.Duration, maxRecords int) (int64, error) {
	var removed int64

	if maxAge > 0 {
		result, err := r.db.Exec(ctx, `DELETE FROM queue_items WHERE created_at < $1`, time.Now().Add(-maxAge))
		if err != nil {
			return removed, fmt.Errorf("prune by age: %w", err)
		}
		removed += result.RowsAffected()
	}

	if maxRecords > 0 {
		result, err := r.db.Exec(ctx, `
			DELETE FROM queue_items
			WHERE id NOT IN (SELECT id FROM queue_items ORDER BY created_at DESC, id DESC LIMIT $1)
		`, maxRecords)
		if err != nil {
			return removed, fmt.Errorf("prune by count: %w", err)
		}
		removed += result.RowsAffected()
	}

	return removed, nil
}

// Close is a no-op; the pgx pool is owned by the caller.
func (r *Repository) Close() error {
	return nil
}
