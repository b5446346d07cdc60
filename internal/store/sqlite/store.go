// Package sqlite provides the embedded SQLite implementation of the durable
// queue. It is the default backend: the queue must survive process restarts
// on a single device without any external service.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/akorchak/geosync/internal/domain"
	"github.com/akorchak/geosync/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
  seq             INTEGER PRIMARY KEY AUTOINCREMENT,
  id              TEXT NOT NULL UNIQUE,
  payload         TEXT NOT NULL,
  type            TEXT NOT NULL DEFAULT '',
  idempotency_key TEXT NOT NULL,
  retry_count     INTEGER NOT NULL DEFAULT 0,
  next_retry_at   INTEGER NOT NULL DEFAULT 0,
  created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_eligible ON queue_items(next_retry_at, seq);

CREATE TABLE IF NOT EXISTS dead_letters (
  seq        INTEGER PRIMARY KEY AUTOINCREMENT,
  reason     TEXT NOT NULL,
  attempts   INTEGER NOT NULL,
  payload    TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`

// Store is a SQLite-backed durable queue with a bounded dead-letter log.
type Store struct {
	sqlDB       *sql.DB
	dlqCapacity int
}

// Open opens the queue database at path and bootstraps the schema.
func Open(path string, deadLetterCapacity int) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if deadLetterCapacity <= 0 {
		deadLetterCapacity = store.DefaultDeadLetterCapacity
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Serialize access through a single connection; per-item updates must not
	// interleave and modernc's driver handles no write concurrency anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{sqlDB: sqlDB, dlqCapacity: deadLetterCapacity}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Enqueue inserts a payload and returns the assigned item id.
func (s *Store) Enqueue(ctx context.Context, payload domain.Payload, itemType, idempotencyKey string) (string, error) {
	doc, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	id := uuid.NewString()

	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO queue_items (id, payload, type, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, string(doc), itemType, idempotencyKey, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}
	return id, nil
}

// ReadEligible returns items in creation order whose backoff has elapsed.
func (s *Store) ReadEligible(ctx context.Context, limit int, now time.Time) ([]domain.QueueItem, error) {
	query := `
		SELECT id, payload, type, idempotency_key, retry_count, next_retry_at, created_at
		FROM queue_items
		WHERE next_retry_at <= ?
		ORDER BY seq
	`
	args := []any{now.UnixMilli()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryItems(ctx, query, args...)
}

// List returns active items in creation order, including backoff items.
func (s *Store) List(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	query := `
		SELECT id, payload, type, idempotency_key, retry_count, next_retry_at, created_at
		FROM queue_items
		ORDER BY seq
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryItems(ctx, query, args...)
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]domain.QueueItem, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.QueueItem, 0)
	for rows.Next() {
		var (
			item                  domain.QueueItem
			doc                   string
			nextRetryAt, createdAt int64
		)
		if err := rows.Scan(&item.ID, &doc, &item.Type, &item.IdempotencyKey, &item.RetryCount, &nextRetryAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		if err := json.Unmarshal([]byte(doc), &item.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		if nextRetryAt > 0 {
			item.NextRetryAt = time.UnixMilli(nextRetryAt)
		}
		item.CreatedAt = time.UnixMilli(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Remove deletes the given items. Absent ids are ignored.
func (s *Store) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM queue_items WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("remove queue items: %w", err)
	}
	return nil
}

// UpdateRetry records retry bookkeeping for one item.
func (s *Store) UpdateRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error {
	result, err := s.sqlDB.ExecContext(ctx, `
		UPDATE queue_items SET retry_count = ?, next_retry_at = ? WHERE id = ?
	`, retryCount, nextRetryAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MoveToDeadLetter removes an item and appends an audit entry in one
// transaction, evicting the oldest entries beyond capacity.
func (s *Store) MoveToDeadLetter(ctx context.Context, id, reason string, attempts int) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM queue_items WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read queue item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (reason, attempts, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, reason, attempts, doc, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM dead_letters
		WHERE seq NOT IN (SELECT seq FROM dead_letters ORDER BY seq DESC LIMIT ?)
	`, s.dlqCapacity); err != nil {
		return fmt.Errorf("evict dead letters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListDeadLetters returns entries oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	query := `SELECT reason, attempts, payload, created_at FROM dead_letters ORDER BY seq`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.DeadLetterEntry, 0)
	for rows.Next() {
		var (
			entry     domain.DeadLetterEntry
			doc       string
			createdAt int64
		)
		if err := rows.Scan(&entry.Reason, &entry.Attempts, &doc, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(doc), &entry.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		entry.Timestamp = time.UnixMilli(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Clear removes all active items.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// Stats reports active and dead-letter counts.
func (s *Store) Stats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&stats.Active); err != nil {
		return stats, fmt.Errorf("count queue items: %w", err)
	}
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&stats.DeadLetter); err != nil {
		return stats, fmt.Errorf("count dead letters: %w", err)
	}
	return stats, nil
}

// Prune removes items older than maxAge and trims the queue to maxRecords.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration, maxRecords int) (int64, error) {
	var removed int64

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UnixMilli()
		result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM queue_items WHERE created_at < ?`, cutoff)
		if err != nil {
			return removed, fmt.Errorf("prune by age: %w", err)
		}
		n, _ := result.RowsAffected()
		removed += n
	}

	if maxRecords > 0 {
		result, err := s.sqlDB.ExecContext(ctx, `
			DELETE FROM queue_items
			WHERE seq NOT IN (SELECT seq FROM queue_items ORDER BY seq DESC LIMIT ?)
		`, maxRecords)
		if err != nil {
			return removed, fmt.Errorf("prune by count: %w", err)
		}
		n, _ := result.RowsAffected()
		removed += n
	}

	return removed, nil
}
