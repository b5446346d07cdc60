// Package domain contains core types shared across geosync packages.
package domain

import "time"

// Payload is an opaque caller-supplied document queued for delivery.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// QueueItem is a pending unit of work in the durable queue.
type QueueItem struct {
	ID             string
	Payload        Payload
	Type           string
	IdempotencyKey string
	RetryCount     int
	NextRetryAt    time.Time
	CreatedAt      time.Time
}

// Dead-letter reasons.
const (
	DeadLetterReasonMaxRetries = "max_retries_exhausted"
)

// DeadLetterEntry is an immutable audit record for an item that exhausted
// its retry budget and was removed from active delivery.
type DeadLetterEntry struct {
	Reason    string
	Attempts  int
	Payload   Payload
	Timestamp time.Time
}

// QueueStats reports queue sizes for metrics and threshold checks.
type QueueStats struct {
	Active     int
	DeadLetter int
}
