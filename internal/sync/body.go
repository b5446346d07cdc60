package sync

import (
	"context"

	"github.com/akorchak/geosync/internal/domain"
)

// BodyBuilder replaces the default request envelope. Returning a nil map
// falls back to the default envelope; returning an empty map skips the send
// entirely (the items stay queued and no request is issued). Builders run
// with a bounded timeout and fail open to the default envelope.
type BodyBuilder interface {
	Build(ctx context.Context, items []domain.QueueItem, extras map[string]any) (map[string]any, error)
}

// BodyBuilderFunc adapts a function to the BodyBuilder interface.
type BodyBuilderFunc func(ctx context.Context, items []domain.QueueItem, extras map[string]any) (map[string]any, error)

// Build implements BodyBuilder.
func (f BodyBuilderFunc) Build(ctx context.Context, items []domain.QueueItem, extras map[string]any) (map[string]any, error) {
	return f(ctx, items, extras)
}

// PreSyncValidator approves or rejects a sync attempt before dispatch.
// Returning false aborts the attempt without consuming retry budget.
// Validators run with a bounded timeout and fail open on timeout or error.
type PreSyncValidator interface {
	Validate(ctx context.Context, items []domain.QueueItem, extras map[string]any) (bool, error)
}

// PreSyncValidatorFunc adapts a function to the PreSyncValidator interface.
type PreSyncValidatorFunc func(ctx context.Context, items []domain.QueueItem, extras map[string]any) (bool, error)

// Validate implements PreSyncValidator.
func (f PreSyncValidatorFunc) Validate(ctx context.Context, items []domain.QueueItem, extras map[string]any) (bool, error) {
	return f(ctx, items, extras)
}

// Default root property names for the request envelope.
const (
	defaultRootProperty = "locations"
	singleRootProperty  = "location"
	genericRootProperty = "payload"
)

// buildDefaultBody constructs the default request envelope:
// {...extras, <root>: <items-or-item>, ...params}. Batched sends carry an
// array under the root property. A single generic item (non-empty Type)
// additionally carries queueId, type and idempotencyKey at the top level so
// the server can deduplicate retried deliveries.
func buildDefaultBody(items []domain.QueueItem, extras map[string]any, params map[string]string, rootProperty string, batch bool) map[string]any {
	body := make(map[string]any, len(extras)+len(params)+4)
	for k, v := range extras {
		body[k] = v
	}

	switch {
	case batch || len(items) > 1:
		if rootProperty == "" {
			rootProperty = defaultRootProperty
		}
		docs := make([]map[string]any, len(items))
		for i, item := range items {
			docs[i] = map[string]any(item.Payload)
		}
		body[rootProperty] = docs
	case items[0].Type != "":
		item := items[0]
		body[genericRootProperty] = map[string]any(item.Payload)
		body["queueId"] = item.ID
		body["type"] = item.Type
		body["idempotencyKey"] = item.IdempotencyKey
	default:
		body[singleRootProperty] = map[string]any(items[0].Payload)
	}

	for k, v := range params {
		body[k] = v
	}
	return body
}
