// Package sync implements the offline-first delivery engine: a durable
// outbox drained by triggers (threshold, heartbeat, manual, lifecycle) into
// batched JSON HTTP requests with exponential backoff, dead-letter handling
// and an engine-wide auth-pause on 401.
package sync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akorchak/geosync/internal/domain"
	"github.com/akorchak/geosync/internal/store"
)

// State is the engine state.
type State int

// Engine states.
const (
	StateIdle State = iota
	StateSyncing
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// NetworkState reports connectivity for dispatch admission.
type NetworkState interface {
	State() (connected, metered bool)
}

type alwaysConnected struct{}

func (alwaysConnected) State() (bool, bool) { return true, false }

// Config contains engine configuration.
type Config struct {
	Endpoint          string
	Method            string
	Headers           map[string]string
	Params            map[string]string
	Extras            map[string]any
	Retry             RetryConfig
	BatchSync         bool
	MaxBatchSize      int
	AutoSyncThreshold int
	RestrictOnMetered bool
	IdempotencyHeader string
	RootProperty      string
	HTTPTimeout       time.Duration
	HookTimeout       time.Duration
	Heartbeat         time.Duration
	RateLimit         float64
	RetentionMaxAge   time.Duration
	RetentionMaxCount int
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		Method: "POST",
		Retry: RetryConfig{
			MaxRetry:   3,
			Delay:      5 * time.Second,
			Multiplier: 2.0,
			MaxDelay:   5 * time.Minute,
		},
		BatchSync:         true,
		MaxBatchSize:      50,
		AutoSyncThreshold: 10,
		RootProperty:      defaultRootProperty,
		HTTPTimeout:       30 * time.Second,
		HookTimeout:       10 * time.Second,
		Heartbeat:         time.Minute,
	}
}

// Manager orchestrates triggers, admission, batching, dispatch, retry
// scheduling and the pause/resume state machine. It is the sole writer of
// engine state; producers and triggers may run on any goroutine.
type Manager struct {
	cfg        Config
	store      store.Store
	dispatcher *Dispatcher
	network    NetworkState
	emitter    Emitter

	mu    sync.Mutex
	state State

	hookMu         sync.RWMutex
	bodyBuilder    BodyBuilder
	validator      PreSyncValidator
	dynamicHeaders map[string]string
	validatorBusy  atomic.Bool

	retryMu    sync.Mutex
	retryTimer *time.Timer
	retryAt    time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates an engine over the given store. A nil network monitor
// means always connected and unmetered; a nil emitter discards events.
func NewManager(cfg Config, st store.Store, network NetworkState, emitter Emitter) *Manager {
	if network == nil {
		network = alwaysConnected{}
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry.Multiplier = 2.0
	}

	return &Manager{
		cfg:   cfg,
		store: st,
		dispatcher: NewDispatcher(DispatchConfig{
			URL:               cfg.Endpoint,
			Method:            cfg.Method,
			Headers:           cfg.Headers,
			IdempotencyHeader: cfg.IdempotencyHeader,
			HTTPTimeout:       cfg.HTTPTimeout,
			RateLimit:         cfg.RateLimit,
		}),
		network: network,
		emitter: emitter,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the heartbeat trigger.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.Heartbeat <= 0 {
		return
	}

	slog.Info("starting sync engine",
		"endpoint", m.dispatcher.Endpoint(),
		"heartbeat", m.cfg.Heartbeat,
		"batch", m.cfg.BatchSync,
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.Heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Flush(ctx)
			}
		}
	}()
}

// Destroy stops the heartbeat and pending retry timers. In-flight HTTP
// requests are not aborted.
func (m *Manager) Destroy() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.retryMu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retryMu.Unlock()
	m.wg.Wait()
	slog.Info("sync engine stopped")
}

// EnqueueOption customizes a queued item.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	itemType       string
	idempotencyKey string
}

// WithType tags the item with a caller-supplied category.
func WithType(t string) EnqueueOption {
	return func(o *enqueueOptions) { o.itemType = t }
}

// WithIdempotencyKey supplies the idempotency key instead of generating one.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.idempotencyKey = key }
}

// Enqueue stores a payload for delivery and returns the assigned id. It
// never blocks on network outcomes. Reaching the auto-sync threshold
// triggers an asynchronous flush.
func (m *Manager) Enqueue(ctx context.Context, payload domain.Payload, opts ...EnqueueOption) (string, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	if m.cfg.RetentionMaxAge > 0 || m.cfg.RetentionMaxCount > 0 {
		if pruned, err := m.store.Prune(ctx, m.cfg.RetentionMaxAge, m.cfg.RetentionMaxCount); err != nil {
			slog.Warn("retention prune failed", "error", err)
		} else if pruned > 0 {
			slog.Debug("pruned queue items", "count", pruned)
		}
	}

	id, err := m.store.Enqueue(ctx, payload, o.itemType, o.idempotencyKey)
	if err != nil {
		return "", err
	}

	if m.cfg.AutoSyncThreshold > 0 {
		if stats, err := m.store.Stats(ctx); err == nil {
			RecordQueueStats(stats)
			if stats.Active >= m.cfg.AutoSyncThreshold {
				go m.Flush(context.Background())
			}
		}
	}
	return id, nil
}

// GetQueue returns active items in creation order, including backoff items.
func (m *Manager) GetQueue(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	return m.store.List(ctx, limit)
}

// ClearQueue removes all active items. The dead-letter log is untouched.
func (m *Manager) ClearQueue(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// DeadLetters returns dead-letter entries, oldest first.
func (m *Manager) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	return m.store.ListDeadLetters(ctx, limit)
}

// SetBodyBuilder registers or clears the body builder hook.
func (m *Manager) SetBodyBuilder(b BodyBuilder) {
	m.hookMu.Lock()
	m.bodyBuilder = b
	m.hookMu.Unlock()
}

// SetPreSyncValidator registers or clears the pre-sync validator hook.
func (m *Manager) SetPreSyncValidator(v PreSyncValidator) {
	m.hookMu.Lock()
	m.validator = v
	m.hookMu.Unlock()
}

// SetDynamicHeaders replaces the per-request headers merged over the static
// ones, typically a refreshed Authorization token.
func (m *Manager) SetDynamicHeaders(headers map[string]string) {
	m.hookMu.Lock()
	m.dynamicHeaders = headers
	m.hookMu.Unlock()
}

// State reports the current engine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pause halts issuing new requests until Resume. In-flight requests finish.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.state = StatePaused
	m.mu.Unlock()
	slog.Info("sync engine paused")
}

// Resume lifts a pause and immediately attempts a flush. Items halted by an
// auth-pause carry no backoff, so they are retried right away.
func (m *Manager) Resume() {
	m.mu.Lock()
	if m.state == StatePaused {
		m.state = StateIdle
	}
	m.mu.Unlock()
	slog.Info("sync engine resumed")
	go m.Flush(context.Background())
}

// Flush is the trigger entry point: heartbeat ticks, lifecycle transitions
// and threshold crossings all land here. A trigger while paused, syncing or
// without network admission is a no-op.
func (m *Manager) Flush(ctx context.Context) {
	_, _ = m.syncEligible(ctx, 0)
}

// SyncQueue flushes up to limit items (0 means unlimited) and returns the
// number of items successfully dispatched.
func (m *Manager) SyncQueue(ctx context.Context, limit int) (int, error) {
	return m.syncEligible(ctx, limit)
}

func (m *Manager) syncEligible(ctx context.Context, limit int) (int, error) {
	if !m.admitted() {
		return 0, nil
	}
	if !m.beginSync() {
		return 0, nil
	}
	defer m.endSync()

	dispatched := 0
	for {
		if limit > 0 && dispatched >= limit {
			break
		}

		batchSize := 1
		if m.cfg.BatchSync {
			batchSize = m.cfg.MaxBatchSize
			if batchSize <= 0 {
				batchSize = 1
			}
			if limit > 0 && limit-dispatched < batchSize {
				batchSize = limit - dispatched
			}
		}

		items, err := m.store.ReadEligible(ctx, batchSize, time.Now())
		if err != nil {
			return dispatched, err
		}
		if len(items) == 0 {
			break
		}
		recordFetched(len(items))

		sent, cont := m.dispatchBatch(ctx, items)
		dispatched += sent
		if !cont {
			break
		}
	}

	if stats, err := m.store.Stats(ctx); err == nil {
		RecordQueueStats(stats)
	}
	return dispatched, nil
}

// admitted checks network admission: a connection is required, and metered
// links are refused when the restriction is configured.
func (m *Manager) admitted() bool {
	connected, metered := m.network.State()
	if !connected {
		slog.Debug("sync skipped: offline")
		return false
	}
	if metered && m.cfg.RestrictOnMetered {
		slog.Debug("sync skipped: metered network restricted")
		return false
	}
	return true
}

func (m *Manager) beginSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return false
	}
	m.state = StateSyncing
	return true
}

func (m *Manager) endSync() {
	m.mu.Lock()
	if m.state == StateSyncing {
		m.state = StateIdle
	}
	m.mu.Unlock()
}

// dispatchBatch sends one batch and settles its outcome. It returns the
// number of items delivered and whether the sync loop should continue.
// The loop stops after a failed or skipped attempt: when the endpoint is
// unhealthy one probe per trigger is enough, and the retry timer will
// re-trigger once backoff elapses.
func (m *Manager) dispatchBatch(ctx context.Context, items []domain.QueueItem) (int, bool) {
	extras := m.cfg.Extras

	if !m.runValidator(ctx, items, extras) {
		slog.Debug("sync attempt rejected by validator", "items", len(items))
		return 0, false
	}

	body, skip := m.buildBody(ctx, items, extras)
	if skip {
		slog.Debug("sync attempt skipped by body builder", "items", len(items))
		return 0, false
	}

	m.hookMu.RLock()
	dynamic := m.dynamicHeaders
	m.hookMu.RUnlock()

	start := time.Now()
	event, err := m.dispatcher.Send(ctx, body, items[0].IdempotencyKey, dynamic)
	duration := time.Since(start)

	outcome := OutcomeRetry
	if err != nil {
		event = HTTPEvent{Status: 0, OK: false, ResponseText: err.Error()}
		slog.Warn("dispatch failed", "items", len(items), "error", err)
	} else {
		outcome = ClassifyStatus(event.Status)
	}

	m.emitter.HTTPResponse(event)
	recordDispatch(outcome, duration)

	switch outcome {
	case OutcomeSuccess:
		ids := make([]string, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}
		if err := m.store.Remove(ctx, ids); err != nil {
			slog.Error("failed to remove delivered items", "error", err)
			return 0, false
		}
		slog.Debug("batch delivered",
			"items", len(items),
			"status", event.Status,
			"duration", duration,
		)
		return len(items), true

	case OutcomeAuthPause:
		m.mu.Lock()
		m.state = StatePaused
		m.mu.Unlock()
		slog.Warn("authentication failed, pausing sync engine", "status", event.Status)
		return 0, false

	default:
		m.settleFailure(ctx, items)
		return 0, false
	}
}

// settleFailure applies retry bookkeeping to every item of a failed batch.
// All batched items share the attempt: each gets the same increment, and
// items over budget move to the dead-letter log.
func (m *Manager) settleFailure(ctx context.Context, items []domain.QueueItem) {
	var minDelay time.Duration

	for _, item := range items {
		attempts := item.RetryCount + 1
		if attempts > m.cfg.Retry.MaxRetry {
			if err := m.store.MoveToDeadLetter(ctx, item.ID, domain.DeadLetterReasonMaxRetries, attempts); err != nil {
				slog.Error("failed to dead-letter item", "item_id", item.ID, "error", err)
				continue
			}
			recordDeadLetter()
			m.emitter.Sync(SyncEvent{
				Type: SyncEventDeadLetter,
				Data: map[string]any{
					"reason":    domain.DeadLetterReasonMaxRetries,
					"attempts":  attempts,
					"payload":   map[string]any(item.Payload),
					"timestamp": time.Now().UTC(),
				},
			})
			slog.Warn("item moved to dead-letter log",
				"item_id", item.ID,
				"attempts", attempts,
			)
			continue
		}

		delay := CalculateDelay(attempts, m.cfg.Retry.Delay, m.cfg.Retry.Multiplier, m.cfg.Retry.MaxDelay)
		if err := m.store.UpdateRetry(ctx, item.ID, attempts, time.Now().Add(delay)); err != nil {
			slog.Error("failed to schedule retry", "item_id", item.ID, "error", err)
			continue
		}
		if minDelay == 0 || delay < minDelay {
			minDelay = delay
		}
		slog.Info("item scheduled for retry",
			"item_id", item.ID,
			"attempt", attempts,
			"delay", delay,
		)
	}

	if minDelay > 0 {
		m.scheduleFlush(minDelay)
	}
}

// scheduleFlush arms the retry timer, keeping the earliest pending due time.
func (m *Manager) scheduleFlush(delay time.Duration) {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()

	select {
	case <-m.stopCh:
		return
	default:
	}

	due := time.Now().Add(delay)
	if m.retryTimer != nil && !m.retryAt.IsZero() && m.retryAt.Before(due) {
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryAt = due
	m.retryTimer = time.AfterFunc(delay, func() {
		m.retryMu.Lock()
		m.retryAt = time.Time{}
		m.retryMu.Unlock()
		m.Flush(context.Background())
	})
}

// runValidator invokes the pre-sync validator with a bounded timeout. Any
// error or timeout fails open. At most one validation may be outstanding;
// a concurrent trigger proceeds without validating.
func (m *Manager) runValidator(ctx context.Context, items []domain.QueueItem, extras map[string]any) bool {
	m.hookMu.RLock()
	v := m.validator
	m.hookMu.RUnlock()
	if v == nil {
		return true
	}

	if !m.validatorBusy.CompareAndSwap(false, true) {
		return true
	}

	hctx, cancel := context.WithTimeout(ctx, m.hookTimeout())
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer m.validatorBusy.Store(false)
		ok, err := v.Validate(hctx, items, extras)
		ch <- result{ok: ok, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			slog.Warn("pre-sync validator failed, proceeding", "error", r.err)
			return true
		}
		return r.ok
	case <-hctx.Done():
		slog.Warn("pre-sync validator timed out, proceeding", "timeout", m.hookTimeout())
		return true
	}
}

// buildBody returns the request body and whether the send should be
// skipped. A registered builder replaces the default envelope when it
// returns a non-empty map; an empty map skips the send; nil, an error or a
// timeout falls back to the default envelope.
func (m *Manager) buildBody(ctx context.Context, items []domain.QueueItem, extras map[string]any) (map[string]any, bool) {
	defaultBody := func() map[string]any {
		return buildDefaultBody(items, extras, m.cfg.Params, m.cfg.RootProperty, m.cfg.BatchSync)
	}

	m.hookMu.RLock()
	b := m.bodyBuilder
	m.hookMu.RUnlock()
	if b == nil {
		return defaultBody(), false
	}

	hctx, cancel := context.WithTimeout(ctx, m.hookTimeout())
	defer cancel()

	type result struct {
		body map[string]any
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		body, err := b.Build(hctx, items, extras)
		ch <- result{body: body, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			slog.Warn("body builder failed, using default envelope", "error", r.err)
			return defaultBody(), false
		}
		if r.body == nil {
			return defaultBody(), false
		}
		if len(r.body) == 0 {
			return nil, true
		}
		return r.body, false
	case <-hctx.Done():
		slog.Warn("body builder timed out, using default envelope", "timeout", m.hookTimeout())
		return defaultBody(), false
	}
}

func (m *Manager) hookTimeout() time.Duration {
	if m.cfg.HookTimeout > 0 {
		return m.cfg.HookTimeout
	}
	return 10 * time.Second
}
