package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akorchak/geosync/internal/domain"
	"github.com/akorchak/geosync/internal/store/memory"
)

type fakeNetwork struct {
	connected bool
	metered   bool
}

func (f fakeNetwork) State() (bool, bool) { return f.connected, f.metered }

type captureEmitter struct {
	mu         sync.Mutex
	httpEvents []HTTPEvent
	syncEvents []SyncEvent
}

func (c *captureEmitter) HTTPResponse(ev HTTPEvent) {
	c.mu.Lock()
	c.httpEvents = append(c.httpEvents, ev)
	c.mu.Unlock()
}

func (c *captureEmitter) Sync(ev SyncEvent) {
	c.mu.Lock()
	c.syncEvents = append(c.syncEvents, ev)
	c.mu.Unlock()
}

func (c *captureEmitter) syncEventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.syncEvents))
	for i, ev := range c.syncEvents {
		out[i] = ev.Type
	}
	return out
}

// testServer captures requests and answers a scripted status sequence,
// falling back to the last status once the script runs out.
type testServer struct {
	*httptest.Server

	mu       sync.Mutex
	statuses []int
	requests []capturedRequest
}

type capturedRequest struct {
	body           map[string]any
	idempotencyKey string
	headers        http.Header
}

func newTestServer(t *testing.T, statuses ...int) *testServer {
	t.Helper()

	ts := &testServer{statuses: statuses}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))

		ts.mu.Lock()
		ts.requests = append(ts.requests, capturedRequest{
			body:           body,
			idempotencyKey: r.Header.Get("X-Idempotency-Key"),
			headers:        r.Header.Clone(),
		})
		status := http.StatusOK
		if len(ts.statuses) > 0 {
			status = ts.statuses[0]
			if len(ts.statuses) > 1 {
				ts.statuses = ts.statuses[1:]
			}
		}
		ts.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) captured() []capturedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]capturedRequest, len(ts.requests))
	copy(out, ts.requests)
	return out
}

func testConfig(endpoint string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.IdempotencyHeader = "X-Idempotency-Key"
	cfg.HTTPTimeout = 5 * time.Second
	cfg.HookTimeout = time.Second
	cfg.Retry.Delay = 50 * time.Millisecond
	cfg.Retry.MaxDelay = time.Second
	return cfg
}

func newTestManager(t *testing.T, cfg Config, emitter Emitter) (*Manager, *memory.Store) {
	t.Helper()
	st := memory.New(10)
	m := NewManager(cfg, st, nil, emitter)
	t.Cleanup(m.Destroy)
	return m, st
}

func enqueueN(t *testing.T, m *Manager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := m.Enqueue(context.Background(), domain.Payload{"seq": i})
		require.NoError(t, err)
	}
}

func TestManager_SyncBatchedDeliversAll(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	m, _ := newTestManager(t, cfg, nil)

	enqueueN(t, m, 3)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, dispatched)

	items, err := m.GetQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	reqs := server.captured()
	require.Len(t, reqs, 1)
	docs, ok := reqs[0].body["locations"].([]any)
	require.True(t, ok)
	assert.Len(t, docs, 3)
}

func TestManager_SyncUnbatchedRespectsLimit(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	cfg.BatchSync = false
	m, _ := newTestManager(t, cfg, nil)

	enqueueN(t, m, 3)

	dispatched, err := m.SyncQueue(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)

	items, err := m.GetQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	reqs := server.captured()
	require.Len(t, reqs, 2)
	assert.NotEmpty(t, reqs[0].idempotencyKey)
	assert.NotEqual(t, reqs[0].idempotencyKey, reqs[1].idempotencyKey)
}

func TestManager_FailureSchedulesBackoff(t *testing.T) {
	server := newTestServer(t, http.StatusInternalServerError)
	cfg := testConfig(server.URL)
	cfg.Retry.Delay = time.Hour // keep the retry out of reach within the test
	m, _ := newTestManager(t, cfg, nil)

	enqueueN(t, m, 1)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, dispatched)

	items, err := m.GetQueue(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.True(t, items[0].NextRetryAt.After(time.Now()), "failed item must carry a future retry time")

	// The item is not eligible again until backoff elapses.
	dispatched, err = m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
	assert.Len(t, server.captured(), 1)
}

func TestManager_IdempotencyKeyStableAcrossRetries(t *testing.T) {
	server := newTestServer(t, http.StatusInternalServerError, http.StatusOK)
	cfg := testConfig(server.URL)
	cfg.Retry.Delay = time.Nanosecond
	m, _ := newTestManager(t, cfg, nil)

	enqueueN(t, m, 1)

	_, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		items, err := m.GetQueue(context.Background(), 0)
		return err == nil && len(items) == 0
	}, 2*time.Second, 10*time.Millisecond, "retry timer should redeliver the item")

	reqs := server.captured()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].idempotencyKey, reqs[1].idempotencyKey)
}

func TestManager_ExhaustedRetriesDeadLetter(t *testing.T) {
	server := newTestServer(t, http.StatusInternalServerError)
	cfg := testConfig(server.URL)
	cfg.Retry.MaxRetry = 0 // first failure exhausts the budget
	emitter := &captureEmitter{}
	m, _ := newTestManager(t, cfg, emitter)

	enqueueN(t, m, 1)

	_, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)

	items, err := m.GetQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, items, "exhausted item leaves the active queue")

	entries, err := m.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.DeadLetterReasonMaxRetries, entries[0].Reason)
	assert.Equal(t, 1, entries[0].Attempts)

	assert.Contains(t, emitter.syncEventTypes(), SyncEventDeadLetter)
}

func TestManager_AuthFailurePausesEngine(t *testing.T) {
	server := newTestServer(t, http.StatusUnauthorized, http.StatusOK)
	cfg := testConfig(server.URL)
	m, _ := newTestManager(t, cfg, nil)

	enqueueN(t, m, 1)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
	assert.Equal(t, StatePaused, m.State())

	// The auth failure consumed no retry budget and scheduled no backoff.
	items, err := m.GetQueue(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].RetryCount)
	assert.True(t, items[0].NextRetryAt.IsZero())

	// Triggers while paused are no-ops.
	dispatched, err = m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
	assert.Len(t, server.captured(), 1)

	// Resume retries immediately.
	m.Resume()
	require.Eventually(t, func() bool {
		items, err := m.GetQueue(context.Background(), 0)
		return err == nil && len(items) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateIdle, m.State())
}

func TestManager_PauseBlocksDispatchButNotEnqueue(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	m, _ := newTestManager(t, cfg, nil)

	m.Pause()
	enqueueN(t, m, 2)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
	assert.Empty(t, server.captured())

	items, err := m.GetQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestManager_OfflineSkipsDispatch(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	st := memory.New(10)
	m := NewManager(cfg, st, fakeNetwork{connected: false}, nil)
	t.Cleanup(m.Destroy)

	enqueueN(t, m, 1)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
	assert.Empty(t, server.captured())
}

func TestManager_MeteredRestriction(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	cfg.RestrictOnMetered = true
	st := memory.New(10)
	m := NewManager(cfg, st, fakeNetwork{connected: true, metered: true}, nil)
	t.Cleanup(m.Destroy)

	enqueueN(t, m, 1)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
	assert.Empty(t, server.captured())

	// Without the restriction a metered link is admitted.
	m2 := NewManager(testConfig(server.URL), st, fakeNetwork{connected: true, metered: true}, nil)
	t.Cleanup(m2.Destroy)

	dispatched, err = m2.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
}

func TestManager_ValidatorRejectsWithoutBudget(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	m, _ := newTestManager(t, cfg, nil)

	m.SetPreSyncValidator(PreSyncValidatorFunc(func(context.Context, []domain.QueueItem, map[string]any) (bool, error) {
		return false, nil
	}))

	enqueueN(t, m, 1)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
	assert.Empty(t, server.captured())

	items, err := m.GetQueue(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].RetryCount, "a rejected attempt must not consume retry budget")
}

func TestManager_ValidatorFailsOpen(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	m, _ := newTestManager(t, cfg, nil)

	m.SetPreSyncValidator(PreSyncValidatorFunc(func(context.Context, []domain.QueueItem, map[string]any) (bool, error) {
		return false, errors.New("validator crashed")
	}))

	enqueueN(t, m, 1)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
}

func TestManager_ValidatorTimeoutFailsOpen(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	cfg.HookTimeout = 20 * time.Millisecond
	m, _ := newTestManager(t, cfg, nil)

	m.SetPreSyncValidator(PreSyncValidatorFunc(func(ctx context.Context, _ []domain.QueueItem, _ map[string]any) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}))

	enqueueN(t, m, 1)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
}

func TestManager_BodyBuilderReplacesEnvelope(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	m, _ := newTestManager(t, cfg, nil)

	m.SetBodyBuilder(BodyBuilderFunc(func(_ context.Context, items []domain.QueueItem, _ map[string]any) (map[string]any, error) {
		return map[string]any{"custom": true, "count": len(items)}, nil
	}))

	enqueueN(t, m, 2)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)

	reqs := server.captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, true, reqs[0].body["custom"])
	assert.Equal(t, float64(2), reqs[0].body["count"])
	assert.NotContains(t, reqs[0].body, "locations")
}

func TestManager_BodyBuilderNilFallsBack(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	m, _ := newTestManager(t, cfg, nil)

	m.SetBodyBuilder(BodyBuilderFunc(func(context.Context, []domain.QueueItem, map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	enqueueN(t, m, 1)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	reqs := server.captured()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].body, "locations")
}

func TestManager_BodyBuilderEmptySkipsSend(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	m, _ := newTestManager(t, cfg, nil)

	m.SetBodyBuilder(BodyBuilderFunc(func(context.Context, []domain.QueueItem, map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}))

	enqueueN(t, m, 1)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
	assert.Empty(t, server.captured())

	items, err := m.GetQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, items, 1, "skipped items stay queued")
}

func TestManager_DynamicHeaders(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	cfg.Headers = map[string]string{"X-Static": "base", "Authorization": "Bearer stale"}
	m, _ := newTestManager(t, cfg, nil)

	m.SetDynamicHeaders(map[string]string{"Authorization": "Bearer fresh"})

	enqueueN(t, m, 1)

	_, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)

	reqs := server.captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, "base", reqs[0].headers.Get("X-Static"))
	assert.Equal(t, "Bearer fresh", reqs[0].headers.Get("Authorization"))
}

func TestManager_AutoSyncThreshold(t *testing.T) {
	server := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	cfg.AutoSyncThreshold = 3
	m, _ := newTestManager(t, cfg, nil)

	enqueueN(t, m, 2)
	assert.Empty(t, server.captured(), "below threshold nothing is dispatched")

	enqueueN(t, m, 1)

	require.Eventually(t, func() bool {
		items, err := m.GetQueue(context.Background(), 0)
		return err == nil && len(items) == 0
	}, 2*time.Second, 10*time.Millisecond, "threshold crossing should trigger a flush")
}

func TestManager_EnqueueWithOptions(t *testing.T) {
	cfg := testConfig("http://localhost:0")
	m, _ := newTestManager(t, cfg, nil)

	id, err := m.Enqueue(context.Background(), domain.Payload{"v": 1},
		WithType("telemetry"), WithIdempotencyKey("fixed-key"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	items, err := m.GetQueue(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "telemetry", items[0].Type)
	assert.Equal(t, "fixed-key", items[0].IdempotencyKey)
}

func TestManager_TransportErrorRetries(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1") // nothing listens here
	cfg.HTTPTimeout = 200 * time.Millisecond
	cfg.Retry.Delay = time.Hour
	emitter := &captureEmitter{}
	m, _ := newTestManager(t, cfg, emitter)

	enqueueN(t, m, 1)

	dispatched, err := m.SyncQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, dispatched)

	items, err := m.GetQueue(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	require.Len(t, emitter.httpEvents, 1)
	assert.Zero(t, emitter.httpEvents[0].Status)
	assert.False(t, emitter.httpEvents[0].OK)
}
