package sync

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, cfg Config) (*httptest.Server, *Manager) {
	t.Helper()
	m, _ := newTestManager(t, cfg, nil)

	r := chi.NewRouter()
	NewHandler(m).RegisterRoutes(r)

	api := httptest.NewServer(r)
	t.Cleanup(api.Close)
	return api, m
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	doc, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(doc))
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, v))
}

func TestHandler_EnqueueAndList(t *testing.T) {
	upstream := newTestServer(t, http.StatusOK)
	api, _ := newTestAPI(t, testConfig(upstream.URL))

	resp := postJSON(t, api.URL+"/queue", map[string]any{
		"payload": map[string]any{"latitude": 48.2, "longitude": 16.3},
		"type":    "telemetry",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID string `json:"id"`
	}
	decodeData(t, resp, &created)
	assert.NotEmpty(t, created.ID)

	listResp, err := http.Get(api.URL + "/queue")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var items []struct {
		ID             string         `json:"id"`
		Payload        map[string]any `json:"payload"`
		Type           string         `json:"type"`
		IdempotencyKey string         `json:"idempotencyKey"`
	}
	decodeData(t, listResp, &items)
	require.Len(t, items, 1)
	assert.Equal(t, created.ID, items[0].ID)
	assert.Equal(t, "telemetry", items[0].Type)
	assert.Equal(t, 48.2, items[0].Payload["latitude"])
	assert.NotEmpty(t, items[0].IdempotencyKey)
}

func TestHandler_EnqueueValidation(t *testing.T) {
	upstream := newTestServer(t, http.StatusOK)
	api, _ := newTestAPI(t, testConfig(upstream.URL))

	resp := postJSON(t, api.URL+"/queue", map[string]any{"type": "telemetry"})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_EnqueueMalformedBody(t *testing.T) {
	upstream := newTestServer(t, http.StatusOK)
	api, _ := newTestAPI(t, testConfig(upstream.URL))

	resp, err := http.Post(api.URL+"/queue", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_SyncDrainsQueue(t *testing.T) {
	upstream := newTestServer(t, http.StatusOK)
	api, _ := newTestAPI(t, testConfig(upstream.URL))

	for i := 0; i < 3; i++ {
		resp := postJSON(t, api.URL+"/queue", map[string]any{
			"payload": map[string]any{"seq": i},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp := postJSON(t, api.URL+"/queue/sync", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Dispatched int `json:"dispatched"`
	}
	decodeData(t, resp, &result)
	assert.Equal(t, 3, result.Dispatched)
}

func TestHandler_SyncRejectsNegativeLimit(t *testing.T) {
	upstream := newTestServer(t, http.StatusOK)
	api, _ := newTestAPI(t, testConfig(upstream.URL))

	resp := postJSON(t, api.URL+"/queue/sync", map[string]any{"limit": -1})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_ClearQueue(t *testing.T) {
	upstream := newTestServer(t, http.StatusOK)
	api, _ := newTestAPI(t, testConfig(upstream.URL))

	resp := postJSON(t, api.URL+"/queue", map[string]any{"payload": map[string]any{"n": 1}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, api.URL+"/queue", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = delResp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	listResp, err := http.Get(api.URL + "/queue")
	require.NoError(t, err)
	var items []any
	decodeData(t, listResp, &items)
	assert.Empty(t, items)
}

func TestHandler_DeadLetters(t *testing.T) {
	upstream := newTestServer(t, http.StatusInternalServerError)
	cfg := testConfig(upstream.URL)
	cfg.Retry.MaxRetry = 0
	api, _ := newTestAPI(t, cfg)

	resp := postJSON(t, api.URL+"/queue", map[string]any{"payload": map[string]any{"n": 1}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	syncResp := postJSON(t, api.URL+"/queue/sync", map[string]any{})
	require.Equal(t, http.StatusOK, syncResp.StatusCode)
	_ = syncResp.Body.Close()

	dlResp, err := http.Get(api.URL + "/queue/deadletters")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, dlResp.StatusCode)

	var entries []struct {
		Reason   string `json:"reason"`
		Attempts int    `json:"attempts"`
	}
	decodeData(t, dlResp, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "max_retries_exhausted", entries[0].Reason)
	assert.Equal(t, 1, entries[0].Attempts)
}

func TestHandler_InvalidLimitQuery(t *testing.T) {
	upstream := newTestServer(t, http.StatusOK)
	api, _ := newTestAPI(t, testConfig(upstream.URL))

	resp, err := http.Get(api.URL + "/queue?limit=abc")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(api.URL + "/queue?limit=-2")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_PauseResume(t *testing.T) {
	upstream := newTestServer(t, http.StatusOK)
	api, m := newTestAPI(t, testConfig(upstream.URL))

	resp, err := http.Post(api.URL+"/pause", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, StatePaused, m.State())

	resp, err = http.Post(api.URL+"/resume", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, StateIdle, m.State())
}
