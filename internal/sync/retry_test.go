package sync

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateDelay(t *testing.T) {
	base := 5 * time.Second
	max := 5 * time.Minute

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"first attempt", 1, 5 * time.Second},
		{"second attempt", 2, 10 * time.Second},
		{"third attempt", 3, 20 * time.Second},
		{"fourth attempt", 4, 40 * time.Second},
		{"capped at max", 7, 5 * time.Minute},
		{"far past cap", 50, 5 * time.Minute},
		{"zero attempt treated as first", 0, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CalculateDelay(tt.attempt, base, 2.0, max))
		})
	}
}

func TestCalculateDelay_NoCap(t *testing.T) {
	got := CalculateDelay(4, time.Second, 2.0, 0)
	assert.Equal(t, 8*time.Second, got)
}

func TestCalculateDelay_NeverBelowBase(t *testing.T) {
	// A sub-one multiplier must not shrink the delay below the base.
	got := CalculateDelay(3, 10*time.Second, 0.5, time.Minute)
	assert.Equal(t, 10*time.Second, got)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected Outcome
	}{
		{http.StatusOK, OutcomeSuccess},
		{http.StatusCreated, OutcomeSuccess},
		{http.StatusNoContent, OutcomeSuccess},
		{http.StatusUnauthorized, OutcomeAuthPause},
		{http.StatusBadRequest, OutcomeRetry},
		{http.StatusForbidden, OutcomeRetry},
		{http.StatusNotFound, OutcomeRetry},
		{http.StatusTooManyRequests, OutcomeRetry},
		{http.StatusInternalServerError, OutcomeRetry},
		{http.StatusBadGateway, OutcomeRetry},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ClassifyStatus(tt.status), "status %d", tt.status)
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "auth_pause", OutcomeAuthPause.String())
	assert.Equal(t, "retry", OutcomeRetry.String())
}
