package sync

import (
	"math"
	"time"
)

// RetryConfig controls the backoff schedule. It is immutable for the
// lifetime of a manager.
type RetryConfig struct {
	MaxRetry   int
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// CalculateDelay returns the backoff delay before the given attempt.
// Attempt 1 waits the base delay; later attempts grow by the multiplier,
// capped at maxDelay and never below the base delay.
func CalculateDelay(attempt int, baseDelay time.Duration, multiplier float64, maxDelay time.Duration) time.Duration {
	if attempt <= 1 {
		return baseDelay
	}

	delay := time.Duration(float64(baseDelay) * math.Pow(multiplier, float64(attempt-1)))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if delay < baseDelay {
		delay = baseDelay
	}
	return delay
}

// Outcome classifies the result of a dispatch attempt.
type Outcome int

// Dispatch outcomes.
const (
	// OutcomeSuccess removes the dispatched items from the queue.
	OutcomeSuccess Outcome = iota
	// OutcomeAuthPause halts the engine until Resume is called. It does not
	// consume retry budget.
	OutcomeAuthPause
	// OutcomeRetry schedules the items for another attempt, or dead-letters
	// them once the budget is exhausted.
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuthPause:
		return "auth_pause"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// ClassifyStatus maps an HTTP status to a dispatch outcome: 2xx succeeds,
// 401 pauses the engine, everything else retries. Non-401 client errors
// retry until exhaustion rather than being discarded: a transient
// misclassification then costs latency, not data.
func ClassifyStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == 401:
		return OutcomeAuthPause
	default:
		return OutcomeRetry
	}
}
