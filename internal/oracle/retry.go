package oracle

import (
	"context"
	"math"
	"net/http"
	"time"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// BackoffConfig bounds the exponential wait between transient failures.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoffConfig returns the default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial: defaultInitialBackoff,
		Max:     defaultMaxBackoff,
	}
}

// Backoff calculates the wait before retry number attempt (0-based).
func (b BackoffConfig) Backoff(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	max := b.Max
	if max <= 0 {
		max = defaultMaxBackoff
	}

	// Exponential backoff: initial * 2^attempt
	backoff := float64(initial) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// retryableStatus determines if an HTTP status indicates a transient
// upstream condition.
func retryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests: // 429
		return true
	case http.StatusInternalServerError: // 500
		return true
	case http.StatusBadGateway: // 502
		return true
	case http.StatusServiceUnavailable: // 503
		return true
	case http.StatusGatewayTimeout: // 504
		return true
	default:
		return false
	}
}
