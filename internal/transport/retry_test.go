package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/davsync/internal/events"
)

func newRetryClient(maxRetries int, delay time.Duration) *HTTPClient {
	return &HTTPClient{
		maxRetries: maxRetries,
		retryDelay: delay,
		logger:     events.NewNopLogger(),
	}
}

// flaky fails with the given errors in order, then succeeds.
func flaky(calls *int, failures ...error) func() error {
	return func() error {
		*calls++
		if *calls <= len(failures) {
			return failures[*calls-1]
		}
		return nil
	}
}

func TestRetry(t *testing.T) {
	unavailable := &errRetryableStatus{status: http.StatusServiceUnavailable}
	throttled := &errRetryableStatus{status: http.StatusTooManyRequests}

	tests := []struct {
		name       string
		maxRetries int
		failures   []error
		wantCalls  int
		wantErr    string
	}{
		{"first attempt", 3, nil, 1, ""},
		{"recovers after 503 and 429", 3, []error{unavailable, throttled}, 3, ""},
		{"gives up", 2, []error{unavailable, unavailable, unavailable, unavailable}, 3, "max retries exceeded: server error 503"},
		{"no retries configured", 0, []error{unavailable}, 1, "max retries exceeded"},
		{"cancelled request is final", 3, []error{fmt.Errorf("PROPFIND /: %w", context.Canceled)}, 1, "context canceled"},
		{"deadline is final", 3, []error{context.DeadlineExceeded}, 1, "deadline exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := newRetryClient(tt.maxRetries, time.Millisecond).retry(context.Background(), flaky(&calls, tt.failures...))

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRetryBacksOff(t *testing.T) {
	calls := 0
	start := time.Now()
	unavailable := &errRetryableStatus{status: http.StatusBadGateway}

	err := newRetryClient(3, 20*time.Millisecond).retry(context.Background(), flaky(&calls, unavailable, unavailable))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// 20ms then 40ms
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRetryWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := newRetryClient(5, time.Second).retry(ctx, func() error {
		calls++
		return errors.New("connection refused")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestRetryableStatus(t *testing.T) {
	client := newRetryClient(0, 0)

	retryable := []int{429, 500, 502, 503, 504}
	final := []int{200, 207, 401, 404, 409, 412, 423, 501, 507, 600}

	for _, status := range retryable {
		assert.True(t, client.isRetryable(status), "%d", status)
	}
	for _, status := range final {
		assert.False(t, client.isRetryable(status), "%d", status)
	}
}

func TestIsIdempotent(t *testing.T) {
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, MethodPropfind} {
		assert.True(t, isIdempotent(m), m)
	}
	for _, m := range []string{http.MethodPost, MethodMkcol, MethodMove, "LOCK"} {
		assert.False(t, isIdempotent(m), m)
	}
}
