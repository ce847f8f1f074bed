package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/davsync/internal/events"
)

func TestFromContextFallback(t *testing.T) {
	fallback := events.NewNopLogger()
	assert.Same(t, fallback, events.FromContext(context.Background(), fallback))
}

func TestWithLogger(t *testing.T) {
	logger := events.NewNopLogger()

	ctx := events.WithLogger(context.Background(), logger)

	assert.Same(t, logger, events.FromContext(ctx, events.NewNopLogger()))
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithRequestID(ctx, "req-123")

	assert.Equal(t, "req-123", events.GetRequestID(ctx))

	events.FromContext(ctx, nil).Info("tagged")
	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
}

func TestWithAccount(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithAccount(ctx, "alice@cloud.example.com")

	assert.Equal(t, "alice@cloud.example.com", events.GetAccount(ctx))
	events.FromContext(ctx, nil).Info("tagged")
	assert.Contains(t, buf.String(), `"account":"alice@cloud.example.com"`)
}

func TestTagsWithoutLogger(t *testing.T) {
	fallback := events.NewNopLogger()
	ctx := events.WithAccount(context.Background(), "bob@example.org")
	ctx = events.WithRequestID(ctx, "run-1")

	assert.Equal(t, "bob@example.org", events.GetAccount(ctx))
	assert.Equal(t, "run-1", events.GetRequestID(ctx))
	assert.Same(t, fallback, events.FromContext(ctx, fallback), "tagging must not install a logger")
}

func TestContextValuesEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetRequestID(ctx))
	assert.Empty(t, events.GetAccount(ctx))
}
