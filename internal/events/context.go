package events

import (
	"context"
)

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
	accountKey
)

// FromContext returns the logger carried by ctx, or fallback when there is
// none.
func FromContext(ctx context.Context, fallback *Logger) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return fallback
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID tags ctx with a request ID. HTTP requests made under ctx
// send it, and a logger carried by ctx logs it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withField(ctx, requestIDKey, "request_id", id)
}

// WithAccount tags ctx with the account (user@host) it works for.
func WithAccount(ctx context.Context, account string) context.Context {
	return withField(ctx, accountKey, "account", account)
}

func withField(ctx context.Context, key contextKey, field, value string) context.Context {
	ctx = context.WithValue(ctx, key, value)
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		ctx = WithLogger(ctx, l.WithField(field, value))
	}
	return ctx
}

// GetRequestID retrieves request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetAccount retrieves the account from context.
func GetAccount(ctx context.Context) string {
	if a, ok := ctx.Value(accountKey).(string); ok {
		return a
	}
	return ""
}
