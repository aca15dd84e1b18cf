// Package audit writes the trail of authorisation and consent decisions.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"qazna.org/xs2a/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	tppIDKey     ctxKey = "audit_tpp_id"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey, requestID)
}

// WithTppID attaches the calling TPP to the context for audit logging.
func WithTppID(ctx context.Context, tppID string) context.Context {
	return withValue(ctx, tppIDKey, tppID)
}

func withValue(ctx context.Context, key ctxKey, v string) context.Context {
	v = strings.TrimSpace(v)
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, requestIDKey)
}

// TppIDFromContext extracts the TPP id from context if present.
func TppIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, tppIDKey)
}

func valueFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and TPP context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	attrs := []any{
		slog.String("type", "audit"),
		slog.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if tpp := TppIDFromContext(ctx); tpp != "" {
		attrs = append(attrs, slog.String("tpp_id", tpp))
	}
	copyFields := make([]any, 0, len(fields))
	for k, v := range fields {
		copyFields = append(copyFields, slog.Any(k, v))
	}
	attrs = append(attrs, slog.Group("fields", copyFields...))

	obs.Logger().Info("audit", attrs...)
	return nil
}
