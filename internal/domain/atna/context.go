package atna

import "context"

type contextKey string

const correlationIDKey contextKey = "atna_correlation_id"

// WithCorrelationID stamps the transaction correlation id onto the
// context so events raised further down the call chain share it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation id set by
// WithCorrelationID, or "" when none is present.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
