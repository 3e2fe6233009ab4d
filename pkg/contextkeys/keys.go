// Package contextkeys provides centralized context key definitions.
//
// IMPORTANT: All context keys used across the application must be defined
// here. This prevents typos, documents dependencies, and makes key usage
// discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/piwheels/master/pkg/contextkeys"
//	ctx = context.WithValue(ctx, contextkeys.RequestIDKey, id)
//	id := contextkeys.GetRequestID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions.
type Key string

const (
	// RequestIDKey contains the request ID string (UUID).
	// Set by: AdminEndpoint's request-logging middleware.
	// Used by: Logger, request tracing.
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger.
	// Set by: AdminEndpoint's middleware chain.
	// Used by: Handlers that need structured logging with request context.
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// RequestStartTimeKey contains the request start timestamp.
	// Set by: AdminEndpoint's request-logging middleware.
	// Used by: Duration calculation for access logging.
	// Type: time.Time
	RequestStartTimeKey Key = "request_start_time"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithRequestStartTime adds the request start time to the context.
func WithRequestStartTime(ctx context.Context, startTime interface{}) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
