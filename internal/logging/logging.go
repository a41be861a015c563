// Package logging wires rs/zerolog into the HTTP request lifecycle: a
// middleware stamps every request with a fresh request ID and a
// child logger carrying it, both retrievable from the request context.
package logging

import (
	"context"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKeyLogger struct{}
type ctxKeyRequestID struct{}

// New builds the base logger from a config log level string ("" falls
// back to "info"), writing pretty console output.
func New(level string) zerolog.Logger {
	if level == "" {
		level = "info"
	}

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(parsed).
		With().
		Timestamp().
		Logger()
}

// Middleware attaches a request-scoped child logger (carrying a fresh
// request_id field) to every request's context.
func Middleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.NewString()
			child := logger.With().Str("request_id", requestID).Logger()

			ctx := context.WithValue(r.Context(), ctxKeyLogger{}, child)
			ctx = context.WithValue(ctx, ctxKeyRequestID{}, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the request-scoped logger, or a no-op logger if
// none was attached (e.g. outside of Middleware).
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKeyLogger{}).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}

// RequestIDFromContext returns the request ID attached by Middleware,
// or "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}
