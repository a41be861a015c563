// Package apperror is the HTTP error-response boundary: handlers
// return errors, and a single adapter decides what status, body, and
// log entry each one produces.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/hideki0403/ofuton-go/internal/logging"
)

// HTTPError carries a status code and a message safe to expose to the
// client. Handlers return one of these for expected failure modes
// (bad request shape, signature rejection, not found); any other
// error is treated as an opaque internal failure.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// BadRequest returns a 400 HTTPError.
func BadRequest(format string, args ...any) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Forbidden returns a 403 HTTPError.
func Forbidden(message string) *HTTPError {
	return &HTTPError{Status: http.StatusForbidden, Message: message}
}

// NotFound returns a 404 HTTPError.
func NotFound(message string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Message: message}
}

// HandlerFunc is an HTTP handler that may fail; WrapHandler adapts it
// to the standard http.HandlerFunc shape.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// WrapHandler adapts a HandlerFunc into an http.HandlerFunc. A
// returned *HTTPError is written verbatim; any other error is an
// opaque internal failure, logged against the request's context
// logger (see internal/logging) and returned as a 500 that exposes
// only a request ID — the same one in the log line, so operators can
// correlate the two.
func WrapHandler(handler HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := handler(w, r)
		if err == nil {
			return
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			http.Error(w, httpErr.Message, httpErr.Status)
			return
		}

		requestID := logging.RequestIDFromContext(r.Context())
		if requestID == "" {
			requestID = uuid.NewString()
		}

		logging.FromContext(r.Context()).Error().Err(err).Msg("internal failure")
		http.Error(w, fmt.Sprintf("Internal Server Error (RequestID: %s)", requestID), http.StatusInternalServerError)
	}
}
