package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/wudi/checkoutguard/internal/circuitbreaker"
	"github.com/wudi/checkoutguard/internal/workqueue"
)

// ClientError represents an error that can be returned to clients
type ClientError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *ClientError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors without details or request ID use pre-serialized JSON.
func (e *ClientError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.Code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &ClientError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &ClientError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrBadRequest = &ClientError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	// ErrServiceUnavailable is what a caller sees while a circuit is open.
	ErrServiceUnavailable = &ClientError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service temporarily unavailable, try again shortly",
	}

	ErrGatewayTimeout = &ClientError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrInternal = &ClientError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*ClientError][]byte

func init() {
	bases := []*ClientError{
		ErrNotFound, ErrMethodNotAllowed, ErrBadRequest,
		ErrServiceUnavailable, ErrGatewayTimeout, ErrInternal,
	}
	preSerialized = make(map[*ClientError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new ClientError
func New(code int, message string) *ClientError {
	return &ClientError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, message string) *ClientError {
	return &ClientError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *ClientError) WithDetails(details string) *ClientError {
	return &ClientError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *ClientError) WithRequestID(requestID string) *ClientError {
	return &ClientError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// FromError maps an error returned by the traffic-control path to the
// response a client should see. An open circuit and a closed queue are both
// transient and map to ErrServiceUnavailable; unknown errors map to
// ErrInternal with the cause kept for logging.
func FromError(err error) *ClientError {
	var ce *ClientError
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &ce):
		return ce
	case stderrors.Is(err, circuitbreaker.ErrCircuitOpen),
		stderrors.Is(err, workqueue.ErrQueueClosed):
		return ErrServiceUnavailable
	case stderrors.Is(err, context.DeadlineExceeded):
		return ErrGatewayTimeout
	default:
		return Wrap(err, ErrInternal.Code, ErrInternal.Message)
	}
}

// IsTransient reports whether err signals temporary unavailability rather
// than a failure of the operation itself.
func IsTransient(err error) bool {
	return stderrors.Is(err, circuitbreaker.ErrCircuitOpen) || stderrors.Is(err, workqueue.ErrQueueClosed)
}
