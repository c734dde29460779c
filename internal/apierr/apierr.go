// Package apierr implements the error taxonomy shared by the gateway,
// collector, and the JSON-in/JSON-out action dispatcher: a small set of
// error kinds, their HTTP status mapping, and safe client-facing messages.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Kind classifies an error into one of the taxonomy buckets. These are
// buckets of behavior, not Go types: callers switch on Kind to decide HTTP
// status and retry-ability.
type Kind string

const (
	KindProtocol      Kind = "protocol_error"
	KindIntegrity     Kind = "integrity_error"
	KindStateViolation Kind = "state_violation"
	KindExternal      Kind = "external_failure"
	KindConfiguration Kind = "configuration_error"
	KindInternal      Kind = "internal_error"
)

// Error is a taxonomy-tagged error with a safe, client-facing message
// distinct from the wrapped internal cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	// StatusOverride, when non-zero, takes precedence over Kind's default
	// status mapping. Used where the taxonomy bucket (e.g. ProtocolError)
	// spans several distinct HTTP codes, as the gateway wire protocol does
	// for 400/401/403.
	StatusOverride int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status maps a Kind to the HTTP status code it surfaces as.
func (e *Error) Status() int {
	if e.StatusOverride != 0 {
		return e.StatusOverride
	}
	switch e.Kind {
	case KindProtocol:
		return http.StatusBadRequest
	case KindIntegrity:
		return http.StatusUnprocessableEntity
	case KindStateViolation:
		return http.StatusConflict
	case KindExternal:
		return http.StatusBadGateway
	case KindConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Protocol(format string, args ...interface{}) *Error {
	return New(KindProtocol, fmt.Sprintf(format, args...))
}

func Integrity(format string, args ...interface{}) *Error {
	return New(KindIntegrity, fmt.Sprintf(format, args...))
}

func StateViolation(format string, args ...interface{}) *Error {
	return New(KindStateViolation, fmt.Sprintf(format, args...))
}

func External(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindExternal, fmt.Sprintf(format, args...), cause)
}

func Configuration(format string, args ...interface{}) *Error {
	return New(KindConfiguration, fmt.Sprintf(format, args...))
}

// Unauthorized is a ProtocolError that surfaces as HTTP 401: invalid or
// missing HMAC signature.
func Unauthorized(format string, args ...interface{}) *Error {
	err := New(KindProtocol, fmt.Sprintf(format, args...))
	err.StatusOverride = http.StatusUnauthorized
	return err
}

// Forbidden is a ProtocolError that surfaces as HTTP 403: startup_id
// mismatch, symlink access, or path escaping the alias root.
func Forbidden(format string, args ...interface{}) *Error {
	err := New(KindProtocol, fmt.Sprintf(format, args...))
	err.StatusOverride = http.StatusForbidden
	return err
}

// NotFound is a ProtocolError that surfaces as HTTP 404: the resolved
// target does not exist or is not a regular file.
func NotFound(format string, args ...interface{}) *Error {
	err := New(KindProtocol, fmt.Sprintf(format, args...))
	err.StatusOverride = http.StatusNotFound
	return err
}

// AsAPIError unwraps err looking for an *Error, returning ok=false if none
// is found (treated as an internal error by callers).
func AsAPIError(err error) (*Error, bool) {
	var apiErr *Error
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

// gatewayResponse is the {ok: bool} envelope the gateway's endpoints use,
// per the wire protocol.
type gatewayResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WriteGatewayError writes the gateway's {ok:false, error} JSON shape at the
// status implied by err's Kind, masking internal errors behind a generic
// message and logging the cause.
func WriteGatewayError(w http.ResponseWriter, err error) {
	apiErr, ok := AsAPIError(err)
	if !ok {
		apiErr = Wrap(KindInternal, "internal error", err)
	}

	status := apiErr.Status()
	message := apiErr.Message
	if apiErr.Kind == KindInternal {
		slog.Error("gateway internal error", "error", apiErr.Cause)
		message = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gatewayResponse{OK: false, Error: message})
}

// Result is the {success, error} envelope the action dispatcher
// (internal/app) returns for every operation.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ToResult converts err (ideally an *Error) into the dispatcher's stable
// failure shape, never leaking a cause's internal detail for KindInternal.
func ToResult(err error) Result {
	apiErr, ok := AsAPIError(err)
	if !ok {
		slog.Error("unclassified error surfaced to dispatcher", "error", err)
		return Result{Success: false, Error: "internal error"}
	}
	if apiErr.Kind == KindInternal {
		slog.Error("internal error surfaced to dispatcher", "error", apiErr.Cause)
		return Result{Success: false, Error: "internal error"}
	}
	return Result{Success: false, Error: apiErr.Message}
}

// Ok wraps a successful payload in the dispatcher's {success:true} shape.
func Ok(data interface{}) Result {
	return Result{Success: true, Data: data}
}
