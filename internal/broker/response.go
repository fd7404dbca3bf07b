package broker

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the closed taxonomy of failure classes surfaced by the
// gateway. Every failed ApiResponse carries exactly one kind.
type ErrorKind string

const (
	ErrKindNone              ErrorKind = ""
	ErrKindNetwork           ErrorKind = "network"
	ErrKindRateLimited       ErrorKind = "rate_limited"
	ErrKindAuth              ErrorKind = "auth"
	ErrKindPDTViolation      ErrorKind = "pdt_violation"
	ErrKindPDTWouldViolate   ErrorKind = "pdt_would_violate"
	ErrKindQtyHeld           ErrorKind = "qty_held"
	ErrKindStaleData         ErrorKind = "stale_data"
	ErrKindInvalidOrder      ErrorKind = "invalid_order"
	ErrKindCircuitBreaker    ErrorKind = "circuit_breaker"
	ErrKindOracleUnavailable ErrorKind = "oracle_unavailable"
	ErrKindConfigInvalid     ErrorKind = "config_invalid"
	ErrKindOther             ErrorKind = "other"
)

// APIError represents a broker API error with status code, classified
// kind and response body.
type APIError struct {
	Status int
	Kind   ErrorKind
	Body   string
}

func (e *APIError) Error() string {
	if e.Kind != ErrKindNone {
		return fmt.Sprintf("API error %d (%s): %s", e.Status, e.Kind, e.Body)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// ApiResponse is the uniform envelope returned by every gateway
// operation. Success is true only for documented success statuses;
// callers branch on ErrorKind, never on raw broker payloads.
type ApiResponse[T any] struct {
	Success      bool
	StatusCode   int
	Data         T
	ErrorKind    ErrorKind
	ErrorMessage string
	Retryable    bool
}

// Err returns nil for successful responses, otherwise an *APIError
// carrying the status, kind and message.
func (r ApiResponse[T]) Err() error {
	if r.Success {
		return nil
	}
	return &APIError{Status: r.StatusCode, Kind: r.ErrorKind, Body: r.ErrorMessage}
}

// OK builds a successful envelope.
func OK[T any](status int, data T) ApiResponse[T] {
	return ApiResponse[T]{Success: true, StatusCode: status, Data: data}
}

// Fail builds a failed envelope.
func Fail[T any](status int, kind ErrorKind, msg string, retryable bool) ApiResponse[T] {
	return ApiResponse[T]{
		StatusCode:   status,
		ErrorKind:    kind,
		ErrorMessage: msg,
		Retryable:    retryable,
	}
}

// Alpaca embeds its own error code in 403 bodies; 40310100 is the
// pattern-day-trading rejection.
const alpacaPDTCode = "40310100"

// successStatus reports whether an HTTP status counts as success.
// 204 arrives with an empty body (cancellations) and must not be
// treated as an error.
func successStatus(status int) bool {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return true
	default:
		return false
	}
}

// classify maps a non-success HTTP status plus response body onto the
// error taxonomy. Classification is on broker semantics, not transport:
// the body is inspected before the status family.
func classify(status int, body string) (ErrorKind, bool) {
	lower := strings.ToLower(body)

	// Held-quantity rejections surface during liquidation when resting
	// orders still reserve the shares; retrying after cancellation works.
	if strings.Contains(lower, "insufficient qty available") {
		return ErrKindQtyHeld, true
	}

	switch {
	case status == http.StatusForbidden && strings.Contains(body, alpacaPDTCode):
		return ErrKindPDTViolation, false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrKindAuth, false
	case status == http.StatusTooManyRequests:
		return ErrKindRateLimited, true
	case status >= 500:
		return ErrKindNetwork, true
	case status == http.StatusUnprocessableEntity:
		return ErrKindInvalidOrder, false
	default:
		return ErrKindOther, false
	}
}
