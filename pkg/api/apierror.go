// Package api defines the wire-level error envelope and status mapping for
// the agent service. All error responses are {"error", "code", "requestId"}.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Error codes recognized on the wire.
const (
	CodeBadRequest       = "bad_request"
	CodeUnauthorized     = "unauthorized"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeMethodNotAllowed = "method_not_allowed"
	CodePayloadTooLarge  = "payload_too_large"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal_error"
	CodeMissingBinding   = "missing_binding"
	CodeUpstream         = "upstream_error"
	CodeUpstreamTimeout  = "upstream_timeout"
)

// Error is a logical error that maps to one HTTP response.
type Error struct {
	Status     int
	Code       string
	Message    string
	RetryAfter int // seconds; only meaningful for rate_limited
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func BadRequest(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg}
}

func Unauthorized(msg string) *Error {
	if msg == "" {
		msg = "authentication required"
	}
	return &Error{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: msg}
}

func Forbidden(msg string) *Error {
	if msg == "" {
		msg = "insufficient permissions"
	}
	return &Error{Status: http.StatusForbidden, Code: CodeForbidden, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

func MethodNotAllowed() *Error {
	return &Error{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: "method not allowed"}
}

func PayloadTooLarge(msg string) *Error {
	return &Error{Status: http.StatusRequestEntityTooLarge, Code: CodePayloadTooLarge, Message: msg}
}

func RateLimited(retryAfter int) *Error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Error{
		Status:     http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

func Internal(msg string) *Error {
	if msg == "" {
		msg = "an unexpected error occurred"
	}
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg}
}

func MissingBinding(msg string) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeMissingBinding, Message: msg}
}

func Upstream(msg string) *Error {
	if msg == "" {
		msg = "upstream service error"
	}
	return &Error{Status: http.StatusBadGateway, Code: CodeUpstream, Message: msg}
}

func UpstreamTimeout(msg string) *Error {
	if msg == "" {
		msg = "upstream service timed out"
	}
	return &Error{Status: http.StatusGatewayTimeout, Code: CodeUpstreamTimeout, Message: msg}
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId"`
}

// WriteError writes the error envelope. The request id is read from the
// response header, which the request-id middleware sets before any handler
// runs, so every error body carries the correlating id.
func WriteError(w http.ResponseWriter, apiErr *Error) {
	if apiErr == nil {
		apiErr = Internal("")
	}
	if apiErr.Code == CodeRateLimited {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", apiErr.RetryAfter))
	}
	body := errorBody{
		Error:     apiErr.Message,
		Code:      apiErr.Code,
		RequestID: w.Header().Get("X-Request-Id"),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteInternal logs err and writes a 500 without exposing the cause.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, Internal(""))
}

// WriteJSON writes a success payload.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
