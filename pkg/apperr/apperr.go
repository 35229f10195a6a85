// Package apperr defines the error shape that crosses the HTTP boundary.
// Every user-visible failure carries a stable code and a human message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes
const (
	CodeUnsupportedFileType = "unsupported_file_type"
	CodeFileTooLarge        = "file_too_large"
	CodeInvalidUpload       = "invalid_upload"
	CodeExtractionFailed    = "extraction_failed"
	CodeRulepackInvalid     = "rulepack_invalid"
	CodeTokenCapExceeded    = "token_cap_exceeded"
	CodeDetectorError       = "detector_error"
	CodeNotFound            = "not_found"
	CodeInvalidRequest      = "invalid_request"
	CodeUnauthorized        = "unauthorized"
	CodeRateLimited         = "rate_limited"
	CodeConflict            = "conflict"
	CodeInternal            = "internal"
)

var statusByCode = map[string]int{
	CodeUnsupportedFileType: http.StatusUnsupportedMediaType,
	CodeFileTooLarge:        http.StatusRequestEntityTooLarge,
	CodeInvalidUpload:       http.StatusUnprocessableEntity,
	CodeExtractionFailed:    http.StatusOK,
	CodeRulepackInvalid:     http.StatusInternalServerError,
	CodeTokenCapExceeded:    http.StatusOK,
	CodeDetectorError:       http.StatusOK,
	CodeNotFound:            http.StatusNotFound,
	CodeInvalidRequest:      http.StatusBadRequest,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeConflict:            http.StatusConflict,
	CodeInternal:            http.StatusInternalServerError,
}

// Error is a coded application error
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error with the HTTP status registered for code
func New(code, message string) *Error {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Message: message, Status: status}
}

// Wrap creates a coded error that keeps cause for logging. The cause is never rendered.
func Wrap(code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// NotFound is shorthand for a not_found error about kind
func NotFound(kind string) *Error {
	return New(CodeNotFound, kind+" not found")
}

// From converts any error into a coded error. Unknown errors become internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "internal error", err)
}

// StatusFor returns the HTTP status registered for code
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
