package extract

import (
	"errors"
	"fmt"

	"github.com/AnTengye/contractguard/model"
)

// Extraction failure codes
const (
	CodeUnsupportedType = "unsupported_type"
	CodeOpenFailed      = "open_failed"
	CodePDFOpenFailed   = "pdf_open_failed"
	CodeDOCXParseFailed = "docx_parse_failed"
	CodeOCRUnavailable  = "ocr_not_available"
	CodeOCRFailed       = "ocr_failed"
	CodeTimeout         = "timeout"
	CodeCancelled       = "cancelled"
)

// ErrOCRUnavailable is returned by OCR backends whose tooling is missing
var ErrOCRUnavailable = errors.New("ocr backend not available")

// Error is a typed extraction failure. It is persisted in the artifact so
// later stages can short-circuit with the same reason.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Artifact converts the error to its persisted form
func (e *Error) Artifact() *model.ExtractionError {
	return &model.ExtractionError{Code: e.Code, Message: e.Message}
}

func newError(code string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// AsError extracts an *Error from err
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
