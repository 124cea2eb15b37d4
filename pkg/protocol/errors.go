package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable machine code carried on the wire and in REST bodies.
type ErrorCode string

const (
	CodeAuthRequired      ErrorCode = "AUTH_REQUIRED"
	CodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeDocumentExists    ErrorCode = "DOCUMENT_EXISTS"
	CodeOutOfOrder        ErrorCode = "OUT_OF_ORDER"
	CodeSyncRequired      ErrorCode = "SYNC_REQUIRED"
	CodeInvalidOperation  ErrorCode = "INVALID_OPERATION"
	CodeInconsistentState ErrorCode = "INCONSISTENT_STATE"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeReadOnly          ErrorCode = "READ_ONLY"
	CodeSlowConsumer      ErrorCode = "SLOW_CONSUMER"
	CodeUnavailable       ErrorCode = "UNAVAILABLE"
	CodeInternal          ErrorCode = "INTERNAL"
)

// Error pairs an ErrorCode with a message and optional wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds a coded error.
func E(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code to an underlying error.
func Wrap(code ErrorCode, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), cause: err}
}

// CodeOf extracts the ErrorCode from err, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its REST status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeAuthRequired, CodeInvalidToken:
		return http.StatusUnauthorized
	case CodePermissionDenied, CodeReadOnly:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeDocumentExists, CodeOutOfOrder, CodeSyncRequired, CodeInconsistentState:
		return http.StatusConflict
	case CodeInvalidOperation:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
