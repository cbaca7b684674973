// Package apperr is the error taxonomy exposed at the API boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable error kind.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeFeedNotFound      Code = "FEED_NOT_FOUND"
	CodeEntryNotFound     Code = "ENTRY_NOT_FOUND"
	CodeCategoryNotFound  Code = "CATEGORY_NOT_FOUND"
	CodeScraping          Code = "SCRAPING_ERROR"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeConflict          Code = "CONFLICT"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// HTTPStatus maps the code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeFeedNotFound, CodeEntryNotFound, CodeCategoryNotFound:
		return http.StatusNotFound
	case CodeScraping:
		return http.StatusBadGateway
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Transient reports whether retrying the same request may succeed.
func (c Code) Transient() bool {
	switch c {
	case CodeRateLimitExceeded, CodeScraping, CodeConflict, CodeInternal:
		return true
	}
	return false
}

// Error is a classified failure. The wrapped cause is never serialized.
type Error struct {
	Code       Code
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retriable reports whether the caller may retry.
func (e *Error) Retriable() bool { return e.Code.Transient() }

// WithDetail returns a copy of e with key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// New creates an error with code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under code.
func Wrap(cause error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func FeedNotFound(id int64) *Error {
	return New(CodeFeedNotFound, "feed %d not found", id).WithDetail("feed_id", id)
}

func EntryNotFound(id int64) *Error {
	return New(CodeEntryNotFound, "entry %d not found", id).WithDetail("entry_id", id)
}

func CategoryNotFound(id int64) *Error {
	return New(CodeCategoryNotFound, "category %d not found", id).WithDetail("category_id", id)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

// RateLimited reports an exhausted request budget.
func RateLimited(retryAfter time.Duration) *Error {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	e := New(CodeRateLimitExceeded, "too many requests").WithDetail("retry_after_seconds", secs)
	e.RetryAfter = time.Duration(secs) * time.Second
	return e
}

// Internal hides cause behind a generic message.
func Internal(cause error) *Error {
	return Wrap(cause, CodeInternal, "internal server error")
}

// From classifies any error. Unclassified errors become internal errors.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
