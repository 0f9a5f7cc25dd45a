// Package errors defines the error taxonomy shared by ingestors, engines and the dispatcher.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransient represents network timeouts, feed disconnects and sink 5xx responses
	CategoryTransient ErrorCategory = "transient"
	// CategoryMalformed represents unparseable or out-of-range input
	CategoryMalformed ErrorCategory = "malformed"
	// CategoryConflict represents a duplicate key carrying divergent immutable fields
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents an exhausted alert budget
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryFatal represents unrecoverable configuration or a store unavailable past the retry ceiling
	CategoryFatal ErrorCategory = "fatal"
)

// CategorizedError represents an error with a category and a stable code
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Transient errors

// NewTransientError wraps a failure that is expected to clear on retry
func NewTransientError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryTransient,
		Code:     "TRANSIENT",
		Message:  fmt.Sprintf("transient failure during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewTimeoutError creates an error for an external call that exceeded its deadline
func NewTimeoutError(operation string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryTransient,
		Code:     "TIMEOUT",
		Message:  fmt.Sprintf("timeout during %s", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewFeedDisconnectedError creates an error for a dropped subscription
func NewFeedDisconnectedError(feed string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryTransient,
		Code:     "FEED_DISCONNECTED",
		Message:  fmt.Sprintf("feed disconnected: %s", feed),
		Cause:    cause,
		Details: map[string]interface{}{
			"feed": feed,
		},
	}
}

// NewSinkError creates an error for a failed notification delivery
func NewSinkError(sink string, statusCode int, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryTransient,
		Code:     "SINK_DELIVERY_FAILED",
		Message:  fmt.Sprintf("delivery to %s failed (status %d)", sink, statusCode),
		Cause:    cause,
		Details: map[string]interface{}{
			"sink":       sink,
			"statusCode": statusCode,
		},
	}
}

// NewStoreError creates an error for a failed event store operation
func NewStoreError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryTransient,
		Code:     "STORE_ERROR",
		Message:  fmt.Sprintf("event store error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Malformed input

// NewMalformedError creates an error for input that cannot be processed
func NewMalformedError(source string, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryMalformed,
		Code:     "MALFORMED_INPUT",
		Message:  fmt.Sprintf("malformed %s: %s", source, reason),
		Details: map[string]interface{}{
			"source": source,
			"reason": reason,
		},
	}
}

// NewParseError wraps a decoding failure
func NewParseError(source string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryMalformed,
		Code:     "PARSE_ERROR",
		Message:  fmt.Sprintf("failed to parse %s", source),
		Cause:    cause,
		Details: map[string]interface{}{
			"source": source,
		},
	}
}

// Idempotency conflicts

// NewConflictError creates an error for a duplicate key with divergent immutable fields
func NewConflictError(entityType, key string, fields []string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryConflict,
		Code:     "IDEMPOTENCY_CONFLICT",
		Message:  fmt.Sprintf("%s %s differs in immutable fields: %s", entityType, key, strings.Join(fields, ",")),
		Details: map[string]interface{}{
			"entityType": entityType,
			"key":        key,
			"fields":     fields,
		},
	}
}

// Resource exhaustion

// NewRateLimitError creates an error for an exhausted alert budget
func NewRateLimitError(bucket string, limit int) *CategorizedError {
	return &CategorizedError{
		Category: CategoryRateLimit,
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  fmt.Sprintf("rate limit exceeded for %s (limit: %d)", bucket, limit),
		Details: map[string]interface{}{
			"bucket": bucket,
			"limit":  limit,
		},
	}
}

// Fatal errors

// NewFatalError creates an error that halts the affected component
func NewFatalError(component string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryFatal,
		Code:     "FATAL",
		Message:  fmt.Sprintf("%s halted", component),
		Cause:    cause,
		Details: map[string]interface{}{
			"component": component,
		},
	}
}

// NewConfigError creates an error for unrecoverable configuration
func NewConfigError(key string, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryFatal,
		Code:     "INVALID_CONFIG",
		Message:  fmt.Sprintf("invalid configuration %s: %s", key, reason),
		Details: map[string]interface{}{
			"key":    key,
			"reason": reason,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	// If already categorized, return as-is
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	if stderrors.Is(err, context.Canceled) {
		return &CategorizedError{
			Category: CategoryFatal,
			Code:     "CANCELLED",
			Message:  "operation cancelled",
			Cause:    err,
		}
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return &CategorizedError{
			Category: CategoryTransient,
			Code:     "TIMEOUT",
			Message:  "deadline exceeded",
			Cause:    err,
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return NewTransientError("network", err)
	}

	// Unknown failures of external calls are retried
	return NewTransientError("unknown", err)
}

// CategoryOf returns the category of an error, or "" for nil
func CategoryOf(err error) ErrorCategory {
	if catErr := Categorize(err); catErr != nil {
		return catErr.Category
	}
	return ""
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	return CategoryOf(err) == CategoryTransient
}

// IsTransient is an alias of IsRetryable
func IsTransient(err error) bool {
	return IsRetryable(err)
}

// IsMalformed reports whether err describes bad input
func IsMalformed(err error) bool {
	return CategoryOf(err) == CategoryMalformed
}

// IsConflict reports whether err is an idempotency conflict
func IsConflict(err error) bool {
	return CategoryOf(err) == CategoryConflict
}

// IsFatal reports whether err should halt the component
func IsFatal(err error) bool {
	return CategoryOf(err) == CategoryFatal
}
