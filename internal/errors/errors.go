// Package errors provides structured error types for the geogrid service.
// Every error carries a category, code, message, and retryable flag so that
// the transport layers can map failures consistently.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryAggregation ErrorCategory = "AGGREGATION"
	ErrCategoryCodec       ErrorCategory = "CODEC"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryCatalog     ErrorCategory = "CATALOG"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeEmptyReduceInput = "EMPTY_REDUCE_INPUT"
	CodeNilReduceInput   = "NIL_REDUCE_INPUT"
	CodeInconsistentSize = "INCONSISTENT_SIZE"
	CodeInvalidRequest   = "INVALID_REQUEST"

	// Aggregation codes
	CodeTypeMismatch         = "TYPE_MISMATCH"
	CodeSubAggregationFailed = "SUB_AGGREGATION_FAILED"
	CodeInvalidPath          = "INVALID_PATH"

	// Codec codes
	CodeUnknownAggregationType = "UNKNOWN_AGGREGATION_TYPE"
	CodeMalformedPayload       = "MALFORMED_PAYLOAD"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeDeleteFailed   = "DELETE_FAILED"

	// Catalog codes
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeJobAlreadyExists  = "JOB_ALREADY_EXISTS"
	CodeJobAlreadyReduced = "JOB_ALREADY_REDUCED"
	CodeJobPending        = "JOB_PENDING"
	CodeJobReducing       = "JOB_REDUCING"
	CodeNoPartials        = "NO_PARTIALS"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// GeoGridError is the structured error type used throughout the service.
type GeoGridError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *GeoGridError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *GeoGridError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *GeoGridError) Is(target error) bool {
	var t *GeoGridError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new GeoGridError.
func New(category ErrorCategory, code, message string) *GeoGridError {
	return &GeoGridError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new GeoGridError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *GeoGridError {
	return &GeoGridError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *GeoGridError) WithDetails(details map[string]interface{}) *GeoGridError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ge *GeoGridError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a GeoGridError.
func GetCategory(err error) ErrorCategory {
	var ge *GeoGridError
	if errors.As(err, &ge) {
		return ge.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a GeoGridError.
func GetCode(err error) string {
	var ge *GeoGridError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *GeoGridError {
	return New(ErrCategoryValidation, code, message)
}

func NewAggregationError(code, message string, cause error) *GeoGridError {
	return Wrap(ErrCategoryAggregation, code, message, cause)
}

func NewCodecError(code, message string, cause error) *GeoGridError {
	return Wrap(ErrCategoryCodec, code, message, cause)
}

func NewStorageError(code, message string, cause error) *GeoGridError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCatalogError(code, message string, cause error) *GeoGridError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewInternalError(message string, cause error) *GeoGridError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
