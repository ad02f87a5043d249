// Package errors provides the typed failure taxonomy shared by every dashperf subsystem.
//
// Errors are built on github.com/agilira/go-errors so callers can match on a
// stable code, read structured context, and ask whether a retry is safe.
package errors

import (
	stderr "errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/agilira/go-errors"
)

// ErrorCode is re-exported so callers do not need to import go-errors directly.
type ErrorCode = goerrors.ErrorCode

// Error codes grouped by category.
const (
	// Lookup
	ErrCodeNotFound        ErrorCode = "DASHPERF_NOT_FOUND"
	ErrCodeDependencyCycle ErrorCode = "DASHPERF_DEPENDENCY_CYCLE"

	// Operation
	ErrCodeTimeout          ErrorCode = "DASHPERF_TIMEOUT"
	ErrCodeUpstreamFailure  ErrorCode = "DASHPERF_UPSTREAM_FAILURE"
	ErrCodeStrategyFailure  ErrorCode = "DASHPERF_STRATEGY_FAILURE"
	ErrCodeValidationFailed ErrorCode = "DASHPERF_VALIDATION_FAILED"

	// Resource
	ErrCodeCapacityExceeded ErrorCode = "DASHPERF_CAPACITY_EXCEEDED"
	ErrCodeQueueFull        ErrorCode = "DASHPERF_QUEUE_FULL"

	// Configuration
	ErrCodeInvalidConfig ErrorCode = "DASHPERF_INVALID_CONFIG"

	// State
	ErrCodeAlreadyStarted ErrorCode = "DASHPERF_ALREADY_STARTED"
	ErrCodeNotStarted     ErrorCode = "DASHPERF_NOT_STARTED"

	// Internal
	ErrCodeInternal       ErrorCode = "DASHPERF_INTERNAL"
	ErrCodePanicRecovered ErrorCode = "DASHPERF_PANIC_RECOVERED"
)

// ErrorCategory is the coarse grouping used for logging and metrics labels.
type ErrorCategory string

const (
	CategoryLookup        ErrorCategory = "lookup"
	CategoryOperation     ErrorCategory = "operation"
	CategoryResource      ErrorCategory = "resource"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

const (
	msgNotFound         = "key is not registered"
	msgDependencyCycle  = "dependency graph would contain a cycle"
	msgTimeout          = "operation exceeded its time budget"
	msgUpstreamFailure  = "supplied callable failed"
	msgStrategyFailure  = "pagination strategy failed"
	msgValidationFailed = "validation failed"
	msgCapacityExceeded = "resource capacity exceeded"
	msgQueueFull        = "queue is full"
	msgInvalidConfig    = "invalid configuration"
	msgAlreadyStarted   = "component already started"
	msgNotStarted       = "component not started"
	msgInternal         = "internal error"
	msgPanicRecovered   = "panic recovered"
)

// NewNotFound reports an unregistered key. Not retryable.
func NewNotFound(component, key string) error {
	return goerrors.NewWithContext(ErrCodeNotFound, msgNotFound, map[string]interface{}{
		"component": component,
		"key":       key,
	})
}

// NewDependencyCycle reports a registration that would close a cycle.
func NewDependencyCycle(key string, path []string) error {
	return goerrors.NewWithContext(ErrCodeDependencyCycle, msgDependencyCycle, map[string]interface{}{
		"key":  key,
		"path": strings.Join(path, " -> "),
	})
}

// NewTimeout reports a load, allocation or batch wait that exceeded its budget.
func NewTimeout(operation string, budget time.Duration, cause error) error {
	if cause == nil {
		return goerrors.NewWithContext(ErrCodeTimeout, msgTimeout, map[string]interface{}{
			"operation": operation,
			"budget":    budget.String(),
		}).AsRetryable()
	}
	return goerrors.Wrap(cause, ErrCodeTimeout, msgTimeout).
		WithContext("operation", operation).
		WithContext("budget", budget.String()).
		AsRetryable()
}

// NewUpstreamFailure wraps an error raised by a caller-supplied callable.
func NewUpstreamFailure(operation, key string, cause error) error {
	return goerrors.Wrap(cause, ErrCodeUpstreamFailure, msgUpstreamFailure).
		WithContext("operation", operation).
		WithContext("key", key).
		AsRetryable()
}

// NewStrategyFailure reports that a pagination strategy and its fallback both failed.
func NewStrategyFailure(strategy string, cause error) error {
	return goerrors.Wrap(cause, ErrCodeStrategyFailure, msgStrategyFailure).
		WithContext("strategy", strategy)
}

// NewValidation reports a rejected argument.
func NewValidation(field, reason string) error {
	return goerrors.NewWithContext(ErrCodeValidationFailed, msgValidationFailed, map[string]interface{}{
		"field":  field,
		"reason": reason,
	})
}

// NewCapacityExceeded reports an allocation denied after waiting.
func NewCapacityExceeded(resource string, requested, available int64) error {
	return goerrors.NewWithContext(ErrCodeCapacityExceeded, msgCapacityExceeded, map[string]interface{}{
		"resource":  resource,
		"requested": requested,
		"available": available,
	}).AsRetryable()
}

// NewQueueFull reports a rejected submission to a bounded queue.
func NewQueueFull(queue string, size int) error {
	return goerrors.NewWithContext(ErrCodeQueueFull, msgQueueFull, map[string]interface{}{
		"queue": queue,
		"size":  size,
	}).AsRetryable()
}

// NewInvalidConfig wraps a configuration problem.
func NewInvalidConfig(field string, cause error) error {
	if cause == nil {
		return goerrors.NewWithField(ErrCodeInvalidConfig, msgInvalidConfig, "field", field)
	}
	return goerrors.Wrap(cause, ErrCodeInvalidConfig, msgInvalidConfig).WithContext("field", field)
}

// NewAlreadyStarted reports a second Start on a background component.
func NewAlreadyStarted(component string) error {
	return goerrors.NewWithField(ErrCodeAlreadyStarted, msgAlreadyStarted, "component", component)
}

// NewNotStarted reports use of a background component before Start.
func NewNotStarted(component string) error {
	return goerrors.NewWithField(ErrCodeNotStarted, msgNotStarted, "component", component)
}

// NewInternal reports a non-critical internal failure.
func NewInternal(operation string, cause error) error {
	if cause != nil {
		return goerrors.Wrap(cause, ErrCodeInternal, msgInternal).
			WithContext("operation", operation).
			WithSeverity("warning")
	}
	return goerrors.NewWithField(ErrCodeInternal, msgInternal, "operation", operation).
		WithSeverity("warning")
}

// NewPanicRecovered converts a recovered panic value into an error.
func NewPanicRecovered(operation string, value interface{}) error {
	return goerrors.NewWithContext(ErrCodePanicRecovered, msgPanicRecovered, map[string]interface{}{
		"operation":   operation,
		"panic_value": fmt.Sprintf("%v", value),
	}).WithSeverity("critical")
}

// Code extracts the outermost error code, or "" for foreign errors.
func Code(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coder goerrors.ErrorCoder
	if stderr.As(err, &coder) {
		return coder.ErrorCode()
	}
	return ""
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var coder goerrors.ErrorCoder
		if !stderr.As(err, &coder) {
			return false
		}
		if coder.ErrorCode() == code {
			return true
		}
		next, ok := coder.(error)
		if !ok {
			return false
		}
		err = stderr.Unwrap(next)
	}
	return false
}

// IsNotFound reports an unregistered key.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

// IsTimeout reports an exceeded wait budget.
func IsTimeout(err error) bool { return HasCode(err, ErrCodeTimeout) }

// IsUpstreamFailure reports a failed caller-supplied callable.
func IsUpstreamFailure(err error) bool { return HasCode(err, ErrCodeUpstreamFailure) }

// IsCapacityExceeded reports a denied allocation.
func IsCapacityExceeded(err error) bool { return HasCode(err, ErrCodeCapacityExceeded) }

// IsStrategyFailure reports an adaptive pagination failure that survived the fallback.
func IsStrategyFailure(err error) bool { return HasCode(err, ErrCodeStrategyFailure) }

// IsValidation reports a rejected argument.
func IsValidation(err error) bool { return HasCode(err, ErrCodeValidationFailed) }

// IsRetryable reports whether the error is marked safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryable goerrors.Retryable
	if stderr.As(err, &retryable) {
		return retryable.IsRetryable()
	}
	return false
}

// CategoryOf maps an error to its category; foreign errors are internal.
func CategoryOf(err error) ErrorCategory {
	return GetCategory(Code(err))
}

// GetCategory determines the category of a code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNotFound, ErrCodeDependencyCycle:
		return CategoryLookup
	case ErrCodeTimeout, ErrCodeUpstreamFailure, ErrCodeStrategyFailure, ErrCodeValidationFailed:
		return CategoryOperation
	case ErrCodeCapacityExceeded, ErrCodeQueueFull:
		return CategoryResource
	case ErrCodeInvalidConfig:
		return CategoryConfiguration
	case ErrCodeAlreadyStarted, ErrCodeNotStarted:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// Label returns a short metrics-safe label for err.
func Label(err error) string {
	if err == nil {
		return "none"
	}
	code := Code(err)
	if code == "" {
		return "other"
	}
	return strings.ToLower(strings.TrimPrefix(string(code), "DASHPERF_"))
}
