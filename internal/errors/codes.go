package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents internal error codes for document store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeInvalidTenantID ErrorCode = 1001
	ErrCodeSaveConflict    ErrorCode = 1002

	// Storage errors
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeWriteFailed   ErrorCode = 2001
	ErrCodeDiskFull      ErrorCode = 2002
	ErrCodeDiskThrottled ErrorCode = 2003
	ErrCodeCorruptedData ErrorCode = 2004
	ErrCodeLockFailed    ErrorCode = 2005
)

// String returns a short, log-friendly name for the code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeInvalidTenantID:
		return "invalid_tenant_id"
	case ErrCodeSaveConflict:
		return "save_conflict"
	case ErrCodeWriteFailed:
		return "write_failed"
	case ErrCodeDiskFull:
		return "disk_full"
	case ErrCodeDiskThrottled:
		return "disk_throttled"
	case ErrCodeCorruptedData:
		return "corrupted_data"
	case ErrCodeLockFailed:
		return "lock_failed"
	default:
		return "internal"
	}
}

// StoreError represents a structured error with code and context
type StoreError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// NewStoreError creates a new StoreError
func NewStoreError(code ErrorCode, message string, cause error) *StoreError {
	return &StoreError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StoreError) WithDetail(key string, value interface{}) *StoreError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInvalidArgument, message, cause)
}

func InvalidTenantID(tenantID, reason string) *StoreError {
	return NewStoreError(ErrCodeInvalidTenantID, fmt.Sprintf("invalid tenant ID '%s': %s", tenantID, reason), nil).
		WithDetail("tenant_id", tenantID).
		WithDetail("reason", reason)
}

// SaveConflict is returned when a save could not find a consistent
// read-then-write window within its attempt budget.
func SaveConflict(tenantID string, attempts int, lastRev int64) *StoreError {
	return NewStoreError(ErrCodeSaveConflict,
		fmt.Sprintf("save conflict for tenant %s: revision kept moving after %d attempts", tenantID, attempts), nil).
		WithDetail("tenant_id", tenantID).
		WithDetail("attempts", attempts).
		WithDetail("last_rev", lastRev)
}

func WriteFailed(tenantID string, cause error) *StoreError {
	return NewStoreError(ErrCodeWriteFailed, fmt.Sprintf("failed to write document for tenant %s", tenantID), cause).
		WithDetail("tenant_id", tenantID)
}

func DiskFull(usagePercent float64, availableBytes uint64, cause error) *StoreError {
	return NewStoreError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), cause).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64, cause error) *StoreError {
	return NewStoreError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), cause).
		WithDetail("usage_percent", usagePercent)
}

func CorruptedData(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeCorruptedData, message, cause)
}

func LockFailed(path string, cause error) *StoreError {
	return NewStoreError(ErrCodeLockFailed, fmt.Sprintf("failed to acquire lock %s", path), cause).
		WithDetail("path", path)
}

func InternalError(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInternal, message, cause)
}

// IsStoreError checks if an error is, or wraps, a StoreError
func IsStoreError(err error) bool {
	var se *StoreError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsSaveConflict reports whether err is a SaveConflict
func IsSaveConflict(err error) bool {
	return GetCode(err) == ErrCodeSaveConflict
}

// IsRetryable reports whether a caller may usefully retry the operation
// after re-reading the tenant. I/O errors are never retryable.
func IsRetryable(err error) bool {
	return GetCode(err) == ErrCodeSaveConflict
}
