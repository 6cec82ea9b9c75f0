package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for bucket catalog operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument          ErrorCode = 1000
	ErrCodeInvalidNamespace         ErrorCode = 1001
	ErrCodeNamespaceNotFound        ErrorCode = 1002
	ErrCodeNamespaceExists          ErrorCode = 1003
	ErrCodeInvalidTimeseriesOptions ErrorCode = 1004
	ErrCodeBucketCleared            ErrorCode = 1005

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeDiskFull          ErrorCode = 2002
	ErrCodeDiskThrottled     ErrorCode = 2003
	ErrCodeStoreFailed       ErrorCode = 2004
	ErrCodeCorruptedData     ErrorCode = 2005
	ErrCodeResourceExhausted ErrorCode = 2006
)

// ErrBucketCleared is the outcome delivered to every holder of a batch that
// was aborted because its bucket was cleared. Callers may retry the insert.
var ErrBucketCleared = NewStorageError(ErrCodeBucketCleared, "bucket was cleared", nil)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches any StorageError carrying the same code
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && t.Code == e.Code
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidNamespace, ErrCodeInvalidTimeseriesOptions:
		return codes.InvalidArgument
	case ErrCodeNamespaceNotFound:
		return codes.NotFound
	case ErrCodeNamespaceExists:
		return codes.AlreadyExists
	case ErrCodeBucketCleared:
		return codes.Aborted
	case ErrCodeDiskFull, ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeDiskThrottled, ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeCorruptedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func InvalidNamespace(ns, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidNamespace, fmt.Sprintf("invalid namespace '%s': %s", ns, reason), nil).
		WithDetail("namespace", ns).
		WithDetail("reason", reason)
}

func NamespaceNotFound(ns string) *StorageError {
	return NewStorageError(ErrCodeNamespaceNotFound, fmt.Sprintf("time-series collection not found: %s", ns), nil).
		WithDetail("namespace", ns)
}

func NamespaceExists(ns string) *StorageError {
	return NewStorageError(ErrCodeNamespaceExists, fmt.Sprintf("time-series collection already exists: %s", ns), nil).
		WithDetail("namespace", ns)
}

func InvalidTimeseriesOptions(reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidTimeseriesOptions, fmt.Sprintf("invalid time-series options: %s", reason), nil).
		WithDetail("reason", reason)
}

// BucketCleared returns ErrBucketCleared annotated with the bucket it hit
func BucketCleared(bucketID string) *StorageError {
	return NewStorageError(ErrCodeBucketCleared, ErrBucketCleared.Message, nil).
		WithDetail("bucket_id", bucketID)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

func StoreFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeStoreFailed, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func ResourceExhausted(resource string, current, limit int) *StorageError {
	return NewStorageError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// IsStorageError checks if an error is or wraps a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// ToGRPCStatus converts any error into a gRPC status, keeping StorageError codes
func ToGRPCStatus(err error) *status.Status {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.ToGRPCStatus()
	}
	return status.New(codes.Internal, err.Error())
}
