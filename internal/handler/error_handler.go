package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/devrev/pairdb/tsbucket/internal/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode is the machine readable code of an error response
type ErrorCode string

const (
	ErrorCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrorCodeInvalidNamespace  ErrorCode = "INVALID_NAMESPACE"
	ErrorCodeInvalidOptions    ErrorCode = "INVALID_TIMESERIES_OPTIONS"
	ErrorCodeNamespaceNotFound ErrorCode = "NAMESPACE_NOT_FOUND"
	ErrorCodeNamespaceExists   ErrorCode = "NAMESPACE_EXISTS"
	ErrorCodeBucketCleared     ErrorCode = "BUCKET_CLEARED"
	ErrorCodeDiskFull          ErrorCode = "DISK_FULL"
	ErrorCodeDiskThrottled     ErrorCode = "DISK_THROTTLED"
	ErrorCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrorCodeServiceDown       ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout           ErrorCode = "TIMEOUT"
	ErrorCodeInternalError     ErrorCode = "INTERNAL_ERROR"
	ErrorCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrorCodeMethodNotAllowed  ErrorCode = "METHOD_NOT_ALLOWED"
)

var errorCodes = map[errors.ErrorCode]ErrorCode{
	errors.ErrCodeInvalidArgument:          ErrorCodeInvalidRequest,
	errors.ErrCodeInvalidNamespace:         ErrorCodeInvalidNamespace,
	errors.ErrCodeInvalidTimeseriesOptions: ErrorCodeInvalidOptions,
	errors.ErrCodeNamespaceNotFound:        ErrorCodeNamespaceNotFound,
	errors.ErrCodeNamespaceExists:          ErrorCodeNamespaceExists,
	errors.ErrCodeBucketCleared:            ErrorCodeBucketCleared,
	errors.ErrCodeDiskFull:                 ErrorCodeDiskFull,
	errors.ErrCodeDiskThrottled:            ErrorCodeDiskThrottled,
	errors.ErrCodeResourceExhausted:        ErrorCodeResourceExhausted,
	errors.ErrCodeUnavailable:              ErrorCodeServiceDown,
}

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode ErrorCode              `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ErrorHandler writes error responses.
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError maps err to an HTTP status and writes the error envelope.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	st := toStatus(err)

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: toErrorCode(err, st.Code()),
		Message:   st.Message(),
		RequestID: r.Header.Get("X-Request-ID"),
	}
	var se *errors.StorageError
	if stderrors.As(err, &se) && len(se.Details) > 0 {
		resp.Details = se.Details
	}

	statusCode := GRPCToHTTPStatus(st.Code())
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err), zap.String("request_id", resp.RequestID))
	}
	h.write(w, statusCode, resp)
}

// WriteErrorResponse writes a formatted error response to the HTTP response writer.
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string) {
	h.write(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	})
}

// WriteValidationError writes a validation error response.
func (h *ErrorHandler) WriteValidationError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrorCodeInvalidRequest, message, requestID)
}

func (h *ErrorHandler) write(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(resp.ErrorCode)),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

func toStatus(err error) *status.Status {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return status.FromContextError(err)
	}
	return errors.ToGRPCStatus(err)
}

func toErrorCode(err error, code codes.Code) ErrorCode {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return ErrorCodeTimeout
	}
	if errors.IsStorageError(err) {
		if ec, ok := errorCodes[errors.GetCode(err)]; ok {
			return ec
		}
		return ErrorCodeInternalError
	}
	switch code {
	case codes.DeadlineExceeded, codes.Canceled:
		return ErrorCodeTimeout
	default:
		return ErrorCodeInternalError
	}
}

// GRPCToHTTPStatus converts a gRPC code to an HTTP status code.
func GRPCToHTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		// client closed request
		return 499
	default:
		return http.StatusInternalServerError
	}
}
