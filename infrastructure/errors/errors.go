// Package errors provides unified error handling for the plugin runtime.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Validation errors (3xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"

	// Resource errors (4xxx)
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Service errors (5xxx)
	ErrCodeInternal          ErrorCode = "SVC_5001"
	ErrCodeTimeout           ErrorCode = "SVC_5005"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_5006"

	// Plugin execution errors (8xxx)
	ErrCodePluginLoad             ErrorCode = "PLUGIN_8001"
	ErrCodePluginScript           ErrorCode = "PLUGIN_8002"
	ErrCodePluginPermissionDenied ErrorCode = "PLUGIN_8003"
	ErrCodePluginChannelFull      ErrorCode = "PLUGIN_8004"
	ErrCodePluginExecutorDown     ErrorCode = "PLUGIN_8005"
	ErrCodePluginCancelled        ErrorCode = "PLUGIN_8006"
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Validation Errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "Invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "Missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "Invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "Value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// Resource Errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "Resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "Resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service Errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "Operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Plugin execution errors
//
// These map directly onto the executor's externally observable failure kinds:
// a script that never finished loading, a script that threw or was interrupted,
// a capability the sandbox refused to grant, a saturated command channel, a
// worker thread that is not coming back, and an in-flight call whose caller
// stopped waiting.

func PluginLoadFailed(pluginID string, err error) *ServiceError {
	return Wrap(ErrCodePluginLoad, "plugin failed to load", http.StatusUnprocessableEntity, err).
		WithDetails("plugin_id", pluginID)
}

func PluginScriptFailed(pluginID string, err error) *ServiceError {
	return Wrap(ErrCodePluginScript, "plugin script failed", http.StatusUnprocessableEntity, err).
		WithDetails("plugin_id", pluginID)
}

func PluginPermissionDenied(pluginID, capability string) *ServiceError {
	return New(ErrCodePluginPermissionDenied, "plugin lacks required capability", http.StatusForbidden).
		WithDetails("plugin_id", pluginID).
		WithDetails("capability", capability)
}

func PluginChannelFull(pluginID string) *ServiceError {
	return New(ErrCodePluginChannelFull, "plugin command channel is full", http.StatusTooManyRequests).
		WithDetails("plugin_id", pluginID)
}

func PluginExecutorDown(pluginID string, err error) *ServiceError {
	return Wrap(ErrCodePluginExecutorDown, "plugin executor is unavailable", http.StatusServiceUnavailable, err).
		WithDetails("plugin_id", pluginID)
}

func PluginCancelled(pluginID string) *ServiceError {
	return New(ErrCodePluginCancelled, "plugin call was cancelled", http.StatusRequestTimeout).
		WithDetails("plugin_id", pluginID)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
