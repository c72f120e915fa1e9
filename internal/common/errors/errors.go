// Package errors provides custom error types for the Enclave control plane.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeBadRequest           = "BAD_REQUEST"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	ErrCodePoolExhausted        = "POOL_EXHAUSTED"
	ErrCodeCreateFailed         = "CREATE_FAILED"
	ErrCodeSandboxUnhealthy     = "SANDBOX_UNHEALTHY"
	ErrCodeAgentDisconnect      = "AGENT_DISCONNECT"
	ErrCodeEgressDenied         = "EGRESS_DENIED"
	ErrCodeSigningMisconfigured = "SIGNING_MISCONFIGURED"
	ErrCodeObjectStoreDown      = "OBJECT_STORE_UNAVAILABLE"
	ErrCodeRegistryUnavailable  = "REGISTRY_UNAVAILABLE"
	ErrCodeShuttingDown         = "SHUTTING_DOWN"
	ErrCodeTurnTimeout          = "TURN_TIMEOUT"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// CreateFailed creates an error for a sandbox that could not be provisioned
// after the warm pool was exhausted and on-demand creation failed.
func CreateFailed(err error) *AppError {
	return &AppError{
		Code:       ErrCodeCreateFailed,
		Message:    "sandbox creation failed",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// SandboxUnhealthy creates an error for a sandbox that failed its health probe.
func SandboxUnhealthy(sandboxID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSandboxUnhealthy,
		Message:    fmt.Sprintf("sandbox '%s' failed health probe", sandboxID),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// AgentDisconnect creates an error for a sandbox agent whose event stream
// dropped mid-turn.
func AgentDisconnect(sandboxID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentDisconnect,
		Message:    fmt.Sprintf("agent connection lost for sandbox '%s'", sandboxID),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// EgressDenied creates an error for a proxy request whose destination host is
// not on the allow-list.
func EgressDenied(host string) *AppError {
	return &AppError{
		Code:       ErrCodeEgressDenied,
		Message:    fmt.Sprintf("egress to host '%s' is not allowed", host),
		HTTPStatus: http.StatusForbidden,
	}
}

// SigningMisconfigured creates an error for a request that matched the signing
// policy but no credential material is available. The message never carries
// secret material.
func SigningMisconfigured(host string) *AppError {
	return &AppError{
		Code:       ErrCodeSigningMisconfigured,
		Message:    fmt.Sprintf("request signing is not configured for host '%s'", host),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// RegistryUnavailable creates an error for a failed registry (KV) operation.
func RegistryUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeRegistryUnavailable,
		Message:    "sandbox registry is unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ShuttingDown creates an error for requests rejected during drain.
func ShuttingDown() *AppError {
	return &AppError{
		Code:       ErrCodeShuttingDown,
		Message:    "control plane is shutting down",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// TurnTimeout creates an error for an agent turn that exceeded the per-turn budget.
func TurnTimeout(conversationID string) *AppError {
	return &AppError{
		Code:       ErrCodeTurnTimeout,
		Message:    fmt.Sprintf("turn for conversation '%s' exceeded the execution timeout", conversationID),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the machine-readable code for an error, or INTERNAL_ERROR when
// the error is not an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// Is checks whether the error carries the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return Is(err, ErrCodeNotFound)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
