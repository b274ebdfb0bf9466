package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation represents validation errors (4xx)
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeAuthentication represents authentication errors (401)
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeAuthorization represents authorization errors (403)
	ErrorTypeAuthorization ErrorType = "authorization"
	// ErrorTypeNotFound represents resource not found errors (404)
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypePayment represents payment/entitlement errors (402)
	ErrorTypePayment ErrorType = "payment"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeGateway represents billing-gateway errors (502)
	ErrorTypeGateway ErrorType = "gateway"
	// ErrorTypeTimeout represents timeout errors (504)
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal server errors (500)
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeCircuitBreaker represents circuit breaker errors (503)
	ErrorTypeCircuitBreaker ErrorType = "circuit_breaker"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitzero"`
	StatusCode int       `json:"-"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap allows error unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether the error is retryable
func (e *AppError) IsRetryable() bool {
	return e.Retryable
}

// GetStatusCode returns the HTTP status code for the error
func (e *AppError) GetStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}

	// Default status codes based on error type
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypePayment:
		return http.StatusPaymentRequired
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeGateway:
		return http.StatusBadGateway
	case ErrorTypeCircuitBreaker:
		return http.StatusServiceUnavailable
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// InsufficientCreditsError is returned when a deduction would push the
// credit balance negative. No mutation has been performed; the caller may
// top up and retry.
type InsufficientCreditsError struct {
	Required  int `json:"required"`
	Available int `json:"available"`
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required=%d, available=%d", e.Required, e.Available)
}

// IsInsufficientCredits unwraps err looking for an InsufficientCreditsError.
func IsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var ice *InsufficientCreditsError
	if errors.As(err, &ice) {
		return ice, true
	}
	return nil, false
}

// NewValidationError creates a validation error
func NewValidationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
		Cause:      cause,
	}
}

// NewInvalidAccessTypeError rejects an unlock request before any mutation.
func NewInvalidAccessTypeError(accessType string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    fmt.Sprintf("invalid access type %q", accessType),
		Code:       "INVALID_ACCESS_TYPE",
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
	}
}

// NewAccountNotFoundError creates a not-found error for a company account
func NewAccountNotFoundError(companyID string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    fmt.Sprintf("account %s not found", companyID),
		Code:       "ACCOUNT_NOT_FOUND",
		StatusCode: http.StatusNotFound,
		Retryable:  false,
	}
}

// NewChapterNotFoundError creates a not-found error for a chapter
func NewChapterNotFoundError(chapterID string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    fmt.Sprintf("chapter %s not found", chapterID),
		Code:       "CHAPTER_NOT_FOUND",
		StatusCode: http.StatusNotFound,
		Retryable:  false,
	}
}

// NewPaymentMethodRequiredError is returned when an operation needs a saved
// payment method and the account has none on file.
func NewPaymentMethodRequiredError(companyID string) *AppError {
	return &AppError{
		Type:       ErrorTypePayment,
		Message:    fmt.Sprintf("account %s has no payment method on file", companyID),
		Code:       "PAYMENT_METHOD_REQUIRED",
		StatusCode: http.StatusPaymentRequired,
		Retryable:  false,
	}
}

// NewGatewayError creates a billing-gateway error
func NewGatewayError(operation string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeGateway,
		Message:    fmt.Sprintf("billing gateway %s failed", operation),
		Code:       "GATEWAY_ERROR",
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(operation string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeTimeout,
		Message:    fmt.Sprintf("operation %s timed out", operation),
		StatusCode: http.StatusGatewayTimeout,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewCircuitBreakerError creates a circuit breaker error
func NewCircuitBreakerError(service string) *AppError {
	return &AppError{
		Type:       ErrorTypeCircuitBreaker,
		Message:    fmt.Sprintf("service %s is currently unavailable (circuit breaker open)", service),
		Code:       "CIRCUIT_BREAKER_OPEN",
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    "internal server error",
		StatusCode: http.StatusInternalServerError,
		Retryable:  false,
		Cause:      cause,
	}
}

// SanitizeError sanitizes an error for external consumption
func SanitizeError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		// Return a copy without internal details
		return &AppError{
			Type:       appErr.Type,
			Message:    appErr.Message,
			Code:       appErr.Code,
			StatusCode: appErr.GetStatusCode(),
			Retryable:  appErr.Retryable,
			// Don't expose internal cause
		}
	}

	// For unknown errors, return a generic internal error
	return NewInternalError("an unexpected error occurred", err)
}
