package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorType classifies a ProviderError.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeTransport
	ErrorTypeAuthentication
	ErrorTypeRateLimit
	ErrorTypeInvalidInput
	ErrorTypeAPI
	ErrorTypeCanceled
)

// ProviderError is returned by Send, Stream and the constructors.
type ProviderError struct {
	Type       ErrorType
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	prefix := e.TypeString()
	if e.Provider != "" {
		prefix = e.Provider + " " + prefix
	}
	if e.StatusCode != 0 {
		prefix = fmt.Sprintf("%s [%d]", prefix, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) TypeString() string {
	switch e.Type {
	case ErrorTypeConfiguration:
		return "ConfigurationError"
	case ErrorTypeTransport:
		return "TransportError"
	case ErrorTypeAuthentication:
		return "AuthenticationError"
	case ErrorTypeRateLimit:
		return "RateLimitError"
	case ErrorTypeInvalidInput:
		return "InvalidInputError"
	case ErrorTypeAPI:
		return "APIError"
	case ErrorTypeCanceled:
		return "CanceledError"
	default:
		return "UnknownError"
	}
}

// LoggableFields returns key/value pairs for a utils.Logger call.
func (e *ProviderError) LoggableFields() []any {
	return []any{
		"error_type", e.TypeString(),
		"provider", e.Provider,
		"status", e.StatusCode,
		"message", e.Message,
	}
}

// Retryable reports whether the same request may succeed later.
func (e *ProviderError) Retryable() bool {
	switch e.Type {
	case ErrorTypeTransport, ErrorTypeRateLimit:
		return true
	case ErrorTypeAPI:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
	default:
		return false
	}
}

func NewProviderError(errType ErrorType, provider, message string, err error) *ProviderError {
	return &ProviderError{
		Type:     errType,
		Provider: provider,
		Message:  message,
		Err:      err,
	}
}

// IsRetryable reports whether err is a ProviderError worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// classify maps an SDK error and its HTTP status (0 when unknown) to a ProviderError.
func classify(provider string, status int, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(ErrorTypeCanceled, provider, "request canceled", err)
	}

	var out *ProviderError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		out = NewProviderError(ErrorTypeAuthentication, provider, "authentication failed", err)
	case status == http.StatusTooManyRequests:
		out = NewProviderError(ErrorTypeRateLimit, provider, "rate limited by vendor", err)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		out = NewProviderError(ErrorTypeInvalidInput, provider, "request rejected", err)
	case status >= 400:
		out = NewProviderError(ErrorTypeAPI, provider, "vendor API error", err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			out = NewProviderError(ErrorTypeTransport, provider, "network error", err)
		} else {
			out = NewProviderError(ErrorTypeTransport, provider, "request failed", err)
		}
	}
	out.StatusCode = status
	return out
}
