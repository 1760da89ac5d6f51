package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCode classifies a ProviderError.
type ErrorCode string

const (
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeMissingCredential ErrorCode = "MISSING_CREDENTIAL"
	CodeInvalidProvider   ErrorCode = "INVALID_PROVIDER"
	CodeUpstreamError     ErrorCode = "UPSTREAM_ERROR"
	CodeNetworkError      ErrorCode = "NETWORK_ERROR"
	CodeCancelled         ErrorCode = "CANCELLED"
	CodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
)

// ProviderError is the single error shape surfaced by the gateway.
// Retryable governs fallback eligibility only; nothing retries automatically.
type ProviderError struct {
	Provider   string    `json:"provider,omitempty"`
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	StatusCode int       `json:"status_code,omitempty"`
	Err        error     `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is a ProviderError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Code == code
	}
	return false
}

// AsProviderError extracts a ProviderError from err, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// NewRateLimitError builds the admission-denied error.
func NewRateLimitError(reason string) *ProviderError {
	return &ProviderError{
		Code:      CodeRateLimitExceeded,
		Message:   reason,
		Retryable: false,
	}
}

// NewMissingCredentialError reports a provider without an API key.
func NewMissingCredentialError(provider string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      CodeMissingCredential,
		Message:   "no credential configured",
		Retryable: false,
	}
}

// NewInvalidProviderError reports an unknown provider or a model it does not serve.
func NewInvalidProviderError(provider, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      CodeInvalidProvider,
		Message:   message,
		Retryable: false,
	}
}

// NewInvalidRequestError reports a caller input problem.
func NewInvalidRequestError(message string) *ProviderError {
	return &ProviderError{
		Code:      CodeInvalidRequest,
		Message:   message,
		Retryable: false,
	}
}

// NewMalformedResponseError reports an upstream body missing required fields.
func NewMalformedResponseError(provider, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      CodeMalformedResponse,
		Message:   message,
		Retryable: false,
	}
}

// NewUpstreamError maps a non-2xx upstream status. 429 and 5xx are retryable.
func NewUpstreamError(provider string, status int, message string, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       CodeUpstreamError,
		Message:    message,
		Retryable:  status == http.StatusTooManyRequests || status >= http.StatusInternalServerError,
		StatusCode: status,
		Err:        cause,
	}
}

// NewTransportError classifies an error that never produced an upstream status.
// Parent context cancellation becomes CANCELLED; everything else is a retryable
// NETWORK_ERROR, including call timeouts.
func NewTransportError(ctx context.Context, provider string, err error) *ProviderError {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &ProviderError{
			Provider:  provider,
			Code:      CodeCancelled,
			Message:   "request cancelled by caller",
			Retryable: false,
			Err:       err,
		}
	}

	message := err.Error()
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		message = "upstream call timed out"
	}

	return &ProviderError{
		Provider:  provider,
		Code:      CodeNetworkError,
		Message:   message,
		Retryable: true,
		Err:       err,
	}
}
