package marketplace

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotConnected           = errors.New("adapter not connected")
	ErrMissingCredential      = errors.New("missing credential")
	ErrUnsupportedMarketplace = errors.New("unsupported marketplace")
)

// CredentialError is a configuration error; retrying cannot fix it.
type CredentialError struct {
	Marketplace Type
	Field       string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s: missing credential %q", e.Marketplace, e.Field)
}

func (e *CredentialError) Unwrap() error {
	return ErrMissingCredential
}

// APIError is a non-2xx upstream response
type APIError struct {
	Marketplace Type
	Endpoint    string
	StatusCode  int
	Message     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Marketplace, e.Endpoint, e.StatusCode, e.Message)
}

// IsAuth reports 401/403 responses, which optional resources degrade on
func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

func (e *APIError) IsTransient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
}

// RateLimitError is returned once throttling retries are exhausted
type RateLimitError struct {
	Marketplace Type
	Endpoint    string
	Attempts    int
	Message     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s %s: rate limited after %d attempts: %s", e.Marketplace, e.Endpoint, e.Attempts, e.Message)
}

// NormalizationError means an upstream record lacks a field there is no
// safe default for.
type NormalizationError struct {
	Marketplace Type
	Record      string
	Field       string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("%s: %s record missing required field %q", e.Marketplace, e.Record, e.Field)
}

// WindowError reports sub-windows that failed while others succeeded
type WindowError struct {
	Failed []Window
	Err    error
}

func (e *WindowError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, w := range e.Failed {
		parts = append(parts, w.String())
	}
	return fmt.Sprintf("%d window(s) failed [%s]: %v", len(e.Failed), strings.Join(parts, ", "), e.Err)
}

func (e *WindowError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports errors that must fail fast without retry
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrMissingCredential) || errors.Is(err, ErrUnsupportedMarketplace)
}

// IsAuthError reports whether err carries a 401/403 upstream response
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsAuth()
}
