package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigurationError reports a missing or invalid credential, an unknown
// vendor name, or any other precondition failure detected before a network
// call is made.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s configuration error: %s", e.Provider, e.Reason)
}

// APIError reports a failed vendor call: a non-2xx HTTP response, a
// transport failure, or an unexpected response shape. It always names the
// originating vendor.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// CapabilityError is an APIError raised when an operation is requested that
// the vendor does not support, e.g. embeddings on a text-only vendor.
type CapabilityError struct {
	APIError
	Capability string
}

// Unwrap exposes the embedded APIError so errors.As matches either type.
func (e *CapabilityError) Unwrap() error {
	return &e.APIError
}

// NewCapabilityError builds the uniform "capability not supported" error for
// a vendor.
func NewCapabilityError(provider, capability string) *CapabilityError {
	return &CapabilityError{
		APIError: APIError{
			Provider: provider,
			Message:  fmt.Sprintf("capability %q is not supported", capability),
		},
		Capability: capability,
	}
}

// IsRateLimited reports whether err carries the vendor's rate-limit signal
// (HTTP 429). External retry policy keys off this; this layer never retries.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
