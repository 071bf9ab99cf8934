package llm

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIError_NamesProvider(t *testing.T) {
	err := &APIError{Provider: "openai", StatusCode: 500, Message: "boom"}
	assert.Contains(t, err.Error(), "openai")
	assert.Contains(t, err.Error(), "500")

	withoutStatus := &APIError{Provider: "anthropic", Message: "connection refused"}
	assert.Contains(t, withoutStatus.Error(), "anthropic")
}

func TestAPIError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &APIError{Provider: "ollama", Message: "request failed", Err: cause}

	assert.ErrorIs(t, err, cause)
}

func TestCapabilityError_IsAPIError(t *testing.T) {
	err := NewCapabilityError("lmstudio", "embeddings")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "lmstudio", apiErr.Provider)
	assert.Contains(t, apiErr.Message, "embeddings")
	assert.Equal(t, "embeddings", err.Capability)
}

func TestIsRateLimited(t *testing.T) {
	rateLimited := &APIError{Provider: "openai", StatusCode: http.StatusTooManyRequests, Message: "slow down"}
	assert.True(t, IsRateLimited(rateLimited))
	assert.True(t, IsRateLimited(fmt.Errorf("call failed: %w", rateLimited)))

	assert.False(t, IsRateLimited(&APIError{Provider: "openai", StatusCode: 500}))
	assert.False(t, IsRateLimited(errors.New("unrelated")))
	assert.False(t, IsRateLimited(&ConfigurationError{Provider: "openai", Reason: "no key"}))
}
