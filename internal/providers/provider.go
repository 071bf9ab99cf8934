// Package providers implements the per-vendor adapters behind the canonical
// content-generation contract: message and tool translation, SSE stream
// parsing, token counting, embeddings and health probing for
// OpenAI-compatible APIs, Anthropic's Messages API and local
// OpenAI-protocol servers.
package providers

import (
	"context"
	"iter"
	"strings"

	"github.com/google/uuid"

	"github.com/Davincible/modelbridge/internal/llm"
)

// Capability names used in CapabilityError messages.
const (
	CapabilityEmbeddings = "embeddings"
	CapabilityStreaming  = "streaming"
	CapabilityTools      = "tools"
)

// Provider is the canonical interface every vendor adapter implements.
//
// GenerateContentStream returns a single-pass, forward-only sequence of
// partial responses. It is not safe to share across concurrent consumers or
// to re-range; a new call is required to restart. The underlying response
// body is released on every exit path, including early consumer break and
// context cancellation.
type Provider interface {
	Name() string

	// Initialize validates credentials and reachability, failing fast with
	// a typed configuration error naming the vendor and the missing
	// requirement.
	Initialize(ctx context.Context) error

	GenerateContent(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error)
	GenerateContentStream(ctx context.Context, req *llm.GenerateRequest) iter.Seq2[*llm.GenerateResponse, error]

	// CountTokens estimates prompt tokens. For vendors lacking a counting
	// endpoint this is a documented approximation, not an exact count.
	CountTokens(ctx context.Context, req *llm.GenerateRequest) (int, error)

	// EmbedContent returns one embedding vector per input text, or a
	// CapabilityError when the vendor has no embedding support.
	EmbedContent(ctx context.Context, texts []string) ([][]float64, error)

	SupportsEmbeddings() bool
	SupportsStreaming() bool
	SupportsTools() bool

	// ValidateConfig is a best-effort connectivity probe. It never returns
	// an error; any failure or timeout reads as false.
	ValidateConfig(ctx context.Context) bool
}

// fallbackCallID derives a tool-call id when the vendor omitted one. The id
// is unique per invocation but not stable across retries; absent ids only
// occur when the inbound data itself lacks one.
func fallbackCallID(name string) string {
	return name + "-" + strings.Split(uuid.NewString(), "-")[0]
}
