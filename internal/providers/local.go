package providers

import (
	"log/slog"

	"github.com/Davincible/modelbridge/internal/config"
)

// Local inference servers speak the OpenAI chat-completions protocol, so
// they are the OpenAI adapter with a different base URL, no credential
// requirement and a vendor-native health endpoint. No separate translator
// or parser logic exists for them.

const (
	ollamaDefaultBaseURL   = "http://localhost:11434/v1"
	ollamaFallbackModel    = "llama3.2"
	lmStudioDefaultBaseURL = "http://localhost:1234/v1"
	lmStudioFallbackModel  = "local-model"
)

// NewOllamaProvider builds an adapter for a local Ollama server. Health is
// probed against Ollama's native tag listing rather than the OpenAI models
// endpoint.
func NewOllamaProvider(cfg config.Provider, logger *slog.Logger) *OpenAICompatible {
	return newOpenAICompatible(cfg, logger, openAICompatOptions{
		vendor:        "ollama",
		defaultBase:   ollamaDefaultBaseURL,
		healthPath:    "/api/tags",
		keyRequired:   false,
		embeddings:    true,
		fallbackModel: ollamaFallbackModel,
	})
}

// NewLMStudioProvider builds an adapter for a local LM Studio server.
func NewLMStudioProvider(cfg config.Provider, logger *slog.Logger) *OpenAICompatible {
	return newOpenAICompatible(cfg, logger, openAICompatOptions{
		vendor:        "lmstudio",
		defaultBase:   lmStudioDefaultBaseURL,
		healthPath:    "/api/v0/models",
		keyRequired:   false,
		embeddings:    true,
		fallbackModel: lmStudioFallbackModel,
	})
}
