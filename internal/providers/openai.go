package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Davincible/modelbridge/internal/config"
	"github.com/Davincible/modelbridge/internal/llm"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIFallbackModel  = "gpt-4o"
	openAIEmbeddingModel = "text-embedding-3-small"

	// Divisor for the character-based token estimate used when no tokenizer
	// covers the configured model. An approximation, not an exact count.
	charsPerToken = 4
)

// OpenAICompatible adapts any vendor speaking the OpenAI chat-completions
// protocol. The first-party OpenAI API and local inference servers differ
// only in base URL, credential requirement and health-check endpoint; the
// translators and stream parser are shared unchanged.
type OpenAICompatible struct {
	vendor      string
	baseURL     string
	healthURL   string
	apiKey      string
	model       string
	keyRequired bool
	embeddings  bool
	logger      *slog.Logger
	httpClient  *http.Client
}

// openAICompatOptions parameterizes an OpenAI-protocol vendor.
type openAICompatOptions struct {
	vendor        string
	defaultBase   string
	healthPath    string // joined to the host root, not the /v1 base
	keyRequired   bool
	embeddings    bool
	fallbackModel string
}

func newOpenAICompatible(cfg config.Provider, logger *slog.Logger, opts openAICompatOptions) *OpenAICompatible {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = opts.defaultBase
	}

	healthURL := baseURL + "/models"
	if opts.healthPath != "" {
		healthURL = strings.TrimSuffix(baseURL, "/v1") + opts.healthPath
	}

	model := cfg.Model
	if model == "" {
		model = opts.fallbackModel
	}

	return &OpenAICompatible{
		vendor:      opts.vendor,
		baseURL:     baseURL,
		healthURL:   healthURL,
		apiKey:      cfg.APIKey,
		model:       model,
		keyRequired: opts.keyRequired,
		embeddings:  opts.embeddings,
		logger:      logger,
		httpClient:  newHTTPClient(logger),
	}
}

// NewOpenAIProvider builds the first-party OpenAI adapter.
func NewOpenAIProvider(cfg config.Provider, logger *slog.Logger) *OpenAICompatible {
	return newOpenAICompatible(cfg, logger, openAICompatOptions{
		vendor:        "openai",
		defaultBase:   openAIDefaultBaseURL,
		keyRequired:   true,
		embeddings:    true,
		fallbackModel: openAIFallbackModel,
	})
}

func (p *OpenAICompatible) Name() string {
	return p.vendor
}

func (p *OpenAICompatible) SupportsStreaming() bool {
	return true
}

func (p *OpenAICompatible) SupportsTools() bool {
	return true
}

func (p *OpenAICompatible) SupportsEmbeddings() bool {
	return p.embeddings
}

func (p *OpenAICompatible) Initialize(ctx context.Context) error {
	if p.keyRequired && p.apiKey == "" {
		return &llm.ConfigurationError{
			Provider: p.vendor,
			Reason:   "API key is required (set api_key in the provider configuration)",
		}
	}

	if !p.ValidateConfig(ctx) {
		return &llm.APIError{
			Provider: p.vendor,
			Message:  fmt.Sprintf("health check failed against %s", p.healthURL),
		}
	}

	return nil
}

// ValidateConfig probes the vendor's health endpoint with a short timeout.
// Any failure, including timeout, reads as unhealthy.
func (p *OpenAICompatible) ValidateConfig(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return false
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *OpenAICompatible) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	// Unauthenticated local servers get no Authorization header at all.
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (p *OpenAICompatible) resolveModel(req *llm.GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

// Wire format structures.

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIMessage      `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
	Tools         []openAITool         `json:"tools,omitempty"`
	ToolChoice    string               `json:"tool_choice,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIFunctionSpec `json:"function"`
}

type openAIFunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Index        int            `json:"index"`
	Message      *openAIMessage `json:"message,omitempty"`
	Delta        *openAIDelta   `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason,omitempty"`
}

type openAIDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *openAIError `json:"error,omitempty"`
}

// translateMessages converts canonical history into the OpenAI message
// array. Canonical messages whose parts are all empty or whitespace text are
// dropped; the vendor rejects empty turns. A user message carrying function
// responses becomes one "tool" message per response part, each tagged with
// the originating call's id (or a generated fallback when absent).
func (p *OpenAICompatible) translateMessages(contents []llm.Message) []openAIMessage {
	var messages []openAIMessage

	for _, msg := range contents {
		switch msg.Role {
		case llm.RoleSystem:
			text := llm.ExtractPlainText(msg)
			if strings.TrimSpace(text) == "" {
				continue
			}
			messages = append(messages, openAIMessage{Role: "system", Content: text})

		case llm.RoleModel:
			assistant := openAIMessage{Role: "assistant"}
			for _, part := range msg.Parts {
				switch {
				case part.FunctionCall != nil:
					assistant.ToolCalls = append(assistant.ToolCalls, p.translateToolCall(*part.FunctionCall))
				case part.Text != "":
					assistant.Content += part.Text
				}
			}
			if strings.TrimSpace(assistant.Content) == "" && len(assistant.ToolCalls) == 0 {
				continue
			}
			messages = append(messages, assistant)

		default: // user
			var text strings.Builder
			for _, part := range msg.Parts {
				if part.FunctionResponse != nil {
					messages = append(messages, p.translateFunctionResponse(*part.FunctionResponse))
					continue
				}
				text.WriteString(part.Text)
			}
			if strings.TrimSpace(text.String()) == "" {
				continue
			}
			messages = append(messages, openAIMessage{Role: "user", Content: text.String()})
		}
	}

	return messages
}

func (p *OpenAICompatible) translateToolCall(call llm.FunctionCall) openAIToolCall {
	id := call.ID
	if id == "" {
		id = fallbackCallID(call.Name)
	}

	arguments := "{}"
	if call.Args != nil {
		if data, err := json.Marshal(call.Args); err == nil {
			arguments = string(data)
		}
	}

	return openAIToolCall{
		ID:   id,
		Type: "function",
		Function: openAIFunction{
			Name:      call.Name,
			Arguments: arguments,
		},
	}
}

func (p *OpenAICompatible) translateFunctionResponse(resp llm.FunctionResponse) openAIMessage {
	id := resp.ID
	if id == "" {
		id = fallbackCallID(resp.Name)
	}

	content := ""
	if data, err := json.Marshal(resp.Response); err == nil {
		content = string(data)
	}

	return openAIMessage{
		Role:       "tool",
		ToolCallID: id,
		Content:    content,
	}
}

// translateTools converts canonical declarations into OpenAI function
// schemas, sanitizing each parameter schema rather than dropping
// declarations with unsupported keywords.
func (p *OpenAICompatible) translateTools(tools []llm.ToolDeclaration) []openAITool {
	if len(tools) == 0 {
		return nil
	}

	translated := make([]openAITool, 0, len(tools))
	for _, tool := range tools {
		translated = append(translated, openAITool{
			Type: "function",
			Function: openAIFunctionSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  sanitizeSchema(tool.Parameters),
			},
		})
	}
	return translated
}

func (p *OpenAICompatible) buildRequest(req *llm.GenerateRequest, stream bool) *openAIRequest {
	out := &openAIRequest{
		Model:       p.resolveModel(req),
		Messages:    p.translateMessages(req.Contents),
		Temperature: req.Config.Temperature,
		MaxTokens:   req.Config.MaxOutputTokens,
		Stop:        req.Config.StopSequences,
		Stream:      stream,
		Tools:       p.translateTools(req.Config.Tools),
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = "auto"
	}
	if stream {
		out.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	return out
}

func (p *OpenAICompatible) doRequest(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: "create request", Err: err}
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: "request failed", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, p.statusError(resp)
	}

	return resp, nil
}

// statusError converts a non-2xx response into an APIError carrying the
// status code; 429 stays distinguishable for external retry policy.
func (p *OpenAICompatible) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := strings.TrimSpace(string(body))
	var decoded openAIResponse
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error != nil {
		message = decoded.Error.Message
	}

	return &llm.APIError{
		Provider:   p.vendor,
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}

func (p *OpenAICompatible) GenerateContent(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	resp, err := p.doRequest(ctx, "/chat/completions", p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader, err := decompressReader(resp)
	if err != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: "decompress response", Err: err}
	}

	var decoded openAIResponse
	if err := json.NewDecoder(reader).Decode(&decoded); err != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: "decode response", Err: err}
	}

	return p.translateResponse(&decoded)
}

// translateResponse maps a single-shot vendor response onto one canonical
// candidate: text first, then tool calls, in vendor order. A response with
// no content still yields one empty-text part.
func (p *OpenAICompatible) translateResponse(resp *openAIResponse) (*llm.GenerateResponse, error) {
	if resp.Error != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: resp.Error.Message}
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.APIError{Provider: p.vendor, Message: "response contained no choices"}
	}

	choice := resp.Choices[0]
	message := choice.Message
	if message == nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: "choice contained no message"}
	}

	var parts []llm.Part
	if message.Content != "" {
		parts = append(parts, llm.TextPart(message.Content))
	}
	for _, call := range message.ToolCalls {
		parts = append(parts, llm.Part{FunctionCall: p.translateToolCallResponse(call)})
	}
	if len(parts) == 0 {
		parts = append(parts, llm.TextPart(""))
	}

	finishReason := llm.FinishReasonUnspecified
	if choice.FinishReason != nil {
		finishReason = mapOpenAIFinishReason(*choice.FinishReason)
	}

	out := &llm.GenerateResponse{
		Candidates: []llm.Candidate{
			{
				Content:      llm.Message{Role: llm.RoleModel, Parts: parts},
				FinishReason: finishReason,
				Index:        choice.Index,
			},
		},
	}
	if resp.Usage != nil {
		out.Usage = &llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// translateToolCallResponse parses a completed vendor tool call. Broken
// argument JSON degrades to a call with no arguments rather than failing
// the response.
func (p *OpenAICompatible) translateToolCallResponse(call openAIToolCall) *llm.FunctionCall {
	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			p.logger.Warn("Malformed tool call arguments, substituting empty object",
				"provider", p.vendor,
				"tool", call.Function.Name,
				"error", err,
			)
			args = map[string]any{}
		}
	}

	id := call.ID
	if id == "" {
		id = fallbackCallID(call.Function.Name)
	}

	return &llm.FunctionCall{
		ID:   id,
		Name: call.Function.Name,
		Args: args,
	}
}

func mapOpenAIFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop", "tool_calls", "function_call":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonMaxTokens
	case "content_filter":
		return llm.FinishReasonSafety
	default:
		return llm.FinishReasonOther
	}
}

// CountTokens estimates prompt tokens with the cl100k_base tokenizer,
// falling back to a character-count estimate when the tokenizer is
// unavailable. Exact counts require vendor tokenizer access and are out of
// scope.
func (p *OpenAICompatible) CountTokens(_ context.Context, req *llm.GenerateRequest) (int, error) {
	var text strings.Builder
	for _, msg := range req.Contents {
		text.WriteString(llm.ExtractPlainText(msg))
	}

	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		p.logger.Debug("Tokenizer unavailable, using character estimate", "error", err)
		return text.Len() / charsPerToken, nil
	}

	return len(encoding.Encode(text.String(), nil, nil)), nil
}

func (p *OpenAICompatible) EmbedContent(ctx context.Context, texts []string) ([][]float64, error) {
	if !p.embeddings {
		return nil, llm.NewCapabilityError(p.vendor, CapabilityEmbeddings)
	}

	resp, err := p.doRequest(ctx, "/embeddings", &openAIEmbeddingRequest{
		Model: openAIEmbeddingModel,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded openAIEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: "decode embedding response", Err: err}
	}
	if decoded.Error != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: decoded.Error.Message}
	}

	vectors := make([][]float64, 0, len(decoded.Data))
	for _, item := range decoded.Data {
		vectors = append(vectors, item.Embedding)
	}
	return vectors, nil
}
