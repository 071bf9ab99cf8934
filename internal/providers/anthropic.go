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

	"github.com/Davincible/modelbridge/internal/config"
	"github.com/Davincible/modelbridge/internal/llm"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicFallbackModel  = "claude-sonnet-4-20250514"
	anthropicAPIVersion     = "2023-06-01"

	// The Messages API requires max_tokens on every request.
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider adapts Anthropic's Messages API: X-Api-Key auth (no
// Bearer scheme), an anthropic-version header, tool_use/tool_result content
// blocks and the block-start/delta/stop streaming grammar.
type AnthropicProvider struct {
	vendor     string
	baseURL    string
	apiKey     string
	model      string
	apiVersion string
	logger     *slog.Logger
	httpClient *http.Client
}

func NewAnthropicProvider(cfg config.Provider, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = anthropicFallbackModel
	}

	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = anthropicAPIVersion
	}

	return &AnthropicProvider{
		vendor:     "anthropic",
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		apiVersion: apiVersion,
		logger:     logger,
		httpClient: newHTTPClient(logger),
	}
}

func (p *AnthropicProvider) Name() string {
	return p.vendor
}

func (p *AnthropicProvider) SupportsStreaming() bool {
	return true
}

func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

func (p *AnthropicProvider) SupportsEmbeddings() bool {
	return false
}

func (p *AnthropicProvider) Initialize(ctx context.Context) error {
	if p.apiKey == "" {
		return &llm.ConfigurationError{
			Provider: p.vendor,
			Reason:   "API key is required (set api_key in the provider configuration)",
		}
	}

	if !p.ValidateConfig(ctx) {
		return &llm.APIError{
			Provider: p.vendor,
			Message:  fmt.Sprintf("health check failed against %s", p.baseURL),
		}
	}

	return nil
}

func (p *AnthropicProvider) ValidateConfig(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
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

func (p *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)
}

func (p *AnthropicProvider) resolveModel(req *llm.GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

// Wire format structures.

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role,omitempty"`
	Model      string             `json:"model,omitempty"`
	Content    []anthropicContent `json:"content,omitempty"`
	StopReason *string            `json:"stop_reason,omitempty"`
	Usage      *anthropicUsage    `json:"usage,omitempty"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// translateMessages converts canonical history into the Messages API shape.
// System messages lift into the request-level system string. Canonical
// messages with only empty or whitespace text are dropped. Function
// responses become tool_result blocks carrying the originating call's id.
func (p *AnthropicProvider) translateMessages(contents []llm.Message) (system string, messages []anthropicMessage) {
	var systemParts []string

	for _, msg := range contents {
		switch msg.Role {
		case llm.RoleSystem:
			if text := llm.ExtractPlainText(msg); strings.TrimSpace(text) != "" {
				systemParts = append(systemParts, text)
			}

		case llm.RoleModel:
			var blocks []anthropicContent
			for _, part := range msg.Parts {
				switch {
				case part.FunctionCall != nil:
					blocks = append(blocks, p.translateToolUse(*part.FunctionCall))
				case strings.TrimSpace(part.Text) != "":
					blocks = append(blocks, anthropicContent{Type: "text", Text: part.Text})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})

		default: // user
			var blocks []anthropicContent
			for _, part := range msg.Parts {
				switch {
				case part.FunctionResponse != nil:
					blocks = append(blocks, p.translateToolResult(*part.FunctionResponse))
				case strings.TrimSpace(part.Text) != "":
					blocks = append(blocks, anthropicContent{Type: "text", Text: part.Text})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropicMessage{Role: "user", Content: blocks})
		}
	}

	return strings.Join(systemParts, "\n"), messages
}

func (p *AnthropicProvider) translateToolUse(call llm.FunctionCall) anthropicContent {
	id := call.ID
	if id == "" {
		id = fallbackCallID(call.Name)
	}

	input := call.Args
	if input == nil {
		input = map[string]any{}
	}

	return anthropicContent{
		Type:  "tool_use",
		ID:    id,
		Name:  call.Name,
		Input: input,
	}
}

func (p *AnthropicProvider) translateToolResult(resp llm.FunctionResponse) anthropicContent {
	id := resp.ID
	if id == "" {
		id = fallbackCallID(resp.Name)
	}

	var content any
	if resp.Response != nil {
		if data, err := json.Marshal(resp.Response); err == nil {
			content = string(data)
		}
	}

	return anthropicContent{
		Type:      "tool_result",
		ToolUseID: id,
		Content:   content,
	}
}

func (p *AnthropicProvider) translateTools(tools []llm.ToolDeclaration) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}

	translated := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		translated = append(translated, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: sanitizeSchema(tool.Parameters),
		})
	}
	return translated
}

func (p *AnthropicProvider) buildRequest(req *llm.GenerateRequest, stream bool) *anthropicRequest {
	system, messages := p.translateMessages(req.Contents)

	maxTokens := req.Config.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	return &anthropicRequest{
		Model:         p.resolveModel(req),
		MaxTokens:     maxTokens,
		Messages:      messages,
		System:        system,
		Temperature:   req.Config.Temperature,
		StopSequences: req.Config.StopSequences,
		Stream:        stream,
		Tools:         p.translateTools(req.Config.Tools),
	}
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body *anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
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

func (p *AnthropicProvider) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := strings.TrimSpace(string(body))
	var decoded anthropicResponse
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error != nil {
		message = decoded.Error.Message
	}

	return &llm.APIError{
		Provider:   p.vendor,
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}

func (p *AnthropicProvider) GenerateContent(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	resp, err := p.doRequest(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader, err := decompressReader(resp)
	if err != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: "decompress response", Err: err}
	}

	var decoded anthropicResponse
	if err := json.NewDecoder(reader).Decode(&decoded); err != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: "decode response", Err: err}
	}

	return p.translateResponse(&decoded)
}

// translateResponse maps the Messages API response onto one canonical
// candidate, preserving block order. A response with no blocks still yields
// one empty-text part.
func (p *AnthropicProvider) translateResponse(resp *anthropicResponse) (*llm.GenerateResponse, error) {
	if resp.Error != nil {
		return nil, &llm.APIError{Provider: p.vendor, Message: resp.Error.Message}
	}

	var parts []llm.Part
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			parts = append(parts, llm.TextPart(block.Text))
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			parts = append(parts, llm.Part{FunctionCall: &llm.FunctionCall{
				ID:   block.ID,
				Name: block.Name,
				Args: input,
			}})
		}
	}
	if len(parts) == 0 {
		parts = append(parts, llm.TextPart(""))
	}

	finishReason := llm.FinishReasonUnspecified
	if resp.StopReason != nil {
		finishReason = mapAnthropicStopReason(*resp.StopReason)
	}

	out := &llm.GenerateResponse{
		Candidates: []llm.Candidate{
			{
				Content:      llm.Message{Role: llm.RoleModel, Parts: parts},
				FinishReason: finishReason,
			},
		},
	}
	if resp.Usage != nil {
		out.Usage = usageFromAnthropic(resp.Usage)
	}
	return out, nil
}

func usageFromAnthropic(usage *anthropicUsage) *llm.Usage {
	return &llm.Usage{
		PromptTokens:     usage.InputTokens,
		CompletionTokens: usage.OutputTokens,
		TotalTokens:      usage.InputTokens + usage.OutputTokens,
	}
}

func mapAnthropicStopReason(reason string) llm.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "tool_use":
		return llm.FinishReasonStop
	case "max_tokens":
		return llm.FinishReasonMaxTokens
	case "refusal":
		return llm.FinishReasonSafety
	default:
		return llm.FinishReasonOther
	}
}

// CountTokens is a character-based estimate; the adapter has no tokenizer
// for Anthropic's vocabulary. Documented approximation.
func (p *AnthropicProvider) CountTokens(_ context.Context, req *llm.GenerateRequest) (int, error) {
	total := 0
	for _, msg := range req.Contents {
		total += len(llm.ExtractPlainText(msg))
	}
	return total / charsPerToken, nil
}

func (p *AnthropicProvider) EmbedContent(_ context.Context, _ []string) ([][]float64, error) {
	return nil, llm.NewCapabilityError(p.vendor, CapabilityEmbeddings)
}
