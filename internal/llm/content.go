// Package llm defines the canonical, vendor-neutral content model shared by
// every provider adapter: messages, content parts, tool declarations and
// generation responses. Adapters translate between this model and each
// vendor's wire format; nothing in this package performs I/O.
package llm

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

// FinishReason classifies why generation stopped.
type FinishReason string

const (
	FinishReasonUnspecified FinishReason = ""
	FinishReasonStop        FinishReason = "STOP"
	FinishReasonMaxTokens   FinishReason = "MAX_TOKENS"
	FinishReasonSafety      FinishReason = "SAFETY"
	FinishReasonOther       FinishReason = "OTHER"
)

// FunctionCall is a model-requested tool invocation.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries the result of executing a function call back to
// the model. ID matches the originating call's ID when the vendor provided
// one.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// Part is one unit of message content. Exactly one of the three variants is
// populated.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// Message is one conversation turn: a role plus ordered content parts.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewUserMessage wraps a bare string into the canonical single-part user
// message shorthand.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// ExtractPlainText concatenates all text parts of a message, ignoring
// function calls and responses. A message with no parts yields "".
func ExtractPlainText(msg Message) string {
	var sb strings.Builder
	for _, part := range msg.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// IsFunctionCallMessage reports whether any part of the message carries a
// function call.
func IsFunctionCallMessage(msg Message) bool {
	for _, part := range msg.Parts {
		if part.FunctionCall != nil {
			return true
		}
	}
	return false
}

// ToolDeclaration describes a callable capability offered to the model.
// Parameters is a JSON-Schema-like object; adapters sanitize it per vendor.
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// GenerateConfig holds per-request generation parameters.
type GenerateConfig struct {
	Temperature     *float64
	MaxOutputTokens int
	StopSequences   []string
	Tools           []ToolDeclaration
}

// GenerateRequest is a canonical content-generation request. Contents is the
// full conversation history in order; Model may be empty, in which case the
// adapter's configured default (then its hardcoded fallback) applies.
type GenerateRequest struct {
	Contents []Message
	Model    string
	Config   GenerateConfig
}

// NewTextRequest builds a single-turn request from a bare user string.
func NewTextRequest(model, text string) *GenerateRequest {
	return &GenerateRequest{
		Contents: []Message{NewUserMessage(text)},
		Model:    model,
	}
}

// Usage reports token consumption for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Candidate is one generated completion. All current vendors return exactly
// one candidate per response.
type Candidate struct {
	Content      Message      `json:"content"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Index        int          `json:"index"`
}

// GenerateResponse is a canonical generation result, complete or partial.
// Streamed partial responses carry incremental text deltas, not cumulative
// buffers; the consumer accumulates.
type GenerateResponse struct {
	Candidates []Candidate `json:"candidates"`
	Usage      *Usage      `json:"usage,omitempty"`
}

// Text returns the concatenated text of the first candidate, or "" when the
// response has none.
func (r *GenerateResponse) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	return ExtractPlainText(r.Candidates[0].Content)
}

// FunctionCalls returns every function call in the first candidate, in part
// order.
func (r *GenerateResponse) FunctionCalls() []FunctionCall {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	var calls []FunctionCall
	for _, part := range r.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			calls = append(calls, *part.FunctionCall)
		}
	}
	return calls
}
