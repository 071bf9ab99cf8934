package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/modelbridge/internal/config"
	"github.com/Davincible/modelbridge/internal/llm"
)

func newTestOpenAI(t *testing.T, handler http.Handler) *OpenAICompatible {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewOpenAIProvider(config.Provider{
		Name:    "openai",
		APIKey:  "sk-test",
		BaseURL: server.URL,
	}, testLogger())
}

func TestOpenAI_GenerateContent(t *testing.T) {
	provider := newTestOpenAI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body.Model)
		assert.False(t, body.Stream)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "Hello, world!", body.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-123",
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
		}`)
	}))

	resp, err := provider.GenerateContent(t.Context(), llm.NewTextRequest("gpt-4o", "Hello, world!"))
	require.NoError(t, err)

	require.Len(t, resp.Candidates, 1)
	candidate := resp.Candidates[0]
	assert.Equal(t, llm.RoleModel, candidate.Content.Role)
	require.Len(t, candidate.Content.Parts, 1)
	assert.Equal(t, "Hi!", candidate.Content.Parts[0].Text)
	assert.Equal(t, llm.FinishReasonStop, candidate.FinishReason)

	require.NotNil(t, resp.Usage)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestOpenAI_GenerateContent_EmptyResponseYieldsOnePart(t *testing.T) {
	provider := newTestOpenAI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}]}`)
	}))

	resp, err := provider.GenerateContent(t.Context(), llm.NewTextRequest("", "hi"))
	require.NoError(t, err)

	require.Len(t, resp.Candidates[0].Content.Parts, 1)
	assert.Equal(t, "", resp.Candidates[0].Content.Parts[0].Text)
}

func TestOpenAI_StatusErrorCarriesCode(t *testing.T) {
	provider := newTestOpenAI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))

	_, err := provider.GenerateContent(t.Context(), llm.NewTextRequest("", "hi"))
	require.Error(t, err)

	assert.True(t, llm.IsRateLimited(err))
	assert.Contains(t, err.Error(), "openai")
	assert.Contains(t, err.Error(), "slow down")
}

func TestOpenAI_TranslateMessages(t *testing.T) {
	provider := NewOpenAIProvider(config.Provider{Name: "openai", APIKey: "sk"}, testLogger())

	temperature := 0.2
	contents := []llm.Message{
		{Role: llm.RoleSystem, Parts: []llm.Part{llm.TextPart("You are helpful")}},
		llm.NewUserMessage("What's the weather in NY?"),
		{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart("   \n\t")}},
		{
			Role: llm.RoleModel,
			Parts: []llm.Part{
				llm.TextPart("Checking."),
				{FunctionCall: &llm.FunctionCall{ID: "call_1", Name: "get_weather", Args: map[string]any{"location": "NY"}}},
			},
		},
		{
			Role: llm.RoleUser,
			Parts: []llm.Part{
				{FunctionResponse: &llm.FunctionResponse{ID: "call_1", Name: "get_weather", Response: map[string]any{"temp": 71}}},
			},
		},
	}

	body := provider.buildRequest(&llm.GenerateRequest{
		Contents: contents,
		Config:   llm.GenerateConfig{Temperature: &temperature},
	}, false)

	require.Len(t, body.Messages, 4, "whitespace-only message is dropped")

	assert.Equal(t, "system", body.Messages[0].Role)
	assert.Equal(t, "user", body.Messages[1].Role)

	assistant := body.Messages[2]
	assert.Equal(t, "assistant", assistant.Role)
	assert.Equal(t, "Checking.", assistant.Content)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", assistant.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"location":"NY"}`, assistant.ToolCalls[0].Function.Arguments)

	toolMsg := body.Messages[3]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.JSONEq(t, `{"temp":71}`, toolMsg.Content)
}

func TestOpenAI_TranslateFunctionResponse_FallbackID(t *testing.T) {
	provider := NewOpenAIProvider(config.Provider{Name: "openai", APIKey: "sk"}, testLogger())

	msg := provider.translateFunctionResponse(llm.FunctionResponse{Name: "get_weather"})
	assert.True(t, strings.HasPrefix(msg.ToolCallID, "get_weather-"), "fallback id derives from the function name")

	other := provider.translateFunctionResponse(llm.FunctionResponse{Name: "get_weather"})
	assert.NotEqual(t, msg.ToolCallID, other.ToolCallID, "fallback ids are unique per invocation")
}

func TestOpenAI_ToolCallRoundTrip(t *testing.T) {
	provider := NewOpenAIProvider(config.Provider{Name: "openai", APIKey: "sk"}, testLogger())

	original := llm.FunctionCall{
		ID:   "call_abc",
		Name: "get_weather",
		Args: map[string]any{"location": "NY", "days": float64(3)},
	}

	wire := provider.translateToolCall(original)
	restored := provider.translateToolCallResponse(wire)

	assert.Equal(t, original.Name, restored.Name)
	assert.Equal(t, original.Args, restored.Args)
	assert.Equal(t, original.ID, restored.ID)
}

func TestOpenAI_TranslateTools_SanitizesSchemas(t *testing.T) {
	provider := NewOpenAIProvider(config.Provider{Name: "openai", APIKey: "sk"}, testLogger())

	tools := provider.translateTools([]llm.ToolDeclaration{
		{
			Name:        "get_weather",
			Description: "Get current weather",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{"type": "string", "format": "city"},
				},
			},
		},
	})

	require.Len(t, tools, 1)
	assert.Equal(t, "function", tools[0].Type)
	location := tools[0].Function.Parameters["properties"].(map[string]any)["location"].(map[string]any)
	assert.NotContains(t, location, "format")
}

func sseBody(events ...string) string {
	var sb strings.Builder
	for _, event := range events {
		sb.WriteString("data: ")
		sb.WriteString(event)
		sb.WriteString("\n\n")
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func newStreamingOpenAI(t *testing.T, body string) *OpenAICompatible {
	t.Helper()
	return newTestOpenAI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
}

func collectStream(t *testing.T, provider Provider, req *llm.GenerateRequest) []*llm.GenerateResponse {
	t.Helper()

	var responses []*llm.GenerateResponse
	for resp, err := range provider.GenerateContentStream(t.Context(), req) {
		require.NoError(t, err)
		responses = append(responses, resp)
	}
	return responses
}

func TestOpenAI_StreamTextDeltas(t *testing.T) {
	provider := newStreamingOpenAI(t, sseBody(
		`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"lo!"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
	))

	responses := collectStream(t, provider, llm.NewTextRequest("", "hi"))
	require.Len(t, responses, 3)

	assert.Equal(t, "Hel", responses[0].Text())
	assert.Equal(t, "lo!", responses[1].Text())

	final := responses[2]
	assert.Equal(t, llm.FinishReasonStop, final.Candidates[0].FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 7, final.Usage.TotalTokens)
}

func TestOpenAI_StreamToolCallAccumulation(t *testing.T) {
	// One call's arguments sliced across two delta events, then a
	// tool_calls finish. Exactly one function-call part must come out, with
	// the concatenation parsed.
	provider := newStreamingOpenAI(t, sseBody(
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"get_weather","arguments":"{\"locat"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ion\":\"NY\"}"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	))

	responses := collectStream(t, provider, llm.NewTextRequest("", "weather?"))
	require.Len(t, responses, 1)

	calls := responses[0].FunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_9", calls[0].ID)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Equal(t, map[string]any{"location": "NY"}, calls[0].Args)
	assert.Equal(t, llm.FinishReasonStop, responses[0].Candidates[0].FinishReason)
}

func TestOpenAI_StreamUsageAfterFinish(t *testing.T) {
	// With stream_options.include_usage the vendor reports usage in a
	// choice-less chunk after the finish event; it must still reach the
	// consumer.
	provider := newStreamingOpenAI(t, sseBody(
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
	))

	responses := collectStream(t, provider, llm.NewTextRequest("", "hi"))
	require.Len(t, responses, 3)

	assert.Equal(t, llm.FinishReasonStop, responses[1].Candidates[0].FinishReason)
	assert.Nil(t, responses[1].Usage)

	trailing := responses[2]
	assert.Equal(t, llm.FinishReasonUnspecified, trailing.Candidates[0].FinishReason)
	require.NotNil(t, trailing.Usage)
	assert.Equal(t, 5, trailing.Usage.PromptTokens)
	assert.Equal(t, 2, trailing.Usage.CompletionTokens)
	assert.Equal(t, 7, trailing.Usage.TotalTokens)
}

func TestOpenAI_StreamMixedTextAndToolCallDelta(t *testing.T) {
	// A single delta carrying both text and a tool-call fragment loses
	// neither.
	provider := newStreamingOpenAI(t, sseBody(
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"Checking.","tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":"{}"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	))

	responses := collectStream(t, provider, llm.NewTextRequest("", "weather?"))
	require.Len(t, responses, 2)

	assert.Equal(t, "Checking.", responses[0].Text())

	calls := responses[1].FunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
}

func TestOpenAI_StreamCancellationEndsSilently(t *testing.T) {
	provider := newTestOpenAI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		w.(http.Flusher).Flush()

		// Hold the stream open until the client gives up.
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var texts []string
	for resp, err := range provider.GenerateContentStream(ctx, llm.NewTextRequest("", "hi")) {
		require.NoError(t, err, "a cancelled stream ends without a synthetic error")
		texts = append(texts, resp.Text())
		cancel()
	}

	assert.Equal(t, []string{"Hi"}, texts)
}

func TestOpenAI_StreamMalformedEventIsSkipped(t *testing.T) {
	provider := newStreamingOpenAI(t, sseBody(
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"first"}}]}`,
		`{this is not json`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"second"}}]}`,
	))

	responses := collectStream(t, provider, llm.NewTextRequest("", "hi"))
	require.Len(t, responses, 2)
	assert.Equal(t, "first", responses[0].Text())
	assert.Equal(t, "second", responses[1].Text())
}

func TestOpenAI_StreamEndWithoutFinishFlushesToolCall(t *testing.T) {
	provider := newStreamingOpenAI(t, sseBody(
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"list_files","arguments":"{}"}}]}}]}`,
	))

	responses := collectStream(t, provider, llm.NewTextRequest("", "ls"))
	require.Len(t, responses, 1)

	calls := responses[0].FunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "list_files", calls[0].Name)
	assert.Empty(t, calls[0].Args)
	assert.Equal(t, llm.FinishReasonUnspecified, responses[0].Candidates[0].FinishReason)
}

func TestOpenAI_StreamMalformedToolArgsDegradeToEmpty(t *testing.T) {
	provider := newStreamingOpenAI(t, sseBody(
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"broken","arguments":"{\"unterminated"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	))

	responses := collectStream(t, provider, llm.NewTextRequest("", "go"))
	require.Len(t, responses, 1)

	calls := responses[0].FunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "broken", calls[0].Name)
	assert.Equal(t, map[string]any{}, calls[0].Args)
}

func TestOpenAI_StreamNon2xxYieldsAPIError(t *testing.T) {
	provider := newTestOpenAI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"authentication_error","message":"bad key"}}`)
	}))

	var streamErr error
	for _, err := range provider.GenerateContentStream(t.Context(), llm.NewTextRequest("", "hi")) {
		streamErr = err
		break
	}

	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "bad key")
}

// TestOpenAI_StreamArgFragmentProperty verifies that tool-call arguments
// split across any number of fragment events reassemble identically.
func TestOpenAI_StreamArgFragmentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	const argJSON = `{"location":"NY"}`

	properties.Property("fragmented arguments reassemble", prop.ForAll(
		func(splits []int) bool {
			fragments := splitAt(argJSON, splits)

			provider := NewOpenAIProvider(config.Provider{Name: "openai", APIKey: "sk"}, testLogger())
			accumulators := make(map[int]*toolCallAccumulator)

			first := []openAIToolCall{{
				Index:    intPtr(0),
				ID:       "call_1",
				Function: openAIFunction{Name: "get_weather", Arguments: fragments[0]},
			}}
			provider.accumulateToolCalls(first, accumulators)

			for _, fragment := range fragments[1:] {
				provider.accumulateToolCalls([]openAIToolCall{{
					Index:    intPtr(0),
					Function: openAIFunction{Arguments: fragment},
				}}, accumulators)
			}

			parts := flushAccumulators(provider, accumulators)
			if len(parts) != 1 {
				return false
			}
			call := parts[0].FunctionCall
			return call.Name == "get_weather" && call.Args["location"] == "NY"
		},
		gen.SliceOf(gen.IntRange(0, len(argJSON))),
	))

	properties.TestingRun(t)
}

// splitAt slices s at the given positions (clamped and sorted), always
// returning at least one fragment.
func splitAt(s string, positions []int) []string {
	points := append([]int(nil), positions...)
	for i := range points {
		if points[i] < 0 {
			points[i] = 0
		}
		if points[i] > len(s) {
			points[i] = len(s)
		}
	}
	points = append(points, 0, len(s))

	unique := map[int]bool{}
	for _, p := range points {
		unique[p] = true
	}
	cuts := make([]int, 0, len(unique))
	for p := range unique {
		cuts = append(cuts, p)
	}
	sort.Ints(cuts)

	var fragments []string
	for i := 1; i < len(cuts); i++ {
		fragments = append(fragments, s[cuts[i-1]:cuts[i]])
	}
	if len(fragments) == 0 {
		fragments = []string{s}
	}
	return fragments
}

func intPtr(v int) *int {
	return &v
}

func TestOpenAI_EmbedContent(t *testing.T) {
	provider := newTestOpenAI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var body openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"hello", "world"}, body.Input)

		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2]},{"embedding":[0.3,0.4]}]}`)
	}))

	vectors, err := provider.EmbedContent(t.Context(), []string{"hello", "world"})
	require.NoError(t, err)

	require.Len(t, vectors, 2)
	assert.Equal(t, []float64{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float64{0.3, 0.4}, vectors[1])
}

func TestOpenAI_CountTokens(t *testing.T) {
	provider := NewOpenAIProvider(config.Provider{Name: "openai", APIKey: "sk"}, testLogger())

	count, err := provider.CountTokens(t.Context(), llm.NewTextRequest("", "Hello, world!"))
	require.NoError(t, err)
	assert.Greater(t, count, 0)
}

func TestOpenAI_ValidateConfig(t *testing.T) {
	healthy := newTestOpenAI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, `{"data":[]}`)
	}))
	assert.True(t, healthy.ValidateConfig(t.Context()))

	unhealthy := newTestOpenAI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	assert.False(t, unhealthy.ValidateConfig(t.Context()))

	unreachable := NewOpenAIProvider(config.Provider{
		Name:    "openai",
		APIKey:  "sk",
		BaseURL: "http://127.0.0.1:1",
	}, testLogger())
	assert.False(t, unreachable.ValidateConfig(t.Context()))
}

func TestOpenAI_ModelResolutionOrder(t *testing.T) {
	provider := NewOpenAIProvider(config.Provider{Name: "openai", APIKey: "sk", Model: "gpt-4.1"}, testLogger())

	assert.Equal(t, "gpt-4o-mini", provider.resolveModel(&llm.GenerateRequest{Model: "gpt-4o-mini"}))
	assert.Equal(t, "gpt-4.1", provider.resolveModel(&llm.GenerateRequest{}))

	bare := NewOpenAIProvider(config.Provider{Name: "openai", APIKey: "sk"}, testLogger())
	assert.Equal(t, openAIFallbackModel, bare.resolveModel(&llm.GenerateRequest{}))
}
