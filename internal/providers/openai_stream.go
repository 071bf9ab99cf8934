package providers

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"sort"
	"strings"

	"github.com/Davincible/modelbridge/internal/llm"
)

// toolCallAccumulator assembles one tool call whose id, name and argument
// JSON arrive sliced across many stream events. It lives only inside one
// stream parse and is discarded once the call is flushed.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// flush parses the accumulated argument string into a canonical function
// call part. Broken argument JSON degrades to an empty argument object
// rather than aborting the turn.
func (acc *toolCallAccumulator) flush(logger *slog.Logger, vendor string) llm.Part {
	args := map[string]any{}
	raw := acc.args.String()
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			logger.Warn("Malformed streamed tool call arguments, substituting empty object",
				"provider", vendor,
				"tool", acc.name,
				"error", err,
			)
			args = map[string]any{}
		}
	}

	id := acc.id
	if id == "" {
		id = fallbackCallID(acc.name)
	}

	return llm.Part{FunctionCall: &llm.FunctionCall{
		ID:   id,
		Name: acc.name,
		Args: args,
	}}
}

// GenerateContentStream issues a streaming request and returns a lazy,
// single-pass sequence of canonical partial responses: incremental text
// deltas, completed function calls and a final finish-reason chunk carrying
// usage. The response body is closed on every exit path, including early
// consumer break.
func (p *OpenAICompatible) GenerateContentStream(ctx context.Context, req *llm.GenerateRequest) iter.Seq2[*llm.GenerateResponse, error] {
	return func(yield func(*llm.GenerateResponse, error) bool) {
		resp, err := p.doRequest(ctx, "/chat/completions", p.buildRequest(req, true))
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		reader, err := decompressReader(resp)
		if err != nil {
			yield(nil, &llm.APIError{Provider: p.vendor, Message: "decompress response", Err: err})
			return
		}

		p.parseStream(ctx, newSSEScanner(reader), yield)
	}
}

func (p *OpenAICompatible) parseStream(ctx context.Context, scanner *sseScanner, yield func(*llm.GenerateResponse, error) bool) {
	accumulators := make(map[int]*toolCallAccumulator)
	var pendingUsage *llm.Usage
	finished := false

	for {
		payload, ok, err := scanner.next()
		if err != nil {
			// Consumer-driven cancellation ends the sequence without a
			// synthetic finish event; real read failures are terminal.
			if ctx.Err() != nil {
				return
			}
			yield(nil, &llm.APIError{Provider: p.vendor, Message: "stream read failed", Err: err})
			return
		}
		if !ok {
			break
		}

		var chunk openAIResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			p.logger.Warn("Skipping malformed stream event",
				"provider", p.vendor,
				"error", err,
			)
			continue
		}

		if chunk.Usage != nil {
			pendingUsage = &llm.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta != nil {
			if len(choice.Delta.ToolCalls) > 0 {
				p.accumulateToolCalls(choice.Delta.ToolCalls, accumulators)
			}
			if choice.Delta.Content != "" {
				response := textDeltaResponse(choice.Delta.Content)
				response.Usage = pendingUsage
				pendingUsage = nil
				if !yield(response, nil) {
					return
				}
			}
		}

		if choice.FinishReason != nil {
			finished = true
			parts := flushAccumulators(p, accumulators)
			if len(parts) == 0 {
				parts = []llm.Part{llm.TextPart("")}
			}

			response := &llm.GenerateResponse{
				Candidates: []llm.Candidate{
					{
						Content:      llm.Message{Role: llm.RoleModel, Parts: parts},
						FinishReason: mapOpenAIFinishReason(*choice.FinishReason),
					},
				},
				Usage: pendingUsage,
			}
			pendingUsage = nil
			if !yield(response, nil) {
				return
			}
		}
	}

	// Stream ended without an explicit finish event: flush any still-open
	// tool calls so the consumer never loses a completed call.
	if !finished {
		if parts := flushAccumulators(p, accumulators); len(parts) > 0 {
			response := &llm.GenerateResponse{
				Candidates: []llm.Candidate{
					{Content: llm.Message{Role: llm.RoleModel, Parts: parts}},
				},
				Usage: pendingUsage,
			}
			pendingUsage = nil
			if !yield(response, nil) {
				return
			}
		}
	}

	// With stream_options.include_usage the vendor reports usage in a
	// choice-less chunk after the finish event. Surface it in a trailing
	// chunk instead of dropping it.
	if pendingUsage != nil {
		yield(&llm.GenerateResponse{
			Candidates: []llm.Candidate{
				{Content: llm.Message{Role: llm.RoleModel, Parts: []llm.Part{llm.TextPart("")}}},
			},
			Usage: pendingUsage,
		}, nil)
	}
}

// accumulateToolCalls folds tool-call delta events into per-index
// accumulators. Vendors differ on whether id and name arrive together or in
// separate events; fields initialize as they show up. Argument fragments are
// raw JSON slices and are concatenated, never parsed, until the call
// completes.
func (p *OpenAICompatible) accumulateToolCalls(calls []openAIToolCall, accumulators map[int]*toolCallAccumulator) {
	for _, call := range calls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}

		acc, exists := accumulators[index]
		if !exists {
			acc = &toolCallAccumulator{}
			accumulators[index] = acc
		}

		if call.ID != "" {
			acc.id = call.ID
		}
		if call.Function.Name != "" {
			acc.name = call.Function.Name
		}
		if call.Function.Arguments != "" {
			acc.args.WriteString(call.Function.Arguments)
		}
	}
}

// flushAccumulators completes every open tool call in index order and
// empties the map.
func flushAccumulators(p *OpenAICompatible, accumulators map[int]*toolCallAccumulator) []llm.Part {
	if len(accumulators) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(accumulators))
	for index := range accumulators {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	parts := make([]llm.Part, 0, len(indexes))
	for _, index := range indexes {
		acc := accumulators[index]
		if acc.name == "" {
			// Never learned the function name; nothing usable to emit.
			p.logger.Warn("Dropping incomplete tool call accumulator", "provider", p.vendor, "id", acc.id)
			continue
		}
		parts = append(parts, acc.flush(p.logger, p.vendor))
	}

	clear(accumulators)
	return parts
}

func textDeltaResponse(text string) *llm.GenerateResponse {
	return &llm.GenerateResponse{
		Candidates: []llm.Candidate{
			{
				Content: llm.Message{
					Role:  llm.RoleModel,
					Parts: []llm.Part{llm.TextPart(text)},
				},
			},
		},
	}
}
