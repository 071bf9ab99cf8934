package providers

import (
	"context"
	"encoding/json"
	"iter"
	"sort"

	"github.com/Davincible/modelbridge/internal/llm"
)

// anthropicStreamEvent is the union of every event shape the Messages API
// streams; Type discriminates.
type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	Message      *anthropicResponse `json:"message,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string  `json:"type"`
	Text        string  `json:"text,omitempty"`
	PartialJSON string  `json:"partial_json,omitempty"`
	StopReason  *string `json:"stop_reason,omitempty"`
}

// GenerateContentStream issues a streaming Messages API request and returns
// a lazy, single-pass sequence of canonical partial responses. The response
// body is closed on every exit path.
func (p *AnthropicProvider) GenerateContentStream(ctx context.Context, req *llm.GenerateRequest) iter.Seq2[*llm.GenerateResponse, error] {
	return func(yield func(*llm.GenerateResponse, error) bool) {
		resp, err := p.doRequest(ctx, p.buildRequest(req, true))
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

// parseStream interprets the block-start/delta/stop event grammar. Text
// deltas are emitted immediately; tool_use blocks accumulate id, name and
// raw argument JSON across input_json_delta events, keyed by block index,
// and flush on content_block_stop (or implicitly when a stop reason or the
// end of the stream arrives with blocks still open).
func (p *AnthropicProvider) parseStream(ctx context.Context, scanner *sseScanner, yield func(*llm.GenerateResponse, error) bool) {
	accumulators := make(map[int]*toolCallAccumulator)
	var inputTokens, outputTokens int
	finished := false

	for {
		payload, ok, err := scanner.next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			yield(nil, &llm.APIError{Provider: p.vendor, Message: "stream read failed", Err: err})
			return
		}
		if !ok {
			break
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			p.logger.Warn("Skipping malformed stream event",
				"provider", p.vendor,
				"error", err,
			)
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				inputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				acc := &toolCallAccumulator{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
				accumulators[event.Index] = acc
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text == "" {
					continue
				}
				if !yield(textDeltaResponse(event.Delta.Text), nil) {
					return
				}
			case "input_json_delta":
				if acc, exists := accumulators[event.Index]; exists {
					acc.args.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			acc, exists := accumulators[event.Index]
			if !exists {
				continue
			}
			delete(accumulators, event.Index)
			response := &llm.GenerateResponse{
				Candidates: []llm.Candidate{
					{Content: llm.Message{Role: llm.RoleModel, Parts: []llm.Part{acc.flush(p.logger, p.vendor)}}},
				},
			}
			if !yield(response, nil) {
				return
			}

		case "message_delta":
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}
			if event.Delta == nil || event.Delta.StopReason == nil {
				continue
			}
			finished = true

			// A stop reason arriving with accumulators still open is an
			// implicit completion of those calls.
			parts := p.flushOpenBlocks(accumulators)
			if len(parts) == 0 {
				parts = []llm.Part{llm.TextPart("")}
			}

			response := &llm.GenerateResponse{
				Candidates: []llm.Candidate{
					{
						Content:      llm.Message{Role: llm.RoleModel, Parts: parts},
						FinishReason: mapAnthropicStopReason(*event.Delta.StopReason),
					},
				},
				Usage: &llm.Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				},
			}
			if !yield(response, nil) {
				return
			}

		case "message_stop":
			// Terminal marker; any cleanup happens after the loop.

		case "error":
			if event.Error != nil {
				yield(nil, &llm.APIError{Provider: p.vendor, Message: event.Error.Message})
				return
			}
		}
	}

	if !finished {
		if parts := p.flushOpenBlocks(accumulators); len(parts) > 0 {
			yield(&llm.GenerateResponse{
				Candidates: []llm.Candidate{
					{Content: llm.Message{Role: llm.RoleModel, Parts: parts}},
				},
			}, nil)
		}
	}
}

// flushOpenBlocks completes every still-open block in index order and
// empties the map.
func (p *AnthropicProvider) flushOpenBlocks(accumulators map[int]*toolCallAccumulator) []llm.Part {
	if len(accumulators) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(accumulators))
	for index := range accumulators {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	var parts []llm.Part
	for _, index := range indexes {
		acc := accumulators[index]
		if acc.name == "" {
			p.logger.Warn("Dropping incomplete tool call accumulator", "provider", p.vendor, "index", index)
			continue
		}
		parts = append(parts, acc.flush(p.logger, p.vendor))
	}
	clear(accumulators)
	return parts
}
