package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider adapts the Anthropic SDK's streaming message API to
// the Provider interface.
type AnthropicProvider struct {
	client anthropic.Client
	name   string
}

// NewAnthropicProvider builds a provider bound to one API key. Each
// configured ProviderProfile gets its own instance so profile-specific
// base URLs / API versions (spec's "Provider profile" entity) stay
// isolated from each other.
func NewAnthropicProvider(name, apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), name: name}
}

func (p *AnthropicProvider) Name() string { return p.name }

// Stream issues a streaming completion request and normalizes SDK
// events into CompletionChunks. Any SDK-level error, including a
// mid-stream error event arriving after a 200 status line, is wrapped
// into a classified *Error before being pushed to the error channel so
// downstream retry logic never has to special-case the transport.
func (p *AnthropicProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, <-chan error) {
	chunks := make(chan CompletionChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		params := buildMessageParams(req)
		stream := p.client.Messages.NewStreaming(ctx, params)

		var currentToolID, currentToolName string
		var toolInputBuf []byte

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				if delta := event.Delta; delta.Text != "" {
					chunks <- CompletionChunk{Kind: ChunkText, Text: delta.Text}
				}
				if delta := event.Delta; delta.PartialJSON != "" {
					toolInputBuf = append(toolInputBuf, []byte(delta.PartialJSON)...)
				}
			case "content_block_start":
				if block := event.ContentBlock; block.Type == "tool_use" {
					currentToolID = block.ID
					currentToolName = block.Name
					toolInputBuf = toolInputBuf[:0]
				}
			case "content_block_stop":
				if currentToolID != "" {
					chunks <- CompletionChunk{
						Kind:       ChunkToolCall,
						ToolCallID: currentToolID,
						ToolName:   currentToolName,
						ToolInput:  append([]byte(nil), toolInputBuf...),
					}
					currentToolID = ""
				}
			case "message_delta":
				if usage := event.Usage; usage.OutputTokens != 0 {
					chunks <- CompletionChunk{Kind: ChunkUsage, OutputTokens: usage.OutputTokens}
				}
			case "message_stop":
				chunks <- CompletionChunk{Kind: ChunkStop}
			case "error":
				errs <- classifyStreamErrorEvent(p.name, req.Model, event)
				return
			}
		}
		if err := stream.Err(); err != nil {
			errs <- classifySDKErr(p.name, req.Model, err)
		}
	}()

	return chunks, errs
}

// classifyStreamErrorEvent handles the case spec scenario 3 names
// explicitly: an "error" SSE event arriving inside an otherwise 200
// response, whose payload carries a type such as "overloaded_error".
func classifyStreamErrorEvent(provider, model string, event anthropic.MessageStreamEvent) *Error {
	code := string(event.Error.Type)
	msg := event.Error.Message
	return New(provider, 200, code, msg, fmt.Errorf("stream error event: %s: %s", code, msg))
}

func classifySDKErr(provider, model string, err error) *Error {
	var apiErr *anthropic.Error
	if aerr, ok := asAnthropicError(err); ok {
		apiErr = aerr
		return New(provider, apiErr.StatusCode, string(apiErr.Type), apiErr.Message, err)
	}
	return New(provider, 0, "", err.Error(), err)
}

func asAnthropicError(err error) (*anthropic.Error, bool) {
	var apiErr *anthropic.Error
	if ok := anthropic.IsAPIError(err, &apiErr); ok {
		return apiErr, true
	}
	return nil, false
}

func buildMessageParams(req CompletionRequest) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, t := range req.Tools {
		param, err := toAnthropicTool(t)
		if err != nil {
			// A tool whose own declared schema doesn't even parse as JSON
			// Schema is a programmer error in that tool, not something a
			// retry fixes; drop it from this request rather than failing
			// the whole turn, so one broken tool doesn't take down every
			// other tool call.
			continue
		}
		params.Tools = append(params.Tools, param)
	}
	return params
}

// toAnthropicTool converts one internal ToolSpec into the SDK's tool
// union, round-tripping the JSON Schema through the SDK's own schema
// type so InputSchema is populated the same way the SDK's parameter
// validation expects, rather than left zero-valued.
func toAnthropicTool(t ToolSpec) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("tool %s: invalid input schema: %w", t.Name, err)
	}
	param := anthropic.ToolUnionParamOfTool(schema, t.Name)
	if param.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("tool %s: schema conversion produced no tool definition", t.Name)
	}
	param.OfTool.Description = anthropic.String(t.Description)
	return param, nil
}
