package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kestrelhq/relay/pkg/models"
)

// maxEmptyStreamEvents bounds how many consecutive no-op SSE events we'll
// tolerate before treating the stream as malformed and aborting it.
const maxEmptyStreamEvents = 50

// AnthropicProvider implements Provider against Anthropic's Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *AnthropicProvider) maxTokens(req Request) int64 {
	if req.MaxTokens > 0 {
		return int64(req.MaxTokens)
	}
	return 4096
}

// Complete streams a completion, retrying stream establishment with
// exponential backoff on transient failures; a mid-stream failure closes
// the channel without a Done chunk.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, &Error{Err: err}
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)

		var stream interface {
			Next() bool
			Current() anthropic.MessageStreamEventUnion
			Err() error
		}
		var lastErr error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			s := p.client.Messages.NewStreaming(ctx, params)
			stream = s
			lastErr = nil

			if !streamHasImmediateError(s) {
				break
			}
			lastErr = s.Err()
			if !isRetryableError(lastErr) {
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				out <- Chunk{Kind: ChunkError, Err: &Error{Cancelled: true, Err: ctx.Err()}}
				return
			case <-time.After(backoff):
			}
		}
		if lastErr != nil {
			return
		}

		processAnthropicStream(ctx, stream, out)
	}()
	return out, nil
}

// streamHasImmediateError reports whether the stream failed before
// yielding any event, the one case worth retrying (anything mid-stream
// is surfaced to the caller as a failed turn iteration instead).
func streamHasImmediateError(s interface {
	Next() bool
	Err() error
}) bool {
	if s.Next() {
		return false
	}
	return s.Err() != nil
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req)),
		Messages:  messages,
		MaxTokens: p.maxTokens(req),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

func convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, c := range m.EffectiveContent() {
			switch c.Kind {
			case models.ContentText:
				blocks = append(blocks, anthropic.NewTextBlock(c.Text))
			case models.ContentToolRequest:
				var args any
				if err := json.Unmarshal(c.Arguments, &args); err != nil {
					return nil, fmt.Errorf("tool request %s: %w", c.ToolCallID, err)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ToolCallID, args, c.ToolName))
			case models.ContentToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(c.ToolCallID, c.ToolResultOutput, c.ToolResultIsError))
			case models.ContentImage:
				// Vision attachments go through the beta computer-use path in
				// the teacher; this gateway's chat transports are text/tool
				// only, so an image block here is passed through as a data
				// reference the tool layer resolved, not inlined as base64.
				blocks = append(blocks, anthropic.NewTextBlock("[image: "+c.ImageRef+"]"))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func convertTools(tools []Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.InputSchema) > 0 {
			var decoded map[string]any
			if err := json.Unmarshal(t.InputSchema, &decoded); err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
			schema.Properties = decoded["properties"]
		}
		out = append(out, anthropic.ToolUnionParamOfTool(schema, t.Name))
	}
	return out, nil
}

func processAnthropicStream(ctx context.Context, stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, out chan<- Chunk) {
	var currentToolID, currentToolName string
	var currentToolInput strings.Builder
	inTool := false
	emptyEvents := 0
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				currentToolID, currentToolName = tu.ID, tu.Name
				currentToolInput.Reset()
				inTool = true
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- Chunk{Kind: ChunkText, Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- Chunk{Kind: ChunkThinking, Text: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if inTool {
				out <- Chunk{
					Kind:       ChunkToolCall,
					ToolCallID: currentToolID,
					ToolName:   currentToolName,
					Arguments:  []byte(currentToolInput.String()),
				}
				inTool = false
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			out <- Chunk{Kind: ChunkDone, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return
			}
		}
	}

	// stream.Next() returned false with no message_stop/error event seen:
	// either the SDK's context-bound transport unwound on cancellation, or
	// a lower-level transport error occurred. Classify the former so a
	// cancelled turn reports Cancelled rather than the generic fallback.
	if ctx.Err() != nil {
		out <- Chunk{Kind: ChunkError, Err: &Error{Cancelled: true, Err: ctx.Err()}}
	}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
