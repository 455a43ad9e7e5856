package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kestrelhq/relay/pkg/models"
)

// OpenAIProvider implements Provider against any OpenAI-compatible chat
// completions API (OpenAI itself, or a compatible gateway via BaseURL).
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	if p.client == nil {
		return nil, &Error{Err: errors.New("openai: client not configured")}
	}

	messages, err := convertToOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("openai: convert messages: %w", err)}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &Error{Cancelled: true, Err: ctx.Err()}
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isOpenAIRetryable(lastErr) {
			return nil, &Error{Err: fmt.Errorf("openai: non-retryable: %w", lastErr)}
		}
	}
	if lastErr != nil {
		return nil, &Error{Transient: true, Err: fmt.Errorf("openai: max retries exceeded: %w", lastErr)}
	}

	out := make(chan Chunk)
	go processOpenAIStream(ctx, stream, out)
	return out, nil
}

func processOpenAIStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk) {
	defer close(out)
	defer stream.Close()

	type building struct{ id, name, args string }
	calls := make(map[int]*building)
	var inputTokens, outputTokens int

	flush := func() {
		indices := make([]int, 0, len(calls))
		for idx := range calls {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			c := calls[idx]
			if c.id == "" || c.name == "" {
				continue
			}
			out <- Chunk{Kind: ChunkToolCall, ToolCallID: c.id, ToolName: c.name, Arguments: []byte(c.args)}
		}
		calls = make(map[int]*building)
	}

	for {
		select {
		case <-ctx.Done():
			out <- Chunk{Kind: ChunkError, Err: &Error{Cancelled: true, Err: ctx.Err()}}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				flush()
				out <- Chunk{Kind: ChunkDone, InputTokens: inputTokens, OutputTokens: outputTokens}
			case ctx.Err() != nil:
				out <- Chunk{Kind: ChunkError, Err: &Error{Cancelled: true, Err: ctx.Err()}}
			}
			return
		}
		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			out <- Chunk{Kind: ChunkText, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if calls[idx] == nil {
				calls[idx] = &building{}
			}
			if tc.ID != "" {
				calls[idx].id = tc.ID
			}
			if tc.Function.Name != "" {
				calls[idx].name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				calls[idx].args += tc.Function.Arguments
			}
		}

		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func convertToOpenAIMessages(messages []models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range messages {
		content := m.EffectiveContent()
		if len(content) == 0 {
			continue
		}

		if m.Role == models.RoleUser {
			var toolResults []models.Content
			var text strings.Builder
			for _, c := range content {
				switch c.Kind {
				case models.ContentToolResult:
					toolResults = append(toolResults, c)
				case models.ContentText:
					if text.Len() > 0 {
						text.WriteString("\n")
					}
					text.WriteString(c.Text)
				}
			}
			for _, tr := range toolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.ToolResultOutput,
					ToolCallID: tr.ToolCallID,
				})
			}
			if text.Len() > 0 {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text.String()})
			}
			continue
		}

		// Assistant message: text plus any tool requests.
		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
		for _, c := range content {
			switch c.Kind {
			case models.ContentText:
				msg.Content += c.Text
			case models.ContentToolRequest:
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   c.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      c.ToolName,
						Arguments: string(c.Arguments),
					},
				})
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

func convertToOpenAITools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		schema := map[string]any{"type": "object", "properties": map[string]any{}}
		if len(t.InputSchema) > 0 {
			var decoded map[string]any
			if err := json.Unmarshal(t.InputSchema, &decoded); err == nil {
				schema = decoded
			}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func isOpenAIRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
