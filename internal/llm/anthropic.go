package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/foreman/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	url        string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// AnthropicOption customizes an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithBaseURL points the client at a different messages endpoint.
func WithBaseURL(url string) AnthropicOption {
	return func(c *AnthropicClient) {
		if url != "" {
			c.url = url
		}
	}
}

// WithMaxTokens sets max_tokens on every request.
func WithMaxTokens(n int) AnthropicOption {
	return func(c *AnthropicClient) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...AnthropicOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &AnthropicClient{
		url:       anthropicAPIURL,
		maxTokens: 4096,
		logger:    logger.With("provider", "anthropic"),
		// No global timeout: streaming responses are long-lived and the
		// chat service bounds each call with a context deadline.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
			httpkit.WithHeader("x-api-key", apiKey),
			httpkit.WithHeader("anthropic-version", anthropicAPIVersion),
		),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Chat sends a non-streaming chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	return c.do(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming chat request.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []Tool, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		callback = func(StreamEvent) {}
	}
	return c.do(ctx, model, messages, tools, callback)
}

func (c *AnthropicClient) do(ctx context.Context, model string, messages []Message, tools []Tool, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	anthropicMsgs, systemPrompt := convertToAnthropic(messages)
	anthropicTools := convertToolsToAnthropic(tools)

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(anthropicMsgs),
		"tools", len(anthropicTools),
		"stream", stream,
	)

	req := anthropicRequest{
		Model:     model,
		Messages:  anthropicMsgs,
		System:    systemPrompt,
		MaxTokens: c.maxTokens,
		Stream:    stream,
		Tools:     anthropicTools,
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !stream {
		return c.handleNonStreaming(ctx, resp.Body)
	}
	return c.handleStreaming(ctx, resp.Body, callback)
}

func (c *AnthropicClient) post(ctx context.Context, req anthropicRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}
	return resp, nil
}

// Ping sends a one-token request to verify the API key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	resp, err := c.post(ctx, anthropicRequest{
		Model:     "claude-3-5-haiku-latest",
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return nil
}

func (c *AnthropicClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp anthropicResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := convertFromAnthropic(&resp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// streamState folds Anthropic stream events into a ChatResponse.
// Content blocks are tracked by index because tool_use blocks may be
// open while later text blocks start.
type streamState struct {
	model      string
	stopReason string
	usage      anthropicUsage
	text       strings.Builder
	blocks     map[int]*toolBlock
	order      []int
	stopped    bool
	emit       StreamCallback
}

type toolBlock struct {
	id, name string
	input    strings.Builder
	closed   bool
}

func newStreamState(emit StreamCallback) *streamState {
	return &streamState{blocks: make(map[int]*toolBlock), emit: emit}
}

// apply consumes one event. It returns an error for provider error
// events; unknown event types are ignored.
func (st *streamState) apply(ev anthropicStreamEvent) error {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			st.model = ev.Message.Model
			st.usage = ev.Message.Usage
		}
	case "content_block_start":
		if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
			return nil
		}
		st.blocks[ev.Index] = &toolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
		st.order = append(st.order, ev.Index)
		st.emit(StreamEvent{
			Kind:     KindToolUseStart,
			ToolCall: &ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name},
		})
	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			st.text.WriteString(ev.Delta.Text)
			st.emit(StreamEvent{Kind: KindToken, Token: ev.Delta.Text})
		case "input_json_delta":
			if tb := st.blocks[ev.Index]; tb != nil {
				tb.input.WriteString(ev.Delta.PartialJSON)
			}
		}
	case "content_block_stop":
		if tb := st.blocks[ev.Index]; tb != nil {
			tb.closed = true
		}
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			st.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			st.usage.OutputTokens = ev.Usage.OutputTokens
		}
	case "message_stop":
		st.stopped = true
	case "error":
		if ev.Error == nil {
			return errors.New("anthropic stream error: unknown")
		}
		return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
	}
	return nil
}

// response builds the final message. Tool blocks that never closed
// were cut off and are dropped.
func (st *streamState) response() *ChatResponse {
	var calls []ToolCall
	for _, idx := range st.order {
		tb := st.blocks[idx]
		if !tb.closed {
			continue
		}
		calls = append(calls, ToolCall{ID: tb.id, Name: tb.name, Arguments: parseToolInput(tb.input.String())})
	}
	return &ChatResponse{
		Model: st.model,
		Message: Message{
			Role:      "assistant",
			Content:   st.text.String(),
			ToolCalls: calls,
		},
		StopReason:   st.stopReason,
		InputTokens:  st.usage.InputTokens,
		OutputTokens: st.usage.OutputTokens,
	}
}

func (c *AnthropicClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	st := newStreamState(callback)

	// Only data lines matter; the event name is repeated in the JSON.
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			c.logger.Log(ctx, LevelTrace, "skipping undecodable stream line", "data", data)
			continue
		}
		if err := st.apply(ev); err != nil {
			return nil, err
		}
		if st.stopped {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	// A body that ends before message_stop is a dropped connection, not
	// a short answer.
	if !st.stopped {
		return nil, fmt.Errorf("read stream: %w", io.ErrUnexpectedEOF)
	}

	resp := st.response()
	callback(StreamEvent{Kind: KindDone, Response: resp})

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)
	return resp, nil
}

func parseToolInput(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

// convertToAnthropic converts messages to Anthropic format, lifting
// system messages into the separate system prompt.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)

		case "assistant":
			if len(msg.ToolCalls) == 0 {
				result = append(result, anthropicMessage{Role: "assistant", Content: msg.Content})
				continue
			}
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Name, i)
				}
				blocks = append(blocks, anthropicContent{Type: "tool_use", ID: id, Name: tc.Name, Input: args})
			}
			result = append(result, anthropicMessage{Role: "assistant", Content: blocks})

		case "tool":
			result = append(result, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case "user":
			result = append(result, anthropicMessage{Role: "user", Content: msg.Content})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

func convertToolsToAnthropic(tools []Tool) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return result
}

func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args, ok := block.Input.(map[string]any)
			if !ok {
				args = map[string]any{}
			}
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	role := resp.Role
	if role == "" {
		role = "assistant"
	}
	return &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      role,
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}
