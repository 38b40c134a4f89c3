package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
)

// AzureClient talks to an Azure OpenAI chat completions deployment.
// The model argument on each call is ignored in favor of the deployment.
type AzureClient struct {
	client     *azopenai.Client
	deployment string
	maxTokens  int32
	logger     *slog.Logger
}

// NewAzureClient creates a client authenticated with an API key.
func NewAzureClient(endpoint, apiKey, deployment string, maxTokens int, logger *slog.Logger) (*AzureClient, error) {
	return newAzureClient(endpoint, apiKey, deployment, maxTokens, logger, nil)
}

func newAzureClient(endpoint, apiKey, deployment string, maxTokens int, logger *slog.Logger, opts *azopenai.ClientOptions) (*AzureClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := azopenai.NewClientWithKeyCredential(endpoint, azcore.NewKeyCredential(apiKey), opts)
	if err != nil {
		return nil, fmt.Errorf("create azure openai client: %w", err)
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AzureClient{
		client:     client,
		deployment: deployment,
		maxTokens:  int32(maxTokens),
		logger:     logger.With("provider", "azure_openai"),
	}, nil
}

// Chat sends a chat completions request.
func (c *AzureClient) Chat(ctx context.Context, _ string, messages []Message, tools []Tool) (*ChatResponse, error) {
	defs, err := convertToolsToAzure(tools)
	if err != nil {
		return nil, err
	}
	opts := azopenai.ChatCompletionsOptions{
		DeploymentName: to.Ptr(c.deployment),
		Messages:       convertToAzure(messages),
		MaxTokens:      to.Ptr(c.maxTokens),
		Tools:          defs,
	}

	c.logger.Debug("preparing request",
		"deployment", c.deployment,
		"messages", len(opts.Messages),
		"tools", len(opts.Tools),
	)

	resp, err := c.client.GetChatCompletions(ctx, opts, nil)
	if err != nil {
		return nil, fmt.Errorf("azure openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, errors.New("no response choices from azure openai")
	}

	msg := resp.Choices[0].Message
	out := &ChatResponse{
		Model:   c.deployment,
		Message: Message{Role: "assistant"},
	}
	if msg.Content != nil {
		out.Message.Content = *msg.Content
	}
	if resp.Choices[0].FinishReason != nil {
		out.StopReason = string(*resp.Choices[0].FinishReason)
	}
	addAzureUsage(out, resp.Usage)
	for _, tc := range msg.ToolCalls {
		fn, ok := tc.(*azopenai.ChatCompletionsFunctionToolCall)
		if !ok || fn.Function == nil || fn.Function.Name == nil {
			continue
		}
		call := ToolCall{Name: *fn.Function.Name, Arguments: map[string]any{}}
		if fn.ID != nil {
			call.ID = *fn.ID
		}
		if fn.Function.Arguments != nil {
			call.Arguments = parseToolInput(*fn.Function.Arguments)
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, call)
	}

	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)
	return out, nil
}

// ChatStream sends a streaming chat completions request. Each content
// delta becomes a KindToken event and each tool call a KindToolUseStart
// event when its first fragment arrives.
func (c *AzureClient) ChatStream(ctx context.Context, _ string, messages []Message, tools []Tool, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		callback = func(StreamEvent) {}
	}
	defs, err := convertToolsToAzure(tools)
	if err != nil {
		return nil, err
	}
	opts := azopenai.ChatCompletionsStreamOptions{
		DeploymentName: to.Ptr(c.deployment),
		Messages:       convertToAzure(messages),
		MaxTokens:      to.Ptr(c.maxTokens),
		Tools:          defs,
		StreamOptions:  &azopenai.ChatCompletionStreamOptions{IncludeUsage: to.Ptr(true)},
	}

	c.logger.Debug("preparing streaming request",
		"deployment", c.deployment,
		"messages", len(opts.Messages),
		"tools", len(opts.Tools),
	)

	resp, err := c.client.GetChatCompletionsStream(ctx, opts, nil)
	if err != nil {
		return nil, fmt.Errorf("azure openai request failed: %w", err)
	}
	defer resp.ChatCompletionsStream.Close()

	st := &azureStream{out: &ChatResponse{Model: c.deployment, Message: Message{Role: "assistant"}}, emit: callback}
	for {
		chunk, err := resp.ChatCompletionsStream.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}
		st.apply(chunk)
	}

	out := st.response()
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)
	callback(StreamEvent{Kind: KindDone, Response: out})
	return out, nil
}

// azureStream accumulates streamed chunks. A tool call fragment with an
// ID opens a new call; fragments without one extend the latest call.
type azureStream struct {
	out   *ChatResponse
	text  strings.Builder
	calls []*azureToolCall
	emit  StreamCallback
}

type azureToolCall struct {
	id, name string
	args     strings.Builder
}

func (st *azureStream) apply(chunk azopenai.ChatCompletions) {
	addAzureUsage(st.out, chunk.Usage)
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != nil {
		st.out.StopReason = string(*choice.FinishReason)
	}
	if choice.Delta == nil {
		return
	}
	if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		st.text.WriteString(*choice.Delta.Content)
		st.emit(StreamEvent{Kind: KindToken, Token: *choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		fn, ok := tc.(*azopenai.ChatCompletionsFunctionToolCall)
		if !ok {
			continue
		}
		if fn.ID != nil && *fn.ID != "" {
			call := &azureToolCall{id: *fn.ID}
			if fn.Function != nil && fn.Function.Name != nil {
				call.name = *fn.Function.Name
			}
			st.calls = append(st.calls, call)
			st.emit(StreamEvent{Kind: KindToolUseStart, ToolCall: &ToolCall{ID: call.id, Name: call.name}})
		}
		if len(st.calls) == 0 || fn.Function == nil || fn.Function.Arguments == nil {
			continue
		}
		st.calls[len(st.calls)-1].args.WriteString(*fn.Function.Arguments)
	}
}

func (st *azureStream) response() *ChatResponse {
	st.out.Message.Content = st.text.String()
	for _, c := range st.calls {
		st.out.Message.ToolCalls = append(st.out.Message.ToolCalls, ToolCall{
			ID:        c.id,
			Name:      c.name,
			Arguments: parseToolInput(c.args.String()),
		})
	}
	return st.out
}

func addAzureUsage(r *ChatResponse, u *azopenai.CompletionsUsage) {
	if u == nil {
		return
	}
	if u.PromptTokens != nil {
		r.InputTokens = int(*u.PromptTokens)
	}
	if u.CompletionTokens != nil {
		r.OutputTokens = int(*u.CompletionTokens)
	}
}

// Ping sends a minimal completion to verify credentials.
func (c *AzureClient) Ping(ctx context.Context) error {
	_, err := c.client.GetChatCompletions(ctx, azopenai.ChatCompletionsOptions{
		DeploymentName: to.Ptr(c.deployment),
		Messages: []azopenai.ChatRequestMessageClassification{
			&azopenai.ChatRequestUserMessage{Content: azopenai.NewChatRequestUserMessageContent("ping")},
		},
		MaxTokens: to.Ptr(int32(1)),
	}, nil)
	return err
}

// convertToAzure maps messages onto the request classifications. Tool
// results are folded into user turns so the history never needs the
// provider's tool-message correlation.
func convertToAzure(messages []Message) []azopenai.ChatRequestMessageClassification {
	out := make([]azopenai.ChatRequestMessageClassification, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, &azopenai.ChatRequestSystemMessage{
				Content: azopenai.NewChatRequestSystemMessageContent(m.Content),
			})
		case "assistant":
			out = append(out, &azopenai.ChatRequestAssistantMessage{
				Content: azopenai.NewChatRequestAssistantMessageContent(m.Content),
			})
		case "tool":
			out = append(out, &azopenai.ChatRequestUserMessage{
				Content: azopenai.NewChatRequestUserMessageContent("Tool result:\n" + m.Content),
			})
		default:
			out = append(out, &azopenai.ChatRequestUserMessage{
				Content: azopenai.NewChatRequestUserMessageContent(m.Content),
			})
		}
	}
	return out
}

func convertToolsToAzure(tools []Tool) ([]azopenai.ChatCompletionsToolDefinitionClassification, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]azopenai.ChatCompletionsToolDefinitionClassification, 0, len(tools))
	for _, t := range tools {
		params, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encode schema for tool %s: %w", t.Name, err)
		}
		out = append(out, &azopenai.ChatCompletionsFunctionToolDefinition{
			Type: to.Ptr("function"),
			Function: &azopenai.ChatCompletionsFunctionToolDefinitionFunction{
				Name:        to.Ptr(t.Name),
				Description: to.Ptr(t.Description),
				Parameters:  params,
			},
		})
	}
	return out, nil
}
