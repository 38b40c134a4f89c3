package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/httpkit"
	"github.com/nugget/foreman/internal/llm"
)

// ToolMarker is written to a stream when the model starts calling tools.
const ToolMarker = "\n\n[Processing tool calls...]\n\n"

// OrchestratorConfig configures model access for the orchestrator.
type OrchestratorConfig struct {
	Model        string
	ModelTimeout time.Duration
	ToolTimeout  time.Duration
}

// Orchestrator answers free-form messages with the model, running at
// most one round of tool calls per user turn.
type Orchestrator struct {
	client llm.Client
	tools  ToolRunner
	config OrchestratorConfig
	logger *slog.Logger
	bus    *events.Bus
}

// NewOrchestrator creates an orchestrator. bus may be nil.
func NewOrchestrator(client llm.Client, runner ToolRunner, config OrchestratorConfig, logger *slog.Logger, bus *events.Bus) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client: client,
		tools:  runner,
		config: config,
		logger: logger.With("component", "orchestrator"),
		bus:    bus,
	}
}

// Answer is the orchestrator's reply to one user turn.
type Answer struct {
	Content      string
	HasToolCalls bool
	ToolResults  []ToolOutput
	InputTokens  int
	OutputTokens int
}

func (o *Orchestrator) toolDefs() []llm.Tool {
	defs := o.tools.List()
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.Tool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return out
}

// Answer sends messages with the tool definitions and returns the reply.
// If the model asks for tools they are run and a second request, offered
// no tools, produces the final text.
func (o *Orchestrator) Answer(ctx context.Context, messages []llm.Message) (*Answer, error) {
	first, err := o.chat(ctx, 1, messages, o.toolDefs())
	if err != nil {
		return nil, err
	}
	ans := &Answer{InputTokens: first.InputTokens, OutputTokens: first.OutputTokens}
	if !first.HasToolCalls() {
		ans.Content = first.Message.Content
		return ans, nil
	}

	ans.HasToolCalls = true
	ans.ToolResults = o.runTools(ctx, first.Message.ToolCalls)

	second, err := o.chat(ctx, 2, continuation(messages, first.Message.Content, ans.ToolResults), nil)
	if err != nil {
		return nil, err
	}
	ans.InputTokens += second.InputTokens
	ans.OutputTokens += second.OutputTokens
	ans.Content = second.Message.Content
	if second.HasToolCalls() {
		o.logger.Warn("ignoring tool calls in continuation",
			"count", len(second.Message.ToolCalls))
	}
	return ans, nil
}

// AnswerStream is Answer with text written to w as the model produces
// it. When tools are requested, ToolMarker and the labeled tool results
// are written before the second request streams. A write error cancels
// the model call and is returned.
func (o *Orchestrator) AnswerStream(ctx context.Context, messages []llm.Message, w io.Writer) (*Answer, error) {
	sw := &streamWriter{w: w}

	first, err := o.stream(ctx, 1, messages, o.toolDefs(), sw)
	if err != nil {
		return nil, err
	}
	ans := &Answer{
		Content:      first.Message.Content,
		InputTokens:  first.InputTokens,
		OutputTokens: first.OutputTokens,
	}
	if !first.HasToolCalls() {
		return ans, nil
	}

	ans.HasToolCalls = true
	if !sw.marked {
		if err := sw.mark(); err != nil {
			return nil, err
		}
	}
	ans.ToolResults = o.runTools(ctx, first.Message.ToolCalls)
	if err := sw.write(formatToolResults(ans.ToolResults) + "\n\n"); err != nil {
		return nil, err
	}

	second, err := o.stream(ctx, 2, continuation(messages, first.Message.Content, ans.ToolResults), nil, sw)
	if err != nil {
		return nil, err
	}
	ans.InputTokens += second.InputTokens
	ans.OutputTokens += second.OutputTokens
	ans.Content = second.Message.Content
	return ans, nil
}

func (o *Orchestrator) chat(ctx context.Context, round int, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error) {
	o.publishCall(ctx, round, false)
	callCtx, cancel := withTimeout(ctx, o.config.ModelTimeout)
	defer cancel()

	start := time.Now()
	resp, err := o.client.Chat(callCtx, o.config.Model, messages, tools)
	if err = upstreamErr(ctx, err); err != nil {
		return nil, fmt.Errorf("model round %d: %w", round, err)
	}
	o.publishResponse(ctx, round, resp, time.Since(start))
	return resp, nil
}

func (o *Orchestrator) stream(ctx context.Context, round int, messages []llm.Message, tools []llm.Tool, sw *streamWriter) (*llm.ChatResponse, error) {
	o.publishCall(ctx, round, true)
	callCtx, cancel := withTimeout(ctx, o.config.ModelTimeout)
	defer cancel()
	sw.cancel = cancel

	start := time.Now()
	resp, err := o.client.ChatStream(callCtx, o.config.Model, messages, tools, func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			_ = sw.write(ev.Token)
		case llm.KindToolUseStart:
			// Only the first round offers tools.
			if round == 1 && !sw.marked {
				_ = sw.mark()
			}
		}
	})
	if sw.err != nil {
		return nil, sw.err
	}
	if err = upstreamErr(ctx, err); err != nil {
		return nil, fmt.Errorf("model round %d: %w", round, err)
	}
	o.publishResponse(ctx, round, resp, time.Since(start))
	return resp, nil
}

func (o *Orchestrator) runTools(ctx context.Context, calls []llm.ToolCall) []ToolOutput {
	reqID := httpkit.RequestID(ctx)
	for _, c := range calls {
		o.logger.Debug("tool requested", "tool", c.Name, "request_id", reqID)
		o.bus.Emit(events.SourceTools, events.KindToolCall, map[string]any{
			"request_id": reqID,
			"tool":       c.Name,
		})
	}

	outputs := RunTools(ctx, o.tools, calls, o.config.ToolTimeout)

	for _, out := range outputs {
		if out.IsError {
			o.logger.Warn("tool failed", "tool", out.ToolName, "error", out.Content, "duration", out.Duration)
		}
		o.bus.Emit(events.SourceTools, events.KindToolDone, map[string]any{
			"request_id":  reqID,
			"tool":        out.ToolName,
			"ok":          !out.IsError,
			"duration_ms": out.Duration.Milliseconds(),
		})
	}
	return outputs
}

func (o *Orchestrator) publishCall(ctx context.Context, round int, stream bool) {
	o.bus.Emit(events.SourceChat, events.KindLLMCall, map[string]any{
		"request_id": httpkit.RequestID(ctx),
		"round":      round,
		"model":      o.config.Model,
		"stream":     stream,
	})
}

func (o *Orchestrator) publishResponse(ctx context.Context, round int, resp *llm.ChatResponse, elapsed time.Duration) {
	o.logger.Debug("model responded",
		"round", round,
		"model", resp.Model,
		"tool_calls", len(resp.Message.ToolCalls),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"duration", elapsed,
	)
	o.bus.Emit(events.SourceChat, events.KindLLMResponse, map[string]any{
		"request_id": httpkit.RequestID(ctx),
		"round":      round,
		"model":      resp.Model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"tool_calls": len(resp.Message.ToolCalls),
	})
}

// continuation builds the second-round history: the original messages,
// the first-round text as an assistant turn, and the tool results as a
// user turn.
func continuation(history []llm.Message, firstText string, outputs []ToolOutput) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, history...)
	if strings.TrimSpace(firstText) != "" {
		msgs = append(msgs, llm.Message{Role: "assistant", Content: firstText})
	}
	msgs = append(msgs, llm.Message{
		Role: "user",
		Content: "Here are the results of the tools you called:\n\n" +
			formatToolResults(outputs) +
			"\n\nUsing these results, give your final answer to my previous message.",
	})
	return msgs
}

// streamWriter forwards stream text to w, remembering the first write
// error and cancelling the model call when one happens.
type streamWriter struct {
	w      io.Writer
	err    error
	marked bool
	cancel context.CancelFunc
}

func (s *streamWriter) write(text string) error {
	if s.err != nil || text == "" {
		return s.err
	}
	if _, err := io.WriteString(s.w, text); err != nil {
		s.err = fmt.Errorf("write stream: %w", err)
		if s.cancel != nil {
			s.cancel()
		}
	}
	return s.err
}

func (s *streamWriter) mark() error {
	s.marked = true
	return s.write(ToolMarker)
}
