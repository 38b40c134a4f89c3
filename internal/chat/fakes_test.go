package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/goleak"

	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient replays scripted responses, one per call, and records the
// requests it was sent.
type fakeClient struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	calls     []fakeCall
}

type fakeCall struct {
	messages []llm.Message
	tools    []llm.Tool
}

func (f *fakeClient) next(messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{messages: messages, tools: tools})
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("fakeClient: no scripted response")
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func (f *fakeClient) Chat(ctx context.Context, _ string, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.next(messages, tools)
}

// ChatStream emits the scripted text word by word, then one
// KindToolUseStart per tool call.
func (f *fakeClient) ChatStream(ctx context.Context, _ string, messages []llm.Message, tools []llm.Tool, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	resp, err := f.next(messages, tools)
	if err != nil {
		return nil, err
	}
	for _, tok := range strings.SplitAfter(resp.Message.Content, " ") {
		if tok == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
	}
	for i := range resp.Message.ToolCalls {
		cb(llm.StreamEvent{Kind: llm.KindToolUseStart, ToolCall: &resp.Message.ToolCalls[i]})
	}
	cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	return resp, nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "fake", Message: llm.Message{Role: "assistant", Content: text}}
}

func toolResponse(text string, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:      "fake",
		StopReason: "tool_use",
		Message:    llm.Message{Role: "assistant", Content: text, ToolCalls: calls},
	}
}

// fakeRunner dispatches to per-tool functions.
type fakeRunner struct {
	mu      sync.Mutex
	handler map[string]func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)
	called  []string
	args    map[string]map[string]any
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		handler: map[string]func(context.Context, map[string]any) (*mcp.CallToolResult, error){},
		args:    map[string]map[string]any{},
	}
}

func (f *fakeRunner) on(name string, h func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)) {
	f.handler[name] = h
}

func (f *fakeRunner) List() []tools.Definition {
	var defs []tools.Definition
	for name := range f.handler {
		defs = append(defs, tools.Definition{
			Name:        name,
			Description: "fake " + name,
			InputSchema: map[string]any{"type": "object"},
		})
	}
	return defs
}

func (f *fakeRunner) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.called = append(f.called, name)
	f.args[name] = args
	h, ok := f.handler[name]
	f.mu.Unlock()
	if !ok {
		return nil, &tools.ErrToolUnavailable{ToolName: name}
	}
	return h(ctx, args)
}

func textTool(text string) func(context.Context, map[string]any) (*mcp.CallToolResult, error) {
	return func(context.Context, map[string]any) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(text), nil
	}
}

// failingWriter fails every write after the first n bytes.
type failingWriter struct {
	n   int
	buf strings.Builder
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.buf.Len()+len(p) > w.n {
		return 0, errors.New("client went away")
	}
	return w.buf.Write(p)
}
