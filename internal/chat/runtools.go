package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/tools"
)

// ToolOutput is the outcome of one requested tool call.
type ToolOutput struct {
	ID       string        `json:"id,omitempty"`
	ToolName string        `json:"tool_name"`
	Content  string        `json:"content"`
	IsError  bool          `json:"is_error,omitempty"`
	Duration time.Duration `json:"-"`
}

// maxConcurrentTools caps how many calls from one model turn run at
// once. Calls beyond it wait for a free slot.
const maxConcurrentTools = 8

// RunTools executes calls concurrently and returns their outputs in
// call order. A failing call becomes an error output in its own slot;
// siblings are neither cancelled nor affected. timeout bounds each
// call; zero means no limit.
func RunTools(ctx context.Context, runner ToolRunner, calls []llm.ToolCall, timeout time.Duration) []ToolOutput {
	out := make([]ToolOutput, len(calls))

	var g errgroup.Group
	g.SetLimit(maxConcurrentTools)
	for i, call := range calls {
		g.Go(func() error {
			out[i] = runOne(ctx, runner, call, timeout)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func runOne(ctx context.Context, runner ToolRunner, call llm.ToolCall, timeout time.Duration) (o ToolOutput) {
	o = ToolOutput{ID: call.ID, ToolName: call.Name}
	start := time.Now()
	defer func() {
		o.Duration = time.Since(start)
		if r := recover(); r != nil {
			o.Content = fmt.Sprintf("Error: tool %s panicked: %v", call.Name, r)
			o.IsError = true
		}
	}()

	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	res, err := runner.Call(callCtx, call.Name, call.Arguments)
	if err = upstreamErr(ctx, err); err != nil {
		o.Content = "Error: " + err.Error()
		o.IsError = true
		return o
	}
	o.Content = tools.ResultText(res)
	o.IsError = res != nil && res.IsError
	return o
}

// formatToolResults labels each output with its tool name.
func formatToolResults(outputs []ToolOutput) string {
	var b strings.Builder
	for i, o := range outputs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Tool: %s\nResult: %s", o.ToolName, o.Content)
	}
	return b.String()
}
