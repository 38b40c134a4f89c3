package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/foreman/internal/tools"
)

// ToolRunner is the slice of the tool registry the chat core uses.
type ToolRunner interface {
	List() []tools.Definition
	Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ExecutionResult is what Execute did.
type ExecutionResult struct {
	Tool     string
	Response string
	Err      error
}

// Execute turns a confirmed workflow into its create tool call. The
// response is always user-facing text; Err is set when nothing was
// created. The caller deletes the workflow either way.
func Execute(ctx context.Context, runner ToolRunner, w *WorkflowState) ExecutionResult {
	spec, ok := entitySpecs[w.EntityType]
	if !ok {
		return ExecutionResult{
			Response: fmt.Sprintf("Creating a %s isn't supported yet.", w.EntityType),
			Err:      fmt.Errorf("no tool for entity type %q", w.EntityType),
		}
	}

	args := map[string]any{spec.nameArg: strings.TrimSpace(w.Data.StepData["name"])}
	for _, key := range spec.optional {
		if v := strings.TrimSpace(w.Data.StepData[key]); v != "" {
			args[key] = v
		}
	}

	res, err := runner.Call(ctx, spec.tool, args)
	if err == nil && res != nil && res.IsError {
		err = errors.New(tools.ResultText(res))
	}
	if err != nil {
		return ExecutionResult{
			Tool: spec.tool,
			Response: fmt.Sprintf("❌ I couldn't create the %s: %s\n\nPlease try again by starting over, e.g. \"create a new %s\".",
				spec.label, flatten(err), spec.label),
			Err: err,
		}
	}

	return ExecutionResult{
		Tool:     spec.tool,
		Response: fmt.Sprintf("✅ Successfully created %s!\n\n%s", spec.label, tools.ResultText(res)),
	}
}

// flatten reduces an error to one short line for the user.
func flatten(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout.Error()
	}
	msg := strings.TrimSpace(err.Error())
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
