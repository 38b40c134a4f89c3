package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/foreman/internal/store"
)

// toolFunc is a handler that already knows the acting user.
type toolFunc func(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// authed rejects calls without an authenticated user before fn runs.
func authed(fn toolFunc) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID := UserIDFromContext(ctx)
		if userID == "" {
			return mcp.NewToolResultError("not authenticated"), nil
		}
		return fn(ctx, userID, req)
	}
}

// render turns a repository result into tool output: a one-line
// summary followed by the entity as indented JSON.
func render[T any](r store.Result[T], summary func(T) string) *mcp.CallToolResult {
	if !r.OK {
		return failure(r.Err)
	}
	body, err := json.MarshalIndent(r.Data, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	return mcp.NewToolResultText(summary(r.Data) + "\n\n" + string(body))
}

func failure(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return mcp.NewToolResultError("Not found or not accessible: " + err.Error())
	case errors.Is(err, store.ErrForbidden):
		return mcp.NewToolResultError("Permission denied: " + err.Error())
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

// optString returns a pointer to a string argument when the caller
// supplied it, nil otherwise. Used by update tools where absence means
// "leave unchanged".
func optString(req mcp.CallToolRequest, key string) *string {
	v, ok := req.GetArguments()[key].(string)
	if !ok {
		return nil
	}
	return &v
}

func trimmed(req mcp.CallToolRequest, key string) string {
	return strings.TrimSpace(req.GetString(key, ""))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}
