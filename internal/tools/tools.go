// Package tools is the tool registry: named handlers over fixed JSON
// input schemas that the model (or an MCP client) may invoke to act on
// the repository.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/foreman/internal/store"
)

// Definition is the model-facing description of a tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type entry struct {
	tool    mcp.Tool
	handler server.ToolHandlerFunc
	schema  map[string]any
	checker *jsonschema.Resolved
}

// Registry holds the available tools. Registration happens at startup;
// lookups are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	order  []string
	repo   *store.Store
	invite Inviter
	logger *slog.Logger
}

// Inviter delivers an invitation after it has been recorded. A nil
// Inviter leaves delivery to the caller (the token is still returned).
type Inviter interface {
	SendInvitation(ctx context.Context, inv store.Invitation, orgName string) error
}

// NewRegistry creates a registry with the built-in repository tools.
func NewRegistry(repo *store.Store, inviter Inviter, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*entry),
		repo:   repo,
		invite: inviter,
		logger: logger.With("component", "tools"),
	}
	if err := r.registerBuiltins(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds a tool. Its input schema is compiled once here so every
// call can be validated before the handler runs.
func (r *Registry) Register(tool mcp.Tool, handler server.ToolHandlerFunc) error {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", tool.Name, err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("parse schema for %s: %w", tool.Name, err)
	}
	checker, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema for %s: %w", tool.Name, err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return fmt.Errorf("schema map for %s: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[tool.Name]; dup {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	r.tools[tool.Name] = &entry{tool: tool, handler: handler, schema: asMap, checker: checker}
	r.order = append(r.order, tool.Name)
	return nil
}

// List returns tool definitions in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		e := r.tools[name]
		defs = append(defs, Definition{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			InputSchema: e.schema,
		})
	}
	return defs
}

// Call validates args against the tool's schema and invokes its
// handler. Handler-level failures come back as a result with IsError
// set; the error return is reserved for unknown tools, invalid
// arguments, and handler faults.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrToolUnavailable{ToolName: name}
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := e.checker.Validate(args); err != nil {
		return nil, &ValidationError{Tool: name, Err: err}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	r.logger.Debug("calling tool", "tool", name, "conversation", ConversationIDFromContext(ctx))
	res, err := e.handler(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	if res == nil {
		res = mcp.NewToolResultText("")
	}
	return res, nil
}

// MCPServer exposes every registered tool over MCP. Calls run as
// userID and go through the same validation as [Registry.Call].
func (r *Registry) MCPServer(version, userID string) *server.MCPServer {
	s := server.NewMCPServer(
		"foreman",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		name := name
		s.AddTool(r.tools[name].tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			res, err := r.Call(WithUserID(ctx, userID), name, req.GetArguments())
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return res, nil
		})
	}
	return s
}

// ResultText concatenates the text content blocks of a result.
func ResultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
