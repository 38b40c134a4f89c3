package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/foreman/internal/store"
)

type fakeInviter struct {
	sent []store.Invitation
	org  string
	err  error
}

func (f *fakeInviter) SendInvitation(_ context.Context, inv store.Invitation, orgName string) error {
	f.sent = append(f.sent, inv)
	f.org = orgName
	return f.err
}

func testRegistry(t *testing.T, inviter Inviter) *Registry {
	t.Helper()
	db, err := store.Open("memory", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo, err := store.New(db, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	r, err := NewRegistry(repo, inviter, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func asUser(user string) context.Context {
	return WithUserID(context.Background(), user)
}

func TestListDefinitions(t *testing.T) {
	r := testRegistry(t, nil)

	var names []string
	for _, d := range r.List() {
		names = append(names, d.Name)
		if d.Description == "" {
			t.Errorf("%s has no description", d.Name)
		}
		if d.InputSchema["type"] != "object" {
			t.Errorf("%s schema type = %v", d.Name, d.InputSchema["type"])
		}
	}
	want := []string{
		"create_organization", "list_organizations",
		"create_department", "list_departments",
		"create_team", "list_teams",
		"create_project", "get_projects", "update_project", "delete_project",
		"create_task", "get_my_tasks", "get_project_tasks", "update_task", "delete_task",
		"add_comment", "list_comments",
		"invite_member", "list_invitations", "revoke_invitation",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("tool names (-want +got):\n%s", diff)
	}

	var required []any
	for _, d := range r.List() {
		if d.Name == "create_task" {
			required, _ = d.InputSchema["required"].([]any)
		}
	}
	if diff := cmp.Diff([]any{"title"}, required); diff != "" {
		t.Errorf("create_task required (-want +got):\n%s", diff)
	}
}

func TestCallErrors(t *testing.T) {
	r := testRegistry(t, nil)

	tests := []struct {
		name  string
		tool  string
		args  map[string]any
		check func(error) bool
	}{
		{"unknown tool", "launch_rocket", nil, func(err error) bool {
			var e *ErrToolUnavailable
			return errors.As(err, &e) && e.ToolName == "launch_rocket"
		}},
		{"missing required", "create_project", map[string]any{"description": "x"}, func(err error) bool {
			var e *ValidationError
			return errors.As(err, &e) && e.Tool == "create_project"
		}},
		{"wrong type", "create_project", map[string]any{"name": 42}, func(err error) bool {
			var e *ValidationError
			return errors.As(err, &e)
		}},
		{"enum violation", "update_task", map[string]any{"taskId": "t", "status": "someday"}, func(err error) bool {
			var e *ValidationError
			return errors.As(err, &e)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Call(asUser("alice"), tt.tool, tt.args)
			if err == nil || !tt.check(err) {
				t.Fatalf("Call() = %v, %v; unexpected error type", res, err)
			}
		})
	}
}

func TestCallUnauthenticated(t *testing.T) {
	r := testRegistry(t, nil)

	res, err := r.Call(context.Background(), "get_projects", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !res.IsError || ResultText(res) != "not authenticated" {
		t.Errorf("result = %+v", res)
	}
}

func TestProjectAndTaskFlow(t *testing.T) {
	r := testRegistry(t, nil)
	ctx := asUser("alice")

	res, err := r.Call(ctx, "create_project", map[string]any{"name": "Website Revamp", "description": "A redesign effort"})
	if err != nil || res.IsError {
		t.Fatalf("create_project = %v, %v", ResultText(res), err)
	}
	if !strings.HasPrefix(ResultText(res), `Project "Website Revamp" created`) {
		t.Errorf("text = %q", ResultText(res))
	}

	if res, _ := r.Call(ctx, "create_task", map[string]any{"title": "Fix login bug", "dueDate": "2025-01-01"}); res.IsError {
		t.Fatalf("create_task: %s", ResultText(res))
	}

	res, _ = r.Call(ctx, "get_my_tasks", nil)
	text := ResultText(res)
	if !strings.Contains(text, "You have 1 task:") || !strings.Contains(text, "- Fix login bug [todo] due 2025-01-01") {
		t.Errorf("get_my_tasks text = %q", text)
	}

	res, _ = r.Call(ctx, "get_my_tasks", map[string]any{"status": "done"})
	if !strings.HasPrefix(ResultText(res), "You have no tasks.") {
		t.Errorf("filtered get_my_tasks = %q", ResultText(res))
	}

	res, _ = r.Call(ctx, "delete_project", map[string]any{"projectId": "nope"})
	if !res.IsError || !strings.HasPrefix(ResultText(res), "Not found") {
		t.Errorf("delete missing project = %+v", res)
	}
}

func TestInviteMember(t *testing.T) {
	inviter := &fakeInviter{}
	r := testRegistry(t, inviter)
	ctx := asUser("alice")

	if res, _ := r.Call(ctx, "create_organization", map[string]any{"name": "Acme"}); res.IsError {
		t.Fatalf("create_organization: %s", ResultText(res))
	}
	res, err := r.Call(ctx, "invite_member", map[string]any{"email": "bob@example.com"})
	if err != nil || res.IsError {
		t.Fatalf("invite_member = %s, %v", ResultText(res), err)
	}
	if len(inviter.sent) != 1 || inviter.sent[0].Email != "bob@example.com" || inviter.org != "Acme" {
		t.Errorf("inviter got %+v for %q", inviter.sent, inviter.org)
	}
	if !strings.Contains(ResultText(res), "An invitation email is on its way.") {
		t.Errorf("text = %q", ResultText(res))
	}

	inviter.err = errors.New("smtp down")
	res, _ = r.Call(ctx, "invite_member", map[string]any{"email": "carol@example.com"})
	if res.IsError || !strings.Contains(ResultText(res), "could not be sent") {
		t.Errorf("failed delivery result = %q", ResultText(res))
	}
}

func TestResultText(t *testing.T) {
	res := &mcp.CallToolResult{Content: []mcp.Content{
		mcp.TextContent{Type: "text", Text: "one"},
		mcp.NewImageContent("x", "image/png"),
		mcp.TextContent{Type: "text", Text: "two"},
	}}
	if got := ResultText(res); got != "one\ntwo" {
		t.Errorf("ResultText = %q, want %q", got, "one\ntwo")
	}
	if ResultText(nil) != "" {
		t.Error("nil result should be empty")
	}
}

func TestMCPServer(t *testing.T) {
	r := testRegistry(t, nil)
	if s := r.MCPServer("test", "local"); s == nil {
		t.Fatal("MCPServer returned nil")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := testRegistry(t, nil)
	err := r.Register(mcp.NewTool("get_projects"), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("duplicate registration should fail")
	}
}
