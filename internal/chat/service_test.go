package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/router"
	"github.com/nugget/foreman/internal/store"
	"github.com/nugget/foreman/internal/tools"
	"github.com/nugget/foreman/internal/usage"
)

type testService struct {
	*Service
	store  *MemoryStore
	client *fakeClient
	router *router.Router
}

func newTestService(t *testing.T, runner ToolRunner, client *fakeClient) *testService {
	t.Helper()
	if client == nil {
		client = &fakeClient{}
	}
	r := router.NewRouter(nil, router.Config{Guided: GuidedEntities()})
	st := NewMemoryStore()
	orch := newTestOrchestrator(client, runner)
	svc := NewService(r, st, orch, runner, Config{ToolTimeout: time.Second}, nil, nil)
	return &testService{Service: svc, store: st, client: client, router: r}
}

func registry(t *testing.T) *tools.Registry {
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
	reg, err := tools.NewRegistry(repo, nil, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

// converse sends each input as a new user turn and returns the replies.
func (ts *testService) converse(t *testing.T, conv string, inputs ...string) []string {
	t.Helper()
	var replies []string
	var history []llm.Message
	for _, in := range inputs {
		history = append(history, llm.Message{Role: "user", Content: in})
		rep, err := ts.Handle(context.Background(), Request{ConversationID: conv, UserID: "user-1", Messages: history})
		if err != nil {
			t.Fatalf("Handle(%q): %v", in, err)
		}
		replies = append(replies, rep.Message)
		history = append(history, llm.Message{Role: "assistant", Content: rep.Message})
	}
	return replies
}

func (ts *testService) workflow(t *testing.T, conv string) *WorkflowState {
	t.Helper()
	w, err := ts.store.Get(context.Background(), conv)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	return w
}

func TestGuidedProjectCreation(t *testing.T) {
	ts := newTestService(t, registry(t), nil)

	replies := ts.converse(t, "conv-1", "create a new project", "Website Revamp", "A redesign effort", "yes")

	if !strings.Contains(replies[0], "new project") {
		t.Errorf("bootstrap reply = %q", replies[0])
	}
	if !strings.Contains(replies[2], "- **Name**: Website Revamp") {
		t.Errorf("confirm reply = %q", replies[2])
	}
	final := replies[3]
	if !strings.Contains(final, "Successfully created project!") || !strings.Contains(final, "Website Revamp") {
		t.Errorf("final reply = %q", final)
	}
	if w := ts.workflow(t, "conv-1"); w != nil {
		t.Errorf("workflow still stored: %+v", w)
	}
	if ts.client.callCount() != 0 {
		t.Errorf("guided flow called the model %d times", ts.client.callCount())
	}
}

func TestGuidedTaskCancelled(t *testing.T) {
	ts := newTestService(t, registry(t), nil)

	replies := ts.converse(t, "conv-2", "create a task", "Fix login bug", "", "")
	w := ts.workflow(t, "conv-2")
	if w == nil || w.CurrentStep != StepCollectDate {
		t.Fatalf("workflow = %+v, want collect_date", w)
	}
	if w.Data.StepData["description"] != "" || w.Data.StepData["assigneeId"] != "" {
		t.Errorf("empty answers = %v", w.Data.StepData)
	}

	replies = ts.converse(t, "conv-2", "2025-01-01")
	if !strings.Contains(replies[0], "- **Due Date**: 2025-01-01") {
		t.Errorf("confirm reply = %q", replies[0])
	}

	replies = ts.converse(t, "conv-2", "no")
	if !strings.Contains(replies[0], "cancelled") {
		t.Errorf("cancel reply = %q", replies[0])
	}
	if w := ts.workflow(t, "conv-2"); w != nil {
		t.Errorf("workflow still stored: %+v", w)
	}
}

func TestGuidedBackResetsToInit(t *testing.T) {
	ts := newTestService(t, registry(t), nil)

	replies := ts.converse(t, "conv-3", "create a team", "Platform", "back")
	if replies[2] != replies[0] {
		t.Errorf("back reply = %q, want init prompt %q", replies[2], replies[0])
	}
	w := ts.workflow(t, "conv-3")
	if w == nil || w.CurrentStep != StepInit || w.Data.StepData["name"] != "Platform" {
		t.Errorf("workflow after back = %+v", w)
	}
}

func TestExecutionFailureClearsWorkflow(t *testing.T) {
	for name, handler := range map[string]func(context.Context, map[string]any) (*mcp.CallToolResult, error){
		"error result": func(context.Context, map[string]any) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("name already taken"), nil
		},
		"hard error": func(context.Context, map[string]any) (*mcp.CallToolResult, error) {
			return nil, errors.New("database locked")
		},
	} {
		t.Run(name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.on("create_department", handler)
			ts := newTestService(t, runner, nil)

			replies := ts.converse(t, "conv-4", "add a department", "Engineering", "skip", "y")
			if !strings.Contains(replies[3], "couldn't create the department") {
				t.Errorf("failure reply = %q", replies[3])
			}
			if w := ts.workflow(t, "conv-4"); w != nil {
				t.Errorf("workflow still stored after failure: %+v", w)
			}
			if got := runner.args["create_department"]; got["name"] != "Engineering" || got["description"] != nil {
				t.Errorf("args = %v", got)
			}
		})
	}
}

func TestTaskExecutionForwardsFields(t *testing.T) {
	runner := newFakeRunner()
	runner.on("create_task", textTool(`Task "Fix login bug" created.`))
	ts := newTestService(t, runner, nil)

	ts.converse(t, "conv-5", "create a task", "Fix login bug", "  ", "user-2", "2025-01-01", "confirm")

	want := map[string]any{"title": "Fix login bug", "assigneeId": "user-2", "dueDate": "2025-01-01"}
	got := runner.args["create_task"]
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("args[%s] = %v, want %v", k, got[k], v)
		}
	}
}

func TestReadIntentUsesOrchestrator(t *testing.T) {
	runner := newFakeRunner()
	runner.on("get_my_tasks", textTool("1 task: Fix login bug"))
	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse("", llm.ToolCall{Name: "get_my_tasks"}),
		textResponse("You have one task: Fix login bug."),
	}}
	ts := newTestService(t, runner, client)

	rep, err := ts.Handle(context.Background(), Request{
		ConversationID: "conv-6",
		UserID:         "user-1",
		Messages:       []llm.Message{{Role: "user", Content: "Show me my tasks"}},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rep.Route != router.RouteOrchestrator || rep.Message != "You have one task: Fix login bug." {
		t.Errorf("reply = %+v", rep)
	}
	if w := ts.workflow(t, "conv-6"); w != nil {
		t.Errorf("read intent created a workflow: %+v", w)
	}

	first := client.calls[0].messages
	if first[0].Role != "system" || !strings.Contains(first[0].Content, "user-1") {
		t.Errorf("system prompt = %+v", first[0])
	}
}

func TestReadIntentStreams(t *testing.T) {
	runner := newFakeRunner()
	runner.on("get_my_tasks", textTool("1 task: Fix login bug"))
	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse("Let me check. ", llm.ToolCall{Name: "get_my_tasks"}),
		textResponse("One task."),
	}}
	ts := newTestService(t, runner, client)

	var out strings.Builder
	_, err := ts.HandleStream(context.Background(), Request{
		ConversationID: "conv-7",
		Messages:       []llm.Message{{Role: "user", Content: "Show me my tasks"}},
	}, &out)
	if err != nil {
		t.Fatalf("HandleStream: %v", err)
	}

	s := out.String()
	marker := strings.Index(s, "[Processing tool calls...]")
	result := strings.Index(s, "1 task: Fix login bug")
	final := strings.Index(s, "One task.")
	if !(strings.HasPrefix(s, "Let me check. ") && marker > 0 && result > marker && final > result) {
		t.Errorf("stream out of order:\n%s", s)
	}
}

func TestWorkflowReplyStreamsOnce(t *testing.T) {
	ts := newTestService(t, newFakeRunner(), nil)

	var out strings.Builder
	rep, err := ts.HandleStream(context.Background(), Request{
		Messages: []llm.Message{{Role: "user", Content: "create a project"}},
	}, &out)
	if err != nil {
		t.Fatalf("HandleStream: %v", err)
	}
	if out.String() != rep.Message {
		t.Errorf("stream = %q, reply = %q", out.String(), rep.Message)
	}
	if rep.ConversationID == "" {
		t.Error("no conversation id generated")
	}
	if w := ts.workflow(t, rep.ConversationID); w == nil || w.EntityType != EntityProject {
		t.Errorf("workflow = %+v", w)
	}
}

func TestWorkflowHiddenFromOtherUsers(t *testing.T) {
	client := &fakeClient{responses: []*llm.ChatResponse{textResponse("Nothing to skip.")}}
	ts := newTestService(t, registry(t), client)
	ts.converse(t, "conv-shared", "create a project", "Alice's secret")

	send := func(user, text string) (*Reply, error) {
		return ts.Handle(context.Background(), Request{
			ConversationID: "conv-shared",
			UserID:         user,
			Messages:       []llm.Message{{Role: "user", Content: text}},
		})
	}

	rep, err := send("mallory", "skip")
	if err != nil {
		t.Fatalf("Handle(skip): %v", err)
	}
	if rep.Route != router.RouteOrchestrator || strings.Contains(rep.Message, "Alice's secret") {
		t.Errorf("other user's turn = %+v", rep)
	}
	if _, err := send("mallory", "create a task"); !errors.Is(err, ErrConversationInUse) {
		t.Errorf("start over another user's workflow: err = %v, want ErrConversationInUse", err)
	}

	w := ts.workflow(t, "conv-shared")
	if w == nil || w.UserID != "user-1" || w.EntityType != EntityProject || w.CurrentStep != StepCollectDescription {
		t.Fatalf("owner's workflow = %+v", w)
	}
	if w.Data.StepData["name"] != "Alice's secret" {
		t.Errorf("owner's answers = %v", w.Data.StepData)
	}
	if msgs := client.calls[0].messages; strings.Contains(msgs[len(msgs)-1].Content, "Alice's secret") {
		t.Errorf("model saw the owner's answers: %+v", msgs)
	}

	replies := ts.converse(t, "conv-shared", "A quiet launch")
	if !strings.Contains(replies[0], "- **Name**: Alice's secret") {
		t.Errorf("owner's confirm reply = %q", replies[0])
	}
}

func TestHandleRejectsEmptyHistory(t *testing.T) {
	ts := newTestService(t, newFakeRunner(), nil)
	_, err := ts.Handle(context.Background(), Request{Messages: []llm.Message{{Role: "assistant", Content: "hi"}}})
	if !errors.Is(err, ErrNoUserMessage) {
		t.Errorf("err = %v, want ErrNoUserMessage", err)
	}
}

func TestServiceRecordsOutcomeAndEvents(t *testing.T) {
	bus := events.New(0)
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	r := router.NewRouter(nil, router.Config{Guided: GuidedEntities()})
	runner := newFakeRunner()
	svc := NewService(r, NewMemoryStore(), newTestOrchestrator(&fakeClient{}, runner), runner, Config{}, nil, bus)

	rep, err := svc.Handle(context.Background(), Request{
		ConversationID: "conv-8",
		Messages:       []llm.Message{{Role: "user", Content: "create an organization"}},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	d := r.Explain(rep.RequestID)
	if d == nil || d.Success == nil || !*d.Success || d.Route != router.RouteStartWorkflow {
		t.Errorf("decision = %+v", d)
	}

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	want := events.KindRequestStart + "," + events.KindWorkflowStarted + "," + events.KindRequestComplete
	if strings.Join(kinds, ",") != want {
		t.Errorf("events = %v", kinds)
	}

	if n, _ := svc.ActiveWorkflows(context.Background()); n != 1 {
		t.Errorf("ActiveWorkflows = %d, want 1", n)
	}
}

type recordingUsage struct {
	records []usage.Record
}

func (r *recordingUsage) Record(_ context.Context, rec usage.Record) error {
	r.records = append(r.records, rec)
	return nil
}

func TestOrchestratedTurnRecordsUsage(t *testing.T) {
	runner := newFakeRunner()
	runner.on("get_my_tasks", textTool("no tasks"))
	first := toolResponse("", llm.ToolCall{ID: "t1", Name: "get_my_tasks"})
	first.InputTokens, first.OutputTokens = 100, 10
	second := textResponse("You have no tasks.")
	second.InputTokens, second.OutputTokens = 150, 20
	client := &fakeClient{responses: []*llm.ChatResponse{first, second}}

	rec := &recordingUsage{}
	r := router.NewRouter(nil, router.Config{Guided: GuidedEntities()})
	svc := NewService(r, NewMemoryStore(), newTestOrchestrator(client, runner), runner, Config{Usage: rec}, nil, nil)

	rep, err := svc.Handle(context.Background(), Request{
		ConversationID: "conv-u",
		UserID:         "user-9",
		Messages:       []llm.Message{{Role: "user", Content: "Show me my tasks"}},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(rec.records) != 1 {
		t.Fatalf("recorded %d usage records, want 1", len(rec.records))
	}
	want := usage.Record{
		RequestID:      rep.RequestID,
		ConversationID: "conv-u",
		UserID:         "user-9",
		Model:          "fake",
		InputTokens:    250,
		OutputTokens:   30,
		ToolCalls:      1,
	}
	if diff := cmp.Diff(want, rec.records[0]); diff != "" {
		t.Errorf("usage record mismatch (-want +got):\n%s", diff)
	}

	// Guided turns never reach the model and record nothing.
	if _, err := svc.Handle(context.Background(), Request{
		ConversationID: "conv-g",
		Messages:       []llm.Message{{Role: "user", Content: "create a project"}},
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(rec.records) != 1 {
		t.Errorf("guided turn recorded usage: %d records", len(rec.records))
	}
}
