package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/httpkit"
	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/router"
	"github.com/nugget/foreman/internal/tools"
	"github.com/nugget/foreman/internal/usage"
)

// DefaultSystemPrompt introduces the assistant to the model.
const DefaultSystemPrompt = `You are Foreman, the assistant inside a project management app.
You help the user manage organizations, departments, teams, projects, tasks,
comments and invitations by calling the tools you are given. Prefer calling
a tool over guessing. Keep answers short and use markdown lists for results.`

// ErrNoUserMessage is returned when a request has no user turn to answer.
var ErrNoUserMessage = errors.New("no user message")

// ErrConversationInUse is returned when a user tries to start a guided
// workflow on a conversation another user's workflow already holds.
var ErrConversationInUse = errors.New("conversation belongs to another user")

// UsageRecorder persists token usage for model-backed turns.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config configures a Service.
type Config struct {
	SystemPrompt string
	ToolTimeout  time.Duration
	// Usage, when set, receives one record per orchestrated turn.
	Usage UsageRecorder
}

// Service handles one chat turn at a time per conversation.
type Service struct {
	router *router.Router
	store  Store
	orch   *Orchestrator
	tools  ToolRunner
	config Config
	logger *slog.Logger
	bus    *events.Bus
	locks  keyedMutex
}

// NewService wires the chat core. bus may be nil.
func NewService(r *router.Router, store Store, orch *Orchestrator, runner ToolRunner, config Config, logger *slog.Logger, bus *events.Bus) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	return &Service{
		router: r,
		store:  store,
		orch:   orch,
		tools:  runner,
		config: config,
		logger: logger.With("component", "chat"),
		bus:    bus,
	}
}

// Request is one chat turn.
type Request struct {
	ConversationID string
	UserID         string
	Messages       []llm.Message
}

// Reply is the answer to a Request.
type Reply struct {
	ConversationID string       `json:"conversationId"`
	RequestID      string       `json:"requestId"`
	Message        string       `json:"message"`
	Route          router.Route `json:"route"`
}

// Handle answers req with a buffered reply.
func (s *Service) Handle(ctx context.Context, req Request) (*Reply, error) {
	return s.handle(ctx, req, nil)
}

// HandleStream answers req, writing text to w as it is produced. Guided
// workflow replies are written in one piece.
func (s *Service) HandleStream(ctx context.Context, req Request, w io.Writer) (*Reply, error) {
	return s.handle(ctx, req, w)
}

func (s *Service) handle(ctx context.Context, req Request, w io.Writer) (reply *Reply, err error) {
	text, ok := lastUserMessage(req.Messages)
	if !ok {
		return nil, ErrNoUserMessage
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	conv := req.ConversationID

	ctx = tools.WithUserID(ctx, req.UserID)
	ctx = tools.WithConversationID(ctx, conv)

	unlock := s.locks.Lock(conv)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	wf, err := s.store.Get(ctx, conv)
	if err != nil {
		return nil, err
	}
	// Another user's workflow is invisible to this request.
	foreign := wf != nil && wf.UserID != req.UserID
	if foreign {
		s.logger.Warn("workflow owned by another user", "conversation", conv, "user", req.UserID)
		wf = nil
	}

	d := s.router.Route(ctx, conv, text, wf != nil)
	ctx = httpkit.WithRequestID(ctx, d.RequestID)
	start := time.Now()
	reply = &Reply{ConversationID: conv, RequestID: d.RequestID, Route: d.Route}

	s.bus.Emit(events.SourceChat, events.KindRequestStart, map[string]any{
		"request_id":      d.RequestID,
		"conversation_id": conv,
		"route":           string(d.Route),
	})
	defer func() {
		s.router.RecordOutcome(d.RequestID, time.Since(start), err == nil)
		s.bus.Emit(events.SourceChat, events.KindRequestComplete, map[string]any{
			"request_id":      d.RequestID,
			"conversation_id": conv,
			"route":           string(d.Route),
			"ok":              err == nil,
			"elapsed_ms":      time.Since(start).Milliseconds(),
		})
	}()

	switch d.Route {
	case router.RouteContinueWorkflow:
		reply.Message, err = s.step(ctx, wf, text)
	case router.RouteStartWorkflow:
		if foreign {
			err = ErrConversationInUse
			break
		}
		reply.Message, err = s.start(ctx, conv, req.UserID, EntityType(d.Entity))
	default:
		// No workflow state is touched from here on.
		unlock()
		locked = false
		reply.Message, err = s.orchestrate(ctx, req, w)
		return reply, err
	}
	if err != nil {
		return nil, err
	}
	if w != nil {
		if _, err = io.WriteString(w, reply.Message); err != nil {
			return nil, fmt.Errorf("write stream: %w", err)
		}
	}
	return reply, nil
}

func (s *Service) start(ctx context.Context, conv, userID string, entity EntityType) (string, error) {
	wf, err := NewWorkflow(conv, entity)
	if err != nil {
		return "", err
	}
	wf.UserID = userID
	prompt := wf.Begin()
	if err := s.store.Set(ctx, wf); err != nil {
		return "", err
	}
	s.logger.Info("workflow started", "conversation", conv, "entity_type", entity)
	s.bus.Emit(events.SourceWorkflow, events.KindWorkflowStarted, map[string]any{
		"conversation_id": conv,
		"entity_type":     string(entity),
	})
	return prompt, nil
}

// step applies one message to an active workflow and persists the
// result. A confirmed workflow is executed and always deleted.
func (s *Service) step(ctx context.Context, wf *WorkflowState, text string) (string, error) {
	tr := wf.Advance(text)
	data := map[string]any{
		"conversation_id": wf.ID,
		"entity_type":     string(wf.EntityType),
	}

	switch tr.Outcome {
	case OutcomeCancelled:
		if err := s.store.Delete(ctx, wf.ID); err != nil {
			return "", err
		}
		s.logger.Info("workflow cancelled", "conversation", wf.ID, "entity_type", wf.EntityType)
		s.bus.Emit(events.SourceWorkflow, events.KindWorkflowCancelled, data)
		return tr.Response, nil

	case OutcomeExecute:
		defer func() {
			if err := s.store.Delete(context.WithoutCancel(ctx), wf.ID); err != nil {
				s.logger.Error("failed to delete workflow", "conversation", wf.ID, "error", err)
			}
		}()
		toolCtx, cancel := withTimeout(ctx, s.config.ToolTimeout)
		defer cancel()

		res := Execute(toolCtx, s.tools, wf)
		data["tool"] = res.Tool
		if res.Err != nil {
			data["error"] = res.Err.Error()
			s.logger.Warn("workflow failed", "conversation", wf.ID, "entity_type", wf.EntityType, "tool", res.Tool, "error", res.Err)
			s.bus.Emit(events.SourceWorkflow, events.KindWorkflowFailed, data)
		} else {
			s.logger.Info("workflow completed", "conversation", wf.ID, "entity_type", wf.EntityType, "tool", res.Tool)
			s.bus.Emit(events.SourceWorkflow, events.KindWorkflowCompleted, data)
		}
		return res.Response, nil

	default:
		if err := s.store.Set(ctx, wf); err != nil {
			return "", err
		}
		data["step"] = string(wf.CurrentStep)
		s.logger.Debug("workflow advanced", "conversation", wf.ID, "entity_type", wf.EntityType, "step", wf.CurrentStep)
		s.bus.Emit(events.SourceWorkflow, events.KindWorkflowStep, data)
		return tr.Response, nil
	}
}

func (s *Service) orchestrate(ctx context.Context, req Request, w io.Writer) (string, error) {
	msgs := make([]llm.Message, 0, len(req.Messages)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: s.systemPrompt(req.UserID)})
	for _, m := range req.Messages {
		if m.Role == "user" || m.Role == "assistant" {
			msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
		}
	}

	var (
		ans *Answer
		err error
	)
	if w != nil {
		ans, err = s.orch.AnswerStream(ctx, msgs, w)
	} else {
		ans, err = s.orch.Answer(ctx, msgs)
	}
	if err != nil {
		s.logger.Error("orchestrator failed", "conversation", req.ConversationID, "error", err)
		return "", err
	}
	s.recordUsage(ctx, req, ans)
	return ans.Content, nil
}

// recordUsage logs and persists token counts. Failures never fail the
// turn.
func (s *Service) recordUsage(ctx context.Context, req Request, ans *Answer) {
	s.logger.Debug("orchestrated turn",
		"conversation", req.ConversationID,
		"tokens_in", ans.InputTokens,
		"tokens_out", ans.OutputTokens,
		"tool_calls", len(ans.ToolResults),
	)
	if s.config.Usage == nil {
		return
	}
	err := s.config.Usage.Record(context.WithoutCancel(ctx), usage.Record{
		RequestID:      httpkit.RequestID(ctx),
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Model:          s.orch.config.Model,
		InputTokens:    ans.InputTokens,
		OutputTokens:   ans.OutputTokens,
		ToolCalls:      len(ans.ToolResults),
	})
	if err != nil {
		s.logger.Warn("failed to record usage", "conversation", req.ConversationID, "error", err)
	}
}

func (s *Service) systemPrompt(userID string) string {
	var b strings.Builder
	b.WriteString(s.config.SystemPrompt)
	fmt.Fprintf(&b, "\n\nCurrent time: %s", time.Now().Format(time.RFC1123))
	if userID != "" {
		fmt.Fprintf(&b, "\nThe current user's id is %s.", userID)
	}
	return b.String()
}

// ActiveWorkflows reports how many conversations have a workflow.
func (s *Service) ActiveWorkflows(ctx context.Context) (int, error) {
	return s.store.Len(ctx)
}

func lastUserMessage(msgs []llm.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content, true
		}
	}
	return "", false
}
