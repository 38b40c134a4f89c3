// Package router decides, for each inbound chat message, whether it
// continues a guided workflow, starts a new one, or goes to the
// tool-calling model. Every decision is kept in a bounded audit log.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entity is an entity type named in a message.
type Entity string

const (
	EntityNone         Entity = ""
	EntityProject      Entity = "project"
	EntityTask         Entity = "task"
	EntityTeam         Entity = "team"
	EntityDepartment   Entity = "department"
	EntityOrganization Entity = "organization"
	EntityMember       Entity = "member"
	EntityInvite       Entity = "invite"
)

// entityPriority is the order keywords are checked in. The first
// substring hit wins, so "update the task in my project" resolves to
// project.
var entityPriority = []Entity{
	EntityProject,
	EntityTask,
	EntityTeam,
	EntityDepartment,
	EntityOrganization,
	EntityMember,
	EntityInvite,
}

// Action is the operation a message asks for.
type Action string

const (
	ActionNone   Action = ""
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

var actionKeywords = []struct {
	action   Action
	keywords []string
}{
	{ActionCreate, []string{"create", "new", "add"}},
	{ActionUpdate, []string{"update", "edit", "modify"}},
	{ActionDelete, []string{"delete", "remove"}},
}

// Command is a workflow control word.
type Command string

const (
	CommandNone    Command = ""
	CommandConfirm Command = "confirm"
	CommandCancel  Command = "cancel"
	CommandBack    Command = "back"
	CommandSkip    Command = "skip"
)

// ParseCommand matches the whole message, case-insensitively and
// ignoring surrounding whitespace, against the control words.
func ParseCommand(message string) Command {
	switch strings.ToLower(strings.TrimSpace(message)) {
	case "yes", "y", "confirm":
		return CommandConfirm
	case "no", "n", "cancel":
		return CommandCancel
	case "back", "go back":
		return CommandBack
	case "skip":
		return CommandSkip
	default:
		return CommandNone
	}
}

// ExtractEntity returns the first entity keyword found in message.
func ExtractEntity(message string) Entity {
	q := strings.ToLower(message)
	for _, e := range entityPriority {
		if strings.Contains(q, string(e)) {
			return e
		}
	}
	return EntityNone
}

// ExtractAction returns the first action keyword found in message.
func ExtractAction(message string) Action {
	q := strings.ToLower(message)
	for _, a := range actionKeywords {
		for _, kw := range a.keywords {
			if strings.Contains(q, kw) {
				return a.action
			}
		}
	}
	return ActionNone
}

// Route is where a message goes.
type Route string

const (
	RouteContinueWorkflow Route = "continue_workflow"
	RouteStartWorkflow    Route = "start_workflow"
	RouteOrchestrator     Route = "orchestrator"
)

// Decision records why a message was routed where it was.
type Decision struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	Conversation string    `json:"conversation"`
	QueryLength  int       `json:"query_length"`

	ActiveWorkflow bool    `json:"active_workflow"`
	Command        Command `json:"command,omitempty"`
	Entity         Entity  `json:"entity,omitempty"`
	Action         Action  `json:"action,omitempty"`

	Route     Route  `json:"route"`
	Reasoning string `json:"reasoning"`

	// Filled in by RecordOutcome.
	LatencyMs int64 `json:"latency_ms,omitempty"`
	Success   *bool `json:"success,omitempty"`
}

// Config holds router configuration.
type Config struct {
	// Guided lists the entity types that have a guided creation
	// workflow. Create intents for any other entity go to the model.
	Guided      []Entity
	MaxAuditLog int
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	RouteCounts   map[Route]int64  `json:"route_counts"`
	EntityCounts  map[Entity]int64 `json:"entity_counts"`
	Failures      int64            `json:"failures"`
	AvgLatencyMs  int64            `json:"avg_latency_ms"`
}

// Router classifies chat messages.
type Router struct {
	logger *slog.Logger
	guided map[Entity]bool
	max    int

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	guided := make(map[Entity]bool, len(config.Guided))
	for _, e := range config.Guided {
		guided[e] = true
	}
	return &Router{
		logger:   logger.With("component", "router"),
		guided:   guided,
		max:      config.MaxAuditLog,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			RouteCounts:  make(map[Route]int64),
			EntityCounts: make(map[Entity]int64),
		},
	}
}

// Route classifies message. activeWorkflow reports whether the
// conversation already has a guided workflow in progress.
func (r *Router) Route(ctx context.Context, conversationID, message string, activeWorkflow bool) Decision {
	d := Decision{
		RequestID:      uuid.NewString(),
		Timestamp:      time.Now(),
		Conversation:   conversationID,
		QueryLength:    len(message),
		ActiveWorkflow: activeWorkflow,
	}

	switch {
	case activeWorkflow:
		// The state machine interprets everything, commands included.
		d.Route = RouteContinueWorkflow
		d.Reasoning = "guided workflow in progress"

	default:
		d.Command = ParseCommand(message)
		if d.Command != CommandNone {
			d.Route = RouteOrchestrator
			d.Reasoning = "control command " + string(d.Command) + " ignored without a workflow"
			break
		}
		d.Entity = ExtractEntity(message)
		d.Action = ExtractAction(message)
		switch {
		case d.Entity != EntityNone && d.Action == ActionCreate && r.guided[d.Entity]:
			d.Route = RouteStartWorkflow
			d.Reasoning = "create intent for " + string(d.Entity)
		case d.Entity != EntityNone && d.Action == ActionCreate:
			d.Route = RouteOrchestrator
			d.Reasoning = "no guided workflow for " + string(d.Entity)
		default:
			d.Route = RouteOrchestrator
			d.Reasoning = "no create intent"
		}
	}

	r.recordDecision(d)

	r.logger.Debug("message routed",
		"request_id", d.RequestID,
		"conversation", conversationID,
		"route", d.Route,
		"entity", d.Entity,
		"action", d.Action,
		"reasoning", d.Reasoning,
	)

	return d
}

// RecordOutcome updates a decision with how the request went.
func (r *Router) RecordOutcome(requestID string, latency time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID != requestID {
			continue
		}
		ms := latency.Milliseconds()
		r.auditLog[i].LatencyMs = ms
		r.auditLog[i].Success = &success
		if !success {
			r.stats.Failures++
		}
		if r.stats.AvgLatencyMs == 0 {
			r.stats.AvgLatencyMs = ms
		} else {
			r.stats.AvgLatencyMs = (r.stats.AvgLatencyMs + ms) / 2
		}
		return
	}
}

func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.max {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.RouteCounts[d.Route]++
	if d.Entity != EntityNone {
		r.stats.EntityCounts[d.Entity]++
	}
}

// GetAuditLog returns the most recent decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	s.RouteCounts = make(map[Route]int64, len(r.stats.RouteCounts))
	for k, v := range r.stats.RouteCounts {
		s.RouteCounts[k] = v
	}
	s.EntityCounts = make(map[Entity]int64, len(r.stats.EntityCounts))
	for k, v := range r.stats.EntityCounts {
		s.EntityCounts[k] = v
	}
	return s
}

// Explain returns the decision with the given request id, or nil.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}
