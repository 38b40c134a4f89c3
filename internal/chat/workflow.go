// Package chat is the conversational core: guided creation workflows,
// the conversation store that holds them between requests, and the
// tool-calling orchestrator for everything else.
package chat

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/nugget/foreman/internal/router"
)

// EntityType is an entity kind with a guided creation workflow.
type EntityType string

const (
	EntityProject      EntityType = "project"
	EntityTask         EntityType = "task"
	EntityTeam         EntityType = "team"
	EntityDepartment   EntityType = "department"
	EntityOrganization EntityType = "organization"
)

// Step is a position in an entity's workflow.
type Step string

const (
	StepInit               Step = "init"
	StepCollectName        Step = "collect_name"
	StepCollectDescription Step = "collect_description"
	StepCollectAssignee    Step = "collect_assignee"
	StepCollectDate        Step = "collect_date"
	StepConfirm            Step = "confirm"
	StepExecuting          Step = "executing"
)

// stepFields maps collection steps to the key their answer is stored
// under.
var stepFields = map[Step]string{
	StepCollectName:        "name",
	StepCollectDescription: "description",
	StepCollectAssignee:    "assigneeId",
	StepCollectDate:        "dueDate",
}

// Status is derived from the current step.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusExecuting  Status = "executing"
)

// entitySpec is the static description of one entity's workflow.
type entitySpec struct {
	label    string
	steps    []Step
	tool     string
	nameArg  string   // argument the collected name is sent as
	optional []string // stepData keys forwarded when non-empty
}

var basicSteps = []Step{StepInit, StepCollectName, StepCollectDescription, StepConfirm, StepExecuting}

var entitySpecs = map[EntityType]entitySpec{
	EntityProject: {
		label: "project", steps: basicSteps,
		tool: "create_project", nameArg: "name", optional: []string{"description"},
	},
	EntityTask: {
		label: "task",
		steps: []Step{StepInit, StepCollectName, StepCollectDescription, StepCollectAssignee, StepCollectDate, StepConfirm, StepExecuting},
		tool:  "create_task", nameArg: "title", optional: []string{"description", "assigneeId", "dueDate"},
	},
	EntityTeam: {
		label: "team", steps: basicSteps,
		tool: "create_team", nameArg: "name", optional: []string{"description"},
	},
	EntityDepartment: {
		label: "department", steps: basicSteps,
		tool: "create_department", nameArg: "name", optional: []string{"description"},
	},
	EntityOrganization: {
		label: "organization", steps: basicSteps,
		tool: "create_organization", nameArg: "name", optional: []string{"description"},
	},
}

// GuidedEntities lists the entity types with a guided workflow, in the
// router's vocabulary.
func GuidedEntities() []router.Entity {
	out := make([]router.Entity, 0, len(entitySpecs))
	for e := range entitySpecs {
		out = append(out, router.Entity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Steps returns the step sequence for e, or nil if e has no workflow.
func (e EntityType) Steps() []Step {
	spec, ok := entitySpecs[e]
	if !ok {
		return nil
	}
	return append([]Step(nil), spec.steps...)
}

// Valid reports whether e has a guided workflow.
func (e EntityType) Valid() bool {
	_, ok := entitySpecs[e]
	return ok
}

// WorkflowData accumulates the user's answers.
type WorkflowData struct {
	StepData map[string]string `json:"step_data"`
}

// WorkflowState is one conversation's guided creation in progress.
type WorkflowState struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id,omitempty"`
	EntityType  EntityType   `json:"entity_type"`
	Action      string       `json:"action"`
	CurrentStep Step         `json:"current_step"`
	Status      Status       `json:"status"`
	Data        WorkflowData `json:"data"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// NewWorkflow creates a workflow at its init step.
func NewWorkflow(conversationID string, entity EntityType) (*WorkflowState, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("no guided workflow for %q", entity)
	}
	now := time.Now()
	return &WorkflowState{
		ID:          conversationID,
		EntityType:  entity,
		Action:      string(router.ActionCreate),
		CurrentStep: StepInit,
		Status:      StatusCollecting,
		Data:        WorkflowData{StepData: map[string]string{}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Outcome says what the caller must do after a transition.
type Outcome int

const (
	// OutcomeContinue means the workflow was updated and must be saved.
	OutcomeContinue Outcome = iota
	// OutcomeCancelled means the workflow must be deleted.
	OutcomeCancelled
	// OutcomeExecute means the user confirmed; run Execute and delete
	// the workflow whatever it returns.
	OutcomeExecute
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeExecute:
		return "execute"
	default:
		return "continue"
	}
}

// Transition is the result of applying one user message.
type Transition struct {
	Response string
	Outcome  Outcome
}

// Begin moves a fresh workflow past init and returns the opening prompt.
// The next message is taken as the name.
func (w *WorkflowState) Begin() string {
	w.setStep(StepCollectName)
	return w.prompt(StepInit)
}

// Advance applies message to the workflow. It never calls out; a
// confirmed workflow is left at StepExecuting for the caller to run.
func (w *WorkflowState) Advance(message string) Transition {
	spec := entitySpecs[w.EntityType]
	cmd := router.ParseCommand(message)

	if cmd == router.CommandCancel {
		return Transition{
			Response: fmt.Sprintf("Okay, I've cancelled creating the %s. Nothing was saved.", spec.label),
			Outcome:  OutcomeCancelled,
		}
	}

	if w.CurrentStep == StepConfirm {
		if cmd != router.CommandConfirm {
			return Transition{Response: fmt.Sprintf("Please answer **yes** to create the %s or **no** to cancel.", spec.label)}
		}
		w.setStep(StepExecuting)
		return Transition{Response: fmt.Sprintf("Creating the %s...", spec.label), Outcome: OutcomeExecute}
	}

	switch cmd {
	case router.CommandBack:
		if w.CurrentStep != StepInit {
			w.setStep(StepInit)
		}
		return Transition{Response: w.prompt(StepInit)}
	case router.CommandSkip:
		next := w.nextStep()
		w.setStep(next)
		return Transition{Response: w.prompt(next)}
	}

	// Answering the init prompt answers the name question.
	if w.CurrentStep == StepInit {
		w.setStep(StepCollectName)
	}
	if field, ok := stepFields[w.CurrentStep]; ok {
		if w.Data.StepData == nil {
			w.Data.StepData = map[string]string{}
		}
		w.Data.StepData[field] = message
	}
	next := w.nextStep()
	w.setStep(next)
	return Transition{Response: w.prompt(next)}
}

func (w *WorkflowState) setStep(s Step) {
	w.CurrentStep = s
	w.Status = StatusCollecting
	if s == StepExecuting {
		w.Status = StatusExecuting
	}
	w.UpdatedAt = time.Now()
}

// nextStep returns the step after the current one. It stops at confirm;
// only a confirmation moves past it.
func (w *WorkflowState) nextStep() Step {
	steps := entitySpecs[w.EntityType].steps
	for i, s := range steps {
		if s == w.CurrentStep && i+1 < len(steps) && s != StepConfirm {
			return steps[i+1]
		}
	}
	return w.CurrentStep
}

func (w *WorkflowState) prompt(s Step) string {
	label := entitySpecs[w.EntityType].label
	switch s {
	case StepInit:
		if w.EntityType == EntityTask {
			return "Let's create a new task. What should the task be called?"
		}
		return fmt.Sprintf("Let's create a new %s. What would you like to name it?", label)
	case StepCollectName:
		return fmt.Sprintf("What's the name of the %s?", label)
	case StepCollectDescription:
		return fmt.Sprintf("Add a short description for the %s, or type \"skip\".", label)
	case StepCollectAssignee:
		return "Who should this task be assigned to? Enter their user id, or type \"skip\"."
	case StepCollectDate:
		return "When is it due? For example 2025-01-31, or type \"skip\"."
	case StepConfirm:
		return fmt.Sprintf("Here's what I have:\n\n%s\n\nCreate this %s? (yes/no)", RenderStepData(w.Data.StepData), label)
	default:
		return ""
	}
}

// RenderStepData formats collected fields as a markdown bullet list.
func RenderStepData(data map[string]string) string {
	if len(data) == 0 {
		return "No data collected yet."
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- **%s**: %s", fieldLabel(k), data[k])
	}
	return b.String()
}

// fieldLabel turns "assigneeId" into "Assignee Id".
func fieldLabel(key string) string {
	var words []string
	var cur []rune
	for _, r := range key {
		if unicode.IsUpper(r) && len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		words = append(words, string(cur))
	}
	for i, w := range words {
		rs := []rune(w)
		rs[0] = unicode.ToUpper(rs[0])
		words[i] = string(rs)
	}
	return strings.Join(words, " ")
}
