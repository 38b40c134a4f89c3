package store

import "time"

// Membership roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Task statuses.
const (
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
)

// Project statuses.
const (
	ProjectActive    = "active"
	ProjectOnHold    = "on_hold"
	ProjectCompleted = "completed"
)

// Invitation statuses.
const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationRevoked  = "revoked"
)

type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Role        string    `json:"role,omitempty"` // acting user's role
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Department struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Team struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	DepartmentID   string    `json:"departmentId,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Project struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	TeamID         string    `json:"teamId,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Status         string    `json:"status"`
	CreatedBy      string    `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Task struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	AssigneeID  string    `json:"assigneeId,omitempty"`
	DueDate     string    `json:"dueDate,omitempty"` // as entered; not parsed
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type Invitation struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	Status         string    `json:"status"`
	Token          string    `json:"token,omitempty"`
	InvitedBy      string    `json:"invitedBy"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Inputs for create operations. An empty OrganizationID selects the
// user's default organization.

type OrganizationInput struct {
	Name        string
	Description string
}

type DepartmentInput struct {
	OrganizationID string
	Name           string
	Description    string
}

type TeamInput struct {
	OrganizationID string
	DepartmentID   string
	Name           string
	Description    string
}

type ProjectInput struct {
	OrganizationID string
	TeamID         string
	Name           string
	Description    string
}

// TaskInput creates a task. An empty ProjectID files the task under
// the user's most recently created project, creating a "General"
// project when the user has none.
type TaskInput struct {
	ProjectID   string
	Title       string
	Description string
	AssigneeID  string
	DueDate     string
}

type InvitationInput struct {
	OrganizationID string
	Email          string
	Role           string
}

// Updates use nil for "leave unchanged".

type ProjectUpdate struct {
	Name        *string
	Description *string
	Status      *string
}

type TaskUpdate struct {
	Title       *string
	Description *string
	Status      *string
	AssigneeID  *string
	DueDate     *string
}
