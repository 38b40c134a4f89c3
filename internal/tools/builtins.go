package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/foreman/internal/store"
)

func (r *Registry) registerBuiltins() error {
	builtins := []struct {
		tool    mcp.Tool
		handler toolFunc
	}{
		{mcp.NewTool("create_organization",
			mcp.WithDescription("Create a new organization. The current user becomes its owner."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Organization name")),
			mcp.WithString("description", mcp.Description("Optional description")),
		), r.createOrganization},
		{mcp.NewTool("list_organizations",
			mcp.WithDescription("List the organizations the current user belongs to, with their role in each."),
		), r.listOrganizations},
		{mcp.NewTool("create_department",
			mcp.WithDescription("Create a department inside an organization."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Department name")),
			mcp.WithString("description", mcp.Description("Optional description")),
			mcp.WithString("organizationId", mcp.Description("Organization id; defaults to the user's first organization")),
		), r.createDepartment},
		{mcp.NewTool("list_departments",
			mcp.WithDescription("List the departments of an organization."),
			mcp.WithString("organizationId", mcp.Description("Organization id; defaults to the user's first organization")),
		), r.listDepartments},
		{mcp.NewTool("create_team",
			mcp.WithDescription("Create a team, optionally inside a department."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Team name")),
			mcp.WithString("description", mcp.Description("Optional description")),
			mcp.WithString("organizationId", mcp.Description("Organization id; defaults to the user's first organization")),
			mcp.WithString("departmentId", mcp.Description("Department the team belongs to")),
		), r.createTeam},
		{mcp.NewTool("list_teams",
			mcp.WithDescription("List the teams of an organization."),
			mcp.WithString("organizationId", mcp.Description("Organization id; defaults to the user's first organization")),
		), r.listTeams},
		{mcp.NewTool("create_project",
			mcp.WithDescription("Create a new project."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Project name")),
			mcp.WithString("description", mcp.Description("Optional description")),
			mcp.WithString("organizationId", mcp.Description("Organization id; defaults to the user's first organization")),
			mcp.WithString("teamId", mcp.Description("Team that owns the project")),
		), r.createProject},
		{mcp.NewTool("get_projects",
			mcp.WithDescription("List all projects the current user can access."),
		), r.getProjects},
		{mcp.NewTool("update_project",
			mcp.WithDescription("Update a project's name, description or status."),
			mcp.WithString("projectId", mcp.Required(), mcp.Description("Project id")),
			mcp.WithString("name", mcp.Description("New name")),
			mcp.WithString("description", mcp.Description("New description")),
			mcp.WithString("status", mcp.Enum(store.ProjectActive, store.ProjectOnHold, store.ProjectCompleted), mcp.Description("New status")),
		), r.updateProject},
		{mcp.NewTool("delete_project",
			mcp.WithDescription("Delete a project and all of its tasks. Requires owner or admin."),
			mcp.WithString("projectId", mcp.Required(), mcp.Description("Project id")),
		), r.deleteProject},
		{mcp.NewTool("create_task",
			mcp.WithDescription("Create a task. Without a projectId the task goes into the user's most recent project."),
			mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
			mcp.WithString("description", mcp.Description("Optional description")),
			mcp.WithString("projectId", mcp.Description("Project id")),
			mcp.WithString("assigneeId", mcp.Description("User id of the assignee")),
			mcp.WithString("dueDate", mcp.Description("Due date, e.g. 2025-01-31")),
		), r.createTask},
		{mcp.NewTool("get_my_tasks",
			mcp.WithDescription("List tasks assigned to the current user, plus unassigned tasks they created."),
			mcp.WithString("status", mcp.Enum(store.TaskTodo, store.TaskInProgress, store.TaskDone), mcp.Description("Only tasks with this status")),
		), r.getMyTasks},
		{mcp.NewTool("get_project_tasks",
			mcp.WithDescription("List the tasks of a project."),
			mcp.WithString("projectId", mcp.Required(), mcp.Description("Project id")),
		), r.getProjectTasks},
		{mcp.NewTool("update_task",
			mcp.WithDescription("Update a task's title, description, status, assignee or due date."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("Task id")),
			mcp.WithString("title", mcp.Description("New title")),
			mcp.WithString("description", mcp.Description("New description")),
			mcp.WithString("status", mcp.Enum(store.TaskTodo, store.TaskInProgress, store.TaskDone), mcp.Description("New status")),
			mcp.WithString("assigneeId", mcp.Description("New assignee user id; empty string unassigns")),
			mcp.WithString("dueDate", mcp.Description("New due date")),
		), r.updateTask},
		{mcp.NewTool("delete_task",
			mcp.WithDescription("Delete a task. Its creator, owners and admins may delete it."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("Task id")),
		), r.deleteTask},
		{mcp.NewTool("add_comment",
			mcp.WithDescription("Add a comment to a task."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("Task id")),
			mcp.WithString("body", mcp.Required(), mcp.Description("Comment text")),
		), r.addComment},
		{mcp.NewTool("list_comments",
			mcp.WithDescription("List the comments on a task, oldest first."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("Task id")),
		), r.listComments},
		{mcp.NewTool("invite_member",
			mcp.WithDescription("Invite someone to an organization by email. Requires owner or admin."),
			mcp.WithString("email", mcp.Required(), mcp.Description("Email address to invite")),
			mcp.WithString("role", mcp.Enum(store.RoleMember, store.RoleAdmin), mcp.Description("Role granted on acceptance (default member)")),
			mcp.WithString("organizationId", mcp.Description("Organization id; defaults to the user's first organization")),
		), r.inviteMember},
		{mcp.NewTool("list_invitations",
			mcp.WithDescription("List an organization's invitations and their status."),
			mcp.WithString("organizationId", mcp.Description("Organization id; defaults to the user's first organization")),
		), r.listInvitations},
		{mcp.NewTool("revoke_invitation",
			mcp.WithDescription("Revoke a pending invitation. Requires owner or admin."),
			mcp.WithString("invitationId", mcp.Required(), mcp.Description("Invitation id")),
		), r.revokeInvitation},
	}

	for _, b := range builtins {
		if err := r.Register(b.tool, authed(b.handler)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) createOrganization(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := r.repo.CreateOrganization(ctx, userID, store.OrganizationInput{
		Name:        trimmed(req, "name"),
		Description: trimmed(req, "description"),
	})
	return render(res, func(o store.Organization) string {
		return fmt.Sprintf("Organization %q created (id %s). You are its owner.", o.Name, o.ID)
	}), nil
}

func (r *Registry) listOrganizations(ctx context.Context, userID string, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(r.repo.ListOrganizations(ctx, userID), func(orgs []store.Organization) string {
		return "You belong to " + plural(len(orgs), "organization", "organizations") + "."
	}), nil
}

func (r *Registry) createDepartment(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := r.repo.CreateDepartment(ctx, userID, store.DepartmentInput{
		OrganizationID: trimmed(req, "organizationId"),
		Name:           trimmed(req, "name"),
		Description:    trimmed(req, "description"),
	})
	return render(res, func(d store.Department) string {
		return fmt.Sprintf("Department %q created (id %s).", d.Name, d.ID)
	}), nil
}

func (r *Registry) listDepartments(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(r.repo.ListDepartments(ctx, userID, trimmed(req, "organizationId")), func(d []store.Department) string {
		return "Found " + plural(len(d), "department", "departments") + "."
	}), nil
}

func (r *Registry) createTeam(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := r.repo.CreateTeam(ctx, userID, store.TeamInput{
		OrganizationID: trimmed(req, "organizationId"),
		DepartmentID:   trimmed(req, "departmentId"),
		Name:           trimmed(req, "name"),
		Description:    trimmed(req, "description"),
	})
	return render(res, func(t store.Team) string {
		return fmt.Sprintf("Team %q created (id %s).", t.Name, t.ID)
	}), nil
}

func (r *Registry) listTeams(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(r.repo.ListTeams(ctx, userID, trimmed(req, "organizationId")), func(t []store.Team) string {
		return "Found " + plural(len(t), "team", "teams") + "."
	}), nil
}

func (r *Registry) createProject(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := r.repo.CreateProject(ctx, userID, store.ProjectInput{
		OrganizationID: trimmed(req, "organizationId"),
		TeamID:         trimmed(req, "teamId"),
		Name:           trimmed(req, "name"),
		Description:    trimmed(req, "description"),
	})
	return render(res, func(p store.Project) string {
		return fmt.Sprintf("Project %q created (id %s).", p.Name, p.ID)
	}), nil
}

func (r *Registry) getProjects(ctx context.Context, userID string, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(r.repo.ListProjects(ctx, userID), func(p []store.Project) string {
		return "You have access to " + plural(len(p), "project", "projects") + "."
	}), nil
}

func (r *Registry) updateProject(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := r.repo.UpdateProject(ctx, userID, trimmed(req, "projectId"), store.ProjectUpdate{
		Name:        optString(req, "name"),
		Description: optString(req, "description"),
		Status:      optString(req, "status"),
	})
	return render(res, func(p store.Project) string {
		return fmt.Sprintf("Project %q updated.", p.Name)
	}), nil
}

func (r *Registry) deleteProject(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(r.repo.DeleteProject(ctx, userID, trimmed(req, "projectId")), func(p store.Project) string {
		return fmt.Sprintf("Project %q deleted.", p.Name)
	}), nil
}

func (r *Registry) createTask(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := r.repo.CreateTask(ctx, userID, store.TaskInput{
		ProjectID:   trimmed(req, "projectId"),
		Title:       trimmed(req, "title"),
		Description: trimmed(req, "description"),
		AssigneeID:  trimmed(req, "assigneeId"),
		DueDate:     trimmed(req, "dueDate"),
	})
	return render(res, func(t store.Task) string {
		return fmt.Sprintf("Task %q created (id %s).", t.Title, t.ID)
	}), nil
}

func (r *Registry) getMyTasks(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := r.repo.ListMyTasks(ctx, userID)
	if status := trimmed(req, "status"); status != "" && res.OK {
		filtered := res.Data[:0]
		for _, t := range res.Data {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		res.Data = filtered
	}
	return render(res, func(t []store.Task) string {
		if len(t) == 0 {
			return "You have no tasks."
		}
		return "You have " + plural(len(t), "task", "tasks") + ":\n" + taskLines(t)
	}), nil
}

func (r *Registry) getProjectTasks(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(r.repo.ListProjectTasks(ctx, userID, trimmed(req, "projectId")), func(t []store.Task) string {
		if len(t) == 0 {
			return "This project has no tasks."
		}
		return "The project has " + plural(len(t), "task", "tasks") + ":\n" + taskLines(t)
	}), nil
}

func taskLines(tasks []store.Task) string {
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s [%s]", t.Title, t.Status)
		if t.DueDate != "" {
			fmt.Fprintf(&b, " due %s", t.DueDate)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Registry) updateTask(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := r.repo.UpdateTask(ctx, userID, trimmed(req, "taskId"), store.TaskUpdate{
		Title:       optString(req, "title"),
		Description: optString(req, "description"),
		Status:      optString(req, "status"),
		AssigneeID:  optString(req, "assigneeId"),
		DueDate:     optString(req, "dueDate"),
	})
	return render(res, func(t store.Task) string {
		return fmt.Sprintf("Task %q updated (status %s).", t.Title, t.Status)
	}), nil
}

func (r *Registry) deleteTask(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(r.repo.DeleteTask(ctx, userID, trimmed(req, "taskId")), func(t store.Task) string {
		return fmt.Sprintf("Task %q deleted.", t.Title)
	}), nil
}

func (r *Registry) addComment(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(r.repo.AddComment(ctx, userID, trimmed(req, "taskId"), trimmed(req, "body")), func(store.Comment) string {
		return "Comment added."
	}), nil
}

func (r *Registry) listComments(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(r.repo.ListComments(ctx, userID, trimmed(req, "taskId")), func(c []store.Comment) string {
		return "Found " + plural(len(c), "comment", "comments") + "."
	}), nil
}

func (r *Registry) inviteMember(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := r.repo.CreateInvitation(ctx, userID, store.InvitationInput{
		OrganizationID: trimmed(req, "organizationId"),
		Email:          trimmed(req, "email"),
		Role:           trimmed(req, "role"),
	})
	if !res.OK {
		return failure(res.Err), nil
	}

	delivery := "No mail server is configured; share the invitation token with them directly."
	if r.invite != nil {
		orgName := res.Data.OrganizationID
		if org := r.repo.GetOrganization(ctx, userID, res.Data.OrganizationID); org.OK {
			orgName = org.Data.Name
		}
		if err := r.invite.SendInvitation(ctx, res.Data, orgName); err != nil {
			r.logger.Warn("invitation email failed", "invitation", res.Data.ID, "error", err)
			delivery = "The invitation was saved but the email could not be sent."
		} else {
			delivery = "An invitation email is on its way."
		}
	}
	return render(res, func(inv store.Invitation) string {
		return fmt.Sprintf("Invited %s as %s. %s", inv.Email, inv.Role, delivery)
	}), nil
}

func (r *Registry) listInvitations(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(r.repo.ListInvitations(ctx, userID, trimmed(req, "organizationId")), func(inv []store.Invitation) string {
		return "Found " + plural(len(inv), "invitation", "invitations") + "."
	}), nil
}

func (r *Registry) revokeInvitation(ctx context.Context, userID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(r.repo.RevokeInvitation(ctx, userID, trimmed(req, "invitationId")), func(inv store.Invitation) string {
		return fmt.Sprintf("Invitation for %s revoked.", inv.Email)
	}), nil
}
