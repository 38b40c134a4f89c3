package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const projectColumns = `p.id, p.org_id, p.team_id, p.name, p.description, p.status, p.created_by, p.created_at, p.updated_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	var created, updated string
	err := row.Scan(&p.ID, &p.OrganizationID, &p.TeamID, &p.Name, &p.Description, &p.Status, &p.CreatedBy, &created, &updated)
	p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
	return p, err
}

func validProjectStatus(s string) bool {
	switch s {
	case ProjectActive, ProjectOnHold, ProjectCompleted:
		return true
	}
	return false
}

// CreateProject creates a project in the given (or default) organization.
func (s *Store) CreateProject(ctx context.Context, userID string, in ProjectInput) Result[Project] {
	if err := required("name", in.Name); err != nil {
		return Fail[Project](err)
	}
	orgID, err := s.resolveOrg(ctx, in.OrganizationID, userID)
	if err != nil {
		return fail[Project](s, "create project", err)
	}
	p, err := s.insertProject(ctx, userID, orgID, in)
	if err != nil {
		return fail[Project](s, "create project", err)
	}
	return Ok(p)
}

func (s *Store) insertProject(ctx context.Context, userID, orgID string, in ProjectInput) (Project, error) {
	now := s.stamp()
	p := Project{
		ID:             newID(),
		OrganizationID: orgID,
		TeamID:         in.TeamID,
		Name:           in.Name,
		Description:    in.Description,
		Status:         ProjectActive,
		CreatedBy:      userID,
		CreatedAt:      parseTime(now),
		UpdatedAt:      parseTime(now),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, org_id, team_id, name, description, status, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrganizationID, p.TeamID, p.Name, p.Description, p.Status, userID, now, now,
	)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// ListProjects returns every project in every organization the user
// belongs to, newest first.
func (s *Store) ListProjects(ctx context.Context, userID string) Result[[]Project] {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+`
		 FROM projects p JOIN memberships m ON m.org_id = p.org_id
		 WHERE m.user_id = ?
		 ORDER BY p.created_at DESC, p.id`,
		userID,
	)
	if err != nil {
		return fail[[]Project](s, "list projects", err)
	}
	defer rows.Close()

	out := []Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return fail[[]Project](s, "list projects", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return fail[[]Project](s, "list projects", err)
	}
	return Ok(out)
}

// GetProject returns one project visible to the user.
func (s *Store) GetProject(ctx context.Context, userID, projectID string) Result[Project] {
	p, err := s.getProject(ctx, userID, projectID)
	if err != nil {
		return fail[Project](s, "get project", err)
	}
	return Ok(p)
}

func (s *Store) getProject(ctx context.Context, userID, projectID string) (Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+`
		 FROM projects p JOIN memberships m ON m.org_id = p.org_id
		 WHERE p.id = ? AND m.user_id = ?`,
		projectID, userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return p, err
}

// UpdateProject changes name, description or status.
func (s *Store) UpdateProject(ctx context.Context, userID, projectID string, u ProjectUpdate) Result[Project] {
	p, err := s.getProject(ctx, userID, projectID)
	if err != nil {
		return fail[Project](s, "update project", err)
	}
	if u.Name != nil {
		if err := required("name", *u.Name); err != nil {
			return Fail[Project](err)
		}
		p.Name = *u.Name
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.Status != nil {
		if !validProjectStatus(*u.Status) {
			return Fail[Project](fmt.Errorf("%w: status must be active, on_hold or completed", ErrInvalid))
		}
		p.Status = *u.Status
	}

	now := s.stamp()
	p.UpdatedAt = parseTime(now)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, description = ?, status = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Description, p.Status, now, p.ID,
	); err != nil {
		return fail[Project](s, "update project", fmt.Errorf("update project: %w", err))
	}
	return Ok(p)
}

// DeleteProject removes a project and its tasks. Requires owner or admin.
func (s *Store) DeleteProject(ctx context.Context, userID, projectID string) Result[Project] {
	p, err := s.getProject(ctx, userID, projectID)
	if err != nil {
		return fail[Project](s, "delete project", err)
	}
	if err := s.requireAdmin(ctx, p.OrganizationID, userID); err != nil {
		return Fail[Project](err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, p.ID); err != nil {
		return fail[Project](s, "delete project", fmt.Errorf("delete project: %w", err))
	}
	return Ok(p)
}

// defaultProject returns the user's newest project, creating "General"
// in the default organization when they have none.
func (s *Store) defaultProject(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT p.id FROM projects p JOIN memberships m ON m.org_id = p.org_id
		 WHERE m.user_id = ? ORDER BY p.created_at DESC, p.id LIMIT 1`,
		userID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup default project: %w", err)
	}

	orgID, err := s.defaultOrg(ctx, userID)
	if err != nil {
		return "", err
	}
	p, err := s.insertProject(ctx, userID, orgID, ProjectInput{Name: "General"})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}
