package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateOrganization creates an organization with userID as its owner.
func (s *Store) CreateOrganization(ctx context.Context, userID string, in OrganizationInput) Result[Organization] {
	if err := required("name", in.Name); err != nil {
		return Fail[Organization](err)
	}
	org, err := s.insertOrganization(ctx, userID, in)
	if err != nil {
		return fail[Organization](s, "create organization", err)
	}
	return Ok(org)
}

func (s *Store) insertOrganization(ctx context.Context, userID string, in OrganizationInput) (Organization, error) {
	now := s.stamp()
	org := Organization{
		ID:          newID(),
		Name:        in.Name,
		Description: in.Description,
		Role:        RoleOwner,
		CreatedBy:   userID,
		CreatedAt:   parseTime(now),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Organization{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO organizations (id, name, description, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.Description, userID, now,
	); err != nil {
		return Organization{}, fmt.Errorf("insert organization: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memberships (org_id, user_id, role, created_at) VALUES (?, ?, ?, ?)`,
		org.ID, userID, RoleOwner, now,
	); err != nil {
		return Organization{}, fmt.Errorf("insert membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Organization{}, fmt.Errorf("commit: %w", err)
	}
	return org, nil
}

// ListOrganizations returns the organizations userID belongs to, oldest
// membership first.
func (s *Store) ListOrganizations(ctx context.Context, userID string) Result[[]Organization] {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.name, o.description, m.role, o.created_by, o.created_at
		 FROM organizations o JOIN memberships m ON m.org_id = o.id
		 WHERE m.user_id = ?
		 ORDER BY m.created_at, o.id`,
		userID,
	)
	if err != nil {
		return fail[[]Organization](s, "list organizations", err)
	}
	defer rows.Close()

	orgs := []Organization{}
	for rows.Next() {
		var o Organization
		var created string
		if err := rows.Scan(&o.ID, &o.Name, &o.Description, &o.Role, &o.CreatedBy, &created); err != nil {
			return fail[[]Organization](s, "list organizations", err)
		}
		o.CreatedAt = parseTime(created)
		orgs = append(orgs, o)
	}
	if err := rows.Err(); err != nil {
		return fail[[]Organization](s, "list organizations", err)
	}
	return Ok(orgs)
}

// GetOrganization returns one organization visible to userID.
func (s *Store) GetOrganization(ctx context.Context, userID, orgID string) Result[Organization] {
	var o Organization
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT o.id, o.name, o.description, m.role, o.created_by, o.created_at
		 FROM organizations o JOIN memberships m ON m.org_id = o.id
		 WHERE o.id = ? AND m.user_id = ?`,
		orgID, userID,
	).Scan(&o.ID, &o.Name, &o.Description, &o.Role, &o.CreatedBy, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Fail[Organization](fmt.Errorf("organization %s: %w", orgID, ErrNotFound))
	}
	if err != nil {
		return fail[Organization](s, "get organization", err)
	}
	o.CreatedAt = parseTime(created)
	return Ok(o)
}

// addMember adds userID to orgID with role. Used when an invitation is
// accepted; an existing membership keeps its role.
func (s *Store) addMember(ctx context.Context, orgID, userID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (org_id, user_id, role, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (org_id, user_id) DO NOTHING`,
		orgID, userID, role, s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// CreateDepartment creates a department. Any member may create one.
func (s *Store) CreateDepartment(ctx context.Context, userID string, in DepartmentInput) Result[Department] {
	if err := required("name", in.Name); err != nil {
		return Fail[Department](err)
	}
	orgID, err := s.resolveOrg(ctx, in.OrganizationID, userID)
	if err != nil {
		return fail[Department](s, "create department", err)
	}

	now := s.stamp()
	d := Department{ID: newID(), OrganizationID: orgID, Name: in.Name, Description: in.Description, CreatedAt: parseTime(now)}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO departments (id, org_id, name, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.OrganizationID, d.Name, d.Description, now,
	); err != nil {
		return fail[Department](s, "create department", fmt.Errorf("insert department: %w", err))
	}
	return Ok(d)
}

// ListDepartments lists departments of orgID (or the default
// organization when empty).
func (s *Store) ListDepartments(ctx context.Context, userID, orgID string) Result[[]Department] {
	orgID, err := s.resolveOrg(ctx, orgID, userID)
	if err != nil {
		return fail[[]Department](s, "list departments", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, description, created_at FROM departments WHERE org_id = ? ORDER BY created_at, id`,
		orgID,
	)
	if err != nil {
		return fail[[]Department](s, "list departments", err)
	}
	defer rows.Close()

	out := []Department{}
	for rows.Next() {
		var d Department
		var created string
		if err := rows.Scan(&d.ID, &d.OrganizationID, &d.Name, &d.Description, &created); err != nil {
			return fail[[]Department](s, "list departments", err)
		}
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return fail[[]Department](s, "list departments", err)
	}
	return Ok(out)
}

// CreateTeam creates a team, optionally inside a department of the
// same organization.
func (s *Store) CreateTeam(ctx context.Context, userID string, in TeamInput) Result[Team] {
	if err := required("name", in.Name); err != nil {
		return Fail[Team](err)
	}
	orgID, err := s.resolveOrg(ctx, in.OrganizationID, userID)
	if err != nil {
		return fail[Team](s, "create team", err)
	}
	if in.DepartmentID != "" {
		var deptOrg string
		err := s.db.QueryRowContext(ctx, `SELECT org_id FROM departments WHERE id = ?`, in.DepartmentID).Scan(&deptOrg)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && deptOrg != orgID) {
			return Fail[Team](fmt.Errorf("department %s: %w", in.DepartmentID, ErrNotFound))
		}
		if err != nil {
			return fail[Team](s, "create team", err)
		}
	}

	now := s.stamp()
	t := Team{
		ID:             newID(),
		OrganizationID: orgID,
		DepartmentID:   in.DepartmentID,
		Name:           in.Name,
		Description:    in.Description,
		CreatedAt:      parseTime(now),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (id, org_id, department_id, name, description, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrganizationID, t.DepartmentID, t.Name, t.Description, now,
	); err != nil {
		return fail[Team](s, "create team", fmt.Errorf("insert team: %w", err))
	}
	return Ok(t)
}

// ListTeams lists teams of orgID (or the default organization).
func (s *Store) ListTeams(ctx context.Context, userID, orgID string) Result[[]Team] {
	orgID, err := s.resolveOrg(ctx, orgID, userID)
	if err != nil {
		return fail[[]Team](s, "list teams", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, department_id, name, description, created_at FROM teams WHERE org_id = ? ORDER BY created_at, id`,
		orgID,
	)
	if err != nil {
		return fail[[]Team](s, "list teams", err)
	}
	defer rows.Close()

	out := []Team{}
	for rows.Next() {
		var t Team
		var created string
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.DepartmentID, &t.Name, &t.Description, &created); err != nil {
			return fail[[]Team](s, "list teams", err)
		}
		t.CreatedAt = parseTime(created)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return fail[[]Team](s, "list teams", err)
	}
	return Ok(out)
}
