// Package store is the access-controlled repository for organizations,
// departments, teams, projects, tasks, comments and invitations. Every
// operation takes the acting user id and returns a [Result].
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the repository over a SQLite database. All methods are safe
// for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New wraps db and creates the schema if needed. The caller owns db.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_by  TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS memberships (
		org_id     TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (org_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id);
	CREATE TABLE IF NOT EXISTS departments (
		id          TEXT PRIMARY KEY,
		org_id      TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS teams (
		id            TEXT PRIMARY KEY,
		org_id        TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		department_id TEXT NOT NULL DEFAULT '',
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		org_id      TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		team_id     TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		created_by  TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		assignee_id TEXT NOT NULL DEFAULT '',
		due_date    TEXT NOT NULL DEFAULT '',
		created_by  TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_id);
	CREATE TABLE IF NOT EXISTS comments (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		author_id  TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS invitations (
		id         TEXT PRIMARY KEY,
		org_id     TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		email      TEXT NOT NULL,
		role       TEXT NOT NULL,
		status     TEXT NOT NULL,
		token      TEXT NOT NULL UNIQUE,
		invited_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() string { return uuid.NewString() }

func (s *Store) stamp() string { return s.now().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, field)
	}
	return nil
}

// role returns the user's role in org, or ErrNotFound when the user is
// not a member (the organization is invisible to them).
func (s *Store) role(ctx context.Context, orgID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM memberships WHERE org_id = ? AND user_id = ?`,
		orgID, userID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup membership: %w", err)
	}
	return role, nil
}

func (s *Store) requireMember(ctx context.Context, orgID, userID string) error {
	_, err := s.role(ctx, orgID, userID)
	return err
}

func (s *Store) requireAdmin(ctx context.Context, orgID, userID string) error {
	role, err := s.role(ctx, orgID, userID)
	if err != nil {
		return err
	}
	if role != RoleOwner && role != RoleAdmin {
		return fmt.Errorf("requires owner or admin role: %w", ErrForbidden)
	}
	return nil
}

// resolveOrg returns orgID after checking membership, or the user's
// default organization when orgID is empty.
func (s *Store) resolveOrg(ctx context.Context, orgID, userID string) (string, error) {
	if orgID != "" {
		return orgID, s.requireMember(ctx, orgID, userID)
	}
	return s.defaultOrg(ctx, userID)
}

// defaultOrg returns the user's oldest membership, creating a personal
// organization when there is none.
func (s *Store) defaultOrg(ctx context.Context, userID string) (string, error) {
	var orgID string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id FROM memberships WHERE user_id = ? ORDER BY created_at, org_id LIMIT 1`,
		userID,
	).Scan(&orgID)
	if err == nil {
		return orgID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup default organization: %w", err)
	}

	org, err := s.insertOrganization(ctx, userID, OrganizationInput{Name: "Personal"})
	if err != nil {
		return "", err
	}
	s.logger.Info("created personal organization", "user", userID, "org", org.ID)
	return org.ID, nil
}

// logFailure records unexpected (non-domain) errors before they are
// returned in a Result.
func (s *Store) logFailure(op string, err error) {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalid) {
		return
	}
	s.logger.Error("repository operation failed", "op", op, "error", err)
}

func fail[T any](s *Store, op string, err error) Result[T] {
	s.logFailure(op, err)
	return Fail[T](err)
}
