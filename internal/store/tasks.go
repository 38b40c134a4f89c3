package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const taskColumns = `t.id, t.project_id, t.title, t.description, t.status, t.assignee_id, t.due_date, t.created_by, t.created_at, t.updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var created, updated string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.AssigneeID, &t.DueDate, &t.CreatedBy, &created, &updated)
	t.CreatedAt, t.UpdatedAt = parseTime(created), parseTime(updated)
	return t, err
}

func validTaskStatus(s string) bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskDone:
		return true
	}
	return false
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	out := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTask creates a task. Dates and assignee ids are stored as given.
func (s *Store) CreateTask(ctx context.Context, userID string, in TaskInput) Result[Task] {
	if err := required("title", in.Title); err != nil {
		return Fail[Task](err)
	}

	projectID := in.ProjectID
	if projectID == "" {
		id, err := s.defaultProject(ctx, userID)
		if err != nil {
			return fail[Task](s, "create task", err)
		}
		projectID = id
	} else if _, err := s.getProject(ctx, userID, projectID); err != nil {
		return fail[Task](s, "create task", err)
	}

	now := s.stamp()
	t := Task{
		ID:          newID(),
		ProjectID:   projectID,
		Title:       in.Title,
		Description: in.Description,
		Status:      TaskTodo,
		AssigneeID:  in.AssigneeID,
		DueDate:     in.DueDate,
		CreatedBy:   userID,
		CreatedAt:   parseTime(now),
		UpdatedAt:   parseTime(now),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, title, description, status, assignee_id, due_date, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.AssigneeID, t.DueDate, userID, now, now,
	); err != nil {
		return fail[Task](s, "create task", fmt.Errorf("insert task: %w", err))
	}
	return Ok(t)
}

// ListMyTasks returns tasks assigned to the user plus unassigned tasks
// they created, in projects they can still see.
func (s *Store) ListMyTasks(ctx context.Context, userID string) Result[[]Task] {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks t
		 JOIN projects p ON p.id = t.project_id
		 JOIN memberships m ON m.org_id = p.org_id AND m.user_id = ?
		 WHERE t.assignee_id = ? OR (t.assignee_id = '' AND t.created_by = ?)
		 ORDER BY t.created_at, t.id`,
		userID, userID, userID,
	)
	if err != nil {
		return fail[[]Task](s, "list my tasks", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return fail[[]Task](s, "list my tasks", err)
	}
	return Ok(tasks)
}

// ListProjectTasks returns the tasks of one project.
func (s *Store) ListProjectTasks(ctx context.Context, userID, projectID string) Result[[]Task] {
	if _, err := s.getProject(ctx, userID, projectID); err != nil {
		return fail[[]Task](s, "list project tasks", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t WHERE t.project_id = ? ORDER BY t.created_at, t.id`,
		projectID,
	)
	if err != nil {
		return fail[[]Task](s, "list project tasks", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return fail[[]Task](s, "list project tasks", err)
	}
	return Ok(tasks)
}

func (s *Store) getTask(ctx context.Context, userID, taskID string) (Task, string, error) {
	var orgID string
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+`, p.org_id
		 FROM tasks t
		 JOIN projects p ON p.id = t.project_id
		 JOIN memberships m ON m.org_id = p.org_id
		 WHERE t.id = ? AND m.user_id = ?`,
		taskID, userID,
	)
	var t Task
	var created, updated string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.AssigneeID, &t.DueDate, &t.CreatedBy, &created, &updated, &orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return Task{}, "", fmt.Errorf("get task: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = parseTime(created), parseTime(updated)
	return t, orgID, nil
}

// UpdateTask changes any subset of a task's fields.
func (s *Store) UpdateTask(ctx context.Context, userID, taskID string, u TaskUpdate) Result[Task] {
	t, _, err := s.getTask(ctx, userID, taskID)
	if err != nil {
		return fail[Task](s, "update task", err)
	}
	if u.Title != nil {
		if err := required("title", *u.Title); err != nil {
			return Fail[Task](err)
		}
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Status != nil {
		if !validTaskStatus(*u.Status) {
			return Fail[Task](fmt.Errorf("%w: status must be todo, in_progress or done", ErrInvalid))
		}
		t.Status = *u.Status
	}
	if u.AssigneeID != nil {
		t.AssigneeID = *u.AssigneeID
	}
	if u.DueDate != nil {
		t.DueDate = *u.DueDate
	}

	now := s.stamp()
	t.UpdatedAt = parseTime(now)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, status = ?, assignee_id = ?, due_date = ?, updated_at = ? WHERE id = ?`,
		t.Title, t.Description, t.Status, t.AssigneeID, t.DueDate, now, t.ID,
	); err != nil {
		return fail[Task](s, "update task", fmt.Errorf("update task: %w", err))
	}
	return Ok(t)
}

// DeleteTask removes a task. The task's creator may delete it; anyone
// else needs owner or admin.
func (s *Store) DeleteTask(ctx context.Context, userID, taskID string) Result[Task] {
	t, orgID, err := s.getTask(ctx, userID, taskID)
	if err != nil {
		return fail[Task](s, "delete task", err)
	}
	if t.CreatedBy != userID {
		if err := s.requireAdmin(ctx, orgID, userID); err != nil {
			return Fail[Task](err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, t.ID); err != nil {
		return fail[Task](s, "delete task", fmt.Errorf("delete task: %w", err))
	}
	return Ok(t)
}

// AddComment appends a comment to a task.
func (s *Store) AddComment(ctx context.Context, userID, taskID, body string) Result[Comment] {
	if err := required("body", body); err != nil {
		return Fail[Comment](err)
	}
	if _, _, err := s.getTask(ctx, userID, taskID); err != nil {
		return fail[Comment](s, "add comment", err)
	}

	now := s.stamp()
	c := Comment{ID: newID(), TaskID: taskID, AuthorID: userID, Body: body, CreatedAt: parseTime(now)}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (id, task_id, author_id, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.AuthorID, c.Body, now,
	); err != nil {
		return fail[Comment](s, "add comment", fmt.Errorf("insert comment: %w", err))
	}
	return Ok(c)
}

// ListComments returns a task's comments, oldest first.
func (s *Store) ListComments(ctx context.Context, userID, taskID string) Result[[]Comment] {
	if _, _, err := s.getTask(ctx, userID, taskID); err != nil {
		return fail[[]Comment](s, "list comments", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, author_id, body, created_at FROM comments WHERE task_id = ? ORDER BY created_at, id`,
		taskID,
	)
	if err != nil {
		return fail[[]Comment](s, "list comments", err)
	}
	defer rows.Close()

	out := []Comment{}
	for rows.Next() {
		var c Comment
		var created string
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AuthorID, &c.Body, &created); err != nil {
			return fail[[]Comment](s, "list comments", err)
		}
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return fail[[]Comment](s, "list comments", err)
	}
	return Ok(out)
}
