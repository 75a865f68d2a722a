package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrisonrobin/flowfocus/pkg/model"
)

const taskColumns = `seq, id, title, description, duration_minutes, priority, completed, completed_at, created_at, source`

// TaskPatch carries the fields of an update. Nil fields are left alone.
type TaskPatch struct {
	Title           *string         `json:"title"`
	Description     *string         `json:"description"`
	DurationMinutes *int            `json:"duration_minutes"`
	Priority        *model.Priority `json:"priority"`
	Completed       *bool           `json:"completed"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t           model.Task
		priority    string
		completedAt sql.NullTime
	)
	err := row.Scan(&t.Seq, &t.ID, &t.Title, &t.Description, &t.DurationMinutes, &priority, &t.Completed, &completedAt, &t.CreatedAt, &t.Source)
	if err != nil {
		return model.Task{}, err
	}
	if t.Priority, err = model.ParsePriority(priority); err != nil {
		return model.Task{}, err
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	return t, nil
}

// CreateTask validates t, assigns it an ID and a creation sequence and stores
// it for userID.
func (s *Store) CreateTask(ctx context.Context, userID string, t model.Task) (model.Task, error) {
	t.Title = strings.TrimSpace(t.Title)
	if err := t.Validate(); err != nil {
		return model.Task{}, err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var completedAt any
	if t.Completed {
		at := t.CreatedAt
		if t.CompletedAt != nil {
			at = *t.CompletedAt
		}
		t.CompletedAt = &at
		completedAt = at
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, title, description, duration_minutes, priority, completed, completed_at, created_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, userID, t.Title, t.Description, t.DurationMinutes, t.Priority.String(), t.Completed, completedAt, t.CreatedAt, t.Source)
	if err != nil {
		return model.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	if t.Seq, err = res.LastInsertId(); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

// ListTasks returns every task of userID, newest first.
func (s *Store) ListTasks(ctx context.Context, userID string) ([]model.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY seq DESC`, userID)
}

// ListIncomplete returns the open tasks of userID in creation order. The rows
// come from a single query, so callers see one consistent snapshot.
func (s *Store) ListIncomplete(ctx context.Context, userID string) ([]model.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id = ? AND completed = 0 ORDER BY seq ASC`, userID)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetTask loads one task of userID.
func (s *Store) GetTask(ctx context.Context, userID, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id = ? AND id = ?`, userID, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	return t, err
}

// UpdateTask applies patch to the task and returns the stored result.
// Completing a task stamps CompletedAt; reopening clears it.
func (s *Store) UpdateTask(ctx context.Context, userID, id string, patch TaskPatch) (model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id = ? AND id = ?`, userID, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	if err != nil {
		return model.Task{}, err
	}

	if patch.Title != nil {
		t.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.DurationMinutes != nil {
		t.DurationMinutes = *patch.DurationMinutes
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.Completed != nil && *patch.Completed != t.Completed {
		t.Completed = *patch.Completed
		if t.Completed {
			now := time.Now().UTC()
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
	}
	if err := t.Validate(); err != nil {
		return model.Task{}, err
	}

	var completedAt any
	if t.CompletedAt != nil {
		completedAt = *t.CompletedAt
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, duration_minutes = ?, priority = ?, completed = ?, completed_at = ?
		WHERE user_id = ? AND id = ?
	`, t.Title, t.Description, t.DurationMinutes, t.Priority.String(), t.Completed, completedAt, userID, id)
	if err != nil {
		return model.Task{}, fmt.Errorf("failed to update task: %w", err)
	}
	return t, tx.Commit()
}

// DeleteTask removes a task of userID.
func (s *Store) DeleteTask(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	return nil
}
