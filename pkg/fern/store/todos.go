package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fernhq/fern/pkg/fern/ferr"
)

// TodoStatus is the checklist-item state.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoDone       TodoStatus = "done"
	TodoCancelled  TodoStatus = "cancelled"
)

// ValidTodoStatus reports whether st is a known state.
func ValidTodoStatus(st TodoStatus) bool {
	switch st {
	case TodoPending, TodoInProgress, TodoDone, TodoCancelled:
		return true
	}
	return false
}

// TodoTask is one agent-visible checklist item attached to a thread.
type TodoTask struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"threadId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TodoStatus `json:"status"`
	SortOrder   int        `json:"sortOrder"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TodoUpdate carries the fields a partial update may set.
type TodoUpdate struct {
	Title       *string     `json:"title,omitempty"`
	Description *string     `json:"description,omitempty"`
	Status      *TodoStatus `json:"status,omitempty"`
	SortOrder   *int        `json:"sortOrder,omitempty"`
}

// CreateTodo inserts a checklist item.
func (s *Store) CreateTodo(ctx context.Context, t *TodoTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, thread_id, title, description, status, sort_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ThreadID, t.Title, nullString(t.Description), t.Status, t.SortOrder,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

// GetTodo returns a checklist item by id, or a NotFound error.
func (s *Store) GetTodo(ctx context.Context, id string) (*TodoTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, title, description, status, sort_order, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTodo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ferr.NotFound("task", id)
	}
	return t, err
}

// ListTodos returns a thread's checklist in working order: in_progress
// first, then pending by sort_order, then done, then cancelled.
func (s *Store) ListTodos(ctx context.Context, threadID string) ([]*TodoTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, title, description, status, sort_order, created_at, updated_at
		FROM tasks
		WHERE thread_id = ?
		ORDER BY CASE status
			WHEN 'in_progress' THEN 0
			WHEN 'pending'     THEN 1
			WHEN 'done'        THEN 2
			ELSE 3
		END, sort_order ASC, created_at ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks for %s: %w", threadID, err)
	}
	defer rows.Close()

	var tasks []*TodoTask
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// NextTodo returns the item the agent should work on next: the first
// in_progress item, else the first pending item by sort order. Nil when
// the checklist has no actionable items.
func (s *Store) NextTodo(ctx context.Context, threadID string) (*TodoTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, title, description, status, sort_order, created_at, updated_at
		FROM tasks
		WHERE thread_id = ? AND status IN (?, ?)
		ORDER BY CASE status WHEN 'in_progress' THEN 0 ELSE 1 END, sort_order ASC, created_at ASC
		LIMIT 1`, threadID, TodoInProgress, TodoPending)
	t, err := scanTodo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// NextSortOrder returns one past the highest sort_order in the thread.
func (s *Store) NextSortOrder(ctx context.Context, threadID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sort_order) FROM tasks WHERE thread_id = ?`, threadID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("reading max sort order: %w", err)
	}
	return int(max.Int64) + 1, nil
}

// UpdateTodo applies a partial update and returns the fresh row.
func (s *Store) UpdateTodo(ctx context.Context, id string, upd TodoUpdate) (*TodoTask, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullString(*upd.Description))
	}
	if upd.Status != nil {
		if !ValidTodoStatus(*upd.Status) {
			return nil, ferr.Validation("unknown task status %q", *upd.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.SortOrder != nil {
		sets = append(sets, "sort_order = ?")
		args = append(args, *upd.SortOrder)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("updating task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ferr.NotFound("task", id)
	}
	return s.GetTodo(ctx, id)
}

// PurgeTodos deletes done and cancelled items whose last update is
// older than the cutoff. Returns the number of rows removed.
func (s *Store) PurgeTodos(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN (?, ?) AND updated_at < ?`,
		TodoDone, TodoCancelled, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purging tasks: %w", err)
	}
	return res.RowsAffected()
}

func scanTodo(sc scanner) (*TodoTask, error) {
	var (
		t    TodoTask
		desc sql.NullString
	)
	err := sc.Scan(&t.ID, &t.ThreadID, &t.Title, &desc, &t.Status, &t.SortOrder, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	return &t, nil
}
