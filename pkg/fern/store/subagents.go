package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernhq/fern/pkg/fern/ferr"
)

// SubagentType selects the read-only subagent specialization.
type SubagentType string

const (
	SubagentExplore  SubagentType = "explore"
	SubagentResearch SubagentType = "research"
	SubagentPlan     SubagentType = "plan"
)

// ValidSubagentType reports whether t is a known specialization.
func ValidSubagentType(t SubagentType) bool {
	switch t {
	case SubagentExplore, SubagentResearch, SubagentPlan:
		return true
	}
	return false
}

// SubagentStatus is the task lifecycle state. Terminal transitions are
// one-way; a restart force-fails running rows (tasks are not retryable).
type SubagentStatus string

const (
	SubagentPending   SubagentStatus = "pending"
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
	SubagentCancelled SubagentStatus = "cancelled"
)

// Terminal reports whether st is a final state.
func (st SubagentStatus) Terminal() bool {
	switch st {
	case SubagentCompleted, SubagentFailed, SubagentCancelled:
		return true
	}
	return false
}

// SubagentTask is one background task row. Result and Error are
// mutually exclusive, populated on completion.
type SubagentTask struct {
	ID              string            `json:"id"`
	Type            SubagentType      `json:"type"`
	Status          SubagentStatus    `json:"status"`
	Prompt          string            `json:"prompt"`
	Description     string            `json:"description"`
	ParentSessionID string            `json:"parentSessionId,omitempty"`
	Result          string            `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

// CreateSubagentTask inserts a new pending task row.
func (s *Store) CreateSubagentTask(ctx context.Context, task *SubagentTask) error {
	meta, err := json.Marshal(orEmpty(task.Metadata))
	if err != nil {
		return fmt.Errorf("encoding task metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subagent_tasks
			(id, type, status, prompt, description, parent_session_id, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Type, task.Status, task.Prompt, task.Description,
		nullString(task.ParentSessionID), string(meta),
		task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting subagent task %s: %w", task.ID, err)
	}
	return nil
}

// GetSubagentTask returns a task by id, or a NotFound error.
func (s *Store) GetSubagentTask(ctx context.Context, id string) (*SubagentTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, prompt, description, parent_session_id,
		       result, error, metadata_json, created_at, updated_at, completed_at
		FROM subagent_tasks WHERE id = ?`, id)
	task, err := scanSubagentTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ferr.NotFound("task", id)
	}
	return task, err
}

// ClaimSubagentTask atomically transitions pending → running; exactly
// one claimer wins.
func (s *Store) ClaimSubagentTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagent_tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		SubagentRunning, time.Now().UTC(), id, SubagentPending,
	)
	if err != nil {
		return false, fmt.Errorf("claiming subagent task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteSubagentTask records a successful result. Guarded by
// status='running' so a concurrent cancel is never overwritten.
func (s *Store) CompleteSubagentTask(ctx context.Context, id, result string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagent_tasks
		SET status = ?, result = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		SubagentCompleted, result, now, now, id, SubagentRunning,
	)
	if err != nil {
		return fmt.Errorf("completing subagent task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferr.Conflict("task %s is not running", id)
	}
	return nil
}

// FailSubagentTask records a failure. Same running guard as completion.
func (s *Store) FailSubagentTask(ctx context.Context, id, msg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagent_tasks
		SET status = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		SubagentFailed, msg, now, now, id, SubagentRunning,
	)
	if err != nil {
		return fmt.Errorf("failing subagent task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferr.Conflict("task %s is not running", id)
	}
	return nil
}

// CancelSubagentTask cancels a pending or running task. Returns whether
// the row changed; cancelling an already-terminal task is a no-op.
func (s *Store) CancelSubagentTask(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagent_tasks
		SET status = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		SubagentCancelled, now, now, id, SubagentPending, SubagentRunning,
	)
	if err != nil {
		return false, fmt.Errorf("cancelling subagent task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Zero rows means either the task is already terminal or it does not
	// exist; look it up so the caller can tell the two apart.
	if _, err := s.GetSubagentTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// FailStaleSubagentTasks force-fails rows stranded in running by a dead
// process. Subagent tasks are conversation-scoped and never retried.
func (s *Store) FailStaleSubagentTasks(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagent_tasks
		SET status = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE status = ?`,
		SubagentFailed, "stale task", now, now, SubagentRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failing stale subagent tasks: %w", err)
	}
	return res.RowsAffected()
}

func scanSubagentTask(sc scanner) (*SubagentTask, error) {
	var (
		task        SubagentTask
		parent      sql.NullString
		result      sql.NullString
		errMsg      sql.NullString
		meta        string
		completedAt sql.NullTime
	)
	err := sc.Scan(
		&task.ID, &task.Type, &task.Status, &task.Prompt, &task.Description,
		&parent, &result, &errMsg, &meta, &task.CreatedAt, &task.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	task.ParentSessionID = parent.String
	task.Result = result.String
	task.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(meta), &task.Metadata); err != nil {
		return nil, fmt.Errorf("decoding task metadata: %w", err)
	}
	return &task, nil
}
