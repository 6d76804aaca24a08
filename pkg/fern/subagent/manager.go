// Package subagent runs background delegation tasks for the main agent.
// A spawned task is persisted, claimed exactly once, and executed as an
// isolated backend turn on a bounded worker pool. Callers observe the
// terminal outcome through a blocking Get that reuses the completion
// coordinator, the same mechanism turns use to wait for session idle.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fernhq/fern/pkg/fern/agent"
	"github.com/fernhq/fern/pkg/fern/completion"
	"github.com/fernhq/fern/pkg/fern/config"
	"github.com/fernhq/fern/pkg/fern/ferr"
	"github.com/fernhq/fern/pkg/fern/ids"
	"github.com/fernhq/fern/pkg/fern/store"
)

const (
	defaultMaxConcurrent = 3
	defaultTaskTimeout   = 8 * time.Minute

	// defaultWaitTimeout bounds Get(wait=true) when the caller does not
	// pick a timeout.
	defaultWaitTimeout = 5 * time.Minute

	// finishTimeout bounds the terminal row write after a turn, which
	// must land even when the turn context is already dead.
	finishTimeout = 10 * time.Second

	threadPrefix = "subagent_"
	channelName  = "subagent"
)

// TurnRunner is the slice of the agent coordinator the manager needs.
type TurnRunner interface {
	TryTurn(ctx context.Context, input agent.TurnInput) (agent.TurnResult, error)
}

// SpawnRequest describes a task to run in the background. Prompt must be
// self-contained: the task runs in its own backend session with no
// access to the parent conversation.
type SpawnRequest struct {
	Type            store.SubagentType `json:"type"`
	Prompt          string             `json:"prompt"`
	Description     string             `json:"description"`
	ParentSessionID string             `json:"parentSessionId,omitempty"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
}

// Manager owns the subagent task lifecycle.
type Manager struct {
	cfg        config.SubagentConfig
	store      *store.Store
	runner     TurnRunner
	completion *completion.Coordinator
	logger     *slog.Logger

	slots chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewManager wires a manager. Workers run against runner with the
// configured per-task timeout.
func NewManager(cfg config.SubagentConfig, st *store.Store, runner TurnRunner, comp *completion.Coordinator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = int(defaultTaskTimeout / time.Millisecond)
	}
	return &Manager{
		cfg:        cfg,
		store:      st,
		runner:     runner,
		completion: comp,
		logger:     logger.With("component", "subagent"),
		slots:      make(chan struct{}, cfg.MaxConcurrent),
		done:       make(chan struct{}),
	}
}

// Recover force-fails tasks stranded in running by a previous process.
// Unlike scheduled jobs, tasks are conversation-scoped and never retried.
// Call once on startup, before the first Spawn.
func (m *Manager) Recover(ctx context.Context) error {
	n, err := m.store.FailStaleSubagentTasks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("force-failed stale tasks", "count", n)
	}
	return nil
}

// Spawn persists a pending task, claims and enqueues it, and returns the
// pending snapshot immediately. The task runs in the background.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*store.SubagentTask, error) {
	if !m.cfg.Enabled {
		return nil, ferr.Validation("subagent system is disabled")
	}
	if !store.ValidSubagentType(req.Type) {
		return nil, ferr.Validation("unknown subagent type %q", req.Type)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ferr.Validation("prompt is required")
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, ferr.Validation("description is required")
	}

	now := time.Now()
	task := &store.SubagentTask{
		ID:              ids.NewTask(),
		Type:            req.Type,
		Status:          store.SubagentPending,
		Prompt:          req.Prompt,
		Description:     req.Description,
		ParentSessionID: req.ParentSessionID,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateSubagentTask(ctx, task); err != nil {
		return nil, err
	}
	if err := m.enqueue(ctx, task.ID); err != nil {
		return nil, err
	}

	m.logger.Info("task spawned",
		"task", task.ID,
		"type", task.Type,
		"description", task.Description,
	)
	return task, nil
}

// enqueue claims the task and hands it to the pool. The claim is a
// conditional UPDATE, so a task can be enqueued at most once.
func (m *Manager) enqueue(ctx context.Context, id string) error {
	claimed, err := m.store.ClaimSubagentTask(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		return ferr.Conflict("task %s is not pending", id)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ferr.Conflict("subagent manager is shut down")
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(id)
	return nil
}

func (m *Manager) run(id string) {
	defer m.wg.Done()

	select {
	case m.slots <- struct{}{}:
		defer func() { <-m.slots }()
	case <-m.done:
		// Shutdown while queued. The row stays running and the next boot
		// force-fails it as stale.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout())
	defer cancel()

	task, err := m.store.GetSubagentTask(ctx, id)
	if err != nil {
		m.logger.Error("loading claimed task failed", "task", id, "error", err)
		m.completion.SignalError(id, err)
		return
	}
	if task.Status != store.SubagentRunning {
		// Cancelled while queued; the cancel already woke any waiters.
		m.logger.Debug("skipping task", "task", id, "status", task.Status)
		return
	}

	m.logger.Info("task started", "task", id, "type", task.Type)
	start := time.Now()

	result, err := m.runner.TryTurn(ctx, agent.TurnInput{
		ThreadID:  threadPrefix + id,
		Message:   task.Prompt,
		Channel:   channelName,
		AgentType: string(task.Type),
	})

	writeCtx, writeCancel := context.WithTimeout(context.Background(), finishTimeout)
	defer writeCancel()

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("task timed out after %s", m.cfg.Timeout())
		}
		m.logger.Warn("task failed",
			"task", id,
			"duration", time.Since(start).Round(time.Millisecond),
			"error", err,
		)
		if serr := m.store.FailSubagentTask(writeCtx, id, msg); serr != nil {
			// A concurrent cancel won the row; its signal already fired.
			m.logger.Warn("task failure write lost", "task", id, "error", serr)
			return
		}
		m.completion.SignalError(id, err)
		return
	}

	if serr := m.store.CompleteSubagentTask(writeCtx, id, result.Response); serr != nil {
		m.logger.Warn("task completion write lost", "task", id, "error", serr)
		return
	}
	m.logger.Info("task completed",
		"task", id,
		"duration", time.Since(start).Round(time.Millisecond),
		"result_len", len(result.Response),
	)
	m.completion.SignalComplete(id)
}

// Get returns the task row. With wait set it blocks until the task is
// terminal or the timeout elapses, then returns the current row either
// way; the row is authoritative, the signal only wakes the read.
func (m *Manager) Get(ctx context.Context, id string, wait bool, timeout time.Duration) (*store.SubagentTask, error) {
	task, err := m.store.GetSubagentTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !wait || task.Status.Terminal() {
		return task, nil
	}
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	waiter := m.completion.Register(id)

	// The task may have gone terminal between the first read and the
	// register; re-check before blocking.
	task, err = m.store.GetSubagentTask(ctx, id)
	if err != nil {
		waiter.Cancel()
		return nil, err
	}
	if task.Status.Terminal() {
		waiter.Cancel()
		return task, nil
	}

	if werr := waiter.Wait(ctx, timeout); werr != nil {
		m.logger.Debug("task wait ended without signal", "task", id, "error", werr)
	}
	return m.store.GetSubagentTask(ctx, id)
}

// Cancel marks a pending or running task cancelled and wakes blocked
// waiters. The in-flight turn is not interrupted; its terminal write
// loses to the cancel guard and the row stays cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	changed, err := m.store.CancelSubagentTask(ctx, id)
	if err != nil {
		return false, err
	}
	if changed {
		m.completion.SignalComplete(id)
		m.logger.Info("task cancelled", "task", id)
	}
	return changed, nil
}

// Active reports how many workers hold a pool slot right now.
func (m *Manager) Active() int { return len(m.slots) }

// Close stops accepting work and drains running tasks. Tasks still
// queued for a slot are abandoned; their rows are recovered as stale on
// the next boot.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("subagent manager stopped")
}

var _ TurnRunner = (*agent.Coordinator)(nil)
