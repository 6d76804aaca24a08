// Package scheduler runs agent turns on a clock. Jobs are persisted
// rows; a tick loop claims due ones with a conditional UPDATE and runs
// each as a turn on a bounded pool. One-shot jobs complete, recurring
// jobs roll forward to their next cron fire, and rows stranded in
// running by a dead process go back to pending on boot.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fernhq/fern/pkg/fern/agent"
	"github.com/fernhq/fern/pkg/fern/channels"
	"github.com/fernhq/fern/pkg/fern/config"
	"github.com/fernhq/fern/pkg/fern/ferr"
	"github.com/fernhq/fern/pkg/fern/ids"
	"github.com/fernhq/fern/pkg/fern/store"
)

const (
	defaultTickInterval  = 30 * time.Second
	defaultMaxConcurrent = 2

	// finishTimeout bounds the terminal row write after a run; the turn
	// context may already be dead by then.
	finishTimeout = 10 * time.Second

	// announceTimeout bounds the fallback delivery of a job's output.
	announceTimeout = 30 * time.Second

	threadPrefix = "scheduler_"
	channelName  = "scheduler"
)

// cronParser accepts the standard 5-field syntax (minute hour dom month
// dow). Next fires are computed in server local time, and missed
// firings are not back-filled: however long the downtime, a due
// recurring job runs once and then rolls forward from now.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// TurnRunner is the slice of the agent coordinator the scheduler needs.
type TurnRunner interface {
	TryTurn(ctx context.Context, input agent.TurnInput) (agent.TurnResult, error)
}

// Announcer pushes a job's output to a chat channel.
type Announcer interface {
	Send(ctx context.Context, channel, to, content string) error
}

// CreateRequest describes a job to schedule. Exactly one of ScheduledAt,
// DelayMS, or CronExpr must be supplied.
type CreateRequest struct {
	Prompt      string            `json:"prompt"`
	ScheduledAt *time.Time        `json:"scheduledAt,omitempty"`
	DelayMS     *int64            `json:"delayMs,omitempty"`
	CronExpr    string            `json:"cronExpr,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Scheduler owns the scheduled-job lifecycle and the dispatch loop.
type Scheduler struct {
	cfg       config.SchedulerConfig
	store     *store.Store
	runner    TurnRunner
	announcer Announcer
	logger    *slog.Logger

	slots chan struct{}
	quit  chan struct{}

	loopWg sync.WaitGroup
	jobWg  sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New wires a scheduler. announcer may be nil when no channels are
// connected; job output then reaches users only through the agent's own
// tools.
func New(cfg config.SchedulerConfig, st *store.Store, runner TurnRunner, announcer Announcer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.TickIntervalMS <= 0 {
		cfg.TickIntervalMS = int(defaultTickInterval / time.Millisecond)
	}
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		runner:    runner,
		announcer: announcer,
		logger:    logger.With("component", "scheduler"),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		quit:      make(chan struct{}),
	}
}

// Create validates and persists a job. One-shot jobs fire once at their
// scheduled time; recurring jobs carry a cron expression and their first
// fire is the next match after now.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*store.Job, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ferr.Validation("prompt is required")
	}

	supplied := 0
	if req.ScheduledAt != nil {
		supplied++
	}
	if req.DelayMS != nil {
		supplied++
	}
	if req.CronExpr != "" {
		supplied++
	}
	if supplied != 1 {
		return nil, ferr.Validation("exactly one of scheduledAt, delayMs, cronExpr must be supplied")
	}

	now := time.Now()
	job := &store.Job{
		ID:        ids.NewJob(),
		Status:    store.JobPending,
		Prompt:    req.Prompt,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch {
	case req.CronExpr != "":
		next, err := nextFire(req.CronExpr, now)
		if err != nil {
			return nil, ferr.Validation("invalid cron expression %q: %v", req.CronExpr, err)
		}
		job.Type = store.JobRecurring
		job.CronExpr = req.CronExpr
		job.ScheduledAt = next
	case req.DelayMS != nil:
		if *req.DelayMS < 0 {
			return nil, ferr.Validation("delayMs must not be negative")
		}
		job.Type = store.JobOneShot
		job.ScheduledAt = now.Add(time.Duration(*req.DelayMS) * time.Millisecond)
	default:
		job.Type = store.JobOneShot
		job.ScheduledAt = *req.ScheduledAt
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job created",
		"job", job.ID,
		"type", job.Type,
		"fires_at", job.ScheduledAt.Format(time.RFC3339),
	)
	return job, nil
}

// Get returns a job by id.
func (s *Scheduler) Get(ctx context.Context, id string) (*store.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns jobs, optionally filtered by status, newest first.
func (s *Scheduler) List(ctx context.Context, status store.JobStatus, limit int) ([]*store.Job, error) {
	return s.store.ListJobs(ctx, status, limit)
}

// Cancel cancels a pending job. Running jobs cannot be cancelled; the
// store returns a conflict for them.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.store.CancelJob(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job cancelled", "job", id)
	return nil
}

// Recover resets rows stranded in running back to pending. Jobs are
// idempotent and retryable, so the next tick re-dispatches them. Call
// once on startup, before Start.
func (s *Scheduler) Recover(ctx context.Context) error {
	n, err := s.store.ResetRunningJobs(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("reclaimed stale jobs", "count", n)
	}
	return nil
}

// Start launches the tick loop. Does nothing when the scheduler is
// disabled; Create and friends still work, jobs just sit until a
// dispatching instance picks them up.
func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled")
		return
	}
	s.loopWg.Add(1)
	go s.loop()
	s.logger.Info("scheduler started", "tick", s.cfg.TickInterval(), "pool", cap(s.slots))
}

func (s *Scheduler) loop() {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	// First sweep immediately so jobs reclaimed on boot do not wait a
	// full tick.
	s.tick(context.Background())
	for {
		select {
		case <-ticker.C:
			s.tick(context.Background())
		case <-s.quit:
			return
		}
	}
}

// tick claims every due job and hands each to the pool. The conditional
// claim makes dispatch exactly-once even with overlapping ticks.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.DueJobs(ctx, time.Now())
	if err != nil {
		s.logger.Error("querying due jobs failed", "error", err)
		return
	}

	for _, job := range due {
		claimed, err := s.store.ClaimJob(ctx, job.ID)
		if err != nil {
			s.logger.Error("claiming job failed", "job", job.ID, "error", err)
			continue
		}
		if !claimed {
			// Another tick or instance won the row.
			continue
		}
		s.jobWg.Add(1)
		go s.runJob(job)
	}
}

func (s *Scheduler) runJob(job *store.Job) {
	defer s.jobWg.Done()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-s.quit:
		// Shutdown while queued. The row stays running and the next boot
		// resets it to pending.
		return
	}

	firedAt := time.Now()
	s.logger.Info("job started", "job", job.ID, "type", job.Type)

	result, err := s.runner.TryTurn(context.Background(), agent.TurnInput{
		ThreadID: threadPrefix + job.ID,
		Message:  job.Prompt,
		Channel:  channelName,
	})

	s.finishJob(job, firedAt, result.Response, err)
}

// finishJob writes the terminal (or rolled-forward) row state and fires
// the announce fallback.
func (s *Scheduler) finishJob(job *store.Job, firedAt time.Time, response string, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	var lastErr string
	if runErr != nil {
		lastErr = runErr.Error()
	}

	switch {
	case job.Type == store.JobRecurring:
		next, cronErr := nextFire(job.CronExpr, time.Now())
		if cronErr != nil {
			// Validated at create, so the row was edited out-of-band.
			// Fail instead of looping on a bad expression.
			s.logger.Error("recurring job has invalid cron expression", "job", job.ID, "error", cronErr)
			if err := s.store.FailJob(ctx, job.ID, "invalid cron expression: "+cronErr.Error()); err != nil {
				s.logger.Error("failing job failed", "job", job.ID, "error", err)
			}
		} else if err := s.store.RescheduleJob(ctx, job.ID, next, firedAt, lastErr); err != nil {
			s.logger.Error("rescheduling job failed", "job", job.ID, "error", err)
		}
	case runErr != nil:
		if err := s.store.FailJob(ctx, job.ID, lastErr); err != nil {
			s.logger.Error("failing job failed", "job", job.ID, "error", err)
		}
	default:
		if err := s.store.CompleteJob(ctx, job.ID, firedAt); err != nil {
			s.logger.Error("completing job failed", "job", job.ID, "error", err)
		}
	}

	if runErr != nil {
		s.logger.Warn("job failed",
			"job", job.ID,
			"duration", time.Since(firedAt).Round(time.Millisecond),
			"error", runErr,
		)
	} else {
		s.logger.Info("job completed",
			"job", job.ID,
			"duration", time.Since(firedAt).Round(time.Millisecond),
			"response_len", len(response),
		)
	}

	s.announce(job, response, runErr)
}

// announce pushes the job output to the channel named in its metadata.
// The agent may already have delivered through the send_message tool;
// this fallback covers jobs whose prompt only produces a response.
func (s *Scheduler) announce(job *store.Job, response string, runErr error) {
	if s.announcer == nil {
		return
	}
	channel := job.Metadata["channel"]
	to := job.Metadata["to"]
	if channel == "" || to == "" {
		return
	}

	msg := response
	if runErr != nil {
		msg = fmt.Sprintf("Scheduled job %s failed: %v", job.ID, runErr)
	}
	if msg == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()
	if err := s.announcer.Send(ctx, channel, to, msg); err != nil {
		s.logger.Error("announcing job result failed",
			"job", job.ID,
			"channel", channel,
			"error", err,
		)
	}
}

// Stop halts the tick loop and drains running jobs. Jobs still queued
// for a slot are abandoned; their rows go back to pending on the next
// boot.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.quit)
	s.mu.Unlock()

	s.loopWg.Wait()
	s.jobWg.Wait()
	s.logger.Info("scheduler stopped")
}

// nextFire returns the first cron match after the given time.
func nextFire(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

var (
	_ TurnRunner = (*agent.Coordinator)(nil)
	_ Announcer  = (*channels.Dispatcher)(nil)
)
