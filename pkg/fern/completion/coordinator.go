// Package completion coordinates "turn finished" signals between the
// backend event stream and callers blocked in a turn. The event loop
// signals; RunTurn waits.
package completion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fernhq/fern/pkg/fern/ferr"
)

// resultTTL is how long a terminal signal is kept for sessions nobody is
// waiting on yet. Covers the race where the backend goes idle before the
// prompt call returns and the caller registers late.
const resultTTL = 60 * time.Second

type storedResult struct {
	err error
	at  time.Time
}

// Coordinator tracks waiters per backend session and delivers the
// session's terminal outcome to all of them.
type Coordinator struct {
	mu      sync.Mutex
	waiters map[string][]chan error
	results map[string]storedResult
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		waiters: make(map[string][]chan error),
		results: make(map[string]storedResult),
		ttl:     resultTTL,
		logger:  logger.With("component", "completion"),
	}
}

// Waiter is a single registration against one session. Wait or Cancel
// must be called exactly once.
type Waiter struct {
	sessionID string
	ch        chan error
	c         *Coordinator
}

// Register subscribes to the terminal event for a backend session. Call
// it before sending the prompt so the idle event cannot slip past. If the
// session already signalled within the result TTL, the waiter resolves
// immediately.
func (c *Coordinator) Register(sessionID string) *Waiter {
	ch := make(chan error, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(time.Now())

	if res, ok := c.results[sessionID]; ok {
		ch <- res.err
		return &Waiter{sessionID: sessionID, ch: ch, c: c}
	}
	c.waiters[sessionID] = append(c.waiters[sessionID], ch)
	return &Waiter{sessionID: sessionID, ch: ch, c: c}
}

// Wait blocks until the session signals, the timeout elapses, or ctx is
// cancelled. The waiter is always deregistered on return.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) error {
	defer w.c.remove(w.sessionID, w.ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.ch:
		return err
	case <-timer.C:
		return ferr.Timeout("waiting for session " + w.sessionID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel deregisters the waiter without waiting.
func (w *Waiter) Cancel() {
	w.c.remove(w.sessionID, w.ch)
}

// WaitFor registers and waits in one call, for callers that have nothing
// to do between the two. Callers that must act after registering but
// before blocking (sending the prompt, re-reading state) use Register and
// Wait directly.
func (c *Coordinator) WaitFor(ctx context.Context, sessionID string, timeout time.Duration) error {
	return c.Register(sessionID).Wait(ctx, timeout)
}

// SignalComplete marks the session as finished cleanly and wakes every
// waiter registered for it.
func (c *Coordinator) SignalComplete(sessionID string) {
	c.signal(sessionID, nil)
}

// SignalError marks the session as finished with an error and wakes every
// waiter registered for it.
func (c *Coordinator) SignalError(sessionID string, err error) {
	c.signal(sessionID, err)
}

func (c *Coordinator) signal(sessionID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.sweepLocked(now)

	chans := c.waiters[sessionID]
	delete(c.waiters, sessionID)

	// Deliver to waiters, or store for a late Register. Never both: agent
	// threads reuse one backend session across turns, and a result kept
	// after delivery would satisfy the next turn's waiter with this
	// turn's outcome.
	if len(chans) == 0 {
		c.results[sessionID] = storedResult{err: err, at: now}
	}
	for _, ch := range chans {
		// Capacity 1 and single delivery per channel, so this never blocks.
		ch <- err
	}

	c.logger.Debug("session signalled",
		"session", sessionID,
		"waiters", len(chans),
		"error", err != nil,
	)
}

func (c *Coordinator) remove(sessionID string, ch chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chans := c.waiters[sessionID]
	for i, cand := range chans {
		if cand == ch {
			c.waiters[sessionID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(c.waiters[sessionID]) == 0 {
		delete(c.waiters, sessionID)
	}
}

// sweepLocked drops stored results past their TTL. Caller holds mu.
func (c *Coordinator) sweepLocked(now time.Time) {
	for id, res := range c.results {
		if now.Sub(res.at) > c.ttl {
			delete(c.results, id)
		}
	}
}
