package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fernhq/fern/pkg/fern/ferr"
)

func TestWaitComplete(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	w := c.Register("ses_1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.SignalComplete("ses_1")
	}()

	if err := w.Wait(context.Background(), time.Second); err != nil {
		t.Errorf("Wait() error = %v, want nil", err)
	}
}

func TestWaitError(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	w := c.Register("ses_1")

	sessionErr := errors.New("model refused")
	go func() {
		c.SignalError("ses_1", sessionErr)
	}()

	if err := w.Wait(context.Background(), time.Second); !errors.Is(err, sessionErr) {
		t.Errorf("Wait() error = %v, want %v", err, sessionErr)
	}
}

func TestWaitTimeout(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	w := c.Register("ses_1")

	err := w.Wait(context.Background(), 20*time.Millisecond)
	if !ferr.Is(err, ferr.KindTimeout) {
		t.Errorf("Wait() error = %v, want Timeout", err)
	}

	// The slot must be cleared so a later signal does not leak into the
	// next waiter for this session.
	c.SignalComplete("ses_1")
}

func TestWaitContextCancelled(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	w := c.Register("ses_1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := w.Wait(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

// Every waiter on a session wakes, not just the first.
func TestMultipleWaiters(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)

	const n = 5
	waiters := make([]*Waiter, n)
	for i := range waiters {
		waiters[i] = c.Register("ses_1")
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, w := range waiters {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = w.Wait(context.Background(), time.Second)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	c.SignalComplete("ses_1")
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("waiter %d error = %v, want nil", i, err)
		}
	}
}

// A signal that lands before anyone registers is held briefly, so a late
// Register still resolves.
func TestSignalBeforeRegister(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	c.SignalError("ses_1", errors.New("boom"))

	w := c.Register("ses_1")
	err := w.Wait(context.Background(), 50*time.Millisecond)
	if err == nil || err.Error() != "boom" {
		t.Errorf("Wait() error = %v, want the stored error", err)
	}

	// A second late registration sees it too.
	w2 := c.Register("ses_1")
	if err := w2.Wait(context.Background(), 50*time.Millisecond); err == nil {
		t.Error("second late waiter got nil, want the stored error")
	}
}

// A delivered signal is consumed. The next waiter for the same session
// represents a new turn and must wait for its own signal instead of
// inheriting the previous outcome.
func TestDeliveredSignalNotReplayed(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	w := c.Register("ses_1")
	go c.SignalComplete("ses_1")
	if err := w.Wait(context.Background(), time.Second); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	w2 := c.Register("ses_1")
	if err := w2.Wait(context.Background(), 30*time.Millisecond); !ferr.Is(err, ferr.KindTimeout) {
		t.Errorf("second Wait() error = %v, want Timeout (no replay)", err)
	}
}

func TestStoredResultExpires(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	c.ttl = 10 * time.Millisecond
	c.SignalComplete("ses_1")
	time.Sleep(30 * time.Millisecond)

	w := c.Register("ses_1")
	err := w.Wait(context.Background(), 20*time.Millisecond)
	if !ferr.Is(err, ferr.KindTimeout) {
		t.Errorf("Wait() after TTL error = %v, want Timeout", err)
	}
}

func TestWaitFor(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.SignalComplete("ses_1")
	}()
	if err := c.WaitFor(context.Background(), "ses_1", time.Second); err != nil {
		t.Errorf("WaitFor() error = %v, want nil", err)
	}

	// Picks up a stored result too.
	c.SignalError("ses_2", errors.New("boom"))
	if err := c.WaitFor(context.Background(), "ses_2", 50*time.Millisecond); err == nil {
		t.Error("WaitFor() after signal = nil, want the stored error")
	}

	if err := c.WaitFor(context.Background(), "ses_3", 20*time.Millisecond); !ferr.Is(err, ferr.KindTimeout) {
		t.Errorf("WaitFor() error = %v, want Timeout", err)
	}
}

func TestCancelRemovesWaiter(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	w := c.Register("ses_1")
	w.Cancel()

	c.mu.Lock()
	n := len(c.waiters["ses_1"])
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("waiters after Cancel = %d, want 0", n)
	}
}

func TestSignalsAreSessionScoped(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil)
	a := c.Register("ses_a")
	b := c.Register("ses_b")

	go c.SignalComplete("ses_a")

	if err := a.Wait(context.Background(), time.Second); err != nil {
		t.Errorf("ses_a Wait() error = %v", err)
	}
	if err := b.Wait(context.Background(), 30*time.Millisecond); !ferr.Is(err, ferr.KindTimeout) {
		t.Errorf("ses_b Wait() error = %v, want Timeout (no cross-talk)", err)
	}
}
