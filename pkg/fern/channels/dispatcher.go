package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// deliveryQueueSize bounds pending deliveries per (channel, recipient).
	deliveryQueueSize = 32

	// deliveryIdleTimeout reaps recipient queues that have gone quiet.
	deliveryIdleTimeout = 2 * time.Minute
)

var (
	// ErrDispatcherClosed is returned for sends after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrDeliveryQueueFull is returned when a recipient's queue is at
	// capacity. The message is not delivered.
	ErrDeliveryQueueFull = errors.New("outbound queue full")
)

// Dispatcher delivers outbound messages through registered channels. It
// formats content per channel capabilities and guarantees at most one
// in-flight delivery per (channel, recipient) pair, with queued messages
// delivered in submit order. Distinct recipients deliver in parallel.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger

	mu     sync.Mutex
	queues map[deliveryKey]*deliveryQueue
	closed bool

	quit chan struct{}
	wg   sync.WaitGroup
}

type deliveryKey struct {
	channel string
	to      string
}

type deliveryQueue struct {
	jobs chan *deliveryJob
}

type deliveryJob struct {
	ctx     context.Context
	ch      Channel
	to      string
	content string
	replyTo string
	result  chan error
}

// NewDispatcher returns a dispatcher over the given registry. Call Close
// on shutdown.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger.With("component", "dispatcher"),
		queues:   make(map[deliveryKey]*deliveryQueue),
		quit:     make(chan struct{}),
	}
}

// Send formats content for the named channel and delivers the resulting
// chunks to the recipient, blocking until every chunk is sent or one
// fails. Concurrent sends to the same recipient are serialized in call
// order.
func (d *Dispatcher) Send(ctx context.Context, channel, to, content string) error {
	return d.SendReply(ctx, channel, to, content, "")
}

// SendReply is Send with a reply reference, attached to the first chunk
// on channels that support replies.
func (d *Dispatcher) SendReply(ctx context.Context, channel, to, content, replyTo string) error {
	ch, ok := d.registry.Get(channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	job := &deliveryJob{
		ctx:     ctx,
		ch:      ch,
		to:      to,
		content: content,
		replyTo: replyTo,
		result:  make(chan error, 1),
	}
	key := deliveryKey{channel: channel, to: to}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	q := d.queues[key]
	if q == nil {
		q = &deliveryQueue{jobs: make(chan *deliveryJob, deliveryQueueSize)}
		d.queues[key] = q
		d.wg.Add(1)
		go d.runQueue(key, q)
	}
	select {
	case q.jobs <- job:
	default:
		d.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrDeliveryQueueFull, channel, to)
	}
	d.mu.Unlock()

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting sends, fails queued deliveries, and waits for
// in-flight ones to finish. The quit channel closes under the same lock
// that guards closed, so anyone who observes closed also sees quit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.quit)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) runQueue(key deliveryKey, q *deliveryQueue) {
	defer d.wg.Done()
	idle := time.NewTimer(deliveryIdleTimeout)
	defer idle.Stop()

	for {
		// Checked first so a pending quit always wins over more work.
		select {
		case <-d.quit:
			d.failPending(q)
			return
		default:
		}

		select {
		case job := <-q.jobs:
			job.result <- d.deliver(job)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(deliveryIdleTimeout)
		case <-idle.C:
			// Reap only when nothing is queued; the enqueue path holds
			// the same lock, so no send can slip through unseen.
			d.mu.Lock()
			if len(q.jobs) == 0 {
				delete(d.queues, key)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(deliveryIdleTimeout)
		case <-d.quit:
			d.failPending(q)
			return
		}
	}
}

// failPending drains the queue and reports the shutdown to each waiting
// caller.
func (d *Dispatcher) failPending(q *deliveryQueue) {
	for {
		select {
		case job := <-q.jobs:
			job.result <- ErrDispatcherClosed
		default:
			return
		}
	}
}

// deliver formats one message for its channel and sends the chunks in
// order. The first failing chunk aborts the rest.
func (d *Dispatcher) deliver(job *deliveryJob) error {
	caps := job.ch.Capabilities()
	chunks := FormatForChannel(job.content, caps)
	for i, chunk := range chunks {
		out := &OutgoingMessage{Content: chunk}
		if i == 0 && job.replyTo != "" && caps.SupportsReply {
			out.ReplyTo = job.replyTo
		}
		if err := job.ch.Send(job.ctx, job.to, out); err != nil {
			d.logger.Warn("outbound send failed",
				"channel", job.ch.Name(),
				"chat", job.to,
				"chunk", i+1,
				"chunks", len(chunks),
				"error", err,
			)
			return fmt.Errorf("sending to %s: %w", job.ch.Name(), err)
		}
	}
	return nil
}
