package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Chunking bounds, in estimated tokens (characters / 4). Archival waits
// until at least chunkTokenMin of unarchived history exists, slices
// greedily toward chunkTokenThreshold, and never packs a chunk past
// chunkTokenMax.
const (
	chunkTokenMin       = 15_000
	chunkTokenThreshold = 25_000
	chunkTokenMax       = 40_000

	// maxSummaryTokens caps each chunk summary.
	maxSummaryTokens = 1024
)

const (
	// archiveQueueSize bounds each thread's pending archival requests.
	// Overflow is dropped; the next completed turn re-triggers.
	archiveQueueSize = 8

	// workerIdleTimeout reaps thread workers that have gone quiet.
	workerIdleTimeout = 2 * time.Minute

	// archiveTimeout bounds one archival pass, summarization included.
	archiveTimeout = 5 * time.Minute
)

// MessageFetcher lists a backend session's messages, oldest first.
type MessageFetcher interface {
	SessionMessages(ctx context.Context, sessionID string) ([]RawMessage, error)
}

// Completer runs a one-shot prompt against the LLM backend and returns
// the text reply. The archivist uses it for chunk summarization.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Archivist compacts conversation history into summarized chunks after
// each turn. One lazily spawned worker per thread consumes a bounded
// queue, so archival for a given thread is strictly serial while
// different threads archive in parallel.
type Archivist struct {
	store     *Store
	fetcher   MessageFetcher
	completer Completer
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[string]*threadWorker
	closed  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

type threadWorker struct {
	queue chan string // backend session ids
}

// NewArchivist wires the archival pipeline. Call Close on shutdown.
func NewArchivist(store *Store, fetcher MessageFetcher, completer Completer, logger *slog.Logger) *Archivist {
	return &Archivist{
		store:     store,
		fetcher:   fetcher,
		completer: completer,
		logger:    logger.With("component", "archivist"),
		workers:   make(map[string]*threadWorker),
		quit:      make(chan struct{}),
	}
}

// OnTurnComplete queues an archival pass for the thread. It never
// blocks and never fails the caller: a full queue drops the request and
// the next turn re-triggers.
func (a *Archivist) OnTurnComplete(threadID, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	w := a.workers[threadID]
	if w == nil {
		w = &threadWorker{queue: make(chan string, archiveQueueSize)}
		a.workers[threadID] = w
		a.wg.Add(1)
		go a.runWorker(threadID, w)
	}
	select {
	case w.queue <- sessionID:
	default:
		a.logger.Warn("archival queue full, dropping request", "thread_id", threadID)
	}
}

// Close stops accepting requests and waits for in-flight archival to
// finish. Queued-but-unstarted requests are dropped.
func (a *Archivist) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	close(a.quit)
	a.wg.Wait()
}

func (a *Archivist) runWorker(threadID string, w *threadWorker) {
	defer a.wg.Done()
	idle := time.NewTimer(workerIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case sessionID := <-w.queue:
			a.archive(threadID, sessionID)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdleTimeout)
		case <-idle.C:
			// Reap only when nothing is queued; the enqueue path holds
			// the same lock, so no request can slip through unseen.
			a.mu.Lock()
			if len(w.queue) == 0 {
				delete(a.workers, threadID)
				a.mu.Unlock()
				return
			}
			a.mu.Unlock()
			idle.Reset(workerIdleTimeout)
		case <-a.quit:
			return
		}
	}
}

func (a *Archivist) archive(threadID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := a.archiveThread(ctx, threadID, sessionID); err != nil {
		a.logger.Error("archival failed", "thread_id", threadID, "error", err)
	}
}

// archiveThread is one pass of the pipeline: fetch messages, drop
// everything at or before the watermark, and if enough unarchived
// history accumulated, slice it into chunks, summarize, embed, persist,
// and advance the watermark after each chunk. A mid-pass failure leaves
// the watermark at the last persisted chunk, so the remainder is
// retried on the next turn without re-consuming anything.
func (a *Archivist) archiveThread(ctx context.Context, threadID, sessionID string) error {
	messages, err := a.fetcher.SessionMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetching session messages: %w", err)
	}

	lastID, _, err := a.store.Watermark(ctx, threadID)
	if err != nil {
		return err
	}

	var fresh []RawMessage
	total := 0
	for _, m := range messages {
		if lastID != "" && m.ID <= lastID {
			continue
		}
		fresh = append(fresh, m)
		total += estimateTokens(m)
	}
	if total < chunkTokenMin {
		a.logger.Debug("not enough unarchived history",
			"thread_id", threadID, "tokens", total, "messages", len(fresh))
		return nil
	}

	slices := sliceMessages(fresh)
	for _, slice := range slices {
		chunk, err := a.buildChunk(ctx, threadID, sessionID, slice)
		if err != nil {
			return err
		}
		if err := a.store.InsertChunk(ctx, chunk); err != nil {
			return err
		}
		if err := a.store.SetWatermark(ctx, threadID, chunk.LastMessageID, time.Now().UTC()); err != nil {
			return err
		}
	}

	a.logger.Info("archived thread history",
		"thread_id", threadID, "chunks", len(slices), "messages", len(fresh), "tokens", total)
	return nil
}

func (a *Archivist) buildChunk(ctx context.Context, threadID, sessionID string, slice []RawMessage) (*Chunk, error) {
	summary, err := a.completer.Complete(ctx, summaryPrompt(renderTranscript(slice)))
	if err != nil {
		return nil, fmt.Errorf("summarizing chunk: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, fmt.Errorf("summarizer returned empty summary")
	}
	summary = truncateTokens(summary, maxSummaryTokens)

	tokens := 0
	for _, m := range slice {
		tokens += estimateTokens(m)
	}
	first, last := slice[0], slice[len(slice)-1]
	return &Chunk{
		ThreadID:         threadID,
		BackendSessionID: sessionID,
		Summary:          summary,
		Messages:         slice,
		TokenCount:       tokens,
		MessageCount:     len(slice),
		FirstMessageID:   first.ID,
		LastMessageID:    last.ID,
		FirstMessageAt:   first.Time,
		LastMessageAt:    last.Time,
	}, nil
}

// sliceMessages greedily packs messages into chunks: a chunk closes
// once it reaches chunkTokenThreshold or when the next message would
// push it past chunkTokenMax. A single oversize message becomes its own
// chunk rather than being split.
func sliceMessages(messages []RawMessage) [][]RawMessage {
	var out [][]RawMessage
	var current []RawMessage
	tokens := 0
	for _, m := range messages {
		mt := estimateTokens(m)
		if len(current) > 0 && (tokens >= chunkTokenThreshold || tokens+mt > chunkTokenMax) {
			out = append(out, current)
			current = nil
			tokens = 0
		}
		current = append(current, m)
		tokens += mt
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// estimateTokens approximates tokens as characters / 4, minimum 1.
func estimateTokens(m RawMessage) int {
	n := len(m.Text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func renderTranscript(messages []RawMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString("[")
		b.WriteString(m.Role)
		b.WriteString("] ")
		b.WriteString(m.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

func summaryPrompt(transcript string) string {
	return "Summarize the following conversation excerpt for long-term memory. " +
		"Capture decisions made, facts learned, user preferences, and unresolved threads. " +
		"Be specific with names, dates, and numbers. Respond with the summary only, " +
		"no preamble, at most a few paragraphs.\n\n" + transcript
}

// truncateTokens trims s to roughly the given token budget, backing off
// to a rune boundary so the result stays valid UTF-8.
func truncateTokens(s string, tokens int) string {
	max := tokens * 4
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
