// Package memory implements long-term memory: asynchronous archival of
// conversation history into summarized chunks, durable persistent
// memories, and hybrid vector+keyword retrieval over both. Tables live
// in the shared SQLite database; embeddings are cached in memory for
// cosine scoring and keyword search uses FTS5 when the build carries
// it, with a LIKE fallback otherwise.
package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fernhq/fern/pkg/fern/ferr"
	"github.com/fernhq/fern/pkg/fern/ids"
)

// Memory types. Anything else is rejected at the write boundary.
const (
	TypeFact       = "fact"
	TypePreference = "preference"
	TypeLearning   = "learning"
)

// Memory is a durable fact, preference, or learning about the user,
// written explicitly by the agent rather than distilled from history.
type Memory struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RawMessage is one conversation message as captured at archival time.
type RawMessage struct {
	ID   string    `json:"id"`
	Role string    `json:"role"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Chunk is an archived slice of a thread's message history: the full
// raw messages plus an LLM-produced summary that retrieval matches on.
type Chunk struct {
	ID               string       `json:"id"`
	ThreadID         string       `json:"threadId"`
	BackendSessionID string       `json:"backendSessionId"`
	Summary          string       `json:"summary"`
	Messages         []RawMessage `json:"messages"`
	TokenCount       int          `json:"tokenCount"`
	MessageCount     int          `json:"messageCount"`
	FirstMessageID   string       `json:"firstMessageId"`
	LastMessageID    string       `json:"lastMessageId"`
	FirstMessageAt   time.Time    `json:"firstMessageAt"`
	LastMessageAt    time.Time    `json:"lastMessageAt"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// Store owns the memory tables on the shared database handle. Embedding
// vectors are mirrored in memory so cosine scoring never hits SQL.
type Store struct {
	db       *sql.DB
	embedder Embedder
	logger   *slog.Logger

	// ftsAvailable is false when SQLite was built without FTS5; keyword
	// search then degrades to LIKE scans.
	ftsAvailable bool

	mu         sync.RWMutex
	memoryVecs map[string][]float32
	chunkVecs  map[string]chunkVec
}

type chunkVec struct {
	threadID string
	vec      []float32
}

// New applies the memory schema on db and loads the vector caches.
func New(db *sql.DB, embedder Embedder, logger *slog.Logger) (*Store, error) {
	s := &Store{
		db:         db,
		embedder:   embedder,
		logger:     logger.With("component", "memory"),
		memoryVecs: make(map[string][]float32),
		chunkVecs:  make(map[string]chunkVec),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing memory schema: %w", err)
	}
	if err := s.loadVectorCaches(); err != nil {
		return nil, fmt.Errorf("loading vector caches: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS persistent_memories (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL,
		content    TEXT NOT NULL,
		tags_json  TEXT NOT NULL DEFAULT '[]',
		embedding  TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_chunks (
		id                 TEXT PRIMARY KEY,
		thread_id          TEXT NOT NULL,
		backend_session_id TEXT NOT NULL,
		summary            TEXT NOT NULL,
		summary_embedding  TEXT,
		messages_json      TEXT NOT NULL,
		token_count        INTEGER NOT NULL,
		message_count      INTEGER NOT NULL,
		first_message_id   TEXT NOT NULL,
		last_message_id    TEXT NOT NULL,
		first_message_at   TIMESTAMP,
		last_message_at    TIMESTAMP,
		created_at         TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_chunks_thread
		ON memory_chunks(thread_id, last_message_id);

	CREATE TABLE IF NOT EXISTS archival_watermarks (
		thread_id        TEXT PRIMARY KEY,
		last_message_id  TEXT NOT NULL,
		last_archived_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS embedding_cache (
		text_hash      TEXT NOT NULL,
		provider       TEXT NOT NULL,
		model          TEXT NOT NULL,
		embedding_json TEXT NOT NULL,
		created_at     TIMESTAMP NOT NULL,
		PRIMARY KEY (text_hash, provider, model)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}

	// FTS5 is a compile-time SQLite option. Probe by creating the
	// virtual tables; on failure keyword search uses LIKE scans.
	fts := `
	CREATE VIRTUAL TABLE IF NOT EXISTS memory_chunks_fts USING fts5(
		summary, content='memory_chunks', content_rowid='rowid'
	);
	CREATE TRIGGER IF NOT EXISTS memory_chunks_fts_ai AFTER INSERT ON memory_chunks BEGIN
		INSERT INTO memory_chunks_fts(rowid, summary) VALUES (new.rowid, new.summary);
	END;
	CREATE TRIGGER IF NOT EXISTS memory_chunks_fts_ad AFTER DELETE ON memory_chunks BEGIN
		INSERT INTO memory_chunks_fts(memory_chunks_fts, rowid, summary)
			VALUES ('delete', old.rowid, old.summary);
	END;
	CREATE TRIGGER IF NOT EXISTS memory_chunks_fts_au AFTER UPDATE ON memory_chunks BEGIN
		INSERT INTO memory_chunks_fts(memory_chunks_fts, rowid, summary)
			VALUES ('delete', old.rowid, old.summary);
		INSERT INTO memory_chunks_fts(rowid, summary) VALUES (new.rowid, new.summary);
	END;

	CREATE VIRTUAL TABLE IF NOT EXISTS persistent_memories_fts USING fts5(
		content, content='persistent_memories', content_rowid='rowid'
	);
	CREATE TRIGGER IF NOT EXISTS persistent_memories_fts_ai AFTER INSERT ON persistent_memories BEGIN
		INSERT INTO persistent_memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS persistent_memories_fts_ad AFTER DELETE ON persistent_memories BEGIN
		INSERT INTO persistent_memories_fts(persistent_memories_fts, rowid, content)
			VALUES ('delete', old.rowid, old.content);
	END;
	CREATE TRIGGER IF NOT EXISTS persistent_memories_fts_au AFTER UPDATE ON persistent_memories BEGIN
		INSERT INTO persistent_memories_fts(persistent_memories_fts, rowid, content)
			VALUES ('delete', old.rowid, old.content);
		INSERT INTO persistent_memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END;
	`
	if _, err := s.db.Exec(fts); err != nil {
		s.ftsAvailable = false
		s.logger.Warn("FTS5 unavailable, keyword search falls back to LIKE", "error", err)
		return nil
	}
	// Rebuild repairs index drift from runs where the binary lacked
	// FTS5 and rows were inserted without the triggers firing.
	if _, err := s.db.Exec(`
		INSERT INTO memory_chunks_fts(memory_chunks_fts) VALUES('rebuild');
		INSERT INTO persistent_memories_fts(persistent_memories_fts) VALUES('rebuild');
	`); err != nil {
		return fmt.Errorf("rebuilding fts index: %w", err)
	}
	s.ftsAvailable = true
	return nil
}

func (s *Store) loadVectorCaches() error {
	rows, err := s.db.Query(`SELECT id, embedding FROM persistent_memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		vec, err := decodeVector(raw)
		if err != nil {
			s.logger.Warn("dropping unreadable memory embedding", "memory_id", id, "error", err)
			continue
		}
		s.memoryVecs[id] = vec
	}
	if err := rows.Err(); err != nil {
		return err
	}

	crows, err := s.db.Query(`SELECT id, thread_id, summary_embedding FROM memory_chunks WHERE summary_embedding IS NOT NULL`)
	if err != nil {
		return err
	}
	defer crows.Close()
	for crows.Next() {
		var id, threadID, raw string
		if err := crows.Scan(&id, &threadID, &raw); err != nil {
			return err
		}
		vec, err := decodeVector(raw)
		if err != nil {
			s.logger.Warn("dropping unreadable chunk embedding", "chunk_id", id, "error", err)
			continue
		}
		s.chunkVecs[id] = chunkVec{threadID: threadID, vec: vec}
	}
	return crows.Err()
}

// WriteMemory validates, embeds, and persists a new persistent memory.
// An embedding failure is tolerated: the row is stored without a vector
// and stays reachable through keyword search.
func (s *Store) WriteMemory(ctx context.Context, typ, content string, tags []string) (*Memory, error) {
	switch typ {
	case TypeFact, TypePreference, TypeLearning:
	default:
		return nil, ferr.Validation("memory type must be fact, preference, or learning, got %q", typ)
	}
	if content == "" {
		return nil, ferr.Validation("memory content must not be empty")
	}
	if tags == nil {
		tags = []string{}
	}

	vec, err := s.embed(ctx, content)
	if err != nil {
		s.logger.Warn("storing memory without embedding", "error", err)
		vec = nil
	}

	now := time.Now().UTC()
	m := &Memory{
		ID:        ids.NewMemory(),
		Type:      typ,
		Content:   content,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshaling tags: %w", err)
	}
	embJSON, err := encodeVector(vec)
	if err != nil {
		return nil, fmt.Errorf("encoding embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO persistent_memories (id, type, content, tags_json, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Type, m.Content, string(tagsJSON), embJSON, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting memory: %w", err)
	}

	if vec != nil {
		s.mu.Lock()
		s.memoryVecs[m.ID] = vec
		s.mu.Unlock()
	}
	return m, nil
}

// GetMemory returns one persistent memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, content, tags_json, created_at, updated_at
		FROM persistent_memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, ferr.NotFound("memory", id)
	}
	return m, err
}

// ListMemories returns all persistent memories, newest first. An empty
// typ matches every type.
func (s *Store) ListMemories(ctx context.Context, typ string) ([]*Memory, error) {
	query := `SELECT id, type, content, tags_json, created_at, updated_at
		FROM persistent_memories`
	args := []any{}
	if typ != "" {
		query += ` WHERE type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMemory removes a persistent memory. Returns whether a row was
// deleted; deletion is irreversible.
func (s *Store) DeleteMemory(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM persistent_memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.mu.Lock()
		delete(s.memoryVecs, id)
		s.mu.Unlock()
	}
	return n > 0, nil
}

// InsertChunk embeds the chunk summary and persists the chunk with its
// raw messages inline. Embedding failures are tolerated the same way as
// in WriteMemory.
func (s *Store) InsertChunk(ctx context.Context, c *Chunk) error {
	if c.ID == "" {
		c.ID = ids.NewChunk()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	vec, err := s.embed(ctx, c.Summary)
	if err != nil {
		s.logger.Warn("storing chunk without embedding", "chunk_id", c.ID, "error", err)
		vec = nil
	}

	msgsJSON, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("marshaling chunk messages: %w", err)
	}
	embJSON, err := encodeVector(vec)
	if err != nil {
		return fmt.Errorf("encoding embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_chunks (
			id, thread_id, backend_session_id, summary, summary_embedding,
			messages_json, token_count, message_count,
			first_message_id, last_message_id, first_message_at, last_message_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ThreadID, c.BackendSessionID, c.Summary, embJSON,
		string(msgsJSON), c.TokenCount, c.MessageCount,
		c.FirstMessageID, c.LastMessageID, c.FirstMessageAt, c.LastMessageAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting chunk: %w", err)
	}

	if vec != nil {
		s.mu.Lock()
		s.chunkVecs[c.ID] = chunkVec{threadID: c.ThreadID, vec: vec}
		s.mu.Unlock()
	}
	return nil
}

// GetChunk returns a chunk with its full raw message list. A chunk that
// exists but belongs to a different thread is reported as not found, so
// one thread cannot read another's transcripts.
func (s *Store) GetChunk(ctx context.Context, threadID, chunkID string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, backend_session_id, summary, messages_json,
			token_count, message_count, first_message_id, last_message_id,
			first_message_at, last_message_at, created_at
		FROM memory_chunks WHERE id = ? AND thread_id = ?`, chunkID, threadID)

	var c Chunk
	var msgsJSON string
	var firstAt, lastAt sql.NullTime
	err := row.Scan(&c.ID, &c.ThreadID, &c.BackendSessionID, &c.Summary, &msgsJSON,
		&c.TokenCount, &c.MessageCount, &c.FirstMessageID, &c.LastMessageID,
		&firstAt, &lastAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ferr.NotFound("chunk", chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk: %w", err)
	}
	if err := json.Unmarshal([]byte(msgsJSON), &c.Messages); err != nil {
		return nil, fmt.Errorf("decoding chunk messages: %w", err)
	}
	if firstAt.Valid {
		c.FirstMessageAt = firstAt.Time.UTC()
	}
	if lastAt.Valid {
		c.LastMessageAt = lastAt.Time.UTC()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// Watermark returns the archival watermark for a thread, or zero values
// when the thread has never been archived.
func (s *Store) Watermark(ctx context.Context, threadID string) (string, time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_message_id, last_archived_at FROM archival_watermarks WHERE thread_id = ?`, threadID)
	var lastID string
	var at time.Time
	err := row.Scan(&lastID, &at)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reading watermark: %w", err)
	}
	return lastID, at.UTC(), nil
}

// SetWatermark advances a thread's watermark. Message ids sort
// lexicographically in creation order, and the conditional update keeps
// the watermark monotonic even if callers race.
func (s *Store) SetWatermark(ctx context.Context, threadID, lastMessageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archival_watermarks (thread_id, last_message_id, last_archived_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			last_message_id  = excluded.last_message_id,
			last_archived_at = excluded.last_archived_at
		WHERE excluded.last_message_id > archival_watermarks.last_message_id`,
		threadID, lastMessageID, at.UTC())
	if err != nil {
		return fmt.Errorf("setting watermark: %w", err)
	}
	return nil
}

// embed returns the vector for text, consulting the persistent
// embedding cache first. Cache rows are keyed by (hash, provider,
// model) so provider switches never reuse foreign vectors.
func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	hash := hashText(text)
	provider, model := s.embedder.Name(), s.embedder.Model()

	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT embedding_json FROM embedding_cache
		WHERE text_hash = ? AND provider = ? AND model = ?`, hash, provider, model).Scan(&raw)
	if err == nil {
		if vec, derr := decodeVector(raw); derr == nil {
			return vec, nil
		}
		// Unreadable cache rows are overwritten below.
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("reading embedding cache: %w", err)
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	encoded, err := encodeVector(vec)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO embedding_cache (text_hash, provider, model, embedding_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		hash, provider, model, encoded, time.Now().UTC()); err != nil {
		s.logger.Warn("caching embedding failed", "error", err)
	}
	return vec, nil
}

func scanMemory(row interface{ Scan(...any) error }) (*Memory, error) {
	var m Memory
	var tagsJSON string
	if err := row.Scan(&m.ID, &m.Type, &m.Content, &tagsJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning memory: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return nil, fmt.Errorf("decoding memory tags: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func encodeVector(vec []float32) (sql.NullString, error) {
	if vec == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeVector(raw string) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
