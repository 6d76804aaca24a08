package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/fernhq/fern/pkg/fern/ferr"
)

const (
	// defaultSearchLimit caps results when the caller does not.
	defaultSearchLimit = 10

	// searchCandidateLimit bounds each side of the hybrid search before
	// merging, so normalization runs over a small candidate set.
	searchCandidateLimit = 50

	// vectorWeight and keywordWeight combine the normalized sub-scores.
	// Semantic similarity dominates; keywords break ties and catch
	// exact terms the embedding misses.
	vectorWeight  = 0.7
	keywordWeight = 0.3
)

// Sources a search result can come from.
const (
	SourceChunk  = "chunk"
	SourceMemory = "memory"
)

// SearchResult is one hybrid-retrieval hit.
type SearchResult struct {
	ID             string  `json:"id"`
	Source         string  `json:"source"`
	Text           string  `json:"text"`
	RelevanceScore float64 `json:"relevanceScore"`
}

// Search runs hybrid retrieval over chunk summaries and persistent
// memories: cosine similarity on embeddings plus keyword rank, each
// min-max normalized to [0,1] for this query, combined 0.7/0.3. When
// embeddings are unavailable the vector side is empty and keyword rank
// decides alone. A threadID restricts chunk candidates to that thread;
// persistent memories are global and never filtered.
func (s *Store) Search(ctx context.Context, query, threadID string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ferr.Validation("search query must not be empty")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	vecScores := s.vectorScores(ctx, query, threadID)
	ftsScores, err := s.keywordScores(ctx, query, threadID)
	if err != nil {
		return nil, err
	}

	normalize(vecScores)
	normalize(ftsScores)

	combined := make(map[candidateKey]float64, len(vecScores)+len(ftsScores))
	for k, v := range vecScores {
		combined[k] += vectorWeight * v
	}
	for k, v := range ftsScores {
		combined[k] += keywordWeight * v
	}
	if len(combined) == 0 {
		return []SearchResult{}, nil
	}

	results := make([]SearchResult, 0, len(combined))
	for k, score := range combined {
		results = append(results, SearchResult{ID: k.id, Source: k.source, RelevanceScore: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].RelevanceScore != results[j].RelevanceScore {
			return results[i].RelevanceScore > results[j].RelevanceScore
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	if err := s.fillTexts(ctx, results); err != nil {
		return nil, err
	}
	return results, nil
}

type candidateKey struct {
	id     string
	source string
}

// vectorScores returns raw cosine similarities for the query embedding
// against every cached vector. Failures (including the null embedder)
// degrade to an empty side rather than failing the search.
func (s *Store) vectorScores(ctx context.Context, query, threadID string) map[candidateKey]float64 {
	qvec, err := s.embed(ctx, query)
	if err != nil {
		if err != ErrEmbeddingsDisabled {
			s.logger.Warn("query embedding failed, using keyword search only", "error", err)
		}
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make(map[candidateKey]float64)
	for id, vec := range s.memoryVecs {
		if sim := cosineSimilarity(qvec, vec); sim > 0 {
			scores[candidateKey{id: id, source: SourceMemory}] = sim
		}
	}
	for id, cv := range s.chunkVecs {
		if threadID != "" && cv.threadID != threadID {
			continue
		}
		if sim := cosineSimilarity(qvec, cv.vec); sim > 0 {
			scores[candidateKey{id: id, source: SourceChunk}] = sim
		}
	}
	truncateScores(scores, searchCandidateLimit)
	return scores
}

func (s *Store) keywordScores(ctx context.Context, query, threadID string) (map[candidateKey]float64, error) {
	if s.ftsAvailable {
		return s.ftsScores(ctx, query, threadID)
	}
	return s.likeScores(ctx, query, threadID)
}

// ftsScores ranks candidates with FTS5 bm25. bm25 rank is negative with
// better matches more negative, so the raw score is its negation.
func (s *Store) ftsScores(ctx context.Context, query, threadID string) (map[candidateKey]float64, error) {
	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	scores := make(map[candidateKey]float64)

	chunkQuery := `
		SELECT c.id, f.rank FROM memory_chunks_fts f
		JOIN memory_chunks c ON c.rowid = f.rowid
		WHERE memory_chunks_fts MATCH ?`
	args := []any{match}
	if threadID != "" {
		chunkQuery += ` AND c.thread_id = ?`
		args = append(args, threadID)
	}
	chunkQuery += ` ORDER BY f.rank LIMIT ?`
	args = append(args, searchCandidateLimit)

	rows, err := s.db.QueryContext(ctx, chunkQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("searching chunk index: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		scores[candidateKey{id: id, source: SourceChunk}] = -rank
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := s.db.QueryContext(ctx, `
		SELECT m.id, f.rank FROM persistent_memories_fts f
		JOIN persistent_memories m ON m.rowid = f.rowid
		WHERE persistent_memories_fts MATCH ?
		ORDER BY f.rank LIMIT ?`, match, searchCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("searching memory index: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var id string
		var rank float64
		if err := mrows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		scores[candidateKey{id: id, source: SourceMemory}] = -rank
	}
	return scores, mrows.Err()
}

// likeScores is the FTS5 fallback: one LIKE scan per query term, scored
// by how many terms each row matched.
func (s *Store) likeScores(ctx context.Context, query, threadID string) (map[candidateKey]float64, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	scores := make(map[candidateKey]float64)

	for _, term := range terms {
		pattern := "%" + term + "%"

		chunkQuery := `SELECT id FROM memory_chunks WHERE summary LIKE ?`
		args := []any{pattern}
		if threadID != "" {
			chunkQuery += ` AND thread_id = ?`
			args = append(args, threadID)
		}
		chunkQuery += ` LIMIT ?`
		args = append(args, searchCandidateLimit)
		if err := accumulateLike(ctx, s, chunkQuery, args, SourceChunk, scores); err != nil {
			return nil, err
		}

		if err := accumulateLike(ctx, s,
			`SELECT id FROM persistent_memories WHERE content LIKE ? LIMIT ?`,
			[]any{pattern, searchCandidateLimit}, SourceMemory, scores); err != nil {
			return nil, err
		}
	}
	truncateScores(scores, searchCandidateLimit)
	return scores, nil
}

func accumulateLike(ctx context.Context, s *Store, query string, args []any, source string, scores map[candidateKey]float64) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("keyword scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		scores[candidateKey{id: id, source: source}]++
	}
	return rows.Err()
}

// fillTexts loads the display text for each result: chunk summaries and
// memory contents.
func (s *Store) fillTexts(ctx context.Context, results []SearchResult) error {
	for i := range results {
		var text string
		var err error
		switch results[i].Source {
		case SourceChunk:
			err = s.db.QueryRowContext(ctx,
				`SELECT summary FROM memory_chunks WHERE id = ?`, results[i].ID).Scan(&text)
		case SourceMemory:
			err = s.db.QueryRowContext(ctx,
				`SELECT content FROM persistent_memories WHERE id = ?`, results[i].ID).Scan(&text)
		}
		if err != nil {
			return fmt.Errorf("loading result text for %s: %w", results[i].ID, err)
		}
		results[i].Text = text
	}
	return nil
}

// normalize rescales scores to [0,1] with min-max. A single candidate,
// or several with identical scores, all map to 1.0.
func normalize(scores map[candidateKey]float64) {
	if len(scores) == 0 {
		return
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range scores {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi == lo {
		for k := range scores {
			scores[k] = 1.0
		}
		return
	}
	for k, v := range scores {
		scores[k] = (v - lo) / (hi - lo)
	}
}

// truncateScores keeps only the top n entries.
func truncateScores(scores map[candidateKey]float64, n int) {
	if len(scores) <= n {
		return
	}
	type kv struct {
		k candidateKey
		v float64
	}
	all := make([]kv, 0, len(scores))
	for k, v := range scores {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].v > all[j].v })
	for _, e := range all[n:] {
		delete(scores, e.k)
	}
}

// sanitizeFTSQuery rewrites free text into an FTS5 OR query of quoted
// terms, so user punctuation can never produce a syntax error.
func sanitizeFTSQuery(query string) string {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

// queryTerms lowercases and strips everything but letters and digits.
func queryTerms(query string) []string {
	var terms []string
	for _, field := range strings.Fields(strings.ToLower(query)) {
		term := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, field)
		if term != "" {
			terms = append(terms, term)
		}
	}
	return terms
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
