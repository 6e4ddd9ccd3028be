package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loci-mem/loci/internal/tokenize"
	"github.com/loci-mem/loci/pkg/types"
)

// RankedCandidate is one result from a single ranked list (keyword or
// vector), carrying its 1-based rank in that list for RRF fusion.
type RankedCandidate struct {
	ID   string
	Rank int
}

// KeywordSearch runs a BM25 query against the FTS5 shadow index and
// returns up to k candidates ranked by relevance (best first). Free query
// text is split into quoted, OR'd terms first; FTS5 then re-tokenizes
// those terms with the same unicode61 tokenizer it applied to the indexed
// documents, so write-time and search-time tokenization cannot drift —
// one tokenizer, inside SQLite, owns both sides.
func (s *Store) KeywordSearch(ctx context.Context, query string, k int) ([]RankedCandidate, error) {
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, ftsQuery, k)
	if err != nil {
		return nil, fmt.Errorf("store: keyword search: %w", err)
	}
	defer rows.Close()

	var out []RankedCandidate
	rank := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan keyword result: %w", err)
		}
		rank++
		out = append(out, RankedCandidate{ID: id, Rank: rank})
	}
	return out, rows.Err()
}

// sanitizeFTSQuery turns free text into an FTS5 MATCH expression: each
// token is quoted (so punctuation inside a token can't break the query
// syntax) and OR'd together, since the caller wants "contains any of these
// words", not an exact phrase. It does not try to replicate unicode61's
// normalization (diacritic folding etc.) — FTS5 applies that to the quoted
// terms itself when evaluating the MATCH.
func sanitizeFTSQuery(query string) string {
	words := tokenize.Words(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// vectorSearchMaxCandidates bounds the brute-force scan so a very large
// store doesn't make every recall pay for a full table scan; it is a
// documented ceiling, not a correctness issue, since RRF only needs the
// top-K by distance for fusion.
const vectorSearchMaxCandidates = 20_000

// VectorSearch performs a brute-force KNN scan over live embeddings,
// ranking by ascending L2 distance (computed from cosine similarity via
// 2-2cos, since all vectors are unit length), returning the top k
// candidates. There is no native vector index: the tradeoff for a
// single-embedded-file store with no CGO vector extension.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int) ([]RankedCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.memory_id, e.vector, e.dim
		FROM embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE m.superseded_by IS NULL
		ORDER BY m.created_at DESC
		LIMIT ?
	`, vectorSearchMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("store: vector search: %w", err)
	}
	defer rows.Close()

	type scored struct {
		id   string
		dist float64
	}
	var all []scored
	for rows.Next() {
		var id string
		var blob []byte
		var dim int
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			return nil, fmt.Errorf("store: scan embedding: %w", err)
		}
		vec := decodeVector(blob, dim)
		all = append(all, scored{id: id, dist: l2SquaredUnit(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].dist < all[j].dist })
	if k > 0 && k < len(all) {
		all = all[:k]
	}

	out := make([]RankedCandidate, len(all))
	for i, c := range all {
		out[i] = RankedCandidate{ID: c.id, Rank: i + 1}
	}
	return out, nil
}

// l2SquaredUnit computes the squared Euclidean distance between two
// equal-length vectors directly, which for unit vectors equals 2-2cos but
// avoids relying on the embed package from inside store.
func l2SquaredUnit(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// MemoryFilter narrows a candidate set after RRF fusion: post-filters
// apply after fusion so a keyword-only match can still surface.
type MemoryFilter struct {
	Type          types.MemoryType // empty = no filter
	Scope         types.Scope      // empty = no filter
	Group         string
	MinConfidence float64
}

// FetchForFilter loads the full memory rows for a set of candidate ids,
// applying the post-fusion visibility and quality filters, and drops any
// id that no longer exists or fails a filter. Order is not guaranteed;
// callers re-sort by fused score afterward.
func (s *Store) FetchForFilter(ctx context.Context, ids []string, f MemoryFilter) (map[string]*types.Memory, error) {
	out := map[string]*types.Memory{}
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, type, content, scope, source_group, confidence, access_count, created_at, updated_at, last_accessed, superseded_by, metadata
		FROM memories WHERE id IN (%s)
	`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: fetch for filter: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan filtered memory: %w", err)
		}
		if !m.IsLive() {
			continue
		}
		if m.Scope == types.ScopeGroup && m.SourceGroup != f.Group {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.Scope != "" && m.Scope != f.Scope {
			continue
		}
		if m.Confidence < f.MinConfidence {
			continue
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// NearestLiveOfType finds the single nearest live memory of the given type
// to query, used by the write-path dedup gate. Returns nil, nil if the
// type has no live memories yet.
func (s *Store) NearestLiveOfType(ctx context.Context, query []float32, memType types.MemoryType) (*types.Memory, float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.memory_id, e.vector, e.dim
		FROM embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE m.superseded_by IS NULL AND m.type = ?
	`, string(memType))
	if err != nil {
		return nil, 0, fmt.Errorf("store: dedup scan: %w", err)
	}
	defer rows.Close()

	bestID := ""
	bestDist := -1.0
	for rows.Next() {
		var id string
		var blob []byte
		var dim int
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			return nil, 0, fmt.Errorf("store: scan dedup candidate: %w", err)
		}
		vec := decodeVector(blob, dim)
		dist := l2SquaredUnit(query, vec)
		if bestID == "" || dist < bestDist {
			bestID, bestDist = id, dist
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if bestID == "" {
		return nil, 0, nil
	}

	m, err := s.GetMemory(ctx, bestID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	cosine := 1 - bestDist/2
	return m, cosine, nil
}
