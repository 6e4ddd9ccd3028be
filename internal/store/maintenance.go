package store

import (
	"context"
	"fmt"
	"time"

	"github.com/loci-mem/loci/pkg/types"
)

// ListLiveOlderThan returns live memories of the given type created before
// cutoff, used by the compaction pass to select aging episodics.
func (s *Store) ListLiveOlderThan(ctx context.Context, memType types.MemoryType, cutoff time.Time) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, content, scope, source_group, confidence, access_count, created_at, updated_at, last_accessed, superseded_by, metadata
		FROM memories
		WHERE superseded_by IS NULL AND type = ? AND created_at < ?
		ORDER BY created_at ASC
	`, string(memType), cutoff.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("store: list older than: %w", err)
	}
	defer rows.Close()

	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan aged memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// StaleCandidates returns live memories with confidence below floor whose
// last_accessed is either absent or older than cutoff — the cleanup pass's
// selection criterion.
func (s *Store) StaleCandidates(ctx context.Context, floor float64, cutoff time.Time) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, content, scope, source_group, confidence, access_count, created_at, updated_at, last_accessed, superseded_by, metadata
		FROM memories
		WHERE superseded_by IS NULL
		  AND confidence < ?
		  AND (last_accessed IS NULL OR last_accessed < ?)
		ORDER BY created_at ASC
	`, floor, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("store: stale candidates: %w", err)
	}
	defer rows.Close()

	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan stale candidate: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
