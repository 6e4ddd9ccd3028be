package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loci-mem/loci/pkg/types"
)

// AuditTrail returns every audit entry recorded for a memory id, oldest
// first. The audit log is append-only and narrates events, not state —
// the memories table is the source of truth; memory_inspect reads the log
// purely for display.
func (s *Store) AuditTrail(ctx context.Context, memoryID string) ([]types.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, operation, memory_id, details, created_at
		FROM audit_log WHERE memory_id = ?
		ORDER BY seq ASC
	`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("store: audit trail: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var op, createdAt string
		var details *string
		if err := rows.Scan(&e.Seq, &op, &e.MemoryID, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		e.Operation = types.AuditOperation(op)
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		if details != nil && *details != "" {
			d := map[string]any{}
			if err := json.Unmarshal([]byte(*details), &d); err == nil {
				e.Details = d
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats holds the corpus-wide counters used by memory_stats.
type Stats struct {
	TotalByType     map[types.MemoryType]int
	TotalByScope    map[types.Scope]int
	LiveCount       int
	SupersededCount int
	ForgottenCount  int
	RelationCount   int
	OldestCreatedAt *time.Time
	NewestCreatedAt *time.Time
}

// ComputeStats scans the memory table and returns aggregate counts,
// optionally filtered to a single source_group.
func (s *Store) ComputeStats(ctx context.Context, group string) (*Stats, error) {
	st := &Stats{TotalByType: map[types.MemoryType]int{}, TotalByScope: map[types.Scope]int{}}

	query := `SELECT type, scope, superseded_by, created_at FROM memories`
	args := []any{}
	if group != "" {
		query += ` WHERE source_group = ?`
		args = append(args, group)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: stats scan: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ, scope, createdAt string
		var supersededBy *string
		if err := rows.Scan(&typ, &scope, &supersededBy, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan stats row: %w", err)
		}
		st.TotalByType[types.MemoryType(typ)]++
		st.TotalByScope[types.Scope(scope)]++
		switch {
		case supersededBy == nil:
			st.LiveCount++
		case *supersededBy == types.ForgottenSentinel:
			st.ForgottenCount++
		default:
			st.SupersededCount++
		}

		if t, err := time.Parse(timeFormat, createdAt); err == nil {
			if st.OldestCreatedAt == nil || t.Before(*st.OldestCreatedAt) {
				st.OldestCreatedAt = &t
			}
			if st.NewestCreatedAt == nil || t.After(*st.NewestCreatedAt) {
				st.NewestCreatedAt = &t
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	relQuery := `SELECT COUNT(*) FROM relations`
	relArgs := []any{}
	if group != "" {
		relQuery += ` WHERE subject_id IN (SELECT id FROM memories WHERE source_group = ?)`
		relArgs = append(relArgs, group)
	}
	if err := s.db.QueryRowContext(ctx, relQuery, relArgs...).Scan(&st.RelationCount); err != nil {
		return nil, fmt.Errorf("store: count relations: %w", err)
	}

	return st, nil
}

// ListLive returns every live memory, optionally filtered by type, ordered
// newest-first. Used by maintenance passes (decay, compaction, promotion)
// which must walk the full live corpus rather than a ranked subset.
func (s *Store) ListLive(ctx context.Context, memType types.MemoryType) ([]*types.Memory, error) {
	query := `
		SELECT id, type, content, scope, source_group, confidence, access_count, created_at, updated_at, last_accessed, superseded_by, metadata
		FROM memories WHERE superseded_by IS NULL
	`
	args := []any{}
	if memType != "" {
		query += ` AND type = ?`
		args = append(args, string(memType))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list live: %w", err)
	}
	defer rows.Close()

	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan live memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetConfidence writes a new confidence value directly, used by the decay
// maintenance pass which recomputes confidence for the whole live corpus
// outside the per-write dedup/supersession paths.
func (s *Store) SetConfidence(ctx context.Context, id string, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memories SET confidence = ? WHERE id = ?`, types.ClampConfidence(confidence), id)
	if err != nil {
		return fmt.Errorf("store: set confidence: %w", err)
	}
	return nil
}

// InsertAudit appends a standalone audit entry outside of a CRUD
// transaction, used by maintenance passes whose decay/compact operations
// span many memories and run as their own transactions.
func (s *Store) InsertAudit(ctx context.Context, op types.AuditOperation, memoryID string, details map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin audit insert: %w", err)
	}
	defer tx.Rollback()
	if err := insertAuditTx(ctx, tx, op, memoryID, details, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}
