package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loci-mem/loci/pkg/types"
)

const timeFormat = time.RFC3339Nano

// CreateMemoryParams is the transactional write request for a brand-new
// memory row plus its embedding. A write is atomic across the memory row,
// its FTS index, and its embedding.
type CreateMemoryParams struct {
	Type        types.MemoryType
	Content     string
	Scope       types.Scope
	SourceGroup string
	Confidence  float64
	Metadata    map[string]any
	Embedding   []float32

	// CreatedAt overrides the row's created_at, used by compaction to
	// stamp a new summary with its latest member's created_at rather than
	// the wall-clock time of the pass. Zero means "now".
	CreatedAt time.Time

	// AuditReason, if set, is recorded in the create audit entry's details
	// alongside the type — used by the promotion pass to mark a new
	// semantic memory's provenance.
	AuditReason string

	// RunID, if set, is recorded in the create audit entry's details,
	// correlating it with the rest of a maintenance pass's audit entries.
	RunID string
}

// CreateMemory inserts a new memory row, its embedding, and an audit entry
// in a single transaction, returning the generated ID and timestamps.
func (s *Store) CreateMemory(ctx context.Context, p CreateMemoryParams) (*types.Memory, error) {
	id := s.ids.NewID()
	now := time.Now().UTC()
	createdAt := now
	if !p.CreatedAt.IsZero() {
		createdAt = p.CreatedAt.UTC()
	}

	metaJSON, err := marshalMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, scope, source_group, confidence, access_count, created_at, updated_at, last_accessed, superseded_by, metadata)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, NULL, NULL, ?)
	`, id, string(p.Type), p.Content, string(p.Scope), p.SourceGroup, types.ClampConfidence(p.Confidence),
		createdAt.Format(timeFormat), now.Format(timeFormat), metaJSON)
	if err != nil {
		return nil, fmt.Errorf("store: insert memory: %w", err)
	}

	if err := insertEmbeddingTx(ctx, tx, id, p.Embedding); err != nil {
		return nil, err
	}

	details := map[string]any{"type": string(p.Type)}
	if p.AuditReason != "" {
		details["reason"] = p.AuditReason
	}
	if p.RunID != "" {
		details["run_id"] = p.RunID
	}
	if err := insertAuditTx(ctx, tx, types.AuditCreate, id, details, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit create: %w", err)
	}

	return &types.Memory{
		ID: id, Type: p.Type, Content: p.Content, Scope: p.Scope, SourceGroup: p.SourceGroup,
		Confidence: types.ClampConfidence(p.Confidence), CreatedAt: createdAt, UpdatedAt: now, Metadata: p.Metadata,
	}, nil
}

// UpdateMetadata merges patch into the memory's existing metadata and bumps
// UpdatedAt. The engine's dedup-hit path does not use it; it calls
// ApplyDedupHit.
func (s *Store) UpdateMetadata(ctx context.Context, id string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin update metadata: %w", err)
	}
	defer tx.Rollback()

	var existingJSON sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM memories WHERE id = ?`, id).Scan(&existingJSON); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: memory %s", types.ErrNotFound, id)
		}
		return fmt.Errorf("store: read metadata: %w", err)
	}

	existing := map[string]any{}
	if existingJSON.Valid && existingJSON.String != "" {
		if err := json.Unmarshal([]byte(existingJSON.String), &existing); err != nil {
			return fmt.Errorf("store: decode existing metadata: %w", err)
		}
	}
	merged := types.MergeMetadata(existing, patch)

	mergedJSON, err := marshalMetadata(merged)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE memories SET metadata = ?, updated_at = ? WHERE id = ?`, mergedJSON, now.Format(timeFormat), id); err != nil {
		return fmt.Errorf("store: update metadata: %w", err)
	}
	if err := insertAuditTx(ctx, tx, types.AuditUpdate, id, map[string]any{"fields": "metadata"}, now); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyDedupHit applies the write path's dedup-hit update in a single
// transaction: shallow-merge patch onto the existing metadata (a no-op
// when patch is empty), bump access_count and last_accessed, increment
// confidence by 0.1 clamped to 1.0, and record exactly one "update" audit
// entry tagged {"reason":"dedup"}. Returns the row's new confidence. The
// whole hit commits or rolls back as one unit; there is no partially
// applied dedup.
func (s *Store) ApplyDedupHit(ctx context.Context, id string, patch map[string]any) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin dedup hit: %w", err)
	}
	defer tx.Rollback()

	var existingJSON sql.NullString
	var confidence float64
	if err := tx.QueryRowContext(ctx, `SELECT metadata, confidence FROM memories WHERE id = ?`, id).Scan(&existingJSON, &confidence); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: memory %s", types.ErrNotFound, id)
		}
		return 0, fmt.Errorf("store: read dedup target: %w", err)
	}

	existing := map[string]any{}
	if existingJSON.Valid && existingJSON.String != "" {
		if err := json.Unmarshal([]byte(existingJSON.String), &existing); err != nil {
			return 0, fmt.Errorf("store: decode existing metadata: %w", err)
		}
	}
	var merged map[string]any
	if len(patch) == 0 {
		merged = existing
	} else {
		merged = types.MergeMetadata(existing, patch)
	}

	mergedJSON, err := marshalMetadata(merged)
	if err != nil {
		return 0, err
	}

	newConfidence := types.ClampConfidence(confidence + 0.1)
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE memories
		SET metadata = ?, confidence = ?, access_count = access_count + 1, last_accessed = ?, updated_at = ?
		WHERE id = ?
	`, mergedJSON, newConfidence, now.Format(timeFormat), now.Format(timeFormat), id)
	if err != nil {
		return 0, fmt.Errorf("store: apply dedup hit: %w", err)
	}

	if err := insertAuditTx(ctx, tx, types.AuditUpdate, id, map[string]any{"reason": "dedup"}, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit dedup hit: %w", err)
	}
	return newConfidence, nil
}

// Supersede marks oldID as superseded by newID (or, if newID == "", by the
// forgotten sentinel) in one transaction with its audit entry. Both the
// ordinary write-path supersession and the soft-forget path audit as
// "supersede"; reason is recorded in the audit details when provided.
func (s *Store) Supersede(ctx context.Context, oldID, newID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin supersede: %w", err)
	}
	defer tx.Rollback()

	supersededBy := newID
	if supersededBy == "" {
		supersededBy = types.ForgottenSentinel
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE memories SET superseded_by = ?, updated_at = ? WHERE id = ? AND superseded_by IS NULL`,
		supersededBy, now.Format(timeFormat), oldID)
	if err != nil {
		return fmt.Errorf("store: supersede: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: memory %s is not live", types.ErrConflict, oldID)
	}

	details := map[string]any{}
	if newID != "" {
		details["superseded_by"] = newID
	}
	if reason != "" {
		details["reason"] = reason
	}
	if err := insertAuditTx(ctx, tx, types.AuditSupersede, oldID, details, now); err != nil {
		return err
	}
	return tx.Commit()
}

// HardDelete permanently removes a memory row, its embedding, and its
// relations (ON DELETE CASCADE), recording a final audit entry first since
// the row disappears afterward.
func (s *Store) HardDelete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin hard delete: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := insertAuditTx(ctx, tx, types.AuditDelete, id, map[string]any{"hard": true}, now); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: hard delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: memory %s", types.ErrNotFound, id)
	}
	return tx.Commit()
}

// ClearSupersededBy un-forgets a memory by clearing its superseded_by
// column, auditing the restoration. Used by the operator-only restore
// path; only meaningful when the row was soft-forgotten, not truly
// superseded by another memory.
func (s *Store) ClearSupersededBy(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin restore: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE memories SET superseded_by = NULL, updated_at = ? WHERE id = ?`, now.Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("store: restore: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: memory %s", types.ErrNotFound, id)
	}

	if err := insertAuditTx(ctx, tx, types.AuditUpdate, id, map[string]any{"reason": "restore"}, now); err != nil {
		return err
	}
	return tx.Commit()
}

// BumpAccess increments access_count and sets last_accessed to now. Called
// on every recall hit; not audited — access bumps are high-frequency and
// low-signal, unlike the operations the audit log exists to narrate.
func (s *Store) BumpAccess(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		now.Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("store: bump access: %w", err)
	}
	return nil
}

// GetMemory fetches a single memory by ID, live or not.
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, content, scope, source_group, confidence, access_count, created_at, updated_at, last_accessed, superseded_by, metadata
		FROM memories WHERE id = ?
	`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: memory %s", types.ErrNotFound, id)
	}
	return m, err
}

// GetEmbedding returns the stored embedding vector for a memory.
func (s *Store) GetEmbedding(ctx context.Context, id string) ([]float32, error) {
	var blob []byte
	var dim int
	err := s.db.QueryRowContext(ctx, `SELECT vector, dim FROM embeddings WHERE memory_id = ?`, id).Scan(&blob, &dim)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: embedding for memory %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read embedding: %w", err)
	}
	return decodeVector(blob, dim), nil
}

func insertEmbeddingTx(ctx context.Context, tx *sql.Tx, memoryID string, vec []float32) error {
	blob := encodeVector(vec)
	_, err := tx.ExecContext(ctx, `INSERT INTO embeddings (memory_id, vector, dim) VALUES (?, ?, ?)`, memoryID, blob, len(vec))
	if err != nil {
		return fmt.Errorf("store: insert embedding: %w", err)
	}
	return nil
}

func insertAuditTx(ctx context.Context, tx *sql.Tx, op types.AuditOperation, memoryID string, details map[string]any, at time.Time) error {
	detailsJSON, err := marshalMetadata(details)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_log (operation, memory_id, details, created_at) VALUES (?, ?, ?, ?)`,
		string(op), memoryID, detailsJSON, at.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("store: insert audit entry: %w", err)
	}
	return nil
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: marshal metadata: %w", err)
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var m types.Memory
	var typ, scope, createdAt, updatedAt string
	var lastAccessed, supersededBy, metaJSON sql.NullString

	err := row.Scan(&m.ID, &typ, &m.Content, &scope, &m.SourceGroup, &m.Confidence, &m.AccessCount,
		&createdAt, &updatedAt, &lastAccessed, &supersededBy, &metaJSON)
	if err != nil {
		return nil, err
	}

	m.Type = types.MemoryType(typ)
	m.Scope = types.Scope(scope)
	m.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	m.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	if lastAccessed.Valid {
		t, err := time.Parse(timeFormat, lastAccessed.String)
		if err == nil {
			m.LastAccessed = &t
		}
	}
	if supersededBy.Valid {
		m.SupersededBy = supersededBy.String
	}
	if metaJSON.Valid && metaJSON.String != "" {
		meta := map[string]any{}
		if err := json.Unmarshal([]byte(metaJSON.String), &meta); err == nil {
			m.Metadata = meta
		}
	}
	return &m, nil
}
