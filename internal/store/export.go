package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loci-mem/loci/pkg/types"
)

// ListAll returns every memory row regardless of live/superseded/forgotten
// state, oldest first — the full corpus an export walks.
func (s *Store) ListAll(ctx context.Context) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, content, scope, source_group, confidence, access_count, created_at, updated_at, last_accessed, superseded_by, metadata
		FROM memories ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list all: %w", err)
	}
	defer rows.Close()

	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AllRelations returns every relation, oldest first.
func (s *Store) AllRelations(ctx context.Context) ([]types.EntityRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, predicate, object_id, created_at FROM relations ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: all relations: %w", err)
	}
	defer rows.Close()

	var out []types.EntityRelation
	for rows.Next() {
		var r types.EntityRelation
		var createdAt string
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.Predicate, &r.ObjectID, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan relation: %w", err)
		}
		r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ImportMemoryParams is a full memory row plus a freshly computed embedding,
// used to replay an export onto a fresh store with ids preserved.
type ImportMemoryParams struct {
	ID           string
	Type         types.MemoryType
	Content      string
	Scope        types.Scope
	SourceGroup  string
	Confidence   float64
	AccessCount  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastAccessed *time.Time
	SupersededBy string
	Metadata     map[string]any
	Embedding    []float32
}

// ImportMemory inserts a memory row with an explicit, caller-supplied id
// (unlike CreateMemory, which always mints a fresh one) plus its embedding,
// in one transaction. No audit entry is recorded — importing replays state,
// it does not narrate new events.
func (s *Store) ImportMemory(ctx context.Context, p ImportMemoryParams) error {
	metaJSON, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	var lastAccessed sql.NullString
	if p.LastAccessed != nil {
		lastAccessed = sql.NullString{String: p.LastAccessed.UTC().Format(timeFormat), Valid: true}
	}
	var supersededBy sql.NullString
	if p.SupersededBy != "" {
		supersededBy = sql.NullString{String: p.SupersededBy, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin import: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, scope, source_group, confidence, access_count, created_at, updated_at, last_accessed, superseded_by, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, string(p.Type), p.Content, string(p.Scope), p.SourceGroup, types.ClampConfidence(p.Confidence), p.AccessCount,
		p.CreatedAt.UTC().Format(timeFormat), p.UpdatedAt.UTC().Format(timeFormat), lastAccessed, supersededBy, metaJSON)
	if err != nil {
		return fmt.Errorf("store: insert imported memory: %w", err)
	}

	if err := insertEmbeddingTx(ctx, tx, p.ID, p.Embedding); err != nil {
		return err
	}

	return tx.Commit()
}

// ImportRelation inserts a relation row with an explicit, caller-supplied
// id, for the same reason ImportMemory does.
func (s *Store) ImportRelation(ctx context.Context, id, subjectID, predicate, objectID string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relations (id, subject_id, predicate, object_id, created_at) VALUES (?, ?, ?, ?, ?)
	`, id, subjectID, predicate, objectID, createdAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("store: insert imported relation: %w", err)
	}
	return nil
}

// ReplaceEmbedding overwrites the stored embedding for an existing memory,
// used by the offline reindex path.
func (s *Store) ReplaceEmbedding(ctx context.Context, memoryID string, vec []float32) error {
	blob := encodeVector(vec)
	_, err := s.db.ExecContext(ctx, `UPDATE embeddings SET vector = ?, dim = ? WHERE memory_id = ?`, blob, len(vec), memoryID)
	if err != nil {
		return fmt.Errorf("store: replace embedding: %w", err)
	}
	return nil
}

// SetIndexModel overwrites the recorded model name/dimension in index_meta,
// used after a reindex pass changes the embedding model.
func (s *Store) SetIndexModel(ctx context.Context, modelName string, dim int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin set index model: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO index_meta (key, value) VALUES ('embedding_model', ?)`, modelName); err != nil {
		return fmt.Errorf("store: set embedding_model: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO index_meta (key, value) VALUES ('embedding_dim', ?)`, fmt.Sprintf("%d", dim)); err != nil {
		return fmt.Errorf("store: set embedding_dim: %w", err)
	}
	return tx.Commit()
}
