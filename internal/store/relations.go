package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loci-mem/loci/pkg/types"
)

// CreateRelation inserts a (subject, predicate, object) triple if it is
// not already present, returning the (possibly pre-existing) relation id.
// Callers must have already validated that both ids reference live
// entity-type memories.
func (s *Store) CreateRelation(ctx context.Context, subjectID, predicate, objectID string) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM relations WHERE subject_id = ? AND predicate = ? AND object_id = ?
	`, subjectID, predicate, objectID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("store: lookup relation: %w", err)
	}

	id := s.ids.NewID()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relations (id, subject_id, predicate, object_id, created_at) VALUES (?, ?, ?, ?, ?)
	`, id, subjectID, predicate, objectID, now.Format(timeFormat))
	if err != nil {
		return "", fmt.Errorf("store: insert relation: %w", err)
	}
	return id, nil
}

// RelationsInvolving returns every relation where id is the subject or the
// object, used by memory_inspect's one-hop neighbor listing. One hop only;
// no transitive closure.
func (s *Store) RelationsInvolving(ctx context.Context, id string) ([]types.EntityRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, predicate, object_id, created_at
		FROM relations WHERE subject_id = ? OR object_id = ?
		ORDER BY created_at ASC
	`, id, id)
	if err != nil {
		return nil, fmt.Errorf("store: relations involving: %w", err)
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

// IsLiveEntity reports whether id exists, is live, and has type=entity —
// the validation gate required before store_relation may reference it.
func (s *Store) IsLiveEntity(ctx context.Context, id string) (bool, error) {
	m, err := s.GetMemory(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return m.IsLive() && m.Type == types.Entity, nil
}
