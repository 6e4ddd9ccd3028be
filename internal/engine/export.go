package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loci-mem/loci/internal/store"
	"github.com/loci-mem/loci/pkg/types"
)

func parseExportTime(s string) (time.Time, error) {
	return time.Parse(rfc3339NanoLayout, s)
}

// ExportedMemory is one memory row in an export bundle. Embeddings are
// deliberately omitted — they are recomputed on import against whatever
// model dimension is current at that time.
type ExportedMemory struct {
	ID           string           `json:"id"`
	Type         types.MemoryType `json:"type"`
	Content      string           `json:"content"`
	Scope        types.Scope      `json:"scope"`
	SourceGroup  string           `json:"source_group"`
	Confidence   float64          `json:"confidence"`
	AccessCount  int              `json:"access_count"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	LastAccessed *string          `json:"last_accessed,omitempty"`
	SupersededBy string           `json:"superseded_by,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// ExportedRelation is one relation row in an export bundle.
type ExportedRelation struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	Predicate string `json:"predicate"`
	ObjectID  string `json:"object_id"`
	CreatedAt string `json:"created_at"`
}

// ExportBundle is the full on-disk export format: every memory regardless
// of live/superseded/forgotten state, plus every relation, with ids
// preserved so a subsequent import reconstructs the same graph.
type ExportBundle struct {
	Memories  []ExportedMemory   `json:"memories"`
	Relations []ExportedRelation `json:"relations"`
}

// Export walks the full corpus and returns it as a JSON-marshalable bundle.
func (e *Engine) Export(ctx context.Context) (*ExportBundle, error) {
	memories, err := e.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	relations, err := e.store.AllRelations(ctx)
	if err != nil {
		return nil, err
	}

	bundle := &ExportBundle{
		Memories:  make([]ExportedMemory, len(memories)),
		Relations: make([]ExportedRelation, len(relations)),
	}
	for i, m := range memories {
		bundle.Memories[i] = toExportedMemory(m)
	}
	for i, r := range relations {
		bundle.Relations[i] = ExportedRelation{
			ID: r.ID, SubjectID: r.SubjectID, Predicate: r.Predicate, ObjectID: r.ObjectID,
			CreatedAt: r.CreatedAt.Format(rfc3339NanoLayout),
		}
	}
	return bundle, nil
}

func toExportedMemory(m *types.Memory) ExportedMemory {
	em := ExportedMemory{
		ID: m.ID, Type: m.Type, Content: m.Content, Scope: m.Scope, SourceGroup: m.SourceGroup,
		Confidence: m.Confidence, AccessCount: m.AccessCount,
		CreatedAt: m.CreatedAt.Format(rfc3339NanoLayout), UpdatedAt: m.UpdatedAt.Format(rfc3339NanoLayout),
		SupersededBy: m.SupersededBy, Metadata: m.Metadata,
	}
	if m.LastAccessed != nil {
		s := m.LastAccessed.Format(rfc3339NanoLayout)
		em.LastAccessed = &s
	}
	return em
}

// Import replays an export bundle onto this store, preserving ids and
// re-embedding every memory's content against the currently configured
// model. Memories are imported before relations so relation endpoints
// always already exist.
func (e *Engine) Import(ctx context.Context, data []byte) error {
	var bundle ExportBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("%w: malformed export bundle: %s", types.ErrInvalidInput, err)
	}

	for _, em := range bundle.Memories {
		createdAt, err := parseExportTime(em.CreatedAt)
		if err != nil {
			return fmt.Errorf("%w: memory %s: created_at: %s", types.ErrInvalidInput, em.ID, err)
		}
		updatedAt, err := parseExportTime(em.UpdatedAt)
		if err != nil {
			return fmt.Errorf("%w: memory %s: updated_at: %s", types.ErrInvalidInput, em.ID, err)
		}
		var lastAccessed *time.Time
		if em.LastAccessed != nil {
			t, err := parseExportTime(*em.LastAccessed)
			if err != nil {
				return fmt.Errorf("%w: memory %s: last_accessed: %s", types.ErrInvalidInput, em.ID, err)
			}
			lastAccessed = &t
		}

		vec, err := e.embedder.Embed(ctx, em.Content)
		if err != nil {
			return fmt.Errorf("import: embed memory %s: %w", em.ID, err)
		}

		if err := e.store.ImportMemory(ctx, store.ImportMemoryParams{
			ID: em.ID, Type: em.Type, Content: em.Content, Scope: em.Scope, SourceGroup: em.SourceGroup,
			Confidence: em.Confidence, AccessCount: em.AccessCount, CreatedAt: createdAt, UpdatedAt: updatedAt,
			LastAccessed: lastAccessed, SupersededBy: em.SupersededBy, Metadata: em.Metadata, Embedding: vec,
		}); err != nil {
			return fmt.Errorf("import: memory %s: %w", em.ID, err)
		}
	}

	for _, er := range bundle.Relations {
		createdAt, err := parseExportTime(er.CreatedAt)
		if err != nil {
			return fmt.Errorf("%w: relation %s: created_at: %s", types.ErrInvalidInput, er.ID, err)
		}
		if err := e.store.ImportRelation(ctx, er.ID, er.SubjectID, er.Predicate, er.ObjectID, createdAt); err != nil {
			return fmt.Errorf("import: relation %s: %w", er.ID, err)
		}
	}

	return nil
}
