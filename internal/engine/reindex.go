package engine

import (
	"context"
	"fmt"
)

// ReindexResult reports how many memories were re-embedded.
type ReindexResult struct {
	Reembedded int `json:"reembedded"`
}

// Reindex re-computes the embedding for every live memory against the
// currently configured model and records the model name/dimension in
// index_meta — the offline recovery path for a dimension or model mismatch
// detected on Open. Superseded and forgotten rows are left untouched since
// they are never searched.
func (e *Engine) Reindex(ctx context.Context) (*ReindexResult, error) {
	live, err := e.store.ListLive(ctx, "")
	if err != nil {
		return nil, err
	}

	for _, m := range live {
		vec, err := e.embedder.Embed(ctx, m.Content)
		if err != nil {
			return nil, fmt.Errorf("reindex: embed memory %s: %w", m.ID, err)
		}
		if err := e.store.ReplaceEmbedding(ctx, m.ID, vec); err != nil {
			return nil, fmt.Errorf("reindex: memory %s: %w", m.ID, err)
		}
	}

	if err := e.store.SetIndexModel(ctx, e.embedder.ModelName(), e.embedder.Dim()); err != nil {
		return nil, err
	}

	return &ReindexResult{Reembedded: len(live)}, nil
}
