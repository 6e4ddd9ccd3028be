package engine

import (
	"context"

	"github.com/loci-mem/loci/pkg/types"
)

// StatsResult is the response shape of MemoryStats.
type StatsResult struct {
	Total           int                      `json:"total"`
	Live            int                      `json:"live"`
	Superseded      int                      `json:"superseded"`
	Forgotten       int                      `json:"forgotten"`
	ByType          map[types.MemoryType]int `json:"by_type"`
	ByScope         map[types.Scope]int      `json:"by_scope"`
	RelationCount   int                      `json:"relation_count"`
	StoreFileBytes  int64                    `json:"store_file_bytes"`
	OldestCreatedAt *string                  `json:"oldest_created_at,omitempty"`
	NewestCreatedAt *string                  `json:"newest_created_at,omitempty"`
}

// MemoryStats aggregates corpus-wide counters, optionally scoped to one
// source_group.
func (e *Engine) MemoryStats(ctx context.Context, group string) (*StatsResult, error) {
	st, err := e.store.ComputeStats(ctx, group)
	if err != nil {
		return nil, err
	}

	result := &StatsResult{
		Total:          st.LiveCount + st.SupersededCount + st.ForgottenCount,
		Live:           st.LiveCount,
		Superseded:     st.SupersededCount,
		Forgotten:      st.ForgottenCount,
		ByType:         st.TotalByType,
		ByScope:        st.TotalByScope,
		RelationCount:  st.RelationCount,
		StoreFileBytes: e.store.FileSizeBytes(e.cfg.Storage.DBPath),
	}
	if st.OldestCreatedAt != nil {
		s := st.OldestCreatedAt.Format(rfc3339NanoLayout)
		result.OldestCreatedAt = &s
	}
	if st.NewestCreatedAt != nil {
		s := st.NewestCreatedAt.Format(rfc3339NanoLayout)
		result.NewestCreatedAt = &s
	}
	return result, nil
}

const rfc3339NanoLayout = "2006-01-02T15:04:05.999999999Z07:00"
