package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/loci-mem/loci/internal/store"
	"github.com/loci-mem/loci/pkg/types"
)

// RecallParams is the input to RecallMemory. Exactly one of Query or IDs
// must be set; IDs takes hydration mode, Query takes search mode.
type RecallParams struct {
	Query string
	IDs   []string

	Type        types.MemoryType
	Scope       types.Scope
	Group       string
	MaxResults  int // 0 means "use config default"
	SummaryOnly bool
	TokenBudget int // 0 means "use config default for the chosen mode"

	// MinConfidence is a pointer so a caller can distinguish "not supplied"
	// (use config default) from an explicit 0.0, which float64's zero value
	// cannot express on its own.
	MinConfidence *float64
}

// RecallItem is one result row, in either summary or full shape depending
// on the request.
type RecallItem struct {
	ID         string           `json:"id"`
	Type       types.MemoryType `json:"type"`
	Content    string           `json:"content,omitempty"` // empty in summary mode
	Preview    string           `json:"preview,omitempty"` // only set in summary mode
	Confidence float64          `json:"confidence"`
	Score      float64          `json:"score"`
	CreatedAt  string           `json:"created_at"`
	UpdatedAt  string           `json:"updated_at"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

// RecallResult is the response shape of RecallMemory.
type RecallResult struct {
	Items         []RecallItem `json:"results"`
	TotalMatched  int          `json:"total_matched"`
	TokenEstimate int          `json:"token_estimate"`
}

const previewChars = 80

// RecallMemory implements both the hydration and search modes of the read
// path.
func (e *Engine) RecallMemory(ctx context.Context, p RecallParams) (*RecallResult, error) {
	hasQuery := p.Query != ""
	hasIDs := len(p.IDs) > 0
	if hasQuery == hasIDs {
		return nil, fmt.Errorf("%w: exactly one of query or ids must be provided", types.ErrInvalidInput)
	}

	maxResults := p.MaxResults
	if maxResults == 0 {
		maxResults = e.cfg.Retrieval.DefaultMaxResults
	}
	if maxResults < 1 || maxResults > 20 {
		return nil, fmt.Errorf("%w: max_results must be in 1..=20", types.ErrInvalidInput)
	}
	if p.Type != "" && !p.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown memory type %q", types.ErrInvalidInput, p.Type)
	}
	if p.Scope != "" && !p.Scope.IsValid() {
		return nil, fmt.Errorf("%w: unknown scope %q", types.ErrInvalidInput, p.Scope)
	}

	tokenBudget := p.TokenBudget
	if tokenBudget == 0 {
		if p.SummaryOnly {
			tokenBudget = e.cfg.Retrieval.PreloadTokenBudget
		} else {
			tokenBudget = e.cfg.Retrieval.RecallTokenBudget
		}
	}

	if hasIDs {
		return e.recallHydrate(ctx, p, maxResults, tokenBudget)
	}
	return e.recallSearch(ctx, p, maxResults, tokenBudget)
}

func (e *Engine) recallHydrate(ctx context.Context, p RecallParams, maxResults, tokenBudget int) (*RecallResult, error) {
	var items []RecallItem
	for _, id := range p.IDs {
		m, err := e.store.GetMemory(ctx, id)
		if err != nil {
			continue // unknown ids are silently omitted
		}
		if !m.IsLive() {
			continue
		}
		items = append(items, toRecallItem(m, 0, p.SummaryOnly))
	}

	// Hydration honors the token budget but not max_results: the caller
	// already chose exactly which ids to load.
	admitted, tokenEstimate := admitByBudget(items, tokenBudget, p.SummaryOnly)

	for _, it := range admitted {
		if err := e.store.BumpAccess(ctx, it.ID); err != nil {
			return nil, err
		}
	}

	return &RecallResult{Items: admitted, TotalMatched: len(items), TokenEstimate: tokenEstimate}, nil
}

func (e *Engine) recallSearch(ctx context.Context, p RecallParams, maxResults, tokenBudget int) (*RecallResult, error) {
	minConfidence := e.cfg.Retrieval.MinConfidence
	if p.MinConfidence != nil {
		minConfidence = *p.MinConfidence
	}

	group := e.resolveGroup(p.Group)

	eq, err := e.embedder.Embed(ctx, p.Query)
	if err != nil {
		return nil, err
	}

	k := maxResults * 4
	if k < 40 {
		k = 40
	}

	// The two lookups are independent; run them concurrently and join
	// before fusion.
	var (
		wg         sync.WaitGroup
		vecResults []store.RankedCandidate
		kwResults  []store.RankedCandidate
		vecErr     error
		kwErr      error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vecResults, vecErr = e.store.VectorSearch(ctx, eq, k)
	}()
	go func() {
		defer wg.Done()
		kwResults, kwErr = e.store.KeywordSearch(ctx, p.Query, k)
	}()
	wg.Wait()
	if vecErr != nil {
		return nil, fmt.Errorf("store: vector search: %w", vecErr)
	}
	if kwErr != nil {
		return nil, fmt.Errorf("store: keyword search: %w", kwErr)
	}

	fused := fuseRRF(vecResults, kwResults, e.cfg.Retrieval.RRFK)

	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}
	filtered, err := e.store.FetchForFilter(ctx, ids, store.MemoryFilter{Type: p.Type, Scope: p.Scope, Group: group, MinConfidence: minConfidence})
	if err != nil {
		return nil, err
	}

	var ranked []RecallItem
	for id, m := range filtered {
		ranked = append(ranked, toRecallItem(m, fused[id], p.SummaryOnly))
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].UpdatedAt != ranked[j].UpdatedAt {
			return ranked[i].UpdatedAt > ranked[j].UpdatedAt
		}
		return ranked[i].ID < ranked[j].ID
	})

	totalMatched := len(ranked)

	if len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}
	admitted, tokenEstimate := admitByBudget(ranked, tokenBudget, p.SummaryOnly)

	for _, it := range admitted {
		if err := e.store.BumpAccess(ctx, it.ID); err != nil {
			return nil, err
		}
	}

	return &RecallResult{Items: admitted, TotalMatched: totalMatched, TokenEstimate: tokenEstimate}, nil
}

// fuseRRF computes Reciprocal Rank Fusion scores: score(id) = sum of
// 1/(k+rank) across whichever of the two ranked lists the id appears in.
func fuseRRF(vec, kw []store.RankedCandidate, k int) map[string]float64 {
	scores := map[string]float64{}
	for _, c := range vec {
		scores[c.ID] += 1.0 / float64(k+c.Rank)
	}
	for _, c := range kw {
		scores[c.ID] += 1.0 / float64(k+c.Rank)
	}
	return scores
}

func toRecallItem(m *types.Memory, score float64, summaryOnly bool) RecallItem {
	item := RecallItem{
		ID: m.ID, Type: m.Type, Confidence: m.Confidence, Score: score,
		CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: m.UpdatedAt.Format(time.RFC3339Nano), Metadata: m.Metadata,
	}
	if summaryOnly {
		item.Preview = types.Preview(m.Content, previewChars)
	} else {
		item.Content = m.Content
	}
	return item
}

// admitByBudget walks items (already sorted by desired priority) and keeps
// admitting while the running token estimate stays within budget, always
// admitting at least the first item.
func admitByBudget(items []RecallItem, tokenBudget int, summaryOnly bool) ([]RecallItem, int) {
	if len(items) == 0 {
		return nil, 0
	}

	var admitted []RecallItem
	total := 0
	for i, it := range items {
		cost := itemTokenCost(it, summaryOnly)
		if i > 0 && total+cost > tokenBudget {
			break
		}
		admitted = append(admitted, it)
		total += cost
	}
	return admitted, total
}

func itemTokenCost(it RecallItem, summaryOnly bool) int {
	if summaryOnly {
		return 20
	}
	return int(math.Max(1, math.Ceil(float64(len(it.Content))/4)))
}
