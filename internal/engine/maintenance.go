package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loci-mem/loci/internal/embed"
	"github.com/loci-mem/loci/internal/store"
	"github.com/loci-mem/loci/pkg/types"
)

// DecayResult reports how many live rows had their confidence multiplied by
// the per-type factor in one decay pass.
type DecayResult struct {
	UpdatedByType map[types.MemoryType]int `json:"updated_by_type"`
}

// CompactionGroup is one (source_group, ISO-week) cluster of aged episodic
// memories folded into a single summary.
type CompactionGroup struct {
	SourceGroup string   `json:"source_group"`
	ISOWeek     string   `json:"iso_week"`
	SummaryID   string   `json:"summary_id"`
	MemberIDs   []string `json:"member_ids"`
}

// CompactResult reports every group the compaction pass summarized.
type CompactResult struct {
	Groups []CompactionGroup `json:"groups,omitempty"`
}

// Promotion is one semantic memory created from a cluster of similar
// episodics.
type Promotion struct {
	SemanticID  string   `json:"semantic_id"`
	SourceIDs   []string `json:"source_ids"`
	ClusterSize int      `json:"cluster_size"`
}

// PromoteResult reports every promotion the pass created.
type PromoteResult struct {
	Promotions []Promotion `json:"promotions,omitempty"`
}

// MaintenanceResult bundles the three ordered passes run by RunMaintenance.
// RunID lets an operator correlate this pass's audit entries (each stamped
// with the same run_id) across the decay/compact/promote boundary.
type MaintenanceResult struct {
	RunID   string        `json:"run_id"`
	Decay   DecayResult   `json:"decay"`
	Compact CompactResult `json:"compact"`
	Promote PromoteResult `json:"promote"`
}

// CleanupCandidate is one stale, low-confidence memory considered for
// removal.
type CleanupCandidate struct {
	ID      string           `json:"id"`
	Type    types.MemoryType `json:"type"`
	Preview string           `json:"preview"`
}

// CleanupResult reports the candidates found (dry-run) or removed (live
// run) by a cleanup pass.
type CleanupResult struct {
	RunID      string             `json:"run_id"`
	DryRun     bool               `json:"dry_run"`
	Candidates []CleanupCandidate `json:"candidates,omitempty"`
}

// errMaintenanceRateLimited is returned when a maintenance call arrives
// before the configured minimum interval has elapsed since the previous
// one.
var errMaintenanceRateLimited = fmt.Errorf("%w: maintenance pass requested before the configured minimum interval elapsed", types.ErrConflict)

// RunMaintenance executes decay, then compaction, then promotion, in that
// order, each in its own set of transactions. Cleanup is a separate call.
// Safe to re-run.
func (e *Engine) RunMaintenance(ctx context.Context) (*MaintenanceResult, error) {
	if !e.maintenanceLimiter.Allow() {
		return nil, errMaintenanceRateLimited
	}

	runID := uuid.NewString()

	decay, err := e.decayPass(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("maintenance: decay: %w", err)
	}

	compact, err := e.compactPass(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("maintenance: compact: %w", err)
	}

	promote, err := e.promotePass(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("maintenance: promote: %w", err)
	}

	return &MaintenanceResult{RunID: runID, Decay: *decay, Compact: *compact, Promote: *promote}, nil
}

// decayPass multiplies every live memory's confidence by its type's decay
// factor and clamps the result, auditing one batched entry per type.
func (e *Engine) decayPass(ctx context.Context, runID string) (*DecayResult, error) {
	result := &DecayResult{UpdatedByType: map[types.MemoryType]int{}}
	factors := e.cfg.DecayFactors()

	for _, memType := range []types.MemoryType{types.Episodic, types.Semantic, types.Procedural, types.Entity} {
		live, err := e.store.ListLive(ctx, memType)
		if err != nil {
			return nil, err
		}
		if len(live) == 0 {
			continue
		}

		factor := memType.DecayFactor(factors)
		changes := make([]map[string]any, 0, len(live))
		for _, m := range live {
			oldConf := m.Confidence
			newConf := types.ClampConfidence(oldConf * factor)
			if err := e.store.SetConfidence(ctx, m.ID, newConf); err != nil {
				return nil, err
			}
			changes = append(changes, map[string]any{"id": m.ID, "old": oldConf, "new": newConf})
		}

		if err := e.store.InsertAudit(ctx, types.AuditDecay, "", map[string]any{
			"run_id": runID, "type": string(memType), "count": len(changes), "changes": changes,
		}); err != nil {
			return nil, err
		}
		result.UpdatedByType[memType] = len(changes)
	}

	return result, nil
}

const compactionSummaryMaxBytes = 4096

// compactPass folds aged, unsuperseded episodic memories into one
// deterministic summary per (source_group, ISO-week) group of sufficient
// size. No LLM summarizer is invoked: concatenation and truncation only.
func (e *Engine) compactPass(ctx context.Context, runID string) (*CompactResult, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -e.cfg.Maintenance.CompactionAgeDays)

	aged, err := e.store.ListLiveOlderThan(ctx, types.Episodic, cutoff)
	if err != nil {
		return nil, err
	}

	groups := map[string][]*types.Memory{}
	var order []string
	for _, m := range aged {
		key := compactionGroupKey(m)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	result := &CompactResult{}
	for _, key := range order {
		members := groups[key]
		if len(members) < e.cfg.Maintenance.CompactionMinGroupSize {
			continue
		}

		summaryID, err := e.compactGroup(ctx, members, runID)
		if err != nil {
			return nil, err
		}

		memberIDs := make([]string, len(members))
		for i, m := range members {
			memberIDs[i] = m.ID
		}

		sourceGroup, isoWeek := splitCompactionGroupKey(key)
		result.Groups = append(result.Groups, CompactionGroup{
			SourceGroup: sourceGroup, ISOWeek: isoWeek, SummaryID: summaryID, MemberIDs: memberIDs,
		})
	}

	return result, nil
}

// compactionGroupKey groups by (source_group, ISO-week-of-created_at).
func compactionGroupKey(m *types.Memory) string {
	year, week := m.CreatedAt.ISOWeek()
	return fmt.Sprintf("%s\x00%04d-W%02d", m.SourceGroup, year, week)
}

func splitCompactionGroupKey(key string) (sourceGroup, isoWeek string) {
	parts := strings.SplitN(key, "\x00", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

// compactGroup creates the summary memory for one group, supersedes every
// member with it, and audits the compaction.
func (e *Engine) compactGroup(ctx context.Context, members []*types.Memory, runID string) (string, error) {
	contents := make([]string, len(members))
	maxConfidence := 0.0
	latestCreatedAt := members[0].CreatedAt
	embeddings := make([][]float32, 0, len(members))

	for i, m := range members {
		contents[i] = m.Content
		if m.Confidence > maxConfidence {
			maxConfidence = m.Confidence
		}
		if m.CreatedAt.After(latestCreatedAt) {
			latestCreatedAt = m.CreatedAt
		}
		vec, err := e.store.GetEmbedding(ctx, m.ID)
		if err != nil {
			return "", err
		}
		embeddings = append(embeddings, vec)
	}

	summaryContent := truncateSummary(strings.Join(contents, "\n\n"), compactionSummaryMaxBytes)
	summaryEmbedding := embed.Normalize(meanVector(embeddings))

	created, err := e.store.CreateMemory(ctx, store.CreateMemoryParams{
		Type:        types.Episodic,
		Content:     summaryContent,
		Scope:       types.ScopeGroup,
		SourceGroup: members[0].SourceGroup,
		Confidence:  maxConfidence,
		Metadata:    map[string]any{"summary": true},
		Embedding:   summaryEmbedding,
		CreatedAt:   latestCreatedAt,
		RunID:       runID,
	})
	if err != nil {
		return "", err
	}

	memberIDs := make([]string, len(members))
	for i, m := range members {
		memberIDs[i] = m.ID
		if err := e.store.Supersede(ctx, m.ID, created.ID, ""); err != nil {
			return "", err
		}
	}

	if err := e.store.InsertAudit(ctx, types.AuditCompact, created.ID, map[string]any{
		"run_id": runID, "member_ids": memberIDs, "new_id": created.ID,
	}); err != nil {
		return "", err
	}

	return created.ID, nil
}

// truncateSummary bounds s to at most n bytes, appending an ellipsis marker
// when truncated, cutting on a rune boundary.
func truncateSummary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const ellipsis = "…"
	cut := n - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	r := []rune(s)
	total := 0
	for i, ch := range r {
		sz := len(string(ch))
		if total+sz > cut {
			return string(r[:i]) + ellipsis
		}
		total += sz
	}
	return s
}

// meanVector averages a set of equal-length vectors; embed.Normalize is
// applied by the caller to restore unit length.
func meanVector(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	sum := make([]float64, dim)
	for _, v := range vecs {
		for i := 0; i < dim && i < len(v); i++ {
			sum[i] += float64(v[i])
		}
	}
	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / float64(len(vecs)))
	}
	return out
}

// promotePass clusters live episodic memories by embedding similarity,
// ordered by descending access_count, and creates a new semantic memory per
// cluster that reaches the configured threshold, without superseding the
// source episodics.
func (e *Engine) promotePass(ctx context.Context, runID string) (*PromoteResult, error) {
	live, err := e.store.ListLive(ctx, types.Episodic)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return &PromoteResult{}, nil
	}

	sort.SliceStable(live, func(i, j int) bool { return live[i].AccessCount > live[j].AccessCount })

	type candidate struct {
		mem *types.Memory
		vec []float32
	}
	candidates := make([]candidate, 0, len(live))
	for _, m := range live {
		vec, err := e.store.GetEmbedding(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{mem: m, vec: vec})
	}

	clustered := map[string]bool{}
	result := &PromoteResult{}

	for i, seed := range candidates {
		if clustered[seed.mem.ID] {
			continue
		}

		cluster := []candidate{seed}
		for j := i + 1; j < len(candidates); j++ {
			other := candidates[j]
			if clustered[other.mem.ID] {
				continue
			}
			if embed.Cosine(seed.vec, other.vec) >= e.cfg.Maintenance.PromotionSimilarity {
				cluster = append(cluster, other)
			}
		}

		if len(cluster) < e.cfg.Maintenance.PromotionThreshold {
			continue
		}

		ids := make([]string, len(cluster))
		for k, c := range cluster {
			ids[k] = c.mem.ID
			clustered[c.mem.ID] = true
		}

		vec, err := e.embedder.Embed(ctx, seed.mem.Content)
		if err != nil {
			return nil, err
		}

		created, err := e.store.CreateMemory(ctx, store.CreateMemoryParams{
			Type:        types.Semantic,
			Content:     seed.mem.Content,
			Scope:       types.ScopeGlobal,
			SourceGroup: seed.mem.SourceGroup,
			Confidence:  1.0,
			Metadata:    map[string]any{"promoted_from": ids, "cluster_size": len(ids)},
			Embedding:   vec,
			AuditReason: "promotion",
			RunID:       runID,
		})
		if err != nil {
			return nil, err
		}

		result.Promotions = append(result.Promotions, Promotion{SemanticID: created.ID, SourceIDs: ids, ClusterSize: len(ids)})
	}

	return result, nil
}

// Cleanup hard-deletes (or, in dry-run mode, merely reports) live memories
// whose confidence has decayed below the floor and which have not been
// accessed recently, run on demand and separately from RunMaintenance.
func (e *Engine) Cleanup(ctx context.Context, dryRun bool) (*CleanupResult, error) {
	if !e.maintenanceLimiter.Allow() {
		return nil, errMaintenanceRateLimited
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -e.cfg.Maintenance.CleanupNoAccessDays)
	stale, err := e.store.StaleCandidates(ctx, e.cfg.Maintenance.CleanupConfidenceFloor, cutoff)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{RunID: uuid.NewString(), DryRun: dryRun}
	for _, m := range stale {
		result.Candidates = append(result.Candidates, CleanupCandidate{
			ID: m.ID, Type: m.Type, Preview: types.Preview(m.Content, previewChars),
		})
		if dryRun {
			continue
		}
		if err := e.store.HardDelete(ctx, m.ID); err != nil {
			return nil, err
		}
	}

	return result, nil
}
