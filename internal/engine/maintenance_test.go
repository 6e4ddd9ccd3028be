package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loci-mem/loci/internal/config"
	"github.com/loci-mem/loci/internal/embed"
	"github.com/loci-mem/loci/internal/store"
	"github.com/loci-mem/loci/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	emb, err := embed.New(embed.Options{Model: embed.NewHashingModel(16)})
	require.NoError(t, err)

	dsn := filepath.Join(t.TempDir(), "memory.db")
	st, err := store.Open(dsn, emb.ModelName(), emb.Dim())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Maintenance.MinIntervalSeconds = 0
	cfg.Maintenance.CompactionAgeDays = 3650
	cfg.Maintenance.CompactionMinGroupSize = 2
	cfg.Maintenance.PromotionThreshold = 2
	cfg.Maintenance.PromotionSimilarity = 0.0
	cfg.Maintenance.CleanupConfidenceFloor = 0.5
	cfg.Maintenance.CleanupNoAccessDays = 0

	return New(st, emb, cfg)
}

func storeSeed(t *testing.T, e *Engine, content string, memType types.MemoryType, createdAt time.Time) *types.Memory {
	t.Helper()
	ctx := context.Background()

	vec, err := e.embedder.Embed(ctx, content)
	require.NoError(t, err)

	m, err := e.store.CreateMemory(ctx, store.CreateMemoryParams{
		Type: memType, Content: content, Scope: memType.DefaultScope(),
		SourceGroup: "default", Confidence: 0.9, Embedding: vec, CreatedAt: createdAt,
	})
	require.NoError(t, err)
	return m
}

func TestRunMaintenanceDecaysConfidence(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seeded := storeSeed(t, e, "user prefers dark mode", types.Semantic, time.Now().UTC())

	result, err := e.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 1, result.Decay.UpdatedByType[types.Semantic])

	after, err := e.store.GetMemory(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Less(t, after.Confidence, seeded.Confidence)
}

func TestRunMaintenanceCompactsAgedEpisodics(t *testing.T) {
	emb, err := embed.New(embed.Options{Model: embed.NewHashingModel(16)})
	require.NoError(t, err)

	dsn := filepath.Join(t.TempDir(), "memory.db")
	st, err := store.Open(dsn, emb.ModelName(), emb.Dim())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Maintenance.MinIntervalSeconds = 0
	cfg.Maintenance.CompactionAgeDays = 30
	cfg.Maintenance.CompactionMinGroupSize = 2
	cfg.Maintenance.PromotionThreshold = 2
	e := New(st, emb, cfg)

	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -60)
	a := storeSeed(t, e, "met with alice about the roadmap", types.Episodic, old)
	b := storeSeed(t, e, "met with alice again about the roadmap", types.Episodic, old.Add(time.Hour))

	result, err := e.RunMaintenance(ctx)
	require.NoError(t, err)
	require.Len(t, result.Compact.Groups, 1)
	group := result.Compact.Groups[0]
	assert.ElementsMatch(t, []string{a.ID, b.ID}, group.MemberIDs)

	aAfter, err := e.store.GetMemory(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, group.SummaryID, aAfter.SupersededBy)

	summary, err := e.store.GetMemory(ctx, group.SummaryID)
	require.NoError(t, err)
	assert.True(t, summary.IsLive())
	assert.Contains(t, summary.Content, "alice")
}

func TestRunMaintenancePromotesWithoutSuperseding(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	now := time.Now().UTC()
	a := storeSeed(t, e, "loves hiking on weekends", types.Episodic, now)
	b := storeSeed(t, e, "loves hiking on weekends", types.Episodic, now)
	// Bump access so these outrank any other episodics in the ordering.
	require.NoError(t, e.store.BumpAccess(ctx, a.ID))
	require.NoError(t, e.store.BumpAccess(ctx, b.ID))

	result, err := e.RunMaintenance(ctx)
	require.NoError(t, err)
	require.Len(t, result.Promote.Promotions, 1)
	promo := result.Promote.Promotions[0]
	assert.ElementsMatch(t, []string{a.ID, b.ID}, promo.SourceIDs)

	aAfter, err := e.store.GetMemory(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, aAfter.IsLive(), "promotion must not supersede its sources")

	semantic, err := e.store.GetMemory(ctx, promo.SemanticID)
	require.NoError(t, err)
	assert.Equal(t, types.Semantic, semantic.Type)
}

func TestRunMaintenanceIsRateLimited(t *testing.T) {
	emb, err := embed.New(embed.Options{Model: embed.NewHashingModel(16)})
	require.NoError(t, err)

	dsn := filepath.Join(t.TempDir(), "memory.db")
	st, err := store.Open(dsn, emb.ModelName(), emb.Dim())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Maintenance.MinIntervalSeconds = 3600
	e := New(st, emb, cfg)

	ctx := context.Background()
	_, err = e.RunMaintenance(ctx)
	require.NoError(t, err)

	_, err = e.RunMaintenance(ctx)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestCleanupDryRunDoesNotDelete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	m := storeSeed(t, e, "a fact nobody will ever look up again", types.Semantic, time.Now().UTC())
	require.NoError(t, e.store.SetConfidence(ctx, m.ID, 0.01))

	result, err := e.Cleanup(ctx, true)
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, m.ID, result.Candidates[0].ID)

	still, err := e.store.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, still.IsLive())
}

func TestCleanupLiveRunDeletes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	m := storeSeed(t, e, "a fact nobody will ever look up again", types.Semantic, time.Now().UTC())
	require.NoError(t, e.store.SetConfidence(ctx, m.ID, 0.01))

	result, err := e.Cleanup(ctx, false)
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)

	_, err = e.store.GetMemory(ctx, m.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
