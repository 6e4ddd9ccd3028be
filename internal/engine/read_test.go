package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loci-mem/loci/internal/store"
	"github.com/loci-mem/loci/pkg/types"
)

func TestRecallMemoryRequiresQueryXorIDs(t *testing.T) {
	e := buildEngine(t)
	_, err := e.RecallMemory(context.Background(), RecallParams{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = e.RecallMemory(context.Background(), RecallParams{Query: "x", IDs: []string{"y"}})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRecallMemorySearchFindsStoredContent(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	stored, err := e.StoreMemory(ctx, StoreParams{Content: "the deployment pipeline uses GitHub Actions", Type: types.Semantic})
	require.NoError(t, err)

	result, err := e.RecallMemory(ctx, RecallParams{Query: "deployment pipeline GitHub Actions"})
	require.NoError(t, err)
	require.NotEmpty(t, result.Items)
	assert.Equal(t, stored.ID, result.Items[0].ID)
}

func TestRecallMemoryHydrateByIDsOmitsUnknown(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	stored, err := e.StoreMemory(ctx, StoreParams{Content: "project codename is Orion", Type: types.Semantic})
	require.NoError(t, err)

	result, err := e.RecallMemory(ctx, RecallParams{IDs: []string{stored.ID, "does-not-exist"}})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, stored.ID, result.Items[0].ID)
}

func TestRecallMemoryHybridRanksExactPhraseFirst(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	exact, err := e.StoreMemory(ctx, StoreParams{Content: "deployment pipeline uses buildkite", Type: types.Semantic})
	require.NoError(t, err)
	other, err := e.StoreMemory(ctx, StoreParams{Content: "the CI workflow is documented in README", Type: types.Semantic})
	require.NoError(t, err)

	result, err := e.RecallMemory(ctx, RecallParams{Query: "deployment pipeline"})
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	assert.Equal(t, exact.ID, result.Items[0].ID)
	assert.Equal(t, other.ID, result.Items[1].ID)
	for _, it := range result.Items {
		assert.Greater(t, it.Score, 0.0)
	}
}

func TestRecallMemoryScopeIsolation(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	grouped, err := e.StoreMemory(ctx, StoreParams{Content: "standup notes from sprint twelve", Type: types.Episodic, Group: "g1"})
	require.NoError(t, err)

	sameGroup, err := e.RecallMemory(ctx, RecallParams{Query: "standup notes sprint", Group: "g1"})
	require.NoError(t, err)
	require.Len(t, sameGroup.Items, 1)
	assert.Equal(t, grouped.ID, sameGroup.Items[0].ID)

	otherGroup, err := e.RecallMemory(ctx, RecallParams{Query: "standup notes sprint", Group: "g2"})
	require.NoError(t, err)
	assert.Empty(t, otherGroup.Items)
}

func TestRecallMemorySupersededRowsAreHidden(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	old, err := e.StoreMemory(ctx, StoreParams{Content: "theme: dark mode", Type: types.Semantic})
	require.NoError(t, err)
	updated, err := e.StoreMemory(ctx, StoreParams{Content: "theme: light mode", Type: types.Semantic, Supersedes: old.ID})
	require.NoError(t, err)

	result, err := e.RecallMemory(ctx, RecallParams{Query: "theme"})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, updated.ID, result.Items[0].ID)
}

func TestRecallMemoryHydrationTokenBudget(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	sentences := []string{
		"the quarterly planning doc lives in the shared drive ",
		"incident retrospectives are filed under the ops wiki ",
		"customer interview recordings sit in the research vault ",
	}
	var ids []string
	for _, s := range sentences {
		stored, err := e.StoreMemory(ctx, StoreParams{Content: strings.Repeat(s, 8), Type: types.Semantic})
		require.NoError(t, err)
		ids = append(ids, stored.ID)
	}

	result, err := e.RecallMemory(ctx, RecallParams{IDs: ids, TokenBudget: 150})
	require.NoError(t, err)
	require.Len(t, result.Items, 1, "only the first id fits a 150-token budget")
	assert.Equal(t, 3, result.TotalMatched)
	assert.LessOrEqual(t, result.TokenEstimate, 150)
}

func TestRecallMemoryBudgetAlwaysAdmitsTopItem(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	stored, err := e.StoreMemory(ctx, StoreParams{Content: strings.Repeat("x", 400), Type: types.Semantic})
	require.NoError(t, err)

	result, err := e.RecallMemory(ctx, RecallParams{IDs: []string{stored.ID}, TokenBudget: 1})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Greater(t, result.TokenEstimate, 1)
}

func TestRecallMemoryBumpsAccessOnReturnedItems(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	stored, err := e.StoreMemory(ctx, StoreParams{Content: "release cadence is every two weeks", Type: types.Semantic})
	require.NoError(t, err)

	_, err = e.RecallMemory(ctx, RecallParams{Query: "release cadence"})
	require.NoError(t, err)

	m, err := e.store.GetMemory(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.AccessCount)
	assert.NotNil(t, m.LastAccessed)
}

func TestFuseRRFImprovingVectorRankNeverHurts(t *testing.T) {
	kw := []store.RankedCandidate{{ID: "a", Rank: 1}, {ID: "b", Rank: 2}}

	worse := fuseRRF([]store.RankedCandidate{{ID: "b", Rank: 3}}, kw, 60)
	better := fuseRRF([]store.RankedCandidate{{ID: "b", Rank: 1}}, kw, 60)

	assert.Greater(t, better["b"], worse["b"])
	assert.Equal(t, worse["a"], better["a"])
}

func TestRecallMemoryRejectsOutOfRangeMaxResults(t *testing.T) {
	e := buildEngine(t)
	_, err := e.RecallMemory(context.Background(), RecallParams{Query: "x", MaxResults: 21})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRecallMemorySummaryOnlyOmitsContent(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	stored, err := e.StoreMemory(ctx, StoreParams{Content: "the staging database is read-only on Sundays", Type: types.Semantic})
	require.NoError(t, err)

	result, err := e.RecallMemory(ctx, RecallParams{IDs: []string{stored.ID}, SummaryOnly: true})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Empty(t, result.Items[0].Content)
	assert.NotEmpty(t, result.Items[0].Preview)
}
