package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loci-mem/loci/pkg/types"
)

func TestForgetMemorySoftDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	stored, err := e.StoreMemory(ctx, StoreParams{Content: "a secret meeting note", Type: types.Episodic})
	require.NoError(t, err)

	_, err = e.ForgetMemory(ctx, ForgetParams{MemoryID: stored.ID})
	require.NoError(t, err)

	m, err := e.store.GetMemory(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, m.IsForgotten())

	result, err := e.ForgetMemory(ctx, ForgetParams{MemoryID: stored.ID})
	require.NoError(t, err)
	assert.False(t, result.NotFound)
}

func TestForgetMemoryHardDeleteRemovesRow(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	stored, err := e.StoreMemory(ctx, StoreParams{Content: "a secret meeting note", Type: types.Episodic})
	require.NoError(t, err)

	_, err = e.ForgetMemory(ctx, ForgetParams{MemoryID: stored.ID, HardDelete: true})
	require.NoError(t, err)

	_, err = e.store.GetMemory(ctx, stored.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestForgetMemoryUnknownIDReportsNotFound(t *testing.T) {
	e := buildEngine(t)
	result, err := e.ForgetMemory(context.Background(), ForgetParams{MemoryID: "does-not-exist"})
	require.NoError(t, err)
	assert.True(t, result.NotFound)
}

func TestRestoreMemoryUndoesSoftForget(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	stored, err := e.StoreMemory(ctx, StoreParams{Content: "a secret meeting note", Type: types.Episodic})
	require.NoError(t, err)

	_, err = e.ForgetMemory(ctx, ForgetParams{MemoryID: stored.ID})
	require.NoError(t, err)

	restoreResult, err := e.RestoreMemory(ctx, stored.ID)
	require.NoError(t, err)
	assert.False(t, restoreResult.NotFound)

	m, err := e.store.GetMemory(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, m.IsLive())
}

func TestRestoreMemoryNoopWhenNotForgotten(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	stored, err := e.StoreMemory(ctx, StoreParams{Content: "still here", Type: types.Episodic})
	require.NoError(t, err)

	result, err := e.RestoreMemory(ctx, stored.ID)
	require.NoError(t, err)
	assert.False(t, result.NotFound)

	m, err := e.store.GetMemory(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, m.IsLive())
}

func TestStoreRelationRequiresLiveEntities(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	entity, err := e.StoreMemory(ctx, StoreParams{Content: "Alice", Type: types.Entity})
	require.NoError(t, err)
	fact, err := e.StoreMemory(ctx, StoreParams{Content: "some fact", Type: types.Semantic})
	require.NoError(t, err)

	_, err = e.StoreRelation(ctx, StoreRelationParams{SubjectID: entity.ID, Predicate: "knows", ObjectID: fact.ID})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestStoreRelationIdempotentOnTriple(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	alice, err := e.StoreMemory(ctx, StoreParams{Content: "Alice", Type: types.Entity})
	require.NoError(t, err)
	bob, err := e.StoreMemory(ctx, StoreParams{Content: "Bob", Type: types.Entity})
	require.NoError(t, err)

	id1, err := e.StoreRelation(ctx, StoreRelationParams{SubjectID: alice.ID, Predicate: "knows", ObjectID: bob.ID})
	require.NoError(t, err)
	id2, err := e.StoreRelation(ctx, StoreRelationParams{SubjectID: alice.ID, Predicate: "knows", ObjectID: bob.ID})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestMemoryInspectFailsOnUnknownID(t *testing.T) {
	e := buildEngine(t)
	_, err := e.MemoryInspect(context.Background(), InspectParams{MemoryID: "does-not-exist"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemoryInspectEvolutionChainFollowsSupersession(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	v1, err := e.StoreMemory(ctx, StoreParams{Content: "user's theme: dark mode", Type: types.Semantic})
	require.NoError(t, err)
	v2, err := e.StoreMemory(ctx, StoreParams{Content: "user's theme: light mode", Type: types.Semantic, Supersedes: v1.ID})
	require.NoError(t, err)

	result, err := e.MemoryInspect(ctx, InspectParams{MemoryID: v1.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{v1.ID, v2.ID}, result.EvolutionChain)
}

func TestMemoryStatsCountsByState(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	live, err := e.StoreMemory(ctx, StoreParams{Content: "a", Type: types.Semantic})
	require.NoError(t, err)
	forgotten, err := e.StoreMemory(ctx, StoreParams{Content: "b", Type: types.Semantic})
	require.NoError(t, err)
	_, err = e.ForgetMemory(ctx, ForgetParams{MemoryID: forgotten.ID})
	require.NoError(t, err)

	stats, err := e.MemoryStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, 1, stats.Forgotten)
	assert.Contains(t, []string{live.ID}, live.ID)
}
