package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loci-mem/loci/internal/config"
	"github.com/loci-mem/loci/internal/embed"
	"github.com/loci-mem/loci/internal/store"
	"github.com/loci-mem/loci/pkg/types"
)

func buildEngine(t *testing.T) *Engine {
	t.Helper()
	emb, err := embed.New(embed.Options{Model: embed.NewHashingModel(16)})
	require.NoError(t, err)
	dsn := filepath.Join(t.TempDir(), "memory.db")
	st, err := store.Open(dsn, emb.ModelName(), emb.Dim())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, emb, config.Default())
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := buildEngine(t)

	alice, err := src.StoreMemory(ctx, StoreParams{Content: "Alice", Type: types.Entity})
	require.NoError(t, err)
	bob, err := src.StoreMemory(ctx, StoreParams{Content: "Bob", Type: types.Entity})
	require.NoError(t, err)
	fact, err := src.StoreMemory(ctx, StoreParams{Content: "Alice works at Acme", Type: types.Semantic})
	require.NoError(t, err)
	relID, err := src.StoreRelation(ctx, StoreRelationParams{SubjectID: alice.ID, Predicate: "knows", ObjectID: bob.ID})
	require.NoError(t, err)

	bundle, err := src.Export(ctx)
	require.NoError(t, err)
	require.Len(t, bundle.Memories, 3)
	require.Len(t, bundle.Relations, 1)

	data, err := json.Marshal(bundle)
	require.NoError(t, err)

	dst := buildEngine(t)
	require.NoError(t, dst.Import(ctx, data))

	gotAlice, err := dst.MemoryInspect(ctx, InspectParams{MemoryID: alice.ID})
	require.NoError(t, err)
	assert.Equal(t, "Alice", gotAlice.Memory.Content)

	gotFact, err := dst.MemoryInspect(ctx, InspectParams{MemoryID: fact.ID})
	require.NoError(t, err)
	assert.Equal(t, "Alice works at Acme", gotFact.Memory.Content)

	stats, err := dst.MemoryStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Live)
	assert.Equal(t, 1, stats.RelationCount)

	relations, err := dst.MemoryInspect(ctx, InspectParams{MemoryID: alice.ID, IncludeRelations: true})
	require.NoError(t, err)
	require.Len(t, relations.Relations, 1)
	assert.Equal(t, relID, relations.Relations[0].RelationID)
}

func TestReindexRewritesEmbeddings(t *testing.T) {
	ctx := context.Background()
	e := buildEngine(t)

	m, err := e.StoreMemory(ctx, StoreParams{Content: "the office wifi password is on the whiteboard", Type: types.Episodic})
	require.NoError(t, err)

	before, err := e.store.GetEmbedding(ctx, m.ID)
	require.NoError(t, err)

	result, err := e.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reembedded)

	after, err := e.store.GetEmbedding(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
