package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loci-mem/loci/internal/config"
	"github.com/loci-mem/loci/internal/embed"
	"github.com/loci-mem/loci/internal/engine"
	"github.com/loci-mem/loci/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	emb, err := embed.New(embed.Options{Model: embed.NewHashingModel(16)})
	require.NoError(t, err)

	dsn := filepath.Join(t.TempDir(), "memory.db")
	st, err := store.Open(dsn, emb.ModelName(), emb.Dim())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := engine.New(st, emb, config.Default())
	return NewServer(eng, "test")
}

func call(t *testing.T, s *Server, method string, params any) JSONRPCResponse {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	return s.HandleRequest(context.Background(), JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: raw, ID: 1})
}

func TestInitialize(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "initialize", nil)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(InitializeResult)
	require.True(t, ok)
	assert.Equal(t, protocolVersion, result.ProtocolVersion)
}

func TestToolsList(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "tools/list", nil)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(toolsListResult)
	require.True(t, ok)
	assert.Len(t, result.Tools, 7)
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "bogus/method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestToolsCallStoreThenRecall(t *testing.T) {
	s := newTestServer(t)

	storeResp := call(t, s, "tools/call", map[string]any{
		"name": "store_memory",
		"arguments": map[string]any{
			"content": "the user prefers dark mode",
			"type":    "semantic",
		},
	})
	require.Nil(t, storeResp.Error)
	storeResult, ok := storeResp.Result.(toolsCallResult)
	require.True(t, ok)
	require.False(t, storeResult.IsError)

	var stored struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(storeResult.Content[0].Text), &stored))
	require.NotEmpty(t, stored.ID)

	recallResp := call(t, s, "tools/call", map[string]any{
		"name": "recall_memory",
		"arguments": map[string]any{
			"query": "dark mode preference",
		},
	})
	require.Nil(t, recallResp.Error)
	recallResult, ok := recallResp.Result.(toolsCallResult)
	require.True(t, ok)
	require.False(t, recallResult.IsError)
	assert.Contains(t, recallResult.Content[0].Text, stored.ID)
}

func TestToolsCallUnknownToolIsError(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "tools/call", map[string]any{
		"name":      "not_a_real_tool",
		"arguments": map[string]any{},
	})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(toolsCallResult)
	require.True(t, ok)
	assert.True(t, result.IsError)
}

func TestToolsCallMalformedParams(t *testing.T) {
	s := newTestServer(t)
	resp := s.HandleRequest(context.Background(), JSONRPCRequest{
		JSONRPC: "2.0", Method: "tools/call", Params: json.RawMessage(`{not json`), ID: 1,
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}
