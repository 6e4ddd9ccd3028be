package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loci-mem/loci/internal/engine"
	"github.com/loci-mem/loci/pkg/types"
)

const protocolVersion = "2024-11-05"

// Server dispatches JSON-RPC requests to the Memory Engine's six core
// operations plus the operator-only restore_memory helper.
// It holds no per-request state; HandleRequest is safe to call concurrently
// for as many connections as the transport wants to serve, though the
// stdio transport here only ever drives one at a time.
type Server struct {
	eng     *engine.Engine
	version string
}

// NewServer wires a Server to an already-open Engine.
func NewServer(eng *engine.Engine, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{eng: eng, version: version}
}

// HandleRequest dispatches one JSON-RPC request and returns its response.
// Never returns an error itself — all failures are encoded into the
// returned response's Error field, matching JSON-RPC 2.0.
func (s *Server) HandleRequest(ctx context.Context, req JSONRPCRequest) JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.reply(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    ToolsCapabilities{Tools: &struct{}{}},
			ServerInfo:      ServerInfo{Name: "loci", Version: s.version},
		}, nil)

	case "tools/list":
		return s.reply(req.ID, toolsListResult{Tools: buildToolList()}, nil)

	case "tools/call":
		return s.handleToolsCall(ctx, req)

	default:
		return s.reply(req.ID, nil, &JSONRPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)})
	}
}

func (s *Server) reply(id any, result any, rpcErr *JSONRPCError) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
}

func (s *Server) handleToolsCall(ctx context.Context, req JSONRPCRequest) JSONRPCResponse {
	var call toolsCallParams
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return s.reply(req.ID, nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "malformed tools/call params: " + err.Error()})
	}

	result, err := s.dispatchTool(ctx, call.Name, call.Arguments)
	if err != nil {
		return s.reply(req.ID, toolsCallResult{
			Content: []contentBlock{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return s.reply(req.ID, nil, &JSONRPCError{Code: ErrCodeInternalError, Message: "marshal result: " + err.Error()})
	}

	return s.reply(req.ID, toolsCallResult{Content: []contentBlock{{Type: "text", Text: string(payload)}}}, nil)
}

// dispatchTool re-marshals the raw JSON arguments into each tool's typed
// request struct (the same bridge an MCP-style tool server uses to turn
// untyped arguments into calls against a typed engine), then calls the
// matching Engine method.
func (s *Server) dispatchTool(ctx context.Context, name string, rawArgs json.RawMessage) (any, error) {
	switch name {
	case "store_memory":
		var args storeMemoryArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidInput, err)
		}
		return s.eng.StoreMemory(ctx, engine.StoreParams{
			Content: args.Content, Type: types.MemoryType(args.Type), Scope: types.Scope(args.Scope),
			Group: args.Group, Metadata: args.Metadata, Supersedes: args.Supersedes, Confidence: args.Confidence,
		})

	case "recall_memory":
		var args recallMemoryArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidInput, err)
		}
		return s.eng.RecallMemory(ctx, engine.RecallParams{
			Query: args.Query, IDs: args.IDs, Type: types.MemoryType(args.Type), Scope: types.Scope(args.Scope),
			Group: args.Group, MaxResults: args.MaxResults, SummaryOnly: args.SummaryOnly,
			TokenBudget: args.TokenBudget, MinConfidence: args.MinConfidence,
		})

	case "forget_memory":
		var args forgetMemoryArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidInput, err)
		}
		return s.eng.ForgetMemory(ctx, engine.ForgetParams{
			MemoryID: args.MemoryID, Reason: args.Reason, HardDelete: args.HardDelete,
		})

	case "store_relation":
		var args storeRelationArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidInput, err)
		}
		id, err := s.eng.StoreRelation(ctx, engine.StoreRelationParams{
			SubjectID: args.SubjectID, Predicate: args.Predicate, ObjectID: args.ObjectID,
		})
		if err != nil {
			return nil, err
		}
		return struct {
			ID string `json:"id"`
		}{ID: id}, nil

	case "memory_inspect":
		var args memoryInspectArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidInput, err)
		}
		return s.eng.MemoryInspect(ctx, engine.InspectParams{
			MemoryID: args.MemoryID, IncludeRelations: args.IncludeRelations, IncludeLog: args.IncludeLog,
		})

	case "memory_stats":
		var args memoryStatsArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidInput, err)
		}
		return s.eng.MemoryStats(ctx, args.Group)

	case "restore_memory":
		var args restoreMemoryArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidInput, err)
		}
		return s.eng.RestoreMemory(ctx, args.MemoryID)

	default:
		return nil, fmt.Errorf("%w: unknown tool %q", types.ErrInvalidInput, name)
	}
}

// buildToolList describes the seven tools (the six core tools plus
// restore_memory) for a tools/list response.
func buildToolList() []Tool {
	return []Tool{
		{
			Name:        "store_memory",
			Description: "Store a new memory, deduplicating against near-identical existing memories of the same type.",
			InputSchema: objectSchema([]string{"content", "type"}, map[string]any{
				"content":    stringProp("the memory's textual content"),
				"type":       stringProp("one of episodic, semantic, procedural, entity"),
				"scope":      stringProp("global or group; defaults to the type's default scope"),
				"group":      stringProp("source group; defaults to the configured default group"),
				"metadata":   map[string]any{"type": "object", "description": "type-specific metadata fields"},
				"supersedes": stringProp("id of an existing memory this one replaces"),
				"confidence": map[string]any{"type": "number", "description": "initial confidence, 0..1, default 1.0"},
			}),
		},
		{
			Name:        "recall_memory",
			Description: "Search memories by query (hybrid keyword+vector) or hydrate a specific list of ids.",
			InputSchema: objectSchema(nil, map[string]any{
				"query":          stringProp("search text; mutually exclusive with ids"),
				"ids":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "ids to hydrate; mutually exclusive with query"},
				"type":           stringProp("filter to one memory type"),
				"scope":          stringProp("filter to one scope"),
				"group":          stringProp("filter to one source group"),
				"max_results":    map[string]any{"type": "integer", "description": "1..20, default from config"},
				"summary_only":   map[string]any{"type": "boolean", "description": "return previews instead of full content"},
				"token_budget":   map[string]any{"type": "integer", "description": "approximate token ceiling for the response"},
				"min_confidence": map[string]any{"type": "number", "description": "drop results below this confidence"},
			}),
		},
		{
			Name:        "forget_memory",
			Description: "Soft-delete (default) or permanently hard-delete a memory by id. Idempotent.",
			InputSchema: objectSchema([]string{"memory_id"}, map[string]any{
				"memory_id":   stringProp("id of the memory to forget"),
				"reason":      stringProp("optional free-text reason, recorded in the audit log of a soft forget; a hard delete does not record it"),
				"hard_delete": map[string]any{"type": "boolean", "description": "permanently remove the row instead of soft-superseding it"},
			}),
		},
		{
			Name:        "store_relation",
			Description: "Create a subject-predicate-object relation between two live entity memories.",
			InputSchema: objectSchema([]string{"subject_id", "predicate", "object_id"}, map[string]any{
				"subject_id": stringProp("id of the subject entity memory"),
				"predicate":  stringProp("relation predicate, e.g. works_at"),
				"object_id":  stringProp("id of the object entity memory"),
			}),
		},
		{
			Name:        "memory_inspect",
			Description: "Fetch a single memory in full, optionally with its one-hop relations and audit trail.",
			InputSchema: objectSchema([]string{"memory_id"}, map[string]any{
				"memory_id":         stringProp("id of the memory to inspect"),
				"include_relations": map[string]any{"type": "boolean", "description": "include one-hop relations"},
				"include_log":       map[string]any{"type": "boolean", "description": "include the audit trail"},
			}),
		},
		{
			Name:        "memory_stats",
			Description: "Return corpus-wide counters, optionally scoped to one source group.",
			InputSchema: objectSchema(nil, map[string]any{
				"group": stringProp("restrict counters to this source group"),
			}),
		},
		{
			Name:        "restore_memory",
			Description: "Operator-only: clear a forgotten tombstone, undoing a soft forget_memory call.",
			InputSchema: objectSchema([]string{"memory_id"}, map[string]any{
				"memory_id": stringProp("id of the forgotten memory to restore"),
			}),
		},
	}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func objectSchema(required []string, properties map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
