package engine

import (
	"context"

	"github.com/loci-mem/loci/pkg/types"
)

// RelationView is one relation touching the inspected memory, from either
// direction, with just enough of the counterpart (id, type, 80-char
// preview) to be useful for display.
type RelationView struct {
	RelationID         string           `json:"relation_id"`
	Predicate          string           `json:"predicate"`
	Direction          string           `json:"direction"` // "outgoing" or "incoming"
	CounterpartID      string           `json:"counterpart_id"`
	CounterpartType    types.MemoryType `json:"counterpart_type"`
	CounterpartPreview string           `json:"counterpart_preview"`
}

// InspectParams is the input to MemoryInspect.
type InspectParams struct {
	MemoryID         string
	IncludeRelations bool
	IncludeLog       bool
}

// InspectResult is the response shape of MemoryInspect.
type InspectResult struct {
	Memory         *types.Memory      `json:"memory"`
	Relations      []RelationView     `json:"relations,omitempty"` // nil unless IncludeRelations
	AuditLog       []types.AuditEntry `json:"audit_log,omitempty"` // nil unless IncludeLog
	EvolutionChain []string           `json:"evolution_chain"`     // this memory's id, then each superseded_by hop forward, newest last
}

// maxEvolutionChainHops bounds the supersession-chain walk to prevent a
// cyclic superseded_by relationship (which should never exist, but a
// corrupted store shouldn't hang an inspect call) from looping forever.
const maxEvolutionChainHops = 50

// MemoryInspect returns the full memory plus, on request, its one-hop
// relations and audit trail. Unlike the other id-addressed operations, a
// missing id is an error here, not a {not_found: true} result.
func (e *Engine) MemoryInspect(ctx context.Context, p InspectParams) (*InspectResult, error) {
	m, err := e.store.GetMemory(ctx, p.MemoryID)
	if err != nil {
		return nil, err
	}

	result := &InspectResult{Memory: m}

	if p.IncludeRelations {
		rels, err := e.store.RelationsInvolving(ctx, p.MemoryID)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			view := RelationView{RelationID: r.ID, Predicate: r.Predicate}
			counterpartID := r.ObjectID
			view.Direction = "outgoing"
			if r.SubjectID != p.MemoryID {
				counterpartID = r.SubjectID
				view.Direction = "incoming"
			}
			view.CounterpartID = counterpartID

			if cp, err := e.store.GetMemory(ctx, counterpartID); err == nil {
				view.CounterpartType = cp.Type
				view.CounterpartPreview = types.Preview(cp.Content, previewChars)
			}
			result.Relations = append(result.Relations, view)
		}
	}

	if p.IncludeLog {
		entries, err := e.store.AuditTrail(ctx, p.MemoryID)
		if err != nil {
			return nil, err
		}
		result.AuditLog = entries
	}

	chain, err := e.walkEvolutionChain(ctx, m)
	if err != nil {
		return nil, err
	}
	result.EvolutionChain = chain

	return result, nil
}

// walkEvolutionChain follows m's superseded_by pointer forward, hop by hop,
// until it reaches a live memory, the forgotten tombstone, or the hop cap.
func (e *Engine) walkEvolutionChain(ctx context.Context, m *types.Memory) ([]string, error) {
	chain := []string{m.ID}
	current := m
	for i := 0; i < maxEvolutionChainHops; i++ {
		if current.SupersededBy == "" || current.SupersededBy == types.ForgottenSentinel {
			break
		}
		next, err := e.store.GetMemory(ctx, current.SupersededBy)
		if err != nil {
			break
		}
		chain = append(chain, next.ID)
		current = next
	}
	return chain, nil
}
