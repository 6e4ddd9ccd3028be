package engine

import (
	"context"
	"errors"

	"github.com/loci-mem/loci/pkg/types"
)

// ForgetParams is the input to ForgetMemory.
type ForgetParams struct {
	MemoryID   string
	Reason     string
	HardDelete bool
}

// ForgetResult is the response shape of ForgetMemory.
type ForgetResult struct {
	NotFound bool `json:"not_found"`
}

// ForgetMemory soft-supersedes (default) or hard-deletes a memory.
// Idempotent in both modes: a repeated call on an already soft-deleted or
// already hard-deleted id is a no-op that still reports success.
func (e *Engine) ForgetMemory(ctx context.Context, p ForgetParams) (*ForgetResult, error) {
	if p.HardDelete {
		err := e.store.HardDelete(ctx, p.MemoryID)
		if errors.Is(err, types.ErrNotFound) {
			return &ForgetResult{NotFound: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return &ForgetResult{}, nil
	}

	m, err := e.store.GetMemory(ctx, p.MemoryID)
	if errors.Is(err, types.ErrNotFound) {
		return &ForgetResult{NotFound: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if m.IsForgotten() {
		return &ForgetResult{}, nil
	}
	if !m.IsLive() {
		// Already superseded by another live memory; forgetting a hidden
		// row has nothing further to hide. Idempotent no-op.
		return &ForgetResult{}, nil
	}

	if err := e.store.Supersede(ctx, p.MemoryID, "", p.Reason); err != nil {
		return nil, err
	}
	return &ForgetResult{}, nil
}

// RestoreResult is the response shape of RestoreMemory.
type RestoreResult struct {
	NotFound bool `json:"not_found"`
}

// RestoreMemory clears a "forgotten" tombstone, undoing a soft
// forget_memory call within the same store lifetime. An operator-only
// maintenance helper; it has no effect (and is not an error) on a memory
// that was hard-deleted, superseded by something other than the forgotten
// sentinel, or never forgotten in the first place.
func (e *Engine) RestoreMemory(ctx context.Context, memoryID string) (*RestoreResult, error) {
	m, err := e.store.GetMemory(ctx, memoryID)
	if errors.Is(err, types.ErrNotFound) {
		return &RestoreResult{NotFound: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if !m.IsForgotten() {
		return &RestoreResult{}, nil
	}

	if err := e.store.ClearSupersededBy(ctx, memoryID); err != nil {
		return nil, err
	}
	return &RestoreResult{}, nil
}
