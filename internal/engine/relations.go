package engine

import (
	"context"
	"fmt"

	"github.com/loci-mem/loci/pkg/types"
)

// StoreRelationParams is the input to StoreRelation.
type StoreRelationParams struct {
	SubjectID string
	Predicate string
	ObjectID  string
}

// StoreRelation validates both endpoints are live entity memories, then
// inserts the triple (or returns the id of an existing one).
func (e *Engine) StoreRelation(ctx context.Context, p StoreRelationParams) (string, error) {
	if p.Predicate == "" {
		return "", fmt.Errorf("%w: predicate must not be empty", types.ErrInvalidInput)
	}

	subjectOK, err := e.store.IsLiveEntity(ctx, p.SubjectID)
	if err != nil {
		return "", err
	}
	if !subjectOK {
		return "", fmt.Errorf("%w: subject_id %s is not a live entity memory", types.ErrInvalidInput, p.SubjectID)
	}

	objectOK, err := e.store.IsLiveEntity(ctx, p.ObjectID)
	if err != nil {
		return "", err
	}
	if !objectOK {
		return "", fmt.Errorf("%w: object_id %s is not a live entity memory", types.ErrInvalidInput, p.ObjectID)
	}

	return e.store.CreateRelation(ctx, p.SubjectID, p.Predicate, p.ObjectID)
}
