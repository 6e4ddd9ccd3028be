package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/loci-mem/loci/internal/store"
	"github.com/loci-mem/loci/pkg/types"
)

// StoreParams is the input to StoreMemory.
type StoreParams struct {
	Content    string
	Type       types.MemoryType
	Scope      types.Scope // zero value means "use Type's default"
	Group      string
	Metadata   map[string]any
	Supersedes string
	Confidence float64 // zero value means "use 1.0"
}

// StoreResult is the response shape of StoreMemory.
type StoreResult struct {
	ID           string `json:"id"`
	Deduplicated bool   `json:"deduplicated"`
	SupersededID string `json:"superseded,omitempty"` // empty if nothing was superseded
}

// refutationCues are polarity/antonym markers that make a high-cosine match
// a likely *contradiction* rather than a restatement, so the dedup gate
// should be skipped in favor of ordinary supersession.
var refutationCues = []string{"not ", "no longer ", "instead of ", "never ", "n't "}

// StoreMemory implements the write path: embed, dedup-gate, create-or-merge,
// optional supersession.
func (e *Engine) StoreMemory(ctx context.Context, p StoreParams) (*StoreResult, error) {
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content must not be empty", types.ErrInvalidInput)
	}
	if err := validateMemoryType(p.Type); err != nil {
		return nil, err
	}

	scope := p.Scope
	if scope == "" {
		scope = p.Type.DefaultScope()
	} else if !scope.IsValid() {
		return nil, fmt.Errorf("%w: unknown scope %q", types.ErrInvalidInput, p.Scope)
	}

	group := e.resolveGroup(p.Group)

	confidence := p.Confidence
	if confidence == 0 {
		confidence = 1.0
	}
	confidence = types.ClampConfidence(confidence)

	if p.Supersedes != "" {
		old, err := e.store.GetMemory(ctx, p.Supersedes)
		if err != nil {
			return nil, fmt.Errorf("%w: supersedes references unknown memory %s", types.ErrInvalidInput, p.Supersedes)
		}
		if !old.IsLive() {
			return nil, fmt.Errorf("%w: supersedes target %s is not live", types.ErrInvalidInput, p.Supersedes)
		}
	}

	vec, err := e.embedder.Embed(ctx, content)
	if err != nil {
		return nil, err
	}

	nearest, cosine, err := e.store.NearestLiveOfType(ctx, vec, p.Type)
	if err != nil {
		return nil, fmt.Errorf("store: dedup probe: %w", err)
	}

	if nearest != nil && cosine >= e.cfg.Retrieval.DedupThreshold && !isRefutation(nearest.Content, content) {
		if _, err := e.store.ApplyDedupHit(ctx, nearest.ID, p.Metadata); err != nil {
			return nil, err
		}
		return &StoreResult{ID: nearest.ID, Deduplicated: true}, nil
	}

	created, err := e.store.CreateMemory(ctx, store.CreateMemoryParams{
		Type: p.Type, Content: content, Scope: scope, SourceGroup: group,
		Confidence: confidence, Metadata: p.Metadata, Embedding: vec,
	})
	if err != nil {
		return nil, err
	}

	result := &StoreResult{ID: created.ID}
	if p.Supersedes != "" {
		if err := e.store.Supersede(ctx, p.Supersedes, created.ID, ""); err != nil {
			return nil, err
		}
		result.SupersededID = p.Supersedes
	}

	return result, nil
}

// isRefutation reports whether newContent likely contradicts oldContent
// rather than restating it: either it contains a polarity cue word the
// other doesn't, or both have a final segment after a ':' or '-' (e.g.
// "theme: dark mode") and those segments differ (e.g. "dark mode" vs "light
// mode"). The text before the delimiter is not compared.
func isRefutation(oldContent, newContent string) bool {
	oldFold := foldAndTrim(oldContent)
	newFold := foldAndTrim(newContent)

	oldHasCue, newHasCue := false, false
	for _, cue := range refutationCues {
		if strings.Contains(oldFold, cue) {
			oldHasCue = true
		}
		if strings.Contains(newFold, cue) {
			newHasCue = true
		}
	}
	if oldHasCue != newHasCue {
		return true
	}

	oldSeg, oldOK := finalDelimitedSegment(oldFold)
	newSeg, newOK := finalDelimitedSegment(newFold)
	if oldOK && newOK && oldSeg != newSeg {
		return true
	}

	return false
}

func foldAndTrim(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}

// finalDelimitedSegment returns the text after the last ':' or '-' in s, if
// one is present, trimmed of surrounding whitespace.
func finalDelimitedSegment(s string) (string, bool) {
	idx := strings.LastIndexFunc(s, func(r rune) bool {
		return r == ':' || r == '-'
	})
	if idx < 0 || idx == len(s)-1 {
		return "", false
	}
	seg := strings.TrimSpace(s[idx+1:])
	if seg == "" {
		return "", false
	}
	return seg, true
}

