// Package embed turns text into unit-length fixed-dimension embedding
// vectors, with a guarded single session, an LRU cache of recent results,
// and a circuit breaker around cold-start model-artefact fetches.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/loci-mem/loci/pkg/types"
)

// Embedder is a single-session, mutex-serialized text embedder. Callers
// are expected to be brief: hold the session for microseconds to a few
// milliseconds, never spawn one Embedder per request.
type Embedder struct {
	mu    sync.Mutex
	model Model
	cache ModelCache

	breaker *gobreaker.CircuitBreaker

	resultCache *lru.Cache[string, []float32]
}

// Options configures a new Embedder.
type Options struct {
	Model Model
	Cache ModelCache
	// ResultCacheSize bounds the LRU of content-hash → embedding. Zero
	// disables the cache.
	ResultCacheSize int
}

// New creates an Embedder. If opts.Model is nil, a HashingModel of
// dimension 384 is used; if opts.Cache is nil, artefacts are considered
// always-ready (suitable for the built-in HashingModel, which has nothing
// to download).
func New(opts Options) (*Embedder, error) {
	model := opts.Model
	if model == nil {
		model = NewHashingModel(384)
	}
	cache := opts.Cache
	if cache == nil {
		cache = alwaysReadyCache{}
	}

	var resultCache *lru.Cache[string, []float32]
	if opts.ResultCacheSize > 0 {
		c, err := lru.New[string, []float32](opts.ResultCacheSize)
		if err != nil {
			return nil, fmt.Errorf("embed: create result cache: %w", err)
		}
		resultCache = c
	}

	breakerSettings := gobreaker.Settings{
		Name:        "embed-model-fetch",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &Embedder{
		model:       model,
		cache:       cache,
		breaker:     gobreaker.NewCircuitBreaker(breakerSettings),
		resultCache: resultCache,
	}, nil
}

// Dim returns the embedding dimension this Embedder produces.
func (e *Embedder) Dim() int { return e.model.Dim() }

// ModelName returns the name of the underlying model, recorded in
// index_meta to detect a model-version change on reopen.
func (e *Embedder) ModelName() string { return e.model.Name() }

// Embed tokenizes, truncates to 256 tokens, mean-pools, and L2-normalizes
// text into a unit-length vector. It ensures model artefacts are present
// first, returning types.ErrModelUnavailable if they cannot be fetched.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := contentKey(text)
	if e.resultCache != nil {
		if v, ok := e.resultCache.Get(key); ok {
			return v, nil
		}
	}

	if err := e.ensureReady(ctx); err != nil {
		return nil, err
	}

	tokens := Tokenize(text)
	raw := e.model.Infer(tokens)
	vec := Normalize(raw)

	if e.resultCache != nil {
		e.resultCache.Add(key, vec)
	}
	return vec, nil
}

// EmbedBatch embeds each text in order, reusing the same guarded session.
// Used by maintenance (mean embedding of compaction members) and bulk
// re-index paths.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ensureReady fetches model artefacts through the circuit breaker if they
// are not already present. Must be called with e.mu held.
func (e *Embedder) ensureReady(ctx context.Context) error {
	if e.cache.Ready(e.model.Name()) {
		return nil
	}

	_, err := e.breaker.Execute(func() (any, error) {
		return nil, e.cache.Fetch(ctx, e.model.Name())
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: model fetch circuit open: %v", types.ErrModelUnavailable, err)
		}
		return fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}
	return nil
}

// CosineToL2Squared converts a cosine similarity into the squared L2
// distance between two unit vectors: L2 squared = 2 - 2*cos.
func CosineToL2Squared(cosine float64) float64 {
	return 2 - 2*cosine
}

// Cosine computes cosine similarity between two equal-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func contentKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// alwaysReadyCache is the no-op ModelCache used when the configured Model
// has no external artefacts (e.g. the built-in HashingModel).
type alwaysReadyCache struct{}

func (alwaysReadyCache) Ready(string) bool { return true }

func (alwaysReadyCache) Fetch(context.Context, string) error { return nil }
