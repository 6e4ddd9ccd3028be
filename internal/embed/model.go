package embed

import (
	"hash/fnv"
	"math"

	"github.com/loci-mem/loci/internal/tokenize"
)

// Model is the local neural embedding model's interface: a single
// inference call plus the dimension it produces. Swapping in a real
// ONNX/GGUF-backed model only requires a new implementation of this
// interface; Cache and Embedder are agnostic to what produces the vector.
type Model interface {
	// Infer runs the model on already-tokenized input (attention mask is
	// all-ones — there is no padding since callers pass exactly the
	// truncated token list) and returns a raw, not-yet-normalized vector.
	Infer(tokens []string) []float32

	// Dim returns the fixed output dimension of this model.
	Dim() int

	// Name identifies the model, stored in index_meta and compared across
	// opens to catch a model-version change.
	Name() string
}

// maxTokens bounds inference input; longer texts are truncated.
const maxTokens = 256

// HashingModel is a dependency-free local embedding model: it feature-hashes
// each token into one of Dim() buckets with a sign derived from a second
// hash, then mean-pools. It has no external weights to download, so it
// doubles as the "artefact" the model cache fetches on cold start — its
// Name() is recorded in index_meta and must match across opens exactly like
// a real downloaded model would.
//
// HashingModel implements the same mean-pool-then-normalize contract a
// learned sentence-transformer would, using hashed bag-of-words features
// instead of learned ones. It is fully deterministic, which keeps the
// normalization and dedup-idempotence behavior exercisable without a model
// binary.
type HashingModel struct {
	dim int
}

// NewHashingModel returns a HashingModel producing vectors of dimension dim.
func NewHashingModel(dim int) *HashingModel {
	if dim <= 0 {
		dim = 384
	}
	return &HashingModel{dim: dim}
}

func (m *HashingModel) Dim() int     { return m.dim }
func (m *HashingModel) Name() string { return "loci-hashing-minilm-384" }

// Infer mean-pools a per-token hashed feature vector. Each token contributes
// a unit "one-hot-with-sign" vector at index hash(token)%dim with sign
// derived from a second, independent hash of the token, so that two
// distinct tokens hashing to the same bucket don't simply cancel out more
// often than chance would predict.
func (m *HashingModel) Infer(tokens []string) []float32 {
	out := make([]float32, m.dim)
	if len(tokens) == 0 {
		return out
	}
	if len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
	}

	for _, tok := range tokens {
		idx, sign := hashToken(tok, m.dim)
		out[idx] += sign
	}

	n := float32(len(tokens))
	for i := range out {
		out[i] /= n
	}
	return out
}

// hashToken derives a bucket index in [0, dim) and a +1/-1 sign from two
// independent FNV hashes of tok.
func hashToken(tok string, dim int) (int, float32) {
	h1 := fnv.New32a()
	_, _ = h1.Write([]byte(tok))
	idx := int(h1.Sum32() % uint32(dim))

	h2 := fnv.New32a()
	_, _ = h2.Write([]byte("sign:" + tok))
	sign := float32(1)
	if h2.Sum32()%2 == 0 {
		sign = -1
	}
	return idx, sign
}

// Tokenize splits text into at most maxTokens word tokens using the shared
// word splitter.
func Tokenize(text string) []string {
	toks := tokenize.Words(text)
	if len(toks) > maxTokens {
		toks = toks[:maxTokens]
	}
	return toks
}

// Normalize L2-normalizes v in place and returns it. Unit length is
// mandatory so Euclidean distance in the vector index is monotone in cosine
// similarity (L2 squared = 2 - 2*cos).
func Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		// Degenerate (e.g. empty content): return a unit vector on the
		// first axis rather than a zero-vector, which would silently
		// corrupt cosine similarity everywhere.
		v[0] = 1
		return v
	}
	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
	return v
}
