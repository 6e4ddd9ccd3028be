package embed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ModelCache is the collaborator that fetches model artefacts from a remote
// origin into a local cache directory. The engine only needs to know
// whether artefacts are present and how to ask for them.
type ModelCache interface {
	// Ready reports whether the model artefacts are already present.
	Ready(modelName string) bool

	// Fetch downloads (or otherwise materializes) the artefacts for
	// modelName. It is safe to call when already Ready.
	Fetch(ctx context.Context, modelName string) error
}

// LocalCache implements ModelCache against a local directory using a
// sentinel file per model name. Since Loci's built-in HashingModel has no
// real weights to download, Fetch simply writes the sentinel — but the
// Ready/Fetch/ErrModelUnavailable contract is identical to what a real
// downloader (fetching a ~30MB artefact plus tokenizer descriptor) would
// need to satisfy.
type LocalCache struct {
	dir string
}

// NewLocalCache returns a LocalCache rooted at dir. It does not touch the
// filesystem; Fetch creates dir when it first writes a sentinel.
func NewLocalCache(dir string) *LocalCache {
	return &LocalCache{dir: dir}
}

func (c *LocalCache) sentinelPath(modelName string) string {
	return filepath.Join(c.dir, modelName+".ready")
}

// Ready reports whether modelName's sentinel file exists.
func (c *LocalCache) Ready(modelName string) bool {
	_, err := os.Stat(c.sentinelPath(modelName))
	return err == nil
}

// Fetch creates the cache directory and writes modelName's sentinel file.
func (c *LocalCache) Fetch(ctx context.Context, modelName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("embed: create cache dir %s: %w", c.dir, err)
	}
	if err := os.WriteFile(c.sentinelPath(modelName), []byte("ready\n"), 0o600); err != nil {
		return fmt.Errorf("embed: write sentinel for %s: %w", modelName, err)
	}
	return nil
}
