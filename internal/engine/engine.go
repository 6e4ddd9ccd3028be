// Package engine implements Loci's Memory Engine: the write path (classify,
// embed, dedup, supersede), the read path (hybrid search with rank fusion,
// token budgeting), entity relations, forgetting, inspection/stats, and the
// maintenance cycle (decay, compaction, promotion, cleanup). It is the
// single place that orchestrates internal/store and internal/embed.
package engine

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/loci-mem/loci/internal/config"
	"github.com/loci-mem/loci/internal/embed"
	"github.com/loci-mem/loci/internal/store"
	"github.com/loci-mem/loci/pkg/types"
)

// Engine is the facade every tool operation in internal/api/tools calls
// through. It holds no per-call state beyond the maintenance rate limiter;
// every method is safe to call from multiple goroutines, with write
// serialization happening inside Store.
type Engine struct {
	store    *store.Store
	embedder *embed.Embedder
	cfg      config.Config

	// maintenanceLimiter bounds how often RunMaintenance/Cleanup may execute
	// back-to-back, preventing an operator script from starving concurrent
	// readers of the store's write lock.
	maintenanceLimiter *rate.Limiter
}

// New wires a Store and Embedder together under the given configuration.
func New(st *store.Store, emb *embed.Embedder, cfg config.Config) *Engine {
	minInterval := time.Duration(cfg.Maintenance.MinIntervalSeconds) * time.Second
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &Engine{
		store:              st,
		embedder:           emb,
		cfg:                cfg,
		maintenanceLimiter: rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// Close releases the underlying store handle.
func (e *Engine) Close() error {
	return e.store.Close()
}

// resolveGroup returns the effective group for a call: the caller-supplied
// group if non-empty, else the configured default_group.
func (e *Engine) resolveGroup(group string) string {
	if group != "" {
		return group
	}
	return e.cfg.Storage.DefaultGroup
}

func validateMemoryType(t types.MemoryType) error {
	if !t.IsValid() {
		return fmt.Errorf("%w: unknown memory type %q", types.ErrInvalidInput, t)
	}
	return nil
}
