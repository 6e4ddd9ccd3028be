// Package config loads Loci's configuration from a YAML file with
// environment-variable overrides: defaults first, then the file, then env
// vars, most specific source wins.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loci-mem/loci/pkg/types"
)

// Config holds all configuration for a Loci process.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig configures the tool-protocol adapter.
type ServerConfig struct {
	LogLevel string `yaml:"log_level"`
}

// StorageConfig configures the embedded store location and default group.
type StorageConfig struct {
	DBPath       string `yaml:"db_path"`
	DefaultGroup string `yaml:"default_group"`
}

// EmbeddingConfig configures the local embedding model and its cache.
type EmbeddingConfig struct {
	ModelName string `yaml:"model_name"`
	CacheDir  string `yaml:"cache_dir"`
	Dimension int    `yaml:"dimension"`
}

// RetrievalConfig configures recall defaults.
type RetrievalConfig struct {
	DefaultMaxResults  int     `yaml:"default_max_results"`
	RecallTokenBudget  int     `yaml:"recall_token_budget"`
	PreloadTokenBudget int     `yaml:"preload_token_budget"`
	RRFK               int     `yaml:"rrf_k"`
	DedupThreshold     float64 `yaml:"dedup_threshold"`
	MinConfidence      float64 `yaml:"min_confidence"`
}

// MaintenanceConfig configures the four maintenance passes.
type MaintenanceConfig struct {
	EpisodicDecayFactor    float64 `yaml:"episodic_decay_factor"`
	SemanticDecayFactor    float64 `yaml:"semantic_decay_factor"`
	CompactionAgeDays      int     `yaml:"compaction_age_days"`
	CompactionMinGroupSize int     `yaml:"compaction_min_group_size"`
	PromotionThreshold     int     `yaml:"promotion_threshold"`
	PromotionSimilarity    float64 `yaml:"promotion_similarity"`
	CleanupConfidenceFloor float64 `yaml:"cleanup_confidence_floor"`
	CleanupNoAccessDays    int     `yaml:"cleanup_no_access_days"`

	// MinIntervalSeconds bounds how often a maintenance pass (decay/compact/
	// promote, or cleanup) may run back-to-back, so an operator script
	// hammering `loci maintain` never starves concurrent readers of the
	// store's write lock.
	MinIntervalSeconds int `yaml:"min_interval_seconds"`
}

// Default returns a Config populated with every knob's built-in default.
func Default() Config {
	return Config{
		Server: ServerConfig{LogLevel: "info"},
		Storage: StorageConfig{
			DBPath:       "./memory.db",
			DefaultGroup: "default",
		},
		Embedding: EmbeddingConfig{
			ModelName: "loci-minilm-384",
			CacheDir:  "./model-cache",
			Dimension: 384,
		},
		Retrieval: RetrievalConfig{
			DefaultMaxResults:  5,
			RecallTokenBudget:  4000,
			PreloadTokenBudget: 2000,
			RRFK:               60,
			DedupThreshold:     0.92,
			MinConfidence:      0.1,
		},
		Maintenance: MaintenanceConfig{
			EpisodicDecayFactor:    0.95,
			SemanticDecayFactor:    0.99,
			CompactionAgeDays:      30,
			CompactionMinGroupSize: 5,
			PromotionThreshold:     3,
			PromotionSimilarity:    0.88,
			CleanupConfidenceFloor: 0.05,
			CleanupNoAccessDays:    90,
			MinIntervalSeconds:     60,
		},
	}
}

// DecayFactors adapts the maintenance config into the shape types.MemoryType
// dispatches on.
func (c Config) DecayFactors() types.DecayFactors {
	return types.DecayFactors{
		Episodic: c.Maintenance.EpisodicDecayFactor,
		Other:    c.Maintenance.SemanticDecayFactor,
	}
}

// Load reads a YAML config file at path (if it exists; a missing file is not
// an error — defaults apply) and overlays the LOCI_DB, LOCI_GROUP and
// LOCI_LOG_LEVEL environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// applyEnvOverrides overlays environment variables on top of file/defaults.
// Env vars always win.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOCI_DB"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("LOCI_GROUP"); v != "" {
		cfg.Storage.DefaultGroup = v
	}
	if v := os.Getenv("LOCI_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
}
