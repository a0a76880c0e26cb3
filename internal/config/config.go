// Package config provides configuration loading for the memory engine.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the memory engine.
type Config struct {
	Engine      EngineConfig      `koanf:"engine"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Qdrant      QdrantConfig      `koanf:"qdrant"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	LLM         LLMConfig         `koanf:"llm"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// EngineConfig holds the write, retrieval, and maintenance thresholds.
//
// The defaults are tuned together: a dedup threshold of 0.92 keeps near
// restatements out, a retrieval floor of 0.75 keeps weak matches out, and the
// utility deltas make an unused record survive roughly fourteen maintenance
// passes before pruning.
type EngineConfig struct {
	// DedupThreshold is the cosine similarity at or above which a new
	// reflection is rejected as a duplicate.
	DedupThreshold float32 `koanf:"dedup_threshold"`

	// RetrievalTopK is the maximum number of records returned per retrieval.
	RetrievalTopK int `koanf:"retrieval_top_k"`

	// MinSimilarity is the retrieval similarity floor.
	MinSimilarity float32 `koanf:"min_similarity"`

	// DisableRelevanceFilter skips the LLM judgment pass over retrieval
	// candidates. The filter is on by default whenever an LLM is configured.
	DisableRelevanceFilter bool `koanf:"disable_relevance_filter"`

	// InitialUtility is the utility score assigned to new records.
	InitialUtility float64 `koanf:"initial_utility"`

	// UtilityBoost is added to a record's utility when retrieval surfaces it.
	UtilityBoost float64 `koanf:"utility_boost"`

	// UtilityDecay is subtracted from every record in the written partition
	// during a maintenance pass.
	UtilityDecay float64 `koanf:"utility_decay"`

	// UtilityCeiling caps utility growth.
	UtilityCeiling float64 `koanf:"utility_ceiling"`

	// PruneThreshold removes records whose utility falls below it.
	PruneThreshold float64 `koanf:"prune_threshold"`

	// PartitionBound is the record count above which a partition is
	// consolidated.
	PartitionBound int `koanf:"partition_bound"`

	// ConsolidationTarget is the number of summary records consolidation
	// produces.
	ConsolidationTarget int `koanf:"consolidation_target"`
}

// VectorStoreConfig selects and configures the storage backend.
type VectorStoreConfig struct {
	// Provider is "chromem" (default, embedded) or "qdrant".
	Provider string `koanf:"provider"`

	Chromem ChromemConfig `koanf:"chromem"`
}

// ChromemConfig configures the embedded chromem backend.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	VectorSize int    `koanf:"vector_size"`
}

// QdrantConfig configures the external Qdrant backend.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	CollectionName string `koanf:"collection_name"`
	VectorSize     uint64 `koanf:"vector_size"`
	UseTLS         bool   `koanf:"use_tls"`
}

// EmbeddingsConfig configures embedding generation.
type EmbeddingsConfig struct {
	// Provider is "fastembed" (default, local ONNX) or "tei".
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	CacheDir string `koanf:"cache_dir"`
}

// LLMConfig configures the completion client used for relevance judgment
// and consolidation summaries.
type LLMConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	APIKey      string        `koanf:"api_key"`
	Temperature float64       `koanf:"temperature"`
	MaxTokens   int           `koanf:"max_tokens"`
	Timeout     time.Duration `koanf:"timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Engine defaults
	if cfg.Engine.DedupThreshold == 0 {
		cfg.Engine.DedupThreshold = 0.92
	}
	if cfg.Engine.RetrievalTopK == 0 {
		cfg.Engine.RetrievalTopK = 5
	}
	if cfg.Engine.MinSimilarity == 0 {
		cfg.Engine.MinSimilarity = 0.75
	}
	if cfg.Engine.InitialUtility == 0 {
		cfg.Engine.InitialUtility = 1.0
	}
	if cfg.Engine.UtilityBoost == 0 {
		cfg.Engine.UtilityBoost = 0.1
	}
	if cfg.Engine.UtilityDecay == 0 {
		cfg.Engine.UtilityDecay = 0.05
	}
	if cfg.Engine.UtilityCeiling == 0 {
		cfg.Engine.UtilityCeiling = 2.0
	}
	if cfg.Engine.PruneThreshold == 0 {
		cfg.Engine.PruneThreshold = 0.3
	}
	if cfg.Engine.PartitionBound == 0 {
		cfg.Engine.PartitionBound = 10
	}
	if cfg.Engine.ConsolidationTarget == 0 {
		cfg.Engine.ConsolidationTarget = 3
	}

	// VectorStore defaults (chromem is default - embedded, no external deps)
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "~/.local/share/reflectmem/store"
	}
	if cfg.VectorStore.Chromem.VectorSize == 0 {
		cfg.VectorStore.Chromem.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}

	// Qdrant defaults
	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.CollectionName == "" {
		cfg.Qdrant.CollectionName = "reflections"
	}
	if cfg.Qdrant.VectorSize == 0 {
		cfg.Qdrant.VectorSize = 384
	}

	// Embeddings defaults
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}

	// LLM defaults
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 30 * time.Second
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks cross-field consistency of the configuration.
func (c *Config) Validate() error {
	e := c.Engine

	if e.DedupThreshold <= 0 || e.DedupThreshold > 1 {
		return fmt.Errorf("engine.dedup_threshold must be in (0, 1], got %v", e.DedupThreshold)
	}
	if e.MinSimilarity < 0 || e.MinSimilarity > 1 {
		return fmt.Errorf("engine.min_similarity must be in [0, 1], got %v", e.MinSimilarity)
	}
	if e.DedupThreshold < e.MinSimilarity {
		return fmt.Errorf("engine.dedup_threshold (%v) must not be below engine.min_similarity (%v)", e.DedupThreshold, e.MinSimilarity)
	}
	if e.RetrievalTopK <= 0 {
		return fmt.Errorf("engine.retrieval_top_k must be positive, got %d", e.RetrievalTopK)
	}
	if e.UtilityBoost < 0 || e.UtilityDecay < 0 {
		return fmt.Errorf("engine utility deltas must be non-negative")
	}
	if e.UtilityCeiling < e.InitialUtility {
		return fmt.Errorf("engine.utility_ceiling (%v) must not be below engine.initial_utility (%v)", e.UtilityCeiling, e.InitialUtility)
	}
	if e.PruneThreshold < 0 || e.PruneThreshold >= e.InitialUtility {
		return fmt.Errorf("engine.prune_threshold (%v) must be in [0, initial_utility)", e.PruneThreshold)
	}
	if e.ConsolidationTarget <= 0 || e.ConsolidationTarget > e.PartitionBound {
		return fmt.Errorf("engine.consolidation_target (%d) must be in [1, partition_bound]", e.ConsolidationTarget)
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("vectorstore.provider must be chromem or qdrant, got %q", c.VectorStore.Provider)
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei":
	default:
		return fmt.Errorf("embeddings.provider must be fastembed or tei, got %q", c.Embeddings.Provider)
	}

	return nil
}
