// Package reflectmem is a persistent, similarity-indexed store of learned
// experience records for iterative agents.
//
// Reflections are written into partitions keyed by task identity, deduplicated
// semantically at write time, retrieved by similarity with an optional LLM
// relevance filter, and kept bounded by utility decay and LLM consolidation.
//
// Typical use:
//
//	cfg, err := reflectmem.LoadConfig("")
//	...
//	engine, closer, err := reflectmem.Open(cfg, logger)
//	...
//	defer closer()
//
//	result, err := engine.Write(ctx, reflectmem.Reflection{
//	    Text:     "Always check the criteria for length limits before drafting.",
//	    TaskType: "essay_writing",
//	    Criteria: "clarity, under 500 words",
//	})
package reflectmem

import (
	"fmt"

	"github.com/fyrsmithlabs/reflectmem/internal/config"
	"github.com/fyrsmithlabs/reflectmem/internal/embeddings"
	"github.com/fyrsmithlabs/reflectmem/internal/llm"
	"github.com/fyrsmithlabs/reflectmem/internal/logging"
	"github.com/fyrsmithlabs/reflectmem/internal/memory"
	"github.com/fyrsmithlabs/reflectmem/internal/vectorstore"
	"go.uber.org/zap"
)

// Core types, re-exported for embedders of the library.
type (
	Engine      = memory.Engine
	Reflection  = memory.Reflection
	Record      = memory.Record
	WriteResult = memory.WriteResult
	WriteStatus = memory.WriteStatus
	Config      = config.Config
)

// Write outcomes.
const (
	StatusStored            = memory.StatusStored
	StatusRejectedDuplicate = memory.StatusRejectedDuplicate
)

// Capability interfaces an embedder can implement in place of the bundled
// LLM-backed adapters.
type (
	RelevanceJudge = memory.RelevanceJudge
	Summarizer     = memory.Summarizer
)

// PartitionKeyFor derives a partition key from a task type and its
// evaluation criteria.
func PartitionKeyFor(taskType, criteria string) string {
	return memory.PartitionKeyFor(taskType, criteria)
}

// LoadConfig loads configuration from the given YAML path (default path when
// empty) with environment overrides and defaults applied.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}

// NewLogger builds a zap logger from the config's logging section.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}

// Open wires an Engine from configuration: embedding provider, vector store,
// and, when an LLM is configured, the relevance judge and consolidation
// summarizer. The returned closer releases the store and the embedding
// provider.
func Open(cfg *Config, logger *zap.Logger) (*Engine, func() error, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		BaseURL:  cfg.Embeddings.BaseURL,
		CacheDir: cfg.Embeddings.CacheDir,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	store, err := vectorstore.NewStore(
		cfg.VectorStore.Provider,
		&vectorstore.ChromemConfig{
			Path:       cfg.VectorStore.Chromem.Path,
			Compress:   cfg.VectorStore.Chromem.Compress,
			VectorSize: cfg.VectorStore.Chromem.VectorSize,
		},
		&vectorstore.QdrantConfig{
			Host:           cfg.Qdrant.Host,
			Port:           cfg.Qdrant.Port,
			CollectionName: cfg.Qdrant.CollectionName,
			VectorSize:     cfg.Qdrant.VectorSize,
			UseTLS:         cfg.Qdrant.UseTLS,
		},
		logger,
	)
	if err != nil {
		_ = provider.Close()
		return nil, nil, fmt.Errorf("creating vector store: %w", err)
	}

	opts := []memory.Option{}
	if cfg.LLM.Model != "" {
		client, err := llm.NewClient(llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
		})
		if err != nil {
			_ = store.Close()
			_ = provider.Close()
			return nil, nil, fmt.Errorf("creating completion client: %w", err)
		}

		judge, err := memory.NewLLMJudge(client)
		if err != nil {
			_ = store.Close()
			_ = provider.Close()
			return nil, nil, err
		}
		summarizer, err := memory.NewLLMSummarizer(client)
		if err != nil {
			_ = store.Close()
			_ = provider.Close()
			return nil, nil, err
		}
		if !cfg.Engine.DisableRelevanceFilter {
			opts = append(opts, memory.WithJudge(judge))
		}
		opts = append(opts, memory.WithSummarizer(summarizer))
	}

	engine, err := memory.NewEngine(store, provider, engineConfig(cfg), logger, opts...)
	if err != nil {
		_ = store.Close()
		_ = provider.Close()
		return nil, nil, err
	}

	closer := func() error {
		storeErr := store.Close()
		if err := provider.Close(); err != nil {
			return err
		}
		return storeErr
	}
	return engine, closer, nil
}

func engineConfig(cfg *Config) memory.Config {
	return memory.Config{
		DedupThreshold:      cfg.Engine.DedupThreshold,
		RetrievalTopK:       cfg.Engine.RetrievalTopK,
		MinSimilarity:       cfg.Engine.MinSimilarity,
		InitialUtility:      cfg.Engine.InitialUtility,
		UtilityBoost:        cfg.Engine.UtilityBoost,
		UtilityDecay:        cfg.Engine.UtilityDecay,
		UtilityCeiling:      cfg.Engine.UtilityCeiling,
		PruneThreshold:      cfg.Engine.PruneThreshold,
		PartitionBound:      cfg.Engine.PartitionBound,
		ConsolidationTarget: cfg.Engine.ConsolidationTarget,
	}
}
