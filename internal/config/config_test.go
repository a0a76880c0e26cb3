package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, float32(0.92), cfg.Engine.DedupThreshold)
	assert.Equal(t, 5, cfg.Engine.RetrievalTopK)
	assert.Equal(t, float32(0.75), cfg.Engine.MinSimilarity)
	assert.Equal(t, 1.0, cfg.Engine.InitialUtility)
	assert.Equal(t, 0.1, cfg.Engine.UtilityBoost)
	assert.Equal(t, 0.05, cfg.Engine.UtilityDecay)
	assert.Equal(t, 2.0, cfg.Engine.UtilityCeiling)
	assert.Equal(t, 0.3, cfg.Engine.PruneThreshold)
	assert.Equal(t, 10, cfg.Engine.PartitionBound)
	assert.Equal(t, 3, cfg.Engine.ConsolidationTarget)

	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, 384, cfg.VectorStore.Chromem.VectorSize)
	assert.Equal(t, "localhost", cfg.Qdrant.Host)
	assert.Equal(t, 6334, cfg.Qdrant.Port)
	assert.Equal(t, "fastembed", cfg.Embeddings.Provider)
	assert.Equal(t, "BAAI/bge-small-en-v1.5", cfg.Embeddings.Model)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "dedup threshold above one", mutate: func(c *Config) { c.Engine.DedupThreshold = 1.5 }},
		{name: "dedup below retrieval floor", mutate: func(c *Config) { c.Engine.DedupThreshold = 0.5 }},
		{name: "negative min similarity", mutate: func(c *Config) { c.Engine.MinSimilarity = -0.1 }},
		{name: "zero top k", mutate: func(c *Config) { c.Engine.RetrievalTopK = -1 }},
		{name: "negative decay", mutate: func(c *Config) { c.Engine.UtilityDecay = -0.05 }},
		{name: "ceiling below initial", mutate: func(c *Config) { c.Engine.UtilityCeiling = 0.5 }},
		{name: "prune above initial", mutate: func(c *Config) { c.Engine.PruneThreshold = 1.5 }},
		{name: "target above bound", mutate: func(c *Config) { c.Engine.ConsolidationTarget = 11 }},
		{name: "unknown store provider", mutate: func(c *Config) { c.VectorStore.Provider = "pinecone" }},
		{name: "unknown embeddings provider", mutate: func(c *Config) { c.Embeddings.Provider = "ollama" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_RejectsPathOutsideAllowedDirs(t *testing.T) {
	_, err := Load("/tmp/anywhere/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoad_EnvOverride(t *testing.T) {
	// No config file at the default path in test environments; env vars
	// layer over the defaults.
	t.Setenv("REFLECTMEM_LLM_MODEL", "gpt-4o-mini")
	t.Setenv("REFLECTMEM_LLM_BASE_URL", "http://localhost:11434/v1")
	t.Setenv("REFLECTMEM_VECTORSTORE_PROVIDER", "qdrant")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "http://localhost:11434/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "qdrant", cfg.VectorStore.Provider)

	// Untouched sections keep their defaults.
	assert.Equal(t, float32(0.92), cfg.Engine.DedupThreshold)
}
