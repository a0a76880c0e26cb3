package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDimensionFromModel(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"BAAI/bge-small-en-v1.5", 384},
		{"BAAI/bge-base-en-v1.5", 768},
		{"sentence-transformers/all-MiniLM-L6-v2", 384},
		{"some-large-model", 1024},
		{"some-base-model", 768},
		{"totally-unknown", 384},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, detectDimensionFromModel(tt.model))
		})
	}
}

func TestNewProvider_TEI(t *testing.T) {
	provider, err := NewProvider(ProviderConfig{
		Provider: "tei",
		Model:    "BAAI/bge-small-en-v1.5",
		BaseURL:  "http://localhost:8080",
	})
	require.NoError(t, err)
	defer provider.Close()

	assert.Equal(t, 384, provider.Dimension())
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := NewProvider(ProviderConfig{Provider: "sentencepiece"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
