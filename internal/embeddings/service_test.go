package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTEIServer(t *testing.T, vectors [][]float32) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)
		assert.True(t, req.Normalize)

		require.NoError(t, json.NewEncoder(w).Encode(vectors))
	}))
}

func TestService_EmbedDocuments(t *testing.T) {
	server := newTEIServer(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}})
	defer server.Close()

	svc, err := NewService(Config{BaseURL: server.URL, Model: "BAAI/bge-small-en-v1.5"})
	require.NoError(t, err)

	vectors, err := svc.EmbedDocuments(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
}

func TestService_EmbedDocuments_CountMismatch(t *testing.T) {
	server := newTEIServer(t, [][]float32{{0.1, 0.2}})
	defer server.Close()

	svc, err := NewService(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = svc.EmbedDocuments(context.Background(), []string{"one", "two"})
	require.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestService_EmbedQuery(t *testing.T) {
	server := newTEIServer(t, [][]float32{{0.5, 0.6}})
	defer server.Close()

	svc, err := NewService(Config{BaseURL: server.URL})
	require.NoError(t, err)

	vector, err := svc.EmbedQuery(context.Background(), "a query")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.6}, vector)
}

func TestService_EmptyInput(t *testing.T) {
	svc, err := NewService(Config{BaseURL: "http://localhost:8080"})
	require.NoError(t, err)

	_, err = svc.EmbedDocuments(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.EmbedQuery(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyInput)
}

func TestService_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	svc, err := NewService(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "query")
	require.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")
}

func TestService_InvalidConfig(t *testing.T) {
	_, err := NewService(Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
