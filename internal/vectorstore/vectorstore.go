// Package vectorstore defines the interface for partition-scoped vector storage.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrMissingEmbedding indicates a document without a precomputed embedding.
	ErrMissingEmbedding = errors.New("document is missing its embedding")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")

	// ErrInvalidPartitionKey indicates partition key validation failure.
	ErrInvalidPartitionKey = errors.New("invalid partition key")
)

// partitionKeyPattern validates partition keys.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
// Partition keys double as collection names in the chromem backend, so they
// inherit its naming restrictions.
var partitionKeyPattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidatePartitionKey validates a partition key against naming rules.
// Rejects: uppercase, special chars, path traversal, spaces.
func ValidatePartitionKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: partition key cannot be empty", ErrInvalidPartitionKey)
	}
	if !partitionKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: partition key must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidPartitionKey, key)
	}
	return nil
}

// Embedder generates vector embeddings from text.
//
// Embeddings are dense numerical representations that capture semantic meaning,
// enabling similarity search. Implementations can use local models (FastEmbed)
// or HTTP APIs (TEI, OpenAI-compatible).
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	// Returns a slice of embeddings (one per input text) or an error.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	// Some models optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the interface for partition-scoped vector storage.
//
// A partition groups records that are comparable for deduplication and
// consolidation. Every operation is scoped to exactly one partition;
// cross-partition leakage is a correctness bug, not a policy choice.
//
// Beyond nearest-neighbor search the store supports full enumeration of a
// partition and in-place mutation of the single mutable metadata field
// (utility_score). Enumeration is what the decay and consolidation passes
// are built on, so it must reflect every committed write.
//
// Implementations:
//   - ChromemStore: embedded chromem-go with a key-value metadata sidecar (default)
//   - QdrantStore: external Qdrant over gRPC with payload filtering
type Store interface {
	// Add inserts documents with precomputed embeddings into their partition.
	//
	// Persistence is synchronous: when Add returns nil the documents are
	// durable. All documents in one call must target the same partition.
	Add(ctx context.Context, docs []Document) ([]string, error)

	// QueryPartition performs similarity search within a single partition.
	//
	// Results are ordered by descending cosine similarity; ties break by most
	// recent created_at (fresher information preferred). Only results with
	// similarity >= minSimilarity are returned. An empty partition yields an
	// empty slice and a nil error.
	QueryPartition(ctx context.Context, partition string, embedding []float32, k int, minSimilarity float32) ([]SearchResult, error)

	// ListPartition enumerates every record in a partition, in no particular
	// order. An unknown partition yields an empty slice and a nil error.
	ListPartition(ctx context.Context, partition string) ([]SearchResult, error)

	// UpdateUtility overwrites the utility_score metadata of one record.
	UpdateUtility(ctx context.Context, partition, id string, utility float64) error

	// Delete removes records by ID from a partition. Unknown IDs are ignored.
	Delete(ctx context.Context, partition string, ids []string) error

	// Count returns the number of records in a partition.
	Count(ctx context.Context, partition string) (int, error)

	// Close closes the store and releases resources.
	Close() error
}
