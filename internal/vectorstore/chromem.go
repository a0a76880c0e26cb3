// Package vectorstore provides vector storage implementations.
package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("reflectmem.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded vector database.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.local/share/reflectmem/store"
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the expected embedding dimension.
	// Must match the embedder's output dimension.
	// Default: 384 (for bge-small-en-v1.5)
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/reflectmem/store"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements the Store interface using chromem-go plus a
// key-value metadata sidecar.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies; it persists each document to a gob file before AddDocuments
// returns, which gives the synchronous durability the consolidation safety
// argument depends on. Each partition maps to one chromem collection, so
// similarity queries are physically incapable of crossing partitions.
//
// chromem-go cannot enumerate a collection, so the sidecar index (see
// metadata.go) owns enumeration and the mutable utility_score field. The
// sidecar is authoritative for utility_score; the copy stored in chromem
// document metadata is the value at insert time.
type ChromemStore struct {
	db     *chromem.DB
	meta   *metaIndex
	config ChromemConfig
	logger *zap.Logger
}

// NewChromemStore creates a new ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	expandedPath, err := expandChromemPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}

	if err := os.MkdirAll(expandedPath, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	meta, err := newMetaIndex(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("loading metadata index: %w", err)
	}

	store := &ChromemStore{
		db:     db,
		meta:   meta,
		config: config,
		logger: logger,
	}

	logger.Info("chromem store initialized",
		zap.String("path", expandedPath),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return store, nil
}

// expandChromemPath expands ~ to home directory.
func expandChromemPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// noEmbeddingFunc is installed on every collection. All documents arrive with
// precomputed embeddings and queries go through QueryEmbedding, so chromem
// should never need to embed; a nil func would make chromem fall back to its
// default OpenAI embedder for persisted collections.
func noEmbeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("store requires precomputed embeddings, refusing to embed %d bytes", len(text))
	}
}

// getOrCreateCollection gets or creates the chromem collection for a partition.
func (s *ChromemStore) getOrCreateCollection(partition string) (*chromem.Collection, error) {
	if err := ValidatePartitionKey(partition); err != nil {
		return nil, err
	}

	collection, err := s.db.GetOrCreateCollection(partition, nil, noEmbeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", partition, err)
	}
	return collection, nil
}

// Add inserts documents with precomputed embeddings into their partition.
func (s *ChromemStore) Add(ctx context.Context, docs []Document) ([]string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Add")
	defer span.End()

	span.SetAttributes(attribute.Int("document_count", len(docs)))

	if len(docs) == 0 {
		return nil, ErrEmptyDocuments
	}

	partition := docs[0].Partition
	for i, doc := range docs {
		if doc.Partition != partition {
			return nil, fmt.Errorf("document at index %d has partition %q but batch targets %q - all documents must target the same partition",
				i, doc.Partition, partition)
		}
		if doc.ID == "" {
			return nil, fmt.Errorf("document at index %d has no ID", i)
		}
		if len(doc.Embedding) == 0 {
			return nil, fmt.Errorf("%w: document %s", ErrMissingEmbedding, doc.ID)
		}
	}

	span.SetAttributes(attribute.String("partition", partition))

	collection, err := s.getOrCreateCollection(partition)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	chromemDocs := make([]chromem.Document, len(docs))
	ids := make([]string, len(docs))
	metaRecords := make(map[string]metaRecord, len(docs))

	for i, doc := range docs {
		ids[i] = doc.ID
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  convertMetadataToString(doc.Metadata),
			Embedding: doc.Embedding,
		}
		metaRecords[doc.ID] = metaRecord{
			Content:   doc.Content,
			Embedding: doc.Embedding,
			Metadata:  doc.Metadata,
		}
	}

	// Concurrency of 1 since embeddings are already computed.
	if err := collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding documents: %w", err)
	}

	// Vector write succeeded; commit the sidecar. On sidecar failure, undo
	// the vector write so the two layers never disagree.
	if err := s.meta.put(partition, metaRecords); err != nil {
		if delErr := collection.Delete(ctx, nil, nil, ids...); delErr != nil {
			s.logger.Error("failed to roll back vector write after metadata failure",
				zap.String("partition", partition),
				zap.Error(delErr),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("committing metadata: %w", err)
	}

	span.SetAttributes(attribute.Int("documents_added", len(ids)))
	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("added documents to chromem",
		zap.String("partition", partition),
		zap.Int("count", len(docs)),
	)

	return ids, nil
}

// QueryPartition performs similarity search within a single partition.
func (s *ChromemStore) QueryPartition(ctx context.Context, partition string, embedding []float32, k int, minSimilarity float32) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.QueryPartition")
	defer span.End()

	span.SetAttributes(
		attribute.String("partition", partition),
		attribute.Int("k", k),
		attribute.Float64("min_similarity", float64(minSimilarity)),
	)

	if err := ValidatePartitionKey(partition); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding cannot be empty")
	}

	collection := s.db.GetCollection(partition, noEmbeddingFunc())
	if collection == nil {
		// Unknown partition is an empty result, not an error.
		return []SearchResult{}, nil
	}

	// chromem requires nResults <= document count.
	docCount := collection.Count()
	if docCount == 0 {
		return []SearchResult{}, nil
	}
	if k > docCount {
		k = docCount
	}

	results, err := collection.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying partition %s: %w", partition, err)
	}

	searchResults := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		// The sidecar is authoritative for metadata, utility_score included.
		meta, ok := s.meta.get(partition, r.ID)
		if !ok {
			s.logger.Warn("vector hit missing from metadata index, skipping",
				zap.String("partition", partition),
				zap.String("id", r.ID),
			)
			continue
		}
		searchResults = append(searchResults, SearchResult{
			ID:        r.ID,
			Content:   r.Content,
			Score:     r.Similarity,
			Embedding: r.Embedding,
			Metadata:  meta.Metadata,
		})
	}

	sortBySimilarity(searchResults)

	span.SetAttributes(attribute.Int("results_count", len(searchResults)))
	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("queried chromem partition",
		zap.String("partition", partition),
		zap.Int("k", k),
		zap.Int("results", len(searchResults)),
	)

	return searchResults, nil
}

// ListPartition enumerates every record in a partition.
func (s *ChromemStore) ListPartition(ctx context.Context, partition string) ([]SearchResult, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.ListPartition")
	defer span.End()

	span.SetAttributes(attribute.String("partition", partition))

	if err := ValidatePartitionKey(partition); err != nil {
		return nil, err
	}

	records := s.meta.list(partition)
	results := make([]SearchResult, 0, len(records))
	for id, rec := range records {
		results = append(results, SearchResult{
			ID:        id,
			Content:   rec.Content,
			Embedding: rec.Embedding,
			Metadata:  rec.Metadata,
		})
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	return results, nil
}

// UpdateUtility overwrites the utility_score metadata of one record.
func (s *ChromemStore) UpdateUtility(ctx context.Context, partition, id string, utility float64) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.UpdateUtility")
	defer span.End()

	span.SetAttributes(
		attribute.String("partition", partition),
		attribute.String("id", id),
		attribute.Float64("utility", utility),
	)

	if err := ValidatePartitionKey(partition); err != nil {
		return err
	}

	if err := s.meta.setUtility(partition, id, utility); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("updating utility: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete removes records by ID from a partition.
func (s *ChromemStore) Delete(ctx context.Context, partition string, ids []string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()

	span.SetAttributes(
		attribute.String("partition", partition),
		attribute.Int("id_count", len(ids)),
	)

	if len(ids) == 0 {
		return nil
	}

	if err := ValidatePartitionKey(partition); err != nil {
		return err
	}

	collection := s.db.GetCollection(partition, noEmbeddingFunc())
	if collection != nil {
		if err := collection.Delete(ctx, nil, nil, ids...); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("deleting from partition %s: %w", partition, err)
		}
	}

	if err := s.meta.remove(partition, ids); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("removing metadata: %w", err)
	}

	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("deleted documents from chromem",
		zap.String("partition", partition),
		zap.Int("count", len(ids)),
	)

	return nil
}

// Count returns the number of records in a partition.
func (s *ChromemStore) Count(ctx context.Context, partition string) (int, error) {
	if err := ValidatePartitionKey(partition); err != nil {
		return 0, err
	}
	return s.meta.count(partition), nil
}

// Close closes the ChromemStore.
// chromem-go persists synchronously, so there is nothing to flush.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

// sortBySimilarity orders results by descending similarity, breaking ties by
// most recent created_at so fresher information is preferred.
func sortBySimilarity(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return createdAtOf(results[i]).After(createdAtOf(results[j]))
	})
}

// createdAtOf extracts created_at from result metadata, tolerating the
// RFC3339 string form the engine writes and the float64 form a JSON
// round-trip can produce.
func createdAtOf(r SearchResult) time.Time {
	switch v := r.Metadata["created_at"].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	case int64:
		return time.Unix(v, 0)
	case float64:
		return time.Unix(int64(v), 0)
	}
	return time.Time{}
}

// convertMetadataToString converts map[string]interface{} to map[string]string.
func convertMetadataToString(metadata map[string]interface{}) map[string]string {
	if metadata == nil {
		return nil
	}

	result := make(map[string]string, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			result[k] = val
		case int:
			result[k] = fmt.Sprintf("%d", val)
		case int64:
			result[k] = fmt.Sprintf("%d", val)
		case float64:
			result[k] = fmt.Sprintf("%f", val)
		case bool:
			result[k] = fmt.Sprintf("%t", val)
		default:
			result[k] = fmt.Sprintf("%v", val)
		}
	}
	return result
}

// Ensure ChromemStore implements Store interface.
var _ Store = (*ChromemStore)(nil)
