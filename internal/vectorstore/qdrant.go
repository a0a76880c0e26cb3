package vectorstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Tracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("reflectmem.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	// Default: 6334 (gRPC), not 6333 (HTTP)
	Port int

	// CollectionName is the collection holding all partitions; records carry
	// a partition_key payload field and every operation filters on it.
	// Default: "reflections"
	CollectionName string

	// VectorSize is the dimensionality of embeddings.
	// MUST match the embedder's output dimension.
	VectorSize uint64

	// UseTLS enables TLS encryption for the gRPC connection.
	UseTLS bool

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries.
	// Doubles on each retry.
	// Default: 1 second
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of failures before opening circuit.
	// Default: 5
	CircuitBreakerThreshold int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionName == "" {
		c.CollectionName = "reflections"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024 // 50MB
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.CollectionName == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError checks if an error is transient (should retry).
// Returns true for network timeouts, temporary unavailability.
// Returns false for invalid config, not found, permission denied.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore is a Store implementation using Qdrant's native gRPC client.
//
// All partitions live in one collection; partition scoping is enforced with a
// mandatory partition_key payload filter on every query, enumeration, and
// delete. Unlike the chromem backend, the vector index and the metadata layer
// are the same store here: utility_score is a payload field updated in place.
//
// Key features:
//   - Native gRPC transport (port 6334), binary protobuf encoding
//   - Retry with exponential backoff and a circuit breaker for flapping servers
//   - Scroll-based partition enumeration for the decay and consolidation passes
// collectionAPI is the slice of the client used for collection bootstrap.
type collectionAPI interface {
	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
}

// pointsScroller is the slice of the points client used for enumeration.
type pointsScroller interface {
	Scroll(ctx context.Context, in *qdrant.ScrollPoints, opts ...grpc.CallOption) (*qdrant.ScrollResponse, error)
}

type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig

	// collections and scroller are narrow views of the gRPC client.
	collections collectionAPI
	scroller    pointsScroller

	// collReady latches only after the collection is confirmed to exist, so
	// a transient bootstrap failure is retried on the next operation.
	collMu    sync.Mutex
	collReady bool

	// circuitBreaker tracks failures for circuit breaker pattern
	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// NewQdrantStore creates a new QdrantStore with the given configuration.
//
// The constructor validates configuration, connects over gRPC, and performs a
// health check before returning.
func NewQdrantStore(config QdrantConfig) (*QdrantStore, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if err := ValidatePartitionKey(config.CollectionName); err != nil {
		return nil, fmt.Errorf("validating collection name: %w", err)
	}

	if !config.UseTLS {
		fmt.Fprintf(os.Stderr, "WARNING: Qdrant gRPC using plaintext (TLS disabled). Insecure for production.\n")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &QdrantStore{
		client:      client,
		config:      config,
		collections: client,
		scroller:    client.GetPointsClient(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.healthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}

	return store, nil
}

// Close closes the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// healthCheck performs a health check on the Qdrant connection.
func (s *QdrantStore) healthCheck(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.HealthCheck")
	defer span.End()

	_, err := s.client.HealthCheck(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("health check failed: %w", err)
	}

	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// ensureCollection creates the collection on first use. Only success is
// latched; failures leave the store ready to retry.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.collMu.Lock()
	defer s.collMu.Unlock()

	if s.collReady {
		return nil
	}

	collections, err := s.collections.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}

	exists := false
	for _, name := range collections {
		if name == s.config.CollectionName {
			exists = true
			break
		}
	}
	if !exists {
		err := s.collections.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.CollectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", s.config.CollectionName, err)
		}
	}

	s.collReady = true
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}

		if s.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}

		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// Allow retry after 30 seconds
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// partitionFilter builds the mandatory partition_key payload filter.
func partitionFilter(partition string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "partition_key",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: partition},
						},
					},
				},
			},
		},
	}
}

// Add inserts documents with precomputed embeddings into their partition.
func (s *QdrantStore) Add(ctx context.Context, docs []Document) ([]string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Add")
	defer span.End()

	span.SetAttributes(
		attribute.Int("document_count", len(docs)),
		attribute.String("collection", s.config.CollectionName),
	)

	if len(docs) == 0 {
		return nil, ErrEmptyDocuments
	}

	partition := docs[0].Partition
	if err := ValidatePartitionKey(partition); err != nil {
		return nil, err
	}

	if err := s.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	points := make([]*qdrant.PointStruct, len(docs))
	ids := make([]string, len(docs))

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
		ids[i] = doc.ID

		payload := make(map[string]*qdrant.Value, len(doc.Metadata)+3)
		payload["id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.ID}}
		payload["content"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.Content}}
		payload["partition_key"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: partition}}

		for k, v := range doc.Metadata {
			switch val := v.(type) {
			case string:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
			case int:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
			case int64:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
			case float64:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
			case bool:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
			}
		}

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(doc.ID),
			Vectors: qdrant.NewVectors(doc.Embedding...),
			Payload: payload,
		}
	}

	// Upsert waits for durability (Wait=true) before returning; the
	// write-before-delete safety of consolidation depends on it.
	err := s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.CollectionName,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("upserting points: %w", err)
	}

	span.SetAttributes(attribute.Int("points_added", len(ids)))
	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// QueryPartition performs similarity search within a single partition.
func (s *QdrantStore) QueryPartition(ctx context.Context, partition string, embedding []float32, k int, minSimilarity float32) ([]SearchResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.QueryPartition")
	defer span.End()

	span.SetAttributes(
		attribute.String("partition", partition),
		attribute.Int("k", k),
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

	if err := s.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	var scored []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.CollectionName,
			Query:          qdrant.NewQuery(embedding...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         partitionFilter(partition),
			ScoreThreshold: qdrant.PtrOf(minSimilarity),
		})
		if err != nil {
			return err
		}
		scored = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying partition %s: %w", partition, err)
	}

	results := make([]SearchResult, 0, len(scored))
	for _, point := range scored {
		results = append(results, scoredPointToResult(point))
	}
	sortBySimilarity(results)

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// ListPartition enumerates every record in a partition via scroll.
func (s *QdrantStore) ListPartition(ctx context.Context, partition string) ([]SearchResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.ListPartition")
	defer span.End()

	span.SetAttributes(attribute.String("partition", partition))

	if err := ValidatePartitionKey(partition); err != nil {
		return nil, err
	}

	if err := s.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Page until the server reports no next offset. Partitions are bounded
	// by consolidation, but enumeration must never silently truncate: decay
	// and consolidation trust it to see every record.
	var results []SearchResult
	var offset *qdrant.PointId
	for {
		req := &qdrant.ScrollPoints{
			CollectionName: s.config.CollectionName,
			Filter:         partitionFilter(partition),
			Limit:          qdrant.PtrOf(scrollPageSize),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		}

		var page *qdrant.ScrollResponse
		err := s.retryOperation(ctx, "scroll", func() error {
			res, err := s.scroller.Scroll(ctx, req)
			if err != nil {
				return err
			}
			page = res
			return nil
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scrolling partition %s: %w", partition, err)
		}

		for _, point := range page.GetResult() {
			results = append(results, retrievedPointToResult(point))
		}

		offset = page.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	return results, nil
}

// scrollPageSize is the per-request limit for partition enumeration.
const scrollPageSize = uint32(256)

// retrievedPointToResult converts a scrolled point to a SearchResult.
func retrievedPointToResult(point *qdrant.RetrievedPoint) SearchResult {
	result := SearchResult{Metadata: payloadToMetadata(point.GetPayload())}
	if id, ok := result.Metadata["id"].(string); ok {
		result.ID = id
	}
	if content, ok := result.Metadata["content"].(string); ok {
		result.Content = content
	}
	if vectors := point.GetVectors(); vectors != nil {
		if vec := vectors.GetVector(); vec != nil {
			result.Embedding = vec.GetData()
		}
	}
	return result
}

// UpdateUtility overwrites the utility_score payload field of one record.
func (s *QdrantStore) UpdateUtility(ctx context.Context, partition, id string, utility float64) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.UpdateUtility")
	defer span.End()

	span.SetAttributes(
		attribute.String("partition", partition),
		attribute.String("id", id),
	)

	if err := ValidatePartitionKey(partition); err != nil {
		return err
	}

	err := s.retryOperation(ctx, "set_payload", func() error {
		_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: s.config.CollectionName,
			Payload: map[string]*qdrant.Value{
				"utility_score": {Kind: &qdrant.Value_DoubleValue{DoubleValue: utility}},
			},
			PointsSelector: qdrant.NewPointsSelector(qdrant.NewIDUUID(id)),
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("updating utility: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete removes records by ID from a partition.
func (s *QdrantStore) Delete(ctx context.Context, partition string, ids []string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
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

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	err := s.retryOperation(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.CollectionName,
			Points:         qdrant.NewPointsSelector(pointIDs...),
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting points: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the number of records in a partition.
func (s *QdrantStore) Count(ctx context.Context, partition string) (int, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Count")
	defer span.End()

	if err := ValidatePartitionKey(partition); err != nil {
		return 0, err
	}

	if err := s.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		return 0, err
	}

	var count uint64
	err := s.retryOperation(ctx, "count", func() error {
		res, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.CollectionName,
			Filter:         partitionFilter(partition),
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		count = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("counting partition %s: %w", partition, err)
	}

	return int(count), nil
}

// scoredPointToResult converts a Qdrant scored point to a SearchResult.
func scoredPointToResult(point *qdrant.ScoredPoint) SearchResult {
	result := SearchResult{
		Score:    point.Score,
		Metadata: payloadToMetadata(point.Payload),
	}
	if id, ok := result.Metadata["id"].(string); ok {
		result.ID = id
	}
	if content, ok := result.Metadata["content"].(string); ok {
		result.Content = content
	}
	return result
}

// payloadToMetadata converts a Qdrant payload to a metadata map.
func payloadToMetadata(payload map[string]*qdrant.Value) map[string]interface{} {
	metadata := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			metadata[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			metadata[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			metadata[k] = val.BoolValue
		}
	}
	return metadata
}

// Ensure QdrantStore implements Store interface.
var _ Store = (*QdrantStore)(nil)
