// Package memory implements the reflective memory engine: partition-scoped
// storage of learned experience records with write-time deduplication,
// similarity retrieval, utility tracking, and LLM-backed consolidation.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/reflectmem/internal/vectorstore"
)

// Sentinel errors for engine operations.
var (
	// ErrInvalidReflection indicates a reflection that cannot be stored.
	ErrInvalidReflection = errors.New("invalid reflection")

	// ErrEmbeddingFailed indicates the embedding capability failed.
	// Surfaced to the caller; the engine never retries embeddings.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrJudgmentParse indicates the relevance judge returned output that
	// could not be interpreted. Callers recover by keeping all candidates.
	ErrJudgmentParse = errors.New("unparseable relevance judgment")

	// ErrSummarizationInsufficient indicates consolidation received fewer
	// summaries than requested. Recovered by rollback, never surfaced from
	// Write.
	ErrSummarizationInsufficient = errors.New("summarization produced insufficient summaries")
)

// Reflection is a candidate memory produced by an agent's reflection step.
type Reflection struct {
	// Text is the reflection content. Required.
	Text string

	// PartitionKey scopes the reflection. When empty it is derived from
	// TaskType and Criteria via PartitionKeyFor.
	PartitionKey string

	// Topic is a free-form topic label.
	Topic string

	// TaskType names the kind of task the reflection came from.
	TaskType string

	// Criteria is the evaluation criteria text of the originating task.
	// Only used for partition derivation.
	Criteria string

	// SourceScore is the evaluation score of the attempt that produced
	// this reflection.
	SourceScore float64

	// Iteration is the attempt number within the originating task.
	Iteration int
}

// Record is a stored memory record.
//
// Everything except UtilityScore is immutable after creation; UtilityScore is
// mutated only by decay and retrieval boosts, and Consolidated is set only at
// creation time by the consolidation engine.
type Record struct {
	ID           string
	PartitionKey string
	Text         string
	Embedding    []float32
	Topic        string
	TaskType     string
	SourceScore  float64
	CreatedAt    time.Time
	Iteration    int
	UtilityScore float64
	Consolidated bool

	// Similarity is the cosine similarity to the query for retrieval
	// results. Zero outside the read path.
	Similarity float32
}

// WriteStatus describes the outcome of a Write call.
type WriteStatus string

const (
	// StatusStored means the reflection was persisted as a new record.
	StatusStored WriteStatus = "stored"

	// StatusRejectedDuplicate means the reflection was semantically too
	// close to an existing record and was not stored.
	StatusRejectedDuplicate WriteStatus = "rejected_duplicate"
)

// WriteResult is the outcome of a Write call. A rejected duplicate is a
// normal result, not an error.
type WriteResult struct {
	Status WriteStatus

	// Record is the stored record. Nil when Status is RejectedDuplicate.
	Record *Record

	// DuplicateOf is the ID of the existing record that triggered
	// rejection. Empty when stored.
	DuplicateOf string

	// Similarity is the cosine similarity to the duplicate record.
	Similarity float32
}

// PartitionKeyFor derives a partition key from a task type and its evaluation
// criteria. Records are only comparable for deduplication and consolidation
// within one partition, so the key must be stable across runs for the same
// task definition.
func PartitionKeyFor(taskType, criteria string) string {
	sum := sha256.Sum256([]byte(taskType + "\x00" + criteria))
	return hex.EncodeToString(sum[:])
}

// Metadata keys used in the vector store.
const (
	metaTopic        = "topic"
	metaTaskType     = "task_type"
	metaSourceScore  = "source_score"
	metaCreatedAt    = "created_at"
	metaIteration    = "iteration"
	metaUtilityScore = "utility_score"
	metaConsolidated = "consolidated"
)

// documentFromRecord maps a Record to its stored form.
func documentFromRecord(rec Record) vectorstore.Document {
	return vectorstore.Document{
		ID:        rec.ID,
		Partition: rec.PartitionKey,
		Content:   rec.Text,
		Embedding: rec.Embedding,
		Metadata: map[string]interface{}{
			metaTopic:        rec.Topic,
			metaTaskType:     rec.TaskType,
			metaSourceScore:  rec.SourceScore,
			metaCreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			metaIteration:    rec.Iteration,
			metaUtilityScore: rec.UtilityScore,
			metaConsolidated: rec.Consolidated,
		},
	}
}

// recordFromResult reconstructs a Record from a stored search result.
//
// Metadata values may come back as different numeric types depending on the
// backend (JSON round-trips deliver float64), so decoding is tolerant.
func recordFromResult(partition string, res vectorstore.SearchResult) (Record, error) {
	if res.ID == "" {
		return Record{}, fmt.Errorf("stored record without ID in partition %s", partition)
	}

	rec := Record{
		ID:           res.ID,
		PartitionKey: partition,
		Text:         res.Content,
		Embedding:    res.Embedding,
		Similarity:   res.Score,
	}

	md := res.Metadata
	rec.Topic, _ = md[metaTopic].(string)
	rec.TaskType, _ = md[metaTaskType].(string)
	rec.SourceScore = metaFloat(md[metaSourceScore])
	rec.Iteration = int(metaFloat(md[metaIteration]))
	rec.UtilityScore = metaFloat(md[metaUtilityScore])
	rec.Consolidated = metaBool(md[metaConsolidated])

	if ts, ok := md[metaCreatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.CreatedAt = t
		}
	}

	return rec, nil
}

func metaFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return 0
}

func metaBool(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true"
	}
	return false
}
