package memory

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/reflectmem/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionKeyFor(t *testing.T) {
	key := PartitionKeyFor("essay_writing", "clarity, under 500 words")

	// Stable across calls and valid as a store partition key.
	assert.Equal(t, key, PartitionKeyFor("essay_writing", "clarity, under 500 words"))
	require.NoError(t, vectorstore.ValidatePartitionKey(key))

	// Sensitive to both inputs, including the type/criteria boundary.
	assert.NotEqual(t, key, PartitionKeyFor("essay_writing", "clarity"))
	assert.NotEqual(t, key, PartitionKeyFor("code_review", "clarity, under 500 words"))
	assert.NotEqual(t, PartitionKeyFor("ab", "c"), PartitionKeyFor("a", "bc"))
}

func TestRecordDocumentRoundTrip(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	rec := Record{
		ID:           "rec-0001",
		PartitionKey: "p1",
		Text:         "lesson text",
		Embedding:    []float32{0.1, 0.2, 0.3},
		Topic:        "structure",
		TaskType:     "essay_writing",
		SourceScore:  0.82,
		CreatedAt:    created,
		Iteration:    3,
		UtilityScore: 1.0,
		Consolidated: true,
	}

	doc := documentFromRecord(rec)
	assert.Equal(t, "p1", doc.Partition)

	got, err := recordFromResult("p1", vectorstore.SearchResult{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  doc.Metadata,
	})
	require.NoError(t, err)

	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Text, got.Text)
	assert.Equal(t, rec.Topic, got.Topic)
	assert.Equal(t, rec.TaskType, got.TaskType)
	assert.Equal(t, rec.SourceScore, got.SourceScore)
	assert.Equal(t, rec.Iteration, got.Iteration)
	assert.Equal(t, rec.UtilityScore, got.UtilityScore)
	assert.True(t, got.Consolidated)
	assert.True(t, got.CreatedAt.Equal(created))
}

func TestRecordFromResult_ToleratesBackendTypes(t *testing.T) {
	// JSON round-trips deliver numbers as float64 and bools sometimes as
	// strings, depending on the backend's payload encoding.
	got, err := recordFromResult("p1", vectorstore.SearchResult{
		ID:      "rec-0002",
		Content: "lesson",
		Metadata: map[string]interface{}{
			"iteration":     float64(4),
			"source_score":  float32(0.5),
			"utility_score": int64(1),
			"consolidated":  "true",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, got.Iteration)
	assert.InDelta(t, 0.5, got.SourceScore, 1e-6)
	assert.Equal(t, 1.0, got.UtilityScore)
	assert.True(t, got.Consolidated)
}

func TestRecordFromResult_MissingID(t *testing.T) {
	_, err := recordFromResult("p1", vectorstore.SearchResult{Content: "orphan"})
	require.Error(t, err)
}
