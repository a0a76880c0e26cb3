package vectorstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestChromemStore(t *testing.T, dir string) *ChromemStore {
	t.Helper()

	store, err := NewChromemStore(ChromemConfig{Path: dir, VectorSize: 4}, zap.NewNop())
	require.NoError(t, err)
	return store
}

// unitVec returns a 4-dim basis vector; distinct axes are orthogonal, so
// similarity scores in tests are exactly 1 or 0.
func unitVec(axis int) []float32 {
	v := make([]float32, 4)
	v[axis] = 1
	return v
}

func testDoc(partition, id string, axis int, createdAt string) Document {
	return Document{
		ID:        id,
		Partition: partition,
		Content:   "content of " + id,
		Embedding: unitVec(axis),
		Metadata: map[string]interface{}{
			"topic":         "testing",
			"utility_score": 1.0,
			"created_at":    createdAt,
		},
	}
}

func TestChromemStore_AddAndQuery(t *testing.T) {
	store := newTestChromemStore(t, t.TempDir())
	ctx := context.Background()

	ids, err := store.Add(ctx, []Document{
		testDoc("p1", "doc-a", 0, "2025-06-01T12:00:00Z"),
		testDoc("p1", "doc-b", 1, "2025-06-01T12:00:01Z"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-a", "doc-b"}, ids)

	// Query along axis 0: doc-a at similarity 1, doc-b at 0 (filtered).
	results, err := store.QueryPartition(ctx, "p1", unitVec(0), 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-a", results[0].ID)
	assert.Equal(t, "content of doc-a", results[0].Content)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-5)
	assert.Equal(t, 1.0, results[0].Metadata["utility_score"])
}

func TestChromemStore_QueryUnknownPartition(t *testing.T) {
	store := newTestChromemStore(t, t.TempDir())

	results, err := store.QueryPartition(context.Background(), "nothing_here", unitVec(0), 5, 0.0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStore_QueryCapsKAtCount(t *testing.T) {
	store := newTestChromemStore(t, t.TempDir())
	ctx := context.Background()

	_, err := store.Add(ctx, []Document{testDoc("p1", "doc-a", 0, "2025-06-01T12:00:00Z")})
	require.NoError(t, err)

	// k far above the document count must not error.
	results, err := store.QueryPartition(ctx, "p1", unitVec(0), 50, 0.0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestChromemStore_TieBreakPrefersNewest(t *testing.T) {
	store := newTestChromemStore(t, t.TempDir())
	ctx := context.Background()

	// Identical embeddings, different creation times.
	_, err := store.Add(ctx, []Document{
		testDoc("p1", "doc-old", 0, "2025-06-01T12:00:00Z"),
		testDoc("p1", "doc-new", 0, "2025-06-02T12:00:00Z"),
	})
	require.NoError(t, err)

	results, err := store.QueryPartition(ctx, "p1", unitVec(0), 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "doc-new", results[0].ID, "equal similarity breaks toward the newer record")
	assert.Equal(t, "doc-old", results[1].ID)
}

func TestChromemStore_PartitionIsolation(t *testing.T) {
	store := newTestChromemStore(t, t.TempDir())
	ctx := context.Background()

	_, err := store.Add(ctx, []Document{testDoc("part_a", "doc-a", 0, "2025-06-01T12:00:00Z")})
	require.NoError(t, err)
	_, err = store.Add(ctx, []Document{testDoc("part_b", "doc-b", 0, "2025-06-01T12:00:00Z")})
	require.NoError(t, err)

	results, err := store.QueryPartition(ctx, "part_b", unitVec(0), 5, 0.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-b", results[0].ID)

	count, err := store.Count(ctx, "part_a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChromemStore_ListAndUpdateUtility(t *testing.T) {
	store := newTestChromemStore(t, t.TempDir())
	ctx := context.Background()

	_, err := store.Add(ctx, []Document{
		testDoc("p1", "doc-a", 0, "2025-06-01T12:00:00Z"),
		testDoc("p1", "doc-b", 1, "2025-06-01T12:00:01Z"),
	})
	require.NoError(t, err)

	require.NoError(t, store.UpdateUtility(ctx, "p1", "doc-a", 0.45))

	// Both enumeration and similarity search must see the new value.
	results, err := store.ListPartition(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	utilities := map[string]float64{}
	for _, r := range results {
		utilities[r.ID] = r.Metadata["utility_score"].(float64)
	}
	assert.Equal(t, 0.45, utilities["doc-a"])
	assert.Equal(t, 1.0, utilities["doc-b"])

	queried, err := store.QueryPartition(ctx, "p1", unitVec(0), 5, 0.5)
	require.NoError(t, err)
	require.Len(t, queried, 1)
	assert.Equal(t, 0.45, queried[0].Metadata["utility_score"])

	// Unknown record errors.
	require.Error(t, store.UpdateUtility(ctx, "p1", "doc-missing", 0.5))
}

func TestChromemStore_Delete(t *testing.T) {
	store := newTestChromemStore(t, t.TempDir())
	ctx := context.Background()

	_, err := store.Add(ctx, []Document{
		testDoc("p1", "doc-a", 0, "2025-06-01T12:00:00Z"),
		testDoc("p1", "doc-b", 1, "2025-06-01T12:00:01Z"),
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "p1", []string{"doc-a"}))

	count, err := store.Count(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := store.ListPartition(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-b", results[0].ID)

	// Deleting nothing is a no-op.
	require.NoError(t, store.Delete(ctx, "p1", nil))
}

func TestChromemStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := newTestChromemStore(t, dir)
	_, err := store.Add(ctx, []Document{testDoc("p1", "doc-a", 0, "2025-06-01T12:00:00Z")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := newTestChromemStore(t, dir)
	count, err := reopened.Count(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := reopened.QueryPartition(ctx, "p1", unitVec(0), 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-a", results[0].ID)
	assert.Equal(t, "content of doc-a", results[0].Content)
}

func TestChromemStore_AddValidation(t *testing.T) {
	store := newTestChromemStore(t, t.TempDir())
	ctx := context.Background()

	_, err := store.Add(ctx, nil)
	require.ErrorIs(t, err, ErrEmptyDocuments)

	_, err = store.Add(ctx, []Document{
		testDoc("p1", "doc-a", 0, "2025-06-01T12:00:00Z"),
		testDoc("p2", "doc-b", 1, "2025-06-01T12:00:00Z"),
	})
	require.Error(t, err, "mixed-partition batches are rejected")

	noEmbedding := testDoc("p1", "doc-c", 0, "2025-06-01T12:00:00Z")
	noEmbedding.Embedding = nil
	_, err = store.Add(ctx, []Document{noEmbedding})
	require.ErrorIs(t, err, ErrMissingEmbedding)

	noID := testDoc("p1", "", 0, "2025-06-01T12:00:00Z")
	_, err = store.Add(ctx, []Document{noID})
	require.Error(t, err)
}

func TestChromemStore_ManyRecords(t *testing.T) {
	store := newTestChromemStore(t, t.TempDir())
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 13; i++ {
		doc := testDoc("p1", fmt.Sprintf("doc-%02d", i), i%4, base.Add(time.Duration(i)*time.Second).Format(time.RFC3339))
		_, err := store.Add(ctx, []Document{doc})
		require.NoError(t, err)
	}

	count, err := store.Count(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 13, count)

	results, err := store.ListPartition(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, results, 13)
}
