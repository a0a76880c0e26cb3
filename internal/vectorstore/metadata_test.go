package vectorstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaIndex_PutGetListCount(t *testing.T) {
	idx, err := newMetaIndex(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, idx.put("p1", map[string]metaRecord{
		"id-1": {Content: "one", Embedding: []float32{1, 0}, Metadata: map[string]interface{}{"utility_score": 1.0}},
		"id-2": {Content: "two", Embedding: []float32{0, 1}, Metadata: map[string]interface{}{"utility_score": 0.9}},
	}))

	assert.Equal(t, 2, idx.count("p1"))
	assert.Equal(t, 0, idx.count("p2"))

	rec, ok := idx.get("p1", "id-1")
	require.True(t, ok)
	assert.Equal(t, "one", rec.Content)

	_, ok = idx.get("p1", "id-missing")
	assert.False(t, ok)

	listed := idx.list("p1")
	assert.Len(t, listed, 2)
}

func TestMetaIndex_SetUtility(t *testing.T) {
	idx, err := newMetaIndex(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, idx.put("p1", map[string]metaRecord{
		"id-1": {Content: "one", Metadata: map[string]interface{}{"utility_score": 1.0, "topic": "x"}},
	}))

	// A snapshot taken before the update must not observe it (copy-on-write).
	before, _ := idx.get("p1", "id-1")

	require.NoError(t, idx.setUtility("p1", "id-1", 0.5))

	after, _ := idx.get("p1", "id-1")
	assert.Equal(t, 0.5, after.Metadata["utility_score"])
	assert.Equal(t, "x", after.Metadata["topic"], "other metadata untouched")
	assert.Equal(t, 1.0, before.Metadata["utility_score"])

	require.Error(t, idx.setUtility("p1", "id-missing", 0.5))
	require.Error(t, idx.setUtility("p-missing", "id-1", 0.5))
}

func TestMetaIndex_Remove(t *testing.T) {
	idx, err := newMetaIndex(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, idx.put("p1", map[string]metaRecord{
		"id-1": {Content: "one"},
		"id-2": {Content: "two"},
	}))

	require.NoError(t, idx.remove("p1", []string{"id-1", "id-unknown"}))
	assert.Equal(t, 1, idx.count("p1"))

	// Removing from an unknown partition is a no-op.
	require.NoError(t, idx.remove("p-missing", []string{"id-1"}))

	// Removing the last record drops the partition entry.
	require.NoError(t, idx.remove("p1", []string{"id-2"}))
	assert.Equal(t, 0, idx.count("p1"))
}

func TestMetaIndex_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()

	idx, err := newMetaIndex(dir)
	require.NoError(t, err)
	require.NoError(t, idx.put("p1", map[string]metaRecord{
		"id-1": {Content: "one", Embedding: []float32{1, 0}, Metadata: map[string]interface{}{"utility_score": 0.7}},
	}))

	reloaded, err := newMetaIndex(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.count("p1"))

	rec, ok := reloaded.get("p1", "id-1")
	require.True(t, ok)
	assert.Equal(t, "one", rec.Content)
	assert.Equal(t, []float32{1, 0}, rec.Embedding)
	assert.Equal(t, 0.7, rec.Metadata["utility_score"])
}

func TestMetaIndex_CorruptFileRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "records.json"), []byte("{not json"), 0600))

	_, err := newMetaIndex(dir)
	require.Error(t, err)
}
