package vectorstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// metaRecord is the sidecar entry for one stored record.
//
// The sidecar is the simple key-value layer backing the vector index: it owns
// partition enumeration and the single mutable metadata field (utility_score).
// Content and embeddings are duplicated here so that decay and consolidation
// can enumerate a partition without a similarity query; partitions are bounded
// small, so the duplication is cheap.
type metaRecord struct {
	Content   string                 `json:"content"`
	Embedding []float32              `json:"embedding"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// metaIndex is a partition -> id -> record map persisted as a single JSON
// file next to the chromem database. Writes are synchronous: every mutation
// rewrites the file via a temp-file rename, so a successful call means the
// update is durable.
type metaIndex struct {
	mu         sync.RWMutex
	path       string
	partitions map[string]map[string]metaRecord
}

// newMetaIndex loads the sidecar from disk, creating an empty index when the
// file does not exist yet.
func newMetaIndex(dir string) (*metaIndex, error) {
	idx := &metaIndex{
		path:       filepath.Join(dir, "records.json"),
		partitions: make(map[string]map[string]metaRecord),
	}

	data, err := os.ReadFile(idx.path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata index: %w", err)
	}

	if err := json.Unmarshal(data, &idx.partitions); err != nil {
		return nil, fmt.Errorf("parsing metadata index %s: %w", idx.path, err)
	}

	return idx, nil
}

// persistLocked writes the index to disk. Callers must hold mu.
func (m *metaIndex) persistLocked() error {
	data, err := json.Marshal(m.partitions)
	if err != nil {
		return fmt.Errorf("encoding metadata index: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing metadata index: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replacing metadata index: %w", err)
	}
	return nil
}

// put inserts or replaces records and persists the index.
func (m *metaIndex) put(partition string, records map[string]metaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.partitions[partition]
	if !ok {
		part = make(map[string]metaRecord, len(records))
		m.partitions[partition] = part
	}
	for id, rec := range records {
		part[id] = rec
	}
	return m.persistLocked()
}

// setUtility overwrites the utility_score of one record and persists.
func (m *metaIndex) setUtility(partition, id string, utility float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.partitions[partition]
	if !ok {
		return fmt.Errorf("partition %q not found in metadata index", partition)
	}
	rec, ok := part[id]
	if !ok {
		return fmt.Errorf("record %q not found in partition %q", id, partition)
	}

	// Copy-on-write so concurrent readers holding the old map stay consistent.
	metadata := make(map[string]interface{}, len(rec.Metadata))
	for k, v := range rec.Metadata {
		metadata[k] = v
	}
	metadata["utility_score"] = utility
	rec.Metadata = metadata
	part[id] = rec

	return m.persistLocked()
}

// remove deletes records and persists the index. Unknown IDs are ignored.
func (m *metaIndex) remove(partition string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.partitions[partition]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(part, id)
	}
	if len(part) == 0 {
		delete(m.partitions, partition)
	}
	return m.persistLocked()
}

// list returns copies of every record in a partition.
func (m *metaIndex) list(partition string) map[string]metaRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	part := m.partitions[partition]
	out := make(map[string]metaRecord, len(part))
	for id, rec := range part {
		out[id] = rec
	}
	return out
}

// get returns one record and whether it exists.
func (m *metaIndex) get(partition, id string) (metaRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.partitions[partition][id]
	return rec, ok
}

// count returns the number of records in a partition.
func (m *metaIndex) count(partition string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.partitions[partition])
}
