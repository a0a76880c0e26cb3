package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/reflectmem/internal/vectorstore"
)

// fakeStore is an in-memory Store with real cosine scoring, so the dedup
// gate and retrieval thresholds behave as they would against a backend.
type fakeStore struct {
	mu         sync.Mutex
	partitions map[string]map[string]vectorstore.Document

	// Failure injection.
	addErr       error
	failAddAfter int // fail Add after this many successful calls; 0 = never
	addCalls     int
	deleteErr    error
	updateErr    error
	queryErr     error
	listErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{partitions: make(map[string]map[string]vectorstore.Document)}
}

func (s *fakeStore) Add(_ context.Context, docs []vectorstore.Document) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.addErr != nil {
		return nil, s.addErr
	}
	s.addCalls++
	if s.failAddAfter > 0 && s.addCalls > s.failAddAfter {
		return nil, fmt.Errorf("injected add failure")
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		part, ok := s.partitions[doc.Partition]
		if !ok {
			part = make(map[string]vectorstore.Document)
			s.partitions[doc.Partition] = part
		}
		part[doc.ID] = doc
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

func (s *fakeStore) QueryPartition(_ context.Context, partition string, embedding []float32, k int, minSimilarity float32) ([]vectorstore.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queryErr != nil {
		return nil, s.queryErr
	}

	var results []vectorstore.SearchResult
	for _, doc := range s.partitions[partition] {
		score := cosine(embedding, doc.Embedding)
		if score < minSimilarity {
			continue
		}
		results = append(results, vectorstore.SearchResult{
			ID:        doc.ID,
			Content:   doc.Content,
			Score:     score,
			Embedding: doc.Embedding,
			Metadata:  copyMeta(doc.Metadata),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ti, _ := results[i].Metadata["created_at"].(string)
		tj, _ := results[j].Metadata["created_at"].(string)
		return ti > tj
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *fakeStore) ListPartition(_ context.Context, partition string) ([]vectorstore.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}

	var results []vectorstore.SearchResult
	for _, doc := range s.partitions[partition] {
		results = append(results, vectorstore.SearchResult{
			ID:        doc.ID,
			Content:   doc.Content,
			Embedding: doc.Embedding,
			Metadata:  copyMeta(doc.Metadata),
		})
	}
	return results, nil
}

func (s *fakeStore) UpdateUtility(_ context.Context, partition, id string, utility float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateErr != nil {
		return s.updateErr
	}

	doc, ok := s.partitions[partition][id]
	if !ok {
		return fmt.Errorf("record %q not found in partition %q", id, partition)
	}
	meta := copyMeta(doc.Metadata)
	meta["utility_score"] = utility
	doc.Metadata = meta
	s.partitions[partition][id] = doc
	return nil
}

func (s *fakeStore) Delete(_ context.Context, partition string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleteErr != nil {
		return s.deleteErr
	}
	for _, id := range ids {
		delete(s.partitions[partition], id)
	}
	return nil
}

func (s *fakeStore) Count(_ context.Context, partition string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.partitions[partition]), nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) utility(partition, id string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.partitions[partition][id]
	return metaFloat(doc.Metadata["utility_score"])
}

func copyMeta(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// stubEmbedder maps texts to fixed vectors. Unknown texts get a distinct
// near-orthogonal vector so unrelated reflections never collide.
type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	next    int
	err     error
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: make(map[string][]float32)}
}

const stubDim = 64

func (e *stubEmbedder) vectorFor(text string) []float32 {
	if v, ok := e.vectors[text]; ok {
		return v
	}
	// Assign the next basis vector.
	v := make([]float32, stubDim)
	v[e.next%stubDim] = 1
	e.next++
	e.vectors[text] = v
	return v
}

func (e *stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vectorFor(text)
	}
	return out, nil
}

func (e *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.vectorFor(text), nil
}

// alias makes two texts embed identically (for dedup and retrieval tests).
func (e *stubEmbedder) alias(text, as string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = e.vectorFor(as)
}

// stubJudge returns canned verdicts or an error.
type stubJudge struct {
	verdicts []bool
	err      error
	calls    int
}

func (j *stubJudge) Judge(_ context.Context, _ string, candidates []string) ([]bool, error) {
	j.calls++
	if j.err != nil {
		return nil, j.err
	}
	if j.verdicts != nil {
		return j.verdicts, nil
	}
	verdicts := make([]bool, len(candidates))
	for i := range verdicts {
		verdicts[i] = true
	}
	return verdicts, nil
}

// stubSummarizer returns canned summaries or an error.
type stubSummarizer struct {
	summaries []string
	err       error
	calls     int
}

func (s *stubSummarizer) Summarize(_ context.Context, texts []string, targetCount int) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.summaries != nil {
		return s.summaries, nil
	}
	out := make([]string, targetCount)
	for i := range out {
		out[i] = fmt.Sprintf("summary %d of %d memories", i+1, len(texts))
	}
	return out, nil
}

// fixedClock advances by step on every call, keeping created_at strictly
// ordered.
type fixedClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newFixedClock() *fixedClock {
	return &fixedClock{
		t:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		step: time.Second,
	}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}
