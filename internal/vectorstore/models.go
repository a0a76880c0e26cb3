package vectorstore

// Document represents a record to be stored in the vector store.
type Document struct {
	// ID is the unique identifier for the document.
	ID string

	// Partition is the partition key scoping this document.
	Partition string

	// Content is the text payload of the document.
	Content string

	// Embedding is the precomputed embedding vector for Content.
	// The engine embeds once per write (the same vector serves the dedup
	// probe and the insert), so stores never re-embed.
	Embedding []float32

	// Metadata contains additional key-value pairs.
	// Common fields: topic, task_type, source_score, created_at, iteration,
	// utility_score, consolidated.
	Metadata map[string]interface{}
}

// SearchResult represents a single record returned from a query or enumeration.
type SearchResult struct {
	// ID is the document identifier.
	ID string

	// Content is the document text payload.
	Content string

	// Score is the cosine similarity to the query (higher = more similar).
	// Zero for enumeration results.
	Score float32

	// Embedding is the stored embedding vector, when the backend returns it.
	Embedding []float32

	// Metadata contains the document metadata.
	Metadata map[string]interface{}
}
