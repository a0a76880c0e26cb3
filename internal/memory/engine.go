package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/reflectmem/internal/vectorstore"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Tracer for OpenTelemetry instrumentation.
var engineTracer = otel.Tracer("reflectmem.memory.engine")

// utilityEpsilon absorbs float64 drift from repeated decay subtraction. A
// record that lands exactly on the prune threshold (1.0 minus fourteen 0.05
// steps reads 0.29999999999999993) must survive that pass.
const utilityEpsilon = 1e-9

// numLockStripes is the size of the partition lock table. Partition keys hash
// onto stripes; two partitions sharing a stripe serialize against each other,
// which costs throughput but never correctness.
const numLockStripes = 64

// Config holds the engine thresholds.
//
// The defaults implement the tuned policy: reject near-duplicates at 0.92,
// retrieve at 0.75, boost by 0.1 up to 2.0, decay by 0.05 down to 0.0, prune
// below 0.3, and consolidate a partition that exceeds 10 records down to 3.
type Config struct {
	DedupThreshold      float32
	RetrievalTopK       int
	MinSimilarity       float32
	InitialUtility      float64
	UtilityBoost        float64
	UtilityDecay        float64
	UtilityCeiling      float64
	PruneThreshold      float64
	PartitionBound      int
	ConsolidationTarget int
}

// DefaultConfig returns the default engine thresholds.
func DefaultConfig() Config {
	return Config{
		DedupThreshold:      0.92,
		RetrievalTopK:       5,
		MinSimilarity:       0.75,
		InitialUtility:      1.0,
		UtilityBoost:        0.1,
		UtilityDecay:        0.05,
		UtilityCeiling:      2.0,
		PruneThreshold:      0.3,
		PartitionBound:      10,
		ConsolidationTarget: 3,
	}
}

// Engine is the reflective memory engine.
//
// An Engine is an explicitly constructed shared instance; create one per
// store and pass it around. The write path (dedup probe, insert, maintenance)
// holds the partition's lock end to end, so concurrent writers to one
// partition serialize. The read path releases the lock around the external
// relevance judgment so a slow judge never blocks writers.
//
// Two engines sharing one store race the check-then-write dedup window; that
// deployment is out of contract.
type Engine struct {
	store      vectorstore.Store
	embedder   vectorstore.Embedder
	judge      RelevanceJudge
	summarizer Summarizer
	config     Config
	logger     *zap.Logger
	metrics    *Metrics

	locks [numLockStripes]sync.Mutex

	autoMaintain bool
	now          func() time.Time
	newID        func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithJudge sets the relevance judge. Without one, retrieval skips the
// relevance filter and returns all similarity matches.
func WithJudge(judge RelevanceJudge) Option {
	return func(e *Engine) { e.judge = judge }
}

// WithSummarizer sets the consolidation summarizer. Without one, partitions
// are never consolidated and may grow past the bound.
func WithSummarizer(summarizer Summarizer) Option {
	return func(e *Engine) { e.summarizer = summarizer }
}

// WithoutAutoMaintenance disables the post-write maintenance pipeline.
// Callers then run maintenance explicitly via RunMaintenance.
func WithoutAutoMaintenance() Option {
	return func(e *Engine) { e.autoMaintain = false }
}

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides record ID generation. For tests.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates a memory engine over the given store and embedder.
func NewEngine(store vectorstore.Store, embedder vectorstore.Embedder, config Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("vector store cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	e := &Engine{
		store:        store,
		embedder:     embedder,
		config:       config,
		logger:       logger,
		metrics:      NewMetrics(logger),
		autoMaintain: true,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

func validateConfig(cfg Config) error {
	if cfg.DedupThreshold <= 0 || cfg.DedupThreshold > 1 {
		return fmt.Errorf("dedup threshold must be in (0, 1], got %v", cfg.DedupThreshold)
	}
	if cfg.RetrievalTopK <= 0 {
		return fmt.Errorf("retrieval top-k must be positive, got %d", cfg.RetrievalTopK)
	}
	if cfg.UtilityCeiling < cfg.InitialUtility {
		return fmt.Errorf("utility ceiling %v below initial utility %v", cfg.UtilityCeiling, cfg.InitialUtility)
	}
	if cfg.ConsolidationTarget <= 0 || cfg.ConsolidationTarget > cfg.PartitionBound {
		return fmt.Errorf("consolidation target %d must be in [1, %d]", cfg.ConsolidationTarget, cfg.PartitionBound)
	}
	return nil
}

// lockFor returns the stripe lock for a partition.
func (e *Engine) lockFor(partition string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(partition))
	return &e.locks[h.Sum32()%numLockStripes]
}

// Write stores a reflection unless it duplicates an existing record in its
// partition.
//
// The dedup probe, the insert, and the post-write maintenance pipeline run
// under the partition lock as one critical section. A duplicate is reported
// in the result, not as an error; maintenance failures are logged and never
// fail the write.
func (e *Engine) Write(ctx context.Context, refl Reflection) (WriteResult, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.Write")
	defer span.End()

	start := e.now()
	outcome := "error"
	defer func() {
		e.metrics.RecordWrite(ctx, outcome, e.now().Sub(start))
	}()

	if refl.Text == "" {
		return WriteResult{}, fmt.Errorf("%w: text cannot be empty", ErrInvalidReflection)
	}

	partition := refl.PartitionKey
	if partition == "" {
		if refl.TaskType == "" {
			return WriteResult{}, fmt.Errorf("%w: partition key or task type required", ErrInvalidReflection)
		}
		partition = PartitionKeyFor(refl.TaskType, refl.Criteria)
	}
	if err := vectorstore.ValidatePartitionKey(partition); err != nil {
		return WriteResult{}, fmt.Errorf("%w: %v", ErrInvalidReflection, err)
	}
	span.SetAttributes(attribute.String("partition", partition))

	// Embed once; the same vector serves the dedup probe and the insert.
	embeddings, err := e.embedder.EmbedDocuments(ctx, []string{refl.Text})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return WriteResult{}, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(embeddings) != 1 {
		return WriteResult{}, fmt.Errorf("%w: got %d embeddings for one text", ErrEmbeddingFailed, len(embeddings))
	}
	embedding := embeddings[0]

	mu := e.lockFor(partition)
	mu.Lock()
	defer mu.Unlock()

	// Dedup gate: nearest neighbor at or above the threshold rejects.
	dups, err := e.store.QueryPartition(ctx, partition, embedding, 1, e.config.DedupThreshold)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return WriteResult{}, fmt.Errorf("dedup probe: %w", err)
	}
	if len(dups) > 0 {
		outcome = "rejected_duplicate"
		e.logger.Debug("rejected duplicate reflection",
			zap.String("partition", partition),
			zap.String("duplicate_of", dups[0].ID),
			zap.Float32("similarity", dups[0].Score))
		span.SetAttributes(attribute.Bool("duplicate", true))
		return WriteResult{
			Status:      StatusRejectedDuplicate,
			DuplicateOf: dups[0].ID,
			Similarity:  dups[0].Score,
		}, nil
	}

	rec := Record{
		ID:           e.newID(),
		PartitionKey: partition,
		Text:         refl.Text,
		Embedding:    embedding,
		Topic:        refl.Topic,
		TaskType:     refl.TaskType,
		SourceScore:  refl.SourceScore,
		CreatedAt:    e.now().UTC(),
		Iteration:    refl.Iteration,
		UtilityScore: e.config.InitialUtility,
	}

	if _, err := e.store.Add(ctx, []vectorstore.Document{documentFromRecord(rec)}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return WriteResult{}, fmt.Errorf("storing record: %w", err)
	}

	e.logger.Debug("stored reflection",
		zap.String("partition", partition),
		zap.String("id", rec.ID))

	if e.autoMaintain {
		if err := e.maintainLocked(ctx, partition); err != nil {
			// Maintenance is best-effort: the record is durable, the next
			// accepted write retries the pipeline.
			e.logger.Warn("post-write maintenance failed",
				zap.String("partition", partition),
				zap.Error(err))
		}
	}

	outcome = "stored"
	span.SetStatus(codes.Ok, "stored")
	return WriteResult{Status: StatusStored, Record: &rec}, nil
}

// Retrieve returns the records most relevant to queryText within a partition.
//
// Candidates come from similarity search (top-k, floor MinSimilarity, ties to
// the newest record), pass through the relevance judge when one is set, and
// are boosted before being returned in similarity order. The judge call runs
// outside the partition lock.
func (e *Engine) Retrieve(ctx context.Context, partition, queryText string, topK int) ([]Record, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.Retrieve")
	defer span.End()

	if queryText == "" {
		return nil, fmt.Errorf("query text cannot be empty")
	}
	if err := vectorstore.ValidatePartitionKey(partition); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = e.config.RetrievalTopK
	}
	span.SetAttributes(
		attribute.String("partition", partition),
		attribute.Int("top_k", topK),
	)

	embedding, err := e.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	mu := e.lockFor(partition)
	mu.Lock()
	results, err := e.store.QueryPartition(ctx, partition, embedding, topK, e.config.MinSimilarity)
	mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying partition: %w", err)
	}

	candidates := make([]Record, 0, len(results))
	for _, res := range results {
		rec, err := recordFromResult(partition, res)
		if err != nil {
			e.logger.Warn("skipping malformed record", zap.String("id", res.ID), zap.Error(err))
			continue
		}
		candidates = append(candidates, rec)
	}

	kept := e.filterRelevant(ctx, partition, queryText, candidates)

	// Boost under the lock, from utilities re-read under that same lock: a
	// decay pass may have run during the unlocked judge window, and boosting
	// from the pre-judge snapshot would silently undo it.
	mu.Lock()
	if len(kept) > 0 {
		listed, err := e.store.ListPartition(ctx, partition)
		if err != nil {
			e.logger.Warn("failed to re-read utilities before boost",
				zap.String("partition", partition),
				zap.Error(err))
		} else {
			current := make(map[string]float64, len(listed))
			for _, res := range listed {
				current[res.ID] = metaFloat(res.Metadata[metaUtilityScore])
			}
			for i := range kept {
				utility, ok := current[kept[i].ID]
				if !ok {
					// Pruned or consolidated away during the judge window.
					continue
				}
				boosted := utility + e.config.UtilityBoost
				if boosted > e.config.UtilityCeiling {
					boosted = e.config.UtilityCeiling
				}
				if err := e.store.UpdateUtility(ctx, partition, kept[i].ID, boosted); err != nil {
					e.logger.Warn("failed to boost record",
						zap.String("partition", partition),
						zap.String("id", kept[i].ID),
						zap.Error(err))
					continue
				}
				kept[i].UtilityScore = boosted
			}
		}
	}
	mu.Unlock()

	e.metrics.RecordRetrieval(ctx, len(kept))
	span.SetAttributes(attribute.Int("results", len(kept)))
	span.SetStatus(codes.Ok, "success")
	return kept, nil
}

// filterRelevant applies the relevance judge to retrieval candidates.
// Every judge failure mode fails open: all candidates are kept.
func (e *Engine) filterRelevant(ctx context.Context, partition, taskContext string, candidates []Record) []Record {
	if e.judge == nil || len(candidates) == 0 {
		return candidates
	}

	texts := make([]string, len(candidates))
	for i, rec := range candidates {
		texts[i] = rec.Text
	}

	verdicts, err := e.judge.Judge(ctx, taskContext, texts)
	if err != nil {
		e.logger.Warn("relevance judgment failed, keeping all candidates",
			zap.String("partition", partition),
			zap.Int("candidates", len(candidates)),
			zap.Error(err))
		return candidates
	}
	if len(verdicts) != len(candidates) {
		e.logger.Warn("relevance judgment length mismatch, keeping all candidates",
			zap.String("partition", partition),
			zap.Int("candidates", len(candidates)),
			zap.Int("verdicts", len(verdicts)))
		return candidates
	}

	kept := make([]Record, 0, len(candidates))
	for i, keep := range verdicts {
		if keep {
			kept = append(kept, candidates[i])
		}
	}
	return kept
}

// RunMaintenance runs the maintenance pipeline on one partition: decay and
// prune, then consolidation when the partition exceeds its bound.
//
// Write runs this automatically after every accepted write; it is exposed for
// engines constructed WithoutAutoMaintenance and for operational tooling.
func (e *Engine) RunMaintenance(ctx context.Context, partition string) error {
	if err := vectorstore.ValidatePartitionKey(partition); err != nil {
		return err
	}

	mu := e.lockFor(partition)
	mu.Lock()
	defer mu.Unlock()

	return e.maintainLocked(ctx, partition)
}

// maintainLocked runs decay-prune then conditional consolidation.
// Callers must hold the partition lock.
func (e *Engine) maintainLocked(ctx context.Context, partition string) error {
	ctx, span := engineTracer.Start(ctx, "Engine.Maintain")
	defer span.End()
	span.SetAttributes(attribute.String("partition", partition))

	if err := e.decayAndPruneLocked(ctx, partition); err != nil {
		span.RecordError(err)
		return fmt.Errorf("decay pass: %w", err)
	}

	count, err := e.store.Count(ctx, partition)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("counting partition: %w", err)
	}
	if count <= e.config.PartitionBound {
		return nil
	}

	if e.summarizer == nil {
		e.logger.Warn("partition over bound but no summarizer configured",
			zap.String("partition", partition),
			zap.Int("count", count),
			zap.Int("bound", e.config.PartitionBound))
		return nil
	}

	return e.consolidateLocked(ctx, partition)
}

// decayAndPruneLocked applies one decay step to every record in the
// partition and deletes the ones that fall below the prune threshold.
// Callers must hold the partition lock.
func (e *Engine) decayAndPruneLocked(ctx context.Context, partition string) error {
	results, err := e.store.ListPartition(ctx, partition)
	if err != nil {
		return fmt.Errorf("listing partition: %w", err)
	}

	var pruneIDs []string
	for _, res := range results {
		utility := metaFloat(res.Metadata[metaUtilityScore]) - e.config.UtilityDecay
		if utility < 0 {
			utility = 0
		}
		if utility < e.config.PruneThreshold-utilityEpsilon {
			pruneIDs = append(pruneIDs, res.ID)
			continue
		}
		if err := e.store.UpdateUtility(ctx, partition, res.ID, utility); err != nil {
			return fmt.Errorf("decaying record %s: %w", res.ID, err)
		}
	}

	if len(pruneIDs) > 0 {
		if err := e.store.Delete(ctx, partition, pruneIDs); err != nil {
			return fmt.Errorf("pruning records: %w", err)
		}
		e.metrics.RecordPruned(ctx, len(pruneIDs))
		e.logger.Info("pruned low-utility records",
			zap.String("partition", partition),
			zap.Int("count", len(pruneIDs)))
	}

	return nil
}

// sortByCreatedAt orders records oldest first. Consolidation feeds texts to
// the summarizer in creation order so summaries read chronologically.
func sortByCreatedAt(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
