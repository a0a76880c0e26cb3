package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/reflectmem/internal/vectorstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// consolidateLocked replaces every record in an over-bound partition with
// ConsolidationTarget summary records.
//
// Durability ordering is write-before-delete: all summary records are
// persisted before any original is removed, so a crash or error mid-way
// leaves the partition with extra records, never fewer. Any failure after
// summaries start landing rolls the partials back and keeps the originals;
// the next maintenance cycle retries.
//
// Callers must hold the partition lock.
func (e *Engine) consolidateLocked(ctx context.Context, partition string) error {
	ctx, span := engineTracer.Start(ctx, "Engine.Consolidate")
	defer span.End()
	span.SetAttributes(attribute.String("partition", partition))

	results, err := e.store.ListPartition(ctx, partition)
	if err != nil {
		return fmt.Errorf("listing partition: %w", err)
	}

	originals := make([]Record, 0, len(results))
	for _, res := range results {
		rec, err := recordFromResult(partition, res)
		if err != nil {
			e.logger.Warn("skipping malformed record during consolidation",
				zap.String("id", res.ID), zap.Error(err))
			continue
		}
		originals = append(originals, rec)
	}
	if len(originals) <= e.config.PartitionBound {
		return nil
	}
	sortByCreatedAt(originals)

	span.SetAttributes(attribute.Int("originals", len(originals)))

	texts := make([]string, len(originals))
	for i, rec := range originals {
		texts[i] = rec.Text
	}

	summaries, err := e.summarizer.Summarize(ctx, texts, e.config.ConsolidationTarget)
	if err != nil {
		e.metrics.RecordConsolidation(ctx, "rolled_back")
		e.logger.Error("consolidation summarization failed, keeping originals",
			zap.String("partition", partition),
			zap.Int("originals", len(originals)),
			zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Nothing written yet, nothing to roll back. Not surfaced: the
		// triggering write already succeeded.
		return nil
	}

	// The target count is a contract on the Summarizer interface, not just
	// the bundled LLM adapter. A short result must abort before any original
	// is deleted.
	if len(summaries) < e.config.ConsolidationTarget {
		e.metrics.RecordConsolidation(ctx, "rolled_back")
		e.logger.Error("summarizer returned too few summaries, keeping originals",
			zap.String("partition", partition),
			zap.Int("summaries", len(summaries)),
			zap.Int("target", e.config.ConsolidationTarget))
		span.SetStatus(codes.Error, "insufficient summaries")
		return nil
	}
	if len(summaries) > e.config.ConsolidationTarget {
		summaries = summaries[:e.config.ConsolidationTarget]
	}

	embeddings, err := e.embedder.EmbedDocuments(ctx, summaries)
	if err != nil || len(embeddings) != len(summaries) {
		e.metrics.RecordConsolidation(ctx, "rolled_back")
		e.logger.Error("consolidation embedding failed, keeping originals",
			zap.String("partition", partition),
			zap.Error(err))
		return nil
	}

	// Summary records inherit provenance from the newest original.
	newest := originals[len(originals)-1]
	summaryRecords := make([]Record, len(summaries))
	for i, text := range summaries {
		summaryRecords[i] = Record{
			ID:           e.newID(),
			PartitionKey: partition,
			Text:         text,
			Embedding:    embeddings[i],
			Topic:        consolidatedTopic(originals),
			TaskType:     newest.TaskType,
			SourceScore:  newest.SourceScore,
			CreatedAt:    e.now().UTC(),
			Iteration:    newest.Iteration,
			UtilityScore: e.config.InitialUtility,
			Consolidated: true,
		}
	}

	// Write all summaries before deleting any original.
	var written []string
	for _, rec := range summaryRecords {
		if _, err := e.store.Add(ctx, []vectorstore.Document{documentFromRecord(rec)}); err != nil {
			e.rollbackSummaries(ctx, partition, written)
			e.metrics.RecordConsolidation(ctx, "rolled_back")
			e.logger.Error("consolidation write failed, rolled back partial summaries",
				zap.String("partition", partition),
				zap.Int("written", len(written)),
				zap.Error(err))
			span.RecordError(err)
			return nil
		}
		written = append(written, rec.ID)
	}

	originalIDs := make([]string, len(originals))
	for i, rec := range originals {
		originalIDs[i] = rec.ID
	}
	if err := e.store.Delete(ctx, partition, originalIDs); err != nil {
		// Summaries are durable; deleting originals failed. Roll the
		// summaries back so the invariant "extra records, never fewer"
		// holds from a consistent base, and retry next cycle.
		e.rollbackSummaries(ctx, partition, written)
		e.metrics.RecordConsolidation(ctx, "rolled_back")
		e.logger.Error("consolidation delete failed, rolled back summaries",
			zap.String("partition", partition),
			zap.Error(err))
		span.RecordError(err)
		return nil
	}

	e.metrics.RecordConsolidation(ctx, "applied")
	e.logger.Info("consolidated partition",
		zap.String("partition", partition),
		zap.Int("originals", len(originals)),
		zap.Int("summaries", len(summaryRecords)))
	span.SetStatus(codes.Ok, "applied")
	return nil
}

// rollbackSummaries best-effort deletes partially written summary records.
func (e *Engine) rollbackSummaries(ctx context.Context, partition string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := e.store.Delete(ctx, partition, ids); err != nil {
		// Leftover summaries are surplus records, caught by the next
		// decay/consolidation cycle.
		e.logger.Warn("failed to roll back summary records",
			zap.String("partition", partition),
			zap.Strings("ids", ids),
			zap.Error(err))
	}
}

// consolidatedTopic merges the distinct topics of the originals.
func consolidatedTopic(originals []Record) string {
	seen := make(map[string]bool)
	var topics []string
	for _, rec := range originals {
		if rec.Topic == "" || seen[rec.Topic] {
			continue
		}
		seen[rec.Topic] = true
		topics = append(topics, rec.Topic)
	}
	return strings.Join(topics, ", ")
}
