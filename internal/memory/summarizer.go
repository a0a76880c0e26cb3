package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/reflectmem/internal/llm"
)

// Summarizer condenses a partition's records into a smaller set of summary
// texts during consolidation. One call covers the whole partition.
//
// Implementations must return at least targetCount summaries or an error;
// the caller treats a short result as ErrSummarizationInsufficient and keeps
// the originals.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string, targetCount int) ([]string, error)
}

const summarizePromptTemplate = `You are consolidating an agent's learned memories.

Below are %d memory entries from the same task family. Merge them into exactly
%d consolidated entries. Each consolidated entry should preserve the distinct,
actionable lessons; drop repetition and transient detail.

Memories:
%s
Respond with ONLY a JSON array of exactly %d strings.`

// LLMSummarizer is a Summarizer backed by a completion client.
type LLMSummarizer struct {
	client llm.CompletionClient
}

// NewLLMSummarizer creates a summarizer over the given completion client.
func NewLLMSummarizer(client llm.CompletionClient) (*LLMSummarizer, error) {
	if client == nil {
		return nil, fmt.Errorf("completion client cannot be nil")
	}
	return &LLMSummarizer{client: client}, nil
}

// Summarize condenses texts into targetCount summaries.
func (s *LLMSummarizer) Summarize(ctx context.Context, texts []string, targetCount int) ([]string, error) {
	if targetCount <= 0 {
		return nil, fmt.Errorf("target count must be positive, got %d", targetCount)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to summarize")
	}

	var sb strings.Builder
	for i, text := range texts {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, text)
	}
	prompt := fmt.Sprintf(summarizePromptTemplate, len(texts), targetCount, sb.String(), targetCount)

	response, err := s.client.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("summarizing partition: %w", err)
	}

	summaries, err := parseSummaries(response)
	if err != nil {
		return nil, err
	}
	if len(summaries) < targetCount {
		return nil, fmt.Errorf("%w: got %d of %d", ErrSummarizationInsufficient, len(summaries), targetCount)
	}

	// Models occasionally over-produce; keep the requested count.
	return summaries[:targetCount], nil
}

// parseSummaries extracts a JSON string array from a completion.
func parseSummaries(response string) ([]string, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in summarization response")
	}

	var summaries []string
	if err := json.Unmarshal([]byte(response[start:end+1]), &summaries); err != nil {
		return nil, fmt.Errorf("parsing summarization response: %w", err)
	}

	out := summaries[:0]
	for _, summary := range summaries {
		if strings.TrimSpace(summary) != "" {
			out = append(out, summary)
		}
	}
	return out, nil
}

var _ Summarizer = (*LLMSummarizer)(nil)
