package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/reflectmem/internal/llm"
)

// RelevanceJudge decides which retrieval candidates actually matter for the
// current task. One call judges the whole candidate batch.
//
// The returned slice must have one entry per candidate, in candidate order:
// true keeps, false drops. Any error from Judge is recovered by the caller
// fail-open (all candidates kept), so implementations should not retry.
type RelevanceJudge interface {
	Judge(ctx context.Context, taskContext string, candidates []string) ([]bool, error)
}

const judgePromptTemplate = `You are filtering retrieved memories for relevance to a task.

Task context:
%s

Candidate memories:
%s
For each candidate, decide whether it is relevant to the task context.
Respond with ONLY a JSON array of booleans, one per candidate, in order.
Example for three candidates: [true, false, true]`

// LLMJudge is a RelevanceJudge backed by a completion client.
type LLMJudge struct {
	client llm.CompletionClient
}

// NewLLMJudge creates a relevance judge over the given completion client.
func NewLLMJudge(client llm.CompletionClient) (*LLMJudge, error) {
	if client == nil {
		return nil, fmt.Errorf("completion client cannot be nil")
	}
	return &LLMJudge{client: client}, nil
}

// Judge sends one batched judgment request for all candidates.
func (j *LLMJudge) Judge(ctx context.Context, taskContext string, candidates []string) ([]bool, error) {
	if len(candidates) == 0 {
		return []bool{}, nil
	}

	var sb strings.Builder
	for i, candidate := range candidates {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, candidate)
	}
	prompt := fmt.Sprintf(judgePromptTemplate, taskContext, sb.String())

	response, err := j.client.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("judging candidates: %w", err)
	}

	verdicts, err := parseJudgment(response)
	if err != nil {
		return nil, err
	}
	if len(verdicts) != len(candidates) {
		return nil, fmt.Errorf("%w: got %d verdicts for %d candidates", ErrJudgmentParse, len(verdicts), len(candidates))
	}

	return verdicts, nil
}

// parseJudgment extracts a JSON boolean array from a completion. Models often
// wrap the array in prose or code fences, so it parses the outermost bracket
// pair rather than the whole response.
func parseJudgment(response string) ([]bool, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON array in response", ErrJudgmentParse)
	}

	var verdicts []bool
	if err := json.Unmarshal([]byte(response[start:end+1]), &verdicts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJudgmentParse, err)
	}

	return verdicts, nil
}

var _ RelevanceJudge = (*LLMJudge)(nil)
