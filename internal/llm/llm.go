// Package llm provides completion clients for relevance judgment and
// memory summarization.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

var (
	// ErrInvalidConfig indicates invalid client configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCompletionFailed indicates a completion call failure.
	ErrCompletionFailed = errors.New("completion failed")
)

// CompletionClient provides an interface for interacting with LLM backends.
//
// Implementations should handle their own retry and timeout policies; callers
// treat a returned error as a terminal failure for the current operation.
type CompletionClient interface {
	// Complete sends a prompt and returns the raw completion text.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config holds configuration for the OpenAI-compatible client.
type Config struct {
	// BaseURL is the API base URL. Works for OpenAI and any
	// OpenAI-compatible server (vLLM, Ollama, LiteLLM).
	BaseURL string

	// Model is the completion model name.
	Model string

	// APIKey is the API token. Optional for local servers.
	APIKey string

	// Temperature controls sampling randomness. Judgment and summarization
	// both want low temperature; defaults to 0.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// Timeout bounds each completion call. Zero means no client timeout.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// Client is a CompletionClient backed by an OpenAI-compatible API.
type Client struct {
	llm    *openai.LLM
	config Config
}

// NewClient creates a new OpenAI-compatible completion client.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	apiKey := config.APIKey
	if apiKey == "" {
		// langchaingo requires a token, use placeholder for local servers
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithModel(config.Model),
		openai.WithToken(apiKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, openai.WithHTTPClient(&http.Client{Timeout: config.Timeout}))
	}

	llmClient, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	return &Client{llm: llmClient, config: config}, nil
}

// Complete sends a prompt and returns the completion text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	callOpts := []llms.CallOption{
		llms.WithTemperature(c.config.Temperature),
	}
	if c.config.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(c.config.MaxTokens))
	}

	response, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, callOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}

	return response, nil
}

var _ CompletionClient = (*Client)(nil)
