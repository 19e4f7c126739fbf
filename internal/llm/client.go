package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultModel = openai.GPT4oMini

var (
	// ErrNoModel signals that no provider is configured; callers fall back
	// to their heuristic paths.
	ErrNoModel = errors.New("no language model configured")

	errEmptyPrompt = errors.New("prompt is empty")
	errNoChoices   = errors.New("model returned no choices")
)

// GenerationParams tune a single completion request. Zero values leave the
// provider defaults in place.
type GenerationParams struct {
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// Result is one completed generation.
type Result struct {
	Content    string
	Model      string
	Confidence float64
}

// Client is the narrow generation interface the orchestration layer programs
// against.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (Result, error)
}

// chatAPI is the slice of the OpenAI SDK the client uses. Tests substitute a
// canned implementation.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient implements Client on top of the OpenAI chat completion API.
type OpenAIClient struct {
	api    chatAPI
	model  string
	logger *zap.Logger
}

// OpenAIConfig wires an OpenAIClient. APIKey is required; Model defaults to
// a small general-purpose model.
type OpenAIConfig struct {
	APIKey string
	Model  string
	Logger *zap.Logger
}

// NewOpenAIClient constructs a client against api.openai.com.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoModel
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		api:    openai.NewClient(cfg.APIKey),
		model:  model,
		logger: logger,
	}, nil
}

// Generate runs one chat completion and reports a confidence derived from
// the finish reason: clean stops are trusted, truncation and anything else
// is not.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (Result, error) {
	if prompt == "" {
		return Result{}, errEmptyPrompt
	}

	system := params.SystemPrompt
	if system == "" {
		system = "You are a helpful assistant."
	}
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature > 0 {
		req.Temperature = params.Temperature
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = params.MaxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		c.logger.Warn("chat completion failed", zap.String("model", c.model), zap.Error(err))
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errNoChoices
	}

	choice := resp.Choices[0]
	confidence := 0.9
	if choice.FinishReason != openai.FinishReasonStop {
		confidence = 0.4
	}
	return Result{
		Content:    choice.Message.Content,
		Model:      resp.Model,
		Confidence: confidence,
	}, nil
}
