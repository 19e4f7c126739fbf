package llm

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type cannedChatAPI struct {
	response openai.ChatCompletionResponse
	err      error
	lastReq  openai.ChatCompletionRequest
}

func (c *cannedChatAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.lastReq = req
	return c.response, c.err
}

func newCannedClient(api *cannedChatAPI) *OpenAIClient {
	return &OpenAIClient{api: api, model: defaultModel, logger: zap.NewNop()}
}

func TestNewOpenAIClientRequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{}); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}

func TestGenerateReturnsContentWithHighConfidenceOnCleanStop(t *testing.T) {
	api := &cannedChatAPI{
		response: openai.ChatCompletionResponse{
			Model: defaultModel,
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Content: "Action: suggest_actions"},
				FinishReason: openai.FinishReasonStop,
			}},
		},
	}
	client := newCannedClient(api)

	result, err := client.Generate(context.Background(), "plan something", GenerationParams{})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if result.Content != "Action: suggest_actions" {
		t.Fatalf("unexpected content %q", result.Content)
	}
	if result.Confidence < 0.9 {
		t.Fatalf("clean stop should be trusted, got confidence %v", result.Confidence)
	}
}

func TestGenerateLowersConfidenceOnTruncation(t *testing.T) {
	api := &cannedChatAPI{
		response: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Content: "partial"},
				FinishReason: openai.FinishReasonLength,
			}},
		},
	}
	client := newCannedClient(api)

	result, err := client.Generate(context.Background(), "plan something", GenerationParams{})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if result.Confidence >= 0.9 {
		t.Fatalf("truncated answers must not be trusted, got %v", result.Confidence)
	}
}

func TestGenerateRejectsEmptyPromptAndEmptyChoices(t *testing.T) {
	client := newCannedClient(&cannedChatAPI{})

	if _, err := client.Generate(context.Background(), "", GenerationParams{}); err == nil {
		t.Fatalf("expected empty prompt to be rejected")
	}
	if _, err := client.Generate(context.Background(), "plan", GenerationParams{}); err == nil {
		t.Fatalf("expected empty choice list to be an error")
	}
}

func TestGeneratePassesTuningParams(t *testing.T) {
	api := &cannedChatAPI{
		response: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Content: "ok"},
				FinishReason: openai.FinishReasonStop,
			}},
		},
	}
	client := newCannedClient(api)

	_, err := client.Generate(context.Background(), "plan", GenerationParams{
		SystemPrompt: "You plan document edits.",
		Temperature:  0.2,
		MaxTokens:    256,
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if api.lastReq.Temperature != 0.2 || api.lastReq.MaxCompletionTokens != 256 {
		t.Fatalf("tuning params not forwarded: %+v", api.lastReq)
	}
	if api.lastReq.Messages[0].Content != "You plan document edits." {
		t.Fatalf("system prompt not forwarded")
	}
}
